package pool

import (
	"fmt"
	"sort"
)

// baseEnvKeys are copied from the broker's own environment into every child,
// regardless of provider configuration.
var baseEnvKeys = []string{"PATH", "HOME", "SHELL", "TERM"}

// BuildEnv constructs a spawned child's environment in layered order: the
// base keys copied from brokerEnv, then providerAllowList overlaid from
// brokerEnv, then the registry command's own declared env, then the
// caller-supplied env. Later layers win on key collision. No other host
// environment variable is inherited.
func BuildEnv(brokerEnv map[string]string, providerAllowList []string, registryEnv map[string]string, callerEnv map[string]string) []string {
	merged := make(map[string]string)

	for _, key := range baseEnvKeys {
		if v, ok := brokerEnv[key]; ok {
			merged[key] = v
		}
	}
	for _, key := range providerAllowList {
		if v, ok := brokerEnv[key]; ok {
			merged[key] = v
		}
	}
	for k, v := range registryEnv {
		merged[k] = v
	}
	for k, v := range callerEnv {
		merged[k] = v
	}

	out := make([]string, 0, len(merged))
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s=%s", k, merged[k]))
	}
	return out
}
