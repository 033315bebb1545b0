package agentregistry

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// providerEntry mirrors one YAML/env-configured provider entry before it is
// converted to a ProviderSpec.
type providerEntry struct {
	Command         string            `mapstructure:"command"`
	Args            []string          `mapstructure:"args"`
	Env             map[string]string `mapstructure:"env"`
	EnvAllowList    []string          `mapstructure:"envAllowList"`
	AcpMultiSession bool              `mapstructure:"acpMultiSession"`
}

// LoadFromViper builds a StaticRegistry from a "providers" map section,
// the same mapstructure-tag-driven unmarshal the broker's own
// internal/config package uses.
func LoadFromViper(v *viper.Viper) (*StaticRegistry, error) {
	var entries map[string]providerEntry
	if err := v.UnmarshalKey("providers", &entries); err != nil {
		return nil, fmt.Errorf("unmarshaling provider registry: %w", err)
	}

	specs := make(map[string]ProviderSpec, len(entries))
	for providerID, entry := range entries {
		if strings.TrimSpace(entry.Command) == "" {
			continue
		}
		specs[providerID] = ProviderSpec{
			Command:         entry.Command,
			Args:            entry.Args,
			Env:             entry.Env,
			EnvAllowList:    entry.EnvAllowList,
			AcpMultiSession: entry.AcpMultiSession,
		}
	}

	return NewStaticRegistry(specs), nil
}

// LoadFromFile is a convenience wrapper that reads a standalone YAML file
// (commonly providers.yaml alongside config.yaml) into a StaticRegistry.
func LoadFromFile(path string) (*StaticRegistry, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading provider registry file %s: %w", path, err)
	}
	return LoadFromViper(v)
}
