package broker

import (
	"github.com/kandev/agentbroker/internal/agentregistry"
	"github.com/kandev/agentbroker/internal/logging"
	"github.com/kandev/agentbroker/internal/transport"
)

func transportSpawn(spec agentregistry.ProviderSpec, cwd string, env []string, logger *logging.Logger) (*transport.Process, error) {
	return transport.Spawn(transport.Spec{
		Command: spec.Command,
		Args:    spec.Args,
		Env:     env,
		Dir:     cwd,
	}, logger)
}
