package agents

import (
	"github.com/stake-plus/agentexec/src/agents/core"
)

type (
	// Manager re-exports the core manager for convenience.
	Manager = core.Manager
	// Instance is a loaded agent.
	Instance = core.Instance
	// Agent is any value a registered factory constructs.
	Agent = core.Agent
	// Result is the status dictionary returned by Run.
	Result = core.Result
	// Description is the operator view of an agent.
	Description = core.Description
	// RuntimeDeps bundles shared resources for agents.
	RuntimeDeps = core.RuntimeDeps
)

var (
	// ErrUnknownAgent indicates no agent was registered with the provided key.
	ErrUnknownAgent = core.ErrUnknownAgent
)

// NewManager forwards to core.NewManager.
func NewManager() *Manager {
	return core.NewManager()
}
