package builder

import (
	"context"
	"errors"

	agentcore "github.com/stake-plus/agentexec/src/agents/core"
	"github.com/stake-plus/agentexec/src/registry"
)

const (
	Module = "agents.builder.builder_agent"
	Class  = "BuilderAgent"
)

func init() {
	agentcore.RegisterModule(Module, Class, func() (agentcore.Agent, error) {
		return NewAgent(nil), nil
	})
}

// ErrNoRegistry is reported when the agent runs without a registry store.
var ErrNoRegistry = errors.New("builder: no registry store configured")

// Agent registers or updates agent descriptors in the registry file.
type Agent struct {
	deps      agentcore.RuntimeDeps
	factories *agentcore.Factories
}

// NewAgent builds a builder that checks descriptors against factories
// (agentcore.Default when nil).
func NewAgent(factories *agentcore.Factories) *Agent {
	if factories == nil {
		factories = agentcore.Default
	}
	return &Agent{factories: factories}
}

// BindRuntime implements agentcore.RuntimeBinder.
func (a *Agent) BindRuntime(deps agentcore.RuntimeDeps) { a.deps = deps }

// Run upserts the descriptor described by args: name, category, module,
// class and optionally status, interface, subcategory and desc.
func (a *Agent) Run(ctx context.Context, args map[string]string) agentcore.Result {
	if a.deps.Registry == nil {
		return agentcore.ErrorResult(ErrNoRegistry)
	}
	desc := registry.Descriptor{
		Name:        args["name"],
		Category:    args["category"],
		Subcategory: args["subcategory"],
		Status:      registry.Status(args["status"]),
		Module:      args["module"],
		Class:       args["class"],
		Interface:   registry.Interface(args["interface"]),
		Desc:        args["desc"],
	}
	version, err := registry.UpdateAgentRegistry(ctx, a.deps.Registry, desc)
	if err != nil {
		return agentcore.ErrorResult(err)
	}

	_, lookupErr := a.factories.Lookup(desc.Module, desc.Class)
	if a.deps.Bus != nil {
		a.deps.Bus.Emit("registry.updated", map[string]any{
			"name":     desc.Name,
			"category": desc.Category,
			"module":   desc.Module,
			"class":    desc.Class,
			"version":  version.String(),
		})
	}
	out := agentcore.Result{
		"ok":         true,
		"name":       desc.Name,
		"version":    version.String(),
		"registry":   a.deps.Registry.Path(),
		"resolvable": lookupErr == nil,
	}
	if lookupErr != nil {
		out["warning"] = lookupErr.Error()
	}
	return out
}
