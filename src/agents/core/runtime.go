package core

import (
	"log"
	"net/http"

	"github.com/redis/go-redis/v9"
	"github.com/stake-plus/agentexec/src/agents/workspace"
	"github.com/stake-plus/agentexec/src/bus"
	"github.com/stake-plus/agentexec/src/registry"
	"gorm.io/gorm"
)

// Directory is the read-only view of loaded agents some agents report on.
type Directory interface {
	Describe() []Description
}

// RuntimeDeps captures shared resources that agents can opt into. Any field
// may be nil.
type RuntimeDeps struct {
	// Name is the descriptor name the agent was loaded under.
	Name string
	// Bus is this agent's emitter; the loader stamps it with the agent name.
	Bus bus.Emitter
	// Events is the shared publisher the per-agent emitters are built from.
	Events bus.Publisher

	Logger    *log.Logger
	Files     *workspace.Workspace
	Registry  *registry.Store
	Directory Directory
	Settings  func(name string) string

	DB    *gorm.DB
	Redis *redis.Client
	HTTP  *http.Client
}

// Setting reads a named setting, or "" when no settings source is wired.
func (d RuntimeDeps) Setting(name string) string {
	if d.Settings == nil {
		return ""
	}
	return d.Settings(name)
}

func (d RuntimeDeps) forAgent(name string) RuntimeDeps {
	out := d
	out.Name = name
	if d.Files != nil {
		out.Logger = d.Files.Logger(name)
	}
	if out.Logger == nil {
		out.Logger = log.Default()
	}
	out.Bus = bus.NewEmitter(d.Events, name, out.Logger)
	return out
}
