package core

import (
	"context"
	"time"

	"github.com/stake-plus/agentexec/src/agents/service"
	"github.com/stake-plus/agentexec/src/bus"
)

// Agent is any value a factory constructs. What the runtime can do with it is
// decided by which of the optional interfaces below it implements.
type Agent interface{}

// Namer lets an agent pick its own name; otherwise the descriptor name is used.
type Namer interface {
	Name() string
}

// RuntimeBinder receives shared resources before Initialize.
type RuntimeBinder interface {
	BindRuntime(deps RuntimeDeps)
}

// Initializer performs one-time setup after construction.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// Service agents own their background loop.
type Service interface {
	Start(ctx context.Context) bool
	Stop(timeout time.Duration) service.StopResult
}

// Runner agents do one-shot work, or block until ctx ends when driven as a
// poller.
type Runner interface {
	Run(ctx context.Context, args map[string]string) Result
}

// EventHandler agents receive bus events.
type EventHandler interface {
	HandleEvent(ctx context.Context, event bus.Event) bool
}

// Heartbeater agents report whether their loop is alive. A Service agent
// without it always reads as not alive: the runtime cannot see inside a loop
// the agent owns.
type Heartbeater interface {
	Heartbeat() bool
}

// Diagnoser agents contribute a snapshot to Diagnose.
type Diagnoser interface {
	Diagnose() map[string]any
}

// HealthReporter is the usual pair.
type HealthReporter interface {
	Heartbeater
	Diagnoser
}
