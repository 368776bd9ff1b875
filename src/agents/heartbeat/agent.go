package heartbeat

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	agentcore "github.com/stake-plus/agentexec/src/agents/core"
)

const (
	Module = "agents.system.heartbeat_agent"
	Class  = "HeartbeatAgent"
)

func init() {
	agentcore.RegisterModule(Module, Class, func() (agentcore.Agent, error) {
		return NewAgent(30 * time.Second), nil
	})
}

// Agent periodically publishes which agents are alive. It only implements
// Run, so as a service the runtime drives it on a goroutine it owns.
type Agent struct {
	deps     agentcore.RuntimeDeps
	interval time.Duration
	beats    atomic.Int64
}

// NewAgent builds a heartbeat publisher.
func NewAgent(interval time.Duration) *Agent {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Agent{interval: interval}
}

// BindRuntime implements agentcore.RuntimeBinder.
func (a *Agent) BindRuntime(deps agentcore.RuntimeDeps) {
	a.deps = deps
	if raw := deps.Setting("heartbeat_interval_seconds"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			a.interval = time.Duration(secs) * time.Second
		}
	}
}

// Run publishes once when args is non-nil. With nil args it publishes every
// interval until ctx is cancelled.
func (a *Agent) Run(ctx context.Context, args map[string]string) agentcore.Result {
	if args != nil {
		return a.beat()
	}
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		a.beat()
		select {
		case <-ctx.Done():
			return agentcore.Result{"beats": a.beats.Load()}
		case <-ticker.C:
		}
	}
}

// Beats counts published heartbeats.
func (a *Agent) Beats() int64 { return a.beats.Load() }

func (a *Agent) beat() agentcore.Result {
	var agents []map[string]any
	alive, down := 0, 0
	if a.deps.Directory != nil {
		for _, d := range a.deps.Directory.Describe() {
			if d.Name == a.deps.Name {
				continue
			}
			agents = append(agents, map[string]any{
				"name":  d.Name,
				"kind":  d.Kind.String(),
				"alive": d.Alive,
			})
			if d.Kind == agentcore.KindService || d.Kind == agentcore.KindPoller {
				if d.Alive {
					alive++
				} else {
					down++
				}
			}
		}
	}
	payload := map[string]any{"agents": agents, "alive": alive, "down": down}
	if a.deps.Bus != nil {
		a.deps.Bus.Emit("agent.heartbeat", payload)
	}
	if a.deps.Files != nil && a.deps.Name != "" {
		if err := a.deps.Files.WriteSnapshot(a.deps.Name, payload); err != nil && a.deps.Logger != nil {
			a.deps.Logger.Printf("heartbeat snapshot: %v", err)
		}
	}
	a.beats.Add(1)
	return agentcore.Result(payload)
}
