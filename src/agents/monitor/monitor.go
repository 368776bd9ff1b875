package monitor

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	agentcore "github.com/stake-plus/agentexec/src/agents/core"
	"github.com/stake-plus/agentexec/src/agents/service"
)

// Reading is one sample of a resource.
type Reading struct {
	At      time.Time      `json:"at"`
	Percent float64        `json:"percent"`
	Detail  map[string]any `json:"detail,omitempty"`
}

// Sampler takes one reading. Implementations must honour ctx.
type Sampler interface {
	Sample(ctx context.Context) (Reading, error)
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func(ctx context.Context) (Reading, error)

// Sample implements Sampler.
func (f SamplerFunc) Sample(ctx context.Context) (Reading, error) { return f(ctx) }

// Config is persisted as config/<name>_config.json.
type Config struct {
	IntervalSeconds  float64 `json:"interval_seconds"`
	ThresholdPercent float64 `json:"threshold_percent"`
	HistorySize      int     `json:"history_size"`
	SnapshotEvery    int     `json:"snapshot_every"`
}

// Monitor samples a resource on a loop, keeps a bounded history, writes the
// history snapshot and emits resource.alert over the threshold.
type Monitor struct {
	name     string
	resource string
	sampler  Sampler
	cfg      Config

	deps    agentcore.RuntimeDeps
	loop    *service.Loop
	history *agentcore.History[Reading]

	alerts  atomic.Int64
	samples atomic.Int64
}

func newMonitor(name, resource string, sampler Sampler, cfg Config) *Monitor {
	m := &Monitor{name: name, resource: resource, sampler: sampler, cfg: cfg.withDefaults()}
	m.history = agentcore.NewHistory[Reading](m.cfg.HistorySize)
	m.loop = service.NewLoop(name, m.cfg.interval(), m.tick, nil)
	return m
}

func (c Config) withDefaults() Config {
	if c.IntervalSeconds <= 0 {
		c.IntervalSeconds = 15
	}
	if c.ThresholdPercent <= 0 {
		c.ThresholdPercent = 90
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 100
	}
	if c.SnapshotEvery <= 0 {
		c.SnapshotEvery = 4
	}
	return c
}

func (c Config) interval() time.Duration {
	return time.Duration(c.IntervalSeconds * float64(time.Second))
}

// BindRuntime implements agentcore.RuntimeBinder.
func (m *Monitor) BindRuntime(deps agentcore.RuntimeDeps) {
	m.deps = deps
	if deps.Name != "" {
		m.name = deps.Name
	}
	m.loop.SetLogger(deps.Logger)
}

// Initialize loads or creates the agent config file.
func (m *Monitor) Initialize(context.Context) error {
	if m.deps.Files == nil {
		return nil
	}
	cfg := m.cfg
	if _, err := m.deps.Files.LoadConfig(m.name, &cfg); err != nil {
		return err
	}
	m.cfg = cfg.withDefaults()
	m.history = agentcore.NewHistory[Reading](m.cfg.HistorySize)
	m.loop.SetInterval(m.cfg.interval())
	return nil
}

func (m *Monitor) Start(ctx context.Context) bool { return m.loop.Start(ctx) }

func (m *Monitor) Stop(timeout time.Duration) service.StopResult { return m.loop.Stop(timeout) }

func (m *Monitor) Heartbeat() bool { return m.loop.Heartbeat() }

// Diagnose implements agentcore.HealthReporter.
func (m *Monitor) Diagnose() map[string]any {
	out := map[string]any{
		"resource":  m.resource,
		"samples":   m.samples.Load(),
		"alerts":    m.alerts.Load(),
		"threshold": m.cfg.ThresholdPercent,
		"loop":      m.loop.Stats(),
	}
	if last, ok := m.history.Last(); ok {
		out["last_percent"] = last.Percent
		out["last_at"] = last.At
	}
	return out
}

// Run takes one sample on demand. "history" returns the retained readings
// instead.
func (m *Monitor) Run(ctx context.Context, args map[string]string) agentcore.Result {
	if args["action"] == "history" {
		limit, _ := strconv.Atoi(args["limit"])
		readings := m.history.Snapshot()
		if limit > 0 && limit < len(readings) {
			readings = readings[len(readings)-limit:]
		}
		return agentcore.Result{"resource": m.resource, "history": readings}
	}
	reading, err := m.sampler.Sample(ctx)
	if err != nil {
		return agentcore.ErrorResult(fmt.Errorf("%s sample: %w", m.resource, err))
	}
	return agentcore.Result{
		"resource":  m.resource,
		"percent":   reading.Percent,
		"detail":    reading.Detail,
		"over":      reading.Percent >= m.cfg.ThresholdPercent,
		"threshold": m.cfg.ThresholdPercent,
	}
}

// History returns a copy of the retained readings.
func (m *Monitor) History() []Reading { return m.history.Snapshot() }

func (m *Monitor) tick(ctx context.Context) error {
	reading, err := m.sampler.Sample(ctx)
	if err != nil {
		return fmt.Errorf("%s sample: %w", m.resource, err)
	}
	if reading.At.IsZero() {
		reading.At = time.Now().UTC()
	}
	m.history.Push(reading)
	n := m.samples.Add(1)

	if reading.Percent >= m.cfg.ThresholdPercent {
		m.alerts.Add(1)
		if m.deps.Bus != nil {
			m.deps.Bus.Emit("resource.alert", map[string]any{
				"resource":  m.resource,
				"percent":   reading.Percent,
				"threshold": m.cfg.ThresholdPercent,
			})
		}
	}

	if m.deps.Files != nil && n%int64(m.cfg.SnapshotEvery) == 0 {
		if err := m.deps.Files.WriteSnapshot(m.name, map[string]any{
			"resource": m.resource,
			"history":  m.history.Snapshot(),
			"alerts":   m.alerts.Load(),
		}); err != nil {
			return fmt.Errorf("%s snapshot: %w", m.resource, err)
		}
	}
	return nil
}
