package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stake-plus/agentexec/src/agents/service"
	"github.com/stake-plus/agentexec/src/bus"
)

var (
	// ErrUnknownAgent is returned when a caller asks for an unregistered agent.
	ErrUnknownAgent = errors.New("agents: unknown agent")
	// ErrNotStartable is returned by Restart for agents the runtime never drives.
	ErrNotStartable = errors.New("agents: agent has no background loop")
)

// Manager coordinates registration, lifecycle, and dispatch for agents.
type Manager struct {
	mu         sync.RWMutex
	agents     map[string]*Instance
	order      []*Instance
	subscribed map[*Instance]bool
	started    bool
	startedAt  time.Time
	timeout    time.Duration
}

// NewManager returns an empty manager ready for registration.
func NewManager() *Manager {
	return &Manager{
		agents:     map[string]*Instance{},
		subscribed: map[*Instance]bool{},
		timeout:    service.DefaultStopTimeout,
	}
}

// SetStopTimeout changes the per-agent stop wait.
func (m *Manager) SetStopTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.timeout = d
	m.mu.Unlock()
}

// Add registers an instance.
func (m *Manager) Add(inst *Instance) error {
	if inst == nil {
		return fmt.Errorf("agents.Manager: nil agent provided")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	name := normalizeKey(inst.Name())
	if name == "" {
		return fmt.Errorf("agents.Manager: agent missing name")
	}
	if _, exists := m.agents[name]; exists {
		return fmt.Errorf("agents.Manager: agent %q already registered", inst.Name())
	}
	m.agents[name] = inst
	m.order = append(m.order, inst)
	return nil
}

// Adopt registers instances that the loader has already started, skipping
// names that are taken.
func (m *Manager) Adopt(instances []*Instance) []error {
	var errs []error
	for _, inst := range instances {
		if err := m.Add(inst); err != nil {
			errs = append(errs, err)
		}
	}
	m.mu.Lock()
	if !m.started {
		m.started = true
		m.startedAt = time.Now().UTC()
	}
	m.mu.Unlock()
	return errs
}

// Start launches every service and poller agent that is not already running.
func (m *Manager) Start(ctx context.Context) {
	for _, inst := range m.snapshot() {
		inst.Start(ctx)
	}
	m.mu.Lock()
	m.started = true
	m.startedAt = time.Now().UTC()
	m.mu.Unlock()
}

// Stop tears down agents in reverse registration order and reports how each
// stop ended. The lock is not held while waiting, so readers such as Describe
// keep answering during shutdown.
func (m *Manager) Stop() map[string]service.StopResult {
	instances := m.snapshot()
	m.mu.RLock()
	timeout := m.timeout
	m.mu.RUnlock()

	out := make(map[string]service.StopResult, len(instances))
	for i := len(instances) - 1; i >= 0; i-- {
		inst := instances[i]
		if inst.Kind() != KindService && inst.Kind() != KindPoller {
			continue
		}
		out[inst.Name()] = inst.Stop(timeout)
	}
	m.mu.Lock()
	m.started = false
	m.mu.Unlock()
	return out
}

func (m *Manager) snapshot() []*Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Instance(nil), m.order...)
}

// Started reports whether Start has run and when.
func (m *Manager) Started() (bool, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.started, m.startedAt
}

// StartAgent starts one agent on its own.
func (m *Manager) StartAgent(ctx context.Context, name string) (bool, error) {
	inst, err := m.Agent(name)
	if err != nil {
		return false, err
	}
	if inst.Kind() != KindService && inst.Kind() != KindPoller {
		return false, fmt.Errorf("%w: %s is %s", ErrNotStartable, inst.Name(), inst.Kind())
	}
	return inst.Start(ctx), nil
}

// StopAgent stops one agent.
func (m *Manager) StopAgent(name string) (service.StopResult, error) {
	inst, err := m.Agent(name)
	if err != nil {
		return service.NotRunning, err
	}
	m.mu.RLock()
	timeout := m.timeout
	m.mu.RUnlock()
	return inst.Stop(timeout), nil
}

// Restart stops and starts a service or poller agent. It is the operator
// recovery path for a loop whose heartbeat went false.
func (m *Manager) Restart(ctx context.Context, name string) (service.StopResult, error) {
	inst, err := m.Agent(name)
	if err != nil {
		return service.NotRunning, err
	}
	if inst.Kind() != KindService && inst.Kind() != KindPoller {
		return service.NotRunning, fmt.Errorf("%w: %s is %s", ErrNotStartable, inst.Name(), inst.Kind())
	}
	res, _ := m.StopAgent(name)
	if res == service.TimedOut {
		return res, fmt.Errorf("agents.Manager: %s did not stop in time", inst.Name())
	}
	inst.Start(ctx)
	return res, nil
}

// Run dispatches a one-shot invocation to the named agent.
func (m *Manager) Run(ctx context.Context, name string, args map[string]string) (Result, error) {
	inst, err := m.Agent(name)
	if err != nil {
		return nil, err
	}
	return inst.Run(ctx, args), nil
}

// Diagnose returns the named agent's snapshot.
func (m *Manager) Diagnose(name string) (map[string]any, error) {
	inst, err := m.Agent(name)
	if err != nil {
		return nil, err
	}
	return inst.Diagnose(), nil
}

// Agent fetches a registered agent by name.
func (m *Manager) Agent(name string) (*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst := m.agents[normalizeKey(name)]
	if inst == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, name)
	}
	return inst, nil
}

// Names lists registered agents in registration order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.order))
	for _, inst := range m.order {
		out = append(out, inst.Name())
	}
	return out
}

// Describe returns metadata for all registered agents sorted by name.
func (m *Manager) Describe() []Description {
	instances := m.snapshot()
	out := make([]Description, 0, len(instances))
	for _, inst := range instances {
		out = append(out, inst.Describe())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Subscribe wires every event-handling agent not yet subscribed to all
// events on b, and returns how many it added.
func (m *Manager) Subscribe(b *bus.MemoryBus) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, inst := range m.order {
		if !inst.HandlesEvents() || m.subscribed[inst] {
			continue
		}
		m.subscribed[inst] = true
		inst := inst
		b.SubscribeAs(inst.Name(), bus.Wildcard, func(ctx context.Context, event bus.Event) {
			inst.Deliver(ctx, event)
		})
		n++
	}
	return n
}

func normalizeKey(name string) string {
	return strings.TrimSpace(strings.ToLower(name))
}
