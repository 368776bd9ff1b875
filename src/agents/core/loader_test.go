package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stake-plus/agentexec/src/agents/service"
	"github.com/stake-plus/agentexec/src/bus"
	"github.com/stake-plus/agentexec/src/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type xAgent struct {
	initialized bool
	deps        RuntimeDeps
}

func (a *xAgent) BindRuntime(deps RuntimeDeps)      { a.deps = deps }
func (a *xAgent) Initialize(context.Context) error { a.initialized = true; return nil }

func (a *xAgent) Run(ctx context.Context, args map[string]string) Result {
	if args == nil {
		<-ctx.Done()
		return Result{"stopped": true}
	}
	a.deps.Bus.Emit("x.ran", map[string]any{"args": len(args)})
	return Result{"ok": true, "who": args["who"]}
}

type loopAgent struct {
	loop *service.Loop
}

func newLoopAgent() *loopAgent {
	return &loopAgent{loop: service.NewLoop("loop", 10*time.Millisecond, func(context.Context) error { return nil }, nil)}
}

func (a *loopAgent) Start(ctx context.Context) bool                { return a.loop.Start(ctx) }
func (a *loopAgent) Stop(timeout time.Duration) service.StopResult { return a.loop.Stop(timeout) }
func (a *loopAgent) Heartbeat() bool                               { return a.loop.Heartbeat() }
func (a *loopAgent) Diagnose() map[string]any {
	return map[string]any{"iterations": a.loop.Stats().Iterations}
}

type startPanics struct{}

func (startPanics) Start(context.Context) bool            { panic("start boom") }
func (startPanics) Stop(time.Duration) service.StopResult { return service.NotRunning }

type brokenInit struct{}

func (brokenInit) Initialize(context.Context) error { return errors.New("no config") }

func testFactories() *Factories {
	f := NewFactories()
	f.Register("agents.custom.x_agent", "XAgent", func() (Agent, error) { return &xAgent{}, nil })
	f.Register("agents.custom.loop_agent", "LoopAgent", func() (Agent, error) { return newLoopAgent(), nil })
	f.Register("agents.custom.start_panics", "StartPanics", func() (Agent, error) { return startPanics{}, nil })
	f.Register("agents.custom.broken", "BrokenInit", func() (Agent, error) { return brokenInit{}, nil })
	f.Register("agents.custom.panics", "Panics", func() (Agent, error) { panic("boom") })
	f.Register("agents.custom.fails", "Fails", func() (Agent, error) { return nil, errors.New("nope") })
	return f
}

func writeRegistry(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent_registry_EXEC.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func stopAll(t *testing.T, agents map[string]*Instance) {
	t.Cleanup(func() {
		for _, inst := range agents {
			inst.Stop(time.Second)
		}
	})
}

func TestLoadAllCLIAgentIsNotStarted(t *testing.T) {
	path := writeRegistry(t, `{"custom": [{"name": "X", "status": "active", "module": "agents.custom.x_agent", "class": "XAgent", "interface": "cli"}]}`)

	agents := NewLoader(testFactories(), RuntimeDeps{}).LoadAll(context.Background(), path)
	stopAll(t, agents)

	require.Len(t, agents, 1)
	inst := agents["X"]
	require.NotNil(t, inst)
	assert.IsType(t, &xAgent{}, inst.Agent())
	assert.True(t, inst.Agent().(*xAgent).initialized)
	assert.Equal(t, KindOneShot, inst.Kind())
	assert.Nil(t, inst.Thread())
	assert.False(t, inst.Heartbeat())
	assert.Equal(t, registry.StatusActive, inst.Status())
}

func TestLoadAllServiceRunnerGetsThread(t *testing.T) {
	path := writeRegistry(t, `{"custom": [{"name": "X", "status": "active", "module": "agents.custom.x_agent", "class": "XAgent", "interface": "service"}]}`)

	agents := NewLoader(testFactories(), RuntimeDeps{}).LoadAll(context.Background(), path)
	stopAll(t, agents)

	inst := agents["X"]
	require.NotNil(t, inst)
	assert.Equal(t, KindPoller, inst.Kind())
	require.NotNil(t, inst.Thread())
	assert.True(t, inst.Thread().Alive())

	assert.Equal(t, service.Stopped, inst.Stop(time.Second))
	assert.False(t, inst.Heartbeat())
	assert.Equal(t, service.Stopped, inst.Stop(time.Second), "thread handle is kept after stop")
}

func TestLoadAllServiceAgentStartsItself(t *testing.T) {
	path := writeRegistry(t, `{"custom": [{"name": "L", "status": "beta", "module": "agents.custom.loop_agent", "class": "LoopAgent", "interface": "service"}]}`)

	agents := NewLoader(testFactories(), RuntimeDeps{}).LoadAll(context.Background(), path)
	stopAll(t, agents)

	inst := agents["L"]
	require.NotNil(t, inst)
	assert.Equal(t, KindService, inst.Kind())
	assert.True(t, inst.Heartbeat())
	assert.False(t, inst.Start(context.Background()), "second start is a no-op while alive")
	assert.True(t, inst.Heartbeat())
}

func TestLoadAllSkipsUnsafeAndUnresolvable(t *testing.T) {
	path := writeRegistry(t, `{
  "custom": [
    {"name": "evil", "status": "active", "module": "os.system", "class": "XAgent"},
    {"name": "dunder", "status": "active", "module": "agents.__init__", "class": "XAgent"},
    {"name": "missing", "status": "active", "module": "agents.custom.nowhere", "class": "Nope"},
    {"name": "panics", "status": "active", "module": "agents.custom.panics", "class": "Panics"},
    {"name": "fails", "status": "active", "module": "agents.custom.fails", "class": "Fails"},
    {"name": "X", "status": "active", "module": "agents.custom.x_agent", "class": "XAgent"}
  ]
}`)

	agents := NewLoader(testFactories(), RuntimeDeps{}).LoadAll(context.Background(), path)
	stopAll(t, agents)

	assert.Len(t, agents, 1)
	assert.Contains(t, agents, "X")
}

func TestLoadAllSurvivesPanickingStart(t *testing.T) {
	path := writeRegistry(t, `{"custom": [
  {"name": "P", "status": "active", "module": "agents.custom.start_panics", "class": "StartPanics", "interface": "service"},
  {"name": "X", "status": "active", "module": "agents.custom.x_agent", "class": "XAgent", "interface": "cli"}
]}`)

	var agents map[string]*Instance
	require.NotPanics(t, func() {
		agents = NewLoader(testFactories(), RuntimeDeps{}).LoadAll(context.Background(), path)
	})
	stopAll(t, agents)

	require.Contains(t, agents, "X")
	require.Contains(t, agents, "P", "a failed start keeps the agent registered")
	p := agents["P"]
	assert.Equal(t, KindService, p.Kind())
	require.Error(t, p.StartErr())
	assert.Contains(t, p.Diagnose()["start_error"], "start boom")
	assert.Contains(t, p.Describe().StartError, "start boom")
	assert.False(t, p.Start(context.Background()))
}

func TestLoadAllStatusFilterAndLoadByName(t *testing.T) {
	path := writeRegistry(t, `[
  {"name": "X", "category": "custom", "status": "inactive", "module": "agents.custom.x_agent", "class": "XAgent", "interface": "service"}
]`)
	loader := NewLoader(testFactories(), RuntimeDeps{})

	assert.Empty(t, loader.LoadAll(context.Background(), path))

	inst, err := loader.LoadByName(context.Background(), path, "X")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusInactive, inst.Status())
	assert.True(t, inst.Agent().(*xAgent).initialized)
	assert.Nil(t, inst.Thread(), "on-demand loads are not started")

	_, err = loader.LoadByName(context.Background(), path, "Y")
	assert.ErrorIs(t, err, ErrNotInRegistry)
}

func TestLoadAllMalformedRegistry(t *testing.T) {
	loader := NewLoader(testFactories(), RuntimeDeps{})

	for _, body := range []string{`"just a string"`, `42`, `{"custom": "nope"}`, `{not json`} {
		assert.NotPanics(t, func() {
			assert.Empty(t, loader.LoadAll(context.Background(), writeRegistry(t, body)))
		}, body)
	}
	assert.Empty(t, loader.LoadAll(context.Background(), filepath.Join(t.TempDir(), "absent.json")))
}

func TestLoadAllDuplicateNameFirstWins(t *testing.T) {
	path := writeRegistry(t, `{
  "a": [{"name": "X", "status": "active", "module": "agents.custom.x_agent", "class": "XAgent"}],
  "b": [{"name": "X", "status": "active", "module": "agents.custom.loop_agent", "class": "LoopAgent", "interface": "service"}]
}`)

	agents := NewLoader(testFactories(), RuntimeDeps{}).LoadAll(context.Background(), path)
	stopAll(t, agents)

	require.Len(t, agents, 1)
	assert.Equal(t, "a", agents["X"].Descriptor().Category)
	assert.IsType(t, &xAgent{}, agents["X"].Agent())
}

func TestLoadAllKeepsAgentWhenInitializeFails(t *testing.T) {
	path := writeRegistry(t, `{"custom": [{"name": "B", "status": "active", "module": "agents.custom.broken", "class": "BrokenInit"}]}`)

	agents := NewLoader(testFactories(), RuntimeDeps{}).LoadAll(context.Background(), path)

	require.Contains(t, agents, "B")
	require.Error(t, agents["B"].InitErr())
	assert.Equal(t, "no config", agents["B"].Diagnose()["init_error"])
	assert.Equal(t, KindPassive, agents["B"].Kind())
}

func TestRegistryRoundTripThroughLoader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent_registry_EXEC.json")
	store := registry.NewStore(path)
	_, err := registry.UpdateAgentRegistry(context.Background(), store, registry.Descriptor{
		Name:     "X",
		Category: "custom",
		Status:   registry.StatusActive,
		Module:   "agents.custom.x_agent",
		Class:    "XAgent",
	})
	require.NoError(t, err)

	agents := NewLoader(testFactories(), RuntimeDeps{}).LoadAll(context.Background(), path)
	require.Contains(t, agents, "X")
	desc := agents["X"].Descriptor()
	assert.Equal(t, "X", desc.Name)
	assert.Equal(t, "custom", desc.Category)
	assert.Equal(t, "agents.custom.x_agent", desc.Module)
	assert.Equal(t, "XAgent", desc.Class)
}

func TestRunEmitsWithAgentSource(t *testing.T) {
	b := bus.NewMemoryBus(8, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	defer b.Stop()

	got := make(chan bus.Event, 1)
	b.Subscribe("x.ran", func(_ context.Context, ev bus.Event) { got <- ev })

	path := writeRegistry(t, `{"custom": [{"name": "X", "status": "active", "module": "agents.custom.x_agent", "class": "XAgent"}]}`)
	agents := NewLoader(testFactories(), RuntimeDeps{Events: b}).LoadAll(ctx, path)
	require.Contains(t, agents, "X")

	res := agents["X"].Run(ctx, map[string]string{"who": "ops"})
	assert.Equal(t, "ops", res["who"])

	select {
	case ev := <-got:
		assert.Equal(t, "X", ev.SourceAgent)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}
