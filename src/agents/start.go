package agents

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	agentcore "github.com/stake-plus/agentexec/src/agents/core"
	"github.com/stake-plus/agentexec/src/agents/journal"
	"github.com/stake-plus/agentexec/src/agents/service"
	"github.com/stake-plus/agentexec/src/agents/workspace"
	"github.com/stake-plus/agentexec/src/bus"
	sharedconfig "github.com/stake-plus/agentexec/src/config"
	"github.com/stake-plus/agentexec/src/logging"
	"github.com/stake-plus/agentexec/src/registry"
	"github.com/stake-plus/agentexec/src/webclient"
	"gorm.io/gorm"
)

// Options carries the external resources StartAll wires into agents. Any of
// them may be nil. Settings backs lookups the ExecConfig does not answer.
type Options struct {
	DB        *gorm.DB
	Redis     *redis.Client
	Factories *agentcore.Factories
	Settings  func(name string) string
}

// Runtime is a started agent host.
type Runtime struct {
	Config  sharedconfig.ExecConfig
	Manager *Manager
	Bus     *bus.MemoryBus
	Store   *registry.Store
	Files   *workspace.Workspace

	loader *agentcore.Loader
	logger *log.Logger
	ctx    context.Context
	cancel context.CancelFunc
	sinks  []bus.Sink

	reloadMu sync.Mutex
	stopOnce sync.Once
	results  map[string]service.StopResult
}

// StartAll loads the registry, starts service agents, subscribes event
// handlers and starts bus dispatch.
func StartAll(ctx context.Context, cfg sharedconfig.ExecConfig, opts Options) (*Runtime, error) {
	logger := logging.New("agents")

	files, err := workspace.New(cfg.WorkspaceRoot)
	if err != nil {
		return nil, fmt.Errorf("agents: workspace: %w", err)
	}
	files.SetMirror(logging.Output())

	b := bus.NewMemoryBus(cfg.BusBuffer, logging.New("bus"))
	store := registry.NewStore(cfg.RegistryPath)
	manager := agentcore.NewManager()
	manager.SetStopTimeout(cfg.StopTimeout)

	fallback := opts.Settings
	if fallback == nil {
		fallback = func(name string) string {
			return sharedconfig.GetSetting(name, strings.ToUpper(name), "")
		}
	}
	fromConfig := cfg.AgentSettings()
	settings := func(name string) string {
		if v, ok := fromConfig[name]; ok {
			return v
		}
		return fallback(name)
	}

	deps := agentcore.RuntimeDeps{
		Events:    b,
		Logger:    logger,
		Files:     files,
		Registry:  store,
		Directory: manager,
		Settings:  settings,
		DB:        opts.DB,
		Redis:     opts.Redis,
		HTTP:      webclient.NewDefault(cfg.HTTPTimeout),
	}

	rt := &Runtime{
		Config:  cfg,
		Manager: manager,
		Bus:     b,
		Store:   store,
		Files:   files,
		loader:  agentcore.NewLoader(opts.Factories, deps),
		logger:  logger,
	}

	if cfg.Redis.Enabled && opts.Redis != nil {
		rt.addSink(bus.NewRedisStreamSink(opts.Redis, cfg.Redis.Stream))
	}

	runCtx, cancel := context.WithCancel(ctx)
	rt.ctx, rt.cancel = runCtx, cancel

	// Dispatch starts after subscription so events emitted during the first
	// iterations are buffered rather than lost.
	for _, err := range manager.Adopt(rt.loader.Load(runCtx, cfg.RegistryPath)) {
		logger.Printf("agents: %v", err)
	}
	manager.Subscribe(b)

	if cfg.Journal.Enabled && opts.DB != nil && !rt.hasJournal() {
		j := journal.NewAgent(journal.GormStore{DB: opts.DB})
		j.BindRuntime(deps)
		if err := j.Initialize(runCtx); err != nil {
			logger.Printf("agents: journal sink: %v", err)
		} else {
			rt.addSink(j.Sink())
		}
	}

	b.Start(runCtx)

	if cfg.WatchRegistry {
		changes, err := store.Watch(runCtx, 250*time.Millisecond)
		if err != nil {
			logger.Printf("agents: registry watch disabled: %v", err)
		} else {
			service.Go("registry-watch", logger, func() {
				for range changes {
					rt.Reload(runCtx)
				}
			})
		}
	}

	names := manager.Names()
	logger.Printf("agents: %d loaded from %s", len(names), cfg.RegistryPath)
	rt.publish("runtime.started", map[string]any{"agents": names})
	return rt, nil
}

// Reload picks up loadable descriptors added to the registry since the last
// load. Changed or removed descriptors need a restart of the host.
func (r *Runtime) Reload(ctx context.Context) []string {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	doc, _, err := r.Store.Read()
	if err != nil {
		r.logger.Printf("agents: reload: %v", err)
		return nil
	}
	var added []string
	for _, desc := range doc.Agents {
		if !desc.Status.Loadable() {
			continue
		}
		if _, err := r.Manager.Agent(desc.Name); err == nil {
			continue
		}
		inst, err := r.loader.Build(ctx, desc)
		if err != nil {
			r.logger.Printf("agents: reload %s: %v", desc.Name, err)
			continue
		}
		if err := r.Manager.Add(inst); err != nil {
			r.logger.Printf("agents: reload: %v", err)
			continue
		}
		inst.Start(ctx)
		added = append(added, inst.Name())
	}
	if len(added) > 0 {
		r.Manager.Subscribe(r.Bus)
		r.logger.Printf("agents: reload added %s", strings.Join(added, ", "))
		r.publish("registry.reloaded", map[string]any{"added": added})
	}
	return added
}

// Context is cancelled at Shutdown. Agents started on behalf of callers
// outside the host, such as API requests, run under it.
func (r *Runtime) Context() context.Context { return r.ctx }

// Publish puts an operator event on the bus.
func (r *Runtime) Publish(eventType, source string, data map[string]any) (bus.Event, error) {
	if strings.TrimSpace(eventType) == "" {
		return bus.Event{}, errors.New("agents: event type is required")
	}
	ev := bus.NewEvent(eventType, source, data)
	return ev, r.Bus.Publish(ev)
}

// Sinks lists the bus sinks StartAll attached.
func (r *Runtime) Sinks() []bus.Sink { return append([]bus.Sink(nil), r.sinks...) }

// Shutdown stops agents in reverse order, then the bus. It is safe to call
// more than once.
func (r *Runtime) Shutdown() map[string]service.StopResult {
	r.stopOnce.Do(func() {
		r.results = r.Manager.Stop()
		for name, res := range r.results {
			if res == service.TimedOut {
				r.logger.Printf("agents: %s did not stop within %s", name, r.Config.StopTimeout)
			}
		}
		r.Bus.Stop()
		r.cancel()
		if err := r.Files.Close(); err != nil {
			r.logger.Printf("agents: close logs: %v", err)
		}
	})
	return r.results
}

func (r *Runtime) addSink(s bus.Sink) {
	r.Bus.AddSink(s)
	r.sinks = append(r.sinks, s)
}

func (r *Runtime) hasJournal() bool {
	for _, d := range r.Manager.Describe() {
		if d.Module == journal.Module {
			return true
		}
	}
	return false
}

func (r *Runtime) publish(eventType string, data map[string]any) {
	if _, err := r.Publish(eventType, "runtime", data); err != nil && !logging.IsDrop(err) {
		r.logger.Printf("agents: publish %s: %v", eventType, err)
	} else if err != nil {
		r.logger.Printf("agents: %s dropped: %v", eventType, err)
	}
}
