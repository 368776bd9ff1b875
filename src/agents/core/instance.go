package core

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/stake-plus/agentexec/src/agents/service"
	"github.com/stake-plus/agentexec/src/bus"
	"github.com/stake-plus/agentexec/src/registry"
)

// Instance is a loaded agent plus everything the runtime decided about it.
type Instance struct {
	agent      Agent
	descriptor registry.Descriptor
	name       string
	kind       Kind
	logger     *log.Logger

	service Service
	runner  Runner
	handler EventHandler
	heart   Heartbeater
	diag    Diagnoser

	mu       sync.Mutex
	status   registry.Status
	initErr  error
	startErr error
	thread   *service.Thread
}

// NewInstance inspects agent for its capabilities and fixes its Kind.
func NewInstance(agent Agent, desc registry.Descriptor, logger *log.Logger) *Instance {
	if logger == nil {
		logger = log.Default()
	}
	inst := &Instance{
		agent:      agent,
		descriptor: desc,
		name:       desc.Name,
		status:     desc.Status,
		logger:     logger,
	}
	if n, ok := agent.(Namer); ok && n.Name() != "" {
		inst.name = n.Name()
	}
	inst.service, _ = agent.(Service)
	inst.runner, _ = agent.(Runner)
	inst.handler, _ = agent.(EventHandler)
	inst.heart, _ = agent.(Heartbeater)
	inst.diag, _ = agent.(Diagnoser)

	switch {
	case desc.Interface == registry.InterfaceService && inst.service != nil:
		inst.kind = KindService
	case desc.Interface == registry.InterfaceService && inst.runner != nil:
		inst.kind = KindPoller
	case inst.runner != nil:
		inst.kind = KindOneShot
	default:
		inst.kind = KindPassive
	}
	return inst
}

// Agent returns the wrapped value.
func (i *Instance) Agent() Agent { return i.agent }

// Name is the effective agent name.
func (i *Instance) Name() string { return i.name }

// Kind reports how the runtime drives the agent.
func (i *Instance) Kind() Kind { return i.kind }

// Descriptor returns the registry entry the agent was loaded from.
func (i *Instance) Descriptor() registry.Descriptor { return i.descriptor }

// Status mirrors the descriptor status; it is independent of liveness.
func (i *Instance) Status() registry.Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status
}

// SetStatus overrides the mirrored status.
func (i *Instance) SetStatus(s registry.Status) {
	i.mu.Lock()
	i.status = s
	i.mu.Unlock()
}

// InitErr is the error Initialize returned, if any.
func (i *Instance) InitErr() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.initErr
}

func (i *Instance) setInitErr(err error) {
	i.mu.Lock()
	i.initErr = err
	i.mu.Unlock()
}

// StartErr is the panic the last Start recovered from, if any.
func (i *Instance) StartErr() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.startErr
}

func (i *Instance) setStartErr(err error) {
	i.mu.Lock()
	i.startErr = err
	i.mu.Unlock()
}

// HandlesEvents reports whether the agent subscribes to the bus.
func (i *Instance) HandlesEvents() bool { return i.handler != nil }

// Capabilities lists the optional interfaces the agent implements.
func (i *Instance) Capabilities() []string {
	caps := []string{}
	if _, ok := i.agent.(Initializer); ok {
		caps = append(caps, "initialize")
	}
	if i.service != nil {
		caps = append(caps, "start", "stop")
	}
	if i.runner != nil {
		caps = append(caps, "run")
	}
	if i.handler != nil {
		caps = append(caps, "handle_event")
	}
	if i.heart != nil {
		caps = append(caps, "heartbeat")
	}
	if i.diag != nil {
		caps = append(caps, "diagnose")
	}
	return caps
}

// Thread is the goroutine the runtime spawned for a poller, or nil.
func (i *Instance) Thread() *service.Thread {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.thread
}

// Start launches service and poller agents. It returns false for other kinds,
// when the agent is already running, or when starting panicked.
func (i *Instance) Start(ctx context.Context) (started bool) {
	defer func() {
		if r := recover(); r != nil {
			i.logger.Printf("%s: start panicked: %v", i.name, r)
			i.setStartErr(fmt.Errorf("start panicked: %v", r))
			started = false
		}
	}()
	switch i.kind {
	case KindService:
		return i.service.Start(ctx)
	case KindPoller:
		i.mu.Lock()
		defer i.mu.Unlock()
		if i.thread.Alive() {
			return false
		}
		i.thread = service.Spawn(ctx, i.name, i.logger, func(ctx context.Context) {
			if res := i.runner.Run(ctx, nil); res.Err() != "" {
				i.logger.Printf("%s: run ended: %s", i.name, res.Err())
			}
		})
		return true
	default:
		return false
	}
}

// Stop stops a running service or poller. It never panics.
func (i *Instance) Stop(timeout time.Duration) (res service.StopResult) {
	defer func() {
		if r := recover(); r != nil {
			i.logger.Printf("%s: stop panicked: %v", i.name, r)
			res = service.TimedOut
		}
	}()
	switch i.kind {
	case KindService:
		return i.service.Stop(timeout)
	case KindPoller:
		return i.Thread().Stop(timeout)
	default:
		return service.NotRunning
	}
}

// Heartbeat reports goroutine liveness only. Pollers are judged by the
// runtime's thread; everything else needs Heartbeater.
func (i *Instance) Heartbeat() bool {
	if i.heart != nil {
		return i.heart.Heartbeat()
	}
	if i.kind == KindPoller {
		return i.Thread().Alive()
	}
	return false
}

// Run invokes the agent's one-shot work and converts panics into an error
// result.
func (i *Instance) Run(ctx context.Context, args map[string]string) (res Result) {
	if i.runner == nil {
		return Result{"error": fmt.Sprintf("agent %s does not support run", i.name)}
	}
	defer func() {
		if r := recover(); r != nil {
			res = Result{"error": fmt.Sprintf("run panicked: %v", r)}
		}
	}()
	res = i.runner.Run(ctx, args)
	if res == nil {
		res = Result{}
	}
	return res
}

// Deliver hands an event to the agent's handler. Events the agent emitted
// itself are not delivered back.
func (i *Instance) Deliver(ctx context.Context, event bus.Event) (handled bool) {
	if i.handler == nil || event.SourceAgent == i.name {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			i.logger.Printf("%s: handle %s panicked: %v", i.name, event.Type, r)
			handled = false
		}
	}()
	return i.handler.HandleEvent(ctx, event)
}

// Diagnose merges the agent's own snapshot with runtime facts.
func (i *Instance) Diagnose() map[string]any {
	out := map[string]any{}
	if i.diag != nil {
		for k, v := range i.diag.Diagnose() {
			out[k] = v
		}
	}
	out["name"] = i.name
	out["kind"] = i.kind.String()
	out["status"] = string(i.Status())
	out["heartbeat"] = i.Heartbeat()
	if err := i.InitErr(); err != nil {
		out["init_error"] = err.Error()
	}
	if err := i.StartErr(); err != nil {
		out["start_error"] = err.Error()
	}
	if t := i.Thread(); t != nil && t.Err() != nil {
		out["thread_error"] = t.Err().Error()
	}
	return out
}

// Describe returns the operator view.
func (i *Instance) Describe() Description {
	d := Description{
		Name:         i.name,
		Category:     i.descriptor.Category,
		Module:       i.descriptor.Module,
		Class:        i.descriptor.Class,
		Interface:    i.descriptor.Interface,
		Status:       i.Status(),
		Kind:         i.kind,
		Alive:        i.Heartbeat(),
		Capabilities: i.Capabilities(),
		Desc:         i.descriptor.Desc,
	}
	if err := i.InitErr(); err != nil {
		d.InitError = err.Error()
	}
	if err := i.StartErr(); err != nil {
		d.StartError = err.Error()
	}
	return d
}
