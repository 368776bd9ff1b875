package core

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/stake-plus/agentexec/src/registry"
)

// ErrNotInRegistry is returned by LoadByName when no descriptor matches.
var ErrNotInRegistry = errors.New("agents: agent not in registry")

// Loader turns registry descriptors into live instances.
type Loader struct {
	factories *Factories
	deps      RuntimeDeps
	logger    *log.Logger
}

// NewLoader binds a factory set and the shared runtime resources. A nil
// factory set means Default.
func NewLoader(factories *Factories, deps RuntimeDeps) *Loader {
	if factories == nil {
		factories = Default
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[loader] ", log.LstdFlags|log.Lmsgprefix)
	}
	return &Loader{factories: factories, deps: deps, logger: logger}
}

// LoadAll reads the registry at path and returns every loadable agent keyed by
// name. Bad descriptors are skipped; a malformed document yields an empty map.
func (l *Loader) LoadAll(ctx context.Context, path string) map[string]*Instance {
	out := map[string]*Instance{}
	for _, inst := range l.Load(ctx, path) {
		out[inst.Name()] = inst
	}
	return out
}

// Load is LoadAll preserving registry order.
func (l *Loader) Load(ctx context.Context, path string) []*Instance {
	if path == "" {
		path = registry.DefaultPath
	}
	doc, err := registry.ReadFile(path)
	if err != nil {
		l.logger.Printf("ERROR registry %s: %v", path, err)
		return nil
	}
	return l.LoadDocument(ctx, doc)
}

// LoadDocument builds, initializes and auto-starts the loadable agents of doc.
func (l *Loader) LoadDocument(ctx context.Context, doc *registry.Document) []*Instance {
	for _, err := range doc.Invalid {
		l.logger.Printf("ERROR %v", err)
	}

	var (
		out   []*Instance
		owner = map[string]string{}
	)
	for _, desc := range doc.Agents {
		if !desc.Status.Loadable() {
			l.logger.Printf("INFO skipping %s: status %q", desc.Name, desc.Status)
			continue
		}
		if prev, taken := owner[desc.Name]; taken {
			l.logger.Printf("ERROR duplicate agent %q in %q, keeping the one from %q", desc.Name, desc.Category, prev)
			continue
		}
		inst, err := l.build(ctx, desc)
		if err != nil {
			if errors.Is(err, registry.ErrUnsafeModule) {
				l.logger.Printf("WARN skipping %s: %v", desc.Name, err)
			} else {
				l.logger.Printf("ERROR skipping %s: %v", desc.Name, err)
			}
			continue
		}
		if prev, taken := owner[inst.Name()]; taken {
			l.logger.Printf("ERROR duplicate agent %q in %q, keeping the one from %q", inst.Name(), desc.Category, prev)
			continue
		}
		owner[inst.Name()] = desc.Category
		if inst.Start(ctx) {
			l.logger.Printf("INFO started %s (%s)", inst.Name(), inst.Kind())
		} else if err := inst.StartErr(); err != nil {
			l.logger.Printf("ERROR start %s: %v", inst.Name(), err)
		}
		out = append(out, inst)
	}
	return out
}

// LoadByName constructs and initializes the named agent regardless of its
// status. The instance is not started.
func (l *Loader) LoadByName(ctx context.Context, path, name string) (*Instance, error) {
	if path == "" {
		path = registry.DefaultPath
	}
	doc, err := registry.ReadFile(path)
	if err != nil {
		return nil, err
	}
	desc, ok := doc.Find(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotInRegistry, name)
	}
	return l.build(ctx, desc)
}

// Build constructs one descriptor without starting it.
func (l *Loader) Build(ctx context.Context, desc registry.Descriptor) (*Instance, error) {
	return l.build(ctx, desc)
}

func (l *Loader) build(ctx context.Context, desc registry.Descriptor) (*Instance, error) {
	if err := registry.ValidateModule(desc.Module); err != nil {
		return nil, err
	}
	factory, err := l.factories.Lookup(desc.Module, desc.Class)
	if err != nil {
		return nil, err
	}
	agent, err := construct(factory)
	if err != nil {
		return nil, fmt.Errorf("agents: construct %s: %w", desc.Key(), err)
	}

	deps := l.deps.forAgent(desc.Name)
	if b, ok := agent.(RuntimeBinder); ok {
		b.BindRuntime(deps)
	}
	inst := NewInstance(agent, desc, deps.Logger)
	if i, ok := agent.(Initializer); ok {
		if err := initialize(ctx, i); err != nil {
			l.logger.Printf("ERROR initialize %s: %v", inst.Name(), err)
			inst.setInitErr(err)
		}
	}
	inst.SetStatus(desc.Status)
	return inst, nil
}

func construct(factory Factory) (agent Agent, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("factory panicked: %v", r)
		}
	}()
	agent, err = factory()
	if err == nil && agent == nil {
		err = errors.New("factory returned nil")
	}
	return agent, err
}

func initialize(ctx context.Context, i Initializer) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("initialize panicked: %v", r)
		}
	}()
	return i.Initialize(ctx)
}
