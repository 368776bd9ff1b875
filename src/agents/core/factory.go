package core

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownFactory is returned when no factory is registered for a
// module/class pair.
var ErrUnknownFactory = errors.New("agents: no factory registered")

// Factory constructs an agent with no arguments.
type Factory func() (Agent, error)

// Factories maps "module:class" keys to constructors. Agent packages register
// into Default from init, the way database drivers do.
type Factories struct {
	mu sync.RWMutex
	m  map[string]Factory
}

// Default is the process-wide factory set.
var Default = NewFactories()

// NewFactories returns an empty set.
func NewFactories() *Factories {
	return &Factories{m: map[string]Factory{}}
}

// Register adds a factory under module and class. Re-registering replaces it.
func (f *Factories) Register(module, class string, factory Factory) {
	if factory == nil {
		panic(fmt.Sprintf("agents: nil factory for %s:%s", module, class))
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.m[factoryKey(module, class)] = factory
}

// Lookup resolves a factory.
func (f *Factories) Lookup(module, class string) (Factory, error) {
	f.mu.RLock()
	factory := f.m[factoryKey(module, class)]
	f.mu.RUnlock()
	if factory == nil {
		return nil, fmt.Errorf("%w for %s:%s", ErrUnknownFactory, module, class)
	}
	return factory, nil
}

// Keys lists registered "module:class" keys, sorted.
func (f *Factories) Keys() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	keys := make([]string, 0, len(f.m))
	for k := range f.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// RegisterModule registers into Default.
func RegisterModule(module, class string, factory Factory) {
	Default.Register(module, class, factory)
}

func factoryKey(module, class string) string {
	return strings.TrimSpace(module) + ":" + strings.TrimSpace(class)
}
