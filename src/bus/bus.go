package bus

import (
	"context"
	"errors"
	"log"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Wildcard subscribes a handler to every event type.
const Wildcard = "*"

// DefaultPublishTimeout is how long Publish waits for buffer space before the
// event is dropped.
const DefaultPublishTimeout = 50 * time.Millisecond

var (
	// ErrBusFull is returned when the buffer stayed full for the publish timeout.
	ErrBusFull = errors.New("bus: buffer full, event dropped")
	// ErrStopped is returned by Publish after Stop.
	ErrStopped = errors.New("bus: stopped")
)

// Event is the message exchanged between agents.
type Event struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Data        map[string]any `json:"data"`
	SourceAgent string         `json:"source_agent,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// NewEvent stamps an event with an ID and the current time.
func NewEvent(eventType, source string, data map[string]any) Event {
	if data == nil {
		data = map[string]any{}
	}
	return Event{
		ID:          uuid.NewString(),
		Type:        eventType,
		Data:        data,
		SourceAgent: source,
		Timestamp:   time.Now().UTC(),
	}
}

// Handler processes one delivered event.
type Handler func(ctx context.Context, event Event)

// Publisher accepts events for delivery.
type Publisher interface {
	Publish(event Event) error
}

// Subscriber registers handlers by event type.
type Subscriber interface {
	Subscribe(eventType string, handler Handler)
}

// Sink receives a copy of every dispatched event, after handlers ran.
type Sink interface {
	Name() string
	Write(ctx context.Context, event Event) error
}

// Stats counts what happened to published events.
type Stats struct {
	Published   int64 `json:"published"`
	Delivered   int64 `json:"delivered"`
	Dropped     int64 `json:"dropped"`
	SinkErrors  int64 `json:"sink_errors"`
	Buffered    int   `json:"buffered"`
	Capacity    int   `json:"capacity"`
	Subscribers int   `json:"subscribers"`
}

type subscription struct {
	source  string
	handler Handler
}

// MemoryBus is a bounded in-process bus. One goroutine dispatches events in
// publish order; handlers for an event run sequentially on that goroutine, so
// a slow handler delays later events and eventually causes drops at Publish.
type MemoryBus struct {
	mu          sync.RWMutex
	subscribers map[string][]subscription
	sinks       []Sink

	events  chan Event
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
	started atomic.Bool

	publishTimeout time.Duration
	logger         *log.Logger

	published  atomic.Int64
	delivered  atomic.Int64
	dropped    atomic.Int64
	sinkErrors atomic.Int64
}

// NewMemoryBus creates a bus whose buffer holds bufferSize events.
func NewMemoryBus(bufferSize int, logger *log.Logger) *MemoryBus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	if logger == nil {
		logger = log.New(os.Stdout, "[bus] ", log.LstdFlags|log.Lmsgprefix)
	}
	return &MemoryBus{
		subscribers:    make(map[string][]subscription),
		events:         make(chan Event, bufferSize),
		done:           make(chan struct{}),
		stopped:        make(chan struct{}),
		publishTimeout: DefaultPublishTimeout,
		logger:         logger,
	}
}

// SetPublishTimeout changes how long Publish may block on a full buffer.
func (b *MemoryBus) SetPublishTimeout(d time.Duration) {
	if d > 0 {
		b.publishTimeout = d
	}
}

// Subscribe adds a handler for an event type, or Wildcard for all of them.
func (b *MemoryBus) Subscribe(eventType string, handler Handler) {
	b.SubscribeAs("", eventType, handler)
}

// SubscribeAs is Subscribe for an agent: events whose SourceAgent equals
// source are not delivered back to it.
func (b *MemoryBus) SubscribeAs(source, eventType string, handler Handler) {
	if handler == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], subscription{source: source, handler: handler})
}

// AddSink registers a sink for every event.
func (b *MemoryBus) AddSink(sink Sink) {
	if sink == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, sink)
}

// Publish queues an event. It blocks for at most the publish timeout and then
// drops the event with ErrBusFull.
func (b *MemoryBus) Publish(event Event) error {
	select {
	case <-b.done:
		return ErrStopped
	default:
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	timer := time.NewTimer(b.publishTimeout)
	defer timer.Stop()
	select {
	case b.events <- event:
		b.published.Add(1)
		return nil
	case <-b.done:
		return ErrStopped
	case <-timer.C:
		b.dropped.Add(1)
		return ErrBusFull
	}
}

// Start launches the dispatch goroutine. Calling it twice has no effect.
func (b *MemoryBus) Start(ctx context.Context) {
	if !b.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(b.stopped)
		for {
			select {
			case event := <-b.events:
				b.dispatch(ctx, event)
			case <-b.done:
				return
			case <-ctx.Done():
				b.Stop()
			}
		}
	}()
	b.logger.Printf("bus: dispatch started (capacity %d)", cap(b.events))
}

// Stop halts dispatch. Events still buffered are discarded.
func (b *MemoryBus) Stop() {
	b.once.Do(func() {
		close(b.done)
		b.logger.Printf("bus: dispatch stopped")
	})
}

// Wait blocks until the dispatch goroutine exits or ctx ends.
func (b *MemoryBus) Wait(ctx context.Context) {
	if !b.started.Load() {
		return
	}
	select {
	case <-b.stopped:
	case <-ctx.Done():
	}
}

// Stats reports counters and current buffer usage.
func (b *MemoryBus) Stats() Stats {
	b.mu.RLock()
	subs := 0
	for _, list := range b.subscribers {
		subs += len(list)
	}
	b.mu.RUnlock()
	return Stats{
		Published:   b.published.Load(),
		Delivered:   b.delivered.Load(),
		Dropped:     b.dropped.Load(),
		SinkErrors:  b.sinkErrors.Load(),
		Buffered:    len(b.events),
		Capacity:    cap(b.events),
		Subscribers: subs,
	}
}

func (b *MemoryBus) dispatch(ctx context.Context, event Event) {
	b.mu.RLock()
	exact := b.subscribers[event.Type]
	wild := b.subscribers[Wildcard]
	subs := make([]subscription, 0, len(exact)+len(wild))
	subs = append(subs, exact...)
	if event.Type != Wildcard {
		subs = append(subs, wild...)
	}
	sinks := make([]Sink, len(b.sinks))
	copy(sinks, b.sinks)
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.source != "" && sub.source == event.SourceAgent {
			continue
		}
		if b.call(ctx, event, sub.handler) {
			b.delivered.Add(1)
		}
	}
	for _, sink := range sinks {
		if err := b.write(ctx, sink, event); err != nil {
			b.sinkErrors.Add(1)
			b.logger.Printf("bus: sink %s: %v", sink.Name(), err)
		}
	}
}

func (b *MemoryBus) call(ctx context.Context, event Event, h Handler) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Printf("bus: handler panic on %s: %v\n%s", event.Type, r, debug.Stack())
			ok = false
		}
	}()
	h(ctx, event)
	return true
}

func (b *MemoryBus) write(ctx context.Context, sink Sink, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("sink panic")
		}
	}()
	return sink.Write(ctx, event)
}
