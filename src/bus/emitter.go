package bus

import (
	"log"
	"sync/atomic"
)

// Emitter is the fire-and-forget producer side agents are handed.
type Emitter interface {
	Emit(eventType string, data map[string]any)
}

// Discard drops every event.
var Discard Emitter = discard{}

type discard struct{}

func (discard) Emit(string, map[string]any) {}

// SourceEmitter stamps events with the emitting agent's name and publishes
// them. Publish failures are logged and counted, never returned.
type SourceEmitter struct {
	pub     Publisher
	source  string
	logger  *log.Logger
	dropped atomic.Int64
}

// NewEmitter binds a publisher to a source agent name. A nil publisher
// yields Discard.
func NewEmitter(pub Publisher, source string, logger *log.Logger) Emitter {
	if pub == nil {
		return Discard
	}
	if logger == nil {
		logger = log.Default()
	}
	return &SourceEmitter{pub: pub, source: source, logger: logger}
}

// Emit publishes an event of eventType from this emitter's source.
func (e *SourceEmitter) Emit(eventType string, data map[string]any) {
	if err := e.pub.Publish(NewEvent(eventType, e.source, data)); err != nil {
		e.dropped.Add(1)
		e.logger.Printf("%s: emit %s: %v", e.source, eventType, err)
	}
}

// Dropped returns how many emits failed to publish.
func (e *SourceEmitter) Dropped() int64 { return e.dropped.Load() }
