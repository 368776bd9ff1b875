package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	agentcore "github.com/stake-plus/agentexec/src/agents/core"
	"github.com/stake-plus/agentexec/src/bus"
	"github.com/stake-plus/agentexec/src/data"
	"gorm.io/gorm"
)

const (
	Module = "agents.system.journal_agent"
	Class  = "JournalAgent"
)

func init() {
	agentcore.RegisterModule(Module, Class, func() (agentcore.Agent, error) {
		return NewAgent(nil), nil
	})
}

// ErrNoDatabase is returned when neither a store nor a DB is available.
var ErrNoDatabase = errors.New("journal: no database configured")

// Store persists and queries journal rows.
type Store interface {
	Save(ctx context.Context, row *data.AgentEvent) error
	Recent(ctx context.Context, eventType string, limit int) ([]data.AgentEvent, error)
}

// GormStore is the MySQL-backed Store.
type GormStore struct {
	DB *gorm.DB
}

// Save inserts row, ignoring duplicates of the same event ID.
func (s GormStore) Save(ctx context.Context, row *data.AgentEvent) error {
	return s.DB.WithContext(ctx).
		Where(data.AgentEvent{EventID: row.EventID}).
		FirstOrCreate(row).Error
}

// Recent returns the newest rows first.
func (s GormStore) Recent(ctx context.Context, eventType string, limit int) ([]data.AgentEvent, error) {
	q := s.DB.WithContext(ctx).Order("occurred_at DESC").Limit(limit)
	if eventType != "" {
		q = q.Where("type = ?", eventType)
	}
	var rows []data.AgentEvent
	return rows, q.Find(&rows).Error
}

// Agent writes every bus event it receives to the journal table.
type Agent struct {
	deps   agentcore.RuntimeDeps
	store  Store
	filter map[string]bool

	written atomic.Int64
	failed  atomic.Int64
}

// NewAgent builds a journal. A nil store is replaced by a GormStore over the
// runtime DB during Initialize.
func NewAgent(store Store) *Agent {
	return &Agent{store: store}
}

// BindRuntime implements agentcore.RuntimeBinder.
func (a *Agent) BindRuntime(deps agentcore.RuntimeDeps) { a.deps = deps }

// Initialize migrates the table and reads the journal_events filter.
func (a *Agent) Initialize(context.Context) error {
	if raw := a.deps.Setting("journal_events"); raw != "" && raw != bus.Wildcard {
		a.filter = map[string]bool{}
		for _, ev := range strings.Split(raw, ",") {
			if ev = strings.TrimSpace(ev); ev != "" {
				a.filter[ev] = true
			}
		}
	}
	if a.store != nil {
		return nil
	}
	if a.deps.DB == nil {
		return ErrNoDatabase
	}
	if err := data.Migrate(a.deps.DB); err != nil {
		return fmt.Errorf("journal: migrate: %w", err)
	}
	a.store = GormStore{DB: a.deps.DB}
	return nil
}

// HandleEvent implements agentcore.EventHandler.
func (a *Agent) HandleEvent(ctx context.Context, event bus.Event) bool {
	if !a.accepts(event.Type) {
		return false
	}
	if err := a.Write(ctx, event); err != nil {
		if a.deps.Logger != nil {
			a.deps.Logger.Printf("journal %s: %v", event.Type, err)
		}
		return false
	}
	return true
}

// Sink exposes the journal as a bus.Sink, for hosts that journal without
// loading the agent from the registry.
func (a *Agent) Sink() bus.Sink { return sink{a} }

type sink struct{ a *Agent }

func (s sink) Name() string { return "journal" }

// Write skips events outside journal_events, like HandleEvent does.
func (s sink) Write(ctx context.Context, event bus.Event) error {
	if !s.a.accepts(event.Type) {
		return nil
	}
	return s.a.Write(ctx, event)
}

func (a *Agent) accepts(eventType string) bool {
	return a.filter == nil || a.filter[eventType]
}

// Write persists one event.
func (a *Agent) Write(ctx context.Context, event bus.Event) error {
	if a.store == nil {
		return ErrNoDatabase
	}
	payload, err := json.Marshal(event.Data)
	if err != nil {
		a.failed.Add(1)
		return fmt.Errorf("journal: encode: %w", err)
	}
	row := &data.AgentEvent{
		EventID:     event.ID,
		Type:        event.Type,
		SourceAgent: event.SourceAgent,
		Payload:     string(payload),
		OccurredAt:  event.Timestamp,
	}
	if err := a.store.Save(ctx, row); err != nil {
		a.failed.Add(1)
		return err
	}
	a.written.Add(1)
	return nil
}

// Run lists recent journal rows: args "type" filters and "limit" caps
// (default 20, at most 500).
func (a *Agent) Run(ctx context.Context, args map[string]string) agentcore.Result {
	if a.store == nil {
		return agentcore.ErrorResult(ErrNoDatabase)
	}
	limit, _ := strconv.Atoi(args["limit"])
	if limit <= 0 {
		limit = 20
	}
	if limit > 500 {
		limit = 500
	}
	rows, err := a.store.Recent(ctx, args["type"], limit)
	if err != nil {
		return agentcore.ErrorResult(err)
	}
	events := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		events = append(events, map[string]any{
			"id":           row.EventID,
			"type":         row.Type,
			"source_agent": row.SourceAgent,
			"data":         json.RawMessage(row.Payload),
			"timestamp":    row.OccurredAt,
		})
	}
	return agentcore.Result{"events": events, "count": len(events)}
}

// Diagnose implements agentcore.HealthReporter.
func (a *Agent) Diagnose() map[string]any {
	return map[string]any{
		"written": a.written.Load(),
		"failed":  a.failed.Load(),
		"ready":   a.store != nil,
	}
}

// Heartbeat reports whether a store is attached.
func (a *Agent) Heartbeat() bool { return a.store != nil }
