package journal

import (
	"context"
	"errors"
	"sync"
	"testing"

	agentcore "github.com/stake-plus/agentexec/src/agents/core"
	"github.com/stake-plus/agentexec/src/bus"
	"github.com/stake-plus/agentexec/src/data"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu   sync.Mutex
	rows []data.AgentEvent
	err  error
}

func (m *memStore) Save(_ context.Context, row *data.AgentEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.rows = append(m.rows, *row)
	return nil
}

func (m *memStore) Recent(_ context.Context, eventType string, limit int) ([]data.AgentEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []data.AgentEvent
	for i := len(m.rows) - 1; i >= 0 && len(out) < limit; i-- {
		if eventType == "" || m.rows[i].Type == eventType {
			out = append(out, m.rows[i])
		}
	}
	return out, nil
}

func TestJournalPersistsAndLists(t *testing.T) {
	store := &memStore{}
	agent := NewAgent(store)
	agent.BindRuntime(agentcore.RuntimeDeps{})
	require.NoError(t, agent.Initialize(context.Background()))

	assert.True(t, agent.HandleEvent(context.Background(), bus.NewEvent("resource.alert", "cpu", map[string]any{"percent": 99})))
	assert.True(t, agent.HandleEvent(context.Background(), bus.NewEvent("threat.indicator", "threat", nil)))
	require.NoError(t, agent.Sink().Write(context.Background(), bus.NewEvent("resource.alert", "mem", nil)))

	require.Len(t, store.rows, 3)
	assert.Equal(t, "cpu", store.rows[0].SourceAgent)
	assert.JSONEq(t, `{"percent": 99}`, store.rows[0].Payload)

	res := agent.Run(context.Background(), map[string]string{"type": "resource.alert", "limit": "1"})
	require.Empty(t, res.Err())
	assert.Equal(t, 1, res["count"])
	events := res["events"].([]map[string]any)
	assert.Equal(t, "mem", events[0]["source_agent"])
}

func TestJournalFilterAndFailures(t *testing.T) {
	store := &memStore{}
	agent := NewAgent(store)
	agent.BindRuntime(agentcore.RuntimeDeps{Settings: func(name string) string {
		if name == "journal_events" {
			return "registry.updated"
		}
		return ""
	}})
	require.NoError(t, agent.Initialize(context.Background()))

	assert.False(t, agent.HandleEvent(context.Background(), bus.NewEvent("resource.alert", "", nil)))
	assert.True(t, agent.HandleEvent(context.Background(), bus.NewEvent("registry.updated", "", nil)))

	store.err = errors.New("db down")
	assert.False(t, agent.HandleEvent(context.Background(), bus.NewEvent("registry.updated", "", nil)))
	assert.EqualValues(t, 1, agent.Diagnose()["failed"])
	assert.EqualValues(t, 1, agent.Diagnose()["written"])
}

func TestJournalSinkHonoursFilter(t *testing.T) {
	store := &memStore{}
	agent := NewAgent(store)
	agent.BindRuntime(agentcore.RuntimeDeps{Settings: func(name string) string {
		if name == "journal_events" {
			return "resource.alert"
		}
		return ""
	}})
	require.NoError(t, agent.Initialize(context.Background()))

	sink := agent.Sink()
	require.NoError(t, sink.Write(context.Background(), bus.NewEvent("threat.indicator", "threat", nil)))
	assert.Empty(t, store.rows)

	require.NoError(t, sink.Write(context.Background(), bus.NewEvent("resource.alert", "cpu", nil)))
	require.Len(t, store.rows, 1)
	assert.Equal(t, "resource.alert", store.rows[0].Type)
}

func TestJournalWithoutDatabase(t *testing.T) {
	agent := NewAgent(nil)
	agent.BindRuntime(agentcore.RuntimeDeps{})
	assert.ErrorIs(t, agent.Initialize(context.Background()), ErrNoDatabase)
	assert.False(t, agent.Heartbeat())
	assert.Equal(t, ErrNoDatabase.Error(), agent.Run(context.Background(), nil).Err())
}
