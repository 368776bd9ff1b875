package heartbeat

import (
	"context"
	"sync"
	"testing"
	"time"

	agentcore "github.com/stake-plus/agentexec/src/agents/core"
	"github.com/stake-plus/agentexec/src/agents/service"
	"github.com/stake-plus/agentexec/src/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type directory []agentcore.Description

func (d directory) Describe() []agentcore.Description { return d }

type captured struct {
	mu    sync.Mutex
	count int
	last  map[string]any
}

func (c *captured) Emit(_ string, data map[string]any) {
	c.mu.Lock()
	c.count++
	c.last = data
	c.mu.Unlock()
}

func TestBeatCountsLiveLoops(t *testing.T) {
	bus := &captured{}
	agent := NewAgent(time.Hour)
	agent.BindRuntime(agentcore.RuntimeDeps{Name: "hb", Bus: bus, Directory: directory{
		{Name: "cpu", Kind: agentcore.KindService, Alive: true},
		{Name: "threat", Kind: agentcore.KindService, Alive: false},
		{Name: "builder", Kind: agentcore.KindOneShot},
		{Name: "hb", Kind: agentcore.KindPoller, Alive: true},
	}})

	res := agent.Run(context.Background(), map[string]string{})
	assert.Equal(t, 1, res["alive"])
	assert.Equal(t, 1, res["down"])
	assert.Len(t, res["agents"], 3)
	assert.Equal(t, 1, bus.count)
}

func TestRunsAsPoller(t *testing.T) {
	bus := &captured{}
	agent := NewAgent(time.Hour)
	agent.BindRuntime(agentcore.RuntimeDeps{Bus: bus, Settings: func(string) string { return "" }})

	inst := agentcore.NewInstance(agent, registry.Descriptor{
		Name:      "hb",
		Status:    registry.StatusActive,
		Interface: registry.InterfaceService,
	}, nil)
	require.Equal(t, agentcore.KindPoller, inst.Kind())
	require.True(t, inst.Start(context.Background()))

	assert.Eventually(t, func() bool { return agent.Beats() >= 1 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, inst.Heartbeat())
	assert.Equal(t, service.Stopped, inst.Stop(time.Second))
	assert.False(t, inst.Heartbeat())
}
