package monitor

import (
	"context"
	"time"

	agentcore "github.com/stake-plus/agentexec/src/agents/core"
	"github.com/shirou/gopsutil/v4/mem"
)

const (
	MemoryModule = "agents.monitoring.memory_agent"
	MemoryClass  = "MemoryAgent"
)

func init() {
	agentcore.RegisterModule(MemoryModule, MemoryClass, func() (agentcore.Agent, error) {
		return NewMemoryAgent(nil), nil
	})
}

// MemoryAgent watches virtual memory usage.
type MemoryAgent struct {
	*Monitor
}

// NewMemoryAgent builds a memory monitor. A nil sampler uses gopsutil.
func NewMemoryAgent(sampler Sampler) *MemoryAgent {
	if sampler == nil {
		sampler = SamplerFunc(sampleMemory)
	}
	return &MemoryAgent{Monitor: newMonitor("memory_agent", "memory", sampler, Config{ThresholdPercent: 90})}
}

func sampleMemory(ctx context.Context) (Reading, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Reading{}, err
	}
	return Reading{
		At:      time.Now().UTC(),
		Percent: vm.UsedPercent,
		Detail: map[string]any{
			"total":     vm.Total,
			"available": vm.Available,
			"used":      vm.Used,
		},
	}, nil
}
