package monitor

import (
	"context"
	"errors"
	"runtime"
	"time"

	agentcore "github.com/stake-plus/agentexec/src/agents/core"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
)

const (
	CPUModule = "agents.monitoring.cpu_agent"
	CPUClass  = "CPUAgent"
)

func init() {
	agentcore.RegisterModule(CPUModule, CPUClass, func() (agentcore.Agent, error) {
		return NewCPUAgent(nil), nil
	})
}

// CPUAgent watches total CPU utilisation.
type CPUAgent struct {
	*Monitor
}

// NewCPUAgent builds a CPU monitor. A nil sampler uses gopsutil.
func NewCPUAgent(sampler Sampler) *CPUAgent {
	if sampler == nil {
		sampler = SamplerFunc(sampleCPU)
	}
	return &CPUAgent{Monitor: newMonitor("cpu_agent", "cpu", sampler, Config{ThresholdPercent: 85})}
}

func sampleCPU(ctx context.Context) (Reading, error) {
	pct, err := cpu.PercentWithContext(ctx, 500*time.Millisecond, false)
	if err != nil {
		return Reading{}, err
	}
	if len(pct) == 0 {
		return Reading{}, errors.New("no cpu reading")
	}
	detail := map[string]any{"cores": runtime.NumCPU()}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		detail["load1"] = avg.Load1
		detail["load5"] = avg.Load5
	}
	return Reading{At: time.Now().UTC(), Percent: pct[0], Detail: detail}, nil
}
