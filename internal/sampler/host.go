package sampler

import (
	"context"
	"fmt"
	"time"

	"nathanbeddoewebdev/benchctl/internal/stats"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// HostProbe samples whole-host CPU and memory utilisation in percent.
type HostProbe struct {
	cpu *stats.Measurement
	mem *stats.Measurement
}

// NewHostProbe returns a probe with measurements "HOST-CPU" and "HOST-MEM".
func NewHostProbe() *HostProbe {
	return &HostProbe{
		cpu: stats.NewMeasurement("HOST-CPU", false),
		mem: stats.NewMeasurement("HOST-MEM", false),
	}
}

func (h *HostProbe) Name() string                       { return "host" }
func (h *HostProbe) Measurements() []*stats.Measurement { return []*stats.Measurement{h.cpu, h.mem} }

// Reset primes the CPU counters so the first sample covers one interval.
func (h *HostProbe) Reset(ctx context.Context) error {
	if _, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		return fmt.Errorf("sampler: read cpu times: %w", err)
	}
	return nil
}

// Sample reads CPU usage since the previous call and current memory usage.
func (h *HostProbe) Sample(ctx context.Context) error {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return fmt.Errorf("sampler: read cpu usage: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return fmt.Errorf("sampler: read memory usage: %w", err)
	}
	now := time.Now()
	if len(percents) > 0 {
		h.cpu.UpdateAt(percents[0], now)
	}
	h.mem.UpdateAt(vm.UsedPercent, now)
	return nil
}
