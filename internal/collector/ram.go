package collector

import (
	"context"

	"github.com/shirou/gopsutil/v4/mem"

	"github.com/baikal/hostpulse/internal/model"
)

const bytesPerGB = 1024 * 1024 * 1024

// RAMCollector samples virtual memory and swap.
type RAMCollector struct {
	virtual func(ctx context.Context) (*mem.VirtualMemoryStat, error)
	swap    func(ctx context.Context) (*mem.SwapMemoryStat, error)
}

func NewRAMCollector() *RAMCollector {
	return &RAMCollector{
		virtual: mem.VirtualMemoryWithContext,
		swap:    mem.SwapMemoryWithContext,
	}
}

func (c *RAMCollector) Name() string     { return "ram" }
func (c *RAMCollector) Cadence() Cadence { return CadenceHigh }

func (c *RAMCollector) Sample(ctx context.Context) (*Fragment, error) {
	vm, err := c.virtual(ctx)
	if err != nil {
		return nil, AsFailure(err)
	}

	m := &model.RAMMetrics{
		TotalGB:      toGB(vm.Total),
		UsedGB:       toGB(vm.Used),
		AvailableGB:  toGB(vm.Available),
		CachedGB:     toGB(vm.Cached),
		UsagePercent: vm.UsedPercent,
	}

	if sw, err := c.swap(ctx); err == nil {
		m.SwapTotalGB = toGB(sw.Total)
		m.SwapUsedGB = toGB(sw.Used)
	}

	return &Fragment{RAM: m}, nil
}

func toGB(b uint64) float64 {
	return float64(b) / bytesPerGB
}

func toMB(b uint64) float64 {
	return float64(b) / (1024 * 1024)
}
