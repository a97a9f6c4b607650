package collector

import (
	"context"

	"github.com/shirou/gopsutil/v4/cpu"

	"github.com/baikal/hostpulse/internal/model"
)

// CPUCollector samples overall and per-core utilization, frequency, and
// core counts. Utilization comes from gopsutil's stateful jiffies delta:
// each call compares against the previous call on the same instance, so
// the first tick reports zeros and warms up on the second.
type CPUCollector struct {
	percent func(ctx context.Context, percpu bool) ([]float64, error)
	counts  func(ctx context.Context, logical bool) (int, error)
	info    func(ctx context.Context) ([]cpu.InfoStat, error)
}

func NewCPUCollector() *CPUCollector {
	return &CPUCollector{
		percent: func(ctx context.Context, percpu bool) ([]float64, error) {
			return cpu.PercentWithContext(ctx, 0, percpu)
		},
		counts: cpu.CountsWithContext,
		info:   cpu.InfoWithContext,
	}
}

func (c *CPUCollector) Name() string     { return "cpu" }
func (c *CPUCollector) Cadence() Cadence { return CadenceHigh }

func (c *CPUCollector) Sample(ctx context.Context) (*Fragment, error) {
	overall, err := c.percent(ctx, false)
	if err != nil {
		return nil, AsFailure(err)
	}
	if len(overall) == 0 {
		return nil, Failf(ReasonTransient, "no aggregate cpu sample")
	}

	perCore, err := c.percent(ctx, true)
	if err != nil {
		return nil, AsFailure(err)
	}

	logical, err := c.counts(ctx, true)
	if err != nil {
		return nil, AsFailure(err)
	}
	physical, err := c.counts(ctx, false)
	if err != nil || physical <= 0 {
		// Some platforms cannot report physical cores; fall back to logical.
		physical = logical
	}

	m := &model.CPUMetrics{
		UsagePercent:  overall[0],
		PerCoreUsage:  perCore,
		LogicalCount:  logical,
		PhysicalCount: physical,
	}

	// Frequency is best-effort; absent stays null, never zero.
	if infos, err := c.info(ctx); err == nil && len(infos) > 0 && infos[0].Mhz > 0 {
		mhz := infos[0].Mhz
		m.FrequencyMHz = &mhz
	}

	return &Fragment{CPU: m}, nil
}
