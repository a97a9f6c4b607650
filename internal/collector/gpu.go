package collector

import (
	"context"
	"errors"
	"os/exec"
	"strconv"
	"strings"

	"github.com/baikal/hostpulse/internal/model"
)

// nvidia-smi query fields, one CSV row per device.
const smiQuery = "name,utilization.gpu,memory.used,memory.total,temperature.gpu,fan.speed,power.draw,clocks.sm,clocks.mem"

// GPUCollector samples NVIDIA devices through nvidia-smi. A missing
// binary is a permanent missing_dependency failure, which auto-disables
// the collector for the session.
type GPUCollector struct {
	run CommandRunner
}

func NewGPUCollector(run CommandRunner) *GPUCollector {
	if run == nil {
		run = &ExecCommandRunner{}
	}
	return &GPUCollector{run: run}
}

func (c *GPUCollector) Name() string     { return "gpu" }
func (c *GPUCollector) Cadence() Cadence { return CadenceLow }

func (c *GPUCollector) Sample(ctx context.Context) (*Fragment, error) {
	out, err := c.run.Run(ctx, "nvidia-smi",
		"--query-gpu="+smiQuery, "--format=csv,noheader,nounits")
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, Failf(ReasonMissingDependency, "nvidia-smi not installed")
		}
		if ctx.Err() != nil {
			return nil, AsFailure(ctx.Err())
		}
		return nil, Failf(ReasonUnsupported, "nvidia-smi failed: %v", err)
	}

	gpus := parseSMIOutput(string(out))
	if len(gpus) == 0 {
		return nil, Failf(ReasonUnsupported, "no GPU devices reported")
	}
	return &Fragment{GPU: gpus}, nil
}

// parseSMIOutput converts nvidia-smi CSV rows into GPU metrics. Fields
// reported as "[N/A]" or malformed stay at their zero value; memory is
// reported in MiB and converted to GB.
func parseSMIOutput(out string) []model.GPUMetrics {
	var gpus []model.GPUMetrics
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		fields := strings.Split(line, ",")
		if len(fields) < 9 {
			continue
		}
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}

		g := model.GPUMetrics{
			Name:           fields[0],
			UsagePercent:   smiFloat(fields[1]),
			MemoryUsedGB:   smiFloat(fields[2]) / 1024,
			MemoryTotalGB:  smiFloat(fields[3]) / 1024,
			FanRPM:         smiFloat(fields[5]),
			PowerWatts:     smiFloat(fields[6]),
			CoreClockMHz:   smiFloat(fields[7]),
			MemoryClockMHz: smiFloat(fields[8]),
		}
		if t, err := strconv.ParseFloat(fields[4], 64); err == nil {
			g.TemperatureCelsius = &t
		}
		gpus = append(gpus, g)
	}
	return gpus
}

func smiFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
