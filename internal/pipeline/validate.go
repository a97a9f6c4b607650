package pipeline

import (
	"fmt"

	"github.com/baikal/hostpulse/internal/collector"
	"github.com/baikal/hostpulse/internal/model"
)

// RejectError names the first field that violated its range invariant.
// Its Error string is recorded verbatim in collector_errors.
type RejectError struct {
	Field string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("invalid_range:%s", e.Field)
}

func reject(field string) error { return &RejectError{Field: field} }

var validTimeOfDay = map[string]bool{"morning": true, "afternoon": true, "evening": true, "night": true}
var validUserAction = map[string]bool{"coding": true, "gaming": true, "browsing": true, "streaming": true, "idle": true, "unknown": true}

// Validate applies the per-fragment value-range invariants. Validation is
// never cross-fragment. A nil error means PASS; a *RejectError means the
// fragment must be dropped.
func Validate(frag *collector.Fragment) error {
	if frag == nil {
		return nil
	}
	if frag.CPU != nil {
		if err := validateCPU(frag.CPU); err != nil {
			return err
		}
	}
	if frag.RAM != nil {
		if err := validateRAM(frag.RAM); err != nil {
			return err
		}
	}
	for i := range frag.GPU {
		if err := validateGPU(&frag.GPU[i]); err != nil {
			return err
		}
	}
	if frag.Disk != nil {
		if err := validateDisk(frag.Disk); err != nil {
			return err
		}
	}
	if frag.Network != nil {
		if err := validateNetwork(frag.Network); err != nil {
			return err
		}
	}
	for i := range frag.Processes {
		if frag.Processes[i].CPUPercent < 0 {
			return reject("processes.cpu_percent")
		}
		if frag.Processes[i].MemoryMB < 0 {
			return reject("processes.memory_mb")
		}
	}
	if frag.Context != nil {
		if err := validateContext(frag.Context); err != nil {
			return err
		}
	}
	if frag.CPUTemperature != nil && (*frag.CPUTemperature < 0 || *frag.CPUTemperature > 150) {
		return reject("cpu.temperature_celsius")
	}
	return nil
}

func validateCPU(c *model.CPUMetrics) error {
	if c.UsagePercent < 0 || c.UsagePercent > 100 {
		return reject("cpu.usage_percent")
	}
	if c.FrequencyMHz != nil && *c.FrequencyMHz <= 0 {
		return reject("cpu.frequency_mhz")
	}
	if c.TemperatureCelsius != nil && (*c.TemperatureCelsius < 0 || *c.TemperatureCelsius > 150) {
		return reject("cpu.temperature_celsius")
	}
	if c.LogicalCount <= 0 {
		return reject("cpu.logical_count")
	}
	if c.PhysicalCount <= 0 {
		return reject("cpu.physical_count")
	}
	if len(c.PerCoreUsage) != 0 && len(c.PerCoreUsage) != c.LogicalCount {
		return reject("cpu.per_core_usage")
	}
	for _, u := range c.PerCoreUsage {
		if u < 0 || u > 100 {
			return reject("cpu.per_core_usage")
		}
	}
	return nil
}

func validateRAM(r *model.RAMMetrics) error {
	if r.TotalGB <= 0 {
		return reject("ram.total_gb")
	}
	if r.UsedGB < 0 || r.AvailableGB < 0 || r.CachedGB < 0 {
		return reject("ram.used_gb")
	}
	if r.SwapTotalGB < 0 || r.SwapUsedGB < 0 {
		return reject("ram.swap_total_gb")
	}
	// 5% tolerance for kernel accounting slack.
	if r.UsedGB+r.AvailableGB > r.TotalGB*1.05 {
		return reject("ram.used_gb")
	}
	if r.UsagePercent < 0 || r.UsagePercent > 100 {
		return reject("ram.usage_percent")
	}
	return nil
}

func validateGPU(g *model.GPUMetrics) error {
	if g.UsagePercent < 0 || g.UsagePercent > 100 {
		return reject("gpu.usage_percent")
	}
	if g.MemoryUsedGB > g.MemoryTotalGB {
		return reject("gpu.memory_used_gb")
	}
	if g.FanRPM < 0 {
		return reject("gpu.fan_rpm")
	}
	if g.PowerWatts < 0 {
		return reject("gpu.power_watts")
	}
	return nil
}

func validateDisk(d *model.DiskMetrics) error {
	if d.ReadMBps < 0 {
		return reject("disk.read_mbps")
	}
	if d.WriteMBps < 0 {
		return reject("disk.write_mbps")
	}
	if d.QueueLength < 0 {
		return reject("disk.queue_length")
	}
	if d.IOOpsPerSec < 0 {
		return reject("disk.io_ops_per_sec")
	}
	for _, u := range d.Disks {
		if u.UsagePercent < 0 || u.UsagePercent > 100 {
			return reject("disk.usage_percent")
		}
		if u.TotalGB < 0 || u.UsedGB < 0 || u.FreeGB < 0 {
			return reject("disk.total_gb")
		}
	}
	return nil
}

func validateNetwork(n *model.NetworkMetrics) error {
	if n.DownloadMBps < 0 {
		return reject("network.download_mbps")
	}
	if n.UploadMBps < 0 {
		return reject("network.upload_mbps")
	}
	if n.ConnectionsActive < 0 {
		return reject("network.connections_active")
	}
	return nil
}

func validateContext(c *model.SystemContext) error {
	if c.IdleSeconds < 0 {
		return reject("context.idle_seconds")
	}
	if !validTimeOfDay[c.TimeOfDay] {
		return reject("context.time_of_day")
	}
	if c.UserAction != "" && !validUserAction[c.UserAction] {
		return reject("context.user_action")
	}
	return nil
}
