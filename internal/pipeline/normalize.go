package pipeline

import (
	"math"
	"sort"

	"github.com/baikal/hostpulse/internal/collector"
	"github.com/baikal/hostpulse/internal/model"
)

// Normalize coerces a fragment to canonical form: derived fields filled,
// list fragments in stable order, sizes rounded to two decimals. Pure
// function; the input fragment is modified in place and returned.
func Normalize(frag *collector.Fragment) *collector.Fragment {
	if frag == nil {
		return nil
	}
	if frag.RAM != nil {
		normalizeRAM(frag.RAM)
	}
	if frag.Disk != nil {
		normalizeDisk(frag.Disk)
	}
	if frag.Network != nil {
		frag.Network.DownloadMBps = round2(frag.Network.DownloadMBps)
		frag.Network.UploadMBps = round2(frag.Network.UploadMBps)
	}
	if len(frag.Processes) > 0 {
		model.SortProcesses(frag.Processes)
		for i := range frag.Processes {
			frag.Processes[i].MemoryMB = round2(frag.Processes[i].MemoryMB)
		}
	}
	for i := range frag.GPU {
		frag.GPU[i].MemoryUsedGB = round2(frag.GPU[i].MemoryUsedGB)
		frag.GPU[i].MemoryTotalGB = round2(frag.GPU[i].MemoryTotalGB)
	}
	return frag
}

func normalizeRAM(ram *model.RAMMetrics) {
	ram.TotalGB = round2(ram.TotalGB)
	ram.UsedGB = round2(ram.UsedGB)
	ram.AvailableGB = round2(ram.AvailableGB)
	ram.CachedGB = round2(ram.CachedGB)
	ram.SwapTotalGB = round2(ram.SwapTotalGB)
	ram.SwapUsedGB = round2(ram.SwapUsedGB)
	if ram.UsagePercent == 0 && ram.TotalGB > 0 && ram.UsedGB > 0 {
		ram.UsagePercent = ram.UsedGB / ram.TotalGB * 100
	}
}

func normalizeDisk(d *model.DiskMetrics) {
	d.ReadMBps = round2(d.ReadMBps)
	d.WriteMBps = round2(d.WriteMBps)
	sort.Slice(d.Disks, func(i, j int) bool { return d.Disks[i].Device < d.Disks[j].Device })
	for i := range d.Disks {
		d.Disks[i].TotalGB = round2(d.Disks[i].TotalGB)
		d.Disks[i].UsedGB = round2(d.Disks[i].UsedGB)
		d.Disks[i].FreeGB = round2(d.Disks[i].FreeGB)
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
