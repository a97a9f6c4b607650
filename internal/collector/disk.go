package collector

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/disk"

	"github.com/baikal/hostpulse/internal/model"
)

// diskCounters is the aggregate counter state kept between samples for
// rate computation.
type diskCounters struct {
	readBytes  uint64
	writeBytes uint64
	ioOps      uint64
	at         time.Time
}

// DiskCollector samples aggregate I/O rates (first-difference of kernel
// counters) and per-filesystem usage. The first sample after construction
// or after a counter reset reports zero rates with WarmingUp set.
type DiskCollector struct {
	ioCounters func(ctx context.Context) (map[string]disk.IOCountersStat, error)
	partitions func(ctx context.Context) ([]disk.PartitionStat, error)
	usage      func(ctx context.Context, path string) (*disk.UsageStat, error)
	now        func() time.Time

	prev *diskCounters // owned exclusively by this instance
}

func NewDiskCollector() *DiskCollector {
	return &DiskCollector{
		ioCounters: func(ctx context.Context) (map[string]disk.IOCountersStat, error) {
			return disk.IOCountersWithContext(ctx)
		},
		partitions: func(ctx context.Context) ([]disk.PartitionStat, error) {
			return disk.PartitionsWithContext(ctx, false)
		},
		usage: disk.UsageWithContext,
		now:   time.Now,
	}
}

func (c *DiskCollector) Name() string     { return "disk" }
func (c *DiskCollector) Cadence() Cadence { return CadenceMedium }

func (c *DiskCollector) Sample(ctx context.Context) (*Fragment, error) {
	counters, err := c.ioCounters(ctx)
	if err != nil {
		return nil, AsFailure(err)
	}

	cur := &diskCounters{at: c.now()}
	var queue uint64
	for _, s := range counters {
		cur.readBytes += s.ReadBytes
		cur.writeBytes += s.WriteBytes
		cur.ioOps += s.ReadCount + s.WriteCount
		queue += s.IopsInProgress
	}

	m := &model.DiskMetrics{QueueLength: float64(queue)}

	prev := c.prev
	c.prev = cur
	if prev == nil {
		m.WarmingUp = true
	} else {
		elapsed := cur.at.Sub(prev.at).Seconds()
		if elapsed > 0 {
			m.ReadMBps = counterRate(cur.readBytes, prev.readBytes, elapsed) / (1024 * 1024)
			m.WriteMBps = counterRate(cur.writeBytes, prev.writeBytes, elapsed) / (1024 * 1024)
			m.IOOpsPerSec = counterRate(cur.ioOps, prev.ioOps, elapsed)
		}
	}

	m.Disks = c.sampleUsage(ctx)

	return &Fragment{Disk: m}, nil
}

// sampleUsage walks mounted filesystems; usage errors on individual
// mounts (permission, stale mounts) are skipped, not fatal.
func (c *DiskCollector) sampleUsage(ctx context.Context) []model.DiskUsage {
	parts, err := c.partitions(ctx)
	if err != nil {
		return nil
	}

	seen := make(map[string]bool, len(parts))
	var disks []model.DiskUsage
	for _, p := range parts {
		if seen[p.Device] || strings.HasPrefix(p.Device, "/dev/loop") {
			continue
		}
		u, err := c.usage(ctx, p.Mountpoint)
		if err != nil || u.Total == 0 {
			continue
		}
		seen[p.Device] = true
		disks = append(disks, model.DiskUsage{
			Device:       p.Device,
			TotalGB:      toGB(u.Total),
			UsedGB:       toGB(u.Used),
			FreeGB:       toGB(u.Free),
			UsagePercent: u.UsedPercent,
		})
	}
	sort.Slice(disks, func(i, j int) bool { return disks[i].Device < disks[j].Device })
	return disks
}

// counterRate returns (cur - prev) / elapsed, treating a decreasing
// counter (wraparound or reset) as zero.
func counterRate(cur, prev uint64, elapsedSec float64) float64 {
	if cur < prev {
		return 0
	}
	return float64(cur-prev) / elapsedSec
}
