package model

// Primary metric names accepted by history, summary and pattern queries.
const (
	MetricCPUPercent    = "cpu_percent"
	MetricRAMPercent    = "ram_percent"
	MetricGPUPercent    = "gpu_percent"
	MetricDiskReadMBps  = "disk_read_mbps"
	MetricDiskWriteMBps = "disk_write_mbps"
	MetricNetDownMBps   = "net_down_mbps"
	MetricNetUpMBps     = "net_up_mbps"
)

// PrimaryMetrics lists every metric tracked by the pattern layer and
// served by the history and summary endpoints, in stable order.
var PrimaryMetrics = []string{
	MetricCPUPercent,
	MetricRAMPercent,
	MetricGPUPercent,
	MetricDiskReadMBps,
	MetricDiskWriteMBps,
	MetricNetDownMBps,
	MetricNetUpMBps,
}

// IsPrimaryMetric reports whether name is a recognized primary metric.
func IsPrimaryMetric(name string) bool {
	for _, m := range PrimaryMetrics {
		if m == name {
			return true
		}
	}
	return false
}

// MetricValue extracts the named primary metric from a snapshot. The second
// return value is false when the owning fragment was not sampled this tick.
func MetricValue(s *Snapshot, name string) (float64, bool) {
	switch name {
	case MetricCPUPercent:
		if s.CPU != nil {
			return s.CPU.UsagePercent, true
		}
	case MetricRAMPercent:
		if s.RAM != nil {
			return s.RAM.UsagePercent, true
		}
	case MetricGPUPercent:
		if len(s.GPU) > 0 {
			// Busiest device represents the family.
			max := s.GPU[0].UsagePercent
			for _, g := range s.GPU[1:] {
				if g.UsagePercent > max {
					max = g.UsagePercent
				}
			}
			return max, true
		}
	case MetricDiskReadMBps:
		if s.Disk != nil {
			return s.Disk.ReadMBps, true
		}
	case MetricDiskWriteMBps:
		if s.Disk != nil {
			return s.Disk.WriteMBps, true
		}
	case MetricNetDownMBps:
		if s.Network != nil {
			return s.Network.DownloadMBps, true
		}
	case MetricNetUpMBps:
		if s.Network != nil {
			return s.Network.UploadMBps, true
		}
	}
	return 0, false
}
