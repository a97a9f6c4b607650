// Package model defines the normalized snapshot data model shared by
// collectors, the pipeline, the store, and the HTTP surface.
package model

import "time"

// Snapshot is the complete sampled state for one timestamp. Fragments are
// optional; a fragment left nil means the owning collector did not run this
// tick or failed (see CollectorErrors). At least one fragment must be
// non-nil for a snapshot to be persisted.
type Snapshot struct {
	Timestamp            time.Time         `json:"timestamp"`
	CPU                  *CPUMetrics       `json:"cpu,omitempty"`
	RAM                  *RAMMetrics       `json:"ram,omitempty"`
	GPU                  []GPUMetrics      `json:"gpu,omitempty"`
	Disk                 *DiskMetrics      `json:"disk,omitempty"`
	Network              *NetworkMetrics   `json:"network,omitempty"`
	Processes            []ProcessInfo     `json:"processes,omitempty"`
	Context              *SystemContext    `json:"context,omitempty"`
	CollectionDurationMS int64             `json:"collection_duration_ms"`
	CollectorErrors      map[string]string `json:"collector_errors,omitempty"`
}

// HasFragment reports whether at least one fragment is populated.
func (s *Snapshot) HasFragment() bool {
	return s.CPU != nil || s.RAM != nil || len(s.GPU) > 0 || s.Disk != nil ||
		s.Network != nil || len(s.Processes) > 0 || s.Context != nil
}

// CPUMetrics is the cpu fragment.
type CPUMetrics struct {
	UsagePercent       float64   `json:"usage_percent"`
	FrequencyMHz       *float64  `json:"frequency_mhz,omitempty"`
	PerCoreUsage       []float64 `json:"per_core_usage,omitempty"`
	TemperatureCelsius *float64  `json:"temperature_celsius,omitempty"`
	LogicalCount       int       `json:"logical_count"`
	PhysicalCount      int       `json:"physical_count"`
}

// RAMMetrics is the ram fragment. All sizes are GB.
type RAMMetrics struct {
	TotalGB      float64 `json:"total_gb"`
	UsedGB       float64 `json:"used_gb"`
	AvailableGB  float64 `json:"available_gb"`
	CachedGB     float64 `json:"cached_gb"`
	SwapTotalGB  float64 `json:"swap_total_gb"`
	SwapUsedGB   float64 `json:"swap_used_gb"`
	UsagePercent float64 `json:"usage_percent"`
}

// GPUMetrics describes one GPU device. The gpu fragment is a sequence,
// ordered by device index.
type GPUMetrics struct {
	Name               string   `json:"name"`
	UsagePercent       float64  `json:"usage_percent"`
	MemoryUsedGB       float64  `json:"memory_used_gb"`
	MemoryTotalGB      float64  `json:"memory_total_gb"`
	TemperatureCelsius *float64 `json:"temperature_celsius,omitempty"`
	FanRPM             float64  `json:"fan_rpm"`
	PowerWatts         float64  `json:"power_watts"`
	CoreClockMHz       float64  `json:"core_clock_mhz"`
	MemoryClockMHz     float64  `json:"memory_clock_mhz"`
}

// DiskUsage describes one mounted filesystem.
type DiskUsage struct {
	Device       string  `json:"device"`
	TotalGB      float64 `json:"total_gb"`
	UsedGB       float64 `json:"used_gb"`
	FreeGB       float64 `json:"free_gb"`
	UsagePercent float64 `json:"usage_percent"`
}

// DiskMetrics is the disk fragment. Rates are first-difference deltas;
// WarmingUp marks the first sample where no previous counters existed.
type DiskMetrics struct {
	ReadMBps    float64     `json:"read_mbps"`
	WriteMBps   float64     `json:"write_mbps"`
	QueueLength float64     `json:"queue_length"`
	IOOpsPerSec float64     `json:"io_ops_per_sec"`
	WarmingUp   bool        `json:"warming_up,omitempty"`
	Disks       []DiskUsage `json:"disks,omitempty"`
}

// NetworkInterface describes one NIC.
type NetworkInterface struct {
	Name      string  `json:"name"`
	SpeedMbps float64 `json:"speed_mbps"`
	IsUp      bool    `json:"is_up"`
}

// NetworkMetrics is the network fragment. Byte and packet counters are the
// raw monotonically non-decreasing kernel counters; rates are deltas over
// wall time between consecutive samples.
type NetworkMetrics struct {
	DownloadMBps      float64            `json:"download_mbps"`
	UploadMBps        float64            `json:"upload_mbps"`
	ConnectionsActive int                `json:"connections_active"`
	BytesSent         uint64             `json:"bytes_sent"`
	BytesReceived     uint64             `json:"bytes_received"`
	PacketsSent       uint64             `json:"packets_sent"`
	PacketsReceived   uint64             `json:"packets_received"`
	Errors            uint64             `json:"errors"`
	WarmingUp         bool               `json:"warming_up,omitempty"`
	Interfaces        []NetworkInterface `json:"interfaces,omitempty"`
}

// ProcessInfo describes one process from the top-N slice. Only the
// executable name is captured, never the path or command line.
type ProcessInfo struct {
	Name       string    `json:"name"`
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	Threads    int32     `json:"threads"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
}

// SystemContext is the context fragment describing user activity.
type SystemContext struct {
	UserActive   bool    `json:"user_active"`
	IdleSeconds  float64 `json:"idle_seconds"`
	ScreenLocked bool    `json:"screen_locked"`
	TimeOfDay    string  `json:"time_of_day"`
	DayOfWeek    string  `json:"day_of_week"`
	UserAction   string  `json:"user_action"`
}

// TimeOfDay buckets an hour into morning/afternoon/evening/night.
func TimeOfDay(hour int) string {
	switch {
	case hour >= 5 && hour < 12:
		return "morning"
	case hour >= 12 && hour < 17:
		return "afternoon"
	case hour >= 17 && hour < 21:
		return "evening"
	default:
		return "night"
	}
}
