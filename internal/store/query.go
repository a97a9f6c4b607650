package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/baikal/hostpulse/internal/model"
)

// Point is one (timestamp, value) pair of a history series.
type Point struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// SummaryStats aggregates one metric over a window.
type SummaryStats struct {
	Avg float64 `json:"avg"`
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	P95 float64 `json:"p95"`
}

// metricSeries maps a primary metric name to the SQL producing its raw
// (timestamp, value) series. GPU usage reports the busiest device.
var metricSeries = map[string]string{
	model.MetricCPUPercent: `
		SELECT s.timestamp, c.usage_percent FROM system_snapshots s
		JOIN cpu_metrics c ON c.snapshot_id = s.id`,
	model.MetricRAMPercent: `
		SELECT s.timestamp, r.usage_percent FROM system_snapshots s
		JOIN ram_metrics r ON r.snapshot_id = s.id`,
	model.MetricGPUPercent: `
		SELECT s.timestamp, MAX(g.usage_percent) FROM system_snapshots s
		JOIN gpu_metrics g ON g.snapshot_id = s.id`,
	model.MetricDiskReadMBps: `
		SELECT s.timestamp, d.read_mbps FROM system_snapshots s
		JOIN disk_metrics d ON d.snapshot_id = s.id`,
	model.MetricDiskWriteMBps: `
		SELECT s.timestamp, d.write_mbps FROM system_snapshots s
		JOIN disk_metrics d ON d.snapshot_id = s.id`,
	model.MetricNetDownMBps: `
		SELECT s.timestamp, n.download_mbps FROM system_snapshots s
		JOIN network_metrics n ON n.snapshot_id = s.id`,
	model.MetricNetUpMBps: `
		SELECT s.timestamp, n.upload_mbps FROM system_snapshots s
		JOIN network_metrics n ON n.snapshot_id = s.id`,
}

// History returns the metric's series over [from, to], decimated to at
// most maxPoints bucketed averages. Bucket edges align to from.
func (s *Store) History(ctx context.Context, metric string, from, to time.Time, maxPoints int) ([]Point, error) {
	raw, err := s.rawSeries(ctx, metric, from, to)
	if err != nil {
		return nil, err
	}
	if maxPoints <= 0 || len(raw) <= maxPoints {
		return raw, nil
	}
	return decimate(raw, from, to, maxPoints), nil
}

func (s *Store) rawSeries(ctx context.Context, metric string, from, to time.Time) ([]Point, error) {
	base, ok := metricSeries[metric]
	if !ok {
		return nil, fmt.Errorf("unknown metric %q", metric)
	}
	q := base + ` WHERE s.timestamp >= ? AND s.timestamp <= ?`
	if metric == model.MetricGPUPercent {
		q += ` GROUP BY s.id`
	}
	q += ` ORDER BY s.timestamp ASC`

	rows, err := s.db.QueryContext(ctx, q, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Point
	for rows.Next() {
		var (
			ts int64
			v  float64
		)
		if err := rows.Scan(&ts, &v); err != nil {
			return nil, err
		}
		out = append(out, Point{Timestamp: time.UnixMilli(ts).UTC(), Value: v})
	}
	return out, rows.Err()
}

// decimate averages raw points into equal-width buckets aligned to from.
// Each emitted point carries the bucket start time; empty buckets are
// skipped.
func decimate(raw []Point, from, to time.Time, maxPoints int) []Point {
	span := to.Sub(from)
	if span <= 0 {
		return raw[:1]
	}
	width := span / time.Duration(maxPoints)
	if width <= 0 {
		width = time.Millisecond
	}

	type bucket struct {
		sum   float64
		count int
	}
	buckets := make(map[int64]*bucket)
	for _, p := range raw {
		idx := int64(p.Timestamp.Sub(from) / width)
		if idx >= int64(maxPoints) {
			idx = int64(maxPoints) - 1
		}
		b := buckets[idx]
		if b == nil {
			b = &bucket{}
			buckets[idx] = b
		}
		b.sum += p.Value
		b.count++
	}

	out := make([]Point, 0, len(buckets))
	for idx := int64(0); idx < int64(maxPoints); idx++ {
		b, ok := buckets[idx]
		if !ok {
			continue
		}
		out = append(out, Point{
			Timestamp: from.Add(time.Duration(idx) * width),
			Value:     b.sum / float64(b.count),
		})
	}
	return out
}

// Summary computes {avg,min,max,p95} for every primary metric over
// [from, to]. Metrics with no samples in the window are omitted.
func (s *Store) Summary(ctx context.Context, from, to time.Time) (map[string]SummaryStats, error) {
	out := make(map[string]SummaryStats)
	for _, metric := range model.PrimaryMetrics {
		series, err := s.rawSeries(ctx, metric, from, to)
		if err != nil {
			return nil, err
		}
		if len(series) == 0 {
			continue
		}
		out[metric] = summarize(series)
	}
	return out, nil
}

func summarize(series []Point) SummaryStats {
	values := make([]float64, len(series))
	sum := 0.0
	st := SummaryStats{Min: math.Inf(1), Max: math.Inf(-1)}
	for i, p := range series {
		values[i] = p.Value
		sum += p.Value
		st.Min = math.Min(st.Min, p.Value)
		st.Max = math.Max(st.Max, p.Value)
	}
	st.Avg = sum / float64(len(values))

	sort.Float64s(values)
	rank := int(math.Ceil(0.95*float64(len(values)))) - 1
	if rank < 0 {
		rank = 0
	}
	st.P95 = values[rank]
	return st
}

// Recent returns the n most recent snapshots in chronological order.
func (s *Store) Recent(ctx context.Context, n int) ([]*model.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, collection_duration_ms, collector_errors
		FROM system_snapshots ORDER BY timestamp DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type header struct {
		id   int64
		snap *model.Snapshot
	}
	var headers []header
	for rows.Next() {
		var (
			id, ts, dur int64
			errsJSON    sql.NullString
		)
		if err := rows.Scan(&id, &ts, &dur, &errsJSON); err != nil {
			return nil, err
		}
		snap := &model.Snapshot{
			Timestamp:            time.UnixMilli(ts).UTC(),
			CollectionDurationMS: dur,
		}
		if errsJSON.Valid {
			if err := json.Unmarshal([]byte(errsJSON.String), &snap.CollectorErrors); err != nil {
				return nil, err
			}
		}
		headers = append(headers, header{id: id, snap: snap})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, h := range headers {
		if err := s.loadFragments(ctx, h.id, h.snap); err != nil {
			return nil, err
		}
	}

	// Reverse into chronological order.
	out := make([]*model.Snapshot, len(headers))
	for i, h := range headers {
		out[len(headers)-1-i] = h.snap
	}
	return out, nil
}

// Latest returns the most recent snapshot, or nil when the store is
// empty.
func (s *Store) Latest(ctx context.Context) (*model.Snapshot, error) {
	snaps, err := s.Recent(ctx, 1)
	if err != nil || len(snaps) == 0 {
		return nil, err
	}
	return snaps[0], nil
}

// Processes returns the top-n process rows of the latest snapshot.
func (s *Store) Processes(ctx context.Context, n int) ([]model.ProcessInfo, error) {
	var snapID int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM system_snapshots ORDER BY timestamp DESC LIMIT 1`).Scan(&snapID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT name, pid, cpu_percent, memory_mb, threads, status, started_at
		FROM process_info WHERE snapshot_id = ?
		ORDER BY cpu_percent DESC, memory_mb DESC, name ASC LIMIT ?`, snapID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanProcesses(rows)
}

func scanProcesses(rows *sql.Rows) ([]model.ProcessInfo, error) {
	var out []model.ProcessInfo
	for rows.Next() {
		var (
			p       model.ProcessInfo
			started int64
		)
		if err := rows.Scan(&p.Name, &p.PID, &p.CPUPercent, &p.MemoryMB,
			&p.Threads, &p.Status, &started); err != nil {
			return nil, err
		}
		p.StartedAt = time.UnixMilli(started).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) loadFragments(ctx context.Context, id int64, snap *model.Snapshot) error {
	if err := s.loadCPU(ctx, id, snap); err != nil {
		return err
	}
	if err := s.loadRAM(ctx, id, snap); err != nil {
		return err
	}
	if err := s.loadGPU(ctx, id, snap); err != nil {
		return err
	}
	if err := s.loadDisk(ctx, id, snap); err != nil {
		return err
	}
	if err := s.loadNetwork(ctx, id, snap); err != nil {
		return err
	}
	if err := s.loadProcesses(ctx, id, snap); err != nil {
		return err
	}
	return s.loadContext(ctx, id, snap)
}

func (s *Store) loadCPU(ctx context.Context, id int64, snap *model.Snapshot) error {
	var (
		cpuID int64
		c     model.CPUMetrics
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, usage_percent, frequency_mhz, temperature_celsius, logical_count, physical_count
		FROM cpu_metrics WHERE snapshot_id = ?`, id).
		Scan(&cpuID, &c.UsagePercent, &c.FrequencyMHz, &c.TemperatureCelsius,
			&c.LogicalCount, &c.PhysicalCount)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT usage_percent FROM cpu_core_usage
		WHERE cpu_metric_id = ? ORDER BY core_index ASC`, cpuID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var u float64
		if err := rows.Scan(&u); err != nil {
			return err
		}
		c.PerCoreUsage = append(c.PerCoreUsage, u)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	snap.CPU = &c
	return nil
}

func (s *Store) loadRAM(ctx context.Context, id int64, snap *model.Snapshot) error {
	var r model.RAMMetrics
	err := s.db.QueryRowContext(ctx, `
		SELECT total_gb, used_gb, available_gb, cached_gb, swap_total_gb, swap_used_gb, usage_percent
		FROM ram_metrics WHERE snapshot_id = ?`, id).
		Scan(&r.TotalGB, &r.UsedGB, &r.AvailableGB, &r.CachedGB,
			&r.SwapTotalGB, &r.SwapUsedGB, &r.UsagePercent)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	snap.RAM = &r
	return nil
}

func (s *Store) loadGPU(ctx context.Context, id int64, snap *model.Snapshot) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, usage_percent, memory_used_gb, memory_total_gb, temperature_celsius, fan_rpm, power_watts, core_clock_mhz, memory_clock_mhz
		FROM gpu_metrics WHERE snapshot_id = ? ORDER BY device_index ASC`, id)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var g model.GPUMetrics
		if err := rows.Scan(&g.Name, &g.UsagePercent, &g.MemoryUsedGB, &g.MemoryTotalGB,
			&g.TemperatureCelsius, &g.FanRPM, &g.PowerWatts,
			&g.CoreClockMHz, &g.MemoryClockMHz); err != nil {
			return err
		}
		snap.GPU = append(snap.GPU, g)
	}
	return rows.Err()
}

func (s *Store) loadDisk(ctx context.Context, id int64, snap *model.Snapshot) error {
	var (
		d         model.DiskMetrics
		disksJSON sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT read_mbps, write_mbps, queue_length, io_ops_per_sec, disks_json
		FROM disk_metrics WHERE snapshot_id = ?`, id).
		Scan(&d.ReadMBps, &d.WriteMBps, &d.QueueLength, &d.IOOpsPerSec, &disksJSON)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	if disksJSON.Valid {
		if err := json.Unmarshal([]byte(disksJSON.String), &d.Disks); err != nil {
			return err
		}
	}
	snap.Disk = &d
	return nil
}

func (s *Store) loadNetwork(ctx context.Context, id int64, snap *model.Snapshot) error {
	var (
		n       model.NetworkMetrics
		ifsJSON sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT download_mbps, upload_mbps, connections_active, bytes_sent, bytes_received, packets_sent, packets_received, errors, interfaces_json
		FROM network_metrics WHERE snapshot_id = ?`, id).
		Scan(&n.DownloadMBps, &n.UploadMBps, &n.ConnectionsActive, &n.BytesSent,
			&n.BytesReceived, &n.PacketsSent, &n.PacketsReceived, &n.Errors, &ifsJSON)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	if ifsJSON.Valid {
		if err := json.Unmarshal([]byte(ifsJSON.String), &n.Interfaces); err != nil {
			return err
		}
	}
	snap.Network = &n
	return nil
}

func (s *Store) loadProcesses(ctx context.Context, id int64, snap *model.Snapshot) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, pid, cpu_percent, memory_mb, threads, status, started_at
		FROM process_info WHERE snapshot_id = ?
		ORDER BY cpu_percent DESC, memory_mb DESC, name ASC`, id)
	if err != nil {
		return err
	}
	defer rows.Close()
	procs, err := scanProcesses(rows)
	if err != nil {
		return err
	}
	snap.Processes = procs
	return nil
}

func (s *Store) loadContext(ctx context.Context, id int64, snap *model.Snapshot) error {
	var c model.SystemContext
	err := s.db.QueryRowContext(ctx, `
		SELECT user_active, idle_seconds, screen_locked, time_of_day, day_of_week, user_action
		FROM system_context WHERE snapshot_id = ?`, id).
		Scan(&c.UserActive, &c.IdleSeconds, &c.ScreenLocked,
			&c.TimeOfDay, &c.DayOfWeek, &c.UserAction)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	snap.Context = &c
	return nil
}
