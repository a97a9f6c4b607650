// Package store persists snapshots and anomalies to an embedded sqlite
// time-series database. Single writer, many readers; readers never hold
// long transactions thanks to WAL mode.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/baikal/hostpulse/internal/config"
	"github.com/baikal/hostpulse/internal/model"
)

// ErrDuplicateTimestamp means a snapshot with the same timestamp already
// exists. The pipeline guarantees strictly increasing timestamps, so this
// indicates a logic error or a restarted clock.
var ErrDuplicateTimestamp = errors.New("duplicate_timestamp")

// ErrStorageFull means the database file exceeds the configured size cap
// and the retention sweep has not yet freed space.
var ErrStorageFull = errors.New("storage_full")

// Store is the embedded time-series database.
type Store struct {
	db  *sql.DB
	cfg config.StoreConfig
	log *zap.Logger
}

// Open creates or opens the database at cfg.Path, applies pragmas, and
// runs pending migrations.
func Open(cfg config.StoreConfig, log *zap.Logger) (*Store, error) {
	if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.Path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, cfg: cfg, log: log}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Write persists one snapshot and all its fragments in a single
// transaction. Busy errors from concurrent readers are retried briefly.
func (s *Store) Write(ctx context.Context, snap *model.Snapshot) (int64, error) {
	if size, err := s.fileSize(); err == nil && size > s.cfg.SizeCapMB*1024*1024 {
		return 0, ErrStorageFull
	}

	var id int64
	op := func() error {
		var err error
		id, err = s.writeTx(ctx, snap)
		if err != nil && !busyErr(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewConstantBackOff(50*time.Millisecond), 5), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *Store) writeTx(ctx context.Context, snap *model.Snapshot) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var errsJSON any
	if len(snap.CollectorErrors) > 0 {
		raw, err := json.Marshal(snap.CollectorErrors)
		if err != nil {
			return 0, err
		}
		errsJSON = string(raw)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO system_snapshots (timestamp, collection_duration_ms, collector_errors)
		VALUES (?, ?, ?)`,
		snap.Timestamp.UnixMilli(), snap.CollectionDurationMS, errsJSON)
	if err != nil {
		if uniqueErr(err) {
			return 0, ErrDuplicateTimestamp
		}
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	if snap.CPU != nil {
		if err := insertCPU(ctx, tx, id, snap.CPU); err != nil {
			return 0, err
		}
	}
	if snap.RAM != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ram_metrics (snapshot_id, total_gb, used_gb, available_gb, cached_gb, swap_total_gb, swap_used_gb, usage_percent)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, snap.RAM.TotalGB, snap.RAM.UsedGB, snap.RAM.AvailableGB, snap.RAM.CachedGB,
			snap.RAM.SwapTotalGB, snap.RAM.SwapUsedGB, snap.RAM.UsagePercent); err != nil {
			return 0, err
		}
	}
	for i, g := range snap.GPU {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO gpu_metrics (snapshot_id, device_index, name, usage_percent, memory_used_gb, memory_total_gb, temperature_celsius, fan_rpm, power_watts, core_clock_mhz, memory_clock_mhz)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, i, g.Name, g.UsagePercent, g.MemoryUsedGB, g.MemoryTotalGB,
			g.TemperatureCelsius, g.FanRPM, g.PowerWatts, g.CoreClockMHz, g.MemoryClockMHz); err != nil {
			return 0, err
		}
	}
	if snap.Disk != nil {
		disksJSON, err := marshalOrNil(snap.Disk.Disks)
		if err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO disk_metrics (snapshot_id, read_mbps, write_mbps, queue_length, io_ops_per_sec, disks_json)
			VALUES (?, ?, ?, ?, ?, ?)`,
			id, snap.Disk.ReadMBps, snap.Disk.WriteMBps, snap.Disk.QueueLength,
			snap.Disk.IOOpsPerSec, disksJSON); err != nil {
			return 0, err
		}
	}
	if snap.Network != nil {
		ifsJSON, err := marshalOrNil(snap.Network.Interfaces)
		if err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO network_metrics (snapshot_id, download_mbps, upload_mbps, connections_active, bytes_sent, bytes_received, packets_sent, packets_received, errors, interfaces_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, snap.Network.DownloadMBps, snap.Network.UploadMBps, snap.Network.ConnectionsActive,
			snap.Network.BytesSent, snap.Network.BytesReceived, snap.Network.PacketsSent,
			snap.Network.PacketsReceived, snap.Network.Errors, ifsJSON); err != nil {
			return 0, err
		}
	}
	for _, p := range snap.Processes {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO process_info (snapshot_id, name, pid, cpu_percent, memory_mb, threads, status, started_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, p.Name, p.PID, p.CPUPercent, p.MemoryMB, p.Threads, p.Status,
			p.StartedAt.UnixMilli()); err != nil {
			return 0, err
		}
	}
	if snap.Context != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO system_context (snapshot_id, user_active, idle_seconds, screen_locked, time_of_day, day_of_week, user_action)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, snap.Context.UserActive, snap.Context.IdleSeconds, snap.Context.ScreenLocked,
			snap.Context.TimeOfDay, snap.Context.DayOfWeek, snap.Context.UserAction); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

func insertCPU(ctx context.Context, tx *sql.Tx, snapID int64, c *model.CPUMetrics) error {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO cpu_metrics (snapshot_id, usage_percent, frequency_mhz, temperature_celsius, logical_count, physical_count)
		VALUES (?, ?, ?, ?, ?, ?)`,
		snapID, c.UsagePercent, c.FrequencyMHz, c.TemperatureCelsius,
		c.LogicalCount, c.PhysicalCount)
	if err != nil {
		return err
	}
	cpuID, err := res.LastInsertId()
	if err != nil {
		return err
	}
	for i, u := range c.PerCoreUsage {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cpu_core_usage (cpu_metric_id, core_index, usage_percent)
			VALUES (?, ?, ?)`, cpuID, i, u); err != nil {
			return err
		}
	}
	return nil
}

// SaveAnomaly appends one anomaly record and returns its id.
func (s *Store) SaveAnomaly(ctx context.Context, a *model.Anomaly) (int64, error) {
	ctxJSON, err := marshalOrNil(a.Context)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO anomalies (timestamp, metric_name, current_value, expected_value, deviation_std, severity, context)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.Timestamp.UnixMilli(), a.MetricName, a.CurrentValue, a.ExpectedValue,
		a.DeviationStd, string(a.Severity), ctxJSON)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Anomalies returns anomalies in [from, to] in chronological order.
func (s *Store) Anomalies(ctx context.Context, from, to time.Time) ([]model.Anomaly, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, metric_name, current_value, expected_value, deviation_std, severity, context
		FROM anomalies
		WHERE timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC`,
		from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Anomaly
	for rows.Next() {
		var (
			a       model.Anomaly
			ts      int64
			sev     string
			ctxJSON sql.NullString
		)
		if err := rows.Scan(&a.ID, &ts, &a.MetricName, &a.CurrentValue,
			&a.ExpectedValue, &a.DeviationStd, &sev, &ctxJSON); err != nil {
			return nil, err
		}
		a.Timestamp = time.UnixMilli(ts).UTC()
		a.Severity = model.Severity(sev)
		if ctxJSON.Valid {
			if err := json.Unmarshal([]byte(ctxJSON.String), &a.Context); err != nil {
				return nil, err
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpsertBaseline replaces the stored baseline for a metric.
func (s *Store) UpsertBaseline(ctx context.Context, b *model.Baseline) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO baselines (metric_name, mean, std_dev, min, max, sample_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(metric_name) DO UPDATE SET
			mean = excluded.mean,
			std_dev = excluded.std_dev,
			min = excluded.min,
			max = excluded.max,
			sample_count = excluded.sample_count,
			updated_at = excluded.updated_at`,
		b.MetricName, b.Mean, b.StdDev, b.Min, b.Max, b.SampleCount,
		b.UpdatedAt.UnixMilli())
	return err
}

// Baselines returns all stored baselines keyed by metric name.
func (s *Store) Baselines(ctx context.Context) (map[string]model.Baseline, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT metric_name, mean, std_dev, min, max, sample_count, updated_at FROM baselines`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]model.Baseline)
	for rows.Next() {
		var (
			b  model.Baseline
			at int64
		)
		if err := rows.Scan(&b.MetricName, &b.Mean, &b.StdDev, &b.Min, &b.Max,
			&b.SampleCount, &at); err != nil {
			return nil, err
		}
		b.UpdatedAt = time.UnixMilli(at).UTC()
		out[b.MetricName] = b
	}
	return out, rows.Err()
}

// Stats describes the store for /api/status and training readiness.
type Stats struct {
	SnapshotCount int64      `json:"snapshot_count"`
	AnomalyCount  int64      `json:"anomaly_count"`
	OldestTS      *time.Time `json:"oldest_ts,omitempty"`
	NewestTS      *time.Time `json:"newest_ts,omitempty"`
	SizeBytes     int64      `json:"size_bytes"`
}

// Stat returns current store statistics.
func (s *Store) Stat(ctx context.Context) (*Stats, error) {
	st := &Stats{}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM system_snapshots`).Scan(&st.SnapshotCount); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM anomalies`).Scan(&st.AnomalyCount); err != nil {
		return nil, err
	}
	if st.SnapshotCount > 0 {
		var oldest, newest int64
		if err := s.db.QueryRowContext(ctx,
			`SELECT MIN(timestamp), MAX(timestamp) FROM system_snapshots`).Scan(&oldest, &newest); err != nil {
			return nil, err
		}
		o, n := time.UnixMilli(oldest).UTC(), time.UnixMilli(newest).UTC()
		st.OldestTS, st.NewestTS = &o, &n
	}
	if size, err := s.fileSize(); err == nil {
		st.SizeBytes = size
	}
	return st, nil
}

// RetentionSweep deletes snapshots older than retention_days and
// anomalies older than anomaly_retention_days. Child rows cascade with
// the parent. A compaction pass runs when the file exceeds the size cap.
func (s *Store) RetentionSweep(ctx context.Context, now time.Time) error {
	snapCutoff := now.AddDate(0, 0, -s.cfg.RetentionDays).UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM system_snapshots WHERE timestamp < ?`, snapCutoff)
	if err != nil {
		return fmt.Errorf("sweep snapshots: %w", err)
	}
	removed, _ := res.RowsAffected()

	anomCutoff := now.AddDate(0, 0, -s.cfg.AnomalyRetentionDays).UnixMilli()
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM anomalies WHERE timestamp < ?`, anomCutoff); err != nil {
		return fmt.Errorf("sweep anomalies: %w", err)
	}

	if removed > 0 {
		s.log.Info("retention sweep", zap.Int64("snapshots_removed", removed))
	}

	if size, err := s.fileSize(); err == nil && size > s.cfg.SizeCapMB*1024*1024 {
		if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
			return fmt.Errorf("vacuum: %w", err)
		}
	}
	return nil
}

func (s *Store) fileSize() (int64, error) {
	fi, err := os.Stat(s.cfg.Path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func marshalOrNil(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case []model.DiskUsage:
		if len(val) == 0 {
			return nil, nil
		}
	case []model.NetworkInterface:
		if len(val) == 0 {
			return nil, nil
		}
	case map[string]any:
		if len(val) == 0 {
			return nil, nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func uniqueErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func busyErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
