package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/baikal/hostpulse/internal/config"
	"github.com/baikal/hostpulse/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := config.StoreConfig{
		Path:                 filepath.Join(t.TempDir(), "test.db"),
		RetentionDays:        90,
		AnomalyRetentionDays: 365,
		SizeCapMB:            256,
	}
	s, err := Open(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func fullSnapshot(ts time.Time) *model.Snapshot {
	freq := 3200.0
	temp := 58.5
	return &model.Snapshot{
		Timestamp: ts,
		CPU: &model.CPUMetrics{
			UsagePercent:       42.5,
			FrequencyMHz:       &freq,
			TemperatureCelsius: &temp,
			PerCoreUsage:       []float64{40, 45},
			LogicalCount:       2,
			PhysicalCount:      2,
		},
		RAM: &model.RAMMetrics{
			TotalGB: 32, UsedGB: 16, AvailableGB: 14, CachedGB: 2,
			SwapTotalGB: 8, SwapUsedGB: 0.5, UsagePercent: 50,
		},
		GPU: []model.GPUMetrics{{
			Name: "RTX 4070", UsagePercent: 30, MemoryUsedGB: 4, MemoryTotalGB: 12,
			FanRPM: 1200, PowerWatts: 110,
		}},
		Disk: &model.DiskMetrics{
			ReadMBps: 12.3, WriteMBps: 4.5, QueueLength: 0.2, IOOpsPerSec: 88,
			Disks: []model.DiskUsage{{Device: "/dev/sda1", TotalGB: 500, UsedGB: 300, FreeGB: 200, UsagePercent: 60}},
		},
		Network: &model.NetworkMetrics{
			DownloadMBps: 1.5, UploadMBps: 0.4, ConnectionsActive: 12,
			BytesSent: 100, BytesReceived: 200, PacketsSent: 10, PacketsReceived: 20,
			Interfaces: []model.NetworkInterface{{Name: "eth0", SpeedMbps: 1000, IsUp: true}},
		},
		Processes: []model.ProcessInfo{
			{Name: "compiler", PID: 100, CPUPercent: 80, MemoryMB: 512, Threads: 8, Status: "running", StartedAt: ts.Add(-time.Hour)},
			{Name: "editor", PID: 200, CPUPercent: 5, MemoryMB: 900, Threads: 20, Status: "sleeping", StartedAt: ts.Add(-2 * time.Hour)},
		},
		Context: &model.SystemContext{
			UserActive: true, IdleSeconds: 3, TimeOfDay: "afternoon",
			DayOfWeek: "monday", UserAction: "coding",
		},
		CollectionDurationMS: 42,
		CollectorErrors:      map[string]string{"gpu": "timeout"},
	}
}

func TestWriteAndReadBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ts := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	id, err := s.Write(ctx, fullSnapshot(ts))
	require.NoError(t, err)
	assert.Positive(t, id)

	got, err := s.Latest(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, ts, got.Timestamp)
	require.NotNil(t, got.CPU)
	assert.Equal(t, 42.5, got.CPU.UsagePercent)
	require.NotNil(t, got.CPU.FrequencyMHz)
	assert.Equal(t, 3200.0, *got.CPU.FrequencyMHz)
	assert.Equal(t, []float64{40, 45}, got.CPU.PerCoreUsage)
	require.NotNil(t, got.RAM)
	assert.Equal(t, 50.0, got.RAM.UsagePercent)
	require.Len(t, got.GPU, 1)
	assert.Equal(t, "RTX 4070", got.GPU[0].Name)
	assert.Nil(t, got.GPU[0].TemperatureCelsius)
	require.NotNil(t, got.Disk)
	require.Len(t, got.Disk.Disks, 1)
	assert.Equal(t, "/dev/sda1", got.Disk.Disks[0].Device)
	require.NotNil(t, got.Network)
	require.Len(t, got.Network.Interfaces, 1)
	require.Len(t, got.Processes, 2)
	assert.Equal(t, "compiler", got.Processes[0].Name)
	require.NotNil(t, got.Context)
	assert.Equal(t, "coding", got.Context.UserAction)
	assert.Equal(t, map[string]string{"gpu": "timeout"}, got.CollectorErrors)
}

func TestDuplicateTimestampRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ts := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	_, err := s.Write(ctx, fullSnapshot(ts))
	require.NoError(t, err)

	_, err = s.Write(ctx, fullSnapshot(ts))
	assert.ErrorIs(t, err, ErrDuplicateTimestamp)
}

func TestRecentChronologicalOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		_, err := s.Write(ctx, fullSnapshot(base.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}

	snaps, err := s.Recent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	assert.Equal(t, base.Add(2*time.Second), snaps[0].Timestamp)
	assert.Equal(t, base.Add(4*time.Second), snaps[2].Timestamp)
}

func TestHistoryDecimation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// 360 samples over one hour, cpu ramping 0..35.9.
	from := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 360; i++ {
		snap := &model.Snapshot{
			Timestamp: from.Add(time.Duration(i) * 10 * time.Second),
			CPU: &model.CPUMetrics{
				UsagePercent: float64(i) / 10, LogicalCount: 4, PhysicalCount: 2,
			},
		}
		_, err := s.Write(ctx, snap)
		require.NoError(t, err)
	}
	to := from.Add(time.Hour)

	points, err := s.History(ctx, model.MetricCPUPercent, from, to, 60)
	require.NoError(t, err)
	require.Len(t, points, 60)

	// Bucket edges align to from; spacing is uniform.
	assert.Equal(t, from, points[0].Timestamp)
	spacing := points[1].Timestamp.Sub(points[0].Timestamp)
	for i := 1; i < len(points); i++ {
		assert.Equal(t, spacing, points[i].Timestamp.Sub(points[i-1].Timestamp))
	}

	// First bucket averages samples 0..5 -> (0+0.1+..+0.5)/6 = 0.25.
	assert.InDelta(t, 0.25, points[0].Value, 1e-9)

	// Series shorter than max_points is returned raw.
	raw, err := s.History(ctx, model.MetricCPUPercent, from, to, 1000)
	require.NoError(t, err)
	assert.Len(t, raw, 360)
}

func TestHistoryUnknownMetric(t *testing.T) {
	s := newTestStore(t)
	_, err := s.History(context.Background(), "load_average", time.Now().Add(-time.Hour), time.Now(), 10)
	assert.Error(t, err)
}

func TestSummaryStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	from := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 100; i++ {
		snap := &model.Snapshot{
			Timestamp: from.Add(time.Duration(i) * time.Second),
			CPU: &model.CPUMetrics{
				UsagePercent: float64(i + 1), LogicalCount: 4, PhysicalCount: 2,
			},
		}
		_, err := s.Write(ctx, snap)
		require.NoError(t, err)
	}

	stats, err := s.Summary(ctx, from, from.Add(time.Hour))
	require.NoError(t, err)

	cpu, ok := stats[model.MetricCPUPercent]
	require.True(t, ok)
	assert.Equal(t, 1.0, cpu.Min)
	assert.Equal(t, 100.0, cpu.Max)
	assert.InDelta(t, 50.5, cpu.Avg, 1e-9)
	assert.Equal(t, 95.0, cpu.P95)

	// No ram samples in the window: metric omitted, not zeroed.
	_, ok = stats[model.MetricRAMPercent]
	assert.False(t, ok)
}

func TestRetentionSweepRemovesOldRowsAndOrphans(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	for _, age := range []time.Duration{100 * 24 * time.Hour, 50 * 24 * time.Hour, 24 * time.Hour} {
		_, err := s.Write(ctx, fullSnapshot(now.Add(-age)))
		require.NoError(t, err)
	}

	require.NoError(t, s.RetentionSweep(ctx, now))

	st, err := s.Stat(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.SnapshotCount)
	require.NotNil(t, st.OldestTS)
	assert.Equal(t, now.Add(-50*24*time.Hour), *st.OldestTS)

	// Cascade must leave no orphan child rows.
	for _, table := range []string{
		"cpu_metrics", "ram_metrics", "gpu_metrics", "disk_metrics",
		"network_metrics", "process_info", "system_context",
	} {
		var orphans int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM ` + table +
			` WHERE snapshot_id NOT IN (SELECT id FROM system_snapshots)`).Scan(&orphans)
		require.NoError(t, err)
		assert.Zero(t, orphans, "orphans in %s", table)
	}
	var coreOrphans int
	err = s.db.QueryRow(`SELECT COUNT(*) FROM cpu_core_usage
		WHERE cpu_metric_id NOT IN (SELECT id FROM cpu_metrics)`).Scan(&coreOrphans)
	require.NoError(t, err)
	assert.Zero(t, coreOrphans)
}

func TestAnomalyRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	id, err := s.SaveAnomaly(ctx, &model.Anomaly{
		Timestamp:     ts,
		MetricName:    model.MetricCPUPercent,
		CurrentValue:  97,
		ExpectedValue: 40,
		DeviationStd:  5.2,
		Severity:      model.SeverityCritical,
		Context:       map[string]any{"type": "threshold"},
	})
	require.NoError(t, err)
	assert.Positive(t, id)

	got, err := s.Anomalies(ctx, ts.Add(-time.Minute), ts.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.MetricCPUPercent, got[0].MetricName)
	assert.Equal(t, model.SeverityCritical, got[0].Severity)
	assert.Equal(t, "threshold", got[0].Context["type"])

	// Out-of-window query is empty.
	none, err := s.Anomalies(ctx, ts.Add(time.Hour), ts.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestBaselineUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	b := &model.Baseline{
		MetricName: model.MetricRAMPercent, Mean: 40, StdDev: 3,
		Min: 30, Max: 55, SampleCount: 720, UpdatedAt: at,
	}
	require.NoError(t, s.UpsertBaseline(ctx, b))

	b.Mean = 45
	b.UpdatedAt = at.Add(time.Minute)
	require.NoError(t, s.UpsertBaseline(ctx, b))

	all, err := s.Baselines(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, 45.0, all[model.MetricRAMPercent].Mean)
	assert.Equal(t, at.Add(time.Minute), all[model.MetricRAMPercent].UpdatedAt)
}

func TestSchemaTooNewRefused(t *testing.T) {
	cfg := config.StoreConfig{
		Path:                 filepath.Join(t.TempDir(), "future.db"),
		RetentionDays:        90,
		AnomalyRetentionDays: 365,
		SizeCapMB:            256,
	}
	s, err := Open(cfg, zap.NewNop())
	require.NoError(t, err)
	_, err = s.db.Exec(`UPDATE schema_metadata SET value = '99' WHERE key = 'version'`)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(cfg, zap.NewNop())
	assert.ErrorIs(t, err, ErrSchemaTooNew)
}

func TestMigrateIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, migrate(s.db))
	v, err := schemaVersion(s.db)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), v)
}
