package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

// ErrSchemaTooNew means the database file was written by a newer binary.
// The store refuses to open rather than risk corrupting it.
var ErrSchemaTooNew = errors.New("schema_too_new")

// migrations are applied in order; schema_metadata.version records the
// index of the last applied migration. Forward-only.
var migrations = []string{
	// v1: initial schema.
	`
CREATE TABLE IF NOT EXISTS system_snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp INTEGER NOT NULL UNIQUE,
	collection_duration_ms INTEGER NOT NULL DEFAULT 0,
	collector_errors TEXT,
	created_at TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_snapshots_timestamp ON system_snapshots(timestamp);

CREATE TABLE IF NOT EXISTS cpu_metrics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	snapshot_id INTEGER NOT NULL REFERENCES system_snapshots(id) ON DELETE CASCADE,
	usage_percent REAL NOT NULL,
	frequency_mhz REAL,
	temperature_celsius REAL,
	logical_count INTEGER NOT NULL,
	physical_count INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cpu_snapshot ON cpu_metrics(snapshot_id);

CREATE TABLE IF NOT EXISTS cpu_core_usage (
	cpu_metric_id INTEGER NOT NULL REFERENCES cpu_metrics(id) ON DELETE CASCADE,
	core_index INTEGER NOT NULL,
	usage_percent REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_core_cpu ON cpu_core_usage(cpu_metric_id);

CREATE TABLE IF NOT EXISTS ram_metrics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	snapshot_id INTEGER NOT NULL REFERENCES system_snapshots(id) ON DELETE CASCADE,
	total_gb REAL NOT NULL,
	used_gb REAL NOT NULL,
	available_gb REAL NOT NULL,
	cached_gb REAL NOT NULL,
	swap_total_gb REAL NOT NULL,
	swap_used_gb REAL NOT NULL,
	usage_percent REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ram_snapshot ON ram_metrics(snapshot_id);

CREATE TABLE IF NOT EXISTS gpu_metrics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	snapshot_id INTEGER NOT NULL REFERENCES system_snapshots(id) ON DELETE CASCADE,
	device_index INTEGER NOT NULL,
	name TEXT NOT NULL,
	usage_percent REAL NOT NULL,
	memory_used_gb REAL NOT NULL,
	memory_total_gb REAL NOT NULL,
	temperature_celsius REAL,
	fan_rpm REAL NOT NULL,
	power_watts REAL NOT NULL,
	core_clock_mhz REAL NOT NULL,
	memory_clock_mhz REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_gpu_snapshot ON gpu_metrics(snapshot_id);

CREATE TABLE IF NOT EXISTS disk_metrics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	snapshot_id INTEGER NOT NULL REFERENCES system_snapshots(id) ON DELETE CASCADE,
	read_mbps REAL NOT NULL,
	write_mbps REAL NOT NULL,
	queue_length REAL NOT NULL,
	io_ops_per_sec REAL NOT NULL,
	disks_json TEXT
);
CREATE INDEX IF NOT EXISTS idx_disk_snapshot ON disk_metrics(snapshot_id);

CREATE TABLE IF NOT EXISTS network_metrics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	snapshot_id INTEGER NOT NULL REFERENCES system_snapshots(id) ON DELETE CASCADE,
	download_mbps REAL NOT NULL,
	upload_mbps REAL NOT NULL,
	connections_active INTEGER NOT NULL,
	bytes_sent INTEGER NOT NULL,
	bytes_received INTEGER NOT NULL,
	packets_sent INTEGER NOT NULL,
	packets_received INTEGER NOT NULL,
	errors INTEGER NOT NULL,
	interfaces_json TEXT
);
CREATE INDEX IF NOT EXISTS idx_network_snapshot ON network_metrics(snapshot_id);

CREATE TABLE IF NOT EXISTS process_info (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	snapshot_id INTEGER NOT NULL REFERENCES system_snapshots(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	pid INTEGER NOT NULL,
	cpu_percent REAL NOT NULL,
	memory_mb REAL NOT NULL,
	threads INTEGER NOT NULL,
	status TEXT NOT NULL,
	started_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_process_snapshot ON process_info(snapshot_id);

CREATE TABLE IF NOT EXISTS system_context (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	snapshot_id INTEGER NOT NULL REFERENCES system_snapshots(id) ON DELETE CASCADE,
	user_active INTEGER NOT NULL,
	idle_seconds REAL NOT NULL,
	screen_locked INTEGER NOT NULL,
	time_of_day TEXT NOT NULL,
	day_of_week TEXT NOT NULL,
	user_action TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_context_snapshot ON system_context(snapshot_id);

CREATE TABLE IF NOT EXISTS anomalies (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp INTEGER NOT NULL,
	metric_name TEXT NOT NULL,
	current_value REAL NOT NULL,
	expected_value REAL NOT NULL,
	deviation_std REAL NOT NULL,
	severity TEXT NOT NULL,
	context TEXT
);
CREATE INDEX IF NOT EXISTS idx_anomalies_timestamp ON anomalies(timestamp);

CREATE TABLE IF NOT EXISTS baselines (
	metric_name TEXT PRIMARY KEY,
	mean REAL NOT NULL,
	std_dev REAL NOT NULL,
	min REAL NOT NULL,
	max REAL NOT NULL,
	sample_count INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
) WITHOUT ROWID;
`,
}

// migrate applies pending schema versions in order. Idempotent; a file
// written by a newer binary is refused.
func migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_metadata: %w", err)
	}

	version, err := schemaVersion(db)
	if err != nil {
		return err
	}
	if version > len(migrations) {
		return fmt.Errorf("%w: file at version %d, binary supports %d",
			ErrSchemaTooNew, version, len(migrations))
	}

	for v := version; v < len(migrations); v++ {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(migrations[v]); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply schema v%d: %w", v+1, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_metadata (key, value) VALUES ('version', ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, strconv.Itoa(v+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("record schema v%d: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

func schemaVersion(db *sql.DB) (int, error) {
	var raw string
	err := db.QueryRow(`SELECT value FROM schema_metadata WHERE key = 'version'`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse schema version %q: %w", raw, err)
	}
	return v, nil
}
