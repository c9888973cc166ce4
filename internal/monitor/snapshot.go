package monitor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"ephemeral-auth/internal/bucketing"
	"ephemeral-auth/internal/models"
)

const snapshotTable = "security_metric_snapshots"

const createSnapshotTable = `CREATE TABLE IF NOT EXISTS ` + snapshotTable + ` (
	snapshot_time DateTime64(3, 'UTC'),
	window_start  DateTime('UTC'),
	window_ms     Int64,
	category      LowCardinality(String),
	event_count   Int64,
	unique_keys   Int64,
	instance_id   String
) ENGINE = MergeTree
ORDER BY (category, window_start, snapshot_time)
TTL toDateTime(snapshot_time) + INTERVAL 30 DAY`

const insertSnapshot = `INSERT INTO ` + snapshotTable + ` (snapshot_time, window_start, window_ms, category, event_count, unique_keys, instance_id)`

type batchWriter interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
	BatchInsert(ctx context.Context, query string, data [][]interface{}) error
}

// Snapshotter periodically copies the current window into ClickHouse so
// security trends outlive the in-cache counters.
type Snapshotter struct {
	monitor    *Monitor
	writer     batchWriter
	instanceID string
	logger     *zap.Logger
}

func NewSnapshotter(m *Monitor, writer batchWriter, instanceID string, logger *zap.Logger) *Snapshotter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Snapshotter{monitor: m, writer: writer, instanceID: instanceID, logger: logger}
}

func (s *Snapshotter) EnsureSchema(ctx context.Context) error {
	return s.writer.Exec(ctx, createSnapshotTable)
}

// Snapshot builds one row per category for the current window.
func (s *Snapshotter) Snapshot(ctx context.Context) []models.SecuritySnapshot {
	now := s.monitor.now().UTC()
	start := bucketing.WindowStart(now, Window)
	rows := make([]models.SecuritySnapshot, 0, len(Categories))
	for _, cat := range Categories {
		c := s.monitor.Counter(ctx, cat, start)
		rows = append(rows, models.SecuritySnapshot{
			SnapshotTime: now,
			WindowStart:  start,
			WindowMs:     Window.Milliseconds(),
			Category:     string(cat),
			EventCount:   c.EventCount,
			UniqueKeys:   c.UniqueKeyCount,
			InstanceID:   s.instanceID,
		})
	}
	return rows
}

func (s *Snapshotter) Flush(ctx context.Context) error {
	rows := s.Snapshot(ctx)
	data := make([][]interface{}, 0, len(rows))
	for _, r := range rows {
		data = append(data, []interface{}{r.SnapshotTime, r.WindowStart, r.WindowMs, r.Category, r.EventCount, r.UniqueKeys, r.InstanceID})
	}
	return s.writer.BatchInsert(ctx, insertSnapshot, data)
}

// Run flushes every interval until ctx is done. Flush errors are logged.
func (s *Snapshotter) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Flush(ctx); err != nil {
				s.logger.Warn("security snapshot failed", zap.Error(err))
			}
		}
	}
}
