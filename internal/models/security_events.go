package models

import "time"

// SecurityCounter aggregates one event category over the current window.
type SecurityCounter struct {
	EventCount     int64 `json:"event_count"`
	UniqueKeyCount int64 `json:"unique_key_count"`
}

// SecuritySnapshot is one row of the security_metric_snapshots table.
type SecuritySnapshot struct {
	SnapshotTime time.Time `ch:"snapshot_time"`
	WindowStart  time.Time `ch:"window_start"`
	WindowMs     int64     `ch:"window_ms"`
	Category     string    `ch:"category"`
	EventCount   int64     `ch:"event_count"`
	UniqueKeys   int64     `ch:"unique_keys"`
	InstanceID   string    `ch:"instance_id"`
}

// AuditEvent is the structured record handed to audit sinks. Metadata must be
// redacted before it leaves the process.
type AuditEvent struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	OccurredAt time.Time      `json:"occurred_at"`
	TenantID   string         `json:"tenant_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}
