package monitor

import (
	"context"
	"math"
	"strconv"
	"time"

	"go.uber.org/zap"

	"ephemeral-auth/internal/bucketing"
	"ephemeral-auth/internal/hashing"
	"ephemeral-auth/internal/hygiene"
	"ephemeral-auth/internal/models"
	"ephemeral-auth/internal/store"
)

// Window is the span each security counter aggregates over.
const Window = 5 * time.Minute

const globalTenant = "global"

type Category string

const (
	CategoryRateLimit   Category = "rate_limit"
	CategoryCors        Category = "cors"
	CategoryAuthFailure Category = "auth_failure"
)

var Categories = []Category{CategoryRateLimit, CategoryCors, CategoryAuthFailure}

// Metrics is the view of the trailing Window. Counts from the previous bucket
// are prorated, so unique key counts are estimates.
type Metrics struct {
	RateLimitHits         int64     `json:"rateLimitHits"`
	RateLimitUniqueKeys   int64     `json:"rateLimitUniqueKeys"`
	CorsViolations        int64     `json:"corsViolations"`
	CorsUniqueKeys        int64     `json:"corsUniqueKeys"`
	AuthFailures          int64     `json:"authFailures"`
	AuthFailureUniqueKeys int64     `json:"authFailureUniqueKeys"`
	WindowMs              int64     `json:"windowMs"`
	WindowStart           time.Time `json:"windowStart"`
}

// Monitor counts rejected requests per category in fixed buckets and reports
// a sliding window over the last two of them. Each
// event is keyed by tenant, hashed identifier and endpoint so distinct sources
// can be counted without keeping raw identifiers. Tracking never fails the
// caller; store errors are logged.
type Monitor struct {
	backend store.Backend
	hasher  *hashing.Hasher
	logger  *zap.Logger
	now     store.Clock
}

func New(backend store.Backend, hasher *hashing.Hasher, logger *zap.Logger, clock store.Clock) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = time.Now
	}
	return &Monitor{backend: backend, hasher: hasher, logger: logger, now: clock}
}

func (m *Monitor) TrackRateLimitHit(ctx context.Context, identifier, endpoint, tenantID string) {
	m.track(ctx, CategoryRateLimit, identifier, endpoint, tenantID)
}

func (m *Monitor) TrackCorsViolation(ctx context.Context, identifier, endpoint, tenantID string) {
	m.track(ctx, CategoryCors, identifier, endpoint, tenantID)
}

func (m *Monitor) TrackAuthFailure(ctx context.Context, identifier, endpoint, tenantID string) {
	m.track(ctx, CategoryAuthFailure, identifier, endpoint, tenantID)
}

// EventKey is the unique-key form of one event.
func (m *Monitor) EventKey(identifier, endpoint, tenantID string) string {
	if tenantID == "" {
		tenantID = globalTenant
	}
	return tenantID + ":" + m.hasher.HashIdentifier(hygiene.NormalizeIdentifier(identifier)) + ":" + endpoint
}

func (m *Monitor) track(ctx context.Context, cat Category, identifier, endpoint, tenantID string) {
	if m == nil {
		return
	}
	now := m.now()
	start := bucketing.WindowStart(now, Window)
	// keep the keys one extra window so a snapshot taken at rollover still sees them
	ttl := start.Add(2 * Window).Sub(now)

	if _, err := m.backend.Increment(ctx, eventsKey(cat, start), ttl); err != nil {
		m.logger.Warn("security event count failed", zap.String("category", string(cat)), zap.Error(err))
	}
	if err := m.backend.AddMember(ctx, uniqueKey(cat, start), m.EventKey(identifier, endpoint, tenantID), ttl); err != nil {
		m.logger.Warn("security unique key add failed", zap.String("category", string(cat)), zap.Error(err))
	}
}

// Counter returns the aggregates of one category for the window starting at start.
func (m *Monitor) Counter(ctx context.Context, cat Category, start time.Time) models.SecurityCounter {
	var out models.SecurityCounter
	c, ok, err := m.backend.Counter(ctx, eventsKey(cat, start))
	if err != nil {
		m.logger.Warn("security event read failed", zap.String("category", string(cat)), zap.Error(err))
	} else if ok {
		out.EventCount = c.Count
	}
	n, err := m.backend.CountMembers(ctx, uniqueKey(cat, start))
	if err != nil {
		m.logger.Warn("security unique key read failed", zap.String("category", string(cat)), zap.Error(err))
	} else {
		out.UniqueKeyCount = n
	}
	return out
}

// Trailing estimates one category over the Window ending now: the current
// bucket plus the previous bucket weighted by the share of it still inside
// the window.
func (m *Monitor) Trailing(ctx context.Context, cat Category) models.SecurityCounter {
	now := m.now()
	start := bucketing.WindowStart(now, Window)
	out := m.Counter(ctx, cat, start)

	weight := 1 - float64(now.Sub(start))/float64(Window)
	if weight <= 0 {
		return out
	}
	prev := m.Counter(ctx, cat, start.Add(-Window))
	out.EventCount += int64(math.Round(float64(prev.EventCount) * weight))
	out.UniqueKeyCount += int64(math.Round(float64(prev.UniqueKeyCount) * weight))
	return out
}

// GetMetrics reports every category over the trailing window.
func (m *Monitor) GetMetrics(ctx context.Context) Metrics {
	now := m.now()
	rl := m.Trailing(ctx, CategoryRateLimit)
	cors := m.Trailing(ctx, CategoryCors)
	auth := m.Trailing(ctx, CategoryAuthFailure)
	return Metrics{
		RateLimitHits:         rl.EventCount,
		RateLimitUniqueKeys:   rl.UniqueKeyCount,
		CorsViolations:        cors.EventCount,
		CorsUniqueKeys:        cors.UniqueKeyCount,
		AuthFailures:          auth.EventCount,
		AuthFailureUniqueKeys: auth.UniqueKeyCount,
		WindowMs:              Window.Milliseconds(),
		WindowStart:           now.Add(-Window),
	}
}

func eventsKey(cat Category, start time.Time) string {
	return "sec:" + string(cat) + ":events:" + strconv.FormatInt(start.Unix(), 10)
}

func uniqueKey(cat Category, start time.Time) string {
	return "sec:" + string(cat) + ":keys:" + strconv.FormatInt(start.Unix(), 10)
}
