package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ephemeral-auth/internal/hygiene"
	"ephemeral-auth/internal/models"
)

// Event names
const (
	EventOTPSent         = "otp.sent"
	EventOTPSendLimited  = "otp.send_rate_limited"
	EventOTPDeliveryFail = "otp.delivery_failed"
	EventOTPVerified     = "otp.verified"
	EventOTPInvalid      = "otp.invalid_code"
	EventOTPLocked       = "otp.locked"
	EventSessionRedeemed = "session.redeemed"
	EventSessionReplay   = "session.replay"
	EventOrgRateLimited  = "org.rate_limited"
)

const writeTimeout = 2 * time.Second

// Sink persists audit events somewhere outside the process.
type Sink interface {
	Name() string
	Write(ctx context.Context, event models.AuditEvent) error
}

// Recorder stamps, redacts and forwards events. Sink failures are logged and
// never reach the caller.
type Recorder struct {
	sink   Sink
	logger *zap.Logger
	now    func() time.Time
}

func NewRecorder(sink Sink, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{sink: sink, logger: logger, now: time.Now}
}

func (r *Recorder) Record(ctx context.Context, name, tenantID string, metadata map[string]any) {
	if r == nil || r.sink == nil {
		return
	}
	event := models.AuditEvent{
		ID:         uuid.NewString(),
		Name:       name,
		OccurredAt: r.now().UTC(),
		TenantID:   tenantID,
		Metadata:   hygiene.RedactMetadata(metadata),
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := r.sink.Write(ctx, event); err != nil {
		r.logger.Warn("audit write failed",
			zap.String("sink", r.sink.Name()),
			zap.String("event", name),
			zap.Error(err))
	}
}
