package notify

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"ephemeral-auth/internal/hygiene"
)

// ErrDeliveryFailed is returned by senders when the provider rejects a message.
var ErrDeliveryFailed = errors.New("notify: delivery failed")

// OTPMessage is what a delivery channel needs to reach the user.
type OTPMessage struct {
	Recipient    string
	ContactPhone string
	OrgID        string
	Code         string
	ExpiresAt    time.Time
}

// Sender delivers one-time codes over SMS, email or similar.
type Sender interface {
	SendOTP(ctx context.Context, msg OTPMessage) error
}

// LogSender writes deliveries to the log instead of a provider. The code is
// only included when revealCode is set, which is meant for local development.
type LogSender struct {
	logger     *zap.Logger
	revealCode bool
}

func NewLogSender(logger *zap.Logger, revealCode bool) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{logger: logger, revealCode: revealCode}
}

func (s *LogSender) SendOTP(_ context.Context, msg OTPMessage) error {
	fields := []zap.Field{
		zap.String("recipient", hygiene.RedactIdentifier(msg.Recipient)),
		zap.Bool("has_phone", msg.ContactPhone != ""),
		zap.Time("expires_at", msg.ExpiresAt),
	}
	if s.revealCode {
		fields = append(fields, zap.String("code", msg.Code))
	}
	s.logger.Info("OTP dispatched", fields...)
	return nil
}
