package ephemeral

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ephemeral-auth/internal/models"
	"ephemeral-auth/internal/store"
	"ephemeral-auth/internal/util"
)

const (
	otpPrefix        = "otp:"
	otpAttemptPrefix = "otp_attempts:"
)

// OTPStore keeps pending codes keyed by the hashed composite identifier. The
// wrong-guess count lives in a separate counter so concurrent verifications
// never rewrite the record.
type OTPStore struct {
	records *store.Store[models.OTPRecord]
	backend store.Backend
}

func NewOTPStore(backend store.Backend, clock store.Clock) *OTPStore {
	return &OTPStore{
		records: store.New[models.OTPRecord](backend, otpPrefix, clock),
		backend: backend,
	}
}

// Get returns the pending record with Attempts filled from the attempt
// counter. A record at models.MaxOTPAttempts is locked and reported absent.
func (s *OTPStore) Get(ctx context.Context, key string) (models.OTPRecord, bool, error) {
	rec, ok, err := s.records.Get(ctx, key)
	if err != nil {
		return rec, false, fmt.Errorf("failed to get OTP: %w", err)
	}
	if !ok {
		return rec, false, nil
	}
	return s.withAttempts(ctx, key, rec)
}

func (s *OTPStore) Set(ctx context.Context, key string, rec models.OTPRecord) error {
	if err := s.records.Set(ctx, key, rec); err != nil {
		util.Error("Failed to store OTP", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("failed to store OTP: %w", err)
	}
	util.Debug("OTP stored", zap.String("key", key), zap.Time("expires_at", rec.ExpiresAt))
	return nil
}

func (s *OTPStore) Update(ctx context.Context, key string, rec models.OTPRecord) error {
	if err := s.records.Update(ctx, key, rec); err != nil {
		return fmt.Errorf("failed to update OTP: %w", err)
	}
	return nil
}

func (s *OTPStore) Delete(ctx context.Context, key string) error {
	if err := s.records.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to delete OTP: %w", err)
	}
	return nil
}

// Take consumes the record. Only one caller gets it back, and never once it
// is locked.
func (s *OTPStore) Take(ctx context.Context, key string) (models.OTPRecord, bool, error) {
	rec, ok, err := s.records.Take(ctx, key)
	if err != nil {
		return rec, false, fmt.Errorf("failed to consume OTP: %w", err)
	}
	if !ok {
		return rec, false, nil
	}
	return s.withAttempts(ctx, key, rec)
}

func (s *OTPStore) withAttempts(ctx context.Context, key string, rec models.OTPRecord) (models.OTPRecord, bool, error) {
	attempts, err := s.Attempts(ctx, key)
	if err != nil {
		return models.OTPRecord{}, false, err
	}
	if attempts >= models.MaxOTPAttempts {
		return models.OTPRecord{}, false, nil
	}
	rec.Attempts = attempts
	return rec, true, nil
}

// IncrementAttempts records a wrong guess and returns the new total. The
// counter expires after ttl, normally the record's remaining lifetime.
func (s *OTPStore) IncrementAttempts(ctx context.Context, key string, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		ttl = time.Second
	}
	c, err := s.backend.Increment(ctx, otpAttemptPrefix+key, ttl)
	if err != nil {
		return 0, fmt.Errorf("failed to increment OTP attempts: %w", err)
	}
	util.Debug("OTP attempts incremented", zap.String("key", key), util.Int64("count", c.Count))
	return int(c.Count), nil
}

func (s *OTPStore) Attempts(ctx context.Context, key string) (int, error) {
	c, ok, err := s.backend.Counter(ctx, otpAttemptPrefix+key)
	if err != nil {
		return 0, fmt.Errorf("failed to get OTP attempt count: %w", err)
	}
	if !ok {
		return 0, nil
	}
	return int(c.Count), nil
}

func (s *OTPStore) ResetAttempts(ctx context.Context, key string) error {
	if err := s.backend.Delete(ctx, otpAttemptPrefix+key); err != nil {
		return fmt.Errorf("failed to reset OTP attempts: %w", err)
	}
	return nil
}
