package service

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"go.uber.org/zap"

	"ephemeral-auth/internal/audit"
	"ephemeral-auth/internal/hashing"
	"ephemeral-auth/internal/hygiene"
	"ephemeral-auth/internal/models"
	"ephemeral-auth/internal/monitor"
	"ephemeral-auth/internal/notify"
	"ephemeral-auth/internal/repository/ephemeral"
	"ephemeral-auth/internal/store"
)

const (
	OTPLength         = 6
	OTPExpiry         = 5 * time.Minute
	MaxAttempts       = models.MaxOTPAttempts
	RateLimitWindow   = 15 * time.Minute
	MaxSendsPerWindow = 5
	SessionExpiry     = 5 * time.Minute

	sessionTokenBytes = 32
)

const (
	otpSendPrefix = "otp_send:"
	orgRatePrefix = "org_rate_limit:"
)

// Endpoints reported to the security monitor.
const (
	endpointSend   = "otp_send"
	endpointVerify = "otp_verify"
	endpointRedeem = "session_redeem"
	endpointOrg    = "org_rate_limit"
)

var ErrInvalidRequest = errors.New("invalid request")

type SendOutcome int

const (
	SendOK SendOutcome = iota
	SendRateLimited
	SendDeliveryFailed
)

func (o SendOutcome) String() string {
	switch o {
	case SendOK:
		return "SENT"
	case SendRateLimited:
		return "RATE_LIMITED"
	case SendDeliveryFailed:
		return "DELIVERY_FAILED"
	default:
		return "UNKNOWN"
	}
}

type VerifyOutcome int

const (
	VerifySuccess VerifyOutcome = iota
	VerifyInvalidCode
	VerifyLocked
	VerifyExpiredOrNotFound
)

func (o VerifyOutcome) String() string {
	switch o {
	case VerifySuccess:
		return "SUCCESS"
	case VerifyInvalidCode:
		return "INVALID_CODE"
	case VerifyLocked:
		return "LOCKED"
	case VerifyExpiredOrNotFound:
		return "EXPIRED_OR_NOT_FOUND"
	default:
		return "UNKNOWN"
	}
}

type RedeemOutcome int

const (
	RedeemOK RedeemOutcome = iota
	// RedeemAlreadyUsed covers used, expired and unknown tokens alike.
	RedeemAlreadyUsed
)

func (o RedeemOutcome) String() string {
	if o == RedeemOK {
		return "REDEEMED"
	}
	return "ALREADY_USED"
}

// SendRequest asks for a code. CompanyCode is set for corporate logins, where
// Identifier is the employee id; personal logins use the email alone.
type SendRequest struct {
	SubjectID    string
	Identifier   string
	CompanyCode  string
	OrgID        string
	ContactPhone string
}

type SendResult struct {
	Outcome    SendOutcome
	ExpiresAt  time.Time
	RetryAfter time.Duration
}

type VerifyRequest struct {
	Identifier   string
	CompanyCode  string
	OrgID        string
	Code         string
	IssueSession bool
}

type VerifyResult struct {
	Outcome           VerifyOutcome
	Attempts          int
	AttemptsRemaining int
	SubjectID         string
	SessionToken      string
	SessionExpiresAt  time.Time
}

type RedeemResult struct {
	Outcome RedeemOutcome
	Session models.LoginHandshakeSession
}

// OrgLimitResult is the org-wide throttle decision. TTL is set when denied
// for a known org.
type OrgLimitResult struct {
	OK    bool
	Count int64
	TTL   time.Duration
}

// UserMessage is the text shown to the user for a verification outcome. All
// failures read the same except lockout, which asks for a new code.
func UserMessage(o VerifyOutcome) string {
	switch o {
	case VerifySuccess:
		return "Code verified"
	case VerifyLocked:
		return "Invalid or expired code. Please request a new code."
	default:
		return "Invalid or expired code"
	}
}

// OTPService runs the send/verify/redeem life cycle on top of the ephemeral
// stores. Domain rejections are returned as outcomes; the error return is
// reserved for invalid input and store failures the fallback could not absorb.
type OTPService struct {
	otps     *ephemeral.OTPStore
	limits   *ephemeral.RateLimitStore
	sessions *ephemeral.SessionStore
	hasher   *hashing.Hasher
	monitor  *monitor.Monitor
	audit    *audit.Recorder
	sender   notify.Sender
	logger   *zap.Logger

	now          store.Clock
	generateCode func() (string, error)
	orgLimit     int64
	orgWindow    time.Duration
}

type Option func(*OTPService)

func WithClock(clock store.Clock) Option {
	return func(s *OTPService) {
		if clock != nil {
			s.now = clock
		}
	}
}

func WithCodeGenerator(gen func() (string, error)) Option {
	return func(s *OTPService) {
		if gen != nil {
			s.generateCode = gen
		}
	}
}

func WithOrgRateLimit(max int, window time.Duration) Option {
	return func(s *OTPService) {
		if max > 0 {
			s.orgLimit = int64(max)
		}
		if window > 0 {
			s.orgWindow = window
		}
	}
}

func NewOTPService(
	otps *ephemeral.OTPStore,
	limits *ephemeral.RateLimitStore,
	sessions *ephemeral.SessionStore,
	hasher *hashing.Hasher,
	mon *monitor.Monitor,
	recorder *audit.Recorder,
	sender notify.Sender,
	logger *zap.Logger,
	opts ...Option,
) *OTPService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &OTPService{
		otps:         otps,
		limits:       limits,
		sessions:     sessions,
		hasher:       hasher,
		monitor:      mon,
		audit:        recorder,
		sender:       sender,
		logger:       logger,
		now:          time.Now,
		generateCode: GenerateCode,
		orgLimit:     600,
		orgWindow:    time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GenerateCode returns a uniformly random OTPLength-digit code.
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("failed to generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", OTPLength, n.Int64()), nil
}

func newSessionToken() (string, error) {
	b := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate session token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// otpKey validates the scope parts and returns the hashed lookup key.
func (s *OTPService) otpKey(identifier, companyCode, orgID string) (string, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || !hygiene.IsValidIdentifier(identifier) || !hygiene.IsValidIdentifier(orgID) {
		return "", fmt.Errorf("%w: identifier", ErrInvalidRequest)
	}
	if strings.TrimSpace(companyCode) != "" && !hygiene.IsValidCompanyCode(companyCode) {
		return "", fmt.Errorf("%w: company code", ErrInvalidRequest)
	}
	return s.hasher.HashIdentifier(hygiene.BuildOtpKey(identifier, companyCode, orgID)), nil
}

// Send issues a fresh code, replacing any pending one for the same scoped
// identifier and clearing its wrong-guess count.
func (s *OTPService) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	key, err := s.otpKey(req.Identifier, req.CompanyCode, req.OrgID)
	if err != nil {
		return SendResult{}, err
	}
	redacted := hygiene.RedactIdentifier(req.Identifier)

	decision, err := s.limits.Increment(ctx, otpSendPrefix+key, MaxSendsPerWindow, RateLimitWindow)
	if err != nil {
		return SendResult{}, err
	}
	if !decision.Allowed {
		s.monitor.TrackRateLimitHit(ctx, req.Identifier, endpointSend, req.OrgID)
		s.audit.Record(ctx, audit.EventOTPSendLimited, req.OrgID, map[string]any{
			"identifier":  req.Identifier,
			"count":       decision.Count,
			"retry_after": decision.TTL.String(),
		})
		s.logger.Info("OTP send rate limited",
			zap.String("identifier", redacted),
			zap.Duration("retry_after", decision.TTL))
		return SendResult{Outcome: SendRateLimited, RetryAfter: decision.TTL}, nil
	}

	code, err := s.generateCode()
	if err != nil {
		return SendResult{}, err
	}
	now := s.now()
	rec := models.OTPRecord{
		Code:         code,
		ExpiresAt:    now.Add(OTPExpiry),
		SubjectID:    req.SubjectID,
		ContactPhone: req.ContactPhone,
		CreatedAt:    now,
	}

	if err := s.otps.ResetAttempts(ctx, key); err != nil {
		return SendResult{}, err
	}
	_, pending, err := s.otps.Get(ctx, key)
	if err != nil {
		return SendResult{}, err
	}
	if pending {
		err = s.otps.Update(ctx, key, rec)
	} else {
		err = s.otps.Set(ctx, key, rec)
	}
	if err != nil {
		return SendResult{}, err
	}

	msg := notify.OTPMessage{
		Recipient:    req.Identifier,
		ContactPhone: req.ContactPhone,
		OrgID:        req.OrgID,
		Code:         code,
		ExpiresAt:    rec.ExpiresAt,
	}
	if err := s.sender.SendOTP(ctx, msg); err != nil {
		if delErr := s.otps.Delete(ctx, key); delErr != nil {
			s.logger.Warn("failed to drop undelivered OTP", zap.Error(delErr))
		}
		s.audit.Record(ctx, audit.EventOTPDeliveryFail, req.OrgID, map[string]any{
			"identifier": req.Identifier,
			"error":      err.Error(),
		})
		s.logger.Warn("OTP delivery failed", zap.String("identifier", redacted), zap.Error(err))
		return SendResult{Outcome: SendDeliveryFailed}, nil
	}

	s.audit.Record(ctx, audit.EventOTPSent, req.OrgID, map[string]any{
		"identifier": req.Identifier,
		"replaced":   pending,
	})
	s.logger.Debug("OTP sent", zap.String("identifier", redacted), zap.Bool("replaced", pending))
	return SendResult{Outcome: SendOK, ExpiresAt: rec.ExpiresAt}, nil
}

// Verify checks code against the pending record. A match consumes the record;
// the third wrong guess locks it until it expires.
func (s *OTPService) Verify(ctx context.Context, req VerifyRequest) (VerifyResult, error) {
	key, err := s.otpKey(req.Identifier, req.CompanyCode, req.OrgID)
	if err != nil {
		return VerifyResult{}, err
	}
	if strings.TrimSpace(req.Code) == "" {
		return VerifyResult{}, fmt.Errorf("%w: code", ErrInvalidRequest)
	}

	rec, ok, err := s.otps.Get(ctx, key)
	if err != nil {
		return VerifyResult{}, err
	}
	if !ok {
		return s.unavailable(ctx, req, key)
	}

	if !codesMatch(req.Code, rec.Code) {
		attempts, err := s.otps.IncrementAttempts(ctx, key, rec.ExpiresAt.Sub(s.now()))
		if err != nil {
			return VerifyResult{}, err
		}
		if attempts >= MaxAttempts {
			s.fail(ctx, req, audit.EventOTPLocked, "locked", attempts)
			return VerifyResult{Outcome: VerifyLocked, Attempts: attempts}, nil
		}
		s.fail(ctx, req, audit.EventOTPInvalid, "invalid_code", attempts)
		return VerifyResult{
			Outcome:           VerifyInvalidCode,
			Attempts:          attempts,
			AttemptsRemaining: MaxAttempts - attempts,
		}, nil
	}

	taken, ok, err := s.otps.Take(ctx, key)
	if err != nil {
		return VerifyResult{}, err
	}
	if !ok {
		// consumed or locked by a concurrent verify
		return s.unavailable(ctx, req, key)
	}
	if !codesMatch(req.Code, taken.Code) {
		// replaced by a resend between read and take; keep the new code
		if err := s.otps.Set(ctx, key, taken); err != nil {
			return VerifyResult{}, err
		}
		s.fail(ctx, req, audit.EventOTPInvalid, "superseded", 0)
		return VerifyResult{Outcome: VerifyExpiredOrNotFound}, nil
	}
	if err := s.otps.ResetAttempts(ctx, key); err != nil {
		s.logger.Warn("failed to clear OTP attempts", zap.Error(err))
	}

	result := VerifyResult{Outcome: VerifySuccess, SubjectID: taken.SubjectID}
	if req.IssueSession {
		token, err := newSessionToken()
		if err != nil {
			return VerifyResult{}, err
		}
		now := s.now()
		sess := models.LoginHandshakeSession{
			SubjectID:  taken.SubjectID,
			Identifier: hygiene.NormalizeIdentifier(req.Identifier),
			OrgID:      req.OrgID,
			CreatedAt:  now,
			ExpiresAt:  now.Add(SessionExpiry),
		}
		if err := s.sessions.Create(ctx, token, sess); err != nil {
			return VerifyResult{}, err
		}
		result.SessionToken = token
		result.SessionExpiresAt = sess.ExpiresAt
	}

	s.audit.Record(ctx, audit.EventOTPVerified, req.OrgID, map[string]any{
		"identifier":      req.Identifier,
		"session_issued":  req.IssueSession,
		"subject_present": taken.SubjectID != "",
	})
	return result, nil
}

func (s *OTPService) fail(ctx context.Context, req VerifyRequest, event, reason string, attempts int) {
	s.monitor.TrackAuthFailure(ctx, req.Identifier, endpointVerify, req.OrgID)
	s.audit.Record(ctx, event, req.OrgID, map[string]any{
		"identifier": req.Identifier,
		"reason":     reason,
		"attempts":   attempts,
	})
	s.logger.Info("OTP verification failed",
		zap.String("identifier", hygiene.RedactIdentifier(req.Identifier)),
		zap.String("reason", reason),
		zap.Int("attempts", attempts))
}

// unavailable reports why no usable record exists: a live attempt counter at
// the limit means the code is locked, anything else expired or was consumed.
func (s *OTPService) unavailable(ctx context.Context, req VerifyRequest, key string) (VerifyResult, error) {
	attempts, err := s.otps.Attempts(ctx, key)
	if err != nil {
		return VerifyResult{}, err
	}
	if attempts >= MaxAttempts {
		s.fail(ctx, req, audit.EventOTPLocked, "locked", attempts)
		return VerifyResult{Outcome: VerifyLocked, Attempts: attempts}, nil
	}
	s.fail(ctx, req, audit.EventOTPInvalid, "not_found", 0)
	return VerifyResult{Outcome: VerifyExpiredOrNotFound}, nil
}

func codesMatch(given, want string) bool {
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(given)), []byte(want)) == 1
}

// RedeemSession consumes a handshake session. Only the first call for a token
// succeeds.
func (s *OTPService) RedeemSession(ctx context.Context, token string) (RedeemResult, error) {
	if strings.TrimSpace(token) == "" {
		return RedeemResult{}, fmt.Errorf("%w: token", ErrInvalidRequest)
	}
	sess, ok, err := s.sessions.Redeem(ctx, token)
	if err != nil {
		return RedeemResult{}, err
	}
	if !ok {
		s.monitor.TrackAuthFailure(ctx, token, endpointRedeem, "")
		s.audit.Record(ctx, audit.EventSessionReplay, "", nil)
		return RedeemResult{Outcome: RedeemAlreadyUsed}, nil
	}
	s.audit.Record(ctx, audit.EventSessionRedeemed, sess.OrgID, map[string]any{
		"identifier": sess.Identifier,
	})
	return RedeemResult{Outcome: RedeemOK, Session: sess}, nil
}

// CheckOrgRateLimit throttles all traffic of one org. A missing org fails
// closed.
func (s *OTPService) CheckOrgRateLimit(ctx context.Context, orgID string) (OrgLimitResult, error) {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return OrgLimitResult{OK: false}, nil
	}
	decision, err := s.limits.Increment(ctx, orgRatePrefix+orgID, s.orgLimit, s.orgWindow)
	if err != nil {
		return OrgLimitResult{}, err
	}
	if !decision.Allowed {
		s.monitor.TrackRateLimitHit(ctx, orgID, endpointOrg, orgID)
		s.audit.Record(ctx, audit.EventOrgRateLimited, orgID, map[string]any{"count": decision.Count})
		return OrgLimitResult{OK: false, Count: decision.Count, TTL: decision.TTL}, nil
	}
	return OrgLimitResult{OK: true, Count: decision.Count}, nil
}
