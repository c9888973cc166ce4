package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ephemeral-auth/internal/audit"
	"ephemeral-auth/internal/hashing"
	"ephemeral-auth/internal/models"
	"ephemeral-auth/internal/monitor"
	"ephemeral-auth/internal/notify"
	"ephemeral-auth/internal/repository/ephemeral"
	"ephemeral-auth/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingSender struct {
	mu   sync.Mutex
	sent []notify.OTPMessage
	err  error
}

func (s *recordingSender) SendOTP(_ context.Context, msg notify.OTPMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *recordingSender) last() notify.OTPMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[len(s.sent)-1]
}

type auditLog struct {
	mu     sync.Mutex
	events []models.AuditEvent
}

func (a *auditLog) Name() string { return "test" }

func (a *auditLog) Write(_ context.Context, e models.AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
	return nil
}

func (a *auditLog) names() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.events))
	for _, e := range a.events {
		out = append(out, e.Name)
	}
	return out
}

type harness struct {
	svc     *OTPService
	clock   *fakeClock
	sender  *recordingSender
	audit   *auditLog
	monitor *monitor.Monitor
	otps    *ephemeral.OTPStore
}

func newHarness(t *testing.T, codes ...string) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)}
	backend := store.NewMemoryBackend(16, store.WithClock(clock.Now))
	hasher := hashing.NewHasher("service-test-salt")
	mon := monitor.New(backend, hasher, nil, clock.Now)
	log := &auditLog{}
	sender := &recordingSender{}
	otps := ephemeral.NewOTPStore(backend, clock.Now)

	var mu sync.Mutex
	gen := func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(codes) == 0 {
			return GenerateCode()
		}
		c := codes[0]
		codes = codes[1:]
		return c, nil
	}

	svc := NewOTPService(
		otps,
		ephemeral.NewRateLimitStore(backend, clock.Now),
		ephemeral.NewSessionStore(backend, clock.Now),
		hasher,
		mon,
		audit.NewRecorder(log, nil),
		sender,
		zap.NewNop(),
		WithClock(clock.Now),
		WithCodeGenerator(gen),
		WithOrgRateLimit(3, time.Minute),
	)
	return &harness{svc: svc, clock: clock, sender: sender, audit: log, monitor: mon, otps: otps}
}

func TestOTP_ConcreteScenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "123456")

	sent, err := h.svc.Send(ctx, SendRequest{SubjectID: "u1", Identifier: "u1@example.com", OrgID: "org-1"})
	require.NoError(t, err)
	assert.Equal(t, SendOK, sent.Outcome)
	assert.Equal(t, h.clock.Now().Add(OTPExpiry), sent.ExpiresAt)
	assert.Equal(t, "123456", h.sender.last().Code)

	verify := VerifyRequest{Identifier: "u1@example.com", OrgID: "org-1"}

	verify.Code = "000000"
	res, err := h.svc.Verify(ctx, verify)
	require.NoError(t, err)
	assert.Equal(t, VerifyInvalidCode, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 2, res.AttemptsRemaining)

	verify.Code = "123456"
	res, err = h.svc.Verify(ctx, verify)
	require.NoError(t, err)
	assert.Equal(t, VerifySuccess, res.Outcome)
	assert.Equal(t, "u1", res.SubjectID)

	res, err = h.svc.Verify(ctx, verify)
	require.NoError(t, err)
	assert.Equal(t, VerifyExpiredOrNotFound, res.Outcome)
}

func TestOTP_LockoutAfterThreeWrongGuesses(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "654321")

	_, err := h.svc.Send(ctx, SendRequest{SubjectID: "u2", Identifier: "EMP-7", CompanyCode: "acme", OrgID: "org-1"})
	require.NoError(t, err)

	req := VerifyRequest{Identifier: "emp-7", CompanyCode: "ACME", OrgID: "org-1", Code: "111111"}
	for i := 1; i <= 2; i++ {
		res, err := h.svc.Verify(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, VerifyInvalidCode, res.Outcome)
		assert.Equal(t, i, res.Attempts)
	}
	res, err := h.svc.Verify(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, VerifyLocked, res.Outcome)

	req.Code = "654321"
	res, err = h.svc.Verify(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, VerifyLocked, res.Outcome)

	assert.Contains(t, h.audit.names(), audit.EventOTPLocked)
	assert.Equal(t, int64(4), h.monitor.GetMetrics(ctx).AuthFailures)
}

func TestOTP_ExpiredCode(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "222222")

	_, err := h.svc.Send(ctx, SendRequest{Identifier: "a@b.com", OrgID: "org-1"})
	require.NoError(t, err)
	h.clock.Advance(OTPExpiry)

	res, err := h.svc.Verify(ctx, VerifyRequest{Identifier: "a@b.com", OrgID: "org-1", Code: "222222"})
	require.NoError(t, err)
	assert.Equal(t, VerifyExpiredOrNotFound, res.Outcome)
}

func TestOTP_ScopesDoNotCollide(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "111111", "222222")

	_, err := h.svc.Send(ctx, SendRequest{Identifier: "emp-1", CompanyCode: "ACME", OrgID: "org-1"})
	require.NoError(t, err)
	_, err = h.svc.Send(ctx, SendRequest{Identifier: "emp-1", CompanyCode: "GLOBEX", OrgID: "org-1"})
	require.NoError(t, err)

	res, err := h.svc.Verify(ctx, VerifyRequest{Identifier: "emp-1", CompanyCode: "ACME", OrgID: "org-1", Code: "111111"})
	require.NoError(t, err)
	assert.Equal(t, VerifySuccess, res.Outcome)

	res, err = h.svc.Verify(ctx, VerifyRequest{Identifier: "emp-1", CompanyCode: "GLOBEX", OrgID: "org-1", Code: "222222"})
	require.NoError(t, err)
	assert.Equal(t, VerifySuccess, res.Outcome)
}

func TestOTP_ResendReplacesCodeAndClearsAttempts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "111111", "999999")
	send := SendRequest{Identifier: "a@b.com", OrgID: "org-1"}

	_, err := h.svc.Send(ctx, send)
	require.NoError(t, err)
	_, err = h.svc.Verify(ctx, VerifyRequest{Identifier: "a@b.com", OrgID: "org-1", Code: "000000"})
	require.NoError(t, err)

	_, err = h.svc.Send(ctx, send)
	require.NoError(t, err)

	res, err := h.svc.Verify(ctx, VerifyRequest{Identifier: "a@b.com", OrgID: "org-1", Code: "111111"})
	require.NoError(t, err)
	assert.Equal(t, VerifyInvalidCode, res.Outcome)
	assert.Equal(t, 1, res.Attempts)

	res, err = h.svc.Verify(ctx, VerifyRequest{Identifier: "a@b.com", OrgID: "org-1", Code: "999999"})
	require.NoError(t, err)
	assert.Equal(t, VerifySuccess, res.Outcome)
}

func TestOTP_SendRateLimited(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	req := SendRequest{Identifier: "a@b.com", OrgID: "org-1"}

	for i := 0; i < MaxSendsPerWindow; i++ {
		res, err := h.svc.Send(ctx, req)
		require.NoError(t, err)
		require.Equal(t, SendOK, res.Outcome)
	}
	res, err := h.svc.Send(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, SendRateLimited, res.Outcome)
	assert.Equal(t, RateLimitWindow, res.RetryAfter)
	assert.Equal(t, int64(1), h.monitor.GetMetrics(ctx).RateLimitHits)

	h.clock.Advance(RateLimitWindow)
	res, err = h.svc.Send(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, SendOK, res.Outcome)
}

func TestOTP_DeliveryFailureDropsRecord(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "333333")
	h.sender.err = errors.New("provider down")

	res, err := h.svc.Send(ctx, SendRequest{Identifier: "a@b.com", OrgID: "org-1"})
	require.NoError(t, err)
	assert.Equal(t, SendDeliveryFailed, res.Outcome)

	vr, err := h.svc.Verify(ctx, VerifyRequest{Identifier: "a@b.com", OrgID: "org-1", Code: "333333"})
	require.NoError(t, err)
	assert.Equal(t, VerifyExpiredOrNotFound, vr.Outcome)
	assert.Contains(t, h.audit.names(), audit.EventOTPDeliveryFail)
}

func TestOTP_InvalidRequests(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.svc.Send(ctx, SendRequest{Identifier: "  "})
	assert.True(t, errors.Is(err, ErrInvalidRequest))

	_, err = h.svc.Send(ctx, SendRequest{Identifier: "emp-1", CompanyCode: "bad code!"})
	assert.True(t, errors.Is(err, ErrInvalidRequest))

	_, err = h.svc.Send(ctx, SendRequest{Identifier: "<script>"})
	assert.True(t, errors.Is(err, ErrInvalidRequest))

	_, err = h.svc.Verify(ctx, VerifyRequest{Identifier: "a@b.com", Code: ""})
	assert.True(t, errors.Is(err, ErrInvalidRequest))

	_, err = h.svc.RedeemSession(ctx, "")
	assert.True(t, errors.Is(err, ErrInvalidRequest))
}

func TestOTP_IdentifiersContainingWordsAreAccepted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "313131")

	for _, id := range []string{"description@x.com", "manuscript@x.com", "moonloader@x.com"} {
		sent, err := h.svc.Send(ctx, SendRequest{Identifier: id, OrgID: "org-1"})
		require.NoError(t, err, id)
		assert.Equal(t, SendOK, sent.Outcome, id)
	}

	res, err := h.svc.Verify(ctx, VerifyRequest{Identifier: "description@x.com", OrgID: "org-1", Code: "313131"})
	require.NoError(t, err)
	assert.Equal(t, VerifySuccess, res.Outcome)
}

func TestSession_IssueAndRedeemOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "444444")

	_, err := h.svc.Send(ctx, SendRequest{SubjectID: "u9", Identifier: "a@b.com", OrgID: "org-1"})
	require.NoError(t, err)

	res, err := h.svc.Verify(ctx, VerifyRequest{Identifier: "a@b.com", OrgID: "org-1", Code: "444444", IssueSession: true})
	require.NoError(t, err)
	require.Equal(t, VerifySuccess, res.Outcome)
	require.NotEmpty(t, res.SessionToken)
	assert.GreaterOrEqual(t, len(res.SessionToken), 43)
	assert.Equal(t, h.clock.Now().Add(SessionExpiry), res.SessionExpiresAt)

	r1, err := h.svc.RedeemSession(ctx, res.SessionToken)
	require.NoError(t, err)
	assert.Equal(t, RedeemOK, r1.Outcome)
	assert.Equal(t, "u9", r1.Session.SubjectID)
	assert.Equal(t, "a@b.com", r1.Session.Identifier)

	r2, err := h.svc.RedeemSession(ctx, res.SessionToken)
	require.NoError(t, err)
	assert.Equal(t, RedeemAlreadyUsed, r2.Outcome)
}

func TestSession_ExpiredTokenIsUnusable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "555555")

	_, err := h.svc.Send(ctx, SendRequest{Identifier: "a@b.com", OrgID: "org-1"})
	require.NoError(t, err)
	res, err := h.svc.Verify(ctx, VerifyRequest{Identifier: "a@b.com", OrgID: "org-1", Code: "555555", IssueSession: true})
	require.NoError(t, err)

	h.clock.Advance(SessionExpiry)
	r, err := h.svc.RedeemSession(ctx, res.SessionToken)
	require.NoError(t, err)
	assert.Equal(t, RedeemAlreadyUsed, r.Outcome)
}

func TestOTP_ConcurrentCorrectVerifySingleWinner(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "777777")

	_, err := h.svc.Send(ctx, SendRequest{Identifier: "a@b.com", OrgID: "org-1"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.svc.Verify(ctx, VerifyRequest{Identifier: "a@b.com", OrgID: "org-1", Code: "777777"})
			if err == nil && res.Outcome == VerifySuccess {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, successes)
}

func TestOTP_ConcurrentWrongGuessesNeverLoseCount(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "888888")

	_, err := h.svc.Send(ctx, SendRequest{Identifier: "a@b.com", OrgID: "org-1"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.svc.Verify(ctx, VerifyRequest{Identifier: "a@b.com", OrgID: "org-1", Code: "000000"})
		}()
	}
	wg.Wait()

	res, err := h.svc.Verify(ctx, VerifyRequest{Identifier: "a@b.com", OrgID: "org-1", Code: "888888"})
	require.NoError(t, err)
	assert.Equal(t, VerifyLocked, res.Outcome)
}

func TestCheckOrgRateLimit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	res, err := h.svc.CheckOrgRateLimit(ctx, "")
	require.NoError(t, err)
	assert.False(t, res.OK)

	for i := 0; i < 3; i++ {
		res, err = h.svc.CheckOrgRateLimit(ctx, "org-1")
		require.NoError(t, err)
		assert.True(t, res.OK)
	}
	res, err = h.svc.CheckOrgRateLimit(ctx, "org-1")
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, time.Minute, res.TTL)

	res, err = h.svc.CheckOrgRateLimit(ctx, "org-2")
	require.NoError(t, err)
	assert.True(t, res.OK)
}

func TestUserMessage(t *testing.T) {
	assert.Equal(t, "Invalid or expired code", UserMessage(VerifyInvalidCode))
	assert.Equal(t, UserMessage(VerifyInvalidCode), UserMessage(VerifyExpiredOrNotFound))
	assert.Contains(t, UserMessage(VerifyLocked), "request a new code")
	assert.Equal(t, "LOCKED", VerifyLocked.String())
}

func TestGenerateCode(t *testing.T) {
	for i := 0; i < 100; i++ {
		code, err := GenerateCode()
		require.NoError(t, err)
		assert.Len(t, code, OTPLength)
		for _, r := range code {
			assert.True(t, r >= '0' && r <= '9')
		}
	}
}

func TestServiceFactory_Singleton(t *testing.T) {
	backend := store.NewMemoryBackend(4)
	hasher := hashing.NewHasher("s")
	f := NewServiceFactory(backend, hasher, monitor.New(backend, hasher, nil, nil), nil, notify.NewLogSender(nil, false), nil)
	assert.Same(t, f.OTPService(), f.OTPService())
}
