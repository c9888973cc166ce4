package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogSender_RedactsRecipientAndHidesCode(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	s := NewLogSender(zap.New(core), false)

	err := s.SendOTP(context.Background(), OTPMessage{
		Recipient: "alice@example.com::org-1",
		Code:      "482913",
		ExpiresAt: time.Now().Add(5 * time.Minute),
	})
	require.NoError(t, err)
	require.Equal(t, 1, logs.Len())

	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "ali***", fields["recipient"])
	assert.NotContains(t, fields, "code")
}

func TestLogSender_RevealCode(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	s := NewLogSender(zap.New(core), true)

	require.NoError(t, s.SendOTP(context.Background(), OTPMessage{Recipient: "bob@example.com", Code: "000111"}))
	assert.Equal(t, "000111", logs.All()[0].ContextMap()["code"])
}
