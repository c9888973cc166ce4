package tls

import (
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ephemeral-auth/internal/config"
)

func TestSelfSigned(t *testing.T) {
	cert, err := SelfSigned([]string{"localhost", "127.0.0.1"})
	require.NoError(t, err)
	require.NotNil(t, cert.Leaf)
	assert.Equal(t, []string{"localhost"}, cert.Leaf.DNSNames)
	assert.Len(t, cert.Leaf.IPAddresses, 1)
	assert.NoError(t, cert.Leaf.VerifyHostname("localhost"))
}

func TestNewManager_DevelopmentFallsBackToSelfSigned(t *testing.T) {
	m, err := NewManager(config.TLSConfig{Enabled: true}, false, nil)
	require.NoError(t, err)
	assert.Nil(t, m.ChallengeHandler())

	cfg := m.Config()
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	cert, err := cfg.GetCertificate(&tls.ClientHelloInfo{ServerName: "localhost"})
	require.NoError(t, err)
	require.NotNil(t, cert)
}

func TestNewManager_ProductionRequiresCertificate(t *testing.T) {
	_, err := NewManager(config.TLSConfig{Enabled: true}, true, nil)
	assert.ErrorIs(t, err, ErrNoCertificate)
}

func TestNewManager_MissingKeyPair(t *testing.T) {
	_, err := NewManager(config.TLSConfig{
		Enabled:  true,
		CertFile: "/nonexistent/cert.pem",
		KeyFile:  "/nonexistent/key.pem",
	}, false, nil)
	assert.Error(t, err)
}

func TestNewManager_AutoCert(t *testing.T) {
	m, err := NewManager(config.TLSConfig{
		Enabled:  true,
		Domain:   "auth.example.com",
		CacheDir: t.TempDir(),
	}, true, nil)
	require.NoError(t, err)
	assert.NotNil(t, m.ChallengeHandler())
}
