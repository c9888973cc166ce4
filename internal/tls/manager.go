package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	"ephemeral-auth/internal/config"
)

var ErrNoCertificate = errors.New("no TLS certificate configured")

// Manager picks the certificate source for the HTTPS listener: ACME when a
// domain is set, then a key pair on disk, then (outside production) a
// self-signed certificate.
type Manager struct {
	cfg        config.TLSConfig
	production bool
	autoCert   *autocert.Manager
	cert       *tls.Certificate
	logger     *zap.Logger
}

func NewManager(cfg config.TLSConfig, production bool, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{cfg: cfg, production: production, logger: logger}

	switch {
	case cfg.Domain != "":
		if err := os.MkdirAll(cfg.CacheDir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create autocert cache dir: %w", err)
		}
		m.autoCert = &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Domain),
			Cache:      autocert.DirCache(cfg.CacheDir),
			Email:      cfg.Email,
		}
		logger.Info("AutoCert configured",
			zap.String("domain", cfg.Domain),
			zap.String("cache_dir", cfg.CacheDir))
	case cfg.CertFile != "" && cfg.KeyFile != "":
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		m.cert = &cert
	case production:
		return nil, ErrNoCertificate
	default:
		cert, err := SelfSigned([]string{"localhost", "127.0.0.1", "::1"})
		if err != nil {
			return nil, err
		}
		m.cert = &cert
		logger.Warn("Serving a self-signed certificate")
	}
	return m, nil
}

func (m *Manager) getCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if m.autoCert != nil {
		return m.autoCert.GetCertificate(hello)
	}
	return m.cert, nil
}

// Config returns the listener configuration.
func (m *Manager) Config() *tls.Config {
	return &tls.Config{
		GetCertificate: m.getCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
		MinVersion:     tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}
}

// ChallengeHandler answers ACME http-01 challenges and redirects everything
// else to HTTPS. It is nil unless ACME is in use.
func (m *Manager) ChallengeHandler() http.Handler {
	if m.autoCert == nil {
		return nil
	}
	return m.autoCert.HTTPHandler(nil)
}
