package service

import (
	"go.uber.org/zap"

	"ephemeral-auth/internal/audit"
	"ephemeral-auth/internal/hashing"
	"ephemeral-auth/internal/monitor"
	"ephemeral-auth/internal/notify"
	"ephemeral-auth/internal/repository/ephemeral"
	"ephemeral-auth/internal/store"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	backend  store.Backend
	hasher   *hashing.Hasher
	monitor  *monitor.Monitor
	recorder *audit.Recorder
	sender   notify.Sender
	logger   *zap.Logger
	opts     []Option

	otpService *OTPService
}

// NewServiceFactory creates a new service factory
func NewServiceFactory(
	backend store.Backend,
	hasher *hashing.Hasher,
	mon *monitor.Monitor,
	recorder *audit.Recorder,
	sender notify.Sender,
	logger *zap.Logger,
	opts ...Option,
) *ServiceFactory {
	return &ServiceFactory{
		backend:  backend,
		hasher:   hasher,
		monitor:  mon,
		recorder: recorder,
		sender:   sender,
		logger:   logger,
		opts:     opts,
	}
}

// OTPService returns the OTP service instance (singleton)
func (f *ServiceFactory) OTPService() *OTPService {
	if f.otpService == nil {
		f.otpService = NewOTPService(
			ephemeral.NewOTPStore(f.backend, nil),
			ephemeral.NewRateLimitStore(f.backend, nil),
			ephemeral.NewSessionStore(f.backend, nil),
			f.hasher,
			f.monitor,
			f.recorder,
			f.sender,
			f.logger,
			f.opts...,
		)
	}
	return f.otpService
}
