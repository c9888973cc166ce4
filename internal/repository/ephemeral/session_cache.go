package ephemeral

import (
	"context"
	"fmt"

	"ephemeral-auth/internal/models"
	"ephemeral-auth/internal/store"
)

const sessionPrefix = "login_session:"

// SessionStore holds login handshake sessions keyed by their opaque token.
// Tokens are bearer secrets and are never logged.
type SessionStore struct {
	sessions *store.Store[models.LoginHandshakeSession]
}

func NewSessionStore(backend store.Backend, clock store.Clock) *SessionStore {
	return &SessionStore{
		sessions: store.New[models.LoginHandshakeSession](backend, sessionPrefix, clock),
	}
}

func (s *SessionStore) Create(ctx context.Context, token string, sess models.LoginHandshakeSession) error {
	if err := s.sessions.Set(ctx, token, sess); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

func (s *SessionStore) Get(ctx context.Context, token string) (models.LoginHandshakeSession, bool, error) {
	sess, ok, err := s.sessions.Get(ctx, token)
	if err != nil {
		return sess, false, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, ok, nil
}

// Redeem consumes the session. A second call for the same token reports false.
func (s *SessionStore) Redeem(ctx context.Context, token string) (models.LoginHandshakeSession, bool, error) {
	sess, ok, err := s.sessions.Take(ctx, token)
	if err != nil {
		return sess, false, fmt.Errorf("failed to redeem session: %w", err)
	}
	return sess, ok, nil
}

func (s *SessionStore) Delete(ctx context.Context, token string) error {
	if err := s.sessions.Delete(ctx, token); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}
