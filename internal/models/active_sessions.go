package models

import "time"

// LoginHandshakeSession bridges a verified OTP to the next login step. It is
// keyed by an opaque token and consumed exactly once.
type LoginHandshakeSession struct {
	SubjectID  string    `json:"subject_id"`
	Identifier string    `json:"identifier"`
	OrgID      string    `json:"org_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (s LoginHandshakeSession) Deadline() time.Time {
	return s.ExpiresAt
}
