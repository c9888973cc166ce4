package models

import "time"

// MaxOTPAttempts is the number of wrong guesses after which a code is locked.
const MaxOTPAttempts = 3

// OTPRecord is a pending one-time code. The stored record is never rewritten
// after send; Attempts is filled from the attempt counter on read.
type OTPRecord struct {
	Code         string    `json:"code"`
	Attempts     int       `json:"attempts"`
	ExpiresAt    time.Time `json:"expires_at"`
	SubjectID    string    `json:"subject_id"`
	ContactPhone string    `json:"contact_phone,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func (r OTPRecord) Deadline() time.Time {
	return r.ExpiresAt
}
