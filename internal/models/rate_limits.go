package models

import "time"

type RateLimitRecord struct {
	Count   int64     `json:"count"`
	ResetAt time.Time `json:"reset_at"`
}

func (r RateLimitRecord) Deadline() time.Time {
	return r.ResetAt
}
