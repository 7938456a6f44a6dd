package model

import (
	"encoding/json"
	"time"
)

type VerificationState string

const (
	VerificationPending   VerificationState = "pending"
	VerificationPromoting VerificationState = "promoting"
	VerificationVerified  VerificationState = "verified"
	VerificationExhausted VerificationState = "exhausted"
)

// PendingVerification is one outstanding OTP challenge as serialized into the
// key-value store. Version is bumped on every mutation so a compare-and-swap
// against the serialized bytes doubles as a version check.
type PendingVerification struct {
	Key               string            `json:"key"`
	Nonce             string            `json:"nonce"`
	Version           int64             `json:"version"`
	State             VerificationState `json:"state"`
	CodeHash          string            `json:"code_hash"`
	Address           string            `json:"address"`
	CreatedAt         time.Time         `json:"created_at"`
	ExpiresAt         time.Time         `json:"expires_at"`
	AttemptsRemaining int               `json:"attempts_remaining"`
	ResendCount       int               `json:"resend_count"`
	LastResendAt      time.Time         `json:"last_resend_at,omitempty"`
	ClaimedAt         time.Time         `json:"claimed_at,omitempty"`
	SubmissionID      string            `json:"submission_id,omitempty"`
	Payload           json.RawMessage   `json:"payload,omitempty"`
}

func (p *PendingVerification) Clone() *PendingVerification {
	c := *p
	if p.Payload != nil {
		c.Payload = append(json.RawMessage(nil), p.Payload...)
	}
	return &c
}

// ExpiredAt reports whether the record is past its deadline. The store's own
// TTL eviction may lag, so callers check this on every read.
func (p *PendingVerification) ExpiredAt(now time.Time) bool {
	return now.After(p.ExpiresAt)
}
