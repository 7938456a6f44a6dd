package otp

import (
	"fmt"
	"time"

	appErr "github.com/xxxsen/solemn/internal/pkg/errors"
)

// InvalidCodeError reports a wrong candidate while attempts remain.
type InvalidCodeError struct {
	Remaining int
}

func (e *InvalidCodeError) Error() string {
	return fmt.Sprintf("invalid verification code, %d attempt(s) remaining", e.Remaining)
}

func (e *InvalidCodeError) Unwrap() error {
	return appErr.ErrInvalidCode
}

// TooSoonError is returned by Resend inside the resend interval.
type TooSoonError struct {
	RetryAfter time.Duration
}

func (e *TooSoonError) Error() string {
	return fmt.Sprintf("resend requested too soon, retry after %s", e.RetryAfter.Round(time.Second))
}

func (e *TooSoonError) Unwrap() error {
	return appErr.ErrTooSoon
}

// AlreadyVerifiedError carries the durable id when it is already known. It is
// empty while another caller is still promoting the record.
type AlreadyVerifiedError struct {
	SubmissionID string
}

func (e *AlreadyVerifiedError) Error() string {
	if e.SubmissionID == "" {
		return "verification already in progress"
	}
	return fmt.Sprintf("already verified as submission %s", e.SubmissionID)
}

func (e *AlreadyVerifiedError) Unwrap() error {
	return appErr.ErrAlreadyVerified
}
