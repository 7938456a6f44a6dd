package errors

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrInvalid      = errors.New("invalid")
	ErrConflict     = errors.New("conflict")
	ErrTooMany      = errors.New("too many requests")
	ErrInternal     = errors.New("internal")
	ErrSpam         = errors.New("spam detected")

	ErrDeliveryFailed      = errors.New("delivery failed")
	ErrStorageUnavailable  = errors.New("storage unavailable")
	ErrExpired             = errors.New("verification expired")
	ErrAttemptsExhausted   = errors.New("verification attempts exhausted")
	ErrInvalidCode         = errors.New("invalid verification code")
	ErrTooSoon             = errors.New("resend requested too soon")
	ErrResendLimitExceeded = errors.New("resend limit exceeded")
	ErrAlreadyVerified     = errors.New("already verified")
)

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
