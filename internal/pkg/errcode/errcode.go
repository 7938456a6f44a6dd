package errcode

const (
	ErrUnknown = 10000000 + iota
	ErrUnauthorized
	ErrForbidden
	ErrNotFound
	ErrInvalid
	ErrConflict
	ErrTooMany
	ErrInternal
	ErrSpam
	ErrDeliveryFailed
	ErrStorageUnavailable
	ErrExpired
	ErrAttemptsExhausted
	ErrInvalidCode
	ErrTooSoon
	ErrResendLimitExceeded
	ErrAlreadyVerified
	ErrAdminDisabled
)
