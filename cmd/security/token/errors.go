package token

import "errors"

// Public, stable errors for callers.
var (
	ErrHashKeyMissing  = errors.New("code hash key missing")
	ErrHashKeyTooShort = errors.New("code hash key too short")
	ErrHashKeyTooLong  = errors.New("code hash key too long")
	ErrInvalidDigits   = errors.New("invalid code length")
)
