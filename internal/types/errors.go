package types

import "errors"

// Sentinel errors shared across packages.
var (
	// Order errors
	ErrInvalidOrder     = errors.New("invalid order")
	ErrInvalidOrderSize = errors.New("invalid order size")
	ErrInvalidPrice     = errors.New("invalid price value")
	ErrOrderValueLimit  = errors.New("order value exceeds limit")

	// Data errors
	ErrDataUnavailable = errors.New("market data unavailable")

	// Connection errors
	ErrConnectionLost    = errors.New("connection lost")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// State errors
	ErrStateNotFound = errors.New("state not found")

	// Validation errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrInvalidSymbol = errors.New("invalid symbol")
)
