package domain

import "errors"

// Configuration and lifecycle failures.
var (
	ErrConfiguration        = errors.New("configuration error")
	ErrConfigurationMissing = errors.New("rate limit configuration missing")
	ErrAlreadyInitialized   = errors.New("already initialized")
	ErrServiceDestroyed     = errors.New("service destroyed")
)

// Authentication and token lifecycle failures. ErrInvalidCredentials is
// returned for unknown users and wrong passwords alike.
var (
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrAccountInactive     = errors.New("account inactive")
	ErrIncorrectPassword   = errors.New("incorrect password")
	ErrInvalidToken        = errors.New("invalid token")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
)

// Authorization, throttling and input failures.
var (
	ErrPermissionDenied   = errors.New("permission denied")
	ErrInvalidPermission  = errors.New("invalid permission")
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
	ErrValidationFailed   = errors.New("validation failed")
	ErrDuplicateUsername  = errors.New("username already registered")
	ErrDuplicateEmail     = errors.New("email already registered")
	ErrNotFound           = errors.New("not found")
	ErrBackendUnavailable = errors.New("backend unavailable")
)
