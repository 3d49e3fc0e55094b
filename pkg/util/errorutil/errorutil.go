package errorutil

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/security-gateway/internal/domain"
)

// DomainError standardizes application errors.
type DomainError struct {
	Code       string
	Message    string
	HTTPStatus int
	Details    map[string]any
	Err        error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError constructs a DomainError.
func NewDomainError(code, message string, status int, details map[string]any) *DomainError {
	return &DomainError{Code: code, Message: message, HTTPStatus: status, Details: details}
}

// FieldViolation is one entry of a validation failure's detail list.
type FieldViolation struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func NewValidationError(message string, details map[string]any) error {
	return NewDomainError("VALIDATION_FAILED", message, http.StatusBadRequest, details)
}

// NewViolations builds a validation error whose details carry a machine-readable list.
func NewViolations(message string, violations []FieldViolation) error {
	return NewValidationError(message, map[string]any{"violations": violations})
}

func NewNotFound(resource string, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	return &DomainError{
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found", resource),
		HTTPStatus: http.StatusNotFound,
		Details:    details,
	}
}

func NewUnauthorized(message string) error {
	return NewDomainError("UNAUTHORIZED", message, http.StatusUnauthorized, nil)
}

func NewForbidden(message string) error {
	return NewDomainError("FORBIDDEN", message, http.StatusForbidden, nil)
}

func NewTooManyRequests(retryAfterSeconds int) error {
	return NewDomainError("RATE_LIMIT_EXCEEDED", "too many requests", http.StatusTooManyRequests,
		map[string]any{"retry_after": retryAfterSeconds})
}

func NewPayloadTooLarge(message string, details map[string]any) error {
	return NewDomainError("PAYLOAD_TOO_LARGE", message, http.StatusRequestEntityTooLarge, details)
}

func NewInternalError(err error) error {
	return internalError(err)
}

func internalError(err error) *DomainError {
	return &DomainError{
		Code:       "INTERNAL_ERROR",
		Message:    "internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// ToDomainError converts any error into a DomainError. Authentication and
// token failures collapse into one vague message; the cause stays in Err.
func ToDomainError(err error) *DomainError {
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return &DomainError{
			Code:       codeForStatus(fiberErr.Code),
			Message:    fiberErr.Message,
			HTTPStatus: fiberErr.Code,
		}
	}

	switch {
	case errors.Is(err, domain.ErrInvalidCredentials),
		errors.Is(err, domain.ErrInvalidToken),
		errors.Is(err, domain.ErrInvalidRefreshToken):
		return &DomainError{Code: "UNAUTHORIZED", Message: "authentication failed", HTTPStatus: http.StatusUnauthorized, Err: err}
	case errors.Is(err, domain.ErrAccountInactive):
		return &DomainError{Code: "ACCOUNT_INACTIVE", Message: "account inactive", HTTPStatus: http.StatusForbidden, Err: err}
	case errors.Is(err, domain.ErrIncorrectPassword):
		return &DomainError{Code: "INCORRECT_PASSWORD", Message: "current password is incorrect", HTTPStatus: http.StatusBadRequest, Err: err}
	case errors.Is(err, domain.ErrPermissionDenied):
		return &DomainError{Code: "FORBIDDEN", Message: "permission denied", HTTPStatus: http.StatusForbidden, Err: err}
	case errors.Is(err, domain.ErrInvalidPermission):
		return &DomainError{Code: "INVALID_PERMISSION", Message: "invalid permission", HTTPStatus: http.StatusBadRequest, Err: err}
	case errors.Is(err, domain.ErrDuplicateUsername):
		return &DomainError{Code: "DUPLICATE_USERNAME", Message: "username already registered", HTTPStatus: http.StatusConflict, Err: err}
	case errors.Is(err, domain.ErrDuplicateEmail):
		return &DomainError{Code: "DUPLICATE_EMAIL", Message: "email already registered", HTTPStatus: http.StatusConflict, Err: err}
	case errors.Is(err, domain.ErrValidationFailed):
		return &DomainError{Code: "VALIDATION_FAILED", Message: "validation failed", HTTPStatus: http.StatusBadRequest, Err: err}
	case errors.Is(err, domain.ErrNotFound):
		return &DomainError{Code: "NOT_FOUND", Message: "resource not found", HTTPStatus: http.StatusNotFound, Err: err}
	case errors.Is(err, domain.ErrRateLimitExceeded):
		return &DomainError{Code: "RATE_LIMIT_EXCEEDED", Message: "too many requests", HTTPStatus: http.StatusTooManyRequests, Err: err}
	}

	return internalError(err)
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "BAD_REQUEST"
	case http.StatusUnauthorized:
		return "UNAUTHORIZED"
	case http.StatusForbidden:
		return "FORBIDDEN"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusMethodNotAllowed:
		return "METHOD_NOT_ALLOWED"
	case http.StatusRequestEntityTooLarge:
		return "PAYLOAD_TOO_LARGE"
	case http.StatusTooManyRequests:
		return "RATE_LIMIT_EXCEEDED"
	}
	if status >= 500 {
		return "INTERNAL_ERROR"
	}
	return "ERROR"
}

var infraPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b[a-z][a-z0-9+.-]*://[^\s"']+`),
	regexp.MustCompile(`\b\d{1,3}(?:\.\d{1,3}){3}(?::\d+)?\b`),
	regexp.MustCompile(`(?i)\b[a-z0-9-]+(?:\.[a-z0-9-]+)*:\d{2,5}\b`),
	regexp.MustCompile(`(?:/[\w.-]+){2,}`),
}

// Redact strips substrings that look like infrastructure detail: URLs and
// DSNs, IP addresses, host:port pairs and filesystem paths.
func Redact(message string) string {
	for _, re := range infraPatterns {
		message = re.ReplaceAllString(message, "[redacted]")
	}
	return message
}
