package models

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code"`
	Details map[string]string `json:"details,omitempty"`
}

// Error codes
const (
	ErrCodeInvalidRequest      = "INVALID_REQUEST"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeValidationFailed    = "VALIDATION_FAILED"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeForbidden           = "FORBIDDEN"
	ErrCodeInternalError       = "INTERNAL_ERROR"
	ErrCodeSessionNotFound     = "SESSION_NOT_FOUND"
	ErrCodeSessionBusy         = "SESSION_BUSY"
	ErrCodeSessionClosed       = "SESSION_CLOSED"
	ErrCodeProtocolViolation   = "PROTOCOL_VIOLATION"
	ErrCodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	ErrCodeSanctionNotIssued   = "SANCTION_NOT_ISSUED"
)
