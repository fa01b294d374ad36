package gateway

import "net/http"

// ErrKind is the gateway's closed error taxonomy. Every handler and
// pipeline step fails with one of these kinds; the HTTP boundary is the
// only place that knows how a kind maps to a status code.
type ErrKind string

const (
	KindBadRequest        ErrKind = "bad_request"
	KindUnauthorized       ErrKind = "unauthorized"
	KindSessionExpired     ErrKind = "session_expired"
	KindServiceNotAllowed  ErrKind = "service_not_allowed"
	KindNotFound           ErrKind = "not_found"
	KindRateLimitExceeded  ErrKind = "rate_limit_exceeded"
	KindUpstreamError      ErrKind = "upstream_error"
	KindConfigError        ErrKind = "config_error"
)

var statusByKind = map[ErrKind]int{
	KindBadRequest:       http.StatusBadRequest,
	KindUnauthorized:      http.StatusUnauthorized,
	KindSessionExpired:    http.StatusUnauthorized,
	KindServiceNotAllowed: http.StatusForbidden,
	KindNotFound:          http.StatusNotFound,
	KindRateLimitExceeded: http.StatusTooManyRequests,
	KindUpstreamError:     http.StatusBadGateway,
	KindConfigError:       http.StatusInternalServerError,
}

// Status returns the HTTP status code mapped to k.
func (k ErrKind) Status() int {
	if s, ok := statusByKind[k]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Error is a gateway-level failure: a taxonomy kind plus a caller-facing
// message. It never carries token values, ciphertext, or master-key
// material — every construction site in this package is responsible for
// that, since Error's own Error method has no way to redact after the fact.
type Error struct {
	Kind    ErrKind
	Message string
	// RetryAfterSecs is set only for KindRateLimitExceeded.
	RetryAfterSecs int
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Message }

func newError(kind ErrKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}
