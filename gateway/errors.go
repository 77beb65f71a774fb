package gateway

import (
	"net/http"

	"github.com/llmgateway/gateway/types"
)

// Re-export the shared error vocabulary so gateway callers do not need to
// import types directly for the common path.
type (
	Error     = types.Error
	ErrorCode = types.ErrorCode
)

var (
	NewError     = types.NewError
	IsRetryable  = types.IsRetryable
	GetErrorCode = types.GetErrorCode
)

const (
	ErrInvalidRequest      = types.ErrInvalidRequest
	ErrAuthentication      = types.ErrAuthentication
	ErrUnauthorized        = types.ErrUnauthorized
	ErrForbidden           = types.ErrForbidden
	ErrRateLimit           = types.ErrRateLimit
	ErrQuotaExceeded       = types.ErrQuotaExceeded
	ErrModelNotFound       = types.ErrModelNotFound
	ErrModelOverloaded     = types.ErrModelOverloaded
	ErrUpstreamTimeout     = types.ErrUpstreamTimeout
	ErrTimeout             = types.ErrTimeout
	ErrUpstreamError       = types.ErrUpstreamError
	ErrInternalError       = types.ErrInternalError
	ErrServiceUnavailable  = types.ErrServiceUnavailable
	ErrProviderUnavailable = types.ErrProviderUnavailable
)

// UpstreamErrorKind classifies an adapter-observed failure for the health
// monitor and rate limiter per §4.4.3 / §4.5 step 5.
type UpstreamErrorKind string

const (
	UpstreamErrNone      UpstreamErrorKind = ""
	UpstreamErrRateLimit UpstreamErrorKind = "rate_limit"
	UpstreamErrAuth      UpstreamErrorKind = "auth"
	UpstreamErrServer    UpstreamErrorKind = "server"
	UpstreamErrTimeout   UpstreamErrorKind = "timeout"
)

// MapHTTPStatus classifies an upstream HTTP status code into an error kind
// and a structured *Error, generalizing the teacher's providers/common.go
// MapHTTPError across all five backends.
func MapHTTPStatus(status int, body string, provider string) (*Error, UpstreamErrorKind) {
	switch {
	case status == http.StatusTooManyRequests:
		return types.NewError(ErrRateLimit, "upstream rate limit: "+body).
			WithHTTPStatus(status).WithRetryable(true).WithProvider(provider), UpstreamErrRateLimit
	case status == http.StatusUnauthorized:
		return types.NewError(ErrUnauthorized, "upstream unauthorized: "+body).
			WithHTTPStatus(status).WithProvider(provider), UpstreamErrAuth
	case status == http.StatusForbidden:
		return types.NewError(ErrForbidden, "upstream forbidden: "+body).
			WithHTTPStatus(status).WithProvider(provider), UpstreamErrAuth
	case status == http.StatusBadRequest:
		return types.NewError(ErrInvalidRequest, "upstream bad request: "+body).
			WithHTTPStatus(status).WithProvider(provider), UpstreamErrNone
	case status == 529: // Anthropic-specific overloaded
		return types.NewError(ErrModelOverloaded, "upstream overloaded: "+body).
			WithHTTPStatus(status).WithRetryable(true).WithProvider(provider), UpstreamErrServer
	case status == http.StatusServiceUnavailable, status == http.StatusBadGateway, status == http.StatusGatewayTimeout:
		return types.NewError(ErrUpstreamError, "upstream error: "+body).
			WithHTTPStatus(status).WithRetryable(true).WithProvider(provider), UpstreamErrServer
	case status >= 500:
		return types.NewError(ErrUpstreamError, "upstream error: "+body).
			WithHTTPStatus(status).WithRetryable(true).WithProvider(provider), UpstreamErrServer
	default:
		return nil, UpstreamErrNone
	}
}
