package model

import (
	"errors"
	"fmt"
)

// Dispatch failures surfaced to the error translator.
var (
	// ErrMissingCredential is returned when the Authorization header is
	// absent or does not carry a non-empty bearer token.
	ErrMissingCredential = errors.New("missing or malformed Authorization header")

	// ErrUnsupportedRoute is returned for any (method, path) pair outside
	// the route table.
	ErrUnsupportedRoute = errors.New("no such route")
)

// MalformedRequestError rejects an inbound request before any upstream
// call is issued.
type MalformedRequestError struct {
	Reason string
}

func (e *MalformedRequestError) Error() string {
	return fmt.Sprintf("malformed request: %s", e.Reason)
}

// Error envelope type values, matching the upstream API's own error
// vocabulary so client-side tooling can parse proxy-originated failures.
const (
	ErrTypeInvalidRequest = "invalid_request_error"
	ErrTypeAuthentication = "authentication_error"
	ErrTypeNotFound       = "not_found_error"
	ErrTypeBadGateway     = "bad_gateway"
	ErrTypeGatewayTimeout = "gateway_timeout"
	ErrTypeInternal       = "internal_error"
)

// ErrorDetail is the inner object of the error envelope.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}

// ErrorResponse is the envelope returned for proxy-originated failures:
// {"error":{"message":...,"type":...,"code":...}}. Upstream failures are
// never re-wrapped in this envelope; their bodies pass through verbatim.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// NewErrorResponse builds an envelope with the given message, type and code.
func NewErrorResponse(message, errType, code string) *ErrorResponse {
	return &ErrorResponse{Error: ErrorDetail{
		Message: message,
		Type:    errType,
		Code:    code,
	}}
}
