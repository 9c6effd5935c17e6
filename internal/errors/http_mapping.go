package errors

import (
	stderrors "errors"
	"net/http"
)

// APIError is the error envelope returned by the HTTP layer.
type APIError struct {
	HTTPStatus int    `json:"-"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message"`
	Type       string `json:"type"`
}

// Body wraps the error in the {"error": {...}} envelope.
func (e *APIError) Body() map[string]any {
	return map[string]any{"error": e}
}

// New creates an APIError.
func New(status int, code, typ, msg string) *APIError {
	return &APIError{HTTPStatus: status, Code: code, Type: typ, Message: msg}
}

// ToAPIError maps a domain error to the HTTP envelope. Internal details of
// unexpected errors are not echoed back.
func ToAPIError(err error) *APIError {
	if err == nil {
		return nil
	}
	var (
		term  *TerminalConfigurationError
		ext   *ExtractionError
		trans *TransientBackendError
		val   *ValidationError
		parse *ParseError
	)
	switch {
	case stderrors.As(err, &term):
		return New(http.StatusServiceUnavailable, "provider_not_configured", "configuration_error", term.Message)
	case stderrors.As(err, &ext):
		return New(http.StatusBadGateway, "unrecognized_response", "upstream_error", "the AI backend returned a response that could not be read")
	case stderrors.As(err, &trans):
		return New(http.StatusServiceUnavailable, "backend_unavailable", "upstream_error", "the AI backend is temporarily unavailable, try again shortly")
	case stderrors.As(err, &val):
		return New(http.StatusBadRequest, "invalid_request", "invalid_request_error", val.Error())
	case stderrors.As(err, &parse):
		return New(http.StatusInternalServerError, "credential_unreadable", "configuration_error", "stored credential could not be read")
	}
	return New(http.StatusInternalServerError, "internal_error", "server_error", "internal server error")
}

// HTTPStatus returns the status code ToAPIError would use.
func HTTPStatus(err error) int {
	if ae := ToAPIError(err); ae != nil {
		return ae.HTTPStatus
	}
	return http.StatusOK
}
