package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// ErrAccessDenied marks a policy refusal. It is an internal signal used for
// logging and metrics; the resolver never returns it to callers.
var ErrAccessDenied = stderrors.New("access denied by usage policy")

// ParseError reports a credential blob that no supported format could read.
type ParseError struct {
	Source string // which path failed last: "plaintext" or "legacy"
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err == nil {
		return "credential parse failed (" + e.Source + ")"
	}
	return fmt.Sprintf("credential parse failed (%s): %v", e.Source, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ValidationError reports a structurally parsed value missing required fields.
type ValidationError struct {
	Missing []string
}

func (e *ValidationError) Error() string {
	return "missing required fields: " + strings.Join(e.Missing, ", ")
}

// TransientBackendError is a vendor failure worth retrying (429/5xx, timeouts).
type TransientBackendError struct {
	StatusCode int
	Backend    string
	Err        error
}

func (e *TransientBackendError) Error() string {
	msg := fmt.Sprintf("%s temporarily unavailable", firstNonEmpty(e.Backend, "backend"))
	if e.StatusCode > 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransientBackendError) Unwrap() error { return e.Err }

// ExtractionError is raised when no text strategy recognizes a response.
type ExtractionError struct {
	Dump string
}

func (e *ExtractionError) Error() string {
	return "unrecognized response shape: " + e.Dump
}

// TerminalConfigurationError means every tier failed, including the fallback.
// Message is meant for humans: it names what is missing and how to fix it.
type TerminalConfigurationError struct {
	Message string
	Tried   []string
}

func (e *TerminalConfigurationError) Error() string { return e.Message }

// IsTransient reports whether err is (or wraps) a TransientBackendError.
func IsTransient(err error) bool {
	var te *TransientBackendError
	return stderrors.As(err, &te)
}

// IsTerminal reports whether err is (or wraps) a TerminalConfigurationError.
func IsTerminal(err error) bool {
	var te *TerminalConfigurationError
	return stderrors.As(err, &te)
}

// IsRetryableStatus reports HTTP statuses treated as transient.
func IsRetryableStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	}
	return false
}

func firstNonEmpty(v ...string) string {
	for _, s := range v {
		if strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}
