package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrNoCredential         = errors.New("authentication failed: no personal token found")
	ErrCaptchaUnavailable   = errors.New("captcha unavailable")
	ErrAdmissionUnavailable = errors.New("admission unavailable")
	ErrContentSafetyBlocked = errors.New("content safety blocked")
	ErrModelAccessDenied    = errors.New("model access denied")
	ErrBackend              = errors.New("backend failure")
	ErrAffinityViolation    = errors.New("affinity violation")
	ErrNoServerAvailable    = errors.New("no server available")
)

// ErrorKind is the classification the dispatcher attaches to a failed call.
type ErrorKind string

const (
	ErrorKindNone         ErrorKind = ""
	ErrorKindNoCredential ErrorKind = "no_credential"
	ErrorKindSafety       ErrorKind = "content_safety_blocked"
	ErrorKindModelAccess  ErrorKind = "model_access_denied"
	ErrorKindGeneric      ErrorKind = "generic"
	ErrorKindAffinity     ErrorKind = "affinity_violation"
	ErrorKindNoServer     ErrorKind = "no_server"
	ErrorKindCancelled    ErrorKind = "cancelled"
)

const maxBackendMessageBytes = 100

// BackendError is a non-2xx answer from a proxy server. Message is the
// backend's text verbatim.
type BackendError struct {
	Status  int
	Message string
	Kind    ErrorKind
}

func (e *BackendError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("[%d] %s", e.Status, e.Message)
	}
	return e.Message
}

func (e *BackendError) Unwrap() error {
	switch e.Kind {
	case ErrorKindSafety:
		return ErrContentSafetyBlocked
	case ErrorKindModelAccess:
		return ErrModelAccessDenied
	default:
		return ErrBackend
	}
}

// ClassifyResponse decides how a rejected backend call is treated. A message
// mentioning safety or blocked never qualifies for a tier fallback.
func ClassifyResponse(status int, message string) ErrorKind {
	lower := strings.ToLower(message)
	mentionsSafety := strings.Contains(lower, "safety") || strings.Contains(lower, "blocked")
	if mentionsSafety {
		if status == 400 {
			return ErrorKindSafety
		}
		return ErrorKindGeneric
	}
	if status == 400 || status == 403 {
		return ErrorKindModelAccess
	}
	for _, word := range []string{"model", "ultra", "access", "permission", "unauthorized"} {
		if strings.Contains(lower, word) {
			return ErrorKindModelAccess
		}
	}
	return ErrorKindGeneric
}

// NewBackendError builds a classified backend error.
func NewBackendError(status int, message string) *BackendError {
	return &BackendError{Status: status, Message: message, Kind: ClassifyResponse(status, message)}
}

// NonJSONMessage renders a body that could not be decoded, truncated.
func NonJSONMessage(status int, body string) string {
	if len(body) > maxBackendMessageBytes {
		body = body[:maxBackendMessageBytes]
	}
	return fmt.Sprintf("proxy returned non-JSON (%d): %s", status, body)
}

// Classify maps any error returned by the orchestrator to its kind.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return ErrorKindNone
	case errors.Is(err, ErrNoCredential):
		return ErrorKindNoCredential
	case errors.Is(err, ErrContentSafetyBlocked):
		return ErrorKindSafety
	case errors.Is(err, ErrModelAccessDenied):
		return ErrorKindModelAccess
	case errors.Is(err, ErrAffinityViolation):
		return ErrorKindAffinity
	case errors.Is(err, ErrNoServerAvailable):
		return ErrorKindNoServer
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrorKindCancelled
	default:
		return ErrorKindGeneric
	}
}
