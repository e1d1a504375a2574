// Package apperror defines the error taxonomy surfaced to callers of the
// generation API, together with the capability flags each kind carries.
package apperror

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/lamim/chapterforge/internal/api"
)

// Kind is the category of a caller-visible failure
type Kind string

const (
	KindNetwork           Kind = "network"
	KindTimeout           Kind = "timeout"
	KindValidation        Kind = "validation"
	KindServer            Kind = "server"
	KindConcurrentSession Kind = "concurrent-session"
	KindNotFound          Kind = "not-found"
)

// Error is a classified failure. Recoverable means the session or request can
// continue or be resumed; CanRetry means issuing the same request again may
// succeed; CanSave means partial work has been or can be persisted.
type Error struct {
	Kind        Kind
	Message     string
	Err         error
	Recoverable bool
	CanRetry    bool
	CanSave     bool
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

type flags struct {
	recoverable, canRetry, canSave bool
}

var kindFlags = map[Kind]flags{
	KindNetwork:           {recoverable: true, canRetry: true, canSave: true},
	KindTimeout:           {recoverable: true, canRetry: true, canSave: true},
	KindValidation:        {recoverable: true, canRetry: true, canSave: true},
	KindServer:            {recoverable: false, canRetry: true, canSave: false},
	KindConcurrentSession: {recoverable: true, canRetry: false, canSave: false},
	KindNotFound:          {recoverable: false, canRetry: false, canSave: false},
}

// New creates an Error with the default flags of kind
func New(kind Kind, message string, err error) *Error {
	f, ok := kindFlags[kind]
	if !ok {
		kind = KindServer
		f = kindFlags[KindServer]
	}
	return &Error{
		Kind:        kind,
		Message:     message,
		Err:         err,
		Recoverable: f.recoverable,
		CanRetry:    f.canRetry,
		CanSave:     f.canSave,
	}
}

// ConcurrentSession reports a second generation attempt for a chapter
func ConcurrentSession(chapterID string) *Error {
	return New(KindConcurrentSession, fmt.Sprintf("chapter %s already has a generation session in progress", chapterID), nil)
}

// NotFound reports a missing project, chapter or outline
func NotFound(what, id string) *Error {
	return New(KindNotFound, fmt.Sprintf("%s %s not found", what, id), nil)
}

// Validation reports structured output that failed its expectations
func Validation(message string, err error) *Error {
	return New(KindValidation, message, err)
}

// Classify maps any error onto the taxonomy. Errors that are already
// classified are returned unchanged.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(KindTimeout, "operation timed out", err)
	}

	var apiErr *api.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Kind {
		case api.KindTimeout:
			return New(KindTimeout, "model call timed out", err)
		case api.KindMalformedOutput:
			return New(KindValidation, "model returned malformed output", err)
		case api.KindTransport, api.KindRateLimit:
			return New(KindNetwork, "model endpoint unavailable", err)
		default:
			if apiErr.Retryable {
				return New(KindNetwork, "model endpoint unavailable", err)
			}
			return New(KindServer, "model request rejected", err)
		}
	}

	return New(KindServer, "internal error", err)
}

// Is reports whether err classifies as kind
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return Classify(err).Kind == kind
}

// HTTPStatus maps a kind onto an HTTP status code
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindConcurrentSession:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Payload is the JSON body describing an error to API clients
type Payload struct {
	Error       string `json:"error"`
	Type        Kind   `json:"type"`
	Recoverable bool   `json:"recoverable"`
	CanRetry    bool   `json:"canRetry"`
	CanSave     bool   `json:"canSave"`
}

// ToPayload renders e for clients
func (e *Error) ToPayload() Payload {
	return Payload{
		Error:       e.Error(),
		Type:        e.Kind,
		Recoverable: e.Recoverable,
		CanRetry:    e.CanRetry,
		CanSave:     e.CanSave,
	}
}
