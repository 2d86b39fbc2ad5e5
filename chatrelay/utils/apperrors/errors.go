// Package apperrors holds the relay's error taxonomy and its HTTP mapping.
package apperrors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

var (
	// ErrUpstream marks a text-generation or speech provider that was
	// unreachable, answered with a non-success status, or sent a malformed body.
	ErrUpstream = errors.New("upstream provider failed")

	// ErrStreamInterrupted marks a stream that dropped or reported an error
	// before its completion marker.
	ErrStreamInterrupted = errors.New("stream interrupted")

	// ErrStoreInvariant marks concurrent-access corruption in the conversation store.
	ErrStoreInvariant = errors.New("conversation store invariant violated")

	// ErrTimeout marks a generation that outlived its per-request deadline.
	ErrTimeout = errors.New("generation timed out")
)

// ValidationError reports malformed or missing input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// NewValidation builds a ValidationError for field.
func NewValidation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Upstream wraps cause so that errors.Is(err, ErrUpstream) holds while the
// provider detail stays available for logs.
func Upstream(cause error, msg string) error {
	if cause == nil {
		return errors.Wrap(ErrUpstream, msg)
	}
	return &wrapped{kind: ErrUpstream, msg: msg, cause: cause}
}

// Interrupted is Upstream's streaming counterpart.
func Interrupted(cause error, msg string) error {
	if cause == nil {
		return errors.Wrap(ErrStreamInterrupted, msg)
	}
	return &wrapped{kind: ErrStreamInterrupted, msg: msg, cause: cause}
}

// FromContext turns a finished context into the taxonomy: deadline → ErrTimeout,
// cancellation → context.Canceled (the caller went away).
func FromContext(ctx context.Context) error {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return errors.WithStack(ErrTimeout)
	case nil:
		return nil
	default:
		return ctx.Err()
	}
}

type wrapped struct {
	kind  error
	msg   string
	cause error
}

func (w *wrapped) Error() string {
	return fmt.Sprintf("%s: %s: %v", w.kind, w.msg, w.cause)
}

// Is lets errors.Is see both the taxonomy kind and the original cause.
func (w *wrapped) Is(target error) bool { return target == w.kind }

func (w *wrapped) Unwrap() error { return w.cause }

// StatusCode maps err onto the HTTP status a handler should answer with.
func StatusCode(err error) int {
	var ve *ValidationError
	switch {
	case err == nil:
		return http.StatusOK
	case stderrors.As(err, &ve):
		return http.StatusBadRequest
	case stderrors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	case stderrors.Is(err, ErrUpstream), stderrors.Is(err, ErrStreamInterrupted):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the caller-facing text for err. Provider internals never leak.
func PublicMessage(err error) string {
	var ve *ValidationError
	switch {
	case err == nil:
		return ""
	case stderrors.As(err, &ve):
		return ve.Error()
	case stderrors.Is(err, ErrTimeout):
		return "Generation timed out"
	case stderrors.Is(err, ErrStreamInterrupted):
		return "Stream failed"
	case stderrors.Is(err, ErrUpstream):
		return "Failed to generate response"
	default:
		return "Internal Server Error"
	}
}
