// Package errors implements the error taxonomy in §7: Validation, Auth,
// StoreTransient, StorePermanent, PolicyReview. Conflict and Idempotency
// replay are not errors and are never represented as an Errno.
package errors

import (
	"fmt"
	"net/http"
)

// Kind is the conceptual error kind the orchestration layer branches on.
// The Outbox worker and the conversation service use Kind, never string
// matching or exceptions, to decide retry/degrade/DLQ/user-visible-failure.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindAuth           Kind = "auth"
	KindStoreTransient Kind = "store_transient"
	KindStorePermanent Kind = "store_permanent"
	KindPolicyReview   Kind = "policy_review"
)

// Errno is a structured error carrying an HTTP status and a Kind.
type Errno struct {
	Code    string `json:"code"`
	Kind    Kind   `json:"kind"`
	HTTP    int    `json:"-"`
	Message string `json:"message"`

	cause error
}

func (e *Errno) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Code, e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s (%s): %s", e.Code, e.Kind, e.Message)
}

func (e *Errno) Unwrap() error { return e.cause }

func (e *Errno) Is(target error) bool {
	t, ok := target.(*Errno)
	return ok && t.Code == e.Code
}

func (e *Errno) HTTPStatus() int {
	if e.HTTP != 0 {
		return e.HTTP
	}
	return http.StatusInternalServerError
}

func (e *Errno) WithCause(cause error) *Errno {
	clone := *e
	clone.cause = cause
	return &clone
}

func (e *Errno) WithMessage(msg string) *Errno {
	clone := *e
	clone.Message = msg
	return &clone
}

func (e *Errno) WithMessagef(format string, args ...any) *Errno {
	return e.WithMessage(fmt.Sprintf(format, args...))
}

func newErrno(code string, kind Kind, http int, msg string) *Errno {
	return &Errno{Code: code, Kind: kind, HTTP: http, Message: msg}
}

// NewValidationErr constructs a rejected-at-the-edge 4xx error (§7 Validation).
func NewValidationErr(code, msg string) *Errno {
	return newErrno(code, KindValidation, http.StatusBadRequest, msg)
}

// NewAuthErr constructs a bearer invalid/expired 401 error (§7 Auth).
func NewAuthErr(code, msg string) *Errno {
	return newErrno(code, KindAuth, http.StatusUnauthorized, msg)
}

// NewStoreTransientErr constructs a retryable upstream error on C1–C5 (§7 StoreTransient).
func NewStoreTransientErr(code, msg string) *Errno {
	return newErrno(code, KindStoreTransient, http.StatusServiceUnavailable, msg)
}

// NewStorePermanentErr constructs a schema-mismatch/auth-failure/non-parseable
// extraction error that routes an OutboxEvent straight to DLQ (§7 StorePermanent).
func NewStorePermanentErr(code, msg string) *Errno {
	return newErrno(code, KindStorePermanent, http.StatusInternalServerError, msg)
}

// NewPolicyReviewErr constructs an extraction-flagged-for-review error (§7 PolicyReview).
func NewPolicyReviewErr(code, msg string) *Errno {
	return newErrno(code, KindPolicyReview, http.StatusAccepted, msg)
}

// Is reports whether err is an *Errno of the given Kind.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Errno)
	return ok && e.Kind == kind
}

// As extracts *Errno from err if present.
func As(err error) (*Errno, bool) {
	e, ok := err.(*Errno)
	return e, ok
}

// FromError wraps a plain error as a StorePermanent Errno if it is not
// already one, matching §7's "never use exceptions as control flow" by
// forcing every boundary crossing to carry an explicit Kind.
func FromError(err error) *Errno {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Errno); ok {
		return e
	}
	return ErrInternal.WithCause(err)
}

var (
	ErrInternal         = newErrno("CORE-00001", KindStorePermanent, http.StatusInternalServerError, "internal error")
	ErrRouteNotFound    = newErrno("CORE-00002", KindValidation, http.StatusNotFound, "route not found")
	ErrInvalidRequest   = newErrno("CORE-01001", KindValidation, http.StatusBadRequest, "invalid request body")
	ErrMissingMessage   = newErrno("CORE-01002", KindValidation, http.StatusBadRequest, "message is required")
	ErrInvalidDeleteReq = newErrno("CORE-01003", KindValidation, http.StatusBadRequest, "memory_ids or delete_all is required")
	ErrTokenMissing     = newErrno("CORE-02001", KindAuth, http.StatusUnauthorized, "authorization header missing")
	ErrTokenInvalid     = newErrno("CORE-02002", KindAuth, http.StatusUnauthorized, "token invalid or expired")
	ErrMemoryNotFound   = newErrno("CORE-04001", KindValidation, http.StatusNotFound, "memory not found")
	ErrStoreUnavailable = newErrno("CORE-10001", KindStoreTransient, http.StatusServiceUnavailable, "store temporarily unavailable")
	ErrLLMUnavailable   = newErrno("CORE-10002", KindStoreTransient, http.StatusServiceUnavailable, "llm provider unavailable")
	ErrExtractParse     = newErrno("CORE-10003", KindStorePermanent, http.StatusUnprocessableEntity, "extraction output not parseable")
	ErrSinkAuth         = newErrno("CORE-10004", KindStorePermanent, http.StatusForbidden, "sink authorization failure")
	ErrPolicyFlagged    = newErrno("CORE-11001", KindPolicyReview, http.StatusAccepted, "extraction flagged for policy review")
)
