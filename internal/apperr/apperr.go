// Package apperr defines the provider/run error taxonomy used across the
// orchestrator: RateLimited, AuthError, NotFound, BadRequest, Transient and
// Permanent. Adapters classify raw HTTP responses into these types once at
// the boundary; everything upstream (worker, queue, API handlers) makes
// retry/non-retry decisions via errors.As instead of re-inspecting status
// codes or provider-specific error strings.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

// Kind names one taxonomy member for logging and metrics labels.
type Kind string

const (
	KindValidation Kind = "ValidationError"
	KindRateLimited Kind = "RateLimited"
	KindAuth       Kind = "AuthError"
	KindNotFound   Kind = "NotFound"
	KindBadRequest Kind = "BadRequest"
	KindTransient  Kind = "Transient"
	KindPermanent  Kind = "Permanent"
)

// Classified is implemented by every error type in this package so callers
// can recover the taxonomy member with errors.As(err, &target) regardless
// of how many times the error has been wrapped with fmt.Errorf("%w", ...).
type Classified interface {
	error
	Kind() Kind
	// RetryAfter reports a provider-suggested backoff, if any.
	RetryAfter() (time.Duration, bool)
}

type baseErr struct {
	kind       Kind
	msg        string
	retryAfter time.Duration
	hasRetry   bool
}

func (e *baseErr) Error() string                        { return string(e.kind) + ": " + e.msg }
func (e *baseErr) Kind() Kind                            { return e.kind }
func (e *baseErr) RetryAfter() (time.Duration, bool)     { return e.retryAfter, e.hasRetry }

// ValidationError(msg) — a bar row violated a layer invariant on write.
func ValidationError(msg string) error { return &baseErr{kind: KindValidation, msg: msg} }

// RateLimited — bucket empty or provider returned 429 / equivalent.
// retryAfter may be zero if the provider did not supply a hint.
func RateLimited(retryAfter time.Duration) error {
	return &baseErr{kind: KindRateLimited, msg: "rate limited", retryAfter: retryAfter, hasRetry: retryAfter > 0}
}

// AuthError — missing or invalid provider credentials (HTTP 401/403).
func AuthError(msg string) error { return &baseErr{kind: KindAuth, msg: msg} }

// NotFound — unknown symbol or empty response (HTTP 404 or empty body).
func NotFound(msg string) error { return &baseErr{kind: KindNotFound, msg: msg} }

// BadRequest — malformed request rejected by the provider (HTTP 400).
func BadRequest(msg string) error { return &baseErr{kind: KindBadRequest, msg: msg} }

// Transient — HTTP 5xx, network timeout, or any other retryable failure.
func Transient(msg string) error { return &baseErr{kind: KindTransient, msg: msg} }

// Permanent — schema mismatch or malformed response; never retried
// automatically.
func Permanent(msg string) error { return &baseErr{kind: KindPermanent, msg: msg} }

// ClassifyHTTPStatus maps a provider HTTP response to a Kind: 401/403 ->
// AuthError, 404 -> NotFound, 400/422 -> BadRequest, 429 -> RateLimited,
// 5xx -> Transient, everything else -> Permanent.
func ClassifyHTTPStatus(status int, body string) error {
	switch {
	case status == 401 || status == 403:
		return AuthError(fmt.Sprintf("status %d: %s", status, body))
	case status == 404:
		return NotFound(fmt.Sprintf("status %d: %s", status, body))
	case status == 400 || status == 422:
		return BadRequest(fmt.Sprintf("status %d: %s", status, body))
	case status == 429:
		return RateLimited(0)
	case status >= 500:
		return Transient(fmt.Sprintf("status %d: %s", status, body))
	default:
		return Permanent(fmt.Sprintf("unexpected status %d: %s", status, body))
	}
}

// Retryable reports whether err (or anything it wraps) is a taxonomy
// member the worker should retry against another provider/requeue.
func Retryable(err error) bool {
	var c Classified
	if !errors.As(err, &c) {
		return false
	}
	switch c.Kind() {
	case KindRateLimited, KindTransient:
		return true
	default:
		return false
	}
}

// As recovers the Classified error from an (possibly wrapped) err.
func As(err error) (Classified, bool) {
	var c Classified
	ok := errors.As(err, &c)
	return c, ok
}
