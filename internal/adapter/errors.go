package adapter

import (
	"context"
	"errors"
)

// Kind is the behavior-classified error taxonomy from §7: errors are
// distinguished by how callers should react, not by supplier-specific
// error codes.
type Kind string

const (
	KindNetwork   Kind = "network"
	KindAuth      Kind = "auth"
	KindRateLimit Kind = "ratelimit"
	KindProtocol  Kind = "protocol"
	KindNotFound  Kind = "notfound"
)

// Error wraps a supplier adapter failure with its behavioral kind so
// calling code can branch with errors.As instead of string matching.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient per §7: "ratelimit and
// network are retryable; auth triggers re-authentication once then fails;
// protocol is fatal for the call."
func (e *Error) Retryable() bool {
	return e.Kind == KindNetwork || e.Kind == KindRateLimit
}

func NewError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// IsRetryable is a convenience wrapper for errors.As against a plain error
// value returned from an adapter call.
func IsRetryable(err error) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Retryable()
	}
	return false
}

// IsAuth reports whether err is an auth failure eligible for one
// re-authentication attempt.
func IsAuth(err error) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind == KindAuth
	}
	return false
}

// WithAuthRetry wraps a single adapter call so that an auth failure
// triggers exactly one re-authentication and one retry per §4.1/§7, rather
// than zero retries: call fn; on the first KindAuth error, re-authenticate
// via ad (if it implements Authenticator) and call fn exactly once more,
// whatever that returns. A second consecutive auth failure is then fatal,
// since IsRetryable already classifies KindAuth as non-retryable and the
// caller's retryutil.Do gate wraps it in backoff.Permanent. Every retry
// past the first reauthentication attempt leaves reauthed true, so the
// re-authentication itself only ever runs once per call site invocation.
func WithAuthRetry(ctx context.Context, ad SupplierAdapter, fn func() error) func() error {
	reauthed := false
	return func() error {
		err := fn()
		if err == nil || reauthed || !IsAuth(err) {
			return err
		}
		reauthed = true

		if auther, ok := ad.(Authenticator); ok {
			if reauthErr := auther.Reauthenticate(ctx); reauthErr != nil {
				return err
			}
		}
		return fn()
	}
}
