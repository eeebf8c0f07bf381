// Package retryutil wraps github.com/cenkalti/backoff/v4 with the bounded
// exponential-backoff policy §7 calls for on transient I/O failures. Its
// callers are adapter calls and count scans during heatmap partitioning;
// queue publishes and DB statements are not retried through it.
package retryutil

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds backoff.ExponentialBackOff to a fixed number of attempts,
// matching "retried with exponential backoff up to a bounded attempt
// count" from §7.
type Policy struct {
	MaxAttempts int
}

// DefaultPolicy is used wherever a caller doesn't have a reason to tune it.
var DefaultPolicy = Policy{MaxAttempts: 5}

// gate wraps backoff.Permanent to stop retrying when the
// classifier says the error isn't retryable.
func gate(isRetryable func(error) bool) func(error) error {
	return func(err error) error {
		if err == nil {
			return nil
		}
		if isRetryable != nil && !isRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
}

// Do retries fn with exponential backoff bounded by p.MaxAttempts. If
// isRetryable is non-nil, a returned error is classified through it first;
// a non-retryable error aborts immediately without consuming the remaining
// attempt budget, matching "protocol is fatal for the call" from §7. §7's
// auth case ("triggers re-authentication once then fails") is handled one
// layer down, by wrapping fn in adapter.WithAuthRetry before it reaches
// Do: IsRetryable still treats KindAuth as non-retryable here, so a second
// consecutive auth failure (post re-authentication) is permanent on sight.
func Do(ctx context.Context, p Policy, isRetryable func(error) bool, fn func() error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultPolicy.MaxAttempts
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // bounded by attempt count instead of wall clock
	withCtx := backoff.WithContext(bo, ctx)
	tagged := gate(isRetryable)

	attempt := 0
	op := func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if attempt >= p.MaxAttempts {
			return backoff.Permanent(err)
		}
		return tagged(err)
	}

	err := backoff.Retry(op, backoff.WithMaxRetries(withCtx, uint64(p.MaxAttempts-1)))
	if err == nil {
		return nil
	}
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Err
	}
	return err
}
