package util

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Retry policy shared by every component that talks to a fallible peer
// (worker RPCs, completion callbacks, store deadlock retries). No component
// defines its own schedule.
const (
	RetryInitialInterval = 100 * time.Millisecond
	RetryMaxInterval     = 6400 * time.Millisecond
	RetryMaxTries        = 10
)

// Transient is implemented by errors that are safe to retry, for example a
// worker RPC that failed with a 5xx response.
type Transient interface {
	Transient() bool
}

// IsTransient reports whether err is worth retrying. Permanent failures
// (validation, 4xx, closed contexts) return false so callers can surface
// them immediately.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var tr Transient
	if errors.As(err, &tr) {
		return tr.Transient()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout() || isConnError(netErr)
	}

	return false
}

func isConnError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// NewBackOff returns the standard exponential schedule: starts at 0.1s,
// doubles to a cap, with jitter applied by the backoff library.
func NewBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = RetryInitialInterval
	b.MaxInterval = RetryMaxInterval
	b.MaxElapsedTime = 0 // bounded by tries, not wall clock
	return backoff.WithContext(backoff.WithMaxRetries(b, RetryMaxTries-1), ctx)
}

// RetryTransient runs op, retrying on transient errors with the standard
// schedule until the try budget is exhausted. Non-transient errors abort
// immediately and are returned as-is.
func RetryTransient(ctx context.Context, op func() error) error {
	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	return backoff.Retry(wrapped, NewBackOff(ctx))
}
