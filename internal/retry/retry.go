// Package retry provides a single retry-with-backoff helper shared by all
// external calls (price fetches, execution quotes, persistence writes), so
// retry behavior is configured in one place instead of per call site.
package retry

import (
	"context"
	"errors"
	"time"
)

// Default policy values.
const (
	DefaultMaxAttempts = 3
	DefaultInitialWait = 1 * time.Second
	DefaultMaxWait     = 10 * time.Second
	DefaultMultiplier  = 2.0
)

// Policy describes how failures are retried.
type Policy struct {
	// MaxAttempts is the total number of attempts. Zero means retry until
	// the context is cancelled.
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	Multiplier  float64
}

// DefaultPolicy returns the policy used for short external calls.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		InitialWait: DefaultInitialWait,
		MaxWait:     DefaultMaxWait,
		Multiplier:  DefaultMultiplier,
	}
}

func (p Policy) withDefaults() Policy {
	if p.InitialWait <= 0 {
		p.InitialWait = DefaultInitialWait
	}
	if p.MaxWait <= 0 {
		p.MaxWait = DefaultMaxWait
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultMultiplier
	}
	return p
}

// Classifier reports whether an error is transient and worth retrying.
// A nil classifier treats every error as transient.
type Classifier func(error) bool

// Do runs fn until it succeeds, returns a permanent error, exhausts
// p.MaxAttempts, or the context is cancelled. Waits grow exponentially
// from p.InitialWait up to p.MaxWait.
func Do(ctx context.Context, p Policy, transient Classifier, fn func(ctx context.Context) error) error {
	p = p.withDefaults()

	wait := p.InitialWait
	var lastErr error

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if transient != nil && !transient(lastErr) {
			return lastErr
		}
		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return lastErr
		}

		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(wait):
		}

		wait = time.Duration(float64(wait) * p.Multiplier)
		if wait > p.MaxWait {
			wait = p.MaxWait
		}
	}
}

// IsContextErr reports whether err is a context cancellation or deadline.
func IsContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
