// Package retry provides bounded exponential backoff for calls against external collaborators.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	defaultAttempts  = 3
	defaultBaseDelay = 100 * time.Millisecond
	defaultMaxDelay  = 2 * time.Second
)

// Policy describes how many times an operation is attempted and how long to wait between attempts.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultPolicy mirrors the limits used by the source HTTP client.
func DefaultPolicy() Policy {
	return Policy{Attempts: defaultAttempts, BaseDelay: defaultBaseDelay, MaxDelay: defaultMaxDelay}
}

func (p Policy) normalized() Policy {
	if p.Attempts <= 0 {
		p.Attempts = defaultAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// Delay returns the wait before the given attempt (1-based), doubling from BaseDelay and capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()
	if attempt <= 1 {
		return p.BaseDelay
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return delay
}

// ExhaustedError reports that every attempt allowed by a Policy failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry: gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// IsExhausted reports whether err came from a Policy running out of attempts.
func IsExhausted(err error) bool {
	var exhausted *ExhaustedError
	return errors.As(err, &exhausted)
}

// Wait blocks for delay or until ctx is done.
func Wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do runs fn until it succeeds, returns an error retryable rejects, or the policy is exhausted.
// A nil retryable treats every error as retryable.
func Do(ctx context.Context, policy Policy, retryable func(error) bool, fn func(context.Context) error) error {
	policy = policy.normalized()
	var lastErr error
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return &ExhaustedError{Attempts: attempt - 1, Err: lastErr}
			}
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
		if attempt == policy.Attempts {
			break
		}
		if err := Wait(ctx, policy.Delay(attempt)); err != nil {
			return &ExhaustedError{Attempts: attempt, Err: lastErr}
		}
	}
	return &ExhaustedError{Attempts: policy.Attempts, Err: lastErr}
}
