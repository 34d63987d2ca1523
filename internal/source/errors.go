package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrTransient marks failures worth retrying: network errors, rate limits, 5xx, timeouts.
	ErrTransient = errors.New("source: transient failure")
	// ErrPermanent marks failures that retrying cannot fix: auth, unknown channel, bad requests.
	ErrPermanent = errors.New("source: permanent failure")
)

// Error describes a failed call against the source.
type Error struct {
	Operation string
	ChannelID string
	Status    int
	Permanent bool
	Err       error
}

func (e *Error) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	if e.Status != 0 {
		return fmt.Sprintf("source %s %s: %s (status %d): %v", e.Operation, e.ChannelID, kind, e.Status, e.Err)
	}
	return fmt.Sprintf("source %s %s: %s: %v", e.Operation, e.ChannelID, kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the ErrTransient and ErrPermanent sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrPermanent:
		return e.Permanent
	case ErrTransient:
		return !e.Permanent
	default:
		return false
	}
}

// Transient wraps err as a retryable source failure.
func Transient(operation, channelID string, err error) error {
	return &Error{Operation: operation, ChannelID: channelID, Err: err}
}

// Permanent wraps err as a non-retryable source failure.
func Permanent(operation, channelID string, err error) error {
	return &Error{Operation: operation, ChannelID: channelID, Permanent: true, Err: err}
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// IsRetryable reports whether err may succeed on retry. Unclassified errors and deadline
// overruns are retryable; caller cancellation is not.
func IsRetryable(err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

func classifyStatus(operation, channelID string, status int, body string) error {
	cause := fmt.Errorf("unexpected response: %s", body)
	failure := &Error{Operation: operation, ChannelID: channelID, Status: status, Err: cause}
	switch {
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		failure.Permanent = false
	default:
		failure.Permanent = true
	}
	return failure
}
