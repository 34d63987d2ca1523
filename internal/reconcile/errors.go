package reconcile

import (
	"errors"
	"fmt"
)

var (
	// ErrChannelNotFound indicates that no registered channel carries the identifier.
	ErrChannelNotFound = errors.New("reconcile: channel not found")
	// ErrChannelExists indicates that the channel is already registered.
	ErrChannelExists = errors.New("reconcile: channel already registered")
	// ErrInvalidTransition indicates an operation the channel's current state does not allow.
	ErrInvalidTransition = errors.New("reconcile: invalid state transition")
	// ErrInvalidRequest indicates malformed operation input.
	ErrInvalidRequest = errors.New("reconcile: invalid request")
	// ErrNotStarted indicates an operation issued before Start or after Close.
	ErrNotStarted = errors.New("reconcile: reconciler not running")

	errWorkerStopped = errors.New("reconcile: channel worker stopped")
	errWindowClosed  = errors.New("reconcile: sync window no longer open")
)

// ServiceError carries a stable operation.reason code next to the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opNew            = "reconcile.new"
	opStart          = "reconcile.start"
	opRegister       = "reconcile.register"
	opStartListener  = "reconcile.start_listener"
	opStopListener   = "reconcile.stop_listener"
	opResync         = "reconcile.resync"
	opRemove         = "reconcile.remove_channel"
	opChannelState   = "reconcile.channel_state"
	opListGaps       = "reconcile.list_gaps"
	opSearch         = "reconcile.search"
	opPersist        = "reconcile.persist"
	opAdmit          = "reconcile.admit"
	opCommit         = "reconcile.commit"
	opBackfillWindow = "reconcile.backfill_window"
	opMediaRepair    = "reconcile.media_repair"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
