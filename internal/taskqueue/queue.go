// Package taskqueue runs background tasks with at-least-once delivery and per-task retries.
package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrQueueClosed is returned by Enqueue after Close.
	ErrQueueClosed = errors.New("taskqueue: queue closed")
	// ErrInvalidTask indicates a task without kind or id.
	ErrInvalidTask = errors.New("taskqueue: invalid task")
)

// Task is one unit of background work.
type Task struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	ChannelID  string          `json:"channel_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	// Attempt is the 1-based delivery attempt, filled in by the queue.
	Attempt int `json:"-"`
}

// NewTask builds a task with a fresh identifier and a JSON payload.
func NewTask(kind, channelID string, payload any) (Task, error) {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return Task{}, fmt.Errorf("%w: missing kind", ErrInvalidTask)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return Task{}, err
	}
	task := Task{ID: id.String(), Kind: kind, ChannelID: channelID, EnqueuedAt: time.Now().UTC()}
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return Task{}, err
		}
		task.Payload = encoded
	}
	return task, nil
}

// Decode unmarshals the task payload into target.
func (t Task) Decode(target any) error {
	if len(t.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidTask)
	}
	return json.Unmarshal(t.Payload, target)
}

func (t Task) validate() error {
	if strings.TrimSpace(t.ID) == "" || strings.TrimSpace(t.Kind) == "" {
		return ErrInvalidTask
	}
	return nil
}

// Handler executes a task. Returning an error schedules a retry unless the error is Permanent or
// the attempt budget is spent.
type Handler func(ctx context.Context, task Task) error

// Outcome is the final result of a task after its last attempt.
type Outcome struct {
	Task     Task
	Attempts int
	Err      error
}

// OutcomeFunc observes final task outcomes.
type OutcomeFunc func(Outcome)

// Queue is the task-queue collaborator.
type Queue interface {
	Handle(kind string, handler Handler, onOutcome OutcomeFunc)
	Enqueue(ctx context.Context, task Task) error
	Start(ctx context.Context) error
	Close() error
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var permanent *permanentError
	return errors.As(err, &permanent)
}

type touchKey struct{}

// lease bounds a handler by an idle deadline. The returned context is cancelled with cause
// context.DeadlineExceeded once timeout passes without a Touch; extend runs on every Touch.
func lease(parent context.Context, timeout time.Duration, extend func()) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	timer := time.AfterFunc(timeout, func() { cancel(context.DeadlineExceeded) })
	touch := func() {
		if ctx.Err() != nil {
			return
		}
		timer.Reset(timeout)
		if extend != nil {
			extend()
		}
	}
	return context.WithValue(ctx, touchKey{}, touch), func() {
		timer.Stop()
		cancel(nil)
	}
}

// Touch tells the queue that the handler running under ctx is still making progress and pushes
// back its deadline. Outside a handler it does nothing.
func Touch(ctx context.Context) {
	if touch, ok := ctx.Value(touchKey{}).(func()); ok {
		touch()
	}
}

type registration struct {
	handler   Handler
	onOutcome OutcomeFunc
}

func (r registration) report(outcome Outcome) {
	if r.onOutcome != nil {
		r.onOutcome(outcome)
	}
}
