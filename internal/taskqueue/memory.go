package taskqueue

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/retry"
	"go.uber.org/zap"
)

const (
	defaultWorkers       = 4
	defaultBufferSize    = 1024
	defaultHandleTimeout = 10 * time.Minute
)

// MemoryConfig tunes the in-process queue. HandleTimeout is an idle deadline: a handler that
// calls Touch keeps running.
type MemoryConfig struct {
	Workers       int
	BufferSize    int
	Retry         retry.Policy
	HandleTimeout time.Duration
	Logger        *zap.Logger
}

// MemoryQueue runs tasks on in-process workers. Tasks do not survive a restart; durable work is
// recovered from persisted state by its owner.
type MemoryQueue struct {
	workers       int
	policy        retry.Policy
	handleTimeout time.Duration
	logger        *zap.Logger
	tasks         chan Task

	mu            sync.RWMutex
	registrations map[string]registration
	closed        bool
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	done          chan struct{}
}

// NewMemoryQueue constructs a MemoryQueue.
func NewMemoryQueue(cfg MemoryConfig) *MemoryQueue {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	handleTimeout := cfg.HandleTimeout
	if handleTimeout <= 0 {
		handleTimeout = defaultHandleTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryQueue{
		workers:       workers,
		policy:        cfg.Retry,
		handleTimeout: handleTimeout,
		logger:        logger,
		tasks:         make(chan Task, bufferSize),
		registrations: make(map[string]registration),
		done:          make(chan struct{}),
	}
}

func (q *MemoryQueue) Handle(kind string, handler Handler, onOutcome OutcomeFunc) {
	q.mu.Lock()
	q.registrations[kind] = registration{handler: handler, onOutcome: onOutcome}
	q.mu.Unlock()
}

func (q *MemoryQueue) Enqueue(ctx context.Context, task Task) error {
	if err := task.validate(); err != nil {
		return err
	}
	if task.Attempt <= 0 {
		task.Attempt = 1
	}
	q.mu.RLock()
	closed := q.closed
	q.mu.RUnlock()
	if closed {
		return ErrQueueClosed
	}
	select {
	case q.tasks <- task:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	q.mu.Lock()
	q.cancel = cancel
	q.mu.Unlock()
	for worker := 0; worker < q.workers; worker++ {
		q.wg.Add(1)
		go q.work(ctx)
	}
	return nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	cancel := q.cancel
	close(q.done)
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
	return nil
}

func (q *MemoryQueue) work(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-q.tasks:
			q.execute(ctx, task)
		}
	}
}

func (q *MemoryQueue) execute(ctx context.Context, task Task) {
	q.mu.RLock()
	registered, ok := q.registrations[task.Kind]
	q.mu.RUnlock()
	if !ok {
		q.logger.Warn("dropping task without handler", zap.String("kind", task.Kind), zap.String("task_id", task.ID))
		return
	}

	handleCtx, cancel := lease(ctx, q.handleTimeout, nil)
	err := registered.handler(handleCtx, task)
	cancel()
	if err == nil {
		registered.report(Outcome{Task: task, Attempts: task.Attempt})
		return
	}
	if ctx.Err() != nil {
		return
	}

	attempts := q.policy.Attempts
	if attempts <= 0 {
		attempts = retry.DefaultPolicy().Attempts
	}
	if IsPermanent(err) || task.Attempt >= attempts {
		q.logger.Warn("task failed",
			zap.String("kind", task.Kind),
			zap.String("task_id", task.ID),
			zap.String("channel_id", task.ChannelID),
			zap.Int("attempts", task.Attempt),
			zap.Error(err))
		registered.report(Outcome{Task: task, Attempts: task.Attempt, Err: err})
		return
	}

	q.logger.Debug("task retry scheduled",
		zap.String("kind", task.Kind),
		zap.String("task_id", task.ID),
		zap.Int("attempt", task.Attempt),
		zap.Error(err))
	delay := q.policy.Delay(task.Attempt)
	task.Attempt++
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		if retry.Wait(ctx, delay) != nil {
			return
		}
		select {
		case q.tasks <- task:
		case <-ctx.Done():
		}
	}()
}
