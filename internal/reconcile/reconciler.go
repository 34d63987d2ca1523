// Package reconcile coordinates backfill scans and live listeners per channel and merges their
// output into the search index through a single admission point per channel.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/backfill"
	"github.com/MarcoPoloResearchLab/courier/internal/channels"
	"github.com/MarcoPoloResearchLab/courier/internal/listener"
	"github.com/MarcoPoloResearchLab/courier/internal/media"
	"github.com/MarcoPoloResearchLab/courier/internal/messages"
	"github.com/MarcoPoloResearchLab/courier/internal/retry"
	"github.com/MarcoPoloResearchLab/courier/internal/search"
	"github.com/MarcoPoloResearchLab/courier/internal/taskqueue"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultGapAssumeAfter    = 30 * time.Second
	defaultCommitTimeout     = 30 * time.Second
	defaultCallTimeout       = 15 * time.Second
	defaultCommitConcurrency = 4
	defaultMaxInflight       = 8
	defaultInboxSize         = 64
)

// Degraded reason codes reported in ChannelState.
const (
	ReasonListenerUnreachable = "listener_unreachable"
	ReasonSourcePermanent     = "source_permanent"
	ReasonBackfillFailed      = "backfill_failed"
)

var (
	errMissingRegistry     = errors.New("channel registry is required")
	errMissingDeduplicator = errors.New("deduplicator is required")
	errMissingScanner      = errors.New("backfill scanner is required")
	errMissingListeners    = errors.New("listener manager is required")
	errMissingOffloader    = errors.New("media offloader is required")
	errMissingIndex        = errors.New("search index is required")
	errMissingQueue        = errors.New("task queue is required")
	noOpLogger             = zap.NewNop()
)

// Config wires the reconciler to its collaborators.
type Config struct {
	Registry     *channels.Registry
	Deduplicator *messages.Deduplicator
	Scanner      *backfill.Scanner
	Listeners    *listener.Manager
	Offloader    *media.Offloader
	Index        search.Index
	Queue        taskqueue.Queue
	Observer     Observer

	// GapAssumeAfter is the listener outage after which missed messages are assumed.
	GapAssumeAfter time.Duration
	// CommitTimeout bounds media offload before a message is committed with a placeholder.
	CommitTimeout     time.Duration
	CallTimeout       time.Duration
	StorageRetry      retry.Policy
	CommitConcurrency int
	MaxInflight       int
	Clock             func() time.Time
	Logger            *zap.Logger
}

// RegisterRequest describes a channel to monitor.
type RegisterRequest struct {
	ChannelID string
	Title     string
	// ResumeAfter skips history up to and including the given sequence.
	ResumeAfter *int64
	// Listen queues listener activation for when the channel catches up.
	Listen bool
}

// Reconciler owns every channel's state machine.
type Reconciler struct {
	registry          *channels.Registry
	dedup             *messages.Deduplicator
	scanner           *backfill.Scanner
	listeners         *listener.Manager
	offloader         *media.Offloader
	index             search.Index
	queue             taskqueue.Queue
	observer          Observer
	gapAssumeAfter    time.Duration
	commitTimeout     time.Duration
	callTimeout       time.Duration
	storagePolicy     retry.Policy
	commitConcurrency int
	maxInflight       int
	clock             func() time.Time
	logger            *zap.Logger
	snapshots         *snapshotStore

	mu      sync.RWMutex
	workers map[string]*channelWorker
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
}

// New validates configuration and constructs a Reconciler.
func New(cfg Config) (*Reconciler, error) {
	switch {
	case cfg.Registry == nil:
		return nil, newServiceError(opNew, "missing_registry", errMissingRegistry)
	case cfg.Deduplicator == nil:
		return nil, newServiceError(opNew, "missing_deduplicator", errMissingDeduplicator)
	case cfg.Scanner == nil:
		return nil, newServiceError(opNew, "missing_scanner", errMissingScanner)
	case cfg.Listeners == nil:
		return nil, newServiceError(opNew, "missing_listeners", errMissingListeners)
	case cfg.Offloader == nil:
		return nil, newServiceError(opNew, "missing_offloader", errMissingOffloader)
	case cfg.Index == nil:
		return nil, newServiceError(opNew, "missing_index", errMissingIndex)
	case cfg.Queue == nil:
		return nil, newServiceError(opNew, "missing_queue", errMissingQueue)
	}

	r := &Reconciler{
		registry:          cfg.Registry,
		dedup:             cfg.Deduplicator,
		scanner:           cfg.Scanner,
		listeners:         cfg.Listeners,
		offloader:         cfg.Offloader,
		index:             cfg.Index,
		queue:             cfg.Queue,
		observer:          cfg.Observer,
		gapAssumeAfter:    cfg.GapAssumeAfter,
		commitTimeout:     cfg.CommitTimeout,
		callTimeout:       cfg.CallTimeout,
		storagePolicy:     cfg.StorageRetry,
		commitConcurrency: cfg.CommitConcurrency,
		maxInflight:       cfg.MaxInflight,
		clock:             cfg.Clock,
		logger:            cfg.Logger,
		snapshots:         newSnapshotStore(),
		workers:           make(map[string]*channelWorker),
	}
	if r.gapAssumeAfter <= 0 {
		r.gapAssumeAfter = defaultGapAssumeAfter
	}
	if r.commitTimeout <= 0 {
		r.commitTimeout = defaultCommitTimeout
	}
	if r.callTimeout <= 0 {
		r.callTimeout = defaultCallTimeout
	}
	if r.commitConcurrency <= 0 {
		r.commitConcurrency = defaultCommitConcurrency
	}
	if r.maxInflight <= 0 {
		r.maxInflight = defaultMaxInflight
	}
	if r.clock == nil {
		r.clock = time.Now
	}
	if r.logger == nil {
		r.logger = noOpLogger
	}
	return r, nil
}

// Start loads persisted channels, starts the task queue and resumes open windows and wanted
// listeners.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.queue.Handle(taskBackfillWindow, r.runWindowTask, r.windowTaskOutcome)
	r.queue.Handle(taskMediaRepair, r.runMediaRepairTask, r.mediaRepairOutcome)

	records, err := r.registry.ListActive(ctx)
	if err != nil {
		r.mu.Unlock()
		r.logError(opStart, "list_channels_failed", err)
		return newServiceError(opStart, "list_channels_failed", err)
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	workers := make([]*channelWorker, 0, len(records))
	for _, record := range records {
		id := channels.ChannelID(record.ChannelID)
		windows, err := r.registry.Windows(ctx, id, channels.WindowStatusOpen, channels.WindowStatusFailed)
		if err != nil {
			r.mu.Unlock()
			r.cancel()
			r.logError(opStart, "list_windows_failed", err, zap.String("channel_id", record.ChannelID))
			return newServiceError(opStart, "list_windows_failed", err)
		}
		worker := r.newWorker(record, windows)
		r.workers[record.ChannelID] = worker
		workers = append(workers, worker)
	}
	r.running = true
	r.mu.Unlock()

	for _, worker := range workers {
		worker.start()
	}
	if err := r.queue.Start(r.ctx); err != nil {
		r.logError(opStart, "queue_start_failed", err)
		return newServiceError(opStart, "queue_start_failed", err)
	}
	for _, worker := range workers {
		if err := worker.do(ctx, worker.resume); err != nil {
			return newServiceError(opStart, "resume_failed", err)
		}
	}
	r.logger.Info("reconciler started", zap.Int("channels", len(workers)))
	return nil
}

// Close stops listeners, the task queue and every channel worker.
func (r *Reconciler) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	workers := make([]*channelWorker, 0, len(r.workers))
	for _, worker := range r.workers {
		workers = append(workers, worker)
	}
	r.mu.Unlock()

	var closeErr error
	if err := r.listeners.StopAll(ctx); err != nil {
		closeErr = errors.Join(closeErr, err)
	}
	if err := r.queue.Close(); err != nil {
		closeErr = errors.Join(closeErr, err)
	}
	for _, worker := range workers {
		worker.stop()
	}
	r.cancel()
	return closeErr
}

// Register creates a channel in UNSYNCED and schedules its registration backfill.
func (r *Reconciler) Register(ctx context.Context, req RegisterRequest) (ChannelState, error) {
	id, err := channels.NewChannelID(req.ChannelID)
	if err != nil {
		return ChannelState{}, newServiceError(opRegister, "invalid_channel_id", fmt.Errorf("%w: %v", ErrInvalidRequest, err))
	}
	if req.ResumeAfter != nil && *req.ResumeAfter < 0 {
		return ChannelState{}, newServiceError(opRegister, "invalid_resume_point", fmt.Errorf("%w: resume point %d", ErrInvalidRequest, *req.ResumeAfter))
	}

	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return ChannelState{}, newServiceError(opRegister, "not_running", ErrNotStarted)
	}
	if _, exists := r.workers[id.String()]; exists {
		r.mu.Unlock()
		return ChannelState{}, newServiceError(opRegister, "channel_exists", ErrChannelExists)
	}

	previous, found, err := r.registry.Lookup(ctx, id)
	if err != nil {
		r.mu.Unlock()
		r.logError(opRegister, "lookup_failed", err, zap.String("channel_id", id.String()))
		return ChannelState{}, newServiceError(opRegister, "lookup_failed", err)
	}
	var cursor, highWater int64
	var carried []channels.SyncWindow
	if found {
		cursor, highWater = previous.Cursor, previous.HighWater
		// Ranges a removed incarnation failed to store are still missing.
		carried, err = r.registry.Windows(ctx, id, channels.WindowStatusFailed)
		if err != nil {
			r.mu.Unlock()
			r.logError(opRegister, "list_windows_failed", err, zap.String("channel_id", id.String()))
			return ChannelState{}, newServiceError(opRegister, "list_windows_failed", err)
		}
	}
	if req.ResumeAfter != nil && *req.ResumeAfter > cursor {
		cursor = *req.ResumeAfter
	}
	if highWater < cursor {
		highWater = cursor
	}

	window, err := r.newWindow(cursor+1, 0, channels.WindowReasonRegistration)
	if err != nil {
		r.mu.Unlock()
		return ChannelState{}, newServiceError(opRegister, "window_id_failed", err)
	}
	channel := channels.Channel{
		ChannelID:      id.String(),
		Title:          req.Title,
		Cursor:         cursor,
		HighWater:      highWater,
		SyncState:      channels.SyncStateUnsynced,
		ListenerState:  channels.ListenerStateStopped,
		ListenerWanted: req.Listen,
	}
	if err := r.registry.Create(ctx, channel, window); err != nil {
		r.mu.Unlock()
		if errors.Is(err, channels.ErrChannelExists) {
			return ChannelState{}, newServiceError(opRegister, "channel_exists", ErrChannelExists)
		}
		r.logError(opRegister, "create_failed", err, zap.String("channel_id", id.String()))
		return ChannelState{}, newServiceError(opRegister, "create_failed", err)
	}
	window.ChannelID = channel.ChannelID
	worker := r.newWorker(channel, append(carried, window))
	r.workers[id.String()] = worker
	worker.start()
	r.mu.Unlock()

	r.logger.Info("channel registered",
		zap.String("channel_id", id.String()),
		zap.Int64("cursor", cursor),
		zap.Bool("listen", req.Listen))

	var state ChannelState
	if err := worker.do(ctx, func() {
		worker.resume()
		state = worker.snapshot()
	}); err != nil {
		return ChannelState{}, newServiceError(opRegister, "worker_unavailable", err)
	}
	return state, nil
}

// StartListener activates the live listener, or queues activation until the channel catches up.
func (r *Reconciler) StartListener(ctx context.Context, channelID string) (ChannelState, error) {
	worker, err := r.workerFor(opStartListener, channelID)
	if err != nil {
		return ChannelState{}, err
	}
	var state ChannelState
	if err := worker.do(ctx, func() { state = worker.startListener() }); err != nil {
		return ChannelState{}, newServiceError(opStartListener, "worker_unavailable", err)
	}
	return state, nil
}

// StopListener closes the live listener and waits for it to exit.
func (r *Reconciler) StopListener(ctx context.Context, channelID string) (ChannelState, error) {
	worker, err := r.workerFor(opStopListener, channelID)
	if err != nil {
		return ChannelState{}, err
	}
	var handle *listener.Handle
	if err := worker.do(ctx, func() { handle = worker.beginStopListener() }); err != nil {
		return ChannelState{}, newServiceError(opStopListener, "worker_unavailable", err)
	}
	if err := awaitListener(ctx, handle); err != nil {
		return ChannelState{}, newServiceError(opStopListener, "stop_timeout", err)
	}
	var state ChannelState
	if err := worker.do(ctx, func() { state = worker.finishStopListener(handle) }); err != nil {
		return ChannelState{}, newServiceError(opStopListener, "worker_unavailable", err)
	}
	return state, nil
}

// Resync re-enters BACKFILLING from the lowest unresolved gap.
func (r *Reconciler) Resync(ctx context.Context, channelID string) (ChannelState, error) {
	worker, err := r.workerFor(opResync, channelID)
	if err != nil {
		return ChannelState{}, err
	}
	var state ChannelState
	var resyncErr error
	if err := worker.do(ctx, func() { state, resyncErr = worker.resync() }); err != nil {
		return ChannelState{}, newServiceError(opResync, "worker_unavailable", err)
	}
	if resyncErr != nil {
		return state, newServiceError(opResync, "invalid_state", resyncErr)
	}
	return state, nil
}

// RemoveChannel stops the listener, abandons in-flight backfill and logically deletes the channel.
func (r *Reconciler) RemoveChannel(ctx context.Context, channelID string) error {
	worker, err := r.workerFor(opRemove, channelID)
	if err != nil {
		return err
	}
	var handle *listener.Handle
	if err := worker.do(ctx, func() { handle = worker.beginRemove() }); err != nil {
		return newServiceError(opRemove, "worker_unavailable", err)
	}
	if err := awaitListener(ctx, handle); err != nil {
		return newServiceError(opRemove, "stop_timeout", err)
	}
	if err := r.registry.MarkRemoved(ctx, channels.ChannelID(worker.id)); err != nil {
		r.logError(opRemove, "mark_removed_failed", err, zap.String("channel_id", worker.id))
		return newServiceError(opRemove, "mark_removed_failed", err)
	}

	r.mu.Lock()
	if r.workers[worker.id] == worker {
		delete(r.workers, worker.id)
	}
	r.mu.Unlock()
	worker.stop()

	state, _ := r.snapshots.state(worker.id)
	r.snapshots.remove(worker.id)
	state.Removed = true
	state.ListenerState = channels.ListenerStateStopped
	state.OpenWindow = nil
	state.UpdatedAt = r.clock().UTC()
	if r.observer != nil {
		r.observer.ChannelChanged(state)
	}
	r.logger.Info("channel removed", zap.String("channel_id", worker.id))
	return nil
}

// ChannelState returns the latest snapshot of the channel.
func (r *Reconciler) ChannelState(channelID string) (ChannelState, error) {
	state, ok := r.snapshots.state(channelID)
	if !ok {
		return ChannelState{}, newServiceError(opChannelState, "channel_not_found", ErrChannelNotFound)
	}
	return state, nil
}

// ListGaps returns the channel's open and failed windows ordered by low bound.
func (r *Reconciler) ListGaps(channelID string) ([]channels.SyncWindow, error) {
	gaps, ok := r.snapshots.listGaps(channelID)
	if !ok {
		return nil, newServiceError(opListGaps, "channel_not_found", ErrChannelNotFound)
	}
	return gaps, nil
}

// Channels returns snapshots of every registered channel ordered by identifier.
func (r *Reconciler) Channels() []ChannelState {
	states := r.snapshots.all()
	sort.Slice(states, func(a, b int) bool { return states[a].ChannelID < states[b].ChannelID })
	return states
}

// Search queries the committed documents of one channel.
func (r *Reconciler) Search(ctx context.Context, query search.Query) ([]search.Document, error) {
	if _, ok := r.snapshots.state(query.ChannelID); !ok {
		return nil, newServiceError(opSearch, "channel_not_found", ErrChannelNotFound)
	}
	documents, err := r.index.Search(ctx, query)
	if err != nil {
		r.logError(opSearch, "query_failed", err, zap.String("channel_id", query.ChannelID))
		return nil, newServiceError(opSearch, "query_failed", err)
	}
	return documents, nil
}

func (r *Reconciler) workerFor(operation, channelID string) (*channelWorker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.running {
		return nil, newServiceError(operation, "not_running", ErrNotStarted)
	}
	worker, ok := r.workers[channelID]
	if !ok {
		return nil, newServiceError(operation, "channel_not_found", ErrChannelNotFound)
	}
	return worker, nil
}

func (r *Reconciler) lookupWorker(channelID string) (*channelWorker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	worker, ok := r.workers[channelID]
	return worker, ok
}

func (r *Reconciler) newWindow(low, high int64, reason channels.WindowReason) (channels.SyncWindow, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return channels.SyncWindow{}, err
	}
	return channels.SyncWindow{
		WindowID:        id.String(),
		Low:             low,
		High:            high,
		ResumeFrom:      low,
		Status:          channels.WindowStatusOpen,
		Reason:          reason,
		OpenedAtSeconds: r.clock().UTC().Unix(),
	}, nil
}

func (r *Reconciler) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	r.logger.Error("reconciler error", attrs...)
}

func awaitListener(ctx context.Context, handle *listener.Handle) error {
	if handle == nil {
		return nil
	}
	handle.Stop()
	select {
	case <-handle.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
