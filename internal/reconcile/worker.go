package reconcile

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/MarcoPoloResearchLab/courier/internal/backfill"
	"github.com/MarcoPoloResearchLab/courier/internal/channels"
	"github.com/MarcoPoloResearchLab/courier/internal/listener"
	"github.com/MarcoPoloResearchLab/courier/internal/messages"
	"github.com/MarcoPoloResearchLab/courier/internal/retry"
	"go.uber.org/zap"
)

// channelWorker is the single serialization point of one channel. Every field below the
// channel stanza is owned by the run goroutine and only touched from closures it executes.
type channelWorker struct {
	r      *Reconciler
	id     string
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	inbox    chan func()
	commits  chan *commitBatch
	results  chan *commitBatch
	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	channel      channels.Channel
	window       *channels.SyncWindow
	failed       []channels.SyncWindow
	admittedHigh int64
	inflight     int
	scanning     bool
	scanCancel   context.CancelFunc
	listener     *listener.Handle
	listenerGen  uint64
	counters     Counters
}

type admissionInput struct {
	windowID string
	pageHigh int64
	messages []messages.Message
	live     bool
	done     chan error
}

func (r *Reconciler) newWorker(channel channels.Channel, windows []channels.SyncWindow) *channelWorker {
	ctx, cancel := context.WithCancel(r.ctx)
	worker := &channelWorker{
		r:       r,
		id:      channel.ChannelID,
		logger:  r.logger.With(zap.String("channel_id", channel.ChannelID)),
		ctx:     ctx,
		cancel:  cancel,
		inbox:   make(chan func(), defaultInboxSize),
		commits: make(chan *commitBatch, r.maxInflight),
		results: make(chan *commitBatch, r.maxInflight),
		quit:    make(chan struct{}),
		channel: channel,
	}
	worker.channel.ListenerState = channels.ListenerStateStopped
	if worker.channel.SyncState == channels.SyncStateListening {
		worker.channel.SyncState = channels.SyncStateCaughtUp
	}
	for _, window := range windows {
		switch {
		case window.Status == channels.WindowStatusOpen && worker.window == nil:
			open := window
			worker.window = &open
		case window.Status == channels.WindowStatusFailed:
			worker.failed = append(worker.failed, window)
		}
	}
	worker.admittedHigh = channel.HighWater
	if channel.Cursor > worker.admittedHigh {
		worker.admittedHigh = channel.Cursor
	}
	return worker
}

func (w *channelWorker) start() {
	w.wg.Add(2)
	go w.run()
	go w.commitLoop()
}

func (w *channelWorker) stop() {
	w.stopOnce.Do(func() {
		close(w.quit)
		w.cancel()
	})
	w.wg.Wait()
}

func (w *channelWorker) run() {
	defer w.wg.Done()
	for {
		select {
		case fn := <-w.inbox:
			fn()
		case batch := <-w.results:
			w.applyCommitted(batch)
		case <-w.quit:
			return
		}
	}
}

// do runs fn on the worker goroutine and waits for it to finish.
func (w *channelWorker) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	task := func() {
		fn()
		close(finished)
	}
	select {
	case w.inbox <- task:
	case <-w.quit:
		return errWorkerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-w.quit:
		return errWorkerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues fn without waiting for it to run.
func (w *channelWorker) post(ctx context.Context, fn func()) error {
	select {
	case w.inbox <- fn:
		return nil
	case <-w.quit:
		return errWorkerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resume clears admissions left pending by an earlier process and restarts scheduled work.
func (w *channelWorker) resume() {
	if err := w.r.dedup.Recover(w.ctx, w.id); err != nil {
		w.r.logError(opStart, "ledger_recover_failed", err, zap.String("channel_id", w.id))
	}
	if w.window != nil {
		w.schedule(*w.window)
	}
	if w.channel.ListenerWanted && w.listenerResumable() {
		w.activateListener()
	}
	w.persist(opStart)
	w.publish()
}

// listenerResumable reports whether a wanted listener should run after a restart. A channel
// degraded only because its listener was unreachable reconnects; other degradations wait for a
// resync.
func (w *channelWorker) listenerResumable() bool {
	switch w.channel.SyncState {
	case channels.SyncStateCaughtUp:
		return w.window == nil
	case channels.SyncStateDegraded:
		return w.channel.DegradedReason == ReasonListenerUnreachable
	}
	return false
}

func (w *channelWorker) admit(input admissionInput) {
	if input.windowID != "" && (w.window == nil || w.window.WindowID != input.windowID) {
		input.done <- errWindowClosed
		return
	}
	batch := &commitBatch{windowID: input.windowID, pageHigh: input.pageHigh, done: input.done}
	for _, raw := range input.messages {
		message, err := raw.Prepare()
		if err != nil {
			w.logger.Warn("message rejected", zap.Int64("sequence", raw.Sequence), zap.Error(err))
			continue
		}
		if input.live && message.Sequence > w.admittedHigh+1 {
			w.openGap(w.admittedHigh+1, message.Sequence)
		}
		if message.Sequence > batch.maxSequence {
			batch.maxSequence = message.Sequence
		}
		if message.Sequence > w.admittedHigh {
			w.admittedHigh = message.Sequence
		}

		admission, err := w.admitOne(message)
		if err != nil {
			w.r.logError(opAdmit, "ledger_unavailable", err,
				zap.String("channel_id", w.id),
				zap.Int64("sequence", message.Sequence))
			batch.failures = append(batch.failures, commitFailure{sequence: message.Sequence, err: err})
			continue
		}
		if !admission.Admitted() {
			w.counters.Duplicates++
			continue
		}
		batch.items = append(batch.items, commitItem{message: message, admission: admission})
	}
	w.submit(batch)
}

func (w *channelWorker) admitOne(message messages.Message) (messages.Admission, error) {
	var admission messages.Admission
	err := retry.Do(w.ctx, w.r.storagePolicy, isRetryableAdmission, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, w.r.callTimeout)
		defer cancel()
		value, err := w.r.dedup.Admit(callCtx, message)
		admission = value
		return err
	})
	return admission, err
}

func isRetryableAdmission(err error) bool {
	return !errors.Is(err, messages.ErrInvalidMessage) && !errors.Is(err, context.Canceled)
}

func (w *channelWorker) submit(batch *commitBatch) {
	for w.inflight >= w.r.maxInflight {
		select {
		case committed := <-w.results:
			w.applyCommitted(committed)
		case <-w.quit:
			batch.signal(errWorkerStopped)
			return
		}
	}
	w.inflight++
	w.commits <- batch
}

func (w *channelWorker) applyCommitted(batch *commitBatch) {
	w.inflight--
	failures := batch.failures
	for _, item := range batch.items {
		if item.err != nil {
			failures = append(failures, commitFailure{sequence: item.message.Sequence, err: item.err})
			continue
		}
		w.counters.Admitted++
		if item.admission.Decision == messages.DecisionAcceptSuperseding {
			w.counters.Superseded++
		}
		if item.mediaPending {
			w.counters.MediaPending++
		}
	}

	touched := make([]channels.SyncWindow, 0, len(failures)+1)
	for _, failure := range failures {
		w.counters.Failed++
		window, err := w.r.newWindow(failure.sequence, failure.sequence+1, channels.WindowReasonStorageWriteFailed)
		if err != nil {
			w.r.logError(opCommit, "window_id_failed", err, zap.String("channel_id", w.id))
			continue
		}
		window.ChannelID = w.id
		window.Status = channels.WindowStatusFailed
		window.LastError = failure.err.Error()
		w.failed = append(w.failed, window)
		touched = append(touched, window)
		w.logger.Warn("message skipped after storage failure",
			zap.Int64("sequence", failure.sequence),
			zap.Error(failure.err))
	}

	if batch.maxSequence > w.channel.HighWater {
		w.channel.HighWater = batch.maxSequence
	}
	if batch.windowID != "" && w.window != nil && w.window.WindowID == batch.windowID && batch.pageHigh > w.window.ResumeFrom {
		w.window.ResumeFrom = batch.pageHigh
		touched = append(touched, *w.window)
	}
	w.advanceCursor()
	err := w.persist(opCommit, touched...)
	batch.signal(err)
	w.publish()
}

// advanceCursor moves the cursor up to the highest committed sequence that has no unscanned
// range below it. Single-message storage failures do not hold it back.
func (w *channelWorker) advanceCursor() {
	ceiling := w.channel.HighWater
	bound := func(resumeFrom int64) {
		if resumeFrom-1 < ceiling {
			ceiling = resumeFrom - 1
		}
	}
	if w.window != nil {
		bound(w.window.ResumeFrom)
	}
	for _, window := range w.failed {
		if window.Reason != channels.WindowReasonStorageWriteFailed {
			bound(window.ResumeFrom)
		}
	}
	if ceiling > w.channel.Cursor {
		w.channel.Cursor = ceiling
	}
}

// openGap opens a gap window, or extends the bounded window already open.
func (w *channelWorker) openGap(low, high int64) {
	if w.window != nil {
		if !w.window.OpenEnded() && high > w.window.High {
			w.window.High = high
			w.persist(opAdmit, *w.window)
		}
		return
	}
	window, err := w.r.newWindow(low, high, channels.WindowReasonGap)
	if err != nil {
		w.r.logError(opAdmit, "window_id_failed", err, zap.String("channel_id", w.id))
		return
	}
	window.ChannelID = w.id
	w.logger.Info("gap detected", zap.Int64("low", low), zap.Int64("high", high))
	w.window = &window
	w.enterBackfilling()
	w.persist(opAdmit, window)
	w.schedule(window)
	w.publish()
}

// assumeGap covers everything after the admitted high mark with an open-ended window.
func (w *channelWorker) assumeGap() {
	if w.window != nil {
		if !w.window.OpenEnded() {
			w.window.High = 0
			w.persist(opAdmit, *w.window)
		}
		w.enterBackfilling()
		return
	}
	window, err := w.r.newWindow(w.admittedHigh+1, 0, channels.WindowReasonReconnect)
	if err != nil {
		w.r.logError(opAdmit, "window_id_failed", err, zap.String("channel_id", w.id))
		return
	}
	window.ChannelID = w.id
	w.logger.Info("gap assumed after listener outage", zap.Int64("low", window.Low))
	w.window = &window
	w.enterBackfilling()
	w.persist(opAdmit, window)
	w.schedule(window)
}

func (w *channelWorker) enterBackfilling() {
	if w.channel.SyncState != channels.SyncStateDegraded {
		w.channel.SyncState = channels.SyncStateBackfilling
	}
}

func (w *channelWorker) degrade(reason string) {
	w.channel.SyncState = channels.SyncStateDegraded
	w.channel.DegradedReason = reason
	w.logger.Warn("channel degraded", zap.String("reason", reason))
}

func (w *channelWorker) schedule(window channels.SyncWindow) {
	if err := w.r.enqueueWindow(w.ctx, w.id, window.WindowID); err != nil {
		w.r.logError(opBackfillWindow, "enqueue_failed", err,
			zap.String("channel_id", w.id),
			zap.String("window_id", window.WindowID))
	}
}

func (w *channelWorker) claimScan(windowID string, cancel context.CancelFunc) (channels.SyncWindow, bool) {
	if w.window == nil || w.window.WindowID != windowID || w.scanning {
		return channels.SyncWindow{}, false
	}
	w.scanning = true
	w.scanCancel = cancel
	w.enterBackfilling()
	w.persist(opBackfillWindow)
	w.publish()
	return *w.window, true
}

func (w *channelWorker) releaseScan(windowID string, cause error) {
	if w.window == nil || w.window.WindowID != windowID {
		return
	}
	w.scanning = false
	w.scanCancel = nil
	w.window.LastError = cause.Error()
	w.persist(opBackfillWindow, *w.window)
}

// finishWindow closes the window once its scan reached the frontier. When the window changed
// while the scan ran, the updated window is returned for another pass.
func (w *channelWorker) finishWindow(windowID string, scannedHigh int64) (channels.SyncWindow, bool, error) {
	if w.window == nil || w.window.WindowID != windowID {
		return channels.SyncWindow{}, true, errWindowClosed
	}
	if w.window.High != scannedHigh {
		return *w.window, false, nil
	}
	window := *w.window
	window.Status = channels.WindowStatusClosed
	if !window.OpenEnded() {
		window.ResumeFrom = window.High
	}
	w.window = nil
	w.scanning = false
	w.scanCancel = nil
	w.advanceCursor()

	if w.channel.SyncState != channels.SyncStateDegraded {
		w.channel.SyncState = channels.SyncStateCaughtUp
		w.channel.DegradedReason = ""
		switch {
		case w.listener != nil && w.channel.ListenerState == channels.ListenerStateFailed:
			w.degrade(ReasonListenerUnreachable)
		case w.listener != nil || w.channel.ListenerWanted:
			w.activateListener()
		}
	}
	w.logger.Info("sync window closed",
		zap.String("window_id", window.WindowID),
		zap.String("reason", string(window.Reason)),
		zap.Int64("cursor", w.channel.Cursor))
	err := w.persist(opBackfillWindow, window)
	w.publish()
	return window, true, err
}

func (w *channelWorker) failWindow(windowID string, cause error, reason string) {
	if w.window == nil || w.window.WindowID != windowID {
		return
	}
	window := *w.window
	window.Status = channels.WindowStatusFailed
	window.LastError = cause.Error()
	w.failed = append(w.failed, window)
	w.window = nil
	w.scanning = false
	w.scanCancel = nil
	w.degrade(reason)
	w.persist(opBackfillWindow, window)
	w.publish()
}

func (w *channelWorker) startListener() ChannelState {
	w.channel.ListenerWanted = true
	switch w.channel.SyncState {
	case channels.SyncStateCaughtUp, channels.SyncStateListening:
		w.activateListener()
	default:
		w.logger.Info("listener activation queued", zap.String("sync_state", string(w.channel.SyncState)))
	}
	w.persist(opStartListener)
	w.publish()
	return w.snapshot()
}

func (w *channelWorker) activateListener() {
	if w.listener == nil {
		sink := &listenerSink{worker: w, generation: w.listenerGen + 1}
		handle, started := w.r.listeners.Start(w.id, sink)
		if started {
			w.listenerGen++
			w.channel.ListenerState = channels.ListenerStateStarting
		}
		w.listener = handle
	}
	if w.channel.SyncState == channels.SyncStateCaughtUp {
		w.channel.SyncState = channels.SyncStateListening
	}
}

func (w *channelWorker) beginStopListener() *listener.Handle {
	w.channel.ListenerWanted = false
	handle := w.listener
	if handle != nil {
		w.channel.ListenerState = channels.ListenerStateStopping
	}
	w.persist(opStopListener)
	w.publish()
	return handle
}

func (w *channelWorker) finishStopListener(handle *listener.Handle) ChannelState {
	if handle != nil && w.listener == handle {
		w.listenerStopped()
		w.persist(opStopListener)
		w.publish()
	}
	return w.snapshot()
}

func (w *channelWorker) listenerStopped() {
	w.listener = nil
	if w.channel.ListenerState != channels.ListenerStateFailed {
		w.channel.ListenerState = channels.ListenerStateStopped
	}
	if w.channel.SyncState == channels.SyncStateListening {
		w.channel.SyncState = channels.SyncStateCaughtUp
	}
}

// resync restarts reconciliation. A window that is open but has no scan running, because its
// task was lost or is waiting out a retry, is rescheduled; a running scan is left alone.
func (w *channelWorker) resync() (ChannelState, error) {
	switch w.channel.SyncState {
	case channels.SyncStateDegraded, channels.SyncStateCaughtUp, channels.SyncStateListening:
	case channels.SyncStateBackfilling, channels.SyncStateUnsynced:
		if w.window == nil || w.scanning {
			return w.snapshot(), ErrInvalidTransition
		}
	default:
		return w.snapshot(), ErrInvalidTransition
	}
	if w.window != nil {
		w.channel.SyncState = channels.SyncStateBackfilling
		w.channel.DegradedReason = ""
		if !w.scanning {
			w.schedule(*w.window)
		}
		w.persist(opResync)
		w.publish()
		return w.snapshot(), nil
	}

	low := w.channel.Cursor + 1
	abandoned := make([]channels.SyncWindow, 0, len(w.failed)+1)
	for _, window := range w.failed {
		if window.ResumeFrom < low {
			low = window.ResumeFrom
		}
		window.Status = channels.WindowStatusAbandoned
		abandoned = append(abandoned, window)
	}
	window, err := w.r.newWindow(low, 0, channels.WindowReasonResync)
	if err != nil {
		return w.snapshot(), err
	}
	window.ChannelID = w.id
	w.failed = nil
	w.window = &window
	w.channel.SyncState = channels.SyncStateBackfilling
	w.channel.DegradedReason = ""
	w.persist(opResync, append(abandoned, window)...)
	w.schedule(window)
	w.publish()
	w.logger.Info("resync scheduled", zap.Int64("low", low))
	return w.snapshot(), nil
}

func (w *channelWorker) beginRemove() *listener.Handle {
	w.channel.ListenerWanted = false
	if w.scanCancel != nil {
		w.scanCancel()
	}
	handle := w.listener
	if handle != nil {
		w.channel.ListenerState = channels.ListenerStateStopping
		w.publish()
	}
	return handle
}

func (w *channelWorker) listenerEvent(generation uint64, event listener.Event) {
	if generation != w.listenerGen {
		return
	}
	switch event.Kind {
	case listener.EventConnected:
		w.listenerUp()
		if event.DownFor >= w.r.gapAssumeAfter {
			w.assumeGap()
		}
	case listener.EventFailed:
		w.channel.ListenerState = channels.ListenerStateFailed
		w.degrade(ReasonListenerUnreachable)
	case listener.EventRecovered:
		w.listenerUp()
		if event.DownFor >= w.r.gapAssumeAfter {
			w.assumeGap()
		}
		w.logger.Info("listener recovered", zap.Duration("down_for", event.DownFor))
	case listener.EventPermanent:
		w.channel.ListenerState = channels.ListenerStateFailed
		w.degrade(ReasonSourcePermanent)
	case listener.EventStopped:
		w.listenerStopped()
	}
	w.persist(opStartListener)
	w.publish()
}

// listenerUp records a live subscription and lifts a degradation caused by the listener.
func (w *channelWorker) listenerUp() {
	w.channel.ListenerState = channels.ListenerStateRunning
	switch {
	case w.channel.SyncState == channels.SyncStateCaughtUp:
		w.channel.SyncState = channels.SyncStateListening
	case w.channel.SyncState == channels.SyncStateDegraded && w.channel.DegradedReason == ReasonListenerUnreachable:
		w.channel.DegradedReason = ""
		w.channel.SyncState = channels.SyncStateListening
		if w.window != nil {
			w.channel.SyncState = channels.SyncStateBackfilling
		}
	}
}

func (w *channelWorker) persist(operation string, windows ...channels.SyncWindow) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(w.ctx), w.r.callTimeout)
	defer cancel()
	err := w.r.registry.Persist(ctx, w.channel, windows...)
	if err != nil {
		w.r.logError(operation, "persist_failed", err, zap.String("channel_id", w.id))
	}
	return err
}

func (w *channelWorker) snapshot() ChannelState {
	state := ChannelState{
		ChannelID:      w.id,
		Title:          w.channel.Title,
		SyncState:      w.channel.SyncState,
		ListenerState:  w.channel.ListenerState,
		ListenerWanted: w.channel.ListenerWanted,
		Cursor:         w.channel.Cursor,
		HighWater:      w.channel.HighWater,
		DegradedReason: w.channel.DegradedReason,
		Counters:       w.counters,
		UpdatedAt:      w.r.clock().UTC(),
	}
	if w.window != nil {
		open := *w.window
		state.OpenWindow = &open
	}
	return state
}

func (w *channelWorker) gaps() []channels.SyncWindow {
	gaps := make([]channels.SyncWindow, 0, len(w.failed)+1)
	if w.window != nil {
		gaps = append(gaps, *w.window)
	}
	gaps = append(gaps, w.failed...)
	sort.SliceStable(gaps, func(a, b int) bool { return gaps[a].Low < gaps[b].Low })
	return gaps
}

func (w *channelWorker) publish() {
	state := w.snapshot()
	w.r.snapshots.put(state, w.gaps())
	if w.r.observer != nil {
		w.r.observer.ChannelChanged(state)
	}
}

// submitPage hands a backfill page to the worker and waits until it is committed and
// checkpointed.
func (w *channelWorker) submitPage(ctx context.Context, page backfill.Page) error {
	done := make(chan error, 1)
	input := admissionInput{
		windowID: page.WindowID,
		pageHigh: page.Range.High,
		messages: page.Messages,
		done:     done,
	}
	if err := w.post(ctx, func() { w.admit(input) }); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-w.quit:
		return errWorkerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

type listenerSink struct {
	worker     *channelWorker
	generation uint64
}

func (s *listenerSink) Deliver(ctx context.Context, message messages.Message) error {
	input := admissionInput{messages: []messages.Message{message}, live: true}
	return s.worker.post(ctx, func() { s.worker.admit(input) })
}

func (s *listenerSink) ListenerEvent(event listener.Event) {
	_ = s.worker.post(context.Background(), func() { s.worker.listenerEvent(s.generation, event) })
}
