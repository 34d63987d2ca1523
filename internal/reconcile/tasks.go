package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/backfill"
	"github.com/MarcoPoloResearchLab/courier/internal/channels"
	"github.com/MarcoPoloResearchLab/courier/internal/media"
	"github.com/MarcoPoloResearchLab/courier/internal/messages"
	"github.com/MarcoPoloResearchLab/courier/internal/search"
	"github.com/MarcoPoloResearchLab/courier/internal/source"
	"github.com/MarcoPoloResearchLab/courier/internal/taskqueue"
	"go.uber.org/zap"
)

const (
	taskBackfillWindow = "backfill.window"
	taskMediaRepair    = "media.repair"

	enqueueTimeout = 5 * time.Second
)

type windowTaskPayload struct {
	WindowID string `json:"window_id"`
}

type mediaRepairPayload struct {
	SourceMessageID string `json:"source_message_id"`
	Revision        int64  `json:"revision"`
	Address         string `json:"address"`
}

func (r *Reconciler) enqueueWindow(ctx context.Context, channelID, windowID string) error {
	task, err := taskqueue.NewTask(taskBackfillWindow, channelID, windowTaskPayload{WindowID: windowID})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	defer cancel()
	return r.queue.Enqueue(ctx, task)
}

// runWindowTask scans one window page by page. Each page is admitted and committed before the
// next is fetched, so a redelivered task resumes from the last checkpoint.
func (r *Reconciler) runWindowTask(ctx context.Context, task taskqueue.Task) error {
	var payload windowTaskPayload
	if err := task.Decode(&payload); err != nil {
		return taskqueue.Permanent(err)
	}
	worker, ok := r.lookupWorker(task.ChannelID)
	if !ok {
		r.logger.Debug("backfill task for unknown channel", zap.String("channel_id", task.ChannelID))
		return nil
	}

	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var window channels.SyncWindow
	var claimed bool
	if err := worker.do(ctx, func() { window, claimed = worker.claimScan(payload.WindowID, cancel) }); err != nil {
		return ignoreStopped(err)
	}
	if !claimed {
		return nil
	}

	scan := r.scanner.Scan(window)
	progressed := false
	for {
		page, err := scan.Next(scanCtx)
		if err == nil {
			err = worker.submitPage(scanCtx, page)
			if err == nil {
				progressed = true
				taskqueue.Touch(scanCtx)
				continue
			}
			if errors.Is(err, errWindowClosed) || errors.Is(err, errWorkerStopped) {
				return nil
			}
		}

		var windowFailed *backfill.WindowFailedError
		switch {
		case errors.Is(err, backfill.ErrExhausted):
			var next channels.SyncWindow
			var closed bool
			var finishErr error
			if doErr := worker.do(context.WithoutCancel(ctx), func() {
				next, closed, finishErr = worker.finishWindow(window.WindowID, window.High)
			}); doErr != nil {
				return ignoreStopped(doErr)
			}
			if errors.Is(finishErr, errWindowClosed) || closed {
				return nil
			}
			window = next
			scan = r.scanner.Scan(next)
		case source.IsPermanent(err):
			worker.failScan(ctx, window.WindowID, err, ReasonSourcePermanent)
			return taskqueue.Permanent(err)
		case errors.As(err, &windowFailed):
			worker.failScan(ctx, window.WindowID, err, ReasonBackfillFailed)
			return taskqueue.Permanent(err)
		default:
			abandoned := scanCtx.Err() != nil && ctx.Err() == nil
			_ = worker.do(context.WithoutCancel(ctx), func() { worker.releaseScan(window.WindowID, err) })
			if abandoned {
				return nil
			}
			if progressed && r.ctx.Err() == nil {
				// Checkpointed pages are kept; a fresh task resumes from them with a full
				// attempt budget.
				if requeueErr := r.enqueueWindow(context.WithoutCancel(ctx), task.ChannelID, window.WindowID); requeueErr == nil {
					r.logger.Info("backfill window requeued from checkpoint",
						zap.String("channel_id", task.ChannelID),
						zap.String("window_id", window.WindowID),
						zap.Error(err))
					return nil
				}
			}
			return err
		}
	}
}

func (w *channelWorker) failScan(ctx context.Context, windowID string, cause error, reason string) {
	_ = w.do(context.WithoutCancel(ctx), func() { w.failWindow(windowID, cause, reason) })
}

// windowTaskOutcome degrades the channel once the queue gives up on a window.
func (r *Reconciler) windowTaskOutcome(outcome taskqueue.Outcome) {
	if outcome.Err == nil {
		return
	}
	var payload windowTaskPayload
	if err := outcome.Task.Decode(&payload); err != nil {
		return
	}
	worker, ok := r.lookupWorker(outcome.Task.ChannelID)
	if !ok {
		return
	}
	r.logError(opBackfillWindow, "task_exhausted", outcome.Err,
		zap.String("channel_id", outcome.Task.ChannelID),
		zap.String("window_id", payload.WindowID),
		zap.Int("attempts", outcome.Attempts))
	_ = worker.post(context.Background(), func() {
		worker.failWindow(payload.WindowID, outcome.Err, ReasonBackfillFailed)
	})
}

func (r *Reconciler) scheduleMediaRepair(ctx context.Context, message messages.Message) {
	if message.Media == nil {
		return
	}
	address, err := r.offloader.Stage(ctx, *message.Media)
	if err != nil {
		r.logError(opMediaRepair, "stage_failed", err,
			zap.String("channel_id", message.ChannelID),
			zap.String("source_message_id", message.IdentityKey()))
		return
	}
	payload := mediaRepairPayload{
		SourceMessageID: message.IdentityKey(),
		Revision:        message.Revision,
		Address:         address,
	}
	task, err := taskqueue.NewTask(taskMediaRepair, message.ChannelID, payload)
	if err == nil {
		enqueueCtx, cancel := context.WithTimeout(ctx, enqueueTimeout)
		err = r.queue.Enqueue(enqueueCtx, task)
		cancel()
	}
	if err != nil {
		r.logError(opMediaRepair, "enqueue_failed", err,
			zap.String("channel_id", message.ChannelID),
			zap.String("source_message_id", message.IdentityKey()))
	}
}

// runMediaRepairTask uploads staged media and rewrites the placeholder of the stored document
// when it still describes the same revision.
func (r *Reconciler) runMediaRepairTask(ctx context.Context, task taskqueue.Task) error {
	var payload mediaRepairPayload
	if err := task.Decode(&payload); err != nil {
		return taskqueue.Permanent(err)
	}
	address, err := r.offloader.Repair(ctx, payload.Address)
	if err != nil {
		if errors.Is(err, media.ErrPermanentUpload) || errors.Is(err, media.ErrStagedMediaMissing) {
			return taskqueue.Permanent(err)
		}
		return err
	}

	key := messages.Key{ChannelID: task.ChannelID, SourceMessageID: payload.SourceMessageID}
	document, err := r.index.Get(ctx, key)
	if errors.Is(err, search.ErrDocumentNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if document.Revision != payload.Revision || !document.MediaPending {
		return nil
	}
	document.MediaRef = address
	document.MediaPending = false
	document.IndexedAtSeconds = r.clock().UTC().Unix()
	if err := r.index.Upsert(ctx, document); err != nil {
		return err
	}

	r.logger.Info("media repaired",
		zap.String("channel_id", task.ChannelID),
		zap.String("source_message_id", payload.SourceMessageID),
		zap.String("media_ref", address))
	if worker, ok := r.lookupWorker(task.ChannelID); ok {
		_ = worker.post(ctx, func() {
			worker.counters.MediaRepaired++
			worker.publish()
		})
	}
	return nil
}

func (r *Reconciler) mediaRepairOutcome(outcome taskqueue.Outcome) {
	if outcome.Err == nil {
		return
	}
	r.logError(opMediaRepair, "task_exhausted", outcome.Err,
		zap.String("channel_id", outcome.Task.ChannelID),
		zap.Int("attempts", outcome.Attempts))
}

func ignoreStopped(err error) error {
	if errors.Is(err, errWorkerStopped) {
		return nil
	}
	return err
}
