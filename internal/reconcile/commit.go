package reconcile

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/courier/internal/media"
	"github.com/MarcoPoloResearchLab/courier/internal/messages"
	"github.com/MarcoPoloResearchLab/courier/internal/retry"
	"github.com/MarcoPoloResearchLab/courier/internal/search"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type commitItem struct {
	message      messages.Message
	admission    messages.Admission
	mediaPending bool
	err          error
}

type commitFailure struct {
	sequence int64
	err      error
}

// commitBatch is the unit handed from the worker to its committer: one backfill page or one
// live message.
type commitBatch struct {
	windowID    string
	pageHigh    int64
	maxSequence int64
	items       []commitItem
	failures    []commitFailure
	done        chan error
}

func (b *commitBatch) signal(err error) {
	if b.done == nil {
		return
	}
	select {
	case b.done <- err:
	default:
	}
}

// commitLoop drains batches in submission order. A batch that started committing finishes even
// when the worker stops, so no message is left half written.
func (w *channelWorker) commitLoop() {
	defer w.wg.Done()
	for {
		select {
		case batch := <-w.commits:
			w.r.commitBatch(context.WithoutCancel(w.ctx), w.id, batch)
			w.results <- batch
		case <-w.quit:
			return
		}
	}
}

func (r *Reconciler) commitBatch(ctx context.Context, channelID string, batch *commitBatch) {
	if len(batch.items) == 0 {
		return
	}
	group := new(errgroup.Group)
	group.SetLimit(r.commitConcurrency)
	for index := range batch.items {
		item := &batch.items[index]
		group.Go(func() error {
			r.commitItem(ctx, channelID, item)
			return nil
		})
	}
	_ = group.Wait()
}

// commitItem offloads media, writes the document and settles the ledger entry.
func (r *Reconciler) commitItem(ctx context.Context, channelID string, item *commitItem) {
	message := item.message

	offloadCtx, cancel := context.WithTimeout(ctx, r.commitTimeout)
	offloaded, err := r.offloader.Offload(offloadCtx, message)
	cancel()
	var offloadErr *media.OffloadError
	if err != nil && !errors.As(err, &offloadErr) {
		offloaded = message
	}
	item.mediaPending = err != nil

	document := search.FromMessage(offloaded, r.clock())
	err = retry.Do(ctx, r.storagePolicy, nil, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
		defer cancel()
		return r.index.Upsert(callCtx, document)
	})
	if err != nil {
		item.err = err
		r.logError(opCommit, "index_upsert_failed", err,
			zap.String("channel_id", channelID),
			zap.String("source_message_id", message.IdentityKey()),
			zap.Int64("sequence", message.Sequence))
		if revertErr := r.dedup.Revert(ctx, message); revertErr != nil {
			r.logError(opCommit, "ledger_revert_failed", revertErr,
				zap.String("channel_id", channelID),
				zap.String("source_message_id", message.IdentityKey()))
		}
		return
	}

	if item.admission.Decision == messages.DecisionAcceptSuperseding {
		callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
		err := r.index.MarkSuperseded(callCtx, message.Key(), item.admission.SupersededRevision)
		cancel()
		if err != nil {
			r.logger.Warn("supersession record failed",
				zap.String("channel_id", channelID),
				zap.String("source_message_id", message.IdentityKey()),
				zap.Int64("revision", item.admission.SupersededRevision),
				zap.Error(err))
		}
	}

	if item.mediaPending {
		r.scheduleMediaRepair(ctx, message)
	}

	if err := r.dedup.Confirm(ctx, message); err != nil {
		r.logger.Warn("ledger confirm failed",
			zap.String("channel_id", channelID),
			zap.String("source_message_id", message.IdentityKey()),
			zap.Error(err))
	}
}
