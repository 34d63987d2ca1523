package messages

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Decision is the deduplicator's verdict on a message.
type Decision string

const (
	DecisionAccept            Decision = "ACCEPT"
	DecisionRejectDuplicate   Decision = "REJECT_DUPLICATE"
	DecisionAcceptSuperseding Decision = "ACCEPT_SUPERSEDING"
)

const defaultFingerprintWindow = 24 * time.Hour

var (
	errMissingLedger = errors.New("messages: ledger is required")
	errMissingWindow = errors.New("messages: recency window is required")
)

// Admission carries the decision and, when superseding, the revision being replaced.
type Admission struct {
	Decision           Decision
	SupersededRevision int64
}

// Admitted reports whether the message should be committed.
func (a Admission) Admitted() bool {
	return a.Decision == DecisionAccept || a.Decision == DecisionAcceptSuperseding
}

// DeduplicatorConfig wires the deduplicator to its stores.
type DeduplicatorConfig struct {
	Ledger            Ledger
	Window            RecencyWindow
	FingerprintWindow time.Duration
	Logger            *zap.Logger
}

// Deduplicator admits or rejects messages. Callers serialize Admit per channel.
type Deduplicator struct {
	ledger Ledger
	window RecencyWindow
	ttl    time.Duration
	logger *zap.Logger
}

// NewDeduplicator validates configuration and constructs a Deduplicator.
func NewDeduplicator(cfg DeduplicatorConfig) (*Deduplicator, error) {
	if cfg.Ledger == nil {
		return nil, errMissingLedger
	}
	if cfg.Window == nil {
		return nil, errMissingWindow
	}
	ttl := cfg.FingerprintWindow
	if ttl <= 0 {
		ttl = defaultFingerprintWindow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deduplicator{ledger: cfg.Ledger, window: cfg.Window, ttl: ttl, logger: logger}, nil
}

// Admit decides whether message is new, a duplicate, or a newer revision of a stored message.
// Admitted messages are reserved in the ledger until Confirm or Revert.
func (d *Deduplicator) Admit(ctx context.Context, message Message) (Admission, error) {
	if message.Fingerprint == "" {
		return Admission{}, fmt.Errorf("%w: message not prepared", ErrInvalidMessage)
	}
	if !message.HasSourceID() {
		return d.admitByContent(ctx, message)
	}

	entry, found, err := d.ledger.Lookup(ctx, message.ChannelID, message.IdentityKey())
	if err != nil {
		return Admission{}, fmt.Errorf("messages: ledger lookup: %w", err)
	}
	admission := Admission{Decision: DecisionAccept}
	if found {
		if entry.Revision >= message.Revision {
			return Admission{Decision: DecisionRejectDuplicate}, nil
		}
		admission = Admission{Decision: DecisionAcceptSuperseding, SupersededRevision: entry.Revision}
	}
	if err := d.ledger.Reserve(ctx, entryFor(message)); err != nil {
		return Admission{}, fmt.Errorf("messages: ledger reserve: %w", err)
	}
	return admission, nil
}

func (d *Deduplicator) admitByContent(ctx context.Context, message Message) (Admission, error) {
	claimed, err := d.window.Claim(ctx, message.ChannelID, message.Fingerprint, d.ttl)
	if err != nil {
		return Admission{}, fmt.Errorf("messages: fingerprint claim: %w", err)
	}
	if !claimed {
		return Admission{Decision: DecisionRejectDuplicate}, nil
	}
	if err := d.ledger.Reserve(ctx, entryFor(message)); err != nil {
		if releaseErr := d.window.Release(ctx, message.ChannelID, message.Fingerprint); releaseErr != nil {
			d.logger.Warn("fingerprint release failed",
				zap.String("channel_id", message.ChannelID),
				zap.Error(releaseErr))
		}
		return Admission{}, fmt.Errorf("messages: ledger reserve: %w", err)
	}
	return Admission{Decision: DecisionAccept}, nil
}

// Confirm records that the admitted revision was committed to the index.
func (d *Deduplicator) Confirm(ctx context.Context, message Message) error {
	return d.ledger.Commit(ctx, message.ChannelID, message.IdentityKey(), message.Revision)
}

// Revert undoes an admission whose commit failed so the message can be admitted again.
func (d *Deduplicator) Revert(ctx context.Context, message Message) error {
	if err := d.ledger.Rollback(ctx, message.ChannelID, message.IdentityKey(), message.Revision); err != nil {
		return err
	}
	if message.HasSourceID() {
		return nil
	}
	return d.window.Release(ctx, message.ChannelID, message.Fingerprint)
}

// Recover reverts admissions a previous process left pending, so their messages are admitted
// again when they are redelivered. Call it before the channel admits anything.
func (d *Deduplicator) Recover(ctx context.Context, channelID string) error {
	entries, err := d.ledger.Pending(ctx, channelID)
	if err != nil {
		return fmt.Errorf("messages: list pending: %w", err)
	}
	for _, entry := range entries {
		if err := d.ledger.Rollback(ctx, entry.ChannelID, entry.IdentityKey, entry.Revision); err != nil {
			return fmt.Errorf("messages: rollback %s: %w", entry.IdentityKey, err)
		}
		if !strings.HasPrefix(entry.IdentityKey, contentIdentityPrefix) {
			continue
		}
		if err := d.window.Release(ctx, entry.ChannelID, entry.Fingerprint); err != nil {
			d.logger.Warn("fingerprint release failed",
				zap.String("channel_id", entry.ChannelID),
				zap.Error(err))
		}
	}
	if len(entries) > 0 {
		d.logger.Info("pending admissions reverted",
			zap.String("channel_id", channelID),
			zap.Int("count", len(entries)))
	}
	return nil
}

func entryFor(message Message) LedgerEntry {
	return LedgerEntry{
		ChannelID:   message.ChannelID,
		IdentityKey: message.IdentityKey(),
		Fingerprint: message.Fingerprint,
		Sequence:    message.Sequence,
		Revision:    message.Revision,
	}
}
