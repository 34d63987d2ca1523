package messages

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LedgerStatus tracks whether an admitted revision reached the index.
type LedgerStatus string

const (
	LedgerStatusPending   LedgerStatus = "pending"
	LedgerStatusCommitted LedgerStatus = "committed"
)

// LedgerEntry records the highest admitted revision per message identity.
type LedgerEntry struct {
	ChannelID          string       `gorm:"column:channel_id;primaryKey;size:190;not null"`
	IdentityKey        string       `gorm:"column:identity_key;primaryKey;size:255;not null"`
	Fingerprint        string       `gorm:"column:fingerprint;size:64;not null;index"`
	Sequence           int64        `gorm:"column:sequence;not null"`
	Revision           int64        `gorm:"column:revision;not null"`
	CommittedRevision  int64        `gorm:"column:committed_revision;not null;default:0"`
	Status             LedgerStatus `gorm:"column:status;size:16;not null"`
	AdmittedAtSeconds  int64        `gorm:"column:admitted_at_s;not null"`
	CommittedAtSeconds int64        `gorm:"column:committed_at_s;not null;default:0"`
}

// TableName binds the GORM model to the message_ledger table.
func (LedgerEntry) TableName() string {
	return "message_ledger"
}

// Ledger is the durable dedup store.
type Ledger interface {
	Lookup(ctx context.Context, channelID, identityKey string) (LedgerEntry, bool, error)
	Reserve(ctx context.Context, entry LedgerEntry) error
	Commit(ctx context.Context, channelID, identityKey string, revision int64) error
	Rollback(ctx context.Context, channelID, identityKey string, revision int64) error
	Pending(ctx context.Context, channelID string) ([]LedgerEntry, error)
}

// GormLedger stores ledger entries in the application database.
type GormLedger struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewGormLedger constructs a ledger over db.
func NewGormLedger(db *gorm.DB, clock func() time.Time) *GormLedger {
	if clock == nil {
		clock = time.Now
	}
	return &GormLedger{db: db, clock: clock}
}

// Lookup returns the entry for the identity, if any.
func (l *GormLedger) Lookup(ctx context.Context, channelID, identityKey string) (LedgerEntry, bool, error) {
	var entry LedgerEntry
	err := l.db.WithContext(ctx).
		Where("channel_id = ? AND identity_key = ?", channelID, identityKey).
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return LedgerEntry{}, false, nil
	}
	if err != nil {
		return LedgerEntry{}, false, err
	}
	return entry, true, nil
}

// Reserve records a pending revision, replacing whatever revision was pending before.
func (l *GormLedger) Reserve(ctx context.Context, entry LedgerEntry) error {
	entry.Status = LedgerStatusPending
	entry.AdmittedAtSeconds = l.clock().UTC().Unix()
	return l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "channel_id"}, {Name: "identity_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"fingerprint", "sequence", "revision", "status", "admitted_at_s"}),
	}).Create(&entry).Error
}

// Commit marks revision as durably indexed.
func (l *GormLedger) Commit(ctx context.Context, channelID, identityKey string, revision int64) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entry LedgerEntry
		err := tx.Where("channel_id = ? AND identity_key = ?", channelID, identityKey).Take(&entry).Error
		if err != nil {
			return err
		}
		if revision > entry.CommittedRevision {
			entry.CommittedRevision = revision
			entry.CommittedAtSeconds = l.clock().UTC().Unix()
		}
		if entry.Revision == revision {
			entry.Status = LedgerStatusCommitted
		}
		return tx.Save(&entry).Error
	})
}

// Rollback forgets a pending revision that could not be indexed so a redelivery is admitted again.
func (l *GormLedger) Rollback(ctx context.Context, channelID, identityKey string, revision int64) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entry LedgerEntry
		err := tx.Where("channel_id = ? AND identity_key = ?", channelID, identityKey).Take(&entry).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if entry.Revision != revision {
			return nil
		}
		if entry.CommittedRevision == 0 {
			return tx.Delete(&entry).Error
		}
		entry.Revision = entry.CommittedRevision
		entry.Status = LedgerStatusCommitted
		return tx.Save(&entry).Error
	})
}

// Pending lists the channel's entries still awaiting commit.
func (l *GormLedger) Pending(ctx context.Context, channelID string) ([]LedgerEntry, error) {
	var entries []LedgerEntry
	err := l.db.WithContext(ctx).
		Where("channel_id = ? AND status = ?", channelID, LedgerStatusPending).
		Order("sequence ASC").
		Find(&entries).Error
	return entries, err
}
