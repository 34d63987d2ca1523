package search

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/messages"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormIndex keeps documents in the application database.
type GormIndex struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewGormIndex constructs an index over db. The schema is owned by the database package.
func NewGormIndex(db *gorm.DB, clock func() time.Time) *GormIndex {
	if clock == nil {
		clock = time.Now
	}
	return &GormIndex{db: db, clock: clock}
}

func (i *GormIndex) Upsert(ctx context.Context, document Document) error {
	if err := document.validate(); err != nil {
		return err
	}
	return i.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Document
		err := tx.Where("channel_id = ? AND source_message_id = ?", document.ChannelID, document.SourceMessageID).
			Take(&existing).Error
		switch {
		case err == nil:
			if existing.Revision > document.Revision {
				return nil
			}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}
		return tx.Save(&document).Error
	})
}

func (i *GormIndex) MarkSuperseded(ctx context.Context, key messages.Key, revision int64) error {
	record := Supersession{
		ChannelID:           key.ChannelID,
		SourceMessageID:     key.SourceMessageID,
		Revision:            revision,
		SupersededAtSeconds: i.clock().UTC().Unix(),
	}
	return i.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error
}

func (i *GormIndex) Get(ctx context.Context, key messages.Key) (Document, error) {
	var document Document
	err := i.db.WithContext(ctx).
		Where("channel_id = ? AND source_message_id = ?", key.ChannelID, key.SourceMessageID).
		Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, ErrDocumentNotFound
	}
	return document, err
}

func (i *GormIndex) Search(ctx context.Context, query Query) ([]Document, error) {
	statement := i.db.WithContext(ctx).Where("channel_id = ?", query.ChannelID)
	if !query.IncludeDeleted {
		statement = statement.Where("deleted = ?", false)
	}
	if text := strings.TrimSpace(query.Text); text != "" {
		statement = statement.Where("LOWER(text) LIKE ?", "%"+strings.ToLower(text)+"%")
	}
	var documents []Document
	err := statement.Order("sequence DESC").Limit(query.limit()).Find(&documents).Error
	return documents, err
}

// Close is a no-op; the database handle belongs to the caller.
func (i *GormIndex) Close() error {
	return nil
}
