// Package search stores committed messages as searchable documents.
package search

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/messages"
)

const (
	defaultSearchLimit = 50
	maxSearchLimit     = 500
)

var (
	// ErrDocumentNotFound indicates that no document carries the requested key.
	ErrDocumentNotFound = errors.New("search: document not found")
	// ErrInvalidDocument indicates a document without its identity fields.
	ErrInvalidDocument = errors.New("search: invalid document")
)

// Document is the stored form of a committed message.
type Document struct {
	ChannelID        string `gorm:"column:channel_id;primaryKey;size:190;not null"`
	SourceMessageID  string `gorm:"column:source_message_id;primaryKey;size:255;not null"`
	Sequence         int64  `gorm:"column:sequence;not null;index"`
	Revision         int64  `gorm:"column:revision;not null"`
	SenderName       string `gorm:"column:sender_name;size:255"`
	Text             string `gorm:"column:text;type:text"`
	SentAtSeconds    int64  `gorm:"column:sent_at_s;not null;default:0"`
	MediaRef         string `gorm:"column:media_ref;size:255"`
	MediaPending     bool   `gorm:"column:media_pending;not null;default:false"`
	Deleted          bool   `gorm:"column:deleted;not null;default:false"`
	Fingerprint      string `gorm:"column:fingerprint;size:64;not null"`
	ReceivedVia      string `gorm:"column:received_via;size:16"`
	IndexedAtSeconds int64  `gorm:"column:indexed_at_s;not null"`
}

// TableName binds the GORM model to the message_documents table.
func (Document) TableName() string {
	return "message_documents"
}

// Key returns the document's storage key.
func (d Document) Key() messages.Key {
	return messages.Key{ChannelID: d.ChannelID, SourceMessageID: d.SourceMessageID}
}

func (d Document) validate() error {
	if strings.TrimSpace(d.ChannelID) == "" || strings.TrimSpace(d.SourceMessageID) == "" {
		return ErrInvalidDocument
	}
	return nil
}

// Supersession records that a stored revision was replaced by a newer one.
type Supersession struct {
	ID                  uint   `gorm:"column:id;primaryKey;autoIncrement"`
	ChannelID           string `gorm:"column:channel_id;size:190;not null;uniqueIndex:idx_supersession_revision"`
	SourceMessageID     string `gorm:"column:source_message_id;size:255;not null;uniqueIndex:idx_supersession_revision"`
	Revision            int64  `gorm:"column:revision;not null;uniqueIndex:idx_supersession_revision"`
	SupersededAtSeconds int64  `gorm:"column:superseded_at_s;not null"`
}

// TableName binds the GORM model to the message_supersessions table.
func (Supersession) TableName() string {
	return "message_supersessions"
}

// FromMessage builds the document for an admitted message.
func FromMessage(message messages.Message, indexedAt time.Time) Document {
	sentAt := int64(0)
	if !message.SentAt.IsZero() {
		sentAt = message.SentAt.UTC().Unix()
	}
	return Document{
		ChannelID:        message.ChannelID,
		SourceMessageID:  message.IdentityKey(),
		Sequence:         message.Sequence,
		Revision:         message.Revision,
		SenderName:       message.SenderName,
		Text:             message.Text,
		SentAtSeconds:    sentAt,
		MediaRef:         message.MediaRef,
		MediaPending:     message.MediaPending,
		Deleted:          message.Deleted,
		Fingerprint:      message.Fingerprint,
		ReceivedVia:      string(message.ReceivedVia),
		IndexedAtSeconds: indexedAt.UTC().Unix(),
	}
}

// Query selects documents of one channel.
type Query struct {
	ChannelID      string
	Text           string
	Limit          int
	IncludeDeleted bool
}

func (q Query) limit() int {
	switch {
	case q.Limit <= 0:
		return defaultSearchLimit
	case q.Limit > maxSearchLimit:
		return maxSearchLimit
	default:
		return q.Limit
	}
}

// Index is the search-storage collaborator. Upsert is idempotent per key and never replaces a
// newer revision with an older one.
type Index interface {
	Upsert(ctx context.Context, document Document) error
	MarkSuperseded(ctx context.Context, key messages.Key, revision int64) error
	Get(ctx context.Context, key messages.Key) (Document, error)
	Search(ctx context.Context, query Query) ([]Document, error)
	Close() error
}
