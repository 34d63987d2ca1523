// Package messages models channel messages and decides whether they are admitted for indexing.
package messages

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Provenance records which component delivered a message.
type Provenance string

const (
	ProvenanceBackfill Provenance = "BACKFILL"
	ProvenanceLive     Provenance = "LIVE"
)

const (
	contentIdentityPrefix = "fp:"
	mediaDigestPrefix     = "sha256:"
)

var (
	// ErrInvalidMessage indicates that a message lacks the fields needed for admission.
	ErrInvalidMessage = errors.New("messages: invalid message")
)

// MediaPayload is raw media content awaiting offload.
type MediaPayload struct {
	ContentType string
	Data        []byte
}

// Digest returns the hex SHA-256 of the payload content.
func (p MediaPayload) Digest() string {
	sum := sha256.Sum256(p.Data)
	return hex.EncodeToString(sum[:])
}

// Message is one channel message as delivered by the source feed.
type Message struct {
	ChannelID       string
	SourceMessageID string
	Sequence        int64
	Revision        int64
	Deleted         bool
	SenderName      string
	Text            string
	SentAt          time.Time
	Media           *MediaPayload
	MediaRef        string
	MediaPending    bool
	ReceivedVia     Provenance
	Fingerprint     string
}

// Key identifies a message within its channel.
type Key struct {
	ChannelID       string
	SourceMessageID string
}

// DocumentID renders the key the way the search store names documents.
func (k Key) DocumentID() string {
	return k.ChannelID + "_" + k.SourceMessageID
}

// HasSourceID reports whether the source assigned a stable message identifier.
func (m Message) HasSourceID() bool {
	return strings.TrimSpace(m.SourceMessageID) != ""
}

// IdentityKey returns the ledger identity: the source id when present, otherwise the fingerprint
// qualified by sequence so that repeated content outside the recency window stays distinct.
func (m Message) IdentityKey() string {
	if m.HasSourceID() {
		return m.SourceMessageID
	}
	return fmt.Sprintf("%s%s:%d", contentIdentityPrefix, m.Fingerprint, m.Sequence)
}

// Key returns the storage key of the message.
func (m Message) Key() Key {
	return Key{ChannelID: m.ChannelID, SourceMessageID: m.IdentityKey()}
}

// MediaIdentity is the media component of the fingerprint: the content digest before offload,
// the stored reference after.
func (m Message) MediaIdentity() string {
	if m.Media != nil {
		return mediaDigestPrefix + m.Media.Digest()
	}
	return m.MediaRef
}

// Prepare validates the message and fills the fingerprint and default revision.
func (m Message) Prepare() (Message, error) {
	if strings.TrimSpace(m.ChannelID) == "" {
		return Message{}, fmt.Errorf("%w: missing channel id", ErrInvalidMessage)
	}
	if m.Sequence <= 0 {
		return Message{}, fmt.Errorf("%w: sequence %d", ErrInvalidMessage, m.Sequence)
	}
	if m.Revision <= 0 {
		m.Revision = 1
	}
	m.Fingerprint = Fingerprint(m.Text, m.MediaIdentity())
	return m, nil
}
