package channels

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidChannelID indicates that a channel identifier is empty or exceeds storage bounds.
	ErrInvalidChannelID = errors.New("channels: invalid channel id")
	// ErrInvalidWindow indicates that a sync window range is malformed.
	ErrInvalidWindow = errors.New("channels: invalid sync window")
)

// ChannelID represents a validated external channel identifier.
type ChannelID string

// NewChannelID validates raw input and returns a ChannelID.
func NewChannelID(rawInput string) (ChannelID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidChannelID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidChannelID, maxIdentifierLength)
	}
	return ChannelID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ChannelID) String() string {
	return string(id)
}

// SyncState is the reconciliation state of a channel.
type SyncState string

const (
	SyncStateUnsynced    SyncState = "UNSYNCED"
	SyncStateBackfilling SyncState = "BACKFILLING"
	SyncStateCaughtUp    SyncState = "CAUGHT_UP"
	SyncStateListening   SyncState = "LISTENING"
	SyncStateDegraded    SyncState = "DEGRADED"
)

// ListenerState is the lifecycle state of a channel's live subscription.
type ListenerState string

const (
	ListenerStateStopped  ListenerState = "STOPPED"
	ListenerStateStarting ListenerState = "STARTING"
	ListenerStateRunning  ListenerState = "RUNNING"
	ListenerStateStopping ListenerState = "STOPPING"
	ListenerStateFailed   ListenerState = "FAILED"
)

// WindowStatus tracks a sync window through scanning.
type WindowStatus string

const (
	WindowStatusOpen      WindowStatus = "open"
	WindowStatusClosed    WindowStatus = "closed"
	WindowStatusFailed    WindowStatus = "failed"
	WindowStatusAbandoned WindowStatus = "abandoned"
)

// WindowReason records why a window was opened.
type WindowReason string

const (
	WindowReasonRegistration       WindowReason = "registration"
	WindowReasonGap                WindowReason = "gap"
	WindowReasonResync             WindowReason = "resync"
	WindowReasonReconnect          WindowReason = "reconnect"
	WindowReasonStorageWriteFailed WindowReason = "storage_write_failed"
)

// Channel is the persisted registry record of a monitored channel.
type Channel struct {
	ChannelID        string        `gorm:"column:channel_id;primaryKey;size:190;not null"`
	Title            string        `gorm:"column:title;size:255"`
	Cursor           int64         `gorm:"column:cursor_position;not null;default:0"`
	HighWater        int64         `gorm:"column:high_water;not null;default:0"`
	SyncState        SyncState     `gorm:"column:sync_state;size:32;not null"`
	ListenerState    ListenerState `gorm:"column:listener_state;size:32;not null"`
	ListenerWanted   bool          `gorm:"column:listener_wanted;not null;default:false"`
	DegradedReason   string        `gorm:"column:degraded_reason;size:64"`
	CreatedAtSeconds int64         `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64         `gorm:"column:updated_at_s;not null"`
	RemovedAtSeconds int64         `gorm:"column:removed_at_s;not null;default:0"`
}

// TableName binds the GORM model to the channels table.
func (Channel) TableName() string {
	return "channels"
}

// Removed reports whether the channel was logically deleted.
func (c Channel) Removed() bool {
	return c.RemovedAtSeconds > 0
}

// SyncWindow is a half-open sequence range [Low, High) scheduled for backfill.
// High == 0 means the window runs until the live frontier.
type SyncWindow struct {
	WindowID        string       `gorm:"column:window_id;primaryKey;size:64;not null"`
	ChannelID       string       `gorm:"column:channel_id;size:190;not null;index:idx_sync_windows_channel"`
	Low             int64        `gorm:"column:low_seq;not null"`
	High            int64        `gorm:"column:high_seq;not null;default:0"`
	ResumeFrom      int64        `gorm:"column:resume_from;not null"`
	Status          WindowStatus `gorm:"column:status;size:16;not null;index:idx_sync_windows_channel"`
	Reason          WindowReason `gorm:"column:reason;size:32;not null"`
	LastError       string       `gorm:"column:last_error;type:text"`
	OpenedAtSeconds int64        `gorm:"column:opened_at_s;not null"`
	ClosedAtSeconds int64        `gorm:"column:closed_at_s;not null;default:0"`
}

// TableName binds the GORM model to the sync_windows table.
func (SyncWindow) TableName() string {
	return "sync_windows"
}

// OpenEnded reports whether the window extends to the live frontier.
func (w SyncWindow) OpenEnded() bool {
	return w.High == 0
}

// Contains reports whether sequence falls inside the window.
func (w SyncWindow) Contains(sequence int64) bool {
	if sequence < w.Low {
		return false
	}
	return w.OpenEnded() || sequence < w.High
}

// Validate checks the range invariants of the window.
func (w SyncWindow) Validate() error {
	if strings.TrimSpace(w.WindowID) == "" {
		return fmt.Errorf("%w: missing window id", ErrInvalidWindow)
	}
	if w.Low < 1 {
		return fmt.Errorf("%w: low bound %d", ErrInvalidWindow, w.Low)
	}
	if !w.OpenEnded() && w.High <= w.Low {
		return fmt.Errorf("%w: empty range [%d, %d)", ErrInvalidWindow, w.Low, w.High)
	}
	if w.ResumeFrom < w.Low {
		return fmt.Errorf("%w: resume point %d precedes low bound %d", ErrInvalidWindow, w.ResumeFrom, w.Low)
	}
	return nil
}
