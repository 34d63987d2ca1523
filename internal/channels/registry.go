// Package channels persists monitored channels, their cursors and their sync windows.
package channels

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrChannelNotFound indicates that no active channel carries the identifier.
	ErrChannelNotFound = errors.New("channels: channel not found")
	// ErrChannelExists indicates that an active channel already carries the identifier.
	ErrChannelExists = errors.New("channels: channel already registered")
	// ErrCursorRegression indicates an attempt to move a cursor backwards.
	ErrCursorRegression = errors.New("channels: cursor regression")

	errMissingDatabase = errors.New("channels: database handle is required")
)

// RegistryConfig wires the registry to its database.
type RegistryConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Registry stores Channel and SyncWindow records.
type Registry struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewRegistry validates configuration and constructs a Registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Create inserts a channel together with its initial window. A previously removed record with the
// same identifier is revived in place.
func (r *Registry) Create(ctx context.Context, channel Channel, window SyncWindow) error {
	if _, err := NewChannelID(channel.ChannelID); err != nil {
		return err
	}
	if err := window.Validate(); err != nil {
		return err
	}
	now := r.clock().UTC().Unix()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Channel
		err := tx.Where("channel_id = ?", channel.ChannelID).Take(&existing).Error
		switch {
		case err == nil && !existing.Removed():
			return ErrChannelExists
		case err == nil:
			channel.CreatedAtSeconds = existing.CreatedAtSeconds
			channel.RemovedAtSeconds = 0
			channel.UpdatedAtSeconds = now
			if err := tx.Model(&Channel{}).Where("channel_id = ?", channel.ChannelID).
				Updates(channelColumns(channel)).Error; err != nil {
				return err
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			channel.CreatedAtSeconds = now
			channel.UpdatedAtSeconds = now
			if err := tx.Create(&channel).Error; err != nil {
				return err
			}
		default:
			return err
		}
		window.ChannelID = channel.ChannelID
		if window.OpenedAtSeconds == 0 {
			window.OpenedAtSeconds = now
		}
		return tx.Create(&window).Error
	})
}

// Lookup returns the stored record for id, including logically removed channels.
func (r *Registry) Lookup(ctx context.Context, id ChannelID) (Channel, bool, error) {
	var channel Channel
	err := r.db.WithContext(ctx).Where("channel_id = ?", id.String()).Take(&channel).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Channel{}, false, nil
	}
	if err != nil {
		return Channel{}, false, err
	}
	return channel, true, nil
}

// Load returns the active channel for id.
func (r *Registry) Load(ctx context.Context, id ChannelID) (Channel, error) {
	channel, found, err := r.Lookup(ctx, id)
	if err != nil {
		return Channel{}, err
	}
	if !found || channel.Removed() {
		return Channel{}, fmt.Errorf("%w: %s", ErrChannelNotFound, id)
	}
	return channel, nil
}

// ListActive returns every channel that has not been removed, ordered by identifier.
func (r *Registry) ListActive(ctx context.Context) ([]Channel, error) {
	var channels []Channel
	err := r.db.WithContext(ctx).
		Where("removed_at_s = 0").
		Order("channel_id ASC").
		Find(&channels).Error
	return channels, err
}

// Windows returns the channel's windows in the given statuses ordered by low bound.
func (r *Registry) Windows(ctx context.Context, id ChannelID, statuses ...WindowStatus) ([]SyncWindow, error) {
	query := r.db.WithContext(ctx).Where("channel_id = ?", id.String())
	if len(statuses) > 0 {
		query = query.Where("status IN ?", statuses)
	}
	var windows []SyncWindow
	err := query.Order("low_seq ASC").Order("opened_at_s ASC").Find(&windows).Error
	return windows, err
}

// Persist writes the channel record and any touched windows in one transaction. The cursor is
// guarded so a stale writer can never move it backwards.
func (r *Registry) Persist(ctx context.Context, channel Channel, windows ...SyncWindow) error {
	now := r.clock().UTC().Unix()
	channel.UpdatedAtSeconds = now
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Channel{}).
			Where("channel_id = ? AND removed_at_s = 0 AND cursor_position <= ?", channel.ChannelID, channel.Cursor).
			Updates(channelColumns(channel))
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			var stored Channel
			err := tx.Where("channel_id = ? AND removed_at_s = 0", channel.ChannelID).Take(&stored).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrChannelNotFound, channel.ChannelID)
			}
			if err != nil {
				return err
			}
			return fmt.Errorf("%w: stored %d, proposed %d", ErrCursorRegression, stored.Cursor, channel.Cursor)
		}
		for _, window := range windows {
			if err := window.Validate(); err != nil {
				return err
			}
			window.ChannelID = channel.ChannelID
			if window.OpenedAtSeconds == 0 {
				window.OpenedAtSeconds = now
			}
			if window.Status != WindowStatusOpen && window.ClosedAtSeconds == 0 {
				window.ClosedAtSeconds = now
			}
			if err := tx.Save(&window).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, ErrCursorRegression) {
		r.logger.Warn("channel persist failed",
			zap.String("channel_id", channel.ChannelID),
			zap.Error(err))
	}
	return err
}

// MarkRemoved logically deletes the channel and abandons its open windows. Failed windows are
// kept so that a revived channel still reports the ranges it is missing.
func (r *Registry) MarkRemoved(ctx context.Context, id ChannelID) error {
	now := r.clock().UTC().Unix()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Channel{}).
			Where("channel_id = ? AND removed_at_s = 0", id.String()).
			Updates(map[string]any{
				"removed_at_s":    now,
				"updated_at_s":    now,
				"listener_state":  ListenerStateStopped,
				"listener_wanted": false,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", ErrChannelNotFound, id)
		}
		return tx.Model(&SyncWindow{}).
			Where("channel_id = ? AND status = ?", id.String(), WindowStatusOpen).
			Updates(map[string]any{
				"status":      WindowStatusAbandoned,
				"closed_at_s": now,
			}).Error
	})
}

func channelColumns(channel Channel) map[string]any {
	return map[string]any{
		"title":           channel.Title,
		"cursor_position": channel.Cursor,
		"high_water":      channel.HighWater,
		"sync_state":      channel.SyncState,
		"listener_state":  channel.ListenerState,
		"listener_wanted": channel.ListenerWanted,
		"degraded_reason": channel.DegradedReason,
		"updated_at_s":    channel.UpdatedAtSeconds,
		"removed_at_s":    channel.RemovedAtSeconds,
	}
}
