package channels

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "registry.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(&Channel{}, &SyncWindow{}))
	registry, err := NewRegistry(RegistryConfig{
		Database: database,
		Clock:    func() time.Time { return time.Unix(1_700_000_000, 0) },
	})
	require.NoError(t, err)
	return registry
}

func registrationWindow(id string, low int64) SyncWindow {
	return SyncWindow{
		WindowID:   id,
		Low:        low,
		ResumeFrom: low,
		Status:     WindowStatusOpen,
		Reason:     WindowReasonRegistration,
	}
}

func TestNewChannelIDValidatesInput(t *testing.T) {
	_, err := NewChannelID("   ")
	require.ErrorIs(t, err, ErrInvalidChannelID)

	id, err := NewChannelID("  news  ")
	require.NoError(t, err)
	assert.Equal(t, ChannelID("news"), id)
}

func TestRegistryCreateRejectsActiveDuplicate(t *testing.T) {
	registry := newTestRegistry(t)
	ctx := context.Background()
	channel := Channel{ChannelID: "news", SyncState: SyncStateUnsynced, ListenerState: ListenerStateStopped}

	require.NoError(t, registry.Create(ctx, channel, registrationWindow("w-1", 1)))
	err := registry.Create(ctx, channel, registrationWindow("w-2", 1))
	require.ErrorIs(t, err, ErrChannelExists)

	loaded, err := registry.Load(ctx, "news")
	require.NoError(t, err)
	assert.Equal(t, SyncStateUnsynced, loaded.SyncState)
	assert.NotZero(t, loaded.CreatedAtSeconds)
}

func TestRegistryPersistRejectsCursorRegression(t *testing.T) {
	registry := newTestRegistry(t)
	ctx := context.Background()
	channel := Channel{ChannelID: "news", SyncState: SyncStateBackfilling, ListenerState: ListenerStateStopped}
	require.NoError(t, registry.Create(ctx, channel, registrationWindow("w-1", 1)))

	channel.Cursor = 40
	channel.HighWater = 40
	require.NoError(t, registry.Persist(ctx, channel))

	channel.Cursor = 39
	err := registry.Persist(ctx, channel)
	require.ErrorIs(t, err, ErrCursorRegression)

	loaded, err := registry.Load(ctx, "news")
	require.NoError(t, err)
	assert.Equal(t, int64(40), loaded.Cursor)
}

func TestRegistryPersistCheckpointsWindowAtomically(t *testing.T) {
	registry := newTestRegistry(t)
	ctx := context.Background()
	channel := Channel{ChannelID: "news", SyncState: SyncStateBackfilling, ListenerState: ListenerStateStopped}
	window := registrationWindow("w-1", 1)
	require.NoError(t, registry.Create(ctx, channel, window))

	channel.Cursor = 99
	channel.HighWater = 99
	window.ResumeFrom = 100
	failed := SyncWindow{
		WindowID:   "w-2",
		Low:        57,
		High:       58,
		ResumeFrom: 57,
		Status:     WindowStatusFailed,
		Reason:     WindowReasonStorageWriteFailed,
	}
	require.NoError(t, registry.Persist(ctx, channel, window, failed))

	windows, err := registry.Windows(ctx, "news", WindowStatusOpen, WindowStatusFailed)
	require.NoError(t, err)
	require.Len(t, windows, 2)
	assert.Equal(t, int64(1), windows[0].Low)
	assert.Equal(t, int64(100), windows[0].ResumeFrom)
	assert.Equal(t, int64(57), windows[1].Low)
	assert.NotZero(t, windows[1].ClosedAtSeconds)
}

func TestRegistryMarkRemovedAbandonsWindowsAndAllowsRevival(t *testing.T) {
	registry := newTestRegistry(t)
	ctx := context.Background()
	channel := Channel{ChannelID: "news", SyncState: SyncStateBackfilling, ListenerState: ListenerStateStopped}
	require.NoError(t, registry.Create(ctx, channel, registrationWindow("w-1", 1)))
	channel.Cursor = 12
	channel.HighWater = 12
	require.NoError(t, registry.Persist(ctx, channel))

	require.NoError(t, registry.MarkRemoved(ctx, "news"))
	_, err := registry.Load(ctx, "news")
	require.ErrorIs(t, err, ErrChannelNotFound)

	open, err := registry.Windows(ctx, "news", WindowStatusOpen)
	require.NoError(t, err)
	assert.Empty(t, open)

	stored, found, err := registry.Lookup(ctx, "news")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, stored.Removed())
	assert.Equal(t, int64(12), stored.Cursor)

	revived := Channel{ChannelID: "news", Cursor: stored.Cursor, HighWater: stored.HighWater, SyncState: SyncStateUnsynced, ListenerState: ListenerStateStopped}
	require.NoError(t, registry.Create(ctx, revived, registrationWindow("w-3", 13)))
	active, err := registry.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, int64(12), active[0].Cursor)
}

func TestRegistryMarkRemovedKeepsFailedWindows(t *testing.T) {
	registry := newTestRegistry(t)
	ctx := context.Background()
	channel := Channel{ChannelID: "news", SyncState: SyncStateCaughtUp, ListenerState: ListenerStateStopped, Cursor: 9, HighWater: 9}
	require.NoError(t, registry.Create(ctx, channel, registrationWindow("w-1", 1)))
	failed := SyncWindow{
		WindowID:   "w-2",
		ChannelID:  "news",
		Low:        4,
		High:       5,
		ResumeFrom: 4,
		Status:     WindowStatusFailed,
		Reason:     WindowReasonStorageWriteFailed,
		LastError:  "index write rejected",
	}
	require.NoError(t, registry.Persist(ctx, channel, failed))

	require.NoError(t, registry.MarkRemoved(ctx, "news"))

	open, err := registry.Windows(ctx, "news", WindowStatusOpen)
	require.NoError(t, err)
	assert.Empty(t, open)
	kept, err := registry.Windows(ctx, "news", WindowStatusFailed)
	require.NoError(t, err)
	require.Len(t, kept, 1)
	assert.Equal(t, "w-2", kept[0].WindowID)
	assert.Equal(t, int64(4), kept[0].Low)
}

func TestSyncWindowValidate(t *testing.T) {
	require.ErrorIs(t, SyncWindow{WindowID: "w", Low: 0, ResumeFrom: 0}.Validate(), ErrInvalidWindow)
	require.ErrorIs(t, SyncWindow{WindowID: "w", Low: 5, High: 5, ResumeFrom: 5}.Validate(), ErrInvalidWindow)
	require.ErrorIs(t, SyncWindow{WindowID: "w", Low: 5, High: 9, ResumeFrom: 4}.Validate(), ErrInvalidWindow)
	require.NoError(t, SyncWindow{WindowID: "w", Low: 5, High: 9, ResumeFrom: 9}.Validate())

	window := SyncWindow{Low: 4, High: 7}
	assert.True(t, window.Contains(4))
	assert.False(t, window.Contains(7))
	assert.True(t, SyncWindow{Low: 4}.Contains(1_000))
}
