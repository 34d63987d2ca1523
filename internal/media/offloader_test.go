package media

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/messages"
	"github.com/MarcoPoloResearchLab/courier/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyStore struct {
	mu       sync.Mutex
	inner    BlobStore
	failures int
	failWith error
	puts     int
}

func (s *flakyStore) Put(ctx context.Context, content []byte, contentType string) (string, error) {
	s.mu.Lock()
	s.puts++
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return "", s.failWith
	}
	s.mu.Unlock()
	return s.inner.Put(ctx, content, contentType)
}

func (s *flakyStore) Exists(ctx context.Context, address string) (bool, error) {
	return s.inner.Exists(ctx, address)
}

func (s *flakyStore) Get(ctx context.Context, address string) (Blob, error) {
	return s.inner.Get(ctx, address)
}

func newTestOffloader(t *testing.T, store BlobStore) *Offloader {
	t.Helper()
	offloader, err := NewOffloader(OffloaderConfig{
		Store:   store,
		Retry:   retry.Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		Timeout: time.Second,
	})
	require.NoError(t, err)
	return offloader
}

func newFileStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func mediaMessage(data string) messages.Message {
	return messages.Message{
		ChannelID:       "news",
		SourceMessageID: "12",
		Sequence:        12,
		Media:           &messages.MediaPayload{ContentType: "image/png", Data: []byte(data)},
	}
}

func TestOffloadRewritesMediaReference(t *testing.T) {
	store := &flakyStore{inner: newFileStore(t)}
	offloader := newTestOffloader(t, store)

	out, err := offloader.Offload(context.Background(), mediaMessage("png-bytes"))
	require.NoError(t, err)
	assert.Equal(t, ContentAddress([]byte("png-bytes")), out.MediaRef)
	assert.False(t, out.MediaPending)
	assert.Nil(t, out.Media)

	again, err := offloader.Offload(context.Background(), mediaMessage("png-bytes"))
	require.NoError(t, err)
	assert.Equal(t, out.MediaRef, again.MediaRef)
	assert.Equal(t, 1, store.puts, "existing blobs are not uploaded twice")
}

func TestOffloadRetriesTransientFailures(t *testing.T) {
	store := &flakyStore{inner: newFileStore(t), failures: 2, failWith: errors.New("503")}
	offloader := newTestOffloader(t, store)

	out, err := offloader.Offload(context.Background(), mediaMessage("jpeg"))
	require.NoError(t, err)
	assert.False(t, out.MediaPending)
	assert.Equal(t, 3, store.puts)
}

func TestOffloadFallsBackToPlaceholderAfterRetryBudget(t *testing.T) {
	store := &flakyStore{inner: newFileStore(t), failures: 3, failWith: errors.New("503")}
	offloader := newTestOffloader(t, store)

	out, err := offloader.Offload(context.Background(), mediaMessage("gif"))
	var offloadErr *OffloadError
	require.ErrorAs(t, err, &offloadErr)
	assert.True(t, out.MediaPending)
	assert.True(t, IsPlaceholder(out.MediaRef))
	assert.Equal(t, PlaceholderRef([]byte("gif")), out.MediaRef)
	require.NotNil(t, out.Media, "payload is kept for the repair task")
	assert.Equal(t, 3, store.puts)
}

func TestOffloadStopsOnPermanentFailure(t *testing.T) {
	store := &flakyStore{inner: newFileStore(t), failures: 5, failWith: ErrPermanentUpload}
	offloader := newTestOffloader(t, store)

	out, err := offloader.Offload(context.Background(), mediaMessage("webp"))
	require.Error(t, err)
	assert.True(t, out.MediaPending)
	assert.Equal(t, 1, store.puts)
}

func TestOffloadPassesThroughMessagesWithoutMedia(t *testing.T) {
	offloader := newTestOffloader(t, newFileStore(t))
	message := messages.Message{ChannelID: "news", Sequence: 1, MediaRef: "sha256/external"}

	out, err := offloader.Offload(context.Background(), message)
	require.NoError(t, err)
	assert.Equal(t, message, out)
}

func TestFileStoreExistsValidatesAddress(t *testing.T) {
	store := newFileStore(t)
	_, err := store.Exists(context.Background(), "sha256/zz")
	require.ErrorIs(t, err, ErrInvalidAddress)

	address, err := store.Put(context.Background(), []byte("blob"), "application/octet-stream")
	require.NoError(t, err)
	exists, err := store.Exists(context.Background(), address)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRepairUploadsStagedMediaAndDiscardsIt(t *testing.T) {
	store := &flakyStore{inner: newFileStore(t), failures: 1, failWith: errors.New("503")}
	offloader := newTestOffloader(t, store)

	address, err := offloader.Stage(context.Background(), messages.MediaPayload{ContentType: "image/png", Data: []byte("staged")})
	require.NoError(t, err)
	assert.Equal(t, ContentAddress([]byte("staged")), address)

	repaired, err := offloader.Repair(context.Background(), address)
	require.NoError(t, err)
	assert.Equal(t, address, repaired)
	exists, err := store.Exists(context.Background(), address)
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = offloader.staging.Load(context.Background(), address)
	require.ErrorIs(t, err, ErrBlobNotFound)

	again, err := offloader.Repair(context.Background(), address)
	require.NoError(t, err, "a redelivered repair finds the stored blob")
	assert.Equal(t, address, again)
	assert.Equal(t, 2, store.puts)
}

func TestRepairWithoutStagedMediaIsPermanent(t *testing.T) {
	offloader := newTestOffloader(t, newFileStore(t))

	_, err := offloader.Repair(context.Background(), ContentAddress([]byte("lost")))
	require.ErrorIs(t, err, ErrStagedMediaMissing)
}
