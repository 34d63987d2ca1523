package media

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/messages"
	"github.com/MarcoPoloResearchLab/courier/internal/retry"
	"go.uber.org/zap"
)

const defaultUploadTimeout = 30 * time.Second

var (
	// ErrStagedMediaMissing reports a repair whose staged bytes are gone and whose blob was never stored.
	ErrStagedMediaMissing = errors.New("media: staged media missing")

	errMissingStore = errors.New("media: blob store is required")
)

// OffloadError reports that media could not be uploaded and the message carries a placeholder.
type OffloadError struct {
	ChannelID string
	Address   string
	Err       error
}

func (e *OffloadError) Error() string {
	return fmt.Sprintf("media: offload of %s for channel %s deferred: %v", e.Address, e.ChannelID, e.Err)
}

func (e *OffloadError) Unwrap() error {
	return e.Err
}

// OffloaderConfig wires the offloader to its store.
// Staging defaults to an in-process MemoryStaging.
type OffloaderConfig struct {
	Store   BlobStore
	Staging Staging
	Retry   retry.Policy
	Timeout time.Duration
	Logger  *zap.Logger
}

// Offloader uploads message media and rewrites the message's media reference.
type Offloader struct {
	store   BlobStore
	staging Staging
	policy  retry.Policy
	timeout time.Duration
	logger  *zap.Logger
}

// NewOffloader validates configuration and constructs an Offloader.
func NewOffloader(cfg OffloaderConfig) (*Offloader, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultUploadTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	staging := cfg.Staging
	if staging == nil {
		staging = NewMemoryStaging()
	}
	return &Offloader{store: cfg.Store, staging: staging, policy: cfg.Retry, timeout: timeout, logger: logger}, nil
}

// Offload uploads the message's media payload. Messages without a payload are returned unchanged.
// When the upload fails or times out the message is returned with a placeholder reference and
// MediaPending set, together with an *OffloadError; the message is still safe to commit.
func (o *Offloader) Offload(ctx context.Context, message messages.Message) (messages.Message, error) {
	if message.Media == nil {
		return message, nil
	}
	address, err := o.Upload(ctx, *message.Media)
	if err != nil {
		o.logger.Warn("media offload deferred",
			zap.String("channel_id", message.ChannelID),
			zap.String("source_message_id", message.SourceMessageID),
			zap.Error(err))
		message.MediaRef = PlaceholderRef(message.Media.Data)
		message.MediaPending = true
		return message, &OffloadError{ChannelID: message.ChannelID, Address: ContentAddress(message.Media.Data), Err: err}
	}
	message.MediaRef = address
	message.MediaPending = false
	message.Media = nil
	return message, nil
}

// Upload stores payload under its content address, skipping the write when the blob exists.
func (o *Offloader) Upload(ctx context.Context, payload messages.MediaPayload) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	address := ContentAddress(payload.Data)
	exists, err := o.store.Exists(ctx, address)
	if err == nil && exists {
		return address, nil
	}
	if err != nil {
		o.logger.Debug("blob existence check failed", zap.String("address", address), zap.Error(err))
	}

	var stored string
	err = retry.Do(ctx, o.policy, isRetryableUpload, func(ctx context.Context) error {
		value, putErr := o.store.Put(ctx, payload.Data, payload.ContentType)
		stored = value
		return putErr
	})
	if err != nil {
		return "", err
	}
	if stored != address {
		return "", fmt.Errorf("media: store returned address %s, expected %s", stored, address)
	}
	return address, nil
}

// Stage keeps payload for a later Repair and returns the address it was staged under.
func (o *Offloader) Stage(ctx context.Context, payload messages.MediaPayload) (string, error) {
	return o.staging.Stage(ctx, payload)
}

// Repair uploads the media staged under address and discards the staged copy.
// A repair whose staged copy is gone succeeds only if the blob already exists.
func (o *Offloader) Repair(ctx context.Context, address string) (string, error) {
	payload, err := o.staging.Load(ctx, address)
	if errors.Is(err, ErrBlobNotFound) {
		exists, existsErr := o.store.Exists(ctx, address)
		if existsErr != nil {
			return "", existsErr
		}
		if !exists {
			return "", fmt.Errorf("%w: %s", ErrStagedMediaMissing, address)
		}
		return address, nil
	}
	if err != nil {
		return "", err
	}
	stored, err := o.Upload(ctx, payload)
	if err != nil {
		return "", err
	}
	if discardErr := o.staging.Discard(ctx, address); discardErr != nil {
		o.logger.Warn("staged media discard failed", zap.String("address", address), zap.Error(discardErr))
	}
	return stored, nil
}

func isRetryableUpload(err error) bool {
	return !errors.Is(err, ErrPermanentUpload) && !errors.Is(err, context.Canceled)
}
