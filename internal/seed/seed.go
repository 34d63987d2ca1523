// Package seed loads the channel seed file and keeps registered channels in step with it.
package seed

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/MarcoPoloResearchLab/courier/internal/reconcile"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidSeed indicates a seed file that cannot be applied.
	ErrInvalidSeed = errors.New("seed: invalid seed file")
)

// Channel is one seed entry.
type Channel struct {
	ID          string `yaml:"id"`
	Title       string `yaml:"title"`
	Listen      bool   `yaml:"listen"`
	ResumeAfter *int64 `yaml:"resume_after"`
}

// File is the parsed seed document.
type File struct {
	Channels []Channel `yaml:"channels"`
}

// Registrar is the part of the reconciler the seed applies itself to.
type Registrar interface {
	Register(ctx context.Context, req reconcile.RegisterRequest) (reconcile.ChannelState, error)
	StartListener(ctx context.Context, channelID string) (reconcile.ChannelState, error)
	ChannelState(channelID string) (reconcile.ChannelState, error)
}

// Load reads and validates the seed file at path.
func Load(path string) (File, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("seed: read %s: %w", path, err)
	}
	return Parse(content)
}

// Parse decodes and validates seed content.
func Parse(content []byte) (File, error) {
	var file File
	if err := yaml.Unmarshal(content, &file); err != nil {
		return File{}, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}
	seen := make(map[string]struct{}, len(file.Channels))
	for index := range file.Channels {
		entry := &file.Channels[index]
		entry.ID = strings.TrimSpace(entry.ID)
		if entry.ID == "" {
			return File{}, fmt.Errorf("%w: channel %d has no id", ErrInvalidSeed, index)
		}
		if _, dup := seen[entry.ID]; dup {
			return File{}, fmt.Errorf("%w: channel %s listed twice", ErrInvalidSeed, entry.ID)
		}
		if entry.ResumeAfter != nil && *entry.ResumeAfter < 0 {
			return File{}, fmt.Errorf("%w: channel %s has negative resume_after", ErrInvalidSeed, entry.ID)
		}
		seen[entry.ID] = struct{}{}
	}
	return file, nil
}

// Apply registers seed channels that are not yet registered and starts listeners the seed asks
// for. Channels missing from the seed are left alone. Every entry is attempted; the errors are
// joined.
func Apply(ctx context.Context, registrar Registrar, file File, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	var applyErr error
	for _, entry := range file.Channels {
		if err := applyChannel(ctx, registrar, entry, logger); err != nil {
			logger.Error("seed channel failed",
				zap.String("operation", "seed.apply"),
				zap.String("channel_id", entry.ID),
				zap.Error(err))
			applyErr = errors.Join(applyErr, fmt.Errorf("channel %s: %w", entry.ID, err))
		}
	}
	return applyErr
}

func applyChannel(ctx context.Context, registrar Registrar, entry Channel, logger *zap.Logger) error {
	state, err := registrar.ChannelState(entry.ID)
	if errors.Is(err, reconcile.ErrChannelNotFound) {
		_, err = registrar.Register(ctx, reconcile.RegisterRequest{
			ChannelID:   entry.ID,
			Title:       entry.Title,
			ResumeAfter: entry.ResumeAfter,
			Listen:      entry.Listen,
		})
		if err == nil {
			logger.Info("seed channel registered", zap.String("channel_id", entry.ID))
		}
		return err
	}
	if err != nil {
		return err
	}
	if entry.Listen && !state.ListenerWanted {
		_, err = registrar.StartListener(ctx, entry.ID)
		return err
	}
	return nil
}
