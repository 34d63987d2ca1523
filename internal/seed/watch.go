package seed

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultSettle = 200 * time.Millisecond

// WatchConfig tunes Watch.
type WatchConfig struct {
	Path string
	// Settle coalesces bursts of file events into one reload.
	Settle time.Duration
	Logger *zap.Logger
}

// Watch calls onChange with the reloaded seed each time the file changes, until ctx ends.
// The directory is watched so that editors replacing the file are noticed. Invalid content is
// logged and skipped.
func Watch(ctx context.Context, cfg WatchConfig, onChange func(File)) error {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	settle := cfg.Settle
	if settle <= 0 {
		settle = defaultSettle
	}
	target := filepath.Clean(cfg.Path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return err
	}

	timer := time.NewTimer(settle)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				timer.Reset(settle)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("seed watcher error", zap.Error(err))
		case <-timer.C:
			file, err := Load(target)
			if err != nil {
				logger.Warn("seed reload skipped", zap.String("path", target), zap.Error(err))
				continue
			}
			logger.Info("seed reloaded", zap.String("path", target), zap.Int("channels", len(file.Channels)))
			onChange(file)
		}
	}
}
