// Package backfill walks a channel's history over a sync window in bounded, checkpointable pages.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/channels"
	"github.com/MarcoPoloResearchLab/courier/internal/messages"
	"github.com/MarcoPoloResearchLab/courier/internal/retry"
	"github.com/MarcoPoloResearchLab/courier/internal/source"
	"go.uber.org/zap"
)

const (
	defaultPageSize    = 100
	defaultCallTimeout = 15 * time.Second
)

var (
	// ErrExhausted signals that the window is fully scanned and caught up with the frontier.
	ErrExhausted = errors.New("backfill: window exhausted")

	errMissingFeed = errors.New("backfill: source feed is required")
)

// WindowFailedError reports that a page could not be fetched within the retry budget.
// It is fatal for the window only.
type WindowFailedError struct {
	WindowID string
	Range    source.Range
	Err      error
}

func (e *WindowFailedError) Error() string {
	return fmt.Sprintf("backfill: window %s failed at [%d, %d): %v", e.WindowID, e.Range.Low, e.Range.High, e.Err)
}

func (e *WindowFailedError) Unwrap() error {
	return e.Err
}

// Config tunes paging and retries.
type Config struct {
	Feed        source.Feed
	PageSize    int64
	Retry       retry.Policy
	CallTimeout time.Duration
	Logger      *zap.Logger
}

// Scanner creates window scans against a source feed.
type Scanner struct {
	feed        source.Feed
	pageSize    int64
	policy      retry.Policy
	callTimeout time.Duration
	logger      *zap.Logger
}

// NewScanner validates configuration and constructs a Scanner.
func NewScanner(cfg Config) (*Scanner, error) {
	if cfg.Feed == nil {
		return nil, errMissingFeed
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{
		feed:        cfg.Feed,
		pageSize:    pageSize,
		policy:      cfg.Retry,
		callTimeout: callTimeout,
		logger:      logger,
	}, nil
}

// Page is one sub-window of a scan. Messages are ascending by sequence and all lie in Range.
// Committing a page makes Range.High the window's resume point.
type Page struct {
	WindowID  string
	ChannelID string
	Range     source.Range
	Messages  []messages.Message
}

// Scan is a lazy, finite iterator over a window. It is not safe for concurrent use.
type Scan struct {
	scanner   *Scanner
	window    channels.SyncWindow
	next      int64
	high      int64
	openEnded bool
}

// Scan starts iterating window from its resume point.
func (s *Scanner) Scan(window channels.SyncWindow) *Scan {
	next := window.ResumeFrom
	if next < window.Low {
		next = window.Low
	}
	return &Scan{
		scanner:   s,
		window:    window,
		next:      next,
		high:      window.High,
		openEnded: window.OpenEnded(),
	}
}

// Resume returns the next sequence the scan will request.
func (s *Scan) Resume() int64 {
	return s.next
}

// Next fetches the next page. It returns ErrExhausted once the window is covered, a
// *WindowFailedError when retries run out, and permanent source errors unchanged.
func (s *Scan) Next(ctx context.Context) (Page, error) {
	if s.openEnded && s.high == 0 {
		frontier, err := s.frontier(ctx)
		if err != nil {
			return Page{}, err
		}
		s.high = frontier + 1
	}
	if s.next >= s.high {
		if !s.openEnded {
			return Page{}, ErrExhausted
		}
		frontier, err := s.frontier(ctx)
		if err != nil {
			return Page{}, err
		}
		if frontier+1 <= s.high {
			return Page{}, ErrExhausted
		}
		s.scanner.logger.Debug("frontier advanced during scan",
			zap.String("channel_id", s.window.ChannelID),
			zap.Int64("previous_high", s.high),
			zap.Int64("frontier", frontier))
		s.high = frontier + 1
	}

	pageRange := source.Range{Low: s.next, High: s.next + s.scanner.pageSize}
	if pageRange.High > s.high {
		pageRange.High = s.high
	}
	fetched, err := s.fetch(ctx, pageRange)
	if err != nil {
		return Page{}, err
	}

	page := Page{
		WindowID:  s.window.WindowID,
		ChannelID: s.window.ChannelID,
		Range:     pageRange,
		Messages:  make([]messages.Message, 0, len(fetched)),
	}
	for _, message := range fetched {
		if !pageRange.Contains(message.Sequence) {
			continue
		}
		message.ChannelID = s.window.ChannelID
		message.ReceivedVia = messages.ProvenanceBackfill
		page.Messages = append(page.Messages, message)
	}
	sort.SliceStable(page.Messages, func(a, b int) bool {
		return page.Messages[a].Sequence < page.Messages[b].Sequence
	})
	s.next = pageRange.High
	return page, nil
}

func (s *Scan) frontier(ctx context.Context) (int64, error) {
	var frontier int64
	err := s.call(ctx, source.Range{Low: s.next, High: s.next}, func(callCtx context.Context) error {
		value, err := s.scanner.feed.Frontier(callCtx, s.window.ChannelID)
		frontier = value
		return err
	})
	return frontier, err
}

func (s *Scan) fetch(ctx context.Context, pageRange source.Range) ([]messages.Message, error) {
	var fetched []messages.Message
	err := s.call(ctx, pageRange, func(callCtx context.Context) error {
		page, err := s.scanner.feed.FetchPage(callCtx, s.window.ChannelID, pageRange)
		fetched = page
		return err
	})
	return fetched, err
}

func (s *Scan) call(ctx context.Context, pageRange source.Range, fn func(context.Context) error) error {
	attempt := 0
	err := retry.Do(ctx, s.scanner.policy, source.IsRetryable, func(ctx context.Context) error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, s.scanner.callTimeout)
		defer cancel()
		err := fn(callCtx)
		if err != nil && source.IsRetryable(err) {
			s.scanner.logger.Warn("backfill call failed",
				zap.String("channel_id", s.window.ChannelID),
				zap.String("window_id", s.window.WindowID),
				zap.Int64("low", pageRange.Low),
				zap.Int("attempt", attempt),
				zap.Error(err))
		}
		return err
	})
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if retry.IsExhausted(err) {
		return &WindowFailedError{WindowID: s.window.WindowID, Range: pageRange, Err: err}
	}
	return err
}
