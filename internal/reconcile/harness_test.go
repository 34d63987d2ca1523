package reconcile

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/backfill"
	"github.com/MarcoPoloResearchLab/courier/internal/channels"
	"github.com/MarcoPoloResearchLab/courier/internal/database"
	"github.com/MarcoPoloResearchLab/courier/internal/listener"
	"github.com/MarcoPoloResearchLab/courier/internal/media"
	"github.com/MarcoPoloResearchLab/courier/internal/messages"
	"github.com/MarcoPoloResearchLab/courier/internal/retry"
	"github.com/MarcoPoloResearchLab/courier/internal/search"
	"github.com/MarcoPoloResearchLab/courier/internal/source"
	"github.com/MarcoPoloResearchLab/courier/internal/taskqueue"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

var fastRetry = retry.Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

type harnessOptions struct {
	db             *gorm.DB
	feed           source.Feed
	index          search.Index
	store          media.BlobStore
	pageSize       int64
	handleTimeout  time.Duration
	gapAssumeAfter time.Duration
	wrapQueue      func(taskqueue.Queue) taskqueue.Queue
}

type harness struct {
	db         *gorm.DB
	registry   *channels.Registry
	reconciler *Reconciler
	observer   *recordingObserver
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	db := opts.db
	if db == nil {
		var err error
		db, err = database.OpenSQLite(filepath.Join(t.TempDir(), "courier.db"), zap.NewNop())
		require.NoError(t, err)
	}
	if opts.feed == nil {
		opts.feed = source.NewMemoryFeed()
	}
	if opts.index == nil {
		opts.index = search.NewMemoryIndex()
	}
	if opts.store == nil {
		store, err := media.NewFileStore(t.TempDir())
		require.NoError(t, err)
		opts.store = store
	}
	if opts.pageSize == 0 {
		opts.pageSize = 100
	}
	if opts.gapAssumeAfter == 0 {
		opts.gapAssumeAfter = time.Hour
	}

	registry, err := channels.NewRegistry(channels.RegistryConfig{Database: db})
	require.NoError(t, err)
	deduplicator, err := messages.NewDeduplicator(messages.DeduplicatorConfig{
		Ledger: messages.NewGormLedger(db, nil),
		Window: messages.NewMemoryWindow(nil),
	})
	require.NoError(t, err)
	scanner, err := backfill.NewScanner(backfill.Config{
		Feed:        opts.feed,
		PageSize:    opts.pageSize,
		Retry:       fastRetry,
		CallTimeout: 2 * waitFor,
	})
	require.NoError(t, err)
	listeners, err := listener.NewManager(listener.Config{
		Feed:             opts.feed,
		FailureThreshold: 5,
		Reconnect:        fastRetry,
	})
	require.NoError(t, err)
	offloader, err := media.NewOffloader(media.OffloaderConfig{Store: opts.store, Retry: fastRetry})
	require.NoError(t, err)
	var queue taskqueue.Queue = taskqueue.NewMemoryQueue(taskqueue.MemoryConfig{
		Workers:       2,
		Retry:         fastRetry,
		HandleTimeout: opts.handleTimeout,
	})
	if opts.wrapQueue != nil {
		queue = opts.wrapQueue(queue)
	}

	observer := &recordingObserver{}
	reconciler, err := New(Config{
		Registry:       registry,
		Deduplicator:   deduplicator,
		Scanner:        scanner,
		Listeners:      listeners,
		Offloader:      offloader,
		Index:          opts.index,
		Queue:          queue,
		Observer:       observer,
		GapAssumeAfter: opts.gapAssumeAfter,
		CommitTimeout:  time.Second,
		StorageRetry:   fastRetry,
	})
	require.NoError(t, err)
	require.NoError(t, reconciler.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = reconciler.Close(ctx)
	})
	return &harness{db: db, registry: registry, reconciler: reconciler, observer: observer}
}

func (h *harness) waitForState(t *testing.T, channelID string, condition func(ChannelState) bool) ChannelState {
	t.Helper()
	var last ChannelState
	require.Eventually(t, func() bool {
		state, err := h.reconciler.ChannelState(channelID)
		if err != nil {
			return false
		}
		last = state
		return condition(state)
	}, waitFor, tick, "channel %s never reached the expected state", channelID)
	return last
}

func caughtUpAt(cursor int64) func(ChannelState) bool {
	return func(state ChannelState) bool {
		return state.SyncState == channels.SyncStateCaughtUp && state.Cursor == cursor
	}
}

func listening(state ChannelState) bool {
	return state.SyncState == channels.SyncStateListening && state.ListenerState == channels.ListenerStateRunning
}

func message(channelID string, sequence int64) messages.Message {
	return messages.Message{
		ChannelID:       channelID,
		SourceMessageID: strconv.FormatInt(sequence, 10),
		Sequence:        sequence,
		Text:            fmt.Sprintf("message %d", sequence),
		SenderName:      "newsroom",
		SentAt:          time.Unix(1_700_000_000+sequence, 0),
	}
}

func history(channelID string, low, high int64) []messages.Message {
	batch := make([]messages.Message, 0, high-low+1)
	for sequence := low; sequence <= high; sequence++ {
		batch = append(batch, message(channelID, sequence))
	}
	return batch
}

type recordingObserver struct {
	mu     sync.Mutex
	states []ChannelState
}

func (o *recordingObserver) ChannelChanged(state ChannelState) {
	o.mu.Lock()
	o.states = append(o.states, state)
	o.mu.Unlock()
}

func (o *recordingObserver) history(channelID string) []ChannelState {
	o.mu.Lock()
	defer o.mu.Unlock()
	var states []ChannelState
	for _, state := range o.states {
		if state.ChannelID == channelID {
			states = append(states, state)
		}
	}
	return states
}

func (o *recordingObserver) saw(channelID string, condition func(ChannelState) bool) bool {
	for _, state := range o.history(channelID) {
		if condition(state) {
			return true
		}
	}
	return false
}

// controlledFeed records page requests and can hold them back.
type controlledFeed struct {
	*source.MemoryFeed

	mu        sync.Mutex
	fetched   []source.Range
	blockFrom int64
	gate      chan struct{}
	delay     time.Duration
}

func newControlledFeed() *controlledFeed {
	return &controlledFeed{MemoryFeed: source.NewMemoryFeed()}
}

func (f *controlledFeed) FetchPage(ctx context.Context, channelID string, r source.Range) ([]messages.Message, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, r)
	blocked := f.blockFrom > 0 && r.Low >= f.blockFrom
	gate := f.gate
	delay := f.delay
	f.mu.Unlock()

	if blocked {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.MemoryFeed.FetchPage(ctx, channelID, r)
}

func (f *controlledFeed) ranges() []source.Range {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]source.Range(nil), f.fetched...)
}

// flakyStore fails the first failures puts, or every put when failures is negative.
type flakyStore struct {
	media.BlobStore

	mu       sync.Mutex
	failures int
	puts     int
}

func (s *flakyStore) Put(ctx context.Context, content []byte, contentType string) (string, error) {
	s.mu.Lock()
	s.puts++
	fail := s.failures < 0 || s.puts <= s.failures
	s.mu.Unlock()
	if fail {
		return "", errors.New("blob store unavailable")
	}
	return s.BlobStore.Put(ctx, content, contentType)
}

func (s *flakyStore) putCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts
}

// failingIndex rejects writes of one sequence.
type failingIndex struct {
	*search.MemoryIndex
	sequence int64
}

func (i *failingIndex) Upsert(ctx context.Context, document search.Document) error {
	if document.Sequence == i.sequence {
		return errors.New("index write rejected")
	}
	return i.MemoryIndex.Upsert(ctx, document)
}

// losingQueue silently drops backfill tasks while lose is set.
type losingQueue struct {
	taskqueue.Queue

	mu   sync.Mutex
	lose bool
	lost int
}

func (q *losingQueue) Enqueue(ctx context.Context, task taskqueue.Task) error {
	q.mu.Lock()
	drop := q.lose && task.Kind == taskBackfillWindow
	if drop {
		q.lost++
	}
	q.mu.Unlock()
	if drop {
		return nil
	}
	return q.Queue.Enqueue(ctx, task)
}

func (q *losingQueue) setLose(lose bool) {
	q.mu.Lock()
	q.lose = lose
	q.mu.Unlock()
}

func (q *losingQueue) lostCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lost
}

// unreachableFeed serves history but refuses every live subscription.
type unreachableFeed struct {
	*source.MemoryFeed
}

func (f *unreachableFeed) Subscribe(ctx context.Context, channelID string) (source.Subscription, error) {
	return nil, source.Transient("subscribe", channelID, errors.New("connection refused"))
}

// recordingQueue keeps a copy of every task it forwards.
type recordingQueue struct {
	taskqueue.Queue

	mu    sync.Mutex
	tasks []taskqueue.Task
}

func (q *recordingQueue) Enqueue(ctx context.Context, task taskqueue.Task) error {
	q.mu.Lock()
	q.tasks = append(q.tasks, task)
	q.mu.Unlock()
	return q.Queue.Enqueue(ctx, task)
}

func (q *recordingQueue) ofKind(kind string) []taskqueue.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	var matched []taskqueue.Task
	for _, task := range q.tasks {
		if task.Kind == kind {
			matched = append(matched, task)
		}
	}
	return matched
}
