package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/channels"
	"github.com/MarcoPoloResearchLab/courier/internal/media"
	"github.com/MarcoPoloResearchLab/courier/internal/messages"
	"github.com/MarcoPoloResearchLab/courier/internal/search"
	"github.com/MarcoPoloResearchLab/courier/internal/source"
	"github.com/MarcoPoloResearchLab/courier/internal/taskqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsMissingCollaborators(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)

	var serviceErr *ServiceError
	require.ErrorAs(t, err, &serviceErr)
	assert.Equal(t, "reconcile.new.missing_registry", serviceErr.Code())
}

func TestRegisterBackfillsHistoryUntilCaughtUp(t *testing.T) {
	feed := source.NewMemoryFeed()
	feed.Append(history("news", 1, 250)...)
	index := search.NewMemoryIndex()
	h := newHarness(t, harnessOptions{feed: feed, index: index})

	state, err := h.reconciler.Register(context.Background(), RegisterRequest{ChannelID: "news", Title: "News"})
	require.NoError(t, err)
	assert.Equal(t, "News", state.Title)

	state = h.waitForState(t, "news", caughtUpAt(250))
	assert.Equal(t, int64(250), state.Counters.Admitted)
	assert.Nil(t, state.OpenWindow)
	assert.Equal(t, 250, index.UpsertCount())

	gaps, err := h.reconciler.ListGaps("news")
	require.NoError(t, err)
	assert.Empty(t, gaps)

	stored, err := h.registry.Load(context.Background(), channels.ChannelID("news"))
	require.NoError(t, err)
	assert.Equal(t, int64(250), stored.Cursor)
	assert.Equal(t, channels.SyncStateCaughtUp, stored.SyncState)
}

func TestRegisterRejectsDuplicateChannel(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	_, err := h.reconciler.Register(context.Background(), RegisterRequest{ChannelID: "news"})
	require.NoError(t, err)
	_, err = h.reconciler.Register(context.Background(), RegisterRequest{ChannelID: "news"})
	require.ErrorIs(t, err, ErrChannelExists)

	_, err = h.reconciler.Register(context.Background(), RegisterRequest{ChannelID: "   "})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestLiveGapIsBackfilledBeforeCursorAdvances(t *testing.T) {
	feed := source.NewMemoryFeed()
	feed.Append(history("news", 1, 3)...)
	h := newHarness(t, harnessOptions{feed: feed})

	_, err := h.reconciler.Register(context.Background(), RegisterRequest{ChannelID: "news", Listen: true})
	require.NoError(t, err)
	h.waitForState(t, "news", func(state ChannelState) bool {
		return listening(state) && state.Cursor == 3
	})

	// 4 to 6 only reach history, so live delivery of 7 exposes a gap.
	feed.Append(history("news", 4, 6)...)
	feed.Publish(history("news", 7, 8)...)

	state := h.waitForState(t, "news", func(state ChannelState) bool {
		return listening(state) && state.Cursor == 8
	})
	assert.Equal(t, int64(8), state.Counters.Admitted)
	assert.Equal(t, int64(8), state.HighWater)

	gaps, err := h.reconciler.ListGaps("news")
	require.NoError(t, err)
	assert.Empty(t, gaps)

	closed, err := h.registry.Windows(context.Background(), channels.ChannelID("news"), channels.WindowStatusClosed)
	require.NoError(t, err)
	var gapWindows []channels.SyncWindow
	for _, window := range closed {
		if window.Reason == channels.WindowReasonGap {
			gapWindows = append(gapWindows, window)
		}
	}
	require.Len(t, gapWindows, 1)
	assert.Equal(t, int64(4), gapWindows[0].Low)
	assert.Equal(t, int64(7), gapWindows[0].High)

	var previous int64
	for _, observed := range h.observer.history("news") {
		assert.GreaterOrEqual(t, observed.Cursor, previous, "cursor moved backwards")
		previous = observed.Cursor
	}
	assert.True(t, h.observer.saw("news", func(state ChannelState) bool {
		return state.SyncState == channels.SyncStateBackfilling && state.Cursor == 3 && state.HighWater >= 7
	}))
}

func TestRestartResumesFromLastCommittedPage(t *testing.T) {
	first := newControlledFeed()
	first.Append(history("news", 1, 199)...)
	first.blockFrom = 150
	h := newHarness(t, harnessOptions{feed: first, pageSize: 50})

	resumeAfter := int64(99)
	_, err := h.reconciler.Register(context.Background(), RegisterRequest{ChannelID: "news", ResumeAfter: &resumeAfter})
	require.NoError(t, err)
	h.waitForState(t, "news", func(state ChannelState) bool { return state.Cursor == 149 })
	require.Eventually(t, func() bool {
		ranges := first.ranges()
		return len(ranges) > 0 && ranges[len(ranges)-1].Low == 150
	}, waitFor, tick)
	assert.Equal(t, int64(100), first.ranges()[0].Low)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, h.reconciler.Close(ctx))

	second := newControlledFeed()
	second.Append(history("news", 1, 199)...)
	index := search.NewMemoryIndex()
	restarted := newHarness(t, harnessOptions{db: h.db, feed: second, index: index, pageSize: 50})

	state := restarted.waitForState(t, "news", caughtUpAt(199))
	assert.Equal(t, int64(50), state.Counters.Admitted)
	assert.Equal(t, 50, index.UpsertCount())
	require.NotEmpty(t, second.ranges())
	assert.Equal(t, int64(150), second.ranges()[0].Low)
}

func TestListenerOutageDegradesAndRecovers(t *testing.T) {
	feed := source.NewMemoryFeed()
	outage := make([]error, 5)
	for index := range outage {
		outage[index] = source.Transient("subscribe", "news", errors.New("connection refused"))
	}
	feed.FailSubscribe("news", outage...)
	h := newHarness(t, harnessOptions{feed: feed})

	_, err := h.reconciler.Register(context.Background(), RegisterRequest{ChannelID: "news", Listen: true})
	require.NoError(t, err)

	h.waitForState(t, "news", listening)
	assert.Equal(t, 6, feed.SubscribeCalls("news"))
	assert.True(t, h.observer.saw("news", func(state ChannelState) bool {
		return state.SyncState == channels.SyncStateDegraded &&
			state.DegradedReason == ReasonListenerUnreachable &&
			state.ListenerState == channels.ListenerStateFailed
	}))

	feed.Publish(message("news", 1))
	state := h.waitForState(t, "news", func(state ChannelState) bool { return state.Cursor == 1 })
	assert.Empty(t, state.DegradedReason)
}

func TestMediaUploadFailureCommitsPlaceholder(t *testing.T) {
	base, err := media.NewFileStore(t.TempDir())
	require.NoError(t, err)
	store := &flakyStore{BlobStore: base, failures: -1}
	index := search.NewMemoryIndex()
	feed := source.NewMemoryFeed()
	photo := message("news", 1)
	photo.Media = &messages.MediaPayload{ContentType: "image/png", Data: []byte("png bytes")}
	feed.Append(photo)
	h := newHarness(t, harnessOptions{feed: feed, index: index, store: store})

	_, err = h.reconciler.Register(context.Background(), RegisterRequest{ChannelID: "news"})
	require.NoError(t, err)
	state := h.waitForState(t, "news", caughtUpAt(1))
	assert.Equal(t, int64(1), state.Counters.MediaPending)

	document, err := index.Get(context.Background(), messages.Key{ChannelID: "news", SourceMessageID: "1"})
	require.NoError(t, err)
	assert.True(t, document.MediaPending)
	assert.Equal(t, media.PlaceholderRef([]byte("png bytes")), document.MediaRef)
}

func TestMediaRepairReplacesPlaceholder(t *testing.T) {
	base, err := media.NewFileStore(t.TempDir())
	require.NoError(t, err)
	store := &flakyStore{BlobStore: base, failures: 3}
	index := search.NewMemoryIndex()
	feed := source.NewMemoryFeed()
	photo := message("news", 1)
	photo.Media = &messages.MediaPayload{ContentType: "image/png", Data: []byte("png bytes")}
	feed.Append(photo)
	h := newHarness(t, harnessOptions{feed: feed, index: index, store: store})

	_, err = h.reconciler.Register(context.Background(), RegisterRequest{ChannelID: "news"})
	require.NoError(t, err)
	state := h.waitForState(t, "news", func(state ChannelState) bool {
		return state.Cursor == 1 && state.Counters.MediaRepaired == 1
	})
	assert.Equal(t, int64(1), state.Counters.MediaPending)
	assert.Equal(t, 4, store.putCount())

	document, err := index.Get(context.Background(), messages.Key{ChannelID: "news", SourceMessageID: "1"})
	require.NoError(t, err)
	assert.False(t, document.MediaPending)
	assert.Equal(t, media.ContentAddress([]byte("png bytes")), document.MediaRef)
}

func TestMediaRepairTaskCarriesOnlyTheAddress(t *testing.T) {
	base, err := media.NewFileStore(t.TempDir())
	require.NoError(t, err)
	store := &flakyStore{BlobStore: base, failures: 3}
	feed := source.NewMemoryFeed()
	photo := message("news", 1)
	photo.Media = &messages.MediaPayload{ContentType: "image/png", Data: []byte("png bytes")}
	feed.Append(photo)
	recorder := &recordingQueue{}
	h := newHarness(t, harnessOptions{feed: feed, store: store, wrapQueue: func(queue taskqueue.Queue) taskqueue.Queue {
		recorder.Queue = queue
		return recorder
	}})

	_, err = h.reconciler.Register(context.Background(), RegisterRequest{ChannelID: "news"})
	require.NoError(t, err)
	h.waitForState(t, "news", func(state ChannelState) bool { return state.Counters.MediaRepaired == 1 })

	tasks := recorder.ofKind(taskMediaRepair)
	require.Len(t, tasks, 1)
	var fields map[string]any
	require.NoError(t, tasks[0].Decode(&fields))
	assert.NotContains(t, fields, "data")
	assert.NotContains(t, fields, "content_type")
	assert.Equal(t, media.ContentAddress([]byte("png bytes")), fields["address"])
	assert.Less(t, len(tasks[0].Payload), 200)
}

func TestRedeliveriesAreDroppedAndEditsSupersede(t *testing.T) {
	feed := source.NewMemoryFeed()
	feed.Append(history("news", 1, 3)...)
	index := search.NewMemoryIndex()
	h := newHarness(t, harnessOptions{feed: feed, index: index})

	_, err := h.reconciler.Register(context.Background(), RegisterRequest{ChannelID: "news", Listen: true})
	require.NoError(t, err)
	h.waitForState(t, "news", func(state ChannelState) bool {
		return listening(state) && state.Cursor == 3
	})

	feed.Deliver(message("news", 2), message("news", 3))
	h.waitForState(t, "news", func(state ChannelState) bool { return state.Counters.Duplicates == 2 })

	edited := message("news", 2)
	edited.Revision = 2
	edited.Text = "message 2, corrected"
	feed.Deliver(edited)

	state := h.waitForState(t, "news", func(state ChannelState) bool { return state.Counters.Superseded == 1 })
	assert.Equal(t, int64(4), state.Counters.Admitted)
	assert.Equal(t, int64(3), state.Cursor)
	assert.Equal(t, 4, index.UpsertCount())
	assert.Equal(t, []int64{1}, index.Superseded(messages.Key{ChannelID: "news", SourceMessageID: "2"}))

	document, err := index.Get(context.Background(), messages.Key{ChannelID: "news", SourceMessageID: "2"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), document.Revision)
	assert.Equal(t, "message 2, corrected", document.Text)

	found, err := h.reconciler.Search(context.Background(), search.Query{ChannelID: "news", Text: "corrected"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "2", found[0].SourceMessageID)
}

func TestStartListenerIsQueuedDuringBackfill(t *testing.T) {
	feed := newControlledFeed()
	feed.Append(history("news", 1, 10)...)
	gate := make(chan struct{})
	feed.gate = gate
	h := newHarness(t, harnessOptions{feed: feed})

	_, err := h.reconciler.Register(context.Background(), RegisterRequest{ChannelID: "news"})
	require.NoError(t, err)
	h.waitForState(t, "news", func(state ChannelState) bool {
		return state.SyncState == channels.SyncStateBackfilling
	})

	state, err := h.reconciler.StartListener(context.Background(), "news")
	require.NoError(t, err)
	assert.True(t, state.ListenerWanted)
	assert.Equal(t, channels.SyncStateBackfilling, state.SyncState)
	assert.Equal(t, channels.ListenerStateStopped, state.ListenerState)

	_, err = h.reconciler.Resync(context.Background(), "news")
	require.ErrorIs(t, err, ErrInvalidTransition)

	close(gate)
	h.waitForState(t, "news", func(state ChannelState) bool {
		return listening(state) && state.Cursor == 10
	})

	state, err = h.reconciler.StopListener(context.Background(), "news")
	require.NoError(t, err)
	assert.Equal(t, channels.SyncStateCaughtUp, state.SyncState)
	assert.Equal(t, channels.ListenerStateStopped, state.ListenerState)
	assert.False(t, state.ListenerWanted)
}

func TestRemovedChannelResumesFromStoredCursor(t *testing.T) {
	feed := newControlledFeed()
	feed.Append(history("news", 1, 3)...)
	index := search.NewMemoryIndex()
	h := newHarness(t, harnessOptions{feed: feed, index: index})

	_, err := h.reconciler.Register(context.Background(), RegisterRequest{ChannelID: "news", Listen: true})
	require.NoError(t, err)
	h.waitForState(t, "news", func(state ChannelState) bool {
		return listening(state) && state.Cursor == 3
	})

	require.NoError(t, h.reconciler.RemoveChannel(context.Background(), "news"))
	_, err = h.reconciler.ChannelState("news")
	require.ErrorIs(t, err, ErrChannelNotFound)
	assert.True(t, h.observer.saw("news", func(state ChannelState) bool { return state.Removed }))
	assert.Zero(t, feed.Subscribers("news"))
	err = h.reconciler.RemoveChannel(context.Background(), "news")
	require.ErrorIs(t, err, ErrChannelNotFound)

	feed.Append(history("news", 4, 5)...)
	state, err := h.reconciler.Register(context.Background(), RegisterRequest{ChannelID: "news"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), state.Cursor)

	h.waitForState(t, "news", caughtUpAt(5))
	assert.Equal(t, 5, index.UpsertCount())
	ranges := feed.ranges()
	assert.Equal(t, int64(4), ranges[len(ranges)-1].Low)
}

func TestPermanentSourceErrorDegradesUntilResync(t *testing.T) {
	feed := source.NewMemoryFeed()
	feed.Append(history("news", 1, 5)...)
	feed.FailFrontier("news", source.Permanent("frontier", "news", errors.New("channel is private")))
	h := newHarness(t, harnessOptions{feed: feed})

	_, err := h.reconciler.Register(context.Background(), RegisterRequest{ChannelID: "news"})
	require.NoError(t, err)
	state := h.waitForState(t, "news", func(state ChannelState) bool {
		return state.SyncState == channels.SyncStateDegraded
	})
	assert.Equal(t, ReasonSourcePermanent, state.DegradedReason)
	assert.Zero(t, state.Cursor)

	gaps, err := h.reconciler.ListGaps("news")
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	assert.Equal(t, channels.WindowStatusFailed, gaps[0].Status)

	_, err = h.reconciler.Resync(context.Background(), "news")
	require.NoError(t, err)
	h.waitForState(t, "news", caughtUpAt(5))

	gaps, err = h.reconciler.ListGaps("news")
	require.NoError(t, err)
	assert.Empty(t, gaps)
}

func TestStorageFailureRecordsSingleMessageGap(t *testing.T) {
	feed := source.NewMemoryFeed()
	feed.Append(history("news", 1, 3)...)
	index := &failingIndex{MemoryIndex: search.NewMemoryIndex(), sequence: 2}
	h := newHarness(t, harnessOptions{feed: feed, index: index})

	_, err := h.reconciler.Register(context.Background(), RegisterRequest{ChannelID: "news"})
	require.NoError(t, err)
	state := h.waitForState(t, "news", caughtUpAt(3))
	assert.Equal(t, int64(1), state.Counters.Failed)
	assert.Equal(t, int64(2), state.Counters.Admitted)

	gaps, err := h.reconciler.ListGaps("news")
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	assert.Equal(t, channels.WindowReasonStorageWriteFailed, gaps[0].Reason)
	assert.Equal(t, int64(2), gaps[0].Low)
	assert.Equal(t, int64(3), gaps[0].High)
}

func TestOperationsOnUnknownChannel(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	_, err := h.reconciler.StartListener(context.Background(), "missing")
	require.ErrorIs(t, err, ErrChannelNotFound)
	_, err = h.reconciler.ListGaps("missing")
	require.ErrorIs(t, err, ErrChannelNotFound)
	_, err = h.reconciler.Search(context.Background(), search.Query{ChannelID: "missing"})
	require.ErrorIs(t, err, ErrChannelNotFound)
}

func TestRestartReconnectsListenerOfDegradedChannel(t *testing.T) {
	down := &unreachableFeed{MemoryFeed: source.NewMemoryFeed()}
	down.Append(history("news", 1, 3)...)
	h := newHarness(t, harnessOptions{feed: down})

	_, err := h.reconciler.Register(context.Background(), RegisterRequest{ChannelID: "news", Listen: true})
	require.NoError(t, err)
	h.waitForState(t, "news", func(state ChannelState) bool {
		return state.SyncState == channels.SyncStateDegraded && state.DegradedReason == ReasonListenerUnreachable
	})

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, h.reconciler.Close(ctx))

	stored, err := h.registry.Load(context.Background(), channels.ChannelID("news"))
	require.NoError(t, err)
	require.Equal(t, channels.SyncStateDegraded, stored.SyncState)
	require.True(t, stored.ListenerWanted)

	feed := source.NewMemoryFeed()
	feed.Append(history("news", 1, 3)...)
	restarted := newHarness(t, harnessOptions{db: h.db, feed: feed})

	state := restarted.waitForState(t, "news", func(state ChannelState) bool {
		return listening(state) && state.Cursor == 3
	})
	assert.Empty(t, state.DegradedReason)
	assert.Equal(t, 1, feed.SubscribeCalls("news"))

	feed.Publish(message("news", 4))
	restarted.waitForState(t, "news", func(state ChannelState) bool { return state.Cursor == 4 })
}

func TestSlowBackfillOutlastsTaskDeadline(t *testing.T) {
	feed := newControlledFeed()
	feed.Append(history("news", 1, 30)...)
	feed.delay = 15 * time.Millisecond
	h := newHarness(t, harnessOptions{feed: feed, pageSize: 1, handleTimeout: 100 * time.Millisecond})

	_, err := h.reconciler.Register(context.Background(), RegisterRequest{ChannelID: "news"})
	require.NoError(t, err)

	state := h.waitForState(t, "news", caughtUpAt(30))
	assert.Empty(t, state.DegradedReason)
	assert.Equal(t, int64(30), state.Counters.Admitted)
	assert.False(t, h.observer.saw("news", func(state ChannelState) bool {
		return state.SyncState == channels.SyncStateDegraded
	}))
}

func TestStalledScanRequeuesFromCheckpoint(t *testing.T) {
	feed := newControlledFeed()
	feed.Append(history("news", 1, 8)...)
	feed.blockFrom = 5
	h := newHarness(t, harnessOptions{feed: feed, pageSize: 1, handleTimeout: 50 * time.Millisecond})

	_, err := h.reconciler.Register(context.Background(), RegisterRequest{ChannelID: "news"})
	require.NoError(t, err)

	// Three stalls exhaust a three-attempt budget unless the first one, which followed
	// committed pages, handed the window to a fresh task.
	stalls := func() int {
		count := 0
		for _, r := range feed.ranges() {
			if r.Low == 5 {
				count++
			}
		}
		return count
	}
	require.Eventually(t, func() bool { return stalls() >= 3 }, waitFor, tick)
	feed.mu.Lock()
	feed.blockFrom = 0
	feed.mu.Unlock()

	state := h.waitForState(t, "news", caughtUpAt(8))
	assert.Empty(t, state.DegradedReason)
	lows := make(map[int64]int)
	for _, r := range feed.ranges() {
		lows[r.Low]++
	}
	for low := int64(1); low < 5; low++ {
		assert.Equal(t, 1, lows[low], "page %d fetched again after checkpoint", low)
	}
}

func TestResyncReschedulesStalledBackfill(t *testing.T) {
	feed := source.NewMemoryFeed()
	feed.Append(history("news", 1, 5)...)
	var queue *losingQueue
	h := newHarness(t, harnessOptions{feed: feed, wrapQueue: func(inner taskqueue.Queue) taskqueue.Queue {
		queue = &losingQueue{Queue: inner, lose: true}
		return queue
	}})

	_, err := h.reconciler.Register(context.Background(), RegisterRequest{ChannelID: "news"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return queue.lostCount() == 1 }, waitFor, tick)
	state, err := h.reconciler.ChannelState("news")
	require.NoError(t, err)
	require.NotNil(t, state.OpenWindow)
	assert.Zero(t, state.Cursor)

	queue.setLose(false)
	state, err = h.reconciler.Resync(context.Background(), "news")
	require.NoError(t, err)
	assert.Equal(t, channels.SyncStateBackfilling, state.SyncState)

	h.waitForState(t, "news", caughtUpAt(5))
}

func TestLongListenerOutageAssumesMissedMessages(t *testing.T) {
	feed := source.NewMemoryFeed()
	feed.Append(history("news", 1, 3)...)
	h := newHarness(t, harnessOptions{feed: feed, gapAssumeAfter: time.Millisecond})

	_, err := h.reconciler.Register(context.Background(), RegisterRequest{ChannelID: "news", Listen: true})
	require.NoError(t, err)
	h.waitForState(t, "news", func(state ChannelState) bool {
		return listening(state) && state.Cursor == 3
	})

	// 4 to 6 are published while the subscription is down and never delivered live.
	feed.Append(history("news", 4, 6)...)
	feed.FailSubscribe("news",
		source.Transient("subscribe", "news", errors.New("connection refused")),
		source.Transient("subscribe", "news", errors.New("connection refused")))
	feed.Drop("news", source.Transient("receive", "news", errors.New("reset")))

	state := h.waitForState(t, "news", func(state ChannelState) bool {
		return listening(state) && state.Cursor == 6
	})
	assert.Equal(t, int64(6), state.Counters.Admitted)
	assert.True(t, h.observer.saw("news", func(state ChannelState) bool {
		return state.SyncState == channels.SyncStateBackfilling &&
			state.OpenWindow != nil &&
			state.OpenWindow.Reason == channels.WindowReasonReconnect
	}))

	closed, err := h.registry.Windows(context.Background(), channels.ChannelID("news"), channels.WindowStatusClosed)
	require.NoError(t, err)
	var assumed []channels.SyncWindow
	for _, window := range closed {
		if window.Reason == channels.WindowReasonReconnect {
			assumed = append(assumed, window)
		}
	}
	require.Len(t, assumed, 1)
	assert.Equal(t, int64(4), assumed[0].Low)
	assert.True(t, assumed[0].OpenEnded())
}

func TestLiveJumpExtendsOpenGapWindow(t *testing.T) {
	feed := newControlledFeed()
	feed.Append(history("news", 1, 3)...)
	h := newHarness(t, harnessOptions{feed: feed})

	_, err := h.reconciler.Register(context.Background(), RegisterRequest{ChannelID: "news", Listen: true})
	require.NoError(t, err)
	h.waitForState(t, "news", func(state ChannelState) bool {
		return listening(state) && state.Cursor == 3
	})

	gate := make(chan struct{})
	feed.mu.Lock()
	feed.gate = gate
	feed.mu.Unlock()
	feed.Append(history("news", 4, 9)...)

	feed.Publish(message("news", 6))
	h.waitForState(t, "news", func(state ChannelState) bool {
		return state.OpenWindow != nil && state.OpenWindow.High == 6
	})
	feed.Publish(message("news", 10))
	state := h.waitForState(t, "news", func(state ChannelState) bool {
		return state.OpenWindow != nil && state.OpenWindow.High == 10
	})
	assert.Equal(t, int64(4), state.OpenWindow.Low)
	assert.Equal(t, channels.SyncStateBackfilling, state.SyncState)
	assert.Equal(t, int64(3), state.Cursor)

	close(gate)
	h.waitForState(t, "news", func(state ChannelState) bool {
		return listening(state) && state.Cursor == 10
	})

	closed, err := h.registry.Windows(context.Background(), channels.ChannelID("news"), channels.WindowStatusClosed)
	require.NoError(t, err)
	var gapWindows []channels.SyncWindow
	for _, window := range closed {
		if window.Reason == channels.WindowReasonGap {
			gapWindows = append(gapWindows, window)
		}
	}
	require.Len(t, gapWindows, 1)
	assert.Equal(t, int64(4), gapWindows[0].Low)
	assert.Equal(t, int64(10), gapWindows[0].High)
}

func TestRevivedChannelReportsGapsConsistentlyAcrossRestart(t *testing.T) {
	feed := source.NewMemoryFeed()
	feed.Append(history("news", 1, 3)...)
	index := &failingIndex{MemoryIndex: search.NewMemoryIndex(), sequence: 2}
	h := newHarness(t, harnessOptions{feed: feed, index: index})

	_, err := h.reconciler.Register(context.Background(), RegisterRequest{ChannelID: "news"})
	require.NoError(t, err)
	h.waitForState(t, "news", caughtUpAt(3))
	require.NoError(t, h.reconciler.RemoveChannel(context.Background(), "news"))

	feed.Append(history("news", 4, 5)...)
	_, err = h.reconciler.Register(context.Background(), RegisterRequest{ChannelID: "news"})
	require.NoError(t, err)
	h.waitForState(t, "news", caughtUpAt(5))

	before, err := h.reconciler.ListGaps("news")
	require.NoError(t, err)
	require.Len(t, before, 1)
	assert.Equal(t, channels.WindowReasonStorageWriteFailed, before[0].Reason)
	assert.Equal(t, int64(2), before[0].Low)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, h.reconciler.Close(ctx))

	restarted := newHarness(t, harnessOptions{db: h.db, feed: feed, index: index})
	restarted.waitForState(t, "news", caughtUpAt(5))
	after, err := restarted.reconciler.ListGaps("news")
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, before[0].WindowID, after[0].WindowID)
	assert.Equal(t, before[0].Status, after[0].Status)
}
