package server

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/channels"
	"github.com/MarcoPoloResearchLab/courier/internal/reconcile"
)

func TestRealtimeDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "newsroom")
	defer cleanup()

	dispatcher.ChannelChanged(reconcile.ChannelState{
		ChannelID: "newsroom",
		SyncState: channels.SyncStateBackfilling,
		Cursor:    42,
	})

	select {
	case received := <-stream:
		if received.EventType != RealtimeEventChannelState {
			t.Fatalf("expected event type %s, got %s", RealtimeEventChannelState, received.EventType)
		}
		if received.State.Cursor != 42 {
			t.Fatalf("expected cursor 42, got %d", received.State.Cursor)
		}
		if received.Timestamp.IsZero() {
			t.Fatalf("expected timestamp to be set")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message within deadline")
	}
}

func TestRealtimeDispatcherIsolatedByChannel(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channelStream, cleanup := dispatcher.Subscribe(ctx, "newsroom")
	defer cleanup()
	allStream, allCleanup := dispatcher.Subscribe(ctx, AllChannels)
	defer allCleanup()

	dispatcher.ChannelChanged(reconcile.ChannelState{ChannelID: "archive", Removed: true})

	select {
	case <-channelStream:
		t.Fatal("did not expect realtime message for unrelated channel")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case message := <-allStream:
		if message.ChannelID != "archive" {
			t.Fatalf("expected archive, received %s", message.ChannelID)
		}
		if message.EventType != RealtimeEventChannelRemoved {
			t.Fatalf("expected removal event, received %s", message.EventType)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message for wildcard subscriber")
	}
}

func TestRealtimeDispatcherStopsAfterCancel(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	_, cleanup := dispatcher.Subscribe(ctx, "newsroom")
	defer cleanup()
	cancel()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		dispatcher.mu.RLock()
		remaining := len(dispatcher.subscribers)
		dispatcher.mu.RUnlock()
		if remaining == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected subscriber to be removed after context cancellation")
}
