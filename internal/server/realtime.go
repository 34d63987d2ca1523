package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/reconcile"
)

const (
	RealtimeEventChannelState   = "channel-state"
	RealtimeEventChannelRemoved = "channel-removed"
	realtimeEventHeartbeat      = "heartbeat"
	realtimeSourceBackend       = "courier"

	// AllChannels subscribes to every channel.
	AllChannels = "*"
)

// RealtimeMessage is one channel state change fanned out to stream subscribers.
type RealtimeMessage struct {
	ChannelID string
	EventType string
	State     reconcile.ChannelState
	Timestamp time.Time
}

// RealtimeDispatcher fans channel state changes out to subscribers keyed by channel. It
// implements reconcile.Observer and never blocks the publisher: slow subscribers miss events.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  64,
	}
}

// Subscribe registers a subscriber for channelID, or for every channel with AllChannels. The
// subscription ends when ctx is done or cleanup is called.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, channelID string) (<-chan RealtimeMessage, func()) {
	if channelID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(channelID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregisterSubscriber(channelID, subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// ChannelChanged publishes state to the channel's subscribers and to AllChannels subscribers.
func (d *RealtimeDispatcher) ChannelChanged(state reconcile.ChannelState) {
	eventType := RealtimeEventChannelState
	if state.Removed {
		eventType = RealtimeEventChannelRemoved
	}
	timestamp := state.UpdatedAt
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}
	d.Publish(RealtimeMessage{
		ChannelID: state.ChannelID,
		EventType: eventType,
		State:     state,
		Timestamp: timestamp,
	})
}

func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.ChannelID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	targets := make([]*realtimeSubscriber, 0, len(d.subscribers[message.ChannelID])+len(d.subscribers[AllChannels]))
	for _, subscriber := range d.subscribers[message.ChannelID] {
		targets = append(targets, subscriber)
	}
	for _, subscriber := range d.subscribers[AllChannels] {
		targets = append(targets, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range targets {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(channelID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[channelID]; !ok {
		d.subscribers[channelID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[channelID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(channelID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[channelID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, channelID)
		}
	}
	d.mu.Unlock()
}
