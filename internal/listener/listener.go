// Package listener keeps one live subscription per channel and reconnects it with capped
// exponential backoff.
package listener

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/messages"
	"github.com/MarcoPoloResearchLab/courier/internal/retry"
	"github.com/MarcoPoloResearchLab/courier/internal/source"
	"go.uber.org/zap"
)

const (
	defaultFailureThreshold = 5
	defaultStableAfter      = 10 * time.Second
)

var errMissingFeed = errors.New("listener: source feed is required")

// EventKind classifies listener lifecycle events.
type EventKind string

const (
	// EventConnected is reported when a subscription opens without a preceding reported failure.
	EventConnected EventKind = "connected"
	// EventFailed is reported once when consecutive failures reach the threshold.
	EventFailed EventKind = "failed"
	// EventRecovered is reported when a subscription opens after EventFailed.
	EventRecovered EventKind = "recovered"
	// EventPermanent is reported when the source refuses the subscription for good; the listener exits.
	EventPermanent EventKind = "permanent"
	// EventStopped is reported when the listener goroutine exits.
	EventStopped EventKind = "stopped"
)

// Event describes a listener state change.
type Event struct {
	ChannelID string
	Kind      EventKind
	Failures  int
	DownFor   time.Duration
	Err       error
}

// Sink receives live messages and lifecycle events for one channel.
type Sink interface {
	Deliver(ctx context.Context, message messages.Message) error
	ListenerEvent(event Event)
}

// Config tunes reconnect behaviour.
type Config struct {
	Feed             source.Feed
	FailureThreshold int
	Reconnect        retry.Policy
	// StableAfter is how long a subscription must stay up, when it delivers nothing, before its
	// failure streak is forgiven.
	StableAfter time.Duration
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Manager owns the live listeners of all channels.
type Manager struct {
	feed        source.Feed
	threshold   int
	reconnect   retry.Policy
	stableAfter time.Duration
	clock       func() time.Time
	logger      *zap.Logger

	mu     sync.Mutex
	active map[string]*Handle
}

// NewManager validates configuration and constructs a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Feed == nil {
		return nil, errMissingFeed
	}
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = defaultFailureThreshold
	}
	stableAfter := cfg.StableAfter
	if stableAfter <= 0 {
		stableAfter = defaultStableAfter
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		feed:        cfg.Feed,
		threshold:   threshold,
		reconnect:   cfg.Reconnect,
		stableAfter: stableAfter,
		clock:       clock,
		logger:      logger,
		active:      make(map[string]*Handle),
	}, nil
}

// Handle controls one running listener.
type Handle struct {
	channelID string
	cancel    context.CancelFunc
	done      chan struct{}
}

// ChannelID returns the channel the listener serves.
func (h *Handle) ChannelID() string {
	return h.channelID
}

// Stop requests a cooperative stop. It does not wait.
func (h *Handle) Stop() {
	h.cancel()
}

// Done is closed after the listener goroutine exits.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Start runs a listener for channelID unless one is already running, in which case the existing
// handle is returned with started == false.
func (m *Manager) Start(channelID string, sink Sink) (handle *Handle, started bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.active[channelID]; ok {
		return existing, false
	}
	ctx, cancel := context.WithCancel(context.Background())
	handle = &Handle{channelID: channelID, cancel: cancel, done: make(chan struct{})}
	m.active[channelID] = handle
	go m.run(ctx, handle, sink)
	return handle, true
}

// Lookup returns the running listener for channelID.
func (m *Manager) Lookup(channelID string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	handle, ok := m.active[channelID]
	return handle, ok
}

// StopAll stops every listener and waits for them to exit or ctx to end.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.active))
	for _, handle := range m.active {
		handles = append(handles, handle)
	}
	m.mu.Unlock()
	for _, handle := range handles {
		handle.Stop()
	}
	for _, handle := range handles {
		select {
		case <-handle.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *Manager) release(handle *Handle) {
	m.mu.Lock()
	if m.active[handle.channelID] == handle {
		delete(m.active, handle.channelID)
	}
	m.mu.Unlock()
}

func (m *Manager) run(ctx context.Context, handle *Handle, sink Sink) {
	channelID := handle.channelID
	logger := m.logger.With(zap.String("channel_id", channelID))
	defer func() {
		m.release(handle)
		close(handle.done)
		sink.ListenerEvent(Event{ChannelID: channelID, Kind: EventStopped})
	}()

	failures := 0
	reported := false
	var downSince time.Time

	fail := func(err error) {
		failures++
		if downSince.IsZero() {
			downSince = m.clock()
		}
		logger.Warn("live subscription failed", zap.Int("failures", failures), zap.Error(err))
		if failures >= m.threshold && !reported {
			reported = true
			sink.ListenerEvent(Event{ChannelID: channelID, Kind: EventFailed, Failures: failures, Err: err})
		}
	}

	for {
		if ctx.Err() != nil {
			return
		}
		if failures > 0 {
			if err := retry.Wait(ctx, m.reconnect.Delay(failures)); err != nil {
				return
			}
		}

		subscription, err := m.feed.Subscribe(ctx, channelID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if source.IsPermanent(err) {
				logger.Error("live subscription refused", zap.Error(err))
				sink.ListenerEvent(Event{ChannelID: channelID, Kind: EventPermanent, Failures: failures + 1, Err: err})
				return
			}
			fail(err)
			continue
		}

		if reported {
			sink.ListenerEvent(Event{ChannelID: channelID, Kind: EventRecovered, Failures: failures, DownFor: m.clock().Sub(downSince)})
		} else {
			sink.ListenerEvent(Event{ChannelID: channelID, Kind: EventConnected, Failures: failures, DownFor: downSinceDuration(m.clock, downSince)})
		}
		reported = false

		// A subscription that drops before delivering or staying up for stableAfter keeps the
		// failure streak going, so a flapping source still reaches the threshold.
		connectedAt := m.clock()
		delivered, err := m.consume(ctx, channelID, subscription, sink)
		_ = subscription.Close()
		if ctx.Err() != nil {
			return
		}
		if delivered || m.clock().Sub(connectedAt) >= m.stableAfter {
			failures = 0
			downSince = time.Time{}
		}
		if source.IsPermanent(err) {
			logger.Error("live subscription terminated", zap.Error(err))
			sink.ListenerEvent(Event{ChannelID: channelID, Kind: EventPermanent, Failures: 1, Err: err})
			return
		}
		fail(err)
	}
}

// consume forwards messages until the subscription fails, reporting whether any arrived.
func (m *Manager) consume(ctx context.Context, channelID string, subscription source.Subscription, sink Sink) (bool, error) {
	delivered := false
	for {
		message, err := subscription.Recv(ctx)
		if err != nil {
			return delivered, err
		}
		message.ChannelID = channelID
		message.ReceivedVia = messages.ProvenanceLive
		if err := sink.Deliver(ctx, message); err != nil {
			return delivered, err
		}
		delivered = true
	}
}

func downSinceDuration(clock func() time.Time, downSince time.Time) time.Duration {
	if downSince.IsZero() {
		return 0
	}
	return clock().Sub(downSince)
}
