package source

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/MarcoPoloResearchLab/courier/internal/messages"
)

const memorySubscriptionBuffer = 256

var errSubscriptionClosed = errors.New("source: subscription closed")

// MemoryFeed is an in-process Feed. History and live delivery are controlled separately so that
// callers can reproduce missed live messages, and failures can be queued per operation.
type MemoryFeed struct {
	mu                sync.Mutex
	history           map[string]map[int64]messages.Message
	subscriptions     map[string][]*memorySubscription
	fetchFailures     map[string][]error
	frontierFailures  map[string][]error
	subscribeFailures map[string][]error
	fetchCalls        map[string]int
	subscribeCalls    map[string]int
}

// NewMemoryFeed constructs an empty MemoryFeed.
func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{
		history:           make(map[string]map[int64]messages.Message),
		subscriptions:     make(map[string][]*memorySubscription),
		fetchFailures:     make(map[string][]error),
		frontierFailures:  make(map[string][]error),
		subscribeFailures: make(map[string][]error),
		fetchCalls:        make(map[string]int),
		subscribeCalls:    make(map[string]int),
	}
}

// Append adds messages to history without delivering them live.
func (f *MemoryFeed) Append(batch ...messages.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, message := range batch {
		f.appendLocked(message)
	}
}

// Deliver pushes messages to live subscribers without touching history.
func (f *MemoryFeed) Deliver(batch ...messages.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, message := range batch {
		f.deliverLocked(message)
	}
}

// Publish appends messages to history and delivers them live.
func (f *MemoryFeed) Publish(batch ...messages.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, message := range batch {
		f.appendLocked(message)
		f.deliverLocked(message)
	}
}

// FailFetch queues errors returned by the next FetchPage calls for the channel.
func (f *MemoryFeed) FailFetch(channelID string, errs ...error) {
	f.mu.Lock()
	f.fetchFailures[channelID] = append(f.fetchFailures[channelID], errs...)
	f.mu.Unlock()
}

// FailFrontier queues errors returned by the next Frontier calls for the channel.
func (f *MemoryFeed) FailFrontier(channelID string, errs ...error) {
	f.mu.Lock()
	f.frontierFailures[channelID] = append(f.frontierFailures[channelID], errs...)
	f.mu.Unlock()
}

// FailSubscribe queues errors returned by the next Subscribe calls for the channel.
func (f *MemoryFeed) FailSubscribe(channelID string, errs ...error) {
	f.mu.Lock()
	f.subscribeFailures[channelID] = append(f.subscribeFailures[channelID], errs...)
	f.mu.Unlock()
}

// Drop terminates the channel's open subscriptions with err.
func (f *MemoryFeed) Drop(channelID string, err error) {
	f.mu.Lock()
	subscriptions := f.subscriptions[channelID]
	delete(f.subscriptions, channelID)
	f.mu.Unlock()
	for _, subscription := range subscriptions {
		subscription.fail(err)
	}
}

// Subscribers returns the number of open subscriptions for the channel.
func (f *MemoryFeed) Subscribers(channelID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscriptions[channelID])
}

// FetchCalls returns how many FetchPage calls the channel received.
func (f *MemoryFeed) FetchCalls(channelID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls[channelID]
}

// SubscribeCalls returns how many Subscribe calls the channel received.
func (f *MemoryFeed) SubscribeCalls(channelID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribeCalls[channelID]
}

func (f *MemoryFeed) Frontier(ctx context.Context, channelID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := popFailure(f.frontierFailures, channelID); err != nil {
		return 0, err
	}
	frontier := int64(0)
	for sequence := range f.history[channelID] {
		if sequence > frontier {
			frontier = sequence
		}
	}
	return frontier, nil
}

func (f *MemoryFeed) FetchPage(ctx context.Context, channelID string, r Range) ([]messages.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls[channelID]++
	if err := popFailure(f.fetchFailures, channelID); err != nil {
		return nil, err
	}
	page := make([]messages.Message, 0)
	for sequence, message := range f.history[channelID] {
		if r.Contains(sequence) {
			page = append(page, message)
		}
	}
	sort.Slice(page, func(a, b int) bool { return page[a].Sequence < page[b].Sequence })
	return page, nil
}

func (f *MemoryFeed) Subscribe(ctx context.Context, channelID string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeCalls[channelID]++
	if err := popFailure(f.subscribeFailures, channelID); err != nil {
		return nil, err
	}
	subscription := &memorySubscription{
		feed:      f,
		channelID: channelID,
		stream:    make(chan messages.Message, memorySubscriptionBuffer),
		failed:    make(chan struct{}),
	}
	f.subscriptions[channelID] = append(f.subscriptions[channelID], subscription)
	return subscription, nil
}

func (f *MemoryFeed) appendLocked(message messages.Message) {
	channel := f.history[message.ChannelID]
	if channel == nil {
		channel = make(map[int64]messages.Message)
		f.history[message.ChannelID] = channel
	}
	channel[message.Sequence] = message
}

func (f *MemoryFeed) deliverLocked(message messages.Message) {
	for _, subscription := range f.subscriptions[message.ChannelID] {
		select {
		case subscription.stream <- message:
		default:
		}
	}
}

func (f *MemoryFeed) removeSubscription(target *memorySubscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subscriptions := f.subscriptions[target.channelID]
	for index, subscription := range subscriptions {
		if subscription == target {
			f.subscriptions[target.channelID] = append(subscriptions[:index], subscriptions[index+1:]...)
			break
		}
	}
	if len(f.subscriptions[target.channelID]) == 0 {
		delete(f.subscriptions, target.channelID)
	}
}

func popFailure(queue map[string][]error, channelID string) error {
	pending := queue[channelID]
	if len(pending) == 0 {
		return nil
	}
	queue[channelID] = pending[1:]
	return pending[0]
}

type memorySubscription struct {
	feed      *MemoryFeed
	channelID string
	stream    chan messages.Message

	once   sync.Once
	failed chan struct{}
	err    error
}

func (s *memorySubscription) Recv(ctx context.Context) (messages.Message, error) {
	select {
	case message := <-s.stream:
		return message, nil
	default:
	}
	select {
	case message := <-s.stream:
		return message, nil
	case <-s.failed:
		return messages.Message{}, s.err
	case <-ctx.Done():
		return messages.Message{}, ctx.Err()
	}
}

func (s *memorySubscription) Close() error {
	s.feed.removeSubscription(s)
	s.fail(errSubscriptionClosed)
	return nil
}

func (s *memorySubscription) fail(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.failed)
	})
}
