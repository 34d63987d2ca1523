package reconcile

import (
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/channels"
)

// Counters accumulate per-channel admission outcomes since the process started.
type Counters struct {
	Admitted      int64 `json:"admitted"`
	Duplicates    int64 `json:"duplicates"`
	Superseded    int64 `json:"superseded"`
	Failed        int64 `json:"failed"`
	MediaPending  int64 `json:"media_pending"`
	MediaRepaired int64 `json:"media_repaired"`
}

// ChannelState is a consistent snapshot of one channel.
type ChannelState struct {
	ChannelID      string                 `json:"channel_id"`
	Title          string                 `json:"title,omitempty"`
	SyncState      channels.SyncState     `json:"sync_state"`
	ListenerState  channels.ListenerState `json:"listener_state"`
	ListenerWanted bool                   `json:"listener_wanted"`
	Cursor         int64                  `json:"cursor"`
	HighWater      int64                  `json:"high_water"`
	DegradedReason string                 `json:"degraded_reason,omitempty"`
	OpenWindow     *channels.SyncWindow   `json:"open_window,omitempty"`
	Counters       Counters               `json:"counters"`
	Removed        bool                   `json:"removed,omitempty"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// Observer is notified after every channel state change. Implementations must not block.
type Observer interface {
	ChannelChanged(state ChannelState)
}

type snapshotStore struct {
	mu     sync.RWMutex
	states map[string]ChannelState
	gaps   map[string][]channels.SyncWindow
}

func newSnapshotStore() *snapshotStore {
	return &snapshotStore{
		states: make(map[string]ChannelState),
		gaps:   make(map[string][]channels.SyncWindow),
	}
}

func (s *snapshotStore) put(state ChannelState, gaps []channels.SyncWindow) {
	s.mu.Lock()
	s.states[state.ChannelID] = state
	s.gaps[state.ChannelID] = gaps
	s.mu.Unlock()
}

func (s *snapshotStore) remove(channelID string) {
	s.mu.Lock()
	delete(s.states, channelID)
	delete(s.gaps, channelID)
	s.mu.Unlock()
}

func (s *snapshotStore) state(channelID string) (ChannelState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[channelID]
	return state, ok
}

func (s *snapshotStore) listGaps(channelID string) ([]channels.SyncWindow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.states[channelID]; !ok {
		return nil, false
	}
	gaps := s.gaps[channelID]
	return append([]channels.SyncWindow(nil), gaps...), true
}

func (s *snapshotStore) all() []ChannelState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	states := make([]ChannelState, 0, len(s.states))
	for _, state := range s.states {
		states = append(states, state)
	}
	return states
}
