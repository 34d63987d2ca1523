// Package source talks to the upstream channel feed: paged history, the live frontier and live
// subscriptions.
package source

import (
	"context"

	"github.com/MarcoPoloResearchLab/courier/internal/messages"
)

// Range is a half-open sequence range [Low, High).
type Range struct {
	Low  int64
	High int64
}

// Len returns the number of sequence positions in the range.
func (r Range) Len() int64 {
	if r.High <= r.Low {
		return 0
	}
	return r.High - r.Low
}

// Contains reports whether sequence lies in the range.
func (r Range) Contains(sequence int64) bool {
	return sequence >= r.Low && sequence < r.High
}

// Feed is the upstream message source.
type Feed interface {
	// Frontier returns the highest sequence the source has published for the channel.
	Frontier(ctx context.Context, channelID string) (int64, error)
	// FetchPage returns the channel's messages whose sequence lies in r, in any order.
	FetchPage(ctx context.Context, channelID string, r Range) ([]messages.Message, error)
	// Subscribe opens a live subscription to new messages.
	Subscribe(ctx context.Context, channelID string) (Subscription, error)
}

// Subscription delivers live messages in source order until it fails or is closed.
type Subscription interface {
	Recv(ctx context.Context) (messages.Message, error)
	Close() error
}
