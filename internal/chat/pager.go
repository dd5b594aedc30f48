package chat

import (
	"context"
	"fmt"
)

// HistoryFetcher fetches one page of a conversation's history, ending
// just before the cursor message id (exclusive). An empty cursor means
// the newest page. Messages are returned in chronological order.
type HistoryFetcher interface {
	Messages(ctx context.Context, conversationID, cursor string, limit int) ([]Message, error)
}

// Pager loads older history backward from the oldest loaded message.
// A busy flag stands in for cancellation: a LoadOlder while a fetch is
// outstanding is a no-op, and once a short page marks the conversation
// exhausted further calls change nothing.
type Pager struct {
	fetch    HistoryFetcher
	life     *Lifecycle
	pageSize int

	busy    bool
	hasMore bool
}

// NewPager creates a pager feeding the given lifecycle tracker.
func NewPager(fetch HistoryFetcher, life *Lifecycle, pageSize int) *Pager {
	return &Pager{
		fetch:    fetch,
		life:     life,
		pageSize: pageSize,
	}
}

// LoadInitial fetches the newest page for a conversation and arms the
// hasMore flag from the page size. The caller seeds the lifecycle
// tracker with the result.
func (p *Pager) LoadInitial(ctx context.Context, conversationID string) ([]Message, error) {
	p.life.mu.Lock()
	if p.busy {
		p.life.mu.Unlock()
		return nil, fmt.Errorf("history load already in progress")
	}
	p.busy = true
	p.life.mu.Unlock()

	msgs, err := p.fetch.Messages(ctx, conversationID, "", p.pageSize)

	p.life.mu.Lock()
	p.busy = false
	if err == nil {
		p.hasMore = len(msgs) >= p.pageSize
	}
	p.life.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return msgs, nil
}

// LoadOlder prepends the page preceding the oldest loaded message.
// No-op while a fetch is outstanding or after the conversation is
// exhausted. A fetch failure stops the load and leaves hasMore
// unchanged.
func (p *Pager) LoadOlder(ctx context.Context, conversationID string) error {
	p.life.mu.Lock()
	if p.busy || !p.hasMore {
		p.life.mu.Unlock()
		return nil
	}
	p.busy = true
	p.life.mu.Unlock()

	cursor := p.life.OldestID()
	if cursor == "" {
		p.clearBusy()
		return nil
	}

	msgs, err := p.fetch.Messages(ctx, conversationID, cursor, p.pageSize)
	if err != nil {
		p.clearBusy()
		return fmt.Errorf("load older: %w", err)
	}

	p.life.Prepend(conversationID, msgs)

	p.life.mu.Lock()
	p.busy = false
	if len(msgs) < p.pageSize {
		p.hasMore = false
	}
	p.life.mu.Unlock()
	return nil
}

// HasMore reports whether older history may remain.
func (p *Pager) HasMore() bool {
	p.life.mu.Lock()
	defer p.life.mu.Unlock()
	return p.hasMore
}

func (p *Pager) clearBusy() {
	p.life.mu.Lock()
	p.busy = false
	p.life.mu.Unlock()
}
