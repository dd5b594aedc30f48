package chat

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"go.uber.org/zap"
)

// scriptedHistory serves canned pages and records the cursors it saw.
type scriptedHistory struct {
	pages   map[string][]Message
	err     error
	cursors []string
	calls   int
}

func (s *scriptedHistory) Messages(ctx context.Context, conversationID, cursor string, limit int) ([]Message, error) {
	s.calls++
	s.cursors = append(s.cursors, cursor)
	if s.err != nil {
		return nil, s.err
	}
	return s.pages[cursor], nil
}

func page(convID string, ids ...string) []Message {
	out := make([]Message, len(ids))
	for i, id := range ids {
		out[i] = Message{ID: id, ConversationID: convID, SenderID: "peer", Kind: KindText, Status: StatusRead}
	}
	return out
}

func newPager(t *testing.T, fetch HistoryFetcher, pageSize int) (*Pager, *Lifecycle) {
	t.Helper()
	life := NewLifecycle(staticID("me"), &recordingPub{}, nil, zap.NewNop())
	return NewPager(fetch, life, pageSize), life
}

func TestLoadInitialArmsHasMore(t *testing.T) {
	tests := []struct {
		name    string
		ids     []string
		hasMore bool
	}{
		{"full page", []string{"1", "2", "3"}, true},
		{"short page", []string{"1"}, false},
		{"empty", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fetch := &scriptedHistory{pages: map[string][]Message{"": page("c1", tt.ids...)}}
			p, _ := newPager(t, fetch, 3)

			msgs, err := p.LoadInitial(context.Background(), "c1")
			if err != nil {
				t.Fatalf("LoadInitial() error = %v", err)
			}
			if len(msgs) != len(tt.ids) {
				t.Errorf("got %d messages, want %d", len(msgs), len(tt.ids))
			}
			if p.HasMore() != tt.hasMore {
				t.Errorf("HasMore() = %v, want %v", p.HasMore(), tt.hasMore)
			}
		})
	}
}

func TestLoadOlderPrependsPreservingOrder(t *testing.T) {
	fetch := &scriptedHistory{pages: map[string][]Message{
		"":  page("c1", "4", "5", "6"),
		"4": page("c1", "1", "2", "3"),
	}}
	p, life := newPager(t, fetch, 3)

	msgs, err := p.LoadInitial(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	life.Open("c1", msgs)

	if err := p.LoadOlder(context.Background(), "c1"); err != nil {
		t.Fatalf("LoadOlder() error = %v", err)
	}
	if got, want := fetch.cursors[1], "4"; got != want {
		t.Errorf("cursor = %q, want oldest loaded id %q", got, want)
	}

	want := []string{"1", "2", "3", "4", "5", "6"}
	got := life.Messages()
	if len(got) != len(want) {
		t.Fatalf("got %d messages, want %d", len(got), len(want))
	}
	for i, m := range got {
		if m.ID != want[i] {
			t.Errorf("messages[%d].ID = %q, want %q", i, m.ID, want[i])
		}
	}
}

func TestLoadOlderStopsAtExhaustion(t *testing.T) {
	fetch := &scriptedHistory{pages: map[string][]Message{
		"":  page("c1", "3", "4", "5"),
		"3": page("c1", "1", "2"), // short page: nothing older remains
	}}
	p, life := newPager(t, fetch, 3)

	msgs, _ := p.LoadInitial(context.Background(), "c1")
	life.Open("c1", msgs)

	if err := p.LoadOlder(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if p.HasMore() {
		t.Fatal("short page must clear hasMore")
	}

	calls := fetch.calls
	for i := 0; i < 3; i++ {
		if err := p.LoadOlder(context.Background(), "c1"); err != nil {
			t.Fatal(err)
		}
	}
	if fetch.calls != calls {
		t.Errorf("exhausted pager still fetched (%d extra calls)", fetch.calls-calls)
	}
	if len(life.Messages()) != 5 {
		t.Errorf("got %d messages, want 5", len(life.Messages()))
	}
}

func TestLoadOlderFailureLeavesHasMore(t *testing.T) {
	fetch := &scriptedHistory{pages: map[string][]Message{"": page("c1", "3", "4", "5")}}
	p, life := newPager(t, fetch, 3)

	msgs, _ := p.LoadInitial(context.Background(), "c1")
	life.Open("c1", msgs)

	fetch.err = errors.New("boom")
	if err := p.LoadOlder(context.Background(), "c1"); err == nil {
		t.Fatal("LoadOlder() should surface the fetch error")
	}
	if !p.HasMore() {
		t.Error("fetch failure must not clear hasMore")
	}

	// Recovery: the next attempt runs again with the same cursor.
	fetch.err = nil
	fetch.pages["3"] = page("c1", "1", "2")
	if err := p.LoadOlder(context.Background(), "c1"); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if len(life.Messages()) != 5 {
		t.Errorf("got %d messages after retry, want 5", len(life.Messages()))
	}
}

func TestLoadOlderDeduplicatesOverlap(t *testing.T) {
	fetch := &scriptedHistory{pages: map[string][]Message{
		"":  page("c1", "3", "4", "5"),
		"3": page("c1", "1", "2", "3"), // "3" overlaps the loaded window
	}}
	p, life := newPager(t, fetch, 3)

	msgs, _ := p.LoadInitial(context.Background(), "c1")
	life.Open("c1", msgs)

	if err := p.LoadOlder(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	got := life.Messages()
	if len(got) != 5 {
		t.Fatalf("got %d messages, want 5 (overlap deduplicated): %+v", len(got), got)
	}
}

// blockingHistory parks fetches until released, for overlap tests.
type blockingHistory struct {
	release chan struct{}
	calls   chan struct{}
}

func (b *blockingHistory) Messages(ctx context.Context, conversationID, cursor string, limit int) ([]Message, error) {
	b.calls <- struct{}{}
	<-b.release
	return page(conversationID, fmt.Sprintf("old-%s", cursor)), nil
}

func TestLoadOlderWhileBusyIsNoop(t *testing.T) {
	fetch := &blockingHistory{release: make(chan struct{}), calls: make(chan struct{}, 2)}
	p, life := newPager(t, fetch, 3)
	life.Open("c1", page("c1", "4", "5", "6"))

	// Arm hasMore without going through LoadInitial.
	life.mu.Lock()
	p.hasMore = true
	life.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- p.LoadOlder(context.Background(), "c1") }()
	<-fetch.calls

	// Second call while the first is in flight must return without fetching.
	if err := p.LoadOlder(context.Background(), "c1"); err != nil {
		t.Fatalf("busy LoadOlder() error = %v", err)
	}
	select {
	case <-fetch.calls:
		t.Fatal("overlapping LoadOlder reached the fetcher")
	default:
	}

	close(fetch.release)
	if err := <-done; err != nil {
		t.Fatalf("first LoadOlder() error = %v", err)
	}
}
