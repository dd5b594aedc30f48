package conversations

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parley-im/parley/internal/bus"
	"github.com/parley-im/parley/internal/channel"
)

// Conversation is one direct-message thread as the server summarizes it.
type Conversation struct {
	ID              string    `json:"id"`
	PeerID          string    `json:"other_user_id"`
	PeerName        string    `json:"other_username"`
	LastMessage     string    `json:"last_message"`
	LastMessageTime time.Time `json:"last_message_time"`
	UnreadCount     int       `json:"unread_count"`
}

// SummaryFetcher retrieves the authoritative conversation list.
type SummaryFetcher interface {
	Conversations(ctx context.Context) ([]Conversation, error)
}

// Publisher sends an event onto the live channel.
type Publisher interface {
	Publish(event string, payload any)
}

type seenPayload struct {
	ConversationID    string  `json:"conversationId"`
	LastSeenMessageID *string `json:"lastSeenMessageId"`
}

// Store holds the conversation list. The list itself is never mutated
// incrementally from message traffic: any event that could change a
// summary triggers a refetch, and the server copy replaces the local
// one wholesale. Only the unread counter is touched locally, and only
// to zero it when a conversation is opened.
type Store struct {
	fetch  SummaryFetcher
	pub    Publisher
	bus    *bus.Bus
	logger *zap.Logger
	muted  map[string]bool

	mu     sync.Mutex
	byID   map[string]Conversation
	active string
}

// NewStore creates an empty conversation store.
func NewStore(fetch SummaryFetcher, pub Publisher, b *bus.Bus, logger *zap.Logger) *Store {
	return &Store{
		fetch:  fetch,
		pub:    pub,
		bus:    b,
		logger: logger,
		muted:  make(map[string]bool),
		byID:   make(map[string]Conversation),
	}
}

// Refresh replaces the list with the server's copy.
func (s *Store) Refresh(ctx context.Context) error {
	list, err := s.fetch.Conversations(ctx)
	if err != nil {
		return fmt.Errorf("fetch conversations: %w", err)
	}

	s.mu.Lock()
	s.byID = make(map[string]Conversation, len(list))
	for _, c := range list {
		s.byID[c.ID] = c
	}
	s.mu.Unlock()

	s.publishSnapshot()
	return nil
}

// MarkOpened records that the user opened a conversation: the unread
// counter drops to zero locally before the server confirms, and a read
// receipt with no explicit message id tells the server to mark
// everything up to now as seen.
func (s *Store) MarkOpened(conversationID string) {
	s.mu.Lock()
	s.active = conversationID
	if c, ok := s.byID[conversationID]; ok {
		c.UnreadCount = 0
		s.byID[conversationID] = c
	}
	s.mu.Unlock()

	s.pub.Publish("msg:seen", seenPayload{ConversationID: conversationID})
	s.publishSnapshot()
}

// Active returns the id of the conversation the user has open.
func (s *Store) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Get returns a conversation summary by id.
func (s *Store) Get(conversationID string) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[conversationID]
	return c, ok
}

// List returns the conversations sorted by most recent activity.
func (s *Store) List() []Conversation {
	s.mu.Lock()
	out := make([]Conversation, 0, len(s.byID))
	for _, c := range s.byID {
		out = append(out, c)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageTime.Equal(out[j].LastMessageTime) {
			return out[i].LastMessageTime.After(out[j].LastMessageTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SetMuted toggles notification muting for a conversation. Muting is a
// local preference; the server keeps sending events either way.
func (s *Store) SetMuted(conversationID string, muted bool) {
	s.mu.Lock()
	if muted {
		s.muted[conversationID] = true
	} else {
		delete(s.muted, conversationID)
	}
	s.mu.Unlock()
}

// Muted reports whether notifications for a conversation are muted.
func (s *Store) Muted(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted[conversationID]
}

// Remove drops a conversation locally, clearing the active marker when
// it points at the removed thread.
func (s *Store) Remove(conversationID string) {
	s.mu.Lock()
	delete(s.byID, conversationID)
	delete(s.muted, conversationID)
	if s.active == conversationID {
		s.active = ""
	}
	s.mu.Unlock()

	s.publishSnapshot()
}

// Attach subscribes the store to channel events that invalidate the
// local list.
func (s *Store) Attach(ch *channel.Channel) {
	refetch := func(json.RawMessage) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Refresh(ctx); err != nil {
			s.logger.Warn("conversation refresh failed", zap.Error(err))
		}
	}
	ch.Subscribe("new_message", refetch)
	ch.Subscribe("message_deleted", refetch)
	ch.Subscribe("conversation_cleared", refetch)
	ch.Subscribe("msg:seen_update", refetch)

	ch.Subscribe("conversation_removed", func(data json.RawMessage) {
		var p struct {
			ConversationID string `json:"conversationId"`
		}
		if err := json.Unmarshal(data, &p); err != nil || p.ConversationID == "" {
			return
		}
		s.Remove(p.ConversationID)
	})
}

func (s *Store) publishSnapshot() {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{
		Kind:      "conversation.snapshot",
		Timestamp: time.Now(),
		Payload:   s.List(),
	})
}
