package chat

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/parley-im/parley/internal/bus"
	"github.com/parley-im/parley/internal/channel"
)

type typingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// Typing debounces the local typing indicator and tracks the transient
// per-conversation indicator for peers. typing:start is published once
// per burst of input; typing:stop follows after the inactivity window or
// immediately on send.
type Typing struct {
	pub       Publisher
	bus       *bus.Bus
	selfID    func() string
	stopAfter time.Duration

	mu      sync.Mutex
	started bool
	conv    string
	timer   *time.Timer
	peers   map[string]bool
}

// NewTyping creates the typing signal for the local user. selfID is
// consulted on every publish so the identity of a later login applies.
func NewTyping(selfID func() string, stopAfter time.Duration, pub Publisher, b *bus.Bus) *Typing {
	return &Typing{
		pub:       pub,
		bus:       b,
		selfID:    selfID,
		stopAfter: stopAfter,
		peers:     make(map[string]bool),
	}
}

// OnLocalInput registers a keystroke in the given conversation. The
// first keystroke of a burst publishes typing:start; every keystroke
// restarts the inactivity timer.
func (t *Typing) OnLocalInput(conversationID string) {
	if conversationID == "" {
		return
	}
	t.mu.Lock()
	switching := t.started && t.conv != conversationID
	if switching {
		t.stopLocked(t.conv)
	}
	if !t.started {
		t.started = true
		t.conv = conversationID
		t.pub.Publish("typing:start", typingPayload{ConversationID: conversationID, UserID: t.selfID()})
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.stopAfter, t.expire)
	t.mu.Unlock()
}

// OnSend publishes typing:stop immediately and cancels the pending
// timer. Published even when no start was pending, mirroring the server
// contract that a send always ends a typing burst.
func (t *Typing) OnSend(conversationID string) {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.started = false
	t.pub.Publish("typing:stop", typingPayload{ConversationID: conversationID, UserID: t.selfID()})
	t.mu.Unlock()
}

func (t *Typing) expire() {
	t.mu.Lock()
	if t.started {
		t.stopLocked(t.conv)
	}
	t.mu.Unlock()
}

// stopLocked assumes t.mu is held.
func (t *Typing) stopLocked(conversationID string) {
	t.started = false
	t.pub.Publish("typing:stop", typingPayload{ConversationID: conversationID, UserID: t.selfID()})
}

// PeerTyping reports whether a peer is typing in the conversation.
func (t *Typing) PeerTyping(conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peers[conversationID]
}

// ClearPeer resets the indicator, used when a conversation is opened.
func (t *Typing) ClearPeer(conversationID string) {
	t.mu.Lock()
	delete(t.peers, conversationID)
	t.mu.Unlock()
}

// Attach subscribes to inbound typing events, ignoring echoes of the
// local user's own indicator.
func (t *Typing) Attach(ch *channel.Channel) {
	handle := func(active bool) channel.Handler {
		return func(data json.RawMessage) {
			var p typingPayload
			if err := json.Unmarshal(data, &p); err != nil || p.UserID == t.selfID() {
				return
			}
			t.mu.Lock()
			if active {
				t.peers[p.ConversationID] = true
			} else {
				delete(t.peers, p.ConversationID)
			}
			t.mu.Unlock()
			if t.bus != nil {
				t.bus.Publish(bus.Event{
					Kind:      "typing.changed",
					Timestamp: time.Now(),
					Payload:   map[string]any{"conversation_id": p.ConversationID, "active": active},
				})
			}
		}
	}
	ch.Subscribe("typing:start", handle(true))
	ch.Subscribe("typing:stop", handle(false))
}
