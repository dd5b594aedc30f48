// Package chat owns the ordered message sequence of the open
// conversation: optimistic sends, server acknowledgements, status
// pushes, backward pagination and typing signals.
package chat

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/parley-im/parley/internal/bus"
	"github.com/parley-im/parley/internal/channel"
	"go.uber.org/zap"
)

// Outbound payload shapes. Field names match the server's wire contract.
type sendPayload struct {
	ConversationID string `json:"conversationId"`
	TempID         string `json:"tempId"`
	Content        string `json:"content"`
	Kind           Kind   `json:"type"`
}

type deliveredPayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
}

// seenPayload carries a nil LastSeenMessageID when the server should
// promote everything unseen in the conversation.
type seenPayload struct {
	ConversationID    string  `json:"conversationId"`
	LastSeenMessageID *string `json:"lastSeenMessageId"`
}

type conversationRef struct {
	ConversationID string `json:"conversationId"`
}

// Lifecycle reconciles the open conversation's message list against
// optimistic local sends and server events. All mutation happens under
// one mutex; handlers arriving from the channel's dispatch goroutine and
// calls from the front-end interleave safely.
type Lifecycle struct {
	pub    Publisher
	bus    *bus.Bus
	logger *zap.Logger
	selfID func() string

	mu      sync.Mutex
	active  string
	msgs    []*Message
	index   map[string]*Message
	focused bool
}

// NewLifecycle creates a tracker for the local user. selfID is read at
// use time rather than captured, so a login that happens after
// construction is picked up.
func NewLifecycle(selfID func() string, pub Publisher, b *bus.Bus, logger *zap.Logger) *Lifecycle {
	return &Lifecycle{
		pub:    pub,
		bus:    b,
		logger: logger,
		selfID: selfID,
		index:  make(map[string]*Message),
	}
}

// SetFocused records whether the application has input focus. Focus
// decides whether inbound messages are immediately marked seen.
func (l *Lifecycle) SetFocused(focused bool) {
	l.mu.Lock()
	l.focused = focused
	l.mu.Unlock()
}

// Active returns the open conversation id, or "".
func (l *Lifecycle) Active() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// Open switches the tracker to a conversation, seeding it with history
// in chronological order. Publishes leave/join scoping events.
func (l *Lifecycle) Open(conversationID string, history []Message) {
	l.mu.Lock()
	prev := l.active
	l.active = conversationID
	l.msgs = l.msgs[:0]
	l.index = make(map[string]*Message, len(history))
	for i := range history {
		m := history[i]
		l.append(&m)
	}
	l.mu.Unlock()

	if prev != "" && prev != conversationID {
		l.pub.Publish("leave_conversation", conversationRef{ConversationID: prev})
	}
	l.pub.Publish("join_conversation", conversationRef{ConversationID: conversationID})
}

// Leave closes the open conversation, if any.
func (l *Lifecycle) Leave() {
	l.mu.Lock()
	prev := l.active
	l.active = ""
	l.msgs = nil
	l.index = make(map[string]*Message)
	l.mu.Unlock()

	if prev != "" {
		l.pub.Publish("leave_conversation", conversationRef{ConversationID: prev})
	}
}

// Send inserts a pending message at the tail of the local sequence and
// publishes the send intent. Non-blocking; the returned copy is the
// optimistic message keyed by its temporary id. If the publish never
// reaches the server the message stays pending; there is no automatic
// retry.
func (l *Lifecycle) Send(conversationID, content string, kind Kind) (Message, error) {
	if conversationID == "" {
		return Message{}, fmt.Errorf("send: no conversation")
	}
	if !kind.Valid() {
		return Message{}, fmt.Errorf("send: unknown message type %q", kind)
	}

	m := &Message{
		TempID:         "tmp-" + uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       l.selfID(),
		Content:        content,
		Kind:           kind,
		Status:         StatusPending,
		CreatedAt:      time.Now(),
	}

	l.mu.Lock()
	if l.active == conversationID {
		l.append(m)
	}
	out := *m
	l.mu.Unlock()

	l.pub.Publish("msg:send", sendPayload{
		ConversationID: conversationID,
		TempID:         out.TempID,
		Content:        content,
		Kind:           kind,
	})
	l.publishUpserted(out)
	return out, nil
}

// HandleSendAck resolves a temporary id to the server-confirmed message.
// Unknown temp ids (reordered or duplicate acks) are ignored.
func (l *Lifecycle) HandleSendAck(tempID string, final Message, ackStatus Status) {
	l.mu.Lock()
	m, ok := l.index[tempID]
	if !ok {
		l.mu.Unlock()
		return
	}
	delete(l.index, tempID)
	final.TempID = ""
	if ackStatus.Rank() > final.Status.Rank() {
		final.Status = ackStatus
	}
	*m = final
	l.index[m.ID] = m
	out := *m
	l.mu.Unlock()

	l.publishUpserted(out)
}

// HandleInbound processes a message from a peer. It is appended only when
// it belongs to the open conversation, but a delivery receipt is always
// published; a read receipt follows when the application has focus.
func (l *Lifecycle) HandleInbound(m Message) {
	l.mu.Lock()
	activeMatch := m.ConversationID == l.active
	focused := l.focused
	if activeMatch {
		mm := m
		l.append(&mm)
	}
	l.mu.Unlock()

	l.pub.Publish("msg:delivered", deliveredPayload{
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
	})
	if activeMatch && focused {
		id := m.ID
		l.pub.Publish("msg:seen", seenPayload{
			ConversationID:    m.ConversationID,
			LastSeenMessageID: &id,
		})
	}
	l.publishUpserted(m)
}

// HandleStatusUpdate advances a message's status. A status earlier than
// the current one is dropped silently; out-of-order delivery must never
// regress the ladder.
func (l *Lifecycle) HandleStatusUpdate(messageID string, status Status) {
	l.mu.Lock()
	m, ok := l.index[messageID]
	if !ok || status.Rank() < 0 || status.Rank() < m.Status.Rank() {
		l.mu.Unlock()
		return
	}
	m.Status = status
	out := *m
	l.mu.Unlock()

	l.publishUpserted(out)
}

// HandleSeenUpdate promotes every own message in the open conversation
// to read.
func (l *Lifecycle) HandleSeenUpdate(conversationID string) {
	l.mu.Lock()
	if conversationID != l.active {
		l.mu.Unlock()
		return
	}
	self := l.selfID()
	promoted := make([]Message, 0)
	for _, m := range l.msgs {
		if m.SenderID == self && m.Status.Rank() < StatusRead.Rank() {
			m.Status = StatusRead
			promoted = append(promoted, *m)
		}
	}
	l.mu.Unlock()

	for _, m := range promoted {
		l.publishUpserted(m)
	}
}

// HandleDelete removes a message from the live sequence. No tombstone.
func (l *Lifecycle) HandleDelete(messageID string) {
	l.mu.Lock()
	m, ok := l.index[messageID]
	if !ok {
		l.mu.Unlock()
		return
	}
	delete(l.index, messageID)
	for i, cur := range l.msgs {
		if cur == m {
			l.msgs = append(l.msgs[:i], l.msgs[i+1:]...)
			break
		}
	}
	conv := m.ConversationID
	l.mu.Unlock()

	l.publish("message.deleted", map[string]string{
		"message_id":      messageID,
		"conversation_id": conv,
	})
}

// HandleCleared wipes the open conversation's sequence when it matches
// the cleared one (or when the event names no conversation).
func (l *Lifecycle) HandleCleared(conversationID string) {
	l.mu.Lock()
	if conversationID != "" && conversationID != l.active {
		l.mu.Unlock()
		return
	}
	cleared := l.active
	l.msgs = nil
	l.index = make(map[string]*Message)
	l.mu.Unlock()

	l.publish("message.cleared", map[string]string{"conversation_id": cleared})
}

// Messages returns a snapshot of the open conversation in order.
func (l *Lifecycle) Messages() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Message, len(l.msgs))
	for i, m := range l.msgs {
		out[i] = *m
	}
	return out
}

// OldestID returns the oldest loaded confirmed message id, skipping
// still-pending optimistic entries. Used as the pagination cursor.
func (l *Lifecycle) OldestID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.msgs {
		if m.ID != "" {
			return m.ID
		}
	}
	return ""
}

// Prepend inserts older history before the current sequence, preserving
// both the chronological order of the page and the order of everything
// already loaded. Ignored if the conversation no longer matches.
func (l *Lifecycle) Prepend(conversationID string, older []Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if conversationID != l.active || len(older) == 0 {
		return
	}
	head := make([]*Message, 0, len(older))
	for i := range older {
		m := older[i]
		if _, dup := l.index[m.Key()]; dup {
			continue
		}
		head = append(head, &m)
		l.index[m.Key()] = &m
	}
	l.msgs = append(head, l.msgs...)
}

// Attach subscribes the tracker to the channel's message events.
func (l *Lifecycle) Attach(ch *channel.Channel) {
	ch.Subscribe("msg:sent", func(data json.RawMessage) {
		var p struct {
			TempID    string  `json:"tempId"`
			MessageID string  `json:"messageId"`
			Message   Message `json:"message"`
			Status    Status  `json:"status"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			l.logger.Warn("malformed msg:sent payload", zap.Error(err))
			return
		}
		if p.Message.ID == "" {
			p.Message.ID = p.MessageID
		}
		l.HandleSendAck(p.TempID, p.Message, p.Status)
	})
	ch.Subscribe("new_message", func(data json.RawMessage) {
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			l.logger.Warn("malformed new_message payload", zap.Error(err))
			return
		}
		l.HandleInbound(m)
	})
	ch.Subscribe("msg:status_update", func(data json.RawMessage) {
		var p struct {
			MessageID string `json:"messageId"`
			Status    Status `json:"status"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			l.logger.Warn("malformed msg:status_update payload", zap.Error(err))
			return
		}
		l.HandleStatusUpdate(p.MessageID, p.Status)
	})
	ch.Subscribe("msg:seen_update", func(data json.RawMessage) {
		var p conversationRef
		if err := json.Unmarshal(data, &p); err != nil {
			return
		}
		l.HandleSeenUpdate(p.ConversationID)
	})
	ch.Subscribe("message_deleted", func(data json.RawMessage) {
		var p struct {
			MessageID string `json:"messageId"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return
		}
		l.HandleDelete(p.MessageID)
	})
	ch.Subscribe("conversation_cleared", func(data json.RawMessage) {
		var p conversationRef
		_ = json.Unmarshal(data, &p)
		l.HandleCleared(p.ConversationID)
	})
}

// append assumes l.mu is held.
func (l *Lifecycle) append(m *Message) {
	if _, dup := l.index[m.Key()]; dup {
		return
	}
	l.msgs = append(l.msgs, m)
	l.index[m.Key()] = m
}

func (l *Lifecycle) publishUpserted(m Message) {
	l.publish("message.upserted", &m)
}

func (l *Lifecycle) publish(kind string, payload any) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
