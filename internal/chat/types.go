package chat

import "time"

// Status is the delivery status of a message. It only ever advances
// along pending -> sent -> delivered -> read; regressions are dropped.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

var statusRank = map[Status]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Rank returns the position of s in the status ladder, or -1 for an
// unknown status.
func (s Status) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

// Kind is the message content type.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
	KindFile  Kind = "file"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindImage, KindVideo, KindAudio, KindFile:
		return true
	}
	return false
}

// Message is a chat message. Before the server acknowledges a send, the
// message is keyed by TempID and ID is empty; the ack retires TempID and
// the confirmed ID becomes the only key for the rest of its life.
type Message struct {
	ID             string    `json:"id,omitempty"`
	TempID         string    `json:"temp_id,omitempty"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	SenderName     string    `json:"sender_name,omitempty"`
	Content        string    `json:"content"`
	Kind           Kind      `json:"type"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
}

// Key returns the active identifier: the confirmed ID when assigned,
// otherwise the temporary one.
func (m *Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.TempID
}

// Publisher is the outbound side of the event channel. The channel
// session satisfies it; tests substitute a recorder.
type Publisher interface {
	Publish(event string, payload any)
}
