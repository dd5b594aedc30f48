package store

// Conversation is a cached conversation summary.
type Conversation struct {
	ID            string
	PeerID        string
	PeerName      string
	LastMessage   string
	LastMessageAt int64
	UnreadCount   int
}

// Message is a cached message.
type Message struct {
	ID             int64
	ConversationID string
	MsgID          string
	SenderID       string
	SenderName     string
	Body           string
	MessageType    string
	Status         string
	Timestamp      int64
}
