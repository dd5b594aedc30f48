// Package mirror keeps the on-disk cache trailing the live in-memory
// state, so a restart can render the last known conversations and
// history before the channel comes back up.
package mirror

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/parley-im/parley/internal/bus"
	"github.com/parley-im/parley/internal/chat"
	"github.com/parley-im/parley/internal/conversations"
	"github.com/parley-im/parley/internal/store"
)

// Engine subscribes to message.* and conversation.* bus events and
// writes them through to the cache database. Every write is idempotent:
// redelivered events land on upserts keyed by server ids.
type Engine struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewEngine creates a cache mirror.
func NewEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *Engine {
	return &Engine{
		db:     db,
		bus:    b,
		logger: logger,
	}
}

// Start subscribes to the bus and mirrors events until the context ends.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	msgCh, unsubMsg := e.bus.Subscribe("message.", 256)
	convCh, unsubConv := e.bus.Subscribe("conversation.", 64)

	go func() {
		defer unsubMsg()
		defer unsubConv()
		for {
			select {
			case evt := <-msgCh:
				if err := e.handleMessage(evt); err != nil {
					e.logger.Error("cache mirror write failed", zap.String("kind", evt.Kind), zap.Error(err))
				}
			case evt := <-convCh:
				if err := e.handleConversation(evt); err != nil {
					e.logger.Error("cache mirror write failed", zap.String("kind", evt.Kind), zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) handleMessage(evt bus.Event) error {
	switch evt.Kind {
	case "message.upserted":
		m, ok := evt.Payload.(*chat.Message)
		if !ok {
			return nil
		}
		if m.ID == "" {
			// Pending optimistic message; cache it once the ack
			// assigns a server id.
			return nil
		}
		return e.db.UpsertMessage(&store.Message{
			ConversationID: m.ConversationID,
			MsgID:          m.ID,
			SenderID:       m.SenderID,
			SenderName:     m.SenderName,
			Body:           m.Content,
			MessageType:    string(m.Kind),
			Status:         string(m.Status),
			Timestamp:      m.CreatedAt.UnixMilli(),
		})
	case "message.deleted":
		fields, ok := evt.Payload.(map[string]string)
		if !ok {
			return nil
		}
		return e.db.DeleteMessage(fields["message_id"])
	case "message.cleared":
		fields, ok := evt.Payload.(map[string]string)
		if !ok {
			return nil
		}
		return e.db.ClearMessages(fields["conversation_id"])
	}
	return nil
}

func (e *Engine) handleConversation(evt bus.Event) error {
	if evt.Kind != "conversation.snapshot" {
		return nil
	}
	list, ok := evt.Payload.([]conversations.Conversation)
	if !ok {
		return nil
	}
	for _, c := range list {
		err := e.db.UpsertConversation(&store.Conversation{
			ID:            c.ID,
			PeerID:        c.PeerID,
			PeerName:      c.PeerName,
			LastMessage:   c.LastMessage,
			LastMessageAt: c.LastMessageTime.UnixMilli(),
			UnreadCount:   c.UnreadCount,
		})
		if err != nil {
			return fmt.Errorf("upsert conversation %s: %w", c.ID, err)
		}
	}
	return nil
}
