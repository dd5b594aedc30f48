// Package presence maintains the set of currently-online peers from the
// server's snapshot and delta events.
package presence

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/parley-im/parley/internal/bus"
	"github.com/parley-im/parley/internal/channel"
	"go.uber.org/zap"
)

// Tracker holds the online-peer set. A snapshot event replaces the whole
// set; delta events add or remove one peer. No ordering is guaranteed
// between snapshot and delta arrival; the last event wins.
type Tracker struct {
	mu     sync.RWMutex
	online map[string]struct{}

	bus    *bus.Bus
	logger *zap.Logger
}

// NewTracker creates an empty tracker. b may be nil.
func NewTracker(b *bus.Bus, logger *zap.Logger) *Tracker {
	return &Tracker{
		online: make(map[string]struct{}),
		bus:    b,
		logger: logger,
	}
}

// Attach subscribes the tracker to the channel's presence events.
func (t *Tracker) Attach(ch *channel.Channel) {
	ch.Subscribe("online_users", func(data json.RawMessage) {
		var users []string
		if err := json.Unmarshal(data, &users); err != nil {
			t.logger.Warn("malformed online_users payload", zap.Error(err))
			return
		}
		t.ApplySnapshot(users)
	})
	ch.Subscribe("user_status", func(data json.RawMessage) {
		var p struct {
			UserID string `json:"userId"`
			Status string `json:"status"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			t.logger.Warn("malformed user_status payload", zap.Error(err))
			return
		}
		t.ApplyDelta(p.UserID, p.Status == "online")
	})
}

// ApplySnapshot replaces the online set.
func (t *Tracker) ApplySnapshot(users []string) {
	t.mu.Lock()
	t.online = make(map[string]struct{}, len(users))
	for _, u := range users {
		t.online[u] = struct{}{}
	}
	t.mu.Unlock()
	t.changed()
}

// ApplyDelta adds or removes a single peer.
func (t *Tracker) ApplyDelta(userID string, online bool) {
	if userID == "" {
		return
	}
	t.mu.Lock()
	if online {
		t.online[userID] = struct{}{}
	} else {
		delete(t.online, userID)
	}
	t.mu.Unlock()
	t.changed()
}

// Online reports whether the peer is currently online.
func (t *Tracker) Online(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.online[userID]
	return ok
}

// Snapshot returns the online peer ids, sorted for stable output.
func (t *Tracker) Snapshot() []string {
	t.mu.RLock()
	users := make([]string, 0, len(t.online))
	for u := range t.online {
		users = append(users, u)
	}
	t.mu.RUnlock()
	sort.Strings(users)
	return users
}

func (t *Tracker) changed() {
	if t.bus == nil {
		return
	}
	t.bus.Publish(bus.Event{
		Kind:      "presence.changed",
		Timestamp: time.Now(),
		Payload:   t.Snapshot(),
	})
}
