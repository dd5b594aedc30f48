// Package channel owns the single persistent, authenticated, bidirectional
// event channel to the server. Outbound publishes are fire-and-forget
// through a buffered send queue drained by one writer goroutine; inbound
// events are dispatched to subscribers in arrival order on one reader
// goroutine, so handlers never race each other.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/parley-im/parley/internal/status"
	"go.uber.org/zap"
)

// State is the observable channel lifecycle.
type State string

const (
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosed     State = "closed"
)

const (
	writeWait     = 5 * time.Second
	pongWait      = 60 * time.Second
	pingInterval  = 30 * time.Second
	maxFrameSize  = 1 << 20 // 1MB
	sendQueueSize = 256
)

// Handler is invoked once per inbound event, in arrival order, on the
// channel's single dispatch goroutine.
type Handler func(data json.RawMessage)

// envelope is the wire framing for every event in both directions.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Channel is the event channel session. Construct with New, connect once
// per application session, tear down with Close on logout.
type Channel struct {
	url     string
	token   func() string
	logger  *zap.Logger
	machine *status.Machine

	hmu      sync.RWMutex
	handlers map[string][]Handler

	mu     sync.Mutex
	conn   *websocket.Conn
	state  State
	closed chan struct{}

	// send persists across reconnects so queued publishes flush once the
	// transport reopens.
	send chan []byte
}

// New creates a channel session for the given websocket URL. token is
// re-read on every dial so reconnects pick up a refreshed credential.
// machine may be nil.
func New(url string, token func() string, logger *zap.Logger, machine *status.Machine) *Channel {
	return &Channel{
		url:      url,
		token:    token,
		logger:   logger,
		machine:  machine,
		handlers: make(map[string][]Handler),
		state:    StateConnecting,
		closed:   make(chan struct{}),
		send:     make(chan []byte, sendQueueSize),
	}
}

// State returns the current channel state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe registers a handler for the named event. Must be called
// before Connect for deterministic delivery of early events.
func (c *Channel) Subscribe(event string, h Handler) {
	c.hmu.Lock()
	c.handlers[event] = append(c.handlers[event], h)
	c.hmu.Unlock()
}

// Publish enqueues an event for delivery. Fire-and-forget: marshal
// failures and queue overflow are logged and dropped, never surfaced to
// the caller. A message published while the transport is down stays
// queued and flushes on reconnect.
func (c *Channel) Publish(event string, payload any) {
	env := envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			c.logger.Error("marshal event payload", zap.String("event", event), zap.Error(err))
			return
		}
		env.Data = data
	}
	msg, err := json.Marshal(env)
	if err != nil {
		c.logger.Error("marshal event envelope", zap.String("event", event), zap.Error(err))
		return
	}
	select {
	case c.send <- msg:
	default:
		c.logger.Warn("send queue full, dropping event", zap.String("event", event))
	}
}

// Connect dials the server and starts the reader and writer goroutines.
// Returns an error only for the initial dial; later disconnects are
// handled by automatic redial with the cached credential.
func (c *Channel) Connect(ctx context.Context) error {
	c.setState(StateConnecting)
	c.transition(status.Connecting)

	conn, err := c.dial(ctx)
	if err != nil {
		c.setState(StateClosed)
		return fmt.Errorf("dial channel: %w", err)
	}
	c.adopt(conn)
	return nil
}

// Close deliberately tears the session down. Idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		return nil
	default:
		close(c.closed)
	}
	conn := c.conn
	c.state = StateClosed
	c.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = conn.Close()
	}
	c.transition(status.Closed)
	return nil
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if tok := c.token(); tok != "" {
		header.Set("Authorization", "Bearer "+tok)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Channel) adopt(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.state = StateOpen
	c.mu.Unlock()
	c.transition(status.Ready)
	go c.session(conn)
}

// session runs one transport lifetime: writer in a goroutine, reader
// inline. When the reader exits the writer is stopped and, unless Close
// was called, a redial loop takes over.
func (c *Channel) session(conn *websocket.Conn) {
	writerDone := make(chan struct{})
	go c.writeLoop(conn, writerDone)
	c.readLoop(conn)
	close(writerDone)
	_ = conn.Close()

	select {
	case <-c.closed:
		c.setState(StateClosed)
		return
	default:
	}
	c.redial()
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.logger.Warn("channel read failed", zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		c.dispatch(data)
	}
}

func (c *Channel) dispatch(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Warn("malformed inbound event", zap.Error(err))
		return
	}
	c.hmu.RLock()
	hs := append([]Handler(nil), c.handlers[env.Event]...)
	c.hmu.RUnlock()
	for _, h := range hs {
		h(env.Data)
	}
}

func (c *Channel) writeLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Warn("channel write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// redial reconnects with exponential backoff using the cached credential.
// Subscribers are unaware of the gap except that optimistic sends may
// stay pending until the server redelivers acknowledgements.
func (c *Channel) redial() {
	c.setState(StateConnecting)
	c.transition(status.Reconnecting)

	backoff := time.Second
	for {
		select {
		case <-c.closed:
			c.setState(StateClosed)
			return
		case <-time.After(backoff):
		}

		conn, err := c.dial(context.Background())
		if err == nil {
			c.logger.Info("channel reconnected")
			c.adopt(conn)
			return
		}
		c.logger.Warn("redial failed", zap.Error(err), zap.Duration("backoff", backoff))
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Channel) transition(to status.State) {
	if c.machine == nil {
		return
	}
	if err := c.machine.Transition(to); err != nil {
		c.logger.Debug("status transition skipped", zap.Error(err))
	}
}
