package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/parley-im/parley/internal/bus"
	"github.com/parley-im/parley/internal/channel"
)

// Phase is the call session state. Ended is transient: teardown clears
// the session straight back to Idle, so observers see Ended only on the
// bus event announcing the termination.
type Phase string

const (
	PhaseIdle                 Phase = "idle"
	PhaseNegotiatingInitiator Phase = "negotiating_initiator"
	PhaseNegotiatingReceiver  Phase = "negotiating_receiver"
	PhaseActive               Phase = "active"
	PhaseEnded                Phase = "ended"
)

// Kind selects which media streams a call carries.
type Kind string

const (
	Audio Kind = "audio"
	Video Kind = "video"
)

var (
	// ErrCallInProgress rejects a second call intent while a session
	// exists.
	ErrCallInProgress = errors.New("call already in progress")
	// ErrNoLocalMedia fails answerCall when media was never acquired.
	// Local precondition: nothing is published.
	ErrNoLocalMedia = errors.New("local media not acquired")
)

// PeerInfo identifies the user on the far side of a call.
type PeerInfo struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type invitePayload struct {
	UserToCallID string                    `json:"userToCallId"`
	SignalData   webrtc.SessionDescription `json:"signalData"`
	FromUser     PeerInfo                  `json:"fromUser"`
	CallType     Kind                      `json:"callType"`
}

type incomingPayload struct {
	From     PeerInfo                  `json:"from"`
	Signal   webrtc.SessionDescription `json:"signal"`
	CallType Kind                      `json:"callType"`
}

type answerPayload struct {
	Signal webrtc.SessionDescription `json:"signal"`
	To     string                    `json:"to"`
}

type answeredPayload struct {
	Signal webrtc.SessionDescription `json:"signal"`
}

type endPayload struct {
	To string `json:"to"`
}

// Publisher sends a signaling event to the server.
type Publisher interface {
	Publish(event string, payload any)
}

// Change is the payload of call.* bus events.
type Change struct {
	Phase Phase    `json:"phase"`
	Kind  Kind     `json:"kind"`
	Peer  PeerInfo `json:"peer"`
}

// Controller owns the single call session. Media acquisition and
// negotiation suspend outside the lock; a generation counter detects a
// teardown that happened during the suspension, so a completion landing
// after the session died releases what it holds and stops.
type Controller struct {
	pub     Publisher
	bus     *bus.Bus
	logger  *zap.Logger
	media   MediaProvider
	newPeer PeerFactory
	ice     []webrtc.ICEServer
	self    func() PeerInfo

	mu          chan struct{} // 1-token semaphore, held across state reads/writes
	phase       Phase
	kind        Kind
	peer        PeerInfo
	offer       webrtc.SessionDescription
	local       *LocalMedia
	link        Peer
	activeSince time.Time
	gen         uint64
}

// NewController creates an idle controller. The factory and provider
// default to the pion-backed implementations when nil. self is read when
// an invite goes out, not at construction, so it tracks the current
// login.
func NewController(self func() PeerInfo, ice []webrtc.ICEServer, pub Publisher, b *bus.Bus, logger *zap.Logger, media MediaProvider, newPeer PeerFactory) *Controller {
	if media == nil {
		media = &SampleMediaProvider{}
	}
	if newPeer == nil {
		newPeer = NewWebRTCPeer
	}
	c := &Controller{
		pub:     pub,
		bus:     b,
		logger:  logger,
		media:   media,
		newPeer: newPeer,
		ice:     ice,
		self:    self,
		mu:      make(chan struct{}, 1),
		phase:   PhaseIdle,
	}
	c.mu <- struct{}{}
	return c
}

func (c *Controller) lock() { <-c.mu }

func (c *Controller) unlock() { c.mu <- struct{}{} }

// Phase returns the current session phase.
func (c *Controller) Phase() Phase {
	c.lock()
	defer c.unlock()
	return c.phase
}

// Peer returns who the session is with.
func (c *Controller) Peer() PeerInfo {
	c.lock()
	defer c.unlock()
	return c.peer
}

// Duration reports how long the call has been active. Zero outside
// Active.
func (c *Controller) Duration() time.Duration {
	c.lock()
	defer c.unlock()
	if c.phase != PhaseActive {
		return 0
	}
	return time.Since(c.activeSince)
}

// StartCall begins an outgoing call: acquire local media, build an
// offer with all ICE candidates bundled into it, and publish the
// invite. Rejected without side effects while any session exists.
func (c *Controller) StartCall(ctx context.Context, to PeerInfo, kind Kind) error {
	c.lock()
	if c.phase != PhaseIdle {
		c.unlock()
		return ErrCallInProgress
	}
	c.phase = PhaseNegotiatingInitiator
	c.kind = kind
	c.peer = to
	g := c.gen
	c.unlock()

	media, err := c.media.Acquire(ctx, kind)
	if err != nil {
		c.abort(g, nil, nil)
		return fmt.Errorf("acquire media: %w", err)
	}

	link, err := c.newPeer(c.ice, media)
	if err != nil {
		c.abort(g, media, nil)
		return fmt.Errorf("create peer connection: %w", err)
	}
	link.OnRemoteTrack(func() { c.remoteArrived(g) })

	offer, err := link.Offer(ctx)
	if err != nil {
		c.abort(g, media, link)
		return fmt.Errorf("negotiate offer: %w", err)
	}

	c.lock()
	if c.gen != g || c.phase != PhaseNegotiatingInitiator {
		c.unlock()
		media.Stop()
		link.Close()
		return nil
	}
	c.local = media
	c.link = link
	c.unlock()

	c.pub.Publish("call_user", invitePayload{
		UserToCallID: to.ID,
		SignalData:   offer,
		FromUser:     c.self(),
		CallType:     kind,
	})
	return nil
}

// HandleIncoming processes an inbound invite. A busy session ignores
// it; the caller's retry/timeout handles the missed ring. Media is not
// acquired here: only an accept warrants touching the devices.
func (c *Controller) HandleIncoming(from PeerInfo, offer webrtc.SessionDescription, kind Kind) {
	c.lock()
	if c.phase != PhaseIdle {
		c.unlock()
		c.logger.Info("ignoring call invite while busy", zap.String("from", from.ID))
		return
	}
	c.phase = PhaseNegotiatingReceiver
	c.kind = kind
	c.peer = from
	c.offer = offer
	c.unlock()

	c.announce(PhaseNegotiatingReceiver)
}

// AcquireLocalMedia captures the devices ahead of answering, so the
// callee sees a local preview before committing. Permission denial
// aborts the whole call flow.
func (c *Controller) AcquireLocalMedia(ctx context.Context) error {
	c.lock()
	if c.phase != PhaseNegotiatingReceiver {
		c.unlock()
		return fmt.Errorf("no incoming call to prepare for")
	}
	kind := c.kind
	g := c.gen
	c.unlock()

	media, err := c.media.Acquire(ctx, kind)
	if err != nil {
		c.HangupLocal()
		return fmt.Errorf("acquire media: %w", err)
	}

	c.lock()
	if c.gen != g || c.phase != PhaseNegotiatingReceiver {
		c.unlock()
		media.Stop()
		return nil
	}
	c.local = media
	c.unlock()
	return nil
}

// AnswerCall accepts the pending invite. Local media must already be
// acquired; without it the operation fails synchronously and nothing
// is published.
func (c *Controller) AnswerCall(ctx context.Context) error {
	c.lock()
	if c.phase != PhaseNegotiatingReceiver {
		c.unlock()
		return fmt.Errorf("no incoming call to answer")
	}
	if c.local == nil {
		c.unlock()
		return ErrNoLocalMedia
	}
	media := c.local
	offer := c.offer
	to := c.peer.ID
	g := c.gen
	c.unlock()

	link, err := c.newPeer(c.ice, media)
	if err != nil {
		c.abort(g, nil, nil)
		return fmt.Errorf("create peer connection: %w", err)
	}
	link.OnRemoteTrack(func() { c.remoteArrived(g) })

	answer, err := link.Answer(ctx, offer)
	if err != nil {
		c.abort(g, nil, link)
		return fmt.Errorf("negotiate answer: %w", err)
	}

	c.lock()
	if c.gen != g || c.phase != PhaseNegotiatingReceiver {
		c.unlock()
		link.Close()
		return nil
	}
	c.link = link
	c.unlock()

	c.pub.Publish("answer_call", answerPayload{Signal: answer, To: to})
	return nil
}

// HandleAnswered applies the callee's bundled answer on the initiator
// side. The session goes Active when remote media arrives, not here.
func (c *Controller) HandleAnswered(signal webrtc.SessionDescription) {
	c.lock()
	if c.phase != PhaseNegotiatingInitiator || c.link == nil {
		c.unlock()
		return
	}
	link := c.link
	c.unlock()

	if err := link.AcceptAnswer(signal); err != nil {
		c.logger.Warn("applying call answer failed", zap.Error(err))
		c.HangupLocal()
	}
}

// LeaveCall ends the session from any non-Idle phase and notifies the
// peer. A no-op on an idle controller.
func (c *Controller) LeaveCall() {
	c.lock()
	if c.phase == PhaseIdle {
		c.unlock()
		return
	}
	to := c.peer.ID
	c.teardownLocked()
	c.unlock()

	c.pub.Publish("end_call", endPayload{To: to})
	c.announce(PhaseEnded)
}

// HandleRemoteEnded tears the session down on the peer's authority.
// Idempotent against a concurrent local LeaveCall: whichever runs first
// clears the session, the loser sees Idle and stops.
func (c *Controller) HandleRemoteEnded() {
	c.lock()
	if c.phase == PhaseIdle {
		c.unlock()
		return
	}
	c.teardownLocked()
	c.unlock()

	c.announce(PhaseEnded)
}

// HangupLocal is LeaveCall for abnormal exits that must still notify
// the peer.
func (c *Controller) HangupLocal() { c.LeaveCall() }

// SetMicEnabled toggles the outgoing audio track.
func (c *Controller) SetMicEnabled(enabled bool) {
	c.lock()
	defer c.unlock()
	if c.local != nil {
		c.local.SetAudio(enabled)
	}
}

// SetCameraEnabled toggles the outgoing video track.
func (c *Controller) SetCameraEnabled(enabled bool) {
	c.lock()
	defer c.unlock()
	if c.local != nil {
		c.local.SetVideo(enabled)
	}
}

// Attach wires the controller to the signaling events on the channel.
func (c *Controller) Attach(ch *channel.Channel) {
	ch.Subscribe("call_incoming", func(data json.RawMessage) {
		var p incomingPayload
		if err := json.Unmarshal(data, &p); err != nil {
			c.logger.Warn("bad call invite", zap.Error(err))
			return
		}
		if p.CallType == "" {
			p.CallType = Video
		}
		c.HandleIncoming(p.From, p.Signal, p.CallType)
	})
	ch.Subscribe("call_answered", func(data json.RawMessage) {
		var p answeredPayload
		if err := json.Unmarshal(data, &p); err != nil {
			c.logger.Warn("bad call answer", zap.Error(err))
			return
		}
		c.HandleAnswered(p.Signal)
	})
	ch.Subscribe("call_ended", func(json.RawMessage) {
		c.HandleRemoteEnded()
	})
}

// remoteArrived fires on the first remote media track. It starts the
// duration counter unless the session it belonged to is already gone.
func (c *Controller) remoteArrived(g uint64) {
	c.lock()
	if c.gen != g || (c.phase != PhaseNegotiatingInitiator && c.phase != PhaseNegotiatingReceiver) {
		c.unlock()
		return
	}
	c.phase = PhaseActive
	c.activeSince = time.Now()
	c.unlock()

	c.announce(PhaseActive)
}

// abort releases resources a failed suspension still holds and, when
// the session is still the one that suspended, clears it. extraMedia
// and extraLink are resources acquired during the suspension that the
// session never got to own.
func (c *Controller) abort(g uint64, extraMedia *LocalMedia, extraLink Peer) {
	if extraLink != nil {
		extraLink.Close()
	}
	if extraMedia != nil {
		extraMedia.Stop()
	}
	c.lock()
	if c.gen != g || c.phase == PhaseIdle {
		c.unlock()
		return
	}
	c.teardownLocked()
	c.unlock()

	c.announce(PhaseEnded)
}

// teardownLocked releases everything exactly once and returns the
// controller to Idle. Bumping the generation makes any suspended
// completion for this session a no-op.
func (c *Controller) teardownLocked() {
	c.gen++
	if c.link != nil {
		if err := c.link.Close(); err != nil {
			c.logger.Debug("peer connection close", zap.Error(err))
		}
		c.link = nil
	}
	if c.local != nil {
		c.local.Stop()
		c.local = nil
	}
	c.phase = PhaseIdle
	c.offer = webrtc.SessionDescription{}
	c.activeSince = time.Time{}
}

func (c *Controller) announce(phase Phase) {
	if c.bus == nil {
		return
	}
	c.lock()
	change := Change{Phase: phase, Kind: c.kind, Peer: c.peer}
	c.unlock()

	kind := "call.changed"
	switch phase {
	case PhaseNegotiatingReceiver:
		kind = "call.incoming"
	case PhaseActive:
		kind = "call.active"
	case PhaseEnded:
		kind = "call.ended"
	}
	c.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: change})
}
