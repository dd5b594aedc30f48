package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

type recordedEvent struct {
	name    string
	payload any
}

type recordingPub struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (p *recordingPub) Publish(name string, payload any) {
	p.mu.Lock()
	p.events = append(p.events, recordedEvent{name, payload})
	p.mu.Unlock()
}

func (p *recordingPub) count(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.name == name {
			n++
		}
	}
	return n
}

func (p *recordingPub) last(name string) (any, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.events) - 1; i >= 0; i-- {
		if p.events[i].name == name {
			return p.events[i].payload, true
		}
	}
	return nil, false
}

type fakePeer struct {
	mu        sync.Mutex
	onTrack   func()
	closes    int
	offerGate chan struct{} // when non-nil, Offer blocks until closed
	offerErr  error
	answerErr error
	accepted  *webrtc.SessionDescription
}

func (f *fakePeer) Offer(ctx context.Context) (webrtc.SessionDescription, error) {
	if f.offerGate != nil {
		<-f.offerGate
	}
	if f.offerErr != nil {
		return webrtc.SessionDescription{}, f.offerErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-sdp"}, nil
}

func (f *fakePeer) Answer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if f.answerErr != nil {
		return webrtc.SessionDescription{}, f.answerErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-sdp"}, nil
}

func (f *fakePeer) AcceptAnswer(answer webrtc.SessionDescription) error {
	f.mu.Lock()
	f.accepted = &answer
	f.mu.Unlock()
	return nil
}

func (f *fakePeer) OnRemoteTrack(fn func()) {
	f.mu.Lock()
	f.onTrack = fn
	f.mu.Unlock()
}

func (f *fakePeer) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	return nil
}

func (f *fakePeer) fireRemoteTrack() {
	f.mu.Lock()
	fn := f.onTrack
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (f *fakePeer) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

type fakeMedia struct {
	mu       sync.Mutex
	stops    int
	acquires int
	err      error
}

func (f *fakeMedia) Acquire(ctx context.Context, kind Kind) (*LocalMedia, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquires++
	if f.err != nil {
		return nil, f.err
	}
	return &LocalMedia{release: func() {
		f.mu.Lock()
		f.stops++
		f.mu.Unlock()
	}}, nil
}

func (f *fakeMedia) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

func (f *fakeMedia) acquireCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquires
}

func newTestController(t *testing.T) (*Controller, *recordingPub, *fakeMedia, *fakePeer) {
	t.Helper()
	pub := &recordingPub{}
	media := &fakeMedia{}
	peer := &fakePeer{}
	factory := func(ice []webrtc.ICEServer, local *LocalMedia) (Peer, error) {
		return peer, nil
	}
	self := func() PeerInfo { return PeerInfo{ID: "me", Username: "ana"} }
	c := NewController(self, nil, pub, nil, zap.NewNop(), media, factory)
	return c, pub, media, peer
}

// TestInviteCarriesCurrentIdentity covers the fresh-login order: the
// controller exists before the user logs in, so the invite's FromUser
// must reflect the identity at publish time, not at construction.
func TestInviteCarriesCurrentIdentity(t *testing.T) {
	var self PeerInfo
	pub := &recordingPub{}
	peer := &fakePeer{}
	factory := func(ice []webrtc.ICEServer, local *LocalMedia) (Peer, error) {
		return peer, nil
	}
	c := NewController(func() PeerInfo { return self }, nil, pub, nil, zap.NewNop(), &fakeMedia{}, factory)

	self = PeerInfo{ID: "u1", Username: "ana"}
	if err := c.StartCall(context.Background(), PeerInfo{ID: "bob"}, Audio); err != nil {
		t.Fatalf("StartCall() error = %v", err)
	}

	payload, ok := pub.last("call_user")
	if !ok {
		t.Fatal("call_user not published")
	}
	if got := payload.(invitePayload).FromUser; got.ID != "u1" || got.Username != "ana" {
		t.Errorf("FromUser = %+v, want u1/ana", got)
	}
}

func TestStartCallToActive(t *testing.T) {
	c, pub, _, peer := newTestController(t)

	if err := c.StartCall(context.Background(), PeerInfo{ID: "bob"}, Video); err != nil {
		t.Fatalf("StartCall() error = %v", err)
	}
	if c.Phase() != PhaseNegotiatingInitiator {
		t.Fatalf("phase = %s", c.Phase())
	}

	payload, ok := pub.last("call_user")
	if !ok {
		t.Fatal("call_user not published")
	}
	invite := payload.(invitePayload)
	if invite.UserToCallID != "bob" || invite.CallType != Video || invite.FromUser.ID != "me" {
		t.Errorf("invite = %+v", invite)
	}
	if invite.SignalData.SDP != "offer-sdp" {
		t.Errorf("invite carries no bundled offer: %+v", invite.SignalData)
	}
	if c.Duration() != 0 {
		t.Error("duration counting before Active")
	}

	peer.fireRemoteTrack()
	if c.Phase() != PhaseActive {
		t.Fatalf("phase after remote media = %s, want active", c.Phase())
	}

	// The counter only runs while Active.
	time.Sleep(5 * time.Millisecond)
	if c.Duration() <= 0 {
		t.Error("duration not counting while active")
	}
}

func TestSecondCallIntentRejected(t *testing.T) {
	c, pub, media, _ := newTestController(t)

	if err := c.StartCall(context.Background(), PeerInfo{ID: "bob"}, Audio); err != nil {
		t.Fatal(err)
	}
	acquires := media.acquireCount()

	err := c.StartCall(context.Background(), PeerInfo{ID: "carol"}, Audio)
	if !errors.Is(err, ErrCallInProgress) {
		t.Fatalf("error = %v, want ErrCallInProgress", err)
	}
	if media.acquireCount() != acquires {
		t.Error("rejected intent touched the media devices")
	}
	if pub.count("call_user") != 1 {
		t.Error("rejected intent published an invite")
	}
	if got := c.Peer(); got.ID != "bob" {
		t.Errorf("session peer = %q, want bob", got.ID)
	}
}

func TestAnswerWithoutMediaFails(t *testing.T) {
	c, pub, _, _ := newTestController(t)

	c.HandleIncoming(PeerInfo{ID: "bob"}, webrtc.SessionDescription{SDP: "remote-offer"}, Video)
	if c.Phase() != PhaseNegotiatingReceiver {
		t.Fatalf("phase = %s", c.Phase())
	}

	err := c.AnswerCall(context.Background())
	if !errors.Is(err, ErrNoLocalMedia) {
		t.Fatalf("error = %v, want ErrNoLocalMedia", err)
	}
	if pub.count("answer_call") != 0 {
		t.Error("failed precondition still published")
	}
	if c.Phase() != PhaseNegotiatingReceiver {
		t.Error("failed precondition changed phase")
	}
}

func TestReceiverAnswerFlow(t *testing.T) {
	c, pub, _, peer := newTestController(t)

	c.HandleIncoming(PeerInfo{ID: "bob"}, webrtc.SessionDescription{SDP: "remote-offer"}, Video)
	if err := c.AcquireLocalMedia(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.AnswerCall(context.Background()); err != nil {
		t.Fatalf("AnswerCall() error = %v", err)
	}

	payload, ok := pub.last("answer_call")
	if !ok {
		t.Fatal("answer_call not published")
	}
	ans := payload.(answerPayload)
	if ans.To != "bob" || ans.Signal.SDP != "answer-sdp" {
		t.Errorf("answer = %+v", ans)
	}

	peer.fireRemoteTrack()
	if c.Phase() != PhaseActive {
		t.Fatalf("phase = %s, want active", c.Phase())
	}
}

func TestIncomingIgnoredWhileBusy(t *testing.T) {
	c, _, _, _ := newTestController(t)

	if err := c.StartCall(context.Background(), PeerInfo{ID: "bob"}, Audio); err != nil {
		t.Fatal(err)
	}
	c.HandleIncoming(PeerInfo{ID: "carol"}, webrtc.SessionDescription{}, Video)

	if got := c.Peer(); got.ID != "bob" {
		t.Errorf("invite while busy replaced the session: peer = %q", got.ID)
	}
	if c.Phase() != PhaseNegotiatingInitiator {
		t.Errorf("phase = %s", c.Phase())
	}
}

func TestTeardownExactlyOnce(t *testing.T) {
	c, pub, media, peer := newTestController(t)

	if err := c.StartCall(context.Background(), PeerInfo{ID: "bob"}, Video); err != nil {
		t.Fatal(err)
	}
	peer.fireRemoteTrack()

	c.LeaveCall()
	c.HandleRemoteEnded() // racing remote termination arrives after

	if c.Phase() != PhaseIdle {
		t.Fatalf("phase = %s, want idle", c.Phase())
	}
	if media.stopCount() != 1 {
		t.Errorf("media stopped %d times, want exactly 1", media.stopCount())
	}
	if peer.closeCount() != 1 {
		t.Errorf("peer closed %d times, want exactly 1", peer.closeCount())
	}
	if pub.count("end_call") != 1 {
		t.Errorf("end_call published %d times, want 1", pub.count("end_call"))
	}
	if c.Duration() != 0 {
		t.Error("duration still counting after teardown")
	}
}

func TestRemoteEndedThenLocalLeave(t *testing.T) {
	c, pub, media, _ := newTestController(t)

	if err := c.StartCall(context.Background(), PeerInfo{ID: "bob"}, Audio); err != nil {
		t.Fatal(err)
	}

	c.HandleRemoteEnded()
	c.LeaveCall()

	if media.stopCount() != 1 {
		t.Errorf("media stopped %d times, want 1", media.stopCount())
	}
	// Remote ended first: nothing left to notify, no end_call goes out.
	if pub.count("end_call") != 0 {
		t.Errorf("end_call published %d times, want 0", pub.count("end_call"))
	}
}

func TestMediaDenialAbortsStart(t *testing.T) {
	c, pub, media, _ := newTestController(t)
	media.err = errors.New("permission denied")

	err := c.StartCall(context.Background(), PeerInfo{ID: "bob"}, Video)
	if err == nil {
		t.Fatal("StartCall() should surface the media failure")
	}
	if c.Phase() != PhaseIdle {
		t.Errorf("phase = %s, want idle after abort", c.Phase())
	}
	if pub.count("call_user") != 0 {
		t.Error("aborted call still published an invite")
	}

	// The controller must accept a fresh call afterwards.
	media.err = nil
	if err := c.StartCall(context.Background(), PeerInfo{ID: "bob"}, Video); err != nil {
		t.Fatalf("controller not reusable after abort: %v", err)
	}
}

func TestTeardownDuringNegotiationCancelsIt(t *testing.T) {
	c, pub, media, peer := newTestController(t)
	peer.offerGate = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- c.StartCall(context.Background(), PeerInfo{ID: "bob"}, Video) }()

	// Wait for the suspension: media acquired, offer negotiating.
	deadline := time.Now().Add(2 * time.Second)
	for media.acquireCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}

	c.LeaveCall()
	close(peer.offerGate)

	if err := <-done; err != nil {
		t.Fatalf("StartCall() error = %v", err)
	}
	if pub.count("call_user") != 0 {
		t.Error("cancelled negotiation still published the invite")
	}
	if media.stopCount() != 1 {
		t.Errorf("media stopped %d times, want 1", media.stopCount())
	}
	if peer.closeCount() != 1 {
		t.Errorf("peer closed %d times, want 1", peer.closeCount())
	}
	if c.Phase() != PhaseIdle {
		t.Errorf("phase = %s, want idle", c.Phase())
	}
}

func TestHandleAnsweredAppliesSignal(t *testing.T) {
	c, _, _, peer := newTestController(t)

	if err := c.StartCall(context.Background(), PeerInfo{ID: "bob"}, Audio); err != nil {
		t.Fatal(err)
	}
	c.HandleAnswered(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "their-answer"})

	peer.mu.Lock()
	accepted := peer.accepted
	peer.mu.Unlock()
	if accepted == nil || accepted.SDP != "their-answer" {
		t.Errorf("accepted = %+v", accepted)
	}

	// Stray answers outside initiator negotiation are ignored.
	c.LeaveCall()
	c.HandleAnswered(webrtc.SessionDescription{SDP: "late"})
}
