package call

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
)

// Peer is one side of a negotiated peer connection. Signaling runs
// non-trickle: Offer and Answer block until candidate gathering is done
// and return a description with every candidate bundled in.
type Peer interface {
	Offer(ctx context.Context) (webrtc.SessionDescription, error)
	Answer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	AcceptAnswer(answer webrtc.SessionDescription) error
	OnRemoteTrack(fn func())
	Close() error
}

// PeerFactory builds a peer connection carrying the local tracks.
type PeerFactory func(ice []webrtc.ICEServer, local *LocalMedia) (Peer, error)

type webrtcPeer struct {
	pc *webrtc.PeerConnection

	mu        sync.Mutex
	onTrack   func()
	trackSeen bool
}

// NewWebRTCPeer creates the production peer connection.
func NewWebRTCPeer(ice []webrtc.ICEServer, local *LocalMedia) (Peer, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: ice})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	for _, track := range local.Tracks {
		if _, err := pc.AddTrack(track); err != nil {
			pc.Close()
			return nil, fmt.Errorf("add local track: %w", err)
		}
	}

	p := &webrtcPeer{pc: pc}
	pc.OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver) {
		p.mu.Lock()
		first := !p.trackSeen
		p.trackSeen = true
		fn := p.onTrack
		p.mu.Unlock()
		if first && fn != nil {
			fn()
		}
	})
	return p, nil
}

func (p *webrtcPeer) OnRemoteTrack(fn func()) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *webrtcPeer) Offer(ctx context.Context) (webrtc.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	return p.gatherAndSet(ctx, offer)
}

func (p *webrtcPeer) Answer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	return p.gatherAndSet(ctx, answer)
}

// gatherAndSet installs the local description and waits for ICE
// gathering to finish so the returned description bundles every
// candidate.
func (p *webrtcPeer) gatherAndSet(ctx context.Context, desc webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	done := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(desc); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-done:
	case <-ctx.Done():
		return webrtc.SessionDescription{}, ctx.Err()
	}
	return *p.pc.LocalDescription(), nil
}

func (p *webrtcPeer) AcceptAnswer(answer webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

func (p *webrtcPeer) Close() error {
	return p.pc.Close()
}
