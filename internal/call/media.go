package call

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
)

// MediaProvider captures the local devices for a call.
type MediaProvider interface {
	Acquire(ctx context.Context, kind Kind) (*LocalMedia, error)
}

// LocalMedia is the exclusively-owned local capture: the session that
// acquired it must release it on every exit path, and Stop guarantees
// the release happens at most once no matter how many paths race to it.
// The sample feeder polls the enabled flags and writes silence/blank
// frames while a track is muted, keeping RTP timestamps continuous.
type LocalMedia struct {
	Tracks  []webrtc.TrackLocal
	release func()

	mu       sync.Mutex
	audioOff bool
	videoOff bool
	once     sync.Once
}

// SetAudio toggles the outgoing audio track.
func (m *LocalMedia) SetAudio(enabled bool) {
	m.mu.Lock()
	m.audioOff = !enabled
	m.mu.Unlock()
}

// SetVideo toggles the outgoing video track.
func (m *LocalMedia) SetVideo(enabled bool) {
	m.mu.Lock()
	m.videoOff = !enabled
	m.mu.Unlock()
}

// AudioEnabled reports whether the microphone track is live.
func (m *LocalMedia) AudioEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.audioOff
}

// VideoEnabled reports whether the camera track is live.
func (m *LocalMedia) VideoEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.videoOff
}

// Stop releases the capture. Safe to call repeatedly; only the first
// call has effect.
func (m *LocalMedia) Stop() {
	m.once.Do(func() {
		if m.release != nil {
			m.release()
		}
	})
}

// SampleMediaProvider builds sample-fed local tracks: Opus audio plus
// VP8 video for video calls. The actual device pipeline feeds samples
// into the tracks; the controller only cares about ownership and
// lifecycle.
type SampleMediaProvider struct{}

// Acquire creates the track set for the requested call kind.
func (SampleMediaProvider) Acquire(ctx context.Context, kind Kind) (*LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "parley",
	)
	if err != nil {
		return nil, fmt.Errorf("audio track: %w", err)
	}
	media := &LocalMedia{Tracks: []webrtc.TrackLocal{audio}}

	if kind == Video {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			"video", "parley",
		)
		if err != nil {
			return nil, fmt.Errorf("video track: %w", err)
		}
		media.Tracks = append(media.Tracks, video)
	}
	return media, nil
}
