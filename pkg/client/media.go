package client

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/voxhall/voxhall/pkg/signal"
)

// Track is one local capture track.
type Track interface {
	// ID is stable for the lifetime of the track.
	ID() string
	// Kind is signal.MediaKindAudio or signal.MediaKindVideo.
	Kind() string
	// Stop releases the underlying device.
	Stop()
	// OnEnded registers a callback fired at most once when the platform ends
	// the track outside the SDK's control (device unplugged, permission
	// revoked, capture surface closed).
	OnEnded(fn func())
}

// MediaStream groups the tracks of one capture request.
type MediaStream interface {
	Tracks() []Track
	Close()
}

// MediaDevices abstracts local capture. Implementations wrap the platform
// capture API; the SDK never touches devices directly.
type MediaDevices interface {
	// Acquire opens microphone capture, plus the camera when video is true.
	Acquire(ctx context.Context, video bool) (MediaStream, error)
	// AcquireScreen captures the screen.
	AcquireScreen(ctx context.Context) (MediaStream, error)
}

// RTCSession is the embedder's WebRTC engine for one call. The SDK drives
// the signaling order (create, connect, produce/consume, resume); the engine
// owns the actual peer connections and media pipelines.
type RTCSession interface {
	// ConnectTransport builds the local side of a transport from the SFU's
	// parameters and returns the DTLS parameters for the connect handshake.
	ConnectTransport(ctx context.Context, dir signal.TransportDirection, info signal.TransportInfo) (webrtc.DTLSParameters, error)
	// Produce publishes a local track and returns its RTP parameters.
	Produce(ctx context.Context, track Track, sourceType string) (signal.RtpParameters, error)
	// ReplaceTrack swaps the track feeding an existing producer.
	ReplaceTrack(producerID string, track Track) error
	// Consume attaches the remote producer described by the consume result.
	Consume(ctx context.Context, consumer signal.ConsumeResult) error
	// RestartICE applies fresh ICE parameters to a transport.
	RestartICE(dir signal.TransportDirection, params webrtc.ICEParameters) error
	// Close releases both transports.
	Close()
}

// mediaSession owns the controller's local capture: at most one microphone/
// camera stream and at most one screen stream. It remembers which tracks it
// stopped itself so their ended events never masquerade as device loss.
type mediaSession struct {
	devices MediaDevices
	log     *zap.Logger

	// onUnexpectedEnd fires on the platform's media callback goroutine when
	// a track dies that this session did not stop.
	onUnexpectedEnd func(kind string)

	mu          sync.Mutex
	stream      MediaStream
	screen      MediaStream
	video       bool
	intentional map[string]struct{}
}

func newMediaSession(devices MediaDevices, log *zap.Logger, onUnexpectedEnd func(kind string)) *mediaSession {
	return &mediaSession{
		devices:         devices,
		log:             log,
		onUnexpectedEnd: onUnexpectedEnd,
		intentional:     make(map[string]struct{}),
	}
}

// acquire opens the local stream, replacing any previous one. A failed
// camera request falls back to audio only; only a microphone failure is an
// error.
func (m *mediaSession) acquire(ctx context.Context, video bool) error {
	stream, gotVideo, err := m.open(ctx, video)
	if err != nil {
		return err
	}
	m.mu.Lock()
	prev := m.stream
	m.stream = stream
	m.video = gotVideo
	if prev != nil {
		for _, t := range prev.Tracks() {
			m.intentional[t.ID()] = struct{}{}
		}
	}
	m.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
	m.watch(stream)
	return nil
}

func (m *mediaSession) open(ctx context.Context, video bool) (MediaStream, bool, error) {
	if video {
		stream, err := m.devices.Acquire(ctx, true)
		if err == nil {
			return stream, true, nil
		}
		m.log.Warn("Camera acquisition failed, falling back to audio only", zap.Error(err))
	}
	stream, err := m.devices.Acquire(ctx, false)
	if err != nil {
		return nil, false, signal.WrapError(signal.KindMediaError, "could not access the microphone", err)
	}
	return stream, false, nil
}

// acquireScreen opens screen capture, replacing any previous screen stream.
func (m *mediaSession) acquireScreen(ctx context.Context) (MediaStream, error) {
	stream, err := m.devices.AcquireScreen(ctx)
	if err != nil {
		return nil, signal.WrapError(signal.KindMediaError, "could not capture the screen", err)
	}
	m.mu.Lock()
	prev := m.screen
	m.screen = stream
	if prev != nil {
		for _, t := range prev.Tracks() {
			m.intentional[t.ID()] = struct{}{}
		}
	}
	m.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
	m.watch(stream)
	return stream, nil
}

// watch arms the ended handlers for every track of a freshly acquired
// stream. Tracks in the intentional set were stopped by us and must not
// trigger recovery.
func (m *mediaSession) watch(stream MediaStream) {
	for _, t := range stream.Tracks() {
		track := t
		track.OnEnded(func() {
			m.mu.Lock()
			_, expected := m.intentional[track.ID()]
			delete(m.intentional, track.ID())
			m.mu.Unlock()
			if expected {
				return
			}
			m.log.Warn("Local track ended unexpectedly",
				zap.String("kind", track.Kind()),
				zap.String("trackId", track.ID()))
			if m.onUnexpectedEnd != nil {
				m.onUnexpectedEnd(track.Kind())
			}
		})
	}
}

// track returns the live capture track of the given kind, nil when absent.
func (m *mediaSession) track(kind string) Track {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream == nil {
		return nil
	}
	for _, t := range m.stream.Tracks() {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}

// stopTrack stops the named capture track on purpose, suppressing recovery.
func (m *mediaSession) stopTrack(kind string) {
	m.mu.Lock()
	var victim Track
	if m.stream != nil {
		for _, t := range m.stream.Tracks() {
			if t.Kind() == kind {
				victim = t
				break
			}
		}
	}
	if victim != nil {
		m.intentional[victim.ID()] = struct{}{}
	}
	m.mu.Unlock()
	if victim != nil {
		victim.Stop()
	}
}

// stopScreen releases screen capture.
func (m *mediaSession) stopScreen() {
	m.mu.Lock()
	stream := m.screen
	m.screen = nil
	if stream != nil {
		for _, t := range stream.Tracks() {
			m.intentional[t.ID()] = struct{}{}
		}
	}
	m.mu.Unlock()
	if stream != nil {
		stream.Close()
	}
}

func (m *mediaSession) hasStream() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stream != nil
}

func (m *mediaSession) hasVideo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.video
}

func (m *mediaSession) live() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stream != nil || m.screen != nil
}

// reset releases all capture. Every ended event the release produces is
// expected; the session stays usable for the next acquire.
func (m *mediaSession) reset() {
	m.mu.Lock()
	var streams []MediaStream
	if m.stream != nil {
		streams = append(streams, m.stream)
		m.stream = nil
	}
	if m.screen != nil {
		streams = append(streams, m.screen)
		m.screen = nil
	}
	m.video = false
	for _, s := range streams {
		for _, t := range s.Tracks() {
			m.intentional[t.ID()] = struct{}{}
		}
	}
	m.mu.Unlock()
	for _, s := range streams {
		s.Close()
	}
}
