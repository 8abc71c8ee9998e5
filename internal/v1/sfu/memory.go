// Package sfu provides the media-router surface the signaling core drives.
// Two implementations exist: an in-process engine for development and tests,
// and a client for a remote SFU control API.
package sfu

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/voxhall/voxhall/internal/v1/logging"
	"github.com/voxhall/voxhall/internal/v1/metrics"
	"github.com/voxhall/voxhall/internal/v1/types"
	"github.com/voxhall/voxhall/pkg/signal"
)

// baseRtpCapabilities is what the in-process engine advertises. The core
// relays capability blobs without inspecting them, so a fixed opus+VP8 set
// is enough for loopback development.
var baseRtpCapabilities = json.RawMessage(`{"codecs":[` +
	`{"kind":"audio","mimeType":"audio/opus","clockRate":48000,"channels":2},` +
	`{"kind":"video","mimeType":"video/VP8","clockRate":90000}]}`)

// Engine is the in-process SFU provider. It performs no media work; it
// allocates ids, tracks ownership and answers the signaling core the way a
// real SFU control plane would.
type Engine struct {
	mu         sync.Mutex
	routers    map[types.ChannelID]*memoryRouter
	iceServers []webrtc.ICEServer
	closed     bool
}

// NewEngine builds an empty in-process engine. The ICE servers travel to
// clients inside every TransportInfo.
func NewEngine(iceServers []webrtc.ICEServer) *Engine {
	return &Engine{
		routers:    make(map[types.ChannelID]*memoryRouter),
		iceServers: iceServers,
	}
}

// RouterFor returns the room's router, creating it on first use.
func (e *Engine) RouterFor(ctx context.Context, channelID types.ChannelID) (types.SFURouter, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, fmt.Errorf("sfu engine is closed")
	}
	r, ok := e.routers[channelID]
	if !ok {
		r = newMemoryRouter(channelID, e.iceServers)
		e.routers[channelID] = r
		logging.Debug(ctx, "created in-process sfu router", zap.String("channelId", string(channelID)))
	}
	return r, nil
}

// CloseRouter tears down the room's router if it exists.
func (e *Engine) CloseRouter(ctx context.Context, channelID types.ChannelID) error {
	e.mu.Lock()
	r, ok := e.routers[channelID]
	delete(e.routers, channelID)
	e.mu.Unlock()

	if ok {
		return r.Close(ctx)
	}
	return nil
}

// Close tears down every router.
func (e *Engine) Close() error {
	e.mu.Lock()
	routers := e.routers
	e.routers = make(map[types.ChannelID]*memoryRouter)
	e.closed = true
	e.mu.Unlock()

	for _, r := range routers {
		_ = r.Close(context.Background())
	}
	return nil
}

type memoryTransport struct {
	id        string
	userID    types.UserID
	direction signal.TransportDirection
	connected bool
}

type memoryProducer struct {
	id            string
	userID        types.UserID
	kind          string
	rtpParameters signal.RtpParameters
	paused        bool
}

type memoryConsumer struct {
	id         string
	userID     types.UserID
	producerID string
	paused     bool
}

// memoryRouter is the per-room bookkeeping behind the in-process engine.
type memoryRouter struct {
	channelID  types.ChannelID
	iceServers []webrtc.ICEServer

	mu         sync.Mutex
	transports map[string]*memoryTransport
	producers  map[string]*memoryProducer
	consumers  map[string]*memoryConsumer
}

func newMemoryRouter(channelID types.ChannelID, iceServers []webrtc.ICEServer) *memoryRouter {
	return &memoryRouter{
		channelID:  channelID,
		iceServers: iceServers,
		transports: make(map[string]*memoryTransport),
		producers:  make(map[string]*memoryProducer),
		consumers:  make(map[string]*memoryConsumer),
	}
}

func (r *memoryRouter) RtpCapabilities(ctx context.Context) (signal.RtpCapabilities, error) {
	return baseRtpCapabilities, nil
}

func (r *memoryRouter) CreateTransport(ctx context.Context, userID types.UserID, direction signal.TransportDirection) (*signal.TransportInfo, error) {
	if direction != signal.TransportProducer && direction != signal.TransportConsumer {
		return nil, fmt.Errorf("unknown transport direction %q", direction)
	}

	t := &memoryTransport{
		id:        uuid.NewString(),
		userID:    userID,
		direction: direction,
	}

	r.mu.Lock()
	r.transports[t.id] = t
	r.mu.Unlock()

	return &signal.TransportInfo{
		ID:            t.id,
		IceParameters: newICEParameters(),
		IceCandidates: []webrtc.ICECandidateInit{},
		IceServers:    r.iceServers,
		DtlsParameters: webrtc.DTLSParameters{
			Role: webrtc.DTLSRoleAuto,
		},
	}, nil
}

func (r *memoryRouter) ConnectTransport(ctx context.Context, transportID string, dtlsParameters webrtc.DTLSParameters) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.transports[transportID]
	if !ok {
		return fmt.Errorf("unknown transport %q", transportID)
	}
	t.connected = true
	return nil
}

func (r *memoryRouter) Produce(ctx context.Context, userID types.UserID, transportID string, kind string, rtpParameters signal.RtpParameters) (string, error) {
	if kind != signal.MediaKindAudio && kind != signal.MediaKindVideo {
		return "", fmt.Errorf("unknown media kind %q", kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.transports[transportID]
	if !ok {
		return "", fmt.Errorf("unknown transport %q", transportID)
	}
	if t.userID != userID {
		return "", fmt.Errorf("transport %q does not belong to caller", transportID)
	}
	if t.direction != signal.TransportProducer {
		return "", fmt.Errorf("transport %q is not a producer transport", transportID)
	}

	p := &memoryProducer{
		id:            uuid.NewString(),
		userID:        userID,
		kind:          kind,
		rtpParameters: rtpParameters,
	}
	r.producers[p.id] = p
	metrics.ProducersActive.WithLabelValues(kind).Inc()
	return p.id, nil
}

func (r *memoryRouter) Consume(ctx context.Context, userID types.UserID, producerID string, rtpCapabilities signal.RtpCapabilities) (*signal.ConsumeResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.producers[producerID]
	if !ok {
		return nil, fmt.Errorf("unknown producer %q", producerID)
	}

	// Idempotent: a second consume for the same pair returns the existing
	// consumer instead of allocating another.
	for _, c := range r.consumers {
		if c.userID == userID && c.producerID == producerID {
			return &signal.ConsumeResult{
				ID:            c.id,
				ProducerID:    p.id,
				Kind:          p.kind,
				RtpParameters: p.rtpParameters,
			}, nil
		}
	}

	c := &memoryConsumer{
		id:         uuid.NewString(),
		userID:     userID,
		producerID: producerID,
		paused:     true,
	}
	r.consumers[c.id] = c

	return &signal.ConsumeResult{
		ID:            c.id,
		ProducerID:    p.id,
		Kind:          p.kind,
		RtpParameters: p.rtpParameters,
	}, nil
}

func (r *memoryRouter) ResumeConsumer(ctx context.Context, consumerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.consumers[consumerID]
	if !ok {
		return fmt.Errorf("unknown consumer %q", consumerID)
	}
	c.paused = false
	return nil
}

func (r *memoryRouter) RestartICE(ctx context.Context, userID types.UserID, direction signal.TransportDirection) (webrtc.ICEParameters, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range r.transports {
		if t.userID == userID && t.direction == direction {
			return newICEParameters(), nil
		}
	}
	return webrtc.ICEParameters{}, fmt.Errorf("no %s transport for user", direction)
}

func (r *memoryRouter) SetProducerPaused(ctx context.Context, producerID string, paused bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.producers[producerID]
	if !ok {
		return fmt.Errorf("unknown producer %q", producerID)
	}
	p.paused = paused
	return nil
}

func (r *memoryRouter) CloseProducer(ctx context.Context, producerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.producers[producerID]
	if !ok {
		return fmt.Errorf("unknown producer %q", producerID)
	}
	r.removeProducerLocked(p)
	return nil
}

func (r *memoryRouter) CloseUser(ctx context.Context, userID types.UserID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, t := range r.transports {
		if t.userID == userID {
			delete(r.transports, id)
		}
	}
	for _, p := range r.producers {
		if p.userID == userID {
			r.removeProducerLocked(p)
		}
	}
	for id, c := range r.consumers {
		if c.userID == userID {
			delete(r.consumers, id)
		}
	}
	return nil
}

func (r *memoryRouter) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.producers {
		metrics.ProducersActive.WithLabelValues(p.kind).Dec()
	}
	r.transports = make(map[string]*memoryTransport)
	r.producers = make(map[string]*memoryProducer)
	r.consumers = make(map[string]*memoryConsumer)
	return nil
}

// removeProducerLocked drops a producer and every consumer attached to it.
func (r *memoryRouter) removeProducerLocked(p *memoryProducer) {
	if _, ok := r.producers[p.id]; !ok {
		return
	}
	delete(r.producers, p.id)
	metrics.ProducersActive.WithLabelValues(p.kind).Dec()
	for id, c := range r.consumers {
		if c.producerID == p.id {
			delete(r.consumers, id)
		}
	}
}

// newICEParameters mints a random ufrag/password pair.
func newICEParameters() webrtc.ICEParameters {
	return webrtc.ICEParameters{
		UsernameFragment: randomHex(8),
		Password:         randomHex(16),
	}
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return uuid.NewString()[:n*2]
	}
	return hex.EncodeToString(b)
}
