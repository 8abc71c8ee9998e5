package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/voxhall/voxhall/internal/v1/auth"
	"github.com/voxhall/voxhall/internal/v1/bus"
	"github.com/voxhall/voxhall/internal/v1/identity"
	"github.com/voxhall/voxhall/internal/v1/registry"
	"github.com/voxhall/voxhall/internal/v1/sfu"
	"github.com/voxhall/voxhall/internal/v1/transport"
	"github.com/voxhall/voxhall/internal/v1/webinar"
	"github.com/voxhall/voxhall/pkg/signal"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const stackSecret = "client-sdk-test-secret-0123456789abcd"

// testStack is a complete in-process signaling service: join endpoint and
// WebSocket hub over a real registry, memory bus and the in-process SFU
// engine. The SDK under test talks to it over real HTTP and WebSockets.
type testStack struct {
	srv     *httptest.Server
	reg     *registry.Registry
	authURL string
}

func startStack(t *testing.T, policiesJSON string) *testStack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	policies, err := identity.NewPolicyResolver(policiesJSON)
	require.NoError(t, err)

	busSvc := bus.NewMemoryBus()
	engine := sfu.NewEngine(nil)
	links := webinar.NewLinkSigner(stackSecret, "https://meet.example.com/w")

	reg := registry.New(registry.Options{
		Bus:      busSvc,
		SFU:      engine,
		Links:    links,
		Policies: policies,

		DisconnectGrace: 5 * time.Second,
		EmptyRoomGrace:  10 * time.Second,
		JanitorSpec:     "off",
	})

	minter := auth.NewMinter(stackSecret, time.Hour)
	hub := transport.NewHub(transport.HubOptions{Rooms: reg, Tokens: minter})

	joinHandler := &transport.JoinHandler{
		Minter:   minter,
		Links:    links,
		Policies: policies,
	}

	router := gin.New()
	router.GET("/ws/v1/signaling", hub.ServeWs)
	router.POST("/api/sfu/join", joinHandler.Handle)
	srv := httptest.NewServer(router)
	joinHandler.SFUPublicURL = srv.URL

	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, reg.Shutdown(ctx))
		require.NoError(t, hub.Shutdown(ctx))
		require.NoError(t, busSvc.Close())
		require.NoError(t, engine.Close())
	})

	return &testStack{srv: srv, reg: reg, authURL: srv.URL + "/api/sfu/join"}
}

// recorder collects every handler callback so tests assert on ordering and
// content after the fact.
type recorder struct {
	mu       sync.Mutex
	states   []ConnectionState
	joined   []signal.JoinRoomResult
	added    []signal.ProducerInfo
	removed  []string
	chats    []signal.ChatMessageEvent
	waiting  []string
	terminal []string
	events   []signal.Event

	userJoins []signal.UserJoinedEvent
	requested []signal.UserRequestedJoinEvent
	pauses    []pauseRecord
	tts       []string
}

type pauseRecord struct {
	event  signal.Event
	paused bool
}

func newRecorder() *recorder { return &recorder{} }

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnStateChange: func(s ConnectionState) {
			r.mu.Lock()
			r.states = append(r.states, s)
			r.mu.Unlock()
		},
		OnJoined: func(res signal.JoinRoomResult) {
			r.mu.Lock()
			r.joined = append(r.joined, res)
			r.mu.Unlock()
		},
		OnProducerAdded: func(p signal.ProducerInfo) {
			r.mu.Lock()
			r.added = append(r.added, p)
			r.mu.Unlock()
		},
		OnProducerRemoved: func(id string) {
			r.mu.Lock()
			r.removed = append(r.removed, id)
			r.mu.Unlock()
		},
		OnChatMessage: func(ev signal.ChatMessageEvent) {
			r.mu.Lock()
			r.chats = append(r.chats, ev)
			r.mu.Unlock()
		},
		OnWaitingUpdate: func(status string) {
			r.mu.Lock()
			r.waiting = append(r.waiting, status)
			r.mu.Unlock()
		},
		OnTerminal: func(reason string) {
			r.mu.Lock()
			r.terminal = append(r.terminal, reason)
			r.mu.Unlock()
		},
		OnRoomEvent: func(event signal.Event, payload json.RawMessage) {
			r.mu.Lock()
			r.events = append(r.events, event)
			r.mu.Unlock()
			switch event {
			case signal.EventUserJoined:
				var ev signal.UserJoinedEvent
				if unmarshalEvent(payload, &ev) {
					r.mu.Lock()
					r.userJoins = append(r.userJoins, ev)
					r.mu.Unlock()
				}
			case signal.EventUserRequestedJoin:
				var ev signal.UserRequestedJoinEvent
				if unmarshalEvent(payload, &ev) {
					r.mu.Lock()
					r.requested = append(r.requested, ev)
					r.mu.Unlock()
				}
			case signal.EventParticipantCameraOff, signal.EventParticipantMuted:
				var ev signal.PauseChangedEvent
				if unmarshalEvent(payload, &ev) {
					r.mu.Lock()
					r.pauses = append(r.pauses, pauseRecord{event: event, paused: ev.Paused})
					r.mu.Unlock()
				}
			case signal.EventTtsMessage:
				var ev signal.TtsMessageEvent
				if unmarshalEvent(payload, &ev) {
					r.mu.Lock()
					r.tts = append(r.tts, ev.Text)
					r.mu.Unlock()
				}
			}
		},
	}
}

func (r *recorder) snapshotStates() []ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ConnectionState, len(r.states))
	copy(out, r.states)
	return out
}

func (r *recorder) joinedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.joined)
}

func (r *recorder) lastJoined() signal.JoinRoomResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.joined[len(r.joined)-1]
}

func (r *recorder) addedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.added)
}

func (r *recorder) removedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.removed)
}

func (r *recorder) chatMessages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.chats))
	for i, c := range r.chats {
		out[i] = c.Message
	}
	return out
}

func (r *recorder) waitingUpdates() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.waiting))
	copy(out, r.waiting)
	return out
}

func (r *recorder) terminalCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.terminal)
}

func (r *recorder) userJoinCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.userJoins)
}

func (r *recorder) firstUserJoin() signal.UserJoinedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.userJoins[0]
}

func (r *recorder) requestedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requested)
}

func (r *recorder) firstRequested() signal.UserRequestedJoinEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requested[0]
}

func (r *recorder) pausesOf(event signal.Event) []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []bool
	for _, p := range r.pauses {
		if p.event == event {
			out = append(out, p.paused)
		}
	}
	return out
}

func (r *recorder) ttsTexts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.tts))
	copy(out, r.tts)
	return out
}

func (r *recorder) sawState(want ConnectionState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.states {
		if s == want {
			return true
		}
	}
	return false
}

func (r *recorder) sawEvent(want signal.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev == want {
			return true
		}
	}
	return false
}

func unmarshalEvent(payload json.RawMessage, dst any) bool {
	return json.Unmarshal(payload, dst) == nil
}

// fakeNotifier records cues and keep-alive transitions.
type fakeNotifier struct {
	mu        sync.Mutex
	cues      []Cue
	keepAlive []bool
}

func (n *fakeNotifier) Play(cue Cue) {
	n.mu.Lock()
	n.cues = append(n.cues, cue)
	n.mu.Unlock()
}

func (n *fakeNotifier) KeepAlive(active bool) {
	n.mu.Lock()
	n.keepAlive = append(n.keepAlive, active)
	n.mu.Unlock()
}

func (n *fakeNotifier) countCue(cue Cue) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, c := range n.cues {
		if c == cue {
			count++
		}
	}
	return count
}

func (n *fakeNotifier) keepAliveLog() []bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]bool, len(n.keepAlive))
	copy(out, n.keepAlive)
	return out
}

// fakeTrack models a capture track whose platform fires the ended callback on
// every termination, including stops the SDK itself requested. The
// intentional-stop bookkeeping in mediaSession exists for exactly that.
type fakeTrack struct {
	id   string
	kind string

	mu      sync.Mutex
	stopped bool
	fired   bool
	onEnded func()
}

func (t *fakeTrack) ID() string   { return t.id }
func (t *fakeTrack) Kind() string { return t.kind }

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
	t.end()
}

func (t *fakeTrack) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = fn
	t.mu.Unlock()
}

// end fires the ended callback at most once, like a platform track.
func (t *fakeTrack) end() {
	t.mu.Lock()
	fn := t.onEnded
	fired := t.fired
	t.fired = true
	t.mu.Unlock()
	if fired || fn == nil {
		return
	}
	fn()
}

type fakeStream struct {
	mu     sync.Mutex
	tracks []*fakeTrack
	closed bool
}

func (s *fakeStream) Tracks() []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Track, len(s.tracks))
	for i, t := range s.tracks {
		out[i] = t
	}
	return out
}

func (s *fakeStream) Close() {
	s.mu.Lock()
	s.closed = true
	tracks := s.tracks
	s.mu.Unlock()
	for _, t := range tracks {
		t.Stop()
	}
}

func (s *fakeStream) trackOfKind(kind string) *fakeTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tracks {
		if t.kind == kind {
			return t
		}
	}
	return nil
}

// fakeDevices fabricates capture streams and records acquisition traffic.
type fakeDevices struct {
	mu         sync.Mutex
	failAudio  bool
	failVideo  bool
	failScreen bool

	seq      int
	acquires int
	streams  []*fakeStream
	screens  []*fakeStream
}

func (d *fakeDevices) newTrack(kind string) *fakeTrack {
	d.seq++
	return &fakeTrack{id: fmt.Sprintf("%s-%d", kind, d.seq), kind: kind}
}

func (d *fakeDevices) Acquire(_ context.Context, video bool) (MediaStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if video && d.failVideo {
		return nil, errors.New("camera unavailable")
	}
	if d.failAudio {
		return nil, errors.New("microphone unavailable")
	}
	d.acquires++
	tracks := []*fakeTrack{d.newTrack(signal.MediaKindAudio)}
	if video {
		tracks = append(tracks, d.newTrack(signal.MediaKindVideo))
	}
	s := &fakeStream{tracks: tracks}
	d.streams = append(d.streams, s)
	return s, nil
}

func (d *fakeDevices) AcquireScreen(_ context.Context) (MediaStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failScreen {
		return nil, errors.New("capture declined")
	}
	s := &fakeStream{tracks: []*fakeTrack{d.newTrack(signal.MediaKindVideo)}}
	d.screens = append(d.screens, s)
	return s, nil
}

func (d *fakeDevices) setFailAll(fail bool) {
	d.mu.Lock()
	d.failAudio = fail
	d.failVideo = fail
	d.mu.Unlock()
}

func (d *fakeDevices) acquireCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acquires
}

func (d *fakeDevices) lastStream() *fakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

// fakeRTC records the signaling order the SDK drives it through.
type fakeRTC struct {
	mu        sync.Mutex
	connected []signal.TransportDirection
	produced  []string // kind/sourceType pairs
	replaced  []string // producer ids that got a new track
	consumed  []signal.ConsumeResult
	restarts  []signal.TransportDirection
	closes    int
}

func (r *fakeRTC) ConnectTransport(_ context.Context, dir signal.TransportDirection, info signal.TransportInfo) (webrtc.DTLSParameters, error) {
	r.mu.Lock()
	r.connected = append(r.connected, dir)
	r.mu.Unlock()
	if info.ID == "" {
		return webrtc.DTLSParameters{}, errors.New("transport info missing id")
	}
	return webrtc.DTLSParameters{Role: webrtc.DTLSRoleClient}, nil
}

func (r *fakeRTC) Produce(_ context.Context, track Track, sourceType string) (signal.RtpParameters, error) {
	r.mu.Lock()
	r.produced = append(r.produced, track.Kind()+"/"+sourceType)
	r.mu.Unlock()
	return signal.RtpParameters(`{"codecs":[]}`), nil
}

func (r *fakeRTC) ReplaceTrack(producerID string, _ Track) error {
	r.mu.Lock()
	r.replaced = append(r.replaced, producerID)
	r.mu.Unlock()
	return nil
}

func (r *fakeRTC) Consume(_ context.Context, consumer signal.ConsumeResult) error {
	r.mu.Lock()
	r.consumed = append(r.consumed, consumer)
	r.mu.Unlock()
	return nil
}

func (r *fakeRTC) RestartICE(dir signal.TransportDirection, _ webrtc.ICEParameters) error {
	r.mu.Lock()
	r.restarts = append(r.restarts, dir)
	r.mu.Unlock()
	return nil
}

func (r *fakeRTC) Close() {
	r.mu.Lock()
	r.closes++
	r.mu.Unlock()
}

func (r *fakeRTC) producedList() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.produced))
	copy(out, r.produced)
	return out
}

func (r *fakeRTC) consumedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.consumed)
}

func (r *fakeRTC) replacedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.replaced)
}

// testClient bundles a controller with its fakes.
type testClient struct {
	ctrl    *Controller
	rec     *recorder
	notes   *fakeNotifier
	devices *fakeDevices
	rtc     *fakeRTC
}

func newTestClient(t *testing.T, st *testStack, mutate func(*Options)) *testClient {
	t.Helper()
	rec := newRecorder()
	notes := &fakeNotifier{}
	devices := &fakeDevices{}
	rtc := &fakeRTC{}

	opts := Options{
		AuthURL:    st.authURL,
		HTTPClient: st.srv.Client(),
		Media:      devices,
		NewRTC:     func() RTCSession { return rtc },
		Notifier:   notes,
		Handlers:   rec.handlers(),

		ReconnectBase:     50 * time.Millisecond,
		ReconcileInterval: time.Hour,
	}
	if mutate != nil {
		mutate(&opts)
	}
	ctrl := New(opts)
	t.Cleanup(ctrl.Close)
	return &testClient{ctrl: ctrl, rec: rec, notes: notes, devices: devices, rtc: rtc}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

// stays asserts cond holds now and keeps holding for a short window.
func stays(t *testing.T, cond func() bool, d time.Duration) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if !cond() {
			t.Fatal("condition stopped holding")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
