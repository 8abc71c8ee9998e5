// Package client is the session-side SDK for the signaling service: it owns
// the socket, the join lifecycle, local media recovery and the reconnect
// policy, so embedders only provide capture devices, an RTC engine and UI
// callbacks.
//
// A Controller runs one session. Its state machine is
//
//	disconnected → connecting → connected → joining → {joined | waiting | error}
//
// with reconnecting entered from joined/waiting when the socket or a
// transport dies. Lifecycle methods (Join, Leave, Close) serialize; event
// callbacks fire on SDK goroutines.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/voxhall/voxhall/pkg/signal"
)

// ConnectionState is the controller's session state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateJoining      ConnectionState = "joining"
	StateJoined       ConnectionState = "joined"
	StateWaiting      ConnectionState = "waiting"
	StateReconnecting ConnectionState = "reconnecting"
	StateErrored      ConnectionState = "error"
)

// Join modes accepted by the signaling server.
const (
	JoinModeMeeting         = "meeting"
	JoinModeWebinarAttendee = "webinar_attendee"
)

// Local producer slots.
const (
	producerMic    = "mic"
	producerCamera = "camera"
	producerScreen = "screen"
)

const (
	// DefaultReconcileInterval is the producer resync period while joined.
	DefaultReconcileInterval = 15 * time.Second
	// DefaultSoundSuppressThreshold is the roster size past which join/leave
	// cues go quiet.
	DefaultSoundSuppressThreshold = 8
)

// ErrOwnershipDeclined is returned by Join when the user declined to take
// the call over from another session.
var ErrOwnershipDeclined = errors.New("call ownership declined")

// Options configures a Controller. Zero values get sensible defaults; only
// AuthURL is required.
type Options struct {
	// AuthURL is the join-grant endpoint (POST …/api/sfu/join).
	AuthURL string
	// TokenSource supplies the bearer credential for the grant request.
	// Nil joins as a guest.
	TokenSource oauth2.TokenSource
	HTTPClient  *http.Client
	Dialer      *websocket.Dialer

	// Media acquires local capture. Nil joins receive-only.
	Media MediaDevices
	// NewRTC builds the embedder's WebRTC engine for each call. Nil runs the
	// session signaling-only: producers are tracked but never consumed.
	NewRTC func() RTCSession
	// Notifier receives audio cues. Nil disables them.
	Notifier Notifier

	// Coordinator arbitrates call ownership across this process's sessions.
	Coordinator *Coordinator
	// ConfirmTakeover is consulted when joining would displace another
	// session's active call. Nil takes over without asking.
	ConfirmTakeover func() bool

	Logger *zap.Logger
	Clock  clock.WithTicker

	Handlers Handlers

	// SoundSuppressThreshold caps cue noise in big rooms. Zero means
	// DefaultSoundSuppressThreshold.
	SoundSuppressThreshold int
	ReconnectBase          time.Duration
	MaxReconnectAttempts   int
	TransportGrace         time.Duration
	ReconcileInterval      time.Duration
}

// Handlers are optional application callbacks. They fire on SDK goroutines;
// implementations must return promptly and must not call back into the
// Controller's lifecycle methods.
type Handlers struct {
	// OnStateChange observes every session state transition.
	OnStateChange func(ConnectionState)
	// OnJoined delivers the join snapshot (existing producers, host, locks,
	// webinar fields).
	OnJoined func(signal.JoinRoomResult)
	// OnRoomEvent is the raw tap, fired for every room event after the SDK's
	// own bookkeeping.
	OnRoomEvent func(event signal.Event, payload json.RawMessage)
	// OnProducerAdded fires for producers discovered after the join snapshot.
	OnProducerAdded   func(signal.ProducerInfo)
	OnProducerRemoved func(producerID string)
	OnChatMessage     func(signal.ChatMessageEvent)
	// OnWaitingUpdate carries the waiting reason on entry, then later status
	// updates (queued, noAdmins, locked).
	OnWaitingUpdate func(status string)
	// OnTerminal fires when the server ends the session (kick, room closed,
	// join rejected) or reconnection gives up.
	OnTerminal func(reason string)
}

// JoinOptions identifies the room and how the caller enters it.
type JoinOptions struct {
	RoomID      string
	DisplayName string
	// User is the principal handed to the join endpoint: an email for
	// authenticated callers, free text for guests.
	User     string
	ClientID string
	IsHost   bool
	// Ghost observes without appearing in the roster.
	Ghost bool
	// Video asks for camera capture in addition to the microphone.
	Video bool
	// JoinMode selects the admission path; empty means a meeting join.
	// Webinar attendees must carry WebinarToken.
	JoinMode          string
	WebinarToken      string
	MeetingInviteCode string
	WebinarInviteCode string
}

// Controller runs one signaling session end to end.
type Controller struct {
	opts Options
	log  *zap.Logger
	clk  clock.WithTicker
	hc   *http.Client

	sessionID  string
	rec        *reconnector
	unregister func()

	// lifecycleMu serializes Join, Leave and Close.
	lifecycleMu sync.Mutex

	// mediaMu serializes transport creation and produce/consume sequences so
	// concurrent adoption never races a toggle.
	mediaMu sync.Mutex

	media *mediaSession

	mu              sync.Mutex
	state           ConnectionState
	lastErr         error
	join            JoinOptions
	roomID          string
	redirectURL     string
	sock            *socket
	sockGen         int
	rtc             RTCSession
	rtpCaps         signal.RtpCapabilities
	sendTransport   string
	recvTransport   string
	localProducers  map[string]string
	producers       map[string]signal.ProducerInfo
	consumers       map[string]string
	roster          map[string]string
	micMuted        bool
	cameraOff       bool
	autoBlanked     bool
	handRaised      bool
	foreground      bool
	screenFeeds     int
	keepAliveOn     bool
	sessionCtx      context.Context
	sessionCancel   context.CancelFunc
	reconcileCancel context.CancelFunc

	wg sync.WaitGroup
}

// New builds a Controller and, when a Coordinator is configured, registers
// with it. Call Close to release the registration.
func New(opts Options) *Controller {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = DefaultReconnectBase
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if opts.TransportGrace <= 0 {
		opts.TransportGrace = DefaultTransportGrace
	}
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = DefaultReconcileInterval
	}
	if opts.SoundSuppressThreshold <= 0 {
		opts.SoundSuppressThreshold = DefaultSoundSuppressThreshold
	}

	c := &Controller{
		opts:           opts,
		log:            log,
		clk:            clk,
		hc:             hc,
		sessionID:      uuid.NewString(),
		state:          StateDisconnected,
		foreground:     true,
		localProducers: make(map[string]string),
		producers:      make(map[string]signal.ProducerInfo),
		consumers:      make(map[string]string),
		roster:         make(map[string]string),
	}
	if opts.Media != nil {
		c.media = newMediaSession(opts.Media, log, c.onTrackEnded)
	}
	c.rec = newReconnector(reconnectConfig{
		base:        opts.ReconnectBase,
		maxAttempts: opts.MaxReconnectAttempts,
		grace:       opts.TransportGrace,
		clk:         clk,
		log:         log,
	}, reconnectHooks{
		restartICE: c.restartICE,
		rejoin:     c.reconnectAttempt,
		giveUp:     c.reconnectGaveUp,
		foreground: c.isForeground,
	})
	if opts.Coordinator != nil {
		c.unregister = opts.Coordinator.Register(c.sessionID, controllerSession{c})
	}
	return c
}

// SessionID is this controller's identity with the server and coordinator.
func (c *Controller) SessionID() string {
	return c.sessionID
}

// RoomID returns the room this session is in or heading to.
func (c *Controller) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

// ConnectionState returns the current session state.
func (c *Controller) ConnectionState() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// HasActiveCall reports whether the session is joined with live media.
func (c *Controller) HasActiveCall() bool {
	c.mu.Lock()
	if c.state != StateJoined {
		c.mu.Unlock()
		return false
	}
	active := len(c.consumers) > 0 || len(c.localProducers) > 0
	c.mu.Unlock()
	if active {
		return true
	}
	return c.media != nil && c.media.live()
}

// LastError returns the error that put the session into StateErrored.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// MicMuted reports the microphone toggle.
func (c *Controller) MicMuted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.micMuted
}

// CameraOff reports the camera toggle.
func (c *Controller) CameraOff() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cameraOff
}

// HandRaised reports the hand toggle.
func (c *Controller) HandRaised() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handRaised
}

// Join authenticates, connects and enters the room. It returns once the
// session is joined or waiting; admission progress after that arrives via
// handlers. Auth and socket failures are terminal for the attempt; capture
// failures degrade to audio-only or receive-only.
func (c *Controller) Join(ctx context.Context, join JoinOptions) error {
	if join.RoomID == "" {
		return signal.Errorf(signal.KindUnknown, "a room id is required")
	}

	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.opts.Coordinator != nil {
		granted, err := c.opts.Coordinator.Claim(ctx, c.sessionID, ClaimOptions{
			ConfirmTakeover: c.opts.ConfirmTakeover,
		})
		if err != nil {
			return fmt.Errorf("claim call ownership: %w", err)
		}
		if !granted {
			return ErrOwnershipDeclined
		}
	}

	c.mu.Lock()
	switch c.state {
	case StateDisconnected, StateErrored:
	default:
		st := c.state
		c.mu.Unlock()
		return signal.Errorf(signal.KindUnknown, "cannot join while %s", st)
	}
	sctx, cancel := context.WithCancel(context.Background())
	c.sessionCtx = sctx
	c.sessionCancel = cancel
	c.join = join
	c.roomID = join.RoomID
	c.lastErr = nil
	c.mu.Unlock()

	c.rec.arm()
	c.setState(StateConnecting)

	if err := c.connectAndJoin(ctx, join, false); err != nil {
		c.abortSession(err)
		return err
	}
	return nil
}

// connectAndJoin runs one join attempt: grant fetch in parallel with capture,
// then dial, then joinRoom. During reconnects the intermediate states are not
// surfaced; the session stays "reconnecting" until it lands.
func (c *Controller) connectAndJoin(ctx context.Context, join JoinOptions, rejoin bool) error {
	g, gctx := errgroup.WithContext(ctx)

	var grant joinGrant
	g.Go(func() error {
		var err error
		grant, err = fetchJoinGrant(gctx, c.hc, c.opts.AuthURL, c.opts.TokenSource, grantRequest{
			RoomID:             join.RoomID,
			SessionID:          c.sessionID,
			User:               join.User,
			DisplayName:        join.DisplayName,
			ClientID:           join.ClientID,
			IsHost:             join.IsHost,
			JoinMode:           join.JoinMode,
			WebinarSignedToken: join.WebinarToken,
		})
		return err
	})

	if c.media != nil && !join.Ghost && join.JoinMode != JoinModeWebinarAttendee {
		g.Go(func() error {
			// Capture trouble must not sink the join: acquire falls back to
			// audio-only itself, and even a dead microphone only means a
			// receive-only session.
			if err := c.media.acquire(gctx, join.Video && !c.CameraOff()); err != nil {
				c.log.Warn("Joining without local media", zap.Error(err))
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	dialURL := grant.SFUUrl
	c.mu.Lock()
	if c.redirectURL != "" {
		dialURL = c.redirectURL
		c.redirectURL = ""
	}
	c.mu.Unlock()

	sock, err := dialSocket(ctx, c.opts.Dialer, dialURL, grant.Token, c.handleEvent)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.sock = sock
	c.sockGen++
	gen := c.sockGen
	sctx := c.sessionCtx
	c.mu.Unlock()
	c.spawn(func() { c.watchSocket(sock, gen) })

	if !rejoin {
		c.setState(StateConnected)
		c.setState(StateJoining)
	}

	var res signal.JoinRoomResult
	req := signal.JoinRoomRequest{
		RoomID:            join.RoomID,
		SessionID:         c.sessionID,
		DisplayName:       join.DisplayName,
		Ghost:             join.Ghost,
		MeetingInviteCode: join.MeetingInviteCode,
		WebinarInviteCode: join.WebinarInviteCode,
	}
	if err := sock.request(ctx, signal.RequestJoinRoom, req, &res); err != nil {
		return err
	}

	switch res.Status {
	case signal.JoinStatusWaiting:
		c.setState(StateWaiting)
		c.playCue(CueWaiting, false)
		if c.opts.Handlers.OnWaitingUpdate != nil {
			c.opts.Handlers.OnWaitingUpdate(res.WaitingReason)
		}
		return nil
	case signal.JoinStatusJoined:
		c.completeJoin(ctx, sctx, res)
		return nil
	default:
		return signal.Errorf(signal.KindUnknown, "unexpected join status %q", res.Status)
	}
}

// completeJoin installs the room snapshot, publishes local media and starts
// the reconciliation loop.
func (c *Controller) completeJoin(ctx context.Context, sctx context.Context, res signal.JoinRoomResult) {
	var rtc RTCSession
	if c.opts.NewRTC != nil {
		rtc = c.opts.NewRTC()
	}

	c.mu.Lock()
	c.rtc = rtc
	c.rtpCaps = res.RtpCapabilities
	c.producers = make(map[string]signal.ProducerInfo, len(res.ExistingProducers))
	c.consumers = make(map[string]string)
	c.localProducers = make(map[string]string)
	c.sendTransport = ""
	c.recvTransport = ""
	c.screenFeeds = 0
	if c.reconcileCancel != nil {
		c.reconcileCancel()
	}
	var rctx context.Context
	rctx, c.reconcileCancel = context.WithCancel(sctx)
	existing := res.ExistingProducers
	c.mu.Unlock()

	c.setState(StateJoined)
	if c.opts.Handlers.OnJoined != nil {
		c.opts.Handlers.OnJoined(res)
	}

	if err := c.publishLocal(ctx); err != nil {
		// Publishing is not fatal for the join; continue receive-only.
		c.log.Warn("Could not publish local media", zap.Error(err))
	}
	for _, p := range existing {
		c.adoptProducer(sctx, p, false)
	}

	c.spawn(func() { c.reconcileLoop(rctx) })
}

// publishLocal creates the send transport and produces the capture tracks.
func (c *Controller) publishLocal(ctx context.Context) error {
	c.mu.Lock()
	sock, rtc := c.sock, c.rtc
	ghost := c.join.Ghost
	mode := c.join.JoinMode
	micMuted, cameraOff := c.micMuted, c.cameraOff
	c.mu.Unlock()

	if sock == nil || rtc == nil || c.media == nil || ghost || mode == JoinModeWebinarAttendee {
		return nil
	}
	if !c.media.hasStream() {
		return nil
	}

	c.mediaMu.Lock()
	defer c.mediaMu.Unlock()

	transportID, err := c.ensureTransport(ctx, signal.TransportProducer)
	if err != nil {
		return err
	}
	if track := c.media.track(signal.MediaKindAudio); track != nil {
		if _, err := c.produceTrack(ctx, transportID, track, signal.ProducerTypeWebcam, producerMic, micMuted); err != nil {
			return err
		}
	}
	if track := c.media.track(signal.MediaKindVideo); track != nil && !cameraOff {
		if _, err := c.produceTrack(ctx, transportID, track, signal.ProducerTypeWebcam, producerCamera, false); err != nil {
			return err
		}
	}
	return nil
}

// ensureTransport returns the transport id for the direction, creating and
// connecting it on first use. Callers hold mediaMu.
func (c *Controller) ensureTransport(ctx context.Context, dir signal.TransportDirection) (string, error) {
	c.mu.Lock()
	sock, rtc := c.sock, c.rtc
	existing := c.sendTransport
	createEvent := signal.RequestCreateProducerTransport
	connectEvent := signal.RequestConnectProducerTransport
	if dir == signal.TransportConsumer {
		existing = c.recvTransport
		createEvent = signal.RequestCreateConsumerTransport
		connectEvent = signal.RequestConnectConsumerTransport
	}
	c.mu.Unlock()

	if existing != "" {
		return existing, nil
	}
	if sock == nil || rtc == nil {
		return "", signal.Errorf(signal.KindTransportError, "no media engine attached")
	}

	var info signal.TransportInfo
	if err := sock.request(ctx, createEvent, nil, &info); err != nil {
		return "", err
	}
	dtls, err := rtc.ConnectTransport(ctx, dir, info)
	if err != nil {
		return "", signal.WrapError(signal.KindTransportError, "could not set up the media transport", err)
	}
	connectReq := signal.ConnectTransportRequest{TransportID: info.ID, DtlsParameters: dtls}
	if err := sock.request(ctx, connectEvent, connectReq, &signal.SuccessResult{}); err != nil {
		return "", err
	}

	c.mu.Lock()
	if dir == signal.TransportProducer {
		c.sendTransport = info.ID
	} else {
		c.recvTransport = info.ID
	}
	c.mu.Unlock()
	return info.ID, nil
}

// produceTrack publishes one track and records its producer under slot.
// Callers hold mediaMu.
func (c *Controller) produceTrack(ctx context.Context, transportID string, track Track, sourceType, slot string, paused bool) (string, error) {
	c.mu.Lock()
	sock, rtc := c.sock, c.rtc
	c.mu.Unlock()
	if sock == nil || rtc == nil {
		return "", signal.Errorf(signal.KindTransportError, "no media engine attached")
	}

	rtp, err := rtc.Produce(ctx, track, sourceType)
	if err != nil {
		return "", signal.WrapError(signal.KindMediaError, "could not publish media", err)
	}
	var res signal.ProduceResult
	err = sock.request(ctx, signal.RequestProduce, signal.ProduceRequest{
		TransportID:   transportID,
		Kind:          track.Kind(),
		RtpParameters: rtp,
		AppData:       signal.ProduceAppData{Type: sourceType, Paused: paused},
	}, &res)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.localProducers[slot] = res.ProducerID
	c.mu.Unlock()
	return res.ProducerID, nil
}

// adoptProducer records a remote producer and consumes it when an RTC engine
// is wired. announce fires the handler for producers discovered after the
// join snapshot.
func (c *Controller) adoptProducer(ctx context.Context, p signal.ProducerInfo, announce bool) {
	c.mu.Lock()
	if _, known := c.producers[p.ProducerID]; known {
		c.mu.Unlock()
		return
	}
	c.producers[p.ProducerID] = p
	if p.Type == signal.ProducerTypeScreen {
		c.screenFeeds++
	}
	c.mu.Unlock()
	c.updateKeepAlive()

	if announce && c.opts.Handlers.OnProducerAdded != nil {
		c.opts.Handlers.OnProducerAdded(p)
	}

	c.mu.Lock()
	sock, rtc := c.sock, c.rtc
	caps := c.rtpCaps
	c.mu.Unlock()
	if sock == nil || rtc == nil {
		return
	}

	cctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	c.mediaMu.Lock()
	defer c.mediaMu.Unlock()

	if _, err := c.ensureTransport(cctx, signal.TransportConsumer); err != nil {
		c.log.Warn("Consumer transport unavailable", zap.Error(err))
		return
	}
	var res signal.ConsumeResult
	consumeReq := signal.ConsumeRequest{ProducerID: p.ProducerID, RtpCapabilities: caps}
	if err := sock.request(cctx, signal.RequestConsume, consumeReq, &res); err != nil {
		c.log.Warn("Consume failed", zap.String("producerId", p.ProducerID), zap.Error(err))
		return
	}
	if err := rtc.Consume(cctx, res); err != nil {
		c.log.Warn("Could not attach consumer", zap.String("producerId", p.ProducerID), zap.Error(err))
		return
	}
	resumeReq := signal.ResumeConsumerRequest{ConsumerID: res.ID}
	if err := sock.request(cctx, signal.RequestResumeConsumer, resumeReq, &signal.SuccessResult{}); err != nil {
		c.log.Warn("Resume consumer failed", zap.String("consumerId", res.ID), zap.Error(err))
	}

	c.mu.Lock()
	c.consumers[p.ProducerID] = res.ID
	c.mu.Unlock()
}

// dropProducer retracts a remote producer from local state.
func (c *Controller) dropProducer(producerID string) {
	c.mu.Lock()
	p, known := c.producers[producerID]
	delete(c.producers, producerID)
	delete(c.consumers, producerID)
	if known && p.Type == signal.ProducerTypeScreen && c.screenFeeds > 0 {
		c.screenFeeds--
	}
	c.mu.Unlock()
	if !known {
		return
	}
	c.updateKeepAlive()
	if c.opts.Handlers.OnProducerRemoved != nil {
		c.opts.Handlers.OnProducerRemoved(producerID)
	}
}

// reconcileLoop periodically resyncs the consumer set against the server's
// producer list, catching fan-out lost to races or dropped frames.
func (c *Controller) reconcileLoop(ctx context.Context) {
	ticker := c.clk.NewTicker(c.opts.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			c.reconcileProducers(ctx)
		}
	}
}

func (c *Controller) reconcileProducers(ctx context.Context) {
	c.mu.Lock()
	sock := c.sock
	st := c.state
	c.mu.Unlock()
	if sock == nil || st != StateJoined {
		return
	}

	rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	var res signal.GetProducersResult
	if err := sock.request(rctx, signal.RequestGetProducers, nil, &res); err != nil {
		c.log.Warn("Producer reconciliation failed", zap.Error(err))
		return
	}

	current := make(map[string]struct{}, len(res.Producers))
	for _, p := range res.Producers {
		current[p.ProducerID] = struct{}{}
	}
	c.mu.Lock()
	var missing []signal.ProducerInfo
	for _, p := range res.Producers {
		if _, ok := c.producers[p.ProducerID]; !ok {
			missing = append(missing, p)
		}
	}
	var gone []string
	for id := range c.producers {
		if _, ok := current[id]; !ok {
			gone = append(gone, id)
		}
	}
	c.mu.Unlock()

	for _, p := range missing {
		c.adoptProducer(ctx, p, true)
	}
	for _, id := range gone {
		c.dropProducer(id)
	}
}

// handleEvent dispatches a server-pushed frame. Events scoped to a different
// room are dropped before any bookkeeping.
func (c *Controller) handleEvent(msg *signal.Message) {
	var scope struct {
		RoomID string `json:"roomId"`
	}
	if len(msg.Payload) > 0 {
		_ = json.Unmarshal(msg.Payload, &scope)
	}
	c.mu.Lock()
	room := c.roomID
	sctx := c.sessionCtx
	c.mu.Unlock()
	if scope.RoomID != "" && room != "" && scope.RoomID != room {
		c.log.Debug("Dropping event for another room",
			zap.String("event", string(msg.Event)),
			zap.String("eventRoomId", scope.RoomID),
			zap.String("roomId", room))
		return
	}

	switch msg.Event {
	case signal.EventUserJoined:
		var ev signal.UserJoinedEvent
		if msg.DecodePayload(&ev) == nil {
			c.mu.Lock()
			c.roster[ev.UserKey] = ev.DisplayName
			size := len(c.roster)
			c.mu.Unlock()
			c.playCue(CueUserJoined, size > c.opts.SoundSuppressThreshold)
		}
	case signal.EventUserLeft:
		var ev signal.UserLeftEvent
		if msg.DecodePayload(&ev) == nil {
			c.mu.Lock()
			delete(c.roster, ev.UserKey)
			size := len(c.roster)
			c.mu.Unlock()
			c.playCue(CueUserLeft, size > c.opts.SoundSuppressThreshold)
		}
	case signal.EventDisplayNameSnapshot:
		var ev signal.DisplayNameSnapshotEvent
		if msg.DecodePayload(&ev) == nil {
			c.mu.Lock()
			c.roster = make(map[string]string, len(ev.Names))
			for k, v := range ev.Names {
				c.roster[k] = v
			}
			c.mu.Unlock()
		}
	case signal.EventDisplayNameUpdated:
		var ev signal.DisplayNameUpdatedEvent
		if msg.DecodePayload(&ev) == nil {
			c.mu.Lock()
			c.roster[ev.UserKey] = ev.DisplayName
			c.mu.Unlock()
		}
	case signal.EventNewProducer:
		var ev signal.NewProducerEvent
		if msg.DecodePayload(&ev) == nil && !c.isSelf(ev.UserID) && sctx != nil {
			c.spawn(func() { c.adoptProducer(sctx, ev.ProducerInfo, true) })
		}
	case signal.EventProducerClosed:
		var ev signal.ProducerClosedEvent
		if msg.DecodePayload(&ev) == nil {
			c.dropProducer(ev.ProducerID)
		}
	case signal.EventWebinarFeedChanged:
		if sctx != nil {
			c.spawn(func() { c.reconcileProducers(sctx) })
		}
	case signal.EventJoinApproved:
		c.spawn(c.resumeFromWaiting)
	case signal.EventJoinRejected:
		var ev signal.JoinDecisionEvent
		reason := "join request was declined"
		if msg.DecodePayload(&ev) == nil && ev.Reason != "" {
			reason = ev.Reason
		}
		c.terminate(signal.Errorf(signal.KindPermissionDenied, "%s", reason))
	case signal.EventWaitingRoomStatus:
		var ev signal.WaitingRoomStatusEvent
		if msg.DecodePayload(&ev) == nil && c.opts.Handlers.OnWaitingUpdate != nil {
			c.opts.Handlers.OnWaitingUpdate(ev.Status)
		}
	case signal.EventKicked, signal.EventRoomClosed:
		var ev signal.TerminalEvent
		reason := string(msg.Event)
		if msg.DecodePayload(&ev) == nil && ev.Reason != "" {
			reason = ev.Reason
		}
		c.terminate(signal.Errorf(signal.KindUnknown, "%s", reason))
	case signal.EventRedirect:
		var ev signal.RedirectEvent
		if msg.DecodePayload(&ev) == nil && ev.URL != "" {
			c.mu.Lock()
			c.redirectURL = ev.URL
			c.mu.Unlock()
			c.rec.setImmediate()
			c.log.Info("Server redirected the session", zap.String("url", ev.URL))
		}
	case signal.EventChatMessage:
		var ev signal.ChatMessageEvent
		if msg.DecodePayload(&ev) == nil && c.opts.Handlers.OnChatMessage != nil {
			c.opts.Handlers.OnChatMessage(ev)
		}
	case signal.EventParticipantMuted, signal.EventParticipantCameraOff:
		var ev signal.PauseChangedEvent
		if msg.DecodePayload(&ev) == nil && c.isSelf(ev.UserID) {
			c.mu.Lock()
			if msg.Event == signal.EventParticipantMuted {
				c.micMuted = ev.Paused
			} else if !c.autoBlanked {
				// Auto-blank pauses the producer without touching intent.
				c.cameraOff = ev.Paused
			}
			c.mu.Unlock()
		}
	}

	if c.opts.Handlers.OnRoomEvent != nil {
		c.opts.Handlers.OnRoomEvent(msg.Event, msg.Payload)
	}
}

// resumeFromWaiting re-issues joinRoom after an admit. The socket is already
// authenticated; only the join is repeated.
func (c *Controller) resumeFromWaiting() {
	c.mu.Lock()
	if c.state != StateWaiting {
		c.mu.Unlock()
		return
	}
	sock := c.sock
	join := c.join
	sctx := c.sessionCtx
	c.mu.Unlock()
	if sock == nil || sctx == nil {
		return
	}
	c.setState(StateJoining)

	ctx, cancel := context.WithTimeout(sctx, 15*time.Second)
	defer cancel()
	var res signal.JoinRoomResult
	err := sock.request(ctx, signal.RequestJoinRoom, signal.JoinRoomRequest{
		RoomID:            join.RoomID,
		SessionID:         c.sessionID,
		DisplayName:       join.DisplayName,
		Ghost:             join.Ghost,
		MeetingInviteCode: join.MeetingInviteCode,
		WebinarInviteCode: join.WebinarInviteCode,
	}, &res)
	if err != nil || res.Status != signal.JoinStatusJoined {
		if err != nil {
			c.log.Warn("Rejoin after approval failed", zap.Error(err))
		}
		c.setState(StateWaiting)
		return
	}
	c.completeJoin(ctx, sctx, res)
}

// terminate handles a server-initiated end of session.
func (c *Controller) terminate(err error) {
	c.log.Info("Session terminated by server", zap.Error(err))
	c.spawn(func() {
		c.teardown(false)
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		c.setState(StateErrored)
		if c.opts.Handlers.OnTerminal != nil {
			c.opts.Handlers.OnTerminal(err.Error())
		}
	})
}

// watchSocket turns an unexpected socket death into a reconnect. Sockets
// retired by teardown are recognized by generation and ignored.
func (c *Controller) watchSocket(sock *socket, gen int) {
	<-sock.closed()
	c.mu.Lock()
	stale := c.sockGen != gen || c.sock != sock
	st := c.state
	c.mu.Unlock()
	if stale {
		return
	}
	switch st {
	case StateConnected, StateJoining, StateJoined, StateWaiting, StateReconnecting:
	default:
		return
	}
	c.log.Warn("Signaling socket lost", zap.Error(sock.err()))
	c.setState(StateReconnecting)
	c.rec.socketLost()
}

// restartICE requests fresh ICE parameters, applies them and waits for the
// transport to come back inside the grace window.
func (c *Controller) restartICE(ctx context.Context, dir signal.TransportDirection) error {
	c.mu.Lock()
	sock, rtc := c.sock, c.rtc
	c.mu.Unlock()
	if sock == nil {
		return signal.Errorf(signal.KindTransportError, "no signaling connection")
	}

	var res signal.RestartIceResult
	if err := sock.request(ctx, signal.RequestRestartIce, signal.RestartIceRequest{Transport: dir}, &res); err != nil {
		return err
	}
	if rtc != nil {
		if err := rtc.RestartICE(dir, res.IceParameters); err != nil {
			return signal.WrapError(signal.KindTransportError, "could not apply ICE restart", err)
		}
	}
	return c.rec.awaitRecovery(ctx, dir)
}

// reconnectAttempt rebuilds the call from scratch: close the old plumbing,
// re-auth, re-join.
func (c *Controller) reconnectAttempt(ctx context.Context, attempt int) error {
	c.mu.Lock()
	join := c.join
	st := c.state
	c.mu.Unlock()
	if st != StateReconnecting {
		return nil
	}
	c.log.Info("Reconnecting", zap.Int("attempt", attempt), zap.String("roomId", join.RoomID))
	c.closeCallPlumbing()
	if err := c.connectAndJoin(ctx, join, true); err != nil {
		c.closeCallPlumbing()
		return err
	}
	return nil
}

func (c *Controller) reconnectGaveUp(err error) {
	c.log.Error("Giving up on reconnection", zap.Error(err))
	c.teardown(false)
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	c.setState(StateErrored)
	if c.opts.Handlers.OnTerminal != nil {
		c.opts.Handlers.OnTerminal(err.Error())
	}
}

// TransportStateChanged feeds WebRTC transport connection-state transitions
// from the embedder's RTC engine into the recovery policy. Expected states:
// connected, disconnected, failed, closed.
func (c *Controller) TransportStateChanged(dir signal.TransportDirection, state string) {
	c.rec.transportState(dir, state)
}

// ToggleMute flips the microphone and reports the new muted state.
func (c *Controller) ToggleMute(ctx context.Context) (bool, error) {
	c.mu.Lock()
	target := !c.micMuted
	sock := c.sock
	producerID := c.localProducers[producerMic]
	c.mu.Unlock()

	if sock != nil && producerID != "" {
		pauseReq := signal.PauseRequest{ProducerID: producerID, Paused: target}
		if err := sock.request(ctx, signal.RequestToggleMute, pauseReq, &signal.SuccessResult{}); err != nil {
			return !target, err
		}
	}
	c.mu.Lock()
	c.micMuted = target
	c.mu.Unlock()
	return target, nil
}

// ToggleCamera flips the camera and reports the new off state. Turning the
// camera off stops the capture track; turning it back on re-acquires and
// re-points the producer.
func (c *Controller) ToggleCamera(ctx context.Context) (bool, error) {
	c.mu.Lock()
	target := !c.cameraOff
	sock := c.sock
	producerID := c.localProducers[producerCamera]
	c.mu.Unlock()

	if target {
		// The track stops locally no matter what the wire says, so the
		// toggle commits before the pause request.
		if c.media != nil {
			c.media.stopTrack(signal.MediaKindVideo)
		}
		c.mu.Lock()
		c.cameraOff = true
		c.autoBlanked = false
		c.mu.Unlock()
		if sock != nil && producerID != "" {
			pauseReq := signal.PauseRequest{ProducerID: producerID, Paused: true}
			if err := sock.request(ctx, signal.RequestToggleCamera, pauseReq, &signal.SuccessResult{}); err != nil {
				return true, err
			}
		}
		return true, nil
	}

	if c.media == nil {
		return true, signal.Errorf(signal.KindMediaError, "no media devices configured")
	}
	if err := c.media.acquire(ctx, true); err != nil {
		return true, err
	}
	if err := c.syncProducersToStream(ctx); err != nil {
		c.media.stopTrack(signal.MediaKindVideo)
		return true, err
	}
	c.mu.Lock()
	c.cameraOff = false
	c.autoBlanked = false
	producerID = c.localProducers[producerCamera]
	sock = c.sock
	c.mu.Unlock()
	if sock != nil && producerID != "" {
		pauseReq := signal.PauseRequest{ProducerID: producerID, Paused: false}
		if err := sock.request(ctx, signal.RequestToggleCamera, pauseReq, &signal.SuccessResult{}); err != nil {
			return false, err
		}
	}
	return false, nil
}

// syncProducersToStream points the live producers at the current capture
// tracks, creating producers that do not exist yet. Fresh acquisition swaps
// both tracks, so both producers are re-pointed together.
func (c *Controller) syncProducersToStream(ctx context.Context) error {
	c.mu.Lock()
	sock, rtc := c.sock, c.rtc
	mic := c.localProducers[producerMic]
	cam := c.localProducers[producerCamera]
	micMuted := c.micMuted
	c.mu.Unlock()
	if sock == nil || rtc == nil || c.media == nil {
		return nil
	}

	c.mediaMu.Lock()
	defer c.mediaMu.Unlock()

	transportID, err := c.ensureTransport(ctx, signal.TransportProducer)
	if err != nil {
		return err
	}
	if track := c.media.track(signal.MediaKindAudio); track != nil {
		if mic != "" {
			if err := rtc.ReplaceTrack(mic, track); err != nil {
				return signal.WrapError(signal.KindMediaError, "could not swap the microphone track", err)
			}
		} else if _, err := c.produceTrack(ctx, transportID, track, signal.ProducerTypeWebcam, producerMic, micMuted); err != nil {
			return err
		}
	}
	if track := c.media.track(signal.MediaKindVideo); track != nil {
		if cam != "" {
			if err := rtc.ReplaceTrack(cam, track); err != nil {
				return signal.WrapError(signal.KindMediaError, "could not swap the camera track", err)
			}
		} else if _, err := c.produceTrack(ctx, transportID, track, signal.ProducerTypeWebcam, producerCamera, false); err != nil {
			return err
		}
	}
	return nil
}

// onTrackEnded handles a capture track dying unexpectedly: re-acquire while
// the call is live and the function is still wanted, otherwise flip the
// corresponding toggle and retract the producer.
func (c *Controller) onTrackEnded(kind string) {
	c.spawn(func() {
		c.mu.Lock()
		st := c.state
		micMuted, cameraOff := c.micMuted, c.cameraOff
		sctx := c.sessionCtx
		c.mu.Unlock()
		if st != StateJoined || sctx == nil || c.media == nil {
			return
		}
		wanted := (kind == signal.MediaKindAudio && !micMuted) ||
			(kind == signal.MediaKindVideo && !cameraOff)
		if !wanted {
			return
		}

		ctx, cancel := context.WithTimeout(sctx, 15*time.Second)
		defer cancel()
		video := c.media.hasVideo() && !cameraOff
		if kind == signal.MediaKindVideo {
			video = true
		}
		if err := c.media.acquire(ctx, video); err == nil {
			if serr := c.syncProducersToStream(ctx); serr == nil {
				c.log.Info("Recovered local media after device loss", zap.String("kind", kind))
				return
			}
		}

		// Re-acquisition failed: disable the function and retract the producer.
		c.mu.Lock()
		var slot string
		if kind == signal.MediaKindAudio {
			c.micMuted = true
			slot = producerMic
		} else {
			c.cameraOff = true
			slot = producerCamera
		}
		producerID := c.localProducers[slot]
		delete(c.localProducers, slot)
		sock := c.sock
		c.mu.Unlock()
		c.log.Warn("Could not recover local media, disabling", zap.String("kind", kind))
		if sock != nil && producerID != "" {
			closeReq := signal.CloseProducerRequest{ProducerID: producerID}
			_ = sock.request(ctx, signal.RequestCloseProducer, closeReq, &signal.SuccessResult{})
		}
	})
}

// StartScreenShare captures the screen and publishes it.
func (c *Controller) StartScreenShare(ctx context.Context) error {
	c.mu.Lock()
	st := c.state
	c.mu.Unlock()
	if st != StateJoined {
		return signal.Errorf(signal.KindUnknown, "not in a call")
	}
	if c.media == nil {
		return signal.Errorf(signal.KindMediaError, "no media devices configured")
	}

	stream, err := c.media.acquireScreen(ctx)
	if err != nil {
		return err
	}

	c.mediaMu.Lock()
	defer c.mediaMu.Unlock()

	transportID, err := c.ensureTransport(ctx, signal.TransportProducer)
	if err != nil {
		c.media.stopScreen()
		return err
	}
	for _, track := range stream.Tracks() {
		if track.Kind() != signal.MediaKindVideo {
			continue
		}
		if _, err := c.produceTrack(ctx, transportID, track, signal.ProducerTypeScreen, producerScreen, false); err != nil {
			c.media.stopScreen()
			return err
		}
		break
	}
	c.updateKeepAlive()
	return nil
}

// StopScreenShare retracts the screen producer and releases capture.
func (c *Controller) StopScreenShare(ctx context.Context) error {
	c.mu.Lock()
	producerID := c.localProducers[producerScreen]
	delete(c.localProducers, producerScreen)
	sock := c.sock
	c.mu.Unlock()

	if c.media != nil {
		c.media.stopScreen()
	}
	c.updateKeepAlive()
	if sock == nil || producerID == "" {
		return nil
	}
	closeReq := signal.CloseProducerRequest{ProducerID: producerID}
	return sock.request(ctx, signal.RequestCloseProducer, closeReq, &signal.SuccessResult{})
}

// RaiseHand sets the caller's hand state.
func (c *Controller) RaiseHand(ctx context.Context, raised bool) error {
	c.mu.Lock()
	sock := c.sock
	c.mu.Unlock()
	if sock == nil {
		return signal.Errorf(signal.KindUnknown, "not connected")
	}
	if err := sock.request(ctx, signal.RequestHandRaised, signal.HandRaisedRequest{Raised: raised}, &signal.SuccessResult{}); err != nil {
		return err
	}
	c.mu.Lock()
	c.handRaised = raised
	c.mu.Unlock()
	return nil
}

// SendChat scans for slash-commands, then delivers the message. Commands act
// locally (or as their dedicated request) and never reach the room as chat.
func (c *Controller) SendChat(ctx context.Context, text string) error {
	trimmed := strings.TrimSpace(text)
	switch {
	case trimmed == "/mute":
		_, err := c.ToggleMute(ctx)
		return err
	case trimmed == "/cam":
		_, err := c.ToggleCamera(ctx)
		return err
	case trimmed == "/hand":
		c.mu.Lock()
		raised := c.handRaised
		c.mu.Unlock()
		return c.RaiseHand(ctx, !raised)
	case strings.HasPrefix(trimmed, "/tts "):
		return c.SendTts(ctx, strings.TrimSpace(strings.TrimPrefix(trimmed, "/tts ")))
	}

	c.mu.Lock()
	sock := c.sock
	c.mu.Unlock()
	if sock == nil {
		return signal.Errorf(signal.KindUnknown, "not connected")
	}
	return sock.request(ctx, signal.RequestSendChatMessage, signal.ChatMessageRequest{Message: text}, &signal.SuccessResult{})
}

// SendTts asks the room to speak text aloud.
func (c *Controller) SendTts(ctx context.Context, text string) error {
	c.mu.Lock()
	sock := c.sock
	c.mu.Unlock()
	if sock == nil {
		return signal.Errorf(signal.KindUnknown, "not connected")
	}
	return sock.request(ctx, signal.RequestTtsMessage, signal.TtsMessageRequest{Text: text}, &signal.SuccessResult{})
}

// SendReaction emits an ephemeral reaction.
func (c *Controller) SendReaction(ctx context.Context, kind, value, label string) error {
	c.mu.Lock()
	sock := c.sock
	c.mu.Unlock()
	if sock == nil {
		return signal.Errorf(signal.KindUnknown, "not connected")
	}
	reactionReq := signal.ReactionRequest{Kind: kind, Value: value, Label: label}
	return sock.request(ctx, signal.RequestSendReaction, reactionReq, &signal.SuccessResult{})
}

// UpdateDisplayName renames the caller, also for future rejoins.
func (c *Controller) UpdateDisplayName(ctx context.Context, name string) error {
	c.mu.Lock()
	sock := c.sock
	c.mu.Unlock()
	if sock == nil {
		return signal.Errorf(signal.KindUnknown, "not connected")
	}
	if err := sock.request(ctx, signal.RequestUpdateDisplayName, signal.UpdateDisplayNameRequest{DisplayName: name}, &signal.SuccessResult{}); err != nil {
		return err
	}
	c.mu.Lock()
	c.join.DisplayName = name
	c.mu.Unlock()
	return nil
}

// Do issues a raw signaling request for operations without a dedicated
// wrapper (admin toggles, admission decisions, webinar config).
func (c *Controller) Do(ctx context.Context, event signal.Event, payload, result any) error {
	c.mu.Lock()
	sock := c.sock
	c.mu.Unlock()
	if sock == nil {
		return signal.Errorf(signal.KindUnknown, "not connected")
	}
	return sock.request(ctx, event, payload, result)
}

// SetForeground tells the SDK whether the app is visible. Backgrounding
// auto-blanks the camera and starts the keep-alive tone when screen media is
// live; foregrounding restores the blanked state and releases any deferred
// reconnect attempt.
func (c *Controller) SetForeground(fg bool) {
	c.mu.Lock()
	if c.foreground == fg {
		c.mu.Unlock()
		return
	}
	c.foreground = fg
	st := c.state
	cameraOff := c.cameraOff
	autoBlanked := c.autoBlanked
	producerID := c.localProducers[producerCamera]
	sock := c.sock
	sctx := c.sessionCtx
	c.mu.Unlock()

	c.updateKeepAlive()
	c.rec.setForeground(fg)

	if st != StateJoined || sock == nil || producerID == "" || sctx == nil {
		return
	}
	if !fg && !cameraOff {
		c.mu.Lock()
		c.autoBlanked = true
		c.mu.Unlock()
		c.spawn(func() {
			ctx, cancel := context.WithTimeout(sctx, 10*time.Second)
			defer cancel()
			pauseReq := signal.PauseRequest{ProducerID: producerID, Paused: true}
			if err := sock.request(ctx, signal.RequestToggleCamera, pauseReq, &signal.SuccessResult{}); err != nil {
				c.log.Warn("Background camera blank failed", zap.Error(err))
			}
		})
	}
	if fg && autoBlanked {
		c.mu.Lock()
		c.autoBlanked = false
		c.mu.Unlock()
		c.spawn(func() {
			ctx, cancel := context.WithTimeout(sctx, 10*time.Second)
			defer cancel()
			pauseReq := signal.PauseRequest{ProducerID: producerID, Paused: false}
			if err := sock.request(ctx, signal.RequestToggleCamera, pauseReq, &signal.SuccessResult{}); err != nil {
				c.log.Warn("Foreground camera restore failed", zap.Error(err))
			}
		})
	}
}

// Leave exits the room and releases the call.
func (c *Controller) Leave() {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	c.teardown(true)
	c.setState(StateDisconnected)
}

// Close leaves, detaches from the coordinator and waits for the SDK's
// goroutines to finish.
func (c *Controller) Close() {
	c.lifecycleMu.Lock()
	c.teardown(false)
	c.setState(StateDisconnected)
	c.lifecycleMu.Unlock()
	if c.unregister != nil {
		c.unregister()
	}
	c.rec.wait()
	c.wg.Wait()
}

// teardown releases the session's socket, transports and media. Callers set
// the resulting state; playLeaveCue distinguishes a user-visible leave from
// silent handoff.
func (c *Controller) teardown(playLeaveCue bool) {
	c.mu.Lock()
	sock := c.sock
	rtc := c.rtc
	cancel := c.sessionCancel
	rcancel := c.reconcileCancel
	c.sock = nil
	c.sockGen++
	c.rtc = nil
	c.sessionCtx = nil
	c.sessionCancel = nil
	c.reconcileCancel = nil
	c.producers = make(map[string]signal.ProducerInfo)
	c.consumers = make(map[string]string)
	c.localProducers = make(map[string]string)
	c.roster = make(map[string]string)
	c.sendTransport = ""
	c.recvTransport = ""
	c.screenFeeds = 0
	c.autoBlanked = false
	c.handRaised = false
	c.mu.Unlock()

	c.rec.disarm()
	if rcancel != nil {
		rcancel()
	}
	if cancel != nil {
		cancel()
	}
	if sock != nil {
		sock.close()
	}
	if rtc != nil {
		rtc.Close()
	}
	if c.media != nil {
		c.media.reset()
	}
	c.updateKeepAlive()
	if playLeaveCue {
		c.playCue(CueUserLeft, false)
	}
}

// closeCallPlumbing drops the socket and transports while keeping the
// session (and its reconnect state) alive.
func (c *Controller) closeCallPlumbing() {
	c.mu.Lock()
	sock := c.sock
	rtc := c.rtc
	c.sock = nil
	c.sockGen++
	c.rtc = nil
	c.sendTransport = ""
	c.recvTransport = ""
	c.consumers = make(map[string]string)
	c.localProducers = make(map[string]string)
	c.mu.Unlock()
	if sock != nil {
		sock.close()
	}
	if rtc != nil {
		rtc.Close()
	}
}

func (c *Controller) abortSession(err error) {
	c.teardown(false)
	c.mu.Lock()
	skip := c.state == StateDisconnected
	if !skip {
		c.lastErr = err
	}
	c.mu.Unlock()
	if !skip {
		c.setState(StateErrored)
	}
}

func (c *Controller) setState(s ConnectionState) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed && c.opts.Handlers.OnStateChange != nil {
		c.opts.Handlers.OnStateChange(s)
	}
}

// spawn runs fn on a session goroutine so socket reads never block on wire
// round-trips. Spawns after teardown are dropped.
func (c *Controller) spawn(fn func()) {
	c.mu.Lock()
	if c.sessionCtx == nil {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

func (c *Controller) playCue(cue Cue, suppressed bool) {
	if c.opts.Notifier == nil || suppressed {
		return
	}
	c.opts.Notifier.Play(cue)
}

// updateKeepAlive keeps the platform audio path open while screen media is
// live in the background.
func (c *Controller) updateKeepAlive() {
	if c.opts.Notifier == nil {
		return
	}
	c.mu.Lock()
	on := !c.foreground && c.state == StateJoined &&
		(c.screenFeeds > 0 || c.localProducers[producerScreen] != "")
	changed := on != c.keepAliveOn
	c.keepAliveOn = on
	c.mu.Unlock()
	if changed {
		c.opts.Notifier.KeepAlive(on)
	}
}

func (c *Controller) isForeground() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.foreground
}

// isSelf matches an event's userId against this session. User ids are
// userKey#sessionId, and the session id is unique to this controller.
func (c *Controller) isSelf(userID string) bool {
	return strings.HasSuffix(userID, "#"+c.sessionID)
}

// controllerSession adapts the controller for coordinator bookkeeping.
type controllerSession struct {
	c *Controller
}

func (s controllerSession) Snapshot() SessionSnapshot {
	return SessionSnapshot{
		State:         s.c.ConnectionState(),
		HasActiveCall: s.c.HasActiveCall(),
	}
}

// Relinquish stands the session down for another owner. Takeovers tear down
// silently: the session lands in disconnected without a leave cue.
func (s controllerSession) Relinquish(ctx context.Context, reason string) error {
	_ = ctx
	s.c.log.Info("Relinquishing call ownership", zap.String("reason", reason))
	s.c.teardown(false)
	s.c.setState(StateDisconnected)
	return nil
}
