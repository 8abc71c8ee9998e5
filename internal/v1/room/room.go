// Package room holds the per-room signaling state machine: admission and the
// waiting room, host succession, producer bookkeeping and fan-out, webinar
// seating and feed selection, chat, and disconnect grace handling.
//
// Concurrency design: every Room owns a sync.RWMutex. Request handlers and
// lifecycle entry points (HandleJoin, Route, HandleClientDisconnect, Close)
// acquire it; everything they call is a *Locked method that assumes the lock
// is held. Client sends are non-blocking channel writes, so fanning out under
// the lock cannot stall a room on a slow socket. Bus publishes leave the lock
// on a bounded semaphore so cross-instance mirroring never applies
// backpressure to local state changes.
package room

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/voxhall/voxhall/internal/v1/bus"
	"github.com/voxhall/voxhall/internal/v1/logging"
	"github.com/voxhall/voxhall/internal/v1/metrics"
	"github.com/voxhall/voxhall/internal/v1/types"
	"github.com/voxhall/voxhall/internal/v1/webinar"
	"github.com/voxhall/voxhall/pkg/signal"
)

// roleGhost is a fan-out pseudo-role. Ghosts keep their real role in the
// member map; including roleGhost in a role filter additionally matches any
// client whose ghost flag is set, which is how ghost-scoped events reach
// ghosts that are not admins.
const roleGhost types.RoleType = "ghost"

var (
	rolesAdmins = set.New(types.RoleTypeAdmin)
	// rolesMeeting excludes webinar attendees from meeting-floor events.
	rolesMeeting = set.New(types.RoleTypeAdmin, types.RoleTypeParticipant)
	// rolesGhostAware is the visibility set for ghost presence and producers.
	rolesGhostAware = set.New(types.RoleTypeAdmin, roleGhost)
	rolesAttendees  = set.New(types.RoleTypeWebinarAttendee)
)

// Options wires a Room to its collaborators and tuning knobs. The registry
// owns construction; tests build Options directly.
type Options struct {
	ChannelID types.ChannelID
	ClientID  string
	Policy    types.Policy

	// Bus mirrors room events across instances. Nil runs single-instance.
	Bus types.BusService
	// SFU is the per-room media router.
	SFU types.SFURouter
	// Links mints and validates webinar attendee links. Nil disables them.
	Links *webinar.LinkSigner

	// OnEmpty is invoked (from a fresh goroutine) when the room has shut
	// itself down and should be dropped from the registry.
	OnEmpty func(types.ChannelID)

	DisconnectGrace            time.Duration
	EmptyRoomGrace             time.Duration
	QualityLowThreshold        int
	MaxDisplayNameLength       int
	WebinarDefaultMaxAttendees int
}

// pendingDisconnect tracks one session inside the disconnect grace window.
// The socket id pins finalization to the socket that actually dropped; if
// the session reconnects on a new socket first, the timer is a no-op.
type pendingDisconnect struct {
	socketID types.SocketID
	timer    *time.Timer
}

// producerRecord is the signaling-side shadow of one SFU producer. The SFU
// owns the media; this record exists so fan-out events carry user context
// and so getProducers can answer without a round trip.
type producerRecord struct {
	id     string
	owner  types.UserID
	kind   string // signal.MediaKindAudio | signal.MediaKindVideo
	source string // signal.ProducerTypeWebcam | signal.ProducerTypeScreen
	paused bool
	ghost  bool
	// lastActive is bumped when the producer is created unpaused or
	// unpaused later. Audio recency drives active-speaker selection.
	lastActive time.Time
}

// webinarSettings is the mutable webinar configuration of one room. The
// invite code is stored only as a SHA-256 hash.
type webinarSettings struct {
	enabled        bool
	publicAccess   bool
	locked         bool
	maxAttendees   int
	inviteCodeHash string
	linkVersion    int
	feedMode       string
}

// Room is one live conference. All mutable fields are behind mu.
type Room struct {
	channelID types.ChannelID
	roomID    types.RoomID
	clientID  string

	mu sync.RWMutex

	// Connected members by per-session user id, plus their arrival order.
	// Host promotion walks the order list; reconnects swap the element
	// value in place so a refresh does not cost the user their seniority.
	clients    map[types.UserID]types.ClientInterface
	order      *list.List // of types.UserID
	orderIndex map[types.UserID]*list.Element

	// Waiting room, keyed by the principal-stable user key so admission
	// decisions survive the waiter refreshing their tab.
	pending      *list.List // of types.ClientInterface
	pendingIndex map[types.UserKey]*list.Element

	// hostKey names the current primary host. Empty only while the room
	// has no admin at all.
	hostKey types.UserKey

	isLocked      bool
	noGuests      bool
	isChatLocked  bool
	isTtsDisabled bool
	appsLocked    bool
	activeAppID   string

	// inviteCodeHash gates non-host meeting joins when set. The creating
	// host supplies the code on first join.
	inviteCodeHash string

	// admitted holds keys waved through the waiting room; their later
	// joins skip it. lockedAllowList holds keys allowed past a lock and
	// is cleared when the room unlocks.
	admitted        map[types.UserKey]struct{}
	lockedAllowList map[types.UserKey]struct{}

	producers     map[string]*producerRecord
	producerOrder *list.List // of *producerRecord

	// disconnects holds sessions inside the grace window. Their client
	// records stay in r.clients so no userLeft fans out unless the timer
	// fires.
	disconnects map[types.UserID]*pendingDisconnect

	// cleanupTimer destroys the room when no admin can be found. The
	// generation counter invalidates timers that lost a cancel race.
	cleanupTimer *time.Timer
	cleanupGen   uint64

	webinar webinarSettings
	// attendeeFeed caches the producer ids last visible to attendees so
	// feed changes are detected by set comparison.
	attendeeFeed map[string]struct{}

	activeSpeaker types.UserID
	quality       string

	onEmpty func(types.ChannelID)

	busSvc types.BusService
	sfu    types.SFURouter
	links  *webinar.LinkSigner
	policy types.Policy

	disconnectGrace      time.Duration
	emptyRoomGrace       time.Duration
	qualityLowThreshold  int
	maxDisplayNameLength int

	// caps caches the router's RTP capabilities; they are static per room,
	// and the first fetch may cross the network to a remote SFU.
	capsMu sync.Mutex
	caps   signal.RtpCapabilities

	// instanceID tags bus envelopes published by this room so the
	// subscription can drop its own echoes.
	instanceID string

	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	publishChan chan struct{} // Semaphore for bus publishes

	closed bool
}

// NewRoom builds a Room and, when a bus is configured, subscribes it to the
// room's channel for cross-instance fan-out.
func NewRoom(opts Options) *Room {
	ctx, cancel := context.WithCancel(context.Background())

	if opts.QualityLowThreshold <= 0 {
		opts.QualityLowThreshold = 6
	}
	if opts.MaxDisplayNameLength <= 0 {
		opts.MaxDisplayNameLength = 50
	}
	if opts.WebinarDefaultMaxAttendees <= 0 {
		opts.WebinarDefaultMaxAttendees = 200
	}
	if opts.DisconnectGrace <= 0 {
		opts.DisconnectGrace = 8 * time.Second
	}
	if opts.EmptyRoomGrace <= 0 {
		opts.EmptyRoomGrace = 5 * time.Second
	}

	r := &Room{
		channelID: opts.ChannelID,
		roomID:    opts.ChannelID.RoomID(),
		clientID:  opts.ClientID,

		clients:    make(map[types.UserID]types.ClientInterface),
		order:      list.New(),
		orderIndex: make(map[types.UserID]*list.Element),

		pending:      list.New(),
		pendingIndex: make(map[types.UserKey]*list.Element),

		admitted:        make(map[types.UserKey]struct{}),
		lockedAllowList: make(map[types.UserKey]struct{}),

		producers:     make(map[string]*producerRecord),
		producerOrder: list.New(),

		disconnects:  make(map[types.UserID]*pendingDisconnect),
		attendeeFeed: make(map[string]struct{}),

		webinar: webinarSettings{
			maxAttendees: opts.WebinarDefaultMaxAttendees,
			feedMode:     webinarFeedModeActiveSpeaker,
		},

		quality: signal.QualityStandard,

		onEmpty: opts.OnEmpty,
		busSvc:  opts.Bus,
		sfu:     opts.SFU,
		links:   opts.Links,
		policy:  opts.Policy,

		disconnectGrace:      opts.DisconnectGrace,
		emptyRoomGrace:       opts.EmptyRoomGrace,
		qualityLowThreshold:  opts.QualityLowThreshold,
		maxDisplayNameLength: opts.MaxDisplayNameLength,

		instanceID: uuid.NewString(),

		ctx:         ctx,
		cancel:      cancel,
		publishChan: make(chan struct{}, 100), // Limit concurrent publishes
	}

	if r.busSvc != nil {
		r.busSvc.Subscribe(r.ctx, string(r.channelID), &r.wg, r.handleBusEnvelope)
	}

	metrics.ActiveRooms.Inc()
	logging.Info(ctx, "Room created",
		zap.String("channelId", string(r.channelID)),
		zap.String("instanceId", r.instanceID))
	return r
}

// GetRoomID returns the caller-facing room identifier.
func (r *Room) GetRoomID() types.RoomID {
	return r.roomID
}

// GetChannelID returns the tenant-namespaced room identifier.
func (r *Room) GetChannelID() types.ChannelID {
	return r.channelID
}

// roomEvent is the embedded header every room-scoped payload carries.
func (r *Room) roomEvent() signal.RoomEvent {
	return signal.RoomEvent{RoomID: string(r.roomID)}
}

// --- membership lookups (lock held) ---

func (r *Room) clientByKeyLocked(key types.UserKey) types.ClientInterface {
	for _, c := range r.clients {
		if c.GetUserKey() == key {
			return c
		}
	}
	return nil
}

func (r *Room) adminCountLocked() int {
	n := 0
	for _, c := range r.clients {
		if c.GetRole() == types.RoleTypeAdmin {
			n++
		}
	}
	return n
}

// participantCountLocked counts the sessions that contribute media load:
// admins and participants. Ghosts never produce and attendees never join the
// floor, so neither moves the quality tier.
func (r *Room) participantCountLocked() int {
	n := 0
	for _, c := range r.clients {
		if c.GetRole() == types.RoleTypeWebinarAttendee || c.GetIsGhost() {
			continue
		}
		n++
	}
	return n
}

func (r *Room) attendeeCountLocked() int {
	n := 0
	for _, c := range r.clients {
		if c.GetRole() == types.RoleTypeWebinarAttendee {
			n++
		}
	}
	return n
}

func (r *Room) pendingClientsLocked() []types.ClientInterface {
	out := make([]types.ClientInterface, 0, r.pending.Len())
	for e := r.pending.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(types.ClientInterface))
	}
	return out
}

// isEmptyLocked reports whether nothing holds the room open anymore.
// Sessions inside the disconnect grace window still count as present.
func (r *Room) isEmptyLocked() bool {
	return len(r.clients) == 0 && r.pending.Len() == 0
}

// Empty reports whether the room has neither members nor waiters.
func (r *Room) Empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isEmptyLocked()
}

// Closed reports whether the room has shut down. A closed room never admits
// another session; the registry replaces it on the next resolve.
func (r *Room) Closed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// --- fan-out machinery ---

// clientMatchesRoles applies a role filter. A nil filter matches everyone.
func clientMatchesRoles(c types.ClientInterface, roles set.Set[types.RoleType]) bool {
	if roles == nil {
		return true
	}
	if roles.Has(c.GetRole()) {
		return true
	}
	return c.GetIsGhost() && roles.Has(roleGhost)
}

// sendEventTo delivers one event to one client, bypassing the bus.
func (r *Room) sendEventTo(c types.ClientInterface, event signal.Event, payload any) {
	msg, err := signal.NewEvent(event, payload)
	if err != nil {
		logging.Error(r.ctx, "Failed to encode event",
			zap.String("channelId", string(r.channelID)),
			zap.String("event", string(event)), zap.Error(err))
		return
	}
	c.Send(msg)
}

// sendTerminalEventTo delivers an event on the client's priority queue.
// Used for kicked and roomClosed, which must reach a socket even when its
// ordinary queue is backed up, because the socket is about to be dropped.
func (r *Room) sendTerminalEventTo(c types.ClientInterface, event signal.Event, payload any) {
	msg, err := signal.NewEvent(event, payload)
	if err != nil {
		logging.Error(r.ctx, "Failed to encode terminal event",
			zap.String("channelId", string(r.channelID)),
			zap.String("event", string(event)), zap.Error(err))
		return
	}
	c.SendPriority(msg)
}

// fanOutRawLocked delivers pre-encoded bytes to local clients matching the
// role filter, skipping except when set.
func (r *Room) fanOutRawLocked(data []byte, roles set.Set[types.RoleType], except types.UserID) {
	for id, c := range r.clients {
		if except != "" && id == except {
			continue
		}
		if !clientMatchesRoles(c, roles) {
			continue
		}
		c.SendRaw(data)
	}
}

// broadcastLocked encodes once, fans out locally, and mirrors the event to
// the bus for clients of this room living on other instances.
func (r *Room) broadcastLocked(event signal.Event, payload any, roles set.Set[types.RoleType]) {
	r.broadcastExceptLocked(event, payload, roles, "")
}

func (r *Room) broadcastExceptLocked(event signal.Event, payload any, roles set.Set[types.RoleType], except types.UserID) {
	msg, err := signal.NewEvent(event, payload)
	if err != nil {
		logging.Error(r.ctx, "Failed to encode broadcast",
			zap.String("channelId", string(r.channelID)),
			zap.String("event", string(event)), zap.Error(err))
		return
	}
	data, err := msg.Encode()
	if err != nil {
		logging.Error(r.ctx, "Failed to marshal broadcast",
			zap.String("channelId", string(r.channelID)),
			zap.String("event", string(event)), zap.Error(err))
		return
	}

	r.fanOutRawLocked(data, roles, except)
	r.publishLocked(event, payload, roles)
}

// publishLocked mirrors an event to the bus without blocking the room lock.
// The semaphore bounds in-flight publishes; overflow drops the mirror and
// keeps the local fan-out.
func (r *Room) publishLocked(event signal.Event, payload any, roles set.Set[types.RoleType]) {
	if r.busSvc == nil || r.closed {
		return
	}
	var roleStrings []string
	for role := range roles {
		roleStrings = append(roleStrings, string(role))
	}

	select {
	case r.publishChan <- struct{}{}:
		r.wg.Add(1)
		go func() {
			defer func() {
				<-r.publishChan
				r.wg.Done()
			}()
			if err := r.busSvc.Publish(context.Background(), string(r.channelID), string(event), payload, r.instanceID, roleStrings); err != nil {
				logging.Warn(r.ctx, "Bus publish failed",
					zap.String("channelId", string(r.channelID)),
					zap.String("event", string(event)), zap.Error(err))
			}
		}()
	default:
		logging.Warn(r.ctx, "Dropping bus publish - queue full",
			zap.String("channelId", string(r.channelID)),
			zap.String("event", string(event)))
	}
}

// handleBusEnvelope applies an event published by another instance to local
// sockets. Envelopes stamped with this room's own instance id are echoes of
// our own publishes and are dropped, never re-published.
func (r *Room) handleBusEnvelope(env bus.Envelope) {
	if env.SenderID == r.instanceID {
		return
	}
	msg := &signal.Message{Event: signal.Event(env.Event), Payload: env.Payload}
	data, err := msg.Encode()
	if err != nil {
		logging.Error(r.ctx, "Failed to encode bus event",
			zap.String("channelId", string(r.channelID)),
			zap.String("event", env.Event), zap.Error(err))
		return
	}

	var roles set.Set[types.RoleType]
	if len(env.Roles) > 0 {
		roles = set.New[types.RoleType]()
		for _, role := range env.Roles {
			roles.Insert(types.RoleType(role))
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	r.fanOutRawLocked(data, roles, "")
}

// --- presence mirroring ---

// presenceKey is the bus set tracking which admin keys are live anywhere.
// Host succession consults it so a single-admin room split across instances
// is not mistaken for an orphaned one.
func (r *Room) presenceKey() string {
	return "room:" + string(r.channelID) + ":admins"
}

func (r *Room) mirrorAdminPresence(add bool, key types.UserKey) {
	if r.busSvc == nil {
		return
	}
	ctx, cancelFn := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelFn()
	var err error
	if add {
		err = r.busSvc.SetAdd(ctx, r.presenceKey(), string(key))
	} else {
		err = r.busSvc.SetRem(ctx, r.presenceKey(), string(key))
	}
	if err != nil {
		logging.Warn(r.ctx, "Failed to mirror admin presence",
			zap.String("channelId", string(r.channelID)), zap.Error(err))
	}
}

// --- metrics ---

func (r *Room) updateGaugesLocked() {
	metrics.RoomParticipants.WithLabelValues(string(r.channelID)).Set(float64(r.participantCountLocked()))
	metrics.WebinarAttendees.WithLabelValues(string(r.channelID)).Set(float64(r.attendeeCountLocked()))
}

// --- lifecycle ---

// Close shuts the room down: every socket receives roomClosed and is
// disconnected, timers are stopped, the SFU router is released and the per
// room metric series are deleted. Safe to call more than once.
func (r *Room) Close(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLocked(reason)
}

func (r *Room) closeLocked(reason string) {
	if r.closed {
		return
	}
	r.closed = true

	logging.Info(r.ctx, "Closing room",
		zap.String("channelId", string(r.channelID)),
		zap.String("reason", reason))

	payload := signal.TerminalEvent{RoomEvent: r.roomEvent(), Reason: reason}
	for _, c := range r.clients {
		r.sendTerminalEventTo(c, signal.EventRoomClosed, payload)
	}
	for _, c := range r.pendingClientsLocked() {
		r.sendTerminalEventTo(c, signal.EventRoomClosed, payload)
	}

	for _, pd := range r.disconnects {
		pd.timer.Stop()
	}
	r.disconnects = make(map[types.UserID]*pendingDisconnect)
	r.cancelCleanupLocked()

	for _, c := range r.clients {
		if c.GetRole() == types.RoleTypeAdmin {
			r.mirrorAdminPresence(false, c.GetUserKey())
		}
		c.Disconnect()
	}
	for _, c := range r.pendingClientsLocked() {
		c.Disconnect()
	}
	r.clients = make(map[types.UserID]types.ClientInterface)
	r.order.Init()
	r.orderIndex = make(map[types.UserID]*list.Element)
	r.pending.Init()
	r.pendingIndex = make(map[types.UserKey]*list.Element)

	if r.sfu != nil {
		ctx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.sfu.Close(ctx); err != nil {
			logging.Warn(r.ctx, "Failed to close SFU router",
				zap.String("channelId", string(r.channelID)), zap.Error(err))
		}
		cancelFn()
	}

	r.cancel()

	metrics.ActiveRooms.Dec()
	metrics.RoomParticipants.DeleteLabelValues(string(r.channelID))
	metrics.WebinarAttendees.DeleteLabelValues(string(r.channelID))
}

// Shutdown waits for in-flight bus publishes after Close, bounded by ctx.
func (r *Room) Shutdown(ctx context.Context) error {
	r.cancel()

	c := make(chan struct{})
	go func() {
		defer close(c)
		r.wg.Wait()
	}()

	select {
	case <-c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// notifyEmpty hands the room back to the registry from outside the lock.
func (r *Room) notifyEmpty() {
	if r.onEmpty == nil {
		logging.Error(r.ctx, "onEmpty callback not defined. This will leak the room.",
			zap.String("channelId", string(r.channelID)))
		return
	}
	go func() {
		defer func() {
			if recover() != nil {
				logging.Error(context.Background(), "Panic in onEmpty callback",
					zap.String("channelId", string(r.channelID)))
			}
		}()
		r.onEmpty(r.channelID)
	}()
}
