package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/voxhall/voxhall/internal/v1/auth"
	"github.com/voxhall/voxhall/internal/v1/identity"
	"github.com/voxhall/voxhall/internal/v1/logging"
	"github.com/voxhall/voxhall/internal/v1/metrics"
	"github.com/voxhall/voxhall/internal/v1/ratelimit"
	"github.com/voxhall/voxhall/internal/v1/registry"
	"github.com/voxhall/voxhall/internal/v1/types"
	"github.com/voxhall/voxhall/pkg/signal"
)

// RoomResolver hands the hub a live room for an admission attempt. The
// registry implements it; tests substitute fakes.
type RoomResolver interface {
	Resolve(ctx context.Context, clientID string, roomID types.RoomID) (types.Roomer, error)
}

// HubOptions configures a Hub. Rooms and Tokens are required; the rest
// default sensibly.
type HubOptions struct {
	Rooms  RoomResolver
	Tokens types.TokenValidator

	// Limiter, when set, enforces the per-IP handshake budget and the
	// per-user message budget.
	Limiter *ratelimit.RateLimiter

	// AllowedOrigins gates browser handshakes. Requests without an Origin
	// header (SDKs, server-side clients) always pass.
	AllowedOrigins []string

	MaxDisplayNameLength int
}

// Hub owns the WebSocket side of the house: handshake, token validation,
// socket lifecycle, and dispatch of decoded frames into rooms. Room state
// itself lives behind the RoomResolver.
type Hub struct {
	rooms   RoomResolver
	tokens  types.TokenValidator
	limiter *ratelimit.RateLimiter

	allowedOrigins []string
	maxNameLen     int

	mu      sync.Mutex
	clients map[*Client]struct{}
	closed  bool

	wg sync.WaitGroup
}

func NewHub(opts HubOptions) *Hub {
	maxNameLen := opts.MaxDisplayNameLength
	if maxNameLen <= 0 {
		maxNameLen = 48
	}
	return &Hub{
		rooms:          opts.Rooms,
		tokens:         opts.Tokens,
		limiter:        opts.Limiter,
		allowedOrigins: opts.AllowedOrigins,
		maxNameLen:     maxNameLen,
		clients:        make(map[*Client]struct{}),
	}
}

// ServeWs terminates GET /ws/v1/signaling. The join token arrives in the
// `token` query parameter or, for browsers that cannot set headers on a
// WebSocket, smuggled through Sec-WebSocket-Protocol.
func (h *Hub) ServeWs(c *gin.Context) {
	ctx := c.Request.Context()

	if h.limiter != nil && !h.limiter.CheckWebSocket(c) {
		return // limiter wrote the response
	}

	extraction := extractToken(c.Request)
	if extraction.Token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing join token"})
		return
	}

	claims, err := h.tokens.ValidateJoinToken(extraction.Token)
	if err != nil {
		logging.Warn(ctx, "Join token rejected", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid join token"})
		return
	}

	if !originAllowed(c.Request, h.allowedOrigins) {
		logging.Warn(ctx, "Origin rejected",
			zap.String("origin", c.Request.Header.Get("Origin")))
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	conn, err := upgradeConnection(c.Writer, c.Request, h.allowedOrigins, extraction.Subprotocol)
	if err != nil {
		// Upgrade failures write their own response.
		logging.Warn(ctx, "WebSocket upgrade failed", zap.Error(err))
		return
	}

	h.HandleConnection(conn, claims)
}

// HandleConnection binds an upgraded socket to a fresh session and starts its
// pumps. Exposed separately so tests can drive the hub over fake connections.
// Returns nil when the hub is already shut down.
func (h *Hub) HandleConnection(conn wsConnection, claims *auth.JoinClaims) *Client {
	socketID := types.SocketID(uuid.NewString())
	id, err := identity.FromJoinClaims(claims, socketID, h.maxNameLen)
	if err != nil {
		logging.GetLogger().Warn("Rejecting socket with unusable claims", zap.Error(err))
		_ = conn.Close()
		return nil
	}

	client := newClient(h, conn, *id, claims)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	h.clients[client] = struct{}{}
	h.wg.Add(1)
	h.mu.Unlock()

	metrics.IncConnection()
	logging.Info(client.logCtx, "Socket connected",
		zap.String("socketId", string(socketID)),
		zap.String("clientId", claims.ClientID))

	go client.writePump()
	go client.readPump()
	return client
}

// dropClient unwinds what HandleConnection set up. Called exactly once per
// socket, from readPump's exit path.
func (h *Hub) dropClient(c *Client) {
	h.mu.Lock()
	_, tracked := h.clients[c]
	if tracked {
		delete(h.clients, c)
	}
	h.mu.Unlock()
	if !tracked {
		return
	}

	metrics.DecConnection()
	h.wg.Done()
	logging.Info(c.logCtx, "Socket disconnected",
		zap.String("socketId", string(c.identity.SocketID)))
}

// ClientCount reports the number of live sockets.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// dispatch routes one decoded frame. Until a session has joined a room, the
// only request it may make is joinRoom; everything else is answered with an
// error ack so the client's pending call fails fast instead of timing out.
func (h *Hub) dispatch(c *Client, msg *signal.Message) {
	if !msg.IsRequest() {
		logging.Debug(c.logCtx, "Ignoring non-request frame",
			zap.String("event", string(msg.Event)),
			zap.Uint64("msgId", msg.ID))
		return
	}

	if h.limiter != nil {
		if err := h.limiter.CheckWebSocketUser(c.logCtx, string(c.GetUserKey())); err != nil {
			c.Send(signal.NewErrorAck(msg.ID,
				signal.Errorf(signal.KindConnectionFailed, "message rate limit exceeded")))
			return
		}
	}

	if msg.Event == signal.RequestJoinRoom {
		h.handleJoinRoom(c, msg)
		return
	}

	room := c.session.CurrentRoom()
	if room == nil {
		c.Send(signal.NewErrorAck(msg.ID,
			signal.Errorf(signal.KindPermissionDenied, "join a room first")))
		return
	}
	room.Route(c.logCtx, c, msg)
}

// handleJoinRoom resolves the target room and runs admission. A join while
// attached to a different room is a room switch: the old room is left
// immediately, with no disconnect grace, before the new admission runs.
func (h *Hub) handleJoinRoom(c *Client, msg *signal.Message) {
	timer := prometheus.NewTimer(
		metrics.MessageProcessingDuration.WithLabelValues(string(signal.RequestJoinRoom)))
	defer timer.ObserveDuration()

	var req signal.JoinRoomRequest
	if err := msg.DecodePayload(&req); err != nil || req.RoomID == "" {
		c.Send(signal.NewErrorAck(msg.ID,
			signal.Errorf(signal.KindUnknown, "joinRoom requires a roomId")))
		return
	}

	claims := c.claims
	// Watch links are minted for one room; the socket cannot take the token
	// elsewhere.
	if claims.JoinMode == auth.JoinModeWebinarAttendee && req.RoomID != claims.RoomID {
		c.Send(signal.NewErrorAck(msg.ID,
			signal.Errorf(signal.KindPermissionDenied, "watch link is bound to a different room")))
		return
	}

	roomID := types.RoomID(req.RoomID)

	// Re-join of the current room is a snapshot refresh or a waiting-room
	// retry; the room sorts that out without any teardown here.
	if cur := c.session.CurrentRoom(); cur != nil && cur.GetRoomID() == roomID {
		outcome := cur.HandleJoin(c.logCtx, c, msg)
		if outcome == types.JoinOutcomeRejected {
			c.session.setCurrent(nil)
		}
		metrics.SignalEvents.WithLabelValues(string(signal.RequestJoinRoom), outcome.String()).Inc()
		return
	}

	target, err := h.rooms.Resolve(c.logCtx, claims.ClientID, roomID)
	if err != nil {
		var drain *registry.DrainError
		if errors.As(err, &drain) {
			if evt, encErr := signal.NewEvent(signal.EventRedirect, signal.RedirectEvent{
				RoomEvent: signal.RoomEvent{RoomID: string(roomID)},
				URL:       drain.RedirectURL,
			}); encErr == nil {
				c.SendPriority(evt)
			}
			c.Send(signal.NewErrorAck(msg.ID,
				signal.Errorf(signal.KindConnectionFailed, "this instance is draining")))
			return
		}
		logging.Error(c.logCtx, "Room resolution failed",
			zap.Error(err), zap.String("roomId", string(roomID)))
		c.Send(signal.NewErrorAck(msg.ID,
			signal.Errorf(signal.KindConnectionFailed, "could not open room")))
		return
	}

	c.session.setPending(target)
	if prev := c.session.CurrentRoom(); prev != nil {
		prev.HandleClientDisconnect(c, types.DisconnectReasonRoomSwitch)
		c.session.setCurrent(nil)
	}

	outcome := target.HandleJoin(c.logCtx, c, msg)
	if outcome != types.JoinOutcomeRejected {
		c.session.setCurrent(target)
	}
	c.session.setPending(nil)
	metrics.SignalEvents.WithLabelValues(string(signal.RequestJoinRoom), outcome.String()).Inc()
}

// Shutdown disconnects every socket and waits for the pumps to drain. Rooms
// are closed by the registry before this runs, so most sockets are already
// on their way out; this sweeps up sessions that never joined a room.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.Disconnect()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
