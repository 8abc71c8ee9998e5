package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/voxhall/voxhall/internal/v1/auth"
	"github.com/voxhall/voxhall/internal/v1/logging"
	"github.com/voxhall/voxhall/internal/v1/types"
	"github.com/voxhall/voxhall/pkg/signal"
)

// Pump tuning. Pings go out every pingPeriod and the peer has until pongWait
// to answer; writeWait bounds any single frame write so a dead peer cannot
// wedge the write pump.
const (
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = (pongWait * 9) / 10
	maxFrameSize  = 64 << 10
	sendQueueSize = 256
)

// wsConnection is the surface of *websocket.Conn the pumps rely on. Tests
// substitute an in-memory fake.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
}

// SessionContext is the room half of a socket's binding: which room the
// session is attached to, and which room a joinRoom currently in flight is
// targeting. The identity half lives on the Client itself; its socket id
// doubles as the SFU session discriminator.
type SessionContext struct {
	mu      sync.RWMutex
	current types.Roomer
	pending types.Roomer
}

// CurrentRoom returns the room this socket is attached to, nil pre-join.
func (s *SessionContext) CurrentRoom() types.Roomer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// PendingRoom returns the room a joinRoom is being admitted into, if any.
func (s *SessionContext) PendingRoom() types.Roomer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pending
}

func (s *SessionContext) setCurrent(r types.Roomer) {
	s.mu.Lock()
	s.current = r
	s.mu.Unlock()
}

func (s *SessionContext) setPending(r types.Roomer) {
	s.mu.Lock()
	s.pending = r
	s.mu.Unlock()
}

// Client is one authenticated WebSocket session. It implements
// types.ClientInterface for the room layer and owns the two pump goroutines
// moving JSON frames between the socket and the room.
type Client struct {
	conn wsConnection
	hub  *Hub

	identity types.Identity
	claims   *auth.JoinClaims

	session SessionContext

	// logCtx carries the session identifiers into every log line this
	// socket emits.
	logCtx context.Context

	mu           sync.RWMutex
	displayName  types.DisplayName
	role         types.RoleType
	isGhost      bool
	isHandRaised bool
	closed       bool

	closeOnce sync.Once

	send         chan []byte // acks and room fan-out, FIFO
	prioritySend chan []byte // terminal events that must beat a backlog
}

func newClient(hub *Hub, conn wsConnection, id types.Identity, claims *auth.JoinClaims) *Client {
	return &Client{
		conn:         conn,
		hub:          hub,
		identity:     id,
		claims:       claims,
		displayName:  id.DisplayName,
		role:         types.RoleTypeUnknown,
		logCtx:       logging.WithSession(context.Background(), string(id.SessionID), string(id.UserKey)),
		send:         make(chan []byte, sendQueueSize),
		prioritySend: make(chan []byte, sendQueueSize),
	}
}

// --- types.ClientInterface ---

func (c *Client) GetUserID() types.UserID       { return c.identity.UserID }
func (c *Client) GetUserKey() types.UserKey     { return c.identity.UserKey }
func (c *Client) GetSessionID() types.SessionID { return c.identity.SessionID }
func (c *Client) GetSocketID() types.SocketID   { return c.identity.SocketID }

func (c *Client) GetDisplayName() types.DisplayName {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.displayName
}

func (c *Client) SetDisplayName(name types.DisplayName) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.displayName = name
}

func (c *Client) GetRole() types.RoleType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

func (c *Client) SetRole(role types.RoleType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.role = role
}

func (c *Client) GetIsGhost() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isGhost
}

func (c *Client) SetIsGhost(ghost bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isGhost = ghost
}

func (c *Client) GetIsHandRaised() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isHandRaised
}

func (c *Client) SetIsHandRaised(raised bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isHandRaised = raised
}

func (c *Client) GetJoinClaims() *auth.JoinClaims { return c.claims }

// Send enqueues one frame on the FIFO queue. Non-blocking: a client that
// stopped reading loses fan-out rather than stalling the room.
func (c *Client) Send(msg *signal.Message) {
	data, err := msg.Encode()
	if err != nil {
		logging.Error(c.logCtx, "Failed to encode frame", zap.Error(err))
		return
	}
	c.enqueue(c.send, data, "send")
}

// SendPriority enqueues one frame on the priority queue, used for terminal
// events (kicked, roomClosed, redirect) that must reach the peer even when
// the FIFO queue is backed up.
func (c *Client) SendPriority(msg *signal.Message) {
	data, err := msg.Encode()
	if err != nil {
		logging.Error(c.logCtx, "Failed to encode priority frame", zap.Error(err))
		return
	}
	c.enqueue(c.prioritySend, data, "priority")
}

// SendRaw enqueues pre-encoded bytes; the room's fan-out path encodes once
// and reuses the buffer across recipients.
func (c *Client) SendRaw(data []byte) {
	c.enqueue(c.send, data, "send")
}

func (c *Client) enqueue(ch chan []byte, data []byte, queue string) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return
	}
	c.mu.RUnlock()

	// Disconnect can close the channel between the check above and the send
	// below; the recover keeps that race from killing the caller.
	defer func() {
		if r := recover(); r != nil {
			logging.GetLogger().Debug("Send raced with disconnect",
				zap.String("socketId", string(c.identity.SocketID)))
		}
	}()

	select {
	case ch <- data:
	default:
		logging.Warn(c.logCtx, "Send queue full, dropping frame",
			zap.String("queue", queue),
			zap.String("socketId", string(c.identity.SocketID)))
	}
}

// Disconnect closes the send queues, which drives the write pump to drain,
// emit a close frame and drop the connection. Safe to call more than once.
func (c *Client) Disconnect() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.send)
		close(c.prioritySend)
	})
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// readPump reads frames off the socket and hands them to the hub dispatcher,
// one at a time, so a session's requests are handled in order. On exit it
// notifies the client's room with a reason that tells the room whether to
// arm the disconnect grace window.
func (c *Client) readPump() {
	reason := types.DisconnectReasonTransport
	defer func() {
		if room := c.session.CurrentRoom(); room != nil {
			room.HandleClientDisconnect(c, reason)
		}
		c.Disconnect()
		_ = c.conn.Close()
		c.hub.dropClient(c)
	}()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			// A clean close frame is a deliberate departure and finalizes
			// at once; anything else gets the grace window.
			if c.isClosed() || websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived) {
				reason = types.DisconnectReasonClientLeft
			}
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}

		msg, err := signal.Decode(data)
		if err != nil {
			logging.Warn(c.logCtx, "Dropping malformed frame", zap.Error(err))
			continue
		}

		c.hub.dispatch(c, msg)
	}
}

// writePump owns all writes to the socket: queued frames and keepalive pings.
// Closing either queue drains it, emits a close frame and exits.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		// Priority frames preempt the FIFO queue whenever both are ready.
		select {
		case data, ok := <-c.prioritySend:
			if !ok {
				c.writeClose()
				return
			}
			if !c.writeFrame(data) {
				return
			}
			continue
		default:
		}

		select {
		case data, ok := <-c.prioritySend:
			if !ok {
				c.writeClose()
				return
			}
			if !c.writeFrame(data) {
				return
			}
		case data, ok := <-c.send:
			if !ok {
				c.writeClose()
				return
			}
			if !c.writeFrame(data) {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) writeFrame(data []byte) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		logging.Warn(c.logCtx, "Write failed, dropping socket", zap.Error(err))
		return false
	}
	return true
}

func (c *Client) writeClose() {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
