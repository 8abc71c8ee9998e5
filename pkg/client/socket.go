package client

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxhall/voxhall/pkg/signal"
)

const (
	socketWriteWait = 10 * time.Second
	socketPongWait  = 90 * time.Second
)

// socket is one signaling connection. It correlates acks to requests by id
// and forwards server-pushed events to its owner.
type socket struct {
	conn    *websocket.Conn
	onEvent func(*signal.Message)

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan *signal.Message
	failure error

	done chan struct{}
	once sync.Once
}

// dialSocket connects to the signaling endpoint with the join token bound
// into the URL. http(s) endpoints are rewritten to ws(s); bare host URLs get
// the default signaling path.
func dialSocket(ctx context.Context, dialer *websocket.Dialer, endpoint, token string, onEvent func(*signal.Message)) (*socket, error) {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, signal.WrapError(signal.KindConnectionFailed, "invalid signaling endpoint", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, signal.Errorf(signal.KindConnectionFailed, "unsupported signaling scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws/v1/signaling"
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, signal.Errorf(signal.KindConnectionFailed, "signaling handshake rejected: %s", resp.Status)
		}
		return nil, signal.WrapError(signal.KindConnectionFailed, "could not reach the signaling server", err)
	}

	s := &socket{
		conn:    conn,
		onEvent: onEvent,
		pending: make(map[uint64]chan *signal.Message),
		done:    make(chan struct{}),
	}
	conn.SetReadDeadline(time.Now().Add(socketPongWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(socketPongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(socketWriteWait))
	})
	go s.readLoop()
	return s, nil
}

// request sends one frame and waits for its ack. result may be nil when the
// caller does not care about the body.
func (s *socket) request(ctx context.Context, event signal.Event, payload, result any) error {
	s.mu.Lock()
	if s.failure != nil {
		err := s.failure
		s.mu.Unlock()
		return err
	}
	s.nextID++
	id := s.nextID
	ch := make(chan *signal.Message, 1)
	s.pending[id] = ch
	s.mu.Unlock()

	msg, err := signal.NewRequest(id, event, payload)
	if err != nil {
		s.forget(id)
		return err
	}
	if err := s.write(msg); err != nil {
		s.forget(id)
		return err
	}

	select {
	case reply := <-ch:
		return reply.DecodeResult(result)
	case <-ctx.Done():
		s.forget(id)
		return ctx.Err()
	case <-s.done:
		return s.err()
	}
}

func (s *socket) forget(id uint64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *socket) write(msg *signal.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return signal.WrapError(signal.KindConnectionFailed, "signaling write failed", err)
	}
	return nil
}

func (s *socket) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.fail(signal.WrapError(signal.KindConnectionFailed, "signaling connection lost", err))
			return
		}
		msg, err := signal.Decode(data)
		if err != nil {
			continue
		}
		switch {
		case msg.IsAck():
			s.mu.Lock()
			ch := s.pending[msg.ID]
			delete(s.pending, msg.ID)
			s.mu.Unlock()
			if ch != nil {
				ch <- msg
			}
		case msg.Event != "":
			if s.onEvent != nil {
				s.onEvent(msg)
			}
		}
	}
}

// fail marks the socket dead exactly once and releases every waiter.
func (s *socket) fail(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.failure = err
		s.mu.Unlock()
		close(s.done)
		s.conn.Close()
	})
}

// close shuts the socket down cleanly, telling the server first so the
// departure is classed as intentional.
func (s *socket) close() {
	s.writeMu.Lock()
	s.conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
	s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	s.fail(signal.Errorf(signal.KindConnectionFailed, "connection closed"))
}

// closed is readable liveness for the owner's watcher goroutine.
func (s *socket) closed() <-chan struct{} {
	return s.done
}

func (s *socket) err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}
