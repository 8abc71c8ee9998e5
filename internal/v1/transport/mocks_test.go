package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/voxhall/voxhall/internal/v1/auth"
	"github.com/voxhall/voxhall/internal/v1/types"
	"github.com/voxhall/voxhall/pkg/signal"
)

// fakeConn implements wsConnection in memory. Reads are scripted by queueing
// frames or errors; every text frame the pumps write lands on written.
type fakeConn struct {
	inbound chan readResult
	written chan []byte

	mu          sync.Mutex
	closeCalled int
	closeFrames int
	pings       int
	closeCh     chan struct{}
	closeOnce   sync.Once
}

type readResult struct {
	messageType int
	data        []byte
	err         error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan readResult, 32),
		written: make(chan []byte, 64),
		closeCh: make(chan struct{}),
	}
}

// queueRequest scripts one inbound request frame.
func (f *fakeConn) queueRequest(t *testing.T, id uint64, event signal.Event, payload any) {
	t.Helper()
	msg, err := signal.NewRequest(id, event, payload)
	require.NoError(t, err)
	data, err := msg.Encode()
	require.NoError(t, err)
	f.inbound <- readResult{messageType: websocket.TextMessage, data: data}
}

func (f *fakeConn) queueRaw(messageType int, data []byte) {
	f.inbound <- readResult{messageType: messageType, data: data}
}

// failRead makes the next read return err, driving the read pump to exit.
func (f *fakeConn) failRead(err error) {
	f.inbound <- readResult{err: err}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case r := <-f.inbound:
		return r.messageType, r.data, r.err
	case <-f.closeCh:
		return 0, nil, &websocket.CloseError{
			Code: websocket.CloseAbnormalClosure,
			Text: "use of closed network connection",
		}
	}
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	switch messageType {
	case websocket.CloseMessage:
		f.closeFrames++
	case websocket.PingMessage:
		f.pings++
	}
	f.mu.Unlock()

	if messageType == websocket.TextMessage {
		buf := make([]byte, len(data))
		copy(buf, data)
		select {
		case f.written <- buf:
		default:
		}
	}
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closeCalled++
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.closeCh) })
	return nil
}

func (f *fakeConn) SetWriteDeadline(time.Time) error       { return nil }
func (f *fakeConn) SetReadDeadline(time.Time) error        { return nil }
func (f *fakeConn) SetReadLimit(int64)                     {}
func (f *fakeConn) SetPongHandler(func(appData string) error) {}

func (f *fakeConn) closeFrameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeFrames
}

// nextFrame blocks for the next text frame the pumps wrote, decoded.
func (f *fakeConn) nextFrame(t *testing.T) *signal.Message {
	t.Helper()
	select {
	case data := <-f.written:
		msg, err := signal.Decode(data)
		require.NoError(t, err)
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no frame written in time")
		return nil
	}
}

// noFrame asserts nothing is written within the window.
func (f *fakeConn) noFrame(t *testing.T, window time.Duration) {
	t.Helper()
	select {
	case data := <-f.written:
		t.Fatalf("unexpected frame written: %s", data)
	case <-time.After(window):
	}
}

// fakeRoom implements types.Roomer and records every interaction.
type fakeRoom struct {
	id      types.RoomID
	outcome types.JoinOutcome
	ackJoin bool

	mu          sync.Mutex
	joins       []*signal.Message
	routes      []*signal.Message
	disconnects []string
}

func newFakeRoom(id types.RoomID, outcome types.JoinOutcome) *fakeRoom {
	return &fakeRoom{id: id, outcome: outcome, ackJoin: true}
}

func (r *fakeRoom) GetRoomID() types.RoomID { return r.id }

func (r *fakeRoom) GetChannelID() types.ChannelID {
	return types.NewChannelID("default", r.id)
}

func (r *fakeRoom) HandleJoin(_ context.Context, client types.ClientInterface, msg *signal.Message) types.JoinOutcome {
	r.mu.Lock()
	r.joins = append(r.joins, msg)
	outcome := r.outcome
	r.mu.Unlock()

	if r.ackJoin {
		status := signal.JoinStatusJoined
		if outcome == types.JoinOutcomeWaiting {
			status = signal.JoinStatusWaiting
		}
		if outcome == types.JoinOutcomeRejected {
			client.Send(signal.NewErrorAck(msg.ID,
				signal.Errorf(signal.KindPermissionDenied, "join rejected")))
		} else if ack, err := signal.NewAck(msg.ID, signal.JoinRoomResult{
			RoomID: string(r.id),
			Status: status,
		}); err == nil {
			client.Send(ack)
		}
	}
	return outcome
}

func (r *fakeRoom) setOutcome(outcome types.JoinOutcome) {
	r.mu.Lock()
	r.outcome = outcome
	r.mu.Unlock()
}

func (r *fakeRoom) Route(_ context.Context, client types.ClientInterface, msg *signal.Message) {
	r.mu.Lock()
	r.routes = append(r.routes, msg)
	r.mu.Unlock()

	if ack, err := signal.NewAck(msg.ID, signal.SuccessResult{Success: true}); err == nil {
		client.Send(ack)
	}
}

func (r *fakeRoom) HandleClientDisconnect(_ types.ClientInterface, reason string) {
	r.mu.Lock()
	r.disconnects = append(r.disconnects, reason)
	r.mu.Unlock()
}

func (r *fakeRoom) joinCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.joins)
}

func (r *fakeRoom) routeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.routes)
}

func (r *fakeRoom) disconnectReasons() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.disconnects))
	copy(out, r.disconnects)
	return out
}

// fakeResolver implements RoomResolver over a fixed room set.
type fakeResolver struct {
	mu    sync.Mutex
	rooms map[types.RoomID]types.Roomer
	err   error
	calls int
}

func newFakeResolver(rooms ...*fakeRoom) *fakeResolver {
	f := &fakeResolver{rooms: make(map[types.RoomID]types.Roomer)}
	for _, r := range rooms {
		f.rooms[r.id] = r
	}
	return f
}

func (f *fakeResolver) Resolve(_ context.Context, _ string, roomID types.RoomID) (types.Roomer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	r, ok := f.rooms[roomID]
	if !ok {
		fr := newFakeRoom(roomID, types.JoinOutcomeJoined)
		f.rooms[roomID] = fr
		return fr, nil
	}
	return r, nil
}

func (f *fakeResolver) resolveCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// stubTokens implements types.TokenValidator with canned claims.
type stubTokens struct {
	claims *auth.JoinClaims
	err    error
}

func (s *stubTokens) ValidateJoinToken(string) (*auth.JoinClaims, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.claims, nil
}

func testClaims() *auth.JoinClaims {
	return &auth.JoinClaims{
		UserKey:     "user@example.com",
		DisplayName: "Test User",
		ClientID:    "default",
		SessionID:   "sess-1",
		RoomID:      "room-1",
		JoinMode:    auth.JoinModeMeeting,
	}
}

func newTestHub(resolver RoomResolver) *Hub {
	return NewHub(HubOptions{
		Rooms:  resolver,
		Tokens: &stubTokens{claims: testClaims()},
	})
}

// connect attaches a fake socket to the hub and returns both halves.
func connect(t *testing.T, h *Hub, claims *auth.JoinClaims) (*Client, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	client := h.HandleConnection(conn, claims)
	require.NotNil(t, client)
	t.Cleanup(func() {
		client.Disconnect()
		waitFor(t, func() bool { return h.ClientCount() == 0 })
	})
	return client, conn
}

// waitFor polls until cond holds, failing the test after two seconds.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
