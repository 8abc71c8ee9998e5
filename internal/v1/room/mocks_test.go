package room

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"

	"github.com/voxhall/voxhall/internal/v1/auth"
	"github.com/voxhall/voxhall/internal/v1/types"
	"github.com/voxhall/voxhall/pkg/signal"
)

const testRoomID = "room-1"

// fakeClient implements types.ClientInterface in memory and records every
// frame the room sends it.
type fakeClient struct {
	key     types.UserKey
	session types.SessionID
	socket  types.SocketID
	claims  *auth.JoinClaims

	mu           sync.Mutex
	name         types.DisplayName
	role         types.RoleType
	ghost        bool
	hand         bool
	sent         []*signal.Message
	priority     int
	disconnected bool

	reqSeq uint64
}

func newFakeClient(key, session string) *fakeClient {
	return &fakeClient{
		key:     types.UserKey(key),
		session: types.SessionID(session),
		socket:  types.SocketID("sock-" + key + "-" + session),
		name:    types.DisplayName(key),
		role:    types.RoleTypeUnknown,
		claims: &auth.JoinClaims{
			UserKey:   key,
			ClientID:  "default",
			SessionID: session,
			RoomID:    testRoomID,
			JoinMode:  auth.JoinModeMeeting,
		},
	}
}

func newHostClient(key, session string) *fakeClient {
	c := newFakeClient(key, session)
	c.claims.IsHost = true
	return c
}

func newAttendeeClient(key, session string) *fakeClient {
	c := newFakeClient(key, session)
	c.claims.JoinMode = auth.JoinModeWebinarAttendee
	return c
}

func (c *fakeClient) GetUserID() types.UserID {
	return types.NewUserID(c.key, c.session)
}
func (c *fakeClient) GetUserKey() types.UserKey      { return c.key }
func (c *fakeClient) GetSessionID() types.SessionID  { return c.session }
func (c *fakeClient) GetSocketID() types.SocketID    { return c.socket }
func (c *fakeClient) GetJoinClaims() *auth.JoinClaims { return c.claims }

func (c *fakeClient) GetDisplayName() types.DisplayName {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

func (c *fakeClient) SetDisplayName(name types.DisplayName) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.name = name
}

func (c *fakeClient) GetRole() types.RoleType {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

func (c *fakeClient) SetRole(role types.RoleType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.role = role
}

func (c *fakeClient) GetIsGhost() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ghost
}

func (c *fakeClient) SetIsGhost(ghost bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ghost = ghost
}

func (c *fakeClient) GetIsHandRaised() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hand
}

func (c *fakeClient) SetIsHandRaised(raised bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hand = raised
}

func (c *fakeClient) Send(msg *signal.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
}

func (c *fakeClient) SendPriority(msg *signal.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	c.priority++
}

func (c *fakeClient) SendRaw(data []byte) {
	msg, err := signal.Decode(data)
	if err != nil {
		panic(fmt.Sprintf("fakeClient received undecodable frame: %v", err))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
}

func (c *fakeClient) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
}

func (c *fakeClient) isDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

func (c *fakeClient) nextID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqSeq++
	return c.reqSeq
}

// events returns every received event frame with the given name.
func (c *fakeClient) events(event signal.Event) []*signal.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*signal.Message
	for _, m := range c.sent {
		if m.ID == 0 && m.Event == event {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeClient) eventCount(event signal.Event) int {
	return len(c.events(event))
}

// lastEvent decodes the most recent event of the given name into dst.
func (c *fakeClient) lastEvent(t *testing.T, event signal.Event, dst any) {
	t.Helper()
	evs := c.events(event)
	require.NotEmpty(t, evs, "no %s event received", event)
	require.NoError(t, json.Unmarshal(evs[len(evs)-1].Payload, dst))
}

// ackFor returns the acknowledgement for one request id.
func (c *fakeClient) ackFor(t *testing.T, id uint64) *signal.Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.sent {
		if m.ID == id && m.Event == "" {
			return m
		}
	}
	t.Fatalf("no ack for request %d", id)
	return nil
}

// fakeSFU implements types.SFURouter with canned results and call records.
type fakeSFU struct {
	mu              sync.Mutex
	produceSeq      int
	transportSeq    int
	consumeSeq      int
	produceErr      error
	consumeErr      error
	closedProducers []string
	closedUsers     []types.UserID
	paused          map[string]bool
	routerClosed    bool
}

func newFakeSFU() *fakeSFU {
	return &fakeSFU{paused: make(map[string]bool)}
}

func (s *fakeSFU) RtpCapabilities(context.Context) (signal.RtpCapabilities, error) {
	return json.RawMessage(`{"codecs":["opus","vp8"]}`), nil
}

func (s *fakeSFU) CreateTransport(_ context.Context, _ types.UserID, direction signal.TransportDirection) (*signal.TransportInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transportSeq++
	return &signal.TransportInfo{
		ID:            fmt.Sprintf("transport-%s-%d", direction, s.transportSeq),
		IceParameters: webrtc.ICEParameters{UsernameFragment: "ufrag", Password: "icepwd"},
	}, nil
}

func (s *fakeSFU) ConnectTransport(context.Context, string, webrtc.DTLSParameters) error {
	return nil
}

func (s *fakeSFU) Produce(_ context.Context, _ types.UserID, _ string, _ string, _ signal.RtpParameters) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.produceErr != nil {
		return "", s.produceErr
	}
	s.produceSeq++
	return fmt.Sprintf("prod-%d", s.produceSeq), nil
}

func (s *fakeSFU) Consume(_ context.Context, _ types.UserID, producerID string, _ signal.RtpCapabilities) (*signal.ConsumeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.consumeErr != nil {
		return nil, s.consumeErr
	}
	s.consumeSeq++
	return &signal.ConsumeResult{
		ID:         fmt.Sprintf("cons-%d", s.consumeSeq),
		ProducerID: producerID,
		Kind:       signal.MediaKindAudio,
	}, nil
}

func (s *fakeSFU) ResumeConsumer(context.Context, string) error { return nil }

func (s *fakeSFU) RestartICE(context.Context, types.UserID, signal.TransportDirection) (webrtc.ICEParameters, error) {
	return webrtc.ICEParameters{UsernameFragment: "fresh", Password: "freshpwd"}, nil
}

func (s *fakeSFU) SetProducerPaused(_ context.Context, producerID string, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused[producerID] = paused
	return nil
}

func (s *fakeSFU) CloseProducer(_ context.Context, producerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closedProducers = append(s.closedProducers, producerID)
	return nil
}

func (s *fakeSFU) CloseUser(_ context.Context, userID types.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closedUsers = append(s.closedUsers, userID)
	return nil
}

func (s *fakeSFU) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routerClosed = true
	return nil
}

func (s *fakeSFU) closedProducerIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.closedProducers))
	copy(out, s.closedProducers)
	return out
}

// newTestRoom builds a room with long graces so no timer fires unless a test
// shortens it deliberately.
func newTestRoom(t *testing.T, mutate ...func(*Options)) (*Room, *fakeSFU) {
	t.Helper()
	sfu := newFakeSFU()
	opts := Options{
		ChannelID:                  types.NewChannelID("default", testRoomID),
		ClientID:                   "default",
		Policy:                     types.Policy{AllowHostJoin: true, AllowDisplayNameUpdate: true},
		SFU:                        sfu,
		DisconnectGrace:            time.Hour,
		EmptyRoomGrace:             time.Hour,
		QualityLowThreshold:        50,
		MaxDisplayNameLength:       50,
		WebinarDefaultMaxAttendees: 100,
	}
	for _, m := range mutate {
		m(&opts)
	}
	r := NewRoom(opts)
	t.Cleanup(func() { r.Close("test finished") })
	return r, sfu
}

// join runs HandleJoin for the client with a request built from its identity.
func join(t *testing.T, r *Room, c *fakeClient) types.JoinOutcome {
	t.Helper()
	return joinWith(t, r, c, signal.JoinRoomRequest{
		RoomID:    testRoomID,
		SessionID: string(c.session),
	})
}

func joinWith(t *testing.T, r *Room, c *fakeClient, req signal.JoinRoomRequest) types.JoinOutcome {
	t.Helper()
	msg, err := signal.NewRequest(c.nextID(), signal.RequestJoinRoom, req)
	require.NoError(t, err)
	return r.HandleJoin(context.Background(), c, msg)
}

// route dispatches one request and returns its acknowledgement.
func route(t *testing.T, r *Room, c *fakeClient, event signal.Event, payload any) *signal.Message {
	t.Helper()
	id := c.nextID()
	msg, err := signal.NewRequest(id, event, payload)
	require.NoError(t, err)
	r.Route(context.Background(), c, msg)
	return c.ackFor(t, id)
}

// requireAckOK asserts the ack carries a result, not an error.
func requireAckOK(t *testing.T, ack *signal.Message) {
	t.Helper()
	require.Nil(t, ack.Error, "expected success, got error: %+v", ack.Error)
}

// requireAckError asserts the ack failed with the given kind.
func requireAckError(t *testing.T, ack *signal.Message, kind signal.ErrorKind) {
	t.Helper()
	require.NotNil(t, ack.Error, "expected an error ack")
	require.Equal(t, kind, ack.Error.Kind)
}

// produce publishes one track for the client and returns the producer id.
func produce(t *testing.T, r *Room, c *fakeClient, kind, source string, paused bool) string {
	t.Helper()
	ack := route(t, r, c, signal.RequestProduce, signal.ProduceRequest{
		TransportID:   "transport-producer-1",
		Kind:          kind,
		RtpParameters: json.RawMessage(`{}`),
		AppData:       signal.ProduceAppData{Type: source, Paused: paused},
	})
	requireAckOK(t, ack)
	var result signal.ProduceResult
	require.NoError(t, ack.DecodeResult(&result))
	require.NotEmpty(t, result.ProducerID)
	return result.ProducerID
}

// boolReq routes one of the admin toggles.
func boolReq(t *testing.T, r *Room, c *fakeClient, event signal.Event, value bool) *signal.Message {
	t.Helper()
	return route(t, r, c, event, signal.BoolRequest{Value: value})
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
