package types

import (
	"context"
	"strings"
	"sync"

	"github.com/pion/webrtc/v3"

	"github.com/voxhall/voxhall/internal/v1/auth"
	"github.com/voxhall/voxhall/internal/v1/bus"
	"github.com/voxhall/voxhall/pkg/signal"
)

// --- Core Domain Types ---

// RoleType defines the different roles a client can have.
type RoleType string

// UserKey is the principal-stable key: two sessions of the same person
// share a UserKey but have distinct UserIDs.
type UserKey string

// UserID is the per-session handle, formatted "<userKey>#<sessionId>".
type UserID string

// SessionID is the opaque per-tab session identifier minted by the client.
type SessionID string

// SocketID identifies a single WebSocket connection. A reconnect of the
// same session produces a new SocketID.
type SocketID string

// RoomID is the caller-facing room identifier.
type RoomID string

// ChannelID namespaces a RoomID by tenant: "<clientId>/<roomId>".
type ChannelID string

// DisplayName is the human-readable name for a client.
type DisplayName string

// Role constants define the hierarchy and permissions.
const (
	RoleTypeParticipant     RoleType = "participant"      // Active participants
	RoleTypeAdmin           RoleType = "admin"            // Hosts
	RoleTypeWebinarAttendee RoleType = "webinar_attendee" // Watch-only attendees
	RoleTypeUnknown         RoleType = "unknown"          // Default/Unknown state
)

// GuestKeyPrefix tags guest-derived user keys so policy can tell guests apart.
const GuestKeyPrefix = "guest-"

// userIDSeparator joins UserKey and SessionID into a UserID. Identity
// sanitization strips it from both parts, so Cut is unambiguous.
const userIDSeparator = "#"

// NewUserID derives the per-session handle from a principal key and session.
func NewUserID(key UserKey, session SessionID) UserID {
	return UserID(string(key) + userIDSeparator + string(session))
}

// Key returns the principal-stable part of a UserID.
func (id UserID) Key() UserKey {
	key, _, _ := strings.Cut(string(id), userIDSeparator)
	return UserKey(key)
}

// Session returns the session part of a UserID.
func (id UserID) Session() SessionID {
	_, session, _ := strings.Cut(string(id), userIDSeparator)
	return SessionID(session)
}

// IsGuest reports whether the key was derived from an unauthenticated session.
func (k UserKey) IsGuest() bool {
	return strings.HasPrefix(string(k), GuestKeyPrefix)
}

// NewChannelID namespaces a room by its tenant so rooms with the same name
// under different client ids never collide.
func NewChannelID(clientID string, roomID RoomID) ChannelID {
	return ChannelID(clientID + "/" + string(roomID))
}

// RoomID returns the room part of a channel id.
func (c ChannelID) RoomID() RoomID {
	_, roomID, ok := strings.Cut(string(c), "/")
	if !ok {
		return RoomID(c)
	}
	return RoomID(roomID)
}

// Identity is the resolved identity of one connected session.
type Identity struct {
	UserKey     UserKey     `json:"userKey"`
	UserID      UserID      `json:"userId"`
	SessionID   SessionID   `json:"sessionId"`
	SocketID    SocketID    `json:"socketId"`
	DisplayName DisplayName `json:"displayName"`
	ClientID    string      `json:"clientId"`
	IsGuest     bool        `json:"isGuest"`
}

// Policy captures the per-tenant switches admission consults.
type Policy struct {
	AllowNonHostRoomCreation bool
	AllowHostJoin            bool
	AllowDisplayNameUpdate   bool
	UseWaitingRoom           bool
}

// JoinOutcome classifies the result of an admission attempt.
type JoinOutcome int

const (
	JoinOutcomeRejected JoinOutcome = iota
	JoinOutcomeJoined
	JoinOutcomeWaiting
)

func (o JoinOutcome) String() string {
	switch o {
	case JoinOutcomeJoined:
		return "joined"
	case JoinOutcomeWaiting:
		return "waiting"
	default:
		return "rejected"
	}
}

// Disconnect reasons the transport passes to Roomer.HandleClientDisconnect.
// Deliberate departures finalize immediately; anything else gets the grace
// window so a flapping network does not churn membership.
const (
	DisconnectReasonClientLeft = "client left"
	DisconnectReasonKicked     = "kicked"
	DisconnectReasonShutdown   = "server shutting down"
	DisconnectReasonRoomSwitch = "room switch"
	DisconnectReasonTransport  = "transport failure"
)

// --- Shared Interfaces ---

// TokenValidator defines the interface for join-token authentication.
type TokenValidator interface {
	ValidateJoinToken(tokenString string) (*auth.JoinClaims, error)
}

// BusService defines the interface for distributed pub/sub messaging.
type BusService interface {
	Publish(ctx context.Context, channelID string, event string, payload any, senderID string, roles []string) error
	PublishDirect(ctx context.Context, targetUserID string, event string, payload any, senderID string) error
	Subscribe(ctx context.Context, channelID string, wg *sync.WaitGroup, handler func(bus.Envelope))
	Close() error
	// Set operations back distributed presence state.
	SetAdd(ctx context.Context, key string, value string) error
	SetRem(ctx context.Context, key string, value string) error
	SetMembers(ctx context.Context, key string) ([]string, error)
}

// SFURouter is the per-room media router surface the signaling core drives.
// Implementations wrap either the in-process engine or a remote SFU.
type SFURouter interface {
	RtpCapabilities(ctx context.Context) (signal.RtpCapabilities, error)
	CreateTransport(ctx context.Context, userID UserID, direction signal.TransportDirection) (*signal.TransportInfo, error)
	ConnectTransport(ctx context.Context, transportID string, dtlsParameters webrtc.DTLSParameters) error
	Produce(ctx context.Context, userID UserID, transportID string, kind string, rtpParameters signal.RtpParameters) (string, error)
	Consume(ctx context.Context, userID UserID, producerID string, rtpCapabilities signal.RtpCapabilities) (*signal.ConsumeResult, error)
	ResumeConsumer(ctx context.Context, consumerID string) error
	RestartICE(ctx context.Context, userID UserID, direction signal.TransportDirection) (webrtc.ICEParameters, error)
	SetProducerPaused(ctx context.Context, producerID string, paused bool) error
	CloseProducer(ctx context.Context, producerID string) error
	CloseUser(ctx context.Context, userID UserID) error
	Close(ctx context.Context) error
}

// SFUProvider hands out per-room routers.
type SFUProvider interface {
	RouterFor(ctx context.Context, channelID ChannelID) (SFURouter, error)
	CloseRouter(ctx context.Context, channelID ChannelID) error
	Close() error
}

// ClientInterface defines the behavior required from a WebSocket client.
// This allows the room package to interact with clients without depending
// on the transport package.
type ClientInterface interface {
	GetUserID() UserID
	GetUserKey() UserKey
	GetSessionID() SessionID
	GetSocketID() SocketID
	GetDisplayName() DisplayName
	SetDisplayName(DisplayName)
	GetRole() RoleType
	SetRole(RoleType)
	GetIsGhost() bool
	SetIsGhost(bool)
	GetIsHandRaised() bool
	SetIsHandRaised(bool)
	// GetJoinClaims exposes the admission claims bound into the socket's
	// join token. Admission trusts these over request payload fields.
	GetJoinClaims() *auth.JoinClaims
	Send(msg *signal.Message)
	SendPriority(msg *signal.Message)
	SendRaw(data []byte)
	Disconnect() // Forcefully close the connection (e.g., when kicked)
}

// Roomer defines the room operations the transport layer drives.
type Roomer interface {
	GetRoomID() RoomID
	GetChannelID() ChannelID
	HandleJoin(ctx context.Context, client ClientInterface, msg *signal.Message) JoinOutcome
	Route(ctx context.Context, client ClientInterface, msg *signal.Message)
	HandleClientDisconnect(client ClientInterface, reason string)
}
