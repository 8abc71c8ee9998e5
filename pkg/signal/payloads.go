package signal

import (
	"encoding/json"

	"github.com/pion/webrtc/v3"
)

// Join outcome as reported in the JoinRoomResult.
const (
	JoinStatusJoined  = "joined"
	JoinStatusWaiting = "waiting"
)

// Media kinds and producer source types.
const (
	MediaKindAudio = "audio"
	MediaKindVideo = "video"

	ProducerTypeWebcam = "webcam"
	ProducerTypeScreen = "screen"
)

// Video quality tiers broadcast via setVideoQuality.
const (
	QualityStandard = "standard"
	QualityLow      = "low"
)

// TransportDirection names which of a session's two transports an operation
// targets.
type TransportDirection string

const (
	TransportProducer TransportDirection = "producer"
	TransportConsumer TransportDirection = "consumer"
)

// RtpCapabilities and RtpParameters are opaque SFU blobs the signaling core
// relays without inspecting.
type (
	RtpCapabilities = json.RawMessage
	RtpParameters   = json.RawMessage
)

// JoinRoomRequest asks to enter a room. The session id must match the one
// bound into the socket's join token.
type JoinRoomRequest struct {
	RoomID            string `json:"roomId"`
	SessionID         string `json:"sessionId"`
	DisplayName       string `json:"displayName,omitempty"`
	Ghost             bool   `json:"ghost,omitempty"`
	WebinarInviteCode string `json:"webinarInviteCode,omitempty"`
	MeetingInviteCode string `json:"meetingInviteCode,omitempty"`
}

// JoinRoomResult reports the admission outcome together with the room
// snapshot a freshly joined (or waiting) client needs.
type JoinRoomResult struct {
	RoomID            string          `json:"roomId"`
	Status            string          `json:"status"`
	RtpCapabilities   RtpCapabilities `json:"rtpCapabilities,omitempty"`
	ExistingProducers []ProducerInfo  `json:"existingProducers,omitempty"`
	HostUserID        string          `json:"hostUserId,omitempty"`
	IsLocked          bool            `json:"isLocked"`
	IsChatLocked      bool            `json:"isChatLocked"`
	IsTtsDisabled     bool            `json:"isTtsDisabled"`
	Reconnected       bool            `json:"reconnected,omitempty"`
	WaitingReason     string          `json:"waitingReason,omitempty"`
	WebinarRole       string          `json:"webinarRole,omitempty"`
	WebinarFeedMode   string          `json:"webinarFeedMode,omitempty"`
	WebinarAttendees  int             `json:"webinarAttendees,omitempty"`
}

// ProducerInfo describes one producer in room snapshots and fan-out events.
type ProducerInfo struct {
	ProducerID string `json:"producerId"`
	UserID     string `json:"userId"`
	Kind       string `json:"kind"`
	Type       string `json:"type"`
	Paused     bool   `json:"paused"`
}

// TransportInfo carries the SFU-side parameters a client needs to construct
// its send or receive transport. RTP-level details stay opaque.
type TransportInfo struct {
	ID             string                    `json:"id"`
	IceParameters  webrtc.ICEParameters      `json:"iceParameters"`
	IceCandidates  []webrtc.ICECandidateInit `json:"iceCandidates"`
	IceServers     []webrtc.ICEServer        `json:"iceServers,omitempty"`
	DtlsParameters webrtc.DTLSParameters     `json:"dtlsParameters"`
}

// ConnectTransportRequest completes the DTLS handshake for a transport.
type ConnectTransportRequest struct {
	TransportID    string                `json:"transportId"`
	DtlsParameters webrtc.DTLSParameters `json:"dtlsParameters"`
}

// ProduceRequest publishes a new outbound track.
type ProduceRequest struct {
	TransportID   string         `json:"transportId"`
	Kind          string         `json:"kind"`
	RtpParameters RtpParameters  `json:"rtpParameters"`
	AppData       ProduceAppData `json:"appData"`
}

// ProduceAppData distinguishes webcam from screen producers and carries the
// initial pause state.
type ProduceAppData struct {
	Type   string `json:"type"`
	Paused bool   `json:"paused"`
}

// ProduceResult returns the id of the newly created producer.
type ProduceResult struct {
	ProducerID string `json:"producerId"`
}

// ConsumeRequest subscribes to a producer.
type ConsumeRequest struct {
	ProducerID      string          `json:"producerId"`
	RtpCapabilities RtpCapabilities `json:"rtpCapabilities"`
}

// ConsumeResult carries the consumer parameters for the receive transport.
type ConsumeResult struct {
	ID            string        `json:"id"`
	ProducerID    string        `json:"producerId"`
	Kind          string        `json:"kind"`
	RtpParameters RtpParameters `json:"rtpParameters"`
}

// ResumeConsumerRequest unpauses a server-side consumer.
type ResumeConsumerRequest struct {
	ConsumerID string `json:"consumerId"`
}

// RestartIceRequest asks for fresh ICE parameters on one transport.
type RestartIceRequest struct {
	Transport TransportDirection `json:"transport"`
}

// RestartIceResult returns the new ICE parameters to apply locally.
type RestartIceResult struct {
	IceParameters webrtc.ICEParameters `json:"iceParameters"`
}

// CloseProducerRequest tears down a producer the caller owns.
type CloseProducerRequest struct {
	ProducerID string `json:"producerId"`
}

// PauseRequest flips the paused bit of a producer (mute / camera-off).
type PauseRequest struct {
	ProducerID string `json:"producerId"`
	Paused     bool   `json:"paused"`
}

// UpdateDisplayNameRequest renames the caller.
type UpdateDisplayNameRequest struct {
	DisplayName string `json:"displayName"`
}

// ReactionRequest sends an ephemeral reaction to the room.
type ReactionRequest struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
	Label string `json:"label,omitempty"`
}

// HandRaisedRequest raises or lowers the caller's hand.
type HandRaisedRequest struct {
	Raised bool `json:"raised"`
}

// ChatMessageRequest sends a chat message to the room.
type ChatMessageRequest struct {
	Message string `json:"message"`
}

// TtsMessageRequest asks the room to speak the given text aloud.
type TtsMessageRequest struct {
	Text string `json:"text"`
}

// SetActiveAppRequest switches the room's embedded app.
type SetActiveAppRequest struct {
	AppID string `json:"appId"`
}

// BoolRequest is the shared shape of the admin toggles
// (lockRoom, lockChat, setNoGuests, setTtsDisabled, lockApps).
type BoolRequest struct {
	Value bool `json:"value"`
}

// BoolResult acknowledges an admin toggle with the applied value.
type BoolResult struct {
	Success bool `json:"success"`
	Value   bool `json:"value"`
}

// SuccessResult is the minimal ack body.
type SuccessResult struct {
	Success bool `json:"success"`
}

// TargetUserRequest is the shared shape of admitUser, rejectUser and
// kickUser. Admission ops target the stable userKey; kick targets the
// session-scoped userId.
type TargetUserRequest struct {
	UserID string `json:"userId"`
}

// WebinarConfig is the wire snapshot of a room's webinar settings. The
// invite code itself never leaves the server; only its presence is exposed.
type WebinarConfig struct {
	Enabled       bool   `json:"enabled"`
	PublicAccess  bool   `json:"publicAccess"`
	Locked        bool   `json:"locked"`
	MaxAttendees  int    `json:"maxAttendees"`
	HasInviteCode bool   `json:"hasInviteCode"`
	LinkVersion   int    `json:"linkVersion"`
	FeedMode      string `json:"feedMode"`
}

// WebinarUpdateConfigRequest applies a partial webinar config update.
// Nil fields keep their current value.
type WebinarUpdateConfigRequest struct {
	Enabled      *bool   `json:"enabled,omitempty"`
	PublicAccess *bool   `json:"publicAccess,omitempty"`
	Locked       *bool   `json:"locked,omitempty"`
	MaxAttendees *int    `json:"maxAttendees,omitempty"`
	InviteCode   *string `json:"inviteCode,omitempty"`
}

// WebinarLinkResult returns the canonical attendee link.
type WebinarLinkResult struct {
	Link        string `json:"link"`
	LinkVersion int    `json:"linkVersion"`
}

// GetProducersResult lists the producers currently visible to the caller.
type GetProducersResult struct {
	Producers []ProducerInfo `json:"producers"`
}

// --- Event payloads ---

// RoomEvent is embedded by every room-scoped event payload.
type RoomEvent struct {
	RoomID string `json:"roomId"`
}

// UserJoinedEvent announces a new participant. Reconnections within the
// disconnect grace window do not produce this event.
type UserJoinedEvent struct {
	RoomEvent
	UserID      string `json:"userId"`
	UserKey     string `json:"userKey"`
	DisplayName string `json:"displayName"`
	Ghost       bool   `json:"ghost,omitempty"`
}

// UserLeftEvent announces a departure after disconnect finalization.
type UserLeftEvent struct {
	RoomEvent
	UserID  string `json:"userId"`
	UserKey string `json:"userKey"`
}

// DisplayNameSnapshotEvent carries the room's userKey → displayName map.
type DisplayNameSnapshotEvent struct {
	RoomEvent
	Names map[string]string `json:"names"`
}

// DisplayNameUpdatedEvent announces a rename.
type DisplayNameUpdatedEvent struct {
	RoomEvent
	UserID      string `json:"userId"`
	UserKey     string `json:"userKey"`
	DisplayName string `json:"displayName"`
}

// PendingUser describes one waiting-room entry.
type PendingUser struct {
	UserKey     string `json:"userKey"`
	DisplayName string `json:"displayName"`
}

// PendingUsersSnapshotEvent carries the full waiting room, sent to admins.
type PendingUsersSnapshotEvent struct {
	RoomEvent
	Pending []PendingUser `json:"pending"`
}

// UserRequestedJoinEvent notifies admins of a new waiting-room entry.
type UserRequestedJoinEvent struct {
	RoomEvent
	UserKey     string `json:"userKey"`
	DisplayName string `json:"displayName"`
}

// PendingUserEvent is the shared shape of userAdmitted, userRejected and
// pendingUserLeft.
type PendingUserEvent struct {
	RoomEvent
	UserKey string `json:"userKey"`
}

// JoinDecisionEvent is sent to a waiting client when an admin decides
// (joinApproved / joinRejected).
type JoinDecisionEvent struct {
	RoomEvent
	Reason string `json:"reason,omitempty"`
}

// WaitingRoomStatusEvent updates a waiting client about its situation,
// e.g. that no admin is present to admit it.
type WaitingRoomStatusEvent struct {
	RoomEvent
	Status string `json:"status"`
}

// Waiting room status values.
const (
	WaitingStatusQueued   = "queued"
	WaitingStatusNoAdmins = "noAdmins"
	WaitingStatusLocked   = "locked"
)

// Waiting reasons reported in a waiting join result.
const (
	WaitingReasonLocked   = "locked"
	WaitingReasonApproval = "approval"
)

// HostChangedEvent announces the current host (hostAssigned targets the
// promoted client, hostChanged broadcasts to the room).
type HostChangedEvent struct {
	RoomEvent
	HostUserID  string `json:"hostUserId"`
	HostUserKey string `json:"hostUserKey"`
}

// PolicyChangedEvent is the shared shape of roomLockChanged,
// noGuestsChanged, chatLockChanged and ttsDisabledChanged.
type PolicyChangedEvent struct {
	RoomEvent
	Value bool `json:"value"`
}

// PauseChangedEvent is the shared shape of participantMuted and
// participantCameraOff.
type PauseChangedEvent struct {
	RoomEvent
	UserID     string `json:"userId"`
	ProducerID string `json:"producerId"`
	Paused     bool   `json:"paused"`
}

// HandRaisedEvent announces a hand state change.
type HandRaisedEvent struct {
	RoomEvent
	UserID string `json:"userId"`
	Raised bool   `json:"raised"`
}

// HandRaisedSnapshotEvent carries all currently raised hands, sent on join.
type HandRaisedSnapshotEvent struct {
	RoomEvent
	UserIDs []string `json:"userIds"`
}

// NewProducerEvent announces a producer other clients may consume.
type NewProducerEvent struct {
	RoomEvent
	ProducerInfo
}

// ProducerClosedEvent retracts a producer.
type ProducerClosedEvent struct {
	RoomEvent
	ProducerID string `json:"producerId"`
	UserID     string `json:"userId"`
}

// ReactionEvent fans out an ephemeral reaction.
type ReactionEvent struct {
	RoomEvent
	UserID    string `json:"userId"`
	Kind      string `json:"kind"`
	Value     string `json:"value"`
	Label     string `json:"label,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// ChatMessageEvent delivers a sanitized chat message.
type ChatMessageEvent struct {
	RoomEvent
	UserID      string `json:"userId"`
	UserKey     string `json:"userKey"`
	DisplayName string `json:"displayName"`
	Message     string `json:"message"`
	Timestamp   int64  `json:"timestamp"`
}

// TtsMessageEvent delivers text for client-side speech synthesis.
type TtsMessageEvent struct {
	RoomEvent
	UserID string `json:"userId"`
	Text   string `json:"text"`
}

// VideoQualityEvent announces the room-wide quality tier.
type VideoQualityEvent struct {
	RoomEvent
	Quality string `json:"quality"`
}

// TerminalEvent is the shared shape of kicked and roomClosed.
type TerminalEvent struct {
	RoomEvent
	Reason string `json:"reason"`
}

// RedirectEvent points the client at another instance (drain mode).
type RedirectEvent struct {
	RoomEvent
	URL string `json:"url"`
}

// AppsStateChangedEvent announces the embedded-app state.
type AppsStateChangedEvent struct {
	RoomEvent
	ActiveAppID string `json:"activeAppId"`
	Locked      bool   `json:"locked"`
}

// WebinarConfigChangedEvent broadcasts the new webinar snapshot to admins.
type WebinarConfigChangedEvent struct {
	RoomEvent
	Config WebinarConfig `json:"config"`
}

// WebinarAttendeeCountEvent tracks seat usage against the quota.
type WebinarAttendeeCountEvent struct {
	RoomEvent
	Count int `json:"count"`
	Max   int `json:"max"`
}

// WebinarFeedChangedEvent tells attendees to resync via getProducers.
type WebinarFeedChangedEvent struct {
	RoomEvent
}
