package signal

// Requests (client → server). Every request is acknowledged.
const (
	RequestJoinRoom                 Event = "joinRoom"
	RequestCreateProducerTransport  Event = "createProducerTransport"
	RequestCreateConsumerTransport  Event = "createConsumerTransport"
	RequestConnectProducerTransport Event = "connectProducerTransport"
	RequestConnectConsumerTransport Event = "connectConsumerTransport"
	RequestProduce                  Event = "produce"
	RequestConsume                  Event = "consume"
	RequestResumeConsumer           Event = "resumeConsumer"
	RequestRestartIce               Event = "restartIce"
	RequestCloseProducer            Event = "closeProducer"
	RequestToggleMute               Event = "toggleMute"
	RequestToggleCamera             Event = "toggleCamera"
	RequestUpdateDisplayName        Event = "updateDisplayName"
	RequestSendReaction             Event = "sendReaction"
	RequestHandRaised               Event = "handRaised"
	RequestSendChatMessage          Event = "sendChatMessage"
	RequestTtsMessage               Event = "ttsMessage"
	RequestSetActiveApp             Event = "setActiveApp"
	RequestLockApps                 Event = "lockApps"
	RequestLockRoom                 Event = "lockRoom"
	RequestLockChat                 Event = "lockChat"
	RequestSetNoGuests              Event = "setNoGuests"
	RequestSetTtsDisabled           Event = "setTtsDisabled"
	RequestAdmitUser                Event = "admitUser"
	RequestRejectUser               Event = "rejectUser"
	RequestKickUser                 Event = "kickUser"
	RequestWebinarGetConfig         Event = "webinar:getConfig"
	RequestWebinarUpdateConfig      Event = "webinar:updateConfig"
	RequestWebinarGenerateLink      Event = "webinar:generateLink"
	RequestWebinarRotateLink        Event = "webinar:rotateLink"
	RequestGetProducers             Event = "getProducers"
)

// Events (server → client). Room-scoped events carry the roomId.
const (
	EventUserJoined           Event = "userJoined"
	EventUserLeft             Event = "userLeft"
	EventDisplayNameSnapshot  Event = "displayNameSnapshot"
	EventDisplayNameUpdated   Event = "displayNameUpdated"
	EventPendingUsersSnapshot Event = "pendingUsersSnapshot"
	EventUserRequestedJoin    Event = "userRequestedJoin"
	EventUserAdmitted         Event = "userAdmitted"
	EventUserRejected         Event = "userRejected"
	EventPendingUserLeft      Event = "pendingUserLeft"
	EventJoinApproved         Event = "joinApproved"
	EventJoinRejected         Event = "joinRejected"
	EventWaitingRoomStatus    Event = "waitingRoomStatus"
	EventHostAssigned         Event = "hostAssigned"
	EventHostChanged          Event = "hostChanged"
	EventRoomLockChanged      Event = "roomLockChanged"
	EventNoGuestsChanged      Event = "noGuestsChanged"
	EventChatLockChanged      Event = "chatLockChanged"
	EventTtsDisabledChanged   Event = "ttsDisabledChanged"
	EventParticipantMuted     Event = "participantMuted"
	EventParticipantCameraOff Event = "participantCameraOff"
	EventHandRaised           Event = "handRaised"
	EventHandRaisedSnapshot   Event = "handRaisedSnapshot"
	EventNewProducer          Event = "newProducer"
	EventProducerClosed       Event = "producerClosed"
	EventReaction             Event = "reaction"
	EventChatMessage          Event = "chatMessage"
	EventTtsMessage           Event = "onTtsMessage"
	EventSetVideoQuality      Event = "setVideoQuality"
	EventKicked               Event = "kicked"
	EventRoomClosed           Event = "roomClosed"
	EventRedirect             Event = "redirect"
	EventAppsStateChanged     Event = "appsStateChanged"
	EventWebinarConfigChanged Event = "webinar:configChanged"
	EventWebinarAttendeeCount Event = "webinar:attendeeCountChanged"
	EventWebinarFeedChanged   Event = "webinar:feedChanged"
)
