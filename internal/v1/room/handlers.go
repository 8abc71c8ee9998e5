package room

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/voxhall/voxhall/internal/v1/identity"
	"github.com/voxhall/voxhall/internal/v1/logging"
	"github.com/voxhall/voxhall/internal/v1/metrics"
	"github.com/voxhall/voxhall/internal/v1/types"
	"github.com/voxhall/voxhall/pkg/signal"
)

// adminOnlyRequests are rejected up front for non-admin callers so individual
// handlers never re-check the role.
var adminOnlyRequests = set.New[signal.Event](
	signal.RequestLockRoom,
	signal.RequestLockChat,
	signal.RequestSetNoGuests,
	signal.RequestSetTtsDisabled,
	signal.RequestLockApps,
	signal.RequestAdmitUser,
	signal.RequestRejectUser,
	signal.RequestKickUser,
	signal.RequestWebinarGetConfig,
	signal.RequestWebinarUpdateConfig,
	signal.RequestWebinarGenerateLink,
	signal.RequestWebinarRotateLink,
)

// Route dispatches one in-room request. joinRoom never lands here; the
// transport layer sends it through HandleJoin.
func (r *Room) Route(ctx context.Context, client types.ClientInterface, msg *signal.Message) {
	timer := prometheus.NewTimer(metrics.MessageProcessingDuration.WithLabelValues(string(msg.Event)))
	defer timer.ObserveDuration()

	status := r.dispatch(ctx, client, msg)
	metrics.SignalEvents.WithLabelValues(string(msg.Event), status).Inc()
}

func (r *Room) dispatch(ctx context.Context, client types.ClientInterface, msg *signal.Message) string {
	if !r.isMember(client) {
		client.Send(signal.NewErrorAck(msg.ID, signal.Errorf(signal.KindPermissionDenied, "not in this room")))
		return "denied"
	}
	if adminOnlyRequests.Has(msg.Event) && client.GetRole() != types.RoleTypeAdmin {
		client.Send(signal.NewErrorAck(msg.ID, signal.Errorf(signal.KindPermissionDenied, "requires host privileges")))
		return "denied"
	}

	switch msg.Event {
	case signal.RequestCreateProducerTransport:
		r.handleCreateTransport(ctx, client, msg, signal.TransportProducer)
	case signal.RequestCreateConsumerTransport:
		r.handleCreateTransport(ctx, client, msg, signal.TransportConsumer)
	case signal.RequestConnectProducerTransport, signal.RequestConnectConsumerTransport:
		r.handleConnectTransport(ctx, client, msg)
	case signal.RequestProduce:
		r.handleProduce(ctx, client, msg)
	case signal.RequestConsume:
		r.handleConsume(ctx, client, msg)
	case signal.RequestResumeConsumer:
		r.handleResumeConsumer(ctx, client, msg)
	case signal.RequestRestartIce:
		r.handleRestartIce(ctx, client, msg)
	case signal.RequestCloseProducer:
		r.handleCloseProducer(ctx, client, msg)
	case signal.RequestGetProducers:
		r.handleGetProducers(client, msg)
	case signal.RequestToggleMute:
		r.handleSetPaused(ctx, client, msg, signal.MediaKindAudio)
	case signal.RequestToggleCamera:
		r.handleSetPaused(ctx, client, msg, signal.MediaKindVideo)
	case signal.RequestUpdateDisplayName:
		r.handleUpdateDisplayName(client, msg)
	case signal.RequestSendReaction:
		r.handleSendReaction(client, msg)
	case signal.RequestHandRaised:
		r.handleHandRaised(client, msg)
	case signal.RequestSendChatMessage:
		r.handleSendChatMessage(client, msg)
	case signal.RequestTtsMessage:
		r.handleTtsMessage(client, msg)
	case signal.RequestSetActiveApp:
		r.handleSetActiveApp(client, msg)
	case signal.RequestLockApps:
		r.handleLockApps(client, msg)
	case signal.RequestLockRoom:
		r.handleLockRoom(client, msg)
	case signal.RequestLockChat:
		r.handleAdminToggle(client, msg, signal.EventChatLockChanged, &r.isChatLocked)
	case signal.RequestSetNoGuests:
		r.handleAdminToggle(client, msg, signal.EventNoGuestsChanged, &r.noGuests)
	case signal.RequestSetTtsDisabled:
		r.handleAdminToggle(client, msg, signal.EventTtsDisabledChanged, &r.isTtsDisabled)
	case signal.RequestAdmitUser:
		r.handleAdmitUser(client, msg)
	case signal.RequestRejectUser:
		r.handleRejectUser(client, msg)
	case signal.RequestKickUser:
		r.handleKickUser(client, msg)
	case signal.RequestWebinarGetConfig:
		r.handleWebinarGetConfig(client, msg)
	case signal.RequestWebinarUpdateConfig:
		r.handleWebinarUpdateConfig(client, msg)
	case signal.RequestWebinarGenerateLink:
		r.handleWebinarGenerateLink(client, msg)
	case signal.RequestWebinarRotateLink:
		r.handleWebinarRotateLink(client, msg)
	default:
		if msg.IsRequest() {
			client.Send(signal.NewErrorAck(msg.ID, signal.Errorf(signal.KindUnknown, "unsupported event %q", msg.Event)))
		}
		return "unknown"
	}
	return "ok"
}

// isMember reports whether this exact session is the room's active client for
// its userId. A stale socket that was replaced by a reconnect fails this.
func (r *Room) isMember(client types.ClientInterface) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cur, ok := r.clients[client.GetUserID()]
	return ok && cur == client
}

// --- policy toggles ---

// handleAdminToggle is the shared body of lockChat, setNoGuests and
// setTtsDisabled. The target field is only touched under the room lock.
func (r *Room) handleAdminToggle(client types.ClientInterface, msg *signal.Message, event signal.Event, target *bool) {
	var req signal.BoolRequest
	if err := msg.DecodePayload(&req); err != nil {
		client.Send(signal.NewErrorAck(msg.ID, signal.Errorf(signal.KindUnknown, "malformed toggle payload")))
		return
	}

	r.mu.Lock()
	*target = req.Value
	r.broadcastLocked(event, signal.PolicyChangedEvent{
		RoomEvent: r.roomEvent(),
		Value:     req.Value,
	}, nil)
	r.sendAckLocked(client, msg.ID, signal.BoolResult{Success: true, Value: req.Value})
	r.mu.Unlock()

	logging.Info(r.ctx, "Room policy toggled",
		zap.String("channelId", string(r.channelID)),
		zap.String("event", string(event)),
		zap.Bool("value", req.Value),
		zap.String("byUserId", string(client.GetUserID())))
}

// handleLockRoom flips the room lock. Locking snapshots the current members
// and everyone previously admitted into the allow list, so a lock never
// strands a participant who drops and rejoins past the grace window.
func (r *Room) handleLockRoom(client types.ClientInterface, msg *signal.Message) {
	var req signal.BoolRequest
	if err := msg.DecodePayload(&req); err != nil {
		client.Send(signal.NewErrorAck(msg.ID, signal.Errorf(signal.KindUnknown, "malformed toggle payload")))
		return
	}

	r.mu.Lock()
	r.isLocked = req.Value
	if req.Value {
		r.lockedAllowList = make(map[types.UserKey]struct{}, len(r.clients)+len(r.admitted))
		for id := range r.clients {
			r.lockedAllowList[id.Key()] = struct{}{}
		}
		for key := range r.admitted {
			r.lockedAllowList[key] = struct{}{}
		}
	} else {
		r.lockedAllowList = make(map[types.UserKey]struct{})
	}
	r.broadcastLocked(signal.EventRoomLockChanged, signal.PolicyChangedEvent{
		RoomEvent: r.roomEvent(),
		Value:     req.Value,
	}, nil)
	r.sendAckLocked(client, msg.ID, signal.BoolResult{Success: true, Value: req.Value})
	r.mu.Unlock()

	logging.Info(r.ctx, "Room lock changed",
		zap.String("channelId", string(r.channelID)),
		zap.Bool("locked", req.Value),
		zap.String("byUserId", string(client.GetUserID())))
}

// --- apps ---

func (r *Room) handleLockApps(client types.ClientInterface, msg *signal.Message) {
	var req signal.BoolRequest
	if err := msg.DecodePayload(&req); err != nil {
		client.Send(signal.NewErrorAck(msg.ID, signal.Errorf(signal.KindUnknown, "malformed toggle payload")))
		return
	}

	r.mu.Lock()
	r.appsLocked = req.Value
	r.broadcastLocked(signal.EventAppsStateChanged, signal.AppsStateChangedEvent{
		RoomEvent:   r.roomEvent(),
		ActiveAppID: r.activeAppID,
		Locked:      r.appsLocked,
	}, nil)
	r.sendAckLocked(client, msg.ID, signal.BoolResult{Success: true, Value: req.Value})
	r.mu.Unlock()
}

func (r *Room) handleSetActiveApp(client types.ClientInterface, msg *signal.Message) {
	var req signal.SetActiveAppRequest
	if err := msg.DecodePayload(&req); err != nil {
		client.Send(signal.NewErrorAck(msg.ID, signal.Errorf(signal.KindUnknown, "malformed setActiveApp payload")))
		return
	}
	if client.GetRole() == types.RoleTypeWebinarAttendee {
		client.Send(signal.NewErrorAck(msg.ID, signal.Errorf(signal.KindPermissionDenied, "attendees cannot control apps")))
		return
	}

	r.mu.Lock()
	if r.appsLocked && client.GetRole() != types.RoleTypeAdmin {
		r.mu.Unlock()
		client.Send(signal.NewErrorAck(msg.ID, signal.Errorf(signal.KindPermissionDenied, "apps are locked")))
		return
	}
	r.activeAppID = req.AppID
	r.broadcastLocked(signal.EventAppsStateChanged, signal.AppsStateChangedEvent{
		RoomEvent:   r.roomEvent(),
		ActiveAppID: r.activeAppID,
		Locked:      r.appsLocked,
	}, nil)
	r.sendAckLocked(client, msg.ID, signal.SuccessResult{Success: true})
	r.mu.Unlock()
}

// --- waiting room decisions ---

func (r *Room) handleAdmitUser(client types.ClientInterface, msg *signal.Message) {
	var req signal.TargetUserRequest
	if err := msg.DecodePayload(&req); err != nil {
		client.Send(signal.NewErrorAck(msg.ID, signal.Errorf(signal.KindUnknown, "malformed admitUser payload")))
		return
	}
	key := types.UserKey(req.UserID)

	r.mu.Lock()
	elem, ok := r.pendingIndex[key]
	if !ok {
		r.mu.Unlock()
		client.Send(signal.NewErrorAck(msg.ID, signal.Errorf(signal.KindUnknown, "user %q is not waiting", req.UserID)))
		return
	}
	waiter := elem.Value.(types.ClientInterface)

	r.admitted[key] = struct{}{}
	if r.isLocked {
		r.lockedAllowList[key] = struct{}{}
	}
	r.pending.Remove(elem)
	delete(r.pendingIndex, key)

	// The waiter re-issues joinRoom on joinApproved; the admitted set lets
	// that second attempt through without another approval round.
	r.sendEventTo(waiter, signal.EventJoinApproved, signal.JoinDecisionEvent{RoomEvent: r.roomEvent()})
	r.broadcastLocked(signal.EventUserAdmitted, signal.PendingUserEvent{
		RoomEvent: r.roomEvent(),
		UserKey:   string(key),
	}, rolesAdmins)
	r.sendAckLocked(client, msg.ID, signal.SuccessResult{Success: true})
	r.mu.Unlock()

	logging.Info(r.ctx, "User admitted from waiting room",
		zap.String("channelId", string(r.channelID)),
		zap.String("userKey", string(key)),
		zap.String("byUserId", string(client.GetUserID())))
}

func (r *Room) handleRejectUser(client types.ClientInterface, msg *signal.Message) {
	var req signal.TargetUserRequest
	if err := msg.DecodePayload(&req); err != nil {
		client.Send(signal.NewErrorAck(msg.ID, signal.Errorf(signal.KindUnknown, "malformed rejectUser payload")))
		return
	}
	key := types.UserKey(req.UserID)

	r.mu.Lock()
	elem, ok := r.pendingIndex[key]
	if !ok {
		r.mu.Unlock()
		client.Send(signal.NewErrorAck(msg.ID, signal.Errorf(signal.KindUnknown, "user %q is not waiting", req.UserID)))
		return
	}
	waiter := elem.Value.(types.ClientInterface)

	r.pending.Remove(elem)
	delete(r.pendingIndex, key)

	r.sendEventTo(waiter, signal.EventJoinRejected, signal.JoinDecisionEvent{
		RoomEvent: r.roomEvent(),
		Reason:    "rejected by host",
	})
	r.broadcastLocked(signal.EventUserRejected, signal.PendingUserEvent{
		RoomEvent: r.roomEvent(),
		UserKey:   string(key),
	}, rolesAdmins)
	r.sendAckLocked(client, msg.ID, signal.SuccessResult{Success: true})
	empty := r.isEmptyLocked()
	if empty {
		r.scheduleCleanupLocked()
	}
	r.mu.Unlock()

	waiter.Disconnect()

	logging.Info(r.ctx, "User rejected from waiting room",
		zap.String("channelId", string(r.channelID)),
		zap.String("userKey", string(key)),
		zap.String("byUserId", string(client.GetUserID())))
}

func (r *Room) handleKickUser(client types.ClientInterface, msg *signal.Message) {
	var req signal.TargetUserRequest
	if err := msg.DecodePayload(&req); err != nil {
		client.Send(signal.NewErrorAck(msg.ID, signal.Errorf(signal.KindUnknown, "malformed kickUser payload")))
		return
	}
	id := types.UserID(req.UserID)

	r.mu.Lock()
	target, ok := r.clients[id]
	if !ok {
		r.mu.Unlock()
		client.Send(signal.NewErrorAck(msg.ID, signal.Errorf(signal.KindUnknown, "user %q is not in this room", req.UserID)))
		return
	}
	if target == client {
		r.mu.Unlock()
		client.Send(signal.NewErrorAck(msg.ID, signal.Errorf(signal.KindPermissionDenied, "cannot kick yourself")))
		return
	}

	// Revoke standing approvals so a kicked user cannot slip back in through
	// the admitted set or a lock allow list.
	key := id.Key()
	delete(r.admitted, key)
	delete(r.lockedAllowList, key)

	r.sendTerminalEventTo(target, signal.EventKicked, signal.TerminalEvent{
		RoomEvent: r.roomEvent(),
		Reason:    "removed by host",
	})
	r.removeClientLocked(target, types.DisconnectReasonKicked)
	r.sendAckLocked(client, msg.ID, signal.SuccessResult{Success: true})
	r.mu.Unlock()

	target.Disconnect()

	logging.Info(r.ctx, "User kicked",
		zap.String("channelId", string(r.channelID)),
		zap.String("userId", string(id)),
		zap.String("byUserId", string(client.GetUserID())))
}

// --- identity ---

func (r *Room) handleUpdateDisplayName(client types.ClientInterface, msg *signal.Message) {
	var req signal.UpdateDisplayNameRequest
	if err := msg.DecodePayload(&req); err != nil {
		client.Send(signal.NewErrorAck(msg.ID, signal.Errorf(signal.KindUnknown, "malformed updateDisplayName payload")))
		return
	}
	if !r.policy.AllowDisplayNameUpdate {
		client.Send(signal.NewErrorAck(msg.ID, signal.Errorf(signal.KindPermissionDenied, "display name changes are disabled")))
		return
	}

	name := identity.SanitizeDisplayName(req.DisplayName, string(client.GetDisplayName()), r.maxDisplayNameLength)

	r.mu.Lock()
	client.SetDisplayName(name)
	var roles set.Set[types.RoleType]
	if client.GetIsGhost() {
		roles = rolesGhostAware
	}
	r.broadcastLocked(signal.EventDisplayNameUpdated, signal.DisplayNameUpdatedEvent{
		RoomEvent:   r.roomEvent(),
		UserID:      string(client.GetUserID()),
		UserKey:     string(client.GetUserKey()),
		DisplayName: string(name),
	}, roles)
	r.sendAckLocked(client, msg.ID, signal.SuccessResult{Success: true})
	r.mu.Unlock()
}
