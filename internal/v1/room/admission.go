package room

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/voxhall/voxhall/internal/v1/auth"
	"github.com/voxhall/voxhall/internal/v1/identity"
	"github.com/voxhall/voxhall/internal/v1/logging"
	"github.com/voxhall/voxhall/internal/v1/metrics"
	"github.com/voxhall/voxhall/internal/v1/types"
	"github.com/voxhall/voxhall/pkg/signal"
)

// HandleJoin runs the admission decision for one joinRoom request. The whole
// decision, the membership mutation and the event fan-out happen under the
// room lock, so concurrent joins of the same room serialize and every client
// observes a consistent order of userJoined events. The ack is enqueued on
// the requester's socket after the fan-out events, never before.
func (r *Room) HandleJoin(ctx context.Context, client types.ClientInterface, msg *signal.Message) types.JoinOutcome {
	var req signal.JoinRoomRequest
	if err := msg.DecodePayload(&req); err != nil {
		return r.rejectJoin(client, msg.ID, signal.Errorf(signal.KindUnknown, "malformed joinRoom request"))
	}
	if types.RoomID(req.RoomID) != r.roomID {
		return r.rejectJoin(client, msg.ID, signal.Errorf(signal.KindUnknown, "room %q is not served by this channel", req.RoomID))
	}
	if types.SessionID(req.SessionID) != client.GetSessionID() {
		return r.rejectJoin(client, msg.ID, signal.Errorf(signal.KindPermissionDenied, "session id does not match the join token"))
	}

	// Fetched outside the lock: the first call may hit a remote SFU.
	caps := r.rtpCapabilities(ctx)

	claims := client.GetJoinClaims()
	if claims == nil {
		claims = &auth.JoinClaims{JoinMode: auth.JoinModeMeeting}
	}

	if req.DisplayName != "" {
		name := identity.SanitizeDisplayName(req.DisplayName, string(client.GetDisplayName()), r.maxDisplayNameLength)
		client.SetDisplayName(name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return r.rejectJoinLocked(client, msg.ID, signal.Errorf(signal.KindUnknown, "room is closed"))
	}

	// A second connection for the same session replaces the old one in
	// place: no join or leave events, role preserved.
	if existing, ok := r.clients[client.GetUserID()]; ok {
		if existing.GetSocketID() == client.GetSocketID() {
			// Same socket re-issuing joinRoom; treat as a snapshot refresh.
			r.ackJoinLocked(client, msg.ID, caps, signal.JoinStatusJoined, "", false)
			return types.JoinOutcomeJoined
		}
		r.replaceSessionLocked(existing, client)
		r.ackJoinLocked(client, msg.ID, caps, signal.JoinStatusJoined, "", false)
		metrics.AdmissionDecisions.WithLabelValues("joined").Inc()
		return types.JoinOutcomeJoined
	}

	// A join landing inside the disconnect grace window of another session
	// of the same principal is a reconnection: it resumes the old seat,
	// skips the rest of the decision tree and fans out no userJoined.
	if oldID, ok := r.graceSessionLocked(client.GetUserKey()); ok {
		r.resumeSessionLocked(oldID, client)
		r.ackJoinLocked(client, msg.ID, caps, signal.JoinStatusJoined, "", true)
		metrics.AdmissionDecisions.WithLabelValues("joined").Inc()
		metrics.Reconnections.Inc()
		return types.JoinOutcomeJoined
	}

	if claims.JoinMode == auth.JoinModeWebinarAttendee {
		return r.admitAttendeeLocked(client, msg.ID, caps, claims, &req)
	}
	return r.admitMeetingLocked(client, msg.ID, caps, claims, &req)
}

// admitAttendeeLocked seats a watch-only webinar attendee.
func (r *Room) admitAttendeeLocked(client types.ClientInterface, msgID uint64, caps signal.RtpCapabilities, claims *auth.JoinClaims, req *signal.JoinRoomRequest) types.JoinOutcome {
	if !r.webinar.enabled {
		return r.rejectJoinLocked(client, msgID, signal.Errorf(signal.KindPermissionDenied, "webinar mode is not enabled for this room"))
	}
	if !r.webinar.publicAccess && claims.LinkVersion != r.webinar.linkVersion {
		// The HTTP join endpoint verified the link signature; the version
		// is re-checked here so a rotation between the two steps bites.
		return r.rejectJoinLocked(client, msgID, signal.Errorf(signal.KindPermissionDenied, "this webinar link is no longer valid"))
	}
	if r.webinar.inviteCodeHash != "" && !codeMatches(r.webinar.inviteCodeHash, req.WebinarInviteCode) {
		return r.rejectJoinLocked(client, msgID, signal.Errorf(signal.KindPermissionDenied, "invalid invite code"))
	}
	if r.webinar.locked {
		return r.rejectJoinLocked(client, msgID, signal.Errorf(signal.KindPermissionDenied, "the webinar is locked"))
	}
	if r.attendeeCountLocked() >= r.webinar.maxAttendees {
		return r.rejectJoinLocked(client, msgID, signal.Errorf(signal.KindPermissionDenied, "the webinar is full"))
	}

	r.finalizeJoinLocked(client, types.RoleTypeWebinarAttendee, false)
	r.ackJoinLocked(client, msgID, caps, signal.JoinStatusJoined, "", false)
	metrics.AdmissionDecisions.WithLabelValues("joined").Inc()
	return types.JoinOutcomeJoined
}

// admitMeetingLocked runs the meeting-mode decision tree.
func (r *Room) admitMeetingLocked(client types.ClientInterface, msgID uint64, caps signal.RtpCapabilities, claims *auth.JoinClaims, req *signal.JoinRoomRequest) types.JoinOutcome {
	key := client.GetUserKey()

	if r.creatingJoinLocked() && !claims.IsHost && !r.policy.AllowNonHostRoomCreation {
		return r.rejectJoinLocked(client, msgID, signal.Errorf(signal.KindPermissionDenied, "room %q does not exist", r.roomID))
	}

	ghostRequested := req.Ghost && claims.IsHost

	// The returning primary host takes the seat back directly, even
	// through a lock or an armed cleanup timer.
	if r.hostKey != "" && key == r.hostKey && !ghostRequested {
		r.finalizeJoinLocked(client, types.RoleTypeAdmin, false)
		r.ackJoinLocked(client, msgID, caps, signal.JoinStatusJoined, "", false)
		metrics.AdmissionDecisions.WithLabelValues("joined").Inc()
		return types.JoinOutcomeJoined
	}

	if claims.IsHost && r.policy.AllowHostJoin && !ghostRequested {
		if r.creatingJoinLocked() && req.MeetingInviteCode != "" {
			// The creating host may arm the room with an invite code.
			r.inviteCodeHash = hashInviteCode(req.MeetingInviteCode)
		}
		r.finalizeJoinLocked(client, types.RoleTypeAdmin, false)
		r.ackJoinLocked(client, msgID, caps, signal.JoinStatusJoined, "", false)
		metrics.AdmissionDecisions.WithLabelValues("joined").Inc()
		return types.JoinOutcomeJoined
	}

	if r.inviteCodeHash != "" && !codeMatches(r.inviteCodeHash, req.MeetingInviteCode) {
		return r.rejectJoinLocked(client, msgID, signal.Errorf(signal.KindPermissionDenied, "invalid invite code"))
	}

	if r.noGuests && key.IsGuest() {
		return r.rejectJoinLocked(client, msgID, signal.Errorf(signal.KindPermissionDenied, "guests are not allowed in this room"))
	}

	if r.isLocked {
		if _, allowed := r.lockedAllowList[key]; !allowed {
			r.placeInWaitingLocked(client, msgID, caps, signal.WaitingReasonLocked)
			return types.JoinOutcomeWaiting
		}
	}

	if r.policy.UseWaitingRoom && !ghostRequested {
		if _, ok := r.admitted[key]; !ok {
			r.placeInWaitingLocked(client, msgID, caps, signal.WaitingReasonApproval)
			return types.JoinOutcomeWaiting
		}
	}

	r.finalizeJoinLocked(client, types.RoleTypeParticipant, ghostRequested)
	r.ackJoinLocked(client, msgID, caps, signal.JoinStatusJoined, "", false)
	metrics.AdmissionDecisions.WithLabelValues("joined").Inc()
	return types.JoinOutcomeJoined
}

// creatingJoinLocked reports whether this join is the one bringing the room
// to life, before any member or waiter exists.
func (r *Room) creatingJoinLocked() bool {
	return len(r.clients) == 0 && r.pending.Len() == 0 && len(r.disconnects) == 0
}

// finalizeJoinLocked inserts the client, fans out presence, refreshes the
// joiner's view of room state and re-evaluates host, feed and quality.
func (r *Room) finalizeJoinLocked(client types.ClientInterface, role types.RoleType, ghost bool) {
	client.SetRole(role)
	client.SetIsGhost(ghost)

	id := client.GetUserID()
	r.clients[id] = client
	r.orderIndex[id] = r.order.PushBack(id)

	logging.Info(r.ctx, "Client joined room",
		zap.String("channelId", string(r.channelID)),
		zap.String("userId", string(id)),
		zap.String("role", string(role)),
		zap.Bool("ghost", ghost))

	switch {
	case role == types.RoleTypeWebinarAttendee:
		// Attendees are audience, not floor presence.
		r.broadcastAttendeeCountLocked()
	case ghost:
		r.broadcastExceptLocked(signal.EventUserJoined, signal.UserJoinedEvent{
			RoomEvent:   r.roomEvent(),
			UserID:      string(id),
			UserKey:     string(client.GetUserKey()),
			DisplayName: string(client.GetDisplayName()),
			Ghost:       true,
		}, rolesGhostAware, id)
	default:
		r.broadcastExceptLocked(signal.EventUserJoined, signal.UserJoinedEvent{
			RoomEvent:   r.roomEvent(),
			UserID:      string(id),
			UserKey:     string(client.GetUserKey()),
			DisplayName: string(client.GetDisplayName()),
		}, nil, id)
	}

	r.sendStateSnapshotsLocked(client)

	if role == types.RoleTypeAdmin {
		if r.hostKey == "" {
			r.hostKey = client.GetUserKey()
		}
		r.mirrorAdminPresence(true, client.GetUserKey())
		r.cancelCleanupLocked()
		if client.GetUserKey() == r.hostKey {
			r.broadcastLocked(signal.EventHostChanged, signal.HostChangedEvent{
				RoomEvent:   r.roomEvent(),
				HostUserID:  string(id),
				HostUserKey: string(r.hostKey),
			}, nil)
		}
	}

	r.ensureHostLocked()
	r.recomputeQualityLocked()
	r.recomputeFeedLocked()
	r.updateGaugesLocked()
}

// sendStateSnapshotsLocked brings one client up to date after it joins or is
// promoted: display names, raised hands, app state, quality tier and, for
// admins, the waiting room.
func (r *Room) sendStateSnapshotsLocked(client types.ClientInterface) {
	admin := client.GetRole() == types.RoleTypeAdmin

	names := make(map[string]string, len(r.clients))
	for _, c := range r.clients {
		if c.GetIsGhost() && !admin && !client.GetIsGhost() {
			continue
		}
		names[string(c.GetUserKey())] = string(c.GetDisplayName())
	}
	r.sendEventTo(client, signal.EventDisplayNameSnapshot, signal.DisplayNameSnapshotEvent{
		RoomEvent: r.roomEvent(),
		Names:     names,
	})

	var raised []string
	for _, c := range r.clients {
		if c.GetIsHandRaised() {
			raised = append(raised, string(c.GetUserID()))
		}
	}
	r.sendEventTo(client, signal.EventHandRaisedSnapshot, signal.HandRaisedSnapshotEvent{
		RoomEvent: r.roomEvent(),
		UserIDs:   raised,
	})

	if r.activeAppID != "" || r.appsLocked {
		r.sendEventTo(client, signal.EventAppsStateChanged, signal.AppsStateChangedEvent{
			RoomEvent:   r.roomEvent(),
			ActiveAppID: r.activeAppID,
			Locked:      r.appsLocked,
		})
	}

	if r.quality != signal.QualityStandard {
		r.sendEventTo(client, signal.EventSetVideoQuality, signal.VideoQualityEvent{
			RoomEvent: r.roomEvent(),
			Quality:   r.quality,
		})
	}

	if admin {
		r.sendPendingSnapshotLocked(client)
		r.sendEventTo(client, signal.EventWebinarConfigChanged, signal.WebinarConfigChangedEvent{
			RoomEvent: r.roomEvent(),
			Config:    r.webinarConfigLocked(),
		})
	}
}

// ackJoinLocked enqueues the join result after any fan-out events already on
// the socket's queue.
func (r *Room) ackJoinLocked(client types.ClientInterface, msgID uint64, caps signal.RtpCapabilities, status, waitingReason string, reconnected bool) {
	result := signal.JoinRoomResult{
		RoomID:          string(r.roomID),
		Status:          status,
		RtpCapabilities: caps,
		IsLocked:        r.isLocked,
		IsChatLocked:    r.isChatLocked,
		IsTtsDisabled:   r.isTtsDisabled,
		Reconnected:     reconnected,
		WaitingReason:   waitingReason,
	}
	if host := r.clientByKeyLocked(r.hostKey); host != nil {
		result.HostUserID = string(host.GetUserID())
	}
	if status == signal.JoinStatusJoined {
		result.ExistingProducers = r.visibleProducersLocked(client)
	}
	if client.GetRole() == types.RoleTypeWebinarAttendee {
		result.WebinarRole = string(types.RoleTypeWebinarAttendee)
		result.WebinarFeedMode = r.webinar.feedMode
		result.WebinarAttendees = r.attendeeCountLocked()
	}

	ack, err := signal.NewAck(msgID, result)
	if err != nil {
		logging.Error(r.ctx, "Failed to encode join ack",
			zap.String("channelId", string(r.channelID)), zap.Error(err))
		client.Send(signal.NewErrorAck(msgID, err))
		return
	}
	client.Send(ack)
}

// placeInWaitingLocked parks the client in the waiting room and notifies
// admins. A waiter refreshing its tab replaces its previous entry.
func (r *Room) placeInWaitingLocked(client types.ClientInterface, msgID uint64, caps signal.RtpCapabilities, reason string) {
	key := client.GetUserKey()
	if elem, ok := r.pendingIndex[key]; ok {
		if old, isClient := elem.Value.(types.ClientInterface); isClient && old.GetSocketID() != client.GetSocketID() {
			old.Disconnect()
		}
		elem.Value = client
	} else {
		r.pendingIndex[key] = r.pending.PushBack(client)
	}

	logging.Info(r.ctx, "Client placed in waiting room",
		zap.String("channelId", string(r.channelID)),
		zap.String("userKey", string(key)),
		zap.String("reason", reason))

	r.broadcastLocked(signal.EventUserRequestedJoin, signal.UserRequestedJoinEvent{
		RoomEvent:   r.roomEvent(),
		UserKey:     string(key),
		DisplayName: string(client.GetDisplayName()),
	}, rolesAdmins)

	if !r.anyAdminAnywhereLocked() {
		r.sendEventTo(client, signal.EventWaitingRoomStatus, signal.WaitingRoomStatusEvent{
			RoomEvent: r.roomEvent(),
			Status:    signal.WaitingStatusNoAdmins,
		})
	}

	r.ackJoinLocked(client, msgID, caps, signal.JoinStatusWaiting, reason, false)
	metrics.AdmissionDecisions.WithLabelValues("waiting").Inc()
}

// anyAdminAnywhereLocked checks local admins first, then the bus presence
// set, so a waiter is only told "nobody can admit you" when that is true
// across every instance serving the room.
func (r *Room) anyAdminAnywhereLocked() bool {
	if r.adminCountLocked() > 0 {
		return true
	}
	if r.busSvc == nil {
		return false
	}
	ctx, cancelFn := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelFn()
	members, err := r.busSvc.SetMembers(ctx, r.presenceKey())
	if err != nil {
		logging.Warn(r.ctx, "Failed to check remote admin presence",
			zap.String("channelId", string(r.channelID)), zap.Error(err))
		return false
	}
	return len(members) > 0
}

// sendPendingSnapshotLocked sends the full waiting room to one admin.
func (r *Room) sendPendingSnapshotLocked(client types.ClientInterface) {
	pending := make([]signal.PendingUser, 0, r.pending.Len())
	for e := r.pending.Front(); e != nil; e = e.Next() {
		p := e.Value.(types.ClientInterface)
		pending = append(pending, signal.PendingUser{
			UserKey:     string(p.GetUserKey()),
			DisplayName: string(p.GetDisplayName()),
		})
	}
	r.sendEventTo(client, signal.EventPendingUsersSnapshot, signal.PendingUsersSnapshotEvent{
		RoomEvent: r.roomEvent(),
		Pending:   pending,
	})
}

// graceSessionLocked finds a session of the given principal that is inside
// the disconnect grace window.
func (r *Room) graceSessionLocked(key types.UserKey) (types.UserID, bool) {
	for id := range r.disconnects {
		if id.Key() == key {
			return id, true
		}
	}
	return "", false
}

// resumeSessionLocked swaps a reconnecting session into the seat of the one
// that dropped: the arrival-order element is reused so seniority survives,
// the old session's SFU state is torn down, and its producers are retracted
// so peers drop dead consumers. No presence events fan out.
func (r *Room) resumeSessionLocked(oldID types.UserID, client types.ClientInterface) {
	pd := r.disconnects[oldID]
	if pd != nil {
		pd.timer.Stop()
	}
	delete(r.disconnects, oldID)

	old := r.clients[oldID]
	newID := client.GetUserID()

	if old != nil {
		client.SetRole(old.GetRole())
		client.SetIsGhost(old.GetIsGhost())
		client.SetIsHandRaised(old.GetIsHandRaised())
	} else {
		client.SetRole(types.RoleTypeParticipant)
	}

	delete(r.clients, oldID)
	if elem, ok := r.orderIndex[oldID]; ok {
		delete(r.orderIndex, oldID)
		elem.Value = newID
		r.orderIndex[newID] = elem
	} else {
		r.orderIndex[newID] = r.order.PushBack(newID)
	}
	r.clients[newID] = client

	r.closeProducersOfLocked(oldID, true)
	r.closeSFUUserLocked(oldID)

	if client.GetRole() == types.RoleTypeAdmin {
		r.cancelCleanupLocked()
	}

	logging.Info(r.ctx, "Session reconnected within grace window",
		zap.String("channelId", string(r.channelID)),
		zap.String("oldUserId", string(oldID)),
		zap.String("userId", string(newID)))

	r.sendStateSnapshotsLocked(client)
	r.recomputeQualityLocked()
	r.recomputeFeedLocked()
	r.updateGaugesLocked()
}

// replaceSessionLocked swaps a duplicate connection for the same session id
// into place. Role and hand state carry over; the stale socket is dropped and
// its SFU state closed. Nothing fans out; peers reconcile producers on their
// next getProducers sweep.
func (r *Room) replaceSessionLocked(old, client types.ClientInterface) {
	id := client.GetUserID()

	client.SetRole(old.GetRole())
	client.SetIsGhost(old.GetIsGhost())
	client.SetIsHandRaised(old.GetIsHandRaised())

	r.clients[id] = client

	r.dropProducerRecordsOfLocked(id)
	r.closeSFUUserLocked(id)
	old.Disconnect()

	logging.Info(r.ctx, "Duplicate connection replaced previous session",
		zap.String("channelId", string(r.channelID)),
		zap.String("userId", string(id)))

	r.sendStateSnapshotsLocked(client)
}

// rejectJoin acks a failure without touching room state.
func (r *Room) rejectJoin(client types.ClientInterface, msgID uint64, err *signal.Error) types.JoinOutcome {
	client.Send(signal.NewErrorAck(msgID, err))
	metrics.AdmissionDecisions.WithLabelValues("rejected").Inc()
	logging.Info(r.ctx, "Join rejected",
		zap.String("channelId", string(r.channelID)),
		zap.String("userId", string(client.GetUserID())),
		zap.String("reason", err.Message))
	return types.JoinOutcomeRejected
}

func (r *Room) rejectJoinLocked(client types.ClientInterface, msgID uint64, err *signal.Error) types.JoinOutcome {
	outcome := r.rejectJoin(client, msgID, err)
	if r.isEmptyLocked() {
		// A rejected creating join must not leave an immortal empty room.
		r.scheduleCleanupLocked()
	}
	return outcome
}

// closeSFUUserLocked releases all SFU state of one session with a bounded
// context so a slow remote SFU cannot hold the room lock hostage.
func (r *Room) closeSFUUserLocked(id types.UserID) {
	if r.sfu == nil {
		return
	}
	ctx, cancelFn := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelFn()
	if err := r.sfu.CloseUser(ctx, id); err != nil {
		logging.Warn(r.ctx, "Failed to close SFU user state",
			zap.String("channelId", string(r.channelID)),
			zap.String("userId", string(id)), zap.Error(err))
	}
}
