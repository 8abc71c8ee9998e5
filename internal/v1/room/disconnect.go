package room

import (
	"container/list"
	"time"

	"go.uber.org/zap"

	"github.com/voxhall/voxhall/internal/v1/logging"
	"github.com/voxhall/voxhall/internal/v1/types"
	"github.com/voxhall/voxhall/pkg/signal"
)

// immediateDisconnectReasons finalize without a grace window: the user chose
// to leave, was removed, or the process is going away.
var immediateDisconnectReasons = map[string]struct{}{
	types.DisconnectReasonClientLeft: {},
	types.DisconnectReasonKicked:     {},
	types.DisconnectReasonShutdown:   {},
	types.DisconnectReasonRoomSwitch: {},
}

// HandleClientDisconnect reacts to a socket going away. Deliberate departures
// finalize at once; involuntary drops arm a grace timer keyed by the session
// and the exact socket that died, so a reconnect on a fresh socket cancels
// finalization and a stale timer can never evict the replacement.
func (r *Room) HandleClientDisconnect(client types.ClientInterface, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	key := client.GetUserKey()
	if elem, ok := r.pendingIndex[key]; ok {
		if waiting, isClient := elem.Value.(types.ClientInterface); isClient && waiting.GetSocketID() == client.GetSocketID() {
			r.removePendingLocked(key, elem)
			return
		}
	}

	id := client.GetUserID()
	current, ok := r.clients[id]
	if !ok || current.GetSocketID() != client.GetSocketID() {
		// A session this socket no longer owns; a duplicate connection
		// already replaced it.
		return
	}

	if _, immediate := immediateDisconnectReasons[reason]; immediate {
		r.finalizeDisconnectLocked(id, client.GetSocketID(), reason)
		return
	}

	socketID := client.GetSocketID()
	if pd, armed := r.disconnects[id]; armed {
		pd.timer.Stop()
	}
	r.disconnects[id] = &pendingDisconnect{
		socketID: socketID,
		timer: time.AfterFunc(r.disconnectGrace, func() {
			r.graceExpired(id, socketID)
		}),
	}

	logging.Info(r.ctx, "Disconnect grace window armed",
		zap.String("channelId", string(r.channelID)),
		zap.String("userId", string(id)),
		zap.String("reason", reason),
		zap.Duration("grace", r.disconnectGrace))
}

// graceExpired finalizes a disconnect whose grace window ran out. It
// re-validates that the session's active socket is still the one that
// dropped; a reconnect or duplicate connection in the meantime wins.
func (r *Room) graceExpired(id types.UserID, socketID types.SocketID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	pd := r.disconnects[id]
	if pd == nil || pd.socketID != socketID {
		return
	}
	delete(r.disconnects, id)

	current := r.clients[id]
	if current == nil || current.GetSocketID() != socketID {
		return
	}
	r.removeClientLocked(current, "connection lost")
}

func (r *Room) finalizeDisconnectLocked(id types.UserID, socketID types.SocketID, reason string) {
	if pd, armed := r.disconnects[id]; armed {
		pd.timer.Stop()
		delete(r.disconnects, id)
	}
	current := r.clients[id]
	if current == nil || current.GetSocketID() != socketID {
		return
	}
	r.removeClientLocked(current, reason)
}

// removeClientLocked takes one session out of the room: SFU state and
// producers go first (with producerClosed fan-out so peers drop their
// consumers), then presence, then host succession.
func (r *Room) removeClientLocked(c types.ClientInterface, reason string) {
	id := c.GetUserID()

	delete(r.clients, id)
	if elem, ok := r.orderIndex[id]; ok {
		r.order.Remove(elem)
		delete(r.orderIndex, id)
	}

	r.closeProducersOfLocked(id, true)
	r.closeSFUUserLocked(id)

	logging.Info(r.ctx, "Client left room",
		zap.String("channelId", string(r.channelID)),
		zap.String("userId", string(id)),
		zap.String("reason", reason))

	switch {
	case c.GetRole() == types.RoleTypeWebinarAttendee:
		r.broadcastAttendeeCountLocked()
	case c.GetIsGhost():
		r.broadcastLocked(signal.EventUserLeft, signal.UserLeftEvent{
			RoomEvent: r.roomEvent(),
			UserID:    string(id),
			UserKey:   string(c.GetUserKey()),
		}, rolesGhostAware)
	default:
		r.broadcastLocked(signal.EventUserLeft, signal.UserLeftEvent{
			RoomEvent: r.roomEvent(),
			UserID:    string(id),
			UserKey:   string(c.GetUserKey()),
		}, nil)
	}

	if c.GetRole() == types.RoleTypeAdmin {
		r.handleAdminDepartureLocked(c)
	}

	r.recomputeQualityLocked()
	r.recomputeFeedLocked()
	r.updateGaugesLocked()

	if r.isEmptyLocked() {
		r.scheduleCleanupLocked()
	}
}

// removePendingLocked drops one waiter and tells admins.
func (r *Room) removePendingLocked(key types.UserKey, elem *list.Element) {
	r.pending.Remove(elem)
	delete(r.pendingIndex, key)

	r.broadcastLocked(signal.EventPendingUserLeft, signal.PendingUserEvent{
		RoomEvent: r.roomEvent(),
		UserKey:   string(key),
	}, rolesAdmins)

	if r.isEmptyLocked() {
		r.scheduleCleanupLocked()
	}
}
