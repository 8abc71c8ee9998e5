package room

import (
	"time"

	"go.uber.org/zap"

	"github.com/voxhall/voxhall/internal/v1/logging"
	"github.com/voxhall/voxhall/internal/v1/metrics"
	"github.com/voxhall/voxhall/internal/v1/types"
	"github.com/voxhall/voxhall/pkg/signal"
)

// ensureHostLocked promotes a candidate when the room momentarily has no
// admin, e.g. a participant joining a room whose host never arrived. It never
// arms the cleanup timer; only departures do that.
func (r *Room) ensureHostLocked() {
	if r.closed || r.adminCountLocked() > 0 {
		return
	}
	if cand := r.promotionCandidateLocked(); cand != nil {
		r.promoteLocked(cand)
	}
}

// handleAdminDepartureLocked runs after an admin's session has been removed
// from the member map. It keeps the host title meaningful: hand it to the
// most senior remaining admin, else promote the most senior eligible
// participant, else arm the cleanup timer. hostKey deliberately survives a
// failed succession so the departed host can reclaim the seat on return.
func (r *Room) handleAdminDepartureLocked(departed types.ClientInterface) {
	r.mirrorAdminPresence(false, departed.GetUserKey())

	if r.adminCountLocked() > 0 {
		if departed.GetUserKey() == r.hostKey {
			for e := r.order.Front(); e != nil; e = e.Next() {
				c := r.clients[e.Value.(types.UserID)]
				if c == nil || c.GetRole() != types.RoleTypeAdmin {
					continue
				}
				r.hostKey = c.GetUserKey()
				r.broadcastLocked(signal.EventHostChanged, signal.HostChangedEvent{
					RoomEvent:   r.roomEvent(),
					HostUserID:  string(c.GetUserID()),
					HostUserKey: string(r.hostKey),
				}, nil)
				break
			}
		}
		return
	}

	if cand := r.promotionCandidateLocked(); cand != nil {
		r.promoteLocked(cand)
		return
	}

	logging.Info(r.ctx, "No promotion candidate after admin departure",
		zap.String("channelId", string(r.channelID)),
		zap.String("departedKey", string(departed.GetUserKey())))
	r.scheduleCleanupLocked()
}

// promotionCandidateLocked returns the earliest-arrived client that can hold
// the host seat. Ghosts and webinar attendees never qualify, and neither does
// a session sitting in the disconnect grace window with a dead socket.
func (r *Room) promotionCandidateLocked() types.ClientInterface {
	for e := r.order.Front(); e != nil; e = e.Next() {
		id := e.Value.(types.UserID)
		c := r.clients[id]
		if c == nil {
			continue
		}
		if c.GetRole() == types.RoleTypeWebinarAttendee || c.GetIsGhost() {
			continue
		}
		if _, dropped := r.disconnects[id]; dropped {
			continue
		}
		return c
	}
	return nil
}

// promoteLocked flips the candidate to admin and makes it the host. The
// promotee is brought up to an admin's view of the room (waiting room, lock
// state, webinar settings) before hostAssigned lands, so by the time its UI
// switches it can already act.
func (r *Room) promoteLocked(c types.ClientInterface) {
	c.SetRole(types.RoleTypeAdmin)
	r.hostKey = c.GetUserKey()
	r.mirrorAdminPresence(true, r.hostKey)
	r.cancelCleanupLocked()
	metrics.HostPromotions.Inc()

	logging.Info(r.ctx, "Promoted client to host",
		zap.String("channelId", string(r.channelID)),
		zap.String("userId", string(c.GetUserID())))

	r.sendPendingSnapshotLocked(c)
	r.sendEventTo(c, signal.EventRoomLockChanged, signal.PolicyChangedEvent{
		RoomEvent: r.roomEvent(),
		Value:     r.isLocked,
	})
	r.sendEventTo(c, signal.EventWebinarConfigChanged, signal.WebinarConfigChangedEvent{
		RoomEvent: r.roomEvent(),
		Config:    r.webinarConfigLocked(),
	})

	hostEvent := signal.HostChangedEvent{
		RoomEvent:   r.roomEvent(),
		HostUserID:  string(c.GetUserID()),
		HostUserKey: string(r.hostKey),
	}
	r.sendEventTo(c, signal.EventHostAssigned, hostEvent)
	r.broadcastLocked(signal.EventHostChanged, hostEvent, nil)
}

// scheduleCleanupLocked arms the room-destruction timer. An already armed
// timer keeps its original deadline.
func (r *Room) scheduleCleanupLocked() {
	if r.closed || r.cleanupTimer != nil {
		return
	}
	r.cleanupGen++
	gen := r.cleanupGen
	r.cleanupTimer = time.AfterFunc(r.emptyRoomGrace, func() {
		r.cleanupFired(gen)
	})

	logging.Info(r.ctx, "Room cleanup timer armed",
		zap.String("channelId", string(r.channelID)),
		zap.Duration("grace", r.emptyRoomGrace))
}

func (r *Room) cancelCleanupLocked() {
	r.cleanupGen++
	if r.cleanupTimer != nil {
		r.cleanupTimer.Stop()
		r.cleanupTimer = nil
	}
}

// cleanupFired re-checks the room before destroying it: a host may have
// returned, a promotion may have landed, or another instance may be serving
// admins for this room. The generation guard drops timers that lost a cancel
// race after Stop.
func (r *Room) cleanupFired(gen uint64) {
	r.mu.Lock()
	if r.closed || gen != r.cleanupGen {
		r.mu.Unlock()
		return
	}
	r.cleanupTimer = nil

	if r.anyAdminAnywhereLocked() {
		r.mu.Unlock()
		return
	}

	logging.Info(r.ctx, "Cleanup timer fired with no admin present, destroying room",
		zap.String("channelId", string(r.channelID)))
	r.closeLocked("no host present")
	r.mu.Unlock()

	r.notifyEmpty()
}
