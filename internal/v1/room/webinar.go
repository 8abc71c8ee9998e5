package room

import (
	"go.uber.org/zap"

	"github.com/voxhall/voxhall/internal/v1/logging"
	"github.com/voxhall/voxhall/internal/v1/types"
	"github.com/voxhall/voxhall/pkg/signal"
)

// webinarFeedModeActiveSpeaker is the only feed mode currently served:
// attendees see every live screen share plus the active speaker's webcam.
const webinarFeedModeActiveSpeaker = "active-speaker"

func (r *Room) webinarConfigLocked() signal.WebinarConfig {
	return signal.WebinarConfig{
		Enabled:       r.webinar.enabled,
		PublicAccess:  r.webinar.publicAccess,
		Locked:        r.webinar.locked,
		MaxAttendees:  r.webinar.maxAttendees,
		HasInviteCode: r.webinar.inviteCodeHash != "",
		LinkVersion:   r.webinar.linkVersion,
		FeedMode:      r.webinar.feedMode,
	}
}

func (r *Room) broadcastAttendeeCountLocked() {
	r.broadcastLocked(signal.EventWebinarAttendeeCount, signal.WebinarAttendeeCountEvent{
		RoomEvent: r.roomEvent(),
		Count:     r.attendeeCountLocked(),
		Max:       r.webinar.maxAttendees,
	}, rolesAdmins)
}

// feedProducersLocked computes the producer set attendees may see: every
// live unpaused screen share, plus the webcam and audio of the active
// speaker. The active speaker defaults to the host when nobody has spoken.
func (r *Room) feedProducersLocked() map[string]*producerRecord {
	visible := make(map[string]*producerRecord)

	speaker := r.activeSpeaker
	if speaker == "" || r.clients[speaker] == nil {
		if host := r.clientByKeyLocked(r.hostKey); host != nil {
			speaker = host.GetUserID()
		} else {
			speaker = ""
		}
	}

	for id, rec := range r.producers {
		if rec.ghost {
			continue
		}
		if rec.source == signal.ProducerTypeScreen && !rec.paused {
			visible[id] = rec
			continue
		}
		if rec.owner == speaker && rec.source == signal.ProducerTypeWebcam {
			visible[id] = rec
		}
	}
	return visible
}

// recomputeFeedLocked diffs the attendee-visible producer set against the
// previous one. Producers entering the feed are announced to attendees with
// newProducer; live producers leaving it are retracted with producerClosed;
// any change additionally emits webinar:feedChanged so attendees run a
// reconciliation sweep.
func (r *Room) recomputeFeedLocked() {
	visible := r.feedProducersLocked()

	changed := false
	for id, rec := range visible {
		if _, had := r.attendeeFeed[id]; had {
			continue
		}
		changed = true
		r.broadcastLocked(signal.EventNewProducer, signal.NewProducerEvent{
			RoomEvent: r.roomEvent(),
			ProducerInfo: signal.ProducerInfo{
				ProducerID: rec.id,
				UserID:     string(rec.owner),
				Kind:       rec.kind,
				Type:       rec.source,
				Paused:     rec.paused,
			},
		}, rolesAttendees)
	}
	for id := range r.attendeeFeed {
		if _, still := visible[id]; still {
			continue
		}
		changed = true
		// Dead producers were retracted by removeProducerLocked with the
		// previous feed set; only live ones leaving the feed are ours.
		if rec, live := r.producers[id]; live {
			r.broadcastLocked(signal.EventProducerClosed, signal.ProducerClosedEvent{
				RoomEvent:  r.roomEvent(),
				ProducerID: id,
				UserID:     string(rec.owner),
			}, rolesAttendees)
		}
	}

	if changed {
		r.attendeeFeed = make(map[string]struct{}, len(visible))
		for id := range visible {
			r.attendeeFeed[id] = struct{}{}
		}
		r.broadcastLocked(signal.EventWebinarFeedChanged, signal.WebinarFeedChangedEvent{
			RoomEvent: r.roomEvent(),
		}, rolesAttendees)
	}
}

// --- admin operations ---

func (r *Room) handleWebinarGetConfig(client types.ClientInterface, msg *signal.Message) {
	r.mu.RLock()
	cfg := r.webinarConfigLocked()
	r.mu.RUnlock()
	r.sendAck(client, msg.ID, cfg)
}

func (r *Room) handleWebinarUpdateConfig(client types.ClientInterface, msg *signal.Message) {
	var req signal.WebinarUpdateConfigRequest
	if err := msg.DecodePayload(&req); err != nil {
		client.Send(signal.NewErrorAck(msg.ID, signal.Errorf(signal.KindUnknown, "malformed webinar config update")))
		return
	}
	if req.MaxAttendees != nil && *req.MaxAttendees <= 0 {
		client.Send(signal.NewErrorAck(msg.ID, signal.Errorf(signal.KindUnknown, "maxAttendees must be positive")))
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if req.Enabled != nil {
		r.webinar.enabled = *req.Enabled
	}
	if req.PublicAccess != nil {
		r.webinar.publicAccess = *req.PublicAccess
	}
	if req.Locked != nil {
		r.webinar.locked = *req.Locked
	}
	if req.MaxAttendees != nil {
		r.webinar.maxAttendees = *req.MaxAttendees
	}
	if req.InviteCode != nil {
		if *req.InviteCode == "" {
			r.webinar.inviteCodeHash = ""
		} else {
			r.webinar.inviteCodeHash = hashInviteCode(*req.InviteCode)
		}
	}

	logging.Info(r.ctx, "Webinar config updated",
		zap.String("channelId", string(r.channelID)),
		zap.String("userId", string(client.GetUserID())),
		zap.Bool("enabled", r.webinar.enabled))

	cfg := r.webinarConfigLocked()
	r.broadcastLocked(signal.EventWebinarConfigChanged, signal.WebinarConfigChangedEvent{
		RoomEvent: r.roomEvent(),
		Config:    cfg,
	}, rolesAdmins)
	r.broadcastAttendeeCountLocked()

	r.sendAckLocked(client, msg.ID, cfg)
}

func (r *Room) handleWebinarGenerateLink(client types.ClientInterface, msg *signal.Message) {
	if r.links == nil {
		client.Send(signal.NewErrorAck(msg.ID, signal.Errorf(signal.KindUnknown, "webinar links are not configured")))
		return
	}

	r.mu.RLock()
	version := r.webinar.linkVersion
	r.mu.RUnlock()

	link, err := r.links.BuildLink(r.channelID, r.clientID, version)
	if err != nil {
		client.Send(signal.NewErrorAck(msg.ID, signal.WrapError(signal.KindUnknown, "failed to build webinar link", err)))
		return
	}
	r.sendAck(client, msg.ID, signal.WebinarLinkResult{Link: link, LinkVersion: version})
}

// handleWebinarRotateLink bumps the link version, which invalidates every
// previously shared link at the admission check.
func (r *Room) handleWebinarRotateLink(client types.ClientInterface, msg *signal.Message) {
	if r.links == nil {
		client.Send(signal.NewErrorAck(msg.ID, signal.Errorf(signal.KindUnknown, "webinar links are not configured")))
		return
	}

	r.mu.Lock()
	r.webinar.linkVersion++
	version := r.webinar.linkVersion
	cfg := r.webinarConfigLocked()
	r.broadcastLocked(signal.EventWebinarConfigChanged, signal.WebinarConfigChangedEvent{
		RoomEvent: r.roomEvent(),
		Config:    cfg,
	}, rolesAdmins)
	r.mu.Unlock()

	link, err := r.links.BuildLink(r.channelID, r.clientID, version)
	if err != nil {
		client.Send(signal.NewErrorAck(msg.ID, signal.WrapError(signal.KindUnknown, "failed to build webinar link", err)))
		return
	}

	logging.Info(r.ctx, "Webinar link rotated",
		zap.String("channelId", string(r.channelID)),
		zap.Int("linkVersion", version))

	r.sendAck(client, msg.ID, signal.WebinarLinkResult{Link: link, LinkVersion: version})
}
