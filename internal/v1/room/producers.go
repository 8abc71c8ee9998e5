package room

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/voxhall/voxhall/internal/v1/logging"
	"github.com/voxhall/voxhall/internal/v1/types"
	"github.com/voxhall/voxhall/pkg/signal"
)

// SFU calls in request handlers run outside the room lock: they are per-user
// operations with their own synchronization, and a slow remote SFU must not
// stall every other request in the room. Handlers validate under the lock,
// call the SFU unlocked, then re-take the lock to record state and fan out.

// rtpCapabilities returns the router's capabilities, fetching them once.
func (r *Room) rtpCapabilities(ctx context.Context) signal.RtpCapabilities {
	r.capsMu.Lock()
	defer r.capsMu.Unlock()
	if r.caps != nil {
		return r.caps
	}
	if r.sfu == nil {
		return nil
	}
	caps, err := r.sfu.RtpCapabilities(ctx)
	if err != nil {
		logging.Warn(r.ctx, "Failed to fetch RTP capabilities",
			zap.String("channelId", string(r.channelID)), zap.Error(err))
		return nil
	}
	r.caps = caps
	return caps
}

// canPublishLocked gates producer-side operations.
func canPublish(c types.ClientInterface) bool {
	return c.GetRole() != types.RoleTypeWebinarAttendee && !c.GetIsGhost()
}

func (r *Room) handleCreateTransport(ctx context.Context, client types.ClientInterface, msg *signal.Message, direction signal.TransportDirection) {
	if direction == signal.TransportProducer && !canPublish(client) {
		client.Send(signal.NewErrorAck(msg.ID, signal.Errorf(signal.KindPermissionDenied, "this session cannot publish media")))
		return
	}
	if r.sfu == nil {
		client.Send(signal.NewErrorAck(msg.ID, signal.Errorf(signal.KindTransportError, "no media router available")))
		return
	}

	info, err := r.sfu.CreateTransport(ctx, client.GetUserID(), direction)
	if err != nil {
		client.Send(signal.NewErrorAck(msg.ID, signal.WrapError(signal.KindTransportError, "failed to create transport", err)))
		return
	}
	r.sendAck(client, msg.ID, info)
}

func (r *Room) handleConnectTransport(ctx context.Context, client types.ClientInterface, msg *signal.Message) {
	var req signal.ConnectTransportRequest
	if err := msg.DecodePayload(&req); err != nil {
		client.Send(signal.NewErrorAck(msg.ID, signal.Errorf(signal.KindTransportError, "malformed connect request")))
		return
	}
	if err := r.sfu.ConnectTransport(ctx, req.TransportID, req.DtlsParameters); err != nil {
		client.Send(signal.NewErrorAck(msg.ID, signal.WrapError(signal.KindTransportError, "failed to connect transport", err)))
		return
	}
	r.sendAck(client, msg.ID, signal.SuccessResult{Success: true})
}

func (r *Room) handleProduce(ctx context.Context, client types.ClientInterface, msg *signal.Message) {
	if !canPublish(client) {
		client.Send(signal.NewErrorAck(msg.ID, signal.Errorf(signal.KindPermissionDenied, "this session cannot publish media")))
		return
	}

	var req signal.ProduceRequest
	if err := msg.DecodePayload(&req); err != nil {
		client.Send(signal.NewErrorAck(msg.ID, signal.Errorf(signal.KindMediaError, "malformed produce request")))
		return
	}
	if req.Kind != signal.MediaKindAudio && req.Kind != signal.MediaKindVideo {
		client.Send(signal.NewErrorAck(msg.ID, signal.Errorf(signal.KindMediaError, "unsupported media kind %q", req.Kind)))
		return
	}
	source := req.AppData.Type
	if source == "" {
		source = signal.ProducerTypeWebcam
	}
	if source != signal.ProducerTypeWebcam && source != signal.ProducerTypeScreen {
		client.Send(signal.NewErrorAck(msg.ID, signal.Errorf(signal.KindMediaError, "unsupported producer type %q", source)))
		return
	}

	id := client.GetUserID()
	producerID, err := r.sfu.Produce(ctx, id, req.TransportID, req.Kind, req.RtpParameters)
	if err != nil {
		client.Send(signal.NewErrorAck(msg.ID, signal.WrapError(signal.KindMediaError, "failed to produce", err)))
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// The client may have been kicked while the SFU round trip was in
	// flight; do not resurrect its media.
	if current, ok := r.clients[id]; !ok || current != client {
		r.closeSFUProducer(producerID)
		client.Send(signal.NewErrorAck(msg.ID, signal.Errorf(signal.KindPermissionDenied, "no longer a member of this room")))
		return
	}

	rec := &producerRecord{
		id:     producerID,
		owner:  id,
		kind:   req.Kind,
		source: source,
		paused: req.AppData.Paused,
		ghost:  client.GetIsGhost(),
	}
	if !rec.paused {
		rec.lastActive = time.Now()
	}
	r.producers[producerID] = rec
	r.producerOrder.PushBack(rec)

	info := signal.ProducerInfo{
		ProducerID: rec.id,
		UserID:     string(rec.owner),
		Kind:       rec.kind,
		Type:       rec.source,
		Paused:     rec.paused,
	}
	roles := rolesMeeting
	if rec.ghost {
		roles = rolesGhostAware
	}
	r.broadcastExceptLocked(signal.EventNewProducer, signal.NewProducerEvent{
		RoomEvent:    r.roomEvent(),
		ProducerInfo: info,
	}, roles, id)

	if rec.kind == signal.MediaKindAudio && !rec.paused && !rec.ghost {
		r.activeSpeaker = rec.owner
	}
	r.recomputeFeedLocked()

	r.sendAckLocked(client, msg.ID, signal.ProduceResult{ProducerID: producerID})
}

func (r *Room) handleConsume(ctx context.Context, client types.ClientInterface, msg *signal.Message) {
	var req signal.ConsumeRequest
	if err := msg.DecodePayload(&req); err != nil {
		client.Send(signal.NewErrorAck(msg.ID, signal.Errorf(signal.KindMediaError, "malformed consume request")))
		return
	}

	r.mu.RLock()
	rec, ok := r.producers[req.ProducerID]
	var visErr *signal.Error
	if !ok {
		visErr = signal.Errorf(signal.KindPermissionDenied, "producer %q is not available", req.ProducerID)
	} else if rec.owner == client.GetUserID() {
		visErr = signal.Errorf(signal.KindPermissionDenied, "cannot consume your own producer")
	} else if !r.producerVisibleToLocked(rec, client) {
		visErr = signal.Errorf(signal.KindPermissionDenied, "producer %q is not available", req.ProducerID)
	}
	r.mu.RUnlock()

	if visErr != nil {
		client.Send(signal.NewErrorAck(msg.ID, visErr))
		return
	}

	// Duplicate consume requests short-circuit inside the router: it
	// returns the existing consumer parameters for a (user, producer)
	// pair, which makes the reconciliation sweep idempotent.
	result, err := r.sfu.Consume(ctx, client.GetUserID(), req.ProducerID, req.RtpCapabilities)
	if err != nil {
		client.Send(signal.NewErrorAck(msg.ID, signal.WrapError(signal.KindMediaError, "failed to consume", err)))
		return
	}
	r.sendAck(client, msg.ID, result)
}

func (r *Room) handleResumeConsumer(ctx context.Context, client types.ClientInterface, msg *signal.Message) {
	var req signal.ResumeConsumerRequest
	if err := msg.DecodePayload(&req); err != nil {
		client.Send(signal.NewErrorAck(msg.ID, signal.Errorf(signal.KindMediaError, "malformed resume request")))
		return
	}
	if err := r.sfu.ResumeConsumer(ctx, req.ConsumerID); err != nil {
		client.Send(signal.NewErrorAck(msg.ID, signal.WrapError(signal.KindMediaError, "failed to resume consumer", err)))
		return
	}
	r.sendAck(client, msg.ID, signal.SuccessResult{Success: true})
}

func (r *Room) handleRestartIce(ctx context.Context, client types.ClientInterface, msg *signal.Message) {
	var req signal.RestartIceRequest
	if err := msg.DecodePayload(&req); err != nil {
		client.Send(signal.NewErrorAck(msg.ID, signal.Errorf(signal.KindTransportError, "malformed restartIce request")))
		return
	}
	if req.Transport != signal.TransportProducer && req.Transport != signal.TransportConsumer {
		client.Send(signal.NewErrorAck(msg.ID, signal.Errorf(signal.KindTransportError, "unknown transport %q", req.Transport)))
		return
	}
	params, err := r.sfu.RestartICE(ctx, client.GetUserID(), req.Transport)
	if err != nil {
		client.Send(signal.NewErrorAck(msg.ID, signal.WrapError(signal.KindTransportError, "failed to restart ICE", err)))
		return
	}
	r.sendAck(client, msg.ID, signal.RestartIceResult{IceParameters: params})
}

func (r *Room) handleCloseProducer(ctx context.Context, client types.ClientInterface, msg *signal.Message) {
	var req signal.CloseProducerRequest
	if err := msg.DecodePayload(&req); err != nil {
		client.Send(signal.NewErrorAck(msg.ID, signal.Errorf(signal.KindMediaError, "malformed closeProducer request")))
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.producers[req.ProducerID]
	if !ok {
		// Already gone; closing is idempotent.
		r.sendAckLocked(client, msg.ID, signal.SuccessResult{Success: true})
		return
	}
	if rec.owner != client.GetUserID() {
		client.Send(signal.NewErrorAck(msg.ID, signal.Errorf(signal.KindPermissionDenied, "not the owner of this producer")))
		return
	}

	r.removeProducerLocked(rec, true)
	r.sendAckLocked(client, msg.ID, signal.SuccessResult{Success: true})
}

// handleSetPaused implements toggleMute (audio) and toggleCamera (video).
// The owner may flip either way; an admin may force-pause someone else but
// never force-unpause them.
func (r *Room) handleSetPaused(ctx context.Context, client types.ClientInterface, msg *signal.Message, kind string) {
	var req signal.PauseRequest
	if err := msg.DecodePayload(&req); err != nil {
		client.Send(signal.NewErrorAck(msg.ID, signal.Errorf(signal.KindMediaError, "malformed pause request")))
		return
	}

	r.mu.RLock()
	rec, ok := r.producers[req.ProducerID]
	var denyErr *signal.Error
	switch {
	case !ok:
		denyErr = signal.Errorf(signal.KindMediaError, "producer %q is not available", req.ProducerID)
	case rec.kind != kind:
		denyErr = signal.Errorf(signal.KindMediaError, "producer %q is not %s", req.ProducerID, kind)
	case rec.owner != client.GetUserID() && client.GetRole() != types.RoleTypeAdmin:
		denyErr = signal.Errorf(signal.KindPermissionDenied, "not the owner of this producer")
	case rec.owner != client.GetUserID() && !req.Paused:
		denyErr = signal.Errorf(signal.KindPermissionDenied, "only the owner can resume this producer")
	}
	r.mu.RUnlock()

	if denyErr != nil {
		client.Send(signal.NewErrorAck(msg.ID, denyErr))
		return
	}

	if err := r.sfu.SetProducerPaused(ctx, req.ProducerID, req.Paused); err != nil {
		client.Send(signal.NewErrorAck(msg.ID, signal.WrapError(signal.KindMediaError, "failed to update producer", err)))
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok = r.producers[req.ProducerID]
	if !ok {
		// Closed while the SFU call was in flight.
		r.sendAckLocked(client, msg.ID, signal.SuccessResult{Success: true})
		return
	}

	changed := rec.paused != req.Paused
	rec.paused = req.Paused
	if changed && !req.Paused {
		rec.lastActive = time.Now()
		if rec.kind == signal.MediaKindAudio && !rec.ghost {
			r.activeSpeaker = rec.owner
		}
	}
	if changed && req.Paused && rec.kind == signal.MediaKindAudio && r.activeSpeaker == rec.owner {
		r.recomputeActiveSpeakerLocked()
	}

	if changed {
		event := signal.EventParticipantMuted
		if kind == signal.MediaKindVideo {
			event = signal.EventParticipantCameraOff
		}
		r.broadcastLocked(event, signal.PauseChangedEvent{
			RoomEvent:  r.roomEvent(),
			UserID:     string(rec.owner),
			ProducerID: rec.id,
			Paused:     rec.paused,
		}, nil)
		r.recomputeFeedLocked()
	}

	r.sendAckLocked(client, msg.ID, signal.SuccessResult{Success: true})
}

func (r *Room) handleGetProducers(client types.ClientInterface, msg *signal.Message) {
	r.mu.RLock()
	producers := r.visibleProducersLocked(client)
	r.mu.RUnlock()
	r.sendAck(client, msg.ID, signal.GetProducersResult{Producers: producers})
}

// producerVisibleToLocked applies the fan-out visibility rules: ghost
// producers are for ghosts and admins; attendees see only the feed.
func (r *Room) producerVisibleToLocked(rec *producerRecord, c types.ClientInterface) bool {
	if rec.ghost && !(c.GetIsGhost() || c.GetRole() == types.RoleTypeAdmin) {
		return false
	}
	if c.GetRole() == types.RoleTypeWebinarAttendee {
		_, inFeed := r.attendeeFeed[rec.id]
		return inFeed
	}
	return true
}

// visibleProducersLocked lists the producers the caller may consume, in
// creation order, excluding its own.
func (r *Room) visibleProducersLocked(c types.ClientInterface) []signal.ProducerInfo {
	out := make([]signal.ProducerInfo, 0, len(r.producers))
	for e := r.producerOrder.Front(); e != nil; e = e.Next() {
		rec := e.Value.(*producerRecord)
		if _, live := r.producers[rec.id]; !live {
			continue
		}
		if rec.owner == c.GetUserID() {
			continue
		}
		if !r.producerVisibleToLocked(rec, c) {
			continue
		}
		out = append(out, signal.ProducerInfo{
			ProducerID: rec.id,
			UserID:     string(rec.owner),
			Kind:       rec.kind,
			Type:       rec.source,
			Paused:     rec.paused,
		})
	}
	return out
}

// removeProducerLocked drops one producer record, closes it at the SFU and,
// when fanout is set, retracts it from everyone who could see it.
func (r *Room) removeProducerLocked(rec *producerRecord, fanout bool) {
	delete(r.producers, rec.id)
	for e := r.producerOrder.Front(); e != nil; e = e.Next() {
		if e.Value.(*producerRecord) == rec {
			r.producerOrder.Remove(e)
			break
		}
	}

	r.closeSFUProducer(rec.id)

	if fanout {
		roles := rolesMeeting
		if rec.ghost {
			roles = rolesGhostAware
		}
		payload := signal.ProducerClosedEvent{
			RoomEvent:  r.roomEvent(),
			ProducerID: rec.id,
			UserID:     string(rec.owner),
		}
		r.broadcastExceptLocked(signal.EventProducerClosed, payload, roles, rec.owner)
		if _, inFeed := r.attendeeFeed[rec.id]; inFeed {
			r.broadcastLocked(signal.EventProducerClosed, payload, rolesAttendees)
		}
	}

	if rec.kind == signal.MediaKindAudio && r.activeSpeaker == rec.owner {
		r.recomputeActiveSpeakerLocked()
	}
	r.recomputeFeedLocked()
}

// closeProducersOfLocked removes every producer owned by one session.
func (r *Room) closeProducersOfLocked(id types.UserID, fanout bool) {
	for _, rec := range r.ownedProducersLocked(id) {
		r.removeProducerLocked(rec, fanout)
	}
}

// dropProducerRecordsOfLocked silently forgets a session's producers. Used
// for duplicate-connection replacement, where nothing may fan out; peers
// clean up on their next reconciliation sweep.
func (r *Room) dropProducerRecordsOfLocked(id types.UserID) {
	for _, rec := range r.ownedProducersLocked(id) {
		delete(r.producers, rec.id)
		for e := r.producerOrder.Front(); e != nil; e = e.Next() {
			if e.Value.(*producerRecord) == rec {
				r.producerOrder.Remove(e)
				break
			}
		}
		if rec.kind == signal.MediaKindAudio && r.activeSpeaker == rec.owner {
			r.recomputeActiveSpeakerLocked()
		}
	}
	r.recomputeFeedLocked()
}

func (r *Room) ownedProducersLocked(id types.UserID) []*producerRecord {
	var owned []*producerRecord
	for _, rec := range r.producers {
		if rec.owner == id {
			owned = append(owned, rec)
		}
	}
	return owned
}

// recomputeActiveSpeakerLocked falls back to the most recently unpaused
// audio producer, or to nobody, in which case the feed selector uses the
// host.
func (r *Room) recomputeActiveSpeakerLocked() {
	var best *producerRecord
	for _, rec := range r.producers {
		if rec.kind != signal.MediaKindAudio || rec.paused || rec.ghost {
			continue
		}
		if best == nil || rec.lastActive.After(best.lastActive) {
			best = rec
		}
	}
	if best != nil {
		r.activeSpeaker = best.owner
		return
	}
	r.activeSpeaker = ""
}

// closeSFUProducer tells the SFU to drop a producer, with a bounded context.
func (r *Room) closeSFUProducer(producerID string) {
	if r.sfu == nil {
		return
	}
	ctx, cancelFn := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelFn()
	if err := r.sfu.CloseProducer(ctx, producerID); err != nil {
		logging.Warn(r.ctx, "Failed to close producer at SFU",
			zap.String("channelId", string(r.channelID)),
			zap.String("producerId", producerID), zap.Error(err))
	}
}

// sendAck encodes and enqueues a success ack.
func (r *Room) sendAck(client types.ClientInterface, msgID uint64, result any) {
	ack, err := signal.NewAck(msgID, result)
	if err != nil {
		logging.Error(r.ctx, "Failed to encode ack",
			zap.String("channelId", string(r.channelID)), zap.Error(err))
		client.Send(signal.NewErrorAck(msgID, err))
		return
	}
	client.Send(ack)
}

func (r *Room) sendAckLocked(client types.ClientInterface, msgID uint64, result any) {
	r.sendAck(client, msgID, result)
}
