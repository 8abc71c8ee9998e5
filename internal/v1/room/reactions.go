package room

import (
	"time"

	"github.com/voxhall/voxhall/internal/v1/types"
	"github.com/voxhall/voxhall/pkg/signal"
)

const maxReactionLabelLength = 64

func (r *Room) handleSendReaction(client types.ClientInterface, msg *signal.Message) {
	var req signal.ReactionRequest
	if err := msg.DecodePayload(&req); err != nil {
		client.Send(signal.NewErrorAck(msg.ID, signal.Errorf(signal.KindUnknown, "malformed reaction payload")))
		return
	}
	if client.GetIsGhost() {
		client.Send(signal.NewErrorAck(msg.ID, signal.Errorf(signal.KindPermissionDenied, "observers cannot send reactions")))
		return
	}
	if !signal.ValidateReaction(req.Kind, req.Value) {
		client.Send(signal.NewErrorAck(msg.ID, signal.Errorf(signal.KindUnknown, "unsupported reaction")))
		return
	}
	label := req.Label
	if runes := []rune(label); len(runes) > maxReactionLabelLength {
		label = string(runes[:maxReactionLabelLength])
	}

	r.mu.RLock()
	r.broadcastLocked(signal.EventReaction, signal.ReactionEvent{
		RoomEvent: r.roomEvent(),
		UserID:    string(client.GetUserID()),
		Kind:      req.Kind,
		Value:     req.Value,
		Label:     label,
		Timestamp: time.Now().UnixMilli(),
	}, nil)
	r.sendAckLocked(client, msg.ID, signal.SuccessResult{Success: true})
	r.mu.RUnlock()
}

func (r *Room) handleHandRaised(client types.ClientInterface, msg *signal.Message) {
	var req signal.HandRaisedRequest
	if err := msg.DecodePayload(&req); err != nil {
		client.Send(signal.NewErrorAck(msg.ID, signal.Errorf(signal.KindUnknown, "malformed handRaised payload")))
		return
	}
	if client.GetIsGhost() {
		client.Send(signal.NewErrorAck(msg.ID, signal.Errorf(signal.KindPermissionDenied, "observers cannot raise hands")))
		return
	}

	r.mu.Lock()
	client.SetIsHandRaised(req.Raised)
	r.broadcastLocked(signal.EventHandRaised, signal.HandRaisedEvent{
		RoomEvent: r.roomEvent(),
		UserID:    string(client.GetUserID()),
		Raised:    req.Raised,
	}, nil)
	r.sendAckLocked(client, msg.ID, signal.SuccessResult{Success: true})
	r.mu.Unlock()
}
