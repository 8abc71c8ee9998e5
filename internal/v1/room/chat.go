package room

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"

	"github.com/voxhall/voxhall/internal/v1/types"
	"github.com/voxhall/voxhall/pkg/signal"
)

// chatPolicy strips all markup. Chat is plain text on the wire; rendering
// concerns stay client-side.
var chatPolicy = bluemonday.StrictPolicy()

const (
	maxChatMessageLength = 2000
	maxTtsTextLength     = 500
)

func (r *Room) handleSendChatMessage(client types.ClientInterface, msg *signal.Message) {
	var req signal.ChatMessageRequest
	if err := msg.DecodePayload(&req); err != nil {
		client.Send(signal.NewErrorAck(msg.ID, signal.Errorf(signal.KindUnknown, "malformed chat payload")))
		return
	}
	if client.GetIsGhost() {
		client.Send(signal.NewErrorAck(msg.ID, signal.Errorf(signal.KindPermissionDenied, "observers cannot send messages")))
		return
	}

	text := strings.TrimSpace(chatPolicy.Sanitize(req.Message))
	if text == "" {
		client.Send(signal.NewErrorAck(msg.ID, signal.Errorf(signal.KindUnknown, "message is empty")))
		return
	}
	if utf8.RuneCountInString(text) > maxChatMessageLength {
		client.Send(signal.NewErrorAck(msg.ID, signal.Errorf(signal.KindUnknown, "message is too long")))
		return
	}

	r.mu.RLock()
	if r.isChatLocked && client.GetRole() != types.RoleTypeAdmin {
		r.mu.RUnlock()
		client.Send(signal.NewErrorAck(msg.ID, signal.Errorf(signal.KindPermissionDenied, "chat is locked")))
		return
	}
	r.broadcastLocked(signal.EventChatMessage, signal.ChatMessageEvent{
		RoomEvent:   r.roomEvent(),
		UserID:      string(client.GetUserID()),
		UserKey:     string(client.GetUserKey()),
		DisplayName: string(client.GetDisplayName()),
		Message:     text,
		Timestamp:   time.Now().UnixMilli(),
	}, nil)
	r.sendAckLocked(client, msg.ID, signal.SuccessResult{Success: true})
	r.mu.RUnlock()
}

func (r *Room) handleTtsMessage(client types.ClientInterface, msg *signal.Message) {
	var req signal.TtsMessageRequest
	if err := msg.DecodePayload(&req); err != nil {
		client.Send(signal.NewErrorAck(msg.ID, signal.Errorf(signal.KindUnknown, "malformed tts payload")))
		return
	}
	if client.GetIsGhost() {
		client.Send(signal.NewErrorAck(msg.ID, signal.Errorf(signal.KindPermissionDenied, "observers cannot send messages")))
		return
	}
	if client.GetRole() == types.RoleTypeWebinarAttendee {
		client.Send(signal.NewErrorAck(msg.ID, signal.Errorf(signal.KindPermissionDenied, "attendees cannot send text-to-speech")))
		return
	}

	text := strings.TrimSpace(chatPolicy.Sanitize(req.Text))
	if text == "" {
		client.Send(signal.NewErrorAck(msg.ID, signal.Errorf(signal.KindUnknown, "text is empty")))
		return
	}
	if utf8.RuneCountInString(text) > maxTtsTextLength {
		client.Send(signal.NewErrorAck(msg.ID, signal.Errorf(signal.KindUnknown, "text is too long")))
		return
	}

	r.mu.RLock()
	if r.isTtsDisabled && client.GetRole() != types.RoleTypeAdmin {
		r.mu.RUnlock()
		client.Send(signal.NewErrorAck(msg.ID, signal.Errorf(signal.KindPermissionDenied, "text-to-speech is disabled")))
		return
	}
	r.broadcastLocked(signal.EventTtsMessage, signal.TtsMessageEvent{
		RoomEvent: r.roomEvent(),
		UserID:    string(client.GetUserID()),
		Text:      text,
	}, nil)
	r.sendAckLocked(client, msg.ID, signal.SuccessResult{Success: true})
	r.mu.RUnlock()
}
