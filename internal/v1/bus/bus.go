package bus

import (
	"encoding/json"
	"fmt"
)

// Envelope is the standardized container for messages moving between
// instances. SenderID is the socket id of the originating client and is used
// to suppress echo when an instance receives its own publish back.
type Envelope struct {
	ChannelID string          `json:"channelId"`
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	SenderID  string          `json:"senderId"`
	Roles     []string        `json:"roles,omitempty"` // nil/empty = all roles
}

// RoomSubject names the pub/sub channel for one room.
func RoomSubject(channelID string) string {
	return fmt.Sprintf("signal:room:%s", channelID)
}

// UserSubject names the pub/sub channel for direct messages to one session.
func UserSubject(userID string) string {
	return fmt.Sprintf("signal:user:%s", userID)
}

// encodeEnvelope wraps a payload for the wire.
func encodeEnvelope(channelID, event string, payload any, senderID string, roles []string) ([]byte, error) {
	innerBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal inner payload: %w", err)
	}

	data, err := json.Marshal(Envelope{
		ChannelID: channelID,
		Event:     event,
		Payload:   innerBytes,
		SenderID:  senderID,
		Roles:     roles,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal pubsub envelope: %w", err)
	}
	return data, nil
}
