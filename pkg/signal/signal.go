// Package signal defines the wire contract of the signaling protocol: the
// JSON message envelope, the request/event vocabulary, their payload shapes,
// and the error taxonomy shared by the server and the client SDK.
//
// Framing:
//   - Requests (client → server) carry an id, an event and a payload. Every
//     request is acknowledged exactly once with either a result or an error
//     under the same id.
//   - Events (server → client) carry an event and a payload but no id.
//
// Room-scoped payloads always include the roomId so receivers can discard
// events that do not match their current room.
package signal

import (
	"encoding/json"
	"fmt"
)

// Event names a request or a server-pushed event on the socket.
type Event string

// Message is the single JSON frame exchanged on the signaling socket.
//
// Exactly one of the following combinations is populated:
//   - request:  ID, Event, Payload
//   - ack:      ID and either Result or Error
//   - event:    Event, Payload
type Message struct {
	ID      uint64          `json:"id,omitempty"`
	Event   Event           `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorInfo      `json:"error,omitempty"`
}

// IsRequest reports whether the frame expects an acknowledgement.
func (m *Message) IsRequest() bool {
	return m.ID != 0 && m.Event != ""
}

// IsAck reports whether the frame acknowledges a prior request.
func (m *Message) IsAck() bool {
	return m.ID != 0 && m.Event == ""
}

// NewRequest builds a request frame. The payload is marshalled immediately so
// encoding failures surface at the call site rather than in the write pump.
func NewRequest(id uint64, event Event, payload any) (*Message, error) {
	raw, err := marshalBody(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", event, err)
	}
	return &Message{ID: id, Event: event, Payload: raw}, nil
}

// NewAck builds a success acknowledgement for the given request id.
func NewAck(id uint64, result any) (*Message, error) {
	raw, err := marshalBody(result)
	if err != nil {
		return nil, fmt.Errorf("encode ack: %w", err)
	}
	return &Message{ID: id, Result: raw}, nil
}

// NewErrorAck builds a failure acknowledgement. Arbitrary errors are
// classified via AsError so the wire always carries a kind and a
// recoverable bit.
func NewErrorAck(id uint64, err error) *Message {
	return &Message{ID: id, Error: AsError(err).Info()}
}

// NewEvent builds a server-pushed event frame.
func NewEvent(event Event, payload any) (*Message, error) {
	raw, err := marshalBody(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", event, err)
	}
	return &Message{Event: event, Payload: raw}, nil
}

// Encode serializes the frame for the socket.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses a frame received from the socket.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return &m, nil
}

// DecodePayload unmarshals a request or event payload into dst.
func (m *Message) DecodePayload(dst any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", m.Event)
	}
	if err := json.Unmarshal(m.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Event, err)
	}
	return nil
}

// DecodeResult unmarshals an ack result into dst.
func (m *Message) DecodeResult(dst any) error {
	if m.Error != nil {
		return m.Error.Err()
	}
	if dst == nil || len(m.Result) == 0 {
		return nil
	}
	return json.Unmarshal(m.Result, dst)
}

func marshalBody(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}
