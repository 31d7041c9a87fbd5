// Package channel implements the push channel protocol: a topic-scoped
// publish/subscribe session over one websocket, with a join handshake and
// per-message reference correlation.
package channel

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/dgnsrekt/gridsync/internal/transport"
)

// Protocol event and topic names.
const (
	EventJoin         = "phx_join"
	EventLeave        = "phx_leave"
	EventReply        = "phx_reply"
	EventClose        = "phx_close"
	EventError        = "phx_error"
	EventHeartbeat    = "heartbeat"
	EventRequestState = "request_state"

	// TopicPhoenix carries socket-level heartbeats.
	TopicPhoenix = "phoenix"

	DefaultVsn = "2.0.0"
)

// Reply statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Message is one frame. On the wire it is the array
// [joinRef, ref, topic, event, payload].
type Message struct {
	JoinRef *string
	Ref     *string
	Topic   string
	Event   string
	Payload json.RawMessage
}

// objectFrame is the keyed form some servers send.
type objectFrame struct {
	JoinRef *string         `json:"join_ref"`
	Ref     *string         `json:"ref"`
	Topic   *string         `json:"topic"`
	Event   *string         `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Reply is the payload of a phx_reply frame.
type Reply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response,omitempty"`
}

// Reason extracts response.reason from an error reply, if any.
func (r Reply) Reason() string {
	var body struct {
		Reason string `json:"reason"`
	}
	if len(r.Response) > 0 && json.Unmarshal(r.Response, &body) == nil {
		return body.Reason
	}
	return ""
}

// Empty reports whether the reply carries no response body.
func (r Reply) Empty() bool {
	b := bytes.TrimSpace(r.Response)
	return len(b) == 0 || bytes.Equal(b, []byte("null")) || bytes.Equal(b, []byte("{}"))
}

func (m Message) MarshalJSON() ([]byte, error) {
	payload := m.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	return json.Marshal([5]any{m.JoinRef, m.Ref, m.Topic, m.Event, payload})
}

// RefString is the message ref or "" when absent.
func (m *Message) RefString() string {
	if m.Ref == nil {
		return ""
	}
	return *m.Ref
}

// Encode serializes m in array form.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses an inbound frame in either array or object form. Anything
// else is a *transport.ProtocolError.
func Decode(data []byte) (*Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, protocolError("empty frame", data)
	}

	switch trimmed[0] {
	case '[':
		return decodeArray(trimmed)
	case '{':
		return decodeObject(trimmed)
	default:
		return nil, protocolError("frame is neither array nor object", data)
	}
}

func decodeArray(data []byte) (*Message, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return nil, protocolError(err.Error(), data)
	}
	if len(parts) != 5 {
		return nil, protocolError(fmt.Sprintf("array frame has %d elements, want 5", len(parts)), data)
	}

	m := &Message{Payload: parts[4]}
	if err := json.Unmarshal(parts[0], &m.JoinRef); err != nil {
		return nil, protocolError("join_ref: "+err.Error(), data)
	}
	if err := json.Unmarshal(parts[1], &m.Ref); err != nil {
		return nil, protocolError("ref: "+err.Error(), data)
	}
	if err := json.Unmarshal(parts[2], &m.Topic); err != nil {
		return nil, protocolError("topic: "+err.Error(), data)
	}
	if err := json.Unmarshal(parts[3], &m.Event); err != nil {
		return nil, protocolError("event: "+err.Error(), data)
	}
	return validate(m, data)
}

func decodeObject(data []byte) (*Message, error) {
	var f objectFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, protocolError(err.Error(), data)
	}
	if f.Topic == nil || f.Event == nil {
		return nil, protocolError("object frame missing topic or event", data)
	}
	return validate(&Message{
		JoinRef: f.JoinRef,
		Ref:     f.Ref,
		Topic:   *f.Topic,
		Event:   *f.Event,
		Payload: f.Payload,
	}, data)
}

func validate(m *Message, data []byte) (*Message, error) {
	if m.Topic == "" {
		return nil, protocolError("empty topic", data)
	}
	if m.Event == "" {
		return nil, protocolError("empty event", data)
	}
	if bytes.Equal(bytes.TrimSpace(m.Payload), []byte("null")) {
		m.Payload = nil
	}
	return m, nil
}

func protocolError(reason string, data []byte) error {
	return &transport.ProtocolError{Reason: reason, Frame: data}
}

func strPtr(s string) *string { return &s }
