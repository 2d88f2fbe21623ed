// Package websocket defines the wire envelope shared by the server's
// broadcast hub and its clients.
package websocket

import (
	"encoding/json"
	"time"
)

// Kind tags what a message carries.
type Kind string

const (
	// KindAgentUpdate carries an agent state summary after a poll.
	KindAgentUpdate Kind = "agent_update"

	// KindTerminalOutput carries a raw terminal chunk (base64 in JSON).
	KindTerminalOutput Kind = "terminal_output"

	// KindMetricsUpdate carries fleet-level counters.
	KindMetricsUpdate Kind = "metrics_update"

	// KindLogLine carries one server log line for live debugging views.
	KindLogLine Kind = "log_line"

	// KindPing is a client keep-alive; the server answers with KindPong.
	KindPing Kind = "ping"
	KindPong Kind = "pong"
)

// Message is the envelope for every frame on the broadcast socket.
type Message struct {
	Type      Kind            `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"ts"`
}

// New builds a message of the given kind around a JSON-marshalable payload.
func New(kind Kind, payload any) (*Message, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		data = b
	}
	return &Message{Type: kind, Payload: data, Timestamp: time.Now().UTC()}, nil
}

// ParsePayload unmarshals the payload into v. A missing payload is not an
// error; v is left untouched.
func (m *Message) ParsePayload(v any) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}
