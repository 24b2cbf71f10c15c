package ipc

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/Konzui/Quixel-Portal-sub001/internal/importer"
)

// MessageType discriminates IPC frames. Types are carried on the wire
// as their names so captures stay readable.
type MessageType string

const (
	MsgRegister      MessageType = "REGISTER"
	MsgUnregister    MessageType = "UNREGISTER"
	MsgClaimActive   MessageType = "CLAIM_ACTIVE"
	MsgReleaseActive MessageType = "RELEASE_ACTIVE"
	MsgHeartbeat     MessageType = "HEARTBEAT"
	MsgImportData    MessageType = "IMPORT_DATA"
	MsgActiveChanged MessageType = "ACTIVE_CHANGED"
	MsgAck           MessageType = "ACK"
	MsgError         MessageType = "ERROR"
)

// Message is the unit of IPC communication. Every request carries a
// correlation id; the receiver replies ACK or ERROR under the same id.
// ERROR and ACTIVE_CHANGED are notifications and expect no reply.
type Message struct {
	Type          MessageType     `json:"type"`
	CorrelationID string          `json:"correlation_id"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Request payloads.
type RegisterPayload struct {
	InstanceID  string `json:"instance_id"`
	DisplayName string `json:"display_name"`
}

type UnregisterPayload struct {
	InstanceID string `json:"instance_id"`
}

type ClaimActivePayload struct {
	InstanceID string `json:"instance_id"`
}

type ReleaseActivePayload struct {
	InstanceID string `json:"instance_id"`
}

type HeartbeatPayload struct {
	InstanceID string `json:"instance_id"`
	PID        int    `json:"pid"`
}

type ImportDataPayload struct {
	Request importer.Request `json:"request"`
}

// Notification payloads.
type ActiveChangedPayload struct {
	ActiveInstanceID string `json:"active_instance_id"`
	Generation       uint64 `json:"generation"`
}

type ErrorPayload struct {
	Reason string `json:"reason"`
}

// Reply payloads.
type RegisterAck struct {
	InstanceID string `json:"instance_id"`
}

type ClaimActiveAck struct {
	ActiveInstanceID string `json:"active_instance_id"`
}

type ImportDataAck struct {
	Accepted bool `json:"accepted"`
}

// NewMessage builds a request or notification with a fresh correlation
// id. A nil payload produces an empty body.
func NewMessage(typ MessageType, payload any) (*Message, error) {
	m := &Message{
		Type:          typ,
		CorrelationID: uuid.NewString(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		m.Payload = data
	}
	return m, nil
}

// NewReply builds an ACK or ERROR correlated to a request.
func NewReply(to *Message, typ MessageType, payload any) (*Message, error) {
	m := &Message{
		Type:          typ,
		CorrelationID: to.CorrelationID,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		m.Payload = data
	}
	return m, nil
}

// Decode unmarshals a message payload into out.
func (m *Message) Decode(out any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, out)
}

// ErrorReason extracts the reason from an ERROR message.
func (m *Message) ErrorReason() string {
	if m.Type != MsgError {
		return ""
	}
	var p ErrorPayload
	if err := m.Decode(&p); err != nil {
		return "unparsable error payload"
	}
	return p.Reason
}

func (m *Message) isReply() bool {
	return m.Type == MsgAck || m.Type == MsgError
}
