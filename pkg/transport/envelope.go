package transport

import (
	"time"

	json "github.com/goccy/go-json"
)

// MsgType identifies the kind of envelope on the wire
type MsgType string

const (
	MsgAuth         MsgType = "auth"
	MsgData         MsgType = "data"
	MsgStatus       MsgType = "status"
	MsgCommand      MsgType = "command"
	MsgPing         MsgType = "ping"
	MsgPong         MsgType = "pong"
	MsgConfigUpdate MsgType = "config_update"
)

// Commands the remote endpoint may issue
const (
	CommandSyncNow   = "sync_now"
	CommandReconnect = "reconnect"
)

// ClientInfo identifies the agent to the remote endpoint during auth
type ClientInfo struct {
	Type      string `json:"type"`
	Version   string `json:"version"`
	Timestamp string `json:"timestamp"`
}

// Envelope is one discrete wire message. Every envelope carries a type and a
// UTC timestamp; the remaining fields are type-specific.
type Envelope struct {
	Type      MsgType `json:"type"`
	Timestamp string  `json:"timestamp"`

	// auth
	APIKey     string      `json:"api_key,omitempty"`
	ClientInfo *ClientInfo `json:"client_info,omitempty"`

	// data
	SourceID   string                 `json:"source_id,omitempty"`
	SourceType string                 `json:"source_type,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`

	// status
	Status  string                 `json:"status,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`

	// command (inbound)
	Command string `json:"command,omitempty"`

	// config_update (inbound, opaque)
	Payload json.RawMessage `json:"payload,omitempty"`
}

func utcNow() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// NewEnvelope creates an envelope of the given type stamped with the
// current UTC time
func NewEnvelope(t MsgType) Envelope {
	return Envelope{Type: t, Timestamp: utcNow()}
}

// NewDataEnvelope builds a data envelope for one harvested record. A zero
// ts falls back to the current time.
func NewDataEnvelope(sourceID, sourceType string, ts time.Time, data, metadata map[string]interface{}) Envelope {
	stamp := utcNow()
	if !ts.IsZero() {
		stamp = ts.UTC().Format(time.RFC3339Nano)
	}
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	return Envelope{
		Type:       MsgData,
		Timestamp:  stamp,
		SourceID:   sourceID,
		SourceType: sourceType,
		Data:       data,
		Metadata:   metadata,
	}
}

// NewStatusEnvelope builds a status envelope
func NewStatusEnvelope(status string, details map[string]interface{}) Envelope {
	if details == nil {
		details = map[string]interface{}{}
	}
	return Envelope{
		Type:      MsgStatus,
		Timestamp: utcNow(),
		Status:    status,
		Details:   details,
	}
}
