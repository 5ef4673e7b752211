package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Wildcard subscribes a handler to every dispatched event.
const Wildcard = "*"

// Reserved message types.
const (
	TypePing                  = "ping"
	TypePong                  = "pong"
	TypeHeartbeat             = "heartbeat"
	TypeError                 = "error"
	TypeConnectionEstablished = "connection:established"
	TypeTypingStart           = "typing:start"
	TypeTypingStop            = "typing:stop"
	TypeReadReceipt           = "read:receipt"
	TypePresenceUpdate        = "presence:update"
	TypeUserPresence          = "user:presence"
	TypeUserOnline            = "user:online"
	TypeUserOffline           = "user:offline"
)

// Error frame codes.
const (
	CodeAuthFailed         = "auth_failed"
	CodeAccessDenied       = "access_denied"
	CodeUnauthorized       = "unauthorized"
	CodeInvalidToken       = "invalid_token"
	CodeUnsupportedVersion = "unsupported_version"
	CodeInvalidJSON        = "invalid_json"
	CodeUnknownType        = "unknown_type"
	CodeRateLimited        = "rate_limited"
)

// Presence statuses understood by the relay.
const (
	PresenceOnline = "online"
	PresenceAway   = "away"
	PresenceBusy   = "busy"
)

// Envelope is the wire frame used in both directions.
type Envelope struct {
	Meta      *Meta           `json:"meta,omitempty"`
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Meta carries client-side message identity.
type Meta struct {
	ID            string `json:"id,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	// Timestamp is unix milliseconds.
	Timestamp int64 `json:"timestamp,omitempty"`
}

// Message is an inbound frame as handed to subscribers.
type Message struct {
	ReceivedAt time.Time
	Meta       *Meta
	Type       string
	Timestamp  string
	Data       json.RawMessage
}

// Decode unmarshals the message payload into v.
func (m Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return errors.New("realtime: message has no data")
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", m.Type, err)
	}
	return nil
}

// TypingData is the payload of typing:start and typing:stop.
type TypingData struct {
	RecipientID string `json:"recipient_id,omitempty"`
	SenderID    string `json:"sender_id,omitempty"`
	SenderName  string `json:"sender_name,omitempty"`
	Context     string `json:"context,omitempty"`
}

// ReadReceiptData is the payload of read:receipt.
type ReadReceiptData struct {
	RecipientID string   `json:"recipient_id,omitempty"`
	ReaderID    string   `json:"reader_id,omitempty"`
	ReadAt      string   `json:"read_at,omitempty"`
	MessageIDs  []string `json:"message_ids"`
}

// PresenceData is the payload of presence:update and user:presence.
type PresenceData struct {
	UserID string `json:"user_id,omitempty"`
	Status string `json:"status"`
}

// PingData is the payload of ping and pong.
type PingData struct {
	// Timestamp is unix milliseconds at send time.
	Timestamp int64  `json:"timestamp,omitempty"`
	Seq       uint64 `json:"seq,omitempty"`
}

// ErrorData is the payload of error frames.
type ErrorData struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// EstablishedData is the payload of connection:established.
type EstablishedData struct {
	UserID      string `json:"user_id"`
	ConnectedAt string `json:"connected_at"`
}

// UserStatusData is the payload of user:online and user:offline.
type UserStatusData struct {
	UserID    string `json:"user_id"`
	Timestamp string `json:"timestamp,omitempty"`
}

// EncodeFrame builds a wire frame. data may be nil, a json.RawMessage or any
// JSON-marshalable value.
func EncodeFrame(msgType string, data any, meta *Meta) ([]byte, error) {
	raw, err := marshalData(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: msgType, Data: raw, Meta: meta})
}

// DecodeFrame parses a wire frame.
func DecodeFrame(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode frame: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, errors.New("decode frame: missing type")
	}
	return env, nil
}

func marshalData(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, errors.New("invalid raw JSON payload")
		}
		return v, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal data: %w", err)
		}
		return b, nil
	}
}

func (env Envelope) message(now time.Time) Message {
	return Message{
		Type:       env.Type,
		Data:       env.Data,
		Meta:       env.Meta,
		Timestamp:  env.Timestamp,
		ReceivedAt: now,
	}
}
