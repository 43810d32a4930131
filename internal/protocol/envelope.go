// Package protocol defines the message envelopes exchanged between foreground
// agents and the coordinator over a channel.
//
// The message kind set is closed: routing switches over MessageType
// exhaustively, so adding a kind without handling it is a compile-time
// omission in the router rather than a runtime fallthrough.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies a message kind on the channel.
type MessageType string

// Business message kinds.
const (
	TypeGetCredential    MessageType = "get-credential"
	TypeSetCredential    MessageType = "set-credential"
	TypeGetCachedContext MessageType = "get-cached-context"
	TypeSetCachedContext MessageType = "set-cached-context"
	TypeClearCache       MessageType = "clear-cache"
	TypeGetStorageInfo   MessageType = "get-storage-info"
	TypeGenerateReply    MessageType = "generate-reply"
)

// Reserved kinds that bypass business dispatch.
const (
	TypePing                  MessageType = "PING"
	TypePong                  MessageType = "PONG"
	TypeConnectionEstablished MessageType = "CONNECTION_ESTABLISHED"
)

// Known reports whether t belongs to the closed message kind set.
func (t MessageType) Known() bool {
	switch t {
	case TypeGetCredential, TypeSetCredential, TypeGetCachedContext,
		TypeSetCachedContext, TypeClearCache, TypeGetStorageInfo,
		TypeGenerateReply, TypePing, TypePong, TypeConnectionEstablished:
		return true
	}
	return false
}

// Reserved reports whether t is a control kind that never reaches business
// handlers.
func (t MessageType) Reserved() bool {
	switch t {
	case TypePing, TypePong, TypeConnectionEstablished:
		return true
	}
	return false
}

// Message is one turn of a conversation transcript.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Envelope is a request or control message. Every envelope except PING and
// CONNECTION_ESTABLISHED carries a RequestID, generated by the sender and
// unique for the lifetime of one channel incarnation.
type Envelope struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"requestId,omitempty"`
	Timestamp int64       `json:"timestamp,omitempty"`

	// Payload fields, populated per message kind.
	Credential string          `json:"credential,omitempty"`
	Scope      string          `json:"scope,omitempty"`
	ThreadID   string          `json:"threadId,omitempty"`
	Context    json.RawMessage `json:"context,omitempty"`
	Messages   []Message       `json:"messages,omitempty"`
}

// StorageInfo reports key-value store consumption.
type StorageInfo struct {
	BytesInUse int64 `json:"bytesInUse"`
	Quota      int64 `json:"quota"`
}

// Response is the coordinator's answer to one request. Exactly one response
// is delivered per RequestID, or none at all on client-side timeout.
type Response struct {
	RequestID string `json:"requestId,omitempty"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`

	Credential  string          `json:"credential,omitempty"`
	Context     json.RawMessage `json:"context,omitempty"`
	Reply       string          `json:"reply,omitempty"`
	Removed     int             `json:"removed,omitempty"`
	StorageInfo *StorageInfo    `json:"storageInfo,omitempty"`
}

// Inbound is a frame as seen from the foreground side: either a control
// envelope (Type set) or a business response correlated by RequestID.
type Inbound struct {
	Type MessageType `json:"type,omitempty"`
	Response
}

// Control reports whether the frame is a reserved control message rather
// than a business response.
func (in *Inbound) Control() bool { return in.Type != "" }

// NewRequestID returns a fresh correlation id.
func NewRequestID() string { return uuid.NewString() }

// NewEnvelope builds an envelope of the given kind with a fresh RequestID
// and the current timestamp.
func NewEnvelope(t MessageType) *Envelope {
	return &Envelope{
		Type:      t,
		RequestID: NewRequestID(),
		Timestamp: time.Now().UnixMilli(),
	}
}

// Ping returns a heartbeat envelope. Heartbeats carry no RequestID.
func Ping() *Envelope { return &Envelope{Type: TypePing} }

// Pong returns the heartbeat answer.
func Pong() *Envelope { return &Envelope{Type: TypePong} }

// ConnectionEstablished returns the handshake-complete announcement the
// coordinator emits on every new channel.
func ConnectionEstablished() *Envelope {
	return &Envelope{Type: TypeConnectionEstablished, Timestamp: time.Now().UnixMilli()}
}

// Encode serializes the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) { return json.Marshal(e) }

// Encode serializes the response for the wire.
func (r *Response) Encode() ([]byte, error) { return json.Marshal(r) }

// DecodeEnvelope parses and validates an inbound request frame on the
// coordinator side. A frame without a known type is a ProtocolError.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &Error{Reason: "invalid format", Err: err}
	}
	if env.Type == "" {
		return nil, &Error{Reason: "invalid format"}
	}
	if !env.Type.Known() {
		// The envelope is returned so the caller can still correlate the
		// failure response by RequestID.
		return &env, &Error{Reason: "unknown message type", Type: env.Type}
	}
	return &env, nil
}

// DecodeInbound parses a frame on the foreground side.
func DecodeInbound(data []byte) (*Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, &Error{Reason: "invalid format", Err: err}
	}
	return &in, nil
}

// Error is a protocol-level failure: a malformed frame or an unrecognized
// message kind.
type Error struct {
	Reason string
	Type   MessageType
	Err    error
}

func (e *Error) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s: %s", e.Reason, e.Type)
	}
	return e.Reason
}

func (e *Error) Unwrap() error { return e.Err }
