package protocol

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Version information
const (
	ProtocolVersion    = "1.0.0"
	MinProtocolVersion = "1.0.0"
)

// MessageType identifies the type of a transport frame
type MessageType string

const (
	MsgHello     MessageType = "hello"
	MsgData      MessageType = "data"
	MsgKeepalive MessageType = "keepalive"
	MsgBye       MessageType = "bye"
)

// Message is a transport frame exchanged between two connected peers
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Data      []byte          `json:"data,omitempty"` // Opaque session bytes for MsgData
}

// NewMessage creates a new message with the given payload
func NewMessage(msgType MessageType, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Payload:   data,
	}, nil
}

// NewDataMessage wraps opaque session bytes in a data frame
func NewDataMessage(data []byte) *Message {
	return &Message{
		Type:      MsgData,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// ParsePayload unmarshals the message payload
func (m *Message) ParsePayload(v interface{}) error {
	return json.Unmarshal(m.Payload, v)
}

// Hello is exchanged once when a connection is established
type Hello struct {
	Version     string `json:"version"`
	MinVersion  string `json:"min_version"`
	PeerID      string `json:"peer_id"`
	DisplayName string `json:"display_name"`
	DiscoveryID string `json:"discovery_id"`
}

// NewHello creates the hello for the local peer
func NewHello(self PeerHandle, discoveryID string) *Hello {
	return &Hello{
		Version:     ProtocolVersion,
		MinVersion:  MinProtocolVersion,
		PeerID:      self.ID,
		DisplayName: self.DisplayName,
		DiscoveryID: discoveryID,
	}
}

// Handle returns the peer handle announced by the hello
func (h *Hello) Handle() PeerHandle {
	return PeerHandle{ID: h.PeerID, DisplayName: h.DisplayName}
}

// Envelope is the session-level event format. Field names are part of the
// wire contract shared with every peer.
type Envelope struct {
	EventName string          `json:"eventName"`
	Info      EnvelopeInfo    `json:"info"`
	Payload   json.RawMessage `json:"payload"`
}

// EnvelopeInfo carries sender metadata. SendTime is client supplied and only
// used for ordering.
type EnvelopeInfo struct {
	SenderEntityID *string `json:"senderEntityID"`
	SendTime       float64 `json:"sendTime"`
}

// NewEnvelope encodes payload into an envelope
func NewEnvelope(eventName string, senderEntityID *string, sendTime float64, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", eventName, err)
	}
	return &Envelope{
		EventName: eventName,
		Info:      EnvelopeInfo{SenderEntityID: senderEntityID, SendTime: sendTime},
		Payload:   data,
	}, nil
}

// Encode serializes the envelope
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses an envelope. It fails on anything without an event name.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.EventName == "" {
		return nil, fmt.Errorf("decode envelope: missing eventName")
	}
	return &env, nil
}

// Seconds converts a wall-clock time to fractional seconds since the epoch
func Seconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// FromSeconds converts fractional epoch seconds back to a time
func FromSeconds(s float64) time.Time {
	sec, frac := math.Modf(s)
	return time.Unix(int64(sec), int64(frac*float64(time.Second)))
}

// ControlKind is a liveness probe message kind
type ControlKind string

const (
	ControlPing ControlKind = "ping"
	ControlPong ControlKind = "pong"
)

// control is the non-enveloped liveness message: {"ping":""} or {"pong":""}
type control struct {
	Ping      *string `json:"ping,omitempty"`
	Pong      *string `json:"pong,omitempty"`
	EventName string  `json:"eventName,omitempty"`
}

// EncodeControl returns the raw bytes for a ping or pong
func EncodeControl(kind ControlKind) []byte {
	empty := ""
	var c control
	switch kind {
	case ControlPing:
		c.Ping = &empty
	case ControlPong:
		c.Pong = &empty
	}
	data, _ := json.Marshal(c)
	return data
}

// ParseControl reports whether data is a liveness message and which kind
func ParseControl(data []byte) (ControlKind, bool) {
	var c control
	if err := json.Unmarshal(data, &c); err != nil {
		return "", false
	}
	if c.EventName != "" {
		return "", false
	}
	switch {
	case c.Ping != nil && c.Pong == nil:
		return ControlPing, true
	case c.Pong != nil && c.Ping == nil:
		return ControlPong, true
	}
	return "", false
}

// HostMessageKind distinguishes host election messages
type HostMessageKind string

const (
	HostRequest  HostMessageKind = "requestHost"
	HostAnnounce HostMessageKind = "announceHost"
)

// HostMessage is the host election payload
type HostMessage struct {
	Kind          HostMessageKind `json:"kind"`
	HostStartTime float64         `json:"hostStartTime"`
}
