package protocol

import (
	"context"
	"fmt"
	"time"
)

// PeerHandle identifies a peer at the transport level. It is comparable and
// used as a map key by the session registry.
type PeerHandle struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

func (h PeerHandle) String() string {
	return fmt.Sprintf("%s(%s)", h.DisplayName, ShortID(h.ID))
}

// ShortID returns the first 8 characters of an ID for log output.
func ShortID(id string) string {
	return id[:min(8, len(id))]
}

// ConnectionState is the session-level connection state the transport reports
// for a peer handle.
type ConnectionState int

const (
	StateNotConnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateNotConnected:
		return "notConnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Valid reports whether s is one of the three defined states.
func (s ConnectionState) Valid() bool {
	return s >= StateNotConnected && s <= StateConnected
}

// TransportDelegate receives discovery, connection, and message callbacks.
// Callbacks may arrive on any goroutine, concurrently for different peers.
type TransportDelegate interface {
	PeerFound(handle PeerHandle, discoveryID string)
	PeerLost(handle PeerHandle)
	PeerStateChanged(handle PeerHandle, state ConnectionState)
	Received(data []byte, from PeerHandle)
}

// Transport abstracts peer discovery, connection establishment, and message
// delivery. Implementations must not call the delegate while holding locks
// that Send or Invite also take.
type Transport interface {
	// SetDelegate attaches the callback receiver. It must be called before Start.
	SetDelegate(d TransportDelegate)

	// Start begins advertising and browsing.
	Start(ctx context.Context) error

	// Invite asks the peer to join the session. The outcome is reported
	// asynchronously through PeerStateChanged.
	Invite(handle PeerHandle, timeout time.Duration) error

	// Send delivers data to every handle in to. Unreliable sends may be dropped.
	Send(data []byte, to []PeerHandle, reliable bool) error

	// ConnectedHandles returns the handles the transport considers connected.
	ConnectedHandles() []PeerHandle

	// Close stops discovery and drops every connection. No new callbacks
	// start after Close returns, though one already running may finish.
	Close() error
}
