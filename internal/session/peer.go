package session

import (
	"sort"

	"mupeer.dev/go/mupeer/internal/protocol"
)

// Peer is the logical view of a participant. Two peers are the same peer
// when their IDs match, whatever their discovery tokens.
type Peer struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	DiscoveryID string `json:"discovery_id,omitempty"`
	IsMe        bool   `json:"is_me"`
}

// Equal compares peers by identity
func (p Peer) Equal(other Peer) bool {
	return p.ID == other.ID
}

// Handle returns the transport handle for the peer
func (p Peer) Handle() protocol.PeerHandle {
	return protocol.PeerHandle{ID: p.ID, DisplayName: p.DisplayName}
}

func (p Peer) String() string {
	return p.Handle().String()
}

func peerFromHandle(h protocol.PeerHandle, discoveryID string) Peer {
	return Peer{ID: h.ID, DisplayName: h.DisplayName, DiscoveryID: discoveryID}
}

func sortPeers(peers []Peer) {
	sort.Slice(peers, func(i, j int) bool {
		if peers[i].DisplayName != peers[j].DisplayName {
			return peers[i].DisplayName < peers[j].DisplayName
		}
		return peers[i].ID < peers[j].ID
	})
}

// ContainsPeer reports whether peers includes p
func ContainsPeer(peers []Peer, p Peer) bool {
	for _, q := range peers {
		if q.Equal(p) {
			return true
		}
	}
	return false
}
