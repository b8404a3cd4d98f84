package session_test

import (
	"sync/atomic"
	"testing"
	"time"

	"mupeer.dev/go/mupeer/internal/protocol"
	"mupeer.dev/go/mupeer/internal/session"
	"mupeer.dev/go/mupeer/internal/testutil"
)

func TestPairConnectsWithOneInvite(t *testing.T) {
	c := testutil.NewCluster(t, 2)
	c.Start()
	c.WaitConnected()
	c.Settle()

	a, b := c.Nodes[0], c.Nodes[1]
	if got := a.Metrics.InvitesSent.Load(); got != 1 {
		t.Errorf("winner invites: got %d, want 1", got)
	}
	if got := b.Metrics.InvitesSent.Load(); got != 0 {
		t.Errorf("loser invites: got %d, want 0", got)
	}

	peers := a.Session.ConnectedPeers()
	if len(peers) != 1 || peers[0].ID != b.Session.Me().ID {
		t.Fatalf("connected peers: %v", peers)
	}
	if peers[0].IsMe {
		t.Error("remote peer marked as me")
	}
	if st, ok := a.Session.ConnectionState(peers[0]); !ok || st != protocol.StateConnected {
		t.Errorf("state: got %v %v, want connected", st, ok)
	}
}

func TestRediscoveryProbesExistingConnection(t *testing.T) {
	c := testutil.NewCluster(t, 2)
	c.Start()
	c.WaitConnected()

	a, b := c.Nodes[0], c.Nodes[1]
	aID, bID := a.Session.Me().ID, b.Session.Me().ID

	c.Net.LoseDiscovery(aID, bID)
	testutil.WaitFor(t, 2*time.Second, func() bool {
		return len(a.Session.ConnectedPeers()) == 0 && len(b.Session.ConnectedPeers()) == 0
	}, "undiscovered peers are not reported as connected")

	c.Net.Rediscover(aID, bID)
	c.WaitConnected()

	if a.Metrics.LivenessProbes.Load()+b.Metrics.LivenessProbes.Load() == 0 {
		t.Error("expected a liveness probe instead of a fresh invite")
	}
	if got := a.Metrics.InvitesSent.Load(); got != 1 {
		t.Errorf("invites after rediscovery: got %d, want 1", got)
	}
}

func TestResetKeepsSubscriptions(t *testing.T) {
	c := testutil.NewCluster(t, 2)
	c.Start()
	c.WaitConnected()

	b := c.Nodes[1]
	before := b.Session.Me()

	var peerEvents, resets atomic.Int32
	b.Session.SubscribePeers(func([]session.Peer) { peerEvents.Add(1) })
	b.Session.SubscribeReset(func(me session.Peer) { resets.Add(1) })

	if err := b.Session.Reset("renamed"); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	after := b.Session.Me()
	if after.ID == before.ID {
		t.Error("reset must generate a new peer ID")
	}
	if after.DiscoveryID == before.DiscoveryID {
		t.Error("reset must generate a new discovery token")
	}
	if after.DisplayName == before.DisplayName {
		t.Errorf("display name not changed: %q", after.DisplayName)
	}
	if resets.Load() != 1 {
		t.Errorf("reset handlers: got %d, want 1", resets.Load())
	}

	c.WaitConnected()
	if peerEvents.Load() == 0 {
		t.Error("peer subscription did not survive the reset")
	}

	stored, err := b.Store.Load()
	if err != nil {
		t.Fatalf("load identity: %v", err)
	}
	if stored.ID != after.ID {
		t.Errorf("persisted identity %s, want %s", stored.ID, after.ID)
	}
}

func TestSendToAllConnected(t *testing.T) {
	c := testutil.NewCluster(t, 3)
	c.Start()
	c.WaitConnected()

	var got atomic.Int32
	for _, n := range c.Nodes[1:] {
		n.Session.HandleData(func(data []byte, from session.Peer) bool {
			if string(data) == "hi" {
				got.Add(1)
			}
			return true
		})
	}

	if err := c.Nodes[0].Session.Send([]byte("hi"), nil, true); err != nil {
		t.Fatalf("Send: %v", err)
	}
	testutil.WaitFor(t, 2*time.Second, func() bool { return got.Load() == 2 }, "both peers receive")
}
