package election_test

import (
	"context"
	"testing"
	"time"

	"mupeer.dev/go/mupeer/internal/testutil"
)

func hostID(t *testing.T, c *testutil.Cluster, i int) string {
	t.Helper()
	h := c.Nodes[i].Election.Host()
	if h == nil {
		return ""
	}
	return h.ID
}

func TestHostRaceConvergesOnEarliest(t *testing.T) {
	c := testutil.NewCluster(t, 3)
	c.Start()
	c.WaitConnected()

	h, challenger := c.Nodes[0], c.Nodes[1]
	h.Election.MakeMeHost()
	c.Clock.Add(10 * time.Second)
	challenger.Election.MakeMeHost()

	want := h.Session.Me().ID
	testutil.WaitFor(t, 2*time.Second, func() bool {
		for i := range c.Nodes {
			if hostID(t, c, i) != want {
				return false
			}
		}
		return true
	}, "every node agrees on the earliest host")

	if !h.Election.IsHost() {
		t.Error("earliest claimant should still be host")
	}
	if challenger.Election.IsHost() {
		t.Error("later claimant should have yielded")
	}
}

func TestNewcomerLearnsHost(t *testing.T) {
	c := testutil.NewCluster(t, 3)
	for _, n := range c.Nodes[:2] {
		if err := n.Session.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	testutil.WaitFor(t, 2*time.Second, func() bool {
		return len(c.Nodes[0].Session.ConnectedPeers()) == 1
	}, "first two nodes connected")

	c.Nodes[0].Election.MakeMeHost()
	c.Settle()

	if err := c.Nodes[2].Session.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	want := c.Nodes[0].Session.Me().ID
	testutil.WaitFor(t, 2*time.Second, func() bool {
		return hostID(t, c, 2) == want
	}, "newcomer learns the host")
}

func TestHostDisconnectClearsHost(t *testing.T) {
	c := testutil.NewCluster(t, 2)
	c.Start()
	c.WaitConnected()

	c.Nodes[0].Election.MakeMeHost()
	want := c.Nodes[0].Session.Me().ID
	testutil.WaitFor(t, 2*time.Second, func() bool { return hostID(t, c, 1) == want }, "host adopted")

	// Keep the pair apart so the winner's re-invite cannot reconnect it
	c.Net.RefuseInvites(c.Nodes[1].Session.Me().ID, true)
	c.Net.Disconnect(c.Nodes[0].Session.Me().ID, c.Nodes[1].Session.Me().ID)

	testutil.WaitFor(t, 2*time.Second, func() bool { return hostID(t, c, 1) == "" }, "host cleared after disconnect")
	if !c.Nodes[0].Election.IsHost() {
		t.Error("the host itself keeps its claim")
	}
}
