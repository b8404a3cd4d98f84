package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"mupeer.dev/go/mupeer/internal/metrics"
	"mupeer.dev/go/mupeer/internal/protocol"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for: %s", msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (r *recorder) lastState() (protocol.ConnectionState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return 0, false
	}
	return r.states[len(r.states)-1], true
}

func (r *recorder) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.data...)
}

func (r *recorder) foundCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.found)
}

type lanNode struct {
	t    *LANTransport
	rec  *recorder
	disc *StaticDiscovery
	m    *metrics.Metrics
}

func startLAN(t *testing.T, id string) *lanNode {
	t.Helper()
	n := &lanNode{rec: &recorder{}, disc: NewStaticDiscovery(), m: metrics.New()}
	n.t = NewLAN(protocol.PeerHandle{ID: id, DisplayName: id}, "disc-"+id, LANConfig{
		NewDiscovery:      func() Discovery { return n.disc },
		KeepaliveInterval: time.Second,
		Metrics:           n.m,
	})
	n.t.SetDelegate(n.rec)
	if err := n.t.Start(context.Background()); err != nil {
		t.Fatalf("start %s: %v", id, err)
	}
	t.Cleanup(func() { n.t.Close() })
	return n
}

func introduce(a, b *lanNode) {
	a.disc.Add(b.t.LocalAdvert("127.0.0.1"))
	b.disc.Add(a.t.LocalAdvert("127.0.0.1"))
}

func waitState(t *testing.T, n *lanNode, want protocol.ConnectionState) {
	t.Helper()
	waitFor(t, func() bool {
		s, ok := n.rec.lastState()
		return ok && s == want
	}, "state "+want.String())
}

func TestLANConnectAndSend(t *testing.T) {
	a, b := startLAN(t, "peer-a"), startLAN(t, "peer-b")
	introduce(a, b)

	if a.rec.foundCount() != 1 || b.rec.foundCount() != 1 {
		t.Fatalf("discovery not reported")
	}

	if err := a.t.Invite(protocol.PeerHandle{ID: "peer-b", DisplayName: "peer-b"}, time.Second); err != nil {
		t.Fatalf("Invite: %v", err)
	}
	waitState(t, a, protocol.StateConnected)
	waitState(t, b, protocol.StateConnected)

	if got := a.t.ConnectedHandles(); len(got) != 1 || got[0].ID != "peer-b" {
		t.Errorf("ConnectedHandles: %v", got)
	}
	if a.m.Handshakes.Load() != 1 || b.m.Handshakes.Load() != 1 {
		t.Errorf("handshakes: %d %d", a.m.Handshakes.Load(), b.m.Handshakes.Load())
	}

	to := []protocol.PeerHandle{{ID: "peer-b", DisplayName: "peer-b"}}
	if err := a.t.Send([]byte("one"), to, true); err != nil {
		t.Fatal(err)
	}
	if err := a.t.Send([]byte("two"), to, false); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return len(b.rec.messages()) == 2 }, "messages delivered")
	if msgs := b.rec.messages(); msgs[0] != "peer-a:one" || msgs[1] != "peer-a:two" {
		t.Errorf("messages out of order: %v", msgs)
	}
}

func TestLANCloseNotifiesPeer(t *testing.T) {
	a, b := startLAN(t, "peer-a"), startLAN(t, "peer-b")
	introduce(a, b)

	a.t.Invite(protocol.PeerHandle{ID: "peer-b", DisplayName: "peer-b"}, time.Second)
	waitState(t, b, protocol.StateConnected)

	a.t.Close()
	waitState(t, b, protocol.StateNotConnected)

	if len(b.t.ConnectedHandles()) != 0 {
		t.Error("connection still listed after peer closed")
	}
	err := a.t.Send([]byte("x"), []protocol.PeerHandle{{ID: "peer-b"}}, true)
	if !errors.Is(err, ErrClosed) {
		t.Errorf("send after close: %v", err)
	}
}

func TestLANSendWithoutConnection(t *testing.T) {
	a := startLAN(t, "peer-a")
	err := a.t.Send([]byte("x"), []protocol.PeerHandle{{ID: "nobody"}}, true)
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("got %v, want ErrNotConnected", err)
	}
	if err := a.t.Invite(protocol.PeerHandle{ID: "nobody"}, time.Second); err == nil {
		t.Error("invite without an address should fail")
	}
}

func TestLANLostDiscovery(t *testing.T) {
	a, b := startLAN(t, "peer-a"), startLAN(t, "peer-b")
	introduce(a, b)

	a.disc.Remove("peer-b")
	a.rec.mu.Lock()
	lost := append([]string(nil), a.rec.lost...)
	a.rec.mu.Unlock()

	if len(lost) != 1 || lost[0] != "peer-b" {
		t.Errorf("lost: %v", lost)
	}
}
