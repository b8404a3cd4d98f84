package daemon

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"mupeer.dev/go/mupeer/internal/config"
	"mupeer.dev/go/mupeer/internal/replica"
	"mupeer.dev/go/mupeer/internal/testutil"
	"mupeer.dev/go/mupeer/internal/transport"
)

func newTestDaemon(t *testing.T, net *transport.MemoryNetwork, name string) *Daemon {
	t.Helper()

	cfg := config.Default()
	cfg.Identity.Name = name
	cfg.Daemon.WebEnabled = false
	cfg.Values = append(cfg.Values, config.ValueConfig{
		Name:     "score",
		Policy:   "hostOnly",
		Reliable: true,
		Initial:  `{"points":0}`,
	})

	d, err := New(&Options{
		Paths:     testutil.TestPaths(t),
		Config:    cfg,
		Transport: net.Factory(),
		LogBuffer: NewLogBuffer(1000),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { d.Stop() })
	return d
}

func startPair(t *testing.T) (*Daemon, *Daemon) {
	t.Helper()
	net := transport.NewMemoryNetwork()
	a := newTestDaemon(t, net, "alpha")
	b := newTestDaemon(t, net, "beta")

	testutil.WaitFor(t, 5*time.Second, func() bool {
		return a.Status().PeerCount == 1 && b.Status().PeerCount == 1
	}, "daemons connected")
	return a, b
}

func TestStatus(t *testing.T) {
	d := newTestDaemon(t, transport.NewMemoryNetwork(), "solo")

	status := d.Status()
	if !status.Running {
		t.Error("Running = false")
	}
	if status.PeerID == "" || status.DiscoveryID == "" {
		t.Errorf("missing identity in status: %+v", status)
	}
	if status.ValueCount != 2 {
		t.Errorf("ValueCount = %d, want 2", status.ValueCount)
	}
	if status.Host != "" || status.IsHost {
		t.Errorf("unexpected host %q", status.Host)
	}
}

func TestValuesReplicateBetweenDaemons(t *testing.T) {
	a, b := startPair(t)

	if _, err := a.SetValue("counter", json.RawMessage("5")); err != nil {
		t.Fatalf("SetValue() error = %v", err)
	}

	testutil.WaitFor(t, 5*time.Second, func() bool {
		info, err := b.Value("counter")
		return err == nil && string(info.Value) == "5"
	}, "counter replicated")

	ia, _ := a.Value("counter")
	ib, _ := b.Value("counter")
	if ia.LastUpdated != ib.LastUpdated {
		t.Errorf("LastUpdated differs: %v vs %v", ia.LastUpdated, ib.LastUpdated)
	}
}

func TestSetValueErrors(t *testing.T) {
	d := newTestDaemon(t, transport.NewMemoryNetwork(), "solo")

	tests := []struct {
		name    string
		value   string
		raw     string
		wantErr error
	}{
		{"unknown value", "missing", "1", ErrNotFound},
		{"invalid JSON", "counter", "{", ErrInvalidValue},
		{"host-only without host", "score", `{"points":1}`, replica.ErrNotHost},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.SetValue(tt.value, json.RawMessage(tt.raw))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("SetValue() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestHostOnlyValueFollowsClaim(t *testing.T) {
	a, b := startPair(t)

	info := a.ClaimHost()
	if !info.IsHost {
		t.Fatalf("ClaimHost() IsHost = false")
	}

	testutil.WaitFor(t, 5*time.Second, func() bool {
		h := b.Host()
		return h.Host != nil && !h.IsHost && h.Host.ID == a.Status().PeerID
	}, "follower sees host")

	if _, err := b.SetValue("score", json.RawMessage(`{"points":2}`)); !errors.Is(err, replica.ErrNotHost) {
		t.Errorf("follower SetValue() error = %v, want ErrNotHost", err)
	}

	if _, err := a.SetValue("score", json.RawMessage(`{"points":3}`)); err != nil {
		t.Fatalf("host SetValue() error = %v", err)
	}
	testutil.WaitFor(t, 5*time.Second, func() bool {
		info, _ := b.Value("score")
		return string(info.Value) == `{"points":3}`
	}, "score replicated")

	if got := b.Metrics().RejectedWrites.Load(); got != 1 {
		t.Errorf("RejectedWrites = %d, want 1", got)
	}
}

func TestResetChangesIdentity(t *testing.T) {
	d := newTestDaemon(t, transport.NewMemoryNetwork(), "solo")
	before := d.Status()

	me, err := d.Reset("renamed")
	if err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if me.ID == before.PeerID {
		t.Error("Reset() kept the peer ID")
	}
	if me.DisplayName != "renamed" {
		t.Errorf("DisplayName = %q, want renamed", me.DisplayName)
	}
	if got := d.Status().PeerID; got != me.ID {
		t.Errorf("Status().PeerID = %q, want %q", got, me.ID)
	}
}

func TestPeersReportState(t *testing.T) {
	a, b := startPair(t)

	peers := a.Peers(false)
	if len(peers) != 1 {
		t.Fatalf("Peers() = %d, want 1", len(peers))
	}
	if peers[0].ID != b.Status().PeerID {
		t.Errorf("peer ID = %q, want %q", peers[0].ID, b.Status().PeerID)
	}
	if peers[0].State != "connected" {
		t.Errorf("State = %q, want connected", peers[0].State)
	}
}

func TestMetricsSnapshotGauges(t *testing.T) {
	a, _ := startPair(t)
	a.ClaimHost()

	snap := a.MetricsSnapshot()
	if snap.Gauges.ConnectedPeers != 1 {
		t.Errorf("ConnectedPeers = %d, want 1", snap.Gauges.ConnectedPeers)
	}
	if !snap.Gauges.IsHost {
		t.Error("IsHost = false")
	}
	if snap.Gauges.Values != 2 {
		t.Errorf("Values = %d, want 2", snap.Gauges.Values)
	}
}
