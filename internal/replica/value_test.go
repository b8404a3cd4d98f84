package replica

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"mupeer.dev/go/mupeer/internal/events"
	"mupeer.dev/go/mupeer/internal/metrics"
	"mupeer.dev/go/mupeer/internal/observer"
	"mupeer.dev/go/mupeer/internal/protocol"
	"mupeer.dev/go/mupeer/internal/session"
)

type recordingSession struct {
	data observer.List[session.DataHandler]
	sent []*protocol.Envelope
}

func (r *recordingSession) HandleData(fn session.DataHandler) *observer.Subscription {
	return r.data.Add(fn)
}

func (r *recordingSession) SendEnvelope(env *protocol.Envelope, to []session.Peer, reliable bool) error {
	r.sent = append(r.sent, env)
	return nil
}

func newTestValue(t *testing.T, initial int) (*Value[int], *recordingSession, *clock.Mock, *metrics.Metrics) {
	t.Helper()
	sess := &recordingSession{}
	clk := clock.NewMock()
	clk.Set(time.Unix(200, 0))
	m := metrics.New()
	bus := events.NewBus(sess, events.Options{Clock: clk})

	v, err := New(bus, "counter", initial, Options{Clock: clk, Metrics: m})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(v.Close)
	return v, sess, clk, m
}

func TestLastWriterWins(t *testing.T) {
	v, _, _, _ := newTestValue(t, 0)
	v.apply(0, 100)

	if v.apply(5, 90) {
		t.Error("older update must be dropped")
	}
	if got := v.Read(); got != 0 {
		t.Fatalf("after stale update: got %d, want 0", got)
	}

	if v.apply(6, 100) {
		t.Error("equal timestamp must be dropped")
	}

	if !v.apply(7, 150) {
		t.Error("newer update must be adopted")
	}
	if got := v.Read(); got != 7 {
		t.Errorf("after newer update: got %d, want 7", got)
	}
	if got := v.LastUpdated(); got != 150 {
		t.Errorf("LastUpdated: got %v, want 150", got)
	}
}

func TestRemoteUpdateThroughBus(t *testing.T) {
	v, sess, _, m := newTestValue(t, 0)

	var changes []int
	v.SubscribeChange(func(x int) { changes = append(changes, x) })

	deliver := func(value int, ts float64) {
		env, _ := protocol.NewEnvelope("counter", nil, ts, value)
		data, _ := env.Encode()
		for _, h := range sess.data.Snapshot() {
			if h(data, session.Peer{ID: "x"}) {
				return
			}
		}
	}

	deliver(0, 100)
	deliver(5, 90)
	deliver(7, 150)

	if got := v.Read(); got != 7 {
		t.Errorf("Read: got %d, want 7", got)
	}
	// The initial value carries timestamp zero, so the first update is adopted
	if len(changes) != 2 || changes[0] != 0 || changes[1] != 7 {
		t.Errorf("change notifications: got %v, want [0 7]", changes)
	}
	if n := m.StaleUpdates.Load(); n != 1 {
		t.Errorf("stale updates: got %d, want 1", n)
	}
}

func TestWriteStampsAndBroadcasts(t *testing.T) {
	v, sess, clk, _ := newTestValue(t, 0)

	if err := v.Write(3); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if v.Read() != 3 || v.LastUpdated() != 200 {
		t.Errorf("after write: value %d ts %v", v.Read(), v.LastUpdated())
	}
	if len(sess.sent) != 1 {
		t.Fatalf("broadcasts: got %d, want 1", len(sess.sent))
	}
	env := sess.sent[0]
	if env.EventName != "counter" || env.Info.SendTime != 200 || string(env.Payload) != "3" {
		t.Errorf("unexpected envelope %+v payload %s", env, env.Payload)
	}

	// Adopt a write from a peer whose clock runs ahead, then write locally
	v.apply(9, 500)
	clk.Add(time.Second)
	if err := v.Write(4); err != nil {
		t.Fatal(err)
	}
	if ts := v.LastUpdated(); ts <= 500 {
		t.Errorf("timestamp must move forward past 500, got %v", ts)
	}
}

func TestHostOnlyNeedsElection(t *testing.T) {
	bus := events.NewBus(&recordingSession{}, events.Options{})
	if _, err := New(bus, "x", 0, Options{Policy: HostOnly}); err == nil {
		t.Error("expected error for host-only value without election")
	}
	if _, err := New(bus, "", 0, Options{}); err == nil {
		t.Error("expected error for empty name")
	}
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{"everyone", Everyone, false},
		{"", Everyone, false},
		{"hostOnly", HostOnly, false},
		{"host-only", HostOnly, false},
		{"admins", Everyone, true},
	}
	for _, tt := range tests {
		got, err := ParsePolicy(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParsePolicy(%q) = %v, %v", tt.in, got, err)
		}
	}
	if HostOnly.String() != "hostOnly" || Everyone.String() != "everyone" {
		t.Error("Policy.String mismatch")
	}
}
