package session

import (
	"testing"
	"time"

	"mupeer.dev/go/mupeer/internal/protocol"
)

func TestShouldInviteSymmetry(t *testing.T) {
	tokens := []string{"1", "2", "a", "b", "0f3c", "0f3d", "zz", ""}
	for _, a := range tokens {
		for _, b := range tokens {
			if a == b {
				continue
			}
			ab, ba := ShouldInvite(a, b), ShouldInvite(b, a)
			if ab == ba {
				t.Errorf("tokens %q and %q: ShouldInvite gave %v both ways", a, b, ab)
			}
		}
	}
}

func TestShouldInviteSmallerTokenInvites(t *testing.T) {
	if !ShouldInvite("1", "2") {
		t.Error(`peer "1" should invite peer "2"`)
	}
	if ShouldInvite("2", "1") {
		t.Error(`peer "2" should not invite peer "1"`)
	}
}

func testArbiter() *arbiter {
	return &arbiter{
		retryWait:   3 * time.Second,
		timeout:     4 * time.Second,
		maxAttempts: 3,
		staleSlack:  3 * time.Second,
	}
}

func stateOf(s protocol.ConnectionState) *protocol.ConnectionState {
	return &s
}

func TestArbiterFirstInvite(t *testing.T) {
	a := testArbiter()
	now := time.Unix(1000, 0)

	d, h := a.decide(now, "1", "2", nil, nil)
	if d.action != actionInvite || d.attempt != 1 {
		t.Fatalf("got %v attempt %d, want invite attempt 1", d.action, d.attempt)
	}
	if d.delay != 3*time.Second {
		t.Errorf("delay: got %v, want 3s", d.delay)
	}
	if h == nil || !h.scheduled || !h.nextAfter.Equal(now.Add(3*time.Second)) {
		t.Errorf("unexpected history: %+v", h)
	}
}

func TestArbiterNoInvite(t *testing.T) {
	a := testArbiter()
	now := time.Unix(1000, 0)

	tests := []struct {
		name   string
		mine   string
		theirs string
		state  *protocol.ConnectionState
	}{
		{"loses tie-break", "2", "1", nil},
		{"connecting", "1", "2", stateOf(protocol.StateConnecting)},
		{"connected", "1", "2", stateOf(protocol.StateConnected)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, h := a.decide(now, tt.mine, tt.theirs, tt.state, nil)
			if d.action != actionNone {
				t.Errorf("action: got %v, want none", d.action)
			}
			if h != nil {
				t.Errorf("no history should be created, got %+v", h)
			}
		})
	}
}

func TestArbiterRetrySequence(t *testing.T) {
	a := testArbiter()
	start := time.Unix(1000, 0)
	notConnected := stateOf(protocol.StateNotConnected)

	d, h := a.decide(start, "1", "2", nil, nil)
	if d.action != actionInvite {
		t.Fatalf("attempt 1: got %v", d.action)
	}

	// Declined immediately: the retry is already scheduled
	d, h = a.decide(start.Add(100*time.Millisecond), "1", "2", notConnected, h)
	if d.action != actionNone {
		t.Fatalf("before retry window: got %v, want none", d.action)
	}

	// Timer fired
	h.scheduled = false
	d, h = a.decide(start.Add(3*time.Second), "1", "2", notConnected, h)
	if d.action != actionInvite || d.attempt != 2 {
		t.Fatalf("attempt 2: got %v attempt %d", d.action, d.attempt)
	}

	h.scheduled = false
	d, h = a.decide(start.Add(6*time.Second), "1", "2", notConnected, h)
	if d.action != actionInvite || d.attempt != 3 {
		t.Fatalf("attempt 3: got %v attempt %d", d.action, d.attempt)
	}

	h.scheduled = false
	d, h = a.decide(start.Add(9*time.Second), "1", "2", notConnected, h)
	if d.action != actionExhausted {
		t.Fatalf("after cap: got %v, want exhausted", d.action)
	}

	d, _ = a.decide(start.Add(9500*time.Millisecond), "1", "2", notConnected, h)
	if d.action != actionNone {
		t.Errorf("exhaustion must be reported once, got %v", d.action)
	}
}

func TestArbiterWaitSchedulesOnce(t *testing.T) {
	a := testArbiter()
	now := time.Unix(1000, 0)
	h := &inviteHistory{attempt: 1, nextAfter: now.Add(2 * time.Second)}

	d, h := a.decide(now, "1", "2", nil, h)
	if d.action != actionWait || d.delay != 2*time.Second {
		t.Fatalf("got %v delay %v, want wait 2s", d.action, d.delay)
	}

	d, _ = a.decide(now, "1", "2", nil, h)
	if d.action != actionNone {
		t.Errorf("second evaluation should not schedule again, got %v", d.action)
	}
}

func TestArbiterStaleHistoryRestarts(t *testing.T) {
	a := testArbiter()
	last := time.Unix(1000, 0)
	h := &inviteHistory{attempt: 3, nextAfter: last}

	// Exactly at the edge is not yet stale
	edge := last.Add(7 * time.Second)
	if a.stale(edge, h) {
		t.Error("history should not be stale at the edge")
	}

	d, h := a.decide(last.Add(8*time.Second), "1", "2", nil, h)
	if d.action != actionInvite || d.attempt != 1 {
		t.Fatalf("got %v attempt %d, want a fresh attempt 1", d.action, d.attempt)
	}
	if h.attempt != 1 {
		t.Errorf("history attempt: got %d, want 1", h.attempt)
	}
}
