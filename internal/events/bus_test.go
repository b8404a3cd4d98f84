package events

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"mupeer.dev/go/mupeer/internal/observer"
	"mupeer.dev/go/mupeer/internal/protocol"
	"mupeer.dev/go/mupeer/internal/session"
)

// loopSession hands sent envelopes straight back to the registered handlers
type loopSession struct {
	handlers observer.List[session.DataHandler]
	sent     []sent
	from     session.Peer
}

type sent struct {
	env      *protocol.Envelope
	to       []session.Peer
	reliable bool
}

func (s *loopSession) HandleData(fn session.DataHandler) *observer.Subscription {
	return s.handlers.Add(fn)
}

func (s *loopSession) SendEnvelope(env *protocol.Envelope, to []session.Peer, reliable bool) error {
	s.sent = append(s.sent, sent{env: env, to: to, reliable: reliable})
	return nil
}

func (s *loopSession) deliver(t *testing.T, data []byte) bool {
	t.Helper()
	for _, h := range s.handlers.Snapshot() {
		if h(data, s.from) {
			return true
		}
	}
	return false
}

func (s *loopSession) deliverLast(t *testing.T) bool {
	t.Helper()
	data, err := s.sent[len(s.sent)-1].env.Encode()
	if err != nil {
		t.Fatal(err)
	}
	return s.deliver(t, data)
}

func newTestBus() (*Bus, *loopSession, *clock.Mock) {
	sess := &loopSession{from: session.Peer{ID: "peer-b", DisplayName: "b"}}
	clk := clock.NewMock()
	clk.Set(time.Unix(100, 0))
	return NewBus(sess, Options{Clock: clk}), sess, clk
}

type move struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func TestSendAndReceiveTyped(t *testing.T) {
	bus, sess, _ := newTestBus()

	var got []Event[move]
	Subscribe(bus, "move", func(e Event[move]) { got = append(got, e) })

	sender := "paddle-1"
	if err := bus.Send("move", move{X: 1, Y: 2}, SendOptions{Reliable: true, SenderEntityID: &sender}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if len(sess.sent) != 1 {
		t.Fatalf("sent: got %d", len(sess.sent))
	}
	env := sess.sent[0].env
	if env.EventName != "move" || env.Info.SendTime != 100 || !sess.sent[0].reliable {
		t.Errorf("unexpected envelope: %+v reliable=%v", env, sess.sent[0].reliable)
	}

	if !sess.deliverLast(t) {
		t.Fatal("bus should claim an envelope it has handlers for")
	}
	if len(got) != 1 {
		t.Fatalf("handler calls: got %d, want 1", len(got))
	}
	e := got[0]
	if e.Payload != (move{X: 1, Y: 2}) {
		t.Errorf("payload: got %+v", e.Payload)
	}
	if e.From.ID != "peer-b" {
		t.Errorf("from: got %v", e.From)
	}
	if e.SenderEntityID == nil || *e.SenderEntityID != "paddle-1" {
		t.Errorf("sender entity: got %v", e.SenderEntityID)
	}
	if !e.Time().Equal(time.Unix(100, 0)) {
		t.Errorf("time: got %v", e.Time())
	}
}

func TestEveryHandlerRuns(t *testing.T) {
	bus, sess, _ := newTestBus()

	calls := 0
	Subscribe(bus, "tick", func(Event[int]) { calls++ })
	Subscribe(bus, "tick", func(Event[int]) { calls++ })
	sub := Subscribe(bus, "tick", func(Event[int]) { calls++ })
	sub.Unsubscribe()

	bus.Send("tick", 1, SendOptions{})
	sess.deliverLast(t)

	if calls != 2 {
		t.Errorf("handler calls: got %d, want 2", calls)
	}
}

func TestUnhandledEventNotClaimed(t *testing.T) {
	bus, sess, _ := newTestBus()
	Subscribe(bus, "a", func(Event[int]) {})

	bus.Send("b", 1, SendOptions{})
	if sess.deliverLast(t) {
		t.Error("event without handlers should be left for later data handlers")
	}
}

func TestSendAtOverridesTime(t *testing.T) {
	bus, sess, _ := newTestBus()
	at := time.Unix(42, 500_000_000)

	bus.Send("x", 1, SendOptions{At: at, To: []session.Peer{{ID: "c"}}})

	s := sess.sent[0]
	if s.env.Info.SendTime != 42.5 {
		t.Errorf("sendTime: got %v, want 42.5", s.env.Info.SendTime)
	}
	if len(s.to) != 1 || s.to[0].ID != "c" {
		t.Errorf("to: got %v", s.to)
	}
}

func TestDecodeMismatchPanics(t *testing.T) {
	bus, sess, _ := newTestBus()
	Subscribe(bus, "move", func(Event[move]) {})

	env, _ := protocol.NewEnvelope("move", nil, 1, "not an object")
	data, _ := json.Marshal(env)

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected panic on payload type mismatch")
		}
		if !strings.Contains(r.(string), `decode "move"`) {
			t.Errorf("unexpected panic: %v", r)
		}
	}()
	sess.deliver(t, data)
}

func TestRawDataPassesThrough(t *testing.T) {
	bus, sess, _ := newTestBus()
	Subscribe(bus, "x", func(Event[int]) {})

	var raw []string
	sess.handlers.Add(func(data []byte, from session.Peer) bool {
		raw = append(raw, string(data))
		return true
	})

	for _, data := range []string{"hello", `{"hello":1}`, ""} {
		if !sess.deliver(t, []byte(data)) {
			t.Errorf("%q: not claimed by the raw handler", data)
		}
	}
	if len(raw) != 3 || raw[0] != "hello" {
		t.Errorf("raw handler got %q", raw)
	}
}

func TestCloseDetaches(t *testing.T) {
	bus, sess, _ := newTestBus()
	calls := 0
	Subscribe(bus, "x", func(Event[int]) { calls++ })

	bus.Close()
	bus.Send("x", 1, SendOptions{})
	if sess.deliverLast(t) {
		t.Error("closed bus should not claim messages")
	}
	if l := bus.list("x"); l.Len() != 0 {
		t.Errorf("handlers after close: %d", l.Len())
	}
	if calls != 0 {
		t.Errorf("calls after close: %d", calls)
	}
}
