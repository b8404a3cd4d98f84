// Package events is a typed publish/subscribe layer over session messages.
// Every message is wrapped in a named envelope and dispatched to the
// handlers registered for that name.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"mupeer.dev/go/mupeer/internal/metrics"
	"mupeer.dev/go/mupeer/internal/observer"
	"mupeer.dev/go/mupeer/internal/protocol"
	"mupeer.dev/go/mupeer/internal/session"
)

// Session is the part of *session.Session the bus depends on
type Session interface {
	HandleData(fn session.DataHandler) *observer.Subscription
	SendEnvelope(env *protocol.Envelope, to []session.Peer, reliable bool) error
}

// Event is a decoded message
type Event[T any] struct {
	Name           string
	SenderEntityID *string
	SendTime       float64
	From           session.Peer
	Payload        T
}

// Time returns SendTime as a time.Time
func (e Event[T]) Time() time.Time {
	return protocol.FromSeconds(e.SendTime)
}

// SendOptions controls a single Send
type SendOptions struct {
	// To limits delivery. Empty means every connected peer.
	To       []session.Peer
	Reliable bool

	// At overrides the send time. Zero means now.
	At time.Time

	// SendTime overrides the send time in epoch seconds and takes precedence
	// over At. Replicated values use it to keep timestamps bit-exact.
	SendTime float64

	SenderEntityID *string
}

// Options configures a Bus
type Options struct {
	Clock   clock.Clock
	Metrics *metrics.Metrics
}

type dispatchFunc func(env *protocol.Envelope, from session.Peer)

// Bus routes envelopes by event name
type Bus struct {
	sess    Session
	clock   clock.Clock
	metrics *metrics.Metrics

	mu       sync.RWMutex
	handlers map[string]*observer.List[dispatchFunc]

	dataSub *observer.Subscription
}

// NewBus attaches a bus to the session's data stream
func NewBus(sess Session, opts Options) *Bus {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	b := &Bus{
		sess:     sess,
		clock:    opts.Clock,
		metrics:  opts.Metrics,
		handlers: make(map[string]*observer.List[dispatchFunc]),
	}
	b.dataSub = sess.HandleData(b.receive)
	return b
}

// Close detaches the bus from the session and drops every handler
func (b *Bus) Close() {
	b.dataSub.Unsubscribe()

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, l := range b.handlers {
		l.Clear()
	}
}

// Subscribe registers a typed handler for name. The payload type is fixed
// here, and a payload that does not decode as T is a protocol violation that
// panics.
func Subscribe[T any](b *Bus, name string, fn func(Event[T])) *observer.Subscription {
	dispatch := func(env *protocol.Envelope, from session.Peer) {
		var payload T
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			panic(fmt.Sprintf("events: decode %q payload from %s as %T: %v", name, from, payload, err))
		}
		fn(Event[T]{
			Name:           env.EventName,
			SenderEntityID: env.Info.SenderEntityID,
			SendTime:       env.Info.SendTime,
			From:           from,
			Payload:        payload,
		})
	}
	return b.list(name).Add(dispatch)
}

func (b *Bus) list(name string) *observer.List[dispatchFunc] {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.handlers[name]
	if !ok {
		l = &observer.List[dispatchFunc]{}
		b.handlers[name] = l
	}
	return l
}

// Send wraps payload in an envelope and sends it through the session
func (b *Bus) Send(name string, payload any, opts SendOptions) error {
	sendTime := opts.SendTime
	if sendTime == 0 {
		at := opts.At
		if at.IsZero() {
			at = b.clock.Now()
		}
		sendTime = protocol.Seconds(at)
	}

	env, err := protocol.NewEnvelope(name, opts.SenderEntityID, sendTime, payload)
	if err != nil {
		return err
	}
	return b.sess.SendEnvelope(env, opts.To, opts.Reliable)
}

// receive claims every envelope that has a handler. Data that is not an
// envelope is left for raw data handlers registered after the bus.
func (b *Bus) receive(data []byte, from session.Peer) bool {
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		slog.Debug("Not an event envelope", "peer", from, "error", err)
		return false
	}

	b.mu.RLock()
	l := b.handlers[env.EventName]
	b.mu.RUnlock()
	if l == nil {
		slog.Debug("No handler for event", "event", env.EventName, "peer", from)
		return false
	}

	handlers := l.Snapshot()
	if len(handlers) == 0 {
		return false
	}

	b.metrics.RecordMessageReceived(env.EventName, len(data))
	for _, h := range handlers {
		h(env, from)
	}
	return true
}
