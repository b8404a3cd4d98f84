// Package replica keeps a value consistent across peers with
// last-writer-wins semantics. Every write carries its send time, and a peer
// only adopts an update that is newer than what it holds.
package replica

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"

	"mupeer.dev/go/mupeer/internal/election"
	"mupeer.dev/go/mupeer/internal/events"
	"mupeer.dev/go/mupeer/internal/metrics"
	"mupeer.dev/go/mupeer/internal/observer"
	"mupeer.dev/go/mupeer/internal/protocol"
	"mupeer.dev/go/mupeer/internal/session"
)

// ErrNotHost is returned by Write on a host-only value when this peer is not host
var ErrNotHost = errors.New("only the host may write this value")

// minStep keeps local timestamps strictly increasing when the wall clock
// lags behind an adopted remote write
const minStep = 0.001

// Policy decides who may write a value
type Policy int

const (
	Everyone Policy = iota
	HostOnly
)

func (p Policy) String() string {
	switch p {
	case HostOnly:
		return "hostOnly"
	default:
		return "everyone"
	}
}

// ParsePolicy parses "everyone" or "hostOnly" (case-insensitive)
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(s) {
	case "", "everyone":
		return Everyone, nil
	case "hostonly", "host_only", "host-only":
		return HostOnly, nil
	}
	return Everyone, fmt.Errorf("unknown write policy %q", s)
}

// Options configures a Value
type Options struct {
	Policy Policy

	// Reliable selects the delivery mode for writes. Resync traffic is
	// always reliable.
	Reliable bool

	// Election is required for HostOnly and enables host resync
	Election *election.Election

	Clock   clock.Clock
	Metrics *metrics.Metrics
}

// ChangeHandler receives the new value after a local write or adopted update
type ChangeHandler[T any] func(value T)

// Value is a replicated last-writer-wins register
type Value[T any] struct {
	name     string
	bus      *events.Bus
	election *election.Election
	policy   Policy
	reliable bool
	clock    clock.Clock
	metrics  *metrics.Metrics

	mu    sync.Mutex
	value T
	ts    float64

	handlers observer.List[ChangeHandler[T]]
	subs     []*observer.Subscription
}

// New creates a value named name holding initial with timestamp zero
func New[T any](bus *events.Bus, name string, initial T, opts Options) (*Value[T], error) {
	if name == "" {
		return nil, errors.New("replica: name required")
	}
	if opts.Policy == HostOnly && opts.Election == nil {
		return nil, fmt.Errorf("replica %s: host-only policy needs an election", name)
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	v := &Value[T]{
		name:     name,
		bus:      bus,
		election: opts.Election,
		policy:   opts.Policy,
		reliable: opts.Reliable,
		clock:    opts.Clock,
		metrics:  opts.Metrics,
		value:    initial,
	}

	v.subs = append(v.subs,
		events.Subscribe(bus, name, v.handleUpdate),
		events.Subscribe(bus, v.requestName(), v.handleRequest),
	)
	if v.election != nil {
		v.subs = append(v.subs, v.election.SubscribeHostChange(v.hostChanged))
	}
	return v, nil
}

// Close unsubscribes from the bus and the election
func (v *Value[T]) Close() {
	for _, s := range v.subs {
		s.Unsubscribe()
	}
}

// Name returns the event name the value replicates under
func (v *Value[T]) Name() string {
	return v.name
}

// Policy returns the write policy
func (v *Value[T]) Policy() Policy {
	return v.policy
}

// Read returns the local value
func (v *Value[T]) Read() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.value
}

// LastUpdated returns the timestamp of the local value in epoch seconds
func (v *Value[T]) LastUpdated() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ts
}

// SubscribeChange registers fn for value changes
func (v *Value[T]) SubscribeChange(fn ChangeHandler[T]) *observer.Subscription {
	return v.handlers.Add(fn)
}

// Write sets the value locally and broadcasts it
func (v *Value[T]) Write(value T) error {
	if v.policy == HostOnly && !v.election.IsHost() {
		v.metrics.RecordRejectedWrite()
		slog.Debug("Rejected write from non-host", "value", v.name)
		return ErrNotHost
	}

	v.mu.Lock()
	v.value = value
	ts := v.stampLocked()
	v.mu.Unlock()

	v.notify(value)
	return v.broadcast(value, ts, nil, v.reliable)
}

// stampLocked moves the timestamp to now, or just past the current one if
// the clock is behind it
func (v *Value[T]) stampLocked() float64 {
	now := protocol.Seconds(v.clock.Now())
	v.ts = math.Max(now, v.ts+minStep)
	return v.ts
}

func (v *Value[T]) handleUpdate(ev events.Event[T]) {
	if v.policy == HostOnly {
		host := v.election.Host()
		if host == nil || !host.Equal(ev.From) {
			slog.Debug("Ignoring update from non-host", "value", v.name, "peer", ev.From)
			v.metrics.RecordRejectedWrite()
			return
		}
	}

	if !v.apply(ev.Payload, ev.SendTime) {
		slog.Debug("Dropping stale update", "value", v.name, "peer", ev.From, "ts", ev.SendTime)
		v.metrics.RecordStaleUpdate()
	}
}

// apply adopts value if ts is newer than the local timestamp
func (v *Value[T]) apply(value T, ts float64) bool {
	v.mu.Lock()
	if ts <= v.ts {
		v.mu.Unlock()
		return false
	}
	v.value = value
	v.ts = ts
	v.mu.Unlock()

	v.notify(value)
	return true
}

func (v *Value[T]) handleRequest(ev events.Event[struct{}]) {
	if v.election == nil || !v.election.IsHost() {
		return
	}

	v.mu.Lock()
	value, ts := v.value, v.ts
	v.mu.Unlock()

	v.broadcast(value, ts, []session.Peer{ev.From}, true)
}

// hostChanged resyncs with a new host. A new host pushes its value to
// everyone, and a follower asks the new host for its value.
func (v *Value[T]) hostChanged(host *session.Peer) {
	if host == nil {
		return
	}

	if host.IsMe {
		v.mu.Lock()
		value := v.value
		ts := v.stampLocked()
		v.mu.Unlock()

		v.broadcast(value, ts, nil, true)
		return
	}

	err := v.bus.Send(v.requestName(), struct{}{}, events.SendOptions{
		To:       []session.Peer{*host},
		Reliable: true,
	})
	if err != nil {
		slog.Debug("Value request not sent", "value", v.name, "host", host, "error", err)
	}
}

func (v *Value[T]) broadcast(value T, ts float64, to []session.Peer, reliable bool) error {
	err := v.bus.Send(v.name, value, events.SendOptions{
		To:       to,
		Reliable: reliable,
		SendTime: ts,
	})
	if err != nil {
		return fmt.Errorf("broadcast %s: %w", v.name, err)
	}
	return nil
}

func (v *Value[T]) notify(value T) {
	for _, fn := range v.handlers.Snapshot() {
		fn(value)
	}
}

func (v *Value[T]) requestName() string {
	return v.name + ".request"
}
