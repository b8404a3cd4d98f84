// Package election picks a single host among connected peers. A peer claims
// the host role by announcing the time it started hosting, and when two
// claims meet, the earlier start time wins.
package election

import (
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"mupeer.dev/go/mupeer/internal/events"
	"mupeer.dev/go/mupeer/internal/metrics"
	"mupeer.dev/go/mupeer/internal/observer"
	"mupeer.dev/go/mupeer/internal/protocol"
	"mupeer.dev/go/mupeer/internal/session"
)

// EventName is the bus event carrying host messages
const EventName = "host"

// DefaultRetryDelay is how long to wait before asking an unknown announcer
// who the host is
const DefaultRetryDelay = time.Second

// Session is the part of *session.Session the election depends on
type Session interface {
	Me() session.Peer
	ConnectedPeers() []session.Peer
	SubscribePeers(fn session.PeersHandler) *observer.Subscription
	SubscribeReset(fn session.ResetHandler) *observer.Subscription
}

// HostHandler receives the new host, or nil when there is none
type HostHandler func(host *session.Peer)

// Options configures an Election
type Options struct {
	Clock      clock.Clock
	RetryDelay time.Duration
	Metrics    *metrics.Metrics
}

// Election tracks the current host
type Election struct {
	bus        *events.Bus
	sess       Session
	clock      clock.Clock
	retryDelay time.Duration
	metrics    *metrics.Metrics

	mu sync.Mutex

	// host is the current host, possibly this peer. hostStart is the start
	// time it announced and is meaningful only while host is set.
	host      *session.Peer
	hostStart float64
	known     map[string]bool
	timers    map[*clock.Timer]struct{}
	closed    bool

	handlers observer.List[HostHandler]
	subs     []*observer.Subscription
}

// New starts following host messages on bus
func New(bus *events.Bus, sess Session, opts Options) *Election {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}

	e := &Election{
		bus:        bus,
		sess:       sess,
		clock:      opts.Clock,
		retryDelay: opts.RetryDelay,
		metrics:    opts.Metrics,
		known:      make(map[string]bool),
		timers:     make(map[*clock.Timer]struct{}),
	}

	for _, p := range sess.ConnectedPeers() {
		e.known[p.ID] = true
	}

	e.subs = append(e.subs,
		events.Subscribe(bus, EventName, e.handleMessage),
		sess.SubscribePeers(e.peersChanged),
		sess.SubscribeReset(e.sessionReset),
	)
	return e
}

// Close stops following host messages and cancels pending retries
func (e *Election) Close() {
	e.mu.Lock()
	e.closed = true
	for t := range e.timers {
		t.Stop()
	}
	e.timers = nil
	e.mu.Unlock()

	for _, s := range e.subs {
		s.Unsubscribe()
	}
}

// SubscribeHostChange registers fn for host changes
func (e *Election) SubscribeHostChange(fn HostHandler) *observer.Subscription {
	return e.handlers.Add(fn)
}

// Host returns the current host, or nil
func (e *Election) Host() *session.Peer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return copyPeer(e.host)
}

// IsHost reports whether this peer is the host
func (e *Election) IsHost() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isHostLocked()
}

// StartTime returns when this peer started hosting. The second result is
// false when it is not host.
func (e *Election) StartTime() (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.isHostLocked() {
		return 0, false
	}
	return e.hostStart, true
}

func (e *Election) isHostLocked() bool {
	return e.host != nil && e.host.IsMe
}

// MakeMeHost claims the host role and announces it to every connected peer
func (e *Election) MakeMeHost() {
	me := e.sess.Me()
	now := protocol.Seconds(e.clock.Now())

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	prev := e.setHostLocked(&me, now)
	e.mu.Unlock()

	slog.Info("Claiming host", "start", now)
	e.send(protocol.HostAnnounce, now, nil)
	e.notify(prev, &me)
}

func (e *Election) handleMessage(ev events.Event[protocol.HostMessage]) {
	switch ev.Payload.Kind {
	case protocol.HostRequest:
		e.handleRequest(ev.From)
	case protocol.HostAnnounce:
		e.handleAnnounce(ev.From, ev.Payload.HostStartTime)
	default:
		slog.Warn("Unknown host message", "kind", ev.Payload.Kind, "peer", ev.From)
	}
}

func (e *Election) handleRequest(from session.Peer) {
	e.mu.Lock()
	if !e.isHostLocked() {
		e.mu.Unlock()
		return
	}
	start := e.hostStart
	e.mu.Unlock()

	e.send(protocol.HostAnnounce, start, []session.Peer{from})
}

func (e *Election) handleAnnounce(from session.Peer, theirStart float64) {
	if !session.ContainsPeer(e.sess.ConnectedPeers(), from) {
		// Raced with a disconnect. Forget the host and ask again later.
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return
		}
		prev := e.setHostLocked(nil, 0)
		e.scheduleRequestLocked(from)
		e.mu.Unlock()

		slog.Debug("Host announce from unconnected peer", "peer", from)
		e.notify(prev, nil)
		return
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	// Bystanders apply the same ordering as the contenders. Adopting whichever
	// announce arrives last would let peers that saw two racing claims in
	// different orders settle on different hosts.
	if cur := e.host; cur != nil && !cur.Equal(from) && wins(e.hostStart, cur.ID, theirStart, from.ID) {
		start, mine := e.hostStart, cur.IsMe
		e.mu.Unlock()

		slog.Debug("Keeping earlier host", "host", cur, "start", start, "announcer", from, "theirs", theirStart)
		if mine {
			e.send(protocol.HostAnnounce, start, []session.Peer{from})
		}
		return
	}

	p := from
	prev := e.setHostLocked(&p, theirStart)
	e.mu.Unlock()

	e.notify(prev, &p)
}

// wins reports whether a claim started at mine beats one started at theirs.
// Equal start times go to the smaller peer ID so both sides agree.
func wins(mine float64, myID string, theirs float64, theirID string) bool {
	if mine != theirs {
		return mine < theirs
	}
	return myID < theirID
}

func (e *Election) peersChanged(connected []session.Peer) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}

	var prev *session.Peer
	changed := false
	if e.host != nil && !e.host.IsMe && !session.ContainsPeer(connected, *e.host) {
		prev = e.setHostLocked(nil, 0)
		changed = true
	}

	var newcomers []session.Peer
	known := make(map[string]bool, len(connected))
	for _, p := range connected {
		known[p.ID] = true
		if !e.known[p.ID] {
			newcomers = append(newcomers, p)
		}
	}
	e.known = known

	var start float64
	announce := e.isHostLocked() && len(newcomers) > 0
	if announce {
		start = e.hostStart
	}
	e.mu.Unlock()

	if changed {
		slog.Info("Host disconnected", "host", prev)
		e.notify(prev, nil)
	}
	if announce {
		e.send(protocol.HostAnnounce, start, newcomers)
	}
}

// sessionReset drops everything tied to the previous identity
func (e *Election) sessionReset(session.Peer) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	prev := e.setHostLocked(nil, 0)
	e.known = make(map[string]bool)
	e.mu.Unlock()

	e.notify(prev, nil)
}

func (e *Election) scheduleRequestLocked(to session.Peer) {
	var t *clock.Timer
	t = e.clock.AfterFunc(e.retryDelay, func() {
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return
		}
		delete(e.timers, t)
		e.mu.Unlock()

		e.send(protocol.HostRequest, 0, []session.Peer{to})
	})
	e.timers[t] = struct{}{}
}

// setHostLocked replaces the host and returns the previous one
func (e *Election) setHostLocked(p *session.Peer, start float64) *session.Peer {
	prev := e.host
	e.host = copyPeer(p)
	e.hostStart = start
	return prev
}

func (e *Election) notify(prev, next *session.Peer) {
	if samePeer(prev, next) {
		return
	}
	e.metrics.RecordHostChange()
	for _, fn := range e.handlers.Snapshot() {
		fn(copyPeer(next))
	}
}

func (e *Election) send(kind protocol.HostMessageKind, start float64, to []session.Peer) {
	msg := protocol.HostMessage{Kind: kind, HostStartTime: start}
	if err := e.bus.Send(EventName, msg, events.SendOptions{To: to, Reliable: true}); err != nil {
		slog.Debug("Host message not sent", "kind", kind, "error", err)
	}
}

func copyPeer(p *session.Peer) *session.Peer {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

func samePeer(a, b *session.Peer) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
