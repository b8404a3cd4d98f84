package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"mupeer.dev/go/mupeer/internal/protocol"
)

// core is one generation of the session: a transport plus the registry and
// invite state built around it. A reset replaces the whole core.
type core struct {
	s           *Session
	me          Peer
	transport   protocol.Transport
	clock       clock.Clock
	arbiter     arbiter
	discoveryID string

	mu         sync.Mutex
	discovered map[protocol.PeerHandle]string
	states     map[protocol.PeerHandle]protocol.ConnectionState
	invites    map[protocol.PeerHandle]*inviteHistory
	timers     map[protocol.PeerHandle]*clock.Timer
	started    bool
	closed     bool
}

var _ protocol.TransportDelegate = (*core)(nil)

func newCore(s *Session, me Peer, t protocol.Transport) *core {
	return &core{
		s:           s,
		me:          me,
		transport:   t,
		clock:       s.cfg.Clock,
		discoveryID: me.DiscoveryID,
		arbiter: arbiter{
			retryWait:   s.cfg.RetryWait,
			timeout:     s.cfg.InviteTimeout,
			maxAttempts: s.cfg.MaxInviteAttempts,
			staleSlack:  s.cfg.StaleSlack,
		},
		discovered: make(map[protocol.PeerHandle]string),
		states:     make(map[protocol.PeerHandle]protocol.ConnectionState),
		invites:    make(map[protocol.PeerHandle]*inviteHistory),
		timers:     make(map[protocol.PeerHandle]*clock.Timer),
	}
}

// start attaches the delegate and starts advertising. It reports false if
// the core was already started.
func (c *core) start(ctx context.Context) (bool, error) {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return false, nil
	}
	c.started = true
	c.mu.Unlock()

	c.transport.SetDelegate(c)
	if err := c.transport.Start(ctx); err != nil {
		return true, fmt.Errorf("start transport: %w", err)
	}
	return true, nil
}

// close cancels every timer this core owns and shuts the transport down.
// Callbacks that arrive afterwards are ignored.
func (c *core) close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for h, t := range c.timers {
		t.Stop()
		delete(c.timers, h)
	}
	c.invites = make(map[protocol.PeerHandle]*inviteHistory)
	c.mu.Unlock()

	return c.transport.Close()
}

// forgetInvites drops every invite history and pending retry
func (c *core) forgetInvites() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for h, t := range c.timers {
		t.Stop()
		delete(c.timers, h)
	}
	c.invites = make(map[protocol.PeerHandle]*inviteHistory)
}

func (c *core) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// PeerFound records a discovery. A handle the transport already reports as
// connected but which has no registry state gets a liveness probe instead of
// an invite.
func (c *core) PeerFound(handle protocol.PeerHandle, discoveryID string) {
	if discoveryID == c.discoveryID || handle.ID == c.me.ID {
		slog.Debug("Ignoring loopback discovery", "peer", handle)
		return
	}

	transportConnected := containsHandle(c.transport.ConnectedHandles(), handle)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.discovered[handle] = discoveryID
	_, hasState := c.states[handle]
	probe := transportConnected && !hasState
	c.mu.Unlock()

	slog.Debug("Peer found", "peer", handle, "discovery_id", discoveryID, "probe", probe)

	if probe {
		c.probe(handle)
	} else {
		c.evaluateInvite(handle)
	}
	c.notifyPeers()
}

// PeerLost forgets the discovery and the connection state, so the peer must
// prove liveness again before it counts as connected.
func (c *core) PeerLost(handle protocol.PeerHandle) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	delete(c.discovered, handle)
	delete(c.states, handle)
	c.mu.Unlock()

	slog.Debug("Peer lost", "peer", handle)
	c.notifyPeers()
}

// PeerStateChanged records a transport state. Values outside the defined
// state space mean the transport and session disagree about the protocol,
// which cannot be recovered from.
func (c *core) PeerStateChanged(handle protocol.PeerHandle, state protocol.ConnectionState) {
	if !state.Valid() {
		panic(fmt.Sprintf("session: unknown connection state %d for %s", int(state), handle))
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.states[handle] = state
	var connectedAfter time.Duration
	if state == protocol.StateConnected {
		if h := c.invites[handle]; h != nil {
			connectedAfter = c.clock.Since(h.firstSent)
		}
		c.clearInviteLocked(handle)
	}
	c.mu.Unlock()

	slog.Debug("Peer state changed", "peer", handle, "state", state)

	if connectedAfter > 0 {
		c.s.cfg.Metrics.RecordConnectLatency(connectedAfter)
	}
	if state == protocol.StateNotConnected {
		c.evaluateInvite(handle)
	}
	c.notifyPeers()
}

// Received handles liveness control messages and fans everything else out
// to the data handlers.
func (c *core) Received(data []byte, from protocol.PeerHandle) {
	if c.isClosed() {
		return
	}

	if kind, ok := protocol.ParseControl(data); ok {
		c.handleControl(kind, from)
		return
	}

	c.mu.Lock()
	peer := peerFromHandle(from, c.discovered[from])
	c.mu.Unlock()

	for _, h := range c.s.dataHandlers.Snapshot() {
		if h(data, peer) {
			return
		}
	}
	slog.Debug("Unclaimed message", "peer", from, "bytes", len(data))
}

func (c *core) clearInviteLocked(handle protocol.PeerHandle) {
	delete(c.invites, handle)
	if t := c.timers[handle]; t != nil {
		t.Stop()
		delete(c.timers, handle)
	}
}

// connectedPeers returns peers that are discovered and session-connected
func (c *core) connectedPeers() []Peer {
	c.mu.Lock()
	defer c.mu.Unlock()

	var peers []Peer
	for h, disc := range c.discovered {
		if c.states[h] == protocol.StateConnected {
			peers = append(peers, peerFromHandle(h, disc))
		}
	}
	sortPeers(peers)
	return peers
}

// allPeers returns every discovered peer
func (c *core) allPeers() []Peer {
	c.mu.Lock()
	defer c.mu.Unlock()

	peers := make([]Peer, 0, len(c.discovered))
	for h, disc := range c.discovered {
		peers = append(peers, peerFromHandle(h, disc))
	}
	sortPeers(peers)
	return peers
}

func (c *core) connectionState(p Peer) (protocol.ConnectionState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.states[p.Handle()]
	return s, ok
}

func (c *core) notifyPeers() {
	if c.isClosed() {
		return
	}
	peers := c.connectedPeers()
	for _, fn := range c.s.peerHandlers.Snapshot() {
		fn(peers)
	}
}

func containsHandle(handles []protocol.PeerHandle, h protocol.PeerHandle) bool {
	for _, x := range handles {
		if x.ID == h.ID {
			return true
		}
	}
	return false
}
