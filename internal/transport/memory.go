package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"mupeer.dev/go/mupeer/internal/protocol"
)

// ErrNotConnected is returned when sending to a peer without a connection
var ErrNotConnected = errors.New("peer not connected")

// ErrClosed is returned by operations on a closed transport
var ErrClosed = errors.New("transport closed")

// MemoryNetwork is an in-process network of MemoryTransports. Every transport
// delivers its callbacks in order from its own mailbox goroutine, so tests see
// the same asynchrony as a real network without sockets.
type MemoryNetwork struct {
	mu             sync.Mutex
	nodes          map[string]*MemoryTransport
	refusing       map[string]bool
	hidden         map[pair]bool
	dropUnreliable bool

	pendingMu sync.Mutex
	idle      *sync.Cond
	pending   int
}

type pair struct{ a, b string }

func makePair(a, b string) pair {
	if a > b {
		a, b = b, a
	}
	return pair{a, b}
}

// NewMemoryNetwork creates an empty network
func NewMemoryNetwork() *MemoryNetwork {
	n := &MemoryNetwork{
		nodes:    make(map[string]*MemoryTransport),
		refusing: make(map[string]bool),
		hidden:   make(map[pair]bool),
	}
	n.idle = sync.NewCond(&n.pendingMu)
	return n
}

// NewTransport creates a transport for self. It joins the network on Start.
func (n *MemoryNetwork) NewTransport(self protocol.PeerHandle, discoveryID string) *MemoryTransport {
	t := &MemoryTransport{
		net:         n,
		self:        self,
		discoveryID: discoveryID,
		states:      make(map[string]protocol.ConnectionState),
	}
	t.box = newMailbox(n)
	return t
}

// Factory adapts NewTransport to the session's transport constructor
func (n *MemoryNetwork) Factory() func(protocol.PeerHandle, string) (protocol.Transport, error) {
	return func(self protocol.PeerHandle, discoveryID string) (protocol.Transport, error) {
		return n.NewTransport(self, discoveryID), nil
	}
}

// RefuseInvites makes the peer with the given ID decline every invitation
func (n *MemoryNetwork) RefuseInvites(id string, refuse bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.refusing[id] = refuse
}

// DropUnreliable makes every unreliable send vanish
func (n *MemoryNetwork) DropUnreliable(drop bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropUnreliable = drop
}

// Disconnect drops the connection between two peers. Both sides observe
// notConnected.
func (n *MemoryNetwork) Disconnect(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	ta, tb := n.nodes[a], n.nodes[b]
	if ta == nil || tb == nil {
		return
	}
	n.setStateLocked(ta, tb, protocol.StateNotConnected)
	n.setStateLocked(tb, ta, protocol.StateNotConnected)
}

// LoseDiscovery hides two peers from each other without touching the session
// connection, as happens when a device is backgrounded.
func (n *MemoryNetwork) LoseDiscovery(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.hidden[makePair(a, b)] = true
	ta, tb := n.nodes[a], n.nodes[b]
	if ta == nil || tb == nil {
		return
	}
	ta.box.post(func() { ta.delegate().PeerLost(tb.self) })
	tb.box.post(func() { tb.delegate().PeerLost(ta.self) })
}

// Rediscover undoes LoseDiscovery
func (n *MemoryNetwork) Rediscover(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	delete(n.hidden, makePair(a, b))
	ta, tb := n.nodes[a], n.nodes[b]
	if ta == nil || tb == nil {
		return
	}
	n.announceLocked(ta, tb)
}

// Settle blocks until every queued callback on every transport has run
func (n *MemoryNetwork) Settle() {
	n.pendingMu.Lock()
	defer n.pendingMu.Unlock()
	for n.pending > 0 {
		n.idle.Wait()
	}
}

// Nodes returns the IDs of every started transport, sorted
func (n *MemoryNetwork) Nodes() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	ids := make([]string, 0, len(n.nodes))
	for id := range n.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (n *MemoryNetwork) addPending() {
	n.pendingMu.Lock()
	n.pending++
	n.pendingMu.Unlock()
}

func (n *MemoryNetwork) donePending() {
	n.pendingMu.Lock()
	n.pending--
	if n.pending == 0 {
		n.idle.Broadcast()
	}
	n.pendingMu.Unlock()
}

// announceLocked tells a and b about each other
func (n *MemoryNetwork) announceLocked(a, b *MemoryTransport) {
	a.box.post(func() { a.delegate().PeerFound(b.self, b.discoveryID) })
	b.box.post(func() { b.delegate().PeerFound(a.self, a.discoveryID) })
}

// setStateLocked records that from sees to in state s and queues the callback
func (n *MemoryNetwork) setStateLocked(from, to *MemoryTransport, s protocol.ConnectionState) {
	from.stateMu.Lock()
	from.states[to.self.ID] = s
	from.stateMu.Unlock()
	from.box.post(func() { from.delegate().PeerStateChanged(to.self, s) })
}

// MemoryTransport is a protocol.Transport on a MemoryNetwork
type MemoryTransport struct {
	net         *MemoryNetwork
	self        protocol.PeerHandle
	discoveryID string
	box         *mailbox

	delegateMu sync.RWMutex
	dlg        protocol.TransportDelegate

	stateMu sync.Mutex
	states  map[string]protocol.ConnectionState
	started bool
	closed  bool
}

var _ protocol.Transport = (*MemoryTransport)(nil)

// Self returns the handle this transport advertises
func (t *MemoryTransport) Self() protocol.PeerHandle {
	return t.self
}

// SetDelegate attaches the callback receiver
func (t *MemoryTransport) SetDelegate(d protocol.TransportDelegate) {
	t.delegateMu.Lock()
	defer t.delegateMu.Unlock()
	t.dlg = d
}

func (t *MemoryTransport) delegate() protocol.TransportDelegate {
	t.delegateMu.RLock()
	defer t.delegateMu.RUnlock()
	if t.dlg == nil {
		return nopDelegate{}
	}
	return t.dlg
}

// Start joins the network and discovers every visible peer
func (t *MemoryTransport) Start(ctx context.Context) error {
	n := t.net
	n.mu.Lock()
	defer n.mu.Unlock()

	t.stateMu.Lock()
	if t.closed {
		t.stateMu.Unlock()
		return ErrClosed
	}
	if t.started {
		t.stateMu.Unlock()
		return nil
	}
	t.started = true
	t.stateMu.Unlock()

	if _, dup := n.nodes[t.self.ID]; dup {
		return fmt.Errorf("peer %s already on network", protocol.ShortID(t.self.ID))
	}

	go t.box.run()

	for id, other := range n.nodes {
		if n.hidden[makePair(id, t.self.ID)] {
			continue
		}
		n.announceLocked(t, other)
	}
	n.nodes[t.self.ID] = t
	return nil
}

// Invite connects to handle unless the target refuses. The outcome arrives
// through PeerStateChanged.
func (t *MemoryTransport) Invite(handle protocol.PeerHandle, timeout time.Duration) error {
	n := t.net
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.nodes[t.self.ID] != t {
		return ErrClosed
	}

	target := n.nodes[handle.ID]
	if target == nil {
		return fmt.Errorf("invite %s: unknown peer", handle)
	}

	if t.stateOf(handle.ID) == protocol.StateConnected {
		return nil
	}

	n.setStateLocked(t, target, protocol.StateConnecting)
	if n.refusing[handle.ID] {
		n.setStateLocked(t, target, protocol.StateNotConnected)
		return nil
	}

	n.setStateLocked(t, target, protocol.StateConnected)
	n.setStateLocked(target, t, protocol.StateConnected)
	return nil
}

// Send queues data on every receiver's mailbox
func (t *MemoryTransport) Send(data []byte, to []protocol.PeerHandle, reliable bool) error {
	n := t.net
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.nodes[t.self.ID] != t {
		return ErrClosed
	}

	var errs []error
	for _, h := range to {
		target := n.nodes[h.ID]
		if target == nil || t.stateOf(h.ID) != protocol.StateConnected {
			errs = append(errs, fmt.Errorf("send to %s: %w", h, ErrNotConnected))
			continue
		}
		if !reliable && n.dropUnreliable {
			continue
		}

		msg := append([]byte(nil), data...)
		from := t.self
		target.box.post(func() { target.delegate().Received(msg, from) })
	}
	return errors.Join(errs...)
}

// ConnectedHandles returns every peer this transport is connected to
func (t *MemoryTransport) ConnectedHandles() []protocol.PeerHandle {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()

	var out []protocol.PeerHandle
	for id, other := range t.net.nodes {
		if id != t.self.ID && t.stateOf(id) == protocol.StateConnected {
			out = append(out, other.self)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close leaves the network. Connected peers observe notConnected and every
// other peer loses discovery of this one.
func (t *MemoryTransport) Close() error {
	n := t.net
	n.mu.Lock()
	defer n.mu.Unlock()

	t.stateMu.Lock()
	if t.closed {
		t.stateMu.Unlock()
		return nil
	}
	t.closed = true
	t.stateMu.Unlock()

	if n.nodes[t.self.ID] == t {
		delete(n.nodes, t.self.ID)
		for id, other := range n.nodes {
			if other.stateOf(t.self.ID) != protocol.StateNotConnected {
				n.setStateLocked(other, t, protocol.StateNotConnected)
			}
			if !n.hidden[makePair(id, t.self.ID)] {
				o := other
				o.box.post(func() { o.delegate().PeerLost(t.self) })
			}
		}
	}

	t.box.close()
	return nil
}

func (t *MemoryTransport) stateOf(id string) protocol.ConnectionState {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return t.states[id]
}

// mailbox runs queued callbacks in order on one goroutine
type mailbox struct {
	net    *MemoryNetwork
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
}

func newMailbox(n *MemoryNetwork) *mailbox {
	m := &mailbox{net: n}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *mailbox) post(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.net.addPending()
	m.queue = append(m.queue, fn)
	m.cond.Signal()
}

func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for range m.queue {
		m.net.donePending()
	}
	m.queue = nil
	m.cond.Broadcast()
}

func (m *mailbox) run() {
	for {
		m.mu.Lock()
		for len(m.queue) == 0 && !m.closed {
			m.cond.Wait()
		}
		if m.closed {
			m.mu.Unlock()
			return
		}
		fn := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		fn()
		m.net.donePending()
	}
}

type nopDelegate struct{}

func (nopDelegate) PeerFound(protocol.PeerHandle, string) {}
func (nopDelegate) PeerLost(protocol.PeerHandle) {}
func (nopDelegate) PeerStateChanged(protocol.PeerHandle, protocol.ConnectionState) {}
func (nopDelegate) Received([]byte, protocol.PeerHandle) {}
