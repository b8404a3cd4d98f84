// Package transport implements protocol.Transport over the local network
// and over an in-process network for tests and simulations.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"mupeer.dev/go/mupeer/internal/metrics"
	"mupeer.dev/go/mupeer/internal/protocol"
)

const (
	// DefaultPort is the default TCP port for peer connections
	DefaultPort = 7840

	// DefaultKeepaliveInterval is how often an idle connection sends a keepalive
	DefaultKeepaliveInterval = 15 * time.Second

	// DefaultWriteWait bounds how long a reliable send may wait for queue space
	DefaultWriteWait = 2 * time.Second

	// DefaultQueueSize is the per-connection send queue length
	DefaultQueueSize = 256

	// missedKeepalives is how many keepalive intervals of silence close a connection
	missedKeepalives = 3
)

// ErrQueueFull is returned when a reliable send times out waiting for queue space
var ErrQueueFull = errors.New("send queue full")

// LANConfig configures a LANTransport
type LANConfig struct {
	// Port to listen on. Zero picks a free port.
	Port int

	// NewDiscovery builds the discovery for each transport. Nil means mDNS
	// with ServiceType and BrowseInterval.
	NewDiscovery   func() Discovery
	ServiceType    string
	BrowseInterval time.Duration

	KeepaliveInterval time.Duration
	WriteWait         time.Duration
	QueueSize         int

	ConnectionLimits *ConnectionLimits
	RateLimits       *RateLimits

	Clock   clock.Clock
	Metrics *metrics.Metrics
}

func (c *LANConfig) withDefaults() {
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if c.WriteWait <= 0 {
		c.WriteWait = DefaultWriteWait
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.NewDiscovery == nil {
		serviceType, interval := c.ServiceType, c.BrowseInterval
		c.NewDiscovery = func() Discovery { return NewMDNSDiscovery(serviceType, interval) }
	}
	if c.ConnectionLimits == nil {
		limits := DefaultConnectionLimits()
		c.ConnectionLimits = &limits
	}
	if c.RateLimits == nil {
		limits := DefaultRateLimits()
		c.RateLimits = &limits
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
}

// LANFactory returns a constructor for one LANTransport per session generation
func LANFactory(cfg LANConfig) func(protocol.PeerHandle, string) (protocol.Transport, error) {
	return func(self protocol.PeerHandle, discoveryID string) (protocol.Transport, error) {
		return NewLAN(self, discoveryID, cfg), nil
	}
}

// LANTransport connects peers over TCP. Every connection is encrypted with
// an ephemeral key exchange and starts with a hello that carries the peer
// identity.
type LANTransport struct {
	cfg         LANConfig
	self        protocol.PeerHandle
	discoveryID string
	discovery   Discovery
	connLimiter *ConnectionLimiter
	rateLimiter *RateLimiter
	metrics     *metrics.Metrics

	delegateMu sync.RWMutex
	dlg        protocol.TransportDelegate

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	listener net.Listener
	adverts  map[string]Advert
	conns    map[string]*peerConn
	dialing  map[string]bool
	pending  map[net.Conn]struct{}
	started  bool
	closed   bool
}

var _ protocol.Transport = (*LANTransport)(nil)

// NewLAN creates an unstarted transport for self
func NewLAN(self protocol.PeerHandle, discoveryID string, cfg LANConfig) *LANTransport {
	cfg.withDefaults()
	return &LANTransport{
		cfg:         cfg,
		self:        self,
		discoveryID: discoveryID,
		discovery:   cfg.NewDiscovery(),
		connLimiter: NewConnectionLimiter(*cfg.ConnectionLimits, cfg.Clock),
		rateLimiter: NewRateLimiter(*cfg.RateLimits, cfg.Clock),
		metrics:     cfg.Metrics,
		adverts:     make(map[string]Advert),
		conns:       make(map[string]*peerConn),
		dialing:     make(map[string]bool),
		pending:     make(map[net.Conn]struct{}),
	}
}

// SetDelegate attaches the callback receiver
func (t *LANTransport) SetDelegate(d protocol.TransportDelegate) {
	t.delegateMu.Lock()
	defer t.delegateMu.Unlock()
	t.dlg = d
}

func (t *LANTransport) delegate() protocol.TransportDelegate {
	t.delegateMu.RLock()
	defer t.delegateMu.RUnlock()
	if t.dlg == nil || t.isClosed() {
		return nopDelegate{}
	}
	return t.dlg
}

// Start listens for connections and starts discovery
func (t *LANTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.started {
		t.mu.Unlock()
		return nil
	}
	t.started = true
	t.ctx, t.cancel = context.WithCancel(ctx)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", t.cfg.Port))
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("listen: %w", err)
	}
	t.listener = listener
	t.mu.Unlock()

	slog.Info("Peer listener started", "addr", listener.Addr().String(), "peer", t.self)
	go t.acceptLoop(listener)

	self := Advert{Handle: t.self, DiscoveryID: t.discoveryID, Addr: listener.Addr().String()}
	if err := t.discovery.Start(t.ctx, self, t.peerFound, t.peerLost); err != nil {
		// Connections can still be made by peers that find us
		slog.Warn("Discovery not started", "error", err)
	}
	return nil
}

// Addr returns the listen address, or nil before Start
func (t *LANTransport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// LocalAdvert returns the advert for this transport using host as the
// reachable address. Static discovery setups use it.
func (t *LANTransport) LocalAdvert(host string) Advert {
	a := Advert{Handle: t.self, DiscoveryID: t.discoveryID}
	if addr, ok := t.Addr().(*net.TCPAddr); ok {
		a.Addr = net.JoinHostPort(host, strconv.Itoa(addr.Port))
	}
	return a
}

func (t *LANTransport) peerFound(a Advert) {
	if a.Handle.ID == t.self.ID {
		return
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.adverts[a.Handle.ID] = a
	t.mu.Unlock()

	t.delegate().PeerFound(a.Handle, a.DiscoveryID)
}

func (t *LANTransport) peerLost(id string) {
	t.mu.Lock()
	a, ok := t.adverts[id]
	delete(t.adverts, id)
	t.mu.Unlock()

	if ok {
		t.delegate().PeerLost(a.Handle)
	}
}

// Invite dials the peer. Progress is reported through PeerStateChanged.
func (t *LANTransport) Invite(handle protocol.PeerHandle, timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || !t.started {
		return ErrClosed
	}
	if pc := t.conns[handle.ID]; pc != nil {
		go func() { t.delegate().PeerStateChanged(pc.handle, protocol.StateConnected) }()
		return nil
	}
	if t.dialing[handle.ID] {
		return nil
	}
	a, ok := t.adverts[handle.ID]
	if !ok {
		return fmt.Errorf("invite %s: no address", handle)
	}

	t.dialing[handle.ID] = true
	go t.dial(handle, a.Addr, timeout)
	return nil
}

func (t *LANTransport) dial(handle protocol.PeerHandle, addr string, timeout time.Duration) {
	defer func() {
		t.mu.Lock()
		delete(t.dialing, handle.ID)
		t.mu.Unlock()
	}()

	t.delegate().PeerStateChanged(handle, protocol.StateConnecting)
	slog.Debug("Dialing peer", "peer", handle, "addr", addr)

	start := t.cfg.Clock.Now()
	pc, err := t.connect(handle, addr, timeout)
	t.metrics.RecordHandshake(t.cfg.Clock.Since(start), err, handle.ID)
	if err != nil {
		slog.Warn("Failed to connect to peer", "peer", handle, "addr", addr, "error", err)
		t.delegate().PeerStateChanged(handle, protocol.StateNotConnected)
		return
	}

	if pc == nil {
		// The peer dialed us at the same time and that connection won
		pc = t.conn(handle.ID)
	}
	if pc != nil {
		t.delegate().PeerStateChanged(pc.handle, protocol.StateConnected)
	}
}

func (t *LANTransport) conn(id string) *peerConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[id]
}

// connect dials and registers a connection. A nil result without error
// means a connection to the peer already existed.
func (t *LANTransport) connect(handle protocol.PeerHandle, addr string, timeout time.Duration) (*peerConn, error) {
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(t.ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	if !t.track(conn) {
		conn.Close()
		return nil, ErrClosed
	}
	defer t.untrack(conn)

	framer, hello, err := t.handshake(conn, true, timeout)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if hello.PeerID != handle.ID {
		conn.Close()
		return nil, fmt.Errorf("expected peer %s, reached %s", protocol.ShortID(handle.ID), protocol.ShortID(hello.PeerID))
	}

	pc, ok := t.register(conn, framer, hello, nil)
	if !ok {
		return nil, nil
	}
	return pc, nil
}

// handshake secures conn and exchanges hellos
func (t *LANTransport) handshake(conn net.Conn, dialer bool, timeout time.Duration) (*protocol.Framer, *protocol.Hello, error) {
	cipher, err := SecureChannel(conn, dialer, timeout)
	if err != nil {
		return nil, nil, fmt.Errorf("secure channel: %w", err)
	}
	framer := protocol.NewFramer(conn, conn)
	framer.SetCipher(cipher)

	hello, err := protocol.PerformHello(conn, framer, protocol.NewHello(t.self, t.discoveryID))
	if err != nil {
		return nil, nil, err
	}
	return framer, hello, nil
}

func (t *LANTransport) acceptLoop(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if t.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Error("Accept error", "error", err)
			continue
		}

		// Limits apply before a single byte is read
		if err := t.connLimiter.Admit(conn.RemoteAddr()); err != nil {
			slog.Debug("Connection rejected by limiter", "remote", conn.RemoteAddr(), "reason", err)
			t.metrics.RecordError("connection_limited", err.Error(), conn.RemoteAddr().String())
			conn.Close()
			continue
		}

		go t.handleInbound(conn)
	}
}

func (t *LANTransport) handleInbound(conn net.Conn) {
	remote := conn.RemoteAddr()
	release := func() { t.connLimiter.Release(remote) }

	if !t.track(conn) {
		conn.Close()
		release()
		return
	}
	defer t.untrack(conn)

	start := t.cfg.Clock.Now()
	framer, hello, err := t.handshake(conn, false, protocol.HandshakeTimeout)
	t.metrics.RecordHandshake(t.cfg.Clock.Since(start), err, remote.String())
	if err != nil {
		slog.Warn("Inbound handshake failed", "remote", remote, "error", err)
		t.connLimiter.Failed(remote)
		conn.Close()
		release()
		return
	}
	t.connLimiter.Succeeded(remote)

	pc, ok := t.register(conn, framer, hello, release)
	if !ok {
		return
	}
	t.delegate().PeerStateChanged(pc.handle, protocol.StateConnected)
}

// track records a connection that is still handshaking so Close can abort it
func (t *LANTransport) track(conn net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.pending[conn] = struct{}{}
	return true
}

func (t *LANTransport) untrack(conn net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, conn)
}

// register adds a handshaken connection and starts its loops. A second
// connection to the same peer is closed and register reports false.
func (t *LANTransport) register(conn net.Conn, framer *protocol.Framer, hello *protocol.Hello, release func()) (*peerConn, bool) {
	t.mu.Lock()
	handle := hello.Handle()
	if a, ok := t.adverts[hello.PeerID]; ok {
		handle = a.Handle
	}

	if t.closed || t.conns[hello.PeerID] != nil {
		closed := t.closed
		t.mu.Unlock()
		if !closed {
			slog.Debug("Closing duplicate connection", "peer", handle)
		}
		conn.Close()
		if release != nil {
			release()
		}
		return nil, false
	}

	pc := &peerConn{
		handle:  handle,
		conn:    conn,
		framer:  framer,
		sendCh:  make(chan *protocol.Message, t.cfg.QueueSize),
		done:    make(chan struct{}),
		release: release,
	}
	t.conns[hello.PeerID] = pc
	t.mu.Unlock()

	slog.Info("Peer connected", "peer", handle, "addr", conn.RemoteAddr().String(), "inbound", release != nil)

	go t.sendLoop(pc)
	go t.receiveLoop(pc)
	go t.keepaliveLoop(pc)
	return pc, true
}

// Send queues data on each peer's connection. Reliable sends wait up to
// WriteWait for queue space, and unreliable sends are dropped when the
// queue is full.
func (t *LANTransport) Send(data []byte, to []protocol.PeerHandle, reliable bool) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	targets := make([]*peerConn, len(to))
	for i, h := range to {
		targets[i] = t.conns[h.ID]
	}
	t.mu.Unlock()

	var errs []error
	for i, pc := range targets {
		if pc == nil {
			errs = append(errs, fmt.Errorf("send to %s: %w", to[i], ErrNotConnected))
			continue
		}
		msg := protocol.NewDataMessage(data)

		if !reliable {
			select {
			case pc.sendCh <- msg:
			default:
				slog.Debug("Send queue full, dropping unreliable message", "peer", pc.handle)
			}
			continue
		}

		timer := t.cfg.Clock.Timer(t.cfg.WriteWait)
		select {
		case pc.sendCh <- msg:
		case <-pc.done:
			errs = append(errs, fmt.Errorf("send to %s: %w", pc.handle, ErrNotConnected))
		case <-timer.C:
			errs = append(errs, fmt.Errorf("send to %s: %w", pc.handle, ErrQueueFull))
		}
		timer.Stop()
	}
	return errors.Join(errs...)
}

// ConnectedHandles returns every peer with an open connection
func (t *LANTransport) ConnectedHandles() []protocol.PeerHandle {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]protocol.PeerHandle, 0, len(t.conns))
	for _, pc := range t.conns {
		out = append(out, pc.handle)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close stops discovery, says goodbye to every connected peer, and closes
// all connections. Callbacks already running may still complete.
func (t *LANTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	if t.cancel != nil {
		t.cancel()
	}
	listener := t.listener
	conns := make([]*peerConn, 0, len(t.conns))
	for _, pc := range t.conns {
		conns = append(conns, pc)
	}
	t.conns = make(map[string]*peerConn)
	for conn := range t.pending {
		conn.Close()
	}
	started := t.started
	t.mu.Unlock()

	if started {
		t.discovery.Stop()
	}
	if listener != nil {
		listener.Close()
	}

	for _, pc := range conns {
		pc.conn.SetWriteDeadline(time.Now().Add(100 * time.Millisecond))
		pc.framer.Send(protocol.MsgBye, map[string]string{"reason": "closing"})
		pc.close()
	}

	slog.Info("Peer transport closed", "peer", t.self, "connections", len(conns))
	return nil
}

func (t *LANTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// drop closes pc and reports the peer as not connected
func (t *LANTransport) drop(pc *peerConn, reason error) {
	if !pc.close() {
		return
	}

	t.mu.Lock()
	if t.conns[pc.handle.ID] == pc {
		delete(t.conns, pc.handle.ID)
	}
	t.mu.Unlock()

	t.rateLimiter.Forget(pc.handle.ID)
	slog.Info("Peer disconnected", "peer", pc.handle, "reason", reason)
	t.delegate().PeerStateChanged(pc.handle, protocol.StateNotConnected)
}

func (t *LANTransport) sendLoop(pc *peerConn) {
	for {
		select {
		case <-pc.done:
			return
		case msg := <-pc.sendCh:
			pc.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteWait))
			if err := pc.framer.WriteMessage(msg); err != nil {
				t.metrics.RecordError("send", err.Error(), pc.handle.ID)
				t.drop(pc, err)
				return
			}
		}
	}
}

func (t *LANTransport) receiveLoop(pc *peerConn) {
	idle := time.Duration(missedKeepalives) * t.cfg.KeepaliveInterval

	for {
		pc.conn.SetReadDeadline(time.Now().Add(idle))
		msg, size, err := pc.framer.ReadMessageWithSize()
		if err != nil {
			t.drop(pc, err)
			return
		}

		disconnect, err := t.rateLimiter.Allow(pc.handle.ID, msg.Type, size)
		if err != nil {
			t.metrics.RecordRateLimitDrop()
			slog.Warn("Message rate limited", "peer", pc.handle, "type", msg.Type, "size", size, "error", err)
			if disconnect {
				t.drop(pc, fmt.Errorf("too many rate limited messages"))
				return
			}
			continue
		}

		switch msg.Type {
		case protocol.MsgData:
			t.delegate().Received(msg.Data, pc.handle)
		case protocol.MsgKeepalive:
		case protocol.MsgBye:
			t.drop(pc, errors.New("peer said goodbye"))
			return
		default:
			slog.Debug("Unexpected frame", "peer", pc.handle, "type", msg.Type)
		}
	}
}

func (t *LANTransport) keepaliveLoop(pc *peerConn) {
	ticker := time.NewTicker(t.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-pc.done:
			return
		case <-ticker.C:
			msg, _ := protocol.NewMessage(protocol.MsgKeepalive, struct{}{})
			select {
			case pc.sendCh <- msg:
			default:
				// A full queue means traffic is flowing anyway
			}
		}
	}
}

// peerConn is one established connection
type peerConn struct {
	handle  protocol.PeerHandle
	conn    net.Conn
	framer  *protocol.Framer
	sendCh  chan *protocol.Message
	done    chan struct{}
	release func()

	closeOnce sync.Once
}

// close shuts the connection down and reports whether this call did it
func (pc *peerConn) close() bool {
	closed := false
	pc.closeOnce.Do(func() {
		closed = true
		close(pc.done)
		pc.conn.Close()
		if pc.release != nil {
			pc.release()
		}
	})
	return closed
}
