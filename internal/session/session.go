// Package session owns the transport and tracks which peers are discovered
// and connected. It decides which side of each pair sends the invitation and
// recovers from wedged pairs by resetting the whole session.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"mupeer.dev/go/mupeer/internal/identity"
	"mupeer.dev/go/mupeer/internal/metrics"
	"mupeer.dev/go/mupeer/internal/observer"
	"mupeer.dev/go/mupeer/internal/protocol"
)

// Default invite timings
const (
	DefaultInviteTimeout     = 4 * time.Second
	DefaultRetryWait         = 3 * time.Second
	DefaultMaxInviteAttempts = 3
	DefaultStaleSlack        = 3 * time.Second
)

var (
	// ErrNotStarted is returned by operations that need a started session
	ErrNotStarted = errors.New("session not started")
	// ErrUnknownPeer is returned when a peer is not known to the session
	ErrUnknownPeer = errors.New("unknown peer")
)

// TransportFactory builds the transport for one session generation
type TransportFactory func(self protocol.PeerHandle, discoveryID string) (protocol.Transport, error)

// PeersHandler receives the connected peer list after every change
type PeersHandler func(connected []Peer)

// DataHandler receives raw messages. Returning true claims the message and
// stops delivery to later handlers.
type DataHandler func(data []byte, from Peer) bool

// ResetHandler is called after a session reset with the new local peer
type ResetHandler func(me Peer)

// Config configures a Session
type Config struct {
	Identity  identity.Store
	NameBase  string
	Transport TransportFactory

	InviteTimeout     time.Duration
	RetryWait         time.Duration
	MaxInviteAttempts int
	StaleSlack        time.Duration

	Clock   clock.Clock
	Metrics *metrics.Metrics

	// NewDiscoveryID generates the per-generation discovery token
	NewDiscoveryID func() string
}

func (c *Config) withDefaults() {
	if c.InviteTimeout <= 0 {
		c.InviteTimeout = DefaultInviteTimeout
	}
	if c.RetryWait <= 0 {
		c.RetryWait = DefaultRetryWait
	}
	if c.MaxInviteAttempts <= 0 {
		c.MaxInviteAttempts = DefaultMaxInviteAttempts
	}
	if c.StaleSlack <= 0 {
		c.StaleSlack = DefaultStaleSlack
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.NewDiscoveryID == nil {
		c.NewDiscoveryID = uuid.NewString
	}
}

// Session is the single owner of the transport. The *Session value survives
// resets, so subscribers registered on it keep working across generations.
type Session struct {
	cfg Config

	mu      sync.Mutex
	core    *core
	ctx     context.Context
	started bool

	resetMu   sync.Mutex
	resetting atomic.Bool

	peerHandlers  observer.List[PeersHandler]
	dataHandlers  observer.List[DataHandler]
	resetHandlers observer.List[ResetHandler]
}

// New loads or creates the local identity and builds the first generation
func New(cfg Config) (*Session, error) {
	if cfg.Identity == nil {
		return nil, errors.New("session: identity store required")
	}
	if cfg.Transport == nil {
		return nil, errors.New("session: transport factory required")
	}
	cfg.withDefaults()

	id, err := identity.LoadOrCreate(cfg.Identity, cfg.NameBase)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}

	s := &Session{cfg: cfg}
	c, err := s.buildCore(id)
	if err != nil {
		return nil, err
	}
	s.core = c
	return s, nil
}

func (s *Session) buildCore(id *identity.PeerIdentity) (*core, error) {
	me := Peer{
		ID:          id.ID,
		DisplayName: id.DisplayName,
		DiscoveryID: s.cfg.NewDiscoveryID(),
		IsMe:        true,
	}
	t, err := s.cfg.Transport(me.Handle(), me.DiscoveryID)
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}
	return newCore(s, me, t), nil
}

func (s *Session) current() *core {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.core
}

// Start begins advertising and browsing. Calls after the first are no-ops.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.ctx = ctx
	c := s.core
	s.mu.Unlock()

	if _, err := c.start(ctx); err != nil {
		return err
	}
	slog.Info("Session started", "peer", c.me, "discovery_id", c.discoveryID)
	return nil
}

// Started reports whether Start has been called
func (s *Session) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Close shuts the current generation down
func (s *Session) Close() error {
	return s.current().close()
}

// Me returns the local peer
func (s *Session) Me() Peer {
	return s.current().me
}

// ConnectedPeers returns peers that are both discovered and connected
func (s *Session) ConnectedPeers() []Peer {
	return s.current().connectedPeers()
}

// AllPeers returns every discovered peer regardless of connection state
func (s *Session) AllPeers() []Peer {
	return s.current().allPeers()
}

// ConnectionState returns the registry state for p. The second result is
// false when the registry has no state for it.
func (s *Session) ConnectionState(p Peer) (protocol.ConnectionState, bool) {
	return s.current().connectionState(p)
}

// Revalidate drops every connection state and re-probes the peers the
// transport still considers connected. Call it after the process resumes
// from sleep or backgrounding.
func (s *Session) Revalidate() {
	slog.Info("Revalidating peer connections")
	s.current().revalidate()
}

// SubscribePeers registers fn for connected-peer changes
func (s *Session) SubscribePeers(fn PeersHandler) *observer.Subscription {
	return s.peerHandlers.Add(fn)
}

// HandleData registers a raw message handler. Handlers run in registration
// order until one claims the message.
func (s *Session) HandleData(fn DataHandler) *observer.Subscription {
	return s.dataHandlers.Add(fn)
}

// SubscribeReset registers fn to run after every session reset
func (s *Session) SubscribeReset(fn ResetHandler) *observer.Subscription {
	return s.resetHandlers.Add(fn)
}

// Send delivers data to the given peers. An empty to means every connected
// peer. Nobody to send to is not an error. Failures are not retried.
func (s *Session) Send(data []byte, to []Peer, reliable bool) error {
	return s.send(data, to, reliable, "raw")
}

// SendEnvelope encodes env and sends it like Send
func (s *Session) SendEnvelope(env *protocol.Envelope, to []Peer, reliable bool) error {
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return s.send(data, to, reliable, env.EventName)
}

func (s *Session) send(data []byte, to []Peer, reliable bool, kind string) error {
	c := s.current()
	if len(to) == 0 {
		to = c.connectedPeers()
	}
	if len(to) == 0 {
		return nil
	}

	handles := make([]protocol.PeerHandle, len(to))
	for i, p := range to {
		handles[i] = p.Handle()
	}

	if err := c.transport.Send(data, handles, reliable); err != nil {
		slog.Warn("Send failed", "kind", kind, "peers", len(handles), "reliable", reliable, "error", err)
		s.cfg.Metrics.RecordSendFailure(peerList(to), err)
		return fmt.Errorf("send %s: %w", kind, err)
	}

	for range handles {
		s.cfg.Metrics.RecordMessageSent(kind, len(data))
	}
	return nil
}

// Reset replaces the current generation with one under a fresh identity and
// starts it if the session was started. If the new generation cannot be
// built the current one stays in place. An empty displayName
// keeps the current name base with a new suffix.
func (s *Session) Reset(displayName string) error {
	s.mu.Lock()
	old := s.core
	s.mu.Unlock()
	return s.resetFrom(old, displayName)
}

// escalate resets the session once for a core whose invites are exhausted
func (s *Session) escalate(from *core) {
	if !s.resetting.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer s.resetting.Store(false)
		if err := s.resetFrom(from, ""); err != nil {
			// The old generation is still current. Forgetting its invite
			// history lets the next discovery escalate again.
			slog.Error("Session reset failed", "error", err)
			from.forgetInvites()
		}
	}()
}

func (s *Session) resetFrom(old *core, displayName string) error {
	s.resetMu.Lock()
	defer s.resetMu.Unlock()

	if s.current() != old {
		// Another reset already replaced this generation
		return nil
	}

	id, err := identity.Next(s.cfg.Identity, displayName)
	if err != nil {
		return fmt.Errorf("regenerate identity: %w", err)
	}

	// The old generation keeps running until its replacement exists
	c, err := s.buildCore(id)
	if err != nil {
		return err
	}

	// An unsaved identity still gets a new generation; it is lost on restart
	if err := s.cfg.Identity.Save(id); err != nil {
		slog.Warn("Identity not persisted, continuing in memory", "id", id.ID, "error", err)
		s.cfg.Metrics.RecordError("identity", err.Error(), id.ID)
	}

	// The old transport is closed without holding s.mu so that callbacks it
	// is still delivering can finish.
	if err := old.close(); err != nil {
		slog.Warn("Close transport during reset", "error", err)
	}

	s.mu.Lock()
	s.core = c
	started, ctx := s.started, s.ctx
	s.mu.Unlock()

	s.cfg.Metrics.RecordSessionReset()
	slog.Info("Session reset", "peer", c.me, "discovery_id", c.discoveryID)

	if started {
		if _, err := c.start(ctx); err != nil {
			return fmt.Errorf("restart session: %w", err)
		}
	}

	for _, fn := range s.resetHandlers.Snapshot() {
		fn(c.me)
	}
	c.notifyPeers()
	return nil
}

func peerList(peers []Peer) string {
	if len(peers) == 1 {
		return peers[0].ID
	}
	return fmt.Sprintf("%d peers", len(peers))
}
