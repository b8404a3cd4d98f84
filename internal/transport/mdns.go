package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"mupeer.dev/go/mupeer/internal/protocol"
)

const (
	// DefaultServiceType is the mDNS service type peers advertise
	DefaultServiceType = "_mupeer._tcp"

	// MDNSDomain is the mDNS domain
	MDNSDomain = "local."

	// DefaultBrowseInterval is how often to scan for peers
	DefaultBrowseInterval = 10 * time.Second

	// browseWindow is how long one browse round listens for answers
	browseWindow = 3 * time.Second

	// LostAfter is how many browse rounds a peer may be missing before it
	// is reported lost
	LostAfter = 3

	txtVersion = "1"
)

// Advert is a peer found by discovery
type Advert struct {
	Handle      protocol.PeerHandle
	DiscoveryID string
	Addr        string
}

// Discovery finds peers and tells the transport when they appear and vanish
type Discovery interface {
	Start(ctx context.Context, self Advert, found func(Advert), lost func(id string)) error
	Stop()
}

// MDNSDiscovery advertises and browses a zeroconf service
type MDNSDiscovery struct {
	serviceType string
	interval    time.Duration

	mu      sync.Mutex
	server  *zeroconf.Server
	cancel  context.CancelFunc
	self    Advert
	found   func(Advert)
	lost    func(id string)
	seen    map[string]*mdnsEntry
	stopped bool
	done    chan struct{}
}

type mdnsEntry struct {
	advert Advert
	missed int
	round  bool
}

// NewMDNSDiscovery creates a discovery for serviceType. Zero values pick
// the defaults.
func NewMDNSDiscovery(serviceType string, interval time.Duration) *MDNSDiscovery {
	if serviceType == "" {
		serviceType = DefaultServiceType
	}
	if interval <= 0 {
		interval = DefaultBrowseInterval
	}
	return &MDNSDiscovery{
		serviceType: serviceType,
		interval:    interval,
		seen:        make(map[string]*mdnsEntry),
	}
}

// Start registers the service and begins browsing
func (m *MDNSDiscovery) Start(ctx context.Context, self Advert, found func(Advert), lost func(id string)) error {
	_, portStr, err := net.SplitHostPort(self.Addr)
	if err != nil {
		return fmt.Errorf("parse listen address: %w", err)
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return fmt.Errorf("parse listen port: %w", err)
	}

	txt := []string{
		"id=" + self.Handle.ID,
		"name=" + self.Handle.DisplayName,
		"disc=" + self.DiscoveryID,
		"v=" + txtVersion,
	}

	server, err := zeroconf.Register(instanceName(self), m.serviceType, MDNSDomain, port, txt, nil)
	if err != nil {
		return fmt.Errorf("register mDNS service: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	m.server = server
	m.cancel = cancel
	m.self = self
	m.found = found
	m.lost = lost
	m.done = make(chan struct{})
	m.mu.Unlock()

	slog.Info("mDNS service registered",
		"service", m.serviceType,
		"port", port,
		"id", protocol.ShortID(self.Handle.ID),
	)

	go m.browseLoop(ctx)
	return nil
}

// Stop withdraws the advertisement and ends browsing. No callbacks run
// after it returns.
func (m *MDNSDiscovery) Stop() {
	m.mu.Lock()
	if m.stopped || m.cancel == nil {
		m.stopped = true
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.cancel()
	server, done := m.server, m.done
	m.server = nil
	m.mu.Unlock()

	if server != nil {
		server.Shutdown()
	}
	<-done
	slog.Info("mDNS service stopped")
}

func (m *MDNSDiscovery) browseLoop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.browse(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// browse runs one round and reports peers that have been missing for
// LostAfter rounds
func (m *MDNSDiscovery) browse(ctx context.Context) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		slog.Debug("Failed to create mDNS resolver", "error", err)
		return
	}

	m.mu.Lock()
	for _, e := range m.seen {
		e.round = false
	}
	m.mu.Unlock()

	entries := make(chan *zeroconf.ServiceEntry)
	roundCtx, cancel := context.WithTimeout(ctx, browseWindow)
	defer cancel()

	handled := make(chan struct{})
	go func() {
		defer close(handled)
		for {
			select {
			case entry, ok := <-entries:
				if !ok {
					return
				}
				m.handleEntry(entry)
			case <-roundCtx.Done():
				return
			}
		}
	}()

	if err := resolver.Browse(roundCtx, m.serviceType, MDNSDomain, entries); err != nil {
		slog.Debug("mDNS browse error", "error", err)
	}
	<-roundCtx.Done()
	<-handled

	if ctx.Err() != nil {
		return
	}

	var gone []string
	m.mu.Lock()
	for id, e := range m.seen {
		if e.round {
			e.missed = 0
			continue
		}
		e.missed++
		if e.missed >= LostAfter {
			delete(m.seen, id)
			gone = append(gone, id)
		}
	}
	lost := m.lost
	m.mu.Unlock()

	for _, id := range gone {
		slog.Debug("mDNS peer missing", "id", protocol.ShortID(id), "rounds", LostAfter)
		lost(id)
	}
}

func (m *MDNSDiscovery) handleEntry(entry *zeroconf.ServiceEntry) {
	advert, ok := parseEntry(entry)
	if !ok {
		return
	}

	m.mu.Lock()
	if m.stopped || advert.Handle.ID == m.self.Handle.ID {
		m.mu.Unlock()
		return
	}

	// A zero TTL is a goodbye announcement
	if entry.TTL == 0 {
		_, known := m.seen[advert.Handle.ID]
		delete(m.seen, advert.Handle.ID)
		lost := m.lost
		m.mu.Unlock()
		if known {
			lost(advert.Handle.ID)
		}
		return
	}

	existing := m.seen[advert.Handle.ID]
	changed := existing == nil || existing.advert != advert
	if existing == nil {
		existing = &mdnsEntry{}
		m.seen[advert.Handle.ID] = existing
	}
	existing.advert = advert
	existing.round = true
	existing.missed = 0
	found := m.found
	m.mu.Unlock()

	if changed {
		slog.Debug("mDNS discovered peer",
			"id", protocol.ShortID(advert.Handle.ID),
			"name", advert.Handle.DisplayName,
			"addr", advert.Addr,
		)
		found(advert)
	}
}

// parseEntry reads the TXT records of a service entry. Entries without an
// id or address, or with another protocol version, are ignored.
func parseEntry(entry *zeroconf.ServiceEntry) (Advert, bool) {
	var a Advert
	var version string
	for _, txt := range entry.Text {
		key, value, ok := strings.Cut(txt, "=")
		if !ok {
			continue
		}
		switch key {
		case "id":
			a.Handle.ID = value
		case "name":
			a.Handle.DisplayName = value
		case "disc":
			a.DiscoveryID = value
		case "v":
			version = value
		}
	}
	if a.Handle.ID == "" || version != txtVersion {
		return Advert{}, false
	}

	// Prefer IPv4
	var host string
	switch {
	case len(entry.AddrIPv4) > 0:
		host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		host = entry.AddrIPv6[0].String()
	default:
		return Advert{}, false
	}
	a.Addr = net.JoinHostPort(host, fmt.Sprint(entry.Port))
	return a, true
}

// instanceName combines the display name and host name so that several
// peers on one machine stay distinct
func instanceName(self Advert) string {
	return fmt.Sprintf("%s-%s-%s", sanitize(self.Handle.DisplayName), systemHostname(), protocol.ShortID(self.DiscoveryID))
}

func systemHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "mupeer"
	}
	if s := sanitize(hostname); s != "" {
		return s
	}
	return "mupeer"
}

// sanitize keeps lower-case letters, digits, and hyphens
func sanitize(s string) string {
	var b strings.Builder
	for _, c := range strings.ToLower(s) {
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// StaticDiscovery reports a fixed set of adverts. It serves networks where
// multicast is unavailable and tests that run on loopback.
type StaticDiscovery struct {
	mu      sync.Mutex
	adverts []Advert
	found   func(Advert)
	lost    func(string)
	self    Advert
}

// NewStaticDiscovery creates a discovery that reports adverts on Start
func NewStaticDiscovery(adverts ...Advert) *StaticDiscovery {
	return &StaticDiscovery{adverts: adverts}
}

// Start reports every advert except self
func (s *StaticDiscovery) Start(ctx context.Context, self Advert, found func(Advert), lost func(id string)) error {
	s.mu.Lock()
	s.self, s.found, s.lost = self, found, lost
	adverts := append([]Advert(nil), s.adverts...)
	s.mu.Unlock()

	for _, a := range adverts {
		if a.Handle.ID != self.Handle.ID {
			found(a)
		}
	}
	return nil
}

// Add reports a new advert
func (s *StaticDiscovery) Add(a Advert) {
	s.mu.Lock()
	s.adverts = append(s.adverts, a)
	found, self := s.found, s.self
	s.mu.Unlock()

	if found != nil && a.Handle.ID != self.Handle.ID {
		found(a)
	}
}

// Remove reports the advert with id as lost
func (s *StaticDiscovery) Remove(id string) {
	s.mu.Lock()
	for i, a := range s.adverts {
		if a.Handle.ID == id {
			s.adverts = append(s.adverts[:i], s.adverts[i+1:]...)
			break
		}
	}
	lost := s.lost
	s.mu.Unlock()

	if lost != nil {
		lost(id)
	}
}

// Stop detaches the callbacks
func (s *StaticDiscovery) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.found, s.lost = nil, nil
}
