package transport

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"
)

// Errors returned by ConnectionLimiter.Admit
var (
	ErrAddressBlocked = errors.New("address temporarily blocked")
	ErrTooManyConns   = errors.New("connection limit reached")
	ErrConnRate       = errors.New("connection rate exceeded")
)

// ConnectionLimits configures a ConnectionLimiter
type ConnectionLimits struct {
	MaxConnections      int           // Max total inbound connections
	ConnectionsPerSec   float64       // New connections per second globally
	ConnectionBurst     int           // Global burst allowance
	MaxConnectionsPerIP int           // Max inbound connections per IP
	IPConnectionsPerSec float64       // New connections per second per IP
	IPConnectionBurst   int           // Burst per IP
	MaxFailuresPerIP    int           // Handshake failures before a temporary ban
	FailureWindow       time.Duration // Window for counting failures
	BlockDuration       time.Duration // Length of a ban
}

// DefaultConnectionLimits suits a LAN session of a few dozen peers
func DefaultConnectionLimits() ConnectionLimits {
	return ConnectionLimits{
		MaxConnections:      64,
		ConnectionsPerSec:   10,
		ConnectionBurst:     20,
		MaxConnectionsPerIP: 4,
		IPConnectionsPerSec: 2,
		IPConnectionBurst:   4,
		MaxFailuresPerIP:    5,
		FailureWindow:       time.Minute,
		BlockDuration:       5 * time.Minute,
	}
}

// ConnectionLimiter guards the accept loop. It runs before any bytes are
// read from a new connection.
type ConnectionLimiter struct {
	limits ConnectionLimits
	clock  clock.Clock
	global *rate.Limiter

	mu      sync.Mutex
	current int
	hosts   map[string]*hostState
}

type hostState struct {
	conns        int
	limiter      *rate.Limiter
	failures     int
	lastFailure  time.Time
	blockedUntil time.Time
}

// NewConnectionLimiter creates a limiter. A nil clock means the wall clock.
func NewConnectionLimiter(limits ConnectionLimits, clk clock.Clock) *ConnectionLimiter {
	if clk == nil {
		clk = clock.New()
	}
	return &ConnectionLimiter{
		limits: limits,
		clock:  clk,
		global: rate.NewLimiter(rate.Limit(limits.ConnectionsPerSec), limits.ConnectionBurst),
		hosts:  make(map[string]*hostState),
	}
}

// Admit reserves a slot for a connection from addr. Every admitted
// connection must be released exactly once.
func (cl *ConnectionLimiter) Admit(addr net.Addr) error {
	ip := hostOf(addr)
	now := cl.clock.Now()

	cl.mu.Lock()
	defer cl.mu.Unlock()

	h := cl.hostLocked(ip)
	if now.Before(h.blockedUntil) {
		return ErrAddressBlocked
	}
	if !cl.global.AllowN(now, 1) {
		return ErrConnRate
	}
	if cl.current >= cl.limits.MaxConnections || h.conns >= cl.limits.MaxConnectionsPerIP {
		return ErrTooManyConns
	}
	if !h.limiter.AllowN(now, 1) {
		return ErrConnRate
	}

	cl.current++
	h.conns++
	return nil
}

// Release frees the slot taken by Admit
func (cl *ConnectionLimiter) Release(addr net.Addr) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.current > 0 {
		cl.current--
	}
	if h := cl.hosts[hostOf(addr)]; h != nil && h.conns > 0 {
		h.conns--
	}
}

// Failed records a failed handshake. Too many failures inside the window
// block the address.
func (cl *ConnectionLimiter) Failed(addr net.Addr) {
	ip := hostOf(addr)
	now := cl.clock.Now()

	cl.mu.Lock()
	defer cl.mu.Unlock()

	h := cl.hostLocked(ip)
	if now.Sub(h.lastFailure) > cl.limits.FailureWindow {
		h.failures = 0
	}
	h.failures++
	h.lastFailure = now

	if h.failures >= cl.limits.MaxFailuresPerIP {
		h.blockedUntil = now.Add(cl.limits.BlockDuration)
		h.failures = 0
		slog.Warn("Blocking address after repeated handshake failures",
			"ip", ip,
			"until", h.blockedUntil.Format(time.RFC3339))
	}
}

// Succeeded clears the failure count for addr
func (cl *ConnectionLimiter) Succeeded(addr net.Addr) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if h := cl.hosts[hostOf(addr)]; h != nil {
		h.failures = 0
	}
}

// ConnectionStats is a point-in-time view of the limiter
type ConnectionStats struct {
	Current int `json:"current"`
	Max     int `json:"max"`
	Blocked int `json:"blocked"`
}

// Stats returns the current counts and drops idle host entries
func (cl *ConnectionLimiter) Stats() ConnectionStats {
	now := cl.clock.Now()

	cl.mu.Lock()
	defer cl.mu.Unlock()

	stats := ConnectionStats{Current: cl.current, Max: cl.limits.MaxConnections}
	for ip, h := range cl.hosts {
		switch {
		case now.Before(h.blockedUntil):
			stats.Blocked++
		case h.conns == 0 && now.Sub(h.lastFailure) > cl.limits.FailureWindow:
			delete(cl.hosts, ip)
		}
	}
	return stats
}

func (cl *ConnectionLimiter) hostLocked(ip string) *hostState {
	h := cl.hosts[ip]
	if h == nil {
		h = &hostState{
			limiter: rate.NewLimiter(rate.Limit(cl.limits.IPConnectionsPerSec), cl.limits.IPConnectionBurst),
		}
		cl.hosts[ip] = h
	}
	return h
}

// hostOf extracts the IP from a network address
func hostOf(addr net.Addr) string {
	switch v := addr.(type) {
	case *net.TCPAddr:
		return v.IP.String()
	case *net.UDPAddr:
		return v.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}
