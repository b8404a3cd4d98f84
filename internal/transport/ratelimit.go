package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"mupeer.dev/go/mupeer/internal/protocol"
)

// ErrRateLimited is returned when an inbound frame exceeds a rate limit
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimits configures inbound message limits
type RateLimits struct {
	PeerMessagesPerSecond float64 // Per-peer sustained rate
	PeerBurst             int

	GlobalMessagesPerSecond float64
	GlobalBurst             int

	// TypeSizeLimits caps the frame size per message type. Unknown types use
	// protocol.MaxMessageSize.
	TypeSizeLimits map[protocol.MessageType]int

	// MaxDrops is how many drops within DropWindow disconnect a peer
	MaxDrops   int
	DropWindow time.Duration
}

// DefaultRateLimits returns limits sized for interactive sessions
func DefaultRateLimits() RateLimits {
	return RateLimits{
		PeerMessagesPerSecond: 200,
		PeerBurst:             400,

		GlobalMessagesPerSecond: 2000,
		GlobalBurst:             4000,

		TypeSizeLimits: map[protocol.MessageType]int{
			protocol.MsgKeepalive: 1024,
			protocol.MsgBye:       4096,
			protocol.MsgData:      protocol.MaxMessageSize,
		},

		MaxDrops:   500,
		DropWindow: time.Minute,
	}
}

// RateLimiter applies per-peer and global limits to inbound frames
type RateLimiter struct {
	limits RateLimits
	clock  clock.Clock
	global *rate.Limiter

	mu    sync.Mutex
	peers map[string]*peerLimit
}

type peerLimit struct {
	limiter    *rate.Limiter
	drops      int
	windowFrom time.Time
}

// NewRateLimiter creates a limiter. A nil clock means the wall clock.
func NewRateLimiter(limits RateLimits, clk clock.Clock) *RateLimiter {
	if clk == nil {
		clk = clock.New()
	}
	return &RateLimiter{
		limits: limits,
		clock:  clk,
		global: rate.NewLimiter(rate.Limit(limits.GlobalMessagesPerSecond), limits.GlobalBurst),
		peers:  make(map[string]*peerLimit),
	}
}

// Allow checks one inbound frame. disconnect reports whether the peer has
// dropped so many frames that it should be cut off.
func (rl *RateLimiter) Allow(peerID string, msgType protocol.MessageType, size int) (disconnect bool, err error) {
	now := rl.clock.Now()

	limit, ok := rl.limits.TypeSizeLimits[msgType]
	if !ok {
		limit = protocol.MaxMessageSize
	}
	if size > limit {
		return rl.recordDrop(peerID, now), fmt.Errorf("%s frame of %d bytes exceeds %d", msgType, size, limit)
	}

	if !rl.global.AllowN(now, 1) {
		return rl.recordDrop(peerID, now), fmt.Errorf("global: %w", ErrRateLimited)
	}

	rl.mu.Lock()
	p := rl.peerLocked(peerID)
	allowed := p.limiter.AllowN(now, 1)
	rl.mu.Unlock()

	if !allowed {
		return rl.recordDrop(peerID, now), fmt.Errorf("peer %s: %w", protocol.ShortID(peerID), ErrRateLimited)
	}
	return false, nil
}

func (rl *RateLimiter) recordDrop(peerID string, now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	p := rl.peerLocked(peerID)
	if now.Sub(p.windowFrom) > rl.limits.DropWindow {
		p.drops = 0
		p.windowFrom = now
	}
	p.drops++
	return rl.limits.MaxDrops > 0 && p.drops > rl.limits.MaxDrops
}

func (rl *RateLimiter) peerLocked(peerID string) *peerLimit {
	p := rl.peers[peerID]
	if p == nil {
		p = &peerLimit{
			limiter:    rate.NewLimiter(rate.Limit(rl.limits.PeerMessagesPerSecond), rl.limits.PeerBurst),
			windowFrom: rl.clock.Now(),
		}
		rl.peers[peerID] = p
	}
	return p
}

// Forget drops the state for a disconnected peer
func (rl *RateLimiter) Forget(peerID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.peers, peerID)
}
