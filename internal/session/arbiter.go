package session

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"mupeer.dev/go/mupeer/internal/protocol"
)

// ShouldInvite reports whether the side holding mine invites the side holding
// theirs. Exactly one of ShouldInvite(a, b) and ShouldInvite(b, a) is true for
// distinct tokens.
func ShouldInvite(mine, theirs string) bool {
	return mine < theirs
}

// inviteHistory tracks invitation attempts for one handle
type inviteHistory struct {
	attempt   int
	nextAfter time.Time
	scheduled bool
	exhausted bool
	firstSent time.Time
}

type inviteAction int

const (
	actionNone inviteAction = iota
	actionInvite
	actionWait
	actionExhausted
)

func (a inviteAction) String() string {
	switch a {
	case actionInvite:
		return "invite"
	case actionWait:
		return "wait"
	case actionExhausted:
		return "exhausted"
	default:
		return "none"
	}
}

// inviteDecision is what the arbiter wants done once the registry lock is released
type inviteDecision struct {
	action  inviteAction
	attempt int
	// delay is when to evaluate again. Zero means no re-evaluation.
	delay time.Duration
}

// arbiter is the invite retry state machine. It only reads and writes the
// history it is handed, so callers decide what lock protects it.
type arbiter struct {
	retryWait   time.Duration
	timeout     time.Duration
	maxAttempts int
	staleSlack  time.Duration
}

// stale reports whether the history is old enough to restart counting
func (a *arbiter) stale(now time.Time, h *inviteHistory) bool {
	return now.After(h.nextAfter.Add(a.timeout + a.staleSlack))
}

// decide evaluates one handle. state is nil when the registry has no
// connection state for the handle. The returned history replaces h; nil
// means there is nothing to track.
func (a *arbiter) decide(now time.Time, mine, theirs string, state *protocol.ConnectionState, h *inviteHistory) (inviteDecision, *inviteHistory) {
	if !ShouldInvite(mine, theirs) {
		return inviteDecision{action: actionNone}, h
	}
	if state != nil && (*state == protocol.StateConnecting || *state == protocol.StateConnected) {
		return inviteDecision{action: actionNone}, h
	}

	if h != nil && h.exhausted {
		return inviteDecision{action: actionNone}, h
	}

	if h == nil || a.stale(now, h) {
		h = &inviteHistory{firstSent: now}
		return a.invite(now, h), h
	}

	if now.Before(h.nextAfter) {
		if h.scheduled {
			return inviteDecision{action: actionNone}, h
		}
		h.scheduled = true
		return inviteDecision{action: actionWait, attempt: h.attempt, delay: h.nextAfter.Sub(now)}, h
	}

	if h.attempt >= a.maxAttempts {
		h.exhausted = true
		return inviteDecision{action: actionExhausted, attempt: h.attempt}, h
	}

	return a.invite(now, h), h
}

func (a *arbiter) invite(now time.Time, h *inviteHistory) inviteDecision {
	h.attempt++
	h.nextAfter = now.Add(a.retryWait)
	h.scheduled = true
	return inviteDecision{action: actionInvite, attempt: h.attempt, delay: a.retryWait}
}

// evaluateInvite runs the arbiter for one handle under the registry lock and
// acts on the decision after releasing it.
func (c *core) evaluateInvite(handle protocol.PeerHandle) {
	c.mu.Lock()
	if c.closed || !c.started {
		c.mu.Unlock()
		return
	}
	theirs, discovered := c.discovered[handle]
	if !discovered {
		c.mu.Unlock()
		return
	}

	var state *protocol.ConnectionState
	if s, ok := c.states[handle]; ok {
		state = &s
	}

	d, h := c.arbiter.decide(c.clock.Now(), c.discoveryID, theirs, state, c.invites[handle])
	if h != nil {
		c.invites[handle] = h
	}
	if d.delay > 0 {
		c.scheduleLocked(handle, d.delay)
	}
	c.mu.Unlock()

	switch d.action {
	case actionInvite:
		slog.Info("Inviting peer", "peer", handle, "attempt", d.attempt)
		c.s.cfg.Metrics.RecordInvite()
		if err := c.transport.Invite(handle, c.arbiter.timeout); err != nil {
			slog.Warn("Invite failed", "peer", handle, "attempt", d.attempt, "error", err)
			c.s.cfg.Metrics.RecordError("invite", err.Error(), handle.ID)
		}
	case actionExhausted:
		slog.Warn("Invite attempts exhausted, resetting session", "peer", handle, "attempts", d.attempt)
		c.s.cfg.Metrics.RecordInviteExhausted()
		c.s.escalate(c)
	}
}

// scheduleLocked arranges for handle to be evaluated again after delay
func (c *core) scheduleLocked(handle protocol.PeerHandle, delay time.Duration) {
	if t := c.timers[handle]; t != nil {
		t.Stop()
	}
	var t *clock.Timer
	t = c.clock.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.closed || c.timers[handle] != t {
			c.mu.Unlock()
			return
		}
		delete(c.timers, handle)
		if h := c.invites[handle]; h != nil {
			h.scheduled = false
		}
		c.mu.Unlock()

		c.evaluateInvite(handle)
	})
	c.timers[handle] = t
}
