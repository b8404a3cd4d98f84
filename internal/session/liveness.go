package session

import (
	"log/slog"

	"mupeer.dev/go/mupeer/internal/protocol"
)

// probe sends a ping to a handle whose session state is unknown. The pong
// marks it connected.
func (c *core) probe(handle protocol.PeerHandle) {
	slog.Debug("Probing peer liveness", "peer", handle)
	c.s.cfg.Metrics.RecordLivenessProbe()

	data := protocol.EncodeControl(protocol.ControlPing)
	if err := c.transport.Send(data, []protocol.PeerHandle{handle}, true); err != nil {
		slog.Debug("Liveness probe failed", "peer", handle, "error", err)
		c.evaluateInvite(handle)
	}
}

func (c *core) handleControl(kind protocol.ControlKind, from protocol.PeerHandle) {
	c.s.cfg.Metrics.RecordMessageReceived(string(kind), 0)

	switch kind {
	case protocol.ControlPing:
		data := protocol.EncodeControl(protocol.ControlPong)
		if err := c.transport.Send(data, []protocol.PeerHandle{from}, true); err != nil {
			slog.Debug("Pong failed", "peer", from, "error", err)
		}

	case protocol.ControlPong:
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.states[from] = protocol.StateConnected
		c.clearInviteLocked(from)
		c.mu.Unlock()

		slog.Debug("Peer confirmed live", "peer", from)
		c.notifyPeers()
	}
}

// revalidate forgets every connection state and probes the handles the
// transport still reports as connected. Other discovered handles go back
// through invite evaluation.
func (c *core) revalidate() {
	c.mu.Lock()
	if c.closed || !c.started {
		c.mu.Unlock()
		return
	}
	handles := make([]protocol.PeerHandle, 0, len(c.discovered))
	for h := range c.discovered {
		handles = append(handles, h)
	}
	c.states = make(map[protocol.PeerHandle]protocol.ConnectionState)
	c.mu.Unlock()

	connected := c.transport.ConnectedHandles()
	for _, h := range handles {
		if containsHandle(connected, h) {
			c.probe(h)
		} else {
			c.evaluateInvite(h)
		}
	}
	c.notifyPeers()
}
