// Package client talks to a running daemon over its IPC socket.
package client

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"mupeer.dev/go/mupeer/internal/config"
	"mupeer.dev/go/mupeer/internal/daemon"
	"mupeer.dev/go/mupeer/internal/metrics"
	"mupeer.dev/go/mupeer/internal/session"
)

// ErrDaemonNotRunning is returned when the daemon is not running
var ErrDaemonNotRunning = errors.New("daemon is not running")

// Client is an IPC client for communicating with the daemon
type Client struct {
	conn    net.Conn
	writer  *bufio.Writer
	decoder *json.Decoder
	mu      sync.Mutex
	timeout time.Duration

	// events read while waiting for a response
	events []*daemon.Event
}

// Error is an error reported by the daemon
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// HasCode reports whether err is a daemon error with the given code
func HasCode(err error, code int) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// frame is a response or, on subscribed connections, an event
type frame struct {
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *daemon.Error   `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Connect creates a new IPC client connected to the daemon
func Connect() (*Client, error) {
	paths, err := config.GetPaths()
	if err != nil {
		return nil, fmt.Errorf("get paths: %w", err)
	}

	return ConnectTo(paths.SocketPath)
}

// ConnectTo creates a new IPC client connected to a specific socket
func ConnectTo(socketPath string) (*Client, error) {
	conn, err := dial(socketPath, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDaemonNotRunning, err)
	}

	return &Client{
		conn:    conn,
		writer:  bufio.NewWriter(conn),
		decoder: json.NewDecoder(bufio.NewReader(conn)),
		timeout: 30 * time.Second,
	}, nil
}

// Close closes the client connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// SetTimeout sets the request timeout
func (c *Client) SetTimeout(d time.Duration) {
	c.mu.Lock()
	c.timeout = d
	c.mu.Unlock()
}

// Call makes an IPC call and returns the raw result
func (c *Client) Call(method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	req := daemon.Request{
		ID:     uuid.NewString(),
		Method: method,
	}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = data
	}

	c.conn.SetDeadline(time.Now().Add(c.timeout))
	defer c.conn.SetDeadline(time.Time{})

	if err := json.NewEncoder(c.writer).Encode(req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if err := c.writer.Flush(); err != nil {
		return nil, fmt.Errorf("flush: %w", err)
	}

	for {
		var f frame
		if err := c.decoder.Decode(&f); err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		if f.Event != "" {
			c.events = append(c.events, &daemon.Event{Event: f.Event, Payload: f.Payload})
			continue
		}
		if f.ID != req.ID {
			return nil, fmt.Errorf("response id %q does not match request %q", f.ID, req.ID)
		}
		if f.Error != nil {
			return nil, &Error{Code: f.Error.Code, Message: f.Error.Message}
		}
		return f.Result, nil
	}
}

// CallResult makes an IPC call and unmarshals the result
func (c *Client) CallResult(method string, params, result any) error {
	raw, err := c.Call(method, params)
	if err != nil {
		return err
	}

	if result != nil {
		if err := json.Unmarshal(raw, result); err != nil {
			return fmt.Errorf("unmarshal result: %w", err)
		}
	}

	return nil
}

// Subscribe asks the daemon to push events on this connection
func (c *Client) Subscribe() error {
	_, err := c.Call("subscribe", nil)
	return err
}

// ReadEvent reads the next event (blocking). Use it on a connection that
// makes no concurrent calls.
func (c *Client) ReadEvent() (*daemon.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.events) > 0 {
		ev := c.events[0]
		c.events = c.events[1:]
		return ev, nil
	}

	for {
		var f frame
		if err := c.decoder.Decode(&f); err != nil {
			return nil, err
		}
		if f.Event != "" {
			return &daemon.Event{Event: f.Event, Payload: f.Payload}, nil
		}
	}
}

// Status gets the daemon status
func (c *Client) Status() (*daemon.Status, error) {
	var status daemon.Status
	if err := c.CallResult("status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Metrics gets a metrics snapshot
func (c *Client) Metrics() (*metrics.Snapshot, error) {
	var snap metrics.Snapshot
	if err := c.CallResult("metrics", nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Logs queries the daemon's log buffer
func (c *Client) Logs(opts daemon.QueryOpts) ([]daemon.LogEntry, error) {
	var entries []daemon.LogEntry
	if err := c.CallResult("logs", opts, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Peers lists connected peers, or every discovered peer when all is set
func (c *Client) Peers(all bool) ([]daemon.PeerInfo, error) {
	var peers []daemon.PeerInfo
	if err := c.CallResult("peers.list", daemon.PeersParams{All: all}, &peers); err != nil {
		return nil, err
	}
	return peers, nil
}

// Host gets the current host
func (c *Client) Host() (*daemon.HostInfo, error) {
	var host daemon.HostInfo
	if err := c.CallResult("host.get", nil, &host); err != nil {
		return nil, err
	}
	return &host, nil
}

// ClaimHost makes the daemon's peer the host
func (c *Client) ClaimHost() (*daemon.HostInfo, error) {
	var host daemon.HostInfo
	if err := c.CallResult("host.claim", nil, &host); err != nil {
		return nil, err
	}
	return &host, nil
}

// Reset regenerates the daemon's identity. An empty name keeps the name base.
func (c *Client) Reset(name string) (*session.Peer, error) {
	var me session.Peer
	if err := c.CallResult("session.reset", daemon.ResetParams{Name: name}, &me); err != nil {
		return nil, err
	}
	return &me, nil
}

// Values lists the replicated values
func (c *Client) Values() ([]daemon.ValueInfo, error) {
	var values []daemon.ValueInfo
	if err := c.CallResult("values.list", nil, &values); err != nil {
		return nil, err
	}
	return values, nil
}

// Value gets one replicated value
func (c *Client) Value(name string) (*daemon.ValueInfo, error) {
	var value daemon.ValueInfo
	if err := c.CallResult("values.get", daemon.ValueParams{Name: name}, &value); err != nil {
		return nil, err
	}
	return &value, nil
}

// SetValue writes a replicated value
func (c *Client) SetValue(name string, value json.RawMessage) (*daemon.ValueInfo, error) {
	var info daemon.ValueInfo
	params := daemon.ValueParams{Name: name, Value: value}
	if err := c.CallResult("values.set", params, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// IsRunning checks if the daemon is running by attempting to connect
func IsRunning() bool {
	c, err := Connect()
	if err != nil {
		return false
	}
	defer c.Close()

	_, err = c.Status()
	return err == nil
}
