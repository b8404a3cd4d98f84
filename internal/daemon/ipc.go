package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"mupeer.dev/go/mupeer/internal/replica"
)

// Request represents an IPC request from a client
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response represents an IPC response to a client
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error represents an IPC error
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Event represents a server-initiated event
type Event struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Common error codes
const (
	ErrCodeInvalidRequest   = -32600
	ErrCodeMethodNotFound   = -32601
	ErrCodeInvalidParams    = -32602
	ErrCodeInternalError    = -32603
	ErrCodeNotFound         = -32000
	ErrCodePermissionDenied = -32001
)

// eventWriteTimeout bounds how long a slow subscriber can hold up an event
const eventWriteTimeout = 2 * time.Second

// IPCServer handles IPC connections from CLI clients
type IPCServer struct {
	socketPath string
	listener   net.Listener
	daemon     *Daemon
	clients    map[*IPCClient]bool
	clientsMu  sync.RWMutex
	done       chan struct{}
	stopOnce   sync.Once
}

// IPCClient represents a connected IPC client
type IPCClient struct {
	conn       net.Conn
	writer     *bufio.Writer
	writerMu   sync.Mutex
	subscribed atomic.Bool
}

// NewIPCServer creates a new IPC server
func NewIPCServer(socketPath string, daemon *Daemon) *IPCServer {
	return &IPCServer{
		socketPath: socketPath,
		daemon:     daemon,
		clients:    make(map[*IPCClient]bool),
		done:       make(chan struct{}),
	}
}

// Start starts the IPC server
func (s *IPCServer) Start(ctx context.Context) error {
	listener, err := createIPCListener(s.socketPath)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = listener

	network, address := getIPCAddress(s.socketPath)
	slog.Info("IPC server listening", "network", network, "address", address)

	go s.acceptLoop(ctx)

	return nil
}

// Stop stops the IPC server
func (s *IPCServer) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)

		s.clientsMu.Lock()
		for client := range s.clients {
			client.conn.Close()
		}
		s.clientsMu.Unlock()

		// Never remove a socket this server did not create
		if s.listener != nil {
			s.listener.Close()
			cleanupIPCListener(s.socketPath)
		}
	})
}

func (s *IPCServer) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				slog.Error("IPC accept error", "error", err)
				if errors.Is(err, net.ErrClosed) {
					return
				}
				continue
			}
		}

		client := &IPCClient{
			conn:   conn,
			writer: bufio.NewWriter(conn),
		}

		s.clientsMu.Lock()
		s.clients[client] = true
		s.clientsMu.Unlock()

		go s.handleClient(ctx, client)
	}
}

func (s *IPCServer) handleClient(ctx context.Context, client *IPCClient) {
	defer func() {
		client.conn.Close()
		s.clientsMu.Lock()
		delete(s.clients, client)
		s.clientsMu.Unlock()
	}()

	decoder := json.NewDecoder(bufio.NewReader(client.conn))

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		var req Request
		if err := decoder.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			// The stream cannot be resynchronized after a syntax error
			slog.Debug("IPC decode error", "error", err)
			client.SendResponse(&Response{Error: &Error{Code: ErrCodeInvalidRequest, Message: err.Error()}})
			return
		}

		resp := s.handleRequest(ctx, client, &req)
		if err := client.SendResponse(resp); err != nil {
			slog.Debug("IPC send error", "error", err)
			return
		}
	}
}

func (s *IPCServer) handleRequest(ctx context.Context, client *IPCClient, req *Request) *Response {
	handler, ok := ipcHandlers[req.Method]
	if !ok {
		return &Response{
			ID: req.ID,
			Error: &Error{
				Code:    ErrCodeMethodNotFound,
				Message: fmt.Sprintf("method not found: %s", req.Method),
			},
		}
	}

	result, err := handler(ctx, s.daemon, client, req.Params)
	if err != nil {
		return &Response{
			ID: req.ID,
			Error: &Error{
				Code:    errorCode(err),
				Message: err.Error(),
			},
		}
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return &Response{
			ID: req.ID,
			Error: &Error{
				Code:    ErrCodeInternalError,
				Message: "failed to encode result",
			},
		}
	}

	return &Response{
		ID:     req.ID,
		Result: resultJSON,
	}
}

// errInvalidParams marks a request whose params did not decode
var errInvalidParams = errors.New("invalid params")

func errorCode(err error) int {
	switch {
	case errors.Is(err, errInvalidParams), errors.Is(err, ErrInvalidValue):
		return ErrCodeInvalidParams
	case errors.Is(err, ErrNotFound):
		return ErrCodeNotFound
	case errors.Is(err, replica.ErrNotHost):
		return ErrCodePermissionDenied
	default:
		return ErrCodeInternalError
	}
}

// SendResponse sends a response to the client
func (c *IPCClient) SendResponse(resp *Response) error {
	return c.write(resp, 0)
}

// SendEvent sends an event to the client if it subscribed
func (c *IPCClient) SendEvent(event *Event) error {
	if !c.subscribed.Load() {
		return nil
	}
	return c.write(event, eventWriteTimeout)
}

func (c *IPCClient) write(v any, timeout time.Duration) error {
	c.writerMu.Lock()
	defer c.writerMu.Unlock()

	if timeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(timeout))
		defer c.conn.SetWriteDeadline(time.Time{})
	}

	if err := json.NewEncoder(c.writer).Encode(v); err != nil {
		return err
	}
	return c.writer.Flush()
}

// BroadcastEvent sends an event to every subscribed client in order
func (s *IPCServer) BroadcastEvent(event *Event) {
	s.clientsMu.RLock()
	clients := make([]*IPCClient, 0, len(s.clients))
	for client := range s.clients {
		if client.subscribed.Load() {
			clients = append(clients, client)
		}
	}
	s.clientsMu.RUnlock()

	for _, client := range clients {
		if err := client.SendEvent(event); err != nil {
			slog.Debug("Dropping IPC subscriber", "error", err)
			client.conn.Close()
		}
	}
}

// IPCHandler handles one IPC method
type IPCHandler func(ctx context.Context, d *Daemon, client *IPCClient, params json.RawMessage) (any, error)

// ipcHandlers maps method names to handlers
var ipcHandlers = map[string]IPCHandler{
	"status":        handleStatus,
	"metrics":       handleMetrics,
	"logs":          handleLogs,
	"peers.list":    handlePeersList,
	"host.get":      handleHostGet,
	"host.claim":    handleHostClaim,
	"session.reset": handleSessionReset,
	"values.list":   handleValuesList,
	"values.get":    handleValuesGet,
	"values.set":    handleValuesSet,
	"subscribe":     handleSubscribe,
}

// decodeParams unmarshals optional params into v
func decodeParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("%w: %v", errInvalidParams, err)
	}
	return nil
}

// PeersParams are the params of peers.list
type PeersParams struct {
	All bool `json:"all"`
}

// ResetParams are the params of session.reset
type ResetParams struct {
	Name string `json:"name,omitempty"`
}

// ValueParams are the params of values.get and values.set
type ValueParams struct {
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value,omitempty"`
}

func handleStatus(ctx context.Context, d *Daemon, client *IPCClient, params json.RawMessage) (any, error) {
	return d.Status(), nil
}

func handleMetrics(ctx context.Context, d *Daemon, client *IPCClient, params json.RawMessage) (any, error) {
	return d.MetricsSnapshot(), nil
}

func handleLogs(ctx context.Context, d *Daemon, client *IPCClient, params json.RawMessage) (any, error) {
	opts := QueryOpts{Limit: 500}
	if err := decodeParams(params, &opts); err != nil {
		return nil, err
	}
	return d.LogBuffer().Query(opts), nil
}

func handlePeersList(ctx context.Context, d *Daemon, client *IPCClient, params json.RawMessage) (any, error) {
	var p PeersParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return d.Peers(p.All), nil
}

func handleHostGet(ctx context.Context, d *Daemon, client *IPCClient, params json.RawMessage) (any, error) {
	return d.Host(), nil
}

func handleHostClaim(ctx context.Context, d *Daemon, client *IPCClient, params json.RawMessage) (any, error) {
	return d.ClaimHost(), nil
}

func handleSessionReset(ctx context.Context, d *Daemon, client *IPCClient, params json.RawMessage) (any, error) {
	var p ResetParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return d.Reset(p.Name)
}

func handleValuesList(ctx context.Context, d *Daemon, client *IPCClient, params json.RawMessage) (any, error) {
	return d.Values(), nil
}

func handleValuesGet(ctx context.Context, d *Daemon, client *IPCClient, params json.RawMessage) (any, error) {
	var p ValueParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return d.Value(p.Name)
}

func handleValuesSet(ctx context.Context, d *Daemon, client *IPCClient, params json.RawMessage) (any, error) {
	var p ValueParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if len(p.Value) == 0 {
		return nil, fmt.Errorf("%w: value required", errInvalidParams)
	}
	return d.SetValue(p.Name, p.Value)
}

func handleSubscribe(ctx context.Context, d *Daemon, client *IPCClient, params json.RawMessage) (any, error) {
	client.subscribed.Store(true)
	return map[string]bool{"subscribed": true}, nil
}
