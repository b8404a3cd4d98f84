package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"mupeer.dev/go/mupeer/internal/identity"
	"mupeer.dev/go/mupeer/internal/metrics"
	"mupeer.dev/go/mupeer/internal/protocol"
)

// fakeTransport records calls and lets tests drive delegate callbacks by hand
type fakeTransport struct {
	mu        sync.Mutex
	self      protocol.PeerHandle
	delegate  protocol.TransportDelegate
	starts    int
	closed    bool
	invites   []protocol.PeerHandle
	sent      []sentMessage
	connected map[string]bool
	sendErr   error
}

type sentMessage struct {
	data     string
	to       []protocol.PeerHandle
	reliable bool
}

func (f *fakeTransport) SetDelegate(d protocol.TransportDelegate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delegate = d
}

func (f *fakeTransport) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return nil
}

func (f *fakeTransport) Invite(h protocol.PeerHandle, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invites = append(f.invites, h)
	return nil
}

func (f *fakeTransport) Send(data []byte, to []protocol.PeerHandle, reliable bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{data: string(data), to: to, reliable: reliable})
	return f.sendErr
}

func (f *fakeTransport) ConnectedHandles() []protocol.PeerHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.PeerHandle
	for id := range f.connected {
		out = append(out, protocol.PeerHandle{ID: id, DisplayName: id})
	}
	return out
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) inviteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.invites)
}

func (f *fakeTransport) sentMessages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

func (f *fakeTransport) setConnected(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connected == nil {
		f.connected = make(map[string]bool)
	}
	f.connected[id] = true
}

// fakeHarness builds sessions on fake transports with a fixed discovery token
type fakeHarness struct {
	clock      *clock.Mock
	metrics    *metrics.Metrics
	mu         sync.Mutex
	transports []*fakeTransport
	session    *Session

	// failBuild makes the transport factory fail
	failBuild atomic.Bool
}

func newFakeHarness(t *testing.T, discoveryID string) *fakeHarness {
	t.Helper()
	return newFakeHarnessWithStore(t, discoveryID, identity.NewFileStore(filepath.Join(t.TempDir(), "identity.json")))
}

func newFakeHarnessWithStore(t *testing.T, discoveryID string, store identity.Store) *fakeHarness {
	t.Helper()

	h := &fakeHarness{clock: clock.NewMock(), metrics: metrics.New()}
	s, err := New(Config{
		Identity: store,
		NameBase: "me",
		Transport: func(self protocol.PeerHandle, _ string) (protocol.Transport, error) {
			if h.failBuild.Load() {
				return nil, errors.New("no network")
			}
			ft := &fakeTransport{self: self}
			h.mu.Lock()
			h.transports = append(h.transports, ft)
			h.mu.Unlock()
			return ft, nil
		},
		Clock:          h.clock,
		Metrics:        h.metrics,
		NewDiscoveryID: func() string { return discoveryID },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.session = s
	return h
}

// transport returns the transport of the current generation
func (h *fakeHarness) transport() *fakeTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.transports[len(h.transports)-1]
}

func (h *fakeHarness) generations() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.transports)
}

func (h *fakeHarness) core() *core {
	return h.session.current()
}

func handle(id string) protocol.PeerHandle {
	return protocol.PeerHandle{ID: id, DisplayName: id}
}

// fullDiskStore keeps the first identity saved and fails every later save
type fullDiskStore struct {
	identity.MemoryStore
	saves atomic.Int32
}

func (s *fullDiskStore) Save(id *identity.PeerIdentity) error {
	if s.saves.Add(1) > 1 {
		return errors.New("disk full")
	}
	return s.MemoryStore.Save(id)
}
