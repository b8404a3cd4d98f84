// Package testutil provides helpers for tests that run several peers on an
// in-memory network.
package testutil

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"mupeer.dev/go/mupeer/internal/config"
	"mupeer.dev/go/mupeer/internal/election"
	"mupeer.dev/go/mupeer/internal/events"
	"mupeer.dev/go/mupeer/internal/identity"
	"mupeer.dev/go/mupeer/internal/metrics"
	"mupeer.dev/go/mupeer/internal/session"
	"mupeer.dev/go/mupeer/internal/transport"
)

// WaitFor waits for a condition to be true
func WaitFor(t testing.TB, timeout time.Duration, condition func() bool, msg string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		if condition() {
			return
		}
		select {
		case <-ctx.Done():
			t.Fatalf("timeout waiting for: %s", msg)
		case <-ticker.C:
		}
	}
}

// TestPaths returns config paths rooted in a temporary directory
func TestPaths(t testing.TB) *config.Paths {
	t.Helper()

	paths := config.PathsIn(t.TempDir())
	if err := paths.EnsureDirectories(); err != nil {
		t.Fatalf("create directories: %v", err)
	}
	return paths
}

// Node is one peer in a Cluster
type Node struct {
	Name     string
	Session  *session.Session
	Bus      *events.Bus
	Election *election.Election
	Store    *identity.FileStore
	Metrics  *metrics.Metrics
}

// Cluster is a set of peers sharing a memory network and a mock clock
type Cluster struct {
	t     testing.TB
	Net   *transport.MemoryNetwork
	Clock *clock.Mock
	Nodes []*Node
}

// ClusterOption adjusts the session config of every node
type ClusterOption func(cfg *session.Config)

// NewCluster creates n unstarted nodes. Node i always holds a discovery token
// that sorts before node i+1, so lower-indexed nodes send the invitations.
func NewCluster(t testing.TB, n int, opts ...ClusterOption) *Cluster {
	t.Helper()

	c := &Cluster{
		t:     t,
		Net:   transport.NewMemoryNetwork(),
		Clock: clock.NewMock(),
	}
	c.Clock.Set(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	for i := 0; i < n; i++ {
		c.Nodes = append(c.Nodes, c.newNode(i, opts))
	}

	t.Cleanup(func() {
		for _, node := range c.Nodes {
			node.Election.Close()
			node.Bus.Close()
			node.Session.Close()
		}
	})
	return c
}

func (c *Cluster) newNode(i int, opts []ClusterOption) *Node {
	name := fmt.Sprintf("node%d", i)
	store := identity.NewFileStore(filepath.Join(c.t.TempDir(), "identity.json"))
	m := metrics.New()

	var gen atomic.Int64
	cfg := session.Config{
		Identity:  store,
		NameBase:  name,
		Transport: c.Net.Factory(),
		Clock:     c.Clock,
		Metrics:   m,
		NewDiscoveryID: func() string {
			return fmt.Sprintf("%02d-%03d-%s", i, gen.Add(1), uuid.NewString())
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	s, err := session.New(cfg)
	if err != nil {
		c.t.Fatalf("create session %s: %v", name, err)
	}

	bus := events.NewBus(s, events.Options{Clock: c.Clock, Metrics: m})
	el := election.New(bus, s, election.Options{Clock: c.Clock, Metrics: m})

	return &Node{
		Name:     name,
		Session:  s,
		Bus:      bus,
		Election: el,
		Store:    store,
		Metrics:  m,
	}
}

// Start starts every node
func (c *Cluster) Start() {
	c.t.Helper()
	for _, node := range c.Nodes {
		if err := node.Session.Start(context.Background()); err != nil {
			c.t.Fatalf("start %s: %v", node.Name, err)
		}
	}
}

// WaitConnected waits until every node sees every other node as connected
func (c *Cluster) WaitConnected() {
	c.t.Helper()
	want := len(c.Nodes) - 1
	WaitFor(c.t, 5*time.Second, func() bool {
		for _, node := range c.Nodes {
			if len(node.Session.ConnectedPeers()) != want {
				return false
			}
		}
		return true
	}, "cluster fully connected")
}

// Settle waits for every queued transport callback to run
func (c *Cluster) Settle() {
	c.Net.Settle()
}

// Advance moves the mock clock forward and lets timer callbacks run
func (c *Cluster) Advance(d time.Duration) {
	c.Clock.Add(d)
	// Mock timer callbacks run on their own goroutines
	time.Sleep(10 * time.Millisecond)
	c.Net.Settle()
}
