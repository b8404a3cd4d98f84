//go:build !windows

package client

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"mupeer.dev/go/mupeer/internal/config"
	"mupeer.dev/go/mupeer/internal/daemon"
	"mupeer.dev/go/mupeer/internal/testutil"
	"mupeer.dev/go/mupeer/internal/transport"
)

func startDaemon(t *testing.T) *config.Paths {
	t.Helper()

	paths := testutil.TestPaths(t)
	cfg := config.Default()
	cfg.Daemon.WebEnabled = false

	d, err := daemon.New(&daemon.Options{
		Paths:     paths,
		Config:    cfg,
		Transport: transport.NewMemoryNetwork().Factory(),
		LogBuffer: daemon.NewLogBuffer(100),
	})
	if err != nil {
		t.Fatalf("daemon.New() error = %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { d.Stop() })
	return paths
}

func connect(t *testing.T, paths *config.Paths) *Client {
	t.Helper()
	c, err := ConnectTo(paths.SocketPath)
	if err != nil {
		t.Fatalf("ConnectTo() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestConnectWithoutDaemon(t *testing.T) {
	_, err := ConnectTo(filepath.Join(t.TempDir(), "missing.sock"))
	if !errors.Is(err, ErrDaemonNotRunning) {
		t.Errorf("ConnectTo() error = %v, want ErrDaemonNotRunning", err)
	}
}

func TestClientCalls(t *testing.T) {
	c := connect(t, startDaemon(t))

	status, err := c.Status()
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if !status.Running || status.PeerID == "" {
		t.Errorf("Status() = %+v", status)
	}

	if _, err := c.SetValue("counter", json.RawMessage("3")); err != nil {
		t.Fatalf("SetValue() error = %v", err)
	}
	v, err := c.Value("counter")
	if err != nil {
		t.Fatalf("Value() error = %v", err)
	}
	if string(v.Value) != "3" {
		t.Errorf("counter = %s, want 3", v.Value)
	}

	host, err := c.ClaimHost()
	if err != nil {
		t.Fatalf("ClaimHost() error = %v", err)
	}
	if !host.IsHost {
		t.Error("ClaimHost() IsHost = false")
	}

	peers, err := c.Peers(true)
	if err != nil {
		t.Fatalf("Peers() error = %v", err)
	}
	if len(peers) != 0 {
		t.Errorf("Peers() = %d, want 0", len(peers))
	}

	if _, err := c.Metrics(); err != nil {
		t.Errorf("Metrics() error = %v", err)
	}
	if _, err := c.Logs(daemon.QueryOpts{Limit: 5}); err != nil {
		t.Errorf("Logs() error = %v", err)
	}
}

func TestClientErrorCodes(t *testing.T) {
	c := connect(t, startDaemon(t))

	_, err := c.Value("missing")
	if !HasCode(err, daemon.ErrCodeNotFound) {
		t.Errorf("Value(missing) error = %v, want not found code", err)
	}

	_, err = c.Call("bogus", nil)
	if !HasCode(err, daemon.ErrCodeMethodNotFound) {
		t.Errorf("Call(bogus) error = %v, want method not found code", err)
	}
}

func TestClientEvents(t *testing.T) {
	paths := startDaemon(t)
	events := connect(t, paths)
	calls := connect(t, paths)

	if err := events.Subscribe(); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if _, err := calls.SetValue("counter", json.RawMessage("9")); err != nil {
		t.Fatalf("SetValue() error = %v", err)
	}

	for {
		ev, err := events.ReadEvent()
		if err != nil {
			t.Fatalf("ReadEvent() error = %v", err)
		}
		if ev.Event != daemon.EventValueChanged {
			continue
		}
		var changed daemon.ValueChanged
		if err := json.Unmarshal(ev.Payload, &changed); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if string(changed.Value) != "9" {
			t.Errorf("value = %s, want 9", changed.Value)
		}
		return
	}
}
