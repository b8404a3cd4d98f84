package transport

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func testLimits() ConnectionLimits {
	return ConnectionLimits{
		MaxConnections:      10,
		ConnectionsPerSec:   1000,
		ConnectionBurst:     1000,
		MaxConnectionsPerIP: 3,
		IPConnectionsPerSec: 1000,
		IPConnectionBurst:   1000,
		MaxFailuresPerIP:    3,
		FailureWindow:       time.Minute,
		BlockDuration:       time.Minute,
	}
}

func tcpAddr(ip string) net.Addr {
	return &net.TCPAddr{IP: net.ParseIP(ip), Port: 7840}
}

func TestConnectionLimiterPerIP(t *testing.T) {
	cl := NewConnectionLimiter(testLimits(), clock.NewMock())
	addr := tcpAddr("192.168.1.1")

	for i := 0; i < 3; i++ {
		if err := cl.Admit(addr); err != nil {
			t.Fatalf("connection %d: %v", i+1, err)
		}
	}
	if err := cl.Admit(addr); !errors.Is(err, ErrTooManyConns) {
		t.Errorf("fourth connection: got %v, want ErrTooManyConns", err)
	}
	if err := cl.Admit(tcpAddr("192.168.1.2")); err != nil {
		t.Errorf("other address: %v", err)
	}

	cl.Release(addr)
	if err := cl.Admit(addr); err != nil {
		t.Errorf("after release: %v", err)
	}
}

func TestConnectionLimiterGlobal(t *testing.T) {
	limits := testLimits()
	limits.MaxConnections = 2
	cl := NewConnectionLimiter(limits, clock.NewMock())

	cl.Admit(tcpAddr("10.0.0.1"))
	cl.Admit(tcpAddr("10.0.0.2"))
	if err := cl.Admit(tcpAddr("10.0.0.3")); !errors.Is(err, ErrTooManyConns) {
		t.Errorf("got %v, want ErrTooManyConns", err)
	}

	if s := cl.Stats(); s.Current != 2 || s.Max != 2 {
		t.Errorf("stats: %+v", s)
	}
}

func TestConnectionLimiterBlocksAfterFailures(t *testing.T) {
	clk := clock.NewMock()
	cl := NewConnectionLimiter(testLimits(), clk)
	addr := tcpAddr("192.168.1.1")

	for i := 0; i < 3; i++ {
		if err := cl.Admit(addr); err != nil {
			t.Fatal(err)
		}
		cl.Failed(addr)
		cl.Release(addr)
	}

	if err := cl.Admit(addr); !errors.Is(err, ErrAddressBlocked) {
		t.Fatalf("got %v, want ErrAddressBlocked", err)
	}
	if s := cl.Stats(); s.Blocked != 1 {
		t.Errorf("blocked: got %d, want 1", s.Blocked)
	}

	clk.Add(time.Minute + time.Second)
	if err := cl.Admit(addr); err != nil {
		t.Errorf("after ban expired: %v", err)
	}
}

func TestConnectionLimiterSuccessResetsFailures(t *testing.T) {
	cl := NewConnectionLimiter(testLimits(), clock.NewMock())
	addr := tcpAddr("192.168.1.1")

	cl.Failed(addr)
	cl.Failed(addr)
	cl.Succeeded(addr)
	cl.Failed(addr)
	cl.Failed(addr)

	if err := cl.Admit(addr); err != nil {
		t.Errorf("should not be blocked: %v", err)
	}
}

func TestConnectionLimiterFailureWindow(t *testing.T) {
	clk := clock.NewMock()
	cl := NewConnectionLimiter(testLimits(), clk)
	addr := tcpAddr("192.168.1.1")

	cl.Failed(addr)
	cl.Failed(addr)
	clk.Add(2 * time.Minute)
	cl.Failed(addr)

	if err := cl.Admit(addr); err != nil {
		t.Errorf("old failures must expire: %v", err)
	}
}

func TestHostOf(t *testing.T) {
	tests := []struct {
		name string
		addr net.Addr
		want string
	}{
		{"TCPAddr", &net.TCPAddr{IP: net.ParseIP("192.168.1.1"), Port: 12345}, "192.168.1.1"},
		{"UDPAddr", &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 8080}, "10.0.0.1"},
		{"IPv6", &net.TCPAddr{IP: net.ParseIP("::1"), Port: 443}, "::1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := hostOf(tt.addr); got != tt.want {
				t.Errorf("hostOf(%v) = %q, want %q", tt.addr, got, tt.want)
			}
		})
	}
}
