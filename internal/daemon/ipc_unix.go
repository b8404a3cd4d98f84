//go:build !windows

package daemon

import (
	"errors"
	"net"
	"os"
	"time"
)

// errDaemonRunning is returned when another daemon already owns the socket
var errDaemonRunning = errors.New("another daemon is listening on the socket")

// createIPCListener creates a Unix domain socket listener
func createIPCListener(socketPath string) (net.Listener, error) {
	// A socket that still accepts belongs to a live daemon
	if conn, err := net.DialTimeout("unix", socketPath, 500*time.Millisecond); err == nil {
		conn.Close()
		return nil, errDaemonRunning
	}

	// Remove stale socket file
	os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, err
	}

	// Owner only
	if err := os.Chmod(socketPath, 0600); err != nil {
		listener.Close()
		return nil, err
	}

	return listener, nil
}

// getIPCAddress returns the IPC address for the current platform
func getIPCAddress(socketPath string) (network, address string) {
	return "unix", socketPath
}

// cleanupIPCListener removes the socket file on shutdown
func cleanupIPCListener(socketPath string) {
	os.Remove(socketPath)
}
