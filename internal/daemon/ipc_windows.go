//go:build windows

package daemon

import (
	"net"

	"github.com/Microsoft/go-winio"
)

// createIPCListener creates a Windows named pipe listener. On Windows the
// socket path is the pipe name, \\.\pipe\<name>.
func createIPCListener(pipeName string) (net.Listener, error) {
	// The default security descriptor only admits the creating user
	cfg := &winio.PipeConfig{
		MessageMode:      false,
		InputBufferSize:  65536,
		OutputBufferSize: 65536,
	}

	return winio.ListenPipe(pipeName, cfg)
}

// getIPCAddress returns the IPC address for the current platform
func getIPCAddress(pipeName string) (network, address string) {
	return "pipe", pipeName
}

// cleanupIPCListener is a no-op, named pipes go away with their last handle
func cleanupIPCListener(pipeName string) {}
