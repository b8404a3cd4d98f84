package cli

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"mupeer.dev/go/mupeer/internal/client"
	"mupeer.dev/go/mupeer/internal/config"
	"mupeer.dev/go/mupeer/internal/daemon"
	"mupeer.dev/go/mupeer/internal/identity"
)

var doctorFix bool

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().BoolVar(&doctorFix, "fix", false, "automatically fix issues (e.g., remove stale socket)")
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check mupeer health",
	Long: `Run health checks on configuration, identity, the daemon and the
local network.

Use --fix to automatically resolve common issues like stale sockets.`,
	RunE: runDoctor,
}

// report prints check results in a fixed format
type report struct {
	out io.Writer
	st  styles
}

func (r report) section(name string) {
	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, r.st.title.Render(name))
}

func (r report) ok(format string, args ...any) {
	fmt.Fprintf(r.out, "  %s %s\n", r.st.ok.Render("✓"), fmt.Sprintf(format, args...))
}

func (r report) warn(format string, args ...any) {
	fmt.Fprintf(r.out, "  %s %s\n", r.st.warn.Render("⚠"), fmt.Sprintf(format, args...))
}

func (r report) hint(format string, args ...any) {
	fmt.Fprintf(r.out, "    %s\n", r.st.dim.Render(fmt.Sprintf(format, args...)))
}

func runDoctor(cmd *cobra.Command, args []string) error {
	r := report{out: cmd.OutOrStdout(), st: newStyles()}
	fmt.Fprintf(r.out, "mupeer %s\n", version)

	paths, err := config.GetPaths()
	if err != nil {
		return fmt.Errorf("get paths: %w", err)
	}

	r.section("Configuration")
	cfg, err := loadConfig()
	if err != nil {
		r.warn("Config file: %v", err)
		r.hint("Falling back to defaults for the remaining checks")
		cfg = config.Default()
	} else if err := cfg.Validate(); err != nil {
		r.warn("Config invalid: %v", err)
	} else {
		r.ok("Config valid (%d values)", len(cfg.Values))
	}
	if _, err := os.Stat(paths.ConfigFile); os.IsNotExist(err) {
		r.hint("%s not created yet, using defaults", paths.ConfigFile)
	}

	r.section("Identity")
	checkIdentity(r, cfg, paths)

	r.section("Daemon")
	running := checkDaemon(r, paths)

	r.section("Network")
	if running {
		checkPort(r, "P2P", cfg.Session.Port)
		if cfg.Daemon.WebEnabled {
			checkPort(r, "Web UI", cfg.Daemon.WebPort)
		}
	} else {
		r.hint("P2P port %d, web UI port %d", cfg.Session.Port, cfg.Daemon.WebPort)
	}
	checkMDNS(r)

	return nil
}

func checkIdentity(r report, cfg *config.Config, paths *config.Paths) {
	if cfg.Identity.Storage == "keychain" {
		if identity.KeychainAvailable() {
			r.ok("Keychain available")
		} else {
			r.warn("Keychain unavailable, the identity file is used instead")
		}
	}

	id, err := daemon.IdentityStore(cfg.Identity, paths).Load()
	switch {
	case errors.Is(err, identity.ErrNotFound):
		r.warn("No identity yet")
		r.hint("One is created on first run: mupeer run")
	case err != nil:
		r.warn("Identity unreadable: %v", err)
		r.hint("The daemon replaces it with a new one on start")
	case !id.Valid():
		r.warn("Identity invalid, it will be regenerated")
	default:
		r.ok("Name: %s", id.DisplayName)
		r.ok("ID: %s", id.ID)
	}
}

func checkDaemon(r report, paths *config.Paths) bool {
	c, err := client.Connect()
	if err == nil {
		defer c.Close()
		status, err := c.Status()
		if err != nil {
			r.warn("Running but could not get status: %v", err)
			return false
		}
		r.ok("Running (PID %d, uptime %s)", status.PID, status.Uptime)
		r.ok("Peers: %d connected, %d discovered", status.PeerCount, status.DiscoveredCount)
		if status.Host != "" {
			r.ok("Host: %s", status.Host)
		} else {
			r.warn("No host elected")
		}
		return true
	}

	// A socket file with nobody listening is left over from a crash
	if runtime.GOOS != "windows" {
		if _, err := os.Stat(paths.SocketPath); err == nil {
			r.warn("Stale socket at %s", paths.SocketPath)
			if !doctorFix {
				r.hint("Run 'mupeer doctor --fix' to remove it")
				return false
			}
			if err := os.Remove(paths.SocketPath); err != nil {
				r.warn("Failed to remove stale socket: %v", err)
			} else {
				r.ok("Removed stale socket")
			}
			return false
		}
	}

	r.warn("Not running")
	r.hint("Start with: mupeer run")
	return false
}

// checkPort reports whether something listens on a local port
func checkPort(r report, name string, port int) {
	addr := net.JoinHostPort("127.0.0.1", fmt.Sprint(port))
	conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
	if err != nil {
		r.warn("%s port %d: not listening", name, port)
		return
	}
	conn.Close()
	r.ok("%s port %d: listening", name, port)
}

// checkMDNS checks if the platform's mDNS responder is running
func checkMDNS(r report) {
	switch runtime.GOOS {
	case "darwin":
		output, err := exec.Command("pgrep", "-x", "mDNSResponder").Output()
		if err == nil && len(output) > 0 {
			r.ok("mDNS: mDNSResponder running")
		} else {
			r.warn("mDNS: mDNSResponder not detected")
		}
		output, err = exec.Command("/usr/libexec/ApplicationFirewall/socketfilterfw", "--getglobalstate").Output()
		if err == nil && strings.Contains(string(output), "enabled") {
			r.warn("Firewall: enabled (may block peer connections)")
		}
	case "linux":
		for _, unit := range []string{"avahi-daemon", "systemd-resolved"} {
			output, err := exec.Command("systemctl", "is-active", unit).Output()
			if err == nil && strings.TrimSpace(string(output)) == "active" {
				r.ok("mDNS: %s running", unit)
				return
			}
		}
		r.warn("mDNS: no mDNS service detected")
		r.hint("Discovery still works through the built-in responder if UDP 5353 is open")
	case "windows":
		output, err := exec.Command("sc", "query", "Dnscache").Output()
		if err == nil && strings.Contains(string(output), "RUNNING") {
			r.ok("mDNS: DNS Client running")
		} else {
			r.warn("mDNS: DNS Client not running")
		}
		output, err = exec.Command("netsh", "advfirewall", "show", "currentprofile").Output()
		if err == nil && strings.Contains(string(output), "ON") {
			r.warn("Firewall: enabled (may block peer connections)")
		}
	}
}
