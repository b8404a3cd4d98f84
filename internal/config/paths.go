package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// ConfigDirEnv overrides the config directory, which lets several daemons
// run on one machine
const ConfigDirEnv = "MUPEER_CONFIG_DIR"

// Paths holds all platform-specific file paths for mupeer
type Paths struct {
	ConfigDir string // ~/.config/mupeer or equivalent

	IdentityFile string // ~/.config/mupeer/identity.json
	ConfigFile   string // ~/.config/mupeer/config.toml
	PIDFile      string // ~/.config/mupeer/daemon.pid (Linux/macOS)

	SocketPath string // /run/user/<uid>/mupeer.sock or equivalent
}

// GetPaths returns platform-specific paths for mupeer
func GetPaths() (*Paths, error) {
	if dir := os.Getenv(ConfigDirEnv); dir != "" {
		return PathsIn(dir), nil
	}

	var configDir, socketPath, pidFile string

	switch runtime.GOOS {
	case "linux":
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		configDir = filepath.Join(home, ".config", "mupeer")

		// Socket in XDG_RUNTIME_DIR or /run/user/<uid>
		runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
		if runtimeDir == "" {
			runtimeDir = fmt.Sprintf("/run/user/%d", os.Getuid())
		}
		socketPath = filepath.Join(runtimeDir, "mupeer.sock")
		pidFile = filepath.Join(configDir, "daemon.pid")

	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		configDir = filepath.Join(home, ".config", "mupeer")
		socketPath = filepath.Join(home, "Library", "Application Support", "mupeer", "daemon.sock")
		pidFile = filepath.Join(configDir, "daemon.pid")

	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			return nil, fmt.Errorf("APPDATA environment variable not set")
		}
		configDir = filepath.Join(appData, "mupeer")

		// Named pipe on Windows
		username := os.Getenv("USERNAME")
		if username == "" {
			username = "user"
		}
		socketPath = fmt.Sprintf(`\\.\pipe\mupeer-%s`, username)

	default:
		return nil, fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}

	return &Paths{
		ConfigDir:    configDir,
		IdentityFile: filepath.Join(configDir, "identity.json"),
		ConfigFile:   filepath.Join(configDir, "config.toml"),
		PIDFile:      pidFile,
		SocketPath:   socketPath,
	}, nil
}

// PathsIn lays every file out under dir
func PathsIn(dir string) *Paths {
	socket := filepath.Join(dir, "daemon.sock")
	if runtime.GOOS == "windows" {
		socket = `\\.\pipe\mupeer-` + filepath.Base(dir)
	}
	return &Paths{
		ConfigDir:    dir,
		IdentityFile: filepath.Join(dir, "identity.json"),
		ConfigFile:   filepath.Join(dir, "config.toml"),
		PIDFile:      filepath.Join(dir, "daemon.pid"),
		SocketPath:   socket,
	}
}

// EnsureDirectories creates all required directories with appropriate permissions
func (p *Paths) EnsureDirectories() error {
	dirs := []string{p.ConfigDir}

	// The socket may live outside the config directory
	if runtime.GOOS != "windows" {
		dirs = append(dirs, filepath.Dir(p.SocketPath))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// IdentityExists reports whether an identity file has been written
func (p *Paths) IdentityExists() bool {
	_, err := os.Stat(p.IdentityFile)
	return err == nil
}

// LogFile returns the platform-specific log file path (Windows only)
func (p *Paths) LogFile() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(p.ConfigDir, "daemon.log")
	}
	return "" // Linux/macOS use systemd journal / unified log
}
