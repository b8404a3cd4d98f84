package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"mupeer.dev/go/mupeer/internal/client"
	"mupeer.dev/go/mupeer/internal/config"
	"mupeer.dev/go/mupeer/internal/daemon"
)

var (
	runPort    int
	runWebPort int
	runName    string
	runNoWeb   bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().IntVar(&runPort, "port", 0, "P2P port (default from config)")
	runCmd.Flags().IntVar(&runWebPort, "web-port", 0, "web UI port (default from config)")
	runCmd.Flags().StringVar(&runName, "name", "", "display-name base for a new identity")
	runCmd.Flags().BoolVar(&runNoWeb, "no-web", false, "disable the web UI")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon in the foreground",
	Long: `Run the mupeer daemon in the foreground.

The daemon joins the local session, takes part in host election and
replicates the configured values. Other commands talk to it over a local
socket.

Examples:
  mupeer run
  mupeer run --name kitchen --no-web
  mupeer --dir /tmp/peer2 run --port 7850 --web-port 7851`,
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	paths, err := config.GetPaths()
	if err != nil {
		return fmt.Errorf("get paths: %w", err)
	}
	if err := paths.EnsureDirectories(); err != nil {
		return fmt.Errorf("create directories: %w", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyRunFlags(cmd, cfg)

	if client.IsRunning() {
		return fmt.Errorf("daemon is already running")
	}

	d, err := daemon.New(&daemon.Options{
		Paths:  paths,
		Config: cfg,
	})
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}

	fmt.Println("Daemon starting...")
	return d.Run()
}

// applyRunFlags overrides config with flags the user actually set
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Session.Port = runPort
	}
	if flags.Changed("web-port") {
		cfg.Daemon.WebPort = runWebPort
	}
	if flags.Changed("name") {
		cfg.Identity.Name = runName
	}
	if runNoWeb {
		cfg.Daemon.WebEnabled = false
	}
}
