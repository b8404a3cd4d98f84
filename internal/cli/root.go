package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"mupeer.dev/go/mupeer/internal/client"
	"mupeer.dev/go/mupeer/internal/config"
	"mupeer.dev/go/mupeer/internal/tui"
)

var (
	version    = "dev"
	cfgFile    string
	configDir  string
	jsonOutput bool
)

func SetVersion(v string) {
	version = v
}

// RootCmd is the root command, exported for documentation generation
var RootCmd = &cobra.Command{
	Use:   "mupeer",
	Short: "Serverless peer sessions on the local network",
	Long: `mupeer - Serverless peer sessions on the local network

Peers find each other over mDNS, agree on a single host, and keep a set of
small replicated values in sync without any server.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Every command, and the daemon it talks to, resolves paths from here
		if configDir != "" {
			return os.Setenv(config.ConfigDirEnv, configDir)
		}
		return nil
	},
}

// For internal use, keep an alias
var rootCmd = RootCmd

func Execute() error {
	return RootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.config/mupeer/config.toml)")
	rootCmd.PersistentFlags().StringVar(&configDir, "dir", "", "state directory, for running several peers on one machine")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print machine-readable JSON")
}

// loadConfig reads --config, or the default config file
func loadConfig() (*config.Config, error) {
	if cfgFile != "" {
		return config.LoadFrom(cfgFile)
	}
	return config.Load()
}

// connect opens an IPC connection with a hint when the daemon is down
func connect() (*client.Client, error) {
	c, err := client.Connect()
	if errors.Is(err, client.ErrDaemonNotRunning) {
		return nil, fmt.Errorf("daemon not running. Start with: mupeer run")
	}
	return c, err
}

// printJSON writes v as indented JSON
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// styles are plain when stdout is not a terminal
type styles struct {
	title lipgloss.Style
	label lipgloss.Style
	dim   lipgloss.Style
	ok    lipgloss.Style
	warn  lipgloss.Style
	host  lipgloss.Style
}

func newStyles() styles {
	if !tui.ColorEnabled() {
		plain := lipgloss.NewStyle()
		return styles{plain, plain, plain, plain, plain, plain}
	}
	return styles{
		title: lipgloss.NewStyle().Bold(true),
		label: lipgloss.NewStyle().Foreground(lipgloss.Color("6")),
		dim:   lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		ok:    lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		warn:  lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		host:  lipgloss.NewStyle().Foreground(lipgloss.Color("5")).Bold(true),
	}
}
