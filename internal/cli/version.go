package cli

import (
	"fmt"
	"io"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"

	"mupeer.dev/go/mupeer/internal/protocol"
	"mupeer.dev/go/mupeer/internal/transport"
)

var (
	// Set via ldflags
	commit    = "unknown"
	buildDate = "unknown"

	versionFull bool
)

// SetBuildInfo sets build information from ldflags
func SetBuildInfo(c, d string) {
	commit = c
	buildDate = d
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVar(&versionFull, "full", false, "also print wire protocol, discovery and dependency details")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long: `Print version information.

Use --full to also show the wire protocol version this build speaks, the
oldest version it accepts, the mDNS service it advertises and the channel
encryption. Peers only connect when their protocol versions are compatible.`,
	RunE: runVersion,
}

// buildDetails is what --full reports
type buildDetails struct {
	Version      string   `json:"version"`
	Commit       string   `json:"commit"`
	Built        string   `json:"built"`
	GoVersion    string   `json:"go_version"`
	Platform     string   `json:"platform"`
	Protocol     string   `json:"protocol"`
	MinProtocol  string   `json:"min_protocol"`
	ServiceType  string   `json:"service_type"`
	Encryption   string   `json:"encryption"`
	Dependencies []string `json:"dependencies,omitempty"`
}

func currentBuild() buildDetails {
	d := buildDetails{
		Version:     version,
		Commit:      getCommit(),
		Built:       getBuildDate(),
		GoVersion:   runtime.Version(),
		Platform:    runtime.GOOS + "/" + runtime.GOARCH,
		Protocol:    protocol.ProtocolVersion,
		MinProtocol: protocol.MinProtocolVersion,
		ServiceType: transport.DefaultServiceType,
		Encryption:  transport.SecureChannelSuite,
	}
	if cfg, err := loadConfig(); err == nil && cfg.Session.ServiceType != "" {
		d.ServiceType = cfg.Session.ServiceType
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, dep := range info.Deps {
			if dep.Replace != nil {
				d.Dependencies = append(d.Dependencies, fmt.Sprintf("%s => %s %s", dep.Path, dep.Replace.Path, dep.Replace.Version))
			} else {
				d.Dependencies = append(d.Dependencies, dep.Path+" "+dep.Version)
			}
		}
	}
	return d
}

func runVersion(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if !versionFull {
		if jsonOutput {
			return printJSON(out, map[string]string{"version": version})
		}
		fmt.Fprintf(out, "mupeer version %s\n", version)
		return nil
	}

	d := currentBuild()
	if jsonOutput {
		return printJSON(out, d)
	}
	printBuild(out, d)
	return nil
}

func printBuild(out io.Writer, d buildDetails) {
	fmt.Fprintf(out, "mupeer version %s\n\n", d.Version)
	fmt.Fprintf(out, "  Commit:       %s\n", d.Commit)
	fmt.Fprintf(out, "  Built:        %s\n", d.Built)
	fmt.Fprintf(out, "  Go version:   %s\n", d.GoVersion)
	fmt.Fprintf(out, "  OS/Arch:      %s\n", d.Platform)
	fmt.Fprintf(out, "  Protocol:     %s (accepts %s and later)\n", d.Protocol, d.MinProtocol)
	fmt.Fprintf(out, "  Discovery:    %s.%s\n", d.ServiceType, transport.MDNSDomain)
	fmt.Fprintf(out, "  Encryption:   %s\n", d.Encryption)

	if len(d.Dependencies) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "  Dependencies:")
		for _, dep := range d.Dependencies {
			fmt.Fprintf(out, "    %s\n", dep)
		}
	}
}

func getCommit() string {
	if commit != "unknown" {
		return commit
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" {
				if len(setting.Value) > 8 {
					return setting.Value[:8]
				}
				return setting.Value
			}
		}
	}
	return "unknown"
}

func getBuildDate() string {
	if buildDate != "unknown" {
		return buildDate
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.time" {
				return setting.Value
			}
		}
	}
	return "unknown"
}
