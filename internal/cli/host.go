package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"mupeer.dev/go/mupeer/internal/daemon"
	"mupeer.dev/go/mupeer/internal/protocol"
)

func init() {
	rootCmd.AddCommand(hostCmd)
	hostCmd.AddCommand(hostClaimCmd)
}

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Show the session host",
	Long: `Show which peer currently hosts the session.

The host is elected without a server: the peer that claimed the role
earliest wins, and a peer joining an established session adopts the
existing host.

Examples:
  mupeer host
  mupeer host claim`,
	RunE: runHost,
}

var hostClaimCmd = &cobra.Command{
	Use:   "claim",
	Short: "Make this peer the host",
	Long: `Claim the host role for this peer.

Every connected peer is told about the claim. If another peer claimed the
role earlier, it keeps it and this peer follows.`,
	RunE: runHostClaim,
}

func runHost(cmd *cobra.Command, args []string) error {
	c, err := connect()
	if err != nil {
		return err
	}
	defer c.Close()

	host, err := c.Host()
	if err != nil {
		return fmt.Errorf("get host: %w", err)
	}
	return printHost(cmd.OutOrStdout(), host)
}

func runHostClaim(cmd *cobra.Command, args []string) error {
	c, err := connect()
	if err != nil {
		return err
	}
	defer c.Close()

	host, err := c.ClaimHost()
	if err != nil {
		return fmt.Errorf("claim host: %w", err)
	}
	return printHost(cmd.OutOrStdout(), host)
}

func printHost(out io.Writer, host *daemon.HostInfo) error {
	if jsonOutput {
		return printJSON(out, host)
	}

	st := newStyles()
	if host.Host == nil {
		fmt.Fprintln(out, "No host elected.")
		fmt.Fprintln(out, "Claim the role with: mupeer host claim")
		return nil
	}

	name := host.Host.DisplayName
	if host.IsHost {
		name += " (this peer)"
	}
	fmt.Fprintf(out, "%s %s\n", st.title.Render("Host:"), st.host.Render(name))
	fmt.Fprintf(out, "  %s %s\n", st.label.Render("ID:     "), host.Host.ID)
	if host.StartTime > 0 {
		fmt.Fprintf(out, "  %s %s\n", st.label.Render("Claimed:"), protocol.FromSeconds(host.StartTime).Format(time.RFC3339))
	}
	return nil
}
