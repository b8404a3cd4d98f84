package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"mupeer.dev/go/mupeer/internal/daemon"
	"mupeer.dev/go/mupeer/internal/protocol"
)

var peersAll bool

func init() {
	rootCmd.AddCommand(peersCmd)

	peersCmd.Flags().BoolVar(&peersAll, "all", false, "include discovered peers that are not connected")
}

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List session peers",
	Long: `List the peers in the current session.

Peers are discovered automatically via mDNS on the local network. By default
only connected peers are shown; --all adds peers that are discovered but not
(yet) connected.

Examples:
  mupeer peers
  mupeer peers --all`,
	RunE: runPeers,
}

func runPeers(cmd *cobra.Command, args []string) error {
	c, err := connect()
	if err != nil {
		return err
	}
	defer c.Close()

	peers, err := c.Peers(peersAll)
	if err != nil {
		return fmt.Errorf("list peers: %w", err)
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), peers)
	}

	out := cmd.OutOrStdout()
	if len(peers) == 0 {
		fmt.Fprintln(out, "No peers connected.")
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Peers on the same network are found automatically.")
		fmt.Fprintln(out, "Use 'mupeer peers --all' to include peers still connecting.")
		return nil
	}

	st := newStyles()
	fmt.Fprintf(out, "%s\n\n", st.title.Render(fmt.Sprintf("Peers (%d)", len(peers))))
	for _, p := range peers {
		fmt.Fprintf(out, "  %s\n", formatPeer(st, p))
		fmt.Fprintf(out, "    %s\n", st.dim.Render(p.ID))
	}
	return nil
}

func formatPeer(st styles, p daemon.PeerInfo) string {
	line := p.DisplayName
	if p.IsHost {
		line = st.host.Render(line) + " " + st.host.Render("[host]")
	}

	state := st.warn.Render(p.State)
	if p.State == protocol.StateConnected.String() {
		state = st.ok.Render(p.State)
	}
	return line + " " + state
}
