package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and session status",
	Long: `Display the local peer, the session host and connection counts.

Examples:
  mupeer status
  mupeer status --json`,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	c, err := connect()
	if err != nil {
		return err
	}
	defer c.Close()

	status, err := c.Status()
	if err != nil {
		return fmt.Errorf("get status: %w", err)
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), status)
	}

	st := newStyles()
	host := status.Host
	switch {
	case status.IsHost:
		host = st.host.Render(host + " (this peer)")
	case host == "":
		host = st.dim.Render("(none)")
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s\n", st.title.Render("Peer:"), status.DisplayName)
	fmt.Fprintf(out, "  %s %s\n", st.label.Render("ID:        "), status.PeerID)
	fmt.Fprintf(out, "  %s %s\n", st.label.Render("Discovery: "), status.DiscoveryID)
	fmt.Fprintf(out, "  %s %d\n", st.label.Render("P2P port:  "), status.P2PPort)
	if status.WebAddr != "" {
		fmt.Fprintf(out, "  %s http://%s\n", st.label.Render("Web UI:    "), status.WebAddr)
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "%s %s\n", st.title.Render("Host:"), host)
	fmt.Fprintf(out, "%s %d connected, %d discovered\n", st.title.Render("Peers:"), status.PeerCount, status.DiscoveredCount)
	fmt.Fprintf(out, "%s %d\n", st.title.Render("Values:"), status.ValueCount)
	fmt.Fprintf(out, "%s %s (pid %d)\n", st.title.Render("Uptime:"), formatDuration(time.Since(status.StartTime)), status.PID)

	return nil
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		return "0s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		hours := int(d.Hours())
		mins := int(d.Minutes()) % 60
		if mins > 0 {
			return fmt.Sprintf("%dh %dm", hours, mins)
		}
		return fmt.Sprintf("%dh", hours)
	}
	return fmt.Sprintf("%dd", int(d.Hours()/24))
}
