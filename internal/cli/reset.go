package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var resetName string

func init() {
	rootCmd.AddCommand(resetCmd)

	resetCmd.Flags().StringVar(&resetName, "name", "", "exact display name for the new identity")
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Start over with a fresh identity",
	Long: `Regenerate this peer's identity and rejoin the session.

The daemon drops every connection, stores a new peer ID and reconnects.
Other peers see the old peer leave and a new one arrive. Without --name the
display name keeps its base and gets a new random suffix.

Examples:
  mupeer reset
  mupeer reset --name kitchen-display`,
	RunE: runReset,
}

func runReset(cmd *cobra.Command, args []string) error {
	c, err := connect()
	if err != nil {
		return err
	}
	defer c.Close()

	me, err := c.Reset(resetName)
	if err != nil {
		return fmt.Errorf("reset session: %w", err)
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), me)
	}

	st := newStyles()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s\n", st.ok.Render("Session reset."), me.DisplayName)
	fmt.Fprintf(out, "  %s %s\n", st.label.Render("ID:"), me.ID)
	return nil
}
