package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"mupeer.dev/go/mupeer/internal/daemon"
	"mupeer.dev/go/mupeer/internal/protocol"
)

func init() {
	rootCmd.AddCommand(valueCmd)

	valueCmd.AddCommand(valueListCmd)
	valueCmd.AddCommand(valueGetCmd)
	valueCmd.AddCommand(valueSetCmd)
}

var valueCmd = &cobra.Command{
	Use:   "value",
	Short: "Read and write replicated values",
	Long: `Read and write the values replicated across the session.

Each value is a last-writer-wins register holding any JSON document. Values
are declared in the [[values]] section of the config file; a value with the
hostOnly policy can only be written by the session host.`,
}

var valueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List replicated values",
	RunE:  runValueList,
}

var valueGetCmd = &cobra.Command{
	Use:   "get <name>",
	Short: "Print one value",
	Args:  cobra.ExactArgs(1),
	RunE:  runValueGet,
}

var valueSetCmd = &cobra.Command{
	Use:   "set <name> <json>",
	Short: "Write a value",
	Long: `Write a value and replicate it to every connected peer.

The value must be a JSON document. Plain words are not valid JSON, so quote
strings.

Examples:
  mupeer value set counter 5
  mupeer value set title '"weekly sync"'
  mupeer value set board '{"x": 3, "y": 1}'`,
	Args: cobra.ExactArgs(2),
	RunE: runValueSet,
}

func runValueList(cmd *cobra.Command, args []string) error {
	c, err := connect()
	if err != nil {
		return err
	}
	defer c.Close()

	values, err := c.Values()
	if err != nil {
		return fmt.Errorf("list values: %w", err)
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), values)
	}

	out := cmd.OutOrStdout()
	if len(values) == 0 {
		fmt.Fprintln(out, "No values configured.")
		return nil
	}

	st := newStyles()
	for _, v := range values {
		fmt.Fprintf(out, "%s = %s\n", st.title.Render(v.Name), v.Value)
		fmt.Fprintf(out, "  %s\n", st.dim.Render(valueDetails(v)))
	}
	return nil
}

func runValueGet(cmd *cobra.Command, args []string) error {
	c, err := connect()
	if err != nil {
		return err
	}
	defer c.Close()

	v, err := c.Value(args[0])
	if err != nil {
		return fmt.Errorf("get value: %w", err)
	}
	return printValue(cmd.OutOrStdout(), v)
}

func runValueSet(cmd *cobra.Command, args []string) error {
	raw := json.RawMessage(args[1])
	if !json.Valid(raw) {
		return fmt.Errorf("value is not valid JSON: %s", args[1])
	}

	c, err := connect()
	if err != nil {
		return err
	}
	defer c.Close()

	v, err := c.SetValue(args[0], raw)
	if err != nil {
		return fmt.Errorf("set value: %w", err)
	}
	return printValue(cmd.OutOrStdout(), v)
}

// printValue prints the bare JSON so output can be piped
func printValue(out io.Writer, v *daemon.ValueInfo) error {
	if jsonOutput {
		return printJSON(out, v)
	}
	_, err := fmt.Fprintf(out, "%s\n", v.Value)
	return err
}

func valueDetails(v daemon.ValueInfo) string {
	delivery := "unreliable"
	if v.Reliable {
		delivery = "reliable"
	}
	updated := "never written"
	if v.LastUpdated > 0 {
		updated = "updated " + formatDuration(time.Since(protocol.FromSeconds(v.LastUpdated))) + " ago"
	}
	return fmt.Sprintf("%s, %s, %s", v.Policy, delivery, updated)
}
