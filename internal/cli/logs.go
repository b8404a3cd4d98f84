package cli

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"mupeer.dev/go/mupeer/internal/daemon"
	"mupeer.dev/go/mupeer/internal/tui"
)

const logPollInterval = time.Second

func init() {
	logsCmd.Flags().String("level", "", "minimum level (debug, info, warn, error)")
	logsCmd.Flags().String("since", "", "show logs since (e.g., 5m, 1h, 2026-01-15)")
	logsCmd.Flags().Int("limit", 200, "maximum entries to show")
	logsCmd.Flags().BoolP("follow", "f", false, "keep printing new entries")
	rootCmd.AddCommand(logsCmd)
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recent daemon logs",
	Long: `Show log entries kept in the daemon's memory.

Examples:
  mupeer logs
  mupeer logs --level warn
  mupeer logs --since 10m --follow`,
	RunE: runLogs,
}

func runLogs(cmd *cobra.Command, args []string) error {
	opts, err := buildLogQueryOpts(cmd)
	if err != nil {
		return err
	}
	follow, _ := cmd.Flags().GetBool("follow")

	c, err := connect()
	if err != nil {
		return err
	}
	defer c.Close()

	out := cmd.OutOrStdout()
	p := newLogPrinter(out)
	for {
		entries, err := c.Logs(opts)
		if err != nil {
			return fmt.Errorf("get logs: %w", err)
		}
		if jsonOutput {
			if err := printJSON(out, entries); err != nil {
				return err
			}
		} else {
			for _, e := range entries {
				p.print(e)
			}
		}

		if !follow {
			return nil
		}
		if n := len(entries); n > 0 {
			// Since is inclusive, so step past the last entry
			next := entries[n-1].Timestamp.Add(time.Nanosecond)
			opts.Since = &next
		}
		opts.Limit = 0
		select {
		case <-cmd.Context().Done():
			return nil
		case <-time.After(logPollInterval):
		}
	}
}

func buildLogQueryOpts(cmd *cobra.Command) (daemon.QueryOpts, error) {
	opts := daemon.QueryOpts{}
	opts.Level, _ = cmd.Flags().GetString("level")
	opts.Limit, _ = cmd.Flags().GetInt("limit")

	if since, _ := cmd.Flags().GetString("since"); since != "" {
		t, err := parseLogTimeArg(since)
		if err != nil {
			return opts, err
		}
		opts.Since = &t
	}
	return opts, nil
}

func parseLogTimeArg(s string) (time.Time, error) {
	// Try duration format (e.g., "1h", "5m", "24h")
	if d, err := time.ParseDuration(s); err == nil {
		return time.Now().Add(-d), nil
	}

	formats := []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02",
	}
	for _, f := range formats {
		if t, err := time.ParseInLocation(f, s, time.Local); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("invalid time format: %s", s)
}

type logPrinter struct {
	out    io.Writer
	time   lipgloss.Style
	levels map[string]lipgloss.Style
	field  lipgloss.Style
}

func newLogPrinter(out io.Writer) *logPrinter {
	plain := lipgloss.NewStyle()
	p := &logPrinter{
		out:    out,
		time:   plain,
		field:  plain,
		levels: make(map[string]lipgloss.Style),
	}
	if !tui.ColorEnabled() {
		return p
	}
	p.time = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	p.field = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	p.levels["DEBUG"] = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	p.levels["INFO"] = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	p.levels["WARN"] = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	p.levels["ERROR"] = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	return p
}

func (p *logPrinter) print(e daemon.LogEntry) {
	var b strings.Builder
	b.WriteString(p.time.Render(e.Timestamp.Local().Format("15:04:05")))
	b.WriteString("  ")
	level := fmt.Sprintf("%-5s", e.Level)
	if style, ok := p.levels[e.Level]; ok {
		level = style.Render(level)
	}
	b.WriteString(level)
	b.WriteString("  ")
	b.WriteString(e.Message)

	for _, k := range slices.Sorted(maps.Keys(e.Fields)) {
		fmt.Fprintf(&b, " %s=%v", p.field.Render(k), e.Fields[k])
	}
	fmt.Fprintln(p.out, b.String())
}
