package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"mupeer.dev/go/mupeer/internal/client"
	"mupeer.dev/go/mupeer/internal/daemon"
)

var watchCounter string

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringVar(&watchCounter, "counter", "counter", "numeric value changed by the + and - keys")
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live view of the session",
	Long: `Show peers, the host and replicated values, updated live.

Keys:
  h      claim the host role
  + / -  change the counter value
  r      reset this peer's identity
  q      quit`,
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	events, err := connect()
	if err != nil {
		return err
	}
	defer events.Close()
	if err := events.Subscribe(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	calls, err := connect()
	if err != nil {
		return err
	}
	defer calls.Close()

	p := tea.NewProgram(newWatchModel(events, calls, watchCounter), tea.WithAltScreen())
	_, err = p.Run()
	return err
}

type watchKeyMap struct {
	Claim key.Binding
	Up    key.Binding
	Down  key.Binding
	Reset key.Binding
	Quit  key.Binding
}

func (k watchKeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Claim, k.Up, k.Down, k.Reset, k.Quit}
}

func (k watchKeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp()}
}

var watchKeys = watchKeyMap{
	Claim: key.NewBinding(key.WithKeys("h"), key.WithHelp("h", "claim host")),
	Up:    key.NewBinding(key.WithKeys("+", "="), key.WithHelp("+", "increment")),
	Down:  key.NewBinding(key.WithKeys("-"), key.WithHelp("-", "decrement")),
	Reset: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "reset identity")),
	Quit:  key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

// snapshotMsg carries everything the view shows
type snapshotMsg struct {
	status *daemon.Status
	peers  []daemon.PeerInfo
	values []daemon.ValueInfo
}

// eventMsg is a daemon event; its content is picked up by the next snapshot
type eventMsg struct {
	event *daemon.Event
}

type errMsg struct {
	err error
}

type watchModel struct {
	events  *client.Client
	calls   *client.Client
	counter string

	status    *daemon.Status
	values    []daemon.ValueInfo
	peers     table.Model
	help      help.Model
	lastEvent string
	err       error
}

func newWatchModel(events, calls *client.Client, counter string) watchModel {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Peer", Width: 24},
			{Title: "State", Width: 14},
			{Title: "Role", Width: 6},
			{Title: "ID", Width: 36},
		}),
		table.WithHeight(8),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.Bold(true).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true)
	styles.Selected = lipgloss.NewStyle()
	t.SetStyles(styles)

	return watchModel{
		events:  events,
		calls:   calls,
		counter: counter,
		peers:   t,
		help:    help.New(),
	}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.refresh, m.waitForEvent)
}

func (m watchModel) refresh() tea.Msg {
	status, err := m.calls.Status()
	if err != nil {
		return errMsg{err}
	}
	peers, err := m.calls.Peers(true)
	if err != nil {
		return errMsg{err}
	}
	values, err := m.calls.Values()
	if err != nil {
		return errMsg{err}
	}
	return snapshotMsg{status: status, peers: peers, values: values}
}

func (m watchModel) waitForEvent() tea.Msg {
	ev, err := m.events.ReadEvent()
	if err != nil {
		return errMsg{fmt.Errorf("event stream closed: %w", err)}
	}
	return eventMsg{ev}
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.help.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, watchKeys.Quit):
			return m, tea.Quit
		case key.Matches(msg, watchKeys.Claim):
			return m, m.call(func() error {
				_, err := m.calls.ClaimHost()
				return err
			})
		case key.Matches(msg, watchKeys.Up):
			return m, m.bump(1)
		case key.Matches(msg, watchKeys.Down):
			return m, m.bump(-1)
		case key.Matches(msg, watchKeys.Reset):
			return m, m.call(func() error {
				_, err := m.calls.Reset("")
				return err
			})
		}

	case snapshotMsg:
		m.status = msg.status
		m.values = msg.values
		m.peers.SetRows(peerRows(msg.peers))
		m.err = nil
		return m, nil

	case eventMsg:
		m.lastEvent = msg.event.Event
		return m, tea.Batch(m.refresh, m.waitForEvent)

	case errMsg:
		m.err = msg.err
		return m, nil
	}

	var cmd tea.Cmd
	m.peers, cmd = m.peers.Update(msg)
	return m, cmd
}

// call runs fn against the daemon; the resulting events trigger a refresh
func (m watchModel) call(fn func() error) tea.Cmd {
	return func() tea.Msg {
		if err := fn(); err != nil {
			return errMsg{err}
		}
		return m.refresh()
	}
}

func (m watchModel) bump(delta int64) tea.Cmd {
	var current json.RawMessage
	for _, v := range m.values {
		if v.Name == m.counter {
			current = v.Value
		}
	}
	return m.call(func() error {
		if current == nil {
			return fmt.Errorf("no value named %q", m.counter)
		}
		next, err := addToCounter(current, delta)
		if err != nil {
			return err
		}
		_, err = m.calls.SetValue(m.counter, next)
		return err
	})
}

// addToCounter adds delta to a JSON integer. Null counts as zero.
func addToCounter(raw json.RawMessage, delta int64) (json.RawMessage, error) {
	var n int64
	if string(raw) != "null" {
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, fmt.Errorf("value %s is not an integer", raw)
		}
	}
	return json.Marshal(n + delta)
}

func peerRows(peers []daemon.PeerInfo) []table.Row {
	rows := make([]table.Row, 0, len(peers))
	for _, p := range peers {
		role := ""
		if p.IsHost {
			role = "host"
		}
		rows = append(rows, table.Row{p.DisplayName, p.State, role, p.ID})
	}
	return rows
}

func (m watchModel) View() string {
	if m.status == nil {
		if m.err != nil {
			return fmt.Sprintf("Error: %v\n\nq to quit\n", m.err)
		}
		return "Loading..."
	}

	title := lipgloss.NewStyle().Bold(true)
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	hostStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("5")).Bold(true)
	errStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("1"))

	var b strings.Builder

	host := dim.Render("none")
	switch {
	case m.status.IsHost:
		host = hostStyle.Render("this peer")
	case m.status.Host != "":
		host = hostStyle.Render(m.status.Host)
	}
	fmt.Fprintf(&b, "%s %s   %s %s\n\n",
		title.Render(m.status.DisplayName), dim.Render(m.status.PeerID),
		title.Render("Host:"), host)

	b.WriteString(m.peers.View())
	b.WriteString("\n\n")

	b.WriteString(title.Render("Values"))
	b.WriteString("\n")
	for _, v := range m.values {
		fmt.Fprintf(&b, "  %-16s %s  %s\n", v.Name, v.Value, dim.Render(v.Policy))
	}
	b.WriteString("\n")

	if m.err != nil {
		b.WriteString(errStyle.Render("Error: " + m.err.Error()))
		b.WriteString("\n")
	} else if m.lastEvent != "" {
		b.WriteString(dim.Render("last event: " + m.lastEvent))
		b.WriteString("\n")
	}

	b.WriteString(m.help.View(watchKeys))
	return b.String()
}
