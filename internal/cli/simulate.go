package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"mupeer.dev/go/mupeer/internal/election"
	"mupeer.dev/go/mupeer/internal/events"
	"mupeer.dev/go/mupeer/internal/identity"
	"mupeer.dev/go/mupeer/internal/metrics"
	"mupeer.dev/go/mupeer/internal/replica"
	"mupeer.dev/go/mupeer/internal/session"
	"mupeer.dev/go/mupeer/internal/transport"
)

var (
	simulatePeers   int
	simulateTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(simulateCmd)

	simulateCmd.Flags().IntVar(&simulatePeers, "peers", 3, "number of simulated peers")
	simulateCmd.Flags().DurationVar(&simulateTimeout, "timeout", 30*time.Second, "give up after this long")
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a session between in-process peers",
	Long: `Run several peers in this process over an in-memory network.

The simulation shows the session forming, every peer racing to become host,
concurrent writes to a shared counter converging on one value, and a
host-only value rejecting writes from followers. No daemon or network
access is needed.

Examples:
  mupeer simulate
  mupeer simulate --peers 5`,
	RunE: runSimulate,
}

func runSimulate(cmd *cobra.Command, args []string) error {
	if simulatePeers < 2 {
		return fmt.Errorf("need at least 2 peers, got %d", simulatePeers)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), simulateTimeout)
	defer cancel()

	_, err := runSimulation(ctx, cmd.OutOrStdout(), simulatePeers)
	return err
}

// simPeer is one in-process peer
type simPeer struct {
	session  *session.Session
	bus      *events.Bus
	election *election.Election
	counter  *replica.Value[int64]
	headline *replica.Value[string]
	metrics  *metrics.Metrics
}

func (p *simPeer) close() {
	p.headline.Close()
	p.counter.Close()
	p.election.Close()
	p.bus.Close()
	p.session.Close()
}

// simulationResult is what every peer agreed on
type simulationResult struct {
	Host     string
	Counter  int64
	Headline string
}

func newSimPeer(net *transport.MemoryNetwork, i int) (*simPeer, error) {
	m := metrics.New()
	sess, err := session.New(session.Config{
		Identity:  &identity.MemoryStore{},
		NameBase:  fmt.Sprintf("sim%d", i+1),
		Transport: net.Factory(),
		Metrics:   m,
	})
	if err != nil {
		return nil, err
	}

	bus := events.NewBus(sess, events.Options{Metrics: m})
	el := election.New(bus, sess, election.Options{Metrics: m})
	counter, err := replica.New[int64](bus, "counter", 0, replica.Options{
		Reliable: true,
		Election: el,
		Metrics:  m,
	})
	if err != nil {
		return nil, err
	}
	headline, err := replica.New(bus, "headline", "", replica.Options{
		Policy:   replica.HostOnly,
		Reliable: true,
		Election: el,
		Metrics:  m,
	})
	if err != nil {
		return nil, err
	}

	return &simPeer{
		session:  sess,
		bus:      bus,
		election: el,
		counter:  counter,
		headline: headline,
		metrics:  m,
	}, nil
}

func runSimulation(ctx context.Context, out io.Writer, n int) (*simulationResult, error) {
	net := transport.NewMemoryNetwork()

	peers := make([]*simPeer, 0, n)
	defer func() {
		for _, p := range peers {
			p.close()
		}
	}()
	for i := 0; i < n; i++ {
		p, err := newSimPeer(net, i)
		if err != nil {
			return nil, fmt.Errorf("create peer %d: %w", i+1, err)
		}
		peers = append(peers, p)
	}

	st := newStyles()
	step := func(format string, args ...any) {
		fmt.Fprintf(out, "%s %s\n", st.label.Render("==>"), fmt.Sprintf(format, args...))
	}

	step("Starting %d peers", n)
	for _, p := range peers {
		if err := p.session.Start(ctx); err != nil {
			return nil, fmt.Errorf("start %s: %w", p.session.Me().DisplayName, err)
		}
		fmt.Fprintf(out, "    %s %s\n", p.session.Me().DisplayName, st.dim.Render(p.session.Me().ID))
	}

	err := waitUntil(ctx, func() bool {
		for _, p := range peers {
			if len(p.session.ConnectedPeers()) != n-1 {
				return false
			}
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("waiting for the session to form: %w", err)
	}
	step("Session formed, every peer sees %d others", n-1)

	step("Every peer claims the host role at once")
	concurrently(peers, func(_ int, p *simPeer) { p.election.MakeMeHost() })

	var host *simPeer
	err = waitUntil(ctx, func() bool {
		host = agreedHost(peers)
		return host != nil
	})
	if err != nil {
		return nil, fmt.Errorf("waiting for peers to agree on a host: %w", err)
	}
	step("Host elected: %s", st.host.Render(host.session.Me().DisplayName))

	step("Every peer writes the counter at once")
	concurrently(peers, func(i int, p *simPeer) { p.counter.Write(int64(i + 1)) })

	var counter int64
	err = waitUntil(ctx, func() bool {
		counter = peers[0].counter.Read()
		for _, p := range peers[1:] {
			if p.counter.Read() != counter {
				return false
			}
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("waiting for the counter to converge: %w", err)
	}
	step("Counter converged on %d (last writer wins)", counter)

	for _, p := range peers {
		if p == host {
			continue
		}
		if err := p.headline.Write("from a follower"); !errors.Is(err, replica.ErrNotHost) {
			return nil, fmt.Errorf("follower write to host-only value: got %v, want %v", err, replica.ErrNotHost)
		}
		step("Follower %s was refused a host-only write", p.session.Me().DisplayName)
		break
	}

	const headline = "hello from the host"
	if err := host.headline.Write(headline); err != nil {
		return nil, fmt.Errorf("host write: %w", err)
	}
	err = waitUntil(ctx, func() bool {
		for _, p := range peers {
			if p.headline.Read() != headline {
				return false
			}
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("waiting for the headline to replicate: %w", err)
	}
	step("Host write reached every peer: %q", headline)

	var sent int64
	for _, p := range peers {
		sent += p.metrics.Snapshot(nil).Counters.MessagesSent
	}
	fmt.Fprintf(out, "\n%s %d messages exchanged\n", st.ok.Render("Done."), sent)

	return &simulationResult{
		Host:     host.session.Me().ID,
		Counter:  counter,
		Headline: headline,
	}, nil
}

// agreedHost returns the host every peer reports, or nil while they disagree
func agreedHost(peers []*simPeer) *simPeer {
	first := peers[0].election.Host()
	if first == nil {
		return nil
	}
	for _, p := range peers[1:] {
		h := p.election.Host()
		if h == nil || h.ID != first.ID {
			return nil
		}
	}
	for _, p := range peers {
		if p.session.Me().ID == first.ID {
			return p
		}
	}
	return nil
}

// concurrently runs fn for every peer and waits for all of them
func concurrently(peers []*simPeer, fn func(i int, p *simPeer)) {
	var wg sync.WaitGroup
	for i, p := range peers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(i, p)
		}()
	}
	wg.Wait()
}

// waitUntil polls cond until it holds or ctx ends
func waitUntil(ctx context.Context, cond func() bool) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if cond() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
