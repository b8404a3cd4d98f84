// Package daemon runs a long-lived peer and exposes it to local clients over
// IPC and a loopback web server.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"

	"mupeer.dev/go/mupeer/internal/config"
	"mupeer.dev/go/mupeer/internal/election"
	"mupeer.dev/go/mupeer/internal/events"
	"mupeer.dev/go/mupeer/internal/identity"
	"mupeer.dev/go/mupeer/internal/metrics"
	"mupeer.dev/go/mupeer/internal/observer"
	"mupeer.dev/go/mupeer/internal/replica"
	"mupeer.dev/go/mupeer/internal/session"
	"mupeer.dev/go/mupeer/internal/transport"
)

var (
	// ErrNotFound is returned for a value name the daemon does not replicate
	ErrNotFound = errors.New("not found")

	// ErrInvalidValue is returned when a written value is not valid JSON
	ErrInvalidValue = errors.New("value is not valid JSON")
)

// Daemon is the main mupeer daemon
type Daemon struct {
	cfg   *config.Config
	paths *config.Paths
	clock clock.Clock

	session    *session.Session
	bus        *events.Bus
	election   *election.Election
	values     map[string]*replica.Value[json.RawMessage]
	valueNames []string

	metrics      *metrics.Metrics
	logBuffer    *LogBuffer
	ipcServer    *IPCServer
	webServer    *WebServer
	hub          *WSHub
	sleepWatcher *SleepWatcher
	notifier     *NotificationService

	subs      []*observer.Subscription
	startTime time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	stopOnce  sync.Once
}

// Status represents the daemon's current status
type Status struct {
	Running         bool      `json:"running"`
	PID             int       `json:"pid"`
	Uptime          string    `json:"uptime"`
	StartTime       time.Time `json:"start_time"`
	PeerID          string    `json:"peer_id"`
	DisplayName     string    `json:"display_name"`
	DiscoveryID     string    `json:"discovery_id"`
	P2PPort         int       `json:"p2p_port"`
	WebAddr         string    `json:"web_addr,omitempty"`
	PeerCount       int       `json:"peer_count"`
	DiscoveredCount int       `json:"discovered_count"`
	Host            string    `json:"host,omitempty"`
	IsHost          bool      `json:"is_host"`
	ValueCount      int       `json:"value_count"`
}

// PeerInfo is a peer as reported to clients
type PeerInfo struct {
	session.Peer
	State  string `json:"state"`
	IsHost bool   `json:"is_host"`
}

// HostInfo describes the current host
type HostInfo struct {
	Host      *session.Peer `json:"host"`
	IsHost    bool          `json:"is_host"`
	StartTime float64       `json:"start_time,omitempty"`
}

// ValueInfo is a replicated value as reported to clients
type ValueInfo struct {
	Name        string          `json:"name"`
	Policy      string          `json:"policy"`
	Reliable    bool            `json:"reliable"`
	Value       json.RawMessage `json:"value"`
	LastUpdated float64         `json:"last_updated"`
}

// Options configures the daemon
type Options struct {
	Paths  *config.Paths
	Config *config.Config

	// Store overrides the identity store selected by Config.Identity.Storage
	Store identity.Store

	// Transport overrides the LAN transport
	Transport session.TransportFactory

	// LogBuffer receives captured logs. When nil the daemon creates one and
	// installs the configured handler as the default logger.
	LogBuffer *LogBuffer

	Clock clock.Clock
}

// New creates a new daemon instance
func New(opts *Options) (*Daemon, error) {
	if opts.Paths == nil {
		return nil, errors.New("daemon: paths required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}

	logBuffer := opts.LogBuffer
	if logBuffer == nil {
		logBuffer = NewLogBuffer(LogBufferSize)
		base := NewBaseHandler(os.Stderr, cfg.Logging)
		slog.SetDefault(slog.New(NewBufferedHandler(logBuffer, base)))
	}

	m := metrics.New()

	store := opts.Store
	if store == nil {
		store = IdentityStore(cfg.Identity, opts.Paths)
	}

	factory := opts.Transport
	if factory == nil {
		factory = transport.LANFactory(transport.LANConfig{
			Port:              cfg.Session.Port,
			ServiceType:       cfg.Session.ServiceType,
			BrowseInterval:    cfg.Session.BrowseInterval.Duration,
			KeepaliveInterval: cfg.Session.KeepaliveInterval.Duration,
			Clock:             clk,
			Metrics:           m,
		})
	}

	sess, err := session.New(session.Config{
		Identity:          store,
		NameBase:          cfg.Identity.Name,
		Transport:         factory,
		InviteTimeout:     cfg.Session.InviteTimeout.Duration,
		RetryWait:         cfg.Session.RetryWait.Duration,
		MaxInviteAttempts: cfg.Session.MaxInviteAttempts,
		StaleSlack:        cfg.Session.StaleSlack.Duration,
		Clock:             clk,
		Metrics:           m,
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	bus := events.NewBus(sess, events.Options{Clock: clk, Metrics: m})
	el := election.New(bus, sess, election.Options{
		Clock:      clk,
		RetryDelay: cfg.Session.HostRetryDelay.Duration,
		Metrics:    m,
	})

	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		cfg:       cfg,
		paths:     opts.Paths,
		clock:     clk,
		session:   sess,
		bus:       bus,
		election:  el,
		values:    make(map[string]*replica.Value[json.RawMessage]),
		metrics:   m,
		logBuffer: logBuffer,
		hub:       NewWSHub(),
		notifier:  NewNotificationService(cfg.Daemon.Notifications),
		startTime: clk.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}

	for _, vc := range cfg.Values {
		// Validate already checked the policy
		policy, _ := replica.ParsePolicy(vc.Policy)
		v, err := replica.New(bus, vc.Name, vc.InitialJSON(), replica.Options{
			Policy:   policy,
			Reliable: vc.Reliable,
			Election: el,
			Clock:    clk,
			Metrics:  m,
		})
		if err != nil {
			d.closeComponents()
			cancel()
			return nil, fmt.Errorf("create value %s: %w", vc.Name, err)
		}
		d.values[vc.Name] = v
		d.valueNames = append(d.valueNames, vc.Name)
	}

	d.ipcServer = NewIPCServer(opts.Paths.SocketPath, d)
	if cfg.Daemon.WebEnabled {
		d.webServer = NewWebServer(d, cfg.Daemon.WebPort)
	}

	d.watch()

	return d, nil
}

// IdentityStore picks the identity store named by the config. A keychain
// that cannot be reached falls back to the identity file.
func IdentityStore(cfg config.IdentityConfig, paths *config.Paths) identity.Store {
	if cfg.Storage == "keychain" {
		if identity.KeychainAvailable() {
			return identity.NewKeychainStore()
		}
		slog.Warn("Keychain unavailable, using identity file", "path", paths.IdentityFile)
	}
	return identity.NewFileStore(paths.IdentityFile)
}

// watch forwards session, host, and value changes to IPC and web clients
func (d *Daemon) watch() {
	d.subs = append(d.subs,
		d.session.SubscribePeers(func(connected []session.Peer) {
			d.BroadcastEvent(NewEvent(EventPeersUpdated, connected))
		}),
		d.session.SubscribeReset(func(me session.Peer) {
			slog.Info("Session reset", "peer", me.ID, "name", me.DisplayName)
			d.BroadcastEvent(NewEvent(EventSessionReset, me))
		}),
		d.election.SubscribeHostChange(d.hostChanged),
	)

	for _, name := range d.valueNames {
		d.subs = append(d.subs, d.values[name].SubscribeChange(func(value json.RawMessage) {
			d.BroadcastEvent(NewEvent(EventValueChanged, ValueChanged{Name: name, Value: value}))
		}))
	}
}

func (d *Daemon) hostChanged(host *session.Peer) {
	d.BroadcastEvent(NewEvent(EventHostChanged, d.Host()))

	if host == nil {
		slog.Info("Host cleared")
		return
	}
	slog.Info("Host changed", "host", host.DisplayName, "me", host.IsMe)

	// Notifiers shell out, keep them off the election's callback
	name, isMe := host.DisplayName, host.IsMe
	go d.notifier.NotifyHostChanged(name, isMe)
}

// Start starts the daemon
func (d *Daemon) Start() error {
	me := d.session.Me()
	slog.Info("Starting daemon",
		"peer", me.ID,
		"name", me.DisplayName,
	)

	// Write PID file
	if d.paths.PIDFile != "" {
		if err := os.WriteFile(d.paths.PIDFile, []byte(fmt.Sprintf("%d", os.Getpid())), 0600); err != nil {
			slog.Warn("Failed to write PID file", "error", err)
		}
	}

	// Start IPC server
	if err := d.ipcServer.Start(d.ctx); err != nil {
		return fmt.Errorf("start IPC server: %w", err)
	}

	go d.hub.Run(d.ctx)

	if err := d.session.Start(d.ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	// Start web server if enabled
	if d.webServer != nil {
		if err := d.webServer.Start(d.ctx); err != nil {
			return fmt.Errorf("start web server: %w", err)
		}
	}

	// Connection states go stale while the machine sleeps
	d.sleepWatcher = NewSleepWatcher(d.clock, WakeThreshold, d.session.Revalidate)
	d.sleepWatcher.Start()

	slog.Info("Daemon started")

	return nil
}

// Run runs the daemon until interrupted
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		d.Stop()
		return err
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		slog.Info("Received signal, shutting down", "signal", sig)
	case <-d.ctx.Done():
	}

	return d.Stop()
}

// Stop stops the daemon gracefully. It is safe to call more than once.
func (d *Daemon) Stop() error {
	d.stopOnce.Do(func() {
		slog.Info("Stopping daemon")

		d.cancel()

		if d.sleepWatcher != nil {
			d.sleepWatcher.Stop()
		}

		if d.webServer != nil {
			d.webServer.Stop()
		}

		d.ipcServer.Stop()

		d.closeComponents()

		// Remove PID file
		if d.paths.PIDFile != "" {
			os.Remove(d.paths.PIDFile)
		}

		slog.Info("Daemon stopped")
	})
	return nil
}

// Shutdown asks a running daemon to stop, making Run return
func (d *Daemon) Shutdown() {
	d.cancel()
}

func (d *Daemon) closeComponents() {
	for _, s := range d.subs {
		s.Unsubscribe()
	}
	for _, v := range d.values {
		v.Close()
	}
	d.election.Close()
	d.bus.Close()
	if err := d.session.Close(); err != nil {
		slog.Warn("Failed to close session", "error", err)
	}
}

// Status returns the daemon's current status
func (d *Daemon) Status() *Status {
	me := d.session.Me()
	host := d.election.Host()

	status := &Status{
		Running:         true,
		PID:             os.Getpid(),
		Uptime:          d.clock.Since(d.startTime).Round(time.Second).String(),
		StartTime:       d.startTime,
		PeerID:          me.ID,
		DisplayName:     me.DisplayName,
		DiscoveryID:     me.DiscoveryID,
		P2PPort:         d.cfg.Session.Port,
		PeerCount:       len(d.session.ConnectedPeers()),
		DiscoveredCount: len(d.session.AllPeers()),
		IsHost:          host != nil && host.IsMe,
		ValueCount:      len(d.valueNames),
	}
	if host != nil {
		status.Host = host.DisplayName
	}
	if d.webServer != nil {
		status.WebAddr = d.webServer.Addr()
	}
	return status
}

// Peers returns the connected peers, or every discovered peer when all is set
func (d *Daemon) Peers(all bool) []PeerInfo {
	peers := d.session.ConnectedPeers()
	if all {
		peers = d.session.AllPeers()
	}
	host := d.election.Host()

	infos := make([]PeerInfo, 0, len(peers))
	for _, p := range peers {
		info := PeerInfo{Peer: p, State: "unknown"}
		if state, ok := d.session.ConnectionState(p); ok {
			info.State = state.String()
		}
		info.IsHost = host != nil && host.Equal(p)
		infos = append(infos, info)
	}
	return infos
}

// Host returns the current host
func (d *Daemon) Host() HostInfo {
	info := HostInfo{Host: d.election.Host()}
	if info.Host != nil {
		info.IsHost = info.Host.IsMe
		info.StartTime, _ = d.election.StartTime()
	}
	return info
}

// ClaimHost makes this peer the host
func (d *Daemon) ClaimHost() HostInfo {
	d.election.MakeMeHost()
	return d.Host()
}

// Reset regenerates the peer identity and restarts the session. An empty
// name keeps the current display-name base.
func (d *Daemon) Reset(name string) (session.Peer, error) {
	if err := d.session.Reset(name); err != nil {
		return session.Peer{}, fmt.Errorf("reset session: %w", err)
	}
	return d.session.Me(), nil
}

// Values returns every replicated value in config order
func (d *Daemon) Values() []ValueInfo {
	infos := make([]ValueInfo, 0, len(d.valueNames))
	for _, name := range d.valueNames {
		infos = append(infos, d.valueInfo(name))
	}
	return infos
}

// Value returns a single replicated value
func (d *Daemon) Value(name string) (ValueInfo, error) {
	if _, ok := d.values[name]; !ok {
		return ValueInfo{}, fmt.Errorf("value %q: %w", name, ErrNotFound)
	}
	return d.valueInfo(name), nil
}

// SetValue writes a replicated value. Host-only values fail with
// replica.ErrNotHost unless this peer is the host.
func (d *Daemon) SetValue(name string, raw json.RawMessage) (ValueInfo, error) {
	v, ok := d.values[name]
	if !ok {
		return ValueInfo{}, fmt.Errorf("value %q: %w", name, ErrNotFound)
	}
	if !json.Valid(raw) {
		return ValueInfo{}, fmt.Errorf("value %q: %w", name, ErrInvalidValue)
	}

	if err := v.Write(append(json.RawMessage(nil), raw...)); err != nil {
		return ValueInfo{}, fmt.Errorf("write %s: %w", name, err)
	}
	return d.valueInfo(name), nil
}

func (d *Daemon) valueInfo(name string) ValueInfo {
	v := d.values[name]
	reliable := false
	for _, vc := range d.cfg.Values {
		if vc.Name == name {
			reliable = vc.Reliable
		}
	}
	return ValueInfo{
		Name:        name,
		Policy:      v.Policy().String(),
		Reliable:    reliable,
		Value:       v.Read(),
		LastUpdated: v.LastUpdated(),
	}
}

// BroadcastEvent sends an event to subscribed IPC clients and web sockets
func (d *Daemon) BroadcastEvent(event *Event) {
	if d.ipcServer != nil {
		d.ipcServer.BroadcastEvent(event)
	}
	d.hub.Broadcast(event)
}

// MetricsSnapshot returns a point-in-time snapshot of all metrics
func (d *Daemon) MetricsSnapshot() *metrics.Snapshot {
	return d.metrics.Snapshot(func() metrics.GaugeMetrics {
		g := metrics.GaugeMetrics{
			ConnectedPeers:  len(d.session.ConnectedPeers()),
			DiscoveredPeers: len(d.session.AllPeers()),
			Values:          len(d.valueNames),
		}
		if host := d.election.Host(); host != nil {
			g.Host = host.DisplayName
			g.IsHost = host.IsMe
		}
		return g
	})
}

// Session returns the peer session
func (d *Daemon) Session() *session.Session {
	return d.session
}

// Metrics returns the metrics collector
func (d *Daemon) Metrics() *metrics.Metrics {
	return d.metrics
}

// LogBuffer returns the daemon's log buffer
func (d *Daemon) LogBuffer() *LogBuffer {
	return d.logBuffer
}

// Hub returns the web socket hub
func (d *Daemon) Hub() *WSHub {
	return d.hub
}
