// Package metrics collects session and transport counters. Every method is
// safe to call on a nil *Metrics, so library code can run without metrics.
package metrics

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects operational metrics for observability
type Metrics struct {
	startTime time.Time

	// Counters (use atomic for lock-free updates)
	MessagesReceived  atomic.Int64
	MessagesSent      atomic.Int64
	SendFailures      atomic.Int64
	InvitesSent       atomic.Int64
	InviteExhaustions atomic.Int64
	SessionResets     atomic.Int64
	LivenessProbes    atomic.Int64
	HostChanges       atomic.Int64
	StaleUpdates      atomic.Int64
	RejectedWrites    atomic.Int64
	RateLimitDrops    atomic.Int64
	Handshakes        atomic.Int64
	HandshakeFailures atomic.Int64

	// Message counters by type
	msgCountersMu sync.RWMutex
	msgReceived   map[string]int64
	msgSent       map[string]int64

	// Bytes transferred
	BytesReceived atomic.Int64
	BytesSent     atomic.Int64

	// Error tracking (ring buffer)
	errorsMu   sync.RWMutex
	errors     []ErrorEntry
	errorIndex int

	// Latency tracking (ring buffer for last N samples)
	latencyMu           sync.RWMutex
	handshakeLatency    []time.Duration
	connectLatency      []time.Duration
	latencyIndex        int
	connectLatencyIndex int
}

// ErrorEntry records an error event
type ErrorEntry struct {
	Time    time.Time `json:"time"`
	Type    string    `json:"type"`
	Message string    `json:"message"`
	Peer    string    `json:"peer,omitempty"`
}

// Snapshot is a point-in-time view of all metrics
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
	UptimeSec float64   `json:"uptime_sec"`

	System         SystemMetrics  `json:"system"`
	Counters       CounterMetrics `json:"counters"`
	MessagesByType MessageMetrics `json:"messages_by_type"`
	Gauges         GaugeMetrics   `json:"gauges"`
	Latencies      LatencyMetrics `json:"latencies"`
	RecentErrors   []ErrorEntry   `json:"recent_errors"`
}

// SystemMetrics contains runtime/system information
type SystemMetrics struct {
	GoVersion    string `json:"go_version"`
	NumCPU       int    `json:"num_cpu"`
	NumGoroutine int    `json:"num_goroutine"`

	MemAllocMB     float64 `json:"mem_alloc_mb"`
	MemSysMB       float64 `json:"mem_sys_mb"`
	MemHeapObjects uint64  `json:"mem_heap_objects"`
	NumGC          uint32  `json:"num_gc"`
}

// CounterMetrics contains cumulative counters
type CounterMetrics struct {
	MessagesReceived  int64 `json:"messages_received"`
	MessagesSent      int64 `json:"messages_sent"`
	BytesReceived     int64 `json:"bytes_received"`
	BytesSent         int64 `json:"bytes_sent"`
	SendFailures      int64 `json:"send_failures"`
	InvitesSent       int64 `json:"invites_sent"`
	InviteExhaustions int64 `json:"invite_exhaustions"`
	SessionResets     int64 `json:"session_resets"`
	LivenessProbes    int64 `json:"liveness_probes"`
	HostChanges       int64 `json:"host_changes"`
	StaleUpdates      int64 `json:"stale_updates"`
	RejectedWrites    int64 `json:"rejected_writes"`
	RateLimitDrops    int64 `json:"rate_limit_drops"`
	Handshakes        int64 `json:"handshakes"`
	HandshakeFailures int64 `json:"handshake_failures"`
}

// MessageMetrics breaks down messages by event name
type MessageMetrics struct {
	Received map[string]int64 `json:"received"`
	Sent     map[string]int64 `json:"sent"`
}

// GaugeMetrics contains current state values
type GaugeMetrics struct {
	ConnectedPeers  int    `json:"connected_peers"`
	DiscoveredPeers int    `json:"discovered_peers"`
	Host            string `json:"host,omitempty"`
	IsHost          bool   `json:"is_host"`
	Values          int    `json:"values"`
}

// LatencyMetrics contains latency statistics
type LatencyMetrics struct {
	HandshakeAvgMs float64 `json:"handshake_avg_ms"`
	HandshakeP95Ms float64 `json:"handshake_p95_ms"`
	HandshakeMaxMs float64 `json:"handshake_max_ms"`
	ConnectAvgMs   float64 `json:"connect_avg_ms"`
	ConnectP95Ms   float64 `json:"connect_p95_ms"`
	ConnectMaxMs   float64 `json:"connect_max_ms"`
}

const (
	maxErrorEntries   = 100
	maxLatencySamples = 100
)

// New creates a new metrics collector
func New() *Metrics {
	return &Metrics{
		startTime:        time.Now(),
		msgReceived:      make(map[string]int64),
		msgSent:          make(map[string]int64),
		errors:           make([]ErrorEntry, maxErrorEntries),
		handshakeLatency: make([]time.Duration, maxLatencySamples),
		connectLatency:   make([]time.Duration, maxLatencySamples),
	}
}

// RecordMessageReceived records a received message
func (m *Metrics) RecordMessageReceived(msgType string, size int) {
	if m == nil {
		return
	}
	m.MessagesReceived.Add(1)
	m.BytesReceived.Add(int64(size))

	m.msgCountersMu.Lock()
	m.msgReceived[msgType]++
	m.msgCountersMu.Unlock()
}

// RecordMessageSent records a sent message
func (m *Metrics) RecordMessageSent(msgType string, size int) {
	if m == nil {
		return
	}
	m.MessagesSent.Add(1)
	m.BytesSent.Add(int64(size))

	m.msgCountersMu.Lock()
	m.msgSent[msgType]++
	m.msgCountersMu.Unlock()
}

// RecordError records an error event
func (m *Metrics) RecordError(errType, message, peer string) {
	if m == nil {
		return
	}
	entry := ErrorEntry{
		Time:    time.Now(),
		Type:    errType,
		Message: message,
		Peer:    peer,
	}

	m.errorsMu.Lock()
	m.errors[m.errorIndex] = entry
	m.errorIndex = (m.errorIndex + 1) % maxErrorEntries
	m.errorsMu.Unlock()
}

// RecordSendFailure counts a failed send and records the error
func (m *Metrics) RecordSendFailure(peer string, err error) {
	if m == nil {
		return
	}
	m.SendFailures.Add(1)
	m.RecordError("send", err.Error(), peer)
}

// RecordInvite counts an invitation sent
func (m *Metrics) RecordInvite() {
	if m != nil {
		m.InvitesSent.Add(1)
	}
}

// RecordInviteExhausted counts a peer that hit the invite cap
func (m *Metrics) RecordInviteExhausted() {
	if m != nil {
		m.InviteExhaustions.Add(1)
	}
}

// RecordSessionReset counts a session rebuild
func (m *Metrics) RecordSessionReset() {
	if m != nil {
		m.SessionResets.Add(1)
	}
}

// RecordLivenessProbe counts a ping sent to a possibly stale peer
func (m *Metrics) RecordLivenessProbe() {
	if m != nil {
		m.LivenessProbes.Add(1)
	}
}

// RecordHostChange counts a change of the elected host
func (m *Metrics) RecordHostChange() {
	if m != nil {
		m.HostChanges.Add(1)
	}
}

// RecordStaleUpdate counts a replicated value update dropped by timestamp
func (m *Metrics) RecordStaleUpdate() {
	if m != nil {
		m.StaleUpdates.Add(1)
	}
}

// RecordRejectedWrite counts a write refused by a host-only policy
func (m *Metrics) RecordRejectedWrite() {
	if m != nil {
		m.RejectedWrites.Add(1)
	}
}

// RecordRateLimitDrop counts an inbound message dropped by the rate limiter
func (m *Metrics) RecordRateLimitDrop() {
	if m != nil {
		m.RateLimitDrops.Add(1)
	}
}

// RecordHandshake records a completed or failed secure handshake
func (m *Metrics) RecordHandshake(d time.Duration, err error, peer string) {
	if m == nil {
		return
	}
	if err != nil {
		m.HandshakeFailures.Add(1)
		m.RecordError("handshake", err.Error(), peer)
		return
	}
	m.Handshakes.Add(1)
	m.latencyMu.Lock()
	m.handshakeLatency[m.latencyIndex] = d
	m.latencyIndex = (m.latencyIndex + 1) % maxLatencySamples
	m.latencyMu.Unlock()
}

// RecordConnectLatency records the time from first invite to connected
func (m *Metrics) RecordConnectLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.latencyMu.Lock()
	m.connectLatency[m.connectLatencyIndex] = d
	m.connectLatencyIndex = (m.connectLatencyIndex + 1) % maxLatencySamples
	m.latencyMu.Unlock()
}

// Snapshot returns a point-in-time view of all metrics
func (m *Metrics) Snapshot(gaugeProvider func() GaugeMetrics) *Snapshot {
	if m == nil {
		return &Snapshot{Timestamp: time.Now()}
	}

	now := time.Now()
	uptime := now.Sub(m.startTime)

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.msgCountersMu.RLock()
	received := make(map[string]int64, len(m.msgReceived))
	for k, v := range m.msgReceived {
		received[k] = v
	}
	sent := make(map[string]int64, len(m.msgSent))
	for k, v := range m.msgSent {
		sent[k] = v
	}
	m.msgCountersMu.RUnlock()

	// Most recent first
	m.errorsMu.RLock()
	recentErrors := make([]ErrorEntry, 0, maxErrorEntries)
	for i := 0; i < maxErrorEntries; i++ {
		idx := (m.errorIndex - 1 - i + maxErrorEntries) % maxErrorEntries
		if !m.errors[idx].Time.IsZero() {
			recentErrors = append(recentErrors, m.errors[idx])
		}
	}
	m.errorsMu.RUnlock()

	var gauges GaugeMetrics
	if gaugeProvider != nil {
		gauges = gaugeProvider()
	}

	return &Snapshot{
		Timestamp: now,
		Uptime:    uptime.Round(time.Second).String(),
		UptimeSec: uptime.Seconds(),
		System: SystemMetrics{
			GoVersion:      runtime.Version(),
			NumCPU:         runtime.NumCPU(),
			NumGoroutine:   runtime.NumGoroutine(),
			MemAllocMB:     float64(memStats.Alloc) / 1024 / 1024,
			MemSysMB:       float64(memStats.Sys) / 1024 / 1024,
			MemHeapObjects: memStats.HeapObjects,
			NumGC:          memStats.NumGC,
		},
		Counters: CounterMetrics{
			MessagesReceived:  m.MessagesReceived.Load(),
			MessagesSent:      m.MessagesSent.Load(),
			BytesReceived:     m.BytesReceived.Load(),
			BytesSent:         m.BytesSent.Load(),
			SendFailures:      m.SendFailures.Load(),
			InvitesSent:       m.InvitesSent.Load(),
			InviteExhaustions: m.InviteExhaustions.Load(),
			SessionResets:     m.SessionResets.Load(),
			LivenessProbes:    m.LivenessProbes.Load(),
			HostChanges:       m.HostChanges.Load(),
			StaleUpdates:      m.StaleUpdates.Load(),
			RejectedWrites:    m.RejectedWrites.Load(),
			RateLimitDrops:    m.RateLimitDrops.Load(),
			Handshakes:        m.Handshakes.Load(),
			HandshakeFailures: m.HandshakeFailures.Load(),
		},
		MessagesByType: MessageMetrics{
			Received: received,
			Sent:     sent,
		},
		Gauges:       gauges,
		Latencies:    m.calculateLatencyStats(),
		RecentErrors: recentErrors,
	}
}

func (m *Metrics) calculateLatencyStats() LatencyMetrics {
	m.latencyMu.RLock()
	defer m.latencyMu.RUnlock()

	hs := computeLatencyStats(m.handshakeLatency)
	cs := computeLatencyStats(m.connectLatency)

	return LatencyMetrics{
		HandshakeAvgMs: hs.avg,
		HandshakeP95Ms: hs.p95,
		HandshakeMaxMs: hs.max,
		ConnectAvgMs:   cs.avg,
		ConnectP95Ms:   cs.p95,
		ConnectMaxMs:   cs.max,
	}
}

type latencyStats struct {
	avg, p95, max float64
}

func computeLatencyStats(samples []time.Duration) latencyStats {
	var valid []time.Duration
	for _, d := range samples {
		if d > 0 {
			valid = append(valid, d)
		}
	}

	if len(valid) == 0 {
		return latencyStats{}
	}

	var total time.Duration
	maxVal := time.Duration(0)
	for _, d := range valid {
		total += d
		if d > maxVal {
			maxVal = d
		}
	}
	avg := total / time.Duration(len(valid))

	// Insertion sort, the ring holds at most maxLatencySamples
	sorted := make([]time.Duration, len(valid))
	copy(sorted, valid)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j] < sorted[j-1]; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}

	p95Index := int(float64(len(sorted)) * 0.95)
	if p95Index >= len(sorted) {
		p95Index = len(sorted) - 1
	}

	return latencyStats{
		avg: float64(avg.Microseconds()) / 1000,
		p95: float64(sorted[p95Index].Microseconds()) / 1000,
		max: float64(maxVal.Microseconds()) / 1000,
	}
}
