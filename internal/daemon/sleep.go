package daemon

import (
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// WakeThreshold is the tick gap that counts as a sleep
const WakeThreshold = 5 * time.Second

// SleepWatcher calls onWake when the wall clock jumps between two ticks,
// which happens when the machine resumes from sleep
type SleepWatcher struct {
	clock     clock.Clock
	threshold time.Duration
	onWake    func()

	mu       sync.Mutex
	ticker   *clock.Ticker
	lastTick time.Time
	done     chan struct{}
	stopOnce sync.Once
}

// NewSleepWatcher creates a new sleep watcher
func NewSleepWatcher(clk clock.Clock, threshold time.Duration, onWake func()) *SleepWatcher {
	if clk == nil {
		clk = clock.New()
	}
	return &SleepWatcher{
		clock:     clk,
		threshold: threshold,
		onWake:    onWake,
		done:      make(chan struct{}),
	}
}

// Start begins monitoring for sleep/wake events
func (w *SleepWatcher) Start() {
	w.mu.Lock()
	w.ticker = w.clock.Ticker(time.Second)
	w.lastTick = wallTime(w.clock.Now())
	ticker := w.ticker
	w.mu.Unlock()

	go func() {
		for {
			select {
			case <-w.done:
				return
			case <-ticker.C:
				w.observe(w.clock.Now())
			}
		}
	}()
}

// observe records a tick at now and reports whether it detected a wake
func (w *SleepWatcher) observe(now time.Time) bool {
	now = wallTime(now)

	w.mu.Lock()
	gap := now.Sub(w.lastTick)
	w.lastTick = now
	w.mu.Unlock()

	if gap <= w.threshold {
		return false
	}

	slog.Info("Detected system wake", "gap", gap.Round(time.Second))
	if w.onWake != nil {
		w.onWake()
	}
	return true
}

// Stop stops monitoring
func (w *SleepWatcher) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		if w.ticker != nil {
			w.ticker.Stop()
		}
		w.mu.Unlock()
		close(w.done)
	})
}

// wallTime strips the monotonic reading, which does not advance while the
// machine is suspended on every platform
func wallTime(t time.Time) time.Time {
	return t.Round(0)
}
