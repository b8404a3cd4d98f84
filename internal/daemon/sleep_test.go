package daemon

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestSleepWatcherDetectsGap(t *testing.T) {
	clk := clock.NewMock()
	wakes := 0
	w := NewSleepWatcher(clk, WakeThreshold, func() { wakes++ })
	w.Start()
	defer w.Stop()

	now := clk.Now()
	if w.observe(now.Add(time.Second)) {
		t.Error("1s tick reported as wake")
	}
	if !w.observe(now.Add(time.Minute)) {
		t.Error("59s gap not reported as wake")
	}
	if w.observe(now.Add(time.Minute + time.Second)) {
		t.Error("tick after wake reported as wake")
	}
	if wakes != 1 {
		t.Errorf("onWake called %d times, want 1", wakes)
	}
}

func TestSleepWatcherStopIsIdempotent(t *testing.T) {
	w := NewSleepWatcher(clock.NewMock(), WakeThreshold, nil)
	w.Start()
	w.Stop()
	w.Stop()
}
