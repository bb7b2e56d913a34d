package health

import (
	"sync"
	"testing"
	"time"
)

// fakeClock drives the registry without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(clk *fakeClock) *Registry {
	return NewRegistry([]string{"8.8.8.8"}, Options{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		CooldownFactor:   2,
		MaxCooldown:      2 * time.Minute,
	}, DefaultTiers()).WithClock(clk.now)
}

func TestBreaker_OpensAfterThresholdFailures(t *testing.T) {
	clk := newFakeClock()
	g := newTestRegistry(clk)

	for i := 0; i < 4; i++ {
		g.Report("8.8.8.8", false, 0)
		if !g.Available("8.8.8.8") {
			t.Fatalf("server unavailable after only %d failures", i+1)
		}
	}
	g.Report("8.8.8.8", false, 0) // 5th
	if g.Available("8.8.8.8") {
		t.Fatalf("server still available after threshold failures")
	}
}

func TestBreaker_HalfOpenSingleTrialThenClose(t *testing.T) {
	clk := newFakeClock()
	g := newTestRegistry(clk)

	for i := 0; i < 5; i++ {
		g.Report("8.8.8.8", false, 0)
	}
	clk.advance(31 * time.Second)

	if !g.Available("8.8.8.8") {
		t.Fatalf("expected one HALF_OPEN trial after cooldown")
	}
	if g.Available("8.8.8.8") {
		t.Fatalf("second trial permitted while first is in flight")
	}

	g.Report("8.8.8.8", true, 20*time.Millisecond)
	if !g.Available("8.8.8.8") {
		t.Fatalf("circuit should be CLOSED after trial success")
	}
	snap := g.Snapshot()
	if snap[0].State != CircuitClosed || snap[0].Failures != 0 {
		t.Fatalf("expected closed with reset counter, got %+v", snap[0])
	}
}

func TestBreaker_TrialFailureBacksOffExponentially(t *testing.T) {
	clk := newFakeClock()
	g := newTestRegistry(clk)

	for i := 0; i < 5; i++ {
		g.Report("8.8.8.8", false, 0)
	}
	clk.advance(31 * time.Second)
	if !g.Available("8.8.8.8") {
		t.Fatalf("expected trial")
	}
	g.Report("8.8.8.8", false, 0) // trial fails, cooldown doubles to 60s

	clk.advance(31 * time.Second)
	if g.Available("8.8.8.8") {
		t.Fatalf("cooldown should have doubled; 31s is too early")
	}
	clk.advance(30 * time.Second)
	if !g.Available("8.8.8.8") {
		t.Fatalf("expected trial after doubled cooldown")
	}
}

func TestRegistry_SuccessResetsFailureCounter(t *testing.T) {
	clk := newFakeClock()
	g := newTestRegistry(clk)

	for i := 0; i < 4; i++ {
		g.Report("8.8.8.8", false, 0)
	}
	g.Report("8.8.8.8", true, 15*time.Millisecond)
	for i := 0; i < 4; i++ {
		g.Report("8.8.8.8", false, 0)
	}
	if !g.Available("8.8.8.8") {
		t.Fatalf("counter was not reset by the success")
	}
}

func TestRegistry_LatencyWindowEvictsOldest(t *testing.T) {
	clk := newFakeClock()
	g := NewRegistry([]string{"1.1.1.1"}, Options{HistorySize: 3}, DefaultTiers()).
		WithClock(clk.now)

	// fill the window with slow samples, then push them out with fast ones
	for i := 0; i < 3; i++ {
		g.Report("1.1.1.1", true, 2*time.Second)
	}
	for i := 0; i < 3; i++ {
		g.Report("1.1.1.1", true, 10*time.Millisecond)
	}
	snap := g.Snapshot()
	if snap[0].Samples != 3 {
		t.Fatalf("window size wrong: %+v", snap[0])
	}
	if snap[0].RollingMean != 10*time.Millisecond {
		t.Fatalf("old samples not evicted, mean=%v", snap[0].RollingMean)
	}
}

func TestRegistry_TimeoutHint(t *testing.T) {
	clk := newFakeClock()
	g := newTestRegistry(clk)

	// no history -> normal tier
	if got := g.TimeoutHint("8.8.8.8"); got != 2*time.Second {
		t.Fatalf("default hint wrong: %v", got)
	}

	g.Report("8.8.8.8", true, 50*time.Millisecond)
	if got := g.TimeoutHint("8.8.8.8"); got != 800*time.Millisecond {
		t.Fatalf("very_fast hint wrong: %v", got)
	}
}

func TestRegistry_ConcurrentReportersNoLostUpdates(t *testing.T) {
	clk := newFakeClock()
	g := NewRegistry([]string{"9.9.9.9"}, Options{HistorySize: 1000, FailureThreshold: 1 << 30}, DefaultTiers()).
		WithClock(clk.now)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				g.Report("9.9.9.9", true, time.Millisecond)
			}
		}()
	}
	wg.Wait()

	snap := g.Snapshot()
	if snap[0].Samples != 500 {
		t.Fatalf("lost updates: got %d samples", snap[0].Samples)
	}
}
