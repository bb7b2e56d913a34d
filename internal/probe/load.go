package probe

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// HardCeiling bounds worker-pool size regardless of configuration or the
// load policy's output.
const HardCeiling = 128

// DesiredConcurrency scales the configured maximum down under load.
// load is the 1-minute load average normalized by CPU count, so 1.0 means
// every core is busy. The result is always at least 1 and never exceeds
// HardCeiling.
func DesiredConcurrency(load float64, configuredMax int) int {
	if load < 0 {
		load = 0
	}
	if load > 1 {
		load = 1
	}
	n := int(float64(configuredMax) * (1 - load*0.5))
	if n < 1 {
		n = 1
	}
	if n > HardCeiling {
		n = HardCeiling
	}
	return n
}

// loadObserver reads the system load average with a short cache so that
// frequent concurrency decisions don't hammer procfs.
type loadObserver struct {
	mu      sync.Mutex
	cached  float64
	fetched time.Time
	ttl     time.Duration
	read    func() (float64, bool)
}

func newLoadObserver() *loadObserver {
	return &loadObserver{ttl: 5 * time.Second, read: readLoadAvg}
}

func (o *loadObserver) observe() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if time.Since(o.fetched) < o.ttl {
		return o.cached
	}
	load, ok := o.read()
	if !ok {
		load = 0.5 // unknown; assume a half-busy machine
	}
	o.cached = load
	o.fetched = time.Now()
	return o.cached
}

func readLoadAvg() (float64, bool) {
	b, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0, false
	}
	fields := strings.Fields(string(b))
	if len(fields) == 0 {
		return 0, false
	}
	one, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, false
	}
	cpus := runtime.NumCPU()
	if cpus < 1 {
		cpus = 1
	}
	return one / float64(cpus), true
}
