package health

import (
	"strings"
	"sync"
	"time"
)

// CircuitState is the per-server breaker state.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ServerRecord is a read-only snapshot of one server's health state.
type ServerRecord struct {
	Address        string        `json:"address"`
	IPv6           bool          `json:"ipv6"`
	State          CircuitState  `json:"-"`
	StateName      string        `json:"state"`
	Failures       int           `json:"consecutive_failures"`
	Samples        int           `json:"samples"`
	RollingMean    time.Duration `json:"rolling_mean"`
	LastTransition time.Time     `json:"last_transition"`
}

// Options tune the breaker and the latency window.
type Options struct {
	FailureThreshold int           // consecutive failures before OPEN
	Cooldown         time.Duration // initial OPEN duration
	CooldownFactor   float64       // backoff multiplier on repeated trips
	MaxCooldown      time.Duration
	HistorySize      int // latency window capacity
}

func (o *Options) withDefaults() {
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 5
	}
	if o.Cooldown <= 0 {
		o.Cooldown = 30 * time.Second
	}
	if o.CooldownFactor < 1 {
		o.CooldownFactor = 2
	}
	if o.MaxCooldown <= 0 {
		o.MaxCooldown = 5 * time.Minute
	}
	if o.HistorySize <= 0 {
		o.HistorySize = 20
	}
}

type record struct {
	addr         string
	ipv6         bool
	history      []time.Duration // ring buffer
	next, filled int
	failures     int
	state        CircuitState
	transitionAt time.Time
	cooldown     time.Duration
	trialTaken   bool // one HALF_OPEN probe already handed out
}

func (r *record) observe(rtt time.Duration) {
	r.history[r.next] = rtt
	r.next = (r.next + 1) % len(r.history)
	if r.filled < len(r.history) {
		r.filled++
	}
}

func (r *record) rollingMean() (time.Duration, bool) {
	if r.filled == 0 {
		return 0, false
	}
	var sum time.Duration
	for i := 0; i < r.filled; i++ {
		sum += r.history[i]
	}
	return sum / time.Duration(r.filled), true
}

// Registry tracks health state for a pool of DNS servers. It is the single
// structure mutated concurrently by resolution workers; every operation takes
// the registry lock so per-server updates are atomic and snapshots never see
// a partially updated record.
type Registry struct {
	mu      sync.Mutex
	order   []string
	records map[string]*record
	opts    Options
	tiers   TierTable
	now     func() time.Time
}

// NewRegistry registers the given servers. Records live for the whole run.
func NewRegistry(servers []string, opts Options, tiers TierTable) *Registry {
	opts.withDefaults()
	tiers.withDefaults()
	r := &Registry{
		records: make(map[string]*record, len(servers)),
		opts:    opts,
		tiers:   tiers,
		now:     time.Now,
	}
	for _, s := range servers {
		r.register(s)
	}
	return r
}

// WithClock replaces the time source; tests drive the breaker with it.
func (g *Registry) WithClock(now func() time.Time) *Registry {
	g.now = now
	return g
}

func (g *Registry) register(addr string) *record {
	if rec, ok := g.records[addr]; ok {
		return rec
	}
	rec := &record{
		addr:     addr,
		ipv6:     strings.Contains(addr, ":"),
		history:  make([]time.Duration, g.opts.HistorySize),
		state:    CircuitClosed,
		cooldown: g.opts.Cooldown,
	}
	g.records[addr] = rec
	g.order = append(g.order, addr)
	return rec
}

// Report records one query outcome. A success at any state resets the
// consecutive-failure counter and closes a HALF_OPEN circuit; a failure
// increments it, trips the breaker at the threshold and re-opens a HALF_OPEN
// circuit with an exponentially longer cooldown.
func (g *Registry) Report(server string, ok bool, rtt time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec := g.register(server)
	now := g.now()

	if ok {
		rec.failures = 0
		rec.observe(rtt)
		if rec.state != CircuitClosed {
			rec.state = CircuitClosed
			rec.transitionAt = now
			rec.cooldown = g.opts.Cooldown
		}
		rec.trialTaken = false
		return
	}

	rec.failures++
	switch rec.state {
	case CircuitClosed:
		if rec.failures >= g.opts.FailureThreshold {
			rec.state = CircuitOpen
			rec.transitionAt = now
		}
	case CircuitHalfOpen:
		rec.state = CircuitOpen
		rec.transitionAt = now
		rec.trialTaken = false
		next := time.Duration(float64(rec.cooldown) * g.opts.CooldownFactor)
		if next > g.opts.MaxCooldown {
			next = g.opts.MaxCooldown
		}
		rec.cooldown = next
	}
}

// Available reports whether a query may be issued to the server right now.
// An OPEN circuit whose cooldown has elapsed moves to HALF_OPEN and hands out
// exactly one trial; further callers are refused until that trial reports.
func (g *Registry) Available(server string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec := g.register(server)
	switch rec.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if g.now().Sub(rec.transitionAt) >= rec.cooldown {
			rec.state = CircuitHalfOpen
			rec.transitionAt = g.now()
			rec.trialTaken = true
			return true
		}
		return false
	case CircuitHalfOpen:
		if !rec.trialTaken {
			rec.trialTaken = true
			return true
		}
		return false
	}
	return false
}

// Eligible returns, in registration order, the servers a query could be sent
// to right now. Unlike Available it never consumes a HALF_OPEN trial, so it
// is safe to call when planning fan-out; the worker still gates each query
// through Available.
func (g *Registry) Eligible() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	out := make([]string, 0, len(g.order))
	for _, addr := range g.order {
		rec := g.records[addr]
		switch rec.state {
		case CircuitClosed:
			out = append(out, addr)
		case CircuitOpen:
			if now.Sub(rec.transitionAt) >= rec.cooldown {
				out = append(out, addr)
			}
		case CircuitHalfOpen:
			if !rec.trialTaken {
				out = append(out, addr)
			}
		}
	}
	return out
}

// TimeoutHint derives the query budget for a server from its rolling mean
// latency via the tier table. A server without history gets the normal tier.
func (g *Registry) TimeoutHint(server string) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec := g.register(server)
	mean, ok := rec.rollingMean()
	if !ok {
		return g.tiers.Normal.Budget
	}
	return g.tiers.TimeoutFor(mean)
}

// Snapshot returns consistent copies of every record in registration order.
func (g *Registry) Snapshot() []ServerRecord {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]ServerRecord, 0, len(g.order))
	for _, addr := range g.order {
		rec := g.records[addr]
		mean, _ := rec.rollingMean()
		out = append(out, ServerRecord{
			Address:        rec.addr,
			IPv6:           rec.ipv6,
			State:          rec.state,
			StateName:      rec.state.String(),
			Failures:       rec.failures,
			Samples:        rec.filled,
			RollingMean:    mean,
			LastTransition: rec.transitionAt,
		})
	}
	return out
}
