package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	dom "dnspick/internal/domain"
	"dnspick/internal/health"
)

// ErrResolutionFailed is returned only when no domain in the batch produced
// a single address. Partial failure is annotated, not fatal.
var ErrResolutionFailed = errors.New("resolution failed for every domain")

// Stats are engine-lifetime query counters.
type Stats struct {
	Total     uint64 `json:"total_queries"`
	Succeeded uint64 `json:"successful_queries"`
	Failed    uint64 `json:"failed_queries"`
	Skipped   uint64 `json:"skipped_queries"` // breaker OPEN, no attempt made
}

// Result is the outcome of one resolution batch.
type Result struct {
	Candidates []dom.IPCandidate
	Failures   []dom.DomainFailure
	// Suspect lists domains where one server's answers were disjoint from
	// every other server's, which usually means a tampered or broken resolver.
	Suspect []string
}

// Engine resolves domains against the server pool, consulting the health
// registry for availability and per-server timeouts.
type Engine struct {
	Logger     *zap.Logger
	Health     *health.Registry
	Exchange   Exchanger
	FanOut     int // servers queried per domain
	Workers    int // global concurrent query bound
	MaxRetries int // extra servers tried per (domain, record-type) query
	RetryBase  time.Duration
	RetryMax   time.Duration
	EnableIPv6 bool

	total, succeeded, failed, skipped atomic.Uint64
}

func New(logger *zap.Logger, reg *health.Registry, ex Exchanger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ex == nil {
		ex = UDPExchanger{}
	}
	return &Engine{
		Logger:     logger,
		Health:     reg,
		Exchange:   ex,
		FanOut:     5,
		Workers:    50,
		MaxRetries: 2,
		RetryBase:  200 * time.Millisecond,
		RetryMax:   2 * time.Second,
	}
}

func (e *Engine) Stats() Stats {
	return Stats{
		Total:     e.total.Load(),
		Succeeded: e.succeeded.Load(),
		Failed:    e.failed.Load(),
		Skipped:   e.skipped.Load(),
	}
}

type answer struct {
	domain string
	server string
	ips    []string
	rtt    time.Duration
}

// Resolve runs the batch. Candidates are merged by address across all
// domains; cancellation stops new queries but keeps what already arrived.
func (e *Engine) Resolve(ctx context.Context, domains []string) (*Result, error) {
	rtypes := []dom.RecordType{dom.RecordA}
	if e.EnableIPv6 {
		rtypes = append(rtypes, dom.RecordAAAA)
	}

	answers := make(chan answer, 64)
	done := make(chan struct{})

	byAddr := make(map[string]*dom.IPCandidate)
	resolved := make(map[string]bool, len(domains))
	// per domain, per server: which addresses it returned (for disagreement)
	perServer := make(map[string]map[string][]string)

	// Single aggregator owns the merge maps; workers never touch them.
	go func() {
		defer close(done)
		for a := range answers {
			resolved[a.domain] = true
			sets := perServer[a.domain]
			if sets == nil {
				sets = make(map[string][]string)
				perServer[a.domain] = sets
			}
			sets[a.server] = append(sets[a.server], a.ips...)
			for _, ip := range a.ips {
				c := byAddr[ip]
				if c == nil {
					c = &dom.IPCandidate{Address: ip, FirstRTT: a.rtt}
					byAddr[ip] = c
				}
				c.Merge(a.domain, a.server)
			}
		}
	}()

	sem := make(chan struct{}, e.Workers)
	var wg sync.WaitGroup

	for _, d := range domains {
		targets := e.Health.Eligible()
		if len(targets) > e.FanOut {
			targets = targets[:e.FanOut]
		}
		for _, server := range targets {
			for _, rt := range rtypes {
				if ctx.Err() != nil {
					break
				}
				d, server, rt := d, server, rt
				sem <- struct{}{}
				wg.Add(1)
				go func() {
					defer func() { <-sem }()
					defer wg.Done()
					e.queryWithRetry(ctx, d, server, rt, answers)
				}()
			}
		}
	}

	wg.Wait()
	close(answers)
	<-done

	res := &Result{}
	for ip := range byAddr {
		res.Candidates = append(res.Candidates, *byAddr[ip])
	}
	sort.Slice(res.Candidates, func(i, j int) bool {
		return res.Candidates[i].Address < res.Candidates[j].Address
	})

	var errs error
	for _, d := range domains {
		if resolved[d] && len(perServer[d]) > 0 && hasAnyAddress(perServer[d]) {
			if disagrees(perServer[d]) {
				res.Suspect = append(res.Suspect, d)
			}
			continue
		}
		reason := "no server returned an address"
		res.Failures = append(res.Failures, dom.DomainFailure{Domain: d, Reason: reason})
		errs = multierr.Append(errs, fmt.Errorf("%s: %s", d, reason))
	}
	sort.Strings(res.Suspect)

	if len(res.Candidates) == 0 && len(domains) > 0 {
		return res, fmt.Errorf("%w: %v", ErrResolutionFailed, errs)
	}
	return res, nil
}

// queryWithRetry attempts one (domain, record-type) query on its primary
// server, then backs off exponentially onto different available servers.
// Breaker-open servers are skipped without a report and without burning a
// retry, since no network attempt was made.
func (e *Engine) queryWithRetry(ctx context.Context, name, primary string, rt dom.RecordType, out chan<- answer) {
	tried := map[string]bool{}
	server := primary
	attempts := 0

	for {
		if ctx.Err() != nil {
			return
		}
		tried[server] = true

		if !e.Health.Available(server) {
			e.skipped.Add(1)
			e.Logger.Debug("query_skipped_unavailable",
				zap.String("domain", name), zap.String("server", server))
		} else {
			timeout := e.Health.TimeoutHint(server)
			e.total.Add(1)
			ips, rtt, err := e.Exchange.Exchange(ctx, server, name, rt, timeout)
			if err == nil {
				e.succeeded.Add(1)
				e.Health.Report(server, true, rtt)
				out <- answer{domain: name, server: server, ips: ips, rtt: rtt}
				return
			}
			e.failed.Add(1)
			e.Health.Report(server, false, 0)
			e.Logger.Debug("query_failed",
				zap.String("domain", name),
				zap.String("server", server),
				zap.String("type", string(rt)),
				zap.Error(err),
			)
			attempts++
			if attempts > e.MaxRetries {
				return
			}
			if !e.sleep(ctx, e.backoff(attempts-1)) {
				return
			}
		}

		server = e.nextServer(tried)
		if server == "" {
			return
		}
	}
}

// nextServer picks an eligible server not yet tried by this query.
func (e *Engine) nextServer(tried map[string]bool) string {
	for _, s := range e.Health.Eligible() {
		if !tried[s] {
			return s
		}
	}
	return ""
}

func (e *Engine) backoff(attempt int) time.Duration {
	d := e.RetryBase << attempt
	if d > e.RetryMax {
		d = e.RetryMax
	}
	return d
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func hasAnyAddress(sets map[string][]string) bool {
	for _, ips := range sets {
		if len(ips) > 0 {
			return true
		}
	}
	return false
}

// disagrees reports whether some server's answer set shares no address with
// any other server's answers for the same domain.
func disagrees(sets map[string][]string) bool {
	answered := make([]map[string]bool, 0, len(sets))
	for _, ips := range sets {
		if len(ips) == 0 {
			continue
		}
		m := make(map[string]bool, len(ips))
		for _, ip := range ips {
			m[ip] = true
		}
		answered = append(answered, m)
	}
	if len(answered) < 2 {
		return false
	}
	for i, set := range answered {
		overlap := false
		for j, other := range answered {
			if i == j {
				continue
			}
			for ip := range set {
				if other[ip] {
					overlap = true
					break
				}
			}
			if overlap {
				break
			}
		}
		if !overlap {
			return true
		}
	}
	return false
}
