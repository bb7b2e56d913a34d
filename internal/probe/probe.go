package probe

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	dom "dnspick/internal/domain"
)

// Options tune one probe batch.
type Options struct {
	PingCount   int
	PingTimeout time.Duration
	PacketSize  int
	Workers     int // configured max concurrent IPs; capped by load and HardCeiling
}

// Engine runs ping and throughput sub-probes over a candidate set with a
// bounded, load-adaptive worker pool.
type Engine struct {
	Logger     *zap.Logger
	Pinger     Pinger
	Throughput ThroughputProber
	Opts       Options

	load *loadObserver
}

func NewEngine(logger *zap.Logger, pinger Pinger, tp ThroughputProber, opts Options) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PingCount <= 0 {
		opts.PingCount = 7
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 1500 * time.Millisecond
	}
	if opts.PacketSize <= 0 {
		opts.PacketSize = 64
	}
	if opts.Workers <= 0 {
		opts.Workers = 50
	}
	return &Engine{
		Logger:     logger,
		Pinger:     pinger,
		Throughput: tp,
		Opts:       opts,
		load:       newLoadObserver(),
	}
}

// Probe measures every candidate and returns its ordered samples keyed by
// address. Per-sample failures stay in the result; an address only ends up
// with all-failed samples when nothing about it worked. Cancellation stops
// scheduling new addresses and returns whatever finished.
func (e *Engine) Probe(ctx context.Context, candidates []dom.IPCandidate) map[string][]dom.ProbeSample {
	out := make(map[string][]dom.ProbeSample, len(candidates))
	if len(candidates) == 0 {
		return out
	}

	// batch-scoped context so the limiter watcher exits with the batch
	// instead of living as long as the caller's context
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lim := newDynLimiter(func() int {
		return DesiredConcurrency(e.load.observe(), e.Opts.Workers)
	})
	go lim.watch(ctx)

	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, c := range candidates {
		if err := lim.acquire(ctx); err != nil {
			break
		}
		c := c
		wg.Add(1)
		go func() {
			defer lim.release()
			defer wg.Done()

			samples := e.probeOne(ctx, c.Address)
			mu.Lock()
			out[c.Address] = samples
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}

// probeOne pings first, then runs throughput. Running ping before the bulk
// transfer keeps its scheduling clear of the transfer's I/O pressure, and an
// address that drops every echo is not worth a transfer test.
func (e *Engine) probeOne(ctx context.Context, addr string) []dom.ProbeSample {
	samples := e.Pinger.Ping(ctx, addr, e.Opts.PingCount, e.Opts.PingTimeout, e.Opts.PacketSize)

	lost := 0
	for _, s := range samples {
		if s.Lost {
			lost++
		}
	}
	e.Logger.Debug("ping_done",
		zap.String("addr", addr),
		zap.Int("sent", len(samples)),
		zap.Int("lost", lost),
	)

	if e.Throughput != nil && lost < len(samples) {
		samples = append(samples, e.Throughput.Measure(ctx, addr)...)
	}
	return samples
}

// dynLimiter is a semaphore whose capacity is re-read on every acquire, so
// the pool shrinks and grows with system load.
type dynLimiter struct {
	mu       sync.Mutex
	cond     *sync.Cond
	inflight int
	desired  func() int
}

func newDynLimiter(desired func() int) *dynLimiter {
	l := &dynLimiter{desired: desired}
	l.cond = sync.NewCond(&l.mu)
	return l
}

func (l *dynLimiter) acquire(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if l.inflight < l.desired() {
			l.inflight++
			return nil
		}
		l.cond.Wait()
	}
}

func (l *dynLimiter) release() {
	l.mu.Lock()
	l.inflight--
	l.mu.Unlock()
	l.cond.Broadcast()
}

// watch wakes waiters when the context dies so acquire can observe it.
func (l *dynLimiter) watch(ctx context.Context) {
	<-ctx.Done()
	l.cond.Broadcast()
}
