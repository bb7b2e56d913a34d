// Package pipeline drives a full resolve, probe and rank pass.
package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	dom "dnspick/internal/domain"
	"dnspick/internal/ranking"
	"dnspick/internal/resolver"
)

// Mode selects how domains move through the pipeline.
type Mode int

const (
	// Comprehensive resolves every domain up front, then probes the merged
	// candidate pool once.
	Comprehensive Mode = iota
	// Sequential handles one domain at a time, probing only addresses it
	// has not already measured. Slower but gives usable partial output when
	// the run is cut short.
	Sequential
)

func (m Mode) String() string {
	if m == Sequential {
		return "sequential"
	}
	return "comprehensive"
}

// Resolver is what the pipeline needs from the resolution engine.
type Resolver interface {
	Resolve(ctx context.Context, domains []string) (*resolver.Result, error)
}

// Prober measures candidate addresses and returns samples keyed by address.
type Prober interface {
	Probe(ctx context.Context, candidates []dom.IPCandidate) map[string][]dom.ProbeSample
}

type Pipeline struct {
	Logger   *zap.Logger
	Resolver Resolver
	Prober   Prober
	Ranking  ranking.Options
	Mode     Mode
}

func New(logger *zap.Logger, res Resolver, prober Prober, opts ranking.Options, mode Mode) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		Logger:   logger,
		Resolver: res,
		Prober:   prober,
		Ranking:  opts,
		Mode:     mode,
	}
}

// Run executes one pass over the domain list and returns the outcome. A
// cancelled context stops further work but still ranks whatever was
// measured, so the caller gets partial results alongside ctx.Err().
func (p *Pipeline) Run(ctx context.Context, domains []string) (*dom.Run, error) {
	started := time.Now().UTC()
	run := &dom.Run{Domains: domains, StartedAt: started}

	var (
		candidates []dom.IPCandidate
		samples    map[string][]dom.ProbeSample
		err        error
	)
	if p.Mode == Sequential {
		candidates, samples, err = p.sequential(ctx, domains, run)
	} else {
		candidates, samples, err = p.comprehensive(ctx, domains, run)
	}

	run.Candidates = candidates
	run.Results = ranking.AggregateAndRank(candidates, samples, p.Ranking)
	run.Elapsed = time.Since(started)

	p.Logger.Info("pipeline_done",
		zap.String("mode", p.Mode.String()),
		zap.Int("domains", len(domains)),
		zap.Int("candidates", len(candidates)),
		zap.Int("ranked", len(run.Results)),
		zap.Int("failures", len(run.Failures)),
		zap.Duration("elapsed", run.Elapsed),
	)
	return run, err
}

func (p *Pipeline) comprehensive(ctx context.Context, domains []string, run *dom.Run) ([]dom.IPCandidate, map[string][]dom.ProbeSample, error) {
	res, err := p.Resolver.Resolve(ctx, domains)
	if err != nil {
		p.Logger.Warn("pipeline_resolve_failed", zap.Error(err))
		return nil, nil, err
	}
	run.Failures = res.Failures
	run.Suspect = res.Suspect

	if ctx.Err() != nil {
		return res.Candidates, nil, ctx.Err()
	}
	samples := p.Prober.Probe(ctx, res.Candidates)
	return res.Candidates, samples, ctx.Err()
}

func (p *Pipeline) sequential(ctx context.Context, domains []string, run *dom.Run) ([]dom.IPCandidate, map[string][]dom.ProbeSample, error) {
	byAddr := make(map[string]*dom.IPCandidate)
	order := make([]string, 0)
	samples := make(map[string][]dom.ProbeSample)

	for _, d := range domains {
		if ctx.Err() != nil {
			break
		}

		res, err := p.Resolver.Resolve(ctx, []string{d})
		if err != nil {
			run.Failures = append(run.Failures, dom.DomainFailure{Domain: d, Reason: err.Error()})
			continue
		}
		run.Failures = append(run.Failures, res.Failures...)
		run.Suspect = append(run.Suspect, res.Suspect...)

		// probe only addresses this pass has not measured yet
		fresh := make([]dom.IPCandidate, 0, len(res.Candidates))
		for _, c := range res.Candidates {
			if prev, ok := byAddr[c.Address]; ok {
				prev.Absorb(c)
				continue
			}
			cc := c
			byAddr[c.Address] = &cc
			order = append(order, c.Address)
			fresh = append(fresh, c)
		}
		if len(fresh) == 0 {
			continue
		}
		for addr, s := range p.Prober.Probe(ctx, fresh) {
			samples[addr] = s
		}
		p.Logger.Debug("pipeline_domain_done",
			zap.String("domain", d),
			zap.Int("new_addresses", len(fresh)),
		)
	}

	candidates := make([]dom.IPCandidate, 0, len(order))
	for _, addr := range order {
		candidates = append(candidates, *byAddr[addr])
	}
	return candidates, samples, ctx.Err()
}
