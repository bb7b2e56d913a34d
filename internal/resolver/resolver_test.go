package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	dom "dnspick/internal/domain"
	"dnspick/internal/health"
)

// fakeExchanger answers from a fixed table; servers without an entry fail.
type fakeExchanger struct {
	mu      sync.Mutex
	answers map[string][]string // "server/domain/type" -> addresses
	calls   map[string]int
}

func newFakeExchanger(answers map[string][]string) *fakeExchanger {
	return &fakeExchanger{answers: answers, calls: make(map[string]int)}
}

func (f *fakeExchanger) Exchange(ctx context.Context, server, name string, rt dom.RecordType, timeout time.Duration) ([]string, time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("%s/%s/%s", server, name, rt)
	f.calls[key]++
	ips, ok := f.answers[key]
	if !ok {
		return nil, 0, errors.New("timeout")
	}
	return ips, 10 * time.Millisecond, nil
}

func (f *fakeExchanger) callCount(server, name string, rt dom.RecordType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[fmt.Sprintf("%s/%s/%s", server, name, rt)]
}

func newTestEngine(servers []string, ex Exchanger) *Engine {
	reg := health.NewRegistry(servers, health.Options{FailureThreshold: 5}, health.DefaultTiers())
	e := New(zap.NewNop(), reg, ex)
	e.RetryBase = time.Millisecond
	e.RetryMax = 2 * time.Millisecond
	return e
}

func TestResolve_DeduplicatesAcrossServers(t *testing.T) {
	ex := newFakeExchanger(map[string][]string{
		"8.8.8.8/example.com/A": {"93.184.216.34"},
		"1.1.1.1/example.com/A": {"93.184.216.34"},
	})
	e := newTestEngine([]string{"8.8.8.8", "1.1.1.1"}, ex)

	res, err := e.Resolve(context.Background(), []string{"example.com"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(res.Candidates) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(res.Candidates))
	}
	c := res.Candidates[0]
	if c.Address != "93.184.216.34" {
		t.Fatalf("wrong address %q", c.Address)
	}
	if len(c.Servers) != 2 {
		t.Fatalf("provenance should list both servers, got %v", c.Servers)
	}
}

func TestResolve_MergesProvenanceAcrossDomains(t *testing.T) {
	ex := newFakeExchanger(map[string][]string{
		"8.8.8.8/a.example/A": {"203.0.113.7"},
		"8.8.8.8/b.example/A": {"203.0.113.7", "203.0.113.9"},
	})
	e := newTestEngine([]string{"8.8.8.8"}, ex)

	res, err := e.Resolve(context.Background(), []string{"a.example", "b.example"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(res.Candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %+v", res.Candidates)
	}
	// candidates are sorted by address
	shared := res.Candidates[0]
	if shared.Address != "203.0.113.7" || len(shared.Domains) != 2 {
		t.Fatalf("shared candidate wrong: %+v", shared)
	}
}

func TestResolve_PartialFailureAnnotatedNotFatal(t *testing.T) {
	ex := newFakeExchanger(map[string][]string{
		"8.8.8.8/good.example/A":  {"198.51.100.1"},
		"8.8.8.8/other.example/A": {"198.51.100.2"},
	})
	e := newTestEngine([]string{"8.8.8.8"}, ex)

	res, err := e.Resolve(context.Background(), []string{"good.example", "other.example", "dead.example"})
	if err != nil {
		t.Fatalf("partial success must not error: %v", err)
	}
	if len(res.Candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(res.Candidates))
	}
	if len(res.Failures) != 1 || res.Failures[0].Domain != "dead.example" {
		t.Fatalf("expected failure annotation for dead.example, got %+v", res.Failures)
	}
}

func TestResolve_AllFailedReturnsResolutionFailure(t *testing.T) {
	ex := newFakeExchanger(nil)
	e := newTestEngine([]string{"8.8.8.8", "1.1.1.1"}, ex)

	_, err := e.Resolve(context.Background(), []string{"dead.example"})
	if !errors.Is(err, ErrResolutionFailed) {
		t.Fatalf("expected ErrResolutionFailed, got %v", err)
	}
}

func TestResolve_RetriesOnDifferentServer(t *testing.T) {
	// primary 8.8.8.8 has no entry (fails); 1.1.1.1 answers
	ex := newFakeExchanger(map[string][]string{
		"1.1.1.1/flaky.example/A": {"192.0.2.10"},
	})
	e := newTestEngine([]string{"8.8.8.8", "1.1.1.1"}, ex)
	e.FanOut = 1 // only the failing primary is fanned out

	res, err := e.Resolve(context.Background(), []string{"flaky.example"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(res.Candidates) != 1 || res.Candidates[0].Address != "192.0.2.10" {
		t.Fatalf("retry on second server did not produce candidate: %+v", res.Candidates)
	}
	if ex.callCount("8.8.8.8", "flaky.example", dom.RecordA) == 0 {
		t.Fatalf("primary server was never attempted")
	}
}

func TestResolve_OpenBreakerSkippedWithoutAttempt(t *testing.T) {
	ex := newFakeExchanger(map[string][]string{
		"1.1.1.1/site.example/A": {"192.0.2.20"},
	})
	reg := health.NewRegistry([]string{"8.8.8.8", "1.1.1.1"}, health.Options{FailureThreshold: 3}, health.DefaultTiers())
	for i := 0; i < 3; i++ {
		reg.Report("8.8.8.8", false, 0)
	}
	e := New(zap.NewNop(), reg, ex)
	e.RetryBase = time.Millisecond

	res, err := e.Resolve(context.Background(), []string{"site.example"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(res.Candidates) != 1 {
		t.Fatalf("expected candidate from healthy server, got %+v", res.Candidates)
	}
	if ex.callCount("8.8.8.8", "site.example", dom.RecordA) != 0 {
		t.Fatalf("open breaker server was queried")
	}
	if e.Stats().Skipped == 0 {
		t.Fatalf("skip was not counted")
	}
}

func TestResolve_DisagreementFlagged(t *testing.T) {
	ex := newFakeExchanger(map[string][]string{
		"8.8.8.8/odd.example/A": {"192.0.2.1"},
		"1.1.1.1/odd.example/A": {"203.0.113.250"},
	})
	e := newTestEngine([]string{"8.8.8.8", "1.1.1.1"}, ex)

	res, err := e.Resolve(context.Background(), []string{"odd.example"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(res.Suspect) != 1 || res.Suspect[0] != "odd.example" {
		t.Fatalf("expected odd.example flagged, got %v", res.Suspect)
	}
}

func TestResolve_CancelledContextKeepsPartialResults(t *testing.T) {
	ex := newFakeExchanger(map[string][]string{
		"8.8.8.8/early.example/A": {"192.0.2.30"},
	})
	e := newTestEngine([]string{"8.8.8.8"}, ex)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := e.Resolve(ctx, []string{"early.example"})
	// with the context already cancelled nothing is issued; the batch is a
	// resolution failure, but the call still returns a result object
	if res == nil {
		t.Fatalf("expected a result even under cancellation, err=%v", err)
	}
}
