package export

import (
	"strings"
	"testing"
	"time"

	dom "dnspick/internal/domain"
)

func ranked(addr string, rank int, domains ...string) dom.RankedResult {
	return dom.RankedResult{
		Candidate: dom.IPCandidate{Address: addr, Domains: domains},
		Rank:      rank,
	}
}

func TestBuild_UniqueIPPointsEverythingAtGlobalBest(t *testing.T) {
	results := []dom.RankedResult{
		ranked("192.0.2.1", 1, "a.example"),
		ranked("192.0.2.2", 2, "b.example"),
	}
	m := Build([]string{"a.example", "b.example", "c.example"}, results, nil, UniqueIP)

	if len(m.Entries) != 3 {
		t.Fatalf("expected an entry per domain: %+v", m.Entries)
	}
	for _, e := range m.Entries {
		if e.Address != "192.0.2.1" {
			t.Fatalf("unique mode must use the top ranked address: %+v", e)
		}
	}
}

func TestBuild_UniqueIPNoResultsSkipsAll(t *testing.T) {
	m := Build([]string{"a.example", "b.example"}, nil, nil, UniqueIP)
	if len(m.Entries) != 0 || len(m.Skipped) != 2 {
		t.Fatalf("expected everything skipped: %+v", m)
	}
}

func TestBuild_IndividualPicksPerDomainBest(t *testing.T) {
	results := []dom.RankedResult{
		ranked("192.0.2.1", 1, "a.example"),
		ranked("192.0.2.2", 2, "a.example", "b.example"),
	}
	m := Build([]string{"a.example", "b.example"}, results, nil, Individual)

	got := map[string]string{}
	for _, e := range m.Entries {
		got[e.Domain] = e.Address
	}
	if got["a.example"] != "192.0.2.1" {
		t.Fatalf("a.example should use its highest ranked address: %v", got)
	}
	if got["b.example"] != "192.0.2.2" {
		t.Fatalf("b.example only resolved to .2: %v", got)
	}
}

func TestBuild_IndividualFallsBackToResolvedCandidate(t *testing.T) {
	// c.example resolved but none of its addresses survived probing
	results := []dom.RankedResult{ranked("192.0.2.1", 1, "a.example")}
	candidates := []dom.IPCandidate{
		{Address: "192.0.2.1", Domains: []string{"a.example"}},
		{Address: "192.0.2.9", Domains: []string{"c.example"}},
	}
	m := Build([]string{"a.example", "c.example", "d.example"}, results, candidates, Individual)

	got := map[string]string{}
	for _, e := range m.Entries {
		got[e.Domain] = e.Address
	}
	if got["c.example"] != "192.0.2.9" {
		t.Fatalf("expected fallback to the resolved candidate: %v", got)
	}
	if len(m.Skipped) != 1 || m.Skipped[0] != "d.example" {
		t.Fatalf("unresolved domain should be skipped: %+v", m)
	}
}

func TestRender(t *testing.T) {
	m := Mapping{
		Mode:    Individual,
		Entries: []Entry{{Address: "192.0.2.1", Domain: "a.example"}},
		Skipped: []string{"b.example"},
	}
	out := m.Render(time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC))

	if !strings.Contains(out, "192.0.2.1 a.example\n") {
		t.Fatalf("missing hosts line:\n%s", out)
	}
	if !strings.Contains(out, "# no usable address for b.example") {
		t.Fatalf("missing skip note:\n%s", out)
	}
	if !strings.Contains(out, "2026-08-29T12:00:00Z") {
		t.Fatalf("missing timestamp:\n%s", out)
	}
}

func TestParseMode(t *testing.T) {
	if m, err := ParseMode("unique"); err != nil || m != UniqueIP {
		t.Fatalf("unique parse wrong: %v %v", m, err)
	}
	if m, err := ParseMode(""); err != nil || m != Individual {
		t.Fatalf("empty should default to individual: %v %v", m, err)
	}
	if _, err := ParseMode("nope"); err == nil {
		t.Fatalf("expected error")
	}
}
