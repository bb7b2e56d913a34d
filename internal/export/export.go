// Package export turns ranked results into hosts-file mappings.
package export

import (
	"fmt"
	"strings"
	"time"

	dom "dnspick/internal/domain"
)

// Mode selects how domains are mapped to addresses.
type Mode int

const (
	// Individual gives every domain its own best-ranked address.
	Individual Mode = iota
	// UniqueIP points every domain at the single global best address.
	UniqueIP
)

func (m Mode) String() string {
	if m == UniqueIP {
		return "unique"
	}
	return "individual"
}

// ParseMode reads a mode name from config or a request body.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "individual":
		return Individual, nil
	case "unique":
		return UniqueIP, nil
	}
	return Individual, fmt.Errorf("unknown hosts mode %q", s)
}

// Entry is one hosts line.
type Entry struct {
	Address string
	Domain  string
}

// Mapping is the full set of hosts entries for a run. Domains that never
// resolved, or resolved but have no address to map, end up in Skipped.
type Mapping struct {
	Mode    Mode
	Entries []Entry
	Skipped []string
}

// Build produces the domain to address mapping for a run. results carries
// the ranking order, candidates the full resolved pool including addresses
// that did not survive probing.
func Build(domains []string, results []dom.RankedResult, candidates []dom.IPCandidate, mode Mode) Mapping {
	m := Mapping{Mode: mode}

	if mode == UniqueIP {
		if len(results) == 0 {
			m.Skipped = append(m.Skipped, domains...)
			return m
		}
		best := results[0].Candidate.Address
		for _, d := range domains {
			m.Entries = append(m.Entries, Entry{Address: best, Domain: d})
		}
		return m
	}

	for _, d := range domains {
		addr := bestFor(d, results, candidates)
		if addr == "" {
			m.Skipped = append(m.Skipped, d)
			continue
		}
		m.Entries = append(m.Entries, Entry{Address: addr, Domain: d})
	}
	return m
}

// bestFor picks the highest-ranked address that actually resolved for the
// domain. When none of the ranked addresses cover it, fall back to the
// first resolved candidate so the domain still gets a working entry.
func bestFor(domain string, results []dom.RankedResult, candidates []dom.IPCandidate) string {
	for _, r := range results {
		if r.Candidate.HasDomain(domain) {
			return r.Candidate.Address
		}
	}
	for _, c := range candidates {
		if c.HasDomain(domain) {
			return c.Address
		}
	}
	return ""
}

// Render writes the mapping in hosts-file syntax with a short header.
func (m Mapping) Render(generated time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# generated by dnspick at %s\n", generated.Format(time.RFC3339))
	fmt.Fprintf(&b, "# mode: %s, %d entries\n\n", m.Mode, len(m.Entries))
	for _, e := range m.Entries {
		fmt.Fprintf(&b, "%s %s\n", e.Address, e.Domain)
	}
	for _, d := range m.Skipped {
		fmt.Fprintf(&b, "# no usable address for %s\n", d)
	}
	return b.String()
}
