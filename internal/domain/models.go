package domain

import (
	"sort"
	"time"
)

// RecordType is the DNS record type requested for a domain.
type RecordType string

const (
	RecordA    RecordType = "A"
	RecordAAAA RecordType = "AAAA"
)

// Query is one resolution request: a domain plus the record types to ask for.
// Immutable once issued.
type Query struct {
	Domain string       `json:"domain"`
	Types  []RecordType `json:"types"`
}

// IPCandidate is a unique resolved address together with its provenance:
// every domain that resolved to it and every DNS server that returned it.
// The address is the only merge key; provenance accumulates.
type IPCandidate struct {
	Address  string        `json:"address"`
	Domains  []string      `json:"domains"`
	Servers  []string      `json:"servers"`
	FirstRTT time.Duration `json:"first_rtt"` // resolution latency when first seen
}

// Merge folds another sighting of the same address into the candidate.
func (c *IPCandidate) Merge(domainName, server string) {
	c.Domains = appendUnique(c.Domains, domainName)
	c.Servers = appendUnique(c.Servers, server)
}

// Absorb folds another candidate for the same address into c, keeping the
// fastest observed resolution time.
func (c *IPCandidate) Absorb(other IPCandidate) {
	for _, d := range other.Domains {
		c.Domains = appendUnique(c.Domains, d)
	}
	for _, s := range other.Servers {
		c.Servers = appendUnique(c.Servers, s)
	}
	if other.FirstRTT > 0 && (c.FirstRTT == 0 || other.FirstRTT < c.FirstRTT) {
		c.FirstRTT = other.FirstRTT
	}
}

// HasDomain reports whether the candidate was resolved from the given domain.
func (c *IPCandidate) HasDomain(domainName string) bool {
	for _, d := range c.Domains {
		if d == domainName {
			return true
		}
	}
	return false
}

func appendUnique(xs []string, x string) []string {
	i := sort.SearchStrings(xs, x)
	if i < len(xs) && xs[i] == x {
		return xs
	}
	xs = append(xs, "")
	copy(xs[i+1:], xs[i:])
	xs[i] = x
	return xs
}

// ProbeKind tags what a sample measured.
type ProbeKind int

const (
	ProbePing ProbeKind = iota
	ProbeDownload
	ProbeUpload
)

func (k ProbeKind) String() string {
	switch k {
	case ProbePing:
		return "ping"
	case ProbeDownload:
		return "download"
	case ProbeUpload:
		return "upload"
	default:
		return "unknown"
	}
}

// ProbeSample is one raw measurement against a candidate. Ping samples carry
// an RTT or Lost; throughput samples carry bytes moved over an elapsed window.
type ProbeSample struct {
	Address string        `json:"address"`
	Kind    ProbeKind     `json:"kind"`
	RTT     time.Duration `json:"rtt,omitempty"`
	Lost    bool          `json:"lost,omitempty"`
	Bytes   int64         `json:"bytes,omitempty"`
	Elapsed time.Duration `json:"elapsed,omitempty"`
}

// Failed reports whether the sample carries no usable measurement.
func (s ProbeSample) Failed() bool {
	switch s.Kind {
	case ProbePing:
		return s.Lost
	default:
		return s.Bytes <= 0 || s.Elapsed <= 0
	}
}

// Mbps converts a throughput sample to megabits per second.
func (s ProbeSample) Mbps() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Bytes) * 8 / s.Elapsed.Seconds() / 1e6
}

// PerformanceMetrics is the per-candidate aggregate over its samples.
// Latency fields are only meaningful when PingSamples >= 1.
type PerformanceMetrics struct {
	PingSamples  int           `json:"ping_samples"`
	MinRTT       time.Duration `json:"min_rtt"`
	MaxRTT       time.Duration `json:"max_rtt"`
	AvgRTT       time.Duration `json:"avg_rtt"`
	AdjustedRTT  time.Duration `json:"adjusted_rtt"` // mean after outlier removal
	Jitter       time.Duration `json:"jitter"`
	LossRatio    float64       `json:"loss_ratio"` // in [0,1]
	DownloadMbps float64       `json:"download_mbps"`
	UploadMbps   float64       `json:"upload_mbps"`
}

// Usable reports whether the candidate produced at least one valid sample
// of any kind and may take part in ranking.
func (m PerformanceMetrics) Usable() bool {
	return m.PingSamples > 0 || m.DownloadMbps > 0 || m.UploadMbps > 0
}

// RankedResult is one candidate with its aggregate metrics, composite score
// and final position. Immutable after ranking.
type RankedResult struct {
	Candidate IPCandidate        `json:"candidate"`
	Metrics   PerformanceMetrics `json:"metrics"`
	Score     float64            `json:"score"`
	Rank      int                `json:"rank"`
}

// DomainFailure annotates a domain that produced no address in a batch.
type DomainFailure struct {
	Domain string `json:"domain"`
	Reason string `json:"reason"`
}

// RunID identifies one completed pipeline run.
type RunID string

// Run is the stored outcome of one resolve-probe-rank pass. Candidates is
// the full resolved pool, including addresses that did not survive probing,
// so hosts export can fall back to a resolved address for unranked domains.
type Run struct {
	ID         RunID           `json:"id"`
	Domains    []string        `json:"domains"`
	Candidates []IPCandidate   `json:"candidates,omitempty"`
	Results    []RankedResult  `json:"results"`
	Failures   []DomainFailure `json:"failures,omitempty"`
	Suspect    []string        `json:"suspect_domains,omitempty"` // disagreeing server answers
	StartedAt  time.Time       `json:"started_at"`
	Elapsed    time.Duration   `json:"elapsed"`
}
