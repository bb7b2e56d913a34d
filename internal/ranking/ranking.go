package ranking

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/montanaflynn/stats"

	dom "dnspick/internal/domain"
)

// Policy selects the composite ordering.
type Policy int

const (
	LatencyFirst Policy = iota
	SpeedFirst
	Balanced
)

func (p Policy) String() string {
	switch p {
	case LatencyFirst:
		return "latency"
	case SpeedFirst:
		return "speed"
	case Balanced:
		return "balanced"
	default:
		return "unknown"
	}
}

// ParsePolicy maps the config string to a policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "latency", "":
		return LatencyFirst, nil
	case "speed":
		return SpeedFirst, nil
	case "balanced":
		return Balanced, nil
	default:
		return LatencyFirst, fmt.Errorf("unknown ranking policy %q", s)
	}
}

// Options tune aggregation and selection.
type Options struct {
	Policy       Policy
	OutlierSigma float64 // standard deviations from the median; <=0 means 2
	TopN         int     // <=0 means everything
	// MinSpeedMbps excludes candidates whose measured throughput falls
	// below it. Candidates with no throughput data pass (ping-only runs).
	MinSpeedMbps float64
	// MinDataBytes is the least data a direction must have moved in total
	// for its rate to count. Starved transfers degrade to ping-only.
	MinDataBytes int64
	// Balanced weights.
	LatencyWeight float64
	LossWeight    float64
	SpeedWeight   float64
}

func (o *Options) withDefaults() {
	if o.OutlierSigma <= 0 {
		o.OutlierSigma = 2
	}
	if o.LatencyWeight == 0 && o.LossWeight == 0 && o.SpeedWeight == 0 {
		o.LatencyWeight, o.LossWeight, o.SpeedWeight = 0.5, 0.3, 0.2
	}
}

// Aggregate folds one candidate's samples into metrics. Outliers beyond
// sigma standard deviations from the median are discarded before the
// adjusted mean; the raw mean, min, max, jitter and loss ratio use every
// valid sample.
func Aggregate(samples []dom.ProbeSample, sigma float64) dom.PerformanceMetrics {
	var m dom.PerformanceMetrics

	var rtts []float64 // milliseconds
	pingTotal := 0
	var downRates, upRates []float64

	for _, s := range samples {
		switch s.Kind {
		case dom.ProbePing:
			pingTotal++
			if !s.Lost {
				rtts = append(rtts, float64(s.RTT)/float64(time.Millisecond))
			}
		case dom.ProbeDownload:
			if !s.Failed() {
				downRates = append(downRates, s.Mbps())
			}
		case dom.ProbeUpload:
			if !s.Failed() {
				upRates = append(upRates, s.Mbps())
			}
		}
	}

	if pingTotal > 0 {
		m.LossRatio = float64(pingTotal-len(rtts)) / float64(pingTotal)
	}
	if len(rtts) > 0 {
		m.PingSamples = len(rtts)
		minV, _ := stats.Min(rtts)
		maxV, _ := stats.Max(rtts)
		mean, _ := stats.Mean(rtts)
		m.MinRTT = millis(minV)
		m.MaxRTT = millis(maxV)
		m.AvgRTT = millis(mean)
		m.Jitter = millis(jitter(rtts))

		kept := RemoveOutliers(rtts, sigma)
		adj, _ := stats.Mean(kept)
		m.AdjustedRTT = millis(adj)
	}
	if len(downRates) > 0 {
		v, _ := stats.Mean(downRates)
		m.DownloadMbps = v
	}
	if len(upRates) > 0 {
		v, _ := stats.Mean(upRates)
		m.UploadMbps = v
	}
	return m
}

// RemoveOutliers keeps values within sigma standard deviations of the
// median. On clean data it returns the input unchanged, so applying it
// twice is the same as applying it once.
func RemoveOutliers(values []float64, sigma float64) []float64 {
	if len(values) < 3 {
		return values
	}
	median, _ := stats.Median(values)
	sd, _ := stats.StandardDeviation(values)
	if sd == 0 {
		return values
	}
	kept := make([]float64, 0, len(values))
	for _, v := range values {
		if math.Abs(v-median) <= sigma*sd {
			kept = append(kept, v)
		}
	}
	if len(kept) == 0 {
		return values
	}
	return kept
}

// mean absolute deviation of consecutive samples
func jitter(rtts []float64) float64 {
	if len(rtts) < 2 {
		return 0
	}
	var sum float64
	for i := 1; i < len(rtts); i++ {
		sum += math.Abs(rtts[i] - rtts[i-1])
	}
	return sum / float64(len(rtts)-1)
}

func millis(v float64) time.Duration {
	return time.Duration(v * float64(time.Millisecond))
}

// AggregateAndRank merges per-address samples onto the candidates, drops
// candidates with no valid sample of any kind, orders the rest under the
// policy and returns the top N. The order is a strict total order: ties fall
// back to the address string.
func AggregateAndRank(candidates []dom.IPCandidate, samples map[string][]dom.ProbeSample, opts Options) []dom.RankedResult {
	opts.withDefaults()

	results := make([]dom.RankedResult, 0, len(candidates))
	for _, c := range candidates {
		m := Aggregate(samples[c.Address], opts.OutlierSigma)
		if opts.MinDataBytes > 0 {
			var down, up int64
			for _, s := range samples[c.Address] {
				switch s.Kind {
				case dom.ProbeDownload:
					down += s.Bytes
				case dom.ProbeUpload:
					up += s.Bytes
				}
			}
			if down < opts.MinDataBytes {
				m.DownloadMbps = 0
			}
			if up < opts.MinDataBytes {
				m.UploadMbps = 0
			}
		}
		if !m.Usable() {
			continue
		}
		if tk := throughputKey(m); opts.MinSpeedMbps > 0 && tk > 0 && tk < opts.MinSpeedMbps {
			continue
		}
		results = append(results, dom.RankedResult{Candidate: c, Metrics: m})
	}

	scoreBalanced(results, opts)
	sort.Slice(results, func(i, j int) bool {
		return less(opts.Policy, results[i], results[j])
	})

	for i := range results {
		results[i].Rank = i + 1
		switch opts.Policy {
		case LatencyFirst:
			results[i].Score = -latencyKey(results[i].Metrics)
		case SpeedFirst:
			results[i].Score = throughputKey(results[i].Metrics)
		}
	}

	if opts.TopN > 0 && opts.TopN < len(results) {
		results = results[:opts.TopN]
	}
	return results
}

func less(p Policy, a, b dom.RankedResult) bool {
	switch p {
	case SpeedFirst:
		ta, tb := throughputKey(a.Metrics), throughputKey(b.Metrics)
		if ta != tb {
			return ta > tb
		}
		la, lb := latencyKey(a.Metrics), latencyKey(b.Metrics)
		if la != lb {
			return la < lb
		}
	case Balanced:
		if a.Score != b.Score {
			return a.Score > b.Score
		}
	default: // LatencyFirst
		la, lb := latencyKey(a.Metrics), latencyKey(b.Metrics)
		if la != lb {
			return la < lb
		}
		if a.Metrics.LossRatio != b.Metrics.LossRatio {
			return a.Metrics.LossRatio < b.Metrics.LossRatio
		}
	}
	return a.Candidate.Address < b.Candidate.Address
}

// latencyKey is the outlier-adjusted mean in ms; no ping data sorts last.
func latencyKey(m dom.PerformanceMetrics) float64 {
	if m.PingSamples == 0 {
		return math.Inf(1)
	}
	return float64(m.AdjustedRTT) / float64(time.Millisecond)
}

func throughputKey(m dom.PerformanceMetrics) float64 {
	if m.DownloadMbps > 0 {
		return m.DownloadMbps
	}
	return m.UploadMbps
}

// scoreBalanced assigns each result a weighted sum of latency, loss and
// throughput, each normalized to [0,1] across the pool (1 is best).
func scoreBalanced(results []dom.RankedResult, opts Options) {
	if len(results) == 0 {
		return
	}
	latMin, latMax := math.Inf(1), math.Inf(-1)
	thrMax := 0.0
	for _, r := range results {
		if l := latencyKey(r.Metrics); !math.IsInf(l, 1) {
			latMin = math.Min(latMin, l)
			latMax = math.Max(latMax, l)
		}
		thrMax = math.Max(thrMax, throughputKey(r.Metrics))
	}

	wSum := opts.LatencyWeight + opts.LossWeight + opts.SpeedWeight
	for i := range results {
		m := results[i].Metrics

		latScore := 0.0
		if l := latencyKey(m); !math.IsInf(l, 1) {
			if latMax > latMin {
				latScore = 1 - (l-latMin)/(latMax-latMin)
			} else {
				latScore = 1
			}
		}
		lossScore := 1 - m.LossRatio
		thrScore := 0.0
		if thrMax > 0 {
			thrScore = throughputKey(m) / thrMax
		}

		results[i].Score = (opts.LatencyWeight*latScore +
			opts.LossWeight*lossScore +
			opts.SpeedWeight*thrScore) / wSum
	}
}
