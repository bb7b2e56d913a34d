package ranking

import (
	"math"
	"testing"
	"time"

	dom "dnspick/internal/domain"
)

func pingSamples(addr string, rtts ...time.Duration) []dom.ProbeSample {
	out := make([]dom.ProbeSample, 0, len(rtts))
	for _, r := range rtts {
		out = append(out, dom.ProbeSample{Address: addr, Kind: dom.ProbePing, RTT: r})
	}
	return out
}

func downloadSample(addr string, mbps float64) dom.ProbeSample {
	// mbps = bytes*8/secs/1e6 -> bytes for 1s
	return dom.ProbeSample{
		Address: addr,
		Kind:    dom.ProbeDownload,
		Bytes:   int64(mbps * 1e6 / 8),
		Elapsed: time.Second,
	}
}

func TestAggregate_OutlierExcludedFromAdjustedMean(t *testing.T) {
	samples := pingSamples("x",
		10*time.Millisecond,
		12*time.Millisecond,
		11*time.Millisecond,
		200*time.Millisecond,
		13*time.Millisecond,
	)
	m := Aggregate(samples, 2)

	// raw mean includes the glitch, adjusted mean does not
	if m.AvgRTT < 40*time.Millisecond {
		t.Fatalf("raw mean should include outlier: %v", m.AvgRTT)
	}
	if m.AdjustedRTT > 14*time.Millisecond || m.AdjustedRTT < 10*time.Millisecond {
		t.Fatalf("adjusted mean should exclude the 200ms glitch: %v", m.AdjustedRTT)
	}
	if m.MaxRTT != 200*time.Millisecond || m.MinRTT != 10*time.Millisecond {
		t.Fatalf("min/max wrong: %+v", m)
	}
}

func TestAggregate_LossRatioAndJitter(t *testing.T) {
	samples := pingSamples("x", 10*time.Millisecond, 14*time.Millisecond, 12*time.Millisecond)
	samples = append(samples, dom.ProbeSample{Address: "x", Kind: dom.ProbePing, Lost: true})

	m := Aggregate(samples, 2)
	if m.PingSamples != 3 {
		t.Fatalf("sample count wrong: %+v", m)
	}
	if m.LossRatio != 0.25 {
		t.Fatalf("loss ratio wrong: %f", m.LossRatio)
	}
	// |14-10| and |12-14| -> mean 3ms
	if m.Jitter != 3*time.Millisecond {
		t.Fatalf("jitter wrong: %v", m.Jitter)
	}
}

func TestAggregate_NoSamplesNotUsable(t *testing.T) {
	m := Aggregate(nil, 2)
	if m.Usable() {
		t.Fatalf("empty metrics must not be usable")
	}
	lost := []dom.ProbeSample{{Kind: dom.ProbePing, Lost: true}}
	if Aggregate(lost, 2).Usable() {
		t.Fatalf("all-lost metrics must not be usable")
	}
}

func TestRemoveOutliers_IdempotentOnCleanData(t *testing.T) {
	clean := []float64{10, 11, 12, 13, 12}
	once := RemoveOutliers(clean, 2)
	twice := RemoveOutliers(once, 2)
	if len(once) != len(clean) || len(twice) != len(once) {
		t.Fatalf("clean data changed: %v -> %v -> %v", clean, once, twice)
	}
}

func TestAggregateAndRank_PolicyOrdering(t *testing.T) {
	// fastIP: 20ms, 10 Mbps. bigIP: 80ms, 50 Mbps.
	cands := []dom.IPCandidate{{Address: "192.0.2.1"}, {Address: "192.0.2.2"}}
	samples := map[string][]dom.ProbeSample{
		"192.0.2.1": append(pingSamples("192.0.2.1", 20*time.Millisecond, 20*time.Millisecond), downloadSample("192.0.2.1", 10)),
		"192.0.2.2": append(pingSamples("192.0.2.2", 80*time.Millisecond, 80*time.Millisecond), downloadSample("192.0.2.2", 50)),
	}

	speed := AggregateAndRank(cands, samples, Options{Policy: SpeedFirst})
	if speed[0].Candidate.Address != "192.0.2.2" {
		t.Fatalf("speed-first should prefer 50Mbps/80ms: %+v", speed)
	}
	lat := AggregateAndRank(cands, samples, Options{Policy: LatencyFirst})
	if lat[0].Candidate.Address != "192.0.2.1" {
		t.Fatalf("latency-first should prefer 10Mbps/20ms: %+v", lat)
	}
}

func TestAggregateAndRank_DeterministicTotalOrder(t *testing.T) {
	// identical metrics; order must fall back to address and stay stable
	cands := []dom.IPCandidate{{Address: "192.0.2.9"}, {Address: "192.0.2.1"}, {Address: "192.0.2.5"}}
	samples := map[string][]dom.ProbeSample{}
	for _, c := range cands {
		samples[c.Address] = pingSamples(c.Address, 10*time.Millisecond)
	}

	for _, p := range []Policy{LatencyFirst, SpeedFirst, Balanced} {
		a := AggregateAndRank(cands, samples, Options{Policy: p})
		b := AggregateAndRank(cands, samples, Options{Policy: p})
		if len(a) != 3 {
			t.Fatalf("%v: expected 3 results", p)
		}
		for i := range a {
			if a[i].Candidate.Address != b[i].Candidate.Address {
				t.Fatalf("%v: ranking not deterministic", p)
			}
			if a[i].Rank != i+1 {
				t.Fatalf("%v: rank positions wrong: %+v", p, a[i])
			}
		}
		if a[0].Candidate.Address != "192.0.2.1" {
			t.Fatalf("%v: tie not broken by address: %+v", p, a[0].Candidate)
		}
	}
}

func TestAggregateAndRank_BalancedWeighsAllThree(t *testing.T) {
	cands := []dom.IPCandidate{{Address: "192.0.2.1"}, {Address: "192.0.2.2"}}
	samples := map[string][]dom.ProbeSample{
		// low latency, no loss, no throughput
		"192.0.2.1": pingSamples("192.0.2.1", 10*time.Millisecond, 10*time.Millisecond),
		// higher latency but big throughput
		"192.0.2.2": append(pingSamples("192.0.2.2", 100*time.Millisecond, 100*time.Millisecond), downloadSample("192.0.2.2", 100)),
	}

	speedHeavy := AggregateAndRank(cands, samples, Options{
		Policy: Balanced, LatencyWeight: 0.1, LossWeight: 0.1, SpeedWeight: 0.8,
	})
	if speedHeavy[0].Candidate.Address != "192.0.2.2" {
		t.Fatalf("speed-heavy weights should prefer throughput: %+v", speedHeavy[0])
	}
	latHeavy := AggregateAndRank(cands, samples, Options{
		Policy: Balanced, LatencyWeight: 0.8, LossWeight: 0.1, SpeedWeight: 0.1,
	})
	if latHeavy[0].Candidate.Address != "192.0.2.1" {
		t.Fatalf("latency-heavy weights should prefer low RTT: %+v", latHeavy[0])
	}
	for _, r := range speedHeavy {
		if math.IsNaN(r.Score) {
			t.Fatalf("NaN score: %+v", r)
		}
	}
}

func TestAggregateAndRank_TopNAndExclusion(t *testing.T) {
	cands := []dom.IPCandidate{
		{Address: "192.0.2.1"},
		{Address: "192.0.2.2"},
		{Address: "192.0.2.3"}, // all samples failed -> excluded
	}
	samples := map[string][]dom.ProbeSample{
		"192.0.2.1": pingSamples("192.0.2.1", 10*time.Millisecond),
		"192.0.2.2": pingSamples("192.0.2.2", 20*time.Millisecond),
		"192.0.2.3": {{Address: "192.0.2.3", Kind: dom.ProbePing, Lost: true}},
	}

	got := AggregateAndRank(cands, samples, Options{Policy: LatencyFirst, TopN: 1})
	if len(got) != 1 || got[0].Candidate.Address != "192.0.2.1" {
		t.Fatalf("top-1 wrong: %+v", got)
	}

	all := AggregateAndRank(cands, samples, Options{Policy: LatencyFirst, TopN: 50})
	if len(all) != 2 {
		t.Fatalf("N beyond pool should return everything usable: %+v", all)
	}
}

func TestAggregateAndRank_MinSpeedFilter(t *testing.T) {
	cands := []dom.IPCandidate{
		{Address: "192.0.2.1"}, // fast enough
		{Address: "192.0.2.2"}, // measured but below the floor
		{Address: "192.0.2.3"}, // ping only, no throughput data
	}
	samples := map[string][]dom.ProbeSample{
		"192.0.2.1": append(pingSamples("192.0.2.1", 10*time.Millisecond), downloadSample("192.0.2.1", 20)),
		"192.0.2.2": append(pingSamples("192.0.2.2", 10*time.Millisecond), downloadSample("192.0.2.2", 0.5)),
		"192.0.2.3": pingSamples("192.0.2.3", 10*time.Millisecond),
	}

	got := AggregateAndRank(cands, samples, Options{Policy: LatencyFirst, MinSpeedMbps: 1})
	addrs := map[string]bool{}
	for _, r := range got {
		addrs[r.Candidate.Address] = true
	}
	if addrs["192.0.2.2"] {
		t.Fatalf("below-floor candidate should be excluded: %+v", got)
	}
	if !addrs["192.0.2.1"] || !addrs["192.0.2.3"] {
		t.Fatalf("fast and unmeasured candidates must survive: %+v", got)
	}
}

func TestAggregateAndRank_MinDataGateDropsStarvedRates(t *testing.T) {
	cands := []dom.IPCandidate{{Address: "192.0.2.1"}}
	// 1s download that only moved 1000 bytes
	samples := map[string][]dom.ProbeSample{
		"192.0.2.1": append(pingSamples("192.0.2.1", 10*time.Millisecond),
			dom.ProbeSample{Address: "192.0.2.1", Kind: dom.ProbeDownload, Bytes: 1000, Elapsed: time.Second}),
	}

	got := AggregateAndRank(cands, samples, Options{Policy: SpeedFirst, MinDataBytes: 1 << 20})
	if len(got) != 1 {
		t.Fatalf("ping data should keep the candidate: %+v", got)
	}
	if got[0].Metrics.DownloadMbps != 0 {
		t.Fatalf("starved transfer rate should be discarded: %+v", got[0].Metrics)
	}
}

func TestParsePolicy(t *testing.T) {
	if p, err := ParsePolicy("balanced"); err != nil || p != Balanced {
		t.Fatalf("balanced parse wrong: %v %v", p, err)
	}
	if _, err := ParsePolicy("vibes"); err == nil {
		t.Fatalf("expected error for unknown policy")
	}
}
