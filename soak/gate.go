package soak

import (
	"fmt"
	"os"
	"sort"

	"github.com/dk997467/mm-soak/soak/artifact"
)

// ReadinessOverrideEnv, when set to "1", forces the readiness gate to pass
// regardless of aggregates. The override is recorded in the gate result so
// a forced pass is always visible.
const ReadinessOverrideEnv = "READINESS_OVERRIDE"

// gateWindow is how many trailing iterations feed the aggregates.
const gateWindow = 8

// GateThresholds are the windowed readiness acceptance bounds.
type GateThresholds struct {
	MinMakerTakerMean float64 `json:"min_maker_taker_mean"`
	MinNetBPSMean     float64 `json:"min_net_bps_mean"`
	MaxP95LatencyMS   float64 `json:"max_p95_latency_ms"`
	MaxRiskMedian     float64 `json:"max_risk_median"`
}

// DefaultGateThresholds returns the production acceptance bounds.
func DefaultGateThresholds() GateThresholds {
	return GateThresholds{
		MinMakerTakerMean: 0.83,
		MinNetBPSMean:     2.9,
		MaxP95LatencyMS:   330,
		MaxRiskMedian:     0.40,
	}
}

// Aggregate is mean/median/min/max over the gate window for one KPI.
type Aggregate struct {
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

func aggregate(samples []float64) Aggregate {
	if len(samples) == 0 {
		return Aggregate{}
	}
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	n := len(sorted)
	median := sorted[n/2]
	if n%2 == 0 {
		median = (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return Aggregate{
		Mean:   sum / float64(n),
		Median: median,
		Min:    sorted[0],
		Max:    sorted[n-1],
	}
}

// Snapshot is the POST_SOAK_SNAPSHOT.json payload: trailing-window KPI
// aggregates, the thresholds they were judged against, and the readiness
// verdict.
type Snapshot struct {
	RuntimeUTC string `json:"runtime_utc"`
	Iterations []int  `json:"iterations"`

	NetBPS      Aggregate `json:"net_bps"`
	MakerTaker  Aggregate `json:"maker_taker_ratio"`
	P95Latency  Aggregate `json:"p95_latency_ms"`
	RiskRatio   Aggregate `json:"risk_ratio"`
	OrderAgeP95 Aggregate `json:"order_age_p95_ms"`

	Thresholds GateThresholds `json:"thresholds"`
	Failures   []string       `json:"failures"`
	Overridden bool           `json:"overridden"`
	Verdict    Verdict        `json:"verdict"`
}

// BuildSnapshot aggregates the last iterations in the stream directory and
// judges them against the thresholds. Missing iterations are not an error;
// the window is whatever exists, capped at the gate window.
func BuildSnapshot(store *artifact.Store, thresholds GateThresholds) (Snapshot, error) {
	iters, err := store.ListIterations()
	if err != nil {
		return Snapshot{}, err
	}
	if len(iters) > gateWindow {
		iters = iters[len(iters)-gateWindow:]
	}

	snap := Snapshot{
		RuntimeUTC: artifact.Timestamp(),
		Iterations: iters,
		Thresholds: thresholds,
		Failures:   []string{},
	}
	if len(iters) == 0 {
		snap.Verdict = VerdictFail
		snap.Failures = append(snap.Failures, "no iteration summaries")
		return snap, nil
	}

	var net, mtr, p95, risk, age []float64
	for _, n := range iters {
		var s IterationSummary
		if err := store.ReadIterationSummary(n, &s); err != nil {
			return Snapshot{}, err
		}
		net = append(net, s.Summary.NetBPS)
		mtr = append(mtr, s.Summary.MakerTakerRatio)
		p95 = append(p95, s.Summary.P95LatencyMS)
		risk = append(risk, s.Summary.RiskRatio)
		age = append(age, s.Summary.OrderAgeP95MS)
	}
	snap.NetBPS = aggregate(net)
	snap.MakerTaker = aggregate(mtr)
	snap.P95Latency = aggregate(p95)
	snap.RiskRatio = aggregate(risk)
	snap.OrderAgeP95 = aggregate(age)

	if snap.MakerTaker.Mean < thresholds.MinMakerTakerMean {
		snap.Failures = append(snap.Failures, fmt.Sprintf("maker_taker mean %.4f < %.4f", snap.MakerTaker.Mean, thresholds.MinMakerTakerMean))
	}
	if snap.NetBPS.Mean < thresholds.MinNetBPSMean {
		snap.Failures = append(snap.Failures, fmt.Sprintf("net_bps mean %.4f < %.4f", snap.NetBPS.Mean, thresholds.MinNetBPSMean))
	}
	if snap.P95Latency.Max > thresholds.MaxP95LatencyMS {
		snap.Failures = append(snap.Failures, fmt.Sprintf("p95_latency max %.1f > %.1f", snap.P95Latency.Max, thresholds.MaxP95LatencyMS))
	}
	if snap.RiskRatio.Median > thresholds.MaxRiskMedian {
		snap.Failures = append(snap.Failures, fmt.Sprintf("risk_ratio median %.4f > %.4f", snap.RiskRatio.Median, thresholds.MaxRiskMedian))
	}

	switch {
	case len(snap.Failures) == 0:
		snap.Verdict = VerdictPass
	case os.Getenv(ReadinessOverrideEnv) == "1":
		snap.Overridden = true
		snap.Verdict = VerdictPass
	default:
		snap.Verdict = VerdictFail
	}
	return snap, nil
}
