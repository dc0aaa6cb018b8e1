package soak

import (
	"math"
	"sort"
	"sync"

	"github.com/dk997467/mm-soak/soak/exchange"
)

// IterationMetrics collects raw samples during one iteration window. Many
// worker goroutines add samples concurrently; the watcher summarises once at
// iteration end. Non-finite samples are dropped at ingest and counted.
type IterationMetrics struct {
	mu sync.Mutex

	tickTotalMS []float64
	orderAgeMS  []float64
	wsLagMS     []float64

	fills []exchange.FillEvent

	cancels           int
	rejects           int
	riskBlocks        int
	minIntervalBlocks int
	deadlineMisses    int
	placeAttempts     int
	ticks             int
	numericDrops      int
}

// NewIterationMetrics creates an empty sample collector.
func NewIterationMetrics() *IterationMetrics {
	return &IterationMetrics{}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// AddTick records one tick's total duration.
func (m *IterationMetrics) AddTick(ms float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ticks++
	if finite(ms) {
		m.tickTotalMS = append(m.tickTotalMS, ms)
	} else {
		m.numericDrops++
	}
}

// AddOrderAge records an open-order age sample.
func (m *IterationMetrics) AddOrderAge(ms float64) {
	m.addSample(&m.orderAgeMS, ms)
}

// AddWSLag records a websocket lag sample.
func (m *IterationMetrics) AddWSLag(ms float64) {
	m.addSample(&m.wsLagMS, ms)
}

func (m *IterationMetrics) addSample(dst *[]float64, v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if finite(v) {
		*dst = append(*dst, v)
	} else {
		m.numericDrops++
	}
}

// AddFill records a fill event. Fills with non-finite economics are dropped.
func (m *IterationMetrics) AddFill(f exchange.FillEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !finite(f.GrossBPS) || !finite(f.FeeBPS) || !finite(f.SlippageBPS) || !finite(f.AdverseBPS) {
		m.numericDrops++
		return
	}
	m.fills = append(m.fills, f)
}

// AddCancels records completed cancels.
func (m *IterationMetrics) AddCancels(n int) { m.addCount(&m.cancels, n) }

// AddRejects records per-order rejections.
func (m *IterationMetrics) AddRejects(n int) { m.addCount(&m.rejects, n) }

// AddRiskBlocks records pre-trade blocks.
func (m *IterationMetrics) AddRiskBlocks(n int) { m.addCount(&m.riskBlocks, n) }

// AddMinIntervalBlocks records quotes suppressed by the min-interval pacing.
func (m *IterationMetrics) AddMinIntervalBlocks(n int) { m.addCount(&m.minIntervalBlocks, n) }

// AddPlaceAttempts records orders submitted to the exchange.
func (m *IterationMetrics) AddPlaceAttempts(n int) { m.addCount(&m.placeAttempts, n) }

// AddDeadlineMiss records one tick aborted at the deadline.
func (m *IterationMetrics) AddDeadlineMiss() { m.addCount(&m.deadlineMisses, 1) }

func (m *IterationMetrics) addCount(dst *int, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	*dst += n
}

// NumericDrops reports how many samples were dropped for NaN/Inf.
func (m *IterationMetrics) NumericDrops() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.numericDrops
}

// percentile returns the nearest-rank percentile of samples (p in [0,100]).
// Returns 0 for an empty slice.
func percentile(samples []float64, p float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

// Thresholds configures driver detection and the proposal rules.
type Thresholds struct {
	SlippageP95BPS      float64 // driver: slippage_bps_p95 above this
	AdverseP95BPS       float64 // driver: adverse_bps_p95 above this
	RiskHigh            float64 // severe risk driver band
	RiskMid             float64 // moderate risk driver band
	OrderAgeP95MS       float64 // driver: order_age_p95_ms above this
	WSLagP95MS          float64 // driver: ws_lag_p95_ms above this
	MinIntervalRatio    float64 // driver: min-interval blocks / attempts above this
	AgeReliefAdverseMax float64 // age-relief precondition
	AgeReliefSlipMax    float64 // age-relief precondition
	MakerBiasRatioMin   float64 // maker-bias fires below this ratio
	MakerBiasNetMin     float64 // maker-bias requires at least this net edge
}

// DefaultThresholds returns the steady-state driver thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		SlippageP95BPS:      2.5,
		AdverseP95BPS:       4.0,
		RiskHigh:            0.60,
		RiskMid:             0.40,
		OrderAgeP95MS:       330,
		WSLagP95MS:          450,
		MinIntervalRatio:    0.30,
		AgeReliefAdverseMax: 4.0,
		AgeReliefSlipMax:    3.0,
		MakerBiasRatioMin:   0.85,
		MakerBiasNetMin:     2.7,
	}
}

// Proposal is a per-iteration delta candidate: signed deltas on whitelisted
// parameters, ordered rationale tags, and a severity classification.
// Proposals are ephemeral; only the merged, applied form is persisted.
type Proposal struct {
	Deltas    map[string]float64
	Rationale []string
	Severity  string // "none", "normal", "high"
}

// Empty reports whether the proposal carries no deltas.
func (p Proposal) Empty() bool { return len(p.Deltas) == 0 }

// clone returns a deep copy so guards can prune without aliasing.
func (p Proposal) clone() Proposal {
	out := Proposal{Severity: p.Severity}
	out.Deltas = make(map[string]float64, len(p.Deltas))
	for k, v := range p.Deltas {
		out.Deltas[k] = v
	}
	out.Rationale = append([]string(nil), p.Rationale...)
	return out
}

// Watcher turns iteration samples into a KPI summary, detects negative-edge
// drivers, and emits a tuning proposal from the driver-aware rule table.
type Watcher struct {
	thresholds Thresholds

	// rollupTakerShare, when set, supplies the weekly rollup taker share
	// used as the third maker/taker source.
	rollupTakerShare *float64
}

// NewWatcher creates a Watcher with the given thresholds.
func NewWatcher(thresholds Thresholds) *Watcher {
	return &Watcher{thresholds: thresholds}
}

// SetRollupTakerShare supplies the externally computed weekly taker share.
func (w *Watcher) SetRollupTakerShare(share float64) {
	w.rollupTakerShare = &share
}

// Summarize computes the canonical KPI summary over the iteration window.
func (w *Watcher) Summarize(m *IterationMetrics) KPISummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	var k KPISummary
	k.Ticks = m.ticks
	k.Fills = len(m.fills)
	k.Cancels = m.cancels
	k.Rejects = m.rejects
	k.RiskBlocks = m.riskBlocks
	k.DeadlineMisses = m.deadlineMisses

	var gross, fees, slip, adverse float64
	var buyNotional, sellNotional float64
	var makerVolume, totalVolume float64
	makerCount := 0
	adverseSamples := make([]float64, 0, len(m.fills))
	slipSamples := make([]float64, 0, len(m.fills))

	for _, f := range m.fills {
		gross += f.GrossBPS
		fees += -math.Abs(f.FeeBPS) // fees forced negative at ingest
		slip += f.SlippageBPS
		adverse += f.AdverseBPS
		adverseSamples = append(adverseSamples, f.AdverseBPS)
		slipSamples = append(slipSamples, f.SlippageBPS)

		n := f.Notional()
		totalVolume += n
		if f.Side == exchange.Buy {
			buyNotional += n
		} else {
			sellNotional += n
		}
		if f.Maker {
			makerVolume += n
			makerCount++
		}
	}

	if len(m.fills) > 0 {
		n := float64(len(m.fills))
		k.GrossBPS = gross / n
		k.FeesEffBPS = fees / n
		k.SlippageBPS = slip / n
		k.AdverseBPS = adverse / n
	}

	// Inventory cost: flow imbalance scaled into bps, entered as an
	// absolute value in the edge formula.
	if totalVolume > 0 {
		imbalance := math.Abs(buyNotional-sellNotional) / totalVolume
		k.InventoryBPS = 5.0 * imbalance
	}

	// Adverse selection is tracked above but intentionally not part of net.
	k.NetBPS = k.GrossBPS + k.FeesEffBPS + k.SlippageBPS - math.Abs(k.InventoryBPS)

	k.MakerTakerRatio, k.MakerTakerSource = w.makerTaker(makerVolume, totalVolume, makerCount, len(m.fills))

	k.P95LatencyMS = percentile(m.tickTotalMS, 95)
	k.OrderAgeP95MS = percentile(m.orderAgeMS, 95)
	k.WSLagP95MS = percentile(m.wsLagMS, 95)
	k.AdverseBPSP95 = percentile(adverseSamples, 95)
	k.SlippageBPSP95 = percentile(slipSamples, 95)

	if attempts := m.placeAttempts + m.riskBlocks; attempts > 0 {
		k.RiskRatio = float64(m.riskBlocks) / float64(attempts)
	}
	if m.cancels+len(m.fills) > 0 {
		k.CancelRatio = float64(m.cancels) / float64(m.cancels+len(m.fills))
	}
	return k
}

// makerTaker resolves the maker/taker ratio by source priority:
// fill-volume share, fill-count share, weekly rollup, mock constant.
func (w *Watcher) makerTaker(makerVolume, totalVolume float64, makerCount, fills int) (float64, string) {
	if totalVolume > 0 {
		return makerVolume / totalVolume, MakerTakerSourceFillsVolume
	}
	if fills > 0 {
		return float64(makerCount) / float64(fills), MakerTakerSourceFillsCount
	}
	if w.rollupTakerShare != nil {
		return 1 - *w.rollupTakerShare, MakerTakerSourceRollup
	}
	return mockMakerTakerRatio, MakerTakerSourceMock
}

// DetectDrivers returns the ordered negative-edge driver list. Ties are
// broken by fixed priority: risk, slippage, adverse, age, lag, pacing.
func (w *Watcher) DetectDrivers(k KPISummary) []string {
	t := w.thresholds
	var drivers []string
	if k.RiskRatio >= t.RiskMid {
		drivers = append(drivers, DriverRiskBlocks)
	}
	if k.SlippageBPSP95 > t.SlippageP95BPS {
		drivers = append(drivers, DriverSlippage)
	}
	if k.AdverseBPSP95 > t.AdverseP95BPS {
		drivers = append(drivers, DriverAdverse)
	}
	if k.OrderAgeP95MS > t.OrderAgeP95MS {
		drivers = append(drivers, DriverOrderAge)
	}
	if k.WSLagP95MS > t.WSLagP95MS {
		drivers = append(drivers, DriverWSLag)
	}
	return drivers
}

// detectPacingDriver appends min_interval_blocks using raw collector counts.
func (w *Watcher) detectPacingDriver(m *IterationMetrics, drivers []string) []string {
	m.mu.Lock()
	blocks, attempts := m.minIntervalBlocks, m.placeAttempts+m.minIntervalBlocks
	m.mu.Unlock()
	if attempts > 0 && float64(blocks)/float64(attempts) >= w.thresholds.MinIntervalRatio {
		drivers = append(drivers, DriverMinIntervalBlocks)
	}
	return drivers
}

// Drivers computes the full ordered driver list for an iteration.
func (w *Watcher) Drivers(m *IterationMetrics, k KPISummary) []string {
	return w.detectPacingDriver(m, w.DetectDrivers(k))
}

// VerdictFor classifies the iteration. Hard drivers (risk, slippage,
// adverse, pacing) or negative net edge fail; age/lag alone warn; otherwise
// the iteration passes.
func (w *Watcher) VerdictFor(k KPISummary, drivers []string) Verdict {
	if k.NetBPS < 0 {
		return VerdictFail
	}
	soft := 0
	for _, d := range drivers {
		switch d {
		case DriverOrderAge, DriverWSLag:
			soft++
		default:
			return VerdictFail
		}
	}
	if soft > 0 {
		return VerdictWarn
	}
	return VerdictPass
}

// ruleCap moves cur by delta but never past cap; returns the capped delta.
// Direction of the cap follows the sign of delta.
func ruleCap(cur, delta, cap float64) float64 {
	next := cur + delta
	if delta > 0 && next > cap {
		next = cap
	}
	if delta < 0 && next < cap {
		next = cap
	}
	return next - cur
}

// Propose applies the driver-aware rule table against the current overrides
// and returns the iteration's proposal. A proposal is always returned,
// possibly empty. Final clamping to declared bounds happens in the delta
// pipeline, not here; only the per-rule caps are applied.
func (w *Watcher) Propose(k KPISummary, drivers []string, current map[string]float64) Proposal {
	t := w.thresholds
	p := Proposal{Deltas: make(map[string]float64), Severity: "none"}
	cur := func(key string) float64 {
		if v, ok := current[key]; ok {
			return v
		}
		return defaultOverrides[key]
	}
	add := func(key, tag string, delta float64) {
		if delta == 0 || math.IsNaN(delta) || math.IsInf(delta, 0) {
			return
		}
		p.Deltas[key] += delta
		for _, r := range p.Rationale {
			if r == tag {
				return
			}
		}
		p.Rationale = append(p.Rationale, tag)
	}

	has := func(tag string) bool {
		for _, d := range drivers {
			if d == tag {
				return true
			}
		}
		return false
	}

	if has(DriverRiskBlocks) {
		if k.RiskRatio >= t.RiskHigh {
			p.Severity = "high"
			add("min_interval_ms", DriverRiskBlocks, ruleCap(cur("min_interval_ms"), 5, 90))
			add("base_spread_bps_delta", DriverRiskBlocks, ruleCap(cur("base_spread_bps_delta"), 0.02, 0.20))
			add("impact_cap_ratio", DriverRiskBlocks, ruleCap(cur("impact_cap_ratio"), -0.01, 0.08))
			if tail := cur("tail_age_ms"); tail < 680 {
				add("tail_age_ms", DriverRiskBlocks, 680-tail)
			}
		} else {
			p.Severity = "normal"
			add("min_interval_ms", DriverRiskBlocks, ruleCap(cur("min_interval_ms"), 5, 80))
			add("impact_cap_ratio", DriverRiskBlocks, ruleCap(cur("impact_cap_ratio"), -0.01, 0.09))
		}
	}

	if has(DriverSlippage) {
		if p.Severity == "none" {
			p.Severity = "normal"
		}
		add("base_spread_bps_delta", DriverSlippage, 0.02)
		add("tail_age_ms", DriverSlippage, 30)
	}

	if has(DriverAdverse) {
		if p.Severity == "none" {
			p.Severity = "normal"
		}
		add("impact_cap_ratio", DriverAdverse, -0.01)
		add("max_delta_ratio", DriverAdverse, -0.01)
	}

	// Age-relief: loosen pacing when orders age out without adverse or
	// slippage pressure. Not counted as a failure.
	if k.OrderAgeP95MS > t.OrderAgeP95MS &&
		k.AdverseBPSP95 <= t.AgeReliefAdverseMax &&
		k.SlippageBPSP95 <= t.AgeReliefSlipMax {
		add("min_interval_ms", RationaleAgeRelief, ruleCap(cur("min_interval_ms"), -10, 50))
		add("replace_rate_per_min", RationaleAgeRelief, ruleCap(cur("replace_rate_per_min"), 30, 330))
	}

	// Maker-bias uplift: nudge toward maker share when edge is healthy.
	if k.MakerTakerRatio < t.MakerBiasRatioMin &&
		k.RiskRatio <= t.RiskMid &&
		k.NetBPS >= t.MakerBiasNetMin {
		add("base_spread_bps_delta", RationaleMakerBias, 0.015)
		add("replace_rate_per_min", RationaleMakerBias, cur("replace_rate_per_min")*0.85-cur("replace_rate_per_min"))
		add("min_interval_ms", RationaleMakerBias, 25)
	}

	// Drop keys whose accumulated delta cancelled out.
	for key, d := range p.Deltas {
		if d == 0 {
			delete(p.Deltas, key)
		}
	}
	if len(p.Deltas) > 0 && p.Severity == "none" {
		p.Severity = "normal"
	}
	return p
}
