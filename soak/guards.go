package soak

import (
	"math"
	"sort"
)

// Guard reason tags. Together with the pipeline's reasons they form the
// closed skip-reason taxonomy written into summaries and the cumulative
// report, and double as guard_trips counter labels.
const (
	GuardWarmup      = "warmup_softened"
	GuardCooldown    = "cooldown_active"
	GuardVelocity    = "velocity_cap_exceeded"
	GuardOscillation = "oscillation_detected"
	GuardFreeze      = "freeze_triggered"
	GuardMultiFail   = "multi_fail_suppress"
)

// GuardOutcome is the aggregate decision over a proposal.
type GuardOutcome string

const (
	OutcomeApply   GuardOutcome = "apply"
	OutcomePartial GuardOutcome = "partial"
	OutcomeSkip    GuardOutcome = "skip"
)

// GuardConfig tunes the guard stack. Zero values take the documented
// defaults via normalize.
type GuardConfig struct {
	// WarmupIterations is the leading window where proposals are retained
	// but non-blocking and a FAIL verdict softens to WARN.
	WarmupIterations int

	// RampIterations is the window after warm-up over which guard
	// thresholds interpolate linearly back to their steady-state values.
	RampIterations int

	// CooldownIterations suppresses further changes to a parameter for this
	// many iterations after it was changed.
	CooldownIterations int

	// VelocityWindow is the trailing iteration count for per-parameter
	// velocity accounting.
	VelocityWindow int

	// VelocityCapRatio caps the summed |delta| over the window as a
	// fraction of the parameter's declared bound width.
	VelocityCapRatio float64

	// OscillationK is how many trailing signed deltas are inspected for an
	// A -> B -> A sign flip.
	OscillationK int

	// FreezeConsecutivePasses arms the tuning freeze after this many clean
	// passes in a row.
	FreezeConsecutivePasses int

	// MultiFailThreshold suppresses the whole proposal once this many
	// distinct driver categories fire in a single iteration.
	MultiFailThreshold int
}

// DefaultGuardConfig returns the steady-state guard configuration.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		WarmupIterations:        4,
		RampIterations:          2,
		CooldownIterations:      2,
		VelocityWindow:          5,
		VelocityCapRatio:        0.50,
		OscillationK:            3,
		FreezeConsecutivePasses: 7,
		MultiFailThreshold:      3,
	}
}

func (c GuardConfig) normalize() GuardConfig {
	d := DefaultGuardConfig()
	if c.WarmupIterations <= 0 {
		c.WarmupIterations = d.WarmupIterations
	}
	if c.RampIterations <= 0 {
		c.RampIterations = d.RampIterations
	}
	if c.CooldownIterations <= 0 {
		c.CooldownIterations = d.CooldownIterations
	}
	if c.VelocityWindow <= 0 {
		c.VelocityWindow = d.VelocityWindow
	}
	if c.VelocityCapRatio <= 0 {
		c.VelocityCapRatio = d.VelocityCapRatio
	}
	if c.OscillationK <= 0 {
		c.OscillationK = d.OscillationK
	}
	if c.FreezeConsecutivePasses <= 0 {
		c.FreezeConsecutivePasses = d.FreezeConsecutivePasses
	}
	if c.MultiFailThreshold <= 0 {
		c.MultiFailThreshold = d.MultiFailThreshold
	}
	return c
}

// GuardDecision is the result of running the stack over one proposal.
type GuardDecision struct {
	// Outcome summarises the decision: apply (untouched), partial (some
	// deltas pruned or trimmed), or skip (nothing survives).
	Outcome GuardOutcome

	// Proposal is the surviving, possibly pruned and trimmed, proposal.
	Proposal Proposal

	// Tags lists every guard that fired, in evaluation order, without
	// duplicates. These become skip reasons on the tuning record.
	Tags []string

	// CooldownKeys lists parameters the oscillation guard froze; the
	// pipeline stamps a cooldown for them even though nothing was applied.
	CooldownKeys []string
}

// GuardStack evaluates guards in a fixed order: freeze, multi-fail
// suppression, warm-up, then per-parameter cooldown, velocity cap, and
// oscillation. Whole-proposal guards run first so a skip short-circuits the
// rest.
type GuardStack struct {
	cfg     GuardConfig
	metrics *Metrics
}

// NewGuardStack creates the stack; nil metrics disables counter export.
func NewGuardStack(cfg GuardConfig, metrics *Metrics) *GuardStack {
	return &GuardStack{cfg: cfg.normalize(), metrics: metrics}
}

// Config returns the normalized configuration in effect.
func (g *GuardStack) Config() GuardConfig { return g.cfg }

func (g *GuardStack) trip(tags []string, tag string) []string {
	for _, t := range tags {
		if t == tag {
			return tags
		}
	}
	if g.metrics != nil {
		g.metrics.GuardTrips.WithLabelValues(tag).Inc()
	}
	return append(tags, tag)
}

// Evaluate runs the stack for one iteration (1-based). drivers is the
// iteration's detected driver list, consumed by the multi-fail guard.
func (g *GuardStack) Evaluate(p Proposal, state TuningState, iteration int, drivers []string) GuardDecision {
	dec := GuardDecision{Outcome: OutcomeApply, Proposal: p.clone()}

	// Freeze clears everything; the tag is recorded even for an empty
	// proposal so frozen iterations are identifiable in the artifact stream.
	if state.Frozen {
		dec.Tags = g.trip(dec.Tags, GuardFreeze)
		dec.Outcome = OutcomeSkip
		dec.Proposal.Deltas = map[string]float64{}
		return dec
	}
	if p.Empty() {
		dec.Outcome = OutcomeSkip
		return dec
	}

	// Enough distinct driver categories in one iteration suppress the whole
	// proposal regardless of the remaining guards.
	if distinctCount(drivers) >= g.cfg.MultiFailThreshold {
		dec.Tags = g.trip(dec.Tags, GuardMultiFail)
		dec.Outcome = OutcomeSkip
		dec.Proposal.Deltas = map[string]float64{}
		return dec
	}

	// Warm-up: the proposal is retained and non-blocking; the per-parameter
	// guards start once the window closes.
	if iteration <= g.cfg.WarmupIterations {
		dec.Tags = g.trip(dec.Tags, GuardWarmup)
		return dec
	}

	capRatio := g.rampedVelocityRatio(iteration)
	trimmed := false
	for _, param := range sortedParamKeys(dec.Proposal.Deltas) {
		delta := dec.Proposal.Deltas[param]

		if until, ok := state.CooldownUntil[param]; ok && iteration < until {
			dec.Tags = g.trip(dec.Tags, GuardCooldown)
			delete(dec.Proposal.Deltas, param)
			continue
		}

		if b, ok := ParamBound(param); ok {
			capBudget := (b.Hi - b.Lo) * capRatio
			used := state.velocityUsed(param, g.cfg.VelocityWindow, iteration)
			if used+math.Abs(delta) > capBudget {
				dec.Tags = g.trip(dec.Tags, GuardVelocity)
				remaining := capBudget - used
				if remaining <= 0 {
					delete(dec.Proposal.Deltas, param)
					continue
				}
				if delta > 0 {
					dec.Proposal.Deltas[param] = remaining
				} else {
					dec.Proposal.Deltas[param] = -remaining
				}
				delta = dec.Proposal.Deltas[param]
				trimmed = true
			}
		}

		// Oscillation: the trailing signs plus the proposed sign form an
		// alternating A -> B -> A pattern; the parameter is frozen for a
		// cooldown span instead of flip-flopping further.
		signs := state.deltaSigns(param, g.cfg.OscillationK-1)
		next := 1
		if delta < 0 {
			next = -1
		}
		signs = append(signs, next)
		if len(signs) >= g.cfg.OscillationK && alternating(signs) {
			dec.Tags = g.trip(dec.Tags, GuardOscillation)
			delete(dec.Proposal.Deltas, param)
			dec.CooldownKeys = append(dec.CooldownKeys, param)
		}
	}

	switch {
	case len(dec.Proposal.Deltas) == 0:
		dec.Outcome = OutcomeSkip
	case len(dec.Proposal.Deltas) < len(p.Deltas) || trimmed:
		dec.Outcome = OutcomePartial
	}
	return dec
}

// rampedVelocityRatio interpolates the velocity cap from non-blocking at the
// end of warm-up back to the steady-state ratio across the ramp window.
func (g *GuardStack) rampedVelocityRatio(iteration int) float64 {
	past := iteration - g.cfg.WarmupIterations
	if past <= 0 {
		return 1
	}
	if past > g.cfg.RampIterations {
		return g.cfg.VelocityCapRatio
	}
	t := float64(past) / float64(g.cfg.RampIterations+1)
	return 1 + (g.cfg.VelocityCapRatio-1)*t
}

// FreezeReady reports whether the clean-pass streak arms the tuning freeze.
func (g *GuardStack) FreezeReady(consecutivePasses int) bool {
	return consecutivePasses >= g.cfg.FreezeConsecutivePasses
}

// alternating reports whether every adjacent pair of signs flips.
func alternating(signs []int) bool {
	for i := 1; i < len(signs); i++ {
		if signs[i] == signs[i-1] {
			return false
		}
	}
	return len(signs) >= 2
}

func distinctCount(tags []string) int {
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		seen[t] = struct{}{}
	}
	return len(seen)
}

// sortedParamKeys fixes the per-parameter evaluation order so tag order and
// trims are reproducible run to run.
func sortedParamKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
