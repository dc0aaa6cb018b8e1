package soak

import (
	"testing"
)

func proposalWith(deltas map[string]float64) Proposal {
	return Proposal{Deltas: deltas, Severity: "normal"}
}

func TestGuardStack(t *testing.T) {
	cfg := DefaultGuardConfig()

	t.Run("empty proposal skips", func(t *testing.T) {
		g := NewGuardStack(cfg, nil)
		dec := g.Evaluate(Proposal{}, NewTuningState(nil, ""), 10, nil)
		if dec.Outcome != OutcomeSkip || len(dec.Tags) != 0 {
			t.Errorf("outcome %v tags %v", dec.Outcome, dec.Tags)
		}
	})

	t.Run("warmup retains the proposal non-blocking", func(t *testing.T) {
		g := NewGuardStack(cfg, nil)
		p := proposalWith(map[string]float64{"min_interval_ms": 5})
		dec := g.Evaluate(p, NewTuningState(nil, ""), 4, nil)
		if dec.Outcome != OutcomeApply {
			t.Fatalf("outcome = %v, want apply", dec.Outcome)
		}
		if len(dec.Tags) != 1 || dec.Tags[0] != GuardWarmup {
			t.Errorf("tags = %v, want [%s]", dec.Tags, GuardWarmup)
		}
		if dec.Proposal.Deltas["min_interval_ms"] != 5 {
			t.Errorf("warmup modified the proposal: %v", dec.Proposal.Deltas)
		}

		// First post-warmup iteration carries no tag.
		if dec := g.Evaluate(p, NewTuningState(nil, ""), 5, nil); len(dec.Tags) != 0 {
			t.Errorf("iteration 5 tags = %v, want none", dec.Tags)
		}
	})

	t.Run("warmup bypasses per-parameter guards", func(t *testing.T) {
		g := NewGuardStack(cfg, nil)
		state := NewTuningState(nil, "")
		state.CooldownUntil["min_interval_ms"] = 99

		dec := g.Evaluate(proposalWith(map[string]float64{"min_interval_ms": 5}), state, 2, nil)
		if dec.Outcome != OutcomeApply {
			t.Fatalf("outcome = %v, want apply", dec.Outcome)
		}
		if _, ok := dec.Proposal.Deltas["min_interval_ms"]; !ok {
			t.Error("cooldown pruned a warmup proposal")
		}
	})

	t.Run("frozen state skips and tags even an empty proposal", func(t *testing.T) {
		g := NewGuardStack(cfg, nil)
		state := NewTuningState(nil, "")
		state.Frozen = true

		dec := g.Evaluate(proposalWith(map[string]float64{"tail_age_ms": 10}), state, 10, nil)
		if dec.Outcome != OutcomeSkip || dec.Tags[0] != GuardFreeze {
			t.Errorf("outcome %v tags %v", dec.Outcome, dec.Tags)
		}

		dec = g.Evaluate(Proposal{}, state, 10, nil)
		if len(dec.Tags) != 1 || dec.Tags[0] != GuardFreeze {
			t.Errorf("empty-proposal tags = %v, want [%s]", dec.Tags, GuardFreeze)
		}
	})

	t.Run("multi fail suppresses the whole proposal", func(t *testing.T) {
		g := NewGuardStack(cfg, nil)
		drivers := []string{DriverRiskBlocks, DriverAdverse, DriverSlippage, DriverOrderAge}

		dec := g.Evaluate(proposalWith(map[string]float64{"min_interval_ms": 8, "tail_age_ms": 20}), NewTuningState(nil, ""), 10, drivers)
		if dec.Outcome != OutcomeSkip {
			t.Fatalf("outcome = %v, want skip", dec.Outcome)
		}
		if len(dec.Proposal.Deltas) != 0 {
			t.Errorf("deltas survived suppression: %v", dec.Proposal.Deltas)
		}
		if len(dec.Tags) != 1 || dec.Tags[0] != GuardMultiFail {
			t.Errorf("tags = %v, want [%s]", dec.Tags, GuardMultiFail)
		}
	})

	t.Run("multi fail counts distinct categories", func(t *testing.T) {
		g := NewGuardStack(cfg, nil)
		drivers := []string{DriverRiskBlocks, DriverRiskBlocks, DriverSlippage}

		dec := g.Evaluate(proposalWith(map[string]float64{"min_interval_ms": 8}), NewTuningState(nil, ""), 10, drivers)
		if dec.Outcome != OutcomeApply {
			t.Errorf("two distinct categories suppressed: outcome %v tags %v", dec.Outcome, dec.Tags)
		}
	})

	t.Run("cooldown prunes the parameter", func(t *testing.T) {
		g := NewGuardStack(cfg, nil)
		state := NewTuningState(nil, "")
		state.CooldownUntil["min_interval_ms"] = 11

		p := proposalWith(map[string]float64{"min_interval_ms": 5, "tail_age_ms": 10})
		dec := g.Evaluate(p, state, 10, nil)
		if dec.Outcome != OutcomePartial {
			t.Fatalf("outcome = %v, want partial", dec.Outcome)
		}
		if _, ok := dec.Proposal.Deltas["min_interval_ms"]; ok {
			t.Error("cooled-down parameter survived")
		}
		if _, ok := dec.Proposal.Deltas["tail_age_ms"]; !ok {
			t.Error("unrelated parameter pruned")
		}

		// Cooldown expires at the recorded iteration.
		dec = g.Evaluate(p, state, 11, nil)
		if _, ok := dec.Proposal.Deltas["min_interval_ms"]; !ok {
			t.Error("parameter still blocked after cooldown expiry")
		}
	})

	t.Run("velocity cap trims then drops", func(t *testing.T) {
		g := NewGuardStack(cfg, nil)
		state := NewTuningState(nil, "")
		// Bound width for min_interval_ms is 80; cap ratio 0.5 -> budget 40.
		state.History = []AppliedDelta{
			{Iteration: 8, Deltas: map[string]float64{"min_interval_ms": 30}},
		}

		dec := g.Evaluate(proposalWith(map[string]float64{"min_interval_ms": 15}), state, 10, nil)
		if dec.Outcome != OutcomePartial {
			t.Fatalf("outcome = %v, want partial", dec.Outcome)
		}
		if got := dec.Proposal.Deltas["min_interval_ms"]; got != 10 {
			t.Errorf("trimmed delta = %v, want 10 (40 budget - 30 used)", got)
		}

		state.History = append(state.History, AppliedDelta{Iteration: 9, Deltas: map[string]float64{"min_interval_ms": 10}})
		dec = g.Evaluate(proposalWith(map[string]float64{"min_interval_ms": 15}), state, 10, nil)
		if dec.Outcome != OutcomeSkip {
			t.Errorf("outcome = %v, want skip once budget exhausted", dec.Outcome)
		}
	})

	t.Run("velocity budget ramps back after warmup", func(t *testing.T) {
		g := NewGuardStack(cfg, nil)
		state := NewTuningState(nil, "")
		state.History = []AppliedDelta{
			{Iteration: 4, Deltas: map[string]float64{"min_interval_ms": 30}},
		}

		// Iteration 5 sits in the ramp: the effective ratio is still wide
		// enough that used 30 + proposed 35 clears the budget.
		dec := g.Evaluate(proposalWith(map[string]float64{"min_interval_ms": 35}), state, 5, nil)
		if dec.Outcome != OutcomeApply {
			t.Fatalf("ramp iteration outcome = %v tags %v, want apply", dec.Outcome, dec.Tags)
		}
		if got := dec.Proposal.Deltas["min_interval_ms"]; got != 35 {
			t.Errorf("ramp iteration trimmed delta to %v", got)
		}

		// Iteration 7 is steady state: budget 40, used 30, so the same
		// proposal trims to 10.
		dec = g.Evaluate(proposalWith(map[string]float64{"min_interval_ms": 35}), state, 7, nil)
		if dec.Outcome != OutcomePartial {
			t.Fatalf("steady iteration outcome = %v, want partial", dec.Outcome)
		}
		if got := dec.Proposal.Deltas["min_interval_ms"]; got != 10 {
			t.Errorf("steady trimmed delta = %v, want 10", got)
		}
	})

	t.Run("oscillation drops the parameter and freezes it", func(t *testing.T) {
		g := NewGuardStack(cfg, nil)
		state := NewTuningState(nil, "")
		state.History = []AppliedDelta{
			{Iteration: 8, Deltas: map[string]float64{"base_spread_bps_delta": 0.02}},
			{Iteration: 9, Deltas: map[string]float64{"base_spread_bps_delta": -0.02}},
		}

		dec := g.Evaluate(proposalWith(map[string]float64{"base_spread_bps_delta": 0.02}), state, 10, nil)
		if dec.Outcome != OutcomeSkip {
			t.Fatalf("outcome = %v, want skip", dec.Outcome)
		}
		if _, ok := dec.Proposal.Deltas["base_spread_bps_delta"]; ok {
			t.Error("oscillating parameter survived")
		}
		if len(dec.Tags) != 1 || dec.Tags[0] != GuardOscillation {
			t.Errorf("tags = %v, want [%s]", dec.Tags, GuardOscillation)
		}
		if len(dec.CooldownKeys) != 1 || dec.CooldownKeys[0] != "base_spread_bps_delta" {
			t.Errorf("CooldownKeys = %v", dec.CooldownKeys)
		}

		// Same direction as last time: no flip pattern, delta untouched.
		dec = g.Evaluate(proposalWith(map[string]float64{"base_spread_bps_delta": -0.02}), state, 10, nil)
		if got := dec.Proposal.Deltas["base_spread_bps_delta"]; got != -0.02 {
			t.Errorf("non-oscillating delta modified: %v", got)
		}
		if len(dec.CooldownKeys) != 0 {
			t.Errorf("CooldownKeys = %v, want none", dec.CooldownKeys)
		}
	})

	t.Run("input proposal never mutated", func(t *testing.T) {
		g := NewGuardStack(cfg, nil)
		p := proposalWith(map[string]float64{"min_interval_ms": 8})
		state := NewTuningState(nil, "")
		state.CooldownUntil["min_interval_ms"] = 99
		g.Evaluate(p, state, 10, nil)
		if p.Deltas["min_interval_ms"] != 8 {
			t.Errorf("caller's proposal mutated: %v", p.Deltas)
		}
	})
}

func TestFreezeReady(t *testing.T) {
	g := NewGuardStack(DefaultGuardConfig(), nil)
	if g.FreezeReady(6) {
		t.Error("armed one pass early")
	}
	if !g.FreezeReady(7) {
		t.Error("not armed at the threshold")
	}
}
