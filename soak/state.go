package soak

import (
	"encoding/json"
	"math"
)

// AppliedDelta is one history entry of effective deltas applied at an
// iteration. Kept for oscillation and velocity accounting.
type AppliedDelta struct {
	Iteration int                `json:"iteration"`
	Deltas    map[string]float64 `json:"deltas"`
}

// TuningState carries tuning memory across iterations. It is treated as an
// immutable value: the delta pipeline consumes the previous state and
// produces a new one together with the iteration's tuning record, so earlier
// iterations' views are never mutated underneath them.
type TuningState struct {
	// Overrides is the current runtime parameter map.
	Overrides map[string]float64 `json:"overrides"`

	// LastSignature is the signature of the last written overrides file.
	LastSignature string `json:"last_signature"`

	// History holds the trailing applied deltas, most recent last.
	History []AppliedDelta `json:"history"`

	// CooldownUntil maps a parameter to the iteration index before which
	// further changes are suppressed.
	CooldownUntil map[string]int `json:"cooldown_until"`

	// ConsecutivePasses counts trailing clean PASS iterations; arms freeze.
	ConsecutivePasses int `json:"consecutive_passes"`

	// Frozen indicates tuning is halted because the system is deemed stable.
	Frozen bool `json:"frozen"`
}

// NewTuningState builds the initial state from an overrides map (nil means
// defaults) and its signature.
func NewTuningState(overrides map[string]float64, signature string) TuningState {
	if overrides == nil {
		overrides = DefaultOverrides()
	}
	return TuningState{
		Overrides:     overrides,
		LastSignature: signature,
		CooldownUntil: make(map[string]int),
	}
}

// Clone returns a deep copy; the pipeline mutates only clones.
func (s TuningState) Clone() TuningState {
	out := s
	out.Overrides = make(map[string]float64, len(s.Overrides))
	for k, v := range s.Overrides {
		out.Overrides[k] = v
	}
	out.CooldownUntil = make(map[string]int, len(s.CooldownUntil))
	for k, v := range s.CooldownUntil {
		out.CooldownUntil[k] = v
	}
	out.History = make([]AppliedDelta, len(s.History))
	for i, h := range s.History {
		d := make(map[string]float64, len(h.Deltas))
		for k, v := range h.Deltas {
			d[k] = v
		}
		out.History[i] = AppliedDelta{Iteration: h.Iteration, Deltas: d}
	}
	return out
}

// velocityUsed sums |delta| for param over history entries within the
// trailing window ending at iteration (exclusive of the current proposal).
func (s TuningState) velocityUsed(param string, window, iteration int) float64 {
	if window <= 0 {
		return 0
	}
	var sum float64
	for _, h := range s.History {
		if h.Iteration <= iteration-window || h.Iteration >= iteration {
			continue
		}
		if d, ok := h.Deltas[param]; ok {
			sum += math.Abs(d)
		}
	}
	return sum
}

// deltaSigns returns the signs (+1/-1) of the most recent applied deltas for
// param, oldest first, up to k entries. Zero deltas are skipped.
func (s TuningState) deltaSigns(param string, k int) []int {
	var signs []int
	for _, h := range s.History {
		d, ok := h.Deltas[param]
		if !ok || d == 0 {
			continue
		}
		if d > 0 {
			signs = append(signs, 1)
		} else {
			signs = append(signs, -1)
		}
	}
	if len(signs) > k {
		signs = signs[len(signs)-k:]
	}
	return signs
}

// unmarshalState decodes a persisted tuning state checkpoint.
func unmarshalState(data []byte, state *TuningState) error {
	if err := json.Unmarshal(data, state); err != nil {
		return err
	}
	if state.CooldownUntil == nil {
		state.CooldownUntil = make(map[string]int)
	}
	if state.Overrides == nil {
		state.Overrides = DefaultOverrides()
	}
	return nil
}

// trimHistory keeps the most recent keep entries.
func (s *TuningState) trimHistory(keep int) {
	if keep > 0 && len(s.History) > keep {
		s.History = s.History[len(s.History)-keep:]
	}
}
