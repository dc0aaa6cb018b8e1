package soak

import (
	"fmt"
	"math"
	"sort"

	"github.com/dk997467/mm-soak/soak/artifact"
)

// noopEpsilon is the threshold below which a post-clamp effective delta is
// treated as no change at all.
const noopEpsilon = 1e-9

// Skip reasons produced by the pipeline itself (guards contribute theirs).
const (
	SkipNoEffectiveChange = "no_effective_change"
	SkipWriteFailed       = "write_failed"
)

// SignatureOf returns the canonical signature of an overrides map. The same
// map always signs identically regardless of insertion order.
func SignatureOf(overrides map[string]float64) (string, error) {
	if overrides == nil {
		overrides = map[string]float64{}
	}
	return artifact.SHA256(overrides)
}

// DeltaPipeline turns a guard-approved proposal into the next tuning state:
// merge onto the current overrides, clamp to declared bounds, drop
// sub-epsilon no-ops, and sign before and after. Apply is pure; the caller
// persists the result through Commit after the iteration summary is on disk.
type DeltaPipeline struct {
	store   *artifact.Store
	cfg     GuardConfig
	metrics *Metrics
}

// NewDeltaPipeline creates a pipeline writing through the given artifact
// store. The guard config supplies the cooldown span recorded on applied
// parameters.
func NewDeltaPipeline(store *artifact.Store, cfg GuardConfig, metrics *Metrics) *DeltaPipeline {
	return &DeltaPipeline{store: store, cfg: cfg.normalize(), metrics: metrics}
}

func (p *DeltaPipeline) outcome(label string) {
	if p.metrics != nil {
		p.metrics.TuningOutcomes.WithLabelValues(label).Inc()
	}
}

// Apply runs the pipeline for one iteration. It returns the next tuning
// state and the iteration's tuning record. The input state is never mutated.
// Nothing is written here: an applied record takes effect only once the
// caller commits the new overrides.
func (p *DeltaPipeline) Apply(iteration int, dec GuardDecision, state TuningState) (TuningState, TuningRecord, error) {
	before, err := SignatureOf(state.Overrides)
	if err != nil {
		return state, TuningRecord{}, err
	}

	rec := TuningRecord{
		Iteration:  iteration,
		SkipReason: append([]string{}, dec.Tags...),
		Signature:  SignaturePair{Before: before, After: before},
		Deltas:     map[string]float64{},
		Rationale:  append([]string{}, dec.Proposal.Rationale...),
	}

	// An oscillation trip freezes the parameter even though nothing was
	// applied, so the cooldown stamps land on every path out of here.
	next := state.Clone()
	for _, key := range dec.CooldownKeys {
		next.CooldownUntil[key] = iteration + p.cfg.CooldownIterations + 1
	}

	if dec.Outcome == OutcomeSkip || dec.Proposal.Empty() {
		if len(rec.SkipReason) == 0 {
			rec.SkipReason = append(rec.SkipReason, SkipNoEffectiveChange)
		}
		p.outcome(string(OutcomeSkip))
		return next, rec, nil
	}

	// Merge and clamp in sorted key order so effective deltas are
	// reproducible run to run.
	keys := make([]string, 0, len(dec.Proposal.Deltas))
	for k := range dec.Proposal.Deltas {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	effective := map[string]float64{}
	for _, key := range keys {
		cur, ok := next.Overrides[key]
		if !ok {
			cur = defaultOverrides[key]
		}
		clamped, err := ClampParam(key, cur+dec.Proposal.Deltas[key])
		if err != nil {
			return state, rec, err
		}
		if d := clamped - cur; math.Abs(d) > noopEpsilon {
			effective[key] = d
			next.Overrides[key] = clamped
		}
	}

	if len(effective) == 0 {
		rec.SkipReason = append(rec.SkipReason, SkipNoEffectiveChange)
		p.outcome(string(OutcomeSkip))
		return next, rec, nil
	}

	after, err := SignatureOf(next.Overrides)
	if err != nil {
		return state, rec, err
	}

	next.LastSignature = after
	next.History = append(next.History, AppliedDelta{Iteration: iteration, Deltas: effective})
	next.trimHistory(historyRetention(p.cfg))
	for key := range effective {
		next.CooldownUntil[key] = iteration + p.cfg.CooldownIterations + 1
	}

	rec.Applied = true
	rec.Signature.After = after
	rec.Deltas = effective
	for _, key := range keys {
		if _, ok := effective[key]; ok {
			rec.ChangedKeys = append(rec.ChangedKeys, key)
		}
	}

	if dec.Outcome == OutcomePartial {
		p.outcome(string(OutcomePartial))
	} else {
		p.outcome(string(OutcomeApply))
	}
	return next, rec, nil
}

// Commit atomically replaces the overrides file with the applied state's
// overrides. It runs after the iteration summary is persisted so readers of
// iteration i+1's inputs always find iteration i's summary first.
func (p *DeltaPipeline) Commit(overrides map[string]float64) error {
	if err := p.store.WriteOverrides(overrides); err != nil {
		if p.metrics != nil {
			p.metrics.WritesFailed.Inc()
		}
		return fmt.Errorf("%w: overrides: %v", ErrWriteFailed, err)
	}
	return nil
}

// historyRetention keeps enough applied-delta history for the widest
// trailing-window guard.
func historyRetention(cfg GuardConfig) int {
	keep := cfg.VelocityWindow
	if cfg.OscillationK > keep {
		keep = cfg.OscillationK
	}
	return keep * 4
}

// LoadOverrides reads and validates the overrides file, falling back to
// defaults when the file is absent. Unknown keys and out-of-bound values are
// rejected, not silently dropped.
func LoadOverrides(store *artifact.Store) (map[string]float64, error) {
	m, err := store.ReadOverrides()
	if err != nil {
		return nil, err
	}
	if m == nil {
		return DefaultOverrides(), nil
	}
	if err := ValidateOverrides(m); err != nil {
		return nil, err
	}
	// Absent keys take defaults so the effective map is always complete.
	for k, v := range defaultOverrides {
		if _, ok := m[k]; !ok {
			m[k] = v
		}
	}
	return m, nil
}
