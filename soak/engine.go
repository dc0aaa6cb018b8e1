package soak

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dk997467/mm-soak/soak/artifact"
	"github.com/dk997467/mm-soak/soak/emit"
	"github.com/dk997467/mm-soak/soak/exchange"
	"github.com/dk997467/mm-soak/soak/store"
)

// EngineConfig is the top-level soak run configuration.
type EngineConfig struct {
	// Iterations is the number of sequential iterations (default 8).
	Iterations int

	// IterationWindow is each iteration's quoting window (default 1m).
	IterationWindow time.Duration

	// PauseBetween is the idle gap between iterations (default 0).
	PauseBetween time.Duration

	// RunID names the run for checkpoints and tracing.
	RunID string

	Orchestrator OrchestratorConfig
	Guards       GuardConfig
	Bus          BusConfig
	Thresholds   Thresholds
	RiskLimits   RiskLimits
}

func (c EngineConfig) normalize() EngineConfig {
	if c.Iterations <= 0 {
		c.Iterations = 8
	}
	if c.IterationWindow <= 0 {
		c.IterationWindow = time.Minute
	}
	if c.RunID == "" {
		c.RunID = "soak"
	}
	if c.Thresholds == (Thresholds{}) {
		c.Thresholds = DefaultThresholds()
	}
	return c
}

// Engine runs the full soak: N sequential iterations of tick loop, KPI
// watch, guarded tuning, and artifact emission, then the post-run snapshot.
//
// The engine is the single writer of the artifact stream; everything it
// persists goes through the canonical encoder and the atomic write path.
type Engine struct {
	cfg       EngineConfig
	conn      exchange.Connector
	artifacts *artifact.Store

	emitter    emit.Emitter
	registry   prometheus.Registerer
	metrics    *Metrics
	checkpoint store.Store

	orders   *OrderStore
	risk     *RiskMonitor
	bus      *CommandBus
	orch     *Orchestrator
	watcher  *Watcher
	guards   *GuardStack
	pipeline *DeltaPipeline
}

// Option configures an Engine.
type Option func(*Engine)

// WithEmitter sets the observability emitter (default: null emitter).
func WithEmitter(e emit.Emitter) Option {
	return func(eng *Engine) { eng.emitter = e }
}

// WithRegistry sets the Prometheus registry metrics are registered with.
// Nil uses the global default registerer.
func WithRegistry(r prometheus.Registerer) Option {
	return func(eng *Engine) { eng.registry = r }
}

// WithCheckpointStore persists the tuning state after every iteration so an
// interrupted run can resume.
func WithCheckpointStore(s store.Store) Option {
	return func(eng *Engine) { eng.checkpoint = s }
}

// WithRollupTakerShare supplies the weekly rollup taker share used as the
// third maker/taker ratio source.
func WithRollupTakerShare(share float64) Option {
	return func(eng *Engine) { eng.watcher.SetRollupTakerShare(share) }
}

// NewEngine wires a soak engine over a connector and an artifact stream
// directory.
func NewEngine(cfg EngineConfig, conn exchange.Connector, artifacts *artifact.Store, opts ...Option) *Engine {
	cfg = cfg.normalize()
	eng := &Engine{
		cfg:       cfg,
		conn:      conn,
		artifacts: artifacts,
		emitter:   emit.NewNullEmitter(),
		watcher:   NewWatcher(cfg.Thresholds),
	}
	for _, opt := range opts {
		opt(eng)
	}

	eng.metrics = NewMetrics(eng.registry)
	eng.orders = NewOrderStore(0)
	eng.risk = NewRiskMonitor(cfg.RiskLimits, NewPositionTracker(), eng.metrics)
	eng.bus = NewCommandBus(conn, cfg.Bus, eng.metrics)
	eng.orch = NewOrchestrator(cfg.Orchestrator, conn, eng.bus, eng.orders, eng.risk, eng.metrics, eng.emitter)
	eng.guards = NewGuardStack(cfg.Guards, eng.metrics)
	eng.pipeline = NewDeltaPipeline(artifacts, cfg.Guards, eng.metrics)
	return eng
}

// Run executes the full soak. It returns the final tuning state and the
// post-run snapshot verdict. Context cancellation stops between ticks and
// the artifacts written so far remain valid.
func (e *Engine) Run(ctx context.Context) (TuningState, Verdict, error) {
	overrides, err := LoadOverrides(e.artifacts)
	if err != nil {
		return TuningState{}, VerdictFail, fmt.Errorf("load overrides: %w", err)
	}
	sig, err := SignatureOf(overrides)
	if err != nil {
		return TuningState{}, VerdictFail, err
	}
	state := NewTuningState(overrides, sig)
	if resumed, ok, err := e.resume(ctx); err != nil {
		return TuningState{}, VerdictFail, err
	} else if ok {
		state = resumed
	}

	for iter := 1; iter <= e.cfg.Iterations; iter++ {
		if ctx.Err() != nil {
			break
		}
		next, _, err := e.runIteration(ctx, iter, state)
		if err != nil && !errors.Is(err, ErrWriteFailed) {
			return state, VerdictFail, err
		}
		state = next

		if iter < e.cfg.Iterations && e.cfg.PauseBetween > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(e.cfg.PauseBetween):
			}
		}
	}

	verdict, err := e.writeSnapshot()
	return state, verdict, err
}

// runIteration executes one iteration end to end and returns the next
// tuning state and the iteration verdict.
func (e *Engine) runIteration(ctx context.Context, iter int, state TuningState) (TuningState, Verdict, error) {
	e.emitter.Emit(emit.Event{Iteration: iter, Msg: "iteration_start"})
	e.orch.SetOverrides(state.Overrides)

	im := NewIterationMetrics()
	start := time.Now()
	if err := e.orch.RunIteration(ctx, iter, e.cfg.IterationWindow, im); err != nil {
		return state, VerdictFail, err
	}
	durationMS := float64(time.Since(start).Milliseconds())

	kpi := e.watcher.Summarize(im)
	drivers := e.watcher.Drivers(im, kpi)
	verdict := e.watcher.VerdictFor(kpi, drivers)
	if verdict == VerdictFail && iter <= e.guards.Config().WarmupIterations {
		// Early iterations run on a cold book; a warmup fail downgrades to
		// a warning so it cannot end the run or release a freeze streak.
		verdict = VerdictWarn
	}

	// A non-pass releases an armed freeze before the guards run, so tuning
	// resumes in the same iteration the regression appears.
	if verdict != VerdictPass {
		state.ConsecutivePasses = 0
		state.Frozen = false
	}

	proposal := e.watcher.Propose(kpi, drivers, state.Overrides)
	dec := e.guards.Evaluate(proposal, state, iter, drivers)

	next, rec, pipeErr := e.pipeline.Apply(iter, dec, state)
	if pipeErr != nil {
		// An invariant violation fails this iteration only: the record stays
		// unapplied, the failure ledger gets an entry, and the run continues.
		verdict = VerdictFail
		e.emitter.Emit(emit.Event{Iteration: iter, Msg: "delta_failed", Meta: map[string]any{"error": pipeErr.Error()}})
		if err := e.artifacts.AppendFailure(iter, pipeErr.Error()); err != nil {
			e.metrics.WritesFailed.Inc()
		}
	}
	if rec.Applied {
		e.emitter.Emit(emit.Event{Iteration: iter, Msg: "delta_applied", Meta: map[string]any{
			"signature": rec.Signature.After, "changed_keys": rec.ChangedKeys,
		}})
	} else if len(rec.SkipReason) > 0 {
		e.emitter.Emit(emit.Event{Iteration: iter, Msg: "delta_skipped", Meta: map[string]any{"skip_reason": rec.SkipReason}})
	}

	// Freeze bookkeeping: a clean pass extends the streak and can arm the
	// freeze; anything else releases it immediately.
	if verdict == VerdictPass {
		next.ConsecutivePasses++
		if e.guards.FreezeReady(next.ConsecutivePasses) {
			next.Frozen = true
		}
	} else {
		next.ConsecutivePasses = 0
		next.Frozen = false
	}

	summary := IterationSummary{
		Iteration:      iter,
		RuntimeUTC:     artifact.Timestamp(),
		DurationMS:     durationMS,
		NetBPS:         kpi.NetBPS,
		KPIVerdict:     verdict,
		NegEdgeDrivers: drivers,
		ProposedDeltas: nonNilDeltas(proposal.Deltas),
		Tuning:         rec,
		MakerTaker:     kpi.MakerTakerSource,
		FreezeReady:    next.Frozen,
		Summary:        kpi,
	}
	if err := e.artifacts.WriteIterationSummary(iter, summary); err != nil {
		e.metrics.WritesFailed.Inc()
		return next, verdict, fmt.Errorf("%w: summary %d: %v", ErrWriteFailed, iter, err)
	}
	if err := e.artifacts.AppendTuningReport(rec); err != nil {
		e.metrics.WritesFailed.Inc()
		return next, verdict, fmt.Errorf("%w: tuning report: %v", ErrWriteFailed, err)
	}
	if verdict == VerdictFail && pipeErr == nil {
		reason := "negative edge"
		if len(drivers) > 0 {
			reason = drivers[0]
		}
		if err := e.artifacts.AppendFailure(iter, reason); err != nil {
			return next, verdict, fmt.Errorf("%w: failures: %v", ErrWriteFailed, err)
		}
	}

	// The overrides file changes only after this iteration's summary is on
	// disk, so the inputs the next iteration reads are never newer than the
	// last persisted summary.
	if rec.Applied {
		if err := e.pipeline.Commit(next.Overrides); err != nil {
			e.emitter.Emit(emit.Event{Iteration: iter, Msg: "delta_failed", Meta: map[string]any{"error": err.Error()}})
			if aerr := e.artifacts.AppendFailure(iter, SkipWriteFailed); aerr != nil {
				e.metrics.WritesFailed.Inc()
			}
			// The file still holds the previous overrides, so the run carries
			// the prior tuning state forward; only the freeze bookkeeping from
			// this iteration survives.
			reverted := state.Clone()
			reverted.ConsecutivePasses = next.ConsecutivePasses
			reverted.Frozen = next.Frozen
			if cerr := e.saveCheckpoint(ctx, iter, reverted); cerr != nil {
				e.emitter.Emit(emit.Event{Iteration: iter, Msg: "checkpoint_failed", Meta: map[string]any{"error": cerr.Error()}})
			}
			return reverted, verdict, err
		}
	}

	if err := e.saveCheckpoint(ctx, iter, next); err != nil {
		e.emitter.Emit(emit.Event{Iteration: iter, Msg: "checkpoint_failed", Meta: map[string]any{"error": err.Error()}})
	}
	return next, verdict, nil
}

func nonNilDeltas(m map[string]float64) map[string]float64 {
	if m == nil {
		return map[string]float64{}
	}
	return m
}

// writeSnapshot aggregates the trailing window and writes the post-run
// snapshot artifact.
func (e *Engine) writeSnapshot() (Verdict, error) {
	snap, err := BuildSnapshot(e.artifacts, DefaultGateThresholds())
	if err != nil {
		return VerdictFail, err
	}
	if err := e.artifacts.WriteSnapshot(snap); err != nil {
		e.metrics.WritesFailed.Inc()
		return snap.Verdict, fmt.Errorf("%w: snapshot: %v", ErrWriteFailed, err)
	}
	return snap.Verdict, nil
}

func (e *Engine) saveCheckpoint(ctx context.Context, iter int, state TuningState) error {
	if e.checkpoint == nil {
		return nil
	}
	data, err := artifact.Marshal(state)
	if err != nil {
		return err
	}
	return e.checkpoint.Save(ctx, e.cfg.RunID, iter, data)
}

// resume loads the latest persisted tuning state, if a checkpoint store is
// configured and holds one for this run.
func (e *Engine) resume(ctx context.Context) (TuningState, bool, error) {
	if e.checkpoint == nil {
		return TuningState{}, false, nil
	}
	data, _, err := e.checkpoint.Latest(ctx, e.cfg.RunID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return TuningState{}, false, nil
		}
		return TuningState{}, false, err
	}
	var state TuningState
	if err := unmarshalState(data, &state); err != nil {
		return TuningState{}, false, err
	}
	return state, true, nil
}
