package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/dk997467/mm-soak/soak"
	"github.com/dk997467/mm-soak/soak/artifact"
	"github.com/dk997467/mm-soak/soak/emit"
	"github.com/dk997467/mm-soak/soak/exchange"
	"github.com/dk997467/mm-soak/soak/store"
)

type runArgs struct {
	Dir        string  `long:"dir" default:"artifacts/soak/main" description:"Artifact stream directory"`
	Symbols    string  `long:"symbols" default:"BTCUSDT,ETHUSDT" description:"Comma-separated symbols"`
	Iterations int     `long:"iterations" default:"8" description:"Number of soak iterations"`
	WindowSec  int     `long:"window_sec" default:"60" description:"Iteration window in seconds"`
	PauseSec   int     `long:"pause_sec" default:"0" description:"Pause between iterations in seconds"`
	RunID      string  `long:"run_id" default:"soak" description:"Run identifier for checkpoints"`
	Seed       int64   `long:"seed" default:"1" description:"Fake connector RNG seed"`
	StartPrice float64 `long:"start_price" default:"50000" description:"Fake connector starting price"`
}

type tuningArgs struct {
	Strict  bool   `long:"strict" description:"Verify artifacts with the strict profile after the run"`
	Verify  bool   `long:"verify" description:"Verify artifacts after the run"`
	Rollup  string `long:"rollup_taker_share" description:"Weekly rollup taker share (e.g. 0.2)"`
	Legacy  bool   `long:"legacy_bus" description:"Disable command coalescing (one call per intent)"`
	RatePS  float64 `long:"rate_per_sec" default:"50" description:"Outbound exchange calls per second"`
}

type chaosArgs struct {
	Enabled    bool    `long:"enabled" description:"Enable chaos injection"`
	DryRun     bool    `long:"dry_run" description:"Log chaos decisions without applying them"`
	LatencyMS  int     `long:"latency_ms" description:"Injected per-batch latency"`
	RejectRate float64 `long:"reject_rate" description:"Per-order reject probability"`
	WSGapEvery int     `long:"ws_gap_every" description:"Inject a sequence gap every N snapshots"`
}

type obsArgs struct {
	MetricsAddr string `long:"metrics_addr" description:"Serve Prometheus metrics on this address (e.g. :9091)"`
	JSONLogs    bool   `long:"json" description:"JSON log output"`
	Events      string `long:"events" choice:"none" choice:"text" choice:"jsonl" choice:"otel" default:"text" description:"Event emitter"`
	Checkpoint  string `long:"checkpoint" description:"Checkpoint store: sqlite path, or mysql:<dsn>"`
}

type args struct {
	Run    runArgs    `group:"Run" namespace:"run"`
	Tuning tuningArgs `group:"Tuning"`
	Chaos  chaosArgs  `group:"Chaos" namespace:"chaos"`
	Obs    obsArgs    `group:"Observability"`
}

func main() {
	var opts args
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}

	if opts.Obs.JSONLogs {
		log.SetFormatter(&log.JSONFormatter{})
	}

	if err := run(opts); err != nil {
		log.WithError(err).Fatal("soak run failed")
	}
}

func run(opts args) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-signalCh
		log.WithField("signal", sig).Info("caught signal, stopping after current tick")
		cancel()
	}()

	artifacts, err := artifact.NewStore(opts.Run.Dir)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	if opts.Obs.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(opts.Obs.MetricsAddr, mux); err != nil {
				log.WithError(err).Warn("metrics server stopped")
			}
		}()
		log.WithField("addr", opts.Obs.MetricsAddr).Info("serving metrics")
	}

	emitter, flush := buildEmitter(opts.Obs)
	defer flush()

	symbols := splitSymbols(opts.Run.Symbols)
	startPrices := make(map[string]float64, len(symbols))
	for _, sym := range symbols {
		startPrices[sym] = opts.Run.StartPrice
	}
	conn := exchange.NewFake(exchange.FakeConfig{
		Seed:       opts.Run.Seed,
		StartPrice: startPrices,
		Chaos: exchange.ChaosConfig{
			Enabled:    opts.Chaos.Enabled,
			DryRun:     opts.Chaos.DryRun,
			LatencyMS:  opts.Chaos.LatencyMS,
			RejectRate: opts.Chaos.RejectRate,
			WSGapEvery: opts.Chaos.WSGapEvery,
		},
	})

	cfg := soak.EngineConfig{
		Iterations:      opts.Run.Iterations,
		IterationWindow: time.Duration(opts.Run.WindowSec) * time.Second,
		PauseBetween:    time.Duration(opts.Run.PauseSec) * time.Second,
		RunID:           opts.Run.RunID,
		Orchestrator: soak.OrchestratorConfig{
			Symbols: symbols,
		},
		Bus: soak.BusConfig{
			Legacy:     opts.Tuning.Legacy,
			RatePerSec: opts.Tuning.RatePS,
			Burst:      4,
		},
		RiskLimits: soak.RiskLimits{
			MaxInventory:     1.0,
			MaxTotalNotional: 5_000_000,
			FreezeEdgeBPS:    -2.0,
		},
	}

	engineOpts := []soak.Option{
		soak.WithEmitter(emitter),
		soak.WithRegistry(registry),
	}
	if opts.Tuning.Rollup != "" {
		var share float64
		if _, err := fmt.Sscanf(opts.Tuning.Rollup, "%f", &share); err != nil {
			return fmt.Errorf("bad rollup_taker_share %q: %w", opts.Tuning.Rollup, err)
		}
		engineOpts = append(engineOpts, soak.WithRollupTakerShare(share))
	}
	if opts.Obs.Checkpoint != "" {
		cp, err := openCheckpoint(opts.Obs.Checkpoint)
		if err != nil {
			return err
		}
		defer func() { _ = cp.Close() }()
		engineOpts = append(engineOpts, soak.WithCheckpointStore(cp))
	}

	engine := soak.NewEngine(cfg, conn, artifacts, engineOpts...)

	log.WithFields(log.Fields{
		"dir":        opts.Run.Dir,
		"symbols":    symbols,
		"iterations": cfg.Iterations,
		"window":     cfg.IterationWindow,
	}).Info("starting soak run")

	state, verdict, err := engine.Run(ctx)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"verdict":   verdict,
		"signature": state.LastSignature,
		"frozen":    state.Frozen,
	}).Info("soak run complete")

	if opts.Tuning.Verify || opts.Tuning.Strict {
		mode := soak.VerifyDefault
		if opts.Tuning.Strict {
			mode = soak.VerifyStrict
		}
		res, err := soak.NewVerifier(artifacts, mode).Verify()
		if err != nil {
			return err
		}
		log.WithFields(log.Fields{
			"outcome":  res.Outcome,
			"coverage": res.Coverage,
			"stuck":    res.Stuck,
		}).Info("artifact verification")
		if !res.Accepted() {
			return fmt.Errorf("artifact verification failed: %s (coverage %.2f)", res.Outcome, res.Coverage)
		}
	}
	return nil
}

func buildEmitter(obs obsArgs) (emit.Emitter, func()) {
	switch obs.Events {
	case "none":
		return emit.NewNullEmitter(), func() {}
	case "jsonl":
		return emit.NewLogEmitter(os.Stdout, true), func() {}
	case "otel":
		tp := sdktrace.NewTracerProvider()
		flush := func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(ctx)
		}
		return emit.NewOTelEmitter(tp.Tracer("mm-soak")), flush
	default:
		var w io.Writer = os.Stdout
		return emit.NewLogEmitter(w, false), func() {}
	}
}

func openCheckpoint(spec string) (store.Store, error) {
	if dsn, ok := strings.CutPrefix(spec, "mysql:"); ok {
		return store.NewMySQLStore(dsn)
	}
	return store.NewSQLiteStore(spec)
}

func splitSymbols(s string) []string {
	var out []string
	for _, sym := range strings.Split(s, ",") {
		if sym = strings.TrimSpace(sym); sym != "" {
			out = append(out, sym)
		}
	}
	return out
}
