// readiness-gate judges a finished soak stream against the windowed KPI
// thresholds and exits 0 (ready), 1 (not ready), or 2 (cannot judge).
// Setting READINESS_OVERRIDE=1 forces exit 0; the forced pass is logged and
// recorded in the snapshot.
package main

import (
	"os"

	flags "github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"

	"github.com/dk997467/mm-soak/soak"
	"github.com/dk997467/mm-soak/soak/artifact"
)

const (
	exitReady    = 0
	exitNotReady = 1
	exitNoJudge  = 2
)

type args struct {
	Path          string  `long:"path" default:"artifacts/soak/main" description:"Artifact stream directory"`
	MinMakerTaker float64 `long:"min_maker_taker" default:"0.83" description:"Minimum maker/taker ratio mean"`
	MinEdge       float64 `long:"min_edge" default:"2.9" description:"Minimum net edge bps mean"`
	MaxLatency    float64 `long:"max_latency" default:"330" description:"Maximum p95 tick latency ms"`
	MaxRisk       float64 `long:"max_risk" default:"0.40" description:"Maximum risk ratio median"`
	JSONLogs      bool    `long:"json" description:"JSON log output"`
	WriteSnapshot bool    `long:"write_snapshot" description:"Rewrite POST_SOAK_SNAPSHOT.json with this judgement"`
}

func main() {
	var opts args
	if _, err := flags.NewParser(&opts, flags.Default).Parse(); err != nil {
		os.Exit(exitNoJudge)
	}
	if opts.JSONLogs {
		log.SetFormatter(&log.JSONFormatter{})
	}

	store, err := artifact.NewStore(opts.Path)
	if err != nil {
		log.WithError(err).Error("cannot open stream directory")
		os.Exit(exitNoJudge)
	}

	thresholds := soak.GateThresholds{
		MinMakerTakerMean: opts.MinMakerTaker,
		MinNetBPSMean:     opts.MinEdge,
		MaxP95LatencyMS:   opts.MaxLatency,
		MaxRiskMedian:     opts.MaxRisk,
	}

	snap, err := soak.BuildSnapshot(store, thresholds)
	if err != nil {
		log.WithError(err).Error("cannot aggregate iteration summaries")
		os.Exit(exitNoJudge)
	}
	if len(snap.Iterations) == 0 {
		log.Error("no iteration summaries to judge")
		os.Exit(exitNoJudge)
	}

	if opts.WriteSnapshot {
		if err := store.WriteSnapshot(snap); err != nil {
			log.WithError(err).Error("cannot write snapshot")
			os.Exit(exitNoJudge)
		}
	}

	fields := log.Fields{
		"iterations":       len(snap.Iterations),
		"net_bps_mean":     snap.NetBPS.Mean,
		"maker_taker_mean": snap.MakerTaker.Mean,
		"p95_latency_max":  snap.P95Latency.Max,
		"risk_median":      snap.RiskRatio.Median,
	}
	for _, f := range snap.Failures {
		log.WithFields(fields).Warn(f)
	}

	switch {
	case snap.Overridden:
		log.WithFields(fields).Warn("readiness forced by READINESS_OVERRIDE=1")
		os.Exit(exitReady)
	case snap.Verdict == soak.VerdictPass:
		log.WithFields(fields).Info("ready")
		os.Exit(exitReady)
	default:
		log.WithFields(fields).Error("not ready")
		os.Exit(exitNotReady)
	}
}
