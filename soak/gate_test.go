package soak

import (
	"testing"

	"github.com/dk997467/mm-soak/soak/artifact"
)

func writeSummary(t *testing.T, store *artifact.Store, n int, kpi KPISummary) {
	t.Helper()
	s := IterationSummary{
		Iteration:      n,
		RuntimeUTC:     artifact.Timestamp(),
		NetBPS:         kpi.NetBPS,
		KPIVerdict:     VerdictPass,
		NegEdgeDrivers: []string{},
		ProposedDeltas: map[string]float64{},
		MakerTaker:     kpi.MakerTakerSource,
		Summary:        kpi,
	}
	if err := store.WriteIterationSummary(n, s); err != nil {
		t.Fatalf("write summary %d: %v", n, err)
	}
}

func healthyKPI() KPISummary {
	return KPISummary{
		NetBPS:          3.1,
		MakerTakerRatio: 0.88,
		P95LatencyMS:    120,
		RiskRatio:       0.10,
		OrderAgeP95MS:   250,
	}
}

func TestAggregate(t *testing.T) {
	t.Run("odd count", func(t *testing.T) {
		a := aggregate([]float64{3, 1, 2})
		if a.Mean != 2 || a.Median != 2 || a.Min != 1 || a.Max != 3 {
			t.Errorf("aggregate = %+v", a)
		}
	})
	t.Run("even count", func(t *testing.T) {
		a := aggregate([]float64{4, 1, 3, 2})
		if a.Mean != 2.5 || a.Median != 2.5 || a.Min != 1 || a.Max != 4 {
			t.Errorf("aggregate = %+v", a)
		}
	})
	t.Run("empty", func(t *testing.T) {
		if a := aggregate(nil); a != (Aggregate{}) {
			t.Errorf("aggregate(nil) = %+v", a)
		}
	})
}

func TestBuildSnapshot(t *testing.T) {
	t.Run("healthy window passes", func(t *testing.T) {
		store, err := artifact.NewStore(t.TempDir())
		if err != nil {
			t.Fatal(err)
		}
		for n := 1; n <= 8; n++ {
			writeSummary(t, store, n, healthyKPI())
		}

		snap, err := BuildSnapshot(store, DefaultGateThresholds())
		if err != nil {
			t.Fatalf("BuildSnapshot failed: %v", err)
		}
		if snap.Verdict != VerdictPass {
			t.Errorf("verdict = %v, failures = %v", snap.Verdict, snap.Failures)
		}
		if len(snap.Iterations) != 8 {
			t.Errorf("iterations = %v", snap.Iterations)
		}
		if snap.NetBPS.Mean != 3.1 {
			t.Errorf("NetBPS mean = %v", snap.NetBPS.Mean)
		}
	})

	t.Run("window is the trailing eight", func(t *testing.T) {
		store, err := artifact.NewStore(t.TempDir())
		if err != nil {
			t.Fatal(err)
		}
		// Iterations 1-2 are terrible, 3-10 healthy: only the trailing
		// eight count.
		bad := healthyKPI()
		bad.NetBPS = -10
		writeSummary(t, store, 1, bad)
		writeSummary(t, store, 2, bad)
		for n := 3; n <= 10; n++ {
			writeSummary(t, store, n, healthyKPI())
		}

		snap, err := BuildSnapshot(store, DefaultGateThresholds())
		if err != nil {
			t.Fatalf("BuildSnapshot failed: %v", err)
		}
		if snap.Verdict != VerdictPass {
			t.Errorf("verdict = %v, failures = %v", snap.Verdict, snap.Failures)
		}
		if snap.Iterations[0] != 3 {
			t.Errorf("window starts at %d, want 3", snap.Iterations[0])
		}
	})

	t.Run("latency spike fails on max", func(t *testing.T) {
		store, err := artifact.NewStore(t.TempDir())
		if err != nil {
			t.Fatal(err)
		}
		for n := 1; n <= 8; n++ {
			kpi := healthyKPI()
			if n == 5 {
				kpi.P95LatencyMS = 400 // one spike is enough: the gate checks max
			}
			writeSummary(t, store, n, kpi)
		}

		snap, err := BuildSnapshot(store, DefaultGateThresholds())
		if err != nil {
			t.Fatalf("BuildSnapshot failed: %v", err)
		}
		if snap.Verdict != VerdictFail {
			t.Errorf("verdict = %v, want FAIL", snap.Verdict)
		}
		if len(snap.Failures) != 1 {
			t.Errorf("failures = %v", snap.Failures)
		}
	})

	t.Run("override forces pass and is recorded", func(t *testing.T) {
		store, err := artifact.NewStore(t.TempDir())
		if err != nil {
			t.Fatal(err)
		}
		bad := healthyKPI()
		bad.NetBPS = 0.1
		for n := 1; n <= 8; n++ {
			writeSummary(t, store, n, bad)
		}

		t.Setenv(ReadinessOverrideEnv, "1")
		snap, err := BuildSnapshot(store, DefaultGateThresholds())
		if err != nil {
			t.Fatalf("BuildSnapshot failed: %v", err)
		}
		if snap.Verdict != VerdictPass || !snap.Overridden {
			t.Errorf("verdict = %v overridden = %v", snap.Verdict, snap.Overridden)
		}
		if len(snap.Failures) == 0 {
			t.Error("override hid the failure reasons")
		}
	})

	t.Run("empty stream fails", func(t *testing.T) {
		store, err := artifact.NewStore(t.TempDir())
		if err != nil {
			t.Fatal(err)
		}
		snap, err := BuildSnapshot(store, DefaultGateThresholds())
		if err != nil {
			t.Fatalf("BuildSnapshot failed: %v", err)
		}
		if snap.Verdict != VerdictFail {
			t.Errorf("verdict = %v, want FAIL", snap.Verdict)
		}
	})
}
