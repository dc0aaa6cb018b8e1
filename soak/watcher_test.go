package soak

import (
	"math"
	"testing"

	"github.com/dk997467/mm-soak/soak/exchange"
)

func TestPercentile(t *testing.T) {
	tests := []struct {
		name    string
		samples []float64
		p       float64
		want    float64
	}{
		{name: "empty", samples: nil, p: 95, want: 0},
		{name: "single", samples: []float64{7}, p: 95, want: 7},
		{name: "p95 of 100", samples: seq(1, 100), p: 95, want: 95},
		{name: "p50 of 100", samples: seq(1, 100), p: 50, want: 50},
		{name: "unsorted input", samples: []float64{30, 10, 20}, p: 100, want: 30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := percentile(tt.samples, tt.p); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func seq(lo, hi int) []float64 {
	out := make([]float64, 0, hi-lo+1)
	for i := lo; i <= hi; i++ {
		out = append(out, float64(i))
	}
	return out
}

func TestSummarize(t *testing.T) {
	w := NewWatcher(DefaultThresholds())

	t.Run("net edge formula", func(t *testing.T) {
		m := NewIterationMetrics()
		m.AddFill(exchange.FillEvent{
			Side: exchange.Buy, Price: 100, Size: 1, Maker: true,
			GrossBPS: 5, FeeBPS: 0.5, SlippageBPS: -0.5, AdverseBPS: 1,
		})
		m.AddFill(exchange.FillEvent{
			Side: exchange.Sell, Price: 100, Size: 1, Maker: false,
			GrossBPS: 2, FeeBPS: 1, SlippageBPS: 0.5, AdverseBPS: 2,
		})

		k := w.Summarize(m)
		if k.GrossBPS != 3.5 {
			t.Errorf("GrossBPS = %v, want 3.5", k.GrossBPS)
		}
		// Fees forced negative regardless of the exchange's sign.
		if k.FeesEffBPS != -0.75 {
			t.Errorf("FeesEffBPS = %v, want -0.75", k.FeesEffBPS)
		}
		if k.SlippageBPS != 0 {
			t.Errorf("SlippageBPS = %v, want 0", k.SlippageBPS)
		}
		// Balanced flow: no inventory cost. net = 3.5 - 0.75 + 0 - 0.
		if math.Abs(k.NetBPS-2.75) > 1e-12 {
			t.Errorf("NetBPS = %v, want 2.75", k.NetBPS)
		}
		// Adverse is tracked but never subtracted from net.
		if k.AdverseBPS != 1.5 {
			t.Errorf("AdverseBPS = %v, want 1.5", k.AdverseBPS)
		}
		if k.MakerTakerRatio != 0.5 || k.MakerTakerSource != MakerTakerSourceFillsVolume {
			t.Errorf("maker/taker = %v from %q", k.MakerTakerRatio, k.MakerTakerSource)
		}
	})

	t.Run("non finite fills dropped", func(t *testing.T) {
		m := NewIterationMetrics()
		m.AddFill(exchange.FillEvent{Price: 100, Size: 1, GrossBPS: math.NaN()})
		m.AddFill(exchange.FillEvent{Price: 100, Size: 1, GrossBPS: 4})

		k := w.Summarize(m)
		if k.Fills != 1 {
			t.Errorf("Fills = %d, want 1", k.Fills)
		}
		if m.NumericDrops() != 1 {
			t.Errorf("NumericDrops = %d, want 1", m.NumericDrops())
		}
	})

	t.Run("maker taker source priority", func(t *testing.T) {
		t.Run("fills_count when volume is zero", func(t *testing.T) {
			m := NewIterationMetrics()
			m.AddFill(exchange.FillEvent{Size: 0, Maker: true})
			m.AddFill(exchange.FillEvent{Size: 0, Maker: false})
			k := w.Summarize(m)
			if k.MakerTakerRatio != 0.5 || k.MakerTakerSource != MakerTakerSourceFillsCount {
				t.Errorf("got %v from %q", k.MakerTakerRatio, k.MakerTakerSource)
			}
		})

		t.Run("rollup when no fills", func(t *testing.T) {
			wr := NewWatcher(DefaultThresholds())
			wr.SetRollupTakerShare(0.25)
			k := wr.Summarize(NewIterationMetrics())
			if k.MakerTakerRatio != 0.75 || k.MakerTakerSource != MakerTakerSourceRollup {
				t.Errorf("got %v from %q", k.MakerTakerRatio, k.MakerTakerSource)
			}
		})

		t.Run("mock as last resort", func(t *testing.T) {
			k := w.Summarize(NewIterationMetrics())
			if k.MakerTakerRatio != mockMakerTakerRatio || k.MakerTakerSource != MakerTakerSourceMock {
				t.Errorf("got %v from %q", k.MakerTakerRatio, k.MakerTakerSource)
			}
		})
	})

	t.Run("risk ratio over attempts", func(t *testing.T) {
		m := NewIterationMetrics()
		m.AddPlaceAttempts(6)
		m.AddRiskBlocks(4)
		k := w.Summarize(m)
		if k.RiskRatio != 0.4 {
			t.Errorf("RiskRatio = %v, want 0.4", k.RiskRatio)
		}
	})
}

func TestDetectDrivers(t *testing.T) {
	w := NewWatcher(DefaultThresholds())

	t.Run("fixed priority order", func(t *testing.T) {
		k := KPISummary{
			RiskRatio:      0.5,
			SlippageBPSP95: 3.0,
			AdverseBPSP95:  5.0,
			OrderAgeP95MS:  400,
			WSLagP95MS:     500,
		}
		got := w.DetectDrivers(k)
		want := []string{DriverRiskBlocks, DriverSlippage, DriverAdverse, DriverOrderAge, DriverWSLag}
		if len(got) != len(want) {
			t.Fatalf("got %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("got %v, want %v", got, want)
			}
		}
	})

	t.Run("quiet iteration has none", func(t *testing.T) {
		if got := w.DetectDrivers(KPISummary{}); len(got) != 0 {
			t.Errorf("got %v, want none", got)
		}
	})

	t.Run("pacing driver from collector counts", func(t *testing.T) {
		m := NewIterationMetrics()
		m.AddPlaceAttempts(5)
		m.AddMinIntervalBlocks(5)
		got := w.Drivers(m, KPISummary{})
		if len(got) != 1 || got[0] != DriverMinIntervalBlocks {
			t.Errorf("got %v, want [min_interval_blocks]", got)
		}
	})
}

func TestVerdictFor(t *testing.T) {
	w := NewWatcher(DefaultThresholds())

	tests := []struct {
		name    string
		kpi     KPISummary
		drivers []string
		want    Verdict
	}{
		{name: "clean pass", kpi: KPISummary{NetBPS: 3}, want: VerdictPass},
		{name: "soft drivers warn", kpi: KPISummary{NetBPS: 3}, drivers: []string{DriverOrderAge, DriverWSLag}, want: VerdictWarn},
		{name: "hard driver fails", kpi: KPISummary{NetBPS: 3}, drivers: []string{DriverSlippage}, want: VerdictFail},
		{name: "risk fails", kpi: KPISummary{NetBPS: 3}, drivers: []string{DriverRiskBlocks}, want: VerdictFail},
		{name: "negative edge fails without drivers", kpi: KPISummary{NetBPS: -0.1}, want: VerdictFail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := w.VerdictFor(tt.kpi, tt.drivers); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPropose(t *testing.T) {
	w := NewWatcher(DefaultThresholds())

	t.Run("age relief loosens pacing", func(t *testing.T) {
		k := KPISummary{OrderAgeP95MS: 360, AdverseBPSP95: 3.0, SlippageBPSP95: 2.0, NetBPS: 1}
		p := w.Propose(k, nil, DefaultOverrides())

		if got := p.Deltas["min_interval_ms"]; got != -10 {
			t.Errorf("min_interval_ms delta = %v, want -10", got)
		}
		if got := p.Deltas["replace_rate_per_min"]; got != 30 {
			t.Errorf("replace_rate_per_min delta = %v, want +30", got)
		}
		if len(p.Rationale) != 1 || p.Rationale[0] != RationaleAgeRelief {
			t.Errorf("rationale = %v", p.Rationale)
		}
	})

	t.Run("age relief respects rule caps", func(t *testing.T) {
		cur := DefaultOverrides()
		cur["min_interval_ms"] = 55
		cur["replace_rate_per_min"] = 320
		k := KPISummary{OrderAgeP95MS: 360, AdverseBPSP95: 3.0, SlippageBPSP95: 2.0, NetBPS: 1}
		p := w.Propose(k, nil, cur)

		// -10 would land at 45, below the 50 floor of the relief rule.
		if got := p.Deltas["min_interval_ms"]; got != -5 {
			t.Errorf("min_interval_ms delta = %v, want -5", got)
		}
		// +30 would land at 350, above the 330 ceiling of the relief rule.
		if got := p.Deltas["replace_rate_per_min"]; got != 10 {
			t.Errorf("replace_rate_per_min delta = %v, want +10", got)
		}
	})

	t.Run("age relief blocked by adverse pressure", func(t *testing.T) {
		k := KPISummary{OrderAgeP95MS: 360, AdverseBPSP95: 4.5, SlippageBPSP95: 2.0}
		p := w.Propose(k, nil, DefaultOverrides())
		if !p.Empty() {
			t.Errorf("expected empty proposal, got %v", p.Deltas)
		}
	})

	t.Run("maker bias uplift", func(t *testing.T) {
		k := KPISummary{MakerTakerRatio: 0.80, RiskRatio: 0.1, NetBPS: 3.2}
		p := w.Propose(k, nil, DefaultOverrides())

		if got := p.Deltas["base_spread_bps_delta"]; got != 0.015 {
			t.Errorf("base_spread_bps_delta = %v, want 0.015", got)
		}
		if got := p.Deltas["replace_rate_per_min"]; math.Abs(got-(-45)) > 1e-9 {
			t.Errorf("replace_rate_per_min = %v, want -45", got)
		}
		if got := p.Deltas["min_interval_ms"]; got != 25 {
			t.Errorf("min_interval_ms = %v, want 25", got)
		}
		if len(p.Rationale) != 1 || p.Rationale[0] != RationaleMakerBias {
			t.Errorf("rationale = %v", p.Rationale)
		}
	})

	t.Run("maker bias requires healthy edge", func(t *testing.T) {
		k := KPISummary{MakerTakerRatio: 0.80, RiskRatio: 0.1, NetBPS: 1.0}
		if p := w.Propose(k, nil, DefaultOverrides()); !p.Empty() {
			t.Errorf("expected empty proposal, got %v", p.Deltas)
		}
	})

	t.Run("severe risk driver widens and slows", func(t *testing.T) {
		k := KPISummary{RiskRatio: 0.7, NetBPS: 1}
		p := w.Propose(k, []string{DriverRiskBlocks}, DefaultOverrides())

		if p.Severity != "high" {
			t.Errorf("severity = %q, want high", p.Severity)
		}
		if got := p.Deltas["min_interval_ms"]; got != 5 {
			t.Errorf("min_interval_ms = %v, want +5", got)
		}
		if got := p.Deltas["impact_cap_ratio"]; math.Abs(got-(-0.01)) > 1e-12 {
			t.Errorf("impact_cap_ratio = %v, want -0.01", got)
		}
		if got := p.Deltas["tail_age_ms"]; got != 30 {
			t.Errorf("tail_age_ms = %v, want +30 toward 680", got)
		}
	})

	t.Run("quiet iteration proposes nothing", func(t *testing.T) {
		p := w.Propose(KPISummary{NetBPS: 2}, nil, DefaultOverrides())
		if !p.Empty() || p.Severity != "none" {
			t.Errorf("got %v severity %q", p.Deltas, p.Severity)
		}
	})
}
