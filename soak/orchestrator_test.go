package soak

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dk997467/mm-soak/soak/exchange"
)

func TestMDCacheGapInvalidation(t *testing.T) {
	c := newMDCache()
	snap := func(seq uint64) exchange.OrderBookSnapshot {
		return exchange.OrderBookSnapshot{Symbol: "BTC", Seq: seq}
	}

	if c.put(snap(1), 1) {
		t.Error("first snapshot invalidated")
	}
	if c.put(snap(2), 1) {
		t.Error("contiguous snapshot invalidated")
	}
	// One missed update stays within the threshold.
	if c.put(snap(4), 1) {
		t.Error("in-threshold gap invalidated")
	}

	// A jump past the threshold drops the cached book; the symbol stays
	// dark until a fresh snapshot arrives.
	if !c.put(snap(9), 1) {
		t.Error("over-threshold gap not flagged")
	}
	if _, ok := c.get("BTC"); ok {
		t.Error("stale book still served after the gap")
	}

	if c.put(snap(10), 1) {
		t.Error("recovery snapshot invalidated")
	}
	if got, ok := c.get("BTC"); !ok || got.Seq != 10 {
		t.Errorf("book = %+v ok=%v after recovery", got, ok)
	}
}

func TestTickDeadlineMiss(t *testing.T) {
	// One symbol answers instantly, the other sits behind injected latency
	// well past the tick deadline. The slow symbol must burn its ticks
	// without starving the healthy one.
	conn := exchange.NewFake(exchange.FakeConfig{
		Seed:             11,
		SnapshotInterval: 5 * time.Millisecond,
		RejectProb:       -1,
		FillProb:         -1,
		StartPrice:       map[string]float64{"FAST": 100, "SLOW": 100},
		Chaos:            exchange.ChaosConfig{Enabled: true, LatencyMS: 300, LatencySymbol: "SLOW"},
	})
	metrics := NewMetrics(prometheus.NewRegistry())
	orders := NewOrderStore(0)
	risk := NewRiskMonitor(RiskLimits{}, NewPositionTracker(), metrics)
	bus := NewCommandBus(conn, BusConfig{}, metrics)
	orch := NewOrchestrator(OrchestratorConfig{
		Symbols:      []string{"FAST", "SLOW"},
		TickInterval: 20 * time.Millisecond,
		TickDeadline: 50 * time.Millisecond,
	}, conn, bus, orders, risk, metrics, nil)

	im := NewIterationMetrics()
	if err := orch.RunIteration(context.Background(), 1, 400*time.Millisecond, im); err != nil {
		t.Fatalf("RunIteration failed: %v", err)
	}

	im.mu.Lock()
	misses, places := im.deadlineMisses, im.placeAttempts
	im.mu.Unlock()
	if misses == 0 {
		t.Error("no deadline misses recorded under injected latency")
	}
	if places == 0 {
		t.Error("healthy symbol produced no place attempts")
	}
}
