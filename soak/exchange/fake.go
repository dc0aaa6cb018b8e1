package exchange

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/dk997467/mm-soak/soak/artifact"
)

// ChaosConfig enables fault injection in the fake backend. With DryRun set,
// scenarios are evaluated and counted but no fault is actually injected.
type ChaosConfig struct {
	Enabled bool
	DryRun  bool

	// LatencyMS is an artificial delay added to each batched call.
	LatencyMS int

	// LatencySymbol restricts the latency scenario to one symbol.
	// Empty means all symbols.
	LatencySymbol string

	// RejectRate is an additional per-order reject probability.
	RejectRate float64

	// WSGapEvery forces a sequence gap on every Nth orderbook snapshot,
	// simulating a websocket drop. Zero disables the scenario.
	WSGapEvery int
}

// FakeConfig configures the deterministic fake backend.
type FakeConfig struct {
	// Seed drives every random decision. Equal seeds with equal call
	// sequences produce equal outcomes.
	Seed int64

	// FillProb is the probability a placed order fills immediately.
	FillProb float64

	// RejectProb is the baseline per-order reject probability.
	RejectProb float64

	// MakerProb is the probability a fill is a maker fill.
	MakerProb float64

	// SnapshotInterval is the orderbook stream cadence.
	SnapshotInterval time.Duration

	// StartPrice seeds the per-symbol random walk. Symbols without an
	// entry start at 100.
	StartPrice map[string]float64

	Chaos ChaosConfig
}

func (c *FakeConfig) defaults() {
	if c.FillProb == 0 {
		c.FillProb = 0.35
	}
	if c.RejectProb == 0 {
		c.RejectProb = 0.02
	}
	if c.MakerProb == 0 {
		c.MakerProb = 0.85
	}
	if c.SnapshotInterval == 0 {
		c.SnapshotInterval = 10 * time.Millisecond
	}
}

// Fake is a deterministic in-memory exchange backend. A seeded RNG drives
// fill and reject decisions; timestamps honor the MM_FREEZE_UTC_ISO hook so
// frozen-time runs produce stable artifacts.
//
// Fake is safe for concurrent use; the RNG and book state sit behind one
// mutex so outcomes depend only on the seed and the call sequence.
type Fake struct {
	cfg FakeConfig

	mu     sync.Mutex
	rng    *rand.Rand
	prices map[string]float64
	seqs   map[string]uint64
	open   map[uint64]OrderSpec
	nextID uint64

	fills     chan FillEvent
	fillsOnce sync.Once

	chaosTrips int
	snapCount  int
}

// NewFake creates a deterministic fake backend.
func NewFake(cfg FakeConfig) *Fake {
	cfg.defaults()
	return &Fake{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)), // #nosec G404 -- deterministic simulation, not security
		prices: make(map[string]float64),
		seqs:   make(map[string]uint64),
		open:   make(map[uint64]OrderSpec),
		fills:  make(chan FillEvent, 4096),
	}
}

// ChaosTrips reports how many chaos scenarios fired (or would have fired in
// dry-run mode).
func (f *Fake) ChaosTrips() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chaosTrips
}

// OpenOrderCount returns the number of resting orders.
func (f *Fake) OpenOrderCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.open)
}

func (f *Fake) price(symbol string) float64 {
	p, ok := f.prices[symbol]
	if !ok {
		p = f.cfg.StartPrice[symbol]
		if p == 0 {
			p = 100
		}
		f.prices[symbol] = p
	}
	return p
}

// chaosDelay returns the injected latency for a symbol, honoring dry-run.
// Caller must hold f.mu; the sleep itself happens outside the lock.
func (f *Fake) chaosDelay(symbol string) time.Duration {
	c := f.cfg.Chaos
	if !c.Enabled || c.LatencyMS <= 0 {
		return 0
	}
	if c.LatencySymbol != "" && c.LatencySymbol != symbol {
		return 0
	}
	f.chaosTrips++
	if c.DryRun {
		return 0
	}
	return time.Duration(c.LatencyMS) * time.Millisecond
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// StreamOrderbook implements Connector. Snapshots follow a seeded random
// walk per symbol at the configured cadence.
func (f *Fake) StreamOrderbook(ctx context.Context, symbols []string) (<-chan OrderBookSnapshot, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("%w: no symbols", ErrPermanent)
	}
	out := make(chan OrderBookSnapshot, 4*len(symbols))
	go func() {
		defer close(out)
		ticker := time.NewTicker(f.cfg.SnapshotInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			for _, sym := range symbols {
				snap := f.nextSnapshot(sym)
				select {
				case out <- snap:
				case <-ctx.Done():
					return
				default:
					// Slow consumer: drop the snapshot, next tick refreshes.
				}
			}
		}
	}()
	return out, nil
}

func (f *Fake) nextSnapshot(symbol string) OrderBookSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()

	p := f.price(symbol)
	p *= 1 + (f.rng.Float64()-0.5)*0.0004
	f.prices[symbol] = p

	f.seqs[symbol]++
	f.snapCount++
	if c := f.cfg.Chaos; c.Enabled && c.WSGapEvery > 0 && f.snapCount%c.WSGapEvery == 0 {
		f.chaosTrips++
		if !c.DryRun {
			f.seqs[symbol] += 3 // sequence gap
		}
	}

	half := p * 0.0005
	return OrderBookSnapshot{
		Symbol:    symbol,
		BestBid:   p - half,
		BestAsk:   p + half,
		LastTrade: p,
		Seq:       f.seqs[symbol],
		Ts:        artifact.Now(),
	}
}

// PlaceBatch implements Connector. Each order independently rejects, fills
// immediately, or rests, driven by the seeded RNG.
func (f *Fake) PlaceBatch(ctx context.Context, symbol string, orders []OrderSpec) ([]PlaceResult, error) {
	if len(orders) > MaxBatchSize {
		return nil, fmt.Errorf("%w: batch of %d exceeds %d", ErrPermanent, len(orders), MaxBatchSize)
	}

	f.mu.Lock()
	delay := f.chaosDelay(symbol)
	f.mu.Unlock()
	if err := sleepCtx(ctx, delay); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	rejectProb := f.cfg.RejectProb
	if c := f.cfg.Chaos; c.Enabled && !c.DryRun {
		rejectProb += c.RejectRate
	}

	results := make([]PlaceResult, 0, len(orders))
	for _, ord := range orders {
		if f.rng.Float64() < rejectProb {
			results = append(results, PlaceResult{ClientID: ord.ClientID, Err: ErrPermanent})
			continue
		}
		f.nextID++
		res := PlaceResult{ClientID: ord.ClientID, ExchangeID: fmt.Sprintf("X-%d", f.nextID)}
		if f.rng.Float64() < f.cfg.FillProb {
			f.emitFillLocked(ord)
		} else {
			f.open[ord.ClientID] = ord
		}
		results = append(results, res)
	}
	return results, nil
}

// emitFillLocked synthesizes fill economics from the seeded RNG and pushes
// the event to the fill stream. Caller holds f.mu.
func (f *Fake) emitFillLocked(ord OrderSpec) {
	maker := f.rng.Float64() < f.cfg.MakerProb
	gross := 1.5 + f.rng.Float64()*5.5 // 1.5..7.0 bps captured
	fee := 0.2 + f.rng.Float64()*1.0   // reported positive; ingest forces sign
	slip := (f.rng.Float64() - 0.45) * 3.0
	adverse := f.rng.Float64() * 5.0
	if !maker {
		gross *= 0.4
		fee += 1.5
		adverse += 1.0
	}
	ev := FillEvent{
		Symbol:      ord.Symbol,
		ClientID:    ord.ClientID,
		Side:        ord.Side,
		Price:       ord.Price,
		Size:        ord.Size,
		Maker:       maker,
		GrossBPS:    gross,
		FeeBPS:      fee,
		SlippageBPS: slip,
		AdverseBPS:  adverse,
		Ts:          artifact.Now(),
	}
	select {
	case f.fills <- ev:
	default:
		// Fill buffer saturated; drop rather than deadlock the placer.
	}
}

// CancelBatch implements Connector. Unknown ids report OK=false without an
// error; they were most likely already filled.
func (f *Fake) CancelBatch(ctx context.Context, symbol string, clientIDs []uint64) ([]CancelResult, error) {
	if len(clientIDs) > MaxBatchSize {
		return nil, fmt.Errorf("%w: batch of %d exceeds %d", ErrPermanent, len(clientIDs), MaxBatchSize)
	}

	f.mu.Lock()
	delay := f.chaosDelay(symbol)
	f.mu.Unlock()
	if err := sleepCtx(ctx, delay); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	results := make([]CancelResult, 0, len(clientIDs))
	for _, id := range clientIDs {
		if _, ok := f.open[id]; ok {
			delete(f.open, id)
			results = append(results, CancelResult{ClientID: id, OK: true})
		} else {
			results = append(results, CancelResult{ClientID: id, OK: false})
		}
	}
	return results, nil
}

// StreamFills implements Connector. All subscribers share one stream; the
// channel closes when ctx is cancelled.
func (f *Fake) StreamFills(ctx context.Context) (<-chan FillEvent, error) {
	out := make(chan FillEvent, 1024)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-f.fills:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
