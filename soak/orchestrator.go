package soak

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/dk997467/mm-soak/soak/artifact"
	"github.com/dk997467/mm-soak/soak/emit"
	"github.com/dk997467/mm-soak/soak/exchange"
)

// OrchestratorConfig tunes the tick loop.
type OrchestratorConfig struct {
	Symbols []string

	// TickInterval is the quoting cadence (default 100ms).
	TickInterval time.Duration

	// TickDeadline bounds one tick's wall clock (default 200ms). A tick
	// that cannot finish is abandoned; unsent intents carry over.
	TickDeadline time.Duration

	// MaxParallel bounds concurrent per-symbol workers (default
	// min(len(Symbols), 10)).
	MaxParallel int

	// QuoteSize is the base order size per quote side.
	QuoteSize float64

	// BaseSpreadBPS is the strategy's built-in half-spread; the
	// base_spread_bps_delta override widens it.
	BaseSpreadBPS float64

	// WSGapThreshold is the largest tolerated sequence gap between
	// consecutive orderbook snapshots (default 1). A larger gap invalidates
	// the symbol's cached book until a fresh snapshot arrives.
	WSGapThreshold int
}

func (c OrchestratorConfig) normalize() OrchestratorConfig {
	if c.TickInterval <= 0 {
		c.TickInterval = 100 * time.Millisecond
	}
	if c.TickDeadline <= 0 {
		c.TickDeadline = 200 * time.Millisecond
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = len(c.Symbols)
		if c.MaxParallel > 10 {
			c.MaxParallel = 10
		}
	}
	if c.QuoteSize <= 0 {
		c.QuoteSize = 0.01
	}
	if c.BaseSpreadBPS <= 0 {
		c.BaseSpreadBPS = 2.0
	}
	if c.WSGapThreshold <= 0 {
		c.WSGapThreshold = 1
	}
	return c
}

// mdCache holds the latest orderbook snapshot per symbol. The stream
// consumer writes, tick workers read; a stale or absent snapshot makes the
// worker skip quoting for that symbol.
//
// Sequence numbers are tracked per symbol: a gap beyond the threshold means
// updates were lost, so the cached book is dropped rather than quoted
// against. The symbol stays dark until the next contiguous snapshot.
type mdCache struct {
	mu    sync.RWMutex
	books map[string]exchange.OrderBookSnapshot
	seqs  map[string]uint64
}

func newMDCache() *mdCache {
	return &mdCache{
		books: make(map[string]exchange.OrderBookSnapshot),
		seqs:  make(map[string]uint64),
	}
}

// put installs a snapshot and reports whether a sequence gap invalidated the
// symbol's cached state instead.
func (c *mdCache) put(s exchange.OrderBookSnapshot, gapThreshold int) (invalidated bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	last, seen := c.seqs[s.Symbol]
	c.seqs[s.Symbol] = s.Seq
	if seen && s.Seq > last && s.Seq-last-1 > uint64(gapThreshold) {
		delete(c.books, s.Symbol)
		return true
	}
	c.books[s.Symbol] = s
	return false
}

func (c *mdCache) get(symbol string) (exchange.OrderBookSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.books[symbol]
	return s, ok
}

// symbolPacing is the per-symbol quoting throttle: a minimum interval
// between requotes plus a replace-rate token bucket. Both track the live
// override values.
type symbolPacing struct {
	lastQuote time.Time
	replaces  *rate.Limiter
}

// Orchestrator drives the tick loop for one iteration: consume market data
// and fills, and on each tick run a bounded-parallel per-symbol pass of
// fetch, guard, and emit stages. Command emission goes through the
// coalescing bus; cancels always precede places.
type Orchestrator struct {
	cfg     OrchestratorConfig
	conn    exchange.Connector
	bus     *CommandBus
	orders  *OrderStore
	risk    *RiskMonitor
	metrics *Metrics
	emitter emit.Emitter
	cache   *mdCache

	mu        sync.Mutex
	overrides map[string]float64
	pacing    map[string]*symbolPacing
	iteration int
}

// NewOrchestrator wires the tick loop over its collaborators. A nil emitter
// is replaced with the null emitter.
func NewOrchestrator(cfg OrchestratorConfig, conn exchange.Connector, bus *CommandBus, orders *OrderStore, risk *RiskMonitor, metrics *Metrics, emitter emit.Emitter) *Orchestrator {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &Orchestrator{
		cfg:       cfg.normalize(),
		conn:      conn,
		bus:       bus,
		orders:    orders,
		risk:      risk,
		metrics:   metrics,
		emitter:   emitter,
		cache:     newMDCache(),
		overrides: DefaultOverrides(),
		pacing:    make(map[string]*symbolPacing),
	}
}

// SetOverrides installs the effective runtime parameters for the next
// iteration. Pacing limiters pick up the new replace rate immediately.
func (o *Orchestrator) SetOverrides(overrides map[string]float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.overrides = overrides
	perSec := rate.Limit(o.param("replace_rate_per_min") / 60)
	for _, p := range o.pacing {
		p.replaces.SetLimit(perSec)
	}
}

// param reads one override under o.mu.
func (o *Orchestrator) param(key string) float64 {
	if v, ok := o.overrides[key]; ok {
		return v
	}
	return defaultOverrides[key]
}

func (o *Orchestrator) getParam(key string) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.param(key)
}

func (o *Orchestrator) pacingFor(symbol string) *symbolPacing {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.pacing[symbol]
	if !ok {
		p = &symbolPacing{
			replaces: rate.NewLimiter(rate.Limit(o.param("replace_rate_per_min")/60), 2),
		}
		o.pacing[symbol] = p
	}
	return p
}

// RunIteration runs the tick loop for one iteration window, feeding samples
// into im. It returns when the window elapses or ctx is cancelled.
func (o *Orchestrator) RunIteration(ctx context.Context, iteration int, window time.Duration, im *IterationMetrics) error {
	o.mu.Lock()
	o.iteration = iteration
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	books, err := o.conn.StreamOrderbook(ctx, o.cfg.Symbols)
	if err != nil {
		return fmt.Errorf("orderbook stream: %w", err)
	}
	fills, err := o.conn.StreamFills(ctx)
	if err != nil {
		return fmt.Errorf("fill stream: %w", err)
	}

	var consumers sync.WaitGroup
	consumers.Add(2)
	go func() {
		defer consumers.Done()
		o.consumeBooks(books, im)
	}()
	go func() {
		defer consumers.Done()
		o.consumeFills(fills, im)
	}()

	ticker := time.NewTicker(o.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			consumers.Wait()
			return nil
		case <-ticker.C:
			o.tick(ctx, im)
		}
	}
}

func (o *Orchestrator) consumeBooks(books <-chan exchange.OrderBookSnapshot, im *IterationMetrics) {
	for s := range books {
		if o.cache.put(s, o.cfg.WSGapThreshold) {
			if o.metrics != nil {
				o.metrics.WSGapInvalidations.Inc()
			}
			continue
		}
		im.AddWSLag(float64(time.Since(s.Ts).Milliseconds()))
	}
}

func (o *Orchestrator) consumeFills(fills <-chan exchange.FillEvent, im *IterationMetrics) {
	for f := range fills {
		o.orders.MarkFilled(f.ClientID)
		o.risk.OnFill(f)
		im.AddFill(f)
	}
}

// tick runs one bounded-parallel pass over all symbols under the tick
// deadline.
func (o *Orchestrator) tick(parent context.Context, im *IterationMetrics) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, o.cfg.TickDeadline)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.MaxParallel)
	for _, symbol := range o.cfg.Symbols {
		symbol := symbol
		g.Go(func() error {
			o.tickSymbol(ctx, symbol, im)
			return nil
		})
	}
	_ = g.Wait()

	elapsed := float64(time.Since(start).Milliseconds())
	im.AddTick(elapsed)
	if o.metrics != nil {
		o.metrics.TickTotal.Observe(elapsed)
	}
	if ctx.Err() != nil && parent.Err() == nil {
		im.AddDeadlineMiss()
		if o.metrics != nil {
			o.metrics.DeadlineMisses.Inc()
		}
	}

	for _, s := range o.orders.AgeSamplesMS(artifact.Now()) {
		im.AddOrderAge(s)
	}
	o.orders.Evict(artifact.Now())
}

// tickSymbol runs the fetch, guard, and emit stages for one symbol.
func (o *Orchestrator) tickSymbol(ctx context.Context, symbol string, im *IterationMetrics) {
	fetchStart := time.Now()
	book, ok := o.cache.get(symbol)
	o.observeStage(o.metricHist("fetch"), fetchStart)
	if !ok || book.Mid() <= 0 {
		return
	}

	guardStart := time.Now()
	frozen, _, _ := o.risk.Frozen()
	if frozen {
		if ids := o.risk.CancelAllIfFrozen(o.orders); len(ids) > 0 {
			o.bus.EnqueueCancel(symbol, ids...)
			if _, err := o.bus.Flush(ctx, symbol); err == nil {
				im.AddCancels(len(ids))
			}
		}
		o.observeStage(o.metricHist("guards"), guardStart)
		return
	}

	bid, ask, size := o.quote(symbol, book)
	blocked := 0
	if err := o.risk.CheckBeforeOrder(symbol, exchange.Buy, bid*size, size); err != nil {
		blocked++
	}
	if err := o.risk.CheckBeforeOrder(symbol, exchange.Sell, ask*size, size); err != nil {
		blocked++
	}
	o.observeStage(o.metricHist("guards"), guardStart)
	if blocked > 0 {
		im.AddRiskBlocks(blocked)
		if blocked == 2 {
			return
		}
	}

	emitStart := time.Now()
	defer o.observeStage(o.metricHist("emit"), emitStart)

	// Cancel aged orders first so the requote never stacks onto stale
	// quotes.
	tailAge := time.Duration(o.getParam("tail_age_ms")) * time.Millisecond
	now := artifact.Now()
	var aged []uint64
	for _, ord := range o.orders.OpenOrders(symbol) {
		if now.Sub(ord.Created) >= tailAge {
			aged = append(aged, ord.ClientID)
		}
	}
	if len(aged) > 0 {
		o.bus.EnqueueCancel(symbol, aged...)
	}

	// Pacing: minimum interval between requotes, then replace-rate tokens.
	p := o.pacingFor(symbol)
	minInterval := time.Duration(o.getParam("min_interval_ms")) * time.Millisecond
	if !p.lastQuote.IsZero() && time.Since(p.lastQuote) < minInterval {
		im.AddMinIntervalBlocks(1)
	} else if o.bus.Saturated(symbol) {
		// Backpressure: the queue is at depth, so no new places until a
		// flush drains it. Cancels above still went through.
	} else if p.replaces.Allow() {
		p.lastQuote = time.Now()
		buy := o.orders.New(symbol, exchange.Buy, bid, size)
		sell := o.orders.New(symbol, exchange.Sell, ask, size)
		o.bus.EnqueuePlace(
			exchange.OrderSpec{ClientID: buy.ClientID, Symbol: symbol, Side: exchange.Buy, Price: bid, Size: size},
			exchange.OrderSpec{ClientID: sell.ClientID, Symbol: symbol, Side: exchange.Sell, Price: ask, Size: size},
		)
	}

	res, err := o.bus.Flush(ctx, symbol)
	if err != nil {
		o.emitter.Emit(emit.Event{
			Iteration: o.iteration, Symbol: symbol, Msg: "flush_failed",
			Meta: map[string]any{"error": err.Error(), "carried_over": res.CarriedOver},
		})
		return
	}
	o.applyResults(res, im)
}

// quote prices a two-sided quote around mid. The spread override widens the
// half-spread; impact_cap_ratio caps size against top-of-book depth and
// max_delta_ratio skews size down on the inventory-heavy side.
func (o *Orchestrator) quote(symbol string, book exchange.OrderBookSnapshot) (bid, ask, size float64) {
	mid := book.Mid()
	halfBPS := o.cfg.BaseSpreadBPS + o.getParam("base_spread_bps_delta")
	half := mid * halfBPS / 10000

	size = o.cfg.QuoteSize
	if impactCap := o.getParam("impact_cap_ratio"); len(book.Bids) > 0 && impactCap > 0 {
		if depth := book.Bids[0].Size; depth > 0 && size > depth*impactCap {
			size = depth * impactCap
		}
	}
	// Shade size down as inventory builds, capped by max_delta_ratio.
	if maxSkew := o.getParam("max_delta_ratio"); maxSkew > 0 {
		if inv := math.Abs(o.risk.pos.Base(symbol)); inv > 0 {
			skew := math.Min(inv/(o.cfg.QuoteSize*10), maxSkew)
			size *= 1 - skew
		}
	}
	return mid - half, mid + half, size
}

func (o *Orchestrator) applyResults(res FlushResult, im *IterationMetrics) {
	cancelled := 0
	for _, c := range res.Cancels {
		if c.OK {
			o.orders.MarkCancelled(c.ClientID)
			cancelled++
		}
	}
	if cancelled > 0 {
		im.AddCancels(cancelled)
	}

	placed, rejected := 0, 0
	for _, p := range res.Places {
		if p.Err != nil {
			o.orders.MarkRejected(p.ClientID)
			rejected++
			continue
		}
		o.orders.MarkOpen(p.ClientID, p.ExchangeID)
		placed++
	}
	im.AddPlaceAttempts(placed + rejected)
	if rejected > 0 {
		im.AddRejects(rejected)
	}
}

func (o *Orchestrator) metricHist(stage string) func(float64) {
	if o.metrics == nil {
		return nil
	}
	switch stage {
	case "fetch":
		return o.metrics.FetchMD.Observe
	case "guards":
		return o.metrics.Guards.Observe
	case "emit":
		return o.metrics.EmitStage.Observe
	}
	return nil
}

func (o *Orchestrator) observeStage(observe func(float64), start time.Time) {
	if observe != nil {
		observe(float64(time.Since(start).Milliseconds()))
	}
}
