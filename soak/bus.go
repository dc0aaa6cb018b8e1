package soak

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dk997467/mm-soak/soak/exchange"
)

// BusConfig tunes the command bus.
type BusConfig struct {
	// Legacy disables coalescing: every intent goes out as its own
	// single-element call, for A/B comparison against the batched path.
	Legacy bool

	// MaxAttempts bounds retries per batch on transient errors.
	MaxAttempts int

	// BaseBackoff seeds the exponential retry backoff.
	BaseBackoff time.Duration

	// RatePerSec and Burst configure the outbound token bucket. Zero values
	// disable rate limiting.
	RatePerSec float64
	Burst      int

	// MaxPending is the per-symbol queue depth at which the bus reports
	// saturation; callers stop issuing new places until a flush drains it.
	MaxPending int
}

func (c BusConfig) normalize() BusConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 25 * time.Millisecond
	}
	if c.MaxPending <= 0 {
		c.MaxPending = 256
	}
	return c
}

// FlushResult reports what one per-symbol flush accomplished.
type FlushResult struct {
	Cancels []exchange.CancelResult
	Places  []exchange.PlaceResult

	// Batches counts outbound exchange calls issued.
	Batches int

	// CarriedOver counts intents left queued because the context expired
	// mid-flush. They go out on the next tick.
	CarriedOver int
}

// pendingSet is the per-symbol intent queue between flushes.
type pendingSet struct {
	cancels   []uint64
	cancelSet map[uint64]struct{}
	places    []exchange.OrderSpec
	placeIdx  map[uint64]int
}

func newPendingSet() *pendingSet {
	return &pendingSet{
		cancelSet: make(map[uint64]struct{}),
		placeIdx:  make(map[uint64]int),
	}
}

// CommandBus coalesces per-symbol order intents into batched exchange calls:
// one cancel batch then one place batch per flush, each split into chunks of
// at most exchange.MaxBatchSize. Cancels always go out before places.
//
// Within a pending window, a cancel for a not-yet-sent place annihilates
// both, and a re-place for the same client id replaces the earlier spec.
// Intents that cannot be sent before the tick deadline carry over.
type CommandBus struct {
	conn    exchange.Connector
	cfg     BusConfig
	limiter *rate.Limiter
	metrics *Metrics
	rng     *rand.Rand

	mu      sync.Mutex
	pending map[string]*pendingSet
}

// NewCommandBus creates a bus over the given connector.
func NewCommandBus(conn exchange.Connector, cfg BusConfig, metrics *Metrics) *CommandBus {
	cfg = cfg.normalize()
	b := &CommandBus{
		conn:    conn,
		cfg:     cfg,
		metrics: metrics,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		pending: make(map[string]*pendingSet),
	}
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		b.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return b
}

func (b *CommandBus) set(symbol string) *pendingSet {
	ps, ok := b.pending[symbol]
	if !ok {
		ps = newPendingSet()
		b.pending[symbol] = ps
	}
	return ps
}

// EnqueueCancel queues cancel intents. A cancel for a pending un-sent place
// removes the place instead of going to the exchange.
func (b *CommandBus) EnqueueCancel(symbol string, ids ...uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ps := b.set(symbol)
	for _, id := range ids {
		if idx, ok := ps.placeIdx[id]; ok {
			ps.places[idx].ClientID = 0 // tombstone, compacted at flush
			delete(ps.placeIdx, id)
			if b.metrics != nil {
				b.metrics.CoalescedCommands.WithLabelValues("cancel").Inc()
			}
			continue
		}
		if _, dup := ps.cancelSet[id]; dup {
			if b.metrics != nil {
				b.metrics.CoalescedCommands.WithLabelValues("cancel").Inc()
			}
			continue
		}
		ps.cancelSet[id] = struct{}{}
		ps.cancels = append(ps.cancels, id)
	}
}

// EnqueuePlace queues place intents. A later spec for the same client id
// replaces the earlier pending one.
func (b *CommandBus) EnqueuePlace(specs ...exchange.OrderSpec) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, spec := range specs {
		ps := b.set(spec.Symbol)
		if idx, ok := ps.placeIdx[spec.ClientID]; ok {
			ps.places[idx] = spec
			if b.metrics != nil {
				b.metrics.CoalescedCommands.WithLabelValues("place").Inc()
			}
			continue
		}
		ps.placeIdx[spec.ClientID] = len(ps.places)
		ps.places = append(ps.places, spec)
	}
}

// Pending returns the queued cancel and place counts for a symbol.
func (b *CommandBus) Pending(symbol string) (cancels, places int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ps, ok := b.pending[symbol]
	if !ok {
		return 0, 0
	}
	return len(ps.cancels), len(ps.places) - tombstones(ps.places)
}

// Saturated reports whether the symbol's queue has reached the configured
// depth; new places should wait for a flush to drain it.
func (b *CommandBus) Saturated(symbol string) bool {
	cancels, places := b.Pending(symbol)
	return cancels+places >= b.cfg.MaxPending
}

func tombstones(specs []exchange.OrderSpec) int {
	n := 0
	for _, s := range specs {
		if s.ClientID == 0 {
			n++
		}
	}
	return n
}

// drain takes ownership of the symbol's queued intents, compacting place
// tombstones.
func (b *CommandBus) drain(symbol string) (cancels []uint64, places []exchange.OrderSpec) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ps, ok := b.pending[symbol]
	if !ok {
		return nil, nil
	}
	cancels = ps.cancels
	for _, s := range ps.places {
		if s.ClientID != 0 {
			places = append(places, s)
		}
	}
	delete(b.pending, symbol)
	return cancels, places
}

// requeue puts unsent intents back at the front of the symbol's queue.
func (b *CommandBus) requeue(symbol string, cancels []uint64, places []exchange.OrderSpec) {
	if len(cancels) == 0 && len(places) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ps := b.set(symbol)
	merged := newPendingSet()
	for _, id := range append(cancels, ps.cancels...) {
		if _, dup := merged.cancelSet[id]; dup {
			continue
		}
		merged.cancelSet[id] = struct{}{}
		merged.cancels = append(merged.cancels, id)
	}
	for _, s := range append(places, ps.places...) {
		if s.ClientID == 0 {
			continue
		}
		if _, dup := merged.placeIdx[s.ClientID]; dup {
			continue
		}
		merged.placeIdx[s.ClientID] = len(merged.places)
		merged.places = append(merged.places, s)
	}
	b.pending[symbol] = merged
}

// batchSize returns the outbound chunk size for the configured mode.
func (b *CommandBus) batchSize() int {
	if b.cfg.Legacy {
		return 1
	}
	return exchange.MaxBatchSize
}

// Flush sends the symbol's queued intents: cancels first, then places, each
// chunked to the batch size. On context expiry the remaining intents carry
// over to the next flush. Per-order rejections inside a batch are returned
// in the results, not as an error.
func (b *CommandBus) Flush(ctx context.Context, symbol string) (FlushResult, error) {
	cancels, places := b.drain(symbol)
	var res FlushResult
	size := b.batchSize()

	for len(cancels) > 0 {
		n := size
		if n > len(cancels) {
			n = len(cancels)
		}
		out, err := b.sendCancels(ctx, symbol, cancels[:n])
		if err != nil {
			res.CarriedOver = len(cancels) + len(places)
			b.requeue(symbol, cancels, places)
			return res, err
		}
		res.Cancels = append(res.Cancels, out...)
		res.Batches++
		cancels = cancels[n:]
	}

	for len(places) > 0 {
		n := size
		if n > len(places) {
			n = len(places)
		}
		out, err := b.sendPlaces(ctx, symbol, places[:n])
		if err != nil {
			res.CarriedOver = len(places)
			b.requeue(symbol, nil, places)
			return res, err
		}
		res.Places = append(res.Places, out...)
		res.Batches++
		places = places[n:]
	}
	return res, nil
}

func (b *CommandBus) sendCancels(ctx context.Context, symbol string, ids []uint64) ([]exchange.CancelResult, error) {
	var out []exchange.CancelResult
	err := b.withRetry(ctx, "cancel", func() error {
		var err error
		out, err = b.conn.CancelBatch(ctx, symbol, ids)
		return err
	})
	return out, err
}

func (b *CommandBus) sendPlaces(ctx context.Context, symbol string, specs []exchange.OrderSpec) ([]exchange.PlaceResult, error) {
	var out []exchange.PlaceResult
	err := b.withRetry(ctx, "place", func() error {
		var err error
		out, err = b.conn.PlaceBatch(ctx, symbol, specs)
		return err
	})
	return out, err
}

// withRetry issues one exchange call with rate limiting and bounded
// exponential backoff on transient failures.
func (b *CommandBus) withRetry(ctx context.Context, verb string, call func() error) error {
	var lastErr error
	for attempt := 0; attempt < b.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := b.sleepBackoff(ctx, attempt); err != nil {
				return err
			}
		}
		if b.limiter != nil {
			if err := b.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		start := time.Now()
		err := call()
		if b.metrics != nil {
			b.metrics.ExchangeMS.WithLabelValues(verb).Observe(float64(time.Since(start).Milliseconds()))
			b.metrics.ExchangeRequests.WithLabelValues(verb, "batch").Inc()
		}
		if err == nil {
			return nil
		}
		lastErr = err
		if !errors.Is(err, exchange.ErrTransient) && !errors.Is(err, exchange.ErrThrottled) {
			return err
		}
	}
	return lastErr
}

func (b *CommandBus) sleepBackoff(ctx context.Context, attempt int) error {
	backoff := b.cfg.BaseBackoff << (attempt - 1)
	b.mu.Lock()
	jitter := time.Duration(b.rng.Int63n(int64(b.cfg.BaseBackoff)))
	b.mu.Unlock()
	t := time.NewTimer(backoff + jitter)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
