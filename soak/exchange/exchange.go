// Package exchange defines the abstract connector contract the soak engine
// drives, plus a deterministic fake backend for tests and dry runs.
//
// All batched calls are atomic per symbol from the caller's perspective:
// partial results are reported element-wise in the returned slices, never
// via an error for the whole batch. A non-nil error return means the batch
// itself could not be dispatched (transport failure, deadline).
package exchange

import (
	"context"
	"errors"
	"time"
)

// MaxBatchSize is the hard exchange-side cap on orders or cancels per
// batched call.
const MaxBatchSize = 20

// Side is the order side.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// ErrTransient marks retryable transport failures (network blip, 5xx,
// timeout). The connector retries internally; it surfaces only after the
// bounded retry budget is exhausted.
var ErrTransient = errors.New("transient exchange error")

// ErrPermanent marks non-retryable request failures (4xx other than
// throttling). The affected order is rejected and never retried.
var ErrPermanent = errors.New("permanent exchange error")

// ErrThrottled signals 429/backoff advice from the exchange. The caller's
// rate limiter must respect it; excess intents carry over to the next tick.
var ErrThrottled = errors.New("throttled by exchange")

// BookLevel is one price level of optional depth.
type BookLevel struct {
	Price float64
	Size  float64
}

// OrderBookSnapshot is a per-symbol top-of-book view produced once per tick.
// Consumers treat it as read-only.
type OrderBookSnapshot struct {
	Symbol    string
	BestBid   float64
	BestAsk   float64
	LastTrade float64
	Bids      []BookLevel
	Asks      []BookLevel
	Seq       uint64
	Ts        time.Time
}

// Mid returns the mid price, or the last trade when one side is empty.
func (s OrderBookSnapshot) Mid() float64 {
	if s.BestBid > 0 && s.BestAsk > 0 {
		return (s.BestBid + s.BestAsk) / 2
	}
	return s.LastTrade
}

// OrderSpec is a new-order request inside a place batch. ClientID is
// assigned by the caller and must be unique and monotonic per process.
type OrderSpec struct {
	ClientID uint64
	Symbol   string
	Side     Side
	Price    float64
	Size     float64
}

// PlaceResult is the element-wise outcome of one order in a place batch.
type PlaceResult struct {
	ClientID   uint64
	ExchangeID string
	Err        error
}

// CancelResult is the element-wise outcome of one id in a cancel batch.
type CancelResult struct {
	ClientID uint64
	OK       bool
	Err      error
}

// FillEvent is one execution reported on the fill stream. Economics are
// attached at the source so downstream KPI aggregation needs no further
// market context. FeeBPS keeps the exchange's sign; the watcher forces it
// negative at ingest.
type FillEvent struct {
	Symbol      string
	ClientID    uint64
	Side        Side
	Price       float64
	Size        float64
	Maker       bool
	GrossBPS    float64
	FeeBPS      float64
	SlippageBPS float64
	AdverseBPS  float64
	Ts          time.Time
}

// Notional returns the fill's absolute notional value.
func (f FillEvent) Notional() float64 {
	n := f.Price * f.Size
	if n < 0 {
		return -n
	}
	return n
}

// Connector is the capability set every backend must provide. Variants
// include a live connector, the deterministic fake in this package, and
// replay backends. Pass a Connector to the orchestrator explicitly; nothing
// reads it from ambient state.
//
// Orderbook and fill streams are lazy, unbounded, non-restartable
// sequences. A resubscription restarts the sequence from a new cursor, and
// consumers must tolerate that.
type Connector interface {
	// StreamOrderbook starts a snapshot stream for the given symbols. The
	// channel is closed when ctx is cancelled.
	StreamOrderbook(ctx context.Context, symbols []string) (<-chan OrderBookSnapshot, error)

	// PlaceBatch submits up to MaxBatchSize orders for one symbol.
	PlaceBatch(ctx context.Context, symbol string, orders []OrderSpec) ([]PlaceResult, error)

	// CancelBatch cancels up to MaxBatchSize client ids for one symbol.
	CancelBatch(ctx context.Context, symbol string, clientIDs []uint64) ([]CancelResult, error)

	// StreamFills starts the fill event stream. The channel is closed when
	// ctx is cancelled.
	StreamFills(ctx context.Context) (<-chan FillEvent, error)
}
