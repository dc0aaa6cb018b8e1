// Package soak provides the closed-loop iteration engine for market-making
// soak and tuning runs.
package soak

import "errors"

// ErrNumericDomain indicates a NaN or infinite value entered the KPI or
// delta path. The offending entry is dropped and the iteration continues.
var ErrNumericDomain = errors.New("numeric domain: NaN or Inf value")

// ErrDeadlineExceeded indicates a per-tick or per-request deadline was hit.
// The remainder of the tick is skipped and the miss is counted.
var ErrDeadlineExceeded = errors.New("deadline exceeded")

// ErrRateLimited indicates the exchange asked for backoff. The rate limiter
// respects it and excess intents carry over to the next tick.
var ErrRateLimited = errors.New("rate limited")

// ErrWriteFailed indicates an artifact fsync or rename failed. The iteration
// records applied=false with skip reason "write_failed" and the engine
// continues.
var ErrWriteFailed = errors.New("artifact write failed")

// ErrUnknownParameter indicates a proposed delta referenced a key outside
// the declared whitelist. The affected iteration fails; the engine continues.
var ErrUnknownParameter = errors.New("unknown tuning parameter")

// ErrRiskBlocked indicates a pre-trade check rejected an order.
var ErrRiskBlocked = errors.New("blocked by risk limits")

// ErrRiskFrozen indicates the risk monitor is in the frozen state and all
// pre-trade checks return block until the freeze is lifted.
var ErrRiskFrozen = errors.New("risk monitor frozen")

// EngineError represents a structured error from engine operations.
//
// Code is a stable machine-readable identifier; Message is human-readable.
// Fatal errors (invalid configuration) carry Fatal=true and prevent the
// engine from starting.
type EngineError struct {
	Message string
	Code    string
	Fatal   bool
}

func (e *EngineError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// BlockReason explains a pre-trade rejection.
type BlockReason string

const (
	// BlockInventory is returned when a fill would exceed the per-symbol
	// inventory limit.
	BlockInventory BlockReason = "inventory_limit"

	// BlockNotional is returned when total open notional would exceed the cap.
	BlockNotional BlockReason = "notional_cap"

	// BlockFrozen is returned for every check while the monitor is frozen.
	BlockFrozen BlockReason = "frozen"
)

// BlockError is the structured form of a pre-trade rejection. It unwraps to
// ErrRiskBlocked (or ErrRiskFrozen for freeze blocks) for errors.Is checks.
type BlockError struct {
	Symbol string
	Reason BlockReason
}

func (e *BlockError) Error() string {
	return "risk block " + e.Symbol + ": " + string(e.Reason)
}

func (e *BlockError) Unwrap() error {
	if e.Reason == BlockFrozen {
		return ErrRiskFrozen
	}
	return ErrRiskBlocked
}
