package soak

import (
	"math"
	"sync"

	"github.com/dk997467/mm-soak/soak/exchange"
)

// RiskLimits declares the pre-trade limits the monitor enforces.
type RiskLimits struct {
	// MaxInventory is the per-symbol absolute base amount cap.
	MaxInventory float64

	// MaxTotalNotional caps cumulative traded notional across symbols.
	MaxTotalNotional float64

	// FreezeEdgeBPS is the edge-degradation freeze threshold: an edge
	// update below it enters the frozen state.
	FreezeEdgeBPS float64
}

// RiskMonitor runs pre-trade checks, tracks positions through fills, and
// freezes quoting when edge degrades below the configured threshold.
//
// While frozen, every pre-trade check returns a freeze block and
// CancelAllIfFrozen reports the open orders to pull. Freeze is released
// explicitly via Unfreeze.
type RiskMonitor struct {
	limits  RiskLimits
	pos     *PositionTracker
	metrics *Metrics

	mu           sync.Mutex
	frozen       bool
	freezeReason string
	freezeSymbol string
	blocksTotal  int64
	freezesTotal int64
}

// NewRiskMonitor creates a monitor over the given position tracker. A nil
// metrics registry disables counter export.
func NewRiskMonitor(limits RiskLimits, pos *PositionTracker, metrics *Metrics) *RiskMonitor {
	if pos == nil {
		pos = NewPositionTracker()
	}
	return &RiskMonitor{limits: limits, pos: pos, metrics: metrics}
}

// CheckBeforeOrder returns nil to allow, or a BlockError describing the
// rejection. The projected post-fill inventory is checked, not the current
// one, so a fill can never push a symbol through its limit.
func (r *RiskMonitor) CheckBeforeOrder(symbol string, side exchange.Side, notional, size float64) error {
	r.mu.Lock()
	frozen := r.frozen
	r.mu.Unlock()

	if frozen {
		return r.block(symbol, BlockFrozen)
	}

	if r.limits.MaxInventory > 0 {
		projected := r.pos.Base(symbol)
		if side == exchange.Buy {
			projected += size
		} else {
			projected -= size
		}
		if math.Abs(projected) > r.limits.MaxInventory {
			return r.block(symbol, BlockInventory)
		}
	}

	if r.limits.MaxTotalNotional > 0 && r.pos.TotalNotional()+notional > r.limits.MaxTotalNotional {
		return r.block(symbol, BlockNotional)
	}
	return nil
}

func (r *RiskMonitor) block(symbol string, reason BlockReason) error {
	r.mu.Lock()
	r.blocksTotal++
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.RiskBlocks.WithLabelValues(string(reason)).Inc()
	}
	return &BlockError{Symbol: symbol, Reason: reason}
}

// OnFill forwards the fill to the position tracker.
func (r *RiskMonitor) OnFill(f exchange.FillEvent) {
	r.pos.OnFill(f)
}

// OnEdgeUpdate enters the frozen state when edge drops below the freeze
// threshold. Updates at or above the threshold do not release an active
// freeze; release is explicit.
func (r *RiskMonitor) OnEdgeUpdate(symbol string, edgeBPS float64) {
	if r.limits.FreezeEdgeBPS == 0 || edgeBPS >= r.limits.FreezeEdgeBPS {
		return
	}
	r.Freeze("edge_degradation", symbol)
}

// Freeze enters the frozen state with a reason, idempotently.
func (r *RiskMonitor) Freeze(reason, symbol string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return
	}
	r.frozen = true
	r.freezeReason = reason
	r.freezeSymbol = symbol
	r.freezesTotal++
	if r.metrics != nil {
		r.metrics.RiskFreezes.Inc()
	}
}

// Unfreeze releases the frozen state.
func (r *RiskMonitor) Unfreeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = false
	r.freezeReason = ""
	r.freezeSymbol = ""
}

// Frozen reports whether the monitor is currently frozen, with the last
// freeze reason and symbol.
func (r *RiskMonitor) Frozen() (bool, string, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frozen, r.freezeReason, r.freezeSymbol
}

// Blocks returns the total number of pre-trade blocks.
func (r *RiskMonitor) Blocks() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.blocksTotal
}

// Freezes returns the total number of freeze entries.
func (r *RiskMonitor) Freezes() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.freezesTotal
}

// CancelAllIfFrozen returns the client ids of all open orders when frozen,
// marking them cancelled in the store. Returns nil when not frozen.
func (r *RiskMonitor) CancelAllIfFrozen(store *OrderStore) []uint64 {
	r.mu.Lock()
	frozen := r.frozen
	r.mu.Unlock()
	if !frozen || store == nil {
		return nil
	}
	var ids []uint64
	for _, symIDs := range store.AllOpenIDs() {
		ids = append(ids, symIDs...)
	}
	for _, id := range ids {
		store.MarkCancelled(id)
	}
	return ids
}
