package soak

import (
	"sync"
	"time"

	"github.com/dk997467/mm-soak/soak/artifact"
	"github.com/dk997467/mm-soak/soak/exchange"
)

// OrderState is the lifecycle state of an order. Transitions are monotone
// and terminal states are absorbing.
type OrderState int

const (
	OrderPending OrderState = iota
	OrderOpen
	OrderFilled
	OrderCancelled
	OrderRejected
)

// String returns the lowercase state name.
func (s OrderState) String() string {
	switch s {
	case OrderPending:
		return "pending"
	case OrderOpen:
		return "open"
	case OrderFilled:
		return "filled"
	case OrderCancelled:
		return "cancelled"
	case OrderRejected:
		return "rejected"
	}
	return "unknown"
}

// terminal reports whether the state is absorbing.
func (s OrderState) terminal() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderRejected
}

// Order is an order record owned by the OrderStore for its lifetime.
// Callers outside the store hold orders only by ClientID.
type Order struct {
	ClientID   uint64
	ExchangeID string
	Symbol     string
	Side       exchange.Side
	Price      float64
	Size       float64
	State      OrderState
	Created    time.Time
	Updated    time.Time
}

// OrderStore owns order records from creation until a terminal state plus a
// retention window. It exposes only short critical sections: callers get
// snapshots, never live references.
type OrderStore struct {
	mu        sync.Mutex
	orders    map[uint64]*Order
	nextID    uint64
	retention time.Duration
}

// NewOrderStore creates an OrderStore. Terminal orders are evicted after the
// retention window (default 1 minute when zero).
func NewOrderStore(retention time.Duration) *OrderStore {
	if retention == 0 {
		retention = time.Minute
	}
	return &OrderStore{
		orders:    make(map[uint64]*Order),
		retention: retention,
	}
}

// New registers a pending order and assigns a monotonic client id.
func (s *OrderStore) New(symbol string, side exchange.Side, price, size float64) Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	now := artifact.Now()
	o := &Order{
		ClientID: s.nextID,
		Symbol:   symbol,
		Side:     side,
		Price:    price,
		Size:     size,
		State:    OrderPending,
		Created:  now,
		Updated:  now,
	}
	s.orders[o.ClientID] = o
	return *o
}

// transition applies a monotone state change; terminal states absorb.
func (s *OrderStore) transition(id uint64, to OrderState, exchangeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok || o.State.terminal() || to < o.State {
		return false
	}
	o.State = to
	if exchangeID != "" {
		o.ExchangeID = exchangeID
	}
	o.Updated = artifact.Now()
	return true
}

// MarkOpen records exchange acknowledgement.
func (s *OrderStore) MarkOpen(id uint64, exchangeID string) bool {
	return s.transition(id, OrderOpen, exchangeID)
}

// MarkFilled moves an order to the filled terminal state.
func (s *OrderStore) MarkFilled(id uint64) bool { return s.transition(id, OrderFilled, "") }

// MarkCancelled moves an order to the cancelled terminal state.
func (s *OrderStore) MarkCancelled(id uint64) bool { return s.transition(id, OrderCancelled, "") }

// MarkRejected moves an order to the rejected terminal state.
func (s *OrderStore) MarkRejected(id uint64) bool { return s.transition(id, OrderRejected, "") }

// Get returns a snapshot of one order.
func (s *OrderStore) Get(id uint64) (Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// OpenOrders returns snapshots of non-terminal orders for a symbol.
func (s *OrderStore) OpenOrders(symbol string) []Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Order
	for _, o := range s.orders {
		if o.Symbol == symbol && !o.State.terminal() {
			out = append(out, *o)
		}
	}
	return out
}

// OpenIDs returns the client ids of non-terminal orders for a symbol.
func (s *OrderStore) OpenIDs(symbol string) []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []uint64
	for _, o := range s.orders {
		if o.Symbol == symbol && !o.State.terminal() {
			out = append(out, o.ClientID)
		}
	}
	return out
}

// AllOpenIDs returns symbol -> open client ids across the store.
func (s *OrderStore) AllOpenIDs() map[string][]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]uint64)
	for _, o := range s.orders {
		if !o.State.terminal() {
			out[o.Symbol] = append(out[o.Symbol], o.ClientID)
		}
	}
	return out
}

// AgeSamplesMS returns the ages, in milliseconds, of open orders at now.
func (s *OrderStore) AgeSamplesMS(now time.Time) []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []float64
	for _, o := range s.orders {
		if !o.State.terminal() {
			out = append(out, float64(now.Sub(o.Created).Milliseconds()))
		}
	}
	return out
}

// Evict drops terminal orders older than the retention window.
func (s *OrderStore) Evict(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, o := range s.orders {
		if o.State.terminal() && now.Sub(o.Updated) >= s.retention {
			delete(s.orders, id)
			n++
		}
	}
	return n
}

// PositionTracker is the single owner of per-symbol position state. It
// subscribes to fill events; nothing else mutates positions except explicit
// reconciliation.
type PositionTracker struct {
	mu       sync.Mutex
	base     map[string]float64
	notional map[string]float64
}

// NewPositionTracker creates an empty tracker.
func NewPositionTracker() *PositionTracker {
	return &PositionTracker{
		base:     make(map[string]float64),
		notional: make(map[string]float64),
	}
}

// OnFill applies one fill: buys add base, sells subtract; cumulative
// notional always grows.
func (p *PositionTracker) OnFill(f exchange.FillEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f.Side == exchange.Buy {
		p.base[f.Symbol] += f.Size
	} else {
		p.base[f.Symbol] -= f.Size
	}
	p.notional[f.Symbol] += f.Notional()
}

// Reconcile overwrites a symbol's signed base amount.
func (p *PositionTracker) Reconcile(symbol string, base float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.base[symbol] = base
}

// Base returns the signed base amount for a symbol.
func (p *PositionTracker) Base(symbol string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.base[symbol]
}

// TotalNotional returns cumulative traded notional across symbols.
func (p *PositionTracker) TotalNotional() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var sum float64
	for _, n := range p.notional {
		sum += n
	}
	return sum
}
