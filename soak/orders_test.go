package soak

import (
	"testing"
	"time"

	"github.com/dk997467/mm-soak/soak/exchange"
)

func TestOrderLifecycle(t *testing.T) {
	t.Run("monotone transitions", func(t *testing.T) {
		s := NewOrderStore(0)
		o := s.New("BTCUSDT", exchange.Buy, 50000, 0.01)

		if !s.MarkOpen(o.ClientID, "ex-1") {
			t.Fatal("pending -> open rejected")
		}
		if !s.MarkFilled(o.ClientID) {
			t.Fatal("open -> filled rejected")
		}
		if s.MarkOpen(o.ClientID, "ex-2") {
			t.Error("terminal state accepted a transition")
		}
		got, _ := s.Get(o.ClientID)
		if got.State != OrderFilled || got.ExchangeID != "ex-1" {
			t.Errorf("order = %+v", got)
		}
	})

	t.Run("reject from pending", func(t *testing.T) {
		s := NewOrderStore(0)
		o := s.New("BTCUSDT", exchange.Sell, 50000, 0.01)
		if !s.MarkRejected(o.ClientID) {
			t.Fatal("pending -> rejected refused")
		}
		if s.MarkCancelled(o.ClientID) {
			t.Error("rejected order accepted cancel")
		}
	})

	t.Run("client ids are monotonic", func(t *testing.T) {
		s := NewOrderStore(0)
		a := s.New("A", exchange.Buy, 1, 1)
		b := s.New("A", exchange.Buy, 1, 1)
		if b.ClientID <= a.ClientID {
			t.Errorf("ids not monotonic: %d then %d", a.ClientID, b.ClientID)
		}
	})

	t.Run("open ids per symbol", func(t *testing.T) {
		s := NewOrderStore(0)
		a := s.New("A", exchange.Buy, 1, 1)
		s.New("B", exchange.Buy, 1, 1)
		c := s.New("A", exchange.Sell, 1, 1)
		s.MarkFilled(c.ClientID)

		ids := s.OpenIDs("A")
		if len(ids) != 1 || ids[0] != a.ClientID {
			t.Errorf("OpenIDs(A) = %v", ids)
		}
		all := s.AllOpenIDs()
		if len(all["A"]) != 1 || len(all["B"]) != 1 {
			t.Errorf("AllOpenIDs = %v", all)
		}
	})

	t.Run("eviction honors retention", func(t *testing.T) {
		s := NewOrderStore(10 * time.Millisecond)
		o := s.New("A", exchange.Buy, 1, 1)
		s.MarkCancelled(o.ClientID)

		if n := s.Evict(time.Now()); n != 0 {
			t.Errorf("evicted %d before retention", n)
		}
		if n := s.Evict(time.Now().Add(time.Second)); n != 1 {
			t.Errorf("evicted %d after retention, want 1", n)
		}
		if _, ok := s.Get(o.ClientID); ok {
			t.Error("evicted order still readable")
		}
	})
}

func TestPositionTracker(t *testing.T) {
	p := NewPositionTracker()

	p.OnFill(exchange.FillEvent{Symbol: "A", Side: exchange.Buy, Price: 100, Size: 2})
	p.OnFill(exchange.FillEvent{Symbol: "A", Side: exchange.Sell, Price: 110, Size: 0.5})
	p.OnFill(exchange.FillEvent{Symbol: "B", Side: exchange.Sell, Price: 10, Size: 1})

	if got := p.Base("A"); got != 1.5 {
		t.Errorf("Base(A) = %v, want 1.5", got)
	}
	if got := p.Base("B"); got != -1 {
		t.Errorf("Base(B) = %v, want -1", got)
	}
	// Notional accumulates regardless of side: 200 + 55 + 10.
	if got := p.TotalNotional(); got != 265 {
		t.Errorf("TotalNotional = %v, want 265", got)
	}

	p.Reconcile("A", 0)
	if got := p.Base("A"); got != 0 {
		t.Errorf("Base(A) after reconcile = %v", got)
	}
}
