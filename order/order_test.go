package order

import "testing"

func TestNewOrderDefaults(t *testing.T) {
	p := 50000.0
	o := New("BTC/USDT", SideBuy, TypeLimit, 1.5, &p)
	if o.ID == "" {
		t.Fatalf("id not assigned")
	}
	if o.Status != StatusPending {
		t.Fatalf("new order should be PENDING, got %s", o.Status)
	}
	if o.FilledAmount != 0 || o.RemainingAmount != 1.5 {
		t.Fatalf("fill accounting not initialized: filled=%v remaining=%v", o.FilledAmount, o.RemainingAmount)
	}
	if o.LimitPrice() != 50000 {
		t.Fatalf("limit price lost")
	}
}

func TestNewFallbackInheritsLineage(t *testing.T) {
	p := 3000.0
	parent := New("ETH/USDT", SideSell, TypeLimit, 2, &p)
	parent.IsDryRun = true

	child := NewFallback(parent, 1.25)
	if !child.IsFallback {
		t.Fatalf("child not tagged as fallback")
	}
	if child.ParentOrderID != parent.ID {
		t.Fatalf("parent lineage lost")
	}
	if child.Type != TypeMarket {
		t.Fatalf("fallback child must be MARKET, got %s", child.Type)
	}
	if child.Price != nil {
		t.Fatalf("market child must not carry a price")
	}
	if child.Amount != 1.25 || child.RemainingAmount != 1.25 {
		t.Fatalf("child amount should equal parent remainder")
	}
	if !child.IsDryRun {
		t.Fatalf("dry-run flag should propagate to the child")
	}
	if child.ID == parent.ID {
		t.Fatalf("child must get its own id")
	}
}

func TestCloneIsDeep(t *testing.T) {
	p := 100.0
	o := New("BTC/USDT", SideBuy, TypeLimit, 1, &p)
	o.Fills = append(o.Fills, Fill{Price: 100, Quantity: 0.5})

	cp := o.Clone()
	cp.Fills[0].Quantity = 9
	*cp.Price = 1

	if o.Fills[0].Quantity != 0.5 {
		t.Fatalf("clone shares fills slice")
	}
	if *o.Price != 100 {
		t.Fatalf("clone shares price pointer")
	}
}

func TestAvgFillPrice(t *testing.T) {
	o := New("BTC/USDT", SideBuy, TypeMarket, 1, nil)
	if o.AvgFillPrice() != 0 {
		t.Fatalf("no fills should mean zero avg price")
	}
	o.Fills = append(o.Fills,
		Fill{Price: 100, Quantity: 1},
		Fill{Price: 200, Quantity: 1},
	)
	if got := o.AvgFillPrice(); got != 150 {
		t.Fatalf("want avg 150, got %v", got)
	}
}
