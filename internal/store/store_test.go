package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/daisybum/cryptoTradingBot-sub001/infrastructure/alert"
	"github.com/daisybum/cryptoTradingBot-sub001/order"
)

func statusPtr(s order.Status) *order.Status { return &s }
func fptr(v float64) *float64                { return &v }
func sptr(v string) *string                  { return &v }

// recordingSink 记录镜像调用，可切换为全部失败。
type recordingSink struct {
	mu      sync.Mutex
	orders  []string
	fills   []order.Fill
	failAll bool
}

func (r *recordingSink) SaveOrder(_ context.Context, o *order.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll {
		return errors.New("sink down")
	}
	r.orders = append(r.orders, o.ID)
	return nil
}

func (r *recordingSink) SaveFill(_ context.Context, orderID string, f order.Fill) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll {
		return errors.New("sink down")
	}
	r.fills = append(r.fills, f)
	return nil
}

func (r *recordingSink) orderSaves() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.orders)
}

func (r *recordingSink) fillSaves() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fills)
}

func newLimitOrder(pair string, side order.Side, amount, price float64) *order.Order {
	return order.New(pair, side, order.TypeLimit, amount, &price)
}

func TestCreateAndGet(t *testing.T) {
	s := New(DefaultConfig())

	o := newLimitOrder("BTC/USDT", order.SideBuy, 1, 50000)
	if err := s.Create(o); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, ok := s.Get(o.ID)
	if !ok {
		t.Fatal("order not found after Create")
	}
	if got.Status != order.StatusPending {
		t.Errorf("status = %s, want PENDING", got.Status)
	}

	// 返回的是快照，改它不应影响Store内部状态
	got.FilledAmount = 99
	again, _ := s.Get(o.ID)
	if again.FilledAmount != 0 {
		t.Error("Get must return a defensive copy")
	}
}

func TestCreateDuplicateRejected(t *testing.T) {
	s := New(DefaultConfig())
	o := newLimitOrder("BTC/USDT", order.SideBuy, 1, 50000)

	if err := s.Create(o); err != nil {
		t.Fatalf("first Create failed: %v", err)
	}
	err := s.Create(o)
	if !errors.Is(err, order.ErrValidation) {
		t.Errorf("duplicate Create: expected ErrValidation, got %v", err)
	}
}

func TestApplyUpdateAck(t *testing.T) {
	s := New(DefaultConfig())
	o := newLimitOrder("BTC/USDT", order.SideBuy, 1, 50000)
	if err := s.Create(o); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := s.ApplyUpdate(o.ID, Patch{
		Status:          statusPtr(order.StatusOpen),
		ExchangeOrderID: sptr("786120"),
	})
	if err != nil {
		t.Fatalf("ApplyUpdate failed: %v", err)
	}
	if got.Status != order.StatusOpen {
		t.Errorf("status = %s, want OPEN", got.Status)
	}
	if got.ExchangeOrderID != "786120" {
		t.Errorf("exchange order id = %s, want 786120", got.ExchangeOrderID)
	}

	// 交易所ID建立后可反查
	byXID, ok := s.GetByExchangeID("786120")
	if !ok || byXID.ID != o.ID {
		t.Error("GetByExchangeID lookup failed")
	}
	if id, ok := s.Resolve("786120"); !ok || id != o.ID {
		t.Error("Resolve by exchange id failed")
	}
}

func TestPartialFillDerivesStatus(t *testing.T) {
	s := New(DefaultConfig())
	o := newLimitOrder("ETH/USDT", order.SideSell, 2, 3000)
	s.Create(o)
	s.ApplyUpdate(o.ID, Patch{Status: statusPtr(order.StatusOpen)})

	got, err := s.ApplyUpdate(o.ID, Patch{
		Fills: []order.Fill{{Price: 3005, Quantity: 0.5, Timestamp: time.Now()}},
	})
	if err != nil {
		t.Fatalf("ApplyUpdate failed: %v", err)
	}
	if got.Status != order.StatusPartiallyFilled {
		t.Errorf("status = %s, want PARTIALLY_FILLED", got.Status)
	}
	if got.FilledAmount != 0.5 {
		t.Errorf("filled = %f, want 0.5", got.FilledAmount)
	}
	if got.FilledAmount+got.RemainingAmount != got.Amount {
		t.Errorf("invariant violated: %f + %f != %f",
			got.FilledAmount, got.RemainingAmount, got.Amount)
	}
}

// 推送通道可能重复投递同一笔成交，第二次必须被容差规则吸收。
func TestDuplicatePushFillIsIdempotent(t *testing.T) {
	s := New(DefaultConfig())
	o := newLimitOrder("ETH/USDT", order.SideSell, 2, 3000)
	s.Create(o)
	s.ApplyUpdate(o.ID, Patch{Status: statusPtr(order.StatusOpen)})

	ts := time.Now()
	fill := order.Fill{Price: 3005, Quantity: 0.5, Timestamp: ts}

	first, err := s.ApplyUpdate(o.ID, Patch{Fills: []order.Fill{fill}})
	if err != nil {
		t.Fatalf("first fill failed: %v", err)
	}
	// 重复事件：同价同量，时间戳落在容差窗口内
	dup := order.Fill{Price: 3005, Quantity: 0.5, Timestamp: ts.Add(500 * time.Millisecond)}
	second, err := s.ApplyUpdate(o.ID, Patch{Fills: []order.Fill{dup}})
	if err != nil {
		t.Fatalf("duplicate fill failed: %v", err)
	}

	if second.FilledAmount != first.FilledAmount {
		t.Errorf("duplicate changed filled: %f -> %f", first.FilledAmount, second.FilledAmount)
	}
	if second.FilledAmount != 0.5 {
		t.Errorf("filled = %f, want 0.5", second.FilledAmount)
	}
	if len(second.Fills) != 1 {
		t.Errorf("fills = %d, want 1", len(second.Fills))
	}
}

func TestDistinctFillsOutsideWindowBothApply(t *testing.T) {
	s := New(DefaultConfig())
	o := newLimitOrder("ETH/USDT", order.SideSell, 2, 3000)
	s.Create(o)
	s.ApplyUpdate(o.ID, Patch{Status: statusPtr(order.StatusOpen)})

	ts := time.Now()
	s.ApplyUpdate(o.ID, Patch{Fills: []order.Fill{{Price: 3005, Quantity: 0.5, Timestamp: ts}}})
	// 同价同量但间隔超窗，是真实的第二笔成交
	got, _ := s.ApplyUpdate(o.ID, Patch{Fills: []order.Fill{{Price: 3005, Quantity: 0.5, Timestamp: ts.Add(5 * time.Second)}}})

	if got.FilledAmount != 1.0 {
		t.Errorf("filled = %f, want 1.0", got.FilledAmount)
	}
	if len(got.Fills) != 2 {
		t.Errorf("fills = %d, want 2", len(got.Fills))
	}
}

func TestCumulativeFilledFromVenue(t *testing.T) {
	s := New(DefaultConfig())
	o := newLimitOrder("BTC/USDT", order.SideBuy, 1, 50000)
	s.Create(o)
	s.ApplyUpdate(o.ID, Patch{Status: statusPtr(order.StatusOpen)})

	// 交易所累计值领先本地，采纳
	got, err := s.ApplyUpdate(o.ID, Patch{FilledAmount: fptr(0.25)})
	if err != nil {
		t.Fatalf("ApplyUpdate failed: %v", err)
	}
	if got.FilledAmount != 0.25 {
		t.Errorf("filled = %f, want 0.25", got.FilledAmount)
	}
	if got.Status != order.StatusPartiallyFilled {
		t.Errorf("status = %s, want PARTIALLY_FILLED", got.Status)
	}

	// 回退的累计值被钳制，保持单调
	got, err = s.ApplyUpdate(o.ID, Patch{FilledAmount: fptr(0.1)})
	if err != nil {
		t.Fatalf("ApplyUpdate failed: %v", err)
	}
	if got.FilledAmount != 0.25 {
		t.Errorf("regressing cumulative accepted: filled = %f, want 0.25", got.FilledAmount)
	}
}

func TestOverfillClamped(t *testing.T) {
	s := New(DefaultConfig())
	o := newLimitOrder("BTC/USDT", order.SideBuy, 1, 50000)
	s.Create(o)
	s.ApplyUpdate(o.ID, Patch{Status: statusPtr(order.StatusOpen)})

	got, err := s.ApplyUpdate(o.ID, Patch{FilledAmount: fptr(1.5)})
	if err != nil {
		t.Fatalf("ApplyUpdate failed: %v", err)
	}
	if got.FilledAmount != 1 {
		t.Errorf("filled = %f, want clamped to 1", got.FilledAmount)
	}
	if got.RemainingAmount != 0 {
		t.Errorf("remaining = %f, want 0", got.RemainingAmount)
	}
	// 钳制到全量后应推导为FILLED
	if got.Status != order.StatusFilled {
		t.Errorf("status = %s, want FILLED", got.Status)
	}
}

func TestFullFillMovesToHistory(t *testing.T) {
	var terminal []*order.Order
	cfg := DefaultConfig()
	cfg.OnTerminal = func(o *order.Order) { terminal = append(terminal, o) }
	s := New(cfg)

	o := newLimitOrder("BTC/USDT", order.SideBuy, 0.5, 50000)
	s.Create(o)
	s.ApplyUpdate(o.ID, Patch{Status: statusPtr(order.StatusOpen)})

	got, err := s.ApplyUpdate(o.ID, Patch{
		Fills: []order.Fill{{Price: 50000, Quantity: 0.5, Timestamp: time.Now()}},
	})
	if err != nil {
		t.Fatalf("ApplyUpdate failed: %v", err)
	}
	if got.Status != order.StatusFilled {
		t.Fatalf("status = %s, want FILLED", got.Status)
	}

	active, history := s.Counts()
	if active != 0 || history != 1 {
		t.Errorf("counts = (%d, %d), want (0, 1)", active, history)
	}
	if len(terminal) != 1 || terminal[0].ID != o.ID {
		t.Error("terminal hook not fired exactly once")
	}

	// 归档后仍可按ID读到
	archived, ok := s.Get(o.ID)
	if !ok || archived.Status != order.StatusFilled {
		t.Error("archived order not readable")
	}
}

func TestLateUpdateAfterTerminalIgnored(t *testing.T) {
	s := New(DefaultConfig())
	o := newLimitOrder("BTC/USDT", order.SideBuy, 0.5, 50000)
	s.Create(o)
	s.ApplyUpdate(o.ID, Patch{Status: statusPtr(order.StatusOpen), ExchangeOrderID: sptr("42")})
	s.ApplyUpdate(o.ID, Patch{Status: statusPtr(order.StatusCanceled)})

	// 迟到的推送不能复活历史订单
	got, err := s.ApplyUpdate(o.ID, Patch{
		Status: statusPtr(order.StatusOpen),
		Fills:  []order.Fill{{Price: 50000, Quantity: 0.5, Timestamp: time.Now()}},
	})
	if err != nil {
		t.Fatalf("late update returned error: %v", err)
	}
	if got.Status != order.StatusCanceled {
		t.Errorf("status = %s, want CANCELED", got.Status)
	}
	if got.FilledAmount != 0 {
		t.Errorf("late fill applied to terminal order: %f", got.FilledAmount)
	}
	// 归档订单的交易所ID仍可解析（幂等回放入口）
	if id, ok := s.Resolve("42"); !ok || id != o.ID {
		t.Error("Resolve should still find archived order")
	}
}

func TestApplyUpdateUnknownOrder(t *testing.T) {
	s := New(DefaultConfig())
	_, err := s.ApplyUpdate("missing", Patch{Status: statusPtr(order.StatusOpen)})
	if !errors.Is(err, order.ErrUnknownOrder) {
		t.Errorf("expected ErrUnknownOrder, got %v", err)
	}
}

func TestIllegalTransitionRejected(t *testing.T) {
	s := New(DefaultConfig())
	o := newLimitOrder("BTC/USDT", order.SideBuy, 1, 50000)
	s.Create(o)
	s.ApplyUpdate(o.ID, Patch{Status: statusPtr(order.StatusOpen)})

	_, err := s.ApplyUpdate(o.ID, Patch{Status: statusPtr(order.StatusPending)})
	if !errors.Is(err, order.ErrReconciliationConflict) {
		t.Errorf("expected ErrReconciliationConflict, got %v", err)
	}

	// 失败的补丁不应产生任何改动
	got, _ := s.Get(o.ID)
	if got.Status != order.StatusOpen {
		t.Errorf("status mutated by rejected patch: %s", got.Status)
	}
}

func TestFallbackTransitions(t *testing.T) {
	s := New(DefaultConfig())
	o := newLimitOrder("BTC/USDT", order.SideBuy, 1, 50000)
	s.Create(o)
	s.ApplyUpdate(o.ID, Patch{Status: statusPtr(order.StatusOpen)})

	got, err := s.ApplyUpdate(o.ID, Patch{Status: statusPtr(order.StatusFallback)})
	if err != nil {
		t.Fatalf("OPEN -> FALLBACK failed: %v", err)
	}
	if got.Status != order.StatusFallback {
		t.Fatalf("status = %s, want FALLBACK", got.Status)
	}

	// FALLBACK时的部分成交只累计数量，不再改状态
	got, err = s.ApplyUpdate(o.ID, Patch{
		Fills: []order.Fill{{Price: 50000, Quantity: 0.25, Timestamp: time.Now()}},
	})
	if err != nil {
		t.Fatalf("fill on FALLBACK failed: %v", err)
	}
	if got.Status != order.StatusFallback {
		t.Errorf("status = %s, want FALLBACK preserved", got.Status)
	}
	if got.FilledAmount != 0.25 {
		t.Errorf("filled = %f, want 0.25", got.FilledAmount)
	}

	// 撤单与成交竞争时交易所胜出：全量成交推导FILLED
	got, err = s.ApplyUpdate(o.ID, Patch{
		Fills: []order.Fill{{Price: 50000, Quantity: 0.75, Timestamp: time.Now().Add(3 * time.Second)}},
	})
	if err != nil {
		t.Fatalf("full fill on FALLBACK failed: %v", err)
	}
	if got.Status != order.StatusFilled {
		t.Errorf("status = %s, want FILLED", got.Status)
	}
}

func TestMoveToHistoryExplicit(t *testing.T) {
	s := New(DefaultConfig())
	o := newLimitOrder("BTC/USDT", order.SideBuy, 1, 50000)
	s.Create(o)

	// 非终态不允许归档
	if err := s.MoveToHistory(o.ID); err == nil {
		t.Error("expected error for non-terminal order")
	}

	if err := s.MoveToHistory("missing"); !errors.Is(err, order.ErrUnknownOrder) {
		t.Errorf("expected ErrUnknownOrder, got %v", err)
	}
}

func TestHistoryBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxHistory = 2
	s := New(cfg)

	ids := make([]string, 3)
	for i := 0; i < 3; i++ {
		o := newLimitOrder("BTC/USDT", order.SideBuy, 1, 50000)
		ids[i] = o.ID
		s.Create(o)
		s.ApplyUpdate(o.ID, Patch{Status: statusPtr(order.StatusCanceled)})
	}

	_, history := s.Counts()
	if history != 2 {
		t.Errorf("history = %d, want 2", history)
	}
	// 最老的被淘汰
	if _, ok := s.Get(ids[0]); ok {
		t.Error("oldest archived order should be evicted")
	}
	if _, ok := s.Get(ids[2]); !ok {
		t.Error("newest archived order missing")
	}
}

func TestSinkMirrorBestEffort(t *testing.T) {
	sink := &recordingSink{}
	cfg := DefaultConfig()
	cfg.Sink = sink
	s := New(cfg)

	o := newLimitOrder("BTC/USDT", order.SideBuy, 1, 50000)
	s.Create(o)
	if sink.orderSaves() != 1 {
		t.Errorf("order saves = %d, want 1 after Create", sink.orderSaves())
	}

	s.ApplyUpdate(o.ID, Patch{
		Status: statusPtr(order.StatusOpen),
		Fills:  []order.Fill{{Price: 50000, Quantity: 0.5, Timestamp: time.Now()}},
	})
	if sink.orderSaves() != 2 {
		t.Errorf("order saves = %d, want 2", sink.orderSaves())
	}
	if sink.fillSaves() != 1 {
		t.Errorf("fill saves = %d, want 1", sink.fillSaves())
	}

	// 镜像失败不影响内存状态
	sink.failAll = true
	got, err := s.ApplyUpdate(o.ID, Patch{FilledAmount: fptr(1)})
	if err != nil {
		t.Fatalf("ApplyUpdate failed on sink outage: %v", err)
	}
	if got.Status != order.StatusFilled {
		t.Errorf("status = %s, want FILLED despite sink failure", got.Status)
	}
}

func TestOnFillHook(t *testing.T) {
	var fills []order.Fill
	cfg := DefaultConfig()
	cfg.OnFill = func(_ *order.Order, f order.Fill) { fills = append(fills, f) }
	s := New(cfg)

	o := newLimitOrder("ETH/USDT", order.SideSell, 2, 3000)
	s.Create(o)
	s.ApplyUpdate(o.ID, Patch{Status: statusPtr(order.StatusOpen)})

	ts := time.Now()
	fill := order.Fill{Price: 3005, Quantity: 0.5, Timestamp: ts}
	s.ApplyUpdate(o.ID, Patch{Fills: []order.Fill{fill}})
	// 重复成交不触发回调
	s.ApplyUpdate(o.ID, Patch{Fills: []order.Fill{fill}})

	if len(fills) != 1 {
		t.Errorf("fill hook fired %d times, want 1", len(fills))
	}
	if len(fills) == 1 && fills[0].Price != 3005 {
		t.Errorf("hook fill price = %f, want 3005", fills[0].Price)
	}
}

// recordingAlertChannel 捕获告警类型。
type recordingAlertChannel struct {
	mu    sync.Mutex
	types []string
}

func (c *recordingAlertChannel) Send(a alert.Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.types = append(c.types, a.Type)
	return nil
}

func (c *recordingAlertChannel) Name() string { return "recorder" }

func (c *recordingAlertChannel) has(typ string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.types {
		if t == typ {
			return true
		}
	}
	return false
}

func TestConflictAndPersistFailureRaiseAlerts(t *testing.T) {
	ch := &recordingAlertChannel{}
	sink := &recordingSink{failAll: true}
	cfg := DefaultConfig()
	cfg.Sink = sink
	cfg.Alerts = alert.NewManager([]alert.Channel{ch}, time.Nanosecond)
	s := New(cfg)

	o := newLimitOrder("BTC/USDT", order.SideBuy, 1, 50000)
	if err := s.Create(o); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if !ch.has(alert.TypePersistence) {
		t.Error("persistence failure on Create did not raise an alert")
	}

	s.ApplyUpdate(o.ID, Patch{Status: statusPtr(order.StatusOpen)})
	// 超量成交被钳制：对账冲突必须上报
	if _, err := s.ApplyUpdate(o.ID, Patch{FilledAmount: fptr(1.5)}); err != nil {
		t.Fatalf("ApplyUpdate failed: %v", err)
	}
	if !ch.has(alert.TypeReconcile) {
		t.Error("clamped fill invariant did not raise a reconcile alert")
	}
}
