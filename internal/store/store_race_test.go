package store

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/daisybum/cryptoTradingBot-sub001/order"
)

// TestStore_ConcurrentCreateAndUpdate 测试并发建单与更新的安全性
func TestStore_ConcurrentCreateAndUpdate(t *testing.T) {
	s := New(DefaultConfig())

	var wg sync.WaitGroup
	operations := 50

	// 并发建单并推进到终态
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for j := 0; j < operations; j++ {
				o := newLimitOrder("BTC/USDT", order.SideBuy, 1, 50000)
				if err := s.Create(o); err != nil {
					t.Errorf("Create failed: %v", err)
					return
				}
				if _, err := s.ApplyUpdate(o.ID, Patch{
					Status:          statusPtr(order.StatusOpen),
					ExchangeOrderID: sptr(fmt.Sprintf("x-%d-%d", workerID, j)),
				}); err != nil {
					t.Errorf("ApplyUpdate OPEN failed: %v", err)
					return
				}
				if _, err := s.ApplyUpdate(o.ID, Patch{
					Fills: []order.Fill{{Price: 50000, Quantity: 1, Timestamp: time.Now()}},
				}); err != nil {
					t.Errorf("ApplyUpdate fill failed: %v", err)
					return
				}
			}
		}(i)
	}

	// 并发读取
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < operations; j++ {
				_ = s.Active()
				_, _ = s.Counts()
			}
		}()
	}

	wg.Wait()

	// 验证最终状态一致性：全部订单成交归档，且不超过历史上限
	active, history := s.Counts()
	if active != 0 {
		t.Errorf("active = %d, want 0", active)
	}
	if history > DefaultConfig().MaxHistory {
		t.Errorf("history = %d exceeds bound %d", history, DefaultConfig().MaxHistory)
	}
}

// TestStore_ConcurrentFillsSingleOrder 测试单一订单上的并发成交回报
func TestStore_ConcurrentFillsSingleOrder(t *testing.T) {
	s := New(DefaultConfig())

	o := newLimitOrder("ETH/USDT", order.SideSell, 100, 3000)
	if err := s.Create(o); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := s.ApplyUpdate(o.ID, Patch{Status: statusPtr(order.StatusOpen)}); err != nil {
		t.Fatalf("ApplyUpdate OPEN failed: %v", err)
	}

	var wg sync.WaitGroup
	base := time.Now()

	// 10个writer各报10笔不同价格的成交，互不构成重复
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				price := 3000.0 + float64(workerID*10+j)
				if _, err := s.ApplyUpdate(o.ID, Patch{
					Fills: []order.Fill{{
						Price:     price,
						Quantity:  1,
						Timestamp: base,
					}},
				}); err != nil {
					t.Errorf("concurrent fill failed: %v", err)
					return
				}
			}
		}(w)
	}

	// 并发读取快照并检查不变量
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if got, ok := s.Get(o.ID); ok {
					if got.FilledAmount+got.RemainingAmount != got.Amount {
						t.Errorf("invariant violated mid-flight: %f + %f != %f",
							got.FilledAmount, got.RemainingAmount, got.Amount)
						return
					}
				}
			}
		}()
	}

	wg.Wait()

	got, ok := s.Get(o.ID)
	if !ok {
		t.Fatal("order missing after concurrent fills")
	}
	if got.FilledAmount != 100 {
		t.Errorf("filled = %f, want 100", got.FilledAmount)
	}
	if got.Status != order.StatusFilled {
		t.Errorf("status = %s, want FILLED", got.Status)
	}
	if len(got.Fills) != 100 {
		t.Errorf("fills = %d, want 100", len(got.Fills))
	}
}

// TestStore_MixedConcurrentOperations 测试混合并发操作
func TestStore_MixedConcurrentOperations(t *testing.T) {
	sink := &recordingSink{}
	cfg := DefaultConfig()
	cfg.Sink = sink
	s := New(cfg)

	var wg sync.WaitGroup
	operations := 30

	// 建单后推进到OPEN
	ids := make(chan string, operations)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < operations; i++ {
			o := newLimitOrder("BTC/USDT", order.SideBuy, 2, 50000)
			if err := s.Create(o); err != nil {
				t.Errorf("Create failed: %v", err)
				return
			}
			if _, err := s.ApplyUpdate(o.ID, Patch{Status: statusPtr(order.StatusOpen)}); err != nil {
				t.Errorf("open failed: %v", err)
				return
			}
			ids <- o.ID
		}
		close(ids)
	}()

	// 撤单路径
	wg.Add(1)
	go func() {
		defer wg.Done()
		for id := range ids {
			if _, err := s.ApplyUpdate(id, Patch{Status: statusPtr(order.StatusCanceled)}); err != nil {
				t.Errorf("cancel failed: %v", err)
				return
			}
			// 终态后的迟到更新必须是幂等空操作
			if _, err := s.ApplyUpdate(id, Patch{Status: statusPtr(order.StatusOpen)}); err != nil {
				t.Errorf("late update errored: %v", err)
				return
			}
		}
	}()

	// 并发读取所有快照入口
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < operations*2; j++ {
				_ = s.Active()
				_ = s.History()
				_, _ = s.Counts()
			}
		}()
	}

	wg.Wait()

	active, history := s.Counts()
	if active != 0 {
		t.Errorf("active = %d, want 0", active)
	}
	if history != operations {
		t.Errorf("history = %d, want %d", history, operations)
	}
}
