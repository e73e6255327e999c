package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/daisybum/cryptoTradingBot-sub001/infrastructure/alert"
	"github.com/daisybum/cryptoTradingBot-sub001/infrastructure/logger"
	"github.com/daisybum/cryptoTradingBot-sub001/infrastructure/monitor"
	"github.com/daisybum/cryptoTradingBot-sub001/order"
)

// Sink 持久化镜像。所有调用都是尽力而为，失败只记录不回滚。
type Sink interface {
	SaveOrder(ctx context.Context, o *order.Order) error
	SaveFill(ctx context.Context, orderID string, f order.Fill) error
}

// Config Store配置
type Config struct {
	// 活跃单转历史后保留的最大条数，超出后按先进先出淘汰
	MaxHistory int
	// 成交去重容差
	PriceTol   float64
	QtyTol     float64
	FillWindow time.Duration
	// 持久化镜像单次调用超时
	SinkTimeout time.Duration

	Sink   Sink
	Log    *logger.Logger
	Mon    *monitor.Monitor
	Alerts *alert.Manager // 可为 nil；对账冲突与持久化降级在此上报

	// OnFill 每笔新应用的成交回调（锁外执行）
	OnFill func(o *order.Order, f order.Fill)
	// OnTerminal 订单进入终态回调（锁外执行），用于注销兜底监视任务
	OnTerminal func(o *order.Order)
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		MaxHistory:  500,
		PriceTol:    1e-8,
		QtyTol:      1e-8,
		FillWindow:  2 * time.Second,
		SinkTimeout: 3 * time.Second,
	}
}

// Store 订单状态唯一权威。活跃单和历史单都只能通过这里修改，
// Worker、兜底监视器、推送对账三方并发调用同一把锁。
type Store struct {
	mu          sync.RWMutex
	active      map[string]*order.Order
	history     []*order.Order
	historyByID map[string]*order.Order
	byXID       map[string]string // exchangeOrderID -> orderID

	sm  *order.StateMachine
	cfg Config
	log *logger.Logger
}

// Patch applyUpdate的部分更新。nil字段表示不改动。
type Patch struct {
	Status          *order.Status
	ExchangeOrderID *string
	Price           *float64
	// FilledAmount 交易所口径的累计成交量。只允许单调增加，
	// 回退会被钳制并记为对账冲突。
	FilledAmount *float64
	Fills        []order.Fill
	Reason       *string
}

// New 创建Store
func New(cfg Config) *Store {
	def := DefaultConfig()
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = def.MaxHistory
	}
	if cfg.PriceTol <= 0 {
		cfg.PriceTol = def.PriceTol
	}
	if cfg.QtyTol <= 0 {
		cfg.QtyTol = def.QtyTol
	}
	if cfg.FillWindow <= 0 {
		cfg.FillWindow = def.FillWindow
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = def.SinkTimeout
	}
	log := cfg.Log
	if log == nil {
		log = logger.Nop()
	}
	return &Store{
		active:      make(map[string]*order.Order),
		history:     make([]*order.Order, 0, cfg.MaxHistory),
		historyByID: make(map[string]*order.Order),
		byXID:       make(map[string]string),
		sm:          order.NewStateMachine(),
		cfg:         cfg,
		log:         log,
	}
}

// Create 登记一个新订单。Store保存深拷贝，调用方之后只能通过
// ApplyUpdate修改状态。
func (s *Store) Create(o *order.Order) error {
	if o == nil || o.ID == "" {
		return fmt.Errorf("create: missing order id: %w", order.ErrValidation)
	}
	cp := o.Clone()
	if cp.Status == "" {
		cp.Status = order.StatusPending
	}

	s.mu.Lock()
	if _, dup := s.active[cp.ID]; dup {
		s.mu.Unlock()
		return fmt.Errorf("create: order %s already active: %w", cp.ID, order.ErrValidation)
	}
	if _, dup := s.historyByID[cp.ID]; dup {
		s.mu.Unlock()
		return fmt.Errorf("create: order %s already archived: %w", cp.ID, order.ErrValidation)
	}
	s.active[cp.ID] = cp
	if cp.ExchangeOrderID != "" {
		s.byXID[cp.ExchangeOrderID] = cp.ID
	}
	activeCount := len(s.active)
	clone := cp.Clone()
	s.mu.Unlock()

	if s.cfg.Mon != nil {
		s.cfg.Mon.SetActiveOrders(activeCount)
	}
	s.log.LogOrder("order_created", clone.ID, map[string]interface{}{
		"pair":        clone.Pair,
		"side":        string(clone.Side),
		"type":        string(clone.Type),
		"amount":      clone.Amount,
		"price":       clone.LimitPrice(),
		"is_fallback": clone.IsFallback,
		"parent_id":   clone.ParentOrderID,
		"dry_run":     clone.IsDryRun,
	})
	s.mirror(clone, nil)
	return nil
}

// Get 按内部ID读取订单快照，先查活跃单再查历史。
func (s *Store) Get(id string) (*order.Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if o, ok := s.active[id]; ok {
		return o.Clone(), true
	}
	if o, ok := s.historyByID[id]; ok {
		return o.Clone(), true
	}
	return nil, false
}

// GetByExchangeID 按交易所订单号读取快照。
func (s *Store) GetByExchangeID(xid string) (*order.Order, bool) {
	s.mu.RLock()
	id, ok := s.byXID[xid]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return s.Get(id)
}

// Resolve 将推送事件里的订单标识（内部ID或交易所ID）解析成内部ID。
func (s *Store) Resolve(ref string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.active[ref]; ok {
		return ref, true
	}
	if _, ok := s.historyByID[ref]; ok {
		return ref, true
	}
	if id, ok := s.byXID[ref]; ok {
		return id, true
	}
	return "", false
}

// Active 返回全部活跃订单快照，按创建时间排序。
func (s *Store) Active() []*order.Order {
	s.mu.RLock()
	out := make([]*order.Order, 0, len(s.active))
	for _, o := range s.active {
		out = append(out, o.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// History 返回历史订单快照（老单在前）。
func (s *Store) History() []*order.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*order.Order, 0, len(s.history))
	for _, o := range s.history {
		out = append(out, o.Clone())
	}
	return out
}

// Counts 返回活跃/历史订单数。
func (s *Store) Counts() (active, history int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.active), len(s.history)
}

type applyOutcome struct {
	applied     []order.Fill
	deduped     int
	conflict    bool
	statusFrom  order.Status
	statusTo    order.Status
	wentFinal   bool
	activeCount int
}

// ApplyUpdate 订单状态唯一修改入口。对终态订单的重复更新是幂等
// 空操作；非法状态转换返回 ErrReconciliationConflict。
func (s *Store) ApplyUpdate(id string, p Patch) (*order.Order, error) {
	s.mu.Lock()
	o, ok := s.active[id]
	if !ok {
		if ho, hok := s.historyByID[id]; hok {
			clone := ho.Clone()
			s.mu.Unlock()
			if s.cfg.Mon != nil {
				s.cfg.Mon.RecordReconcile("stale_terminal")
			}
			s.log.LogReconcile("update_after_terminal_ignored", map[string]interface{}{
				"order_id": id,
				"status":   string(clone.Status),
			})
			return clone, nil
		}
		s.mu.Unlock()
		return nil, fmt.Errorf("apply update: %w: %s", order.ErrUnknownOrder, id)
	}

	out, err := s.applyLocked(o, p)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if out.wentFinal {
		s.moveToHistoryLocked(o)
	}
	out.activeCount = len(s.active)
	clone := o.Clone()
	s.mu.Unlock()

	s.publish(clone, out)
	return clone, nil
}

// MoveToHistory 将订单强制归档。只对已处于终态的订单合法，
// 常规路径由ApplyUpdate在终态转换时自动完成。
func (s *Store) MoveToHistory(id string) error {
	s.mu.Lock()
	o, ok := s.active[id]
	if !ok {
		if _, hok := s.historyByID[id]; hok {
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()
		return fmt.Errorf("move to history: %w: %s", order.ErrUnknownOrder, id)
	}
	if !order.IsFinal(o.Status) {
		s.mu.Unlock()
		return fmt.Errorf("move to history: order %s still %s: %w", id, o.Status, order.ErrOrderTerminal)
	}
	s.moveToHistoryLocked(o)
	activeCount := len(s.active)
	s.mu.Unlock()

	if s.cfg.Mon != nil {
		s.cfg.Mon.SetActiveOrders(activeCount)
	}
	return nil
}

// applyLocked 在持锁状态下应用补丁。任何会破坏
// filled+remaining==amount 的输入都被钳制并标记冲突，绝不回写
// 非法值。
func (s *Store) applyLocked(o *order.Order, p Patch) (applyOutcome, error) {
	out := applyOutcome{statusFrom: o.Status, statusTo: o.Status}

	// 先验证显式状态转换，不合法时不产生任何改动
	if p.Status != nil && *p.Status != o.Status {
		if err := s.sm.ValidateTransition(o.Status, *p.Status); err != nil {
			return out, fmt.Errorf("apply update: order %s: %v: %w", o.ID, err, order.ErrReconciliationConflict)
		}
	}

	if p.ExchangeOrderID != nil && *p.ExchangeOrderID != "" {
		switch {
		case o.ExchangeOrderID == "":
			o.ExchangeOrderID = *p.ExchangeOrderID
			s.byXID[o.ExchangeOrderID] = o.ID
		case o.ExchangeOrderID != *p.ExchangeOrderID:
			// 交易所订单号不应变化，保留首个
			out.conflict = true
		}
	}
	if p.Price != nil {
		o.Price = p.Price
	}
	if p.Reason != nil {
		o.Reason = *p.Reason
	}

	for _, f := range p.Fills {
		if s.isDuplicateLocked(o, f) {
			out.deduped++
			continue
		}
		o.Fills = append(o.Fills, f)
		o.FilledAmount += f.Quantity
		out.applied = append(out.applied, f)
	}

	if p.FilledAmount != nil {
		switch {
		case *p.FilledAmount > o.FilledAmount+s.cfg.QtyTol:
			// 交易所累计值领先本地（缺成交明细），以交易所为准
			o.FilledAmount = *p.FilledAmount
		case *p.FilledAmount < o.FilledAmount-s.cfg.QtyTol:
			// 累计值回退，保留本地单调值
			out.conflict = true
		}
	}
	if o.FilledAmount > o.Amount {
		o.FilledAmount = o.Amount
		out.conflict = true
	}
	o.RemainingAmount = o.Amount - o.FilledAmount
	if o.RemainingAmount < 0 {
		o.RemainingAmount = 0
	}

	if p.Status != nil {
		o.Status = *p.Status
	}

	// 按成交推导状态升级
	if !order.IsFinal(o.Status) {
		if o.Amount > 0 && o.FilledAmount >= o.Amount-s.cfg.QtyTol {
			if s.sm.ValidateTransition(o.Status, order.StatusFilled) == nil {
				o.Status = order.StatusFilled
			}
		} else if o.FilledAmount > 0 &&
			(o.Status == order.StatusPending || o.Status == order.StatusOpen) {
			o.Status = order.StatusPartiallyFilled
		}
	}

	o.UpdatedAt = time.Now().UTC()
	out.statusTo = o.Status
	out.wentFinal = order.IsFinal(o.Status)
	return out, nil
}

// isDuplicateLocked 成交去重：时间窗内价格和数量都落在容差内视为重复。
func (s *Store) isDuplicateLocked(o *order.Order, f order.Fill) bool {
	for i := len(o.Fills) - 1; i >= 0; i-- {
		e := o.Fills[i]
		d := f.Timestamp.Sub(e.Timestamp)
		if d < 0 {
			d = -d
		}
		if d > s.cfg.FillWindow {
			continue
		}
		if math.Abs(e.Price-f.Price) <= s.cfg.PriceTol &&
			math.Abs(e.Quantity-f.Quantity) <= s.cfg.QtyTol {
			return true
		}
	}
	return false
}

func (s *Store) moveToHistoryLocked(o *order.Order) {
	delete(s.active, o.ID)
	s.history = append(s.history, o)
	s.historyByID[o.ID] = o
	for len(s.history) > s.cfg.MaxHistory {
		evicted := s.history[0]
		s.history = s.history[1:]
		delete(s.historyByID, evicted.ID)
		if evicted.ExchangeOrderID != "" {
			delete(s.byXID, evicted.ExchangeOrderID)
		}
	}
}

// publish 锁外的日志、指标、镜像与回调。
func (s *Store) publish(clone *order.Order, out applyOutcome) {
	if s.cfg.Mon != nil {
		s.cfg.Mon.SetActiveOrders(out.activeCount)
		for range out.applied {
			s.cfg.Mon.RecordFillApplied()
		}
		for i := 0; i < out.deduped; i++ {
			s.cfg.Mon.RecordFillDeduplicated()
		}
		if out.wentFinal {
			s.cfg.Mon.RecordOrderTerminal(string(clone.Status))
		}
	}

	if out.statusFrom != out.statusTo {
		s.log.LogOrder("order_status_changed", clone.ID, map[string]interface{}{
			"pair":      clone.Pair,
			"from":      string(out.statusFrom),
			"to":        string(out.statusTo),
			"filled":    clone.FilledAmount,
			"remaining": clone.RemainingAmount,
			"reason":    clone.Reason,
		})
	}
	for _, f := range out.applied {
		s.log.LogFill(clone.ID, map[string]interface{}{
			"pair":     clone.Pair,
			"price":    f.Price,
			"quantity": f.Quantity,
			"fee":      f.Fee,
			"filled":   clone.FilledAmount,
		})
	}
	if out.deduped > 0 {
		s.log.LogReconcile("duplicate_fills_dropped", map[string]interface{}{
			"order_id": clone.ID,
			"count":    out.deduped,
		})
	}
	if out.conflict {
		if s.cfg.Mon != nil {
			s.cfg.Mon.RecordReconcile("conflict_clamped")
		}
		if s.cfg.Alerts != nil {
			s.cfg.Alerts.ReconcileConflict(clone.ID, map[string]interface{}{
				"pair":      clone.Pair,
				"amount":    clone.Amount,
				"filled":    clone.FilledAmount,
				"remaining": clone.RemainingAmount,
			})
		}
		s.log.LogReconcile("fill_invariant_clamped", map[string]interface{}{
			"order_id":  clone.ID,
			"amount":    clone.Amount,
			"filled":    clone.FilledAmount,
			"remaining": clone.RemainingAmount,
		})
	}

	s.mirror(clone, out.applied)

	if s.cfg.OnFill != nil {
		for _, f := range out.applied {
			s.cfg.OnFill(clone, f)
		}
	}
	if out.wentFinal && s.cfg.OnTerminal != nil {
		s.cfg.OnTerminal(clone)
	}
}

// mirror 尽力而为地写持久化镜像。
func (s *Store) mirror(o *order.Order, fills []order.Fill) {
	if s.cfg.Sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SinkTimeout)
	defer cancel()

	if err := s.cfg.Sink.SaveOrder(ctx, o); err != nil {
		if s.cfg.Mon != nil {
			s.cfg.Mon.RecordPersistError()
		}
		if s.cfg.Alerts != nil {
			s.cfg.Alerts.PersistDegraded("save_order", err)
		}
		s.log.LogError(err, map[string]interface{}{"order_id": o.ID, "op": "save_order"})
	}
	for _, f := range fills {
		if err := s.cfg.Sink.SaveFill(ctx, o.ID, f); err != nil {
			if s.cfg.Mon != nil {
				s.cfg.Mon.RecordPersistError()
			}
			if s.cfg.Alerts != nil {
				s.cfg.Alerts.PersistDegraded("save_fill", err)
			}
			s.log.LogError(err, map[string]interface{}{"order_id": o.ID, "op": "save_fill"})
		}
	}
}
