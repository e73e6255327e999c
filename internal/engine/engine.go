package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/daisybum/cryptoTradingBot-sub001/infrastructure/alert"
	"github.com/daisybum/cryptoTradingBot-sub001/infrastructure/logger"
	"github.com/daisybum/cryptoTradingBot-sub001/infrastructure/monitor"
	"github.com/daisybum/cryptoTradingBot-sub001/internal/store"
	"github.com/daisybum/cryptoTradingBot-sub001/order"
	"github.com/daisybum/cryptoTradingBot-sub001/risk"
)

// EngineState 引擎状态
type EngineState int

const (
	// StateIdle 空闲状态
	StateIdle EngineState = iota
	// StateRunning 运行状态
	StateRunning
	// StateStopped 停止状态
	StateStopped
)

// String 返回状态名称
func (s EngineState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Config 引擎配置
type Config struct {
	// QueueSize 提交队列容量；队列满时 PlaceOrder 阻塞
	QueueSize int
	// ExchangeCallTimeout 单次交易所调用超时，必须小于 FallbackTimeout，
	// 否则挂死的网络调用会饿死兜底机制
	ExchangeCallTimeout time.Duration
	// FallbackEnabled 超时后是否派生市价子单
	FallbackEnabled bool
	// FallbackTimeout 限价单允许挂单的最长时间
	FallbackTimeout time.Duration
	// PollInterval 兜底监视器轮询间隔
	PollInterval time.Duration
	// HistoryLimit 终态订单保留条数
	HistoryLimit int
	// DryRun 干跑模式标记，写入每个订单
	DryRun bool
	// Strategy 会话标签，写入持久化会话记录
	Strategy string
	// Constraints 按交易对的精度/名义校验，可为空
	Constraints map[string]order.SymbolConstraints
}

// Components 引擎依赖组件
type Components struct {
	Connector order.Connector
	Gate      risk.Gate
	Sink      store.Sink             // 可为 nil
	Sessions  SessionSink            // 可为 nil
	Updates   <-chan order.PushEvent // 可为 nil；交易所推送通道
	Log       *logger.Logger
	Mon       *monitor.Monitor // 可为 nil
	Alerts    *alert.Manager   // 可为 nil
}

// SessionSink 会话生命周期留档。
type SessionSink interface {
	StartSession(ctx context.Context, id, strategy, mode string, startedAt time.Time) error
	EndSession(ctx context.Context, id string, endedAt time.Time, realizedPnL decimal.Decimal) error
}

// Statistics 引擎统计信息快照。
type Statistics struct {
	StartTime        time.Time
	Submitted        int64
	Filled           int64
	Canceled         int64
	Rejected         int64
	Expired          int64
	Errored          int64
	FallbacksSpawned int64
	RiskDenials      int64
	FillsApplied     int64
	RealizedPnL      float64
}

// Engine 订单执行引擎：受理下单意图，串行提交到交易所，
// 为每个挂单的限价单维护一个兜底监视任务，并把推送回报
// 对账进唯一的订单权威（store）。
type Engine struct {
	cfg       Config
	connector order.Connector
	gate      risk.Gate
	sessions  SessionSink
	updates   <-chan order.PushEvent
	log       *logger.Logger
	mon       *monitor.Monitor
	alerts    *alert.Manager

	store *store.Store
	book  *positionBook

	// 热更新参数，独立于静态配置
	paramMu         sync.RWMutex
	fallbackEnabled bool
	fallbackTimeout time.Duration
	pollInterval    time.Duration

	queue      chan *submission
	stopChan   chan struct{}
	workerDone chan struct{}
	reconDone  chan struct{}

	monMu    sync.Mutex
	monitors map[string]*monitorHandle
	monWG    sync.WaitGroup

	stateMu sync.RWMutex
	state   EngineState

	statsMu     sync.Mutex
	stats       Statistics
	orderPnL    map[string]float64 // 订单维度累计已实现盈亏（SELL 结算用）
	lastBalance time.Time

	sessionID string
}

// New 创建执行引擎。Store 由引擎内部构建，成交与终态回调
// 直接挂到引擎上，保证轮询与推送两条更新路径共用同一套收尾。
func New(cfg Config, comps Components) (*Engine, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := validateComponents(comps); err != nil {
		return nil, fmt.Errorf("invalid components: %w", err)
	}

	e := &Engine{
		cfg:             cfg,
		connector:       comps.Connector,
		gate:            comps.Gate,
		sessions:        comps.Sessions,
		updates:         comps.Updates,
		log:             comps.Log,
		mon:             comps.Mon,
		alerts:          comps.Alerts,
		book:            newPositionBook(),
		fallbackEnabled: cfg.FallbackEnabled,
		fallbackTimeout: cfg.FallbackTimeout,
		pollInterval:    cfg.PollInterval,
		queue:           make(chan *submission, cfg.QueueSize),
		stopChan:        make(chan struct{}),
		workerDone:      make(chan struct{}),
		reconDone:       make(chan struct{}),
		monitors:        make(map[string]*monitorHandle),
		orderPnL:        make(map[string]float64),
		state:           StateIdle,
	}

	storeCfg := store.DefaultConfig()
	storeCfg.MaxHistory = cfg.HistoryLimit
	storeCfg.Sink = comps.Sink
	storeCfg.Log = comps.Log
	storeCfg.Mon = comps.Mon
	storeCfg.Alerts = comps.Alerts
	storeCfg.OnFill = e.onFill
	storeCfg.OnTerminal = e.onTerminal
	e.store = store.New(storeCfg)

	return e, nil
}

// Start 启动 Worker 与对账循环，并登记一个新会话。
func (e *Engine) Start(ctx context.Context) error {
	e.stateMu.Lock()
	if e.state != StateIdle {
		e.stateMu.Unlock()
		return fmt.Errorf("engine already started (state: %s)", e.state)
	}
	e.state = StateRunning
	e.stateMu.Unlock()

	e.statsMu.Lock()
	e.stats.StartTime = time.Now()
	e.statsMu.Unlock()

	e.sessionID = uuid.NewString()
	if e.sessions != nil {
		mode := "live"
		if e.cfg.DryRun {
			mode = "paper"
		}
		if err := e.sessions.StartSession(ctx, e.sessionID, e.cfg.Strategy, mode, time.Now().UTC()); err != nil {
			e.log.LogError(err, map[string]interface{}{"op": "start_session", "session_id": e.sessionID})
		}
	}

	e.refreshBalance()

	go e.runWorker()
	if e.updates != nil {
		go e.runReconciler()
	} else {
		close(e.reconDone)
	}

	e.log.Info("execution engine started",
		zap.String("session_id", e.sessionID),
		zap.Bool("dry_run", e.cfg.DryRun),
		zap.Bool("fallback_enabled", e.cfg.FallbackEnabled),
		zap.Duration("fallback_timeout", e.cfg.FallbackTimeout),
		zap.Duration("poll_interval", e.cfg.PollInterval))
	return nil
}

// Stop 优雅停机：关闭进单入口，取消所有监视任务，清空队列
// （允许在途提交完成），最后落盘会话摘要。幂等。
func (e *Engine) Stop() error {
	e.stateMu.Lock()
	if e.state != StateRunning {
		e.stateMu.Unlock()
		return nil
	}
	e.state = StateStopped
	e.stateMu.Unlock()

	close(e.stopChan)

	select {
	case <-e.workerDone:
	case <-time.After(e.cfg.ExchangeCallTimeout + 5*time.Second):
		e.log.LogError(errors.New("timeout waiting for worker to stop"), nil)
	}
	select {
	case <-e.reconDone:
	case <-time.After(5 * time.Second):
		e.log.LogError(errors.New("timeout waiting for reconciler to stop"), nil)
	}

	e.cancelAllMonitors()
	e.monWG.Wait()

	if e.sessions != nil {
		stats := e.GetStatistics()
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := e.sessions.EndSession(ctx, e.sessionID, time.Now().UTC(),
			decimal.NewFromFloat(stats.RealizedPnL)); err != nil {
			e.log.LogError(err, map[string]interface{}{"op": "end_session", "session_id": e.sessionID})
		}
	}

	e.log.Info("execution engine stopped", zap.String("session_id", e.sessionID))
	return nil
}

// GetState 获取引擎状态
func (e *Engine) GetState() EngineState {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.state
}

// GetStatistics 获取统计信息快照
func (e *Engine) GetStatistics() Statistics {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

// Store 返回订单权威，供查询/展示读取快照。
func (e *Engine) Store() *store.Store {
	return e.store
}

// SessionID 返回当前会话标识。
func (e *Engine) SessionID() string {
	return e.sessionID
}

// ApplyParams 应用热更新的执行参数。监视任务在下一次轮询时
// 读到新值；已注册任务不会重置已计时的超时起点。
func (e *Engine) ApplyParams(fallbackEnabled bool, fallbackTimeout, pollInterval time.Duration) error {
	if fallbackTimeout <= 0 || pollInterval <= 0 {
		return fmt.Errorf("invalid execution params: timeout=%v poll=%v", fallbackTimeout, pollInterval)
	}
	if pollInterval >= fallbackTimeout {
		return fmt.Errorf("poll interval %v must be < fallback timeout %v", pollInterval, fallbackTimeout)
	}
	e.paramMu.Lock()
	changed := e.fallbackEnabled != fallbackEnabled ||
		e.fallbackTimeout != fallbackTimeout || e.pollInterval != pollInterval
	e.fallbackEnabled = fallbackEnabled
	e.fallbackTimeout = fallbackTimeout
	e.pollInterval = pollInterval
	e.paramMu.Unlock()

	if changed {
		e.log.Info("execution params updated",
			zap.Bool("fallback_enabled", fallbackEnabled),
			zap.Duration("fallback_timeout", fallbackTimeout),
			zap.Duration("poll_interval", pollInterval))
	}
	return nil
}

func (e *Engine) fallbackEnabledNow() bool {
	e.paramMu.RLock()
	defer e.paramMu.RUnlock()
	return e.fallbackEnabled
}

func (e *Engine) fallbackTimeoutNow() time.Duration {
	e.paramMu.RLock()
	defer e.paramMu.RUnlock()
	return e.fallbackTimeout
}

func (e *Engine) pollIntervalNow() time.Duration {
	e.paramMu.RLock()
	defer e.paramMu.RUnlock()
	return e.pollInterval
}

// callCtx 包一层交易所调用超时。
func (e *Engine) callCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), e.cfg.ExchangeCallTimeout)
}

// onFill store 成交回调（锁外）。仓位与熔断喂价走风控记账，
// SELL 方向按加权平均成本结算已实现盈亏。
func (e *Engine) onFill(o *order.Order, f order.Fill) {
	realized := e.book.apply(o.Pair, signedQty(o.Side, f.Quantity), f.Price)
	e.gate.UpdatePosition(o.Pair, signedQty(o.Side, f.Quantity), f.Price)

	e.statsMu.Lock()
	e.stats.FillsApplied++
	if realized != 0 {
		e.stats.RealizedPnL += realized
		e.orderPnL[o.ID] += realized
	}
	total := e.stats.RealizedPnL
	e.statsMu.Unlock()

	if e.mon != nil {
		e.mon.SetRealizedPnL(total)
	}
}

// onTerminal store 终态回调（锁外）。注销监视任务、更新统计，
// SELL 完结时向风控上报交易结果，并刷新余额。
func (e *Engine) onTerminal(o *order.Order) {
	e.cancelMonitor(o.ID)

	e.statsMu.Lock()
	switch o.Status {
	case order.StatusFilled:
		e.stats.Filled++
	case order.StatusCanceled:
		e.stats.Canceled++
	case order.StatusRejected:
		e.stats.Rejected++
	case order.StatusExpired:
		e.stats.Expired++
	case order.StatusError:
		e.stats.Errored++
	}
	profit := e.orderPnL[o.ID]
	delete(e.orderPnL, o.ID)
	e.statsMu.Unlock()

	if o.Side == order.SideSell && o.FilledAmount > 0 {
		notional := o.AvgFillPrice() * o.FilledAmount
		pct := 0.0
		if notional > 0 {
			pct = profit / notional * 100
		}
		e.gate.UpdateTradeResult(o.Pair, profit, pct)
	}

	e.refreshBalanceDebounced()
}

// refreshBalanceDebounced 终态后的余额刷新，5 秒去抖。
func (e *Engine) refreshBalanceDebounced() {
	e.statsMu.Lock()
	if time.Since(e.lastBalance) < 5*time.Second {
		e.statsMu.Unlock()
		return
	}
	e.lastBalance = time.Now()
	e.statsMu.Unlock()
	go e.refreshBalance()
}

func (e *Engine) refreshBalance() {
	ctx, cancel := e.callCtx()
	defer cancel()
	bal, err := e.connector.GetBalance(ctx)
	if err != nil {
		e.log.LogError(err, map[string]interface{}{"op": "get_balance"})
		return
	}
	e.gate.UpdateBalance(bal)
	if e.mon != nil {
		e.mon.SetBalance(bal)
	}
}

func validateConfig(cfg Config) error {
	if cfg.QueueSize <= 0 {
		return errors.New("queue_size must be > 0")
	}
	if cfg.ExchangeCallTimeout <= 0 {
		return errors.New("exchange_call_timeout must be > 0")
	}
	if cfg.FallbackTimeout <= 0 {
		return errors.New("fallback_timeout must be > 0")
	}
	if cfg.PollInterval <= 0 {
		return errors.New("poll_interval must be > 0")
	}
	if cfg.ExchangeCallTimeout >= cfg.FallbackTimeout {
		return errors.New("exchange_call_timeout must be < fallback_timeout")
	}
	if cfg.PollInterval >= cfg.FallbackTimeout {
		return errors.New("poll_interval must be < fallback_timeout")
	}
	if cfg.HistoryLimit <= 0 {
		return errors.New("history_limit must be > 0")
	}
	return nil
}

func validateComponents(comps Components) error {
	if comps.Connector == nil {
		return errors.New("connector is required")
	}
	if comps.Gate == nil {
		return errors.New("risk gate is required")
	}
	if comps.Log == nil {
		return errors.New("logger is required")
	}
	return nil
}

func signedQty(side order.Side, qty float64) float64 {
	if side == order.SideSell {
		return -qty
	}
	return qty
}
