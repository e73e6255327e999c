package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/daisybum/cryptoTradingBot-sub001/order"
)

// Limits 风控阈值配置；零值表示对应检查关闭。
type Limits struct {
	MaxOrderNotional float64       // 单笔名义上限（计价币）
	MaxDailyTrades   int           // 当日接受的订单总数上限
	MaxPosition      float64       // 单交易对净仓位上限（基础币）
	DailyLossLimit   float64       // 当日亏损达到该值触发 kill switch
	PriceShockPct    float64       // 熔断阈值：窗口内相对涨跌幅
	ShockWindow      time.Duration // 熔断观察窗口，默认 1m
	ShockCooldown    time.Duration // 熔断冷却时长，默认 5m
}

// State 风控状态快照，只读。
type State struct {
	Day         string
	DailyTrades int
	DailyPnL    float64
	Balance     float64
	KillSwitch  bool
	KillReason  string
	Positions   map[string]float64
}

// Manager 默认风控实现：日内计数、名义/仓位上限、
// 日亏损 kill switch 与价格冲击熔断。实现 Gate 契约。
type Manager struct {
	mu      sync.Mutex
	limits  Limits
	clock   Clock
	breaker *CircuitBreaker

	notifier *Notifier

	day         string
	dailyCounts map[string]int
	dailyTrades int
	dailyPnL    float64
	balance     float64
	positions   map[string]float64
	killSwitch  bool
	killReason  string
}

// NewManager 创建默认风控。clock 传 nil 时使用系统时钟。
func NewManager(limits Limits, clock Clock) *Manager {
	if clock == nil {
		clock = NowUTC
	}
	m := &Manager{
		limits:      limits,
		clock:       clock,
		dailyCounts: make(map[string]int),
		positions:   make(map[string]float64),
		day:         dayKey(clock.Now()),
	}
	if limits.PriceShockPct > 0 {
		m.breaker = NewCircuitBreaker(limits.PriceShockPct, limits.ShockWindow, limits.ShockCooldown)
	}
	return m
}

// SetNotifier 设置告警转发，可为 nil。
func (m *Manager) SetNotifier(n *Notifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifier = n
}

// CheckTradeAllowed 下单前检查。返回的 error 仅表示风控自身故障。
func (m *Manager) CheckTradeAllowed(pair string, side order.Side, amount, price float64) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverLocked()

	if m.killSwitch {
		return Decision{Reason: fmt.Sprintf("%s: %s", ReasonKillSwitch, m.killReason)}, nil
	}
	if m.breaker != nil && m.breaker.Suspended(m.clock.Now()) {
		return Decision{Reason: ReasonCircuitBreaker}, nil
	}
	if m.limits.MaxDailyTrades > 0 && m.dailyTrades >= m.limits.MaxDailyTrades {
		return Decision{Reason: fmt.Sprintf("%s: %d >= %d", ReasonDailyTrades, m.dailyTrades, m.limits.MaxDailyTrades)}, nil
	}
	// MARKET 单没有限价，名义检查跳过（price=0）
	if m.limits.MaxOrderNotional > 0 && price > 0 && amount*price > m.limits.MaxOrderNotional {
		return Decision{Reason: fmt.Sprintf("%s: %.2f > %.2f", ReasonOrderNotional, amount*price, m.limits.MaxOrderNotional)}, nil
	}
	if m.limits.MaxPosition > 0 {
		projected := m.positions[pair] + signedQty(side, amount)
		if abs(projected) > m.limits.MaxPosition {
			return Decision{Reason: fmt.Sprintf("%s: %.4f > %.4f", ReasonMaxPosition, projected, m.limits.MaxPosition)}, nil
		}
	}
	return Decision{Allow: true}, nil
}

// IncrementDailyTradeCount 每个被接受的顶层订单计数一次。
func (m *Manager) IncrementDailyTradeCount(pair string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverLocked()
	m.dailyCounts[pair]++
	m.dailyTrades++
}

// UpdatePosition 按签名数量更新净仓位，并将价格喂给熔断器。
func (m *Manager) UpdatePosition(pair string, signedAmount, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[pair] += signedAmount
	if m.breaker != nil && price > 0 {
		if m.breaker.OnTick(Tick{Price: price, Ts: m.clock.Now()}) {
			if m.notifier != nil {
				m.notifier.NotifyCircuitTrip(pair, price)
			}
		}
	}
}

// UpdateTradeResult 记录已实现盈亏；日亏损越限触发 kill switch。
func (m *Manager) UpdateTradeResult(pair string, profit, profitPercent float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverLocked()
	m.dailyPnL += profit
	if m.limits.DailyLossLimit > 0 && m.dailyPnL <= -m.limits.DailyLossLimit && !m.killSwitch {
		m.killSwitch = true
		m.killReason = fmt.Sprintf("daily loss %.2f exceeds limit %.2f", -m.dailyPnL, m.limits.DailyLossLimit)
		if m.notifier != nil {
			m.notifier.NotifyKillSwitch(pair, m.killReason)
		}
	}
}

// UpdateBalance 记录最新可用余额（计价币）。
func (m *Manager) UpdateBalance(balance float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balance = balance
}

// ActivateKillSwitch 手动触发 kill switch。
func (m *Manager) ActivateKillSwitch(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.killSwitch = true
	m.killReason = reason
}

// Snapshot 返回风控状态的只读副本。
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	positions := make(map[string]float64, len(m.positions))
	for k, v := range m.positions {
		positions[k] = v
	}
	return State{
		Day:         m.day,
		DailyTrades: m.dailyTrades,
		DailyPnL:    m.dailyPnL,
		Balance:     m.balance,
		KillSwitch:  m.killSwitch,
		KillReason:  m.killReason,
		Positions:   positions,
	}
}

// rolloverLocked UTC 日切时重置日内计数、PnL 与日亏损 kill switch。
func (m *Manager) rolloverLocked() {
	day := dayKey(m.clock.Now())
	if day == m.day {
		return
	}
	m.day = day
	m.dailyCounts = make(map[string]int)
	m.dailyTrades = 0
	m.dailyPnL = 0
	m.killSwitch = false
	m.killReason = ""
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func signedQty(side order.Side, amount float64) float64 {
	if side == order.SideSell {
		return -amount
	}
	return amount
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
