package risk

import "github.com/daisybum/cryptoTradingBot-sub001/order"

// 拒绝原因码，写入 Decision.Reason 并随订单留档。
const (
	ReasonKillSwitch     = "KILL_SWITCH"
	ReasonCircuitBreaker = "CIRCUIT_BREAKER"
	ReasonDailyTrades    = "MAX_DAILY_TRADES"
	ReasonOrderNotional  = "MAX_ORDER_NOTIONAL"
	ReasonMaxPosition    = "MAX_POSITION"
)

// Decision 允许/拒绝判定；拒绝时 Reason 携带原因码。
type Decision struct {
	Allow  bool
	Reason string
}

// Gate 执行引擎消费的风控契约。
// CheckTradeAllowed 返回 error 表示风控自身故障，引擎对
// 允许性检查采取 fail-open 策略；记账类调用失败由引擎记日志并标记差异。
type Gate interface {
	CheckTradeAllowed(pair string, side order.Side, amount, price float64) (Decision, error)
	IncrementDailyTradeCount(pair string)
	UpdatePosition(pair string, signedAmount, price float64)
	UpdateTradeResult(pair string, profit, profitPercent float64)
	UpdateBalance(balance float64)
}
