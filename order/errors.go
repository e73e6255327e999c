package order

import "errors"

// 错误分类：提交链路上各环节用 %w 包装这些哨兵，
// 调用方通过 errors.Is 判定处理策略。
var (
	ErrValidation             = errors.New("order validation failed")
	ErrRiskRejected           = errors.New("trade rejected by risk gate")
	ErrExchangeTransient      = errors.New("exchange transient failure")
	ErrExchangeVolatility     = errors.New("exchange volatility rejection")
	ErrPersistence            = errors.New("persistence write failed")
	ErrReconciliationConflict = errors.New("reconciliation conflict")

	ErrUnknownOrder      = errors.New("unknown order")
	ErrOrderTerminal     = errors.New("order already terminal")
	ErrEngineStopped     = errors.New("engine stopped")
	ErrVenueOrderMissing = errors.New("order not found at venue")
)
