package order

import (
	"fmt"
	"sync"
)

// StateTransition 状态转换
type StateTransition struct {
	From Status
	To   Status
}

// StateMachine 订单状态机
type StateMachine struct {
	transitions map[StateTransition]bool
	mu          sync.RWMutex
}

// NewStateMachine 创建新的状态机
func NewStateMachine() *StateMachine {
	sm := &StateMachine{
		transitions: make(map[StateTransition]bool),
	}
	sm.initializeTransitions()
	return sm
}

// initializeTransitions 初始化所有合法的状态转换
func (sm *StateMachine) initializeTransitions() {
	terminals := []Status{StatusFilled, StatusCanceled, StatusRejected, StatusExpired, StatusError}

	legalTransitions := []StateTransition{
		// 非终态之间只允许向前推进
		{StatusPending, StatusOpen},
		{StatusPending, StatusPartiallyFilled}, // 提交确认时已有成交
		{StatusOpen, StatusPartiallyFilled},
		{StatusPartiallyFilled, StatusPartiallyFilled}, // 多次部分成交

		// 派生市价子单前的过渡标记
		{StatusPending, StatusFallback}, // 波动拒绝触发的立即升级
		{StatusOpen, StatusFallback},
		{StatusPartiallyFilled, StatusFallback},
	}

	// 任何非终态（含 FALLBACK）都可以进入任一终态；
	// FALLBACK -> FILLED 允许：撤单请求与成交回报可能竞争，以交易所为准。
	for _, from := range []Status{StatusPending, StatusOpen, StatusPartiallyFilled, StatusFallback} {
		for _, to := range terminals {
			legalTransitions = append(legalTransitions, StateTransition{from, to})
		}
	}

	for _, t := range legalTransitions {
		sm.transitions[t] = true
	}
}

// ValidateTransition 验证状态转换是否合法
func (sm *StateMachine) ValidateTransition(from, to Status) error {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	// 相同状态允许（幂等性）
	if from == to {
		return nil
	}

	transition := StateTransition{From: from, To: to}
	if !sm.transitions[transition] {
		return fmt.Errorf("illegal state transition: %s -> %s", from, to)
	}

	return nil
}

// AllowedTransitions 返回当前状态所有合法的目标状态
func (sm *StateMachine) AllowedTransitions(current Status) []Status {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	allowed := make([]Status, 0)
	for transition := range sm.transitions {
		if transition.From == current {
			allowed = append(allowed, transition.To)
		}
	}
	return allowed
}

// IsFinalState 判断是否是终态
func (sm *StateMachine) IsFinalState(status Status) bool {
	switch status {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired, StatusError:
		return true
	default:
		return false
	}
}

// IsActiveState 判断是否是活跃状态（可能产生成交）
func (sm *StateMachine) IsActiveState(status Status) bool {
	switch status {
	case StatusOpen, StatusPartiallyFilled:
		return true
	default:
		return false
	}
}

// CanCancel 判断当前状态下是否可以撤单
func (sm *StateMachine) CanCancel(status Status) bool {
	switch status {
	case StatusPending, StatusOpen, StatusPartiallyFilled:
		return true
	default:
		return false
	}
}

// GetStateDescription 获取状态描述
func (sm *StateMachine) GetStateDescription(status Status) string {
	descriptions := map[Status]string{
		StatusPending:         "订单待提交",
		StatusOpen:            "订单已接受",
		StatusPartiallyFilled: "订单部分成交",
		StatusFilled:          "订单完全成交",
		StatusCanceled:        "订单已撤销",
		StatusRejected:        "订单被拒绝",
		StatusExpired:         "订单已过期",
		StatusFallback:        "已派生市价子单",
		StatusError:           "订单执行失败",
	}

	if desc, ok := descriptions[status]; ok {
		return desc
	}
	return "未知状态"
}

// IsFinal 包级辅助：status 是否为终态。
func IsFinal(status Status) bool {
	return defaultStateMachine.IsFinalState(status)
}

// defaultStateMachine 供包级辅助函数使用的共享实例。
var defaultStateMachine = NewStateMachine()
