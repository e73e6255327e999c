package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/daisybum/cryptoTradingBot-sub001/internal/store"
	"github.com/daisybum/cryptoTradingBot-sub001/order"
)

// fillEpsilon 余量小于该值视为已全量成交，不派生子单。
const fillEpsilon = 1e-9

type monitorHandle struct {
	cancel chan struct{}
}

// registerMonitor 为活跃限价单登记兜底监视任务。
// 每个订单号最多一个任务，重复登记是编程错误，防御性拒绝。
func (e *Engine) registerMonitor(id string) error {
	e.monMu.Lock()
	if _, dup := e.monitors[id]; dup {
		e.monMu.Unlock()
		return fmt.Errorf("monitor already registered for order %s", id)
	}
	h := &monitorHandle{cancel: make(chan struct{})}
	e.monitors[id] = h
	e.monWG.Add(1)
	e.monMu.Unlock()

	go e.runMonitor(id, h)
	return nil
}

// cancelMonitor 订单经任何路径进入终态时立即取消监视任务。
func (e *Engine) cancelMonitor(id string) {
	e.monMu.Lock()
	h, ok := e.monitors[id]
	if ok {
		delete(e.monitors, id)
	}
	e.monMu.Unlock()
	if ok {
		close(h.cancel)
	}
}

func (e *Engine) cancelAllMonitors() {
	e.monMu.Lock()
	handles := make([]*monitorHandle, 0, len(e.monitors))
	for id, h := range e.monitors {
		handles = append(handles, h)
		delete(e.monitors, id)
	}
	e.monMu.Unlock()
	for _, h := range handles {
		close(h.cancel)
	}
}

// MonitorCount 当前存活的监视任务数，测试与诊断用。
func (e *Engine) MonitorCount() int {
	e.monMu.Lock()
	defer e.monMu.Unlock()
	return len(e.monitors)
}

// runMonitor 兜底监视循环：按轮询间隔观察订单，订单经其他路径
// 进入终态则静默退出；超时仍未成交则升级。轮询间隔与超时每次
// 循环重新读取，热更新即时生效。
func (e *Engine) runMonitor(id string, h *monitorHandle) {
	defer e.monWG.Done()
	start := time.Now()
	for {
		select {
		case <-h.cancel:
			return
		case <-e.stopChan:
			e.removeMonitor(id)
			return
		case <-time.After(e.pollIntervalNow()):
		}

		o, ok := e.store.Get(id)
		if !ok || order.IsFinal(o.Status) {
			e.removeMonitor(id)
			return
		}
		if time.Since(start) >= e.fallbackTimeoutNow() {
			e.removeMonitor(id)
			e.escalateTimeout(o)
			return
		}
	}
}

// removeMonitor 注销但不关闭 cancel 通道（任务自行退出时调用）。
func (e *Engine) removeMonitor(id string) {
	e.monMu.Lock()
	delete(e.monitors, id)
	e.monMu.Unlock()
}

// escalateTimeout 超时升级：先在交易所撤掉剩余挂单，再视余量
// 派生市价子单。交易所侧订单已不存在时查询一次真实状态对账，
// 而不是盲目升级。
func (e *Engine) escalateTimeout(parent *order.Order) {
	e.log.LogOrder("fallback_timeout", parent.ID, map[string]interface{}{
		"pair":      parent.Pair,
		"status":    string(parent.Status),
		"remaining": parent.RemainingAmount,
	})

	if parent.ExchangeOrderID != "" {
		if done := e.cancelRemainder(parent); done {
			return
		}
	}

	// 撤单后重读：撤单请求与成交回报可能竞争
	o, ok := e.store.Get(parent.ID)
	if !ok || order.IsFinal(o.Status) {
		return
	}
	e.spawnFallback(o, "limit order unfilled after fallback timeout", false)
}

// cancelRemainder 在交易所撤掉剩余量。返回 true 表示订单已经
// 由对账路径处理完毕，无需再升级。
func (e *Engine) cancelRemainder(parent *order.Order) bool {
	var cancelErr error
	for attempt := 0; attempt < 3; attempt++ {
		ctx, cancel := e.callCtx()
		cancelErr = e.connector.CancelOrder(ctx, parent.Pair, parent.ExchangeOrderID)
		cancel()
		if cancelErr == nil {
			return false
		}
		if errors.Is(cancelErr, order.ErrVenueOrderMissing) {
			// 交易所侧已终结（可能在本地视野外成交/撤销），查一次真实状态
			ctx, cancel := e.callCtx()
			ack, qerr := e.connector.QueryOrder(ctx, parent.Pair, parent.ExchangeOrderID)
			cancel()
			if qerr != nil {
				e.log.LogError(qerr, map[string]interface{}{"order_id": parent.ID, "op": "query_after_cancel_missing"})
				return false
			}
			e.HandlePush(order.PushEvent{
				OrderID:         parent.ID,
				ExchangeOrderID: ack.ExchangeOrderID,
				VenueStatus:     ack.Status,
				CumFilled:       &ack.CumFilled,
				Fills:           ack.Fills,
			})
			return true
		}
		time.Sleep(time.Duration(attempt+1) * 500 * time.Millisecond)
	}

	e.log.LogError(cancelErr, map[string]interface{}{"order_id": parent.ID, "op": "cancel_remainder"})
	if e.alerts != nil {
		e.alerts.CancelRetryExhausted(parent.ID, parent.Pair, cancelErr)
	}
	// 撤单失败时不升级：同一数量可能双重成交。订单留在活跃集，
	// 交给推送对账或下一次人工干预。
	st := order.StatusError
	reason := fmt.Sprintf("cancel failed during fallback escalation: %v", cancelErr)
	if _, err := e.store.ApplyUpdate(parent.ID, store.Patch{Status: &st, Reason: &reason}); err != nil {
		e.log.LogError(err, map[string]interface{}{"order_id": parent.ID, "op": "apply_cancel_failure"})
	}
	return true
}

// escalateVolatility 波动类拒绝的立即升级：订单从未被交易所受理，
// 无需撤单，直接按全部余量派生市价子单。仅限非兜底限价单，
// 由调用方保证。
func (e *Engine) escalateVolatility(parent *order.Order, cause error) error {
	e.log.LogOrder("volatility_escalation", parent.ID, map[string]interface{}{
		"pair":  parent.Pair,
		"error": cause.Error(),
	})
	e.spawnFallback(parent, fmt.Sprintf("volatility rejection: %v", cause), true)
	return nil
}

// spawnFallback 派生市价子单并最终将父单收尾为 CANCELED。
// 每个父单至多派生一次：子单必为 MARKET，不再二次升级。
// inline 为真表示调用方就是 Worker（波动升级路径），子单直接
// 内联提交以维持"最多一笔在途"；否则子单正常排队。
func (e *Engine) spawnFallback(parent *order.Order, why string, inline bool) {
	if parent.RemainingAmount <= fillEpsilon || !e.fallbackEnabledNow() {
		// 无余量或兜底关闭：父单直接收尾为 CANCELED
		final := order.StatusCanceled
		reason := why
		if _, err := e.store.ApplyUpdate(parent.ID, store.Patch{Status: &final, Reason: &reason}); err != nil {
			e.log.LogError(err, map[string]interface{}{"order_id": parent.ID, "op": "finalize_parent"})
		}
		return
	}

	// 先标记 FALLBACK，子单创建时父单必须已处于 FALLBACK 或终态
	st := order.StatusFallback
	reason := why
	marked, err := e.store.ApplyUpdate(parent.ID, store.Patch{Status: &st, Reason: &reason})
	if err != nil {
		e.log.LogError(err, map[string]interface{}{"order_id": parent.ID, "op": "mark_fallback"})
		return
	}
	if marked.Status == order.StatusFilled {
		// 成交回报赶在撤单确认前，交易所为准，无余量可升级
		return
	}

	if remaining := marked.RemainingAmount; remaining > fillEpsilon {
		child := order.NewFallback(marked, remaining)
		if cerr := e.store.Create(child); cerr != nil {
			e.log.LogError(cerr, map[string]interface{}{"order_id": parent.ID, "op": "create_fallback_child"})
		} else {
			if e.mon != nil {
				e.mon.RecordFallbackSpawned()
			}
			e.statsMu.Lock()
			e.stats.FallbacksSpawned++
			e.statsMu.Unlock()
			if e.alerts != nil {
				e.alerts.FallbackTriggered(parent.ID, child.ID, parent.Pair, remaining)
			}
			e.submitFallback(child, inline)
		}
	}

	// 父单真正的终态：子单提交完成（无论成败）后为 CANCELED。
	// 推送对账可能已经抢先终结父单，此时 ApplyUpdate 是幂等空操作。
	if !order.IsFinal(marked.Status) {
		final := order.StatusCanceled
		if _, err := e.store.ApplyUpdate(parent.ID, store.Patch{Status: &final}); err != nil {
			e.log.LogError(err, map[string]interface{}{"order_id": parent.ID, "op": "finalize_parent"})
		}
	}
}

// submitFallback 提交兜底子单。Worker 自身触发的升级（波动拒绝）
// 直接内联提交，保持"最多一笔在途"；监视任务触发的升级走队列。
func (e *Engine) submitFallback(child *order.Order, inline bool) {
	if inline {
		if err := e.dispatch(child.ID); err != nil {
			e.log.LogError(err, map[string]interface{}{"order_id": child.ID, "op": "dispatch_fallback"})
		}
		return
	}

	sub := &submission{id: child.ID, result: make(chan error, 1)}
	select {
	case e.queue <- sub:
	case <-e.stopChan:
		e.finalizeUnsubmitted(child.ID)
		return
	}
	// 停机清扫后入队的滞留子单由 awaitSubmission 收尾，不会挂死
	if err := e.awaitSubmission(context.Background(), sub); err != nil && !errors.Is(err, order.ErrEngineStopped) {
		e.log.LogError(err, map[string]interface{}{"order_id": child.ID, "op": "submit_fallback"})
	}
}
