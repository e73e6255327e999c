package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/daisybum/cryptoTradingBot-sub001/internal/store"
	"github.com/daisybum/cryptoTradingBot-sub001/order"
)

// submission 队列项：订单已在 store 登记为 PENDING，
// Worker 执行后通过 result 通知调用方。
type submission struct {
	id     string
	result chan error
}

// PlaceOrder 下单入口。校验先于一切副作用：校验失败直接返回
// ValidationError，不写 store、不动风控、不碰交易所。校验通过后
// 订单入队并阻塞到 Worker 给出提交结果，返回订单此刻的快照。
func (e *Engine) PlaceOrder(ctx context.Context, pair string, side order.Side, amount float64, price *float64, typ order.Type) (*order.Order, error) {
	if e.GetState() != StateRunning {
		return nil, order.ErrEngineStopped
	}
	if err := validateIntent(pair, side, amount, price, typ, e.cfg.Constraints); err != nil {
		return nil, err
	}

	o := order.New(pair, side, typ, amount, price)
	o.IsDryRun = e.cfg.DryRun
	if err := e.store.Create(o); err != nil {
		return nil, err
	}

	sub := &submission{id: o.ID, result: make(chan error, 1)}
	select {
	case e.queue <- sub:
	case <-e.stopChan:
		e.finalizeUnsubmitted(o.ID)
		return e.snapshot(o.ID), order.ErrEngineStopped
	case <-ctx.Done():
		e.finalizeUnsubmitted(o.ID)
		return e.snapshot(o.ID), ctx.Err()
	}
	if e.mon != nil {
		e.mon.SetQueueDepth(len(e.queue))
	}

	err := e.awaitSubmission(ctx, sub)
	return e.snapshot(o.ID), err
}

// awaitSubmission 等待 Worker 给出提交结果。入队与关停之间存在
// 竞争窗口：stopChan 已关闭而队列缓冲就绪时 select 随机挑选分支，
// 意图可能在停机清扫之后入队，从此无人消费。Worker 已退出且结果
// 通道为空即判定为滞留项，就地收尾为 CANCELED，不让任何订单停留
// 在 PENDING。
func (e *Engine) awaitSubmission(ctx context.Context, sub *submission) error {
	select {
	case err := <-sub.result:
		return err
	case <-e.workerDone:
		// Worker 退出前写入的结果优先于滞留收尾
		select {
		case err := <-sub.result:
			return err
		default:
		}
		e.finalizeUnsubmitted(sub.id)
		return order.ErrEngineStopped
	case <-ctx.Done():
		// 订单已交给 Worker，提交照常进行，调用方只是不再等待
		return ctx.Err()
	}
}

func (e *Engine) snapshot(id string) *order.Order {
	o, _ := e.store.Get(id)
	return o
}

// validateIntent 入参校验。LIMIT 必须携带正限价。
func validateIntent(pair string, side order.Side, amount float64, price *float64, typ order.Type, cons map[string]order.SymbolConstraints) error {
	if pair == "" {
		return fmt.Errorf("%w: pair is required", order.ErrValidation)
	}
	if !order.ValidSide(side) {
		return fmt.Errorf("%w: unknown side %q", order.ErrValidation, side)
	}
	if !order.ValidType(typ) {
		return fmt.Errorf("%w: unknown order type %q", order.ErrValidation, typ)
	}
	if amount <= 0 {
		return fmt.Errorf("%w: amount must be > 0, got %v", order.ErrValidation, amount)
	}
	if typ == order.TypeLimit {
		if price == nil || *price <= 0 {
			return fmt.Errorf("%w: LIMIT order requires a positive price", order.ErrValidation)
		}
	}
	if c, ok := cons[pair]; ok {
		candidate := order.New(pair, side, typ, amount, price)
		if err := c.CheckOrder(candidate); err != nil {
			return fmt.Errorf("%w: %v", order.ErrValidation, err)
		}
	}
	return nil
}

// runWorker 单消费者循环：同一时刻最多一笔在途提交，
// 慢提交阻塞后续队列项，这是刻意为之的节流。
func (e *Engine) runWorker() {
	defer close(e.workerDone)
	for {
		// 停机优先于排队项：select 对就绪分支随机挑选，
		// 不先查一次会让已排队的意图在关停后仍被提交。
		select {
		case <-e.stopChan:
			e.drainQueue()
			return
		default:
		}
		select {
		case <-e.stopChan:
			e.drainQueue()
			return
		case sub := <-e.queue:
			if e.mon != nil {
				e.mon.SetQueueDepth(len(e.queue))
			}
			err := e.dispatch(sub.id)
			if sub.result != nil {
				sub.result <- err
			}
		}
	}
}

// drainQueue 停机时清空队列：未提交的意图统一取消，不再发起新提交。
func (e *Engine) drainQueue() {
	for {
		select {
		case sub := <-e.queue:
			e.finalizeUnsubmitted(sub.id)
			if sub.result != nil {
				sub.result <- order.ErrEngineStopped
			}
		default:
			return
		}
	}
}

func (e *Engine) finalizeUnsubmitted(id string) {
	st := order.StatusCanceled
	reason := "engine shutdown before submission"
	if _, err := e.store.ApplyUpdate(id, store.Patch{Status: &st, Reason: &reason}); err != nil {
		e.log.LogError(err, map[string]interface{}{"order_id": id, "op": "finalize_unsubmitted"})
	}
}

// dispatch 处理一笔排队提交：风控闸门 → 交易所提交 → 回执落账。
// 单笔订单的失败绝不中断 Worker 循环。
func (e *Engine) dispatch(id string) error {
	o, ok := e.store.Get(id)
	if !ok {
		return fmt.Errorf("dispatch: %w: %s", order.ErrUnknownOrder, id)
	}
	if order.IsFinal(o.Status) {
		return nil
	}

	// 风控允许性检查：风控自身故障时放行（fail-open），但告警留痕
	dec, err := e.gate.CheckTradeAllowed(o.Pair, o.Side, o.Amount, o.LimitPrice())
	if err != nil {
		e.log.LogRisk("risk_check_failed_open", map[string]interface{}{
			"order_id": o.ID,
			"pair":     o.Pair,
			"error":    err.Error(),
		})
		if e.alerts != nil {
			e.alerts.SendWarning("risk gate check failed, trading proceeds (fail-open)",
				map[string]interface{}{"order_id": o.ID, "error": err.Error()})
		}
	} else if !dec.Allow {
		st := order.StatusRejected
		reason := dec.Reason
		if _, uerr := e.store.ApplyUpdate(o.ID, store.Patch{Status: &st, Reason: &reason}); uerr != nil {
			e.log.LogError(uerr, map[string]interface{}{"order_id": o.ID, "op": "apply_risk_rejection"})
		}
		if e.mon != nil {
			e.mon.RecordRiskDenial(dec.Reason)
		}
		e.statsMu.Lock()
		e.stats.RiskDenials++
		e.statsMu.Unlock()
		e.log.LogRisk("trade_denied", map[string]interface{}{
			"order_id": o.ID,
			"pair":     o.Pair,
			"reason":   dec.Reason,
		})
		return fmt.Errorf("%w: %s", order.ErrRiskRejected, dec.Reason)
	}

	// 日内计数只记顶层意图；兜底子单是已计数意图的延续
	if !o.IsFallback {
		e.gate.IncrementDailyTradeCount(o.Pair)
	}

	e.statsMu.Lock()
	e.stats.Submitted++
	e.statsMu.Unlock()

	start := time.Now()
	ack, err := e.submitToVenue(o)
	if e.mon != nil {
		e.mon.RecordOrderSubmitted(string(o.Side), string(o.Type))
		e.mon.RecordSubmitLatency(time.Since(start).Seconds())
	}
	if err != nil {
		return e.handleSubmitError(o, err)
	}
	return e.applyAck(o, ack)
}

func (e *Engine) submitToVenue(o *order.Order) (order.Ack, error) {
	ctx, cancel := e.callCtx()
	defer cancel()
	return e.connector.SubmitOrder(ctx, order.SubmitRequest{
		Pair:          o.Pair,
		Side:          o.Side,
		Type:          o.Type,
		Quantity:      o.Amount,
		Price:         o.Price,
		ClientOrderID: o.ID,
	})
}

// handleSubmitError 提交失败的分类处理。波动类拒绝对新鲜的
// 限价单立即升级市价，其余一律 ERROR 终态，不自动重试同一订单。
func (e *Engine) handleSubmitError(o *order.Order, cause error) error {
	if errors.Is(cause, order.ErrExchangeVolatility) &&
		o.Type == order.TypeLimit && !o.IsFallback && e.fallbackEnabledNow() {
		return e.escalateVolatility(o, cause)
	}

	st := order.StatusError
	reason := cause.Error()
	if _, err := e.store.ApplyUpdate(o.ID, store.Patch{Status: &st, Reason: &reason}); err != nil {
		e.log.LogError(err, map[string]interface{}{"order_id": o.ID, "op": "apply_submit_error"})
	}
	e.log.LogOrder("submit_failed", o.ID, map[string]interface{}{
		"pair":  o.Pair,
		"error": cause.Error(),
	})
	return cause
}

// applyAck 回执落账：记录交易所订单号、状态与随回执到达的成交。
// MARKET 回执缺少成交明细时按当前行情合成一笔，保证"市价即全量
// 成交"的观察口径。
func (e *Engine) applyAck(o *order.Order, ack order.Ack) error {
	fills := ack.Fills
	st := mapVenueStatus(ack.Status)

	if o.Type == order.TypeMarket && len(fills) == 0 {
		price := e.bestEffortPrice(o)
		if price > 0 {
			fills = []order.Fill{{
				Price:     price,
				Quantity:  o.Amount,
				Timestamp: time.Now().UTC(),
			}}
			if st == "" {
				st = order.StatusFilled
			}
		}
	}

	patch := store.Patch{Fills: fills}
	if ack.ExchangeOrderID != "" {
		xid := ack.ExchangeOrderID
		patch.ExchangeOrderID = &xid
	}
	if ack.CumFilled > 0 {
		cum := ack.CumFilled
		patch.FilledAmount = &cum
	}
	if st != "" {
		patch.Status = &st
	}

	updated, err := e.store.ApplyUpdate(o.ID, patch)
	if err != nil {
		e.log.LogError(err, map[string]interface{}{"order_id": o.ID, "op": "apply_ack"})
		return err
	}

	// 仍然活跃的限价单登记兜底监视任务
	if updated.Type == order.TypeLimit && !order.IsFinal(updated.Status) {
		if rerr := e.registerMonitor(updated.ID); rerr != nil {
			e.log.LogError(rerr, map[string]interface{}{"order_id": updated.ID, "op": "register_monitor"})
		}
	}
	return nil
}

// bestEffortPrice 市价单合成成交的价格来源：优先当前行情。
func (e *Engine) bestEffortPrice(o *order.Order) float64 {
	ctx, cancel := e.callCtx()
	defer cancel()
	price, err := e.connector.GetMarketPrice(ctx, o.Pair)
	if err != nil {
		e.log.LogError(err, map[string]interface{}{"order_id": o.ID, "op": "synthetic_fill_price"})
		return 0
	}
	return price
}
