package engine

import (
	"github.com/daisybum/cryptoTradingBot-sub001/internal/store"
	"github.com/daisybum/cryptoTradingBot-sub001/order"
)

// runReconciler 推送对账循环：消费交易所推送的订单/成交事件，
// 通过 store 的同一入口落账。终态收尾（归档、注销监视任务）
// 与轮询路径共用 store 回调，不存在并行实现。
func (e *Engine) runReconciler() {
	defer close(e.reconDone)
	for {
		select {
		case <-e.stopChan:
			return
		case ev, ok := <-e.updates:
			if !ok {
				return
			}
			e.HandlePush(ev)
		}
	}
}

// HandlePush 幂等应用一条推送事件。事件可能乱序、可能重复；
// 活跃集中不存在的订单号直接忽略（未知或已终结）。
func (e *Engine) HandlePush(ev order.PushEvent) {
	ref := ev.OrderID
	if ref == "" {
		ref = ev.ExchangeOrderID
	}
	id, ok := e.store.Resolve(ref)
	if !ok && ev.ExchangeOrderID != "" && ref != ev.ExchangeOrderID {
		id, ok = e.store.Resolve(ev.ExchangeOrderID)
	}
	if !ok {
		if e.mon != nil {
			e.mon.RecordReconcile("unknown_order")
		}
		e.log.LogReconcile("push_for_unknown_order_ignored", map[string]interface{}{
			"order_ref":    ref,
			"venue_status": ev.VenueStatus,
		})
		return
	}

	patch := store.Patch{
		FilledAmount: ev.CumFilled,
		Fills:        ev.Fills,
	}
	if ev.ExchangeOrderID != "" {
		xid := ev.ExchangeOrderID
		patch.ExchangeOrderID = &xid
	}
	if st := mapVenueStatus(ev.VenueStatus); st != "" {
		patch.Status = &st
	} else if ev.VenueStatus != "" {
		e.log.LogReconcile("unknown_venue_status", map[string]interface{}{
			"order_id":     id,
			"venue_status": ev.VenueStatus,
		})
	}

	if _, err := e.store.ApplyUpdate(id, patch); err != nil {
		if e.mon != nil {
			e.mon.RecordReconcile("apply_failed")
		}
		e.log.LogError(err, map[string]interface{}{"order_id": id, "op": "apply_push"})
		return
	}
	if e.mon != nil {
		e.mon.RecordReconcile("applied")
	}
}

// Resync 重连后的状态补偿：逐个向交易所查询活跃订单的真实状态，
// 把断线期间丢失的推送补回对账路径。
func (e *Engine) Resync() {
	for _, o := range e.store.Active() {
		if o.ExchangeOrderID == "" {
			continue
		}
		ctx, cancel := e.callCtx()
		ack, err := e.connector.QueryOrder(ctx, o.Pair, o.ExchangeOrderID)
		cancel()
		if err != nil {
			e.log.LogError(err, map[string]interface{}{"order_id": o.ID, "op": "resync_query"})
			continue
		}
		e.HandlePush(order.PushEvent{
			OrderID:         o.ID,
			ExchangeOrderID: ack.ExchangeOrderID,
			VenueStatus:     ack.Status,
			CumFilled:       &ack.CumFilled,
			Fills:           ack.Fills,
		})
	}
}

// mapVenueStatus 交易所状态词汇到内部状态机的映射。
// 未知词汇返回空串，由调用方决定忽略或告警。
func mapVenueStatus(venue string) order.Status {
	switch venue {
	case "NEW", "ACCEPTED":
		return order.StatusOpen
	case "PARTIALLY_FILLED":
		return order.StatusPartiallyFilled
	case "FILLED":
		return order.StatusFilled
	case "CANCELED":
		return order.StatusCanceled
	case "PENDING_CANCEL":
		// 撤单在途，终态等最终回报
		return ""
	case "REJECTED":
		return order.StatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return order.StatusExpired
	default:
		return ""
	}
}
