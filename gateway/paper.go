package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/daisybum/cryptoTradingBot-sub001/order"
)

// PaperGateway 干跑连接器：市价单按当前行情立即全量成交并记一笔
// 合成成交，限价单仅确认受理、不自行撮合，因此超时升级路径与实盘
// 行为一致。维护一份合成计价币余额供风控对账。
type PaperGateway struct {
	mu      sync.Mutex
	balance float64
	feeRate float64
	prices  map[string]float64
	seq     int64
	open    map[string]*paperOrder
}

type paperOrder struct {
	pair      string
	side      order.Side
	qty       float64
	status    string
	cumFilled float64
}

// NewPaperGateway 创建干跑连接器，balance 为初始计价币余额。
func NewPaperGateway(balance float64) *PaperGateway {
	return &PaperGateway{
		balance: balance,
		feeRate: 0.001,
		prices:  make(map[string]float64),
		open:    make(map[string]*paperOrder),
	}
}

// SetPrice 设置交易对的当前行情价。
func (p *PaperGateway) SetPrice(pair string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[pair] = price
}

// SetFeeRate 调整合成手续费率，默认 0.001。
func (p *PaperGateway) SetFeeRate(rate float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.feeRate = rate
}

func (p *PaperGateway) SubmitOrder(_ context.Context, req order.SubmitRequest) (order.Ack, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.seq++
	id := fmt.Sprintf("paper-%d", p.seq)

	if req.Type == order.TypeLimit {
		p.open[id] = &paperOrder{pair: req.Pair, side: req.Side, qty: req.Quantity, status: "NEW"}
		return order.Ack{ExchangeOrderID: id, Status: "NEW"}, nil
	}

	price, ok := p.prices[req.Pair]
	if !ok || price <= 0 {
		return order.Ack{}, fmt.Errorf("%w: no market price for %s", order.ErrExchangeTransient, req.Pair)
	}
	fee := req.Quantity * price * p.feeRate
	if req.Side == order.SideBuy {
		p.balance -= req.Quantity*price + fee
	} else {
		p.balance += req.Quantity*price - fee
	}
	p.open[id] = &paperOrder{pair: req.Pair, side: req.Side, qty: req.Quantity, status: "FILLED", cumFilled: req.Quantity}

	return order.Ack{
		ExchangeOrderID: id,
		Status:          "FILLED",
		CumFilled:       req.Quantity,
		Fills: []order.Fill{{
			Price:     price,
			Quantity:  req.Quantity,
			Timestamp: time.Now().UTC(),
			Fee:       fee,
			FeeAsset:  quoteAsset(req.Pair),
			IsMaker:   false,
		}},
	}, nil
}

func (p *PaperGateway) CancelOrder(_ context.Context, pair, exchangeOrderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.open[exchangeOrderID]
	if !ok {
		return fmt.Errorf("%w: %s", order.ErrVenueOrderMissing, exchangeOrderID)
	}
	if o.status == "FILLED" || o.status == "CANCELED" {
		return fmt.Errorf("%w: %s already %s", order.ErrVenueOrderMissing, exchangeOrderID, o.status)
	}
	o.status = "CANCELED"
	return nil
}

func (p *PaperGateway) QueryOrder(_ context.Context, pair, exchangeOrderID string) (order.Ack, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.open[exchangeOrderID]
	if !ok {
		return order.Ack{}, fmt.Errorf("%w: %s", order.ErrVenueOrderMissing, exchangeOrderID)
	}
	return order.Ack{ExchangeOrderID: exchangeOrderID, Status: o.status, CumFilled: o.cumFilled}, nil
}

func (p *PaperGateway) GetBalance(_ context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance, nil
}

func (p *PaperGateway) GetMarketPrice(_ context.Context, pair string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	price, ok := p.prices[pair]
	if !ok || price <= 0 {
		return 0, fmt.Errorf("%w: no market price for %s", order.ErrExchangeTransient, pair)
	}
	return price, nil
}

func quoteAsset(pair string) string {
	if i := strings.IndexByte(pair, '/'); i >= 0 {
		return pair[i+1:]
	}
	return pair
}
