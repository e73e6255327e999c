package order

import "context"

// SubmitRequest 提交到交易所的最小请求描述。
type SubmitRequest struct {
	Pair          string
	Side          Side
	Type          Type
	Quantity      float64
	Price         *float64 // MARKET 为 nil
	ClientOrderID string
}

// Ack 交易所对提交/查询的应答。
// Status 为交易所原生状态词汇，由对账方负责映射。
type Ack struct {
	ExchangeOrderID string
	Status          string
	CumFilled       float64
	Fills           []Fill
}

// Connector 提供下单/撤单/查询抽象；与 gateway 的具体客户端对接。
// 波动类拒绝必须以 ErrExchangeVolatility 包装返回，普通网络/超时
// 错误以 ErrExchangeTransient 包装返回，两者不可混淆。
type Connector interface {
	SubmitOrder(ctx context.Context, req SubmitRequest) (Ack, error)
	CancelOrder(ctx context.Context, pair, exchangeOrderID string) error
	QueryOrder(ctx context.Context, pair, exchangeOrderID string) (Ack, error)
	GetBalance(ctx context.Context) (float64, error)
	GetMarketPrice(ctx context.Context, pair string) (float64, error)
}

// PushEvent 交易所推送的订单/成交事件。
// 到达顺序不保证、可能重复，必须幂等应用。
type PushEvent struct {
	OrderID         string // 客户端订单 ID（即 Order.ID）
	ExchangeOrderID string
	VenueStatus     string
	CumFilled       *float64 // 累计成交量，可能缺省
	Fills           []Fill
}
