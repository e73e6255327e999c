package order

import (
	"time"

	"github.com/google/uuid"
)

// Side 订单方向
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Type 订单类型
type Type string

const (
	TypeLimit  Type = "LIMIT"
	TypeMarket Type = "MARKET"
)

// Status represents order lifecycle.
type Status string

const (
	StatusPending         Status = "PENDING"          // 已创建，排队待提交
	StatusOpen            Status = "OPEN"             // 交易所已接受
	StatusPartiallyFilled Status = "PARTIALLY_FILLED" // 部分成交
	StatusFilled          Status = "FILLED"           // 完全成交
	StatusCanceled        Status = "CANCELED"         // 已撤销
	StatusRejected        Status = "REJECTED"         // 风控或交易所拒绝
	StatusExpired         Status = "EXPIRED"          // 交易所判定过期
	StatusFallback        Status = "FALLBACK"         // 已派生市价子单的过渡标记
	StatusError           Status = "ERROR"            // 提交或对账失败
)

// Fill 单笔成交记录，写入后不可变。
type Fill struct {
	Price     float64
	Quantity  float64
	Timestamp time.Time
	Fee       float64
	FeeAsset  string
	IsMaker   bool
}

// Order 订单主实体。字段只允许通过 store 的同步入口修改。
type Order struct {
	ID              string
	Pair            string // "BTC/USDT" 形式
	Side            Side
	Type            Type
	Amount          float64
	Price           *float64 // LIMIT 必填；MARKET 为 nil
	Status          Status
	FilledAmount    float64
	RemainingAmount float64
	Fills           []Fill

	IsFallback    bool
	ParentOrderID string
	IsDryRun      bool

	ExchangeOrderID string
	Reason          string // ERROR/REJECTED 的可读原因
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// New 创建一个 PENDING 状态的新订单。
func New(pair string, side Side, typ Type, amount float64, price *float64) *Order {
	now := time.Now().UTC()
	return &Order{
		ID:              uuid.NewString(),
		Pair:            pair,
		Side:            side,
		Type:            typ,
		Amount:          amount,
		Price:           price,
		Status:          StatusPending,
		RemainingAmount: amount,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// NewFallback 为父单的未成交余量创建市价子单。
// 调用方必须保证父单已处于 FALLBACK 或终态。
func NewFallback(parent *Order, remaining float64) *Order {
	o := New(parent.Pair, parent.Side, TypeMarket, remaining, nil)
	o.IsFallback = true
	o.ParentOrderID = parent.ID
	o.IsDryRun = parent.IsDryRun
	return o
}

// Clone 返回订单的深拷贝，供只读展示使用。
func (o *Order) Clone() *Order {
	cp := *o
	if o.Price != nil {
		p := *o.Price
		cp.Price = &p
	}
	cp.Fills = make([]Fill, len(o.Fills))
	copy(cp.Fills, o.Fills)
	return &cp
}

// LimitPrice 返回限价，MARKET 订单返回 0。
func (o *Order) LimitPrice() float64 {
	if o.Price == nil {
		return 0
	}
	return *o.Price
}

// AvgFillPrice 按成交记录计算加权均价，无成交时返回 0。
func (o *Order) AvgFillPrice() float64 {
	var qty, value float64
	for _, f := range o.Fills {
		qty += f.Quantity
		value += f.Price * f.Quantity
	}
	if qty <= 0 {
		return 0
	}
	return value / qty
}

// ValidSide 判断方向取值是否合法。
func ValidSide(s Side) bool {
	return s == SideBuy || s == SideSell
}

// ValidType 判断订单类型取值是否合法。
func ValidType(t Type) bool {
	return t == TypeLimit || t == TypeMarket
}
