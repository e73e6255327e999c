package engine

import (
	"math"
	"sync"
)

// positionBook 按交易对维护净仓位与加权平均成本，
// 平仓方向的成交按均价结算已实现盈亏。
type positionBook struct {
	mu  sync.Mutex
	pos map[string]*position
}

type position struct {
	net     float64 // 基础币净仓位，买正卖负
	avgCost float64 // 加权平均入场价
}

func newPositionBook() *positionBook {
	return &positionBook{pos: make(map[string]*position)}
}

// apply 按签名数量落一笔成交，返回本笔实现的盈亏（计价币）。
// 同向加仓更新均价；反向先平后开，平掉部分按均价
// 对价差结算，穿仓后剩余量以本笔价格重新开仓。
func (b *positionBook) apply(pair string, signedQty, price float64) float64 {
	if signedQty == 0 {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.pos[pair]
	if !ok {
		p = &position{}
		b.pos[pair] = p
	}

	// 同向（或空仓）：加权平均
	if p.net == 0 || (p.net > 0) == (signedQty > 0) {
		total := p.avgCost*math.Abs(p.net) + price*math.Abs(signedQty)
		p.net += signedQty
		if p.net != 0 {
			p.avgCost = total / math.Abs(p.net)
		} else {
			p.avgCost = 0
		}
		return 0
	}

	// 反向：先平当前仓位
	closed := math.Min(math.Abs(signedQty), math.Abs(p.net))
	var realized float64
	if p.net > 0 {
		realized = (price - p.avgCost) * closed // 多头卖出
	} else {
		realized = (p.avgCost - price) * closed // 空头买回
	}

	p.net += signedQty
	switch {
	case p.net == 0:
		p.avgCost = 0
	case (p.net > 0) != (p.net-signedQty > 0):
		// 穿仓：剩余量是本笔价格的新仓
		p.avgCost = price
	}
	return realized
}

// netExposure 返回交易对净仓位。
func (b *positionBook) netExposure(pair string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.pos[pair]; ok {
		return p.net
	}
	return 0
}

// avgCost 返回交易对加权平均入场价。
func (b *positionBook) avgCost(pair string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.pos[pair]; ok {
		return p.avgCost
	}
	return 0
}
