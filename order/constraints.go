package order

import (
	"fmt"
	"math"
)

// SymbolConstraints 描述交易对的步长与名义限制。
type SymbolConstraints struct {
	TickSize    float64
	StepSize    float64
	MinQty      float64
	MaxQty      float64
	MinNotional float64
}

// CheckOrder 校验订单的价格/数量是否符合该交易对的限制。
// MARKET 订单没有限价，跳过 tick 与名义检查。
func (c SymbolConstraints) CheckOrder(o *Order) error {
	if c.StepSize > 0 && !isMultiple(o.Amount, c.StepSize) {
		return fmt.Errorf("qty %.8f not aligned to stepSize %.8f", o.Amount, c.StepSize)
	}
	if c.MinQty > 0 && o.Amount < c.MinQty {
		return fmt.Errorf("qty %.8f < minQty %.8f", o.Amount, c.MinQty)
	}
	if c.MaxQty > 0 && o.Amount > c.MaxQty {
		return fmt.Errorf("qty %.8f > maxQty %.8f", o.Amount, c.MaxQty)
	}
	if o.Type == TypeMarket {
		return nil
	}
	price := o.LimitPrice()
	if c.TickSize > 0 && !isMultiple(price, c.TickSize) {
		return fmt.Errorf("price %.8f not aligned to tickSize %.8f", price, c.TickSize)
	}
	if c.MinNotional > 0 && price*o.Amount < c.MinNotional {
		return fmt.Errorf("notional %.8f < minNotional %.8f", price*o.Amount, c.MinNotional)
	}
	return nil
}

func isMultiple(value, step float64) bool {
	if step <= 0 {
		return true
	}
	ratio := value / step
	return math.Abs(ratio-math.Round(ratio)) <= 1e-8
}
