package risk

import "time"

// Tick 依赖 minimal 行情信息。
type Tick struct {
	Price float64
	Ts    time.Time
}

// CircuitBreaker 基于窗口内相对涨跌幅触发熔断，触发后冷却一段时间。
type CircuitBreaker struct {
	Threshold float64       // 窗口内相对涨跌幅阈值
	Window    time.Duration // 观察窗口
	Cooldown  time.Duration // 触发后的暂停时长

	ticks        []Tick
	trippedUntil time.Time
}

func NewCircuitBreaker(threshold float64, window, cooldown time.Duration) *CircuitBreaker {
	if window <= 0 {
		window = time.Minute
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	return &CircuitBreaker{
		Threshold: threshold,
		Window:    window,
		Cooldown:  cooldown,
		ticks:     make([]Tick, 0, 128),
	}
}

// OnTick 记录一个价格点，返回本次是否触发熔断。
func (c *CircuitBreaker) OnTick(t Tick) bool {
	c.ticks = append(c.ticks, t)
	c.trim(t.Ts.Add(-c.Window))

	if c.check() {
		c.trippedUntil = t.Ts.Add(c.Cooldown)
		// 触发后清空窗口，避免同一段行情反复触发
		c.ticks = c.ticks[:0]
		return true
	}
	return false
}

// Suspended 判断当前是否处于熔断冷却期。
func (c *CircuitBreaker) Suspended(now time.Time) bool {
	return now.Before(c.trippedUntil)
}

func (c *CircuitBreaker) trim(cutoff time.Time) {
	i := 0
	for ; i < len(c.ticks); i++ {
		if c.ticks[i].Ts.After(cutoff) {
			break
		}
	}
	if i > 0 {
		c.ticks = c.ticks[i:]
	}
}

func (c *CircuitBreaker) check() bool {
	if c.Threshold <= 0 || len(c.ticks) == 0 {
		return false
	}
	first := c.ticks[0].Price
	last := c.ticks[len(c.ticks)-1].Price
	if first == 0 {
		return false
	}
	change := (last - first) / first
	if change > c.Threshold || change < -c.Threshold {
		return true
	}
	return false
}
