package gateway

import (
	"context"
	"sync"
	"time"
)

// RateLimiter 控制请求速率，避免触发交易所限流。
type RateLimiter interface {
	Wait(ctx context.Context) error
}

// TokenBucketLimiter 是一个简单的令牌桶实现。
// 等待期间尊重 ctx 取消，保证交易所调用超时不被限流放大。
type TokenBucketLimiter struct {
	rate   float64
	burst  int
	tokens float64
	last   time.Time
	mu     sync.Mutex
}

func NewTokenBucketLimiter(rate float64, burst int) *TokenBucketLimiter {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &TokenBucketLimiter{
		rate:   rate,
		burst:  burst,
		tokens: float64(burst),
		last:   time.Now(),
	}
}

func (l *TokenBucketLimiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	now := time.Now()
	elapsed := now.Sub(l.last).Seconds()
	l.last = now
	l.tokens += elapsed * l.rate
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}
	if l.tokens >= 1 {
		l.tokens -= 1
		l.mu.Unlock()
		return nil
	}
	sleep := time.Duration((1-l.tokens)/l.rate*float64(time.Second)) + time.Millisecond
	l.tokens = 0
	l.mu.Unlock()

	timer := time.NewTimer(sleep)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
