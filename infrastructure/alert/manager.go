package alert

import (
	"fmt"
	"sync"
	"time"
)

// 告警类型，同时作为限流key的一部分。
const (
	TypeKillSwitch     = "KillSwitch"
	TypeCircuitBreaker = "CircuitBreaker"
	TypeFallback       = "Fallback"
	TypeCancelFailed   = "CancelFailed"
	TypePersistence    = "Persistence"
	TypeReconcile      = "ReconcileConflict"
	TypeSession        = "Session"
)

// Alert 告警信息
type Alert struct {
	Level     string                 // "INFO", "WARNING", "ERROR", "CRITICAL"
	Type      string                 // 告警类型（见Type*常量）
	Message   string                 // 告警消息
	Timestamp time.Time              // 告警时间
	Fields    map[string]interface{} // 附加字段
}

// Channel 告警通道接口
type Channel interface {
	Send(alert Alert) error
	Name() string
}

// Manager 告警管理器
type Manager struct {
	channels []Channel
	throttle *Throttler
	mu       sync.RWMutex
}

// Throttler 告警限流器
type Throttler struct {
	lastSent map[string]time.Time
	interval time.Duration
	mu       sync.RWMutex
}

// NewThrottler 创建限流器
func NewThrottler(interval time.Duration) *Throttler {
	return &Throttler{
		lastSent: make(map[string]time.Time),
		interval: interval,
	}
}

// Allow 检查是否允许发送（限流）
func (t *Throttler) Allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	lastTime, exists := t.lastSent[key]

	if !exists || now.Sub(lastTime) >= t.interval {
		t.lastSent[key] = now
		return true
	}

	return false
}

// Reset 重置限流器
func (t *Throttler) Reset(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lastSent, key)
}

// Clear 清空所有限流记录
func (t *Throttler) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSent = make(map[string]time.Time)
}

// NewManager 创建告警管理器
func NewManager(channels []Channel, throttleInterval time.Duration) *Manager {
	return &Manager{
		channels: channels,
		throttle: NewThrottler(throttleInterval),
	}
}

// SendAlert 发送告警。相同类型+消息在限流窗口内只发送一次。
func (m *Manager) SendAlert(alert Alert) error {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}

	key := alert.Type + ":" + alert.Message
	if alert.Type == "" {
		key = alert.Level + ":" + alert.Message
	}

	if !m.throttle.Allow(key) {
		return nil // 被限流，静默忽略
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	// 发送到所有通道，部分失败不算失败
	var lastErr error
	successCount := 0

	for _, ch := range m.channels {
		if err := ch.Send(alert); err != nil {
			lastErr = fmt.Errorf("channel %s failed: %w", ch.Name(), err)
		} else {
			successCount++
		}
	}

	if successCount == 0 && lastErr != nil {
		return lastErr
	}

	return nil
}

// Send 实现risk.AlertClient，风控事件一律按CRITICAL处理。
func (m *Manager) Send(typ, msg string) {
	_ = m.SendAlert(Alert{
		Level:   "CRITICAL",
		Type:    typ,
		Message: msg,
	})
}

// SendInfo 发送INFO级别告警
func (m *Manager) SendInfo(message string, fields map[string]interface{}) error {
	return m.SendAlert(Alert{
		Level:   "INFO",
		Message: message,
		Fields:  fields,
	})
}

// SendWarning 发送WARNING级别告警
func (m *Manager) SendWarning(message string, fields map[string]interface{}) error {
	return m.SendAlert(Alert{
		Level:   "WARNING",
		Message: message,
		Fields:  fields,
	})
}

// SendError 发送ERROR级别告警
func (m *Manager) SendError(message string, fields map[string]interface{}) error {
	return m.SendAlert(Alert{
		Level:   "ERROR",
		Message: message,
		Fields:  fields,
	})
}

// SendCritical 发送CRITICAL级别告警
func (m *Manager) SendCritical(message string, fields map[string]interface{}) error {
	return m.SendAlert(Alert{
		Level:   "CRITICAL",
		Message: message,
		Fields:  fields,
	})
}

// FallbackTriggered 兜底子单派生告警
func (m *Manager) FallbackTriggered(parentID, childID, pair string, remaining float64) error {
	return m.SendAlert(Alert{
		Level:   "WARNING",
		Type:    TypeFallback,
		Message: fmt.Sprintf("fallback spawned for order %s", parentID),
		Fields: map[string]interface{}{
			"parent_order_id": parentID,
			"child_order_id":  childID,
			"pair":            pair,
			"remaining":       remaining,
		},
	})
}

// CancelRetryExhausted 撤单重试耗尽告警，订单在交易所可能处于未知状态
func (m *Manager) CancelRetryExhausted(orderID, pair string, cause error) error {
	fields := map[string]interface{}{
		"order_id": orderID,
		"pair":     pair,
	}
	if cause != nil {
		fields["error"] = cause.Error()
	}
	return m.SendAlert(Alert{
		Level:   "CRITICAL",
		Type:    TypeCancelFailed,
		Message: fmt.Sprintf("cancel retries exhausted for order %s", orderID),
		Fields:  fields,
	})
}

// PersistDegraded 持久化降级告警
func (m *Manager) PersistDegraded(op string, cause error) error {
	fields := map[string]interface{}{"op": op}
	if cause != nil {
		fields["error"] = cause.Error()
	}
	return m.SendAlert(Alert{
		Level:   "ERROR",
		Type:    TypePersistence,
		Message: "order persistence degraded: " + op,
		Fields:  fields,
	})
}

// ReconcileConflict 本地与交易所状态冲突告警
func (m *Manager) ReconcileConflict(orderID string, fields map[string]interface{}) error {
	return m.SendAlert(Alert{
		Level:   "WARNING",
		Type:    TypeReconcile,
		Message: fmt.Sprintf("reconcile conflict on order %s", orderID),
		Fields:  fields,
	})
}

// AddChannel 添加告警通道
func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
}

// RemoveChannel 移除告警通道
func (m *Manager) RemoveChannel(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	filtered := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		if ch.Name() != name {
			filtered = append(filtered, ch)
		}
	}
	m.channels = filtered
}

// GetChannels 获取所有通道
func (m *Manager) GetChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.channels))
	for _, ch := range m.channels {
		names = append(names, ch.Name())
	}
	return names
}

// ResetThrottle 重置限流器
func (m *Manager) ResetThrottle() {
	m.throttle.Clear()
}
