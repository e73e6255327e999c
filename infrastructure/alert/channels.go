package alert

import (
	"fmt"
	"log"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/daisybum/cryptoTradingBot-sub001/infrastructure/logger"
)

// LogChannel 日志告警通道
type LogChannel struct {
	logger *log.Logger
	name   string
}

// NewLogChannel 创建日志告警通道
func NewLogChannel(name string, output *os.File) *LogChannel {
	if output == nil {
		output = os.Stdout
	}

	return &LogChannel{
		logger: log.New(output, "[ALERT] ", log.LstdFlags),
		name:   name,
	}
}

// Send 发送告警到日志
func (c *LogChannel) Send(alert Alert) error {
	msg := fmt.Sprintf("[%s]", alert.Level)
	if alert.Type != "" {
		msg += fmt.Sprintf("[%s]", alert.Type)
	}
	msg += " " + alert.Message

	if len(alert.Fields) > 0 {
		msg += " | Fields: "
		for k, v := range alert.Fields {
			msg += fmt.Sprintf("%s=%v ", k, v)
		}
	}

	c.logger.Println(msg)
	return nil
}

// Name 返回通道名称
func (c *LogChannel) Name() string {
	return c.name
}

// ZapChannel 结构化日志告警通道，复用进程的zap输出
type ZapChannel struct {
	log  *logger.Logger
	name string
}

// NewZapChannel 创建zap告警通道
func NewZapChannel(name string, log *logger.Logger) *ZapChannel {
	if log == nil {
		log = logger.Nop()
	}
	return &ZapChannel{log: log, name: name}
}

// Send 按告警级别映射到zap级别输出
func (c *ZapChannel) Send(alert Alert) error {
	fields := make([]zap.Field, 0, len(alert.Fields)+1)
	fields = append(fields, zap.String("alert_type", alert.Type))
	for k, v := range alert.Fields {
		fields = append(fields, zap.Any(k, v))
	}

	switch alert.Level {
	case "INFO":
		c.log.Info(alert.Message, fields...)
	case "WARNING":
		c.log.Warn(alert.Message, fields...)
	default: // ERROR / CRITICAL
		c.log.Error(alert.Message, fields...)
	}
	return nil
}

// Name 返回通道名称
func (c *ZapChannel) Name() string {
	return c.name
}

// MockChannel 模拟告警通道（用于测试）
type MockChannel struct {
	name      string
	mu        sync.Mutex
	alerts    []Alert
	shouldErr bool
}

// NewMockChannel 创建模拟告警通道
func NewMockChannel(name string) *MockChannel {
	return &MockChannel{
		name:   name,
		alerts: make([]Alert, 0),
	}
}

// Send 记录告警（用于测试验证）
func (c *MockChannel) Send(alert Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shouldErr {
		return fmt.Errorf("mock error")
	}
	c.alerts = append(c.alerts, alert)
	return nil
}

// Name 返回通道名称
func (c *MockChannel) Name() string {
	return c.name
}

// GetAlerts 获取所有接收到的告警
func (c *MockChannel) GetAlerts() []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Alert, len(c.alerts))
	copy(out, c.alerts)
	return out
}

// SetShouldError 设置是否返回错误
func (c *MockChannel) SetShouldError(shouldErr bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shouldErr = shouldErr
}

// Clear 清空告警记录
func (c *MockChannel) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = c.alerts[:0]
}

// Count 返回接收到的告警数量
func (c *MockChannel) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alerts)
}
