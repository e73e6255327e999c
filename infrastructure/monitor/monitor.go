package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Monitor Prometheus监控指标收集器
type Monitor struct {
	registry *prometheus.Registry

	// 订单指标
	ordersSubmitted *prometheus.CounterVec
	ordersTerminal  *prometheus.CounterVec
	submitLatency   prometheus.Histogram
	activeOrders    prometheus.Gauge
	queueDepth      prometheus.Gauge

	// 成交与对账指标
	fillsApplied     prometheus.Counter
	fillsDeduped     prometheus.Counter
	reconcileEvents  *prometheus.CounterVec
	fallbacksSpawned prometheus.Counter

	// 风控指标
	riskDenials *prometheus.CounterVec
	dailyTrades prometheus.Gauge
	realizedPnL prometheus.Gauge
	balance     prometheus.Gauge

	// 系统指标
	persistErrors prometheus.Counter
	wsConnections prometheus.Counter
	wsDisconnects prometheus.Counter
}

// Config 监控配置
type Config struct {
	Namespace string
	Subsystem string
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace: "bot",
		Subsystem: "execution",
	}
}

// New 创建新的Monitor实例
func New(cfg Config) *Monitor {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Monitor{
		registry: reg,

		ordersSubmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "orders_submitted_total",
				Help:      "提交到交易所的订单总数",
			},
			[]string{"side", "type"},
		),
		ordersTerminal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "orders_terminal_total",
				Help:      "到达终态的订单总数",
			},
			[]string{"status"},
		),
		submitLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "submit_latency_seconds",
			Help:      "提交调用延迟分布（秒）",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		}),
		activeOrders: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "active_orders",
			Help:      "活跃订单数",
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "queue_depth",
			Help:      "提交队列深度",
		}),

		fillsApplied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "fills_applied_total",
			Help:      "应用到订单的成交记录总数",
		}),
		fillsDeduped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "fills_deduplicated_total",
			Help:      "按容差规则去重丢弃的成交总数",
		}),
		reconcileEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "reconcile_events_total",
				Help:      "推送对账事件总数",
			},
			[]string{"result"},
		),
		fallbacksSpawned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "fallbacks_spawned_total",
			Help:      "派生的市价兜底子单总数",
		}),

		riskDenials: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "risk_denials_total",
				Help:      "风控拒单总数",
			},
			[]string{"reason"},
		),
		dailyTrades: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "daily_trades",
			Help:      "当日已接受订单数",
		}),
		realizedPnL: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "realized_pnl",
			Help:      "已实现盈亏",
		}),
		balance: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "balance",
			Help:      "计价币可用余额",
		}),

		persistErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "persist_errors_total",
			Help:      "持久化失败总数",
		}),
		wsConnections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "ws_connections_total",
			Help:      "WebSocket连接次数",
		}),
		wsDisconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "ws_disconnects_total",
			Help:      "WebSocket断开次数",
		}),
	}

	return m
}

// 订单相关方法
func (m *Monitor) RecordOrderSubmitted(side, typ string) {
	m.ordersSubmitted.WithLabelValues(side, typ).Inc()
}

func (m *Monitor) RecordOrderTerminal(status string) {
	m.ordersTerminal.WithLabelValues(status).Inc()
}

func (m *Monitor) RecordSubmitLatency(seconds float64) {
	m.submitLatency.Observe(seconds)
}

func (m *Monitor) SetActiveOrders(n int) {
	m.activeOrders.Set(float64(n))
}

func (m *Monitor) SetQueueDepth(n int) {
	m.queueDepth.Set(float64(n))
}

// 成交与对账相关方法
func (m *Monitor) RecordFillApplied() {
	m.fillsApplied.Inc()
}

func (m *Monitor) RecordFillDeduplicated() {
	m.fillsDeduped.Inc()
}

func (m *Monitor) RecordReconcile(result string) {
	m.reconcileEvents.WithLabelValues(result).Inc()
}

func (m *Monitor) RecordFallbackSpawned() {
	m.fallbacksSpawned.Inc()
}

// 风控相关方法
func (m *Monitor) RecordRiskDenial(reason string) {
	m.riskDenials.WithLabelValues(reason).Inc()
}

func (m *Monitor) SetDailyTrades(n int) {
	m.dailyTrades.Set(float64(n))
}

func (m *Monitor) SetRealizedPnL(value float64) {
	m.realizedPnL.Set(value)
}

func (m *Monitor) SetBalance(value float64) {
	m.balance.Set(value)
}

// 系统相关方法
func (m *Monitor) RecordPersistError() {
	m.persistErrors.Inc()
}

func (m *Monitor) RecordWSConnection() {
	m.wsConnections.Inc()
}

func (m *Monitor) RecordWSDisconnect() {
	m.wsDisconnects.Inc()
}

// Handler 返回HTTP handler用于暴露指标
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回prometheus registry
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}
