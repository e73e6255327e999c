package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/daisybum/cryptoTradingBot-sub001/infrastructure/logger"
	"github.com/daisybum/cryptoTradingBot-sub001/order"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Mode        string                `yaml:"mode"` // paper | live
	Exchange    ExchangeConfig        `yaml:"exchange"`
	Execution   ExecutionConfig       `yaml:"execution"`
	Risk        RiskConfig            `yaml:"risk"`
	Persistence PersistenceConfig     `yaml:"persistence"`
	Logging     logger.Config         `yaml:"logging"`
	Monitor     MonitorConfig         `yaml:"monitor"`
	Alerts      AlertConfig           `yaml:"alerts"`
	Session     SessionConfig         `yaml:"session"`
	Pairs       map[string]PairConfig `yaml:"pairs"`
}

type ExchangeConfig struct {
	BaseURL        string `yaml:"base_url"`
	WSURL          string `yaml:"ws_url"`
	APIKey         string `yaml:"api_key"`
	APISecret      string `yaml:"api_secret"`
	CallTimeoutSec int    `yaml:"call_timeout_sec"`
	RecvWindowMs   int64  `yaml:"recv_window_ms"`
}

// ExecutionConfig 执行引擎参数。fallback_* 与 poll_interval_sec 支持热更新。
type ExecutionConfig struct {
	FallbackEnabled    bool    `yaml:"fallback_enabled"`
	FallbackTimeoutSec int     `yaml:"fallback_timeout_sec"`
	PollIntervalSec    int     `yaml:"poll_interval_sec"`
	QueueSize          int     `yaml:"queue_size"`
	HistoryLimit       int     `yaml:"history_limit"`
	PaperBalance       float64 `yaml:"paper_balance"`
}

type RiskConfig struct {
	MaxOrderNotional float64 `yaml:"max_order_notional"`
	MaxDailyTrades   int     `yaml:"max_daily_trades"`
	MaxPosition      float64 `yaml:"max_position"`
	DailyLossLimit   float64 `yaml:"daily_loss_limit"`
	PriceShockPct    float64 `yaml:"price_shock_pct"`
	ShockWindowSec   int     `yaml:"shock_window_sec"`
	ShockCooldownSec int     `yaml:"shock_cooldown_sec"`
}

type PersistenceConfig struct {
	Path string `yaml:"path"`
}

type MonitorConfig struct {
	Listen string `yaml:"listen"`
}

type AlertConfig struct {
	ThrottleSec int `yaml:"throttle_sec"`
}

type SessionConfig struct {
	Strategy string `yaml:"strategy"`
}

// PairConfig 保存交易对的精度/名义限制（来自 exchangeInfo）。
// PaperPrice 仅用于 paper 模式，作为合成行情的初始价。
type PairConfig struct {
	TickSize    float64 `yaml:"tick_size"`
	StepSize    float64 `yaml:"step_size"`
	MinQty      float64 `yaml:"min_qty"`
	MaxQty      float64 `yaml:"max_qty"`
	MinNotional float64 `yaml:"min_notional"`
	PaperPrice  float64 `yaml:"paper_price"`
}

// DefaultConfig returns a runnable paper-mode configuration.
func DefaultConfig() AppConfig {
	return AppConfig{
		Mode: "paper",
		Exchange: ExchangeConfig{
			BaseURL:        "https://api.binance.com",
			WSURL:          "wss://stream.binance.com:9443",
			CallTimeoutSec: 10,
			RecvWindowMs:   5000,
		},
		Execution: ExecutionConfig{
			FallbackEnabled:    true,
			FallbackTimeoutSec: 60,
			PollIntervalSec:    5,
			QueueSize:          256,
			HistoryLimit:       500,
			PaperBalance:       100000,
		},
		Logging: logger.DefaultConfig(),
		Monitor: MonitorConfig{Listen: ":9102"},
		Alerts:  AlertConfig{ThrottleSec: 60},
		Session: SessionConfig{Strategy: "manual"},
	}
}

// Load reads YAML config from path, fills defaults and validates.
func Load(path string) (AppConfig, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	applyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads config then overrides sensitive fields from env vars if present.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	if v := os.Getenv("BINANCE_API_KEY"); v != "" {
		cfg.Exchange.APIKey = v
	}
	if v := os.Getenv("BINANCE_API_SECRET"); v != "" {
		cfg.Exchange.APISecret = v
	}
	if v := os.Getenv("BOT_MODE"); v != "" {
		cfg.Mode = v
	}
	if v := os.Getenv("BOT_DB_PATH"); v != "" {
		cfg.Persistence.Path = v
	}
	if v := os.Getenv("BOT_METRICS_LISTEN"); v != "" {
		cfg.Monitor.Listen = v
	}
	return cfg, Validate(cfg)
}

// applyDefaults 对零值字段回填默认值，允许配置文件只写需要覆盖的键。
func applyDefaults(cfg *AppConfig) {
	def := DefaultConfig()
	if cfg.Mode == "" {
		cfg.Mode = def.Mode
	}
	if cfg.Exchange.BaseURL == "" {
		cfg.Exchange.BaseURL = def.Exchange.BaseURL
	}
	if cfg.Exchange.WSURL == "" {
		cfg.Exchange.WSURL = def.Exchange.WSURL
	}
	if cfg.Exchange.CallTimeoutSec <= 0 {
		cfg.Exchange.CallTimeoutSec = def.Exchange.CallTimeoutSec
	}
	if cfg.Exchange.RecvWindowMs <= 0 {
		cfg.Exchange.RecvWindowMs = def.Exchange.RecvWindowMs
	}
	if cfg.Execution.FallbackTimeoutSec <= 0 {
		cfg.Execution.FallbackTimeoutSec = def.Execution.FallbackTimeoutSec
	}
	if cfg.Execution.PollIntervalSec <= 0 {
		cfg.Execution.PollIntervalSec = def.Execution.PollIntervalSec
	}
	if cfg.Execution.QueueSize <= 0 {
		cfg.Execution.QueueSize = def.Execution.QueueSize
	}
	if cfg.Execution.HistoryLimit <= 0 {
		cfg.Execution.HistoryLimit = def.Execution.HistoryLimit
	}
	if cfg.Execution.PaperBalance <= 0 {
		cfg.Execution.PaperBalance = def.Execution.PaperBalance
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	if len(cfg.Logging.Outputs) == 0 {
		cfg.Logging.Outputs = def.Logging.Outputs
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = def.Logging.Format
	}
	if cfg.Monitor.Listen == "" {
		cfg.Monitor.Listen = def.Monitor.Listen
	}
	if cfg.Alerts.ThrottleSec <= 0 {
		cfg.Alerts.ThrottleSec = def.Alerts.ThrottleSec
	}
	if cfg.Session.Strategy == "" {
		cfg.Session.Strategy = def.Session.Strategy
	}
}

// CallTimeout 单次交易所调用的超时。
func (c ExchangeConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSec) * time.Second
}

// FallbackTimeout 限价单升级市价前允许挂单的最长时间。
func (c ExecutionConfig) FallbackTimeout() time.Duration {
	return time.Duration(c.FallbackTimeoutSec) * time.Second
}

// PollInterval 兜底监视器轮询订单状态的间隔。
func (c ExecutionConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

func (c AlertConfig) Throttle() time.Duration {
	return time.Duration(c.ThrottleSec) * time.Second
}

// ShockWindow 熔断观察窗口。
func (c RiskConfig) ShockWindow() time.Duration {
	return time.Duration(c.ShockWindowSec) * time.Second
}

// ShockCooldown 熔断触发后的冷却时长。
func (c RiskConfig) ShockCooldown() time.Duration {
	return time.Duration(c.ShockCooldownSec) * time.Second
}

// Constraints converts the configured pair limits into intake-check form.
func (c AppConfig) Constraints() map[string]order.SymbolConstraints {
	out := make(map[string]order.SymbolConstraints, len(c.Pairs))
	for pair, p := range c.Pairs {
		out[pair] = order.SymbolConstraints{
			TickSize:    p.TickSize,
			StepSize:    p.StepSize,
			MinQty:      p.MinQty,
			MaxQty:      p.MaxQty,
			MinNotional: p.MinNotional,
		}
	}
	return out
}
