package config

import (
	"errors"
	"fmt"
)

// Validate ensures required fields are present and cross-field
// relations hold. The exchange call timeout must stay below the
// fallback timeout so a hung venue call can never starve the
// fallback mechanism, and the poll interval must fit inside the
// fallback window or a monitor would time out before its first look.
func Validate(cfg AppConfig) error {
	switch cfg.Mode {
	case "paper", "live":
	default:
		return fmt.Errorf("mode must be paper or live, got %q", cfg.Mode)
	}

	if cfg.Mode == "live" {
		if cfg.Exchange.APIKey == "" || cfg.Exchange.APISecret == "" {
			return errors.New("live mode requires exchange.api_key/api_secret (or env overrides)")
		}
		if cfg.Exchange.BaseURL == "" {
			return errors.New("live mode requires exchange.base_url")
		}
		if cfg.Exchange.WSURL == "" {
			return errors.New("live mode requires exchange.ws_url")
		}
	}

	if cfg.Exchange.CallTimeoutSec <= 0 {
		return errors.New("exchange.call_timeout_sec must be > 0")
	}
	if cfg.Execution.FallbackTimeoutSec <= 0 {
		return errors.New("execution.fallback_timeout_sec must be > 0")
	}
	if cfg.Execution.PollIntervalSec <= 0 {
		return errors.New("execution.poll_interval_sec must be > 0")
	}
	if cfg.Exchange.CallTimeoutSec >= cfg.Execution.FallbackTimeoutSec {
		return fmt.Errorf("exchange.call_timeout_sec (%d) must be < execution.fallback_timeout_sec (%d)",
			cfg.Exchange.CallTimeoutSec, cfg.Execution.FallbackTimeoutSec)
	}
	if cfg.Execution.PollIntervalSec >= cfg.Execution.FallbackTimeoutSec {
		return fmt.Errorf("execution.poll_interval_sec (%d) must be < execution.fallback_timeout_sec (%d)",
			cfg.Execution.PollIntervalSec, cfg.Execution.FallbackTimeoutSec)
	}
	if cfg.Execution.QueueSize <= 0 {
		return errors.New("execution.queue_size must be > 0")
	}
	if cfg.Execution.HistoryLimit <= 0 {
		return errors.New("execution.history_limit must be > 0")
	}

	if cfg.Risk.MaxOrderNotional < 0 || cfg.Risk.MaxDailyTrades < 0 ||
		cfg.Risk.MaxPosition < 0 || cfg.Risk.DailyLossLimit < 0 {
		return errors.New("risk limits must be >= 0 (zero disables a check)")
	}
	if cfg.Risk.PriceShockPct < 0 || cfg.Risk.PriceShockPct >= 1 {
		return errors.New("risk.price_shock_pct must be in [0, 1)")
	}

	for pair, p := range cfg.Pairs {
		if p.TickSize < 0 || p.StepSize < 0 || p.MinQty < 0 || p.MaxQty < 0 || p.MinNotional < 0 {
			return fmt.Errorf("pairs.%s: limits must be >= 0", pair)
		}
		if cfg.Mode == "paper" && p.PaperPrice < 0 {
			return fmt.Errorf("pairs.%s: paper_price must be >= 0", pair)
		}
	}
	return nil
}
