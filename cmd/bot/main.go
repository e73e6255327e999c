package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/daisybum/cryptoTradingBot-sub001/config"
	"github.com/daisybum/cryptoTradingBot-sub001/gateway"
	"github.com/daisybum/cryptoTradingBot-sub001/infrastructure/alert"
	"github.com/daisybum/cryptoTradingBot-sub001/infrastructure/logger"
	"github.com/daisybum/cryptoTradingBot-sub001/infrastructure/monitor"
	"github.com/daisybum/cryptoTradingBot-sub001/internal/engine"
	"github.com/daisybum/cryptoTradingBot-sub001/internal/exchange"
	"github.com/daisybum/cryptoTradingBot-sub001/internal/persist"
	"github.com/daisybum/cryptoTradingBot-sub001/order"
	"github.com/daisybum/cryptoTradingBot-sub001/risk"
)

// engineApplier 把配置热更新桥接到引擎的运行时参数。
type engineApplier struct {
	eng *engine.Engine
}

func (a *engineApplier) ApplyExecutionParams(ec config.ExecutionConfig) error {
	return a.eng.ApplyParams(ec.FallbackEnabled, ec.FallbackTimeout(), ec.PollInterval())
}

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	envFile := flag.String("env", ".env", "环境变量文件，不存在则忽略")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		log.Printf("load env file: %v", err)
	}

	cfg, err := config.LoadWithEnvOverrides(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	zl, err := logger.New(cfg.Logging)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer zl.Close()

	if err := run(cfg, *cfgPath, zl); err != nil {
		zl.Error("bot exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.AppConfig, cfgPath string, zl *logger.Logger) error {
	mon := monitor.New(monitor.DefaultConfig())

	alerts := alert.NewManager([]alert.Channel{alert.NewZapChannel("zap", zl)}, cfg.Alerts.Throttle())

	// 风控
	gate := risk.NewManager(risk.Limits{
		MaxOrderNotional: cfg.Risk.MaxOrderNotional,
		MaxDailyTrades:   cfg.Risk.MaxDailyTrades,
		MaxPosition:      cfg.Risk.MaxPosition,
		DailyLossLimit:   cfg.Risk.DailyLossLimit,
		PriceShockPct:    cfg.Risk.PriceShockPct,
		ShockWindow:      cfg.Risk.ShockWindow(),
		ShockCooldown:    cfg.Risk.ShockCooldown(),
	}, nil)
	gate.SetNotifier(risk.NewNotifier(alerts))

	// 持久化
	var sink *persist.SQLiteSink
	if cfg.Persistence.Path != "" {
		var err error
		sink, err = persist.Open(cfg.Persistence.Path)
		if err != nil {
			return fmt.Errorf("open persistence: %w", err)
		}
		defer sink.Close()
	}

	// 交易所接入：paper 模式用合成撮合，live 模式用现货 REST + 用户数据流
	var connector order.Connector
	var stream *exchange.UserStream
	switch cfg.Mode {
	case "paper":
		paper := gateway.NewPaperGateway(cfg.Execution.PaperBalance)
		for pair, pc := range cfg.Pairs {
			if pc.PaperPrice > 0 {
				paper.SetPrice(pair, pc.PaperPrice)
			}
		}
		connector = paper
	case "live":
		client := gateway.NewBinanceSpotClient(cfg.Exchange.BaseURL, cfg.Exchange.APIKey, cfg.Exchange.APISecret)
		if cfg.Exchange.RecvWindowMs > 0 {
			client.RecvWindow = cfg.Exchange.RecvWindowMs
		}
		connector = client
		stream = exchange.NewUserStream(exchange.Config{
			WSURL:       cfg.Exchange.WSURL,
			CallTimeout: cfg.Exchange.CallTimeout(),
		}, client, zl, mon)
	default:
		return fmt.Errorf("unknown mode %q", cfg.Mode)
	}

	engCfg := engine.Config{
		QueueSize:           cfg.Execution.QueueSize,
		ExchangeCallTimeout: cfg.Exchange.CallTimeout(),
		FallbackEnabled:     cfg.Execution.FallbackEnabled,
		FallbackTimeout:     cfg.Execution.FallbackTimeout(),
		PollInterval:        cfg.Execution.PollInterval(),
		HistoryLimit:        cfg.Execution.HistoryLimit,
		DryRun:              cfg.Mode == "paper",
		Strategy:            cfg.Session.Strategy,
		Constraints:         cfg.Constraints(),
	}
	comps := engine.Components{
		Connector: connector,
		Gate:      gate,
		Log:       zl,
		Mon:       mon,
		Alerts:    alerts,
	}
	if sink != nil {
		comps.Sink = sink
		comps.Sessions = sink
	}
	if stream != nil {
		comps.Updates = stream.Updates()
	}

	eng, err := engine.New(engCfg, comps)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	fatal := make(chan error, 1)

	if stream != nil {
		stream.SetOnConnected(eng.Resync)
		stream.SetOnBalances(func(balances []gateway.BalanceUpdate) {
			for _, b := range balances {
				if b.Asset == "USDT" {
					gate.UpdateBalance(b.Free)
					mon.SetBalance(b.Free)
				}
			}
		})
		stream.SetFatalHandler(func(err error) {
			_ = alerts.SendCritical("user data stream unrecoverable, shutting down",
				map[string]interface{}{"error": err.Error()})
			fatal <- err
		})
		if err := stream.Start(ctx); err != nil {
			_ = eng.Stop()
			return fmt.Errorf("start user stream: %w", err)
		}
	}

	// 配置热重载：仅执行参数（fallback 开关/超时/轮询间隔）生效
	watcher, err := config.NewWatcher(cfgPath, 2*time.Second)
	if err != nil {
		zl.Error("config watcher unavailable", zap.Error(err))
	} else {
		watcher.RegisterApplier(&engineApplier{eng: eng})
		watcher.SetErrorHandler(func(werr error) {
			zl.Error("config reload failed", zap.Error(werr))
			_ = alerts.SendError("config reload failed",
				map[string]interface{}{"error": werr.Error()})
		})
		if err := watcher.Start(); err != nil {
			zl.Error("config watcher start failed", zap.Error(err))
		}
	}

	// Prometheus /metrics
	var metricsSrv *http.Server
	if cfg.Monitor.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", mon.Handler())
		metricsSrv = &http.Server{Addr: cfg.Monitor.Listen, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				zl.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	// 风控日内计数定期搬运到指标
	gaugeDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gaugeDone:
				return
			case <-ticker.C:
				mon.SetDailyTrades(gate.Snapshot().DailyTrades)
			}
		}
	}()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	zl.Info("bot ready",
		zap.String("mode", cfg.Mode),
		zap.String("session_id", eng.SessionID()),
		zap.String("metrics", cfg.Monitor.Listen))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		zl.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-fatal:
		zl.Error("fatal stream error, shutting down", zap.Error(err))
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	close(gaugeDone)

	if watcher != nil {
		if last := watcher.LastReload(); !last.IsZero() {
			zl.Info("last config reload", zap.Time("at", last))
		}
		_ = watcher.Stop()
	}
	if stream != nil {
		stream.Stop()
	}
	if err := eng.Stop(); err != nil {
		zl.Error("engine stop failed", zap.Error(err))
	}
	if metricsSrv != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutCtx)
	}

	stats := eng.GetStatistics()
	zl.Info("bot stopped",
		zap.Int64("submitted", stats.Submitted),
		zap.Int64("filled", stats.Filled),
		zap.Int64("fallbacks", stats.FallbacksSpawned),
		zap.Float64("realized_pnl", stats.RealizedPnL))
	return nil
}
