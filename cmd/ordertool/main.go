package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/daisybum/cryptoTradingBot-sub001/config"
	"github.com/daisybum/cryptoTradingBot-sub001/gateway"
	"github.com/daisybum/cryptoTradingBot-sub001/infrastructure/logger"
	"github.com/daisybum/cryptoTradingBot-sub001/internal/engine"
	"github.com/daisybum/cryptoTradingBot-sub001/order"
	"github.com/daisybum/cryptoTradingBot-sub001/risk"
)

// ordertool 通过完整的执行管线（风控 → 队列 → 兜底）手工下一笔单，
// 用于实盘前的链路验证。limit 单会等到终态（含兜底子单收尾）再退出。
func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	pair := flag.String("pair", "", "交易对，例如 BTC/USDT")
	side := flag.String("side", "BUY", "BUY 或 SELL")
	typ := flag.String("type", "MARKET", "MARKET 或 LIMIT")
	amount := flag.Float64("amount", 0, "下单数量（基础币）")
	price := flag.Float64("price", 0, "限价，LIMIT 必填")
	wait := flag.Duration("wait", 2*time.Minute, "等待订单终态的最长时间")
	flag.Parse()

	if *pair == "" || *amount <= 0 {
		flag.Usage()
		os.Exit(2)
	}

	_ = godotenv.Load()

	cfg, err := config.LoadWithEnvOverrides(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	zl, err := logger.New(cfg.Logging)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer zl.Close()

	var connector order.Connector
	switch cfg.Mode {
	case "paper":
		paper := gateway.NewPaperGateway(cfg.Execution.PaperBalance)
		for p, pc := range cfg.Pairs {
			if pc.PaperPrice > 0 {
				paper.SetPrice(p, pc.PaperPrice)
			}
		}
		connector = paper
	case "live":
		client := gateway.NewBinanceSpotClient(cfg.Exchange.BaseURL, cfg.Exchange.APIKey, cfg.Exchange.APISecret)
		if cfg.Exchange.RecvWindowMs > 0 {
			client.RecvWindow = cfg.Exchange.RecvWindowMs
		}
		connector = client
	default:
		log.Fatalf("unknown mode %q", cfg.Mode)
	}

	gate := risk.NewManager(risk.Limits{
		MaxOrderNotional: cfg.Risk.MaxOrderNotional,
		MaxDailyTrades:   cfg.Risk.MaxDailyTrades,
		MaxPosition:      cfg.Risk.MaxPosition,
		DailyLossLimit:   cfg.Risk.DailyLossLimit,
	}, nil)

	eng, err := engine.New(engine.Config{
		QueueSize:           cfg.Execution.QueueSize,
		ExchangeCallTimeout: cfg.Exchange.CallTimeout(),
		FallbackEnabled:     cfg.Execution.FallbackEnabled,
		FallbackTimeout:     cfg.Execution.FallbackTimeout(),
		PollInterval:        cfg.Execution.PollInterval(),
		HistoryLimit:        cfg.Execution.HistoryLimit,
		DryRun:              cfg.Mode == "paper",
		Strategy:            "manual",
		Constraints:         cfg.Constraints(),
	}, engine.Components{
		Connector: connector,
		Gate:      gate,
		Log:       zl,
	})
	if err != nil {
		log.Fatalf("build engine: %v", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		log.Fatalf("start engine: %v", err)
	}
	defer eng.Stop()

	var limitPrice *float64
	if order.Type(*typ) == order.TypeLimit {
		if *price <= 0 {
			log.Fatal("LIMIT order requires -price")
		}
		limitPrice = price
	}

	ctx, cancel := context.WithTimeout(context.Background(), *wait)
	defer cancel()

	o, err := eng.PlaceOrder(ctx, *pair, order.Side(*side), *amount, limitPrice, order.Type(*typ))
	if err != nil {
		if o != nil {
			printOrder(o)
		}
		log.Fatalf("place order: %v", err)
	}
	printOrder(o)

	// 限价单等终态：兜底监视器可能派生市价子单
	deadline := time.Now().Add(*wait)
	for !order.IsFinal(o.Status) && time.Now().Before(deadline) {
		time.Sleep(time.Second)
		if cur, ok := eng.Store().Get(o.ID); ok {
			o = cur
		}
	}
	if order.IsFinal(o.Status) {
		fmt.Println("--- final ---")
		printOrder(o)
		for _, h := range eng.Store().History() {
			if h.ParentOrderID == o.ID {
				fmt.Println("--- fallback child ---")
				printOrder(h)
			}
		}
	} else {
		fmt.Printf("order %s still %s after %s\n", o.ID, o.Status, *wait)
	}
}

func printOrder(o *order.Order) {
	raw, err := json.MarshalIndent(o, "", "  ")
	if err != nil {
		log.Printf("marshal order: %v", err)
		return
	}
	fmt.Println(string(raw))
}
