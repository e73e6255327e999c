package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/daisybum/cryptoTradingBot-sub001/gateway"
	"github.com/daisybum/cryptoTradingBot-sub001/infrastructure/logger"
	"github.com/daisybum/cryptoTradingBot-sub001/infrastructure/monitor"
	"github.com/daisybum/cryptoTradingBot-sub001/order"
)

// ListenKeyer 用户数据流 listenKey 的生命周期管理，
// 由 gateway.BinanceSpotClient 实现。
type ListenKeyer interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, listenKey string) error
	CloseListenKey(ctx context.Context, listenKey string) error
}

// Config 用户数据流配置。
type Config struct {
	// WSURL WebSocket 基地址，例如 wss://stream.binance.com:9443
	WSURL string
	// MaxRetries 连续拨号失败的上限，超过后触发致命错误回调
	MaxRetries int
	// RetryBackoff 重连退避基数，按次数线性放大
	RetryBackoff time.Duration
	// ReadTimeout 读超时；交易所的 ping 会通过 pong 续期
	ReadTimeout time.Duration
	// KeepAliveInterval listenKey 保活周期，交易所要求 60 分钟内至少一次
	KeepAliveInterval time.Duration
	// CallTimeout listenKey REST 调用超时
	CallTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 3 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = 25 * time.Minute
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
}

// UserStream 消费交易所用户数据流：订单回报转成推送事件
// 供对账循环消费，余额推送转交风控。断线自动重连，
// 重连成功后触发补偿回调，把断线期间丢失的事件查询回来。
type UserStream struct {
	cfg  Config
	keys ListenKeyer
	log  *logger.Logger
	mon  *monitor.Monitor

	updates chan order.PushEvent

	onConnected func()
	onBalances  func([]gateway.BalanceUpdate)
	onFatal     func(error)

	mu        sync.Mutex
	conn      *websocket.Conn
	listenKey string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewUserStream 创建用户数据流消费者。log 必填，mon 可为 nil。
func NewUserStream(cfg Config, keys ListenKeyer, log *logger.Logger, mon *monitor.Monitor) *UserStream {
	cfg.applyDefaults()
	return &UserStream{
		cfg:     cfg,
		keys:    keys,
		log:     log,
		mon:     mon,
		updates: make(chan order.PushEvent, 64),
	}
}

// Updates 返回订单推送通道，接入引擎的对账循环。
// Stop 之后通道关闭。
func (u *UserStream) Updates() <-chan order.PushEvent {
	return u.updates
}

// SetOnConnected 设置连接建立后的回调（含重连），用于补偿对账。
func (u *UserStream) SetOnConnected(fn func()) { u.onConnected = fn }

// SetOnBalances 设置余额推送回调。
func (u *UserStream) SetOnBalances(fn func([]gateway.BalanceUpdate)) { u.onBalances = fn }

// SetFatalHandler 设置致命错误回调，用于通知主程序优雅退出。
func (u *UserStream) SetFatalHandler(fn func(error)) { u.onFatal = fn }

// Start 申请 listenKey 并启动保活与读取两个后台任务。
func (u *UserStream) Start(ctx context.Context) error {
	key, err := u.createListenKey(ctx)
	if err != nil {
		return fmt.Errorf("create listen key: %w", err)
	}
	u.mu.Lock()
	u.listenKey = key
	u.mu.Unlock()

	u.ctx, u.cancel = context.WithCancel(context.Background())

	u.wg.Add(2)
	go u.runKeepAlive()
	go u.runWS()

	u.log.Info("user stream started")
	return nil
}

// Stop 关闭连接、注销 listenKey 并关闭推送通道。幂等。
func (u *UserStream) Stop() {
	if u.cancel == nil {
		return
	}
	u.cancel()

	u.mu.Lock()
	if u.conn != nil {
		_ = u.conn.Close()
		u.conn = nil
	}
	key := u.listenKey
	u.mu.Unlock()

	u.wg.Wait()

	if key != "" {
		ctx, cancel := context.WithTimeout(context.Background(), u.cfg.CallTimeout)
		if err := u.keys.CloseListenKey(ctx, key); err != nil {
			u.log.LogError(err, map[string]interface{}{"op": "close_listen_key"})
		}
		cancel()
	}
	close(u.updates)
	u.log.Info("user stream stopped")
}

func (u *UserStream) createListenKey(ctx context.Context) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, u.cfg.CallTimeout)
	defer cancel()
	return u.keys.CreateListenKey(cctx)
}

// runKeepAlive 周期性续期 listenKey。续期失败只记日志，
// 交易所会在 60 分钟后使 key 过期，届时走 listenKeyExpired 路径重建。
func (u *UserStream) runKeepAlive() {
	defer u.wg.Done()
	ticker := time.NewTicker(u.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-u.ctx.Done():
			return
		case <-ticker.C:
			u.mu.Lock()
			key := u.listenKey
			u.mu.Unlock()
			ctx, cancel := context.WithTimeout(u.ctx, u.cfg.CallTimeout)
			err := u.keys.KeepAliveListenKey(ctx, key)
			cancel()
			if err != nil {
				u.log.LogError(err, map[string]interface{}{"op": "keepalive_listen_key"})
			}
		}
	}
}

// runWS 拨号/读取/重连主循环。
func (u *UserStream) runWS() {
	defer u.wg.Done()
	retries := 0
	for {
		select {
		case <-u.ctx.Done():
			return
		default:
		}

		u.mu.Lock()
		key := u.listenKey
		u.mu.Unlock()
		endpoint := fmt.Sprintf("%s/ws/%s", u.cfg.WSURL, key)

		conn, _, err := websocket.DefaultDialer.DialContext(u.ctx, endpoint, nil)
		if err != nil {
			if u.ctx.Err() != nil {
				return
			}
			retries++
			if retries > u.cfg.MaxRetries {
				fatal := fmt.Errorf("websocket reconnect failed after %d retries: %w", u.cfg.MaxRetries, err)
				u.log.LogError(fatal, map[string]interface{}{"op": "ws_dial"})
				if u.onFatal != nil {
					u.onFatal(fatal)
				}
				return
			}
			backoff := time.Duration(retries) * u.cfg.RetryBackoff
			u.log.LogError(err, map[string]interface{}{
				"op":      "ws_dial",
				"attempt": retries,
				"backoff": backoff.String(),
			})
			if !u.sleep(backoff) {
				return
			}
			continue
		}

		u.mu.Lock()
		u.conn = conn
		u.mu.Unlock()
		retries = 0
		if u.mon != nil {
			u.mon.RecordWSConnection()
		}
		u.log.Info("user stream connected")

		// 断线期间的推送已丢失，先补偿再消费新事件
		if u.onConnected != nil {
			u.onConnected()
		}

		expired := u.readLoop(conn)

		u.mu.Lock()
		u.conn = nil
		u.mu.Unlock()
		if u.mon != nil {
			u.mon.RecordWSDisconnect()
		}
		if u.ctx.Err() != nil {
			return
		}
		u.log.Info("user stream disconnected, reconnecting")

		if expired {
			if !u.refreshListenKey() {
				return
			}
		}
		if !u.sleep(u.cfg.RetryBackoff) {
			return
		}
	}
}

// readLoop 读取并分发消息，连接断开时返回。
// 返回 true 表示收到 listenKeyExpired，需要重建 key 再重连。
func (u *UserStream) readLoop(conn *websocket.Conn) bool {
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(u.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(u.cfg.ReadTimeout))
	})
	conn.SetPingHandler(func(payload string) error {
		_ = conn.SetReadDeadline(time.Now().Add(u.cfg.ReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(payload), time.Now().Add(5*time.Second))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if u.ctx.Err() == nil {
				u.log.LogError(err, map[string]interface{}{"op": "ws_read"})
			}
			return false
		}
		_ = conn.SetReadDeadline(time.Now().Add(u.cfg.ReadTimeout))
		if u.handleMessage(raw) {
			return true
		}
	}
}

// handleMessage 解析并分发一条消息，返回 true 表示 listenKey 已过期。
func (u *UserStream) handleMessage(raw []byte) bool {
	msg, err := gateway.ParseUserData(raw)
	if err != nil {
		u.log.LogError(err, map[string]interface{}{"op": "parse_user_data"})
		return false
	}
	switch msg.Type {
	case gateway.EventExecutionReport:
		if msg.OrderEvent != nil {
			u.emit(*msg.OrderEvent)
		}
	case gateway.EventAccountPosition:
		if u.onBalances != nil && len(msg.Balances) > 0 {
			u.onBalances(msg.Balances)
		}
	case gateway.EventListenKeyExpired:
		u.log.Info("listen key expired, recreating")
		return true
	}
	return false
}

func (u *UserStream) emit(ev order.PushEvent) {
	select {
	case u.updates <- ev:
	case <-u.ctx.Done():
	}
}

// refreshListenKey 重建过期的 listenKey。失败视为致命：
// 没有可用 key 时重连没有意义。
func (u *UserStream) refreshListenKey() bool {
	key, err := u.createListenKey(u.ctx)
	if err != nil {
		if u.ctx.Err() != nil {
			return false
		}
		fatal := fmt.Errorf("recreate listen key: %w", err)
		u.log.LogError(fatal, map[string]interface{}{"op": "refresh_listen_key"})
		if u.onFatal != nil {
			u.onFatal(fatal)
		}
		return false
	}
	u.mu.Lock()
	u.listenKey = key
	u.mu.Unlock()
	return true
}

// sleep 可中断的等待，返回 false 表示已停机。
func (u *UserStream) sleep(d time.Duration) bool {
	select {
	case <-u.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
