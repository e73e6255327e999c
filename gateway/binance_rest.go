package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/daisybum/cryptoTradingBot-sub001/order"
)

// APIError 币安应用层错误（HTTP 4xx 携带 code/msg 响应体）。
type APIError struct {
	HTTPStatus int
	Code       int64  `json:"code"`
	Msg        string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance api error: status=%d code=%d msg=%s", e.HTTPStatus, e.Code, e.Msg)
}

// BinanceSpotClient 币安现货客户端，实现引擎的 Connector 契约。
// HTTPClient 可注入 httptest；Limiter 为 nil 时不限流。
type BinanceSpotClient struct {
	BaseURL    string
	APIKey     string
	Secret     string
	QuoteAsset string // 余额查询的计价币，默认 USDT
	RecvWindow int64  // 毫秒，0 表示不携带
	HTTPClient *http.Client
	Limiter    RateLimiter
}

// NewBinanceSpotClient 创建带默认超时与限流的客户端。
func NewBinanceSpotClient(baseURL, apiKey, secret string) *BinanceSpotClient {
	return &BinanceSpotClient{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		Secret:     secret,
		QuoteAsset: "USDT",
		RecvWindow: 5000,
		HTTPClient: NewDefaultHTTPClient(),
		Limiter:    NewTokenBucketLimiter(10, 20),
	}
}

// NewDefaultHTTPClient 提供一个带超时的 http.Client。
func NewDefaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

type placeOrderResp struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
	ExecutedQty   string `json:"executedQty"`
	TransactTime  int64  `json:"transactTime"`
	Fills         []struct {
		Price           string `json:"price"`
		Qty             string `json:"qty"`
		Commission      string `json:"commission"`
		CommissionAsset string `json:"commissionAsset"`
	} `json:"fills"`
}

// SubmitOrder 调用 /api/v3/order 下单，newOrderRespType=FULL 以取回成交明细。
func (c *BinanceSpotClient) SubmitOrder(ctx context.Context, req order.SubmitRequest) (order.Ack, error) {
	params := map[string]string{
		"symbol":           symbolFromPair(req.Pair),
		"side":             string(req.Side),
		"type":             string(req.Type),
		"quantity":         formatQty(req.Quantity),
		"newOrderRespType": "FULL",
	}
	if req.Type == order.TypeLimit {
		if req.Price == nil {
			return order.Ack{}, fmt.Errorf("%w: limit order without price", order.ErrValidation)
		}
		params["price"] = formatQty(*req.Price)
		params["timeInForce"] = "GTC"
	}
	if req.ClientOrderID != "" {
		params["newClientOrderId"] = req.ClientOrderID
	}

	body, err := c.doSigned(ctx, http.MethodPost, "/api/v3/order", params)
	if err != nil {
		return order.Ack{}, err
	}

	var pr placeOrderResp
	if err := json.Unmarshal(body, &pr); err != nil {
		return order.Ack{}, fmt.Errorf("decode place response: %w", err)
	}
	if pr.OrderID == 0 {
		return order.Ack{}, fmt.Errorf("%w: empty orderId in place response", order.ErrExchangeTransient)
	}

	ack := order.Ack{
		ExchangeOrderID: strconv.FormatInt(pr.OrderID, 10),
		Status:          pr.Status,
		CumFilled:       parseF(pr.ExecutedQty),
	}
	ts := time.UnixMilli(pr.TransactTime)
	for _, f := range pr.Fills {
		ack.Fills = append(ack.Fills, order.Fill{
			Price:     parseF(f.Price),
			Quantity:  parseF(f.Qty),
			Timestamp: ts,
			Fee:       parseF(f.Commission),
			FeeAsset:  f.CommissionAsset,
			IsMaker:   false, // taker：下单即成交
		})
	}
	return ack, nil
}

// CancelOrder 调用 DELETE /api/v3/order 撤单。
func (c *BinanceSpotClient) CancelOrder(ctx context.Context, pair, exchangeOrderID string) error {
	params := map[string]string{
		"symbol":  symbolFromPair(pair),
		"orderId": exchangeOrderID,
	}
	_, err := c.doSigned(ctx, http.MethodDelete, "/api/v3/order", params)
	return err
}

type queryOrderResp struct {
	OrderID     int64  `json:"orderId"`
	Status      string `json:"status"`
	ExecutedQty string `json:"executedQty"`
}

// QueryOrder 查询订单当前状态与累计成交量。
func (c *BinanceSpotClient) QueryOrder(ctx context.Context, pair, exchangeOrderID string) (order.Ack, error) {
	params := map[string]string{
		"symbol":  symbolFromPair(pair),
		"orderId": exchangeOrderID,
	}
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/order", params)
	if err != nil {
		return order.Ack{}, err
	}
	var qr queryOrderResp
	if err := json.Unmarshal(body, &qr); err != nil {
		return order.Ack{}, fmt.Errorf("decode query response: %w", err)
	}
	return order.Ack{
		ExchangeOrderID: strconv.FormatInt(qr.OrderID, 10),
		Status:          qr.Status,
		CumFilled:       parseF(qr.ExecutedQty),
	}, nil
}

type accountResp struct {
	Balances []struct {
		Asset string `json:"asset"`
		Free  string `json:"free"`
	} `json:"balances"`
}

// GetBalance 返回计价币的可用余额。
func (c *BinanceSpotClient) GetBalance(ctx context.Context) (float64, error) {
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/account", map[string]string{})
	if err != nil {
		return 0, err
	}
	var ar accountResp
	if err := json.Unmarshal(body, &ar); err != nil {
		return 0, fmt.Errorf("decode account response: %w", err)
	}
	quote := c.QuoteAsset
	if quote == "" {
		quote = "USDT"
	}
	for _, b := range ar.Balances {
		if b.Asset == quote {
			return parseF(b.Free), nil
		}
	}
	return 0, nil
}

// GetMarketPrice 公共行情接口，不需要签名。
func (c *BinanceSpotClient) GetMarketPrice(ctx context.Context, pair string) (float64, error) {
	if c == nil || c.HTTPClient == nil {
		return 0, errors.New("http client not set")
	}
	endpoint := c.BaseURL + "/api/v3/ticker/price?symbol=" + symbolFromPair(pair)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, classifyNetErr(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", order.ErrExchangeTransient, err)
	}
	if resp.StatusCode >= 300 {
		return 0, classifyAPIErr(resp.StatusCode, body)
	}
	var tr struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &tr); err != nil {
		return 0, fmt.Errorf("decode ticker response: %w", err)
	}
	return parseF(tr.Price), nil
}

// CreateListenKey 为 user data stream 申请 listenKey。
func (c *BinanceSpotClient) CreateListenKey(ctx context.Context) (string, error) {
	body, err := c.doAPIKeyOnly(ctx, http.MethodPost, "/api/v3/userDataStream", "")
	if err != nil {
		return "", err
	}
	var lk struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &lk); err != nil {
		return "", fmt.Errorf("decode listenKey response: %w", err)
	}
	if lk.ListenKey == "" {
		return "", fmt.Errorf("%w: empty listenKey", order.ErrExchangeTransient)
	}
	return lk.ListenKey, nil
}

// KeepAliveListenKey 续期 listenKey；币安要求 60 分钟内至少一次。
func (c *BinanceSpotClient) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	_, err := c.doAPIKeyOnly(ctx, http.MethodPut, "/api/v3/userDataStream", listenKey)
	return err
}

// CloseListenKey 关闭 listenKey。
func (c *BinanceSpotClient) CloseListenKey(ctx context.Context, listenKey string) error {
	_, err := c.doAPIKeyOnly(ctx, http.MethodDelete, "/api/v3/userDataStream", listenKey)
	return err
}

// doSigned 发送需要签名的请求，完成限流等待与错误分类。
func (c *BinanceSpotClient) doSigned(ctx context.Context, method, path string, params map[string]string) ([]byte, error) {
	if c == nil || c.HTTPClient == nil {
		return nil, errors.New("http client not set")
	}
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", order.ErrExchangeTransient, err)
		}
	}
	endpoint := c.BaseURL + path + "?" + signedQuery(params, c.Secret, c.RecvWindow)
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.APIKey)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, classifyNetErr(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", order.ErrExchangeTransient, err)
	}
	if resp.StatusCode >= 300 {
		return nil, classifyAPIErr(resp.StatusCode, body)
	}
	return body, nil
}

// doAPIKeyOnly listenKey 系列接口只需要 API key 头，不需要签名。
func (c *BinanceSpotClient) doAPIKeyOnly(ctx context.Context, method, path, listenKey string) ([]byte, error) {
	if c == nil || c.HTTPClient == nil {
		return nil, errors.New("http client not set")
	}
	endpoint := c.BaseURL + path
	if listenKey != "" {
		endpoint += "?listenKey=" + listenKey
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.APIKey)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, classifyNetErr(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", order.ErrExchangeTransient, err)
	}
	if resp.StatusCode >= 300 {
		return nil, classifyAPIErr(resp.StatusCode, body)
	}
	return body, nil
}

// classifyNetErr 网络层失败一律视为瞬态错误。
func classifyNetErr(err error) error {
	return fmt.Errorf("%w: %v", order.ErrExchangeTransient, err)
}

// classifyAPIErr 区分波动保护类拒绝、服务端故障与普通应用错误。
func classifyAPIErr(status int, body []byte) error {
	apiErr := &APIError{HTTPStatus: status}
	_ = json.Unmarshal(body, apiErr)

	if status >= 500 {
		return fmt.Errorf("%w: %s", order.ErrExchangeTransient, apiErr.Error())
	}
	if isVolatilityCode(apiErr.Code, apiErr.Msg) {
		return fmt.Errorf("%w: %s", order.ErrExchangeVolatility, apiErr.Error())
	}
	// -2011: 撤单未命中；-2013: 订单不存在。撤单与成交竞争时出现。
	if apiErr.Code == -2011 || apiErr.Code == -2013 {
		return fmt.Errorf("%w: %s", order.ErrVenueOrderMissing, apiErr.Error())
	}
	return apiErr
}

// isVolatilityCode 判断价格保护类拒绝。
// -1013: 过滤器失败（PERCENT_PRICE 等价格偏离保护）。
// -2010: 下单被拒，仅价格保护类消息按波动处理；
// 余额不足、市场关闭等其余 -2010 拒绝不属于此类。
func isVolatilityCode(code int64, msg string) bool {
	switch code {
	case -1013:
		return true
	case -2010:
		return strings.Contains(msg, "PERCENT_PRICE") ||
			strings.Contains(msg, "PRICE_FILTER") ||
			strings.Contains(msg, "would trigger immediately")
	}
	return strings.Contains(msg, "PERCENT_PRICE")
}

func symbolFromPair(pair string) string {
	return strings.ReplaceAll(pair, "/", "")
}

func parseF(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func formatQty(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}
