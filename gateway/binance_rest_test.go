package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/daisybum/cryptoTradingBot-sub001/order"
)

func TestBinanceSpotClientSubmitCancel(t *testing.T) {
	timeNowMillis = func() int64 { return 1234567890000 } // deterministic
	defer func() { timeNowMillis = func() int64 { return time.Now().UnixMilli() } }()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.RawQuery, "signature=") {
			t.Fatalf("missing signature")
		}
		if r.Header.Get("X-MBX-APIKEY") != "key" {
			t.Fatalf("missing api key header")
		}
		if r.Method == http.MethodPost {
			if !strings.Contains(r.URL.RawQuery, "newClientOrderId=cid-1") {
				t.Fatalf("client order id not forwarded: %s", r.URL.RawQuery)
			}
			io.WriteString(w, `{"orderId":1001,"status":"FILLED","executedQty":"0.5","transactTime":1234567890000,
				"fills":[{"price":"50000.0","qty":"0.5","commission":"12.5","commissionAsset":"USDT"}]}`)
			return
		}
		if r.Method == http.MethodDelete {
			io.WriteString(w, `{"orderId":1001,"status":"CANCELED"}`)
			return
		}
		t.Fatalf("unexpected method %s", r.Method)
	}))
	defer ts.Close()

	cli := &BinanceSpotClient{
		BaseURL:    ts.URL,
		APIKey:     "key",
		Secret:     "secret",
		HTTPClient: ts.Client(),
	}
	ack, err := cli.SubmitOrder(context.Background(), order.SubmitRequest{
		Pair: "BTC/USDT", Side: order.SideBuy, Type: order.TypeMarket,
		Quantity: 0.5, ClientOrderID: "cid-1",
	})
	if err != nil {
		t.Fatalf("submit err: %v", err)
	}
	if ack.ExchangeOrderID != "1001" || ack.Status != "FILLED" {
		t.Fatalf("unexpected ack %+v", ack)
	}
	if len(ack.Fills) != 1 || ack.Fills[0].Price != 50000 || ack.Fills[0].Quantity != 0.5 {
		t.Fatalf("fills not parsed: %+v", ack.Fills)
	}
	if ack.Fills[0].FeeAsset != "USDT" || ack.Fills[0].Fee != 12.5 {
		t.Fatalf("fee not parsed: %+v", ack.Fills[0])
	}
	if err := cli.CancelOrder(context.Background(), "BTC/USDT", ack.ExchangeOrderID); err != nil {
		t.Fatalf("cancel err: %v", err)
	}
}

func TestBinanceSpotClientErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantKind error
	}{
		{"波动保护拒绝", 400, `{"code":-1013,"msg":"Filter failure: PERCENT_PRICE"}`, order.ErrExchangeVolatility},
		{"下单价格保护拒绝", 400, `{"code":-2010,"msg":"Filter failure: PERCENT_PRICE"}`, order.ErrExchangeVolatility},
		{"触价保护拒绝", 400, `{"code":-2010,"msg":"Order would trigger immediately."}`, order.ErrExchangeVolatility},
		{"服务端故障视为瞬态", 502, `{}`, order.ErrExchangeTransient},
		{"撤单未命中", 400, `{"code":-2011,"msg":"Unknown order sent."}`, order.ErrVenueOrderMissing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer ts.Close()

			cli := &BinanceSpotClient{BaseURL: ts.URL, APIKey: "k", Secret: "s", HTTPClient: ts.Client()}
			_, err := cli.SubmitOrder(context.Background(), order.SubmitRequest{
				Pair: "BTC/USDT", Side: order.SideBuy, Type: order.TypeMarket, Quantity: 1,
			})
			if !errors.Is(err, tt.wantKind) {
				t.Fatalf("want %v, got %v", tt.wantKind, err)
			}
		})
	}
}

func TestBinanceSpotClientPlainAPIErrorIsNotTransient(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(400)
		io.WriteString(w, `{"code":-2010,"msg":"Account has insufficient balance for requested action."}`)
	}))
	defer ts.Close()

	cli := &BinanceSpotClient{BaseURL: ts.URL, APIKey: "k", Secret: "s", HTTPClient: ts.Client()}
	_, err := cli.SubmitOrder(context.Background(), order.SubmitRequest{
		Pair: "BTC/USDT", Side: order.SideBuy, Type: order.TypeMarket, Quantity: 1,
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if errors.Is(err, order.ErrExchangeTransient) || errors.Is(err, order.ErrExchangeVolatility) {
		t.Fatalf("venue app error misclassified: %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != -2010 {
		t.Fatalf("APIError lost: %v", err)
	}
}

func TestBinanceSpotClientQueryAndTicker(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/api/v3/ticker/price"):
			io.WriteString(w, `{"symbol":"BTCUSDT","price":"65432.10"}`)
		case strings.HasPrefix(r.URL.Path, "/api/v3/order"):
			io.WriteString(w, `{"orderId":7,"status":"PARTIALLY_FILLED","executedQty":"0.25"}`)
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer ts.Close()

	cli := &BinanceSpotClient{BaseURL: ts.URL, APIKey: "k", Secret: "s", HTTPClient: ts.Client()}

	price, err := cli.GetMarketPrice(context.Background(), "BTC/USDT")
	if err != nil || price != 65432.10 {
		t.Fatalf("ticker: price=%v err=%v", price, err)
	}

	ack, err := cli.QueryOrder(context.Background(), "BTC/USDT", "7")
	if err != nil {
		t.Fatalf("query err: %v", err)
	}
	if ack.Status != "PARTIALLY_FILLED" || ack.CumFilled != 0.25 {
		t.Fatalf("unexpected query ack %+v", ack)
	}
}

func TestSignParamsDeterministic(t *testing.T) {
	q1, s1 := SignParams(map[string]string{"b": "2", "a": "1"}, "secret")
	q2, s2 := SignParams(map[string]string{"a": "1", "b": "2"}, "secret")
	if q1 != q2 || s1 != s2 {
		t.Fatalf("signature must not depend on map order")
	}
	if q1 != "a=1&b=2" {
		t.Fatalf("unexpected query %s", q1)
	}
}
