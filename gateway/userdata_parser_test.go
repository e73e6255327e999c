package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUserDataExecutionReport(t *testing.T) {
	raw := []byte(`{
		"e":"executionReport","E":1700000000000,"s":"BTCUSDT",
		"c":"ord-abc","C":"","S":"BUY","o":"LIMIT","x":"TRADE","X":"PARTIALLY_FILLED",
		"i":123456,"l":"0.50000000","L":"3005.00000000","z":"0.50000000",
		"n":"0.00050000","N":"BTC","T":1700000000123,"m":true
	}`)

	msg, err := ParseUserData(raw)
	require.NoError(t, err)
	require.Equal(t, EventExecutionReport, msg.Type)
	require.NotNil(t, msg.OrderEvent)

	ev := msg.OrderEvent
	assert.Equal(t, "ord-abc", ev.OrderID)
	assert.Equal(t, "123456", ev.ExchangeOrderID)
	assert.Equal(t, "PARTIALLY_FILLED", ev.VenueStatus)
	require.NotNil(t, ev.CumFilled)
	assert.Equal(t, 0.5, *ev.CumFilled)
	require.Len(t, ev.Fills, 1)
	assert.Equal(t, 3005.0, ev.Fills[0].Price)
	assert.Equal(t, 0.5, ev.Fills[0].Quantity)
	assert.True(t, ev.Fills[0].IsMaker)
	assert.Equal(t, "BTC", ev.Fills[0].FeeAsset)
}

func TestParseUserDataCancelUsesOriginalClientID(t *testing.T) {
	raw := []byte(`{
		"e":"executionReport","s":"BTCUSDT",
		"c":"cancel-xyz","C":"ord-abc","S":"BUY","o":"LIMIT","x":"CANCELED","X":"CANCELED",
		"i":123456,"l":"0","L":"0","z":"0.25","n":"0","N":null,"T":1700000000123,"m":false
	}`)

	msg, err := ParseUserData(raw)
	require.NoError(t, err)
	require.NotNil(t, msg.OrderEvent)
	// 撤单回报的 c 是撤单请求的 ID，原始订单 ID 在 C 字段
	assert.Equal(t, "ord-abc", msg.OrderEvent.OrderID)
	assert.Equal(t, "CANCELED", msg.OrderEvent.VenueStatus)
	assert.Empty(t, msg.OrderEvent.Fills, "non-trade execution must not carry fills")
}

func TestParseUserDataAccountPosition(t *testing.T) {
	raw := []byte(`{
		"e":"outboundAccountPosition","E":1700000000000,
		"B":[{"a":"USDT","f":"1234.56","l":"0"},{"a":"BTC","f":"0.5","l":"0.1"}]
	}`)

	msg, err := ParseUserData(raw)
	require.NoError(t, err)
	assert.Equal(t, EventAccountPosition, msg.Type)
	require.Len(t, msg.Balances, 2)
	assert.Equal(t, "USDT", msg.Balances[0].Asset)
	assert.Equal(t, 1234.56, msg.Balances[0].Free)
}

func TestParseUserDataIgnoresUnknownEvents(t *testing.T) {
	msg, err := ParseUserData([]byte(`{"e":"balanceUpdate","a":"USDT","d":"100"}`))
	require.NoError(t, err)
	assert.Empty(t, msg.Type)

	msg, err = ParseUserData([]byte(`{"e":"listenKeyExpired"}`))
	require.NoError(t, err)
	assert.Equal(t, EventListenKeyExpired, msg.Type)
}
