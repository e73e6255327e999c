package gateway

import (
	"encoding/json"
	"time"

	"github.com/daisybum/cryptoTradingBot-sub001/order"
)

// 用户数据流事件类型。
const (
	EventExecutionReport  = "executionReport"
	EventAccountPosition  = "outboundAccountPosition"
	EventListenKeyExpired = "listenKeyExpired"
)

// BalanceUpdate 账户余额推送中的单个资产。
type BalanceUpdate struct {
	Asset string
	Free  float64
}

// UserDataMessage 解析后的用户数据流消息；Type 为空表示可忽略。
type UserDataMessage struct {
	Type       string
	OrderEvent *order.PushEvent
	Balances   []BalanceUpdate
}

// executionReport 现货订单回报的核心字段。
type executionReport struct {
	EventType     string `json:"e"`
	EventTime     int64  `json:"E"` // 显式声明，避免大小写回退误绑到 e
	Symbol        string `json:"s"`
	ClientID      string `json:"c"`
	OrigClientID  string `json:"C"` // 撤单回报里携带原始客户端 ID
	Side          string `json:"S"`
	OrderType     string `json:"o"`
	CreateTime    int64  `json:"O"` // 同上，防止误绑到 o
	ExecType      string `json:"x"`
	OrderStatus   string `json:"X"`
	ExchangeID    int64  `json:"i"`
	IgnoreI       int64  `json:"I"` // 占位，防止误绑到 i
	LastQty       string `json:"l"`
	LastPrice     string `json:"L"`
	CumQty        string `json:"z"`
	CumQuote      string `json:"Z"` // 占位，防止误绑到 z
	Commission    string `json:"n"`
	CommissionAst string `json:"N"`
	TransactTime  int64  `json:"T"`
	TradeID       int64  `json:"t"` // 占位，防止误绑到 T
	IsMaker       bool   `json:"m"`
	IgnoreM       bool   `json:"M"` // 占位，防止误绑到 m
}

type accountPosition struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"` // 显式声明，避免大小写回退误绑到 e
	Balances  []struct {
		Asset string `json:"a"`
		Free  string `json:"f"`
	} `json:"B"`
}

// ParseUserData 解析一条用户数据流消息。
// 未知事件类型返回空 Type，由调用方忽略。
func ParseUserData(raw []byte) (UserDataMessage, error) {
	var head struct {
		EventType string `json:"e"`
		EventTime int64  `json:"E"` // 显式声明，避免大小写回退误绑到 e
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return UserDataMessage{}, err
	}

	switch head.EventType {
	case EventExecutionReport:
		var er executionReport
		if err := json.Unmarshal(raw, &er); err != nil {
			return UserDataMessage{}, err
		}
		return UserDataMessage{Type: EventExecutionReport, OrderEvent: er.toPushEvent()}, nil

	case EventAccountPosition:
		var ap accountPosition
		if err := json.Unmarshal(raw, &ap); err != nil {
			return UserDataMessage{}, err
		}
		msg := UserDataMessage{Type: EventAccountPosition}
		for _, b := range ap.Balances {
			msg.Balances = append(msg.Balances, BalanceUpdate{Asset: b.Asset, Free: parseF(b.Free)})
		}
		return msg, nil

	case EventListenKeyExpired:
		return UserDataMessage{Type: EventListenKeyExpired}, nil
	}
	return UserDataMessage{}, nil
}

func (er *executionReport) toPushEvent() *order.PushEvent {
	clientID := er.ClientID
	if er.OrigClientID != "" && er.OrigClientID != "null" {
		clientID = er.OrigClientID
	}
	cum := parseF(er.CumQty)
	ev := &order.PushEvent{
		OrderID:         clientID,
		ExchangeOrderID: formatInt(er.ExchangeID),
		VenueStatus:     er.OrderStatus,
		CumFilled:       &cum,
	}
	if er.ExecType == "TRADE" {
		lastQty := parseF(er.LastQty)
		if lastQty > 0 {
			ev.Fills = append(ev.Fills, order.Fill{
				Price:     parseF(er.LastPrice),
				Quantity:  lastQty,
				Timestamp: time.UnixMilli(er.TransactTime),
				Fee:       parseF(er.Commission),
				FeeAsset:  er.CommissionAst,
				IsMaker:   er.IsMaker,
			})
		}
	}
	return ev
}
