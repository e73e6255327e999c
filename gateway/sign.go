package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strconv"
	"time"
)

// timeNowMillis 可在测试里替换以获得确定性的签名时间戳。
var timeNowMillis = func() int64 { return time.Now().UnixMilli() }

// SignParams 按键名排序编码参数并计算 HMAC-SHA256 签名。
// 返回 (query, signature)，signature 未做 URL 转义。
func SignParams(params map[string]string, secret string) (string, string) {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	values := url.Values{}
	for _, k := range keys {
		values.Set(k, params[k])
	}
	query := values.Encode()

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(query))
	return query, hex.EncodeToString(mac.Sum(nil))
}

// signedQuery 注入 timestamp/recvWindow 后签名，返回完整查询串。
func signedQuery(params map[string]string, secret string, recvWindow int64) string {
	params["timestamp"] = strconv.FormatInt(timeNowMillis(), 10)
	if recvWindow > 0 {
		params["recvWindow"] = strconv.FormatInt(recvWindow, 10)
	}
	query, sig := SignParams(params, secret)
	return query + "&signature=" + url.QueryEscape(sig)
}
