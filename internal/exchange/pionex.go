package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"multi-strategy-bot-go/internal/logger"
	"multi-strategy-bot-go/internal/models"
)

// pionexTimeframes 把内部周期映射到 Pionex 的 interval 参数
var pionexTimeframes = map[string]string{
	"1m": "1M", "3m": "3M", "5m": "5M", "15m": "15M",
	"30m": "30M", "1h": "60M", "4h": "4H", "8h": "8H",
	"12h": "12H", "1d": "1D", "7d": "7D", "1w": "7D",
	"1M": "30D",
}

// PionexExchange 是 Pionex 官方 REST API 的行情适配器。
// 公开行情无需签名; 配置了 Key 时所有请求都会附带签名头。
type PionexExchange struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	pionexType string // "SPOT" 或 "PERP"
	httpClient *http.Client
}

// NewPionexExchange 创建一个新的 Pionex 适配器
func NewPionexExchange(baseURL, apiKey, apiSecret, marketType string) *PionexExchange {
	pType := "SPOT"
	if marketType == "futures" {
		pType = "PERP"
	}
	return &PionexExchange{
		baseURL:    baseURL,
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		pionexType: pType,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (e *PionexExchange) SourceName() string { return "pionex" }

// symbolToPionex 将 BTC/USDT 转换为 BTC_USDT
func symbolToPionex(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "/", "_"))
}

// symbolFromPionex 将 BTC_USDT 转换为 BTC/USDT
func symbolFromPionex(symbol string) string {
	return strings.ReplaceAll(symbol, "_", "/")
}

// mapTimeframe 把内部周期映射到 Pionex interval, 未知周期回退到 15M
func mapTimeframe(tf string) string {
	if v, ok := pionexTimeframes[tf]; ok {
		return v
	}
	return "15M"
}

// encodeSorted 按参数名的 ASCII 顺序编码查询串。
// 签名原串与最终 URL 必须使用同一顺序。
func encodeSorted(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(params[k]))
	}
	return b.String()
}

// sign 实现 Pionex 的签名算法:
// Signature = HMAC-SHA256(API_SECRET, METHOD + PATH + "?" + SORTED_QUERY + BODY)
// POST/DELETE 时 BODY 为紧凑格式的 JSON。
func (e *PionexExchange) sign(method, endpoint, query string, body []byte) string {
	toSign := method + endpoint + "?" + query
	if (method == "POST" || method == "DELETE") && len(body) > 0 {
		toSign += string(body)
	}
	h := hmac.New(sha256.New, []byte(e.apiSecret))
	h.Write([]byte(toSign))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// doRequest 统一请求封装, 自动注入毫秒时间戳并处理签名
func (e *PionexExchange) doRequest(method, endpoint string, params map[string]string, body []byte) ([]byte, error) {
	if params == nil {
		params = map[string]string{}
	}
	params["timestamp"] = strconv.FormatInt(time.Now().UnixMilli(), 10)

	query := encodeSorted(params)
	fullURL := fmt.Sprintf("%s%s?%s", e.baseURL, endpoint, query)

	var reader io.Reader
	if len(body) > 0 {
		reader = strings.NewReader(string(body))
	}
	req, err := http.NewRequest(method, fullURL, reader)
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" && e.apiSecret != "" {
		req.Header.Set("PIONEX-KEY", e.apiKey)
		req.Header.Set("PIONEX-SIGNATURE", e.sign(method, endpoint, query, body))
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("执行请求失败: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应体失败: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return respBody, fmt.Errorf("API请求失败, 状态码: %d, 响应: %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

// pionexResponse 是 Pionex 的统一响应外壳
type pionexResponse struct {
	Result bool            `json:"result"`
	Data   json.RawMessage `json:"data"`
}

func (e *PionexExchange) get(endpoint string, params map[string]string, out interface{}) error {
	body, err := e.doRequest("GET", endpoint, params, nil)
	if err != nil {
		return err
	}
	var resp pionexResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("解析响应失败: %v", err)
	}
	if !resp.Result || resp.Data == nil {
		logger.S().Warnf("Pionex 接口返回异常 (%s): %s", endpoint, string(body))
		return fmt.Errorf("接口返回异常: %s", endpoint)
	}
	return json.Unmarshal(resp.Data, out)
}

type pionexTicker struct {
	Symbol string `json:"symbol"`
	Close  string `json:"close"`
}

func (e *PionexExchange) fetchTickers() ([]pionexTicker, error) {
	var data struct {
		Tickers []pionexTicker `json:"tickers"`
	}
	params := map[string]string{"type": e.pionexType}
	if err := e.get("/api/v1/market/tickers", params, &data); err != nil {
		return nil, err
	}
	return data.Tickers, nil
}

// FetchPrice 获取最新成交价。Pionex 没有单交易对接口, 从全量 tickers 中过滤。
func (e *PionexExchange) FetchPrice(symbol string) (float64, error) {
	tickers, err := e.fetchTickers()
	if err != nil {
		return 0, err
	}
	target := symbolToPionex(symbol)
	for _, t := range tickers {
		if t.Symbol == target {
			return strconv.ParseFloat(t.Close, 64)
		}
	}
	return 0, fmt.Errorf("交易对不存在: %s", symbol)
}

// FetchTicker 获取最新行情快照
func (e *PionexExchange) FetchTicker(symbol string) (*models.Ticker, error) {
	price, err := e.FetchPrice(symbol)
	if err != nil {
		return nil, err
	}
	return &models.Ticker{
		Symbol:    symbol,
		Last:      price,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// FetchOHLCV 获取K线数据。Pionex 要求 limit 在 1-500 之间, 超界会报错, 这里先钳制。
func (e *PionexExchange) FetchOHLCV(symbol, timeframe string, limit int) ([]models.Candle, error) {
	if limit > 500 {
		limit = 500
	}
	if limit < 1 {
		limit = 1
	}
	params := map[string]string{
		"symbol":   symbolToPionex(symbol),
		"interval": mapTimeframe(timeframe),
		"limit":    strconv.Itoa(limit),
		"type":     e.pionexType,
	}

	var data struct {
		Klines []struct {
			Time   int64  `json:"time"`
			Open   string `json:"open"`
			High   string `json:"high"`
			Low    string `json:"low"`
			Close  string `json:"close"`
			Volume string `json:"volume"`
		} `json:"klines"`
	}
	if err := e.get("/api/v1/market/klines", params, &data); err != nil {
		return nil, err
	}

	candles := make([]models.Candle, 0, len(data.Klines))
	for _, k := range data.Klines {
		c := models.Candle{Timestamp: k.Time}
		var err error
		if c.Open, err = strconv.ParseFloat(k.Open, 64); err != nil {
			continue
		}
		if c.High, err = strconv.ParseFloat(k.High, 64); err != nil {
			continue
		}
		if c.Low, err = strconv.ParseFloat(k.Low, 64); err != nil {
			continue
		}
		if c.Close, err = strconv.ParseFloat(k.Close, 64); err != nil {
			continue
		}
		c.Volume, _ = strconv.ParseFloat(k.Volume, 64)
		candles = append(candles, c)
	}
	// Pionex 返回的K线可能是倒序的, 统一成升序
	sort.Slice(candles, func(i, j int) bool { return candles[i].Timestamp < candles[j].Timestamp })
	return candles, nil
}

// FetchSymbols 获取支持的 USDT 交易对列表
func (e *PionexExchange) FetchSymbols() ([]string, error) {
	tickers, err := e.fetchTickers()
	if err != nil {
		return nil, err
	}
	symbols := make([]string, 0, len(tickers))
	for _, t := range tickers {
		if strings.HasSuffix(t.Symbol, "_USDT") {
			symbols = append(symbols, symbolFromPionex(t.Symbol))
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// Close 实现 Exchange 接口
func (e *PionexExchange) Close() error { return nil }
