package exchange

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"multi-strategy-bot-go/internal/models"
)

// BinanceExchange 通过币安公开行情接口实现 Exchange。
// 行情接口无需鉴权; 合约走 fapi, 现货走 api/v3。
type BinanceExchange struct {
	baseURL    string
	marketType string
	httpClient *http.Client
}

// NewBinanceExchange 创建一个新的币安行情适配器
func NewBinanceExchange(baseURL, marketType string) *BinanceExchange {
	if marketType != "spot" {
		marketType = "futures"
	}
	return &BinanceExchange{
		baseURL:    baseURL,
		marketType: marketType,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (e *BinanceExchange) SourceName() string { return "binance" }

// toNative 将 BTC/USDT 转换为币安原生的 BTCUSDT
func toNative(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "/", ""))
}

func (e *BinanceExchange) endpoint(path string) string {
	if e.marketType == "spot" {
		return "/api/v3" + path
	}
	return "/fapi/v1" + path
}

// doRequest 是一个通用的GET请求封装
func (e *BinanceExchange) doRequest(path string, params url.Values) ([]byte, error) {
	fullURL := fmt.Sprintf("%s%s", e.baseURL, path)
	if len(params) > 0 {
		fullURL = fmt.Sprintf("%s?%s", fullURL, params.Encode())
	}

	resp, err := e.httpClient.Get(fullURL)
	if err != nil {
		return nil, fmt.Errorf("执行请求失败: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应体失败: %v", err)
	}

	var apiErr models.Error
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Code != 0 {
		return body, &apiErr
	}
	if resp.StatusCode != http.StatusOK {
		return body, fmt.Errorf("API请求失败, 状态码: %d, 响应: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// FetchPrice 获取指定交易对的最新成交价
func (e *BinanceExchange) FetchPrice(symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", toNative(symbol))
	data, err := e.doRequest(e.endpoint("/ticker/price"), params)
	if err != nil {
		return 0, err
	}

	var ticker struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(data, &ticker); err != nil {
		return 0, fmt.Errorf("解析价格响应失败: %v", err)
	}
	return strconv.ParseFloat(ticker.Price, 64)
}

// FetchTicker 获取最新行情快照
func (e *BinanceExchange) FetchTicker(symbol string) (*models.Ticker, error) {
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

// FetchOHLCV 获取K线数据, 返回按时间升序的 limit 根
func (e *BinanceExchange) FetchOHLCV(symbol, timeframe string, limit int) ([]models.Candle, error) {
	if limit < 1 {
		limit = 100
	}
	if limit > 1500 {
		limit = 1500
	}
	params := url.Values{}
	params.Set("symbol", toNative(symbol))
	params.Set("interval", timeframe)
	params.Set("limit", strconv.Itoa(limit))

	data, err := e.doRequest(e.endpoint("/klines"), params)
	if err != nil {
		return nil, err
	}

	// 币安以混合类型数组返回K线
	var raw [][]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("解析K线响应失败: %v", err)
	}

	candles := make([]models.Candle, 0, len(raw))
	for _, k := range raw {
		if len(k) < 6 {
			continue
		}
		ts, ok := k[0].(float64)
		if !ok {
			continue
		}
		c := models.Candle{Timestamp: int64(ts)}
		fields := []*float64{&c.Open, &c.High, &c.Low, &c.Close, &c.Volume}
		bad := false
		for i, dst := range fields {
			s, ok := k[i+1].(string)
			if !ok {
				bad = true
				break
			}
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				bad = true
				break
			}
			*dst = v
		}
		if !bad {
			candles = append(candles, c)
		}
	}
	return candles, nil
}

// FetchSymbols 获取交易所支持的所有 USDT 交易对
func (e *BinanceExchange) FetchSymbols() ([]string, error) {
	data, err := e.doRequest(e.endpoint("/exchangeInfo"), nil)
	if err != nil {
		return nil, err
	}

	var info struct {
		Symbols []struct {
			Symbol     string `json:"symbol"`
			BaseAsset  string `json:"baseAsset"`
			QuoteAsset string `json:"quoteAsset"`
			Status     string `json:"status"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("解析交易对列表失败: %v", err)
	}

	symbols := make([]string, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.QuoteAsset != "USDT" {
			continue
		}
		if s.Status != "TRADING" {
			continue
		}
		symbols = append(symbols, s.BaseAsset+"/USDT")
	}
	return symbols, nil
}

// Close 实现 Exchange 接口, HTTP 客户端无需显式释放
func (e *BinanceExchange) Close() error { return nil }
