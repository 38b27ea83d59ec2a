package marketdata

import (
	"fmt"
	"strconv"
	"time"

	"multi-strategy-bot-go/internal/exchange"
	"multi-strategy-bot-go/internal/models"
)

// 指标类数据的默认TTL。K线在周期内变化缓慢, 短TTL足够新鲜且大幅减少请求量。
const (
	OHLCVTTL  = 50 * time.Second
	FilterTTL = 55 * time.Second
)

// Provider 在交易所适配器之上提供带缓存的行情访问
type Provider struct {
	cache *Cache
}

// NewProvider 创建一个新的行情提供者
func NewProvider() *Provider {
	return &Provider{cache: NewCache()}
}

// NewProviderWithClock 创建一个用指定时钟判定缓存过期的行情提供者
func NewProviderWithClock(now func() time.Time) *Provider {
	return &Provider{cache: NewCacheWithClock(now)}
}

// Cache 暴露底层缓存, 供过滤器存放自己的派生结果
func (p *Provider) Cache() *Cache {
	return p.cache
}

// OHLCV 返回带缓存的K线, 缓存键包含来源、交易对、周期与数量
func (p *Provider) OHLCV(ex exchange.Exchange, symbol, timeframe string, limit int) ([]models.Candle, error) {
	key := Key("ohlcv", ex.SourceName(), symbol, timeframe, strconv.Itoa(limit))
	v, err := p.cache.GetOrFetch(key, OHLCVTTL, func() (interface{}, error) {
		return ex.FetchOHLCV(symbol, timeframe, limit)
	})
	if err != nil {
		return nil, err
	}
	candles, ok := v.([]models.Candle)
	if !ok {
		return nil, fmt.Errorf("缓存类型不匹配: %s", key)
	}
	return candles, nil
}

// Closes 返回K线的收盘价序列
func Closes(candles []models.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// Volumes 返回K线的成交量序列
func Volumes(candles []models.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Volume
	}
	return out
}

// HighsLowsCloses 返回K线的高低收三个序列
func HighsLowsCloses(candles []models.Candle) (highs, lows, closes []float64) {
	highs = make([]float64, len(candles))
	lows = make([]float64, len(candles))
	closes = make([]float64, len(candles))
	for i, c := range candles {
		highs[i], lows[i], closes[i] = c.High, c.Low, c.Close
	}
	return highs, lows, closes
}
