package backtest

import (
	"fmt"

	"multi-strategy-bot-go/internal/models"
)

// SimExchange 把历史K线伪装成一个交易所适配器。
// 游标之前 (含游标) 的数据可见, 之后的一概拿不到, 杜绝未来函数。
type SimExchange struct {
	base      []models.Candle
	resampled map[string]*series
	idx       int
}

// NewSimExchange 基于基础周期K线构建模拟交易所, 大周期按需预先重采样
func NewSimExchange(base []models.Candle) *SimExchange {
	res := make(map[string]*series, len(bucketMillis))
	for tf := range bucketMillis {
		res[tf] = newSeries(Resample(base, tf))
	}
	return &SimExchange{base: base, resampled: res}
}

// SetIndex 把回放游标移动到第 i 根基础K线
func (s *SimExchange) SetIndex(i int) {
	s.idx = i
}

// FetchPrice 返回游标所在K线的收盘价
func (s *SimExchange) FetchPrice(symbol string) (float64, error) {
	if s.idx >= len(s.base) {
		return 0, fmt.Errorf("回放游标越界: %d", s.idx)
	}
	return s.base[s.idx].Close, nil
}

// FetchTicker 返回游标所在K线收盘价构成的行情快照
func (s *SimExchange) FetchTicker(symbol string) (*models.Ticker, error) {
	price, err := s.FetchPrice(symbol)
	if err != nil {
		return nil, err
	}
	return &models.Ticker{Symbol: symbol, Last: price, Timestamp: s.base[s.idx].Timestamp}, nil
}

// FetchOHLCV 返回截止到游标的最近 limit 根K线。
// 大周期走重采样序列的二分切片, 其余周期一律按基础周期处理。
func (s *SimExchange) FetchOHLCV(symbol, timeframe string, limit int) ([]models.Candle, error) {
	if s.idx >= len(s.base) {
		return nil, fmt.Errorf("回放游标越界: %d", s.idx)
	}
	now := s.base[s.idx].Timestamp

	if sr, ok := s.resampled[timeframe]; ok {
		end := sr.upTo(now)
		lo := end - limit
		if lo < 0 {
			lo = 0
		}
		return sr.candles[lo:end], nil
	}

	end := s.idx + 1
	lo := end - limit
	if lo < 0 {
		lo = 0
	}
	return s.base[lo:end], nil
}

// FetchSymbols 模拟交易所只认识回放数据本身的交易对
func (s *SimExchange) FetchSymbols() ([]string, error) {
	return nil, nil
}

// SourceName 返回来源标识
func (s *SimExchange) SourceName() string { return "backtest" }

// Close 无资源可释放
func (s *SimExchange) Close() error { return nil }
