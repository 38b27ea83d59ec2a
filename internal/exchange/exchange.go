package exchange

import "multi-strategy-bot-go/internal/models"

// Exchange 定义了所有行情来源必须提供的通用方法。
// 机器人只读行情、自记账本, 因此这里没有下单接口;
// 同一个接口同时服务实盘适配器与回测模拟器。
type Exchange interface {
	// FetchPrice 返回最新成交价, 取不到时返回错误
	FetchPrice(symbol string) (float64, error)
	// FetchTicker 返回最新行情快照
	FetchTicker(symbol string) (*models.Ticker, error)
	// FetchOHLCV 返回最近 limit 根指定周期的K线, 按时间升序
	FetchOHLCV(symbol, timeframe string, limit int) ([]models.Candle, error)
	// FetchSymbols 返回该来源支持的 USDT 交易对列表
	FetchSymbols() ([]string, error)
	// SourceName 返回来源标识, e.g., "binance"
	SourceName() string
	// Close 释放底层连接
	Close() error
}
