package engine

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"multi-strategy-bot-go/internal/exchange"
	"multi-strategy-bot-go/internal/marketdata"
	"multi-strategy-bot-go/internal/models"
	"multi-strategy-bot-go/internal/persistence"
	"multi-strategy-bot-go/internal/registry"
)

// ---- 内存版仓库与交易所桩 ----

type memBotRepo struct {
	mu    sync.Mutex
	bots  map[string]*models.Bot
	saves int
}

func newMemBotRepo() *memBotRepo {
	return &memBotRepo{bots: make(map[string]*models.Bot)}
}

func copyBot(b *models.Bot) *models.Bot {
	data, _ := json.Marshal(b)
	var out models.Bot
	json.Unmarshal(data, &out)
	return &out
}

func (r *memBotRepo) SaveBot(bot *models.Bot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bots[bot.ID] = copyBot(bot)
	r.saves++
	return nil
}

func (r *memBotRepo) LoadBot(id string) (*models.Bot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bots[id]
	if !ok {
		return nil, nil
	}
	return copyBot(b), nil
}

func (r *memBotRepo) ListBots() ([]*models.Bot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Bot
	for _, b := range r.bots {
		out = append(out, copyBot(b))
	}
	return out, nil
}

func (r *memBotRepo) DeleteBot(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bots, id)
	return nil
}

func (r *memBotRepo) Close() error { return nil }

type memLogRepo struct {
	mu   sync.Mutex
	logs []models.TradeLog
}

func (r *memLogRepo) AddLog(log *models.TradeLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, *log)
	return nil
}

func (r *memLogRepo) Logs(botID string, limit int) ([]models.TradeLog, error) {
	all, _ := r.AllLogs(botID)
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (r *memLogRepo) AllLogs(botID string) ([]models.TradeLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.TradeLog
	for _, l := range r.logs {
		if l.BotID == botID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (r *memLogRepo) Rounds(botID string) ([]models.Round, error) {
	logs, _ := r.AllLogs(botID)
	return persistence.DeriveRounds(logs), nil
}

func (r *memLogRepo) TotalProfit(botID string) (float64, error) {
	logs, _ := r.AllLogs(botID)
	sum := 0.0
	for _, l := range logs {
		sum += l.Profit
	}
	return sum, nil
}

func (r *memLogRepo) TotalFees(botID string) (float64, error) {
	logs, _ := r.AllLogs(botID)
	sum := 0.0
	for _, l := range logs {
		sum += l.Fee
	}
	return sum, nil
}

func (r *memLogRepo) DeleteLogs(botID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var kept []models.TradeLog
	for _, l := range r.logs {
		if l.BotID != botID {
			kept = append(kept, l)
		}
	}
	r.logs = kept
	return nil
}

func (r *memLogRepo) Close() error { return nil }

type stubExchange struct {
	price   float64
	candles map[string][]models.Candle
}

func (s *stubExchange) FetchPrice(symbol string) (float64, error) {
	if s.price <= 0 {
		return 0, fmt.Errorf("无行情")
	}
	return s.price, nil
}
func (s *stubExchange) FetchTicker(symbol string) (*models.Ticker, error) {
	return &models.Ticker{Last: s.price}, nil
}
func (s *stubExchange) FetchOHLCV(symbol, tf string, limit int) ([]models.Candle, error) {
	bars, ok := s.candles[tf]
	if !ok {
		return nil, fmt.Errorf("无K线: %s", tf)
	}
	return bars, nil
}
func (s *stubExchange) FetchSymbols() ([]string, error) { return nil, nil }
func (s *stubExchange) SourceName() string              { return "stub" }
func (s *stubExchange) Close() error                    { return nil }

// ---- 测试装配 ----

type fixture struct {
	engine *Engine
	bots   *memBotRepo
	logs   *memLogRepo
	reg    *registry.Registry
	ex     *stubExchange
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ex := &stubExchange{price: 100, candles: make(map[string][]models.Candle)}
	reg := registry.New(func(source, marketType string) (exchange.Exchange, error) {
		return ex, nil
	})
	bots := newMemBotRepo()
	logs := &memLogRepo{}
	cfg := &models.EngineConfig{
		TickIntervalSec:    1,
		IdleIntervalSec:    2,
		PipelineTimeoutSec: 8,
		BinanceWSURL:       "wss://example.invalid",
	}
	eng := New(cfg, bots, logs, reg, marketdata.NewProvider())
	return &fixture{engine: eng, bots: bots, logs: logs, reg: reg, ex: ex}
}

func trendBot(id string) *models.Bot {
	bot := &models.Bot{
		ID:        id,
		Name:      "测试趋势",
		Owner:     "u1",
		Strategy:  models.StrategyTrendDCA,
		IsRunning: true,
		Status:    models.StatusRunning,
		CreatedAt: time.Now(),
		Config: models.BotConfig{
			Exchange:     "binance",
			MarketType:   "futures",
			Symbol:       "BTC/USDT",
			Direction:    models.DirectionLong,
			Leverage:     1,
			Capital:      1000,
			FeeRate:      0.001,
			QtyPrecision: 0.001,
			TrendDCA: &models.TrendDCAConfig{
				MaxSafetyOrders: 4,
				StepPct:         2,
				StepScale:       1,
				VolScale:        1,
			},
		},
		State: models.BotState{Balance: 1000},
	}
	return bot
}

func TestProcessBotExecutesBaseBuy(t *testing.T) {
	f := newFixture(t)
	bot := trendBot("a1")
	require.NoError(t, f.bots.SaveBot(bot))

	f.engine.ProcessBot(copyBot(bot))

	saved, err := f.bots.LoadBot("a1")
	require.NoError(t, err)
	// 首单预算 1000/4 = 250, 数量 250/100 = 2.5
	assert.InDelta(t, 2.5, saved.State.PositionAmt, 1e-9)
	assert.InDelta(t, 100, saved.State.AvgEntryPrice, 1e-9)
	assert.Less(t, saved.State.Balance, 1000.0)

	logs, _ := f.logs.AllLogs("a1")
	require.Len(t, logs, 1)
	assert.InDelta(t, 2.5, logs[0].Amount, 1e-9)
}

func TestProcessBotStoppedBotOnlyUpdatesPreview(t *testing.T) {
	f := newFixture(t)
	bot := trendBot("a1")
	bot.IsRunning = false
	require.NoError(t, f.bots.SaveBot(bot))
	savesBefore := f.bots.saves

	f.engine.ProcessBot(copyBot(bot))

	// 梯子预览照常刷新, 但不会产生任何交易或落库
	scratch := f.reg.BotScratch("a1")
	assert.NotEmpty(t, scratch.Ladder)
	assert.Equal(t, 100.0, scratch.MarketPrice)

	saved, _ := f.bots.LoadBot("a1")
	assert.True(t, saved.State.IsFlat())
	assert.Equal(t, savesBefore, f.bots.saves)
	logs, _ := f.logs.AllLogs("a1")
	assert.Empty(t, logs)
}

func TestProcessBotAbortsWhenStoppedExternally(t *testing.T) {
	f := newFixture(t)
	bot := trendBot("a1")
	require.NoError(t, f.bots.SaveBot(bot))

	// 快照显示运行中, 但库里已被外部停止
	stopped, _ := f.bots.LoadBot("a1")
	stopped.IsRunning = false
	require.NoError(t, f.bots.SaveBot(stopped))

	f.engine.ProcessBot(copyBot(bot))

	saved, _ := f.bots.LoadBot("a1")
	assert.True(t, saved.State.IsFlat())
	logs, _ := f.logs.AllLogs("a1")
	assert.Empty(t, logs)
}

func TestProcessBotMissingPriceSkipsTick(t *testing.T) {
	f := newFixture(t)
	f.ex.price = 0
	bot := trendBot("a1")
	require.NoError(t, f.bots.SaveBot(bot))

	f.engine.ProcessBot(copyBot(bot))

	saved, _ := f.bots.LoadBot("a1")
	assert.True(t, saved.State.IsFlat())
}

func TestProcessBotRSIFilterBlocksBaseBuy(t *testing.T) {
	f := newFixture(t)
	bot := trendBot("a1")
	bot.Config.Filters = models.FilterConfig{
		UseRSI:        true,
		RSITimeframes: []string{"1h"},
		RSIPeriod:     14,
		RSIOversold:   30,
		RSIOverbought: 70,
	}
	require.NoError(t, f.bots.SaveBot(bot))

	// 一路上涨, RSI 接近 100, 做多首单被拦截
	bars := make([]models.Candle, 50)
	for i := range bars {
		c := 1000.0 + float64(i)
		bars[i] = models.Candle{Timestamp: int64(i), Open: c, High: c + 1, Low: c - 1, Close: c, Volume: 10}
	}
	f.ex.candles["1h"] = bars

	f.engine.ProcessBot(copyBot(bot))

	saved, _ := f.bots.LoadBot("a1")
	assert.True(t, saved.State.IsFlat())
	assert.Contains(t, saved.Status, "RSI 等待")
	logs, _ := f.logs.AllLogs("a1")
	assert.Empty(t, logs)
}

func periodicBot(id string) *models.Bot {
	return &models.Bot{
		ID:        id,
		Name:      "测试定投",
		Owner:     "u1",
		Strategy:  models.StrategyPeriodic,
		IsRunning: true,
		Status:    models.StatusRunning,
		CreatedAt: time.Now(),
		Config: models.BotConfig{
			Exchange:     "binance",
			MarketType:   "futures",
			Symbol:       "BTC/USDT",
			Direction:    models.DirectionLong,
			Leverage:     1,
			Capital:      1000,
			FeeRate:      0.001,
			QtyPrecision: 0.001,
			Periodic:     &models.PeriodicConfig{IntervalMinutes: 60, InvestAmount: 50},
		},
		State: models.BotState{Balance: 1000},
	}
}

func TestProcessBotAdvancedFilterGatesEveryFreshEntry(t *testing.T) {
	// 进阶过滤对所有策略的空仓首单生效, 定投也不例外
	f := newFixture(t)
	bot := periodicBot("p1")
	bot.Config.Filters = models.FilterConfig{UseAdvanced: true, CheckMA: true}
	require.NoError(t, f.bots.SaveBot(bot))

	// 没有 15m 数据, MA 检查必须拦截而不是放行
	f.engine.ProcessBot(copyBot(bot))

	saved, _ := f.bots.LoadBot("p1")
	assert.True(t, saved.State.IsFlat())
	assert.Contains(t, saved.Status, "过滤器等待")
	logs, _ := f.logs.AllLogs("p1")
	assert.Empty(t, logs)

	// 补上顺势的 15m 数据后同一机器人放行开单。
	// 被拦截的那次分析已经推进了定投时钟, 拨回去再试
	saved.State.LastInvestTime = time.Time{}
	require.NoError(t, f.bots.SaveBot(saved))
	bars := make([]models.Candle, 60)
	for i := range bars {
		bars[i] = models.Candle{Timestamp: int64(i), Open: 90, High: 91, Low: 89, Close: 90, Volume: 10}
	}
	f.ex.candles["15m"] = bars

	f.engine.ProcessBot(copyBot(saved))

	saved, _ = f.bots.LoadBot("p1")
	assert.InDelta(t, 0.5, saved.State.PositionAmt, 1e-9)
	logs, _ = f.logs.AllLogs("p1")
	require.Len(t, logs, 1)
}

func TestProcessBotReplacesStartingStatus(t *testing.T) {
	f := newFixture(t)
	bot := trendBot("a1")
	bot.Config.CooldownSec = 3600
	bot.State.LastCloseTime = time.Now() // 冷却中, 不会开单
	bot.Status = models.StatusStarting
	require.NoError(t, f.bots.SaveBot(bot))

	f.engine.ProcessBot(copyBot(bot))

	saved, _ := f.bots.LoadBot("a1")
	assert.NotContains(t, saved.Status, models.StatusStarting)
	assert.NotEmpty(t, saved.Status)
}

func TestProcessBotStatusWriteThrottle(t *testing.T) {
	f := newFixture(t)
	bot := trendBot("a1")
	bot.Config.CooldownSec = 3600
	bot.State.LastCloseTime = time.Now()
	require.NoError(t, f.bots.SaveBot(bot))

	// 刚写过库, 纯状态变化被节流
	scratch := f.reg.BotScratch("a1")
	scratch.LastDBWrite = time.Now()
	savesBefore := f.bots.saves

	f.engine.ProcessBot(copyBot(bot))
	assert.Equal(t, savesBefore, f.bots.saves)

	// 距上次写库超过阈值后放行
	scratch.LastDBWrite = time.Now().Add(-10 * time.Second)
	f.engine.ProcessBot(copyBot(bot))
	assert.Greater(t, f.bots.saves, savesBefore)
	saved, _ := f.bots.LoadBot("a1")
	assert.Contains(t, saved.Status, "冷却中")
}

func TestWireToSymbol(t *testing.T) {
	assert.Equal(t, "BTC/USDT", wireToSymbol("BTCUSDT"))
	assert.Equal(t, "1000PEPE/USDT", wireToSymbol("1000PEPEUSDT"))
	assert.Equal(t, "OTHER", wireToSymbol("OTHER"))
}

func TestStreamURL(t *testing.T) {
	m := NewStreamManager("wss://fstream.binance.com", nil)
	url := m.streamURL([]string{"BTC/USDT", "ETH/USDT"})
	assert.Equal(t, "wss://fstream.binance.com/stream?streams=btcusdt@aggTrade/ethusdt@aggTrade", url)
}

func TestUpdateSymbolsDeduplicates(t *testing.T) {
	m := NewStreamManager("wss://fstream.binance.com", nil)
	m.UpdateSymbols(map[string]struct{}{"BTC/USDT": {}, "ETH/USDT": {}})
	first := m.currentSymbols()
	assert.Equal(t, []string{"BTC/USDT", "ETH/USDT"}, first)

	// 同一集合不触发变化
	m.UpdateSymbols(map[string]struct{}{"ETH/USDT": {}, "BTC/USDT": {}})
	assert.Equal(t, first, m.currentSymbols())

	m.UpdateSymbols(nil)
	assert.Empty(t, m.currentSymbols())
}
