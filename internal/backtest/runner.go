package backtest

import (
	"fmt"
	"time"

	"multi-strategy-bot-go/internal/filter"
	"multi-strategy-bot-go/internal/ledger"
	"multi-strategy-bot-go/internal/logger"
	"multi-strategy-bot-go/internal/marketdata"
	"multi-strategy-bot-go/internal/models"
	"multi-strategy-bot-go/internal/persistence"
	"multi-strategy-bot-go/internal/strategy"
)

const (
	// 低于 5 U 名义价值的单子交易所不收, 回测同样跳过
	minNotional = 5.0
	// 策略看到的基础周期K线回看窗口
	strategyLookback = 100
	// 缺口扫描的节流: 每 3 根K线扫一次
	gapScanStride = 3
)

// Result 是一次回测的汇总指标
type Result struct {
	Symbol         string
	Strategy       models.StrategyType
	Bars           int
	StartTime      time.Time
	EndTime        time.Time
	InitialBalance float64
	EndingCash     float64
	PositionValue  float64 // 期末未平仓位按最后收盘价的市值 (保证金+浮盈亏)
	FinalEquity    float64
	NetProfit      float64
	TotalFees      float64
	TotalTrades    int
	Wins           int
	Losses         int
	WinRate        float64
	MaxDrawdown    float64 // 权益曲线的最大回撤 (%)
	Rounds         []models.Round
}

// Run 在上传的基础周期K线上重放机器人的完整决策管线。
// bot 的交易状态会被清零重建, 旧流水会被删除; 调用方负责落库。
func Run(bot *models.Bot, candles []models.Candle, logs persistence.TradeLogRepository) (*Result, error) {
	if len(candles) <= 100 {
		return nil, fmt.Errorf("回测数据太少 (%d 根), 至少需要 100 根", len(candles))
	}

	// 清掉僵尸状态, 从纯净账本开始
	bot.State = models.BotState{
		Version:      bot.State.Version,
		Balance:      bot.Config.Capital,
		LastLevelIdx: -1,
	}
	if err := logs.DeleteLogs(bot.ID); err != nil {
		return nil, fmt.Errorf("清理历史流水失败: %w", err)
	}

	ex := NewSimExchange(candles)

	// 过滤器的缓存用模拟时钟判定过期, K线每推进一根缓存即失效
	var simNow time.Time
	provider := marketdata.NewProviderWithClock(func() time.Time { return simNow })
	filt := filter.New(provider)

	strat, err := strategy.New(bot.Strategy)
	if err != nil {
		return nil, err
	}

	warmup := 100
	if len(candles) > 2000 {
		warmup = 2000
	}

	useGaps := bot.Strategy == models.StrategyTrendDCA &&
		bot.Config.TrendDCA != nil && bot.Config.TrendDCA.UseGapTrigger
	var lastGaps []models.GapZone

	logger.S().Infof("回测开始: %s %s, %d 根K线, 预热 %d 根",
		bot.Config.Symbol, bot.Strategy, len(candles), warmup)

	peakEquity := bot.Config.Capital
	maxDrawdown := 0.0
	totalFees := 0.0

	for i := warmup; i < len(candles); i++ {
		bar := candles[i]
		price := bar.Close
		simNow = time.UnixMilli(bar.Timestamp)
		ex.SetIndex(i)

		ctx := &strategy.Context{Price: price, Now: simNow}

		switch bot.Strategy {
		case models.StrategyBoxBreakout:
			lo := i + 1 - strategyLookback
			if lo < 0 {
				lo = 0
			}
			window := candles[lo : i+1]
			ctx.OHLCV5m = window
			ctx.OHLCV15m = window
		case models.StrategyTrendDCA:
			if useGaps {
				if i%gapScanStride == 0 {
					lastGaps = scanGaps(ex, bot.Config.Direction)
				}
				ctx.GapZones = lastGaps
			}
		}

		intent := strat.Analyze(bot, ctx)
		if intent == nil || intent.Action == models.ActionNone {
			continue
		}

		if intent.Action == models.ActionBuy && bot.State.IsFlat() {
			if blocked, _ := filt.ShouldBlockEntry(ex, bot, price); blocked {
				continue
			}
		}

		if intent.Action == models.ActionBuy {
			lev := float64(bot.Config.Leverage)
			amt := ledger.FloorToPrecision(intent.Cost*lev/price, bot.Config.QtyPrecision)
			if amt <= 0 || amt*price < minNotional {
				continue
			}
		}

		res := ledger.Apply(bot, intent, price, simNow)
		for j := range res.Logs {
			res.Logs[j].BotID = bot.ID
			if err := logs.AddLog(&res.Logs[j]); err != nil {
				return nil, fmt.Errorf("写回测流水失败: %w", err)
			}
			totalFees += res.Logs[j].Fee
		}

		eq := equity(bot, price)
		if eq > peakEquity {
			peakEquity = eq
		} else if peakEquity > 0 {
			dd := (peakEquity - eq) / peakEquity * 100
			if dd > maxDrawdown {
				maxDrawdown = dd
			}
		}
	}

	bot.Status = "✅ 回测完成"
	return buildResult(bot, candles, warmup, totalFees, maxDrawdown, logs)
}

// scanGaps 在 1h 与 4h 两个周期上扫描未回补的缺口区
func scanGaps(ex *SimExchange, dir models.Direction) []models.GapZone {
	var out []models.GapZone
	for _, tf := range []string{"1h", "4h"} {
		bars, err := ex.FetchOHLCV("", tf, 100)
		if err != nil {
			continue
		}
		out = append(out, strategy.FindGapZones(bars, dir, tf, 3)...)
	}
	return out
}

// equity 返回当前权益: 可用余额 + 占用保证金 + 浮动盈亏
func equity(bot *models.Bot, price float64) float64 {
	st := &bot.State
	if st.IsFlat() {
		return st.Balance
	}
	var pnl float64
	if bot.IsLong() {
		pnl = (price - st.AvgEntryPrice) * st.PositionAmt
	} else {
		pnl = (st.AvgEntryPrice - price) * st.PositionAmt
	}
	return st.Balance + st.TotalCost + pnl
}

func buildResult(bot *models.Bot, candles []models.Candle, warmup int,
	totalFees, maxDrawdown float64, logs persistence.TradeLogRepository) (*Result, error) {
	rounds, err := logs.Rounds(bot.ID)
	if err != nil {
		return nil, err
	}
	trades, err := logs.AllLogs(bot.ID)
	if err != nil {
		return nil, err
	}

	// 追踪激活行不算成交
	fills := 0
	for _, tr := range trades {
		if tr.Action != "trailing" {
			fills++
		}
	}

	lastPrice := candles[len(candles)-1].Close
	res := &Result{
		Symbol:         bot.Config.Symbol,
		Strategy:       bot.Strategy,
		Bars:           len(candles) - warmup,
		StartTime:      time.UnixMilli(candles[warmup].Timestamp),
		EndTime:        time.UnixMilli(candles[len(candles)-1].Timestamp),
		InitialBalance: bot.Config.Capital,
		EndingCash:     bot.State.Balance,
		PositionValue:  equity(bot, lastPrice) - bot.State.Balance,
		TotalFees:      totalFees,
		TotalTrades:    fills,
		MaxDrawdown:    maxDrawdown,
		Rounds:         rounds,
	}
	res.FinalEquity = res.EndingCash + res.PositionValue
	res.NetProfit = res.FinalEquity - res.InitialBalance

	closed := 0
	for _, r := range rounds {
		switch r.Result {
		case models.RoundWin:
			res.Wins++
			closed++
		case models.RoundLoss:
			res.Losses++
			closed++
		case models.RoundBreakEven:
			closed++
		}
	}
	if closed > 0 {
		res.WinRate = float64(res.Wins) / float64(closed) * 100
	}

	logger.S().Infof("回测结束: 净利润 %.2f, 胜率 %.1f%%, 最大回撤 %.2f%%",
		res.NetProfit, res.WinRate, res.MaxDrawdown)
	return res, nil
}
