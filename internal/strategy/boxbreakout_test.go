package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"multi-strategy-bot-go/internal/models"
)

func newBoxBot(direction models.Direction) *models.Bot {
	return &models.Bot{
		ID:       "box-test",
		Strategy: models.StrategyBoxBreakout,
		Config: models.BotConfig{
			Direction: direction,
			Leverage:  10,
			Capital:   500,
			FeeRate:   0.0005,
			BoxBreakout: &models.BoxBreakoutConfig{
				RetestTolerancePct: 0.2,
				BETriggerPct:       30,
				TrailGapPct:        1.0,
			},
		},
		State: models.BotState{Balance: 500},
	}
}

// flatCandles 生成 n 根横盘K线
func flatCandles(n int, base float64) []models.Candle {
	out := make([]models.Candle, n)
	for i := 0; i < n; i++ {
		out[i] = models.Candle{
			Timestamp: int64(i) * 60000,
			Open:      base, High: base + 1, Low: base - 1, Close: base,
		}
	}
	return out
}

func TestDetectBox_TopPivot(t *testing.T) {
	// 中间K线高点高于两侧 (最后一根未完结, 不参与)
	candles := []models.Candle{
		{Timestamp: 1, Open: 100, High: 101, Low: 99, Close: 100.5},
		{Timestamp: 2, Open: 100.5, High: 103, Low: 100, Close: 102},
		{Timestamp: 3, Open: 102, High: 102.5, Low: 100.5, Close: 101},
		{Timestamp: 4, Open: 101, High: 102, Low: 100, Close: 101.5},
		{Timestamp: 5, Open: 101.5, High: 102, Low: 101, Close: 101.8},
	}
	box := DetectBox(candles)
	require.NotNil(t, box)
	// 枢轴为第2根 (ID=2), 箱体取第2根与第3根实体的包络
	assert.Equal(t, int64(2), box.ID)
	assert.Equal(t, 102.0, box.Top)
	assert.Equal(t, 101.0, box.Bottom)
}

func TestDetectBox_InsufficientData(t *testing.T) {
	assert.Nil(t, DetectBox(flatCandles(4, 100)))
}

func TestBoxBreakout_IdleToBreakout(t *testing.T) {
	bot := newBoxBot(models.DirectionBoth)
	bot.State.Stage = StageIdle
	bot.State.Box15m = &models.Box{Top: 104, Bottom: 102, ID: 42}
	s := &BoxBreakout{}

	// 倒数第二根 (最后一根已完结的) 收盘价突破箱体上沿
	c15 := flatCandles(60, 100)
	c15[58].Close = 106

	intent := s.scanBreakout(bot, &Context{Price: 105, Now: testNow, OHLCV15m: c15})
	assert.Equal(t, models.ActionNone, intent.Action)
	assert.True(t, intent.UpdateMsg)
	assert.Equal(t, StageBreakout, bot.State.Stage)
	assert.Equal(t, string(models.DirectionLong), bot.State.BreakoutDir)
}

func TestBoxBreakout_CloseBeyondEdgeButPriceInsideIsNotBreakout(t *testing.T) {
	bot := newBoxBot(models.DirectionBoth)
	bot.State.Stage = StageIdle
	bot.State.Box15m = &models.Box{Top: 104, Bottom: 102, ID: 42}
	s := &BoxBreakout{}

	c15 := flatCandles(60, 100)
	c15[58].Close = 106

	// 收盘在上方但现价缩回箱内, 不算突破
	intent := s.scanBreakout(bot, &Context{Price: 103, Now: testNow, OHLCV15m: c15})
	assert.Equal(t, StageIdle, bot.State.Stage)
	assert.Equal(t, models.ActionNone, intent.Action)
}

func TestBoxBreakout_EMAGateBlocksCounterTrend(t *testing.T) {
	bot := newBoxBot(models.DirectionBoth)
	bot.State.Stage = StageIdle
	bot.State.Box15m = &models.Box{Top: 104, Bottom: 102, ID: 42}
	s := &BoxBreakout{}

	// EMA50 在 200 附近, 现价 105 远低于 EMA, 向上突破被封杀
	c15 := flatCandles(60, 200)
	c15[58].Close = 106

	intent := s.scanBreakout(bot, &Context{Price: 105, Now: testNow, OHLCV15m: c15})
	assert.Equal(t, models.ActionNone, intent.Action)
	assert.NotEqual(t, StageBreakout, bot.State.Stage)
	assert.Contains(t, intent.StatusMsg, "已过滤")
}

func TestBoxBreakout_DefaultConfigEMAGate(t *testing.T) {
	// 只填公共字段走 ApplyDefaults 的机器人, 趋势闸门同样必须生效
	bot := newBoxBot(models.DirectionBoth)
	bot.Config.BoxBreakout = &models.BoxBreakoutConfig{}
	bot.Config.ApplyDefaults()
	bot.State.Stage = StageIdle
	bot.State.Box15m = &models.Box{Top: 104, Bottom: 102, ID: 42}
	s := &BoxBreakout{}

	// EMA50 远在 200 附近, 现价 105 的向上突破属于逆势
	c15 := flatCandles(60, 200)
	c15[58].Close = 106

	intent := s.scanBreakout(bot, &Context{Price: 105, Now: testNow, OHLCV15m: c15})
	assert.Equal(t, models.ActionNone, intent.Action)
	assert.NotEqual(t, StageBreakout, bot.State.Stage)
	assert.Contains(t, intent.StatusMsg, "已过滤")
}

func TestBoxBreakout_DefaultConfigRequiresRetest(t *testing.T) {
	// 默认配置下没有回踩+反弹确认绝不进场
	bot := newBoxBot(models.DirectionBoth)
	bot.Config.BoxBreakout = &models.BoxBreakoutConfig{}
	bot.Config.ApplyDefaults()
	bot.State.Stage = StageBreakout
	bot.State.BreakoutDir = string(models.DirectionLong)
	bot.State.Box5m = &models.Box{Top: 104, Bottom: 102, ID: 7}
	s := &BoxBreakout{}

	// 距箱沿 5%, 远超 0.2% 容忍: 不得进场
	c5 := flatCandles(60, 100)
	intent := s.waitRetest(bot, &Context{Price: 109.2, Now: testNow, OHLCV5m: c5})
	assert.Equal(t, models.ActionNone, intent.Action)
	assert.Equal(t, StageRetest, bot.State.Stage)

	// 回踩到位但现价仍低于当前K线开盘 (没有反弹): 继续等
	c5[59].Open = 104.2
	intent = s.waitRetest(bot, &Context{Price: 104.05, Now: testNow, OHLCV5m: c5})
	assert.Equal(t, models.ActionNone, intent.Action)
	assert.NotEqual(t, StageInPos, bot.State.Stage)
}

func TestBoxBreakout_OrderAmountSizesEntry(t *testing.T) {
	bot := newBoxBot(models.DirectionBoth)
	bot.Config.BoxBreakout.OrderAmount = 200
	bot.State.Stage = StageBreakout
	bot.State.BreakoutDir = string(models.DirectionLong)
	bot.State.Box5m = &models.Box{Top: 104, Bottom: 102, ID: 7}
	s := &BoxBreakout{}

	c5 := flatCandles(60, 100)
	c5[59].Open = 103.9

	intent := s.waitRetest(bot, &Context{Price: 104.05, Now: testNow, OHLCV5m: c5})
	require.Equal(t, models.ActionBuy, intent.Action)
	assert.Equal(t, 200.0, intent.Cost)
}

func TestBoxBreakout_BoxLockPreventsReentry(t *testing.T) {
	bot := newBoxBot(models.DirectionBoth)
	bot.State.Stage = StageIdle
	bot.State.LastTradedBoxID = 42
	bot.State.Box15m = &models.Box{Top: 104, Bottom: 102, ID: 42}
	s := &BoxBreakout{}

	c15 := flatCandles(60, 100)
	c15[58].Close = 106

	intent := s.scanBreakout(bot, &Context{Price: 105, Now: testNow, OHLCV15m: c15})
	assert.Equal(t, models.ActionNone, intent.Action)
	assert.Contains(t, intent.StatusMsg, "已交易")
	assert.NotEqual(t, StageBreakout, bot.State.Stage)

	// 新箱体出现后锁自动失效
	bot.State.Box15m.ID = 77
	intent = s.scanBreakout(bot, &Context{Price: 105, Now: testNow, OHLCV15m: c15})
	assert.Equal(t, StageBreakout, bot.State.Stage)
}

func TestBoxBreakout_RetestEntryWithBounce(t *testing.T) {
	bot := newBoxBot(models.DirectionBoth)
	bot.State.Stage = StageBreakout
	bot.State.BreakoutDir = string(models.DirectionLong)
	bot.State.Box5m = &models.Box{Top: 104, Bottom: 102, ID: 7}
	bot.State.Box15m = &models.Box{Top: 104, Bottom: 102, ID: 7}
	s := &BoxBreakout{}

	// 当前未完结K线开盘 103.9, 现价 104.05 高于开盘 => 反弹成立;
	// 价格距 5m 箱沿 104 仅 0.05%, 在 0.2% 容忍内
	c5 := flatCandles(60, 100)
	c5[59].Open = 103.9

	intent := s.waitRetest(bot, &Context{Price: 104.05, Now: testNow, OHLCV5m: c5})
	require.Equal(t, models.ActionBuy, intent.Action)
	assert.Equal(t, 500.0, intent.Cost)
	assert.Equal(t, StageInPos, bot.State.Stage)
	assert.Equal(t, models.DirectionLong, bot.State.ActiveDirection)
	// 初始止损在箱沿下方 1%
	assert.InDelta(t, 104*0.99, bot.State.StopLossPrice, 1e-9)
	assert.Equal(t, int64(7), bot.State.LastTradedBoxID)
}

func TestBoxBreakout_RetestWithoutBounceWaits(t *testing.T) {
	bot := newBoxBot(models.DirectionBoth)
	bot.State.Stage = StageBreakout
	bot.State.BreakoutDir = string(models.DirectionLong)
	bot.State.Box5m = &models.Box{Top: 104, Bottom: 102, ID: 7}
	s := &BoxBreakout{}

	// 现价低于当前K线开盘, 还在下跌, 不接飞刀
	c5 := flatCandles(60, 100)
	c5[59].Open = 104.2

	intent := s.waitRetest(bot, &Context{Price: 104.05, Now: testNow, OHLCV5m: c5})
	assert.Equal(t, models.ActionNone, intent.Action)
	assert.Contains(t, intent.StatusMsg, "反弹")
	assert.NotEqual(t, StageInPos, bot.State.Stage)
}

func TestBoxBreakout_FarFromEdgeMovesToRetestStage(t *testing.T) {
	bot := newBoxBot(models.DirectionBoth)
	bot.State.Stage = StageBreakout
	bot.State.BreakoutDir = string(models.DirectionLong)
	bot.State.Box5m = &models.Box{Top: 104, Bottom: 102, ID: 7}
	s := &BoxBreakout{}

	intent := s.waitRetest(bot, &Context{Price: 110, Now: testNow, OHLCV5m: flatCandles(10, 100)})
	assert.Equal(t, models.ActionNone, intent.Action)
	assert.Equal(t, StageRetest, bot.State.Stage)
}

func TestBoxBreakout_InPosTrailingStop(t *testing.T) {
	bot := newBoxBot(models.DirectionLong)
	bot.State.Stage = StageInPos
	bot.State.PositionAmt = 1
	bot.State.AvgEntryPrice = 100
	bot.State.ActiveDirection = models.DirectionLong
	bot.State.StopLossPrice = 99
	bot.State.ExtremePrice = 110
	s := &BoxBreakout{}

	// 追踪止损 = 110 * 0.99 = 108.9, 现价 108 已跌破
	intent := s.Analyze(bot, &Context{Price: 108, Now: testNow})
	require.Equal(t, models.ActionSell, intent.Action)
	assert.True(t, intent.ResetBox)
	// 盈利离场记为止盈
	assert.Equal(t, "止盈", intent.LogAction)
}

func TestBoxBreakout_BreakEvenStop(t *testing.T) {
	bot := newBoxBot(models.DirectionLong)
	bot.State.Stage = StageInPos
	bot.State.PositionAmt = 1
	bot.State.AvgEntryPrice = 100
	bot.State.ActiveDirection = models.DirectionLong
	bot.State.StopLossPrice = 95
	bot.State.ExtremePrice = 100
	s := &BoxBreakout{}

	// ROE = 3.5% * 10 = 35% > 30% 触发保本损, 止损推到 100.1
	intent := s.Analyze(bot, &Context{Price: 103.5, Now: testNow})
	assert.Equal(t, models.ActionNone, intent.Action)
	assert.GreaterOrEqual(t, bot.State.StopLossPrice, 100.1)
	assert.True(t, intent.UpdateMsg)
}

func TestBoxBreakout_FlatInPosResetsToIdle(t *testing.T) {
	bot := newBoxBot(models.DirectionLong)
	bot.State.Stage = StageInPos
	s := &BoxBreakout{}

	intent := s.Analyze(bot, &Context{Price: 100, Now: testNow,
		OHLCV5m: flatCandles(10, 100), OHLCV15m: flatCandles(10, 100)})
	assert.Equal(t, models.ActionNone, intent.Action)
	assert.Equal(t, StageIdle, bot.State.Stage)
	assert.Equal(t, 0.0, bot.State.StopLossPrice)
}
