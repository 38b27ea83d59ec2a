package strategy

import (
	"fmt"
	"math"

	"multi-strategy-bot-go/internal/indicator"
	"multi-strategy-bot-go/internal/marketdata"
	"multi-strategy-bot-go/internal/models"
)

// 箱体状态机的阶段常量
const (
	StageIdle     = "IDLE"
	StageBreakout = "BREAKOUT"
	StageRetest   = "RETEST"
	StageInPos    = "IN_POS"
)

// 突破后初始止损放在箱沿外侧 1%
const initialStopGap = 0.01

// BoxBreakout 是箱体突破回踩策略:
// 在 15m 枢轴箱体上确认突破, 回踩 5m 箱沿并出现反弹后进场,
// 持仓期用保本损与追踪止损管理退出。
type BoxBreakout struct{}

// DetectBox 在K线序列中从新到旧找第一个枢轴, 用枢轴K线与其后一根的实体推导箱体。
// 只使用已完结的K线 (末根视为未完结)。
func DetectBox(candles []models.Candle) *models.Box {
	if len(candles) < 5 {
		return nil
	}
	completed := candles[:len(candles)-1]

	for i := len(completed) - 2; i >= 1; i-- {
		curr, prev, next := completed[i], completed[i-1], completed[i+1]

		var pivotTop bool
		switch {
		case curr.High >= prev.High && curr.High >= next.High:
			pivotTop = true
		case curr.Low <= prev.Low && curr.Low <= next.Low:
			pivotTop = false
		default:
			continue
		}

		c1, c2 := completed[i], completed[i+1]
		c1BodyTop, c1BodyBot := math.Max(c1.Open, c1.Close), math.Min(c1.Open, c1.Close)
		c2BodyTop, c2BodyBot := math.Max(c2.Open, c2.Close), math.Min(c2.Open, c2.Close)

		var y1, y2 float64
		if pivotTop {
			y1, y2 = c1BodyTop, c2BodyBot
		} else {
			y1, y2 = c1BodyBot, c2BodyTop
		}
		return &models.Box{
			Top:    math.Max(y1, y2),
			Bottom: math.Min(y1, y2),
			ID:     c1.Timestamp,
		}
	}
	return nil
}

// Analyze 实现 Strategy 接口
func (s *BoxBreakout) Analyze(bot *models.Bot, ctx *Context) *models.Intent {
	st := &bot.State

	stage := st.Stage
	if stage == "" {
		stage = StageIdle
	}
	// 有持仓时强制回到 IN_POS, 防止状态机与账本脱节
	if !st.IsFlat() {
		stage = StageInPos
		st.Stage = StageInPos
	}

	// 刷新箱体缓存; 没有K线时持仓管理仍可继续
	if len(ctx.OHLCV5m) == 0 || len(ctx.OHLCV15m) == 0 {
		if stage != StageInPos {
			return noneIntent("等待K线数据")
		}
	} else {
		box5 := DetectBox(ctx.OHLCV5m)
		box15 := DetectBox(ctx.OHLCV15m)
		if box5 != nil && box15 != nil {
			st.Box5m = box5
			st.Box15m = box15
		}
	}

	switch stage {
	case StageInPos:
		return s.managePosition(bot, ctx)
	case StageIdle:
		return s.scanBreakout(bot, ctx)
	default: // BREAKOUT / RETEST
		return s.waitRetest(bot, ctx)
	}
}

// managePosition 持仓管理: 保本损 -> 追踪止损 -> 触发平仓
func (s *BoxBreakout) managePosition(bot *models.Bot, ctx *Context) *models.Intent {
	cfg := &bot.Config
	st := &bot.State
	b := cfg.BoxBreakout
	price := ctx.Price

	if st.IsFlat() {
		st.Stage = StageIdle
		st.StopLossPrice = 0
		st.ExtremePrice = 0
		return &models.Intent{
			Action:    models.ActionNone,
			ResetBox:  true,
			StatusMsg: "持仓丢失, 状态机回到 IDLE",
		}
	}

	isLong := bot.IsLong()
	logNote := ""

	// 更新极值
	if isLong {
		if price > st.ExtremePrice {
			st.ExtremePrice = price
		}
	} else {
		if st.ExtremePrice <= 0 || price < st.ExtremePrice {
			st.ExtremePrice = price
		}
	}

	currentSL := st.StopLossPrice

	// 保本损: ROE 超过触发线后把止损推到入场价的 ±0.1%
	if st.AvgEntryPrice > 0 {
		var movePct float64
		if isLong {
			movePct = (price - st.AvgEntryPrice) / st.AvgEntryPrice
		} else {
			movePct = (st.AvgEntryPrice - price) / st.AvgEntryPrice
		}
		roe := movePct * effectiveLeverage(cfg)
		if roe > b.BETriggerPct/100.0 {
			var bePrice float64
			if isLong {
				bePrice = st.AvgEntryPrice * 1.001
				if bePrice > currentSL {
					currentSL = bePrice
					logNote = fmt.Sprintf("保本损已激活 (ROE %.1f%%)", roe*100)
				}
			} else {
				bePrice = st.AvgEntryPrice * 0.999
				if currentSL == 0 || bePrice < currentSL {
					currentSL = bePrice
					logNote = fmt.Sprintf("保本损已激活 (ROE %.1f%%)", roe*100)
				}
			}
		}
	}

	// 追踪止损: 跟随极值保持固定间距, 只向有利方向移动
	gap := b.TrailGapPct / 100.0
	if isLong {
		trailSL := st.ExtremePrice * (1 - gap)
		if trailSL > currentSL {
			currentSL = trailSL
			logNote = "追踪止损上移"
		}
	} else {
		trailSL := st.ExtremePrice * (1 + gap)
		if currentSL == 0 || trailSL < currentSL {
			currentSL = trailSL
			logNote = "追踪止损下移"
		}
	}
	st.StopLossPrice = currentSL

	shouldClose := currentSL > 0 &&
		((isLong && price <= currentSL) || (!isLong && price >= currentSL))
	if shouldClose {
		logAction := "止损"
		if st.AvgEntryPrice > 0 {
			var pnlPct float64
			if isLong {
				pnlPct = (price - st.AvgEntryPrice) / st.AvgEntryPrice
			} else {
				pnlPct = (st.AvgEntryPrice - price) / st.AvgEntryPrice
			}
			if pnlPct > 0 {
				logAction = "止盈"
			}
		}
		return &models.Intent{
			Action:    models.ActionSell,
			ResetBox:  true,
			LogAction: logAction,
			LogNote:   logNote,
		}
	}

	dir := "LONG"
	if !isLong {
		dir = "SHORT"
	}
	return &models.Intent{
		Action:    models.ActionNone,
		UpdateMsg: true,
		LogNote:   logNote,
		StatusMsg: fmt.Sprintf("运行中 (%s) | SL: %.2f", dir, currentSL),
	}
}

// scanBreakout 空闲扫描: 收盘价与现价同时越过 15m 箱沿才算突破,
// EMA50 趋势闸门封杀逆势方向。
func (s *BoxBreakout) scanBreakout(bot *models.Bot, ctx *Context) *models.Intent {
	cfg := &bot.Config
	st := &bot.State
	price := ctx.Price

	if st.Box15m == nil {
		return noneIntent("扫描中")
	}
	// 同一个箱体只交易一次
	if st.LastTradedBoxID != 0 && st.LastTradedBoxID == st.Box15m.ID {
		return noneIntent("扫描中 (当前箱体已交易)")
	}
	if len(ctx.OHLCV15m) < 2 {
		return noneIntent("等待K线数据")
	}

	closes := marketdata.Closes(ctx.OHLCV15m)
	ema50 := indicator.EMA(closes, 50)
	lastClose := ctx.OHLCV15m[len(ctx.OHLCV15m)-2].Close

	isBreakUp := lastClose > st.Box15m.Top && price > st.Box15m.Top
	isBreakDown := lastClose < st.Box15m.Bottom && price < st.Box15m.Bottom

	statusMsg := fmt.Sprintf("扫描中 (EMA50: %.1f)", ema50)
	if ema50 > 0 {
		if isBreakUp && price < ema50 {
			isBreakUp = false
			statusMsg = fmt.Sprintf("已过滤: 价格低于 EMA50 (%.1f)", ema50)
		}
		if isBreakDown && price > ema50 {
			isBreakDown = false
			statusMsg = fmt.Sprintf("已过滤: 价格高于 EMA50 (%.1f)", ema50)
		}
	}

	var targetDir models.Direction
	if isBreakUp && (cfg.Direction == models.DirectionLong || cfg.Direction == models.DirectionBoth) {
		targetDir = models.DirectionLong
	} else if isBreakDown && (cfg.Direction == models.DirectionShort || cfg.Direction == models.DirectionBoth) {
		targetDir = models.DirectionShort
	}

	if targetDir != "" {
		st.Stage = StageBreakout
		st.BreakoutDir = string(targetDir)
		return &models.Intent{
			Action:    models.ActionNone,
			UpdateMsg: true,
			StatusMsg: fmt.Sprintf("检测到 %s 突破", targetDir),
		}
	}
	return noneIntent(statusMsg)
}

// waitRetest 等待回踩 5m 箱沿并出现反弹后进场
func (s *BoxBreakout) waitRetest(bot *models.Bot, ctx *Context) *models.Intent {
	cfg := &bot.Config
	st := &bot.State
	b := cfg.BoxBreakout
	price := ctx.Price

	if st.Box5m == nil || len(ctx.OHLCV5m) == 0 {
		return noneIntent("等待K线数据")
	}

	isLong := st.BreakoutDir != string(models.DirectionShort)
	boxEdge := st.Box5m.Top
	if !isLong {
		boxEdge = st.Box5m.Bottom
	}
	if boxEdge <= 0 {
		return noneIntent("等待K线数据")
	}

	distPct := math.Abs(price-boxEdge) / boxEdge
	tolerance := b.RetestTolerancePct / 100.0

	if distPct <= tolerance {
		// 反弹确认: 现价相对当前未完结K线的开盘价转向突破方向
		currOpen := ctx.OHLCV5m[len(ctx.OHLCV5m)-1].Open
		isBouncing := (isLong && price > currOpen) || (!isLong && price < currOpen)

		if isBouncing {
			// 下单瞬间锁死状态并记录箱体ID, 防止重复进场
			st.Stage = StageInPos
			st.LastTradedBoxID = 0
			if st.Box15m != nil {
				st.LastTradedBoxID = st.Box15m.ID
			}
			st.ActiveDirection = models.DirectionLong
			if !isLong {
				st.ActiveDirection = models.DirectionShort
			}
			if isLong {
				st.StopLossPrice = boxEdge * (1 - initialStopGap)
			} else {
				st.StopLossPrice = boxEdge * (1 + initialStopGap)
			}
			st.ExtremePrice = price
			cost := b.OrderAmount
			if cost <= 0 {
				cost = cfg.Capital
			}
			return &models.Intent{
				Action:    models.ActionBuy,
				Cost:      cost,
				IsBase:    true,
				UpdateMsg: true,
				LogAction: fmt.Sprintf("进场 %s", st.ActiveDirection),
				LogNote:   fmt.Sprintf("回踩确认 @ %.2f", boxEdge),
			}
		}
		return noneIntent(fmt.Sprintf("等待反弹确认 (%s)", st.BreakoutDir))
	}

	st.Stage = StageRetest
	return &models.Intent{
		Action:    models.ActionNone,
		UpdateMsg: true,
		StatusMsg: fmt.Sprintf("等待回踩 %.2f%%", distPct*100),
	}
}

// GenerateLadder 箱体策略没有补仓梯子
func (s *BoxBreakout) GenerateLadder(bot *models.Bot, marketPrice float64) []models.LadderEntry {
	return nil
}
