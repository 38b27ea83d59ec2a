package strategy

import (
	"fmt"
	"math"

	"multi-strategy-bot-go/internal/models"
)

// TrendDCA 是趋势马丁策略: 固定/等比的步进补仓表,
// 可选用K线缺口区 (三根K线之间的价格失衡) 提前触发补仓。
type TrendDCA struct{}

// baseOrderSize 按金额公比把总预算拆成首单金额:
// base = capital / (1 + v + v^2 + ... + v^(n-1))
func (s *TrendDCA) baseOrderSize(cfg *models.BotConfig) float64 {
	d := cfg.TrendDCA
	var multiplier float64
	if d.VolScale == 1.0 {
		multiplier = float64(d.MaxSafetyOrders)
	} else {
		multiplier = (1.0 - math.Pow(d.VolScale, float64(d.MaxSafetyOrders))) / (1.0 - d.VolScale)
	}
	if multiplier == 0 {
		multiplier = 1
	}
	return cfg.Capital / multiplier
}

// CumulativeDrop 返回第 orderIndex 单相对首单价的累计偏移比例。
// 等差时为 step*n, 等比时为几何级数的部分和。
func (s *TrendDCA) CumulativeDrop(cfg *models.BotConfig, orderIndex int) float64 {
	if orderIndex <= 1 {
		return 0
	}
	d := cfg.TrendDCA
	step := d.StepPct / 100.0
	n := float64(orderIndex - 1)
	if d.StepScale == 1.0 {
		return step * n
	}
	return step * (1 - math.Pow(d.StepScale, n)) / (1 - d.StepScale)
}

// NextBuy 计算第 orderIndex 单的触发价与金额。
// 缺口区落在上一触发价与本级触发价之间时, 用缺口边沿替代触发价。
// 返回 (触发价, 金额, 触发来源说明)。
func (s *TrendDCA) NextBuy(cfg *models.BotConfig, basePrice float64, orderIndex int, gaps []models.GapZone) (float64, float64, string) {
	d := cfg.TrendDCA
	amount := s.baseOrderSize(cfg) * math.Pow(d.VolScale, float64(orderIndex-1))
	target := s.CumulativeDrop(cfg, orderIndex)
	prev := s.CumulativeDrop(cfg, orderIndex-1)

	isLong := cfg.Direction != models.DirectionShort
	var trigger, searchTop, searchBottom float64
	if isLong {
		trigger = basePrice * (1 - target)
		searchTop = basePrice * (1 - prev)
		searchBottom = trigger
	} else {
		trigger = basePrice * (1 + target)
		searchTop = trigger
		searchBottom = basePrice * (1 + prev)
	}

	src := "Step"
	if orderIndex > 1 && d.UseGapTrigger && len(gaps) > 0 {
		var best float64
		found := false
		bestTF := ""
		for _, g := range gaps {
			if isLong {
				// 做多时缺口上沿就是潜在支撑
				if g.Top <= searchTop && g.Top >= searchBottom {
					if !found || g.Top > best {
						best, found, bestTF = g.Top, true, g.Timeframe
					}
				}
			} else {
				if g.Bottom >= searchBottom && g.Bottom <= searchTop {
					if !found || g.Bottom < best {
						best, found, bestTF = g.Bottom, true, g.Timeframe
					}
				}
			}
		}
		if found {
			trigger = best
			src = "FVG-" + bestTF
		}
	}
	return trigger, amount, src
}

// FindGapZones 在K线序列中扫描未被回补的缺口区, 最多返回 limit 个, 新的在前。
// 做多找下方的看涨缺口 (第1根高点低于第3根低点), 做空相反。
func FindGapZones(candles []models.Candle, direction models.Direction, timeframe string, limit int) []models.GapZone {
	if len(candles) < 5 {
		return nil
	}
	isLong := direction != models.DirectionShort
	var gaps []models.GapZone
	// 与识别窗口一致, 从最新往回扫
	for i := len(candles) - 1; i >= 3 && len(gaps) < limit; i-- {
		prev := candles[i-1]
		s3 := candles[i-3]
		if isLong {
			if s3.High >= prev.Low {
				continue
			}
			top, bottom := prev.Low, s3.High
			filled := false
			for j := i + 1; j < len(candles); j++ {
				if candles[j].Low <= top {
					filled = true
					break
				}
			}
			if !filled {
				gaps = append(gaps, models.GapZone{Top: top, Bottom: bottom, Timeframe: timeframe})
			}
		} else {
			if s3.Low <= prev.High {
				continue
			}
			top, bottom := s3.Low, prev.High
			filled := false
			for j := i + 1; j < len(candles); j++ {
				if candles[j].High >= bottom {
					filled = true
					break
				}
			}
			if !filled {
				gaps = append(gaps, models.GapZone{Top: top, Bottom: bottom, Timeframe: timeframe})
			}
		}
	}
	return gaps
}

// Analyze 实现 Strategy 接口
func (s *TrendDCA) Analyze(bot *models.Bot, ctx *Context) *models.Intent {
	cfg := &bot.Config
	st := &bot.State
	d := cfg.TrendDCA
	isLong := cfg.Direction != models.DirectionShort
	price := ctx.Price

	// 1. 空仓: 冷却结束后开首单
	if st.IsFlat() {
		if cooling, remaining := inCooldown(st, cfg.CooldownSec, ctx.Now); cooling {
			return noneIntent(fmt.Sprintf("冷却中 %ds", remaining))
		}
		_, cost, _ := s.NextBuy(cfg, price, 1, nil)
		return &models.Intent{
			Action:    models.ActionBuy,
			Cost:      cost,
			IsBase:    true,
			LogAction: fmt.Sprintf("首单(%s)", cfg.Direction),
			LogNote:   "市价开首单",
		}
	}

	// 2. 持仓: 先算 ROE, 依次检查止损、止盈追踪、补仓
	roe := 0.0
	if st.AvgEntryPrice > 0 {
		var movePct float64
		if isLong {
			movePct = (price - st.AvgEntryPrice) / st.AvgEntryPrice * 100
		} else {
			movePct = (st.AvgEntryPrice - price) / st.AvgEntryPrice * 100
		}
		lev := effectiveLeverage(cfg)
		roe = movePct*lev - cfg.FeeRate*2*100*lev
	}

	if cfg.StopLossPct > 0 && st.AvgEntryPrice > 0 && roe < -cfg.StopLossPct {
		return &models.Intent{
			Action:    models.ActionSell,
			LogAction: "止损",
			LogNote:   fmt.Sprintf("触发止损: %.2f%% (ROE)", roe),
		}
	}

	reachedTP := roe >= cfg.TakeProfitPct
	if reachedTP && !st.TrailArmed {
		return &models.Intent{
			Action:    models.ActionUpdateTrail,
			LogNote:   fmt.Sprintf("达到止盈目标: %.2f%% (ROE)", roe),
			StatusMsg: "止盈追踪已激活",
		}
	}

	if st.TrailArmed {
		extreme := st.ExtremePrice
		shouldSell := false
		if isLong {
			if extreme == 0 {
				extreme = price
			}
			drawdown := (extreme - price) / extreme * 100
			shouldSell = drawdown >= cfg.TrailingDevPct
		} else {
			if extreme <= 0 {
				extreme = price
			}
			rebound := (price - extreme) / extreme * 100
			shouldSell = rebound >= cfg.TrailingDevPct
		}
		if shouldSell {
			return &models.Intent{
				Action:    models.ActionSell,
				LogAction: "止盈",
				LogNote:   fmt.Sprintf("追踪回撤触发: %.2f%%", roe),
			}
		}
		if (isLong && price > extreme) || (!isLong && price < extreme) {
			return &models.Intent{Action: models.ActionUpdateTrail}
		}
	}

	// 3. 补仓: 追踪未激活且安全单未用尽
	if st.CurrentSOIndex <= d.MaxSafetyOrders && !st.TrailArmed {
		var valid []models.GapZone
		for _, g := range ctx.GapZones {
			// 已被价格穿越的缺口不再作为触发
			if isLong && price < g.Bottom {
				continue
			}
			if !isLong && price > g.Top {
				continue
			}
			valid = append(valid, g)
		}
		trigger, cost, src := s.NextBuy(cfg, st.BasePrice(), st.CurrentSOIndex, valid)
		shouldDCA := (isLong && price <= trigger) || (!isLong && price >= trigger)
		if shouldDCA {
			return &models.Intent{
				Action:    models.ActionBuy,
				Cost:      cost,
				LogAction: fmt.Sprintf("补仓 #%d", st.CurrentSOIndex),
				LogNote:   fmt.Sprintf("来源: %s", src),
			}
		}
	}

	return noneIntent("监控中")
}

// GenerateLadder 生成完整的补仓梯子预览
func (s *TrendDCA) GenerateLadder(bot *models.Bot, marketPrice float64) []models.LadderEntry {
	cfg := &bot.Config
	anchor := bot.State.BasePrice()
	if anchor <= 0 {
		anchor = marketPrice
	}
	if anchor <= 0 {
		return nil
	}

	currentSO := bot.State.CurrentSOIndex
	cumulative := 0.0
	ladder := make([]models.LadderEntry, 0, cfg.TrendDCA.MaxSafetyOrders)
	for i := 1; i <= cfg.TrendDCA.MaxSafetyOrders; i++ {
		price, amount, _ := s.NextBuy(cfg, anchor, i, nil)
		cumulative += amount
		status := models.LadderWaiting
		if currentSO > 0 {
			if i < currentSO {
				status = models.LadderFilled
			} else if i == currentSO {
				status = models.LadderPending
			}
		}
		ladder = append(ladder, models.LadderEntry{
			SO:     fmt.Sprintf("#%d", i),
			Price:  price,
			Amount: amount,
			Total:  cumulative,
			Drop:   (price - anchor) / anchor * 100,
			Status: status,
		})
	}
	return ladder
}
