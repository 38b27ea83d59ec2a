package strategy

import (
	"fmt"
	"math"
	"time"

	"multi-strategy-bot-go/internal/models"
)

// 网格防抖: 距上次成交不足 60 秒且价格几乎没动时不再下单
const (
	gridMinRefillInterval = 60 * time.Second
	gridMinPriceDiff      = 0.001
)

// GridDCA 是自动网格策略: 入场时以现价为锚自举抗单区间,
// 价格每触及一条未占用的网格线就按固定金额补仓, 按 ROE 整体止盈。
type GridDCA struct{}

// Levels 返回当前区间的网格线, 档位数为 grid_count+1, 自下而上
func (s *GridDCA) Levels(cfg *models.BotConfig, st *models.BotState) []float64 {
	return gridLevels(st.GridLower, st.GridUpper, cfg.GridDCA.GridCount, cfg.GridDCA.GridMode)
}

func gridLevels(bottom, top float64, count int, mode string) []float64 {
	if top <= 0 || bottom <= 0 || top <= bottom {
		return nil
	}
	n := count + 1
	levels := make([]float64, n)
	if mode == "geometric" {
		ratio := math.Pow(top/bottom, 1/float64(n-1))
		v := bottom
		for i := 0; i < n; i++ {
			levels[i] = v
			v *= ratio
		}
		levels[n-1] = top
	} else {
		step := (top - bottom) / float64(n-1)
		for i := 0; i < n; i++ {
			levels[i] = bottom + step*float64(i)
		}
	}
	return levels
}

// perGridCost 每格资金: 总预算 / (网格数+1)
func (s *GridDCA) perGridCost(cfg *models.BotConfig) float64 {
	n := cfg.GridDCA.GridCount + 1
	if n < 1 {
		n = 1
	}
	return cfg.Capital / float64(n)
}

// Analyze 实现 Strategy 接口
func (s *GridDCA) Analyze(bot *models.Bot, ctx *Context) *models.Intent {
	cfg := &bot.Config
	st := &bot.State
	g := cfg.GridDCA
	isLong := cfg.Direction != models.DirectionShort
	price := ctx.Price

	// 1. 区间自举: 做多以现价为顶向下抗单, 做空以现价为底向上抗单
	if st.GridUpper == 0 {
		r := g.RangePercent / 100.0
		if isLong {
			st.GridUpper = price
			st.GridLower = price * (1 - r)
		} else {
			st.GridLower = price
			st.GridUpper = price * (1 + r)
		}
		st.LastLevelIdx = -1
		return &models.Intent{
			Action:    models.ActionNone,
			UpdateMsg: true,
			StatusMsg: fmt.Sprintf("新区间 (%s): %.2f - %.2f", cfg.Direction, st.GridLower, st.GridUpper),
		}
	}

	levels := s.Levels(cfg, st)
	perCost := s.perGridCost(cfg)

	// 2. 空仓: 冷却结束后在基准档开首单 (做多在顶档, 做空在底档)
	if st.IsFlat() {
		if cooling, remaining := inCooldown(st, cfg.CooldownSec, ctx.Now); cooling {
			return noneIntent(fmt.Sprintf("冷却中 %ds", remaining))
		}
		baseIdx := g.GridCount
		if !isLong {
			baseIdx = 0
		}
		return &models.Intent{
			Action:      models.ActionBuy,
			Cost:        perCost,
			NewLevelIdx: &baseIdx,
			LogAction:   fmt.Sprintf("首单 (%s)", cfg.Direction),
			LogNote:     "市价开首单",
		}
	}

	// 3. 持仓: ROE 止损 / 止盈 / 追踪
	if st.AvgEntryPrice > 0 {
		var movePct float64
		if isLong {
			movePct = (price - st.AvgEntryPrice) / st.AvgEntryPrice * 100
		} else {
			movePct = (st.AvgEntryPrice - price) / st.AvgEntryPrice * 100
		}
		lev := effectiveLeverage(cfg)
		roe := movePct * lev
		netROE := roe - cfg.FeeRate*2*100*lev

		if cfg.StopLossPct > 0 && roe < -cfg.StopLossPct {
			return &models.Intent{
				Action:     models.ActionSell,
				ResetRange: true,
				LogAction:  "止损",
				LogNote:    fmt.Sprintf("触发止损: %.2f%% (ROE), 区间将重置", roe),
			}
		}

		reachedTP := netROE >= cfg.TakeProfitPct
		if reachedTP && !st.TrailArmed {
			if cfg.TrailingDevPct > 0 {
				return &models.Intent{
					Action:    models.ActionUpdateTrail,
					LogNote:   fmt.Sprintf("达到止盈目标: %.2f%% (ROE)", netROE),
					StatusMsg: "止盈追踪已激活",
				}
			}
			return &models.Intent{
				Action:     models.ActionSell,
				ResetRange: true,
				LogAction:  "止盈",
				LogNote:    fmt.Sprintf("ROI: %.2f%%, 区间将重置", netROE),
			}
		}

		if st.TrailArmed {
			extreme := st.ExtremePrice
			if isLong {
				if extreme == 0 {
					extreme = price
				}
				if (extreme-price)/extreme*100 >= cfg.TrailingDevPct {
					return &models.Intent{
						Action:     models.ActionSell,
						ResetRange: true,
						LogAction:  "追踪止盈",
						LogNote:    fmt.Sprintf("追踪回撤触发. ROE: %.2f%%, 区间将重置", netROE),
					}
				}
				if price > extreme {
					return &models.Intent{Action: models.ActionUpdateTrail}
				}
			} else {
				if extreme <= 0 {
					extreme = price
				}
				if (price-extreme)/extreme*100 >= cfg.TrailingDevPct {
					return &models.Intent{
						Action:     models.ActionSell,
						ResetRange: true,
						LogAction:  "追踪止盈",
						LogNote:    fmt.Sprintf("追踪反弹触发. ROE: %.2f%%, 区间将重置", netROE),
					}
				}
				if price < extreme {
					return &models.Intent{Action: models.ActionUpdateTrail}
				}
			}
		}
	}

	// 4. 网格补仓 (追踪激活后不再加仓)
	if !st.TrailArmed {
		// 防抖: 一分钟内且价格偏离不足 0.1% 视为同一位置
		if len(st.Orders) > 0 {
			last := st.Orders[len(st.Orders)-1]
			if last.Price > 0 &&
				ctx.Now.Sub(last.Time) < gridMinRefillInterval &&
				math.Abs(price-last.Price)/last.Price < gridMinPriceDiff {
				return noneIntent("刚刚成交, 等待价格偏离")
			}
		}

		filled := st.FilledLevelSet()
		bestIdx := -1
		for idx, target := range levels {
			if filled[idx] {
				continue
			}
			if isLong {
				// 做多: 价格跌破下方网格线才补仓
				if price <= target && idx > bestIdx {
					bestIdx = idx
				}
			} else {
				if price >= target && idx > bestIdx {
					bestIdx = idx
				}
			}
		}
		if bestIdx != -1 {
			if st.Balance < perCost {
				return noneIntent("余额不足, 暂停补仓")
			}
			idx := bestIdx
			return &models.Intent{
				Action:      models.ActionBuy,
				Cost:        perCost,
				NewLevelIdx: &idx,
				LogAction:   fmt.Sprintf("网格买入 L%d", idx),
				LogNote:     fmt.Sprintf("网格价: %.2f", levels[idx]),
			}
		}
	}

	return noneIntent("运行中")
}

// GenerateLadder 生成网格档位预览
func (s *GridDCA) GenerateLadder(bot *models.Bot, marketPrice float64) []models.LadderEntry {
	cfg := &bot.Config
	g := cfg.GridDCA
	isLong := cfg.Direction != models.DirectionShort

	top, bottom := bot.State.GridUpper, bot.State.GridLower
	if top <= 0 || bottom <= 0 {
		if marketPrice <= 0 {
			return nil
		}
		r := g.RangePercent / 100.0
		if isLong {
			top = marketPrice
			bottom = top * (1 - r)
		} else {
			bottom = marketPrice
			top = bottom * (1 + r)
		}
	}

	levels := gridLevels(bottom, top, g.GridCount, g.GridMode)
	perCost := s.perGridCost(cfg)
	lastIdx := bot.State.LastLevelIdx
	if bot.State.IsFlat() {
		lastIdx = -1
	}

	ladder := make([]models.LadderEntry, 0, len(levels))
	for i, price := range levels {
		status := models.LadderWaiting
		if lastIdx >= 0 {
			// 做多从顶档向下吃单, 做空从底档向上吃单
			if (isLong && i >= lastIdx) || (!isLong && i <= lastIdx) {
				status = models.LadderFilled
			}
		} else if marketPrice > 0 {
			// 空仓时按价格估算首单覆盖区
			if (isLong && price >= marketPrice) || (!isLong && price <= marketPrice) {
				status = models.LadderFilled
			}
		}
		ladder = append(ladder, models.LadderEntry{
			SO:     fmt.Sprintf("L%d", i),
			Price:  price,
			Amount: perCost,
			Status: status,
		})
	}
	return ladder
}
