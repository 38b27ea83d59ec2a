package strategy

import (
	"fmt"
	"time"

	"multi-strategy-bot-go/internal/models"
)

// Periodic 是定投策略: 每隔固定时间买入固定金额, 纯累积筹码, 没有退出逻辑。
// 可选价格闸门: 做多高于上限不买, 做空低于下限不空。
type Periodic struct{}

// Analyze 实现 Strategy 接口
func (s *Periodic) Analyze(bot *models.Bot, ctx *Context) *models.Intent {
	cfg := &bot.Config
	st := &bot.State
	p := cfg.Periodic
	price := ctx.Price
	now := ctx.Now

	// 外部设置的冷却 (手动平仓后)
	if !st.NextTradeTime.IsZero() && now.Before(st.NextTradeTime) {
		remaining := int(st.NextTradeTime.Sub(now).Seconds())
		return noneIntent(fmt.Sprintf("冷却中 %ds", remaining))
	}

	if st.Balance < p.InvestAmount {
		return noneIntent("余额不足")
	}

	// 价格闸门
	if p.PriceLimit > 0 {
		if cfg.Direction != models.DirectionShort && price > p.PriceLimit {
			return noneIntent(fmt.Sprintf("价格过高, 暂停定投 (> %.2f)", p.PriceLimit))
		}
		if cfg.Direction == models.DirectionShort && price < p.PriceLimit {
			return noneIntent(fmt.Sprintf("价格过低, 暂停定投 (< %.2f)", p.PriceLimit))
		}
	}

	interval := time.Duration(p.IntervalMinutes) * time.Minute
	if !st.LastInvestTime.IsZero() {
		elapsed := now.Sub(st.LastInvestTime)
		if elapsed < interval {
			remaining := interval - elapsed
			var msg string
			if remaining < time.Hour {
				msg = fmt.Sprintf("等待下次定投: %dm %ds",
					int(remaining.Minutes()), int(remaining.Seconds())%60)
			} else {
				msg = fmt.Sprintf("等待下次定投: %dh %dm",
					int(remaining.Hours()), int(remaining.Minutes())%60)
			}
			return noneIntent(msg)
		}
	}

	st.LastInvestTime = now
	return &models.Intent{
		Action:    models.ActionBuy,
		Cost:      p.InvestAmount,
		UpdateMsg: true,
		LogAction: "定投买入",
		LogNote:   fmt.Sprintf("间隔: %dm", p.IntervalMinutes),
	}
}

// GenerateLadder 定投没有补仓梯子
func (s *Periodic) GenerateLadder(bot *models.Bot, marketPrice float64) []models.LadderEntry {
	return nil
}
