// Package strategy 实现四种交易策略的状态机。
// 策略只读行情、只写 State 中的 scratch 字段, 并产出 Intent;
// 资金与仓位的改写一律交给 ledger。
package strategy

import (
	"fmt"
	"time"

	"multi-strategy-bot-go/internal/models"
)

// Context 是一次分析所需的全部输入
type Context struct {
	Price    float64
	Now      time.Time
	GapZones []models.GapZone // 趋势马丁: 预扫描的缺口区
	OHLCV5m  []models.Candle  // 箱体: 5分钟K线
	OHLCV15m []models.Candle  // 箱体: 15分钟K线
}

// Strategy 是所有策略必须实现的接口。
// Analyze 可以修改 bot.State 的 scratch 字段, 返回的 Intent 由账本消费。
type Strategy interface {
	Analyze(bot *models.Bot, ctx *Context) *models.Intent
	// GenerateLadder 生成补仓梯子预览, 不支持的策略返回空
	GenerateLadder(bot *models.Bot, marketPrice float64) []models.LadderEntry
}

// New 根据机器人的策略类型构造对应的策略实例
func New(t models.StrategyType) (Strategy, error) {
	switch t {
	case models.StrategyTrendDCA:
		return &TrendDCA{}, nil
	case models.StrategyGridDCA:
		return &GridDCA{}, nil
	case models.StrategyBoxBreakout:
		return &BoxBreakout{}, nil
	case models.StrategyPeriodic:
		return &Periodic{}, nil
	default:
		return nil, fmt.Errorf("未知的策略类型: %s", t)
	}
}

// noneIntent 返回一个带状态说明的空意图
func noneIntent(statusMsg string) *models.Intent {
	return &models.Intent{Action: models.ActionNone, StatusMsg: statusMsg}
}

// inCooldown 检查平仓冷却期, 返回 (是否冷却中, 剩余秒数)
func inCooldown(st *models.BotState, cooldownSec int, now time.Time) (bool, int) {
	if cooldownSec <= 0 || st.LastCloseTime.IsZero() {
		return false, 0
	}
	elapsed := now.Sub(st.LastCloseTime)
	total := time.Duration(cooldownSec) * time.Second
	if elapsed < total {
		return true, int((total - elapsed).Seconds())
	}
	return false, 0
}

// effectiveLeverage 返回策略计算用的杠杆, 现货恒为 1
func effectiveLeverage(cfg *models.BotConfig) float64 {
	if cfg.MarketType == "spot" {
		return 1
	}
	if cfg.Leverage < 1 {
		return 1
	}
	return float64(cfg.Leverage)
}
