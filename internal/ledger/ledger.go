// Package ledger 是唯一允许改写仓位与余额的地方。
// 所有金额运算都走 decimal 定点数, 避免浮点累积误差;
// 下单数量向下取整到精度步进的整数倍。
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"multi-strategy-bot-go/internal/models"
)

// 余额不足以按预算开仓时, 自动压缩预算到可用余额的 99.9%,
// 但压缩后不足原预算 10% 的单子直接放弃。
var (
	downsizeFactor   = decimal.RequireFromString("0.999")
	downsizeMinRatio = decimal.RequireFromString("0.1")
)

// Result 是一次记账的产物
type Result struct {
	Changed   bool              // 状态是否被修改, 决定是否立即落库
	StatusMsg string            // 覆盖机器人的状态说明 (空串表示不覆盖)
	Logs      []models.TradeLog // 需要追加的交易流水
	Profit    float64           // 本次已实现盈亏 (平仓时非零)
}

func d(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v)
}

// FloorToPrecision 把数量向下取整到精度步进的整数倍, e.g., 0.0379 按 0.001 取整得 0.037
func FloorToPrecision(amount, precision float64) float64 {
	if precision <= 0 {
		return amount
	}
	amtD := d(amount)
	precD := d(precision)
	f, _ := amtD.Div(precD).Floor().Mul(precD).Float64()
	return f
}

// ROE 按杠杆放大的收益率 (%), 已扣除双边手续费
func ROE(cfg *models.BotConfig, entryPrice, currentPrice float64) float64 {
	if entryPrice == 0 {
		return 0
	}
	var movePct float64
	if cfg.IsLong() {
		movePct = (currentPrice - entryPrice) / entryPrice * 100
	} else {
		movePct = (entryPrice - currentPrice) / entryPrice * 100
	}
	lev := float64(cfg.Leverage)
	return movePct*lev - cfg.FeeRate*2*100*lev
}

// Apply 把策略意图落到账本上。price 是本次决策使用的最新价。
func Apply(bot *models.Bot, intent *models.Intent, price float64, now time.Time) Result {
	switch intent.Action {
	case models.ActionUpdateTrail:
		return applyTrail(bot, intent, price, now)
	case models.ActionBuy:
		return applyBuy(bot, intent, price, now)
	case models.ActionSell:
		return applySell(bot, intent, price, now)
	default:
		return Result{StatusMsg: intent.StatusMsg}
	}
}

// applyTrail 进入或推进追踪止盈: 记录对持仓最有利的极值价
func applyTrail(bot *models.Bot, intent *models.Intent, price float64, now time.Time) Result {
	st := &bot.State
	st.TrailArmed = true
	if st.ExtremePrice <= 0 {
		st.ExtremePrice = price
	} else if bot.IsLong() {
		if price > st.ExtremePrice {
			st.ExtremePrice = price
		}
	} else {
		if price < st.ExtremePrice {
			st.ExtremePrice = price
		}
	}
	st.LastUpdateTime = now

	res := Result{Changed: true, StatusMsg: intent.StatusMsg}
	if intent.LogNote != "" {
		res.Logs = append(res.Logs, models.TradeLog{
			BotID: bot.ID, Time: now, Action: "trailing",
			Price: price, Note: intent.LogNote,
		})
	}
	return res
}

// applyBuy 按预算开仓或加仓。
// required = cost * (1 + leverage*fee_rate); 余额不足时尝试 99.9% 压缩。
func applyBuy(bot *models.Bot, intent *models.Intent, price float64, now time.Time) Result {
	cfg := &bot.Config
	st := &bot.State

	costD := d(intent.Cost)
	priceD := d(price)
	feeRateD := d(cfg.FeeRate)
	levD := decimal.NewFromInt(int64(cfg.Leverage))
	balanceD := d(st.Balance)

	one := decimal.NewFromInt(1)
	costFactor := one.Add(levD.Mul(feeRateD))
	requiredD := costD.Mul(costFactor)

	var notionalD, feeD decimal.Decimal
	if balanceD.LessThan(requiredD) {
		adjustedD := balanceD.Div(costFactor).Mul(downsizeFactor)
		if adjustedD.GreaterThan(costD.Mul(downsizeMinRatio)) {
			costD = adjustedD
		}
		notionalD = costD.Mul(levD)
		feeD = notionalD.Mul(feeRateD)
		requiredD = costD.Add(feeD)
	} else {
		notionalD = costD.Mul(levD)
		feeD = notionalD.Mul(feeRateD)
		requiredD = costD.Add(feeD)
	}

	if balanceD.LessThan(requiredD) {
		need, _ := requiredD.Float64()
		return Result{Changed: true, StatusMsg: fmt.Sprintf("余额不足 (需要 %.2f)", need)}
	}

	rawAmtD := notionalD.Div(priceD)
	rawAmt, _ := rawAmtD.Float64()
	amt := FloorToPrecision(rawAmt, cfg.QtyPrecision)
	if amt <= 0 {
		return Result{
			Changed: true,
			Logs: []models.TradeLog{{
				BotID: bot.ID, Time: now, Action: models.LogActionError,
				Price: price, Note: fmt.Sprintf("下单数量过小, 已放弃: %v", rawAmtD),
			}},
		}
	}

	amtD := d(amt)
	actualNotionalD := amtD.Mul(priceD)
	actualMarginD := actualNotionalD.Div(levD)
	actualFeeD := actualNotionalD.Mul(feeRateD)

	posD := d(st.PositionAmt)
	avgD := d(st.AvgEntryPrice)
	marginD := d(st.TotalCost)

	var newAvgD decimal.Decimal
	if posD.IsZero() {
		newAvgD = priceD
	} else {
		oldNotional := posD.Mul(avgD)
		newAvgD = oldNotional.Add(actualNotionalD).Div(posD.Add(amtD))
	}

	st.PositionAmt, _ = posD.Add(amtD).Float64()
	st.Balance, _ = balanceD.Sub(actualMarginD).Sub(actualFeeD).Float64()
	st.TotalCost, _ = marginD.Add(actualMarginD).Float64()
	st.AvgEntryPrice, _ = newAvgD.Float64()

	levelIdx := -1
	if intent.NewLevelIdx != nil {
		levelIdx = *intent.NewLevelIdx
		st.LastLevelIdx = levelIdx
	}
	soIndex := 0
	if bot.Strategy == models.StrategyTrendDCA {
		if intent.IsBase {
			st.CurrentSOIndex = 2
			st.ExtremePrice = price
			soIndex = 1
		} else {
			soIndex = st.CurrentSOIndex
			st.CurrentSOIndex++
		}
	}
	st.Orders = append(st.Orders, models.OrderLeg{
		Price: price, Amount: amt,
		Cost:     mustFloat(actualMarginD),
		SOIndex:  soIndex,
		LevelIdx: levelIdx,
		Time:     now,
	})
	st.LastFillTime = now
	st.LastFillPrice = price
	st.LastUpdateTime = now

	logAction := intent.LogAction
	if logAction == "" {
		logAction = models.LogActionBuy
	}
	return Result{
		Changed:   true,
		StatusMsg: intent.StatusMsg,
		Logs: []models.TradeLog{{
			BotID: bot.ID, Time: now, Action: logAction,
			Price: price, Amount: amt,
			Fee:  mustFloat(actualFeeD),
			Note: intent.LogNote,
		}},
	}
}

// applySell 全量平仓: 返还保证金与盈亏, 清空回合状态
func applySell(bot *models.Bot, intent *models.Intent, price float64, now time.Time) Result {
	cfg := &bot.Config
	st := &bot.State
	if st.PositionAmt == 0 {
		return Result{StatusMsg: intent.StatusMsg}
	}

	posD := d(st.PositionAmt)
	avgD := d(st.AvgEntryPrice)
	marginD := d(st.TotalCost)
	priceD := d(price)
	feeRateD := d(cfg.FeeRate)

	closeNotionalD := posD.Mul(priceD)
	closeFeeD := closeNotionalD.Mul(feeRateD)

	var pnlD decimal.Decimal
	if bot.IsLong() {
		pnlD = priceD.Sub(avgD).Mul(posD)
	} else {
		pnlD = avgD.Sub(priceD).Mul(posD)
	}

	balanceReturnD := marginD.Add(pnlD).Sub(closeFeeD)
	st.Balance, _ = d(st.Balance).Add(balanceReturnD).Float64()

	realized := mustFloat(pnlD.Sub(closeFeeD))
	closedAmt := st.PositionAmt

	st.ResetPosition(now)
	if intent.ResetBox {
		st.Stage = ""
		st.BreakoutDir = ""
		st.ActiveDirection = ""
		st.Box5m = nil
		st.Box15m = nil
	}
	if intent.ResetRange {
		st.GridUpper = 0
		st.GridLower = 0
		st.LastLevelIdx = -1
	}
	st.LastUpdateTime = now

	logAction := intent.LogAction
	if logAction == "" {
		logAction = models.LogActionSell
	}
	return Result{
		Changed:   true,
		StatusMsg: intent.StatusMsg,
		Profit:    realized,
		Logs: []models.TradeLog{{
			BotID: bot.ID, Time: now, Action: logAction,
			Price: price, Amount: closedAmt,
			Profit: realized,
			Fee:    mustFloat(closeFeeD),
			Note:   intent.LogNote,
		}},
	}
}

func mustFloat(v decimal.Decimal) float64 {
	f, _ := v.Float64()
	return f
}
