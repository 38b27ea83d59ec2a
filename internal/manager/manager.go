// Package manager 是机器人生命周期与手动操作的统一入口。
// 引擎循环负责自动交易, 这里负责外部触发的一切: 建删机器人、
// 启停、改配置、入金、手动加仓/平仓、快照查询。
// 所有会改写账本的操作都与引擎共用同一把 per-bot 锁,
// 保证手动操作不会与自动流水线交错写状态。
package manager

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jxskiss/base62"
	"github.com/shopspring/decimal"

	"multi-strategy-bot-go/internal/backtest"
	"multi-strategy-bot-go/internal/ledger"
	"multi-strategy-bot-go/internal/logger"
	"multi-strategy-bot-go/internal/marketdata"
	"multi-strategy-bot-go/internal/models"
	"multi-strategy-bot-go/internal/persistence"
	"multi-strategy-bot-go/internal/registry"
	"multi-strategy-bot-go/internal/strategy"
)

// Manager 聚合了手动操作需要的全部依赖
type Manager struct {
	bots persistence.BotRepository
	logs persistence.TradeLogRepository
	reg  *registry.Registry
	data *marketdata.Provider
}

// New 创建一个 Manager
func New(bots persistence.BotRepository, logs persistence.TradeLogRepository,
	reg *registry.Registry, data *marketdata.Provider) *Manager {
	return &Manager{bots: bots, logs: logs, reg: reg, data: data}
}

// newBotID 生成一个短且 URL 安全的机器人 ID
func newBotID() string {
	u := uuid.New()
	return base62.EncodeToString(u[:])
}

// CreateBot 创建一条新的机器人记录, 初始余额等于预算, 初始为停止状态
func (m *Manager) CreateBot(name, owner string, st models.StrategyType,
	mode models.BotMode, cfg models.BotConfig) (*models.Bot, error) {
	if _, err := strategy.New(st); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if cfg.Symbol == "" {
		return nil, fmt.Errorf("交易对不能为空")
	}
	if cfg.Capital <= 0 {
		return nil, fmt.Errorf("预算必须大于 0")
	}

	bot := &models.Bot{
		ID:        newBotID(),
		Name:      name,
		Owner:     owner,
		Strategy:  st,
		Mode:      mode,
		IsRunning: false,
		Status:    models.StatusStopped,
		CreatedAt: time.Now(),
		Config:    cfg,
		State: models.BotState{
			Version:      1,
			Balance:      cfg.Capital,
			LastLevelIdx: -1,
		},
	}
	if err := m.bots.SaveBot(bot); err != nil {
		return nil, err
	}
	logger.S().Infof("已创建机器人 %s (%s %s)", bot.ID, st, cfg.Symbol)
	return bot, nil
}

// DeleteBot 删除机器人及其全部流水。
// 仍有持仓或仍在运行的机器人拒绝删除。
func (m *Manager) DeleteBot(id string) error {
	lock := m.reg.BotLock(id)
	lock.Lock()
	defer lock.Unlock()

	bot, err := m.bots.LoadBot(id)
	if err != nil {
		return err
	}
	if bot == nil {
		return fmt.Errorf("机器人不存在: %s", id)
	}
	if !bot.State.IsFlat() {
		return fmt.Errorf("仍有持仓 (%v), 拒绝删除, 请先手动平仓", bot.State.PositionAmt)
	}
	if bot.IsRunning {
		return fmt.Errorf("机器人仍在运行, 请先停止")
	}

	if err := m.logs.DeleteLogs(id); err != nil {
		return fmt.Errorf("删除交易流水失败: %w", err)
	}
	if err := m.bots.DeleteBot(id); err != nil {
		return err
	}
	m.reg.RemoveBot(id)
	logger.S().Infof("已删除机器人 %s", id)
	return nil
}

// SetRunning 启动或停止机器人
func (m *Manager) SetRunning(id string, run bool) error {
	lock := m.reg.BotLock(id)
	lock.Lock()
	defer lock.Unlock()

	bot, err := m.bots.LoadBot(id)
	if err != nil {
		return err
	}
	if bot == nil {
		return fmt.Errorf("机器人不存在: %s", id)
	}

	bot.IsRunning = run
	if run {
		bot.Status = models.StatusStarting
	} else {
		bot.Status = models.StatusStopped
	}
	return m.bots.SaveBot(bot)
}

// UpdateConfig 整体替换机器人的可编辑配置。
// 持仓期间禁止修改方向与杠杆; 空仓下改了方向会重置策略进度。
func (m *Manager) UpdateConfig(id string, newCfg models.BotConfig) error {
	lock := m.reg.BotLock(id)
	lock.Lock()
	defer lock.Unlock()

	bot, err := m.bots.LoadBot(id)
	if err != nil {
		return err
	}
	if bot == nil {
		return fmt.Errorf("机器人不存在: %s", id)
	}

	old := &bot.Config
	directionChanged := newCfg.Direction != "" && newCfg.Direction != old.Direction
	if !bot.State.IsFlat() {
		if directionChanged {
			return fmt.Errorf("危险操作已拦截: 当前持仓 %v, 禁止修改方向, 请先手动平仓", bot.State.PositionAmt)
		}
		if newCfg.Leverage != 0 && newCfg.Leverage != old.Leverage {
			return fmt.Errorf("危险操作已拦截: 当前持仓 %v, 禁止修改杠杆, 请先手动平仓", bot.State.PositionAmt)
		}
	}
	if newCfg.Leverage < 0 {
		return fmt.Errorf("杠杆必须不小于 1")
	}
	if newCfg.CooldownSec < 0 {
		newCfg.CooldownSec = 60
	}

	newCfg.ApplyDefaults()
	bot.Config = newCfg

	if directionChanged {
		// 方向变了, 旧的进度对新方向全部失效
		st := &bot.State
		st.NextTradeTime = time.Time{}
		switch bot.Strategy {
		case models.StrategyGridDCA:
			st.GridUpper = 0
			st.GridLower = 0
			st.LastLevelIdx = -1
		case models.StrategyTrendDCA:
			st.CurrentSOIndex = 0
			st.TrailArmed = false
			st.ExtremePrice = 0
		case models.StrategyBoxBreakout:
			st.Stage = strategy.StageIdle
			st.BreakoutDir = ""
			st.ActiveDirection = ""
			st.StopLossPrice = 0
			st.ExtremePrice = 0
		}
		bot.Status = "⚙️ 方向已修改, 策略进度已重置"
	}

	// 配置变动可能影响缺口扫描, 强制下一跳重新扫描
	m.reg.BotScratch(id).LastGapUpdate = time.Time{}

	return m.bots.SaveBot(bot)
}

// Deposit 给机器人入金: 余额与预算同步增加, 并留一条流水
func (m *Manager) Deposit(id string, amount float64) error {
	if amount <= 0 {
		return fmt.Errorf("金额必须大于 0")
	}

	lock := m.reg.BotLock(id)
	lock.Lock()
	defer lock.Unlock()

	bot, err := m.bots.LoadBot(id)
	if err != nil {
		return err
	}
	if bot == nil {
		return fmt.Errorf("机器人不存在: %s", id)
	}

	bot.State.Balance, _ = decimal.NewFromFloat(bot.State.Balance).
		Add(decimal.NewFromFloat(amount)).Float64()
	bot.Config.Capital, _ = decimal.NewFromFloat(bot.Config.Capital).
		Add(decimal.NewFromFloat(amount)).Float64()
	bot.Status = fmt.Sprintf("✅ 入金成功: +%.2f U", amount)

	if err := m.logs.AddLog(&models.TradeLog{
		BotID: id, Time: time.Now(), Action: models.LogActionDeposit,
		Amount: amount, Note: fmt.Sprintf("Deposit: +%.2f U", amount),
	}); err != nil {
		return fmt.Errorf("写入金流水失败: %w", err)
	}
	return m.bots.SaveBot(bot)
}

// resolvePrice 取最新价: 优先用流水线缓存的价格, 没有就现场查一次行情
func (m *Manager) resolvePrice(bot *models.Bot) (float64, error) {
	scratch := m.reg.BotScratch(bot.ID)
	if scratch.MarketPrice > 0 {
		return scratch.MarketPrice, nil
	}

	ex, err := m.reg.CachedExchange(bot.Owner, bot.Config.Exchange, bot.Config.MarketType)
	if err != nil {
		return 0, fmt.Errorf("创建交易所连接失败: %w", err)
	}
	ticker, err := ex.FetchTicker(bot.Config.Symbol)
	if err != nil {
		return 0, fmt.Errorf("无法获取最新价格, 请稍后重试: %w", err)
	}
	scratch.MarketPrice = ticker.Last
	return ticker.Last, nil
}

// ManualBuy 按保证金预算手动加仓。
// 资金计算与自动买入走同一套账本; 成交后按策略类型对齐状态机进度,
// 防止手动仓位把自动逻辑卡死。
func (m *Manager) ManualBuy(id string, amountUSD float64) error {
	if amountUSD <= 0 {
		return fmt.Errorf("金额必须大于 0")
	}

	lock := m.reg.BotLock(id)
	lock.Lock()
	defer lock.Unlock()

	bot, err := m.bots.LoadBot(id)
	if err != nil {
		return err
	}
	if bot == nil {
		return fmt.Errorf("机器人不存在: %s", id)
	}

	price, err := m.resolvePrice(bot)
	if err != nil {
		return err
	}

	// 先做一次余额预检, 以便返回带缺口数额的错误;
	// 压缩规则与账本一致: 降到可用余额的 99.9%, 低于原预算 10% 则放弃
	cfg := &bot.Config
	amtD := decimal.NewFromFloat(amountUSD)
	levD := decimal.NewFromInt(int64(cfg.Leverage))
	feeD := decimal.NewFromFloat(cfg.FeeRate)
	balD := decimal.NewFromFloat(bot.State.Balance)
	costFactor := decimal.NewFromInt(1).Add(levD.Mul(feeD))
	requiredD := amtD.Mul(costFactor)
	if balD.LessThan(requiredD) {
		adjusted := balD.Div(costFactor).Mul(decimal.RequireFromString("0.999"))
		if !adjusted.GreaterThan(amtD.Mul(decimal.RequireFromString("0.1"))) {
			need, _ := requiredD.Float64()
			have, _ := balD.Float64()
			return fmt.Errorf("余额不足 (需要 %.2f, 现有 %.2f)", need, have)
		}
	}

	now := time.Now()
	intent := &models.Intent{
		Action:    models.ActionBuy,
		Cost:      amountUSD,
		IsBase:    bot.State.IsFlat(),
		LogAction: models.LogActionManualBuy,
		LogNote:   fmt.Sprintf("Manual Buy (Lev %dx)", cfg.Leverage),
	}
	res := ledger.Apply(bot, intent, price, now)
	if len(res.Logs) == 0 {
		return fmt.Errorf("加仓失败: %s", res.StatusMsg)
	}
	if res.Logs[0].Action == models.LogActionError {
		return fmt.Errorf("下单数量过小, 已放弃")
	}

	filled := res.Logs[0].Amount
	m.realignAfterManualBuy(bot, price)

	bot.Status = fmt.Sprintf("✋ 手动加仓成功: %v", filled)
	for i := range res.Logs {
		if err := m.logs.AddLog(&res.Logs[i]); err != nil {
			logger.S().Errorf("机器人 %s 写交易流水失败: %v", id, err)
		}
	}
	return m.bots.SaveBot(bot)
}

// realignAfterManualBuy 按策略类型把状态机进度对齐到手动加仓后的仓位
func (m *Manager) realignAfterManualBuy(bot *models.Bot, price float64) {
	st := &bot.State
	switch bot.Strategy {
	case models.StrategyTrendDCA:
		// 用仓位占预算的比例估算当前应该进行到第几单,
		// 与 "单纯+1" 取较大值
		usage := 0.0
		if bot.Config.Capital > 0 {
			usage = st.TotalCost / bot.Config.Capital
		}
		estimated := 1
		switch {
		case usage > 0.75:
			estimated = 6
		case usage > 0.50:
			estimated = 5
		case usage > 0.30:
			estimated = 4
		case usage > 0.15:
			estimated = 3
		case usage > 0.05:
			estimated = 2
		}
		if estimated > st.CurrentSOIndex {
			st.CurrentSOIndex = estimated
		}
		st.TrailArmed = false
		st.ExtremePrice = 0

	case models.StrategyGridDCA:
		// 强制策略重新扫描当前价格所在的档位
		st.LastLevelIdx = -1
		st.TrailArmed = false
		st.ExtremePrice = 0

	case models.StrategyBoxBreakout:
		st.Stage = strategy.StageInPos
		st.StopLossPrice = 0
		st.ExtremePrice = price
	}
}

// ManualClose 立即全量平仓, 返回实现盈亏。
// 平仓后按配置决定停机、冷却 1 小时还是立即继续。
func (m *Manager) ManualClose(id string) (float64, error) {
	lock := m.reg.BotLock(id)
	lock.Lock()
	defer lock.Unlock()

	bot, err := m.bots.LoadBot(id)
	if err != nil {
		return 0, err
	}
	if bot == nil {
		return 0, fmt.Errorf("机器人不存在: %s", id)
	}
	if bot.State.IsFlat() {
		return 0, fmt.Errorf("当前无持仓")
	}

	price, err := m.resolvePrice(bot)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	intent := &models.Intent{
		Action:     models.ActionSell,
		LogAction:  models.LogActionManualClose,
		LogNote:    "Manual Close",
		ResetBox:   true,
		ResetRange: true,
	}
	res := ledger.Apply(bot, intent, price, now)

	// 平仓后的通用清场: 箱体状态机必须退回 IDLE, 否则会卡死
	st := &bot.State
	st.Stage = strategy.StageIdle
	st.BreakoutDir = ""
	if bot.Strategy == models.StrategyPeriodic {
		st.LastInvestTime = now
	}

	realized := res.Profit
	sign := ""
	if realized >= 0 {
		sign = "+"
	}
	msg := fmt.Sprintf("✋ 手动平仓完成, 实现盈亏: %s%.2f U", sign, realized)

	switch bot.Config.ManualCloseAction {
	case "cooldown":
		st.NextTradeTime = now.Add(time.Hour)
		msg += " (冷却 1 小时)"
	case "stop":
		bot.IsRunning = false
		msg += " (已停止)"
	default:
		st.NextTradeTime = now.Add(10 * time.Second)
		msg += " (继续运行)"
	}
	bot.Status = msg

	for i := range res.Logs {
		if err := m.logs.AddLog(&res.Logs[i]); err != nil {
			logger.S().Errorf("机器人 %s 写交易流水失败: %v", id, err)
		}
	}
	if err := m.bots.SaveBot(bot); err != nil {
		return realized, err
	}
	logger.S().Infof("机器人 %s 手动平仓 @%.4f, 实现盈亏 %.2f", id, price, realized)
	return realized, nil
}

// RunBacktest 在上传的K线上重放机器人的决策管线。
// 回测会清空该机器人的状态与历史流水, 只允许对已停止的机器人执行。
func (m *Manager) RunBacktest(id string, candles []models.Candle) (*backtest.Result, error) {
	lock := m.reg.BotLock(id)
	lock.Lock()
	defer lock.Unlock()

	bot, err := m.bots.LoadBot(id)
	if err != nil {
		return nil, err
	}
	if bot == nil {
		return nil, fmt.Errorf("机器人不存在: %s", id)
	}
	if bot.IsRunning {
		return nil, fmt.Errorf("机器人正在运行, 请先停止再回测")
	}

	res, err := backtest.Run(bot, candles, m.logs)
	if err != nil {
		return nil, err
	}
	if err := m.bots.SaveBot(bot); err != nil {
		return nil, err
	}
	return res, nil
}

// Snapshot 是一次快照查询的完整返回
type Snapshot struct {
	Bot           *models.Bot          `json:"bot"`
	MarketPrice   float64              `json:"market_price"`
	UnrealizedPnL float64              `json:"unrealized_pnl"`
	ROE           float64              `json:"roe"`
	TotalProfit   float64              `json:"total_profit"`
	TotalFees     float64              `json:"total_fees"`
	Ladder        []models.LadderEntry `json:"ladder"`
	RecentLogs    []models.TradeLog    `json:"recent_logs"`
	Rounds        []models.Round       `json:"rounds"`
}

// Snapshot 汇总机器人的当前状态、浮动盈亏、梯子预览、最近流水与回合统计
func (m *Manager) Snapshot(id string) (*Snapshot, error) {
	bot, err := m.bots.LoadBot(id)
	if err != nil {
		return nil, err
	}
	if bot == nil {
		return nil, fmt.Errorf("机器人不存在: %s", id)
	}

	scratch := m.reg.BotScratch(id)
	snap := &Snapshot{
		Bot:         bot,
		MarketPrice: scratch.MarketPrice,
		Ladder:      scratch.Ladder,
	}

	if !bot.State.IsFlat() && snap.MarketPrice > 0 {
		posD := decimal.NewFromFloat(bot.State.PositionAmt)
		avgD := decimal.NewFromFloat(bot.State.AvgEntryPrice)
		priceD := decimal.NewFromFloat(snap.MarketPrice)
		var pnlD decimal.Decimal
		if bot.IsLong() {
			pnlD = priceD.Sub(avgD).Mul(posD)
		} else {
			pnlD = avgD.Sub(priceD).Mul(posD)
		}
		snap.UnrealizedPnL, _ = pnlD.Float64()
		snap.ROE = ledger.ROE(&bot.Config, bot.State.AvgEntryPrice, snap.MarketPrice)
	}

	if snap.TotalProfit, err = m.logs.TotalProfit(id); err != nil {
		return nil, err
	}
	if snap.TotalFees, err = m.logs.TotalFees(id); err != nil {
		return nil, err
	}
	if snap.RecentLogs, err = m.logs.Logs(id, 50); err != nil {
		return nil, err
	}
	if snap.Rounds, err = m.logs.Rounds(id); err != nil {
		return nil, err
	}
	return snap, nil
}

// Kline 返回机器人交易对的K线, 给前端画图用
func (m *Manager) Kline(id, timeframe string, limit int) ([]models.Candle, error) {
	bot, err := m.bots.LoadBot(id)
	if err != nil {
		return nil, err
	}
	if bot == nil {
		return nil, fmt.Errorf("机器人不存在: %s", id)
	}
	ex, err := m.reg.CachedExchange(bot.Owner, bot.Config.Exchange, bot.Config.MarketType)
	if err != nil {
		return nil, err
	}
	return m.data.OHLCV(ex, bot.Config.Symbol, timeframe, limit)
}
