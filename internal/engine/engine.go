// Package engine 实现多机器人的并发调度:
// 每跳读出全部机器人, 各自跑一遍 行情→过滤→策略→账本→落库 的流水线,
// 单个机器人有硬超时, 状态变更在机器人锁内基于最新库内状态执行。
package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"multi-strategy-bot-go/internal/exchange"
	"multi-strategy-bot-go/internal/filter"
	"multi-strategy-bot-go/internal/ledger"
	"multi-strategy-bot-go/internal/logger"
	"multi-strategy-bot-go/internal/marketdata"
	"multi-strategy-bot-go/internal/models"
	"multi-strategy-bot-go/internal/persistence"
	"multi-strategy-bot-go/internal/registry"
	"multi-strategy-bot-go/internal/strategy"
)

const (
	// WebSocket 缓存价的最大新鲜度, 超过就回退 REST
	wsPriceMaxAge = 10 * time.Second
	// 纯状态说明变化的最小落库间隔
	statusWriteInterval = 3 * time.Second
	// 缺口区扫描的节流间隔
	gapRefreshInterval = 60 * time.Second
)

// Engine 是策略引擎
type Engine struct {
	cfg    *models.EngineConfig
	bots   persistence.BotRepository
	logs   persistence.TradeLogRepository
	reg    *registry.Registry
	data   *marketdata.Provider
	filter *filter.Filter
	stream *StreamManager
}

// New 组装一个引擎
func New(cfg *models.EngineConfig, bots persistence.BotRepository, logs persistence.TradeLogRepository,
	reg *registry.Registry, data *marketdata.Provider) *Engine {
	return &Engine{
		cfg:    cfg,
		bots:   bots,
		logs:   logs,
		reg:    reg,
		data:   data,
		filter: filter.New(data),
		stream: NewStreamManager(cfg.BinanceWSURL, reg),
	}
}

// Run 是主调度循环, 阻塞直到 ctx 取消
func (e *Engine) Run(ctx context.Context) {
	logger.S().Info(">>> 启动多策略引擎...")
	go e.stream.Run()
	defer e.stream.Stop()

	tick := time.Duration(e.cfg.TickIntervalSec * float64(time.Second))
	idle := time.Duration(e.cfg.IdleIntervalSec * float64(time.Second))

	for {
		select {
		case <-ctx.Done():
			logger.S().Info(">>> 引擎已停止")
			return
		default:
		}

		bots, err := e.bots.ListBots()
		if err != nil {
			logger.S().Errorf("读取机器人列表失败: %v", err)
			e.sleep(ctx, 5*time.Second)
			continue
		}

		if len(bots) == 0 {
			e.stream.UpdateSymbols(nil)
			e.sleep(ctx, idle)
			continue
		}

		// 动态维护 WebSocket 订阅: 只有币安合约能走推送
		target := make(map[string]struct{})
		for _, b := range bots {
			if b.Config.Symbol != "" && b.Config.Exchange == "binance" && b.Config.MarketType != "spot" {
				target[b.Config.Symbol] = struct{}{}
			}
		}
		e.stream.UpdateSymbols(target)

		var wg sync.WaitGroup
		for _, b := range bots {
			wg.Add(1)
			go func(bot *models.Bot) {
				defer wg.Done()
				e.runWithTimeout(ctx, bot)
			}(b)
		}
		wg.Wait()

		e.sleep(ctx, tick)
	}
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// runWithTimeout 给单个机器人的流水线加硬超时, 超时只记日志不升级
func (e *Engine) runWithTimeout(ctx context.Context, bot *models.Bot) {
	timeout := time.Duration(e.cfg.PipelineTimeoutSec * float64(time.Second))
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				logger.S().Errorf("机器人 %s 流水线 panic: %v", bot.ID, r)
			}
		}()
		e.ProcessBot(bot)
	}()

	select {
	case <-done:
	case <-tctx.Done():
		if tctx.Err() == context.DeadlineExceeded {
			logger.S().Warnf("机器人 %s 处理超时 (%.0fs)", bot.ID, e.cfg.PipelineTimeoutSec)
		}
	}
}

// ProcessBot 跑一遍单个机器人的完整流水线。
// 传入的 bot 是快照; 任何状态变更都在锁内基于重新读出的最新记录执行。
func (e *Engine) ProcessBot(bot *models.Bot) {
	if bot.Config.Symbol == "" {
		logger.S().Warnf("机器人 %s 缺少交易对, 跳过", bot.ID)
		return
	}
	scratch := e.reg.BotScratch(bot.ID)

	ex, err := e.reg.CachedExchange(bot.Owner, bot.Config.Exchange, bot.Config.MarketType)
	if err != nil {
		logger.S().Errorf("机器人 %s 初始化交易所失败: %v", bot.ID, err)
		return
	}
	strat, err := strategy.New(bot.Strategy)
	if err != nil {
		logger.S().Errorf("机器人 %s: %v", bot.ID, err)
		return
	}

	// 1. 行情: 优先 WebSocket 缓存, 失效回退 REST
	price := 0.0
	if bot.Config.Exchange == "binance" && bot.Config.MarketType != "spot" {
		if p, ok := e.reg.Price(bot.Config.Symbol, wsPriceMaxAge); ok {
			price = p
		}
	}
	if price <= 0 {
		p, err := ex.FetchPrice(bot.Config.Symbol)
		if err != nil {
			logger.S().Warnf("机器人 %s 获取行情失败: %v", bot.ID, err)
			return
		}
		price = p
	}
	if price <= 0 {
		return
	}
	scratch.MarketPrice = price

	// 2. RSI 预检 (只在空仓时需要, 提前到锁外做网络请求)
	rsiPass, rsiMsg := true, ""
	if bot.State.IsFlat() && bot.Config.Filters.UseRSI {
		rsiPass, rsiMsg = e.filter.CheckRSI(ex, bot.Config.Symbol, &bot.Config.Filters, bot.IsLong())
	}

	// 3. 策略前置数据
	sctx := &strategy.Context{Price: price, Now: time.Now()}
	switch bot.Strategy {
	case models.StrategyBoxBreakout:
		if c5, err := e.data.OHLCV(ex, bot.Config.Symbol, "5m", 100); err == nil {
			sctx.OHLCV5m = c5
		}
		if c15, err := e.data.OHLCV(ex, bot.Config.Symbol, "15m", 100); err == nil {
			sctx.OHLCV15m = c15
		}
	case models.StrategyTrendDCA:
		if bot.Config.TrendDCA != nil && bot.Config.TrendDCA.UseGapTrigger {
			e.refreshGapCache(scratch, ex, bot)
			sctx.GapZones = scratch.Gaps
		}
	}

	// 4. 梯子预览 (停着也要给前端更新)
	scratch.Ladder = strat.GenerateLadder(bot, price)

	if !bot.IsRunning {
		return
	}

	// 5. 策略分析 (在快照上跑, 不碰数据库)
	intent := strat.Analyze(bot, sctx)
	hasPosition := !bot.State.IsFlat()
	forceStatus := strings.Contains(bot.Status, models.StatusStarting)

	// 纯状态说明且无任何变化时避开无谓的锁与写库
	if intent.Action == models.ActionNone && !intent.UpdateMsg && intent.NewLevelIdx == nil &&
		!intent.ResetBox && !forceStatus && !hasPosition {
		if intent.StatusMsg == bot.Status {
			return
		}
		if time.Since(scratch.LastDBWrite) < statusWriteInterval {
			return
		}
	}

	// 6. 锁内执行: 重读最新状态, 确认仍在运行
	lock := e.reg.BotLock(bot.ID)
	lock.Lock()
	defer lock.Unlock()

	fresh, err := e.bots.LoadBot(bot.ID)
	if err != nil || fresh == nil || !fresh.IsRunning {
		return
	}

	saveNeeded := e.mergeScratchState(bot, fresh, intent)

	statusMsg := intent.StatusMsg
	if strings.Contains(fresh.Status, models.StatusStarting) {
		statusMsg = models.StatusRunning
		saveNeeded = true
	}

	// 7. 首单过滤: RSI 预检结果 + 进阶过滤组合
	if intent.Action == models.ActionBuy && fresh.State.IsFlat() {
		if !rsiPass {
			intent.Action = models.ActionNone
			statusMsg = "⏳ RSI 等待: " + rsiMsg
			saveNeeded = true
		} else if fresh.Config.Filters.UseAdvanced {
			if pass, msg := e.filter.CheckAdvanced(ex, fresh.Config.Symbol,
				&fresh.Config.Filters, fresh.IsLong(), price); !pass {
				intent.Action = models.ActionNone
				statusMsg = "⏳ 过滤器等待: " + msg
				saveNeeded = true
			}
		}
	}

	// 8. 记账
	res := ledger.Apply(fresh, intent, price, time.Now())
	for i := range res.Logs {
		res.Logs[i].BotID = fresh.ID
		if err := e.logs.AddLog(&res.Logs[i]); err != nil {
			logger.S().Errorf("机器人 %s 写流水失败: %v", fresh.ID, err)
		}
	}
	if res.StatusMsg != "" {
		statusMsg = res.StatusMsg
	}

	// 9. 落库前再确认一次没有被外部停止或删除
	check, err := e.bots.LoadBot(bot.ID)
	if err != nil || check == nil || !check.IsRunning {
		return
	}

	if statusMsg != "" {
		fresh.Status = persistence.Truncate(statusMsg)
	}
	switch {
	case res.Changed || saveNeeded || hasPosition:
		if err := e.bots.SaveBot(fresh); err != nil {
			logger.S().Errorf("机器人 %s 落库失败: %v", fresh.ID, err)
			return
		}
		scratch.LastDBWrite = time.Now()
	case statusMsg != "" && statusMsg != check.Status:
		if time.Since(scratch.LastDBWrite) > statusWriteInterval {
			if err := e.bots.SaveBot(fresh); err != nil {
				logger.S().Errorf("机器人 %s 落库失败: %v", fresh.ID, err)
				return
			}
			scratch.LastDBWrite = time.Now()
		}
	}
}

// mergeScratchState 把策略在快照上改写的 scratch 字段并入库内最新状态。
// 返回是否需要立即落库。
func (e *Engine) mergeScratchState(snapshot, fresh *models.Bot, intent *models.Intent) bool {
	save := false
	ss := &snapshot.State
	fs := &fresh.State

	if intent.NewLevelIdx != nil {
		fs.LastLevelIdx = *intent.NewLevelIdx
		save = true
	}

	// 箱体状态机在空仓时的自我修复
	if intent.ResetBox && intent.Action != models.ActionSell {
		fs.Stage = strategy.StageIdle
		fs.BreakoutDir = ""
		fs.StopLossPrice = 0
		fs.ExtremePrice = 0
		save = true
	}

	if !intent.UpdateMsg {
		return save
	}

	if snapshot.Strategy == models.StrategyBoxBreakout {
		fs.Box5m = ss.Box5m
		fs.Box15m = ss.Box15m
		fs.LastTradedBoxID = ss.LastTradedBoxID

		// 阶段只在空仓或已确认进场时同步, 避免覆盖持仓中的真实阶段
		if fs.IsFlat() || ss.Stage == strategy.StageInPos {
			fs.Stage = ss.Stage
			fs.BreakoutDir = ss.BreakoutDir
			fs.ActiveDirection = ss.ActiveDirection
		}
		if ss.StopLossPrice > 0 {
			fs.StopLossPrice = ss.StopLossPrice
		}
		if ss.ExtremePrice > 0 {
			fs.ExtremePrice = ss.ExtremePrice
		}
	} else {
		fs.GridUpper = ss.GridUpper
		fs.GridLower = ss.GridLower
		fs.LastInvestTime = ss.LastInvestTime
		fs.NextTradeTime = ss.NextTradeTime
	}
	return true
}

// refreshGapCache 按节流间隔重扫 1h/4h 的缺口区
func (e *Engine) refreshGapCache(scratch *registry.Scratch, ex exchange.Exchange, bot *models.Bot) {
	if time.Since(scratch.LastGapUpdate) < gapRefreshInterval {
		return
	}

	var all []models.GapZone
	for _, tf := range []string{"1h", "4h"} {
		candles, err := e.data.OHLCV(ex, bot.Config.Symbol, tf, 100)
		if err != nil {
			logger.S().Debugf("机器人 %s 拉取 %s K线失败: %v", bot.ID, tf, err)
			continue
		}
		all = append(all, strategy.FindGapZones(candles, bot.Config.Direction, tf, 3)...)
	}
	scratch.Gaps = all
	scratch.LastGapUpdate = time.Now()
}
