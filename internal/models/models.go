package models

import (
	"fmt"
	"time"
)

// StrategyType 定义了机器人可选的策略类型
type StrategyType string

const (
	StrategyTrendDCA    StrategyType = "trend_dca"    // 趋势马丁 (缺口回补加仓)
	StrategyGridDCA     StrategyType = "grid_dca"     // 自动网格 DCA
	StrategyBoxBreakout StrategyType = "box_breakout" // 箱体突破回踩
	StrategyPeriodic    StrategyType = "periodic"     // 定投
)

// Direction 定义了持仓方向
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
	DirectionBoth  Direction = "both" // 仅箱体策略支持, 实际方向在突破时落定
)

// BotMode 区分实盘与回测机器人
type BotMode string

const (
	ModeLive     BotMode = "live"
	ModeBacktest BotMode = "backtest"
)

// Action 是策略分析产出的动作类型
type Action string

const (
	ActionNone        Action = "none"
	ActionBuy         Action = "buy"
	ActionSell        Action = "sell"
	ActionUpdateTrail Action = "update_trail"
)

// Candle 代表一根K线: 时间戳(毫秒)、开高低收、成交量
type Candle struct {
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// Ticker 是交易所最新行情的统一结构
type Ticker struct {
	Symbol    string  `json:"symbol"`
	Last      float64 `json:"last"`
	Timestamp int64   `json:"timestamp"`
}

// GapZone 是三根K线形成的价格失衡区间，趋势马丁用它提前触发补仓
type GapZone struct {
	Top       float64 `json:"top"`
	Bottom    float64 `json:"bottom"`
	Timeframe string  `json:"tf"`
}

// Box 是由枢轴K线对推导出的箱体。
// ID 取枢轴K线的开盘时间戳，用于防止同一个箱体被重复交易。
type Box struct {
	Top    float64 `json:"top"`
	Bottom float64 `json:"bottom"`
	ID     int64   `json:"id"`
}

// Intent 是策略单次分析的产物，仅在内存中流转，从不落库，
// 由 Ledger 立即消费。
type Intent struct {
	Action    Action  `json:"action"`
	Cost      float64 `json:"cost"` // 买入的保证金预算 (USDT)
	LogAction string  `json:"log_action"`
	LogNote   string  `json:"log_note"`
	StatusMsg string  `json:"status_msg"`

	IsBase      bool `json:"is_base"`       // 本次买入是否为首单
	NewLevelIdx *int `json:"new_level_idx"` // 网格类策略: 本次成交的档位索引
	UpdateMsg   bool `json:"update_msg"`    // 状态 scratch 字段有变化, 需要回写
	ResetRange  bool `json:"reset_range"`   // 平仓后重置网格区间
	ResetBox    bool `json:"reset_box"`     // 平仓后重置箱体状态机
}

// TradeLog 是一条只追加的交易流水
type TradeLog struct {
	ID     int64     `json:"id"`
	BotID  string    `json:"bot_id"`
	Time   time.Time `json:"time"`
	Action string    `json:"action"`
	Price  float64   `json:"price"`
	Amount float64   `json:"amount"`
	Profit float64   `json:"profit"` // 已实现盈亏, 平仓行非零
	Fee    float64   `json:"fee"`
	Note   string    `json:"note"`
}

// 机器人状态说明的固定值
const (
	StatusStarting = "🟡 启动中..."
	StatusRunning  = "✅ 运行中"
	StatusStopped  = "🛑 已停止"
)

// 交易日志 action 常量
const (
	LogActionBuy         = "buy"
	LogActionSell        = "sell"
	LogActionManualBuy   = "manual_buy"
	LogActionManualClose = "manual_close"
	LogActionDeposit     = "deposit"
	LogActionError       = "error"
)

// RoundResult 是一个交易回合的胜负判定
type RoundResult string

const (
	RoundWin       RoundResult = "win"
	RoundLoss      RoundResult = "loss"
	RoundBreakEven RoundResult = "break_even"
	RoundRunning   RoundResult = "running"
)

// Round 是从交易流水派生的回合分组 (一次 空仓→空仓 的完整生命周期)。
// 胜负判定基于净利润 = 毛利 - 手续费之和。
type Round struct {
	RoundID   int         `json:"round_id"`
	StartTime time.Time   `json:"start_time"`
	EndTime   time.Time   `json:"end_time"`
	Profit    float64     `json:"profit"`
	NetProfit float64     `json:"net_profit"`
	TotalFees float64     `json:"total_fees"`
	Trades    []TradeLog  `json:"trades"`
	Result    RoundResult `json:"result"`
}

// LadderEntry 是补仓梯子预览的一行，仅用于展示，永远不驱动下单
type LadderEntry struct {
	SO     string  `json:"so"`
	Price  float64 `json:"price"`
	Amount float64 `json:"amount"`
	Total  float64 `json:"total"`
	Drop   float64 `json:"drop"`
	Status string  `json:"status"`
}

// 梯子档位状态
const (
	LadderFilled  = "FILLED"
	LadderPending = "PENDING"
	LadderWaiting = "WAITING"
)

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level"`       // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output"`      // 输出模式: "console", "file", "both"
	File       string `json:"file"`        // 日志文件路径
	MaxSize    int    `json:"max_size"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age"`     // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress"`    // 是否压缩旧日志文件
}

// EngineConfig 是引擎级配置 (区别于单个机器人的策略参数)
type EngineConfig struct {
	DBPath             string    `json:"db_path"`              // Badger 状态库目录
	TradeLogDBPath     string    `json:"trade_log_db_path"`    // SQLite 交易流水库路径
	TickIntervalSec    float64   `json:"tick_interval_sec"`    // 有活动机器人时的轮询间隔
	IdleIntervalSec    float64   `json:"idle_interval_sec"`    // 空闲时的轮询间隔
	PipelineTimeoutSec float64   `json:"pipeline_timeout_sec"` // 单个机器人单次流水线的硬超时
	BinanceAPIURL      string    `json:"binance_api_url"`
	BinanceSpotAPIURL  string    `json:"binance_spot_api_url"`
	BinanceWSURL       string    `json:"binance_ws_url"`
	PionexAPIURL       string    `json:"pionex_api_url"`
	LogConfig          LogConfig `json:"log"`
}

// Error 定义了交易所API返回的错误信息结构
type Error struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Error 方法使得 Error 实现了 error 接口
func (e *Error) Error() string {
	return fmt.Sprintf("API Error: code=%d, msg=%s", e.Code, e.Msg)
}
