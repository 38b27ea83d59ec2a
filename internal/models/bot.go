package models

import "time"

// Bot 是一个机器人的完整持久化记录: 身份、配置与交易状态。
type Bot struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Owner     string       `json:"owner"`
	Strategy  StrategyType `json:"strategy"`
	Mode      BotMode      `json:"mode"`
	IsRunning bool         `json:"is_running"`
	Status    string       `json:"status"` // 最近一次决策的人类可读说明
	CreatedAt time.Time    `json:"created_at"`

	Config BotConfig `json:"config"`
	State  BotState  `json:"state"`
}

// IsLong 返回当前回合的实际持仓方向是否为做多。
// 双向配置的箱体策略在突破时把实际方向写进 State.ActiveDirection。
func (b *Bot) IsLong() bool {
	if b.State.ActiveDirection != "" {
		return b.State.ActiveDirection == DirectionLong
	}
	return b.Config.Direction != DirectionShort
}

// BotConfig 是机器人的全部可编辑参数。
// 公共字段对所有策略生效, 各策略的专有参数放在对应的子结构里,
// 未使用的子结构保持为 nil。
type BotConfig struct {
	Exchange   string    `json:"exchange"`    // 行情与下单来源: "binance" 或 "pionex"
	MarketType string    `json:"market_type"` // "futures" 或 "spot"
	Symbol     string    `json:"symbol"`      // 交易对, e.g., "BTC/USDT"
	Direction  Direction `json:"direction"`   // 持仓方向, 持仓期间不可修改
	Leverage   int       `json:"leverage"`    // 杠杆倍数, 持仓期间不可修改; 现货强制为 1
	Capital    float64   `json:"capital"`     // 策略可支配的总预算 (USDT)
	FeeRate    float64   `json:"fee_rate"`    // 单边吃单手续费率

	// 手动平仓后的动作: "stop" 停机, "cooldown" 冷却 1 小时, 其余值立即继续
	ManualCloseAction string `json:"manual_close_action"`

	TakeProfitPct  float64 `json:"take_profit_pct"`  // ROE 止盈线 (%)
	StopLossPct    float64 `json:"stop_loss_pct"`    // ROE 止损线 (%), 0 表示关闭
	TrailingDevPct float64 `json:"trailing_dev_pct"` // 追踪止盈的回撤容忍 (%)
	CooldownSec    int     `json:"cooldown_sec"`     // 平仓后再次开首单的冷却秒数

	QtyPrecision float64 `json:"qty_precision"` // 下单数量的最小步进, e.g., 0.001

	TrendDCA    *TrendDCAConfig    `json:"trend_dca,omitempty"`
	GridDCA     *GridDCAConfig     `json:"grid_dca,omitempty"`
	BoxBreakout *BoxBreakoutConfig `json:"box_breakout,omitempty"`
	Periodic    *PeriodicConfig    `json:"periodic,omitempty"`

	Filters FilterConfig `json:"filters"`
}

// TrendDCAConfig 是趋势马丁策略的专有参数
type TrendDCAConfig struct {
	MaxSafetyOrders int     `json:"max_safety_orders"` // 安全单上限 (含首单)
	StepPct         float64 `json:"step_pct"`          // 首个安全单的价格偏移 (%)
	StepScale       float64 `json:"step_scale"`        // 偏移的公比, 1 表示等差
	VolScale        float64 `json:"vol_scale"`         // 每腿金额的公比
	UseGapTrigger   bool    `json:"use_gap_trigger"`   // 是否允许缺口区提前触发补仓
	GapTimeframe    string  `json:"gap_timeframe"`     // 缺口扫描使用的周期, e.g., "1h"
}

// GridDCAConfig 是自动网格策略的专有参数
type GridDCAConfig struct {
	GridCount    int     `json:"grid_count"`    // 网格数量 (档位数为 grid_count+1)
	RangePercent float64 `json:"range_percent"` // 入场时自举区间的单边宽度 (%)
	GridMode     string  `json:"grid_mode"`     // "arithmetic" 或 "geometric"
}

// BoxBreakoutConfig 是箱体突破策略的专有参数。
// EMA50 趋势闸门与回踩反弹确认是策略的固定组成部分, 不提供开关。
type BoxBreakoutConfig struct {
	RetestTolerancePct float64 `json:"retest_tolerance_pct"` // 回踩判定的价格容忍 (%)
	BETriggerPct       float64 `json:"be_trigger_pct"`       // 保本止损的 ROE 触发线 (%)
	TrailGapPct        float64 `json:"trail_gap_pct"`        // 追踪止损与极值的间距 (%)
	OrderAmount        float64 `json:"order_amount"`         // 进场保证金, 0 表示用全部预算
}

// PeriodicConfig 是定投策略的专有参数
type PeriodicConfig struct {
	IntervalMinutes int     `json:"interval_minutes"` // 买入间隔
	InvestAmount    float64 `json:"invest_amount"`    // 每次买入的保证金
	PriceLimit      float64 `json:"price_limit"`      // 价格闸门: 做多为上限, 做空为下限; 0 关闭
}

// FilterConfig 是入场过滤器的开关与参数。
// 过滤器只拦截首单, 对加仓与平仓决策不生效。
type FilterConfig struct {
	UseRSI        bool     `json:"use_rsi"`
	RSITimeframes []string `json:"rsi_timeframes"` // e.g., ["1h", "4h"]
	RSIPeriod     int      `json:"rsi_period"`
	RSIOversold   float64  `json:"rsi_oversold"`   // 做多要求 RSI 低于该值
	RSIOverbought float64  `json:"rsi_overbought"` // 做空要求 RSI 高于该值

	UseAdvanced bool `json:"use_advanced"`
	CheckMA     bool `json:"check_ma"`     // 均线多头/空头排列
	CheckADX    bool `json:"check_adx"`    // 4h ADX >= 25 视为趋势过强, 拦截
	CheckVolume bool `json:"check_volume"` // 成交量放大确认
	CheckStoch  bool `json:"check_stoch"`  // StochRSI 超买超卖确认
	CheckBB     bool `json:"check_bb"`     // 布林带越界确认
}

// ApplyDefaults 为缺省字段填入安全的默认值
func (c *BotConfig) ApplyDefaults() {
	if c.Exchange == "" {
		c.Exchange = "binance"
	}
	if c.MarketType == "" {
		c.MarketType = "futures"
	}
	if c.Direction == "" {
		c.Direction = DirectionLong
	}
	if c.Leverage <= 0 {
		c.Leverage = 1
	}
	if c.MarketType == "spot" {
		c.Leverage = 1
	}
	if c.FeeRate == 0 {
		c.FeeRate = 0.0005
	}
	if c.ManualCloseAction == "" {
		c.ManualCloseAction = "stop"
	}
	if c.QtyPrecision == 0 {
		c.QtyPrecision = 0.001
	}
	if c.TrendDCA != nil {
		d := c.TrendDCA
		if d.MaxSafetyOrders <= 0 {
			d.MaxSafetyOrders = 5
		}
		if d.StepPct == 0 {
			d.StepPct = 1.0
		}
		if d.StepScale == 0 {
			d.StepScale = 1.0
		}
		if d.VolScale == 0 {
			d.VolScale = 1.0
		}
		if d.GapTimeframe == "" {
			d.GapTimeframe = "1h"
		}
	}
	if c.GridDCA != nil {
		g := c.GridDCA
		if g.GridCount <= 0 {
			g.GridCount = 10
		}
		if g.RangePercent == 0 {
			g.RangePercent = 5.0
		}
		if g.GridMode == "" {
			g.GridMode = "arithmetic"
		}
	}
	if c.BoxBreakout != nil {
		b := c.BoxBreakout
		if b.RetestTolerancePct == 0 {
			b.RetestTolerancePct = 0.2
		}
		if b.BETriggerPct == 0 {
			b.BETriggerPct = 30.0
		}
		if b.TrailGapPct == 0 {
			b.TrailGapPct = 1.0
		}
	}
	if c.Periodic != nil {
		p := c.Periodic
		if p.IntervalMinutes <= 0 {
			p.IntervalMinutes = 60
		}
		// 定投是单向累积仓位, 杠杆上限压到 3 以控制爆仓风险
		if c.Leverage > 3 {
			c.Leverage = 3
		}
	}
	if c.Filters.RSIPeriod == 0 {
		c.Filters.RSIPeriod = 14
	}
	if c.Filters.RSIOversold == 0 {
		c.Filters.RSIOversold = 30
	}
	if c.Filters.RSIOverbought == 0 {
		c.Filters.RSIOverbought = 70
	}
	if len(c.Filters.RSITimeframes) == 0 {
		c.Filters.RSITimeframes = []string{"1h"}
	}
}

// IsLong 返回该配置是否为做多方向
func (c *BotConfig) IsLong() bool {
	return c.Direction == DirectionLong
}
