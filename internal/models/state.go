package models

import "time"

// BotState 定义了需要持久化的所有交易状态。
// 它是策略状态机与账本的唯一事实来源, 每次流水线都会整体读出、
// 处置后整体写回。
type BotState struct {
	Version int `json:"version"` // 状态模型的版本号, 用于未来迁移

	// 账本字段 (只由 Ledger 写)
	Balance       float64    `json:"balance"`         // 可用保证金余额 (USDT)
	PositionAmt   float64    `json:"position_amt"`    // 当前持仓数量 (基础货币)
	AvgEntryPrice float64    `json:"avg_entry_price"` // 加权平均开仓价
	TotalCost     float64    `json:"total_cost"`      // 持仓占用的保证金总额
	Orders        []OrderLeg `json:"orders"`          // 当前回合内的所有开仓腿

	// 马丁 / 网格进度
	CurrentSOIndex int `json:"current_so_index"` // 下一个安全单的序号 (首单成交后为 2)
	LastLevelIdx   int `json:"last_level_idx"`   // 网格最近成交的档位 (-1 表示无)

	// 移动止盈
	TrailArmed   bool    `json:"trail_armed"`   // 止盈线是否已触发, 进入追踪模式
	ExtremePrice float64 `json:"extreme_price"` // 追踪模式下的最有利价格

	// 网格区间 (入场时自举, 平仓后清零)
	GridUpper float64 `json:"grid_upper"`
	GridLower float64 `json:"grid_lower"`

	// 箱体状态机
	ActiveDirection Direction `json:"active_direction,omitempty"` // 双向配置下, 本回合实际持仓方向
	Stage           string    `json:"stage"`                      // idle / breakout / retest / in_pos
	BreakoutDir     string    `json:"breakout_dir"`               // up / down
	StopLossPrice   float64   `json:"stop_loss_price"`            // 箱体策略的硬止损价 (0 表示未设置)
	LastTradedBoxID int64     `json:"last_traded_box_id"`         // 已交易箱体的锁, 防止重复进场
	Box5m           *Box      `json:"box_5m,omitempty"`
	Box15m          *Box      `json:"box_15m,omitempty"`

	// 时间闸门
	LastCloseTime  time.Time `json:"last_close_time"`  // 上次平仓时间, 冷却期从这里起算
	LastInvestTime time.Time `json:"last_invest_time"` // 定投上次买入时间
	LastFillTime   time.Time `json:"last_fill_time"`   // 上次成交时间 (网格防抖)
	LastFillPrice  float64   `json:"last_fill_price"`  // 上次成交价格 (网格防抖)
	NextTradeTime  time.Time `json:"next_trade_time"`  // 定投策略的下一次买入时间

	LastUpdateTime time.Time `json:"last_update_time"` // 状态最后更新的时间戳
}

// OrderLeg 是一笔已成交的开仓腿。回合内只追加, 平仓时整体清空。
type OrderLeg struct {
	Price    float64   `json:"price"`
	Amount   float64   `json:"amount"`
	Cost     float64   `json:"cost"`      // 占用的保证金
	SOIndex  int       `json:"so_index"`  // 马丁类: 安全单序号 (首单为 1)
	LevelIdx int       `json:"level_idx"` // 网格类: 档位索引 (-1 表示非网格腿)
	Time     time.Time `json:"time"`
}

// IsFlat 返回当前是否空仓
func (s *BotState) IsFlat() bool {
	return s.PositionAmt == 0
}

// ResetPosition 在平仓后清空所有回合内的状态, 只保留余额与时间闸门
func (s *BotState) ResetPosition(now time.Time) {
	s.PositionAmt = 0
	s.AvgEntryPrice = 0
	s.TotalCost = 0
	s.Orders = nil
	s.CurrentSOIndex = 0
	s.TrailArmed = false
	s.ExtremePrice = 0
	s.StopLossPrice = 0
	s.LastFillPrice = 0
	s.LastCloseTime = now
}

// BasePrice 返回本回合首单的成交价, 无持仓腿时退回到均价
func (s *BotState) BasePrice() float64 {
	if len(s.Orders) > 0 {
		return s.Orders[0].Price
	}
	return s.AvgEntryPrice
}

// FilledLevelSet 返回当前已占用的网格档位集合
func (s *BotState) FilledLevelSet() map[int]bool {
	set := make(map[int]bool, len(s.Orders))
	for _, o := range s.Orders {
		if o.LevelIdx >= 0 {
			set[o.LevelIdx] = true
		}
	}
	return set
}
