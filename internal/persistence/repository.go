// Package persistence 负责机器人记录与交易流水的落盘。
// 机器人记录 (配置+状态) 存 BadgerDB, 只追加的交易流水存 SQLite。
package persistence

import "multi-strategy-bot-go/internal/models"

// BotRepository 定义机器人记录的持久化接口。
// 它把底层存储 (BadgerDB、内存实现等) 与引擎和管理层隔离开。
type BotRepository interface {
	// SaveBot 原子地保存整条机器人记录 (配置+状态+运行标志)
	SaveBot(bot *models.Bot) error

	// LoadBot 按 ID 读取机器人记录, 未找到时返回 (nil, nil)
	LoadBot(id string) (*models.Bot, error)

	// ListBots 返回所有机器人记录
	ListBots() ([]*models.Bot, error)

	// DeleteBot 删除一条机器人记录
	DeleteBot(id string) error

	// Close 关闭底层数据库
	Close() error
}

// TradeLogRepository 定义交易流水的持久化接口
type TradeLogRepository interface {
	// AddLog 追加一条流水
	AddLog(log *models.TradeLog) error

	// Logs 返回指定机器人最近 limit 条流水, 按时间倒序
	Logs(botID string, limit int) ([]models.TradeLog, error)

	// AllLogs 返回指定机器人的全部流水, 按写入顺序
	AllLogs(botID string) ([]models.TradeLog, error)

	// Rounds 返回按 空仓→空仓 分组的回合, 最新的在前
	Rounds(botID string) ([]models.Round, error)

	// TotalProfit 返回累计已实现盈亏 (流水求和)
	TotalProfit(botID string) (float64, error)

	// TotalFees 返回累计手续费
	TotalFees(botID string) (float64, error)

	// DeleteLogs 删除指定机器人的全部流水 (随机器人删除一起调用)
	DeleteLogs(botID string) error

	// Close 关闭底层数据库
	Close() error
}
