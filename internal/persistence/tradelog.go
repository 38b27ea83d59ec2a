package persistence

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite3 驱动
	"github.com/shopspring/decimal"

	"multi-strategy-bot-go/internal/models"
)

// 备注与状态串的最大长度, 超出部分截断
const maxNoteLen = 250

// sqliteTradeLogRepository 是 TradeLogRepository 的 SQLite 实现
type sqliteTradeLogRepository struct {
	db *sql.DB
}

// NewSQLiteTradeLogRepository 打开交易流水库并建表
func NewSQLiteTradeLogRepository(dataSourceName string) (TradeLogRepository, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("打开流水数据库失败: %w", err)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("连接流水数据库失败: %w", err)
	}
	if err = createTradeLogTable(db); err != nil {
		return nil, fmt.Errorf("创建流水表失败: %w", err)
	}
	return &sqliteTradeLogRepository{db: db}, nil
}

func createTradeLogTable(db *sql.DB) error {
	createSQL := `
	CREATE TABLE IF NOT EXISTS trade_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		bot_id TEXT NOT NULL,
		log_time INTEGER NOT NULL,
		action TEXT NOT NULL,
		price REAL NOT NULL,
		amount REAL NOT NULL,
		profit REAL NOT NULL DEFAULT 0,
		fee REAL NOT NULL DEFAULT 0,
		note TEXT
	);`
	if _, err := db.Exec(createSQL); err != nil {
		return err
	}
	indexSQL := `CREATE INDEX IF NOT EXISTS idx_trade_logs_bot ON trade_logs (bot_id, id);`
	_, err := db.Exec(indexSQL)
	return err
}

// Truncate 截断过长的备注或状态串
func Truncate(s string) string {
	if len(s) > maxNoteLen {
		return s[:maxNoteLen-3] + "..."
	}
	return s
}

// round8 金额字段统一压到 8 位小数再入库
func round8(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(8).Float64()
	return f
}

// AddLog 追加一条流水
func (r *sqliteTradeLogRepository) AddLog(log *models.TradeLog) error {
	insertSQL := `
	INSERT INTO trade_logs (bot_id, log_time, action, price, amount, profit, fee, note)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.Exec(insertSQL,
		log.BotID, log.Time.UnixMilli(), log.Action, log.Price,
		round8(log.Amount), round8(log.Profit), round8(log.Fee), Truncate(log.Note),
	)
	if err != nil {
		return fmt.Errorf("写入流水失败 (bot=%s): %w", log.BotID, err)
	}
	return nil
}

func (r *sqliteTradeLogRepository) queryLogs(query string, args ...interface{}) ([]models.TradeLog, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询流水失败: %w", err)
	}
	defer rows.Close()

	var logs []models.TradeLog
	for rows.Next() {
		var log models.TradeLog
		var ts int64
		if err := rows.Scan(&log.ID, &log.BotID, &ts, &log.Action,
			&log.Price, &log.Amount, &log.Profit, &log.Fee, &log.Note); err != nil {
			return nil, fmt.Errorf("读取流水行失败: %w", err)
		}
		log.Time = time.UnixMilli(ts)
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

// Logs 返回最近 limit 条流水, 新的在前
func (r *sqliteTradeLogRepository) Logs(botID string, limit int) ([]models.TradeLog, error) {
	query := `
	SELECT id, bot_id, log_time, action, price, amount, profit, fee, note
	FROM trade_logs WHERE bot_id = ? ORDER BY id DESC LIMIT ?`
	return r.queryLogs(query, botID, limit)
}

// AllLogs 返回全部流水, 按写入顺序
func (r *sqliteTradeLogRepository) AllLogs(botID string) ([]models.TradeLog, error) {
	query := `
	SELECT id, bot_id, log_time, action, price, amount, profit, fee, note
	FROM trade_logs WHERE bot_id = ? ORDER BY id ASC`
	return r.queryLogs(query, botID)
}

// Rounds 从流水派生回合分组
func (r *sqliteTradeLogRepository) Rounds(botID string) ([]models.Round, error) {
	logs, err := r.AllLogs(botID)
	if err != nil {
		return nil, err
	}
	return DeriveRounds(logs), nil
}

func (r *sqliteTradeLogRepository) sumColumn(column, botID string) (float64, error) {
	query := fmt.Sprintf("SELECT COALESCE(SUM(%s), 0) FROM trade_logs WHERE bot_id = ?", column)
	var total float64
	if err := r.db.QueryRow(query, botID).Scan(&total); err != nil {
		return 0, fmt.Errorf("汇总流水失败: %w", err)
	}
	return total, nil
}

// TotalProfit 返回累计已实现盈亏
func (r *sqliteTradeLogRepository) TotalProfit(botID string) (float64, error) {
	return r.sumColumn("profit", botID)
}

// TotalFees 返回累计手续费
func (r *sqliteTradeLogRepository) TotalFees(botID string) (float64, error) {
	return r.sumColumn("fee", botID)
}

// DeleteLogs 删除指定机器人的全部流水
func (r *sqliteTradeLogRepository) DeleteLogs(botID string) error {
	if _, err := r.db.Exec("DELETE FROM trade_logs WHERE bot_id = ?", botID); err != nil {
		return fmt.Errorf("删除流水失败 (bot=%s): %w", botID, err)
	}
	return nil
}

// Close 关闭数据库连接
func (r *sqliteTradeLogRepository) Close() error {
	return r.db.Close()
}

// isClosingLog 判断一条流水是否终结当前回合。
// 带已实现盈亏的行一定终结; 卖出/平仓类动作在带盈亏或为手动/全部平仓时终结。
func isClosingLog(log *models.TradeLog) bool {
	if log.Profit != 0 {
		return true
	}
	action := strings.ToLower(log.Action)
	if strings.Contains(action, "sell") || strings.Contains(action, "close") || strings.Contains(action, "平仓") {
		if strings.Contains(action, "all") || strings.Contains(action, "manual") {
			return true
		}
	}
	return false
}

// DeriveRounds 把按写入顺序排列的流水切分成回合 (一次 空仓→空仓 的完整生命周期)。
// 胜负判定基于净利润 = 毛利 - 手续费; 未平仓的尾部归入一个 running 回合。
// 回合列表与回合内流水均反转为最新在前, 供前端直接展示。
func DeriveRounds(logs []models.TradeLog) []models.Round {
	var rounds []models.Round
	var trades []models.TradeLog
	var profit, fees float64
	var startTime time.Time

	flush := func(end time.Time, result models.RoundResult, grossProfit float64) {
		reversed := make([]models.TradeLog, len(trades))
		for i, t := range trades {
			reversed[len(trades)-1-i] = t
		}
		rounds = append(rounds, models.Round{
			RoundID:   len(rounds) + 1,
			StartTime: startTime,
			EndTime:   end,
			Profit:    grossProfit,
			NetProfit: profit - fees,
			TotalFees: fees,
			Trades:    reversed,
			Result:    result,
		})
		trades = nil
		profit, fees = 0, 0
	}

	for _, log := range logs {
		if len(trades) == 0 {
			startTime = log.Time
		}
		trades = append(trades, log)
		profit += log.Profit
		fees += log.Fee

		if isClosingLog(&log) {
			net := profit - fees
			result := models.RoundBreakEven
			if net > 0 {
				result = models.RoundWin
			} else if net < 0 {
				result = models.RoundLoss
			}
			flush(log.Time, result, profit)
		}
	}

	// 进行中的回合: 开仓手续费已经产生, 净浮动照算
	if len(trades) > 0 {
		flush(time.Time{}, models.RoundRunning, 0)
	}

	// 最新的回合在前
	for i, j := 0, len(rounds)-1; i < j; i, j = i+1, j-1 {
		rounds[i], rounds[j] = rounds[j], rounds[i]
	}
	return rounds
}
