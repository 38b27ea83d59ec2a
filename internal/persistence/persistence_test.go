package persistence

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"multi-strategy-bot-go/internal/models"
)

func newBadgerRepo(t *testing.T) BotRepository {
	t.Helper()
	repo, err := NewBadgerBotRepository(filepath.Join(t.TempDir(), "bots"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func newLogRepo(t *testing.T) TradeLogRepository {
	t.Helper()
	repo, err := NewSQLiteTradeLogRepository(filepath.Join(t.TempDir(), "logs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func sampleBot(id string) *models.Bot {
	return &models.Bot{
		ID:        id,
		Name:      "BTC 趋势马丁",
		Strategy:  models.StrategyTrendDCA,
		CreatedAt: time.Now(),
		Config: models.BotConfig{
			Symbol:    "BTC/USDT",
			Direction: models.DirectionLong,
			Capital:   1000,
			Leverage:  2,
		},
		State: models.BotState{Balance: 1000},
	}
}

func TestBadgerSaveLoadRoundtrip(t *testing.T) {
	repo := newBadgerRepo(t)
	bot := sampleBot("a1")
	bot.State.PositionAmt = 0.5
	bot.State.AvgEntryPrice = 50000

	require.NoError(t, repo.SaveBot(bot))

	loaded, err := repo.LoadBot("a1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, bot.Name, loaded.Name)
	assert.Equal(t, bot.Config.Symbol, loaded.Config.Symbol)
	assert.Equal(t, 0.5, loaded.State.PositionAmt)
	assert.Equal(t, 50000.0, loaded.State.AvgEntryPrice)
}

func TestBadgerLoadMissingReturnsNil(t *testing.T) {
	repo := newBadgerRepo(t)
	loaded, err := repo.LoadBot("missing")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestBadgerListBotsSortedByCreation(t *testing.T) {
	repo := newBadgerRepo(t)
	base := time.Now()
	for i, id := range []string{"c3", "a1", "b2"} {
		bot := sampleBot(id)
		bot.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, repo.SaveBot(bot))
	}

	bots, err := repo.ListBots()
	require.NoError(t, err)
	require.Len(t, bots, 3)
	assert.Equal(t, "c3", bots[0].ID)
	assert.Equal(t, "b2", bots[2].ID)
}

func TestBadgerDeleteBot(t *testing.T) {
	repo := newBadgerRepo(t)
	require.NoError(t, repo.SaveBot(sampleBot("a1")))
	require.NoError(t, repo.DeleteBot("a1"))

	loaded, err := repo.LoadBot("a1")
	require.NoError(t, err)
	assert.Nil(t, loaded)

	// 删除不存在的键不报错
	assert.NoError(t, repo.DeleteBot("ghost"))
}

func logRow(botID string, minute int, action string, profit, fee float64) *models.TradeLog {
	return &models.TradeLog{
		BotID:  botID,
		Time:   time.Date(2026, 1, 1, 10, minute, 0, 0, time.UTC),
		Action: action,
		Price:  100,
		Amount: 1,
		Profit: profit,
		Fee:    fee,
		Note:   "测试",
	}
}

func TestSQLiteLogsOrderAndLimit(t *testing.T) {
	repo := newLogRepo(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, repo.AddLog(logRow("a1", i, models.LogActionBuy, 0, 0.1)))
	}
	require.NoError(t, repo.AddLog(logRow("other", 0, models.LogActionBuy, 0, 0.1)))

	logs, err := repo.Logs("a1", 3)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	// 最新的在前
	assert.True(t, logs[0].Time.After(logs[2].Time))

	all, err := repo.AllLogs("a1")
	require.NoError(t, err)
	assert.Len(t, all, 5)
	assert.True(t, all[0].Time.Before(all[4].Time))
}

func TestSQLiteTotals(t *testing.T) {
	repo := newLogRepo(t)
	require.NoError(t, repo.AddLog(logRow("a1", 0, models.LogActionBuy, 0, 0.5)))
	require.NoError(t, repo.AddLog(logRow("a1", 1, models.LogActionSell, 10, 0.5)))

	profit, err := repo.TotalProfit("a1")
	require.NoError(t, err)
	assert.InDelta(t, 10, profit, 1e-9)

	fees, err := repo.TotalFees("a1")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, fees, 1e-9)
}

func TestSQLiteDeleteLogs(t *testing.T) {
	repo := newLogRepo(t)
	require.NoError(t, repo.AddLog(logRow("a1", 0, models.LogActionBuy, 0, 0.1)))
	require.NoError(t, repo.DeleteLogs("a1"))

	logs, err := repo.AllLogs("a1")
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestTruncateLongNote(t *testing.T) {
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'x'
	}
	out := Truncate(string(long))
	assert.Len(t, out, 250)
	assert.Equal(t, "...", out[247:])
}

func TestDeriveRoundsWinLossRunning(t *testing.T) {
	logs := []models.TradeLog{
		*logRow("a1", 0, models.LogActionBuy, 0, 1),
		*logRow("a1", 1, models.LogActionSell, 10, 1),
		*logRow("a1", 2, models.LogActionBuy, 0, 1),
		*logRow("a1", 3, models.LogActionSell, -5, 1),
		*logRow("a1", 4, models.LogActionBuy, 0, 1),
	}

	rounds := DeriveRounds(logs)
	require.Len(t, rounds, 3)

	// 最新的回合在前: 未平仓的 running 回合排第一
	assert.Equal(t, models.RoundRunning, rounds[0].Result)
	assert.InDelta(t, -1, rounds[0].NetProfit, 1e-9)
	assert.True(t, rounds[0].EndTime.IsZero())

	assert.Equal(t, models.RoundLoss, rounds[1].Result)
	assert.InDelta(t, -7, rounds[1].NetProfit, 1e-9)

	assert.Equal(t, models.RoundWin, rounds[2].Result)
	assert.InDelta(t, 8, rounds[2].NetProfit, 1e-9)
	assert.InDelta(t, 10, rounds[2].Profit, 1e-9)
	assert.InDelta(t, 2, rounds[2].TotalFees, 1e-9)

	// 回合内流水最新在前
	require.Len(t, rounds[2].Trades, 2)
	assert.Equal(t, models.LogActionSell, rounds[2].Trades[0].Action)
	assert.Equal(t, models.LogActionBuy, rounds[2].Trades[1].Action)
}

func TestDeriveRoundsBreakEven(t *testing.T) {
	logs := []models.TradeLog{
		*logRow("a1", 0, models.LogActionBuy, 0, 1),
		*logRow("a1", 1, models.LogActionSell, 2, 1),
	}
	rounds := DeriveRounds(logs)
	require.Len(t, rounds, 1)
	assert.Equal(t, models.RoundBreakEven, rounds[0].Result)
}

func TestDeriveRoundsManualCloseWithZeroProfit(t *testing.T) {
	logs := []models.TradeLog{
		*logRow("a1", 0, models.LogActionBuy, 0, 1),
		*logRow("a1", 1, models.LogActionManualClose, 0, 1),
	}
	rounds := DeriveRounds(logs)
	require.Len(t, rounds, 1)
	assert.Equal(t, models.RoundLoss, rounds[0].Result)
}

func TestDeriveRoundsEmpty(t *testing.T) {
	assert.Empty(t, DeriveRounds(nil))
}

func TestSQLiteRoundsEndToEnd(t *testing.T) {
	repo := newLogRepo(t)
	require.NoError(t, repo.AddLog(logRow("a1", 0, models.LogActionBuy, 0, 0.5)))
	require.NoError(t, repo.AddLog(logRow("a1", 1, models.LogActionSell, 3, 0.5)))

	rounds, err := repo.Rounds("a1")
	require.NoError(t, err)
	require.Len(t, rounds, 1)
	assert.Equal(t, models.RoundWin, rounds[0].Result)
	assert.InDelta(t, 2, rounds[0].NetProfit, 1e-9)
}
