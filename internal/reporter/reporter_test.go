package reporter

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"multi-strategy-bot-go/internal/backtest"
	"multi-strategy-bot-go/internal/models"
)

func TestRender(t *testing.T) {
	res := &backtest.Result{
		Symbol:         "BTC/USDT",
		Strategy:       models.StrategyTrendDCA,
		Bars:           400,
		StartTime:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		EndTime:        time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC),
		InitialBalance: 1000,
		EndingCash:     1100,
		FinalEquity:    1100,
		NetProfit:      100,
		TotalFees:      2.5,
		TotalTrades:    8,
		Wins:           3,
		Losses:         1,
		WinRate:        75,
		MaxDrawdown:    4.2,
	}

	var buf bytes.Buffer
	Render(&buf, res, "data/btc_15m.csv")
	out := buf.String()

	assert.Contains(t, out, "回测结果报告")
	assert.Contains(t, out, "BTC/USDT")
	assert.Contains(t, out, "data/btc_15m.csv")
	assert.Contains(t, out, "+100.00 USDT (10.00%)")
	assert.Contains(t, out, "75.00%")
	assert.Contains(t, out, "胜 3 / 负 1")
}
