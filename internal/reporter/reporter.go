// Package reporter 把回测结果渲染成终端表格。
package reporter

import (
	"fmt"
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"

	"multi-strategy-bot-go/internal/backtest"
)

// Print 把回测报告输出到标准输出
func Print(res *backtest.Result, dataPath string) {
	Render(os.Stdout, res, dataPath)
}

// Render 把回测报告写入指定的输出
func Render(w io.Writer, res *backtest.Result, dataPath string) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle("回测结果报告")

	t.AppendRow(table.Row{"数据文件", dataPath})
	t.AppendRow(table.Row{"交易对", res.Symbol})
	t.AppendRow(table.Row{"策略", string(res.Strategy)})
	t.AppendRow(table.Row{"回测周期", fmt.Sprintf("%s ~ %s (%d 根)",
		res.StartTime.Format("2006-01-02 15:04"),
		res.EndTime.Format("2006-01-02 15:04"), res.Bars)})
	t.AppendSeparator()
	t.AppendRow(table.Row{"初始资金", fmt.Sprintf("%.2f USDT", res.InitialBalance)})
	t.AppendRow(table.Row{"期末权益", fmt.Sprintf("%.2f USDT", res.FinalEquity)})
	t.AppendRow(table.Row{"净利润", fmt.Sprintf("%+.2f USDT (%.2f%%)",
		res.NetProfit, profitPct(res))})
	t.AppendRow(table.Row{"期末现金", fmt.Sprintf("%.2f USDT", res.EndingCash)})
	t.AppendRow(table.Row{"期末持仓价值", fmt.Sprintf("%.2f USDT", res.PositionValue)})
	t.AppendRow(table.Row{"累计手续费", fmt.Sprintf("%.2f USDT", res.TotalFees)})
	t.AppendSeparator()
	t.AppendRow(table.Row{"成交笔数", res.TotalTrades})
	t.AppendRow(table.Row{"完整回合", fmt.Sprintf("%d (胜 %d / 负 %d)",
		res.Wins+res.Losses, res.Wins, res.Losses)})
	t.AppendRow(table.Row{"胜率", fmt.Sprintf("%.2f%%", res.WinRate)})
	t.AppendRow(table.Row{"最大回撤", fmt.Sprintf("%.2f%%", res.MaxDrawdown)})
	t.Render()
}

func profitPct(res *backtest.Result) float64 {
	if res.InitialBalance == 0 {
		return 0
	}
	return res.NetProfit / res.InitialBalance * 100
}
