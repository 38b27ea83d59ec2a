// Package backtest 在历史K线上确定性地重放策略决策。
// 上传的基础周期是 15m; 大周期 (1h/4h/1d) 由基础数据重采样得到,
// 回放游标之后的数据对策略永远不可见。
package backtest

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"multi-strategy-bot-go/internal/models"
)

// 各重采样周期的桶宽 (毫秒)
var bucketMillis = map[string]int64{
	"1h": 60 * 60 * 1000,
	"4h": 4 * 60 * 60 * 1000,
	"1d": 24 * 60 * 60 * 1000,
}

// 列名別名, 兼容常见的K线导出格式
var columnAliases = map[string]string{
	"time":      "timestamp",
	"date":      "timestamp",
	"open_time": "timestamp",
	"vol":       "volume",
}

// LoadCSV 从文件读取K线数据
func LoadCSV(path string) ([]models.Candle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开回测数据文件失败: %w", err)
	}
	defer f.Close()
	return ParseCSV(f)
}

// ParseCSV 解析K线CSV。要求表头含 timestamp/open/high/low/close/volume
// (或其常见别名), 秒级时间戳会被自动换算成毫秒。
func ParseCSV(r io.Reader) ([]models.Candle, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("读取CSV表头失败: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(h))
		if alias, ok := columnAliases[name]; ok {
			name = alias
		}
		if _, exists := cols[name]; !exists {
			cols[name] = i
		}
	}
	for _, required := range []string{"timestamp", "open", "high", "low", "close", "volume"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("CSV缺少必需列: %s", required)
		}
	}

	var out []models.Candle
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("读取CSV行失败: %w", err)
		}

		field := func(name string) (float64, error) {
			return strconv.ParseFloat(strings.TrimSpace(rec[cols[name]]), 64)
		}
		ts, err := field("timestamp")
		if err != nil {
			return nil, fmt.Errorf("时间戳无法解析: %q", rec[cols["timestamp"]])
		}
		c := models.Candle{Timestamp: int64(ts)}
		if c.Timestamp < 10_000_000_000 {
			c.Timestamp *= 1000
		}
		if c.Open, err = field("open"); err != nil {
			return nil, fmt.Errorf("K线数值无法解析: %w", err)
		}
		if c.High, err = field("high"); err != nil {
			return nil, fmt.Errorf("K线数值无法解析: %w", err)
		}
		if c.Low, err = field("low"); err != nil {
			return nil, fmt.Errorf("K线数值无法解析: %w", err)
		}
		if c.Close, err = field("close"); err != nil {
			return nil, fmt.Errorf("K线数值无法解析: %w", err)
		}
		if c.Volume, err = field("volume"); err != nil {
			return nil, fmt.Errorf("K线数值无法解析: %w", err)
		}
		out = append(out, c)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

// Resample 把基础周期K线聚合成大周期: 开=首, 高=最高, 低=最低,
// 收=末, 量=求和。聚合桶的时间戳取桶内最后一根基础K线的时间戳,
// 这样二分切片时, 不完整的当前桶也按已见数据参与计算。
func Resample(base []models.Candle, timeframe string) []models.Candle {
	bucket, ok := bucketMillis[timeframe]
	if !ok {
		return base
	}

	var out []models.Candle
	var curStart int64 = -1
	for _, c := range base {
		start := c.Timestamp - c.Timestamp%bucket
		if start != curStart {
			out = append(out, c)
			curStart = start
			continue
		}
		last := &out[len(out)-1]
		if c.High > last.High {
			last.High = c.High
		}
		if c.Low < last.Low {
			last.Low = c.Low
		}
		last.Close = c.Close
		last.Volume += c.Volume
		last.Timestamp = c.Timestamp
	}
	return out
}

// series 是一条按时间升序排好、支持二分切片的K线序列
type series struct {
	ts      []int64
	candles []models.Candle
}

func newSeries(candles []models.Candle) *series {
	s := &series{candles: candles, ts: make([]int64, len(candles))}
	for i, c := range candles {
		s.ts[i] = c.Timestamp
	}
	return s
}

// upTo 返回时间戳不晚于 now 的K线数量 (右开切片边界)
func (s *series) upTo(now int64) int {
	return sort.Search(len(s.ts), func(i int) bool { return s.ts[i] > now })
}
