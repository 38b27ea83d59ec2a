// Package downloader 从币安拉取历史K线并缓存为CSV, 供回测使用。
package downloader

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adshao/go-binance/v2"

	"multi-strategy-bot-go/internal/logger"
)

// KlineDownloader 从币安公共接口下载K线数据
type KlineDownloader struct {
	client *binance.Client
}

// NewKlineDownloader 创建一个下载器, 公共行情接口不需要API Key
func NewKlineDownloader() *KlineDownloader {
	return &KlineDownloader{client: binance.NewClient("", "")}
}

// CacheFilePath 返回某交易对和时间范围的标准缓存文件名
func CacheFilePath(dir, symbol, interval string, start, end time.Time) string {
	name := fmt.Sprintf("%s_%s_%s_%s.csv",
		symbol, interval, start.Format("20060102"), end.Format("20060102"))
	return filepath.Join(dir, name)
}

// Download 下载指定交易对与时间范围的K线数据并写入CSV。
// 文件已存在时直接用缓存。symbol 用交易所原生格式, e.g., "BTCUSDT";
// interval 是币安周期字符串, e.g., "15m"。
func (d *KlineDownloader) Download(symbol, interval, filePath string, start, end time.Time) error {
	if _, err := os.Stat(filePath); err == nil {
		logger.S().Infof("从缓存加载K线数据: %s", filePath)
		return nil
	}

	logger.S().Infof("开始下载 %s %s K线: %s ~ %s", symbol, interval,
		start.Format("2006-01-02"), end.Format("2006-01-02"))

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("创建数据目录失败: %w", err)
	}

	tmpPath := filePath + ".part"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("创建数据文件失败: %w", err)
	}
	defer file.Close()
	defer os.Remove(tmpPath)

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"timestamp", "open", "high", "low", "close", "volume"}); err != nil {
		return fmt.Errorf("写入CSV表头失败: %w", err)
	}

	for t := start; t.Before(end); {
		klines, err := d.client.NewKlinesService().
			Symbol(symbol).
			Interval(interval).
			StartTime(t.UnixMilli()).
			EndTime(end.UnixMilli()).
			Limit(1000).
			Do(context.Background())
		if err != nil {
			return fmt.Errorf("下载K线数据失败: %w", err)
		}
		if len(klines) == 0 {
			break
		}

		for _, k := range klines {
			record := []string{
				fmt.Sprintf("%d", k.OpenTime),
				k.Open, k.High, k.Low, k.Close, k.Volume,
			}
			if err := writer.Write(record); err != nil {
				return fmt.Errorf("写入CSV记录失败: %w", err)
			}
		}

		t = time.UnixMilli(klines[len(klines)-1].CloseTime + 1)
		logger.S().Debugf("已下载至 %s", t.Format("2006-01-02 15:04"))
		time.Sleep(200 * time.Millisecond) // 限速, 避免触发封禁
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("写入CSV失败: %w", err)
	}
	if err := file.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		return fmt.Errorf("落盘数据文件失败: %w", err)
	}

	logger.S().Infof("K线数据已保存到 %s", filePath)
	return nil
}
