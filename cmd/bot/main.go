package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"multi-strategy-bot-go/internal/backtest"
	"multi-strategy-bot-go/internal/config"
	"multi-strategy-bot-go/internal/downloader"
	"multi-strategy-bot-go/internal/engine"
	"multi-strategy-bot-go/internal/exchange"
	"multi-strategy-bot-go/internal/logger"
	"multi-strategy-bot-go/internal/manager"
	"multi-strategy-bot-go/internal/marketdata"
	"multi-strategy-bot-go/internal/models"
	"multi-strategy-bot-go/internal/persistence"
	"multi-strategy-bot-go/internal/registry"
	"multi-strategy-bot-go/internal/reporter"
)

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.json", "path to the config file")
	mode := flag.String("mode", "live", "running mode: live or backtest")
	botID := flag.String("bot", "", "bot id to backtest")
	dataPath := flag.String("data", "", "path to historical data file for backtesting")
	symbol := flag.String("symbol", "", "symbol to download for backtesting (e.g., BTCUSDT)")
	startDate := flag.String("start", "", "start date for backtesting (YYYY-MM-DD)")
	endDate := flag.String("end", "", "end date for backtesting (YYYY-MM-DD)")
	flag.Parse()

	// 配置加载前先用默认logger, 保证加载过程本身有日志
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件, 将从系统环境变量中读取。")
	}

	cfg, err := config.LoadEngineConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}

	// 用文件中的配置重新初始化日志
	logger.InitLogger(cfg.LogConfig)
	defer logger.Sync()

	bots, err := persistence.NewBadgerBotRepository(cfg.DBPath)
	if err != nil {
		logger.S().Fatalf("打开状态库失败: %v", err)
	}
	defer bots.Close()

	logs, err := persistence.NewSQLiteTradeLogRepository(cfg.TradeLogDBPath)
	if err != nil {
		logger.S().Fatalf("打开交易流水库失败: %v", err)
	}
	defer logs.Close()

	reg := registry.New(newExchangeFactory(cfg))
	defer reg.CloseAll()
	data := marketdata.NewProvider()

	switch *mode {
	case "live":
		runLiveMode(cfg, bots, logs, reg, data)
	case "backtest":
		if err := runBacktestMode(bots, logs, reg, data,
			*botID, *dataPath, *symbol, *startDate, *endDate); err != nil {
			logger.S().Fatal(err)
		}
	default:
		logger.S().Fatalf("未知的运行模式: %s。请选择 'live' 或 'backtest'。", *mode)
	}
}

// newExchangeFactory 按 (来源, 市场类型) 构造行情适配器。
// Pionex 的密钥从环境变量读取, 没有配置时只能访问公共接口。
func newExchangeFactory(cfg *models.EngineConfig) registry.ExchangeFactory {
	return func(source, marketType string) (exchange.Exchange, error) {
		switch source {
		case "binance":
			base := cfg.BinanceAPIURL
			if marketType == "spot" {
				base = cfg.BinanceSpotAPIURL
			}
			return exchange.NewBinanceExchange(base, marketType), nil
		case "pionex":
			apiKey := os.Getenv("PIONEX_API_KEY")
			apiSecret := os.Getenv("PIONEX_API_SECRET")
			return exchange.NewPionexExchange(cfg.PionexAPIURL, apiKey, apiSecret, marketType), nil
		default:
			return nil, fmt.Errorf("不支持的交易所来源: %s", source)
		}
	}
}

// runLiveMode 启动引擎主循环, 直到收到中断信号
func runLiveMode(cfg *models.EngineConfig, bots persistence.BotRepository,
	logs persistence.TradeLogRepository, reg *registry.Registry, data *marketdata.Provider) {
	logger.S().Info("--- 启动实时运行模式 ---")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng := engine.New(cfg, bots, logs, reg, data)
	eng.Run(ctx)
	logger.S().Info("引擎已成功停止, 状态已保存。")
}

// runBacktestMode 对指定机器人回放历史数据并打印报告
func runBacktestMode(bots persistence.BotRepository, logs persistence.TradeLogRepository,
	reg *registry.Registry, data *marketdata.Provider,
	botID, dataPath, symbol, startDate, endDate string) error {
	logger.S().Info("--- 启动回测模式 ---")

	if botID == "" {
		return fmt.Errorf("回测模式需要通过 --bot 参数指定机器人ID")
	}

	finalPath, err := resolveDataPath(dataPath, symbol, startDate, endDate)
	if err != nil {
		return err
	}

	candles, err := backtest.LoadCSV(finalPath)
	if err != nil {
		return fmt.Errorf("加载历史数据失败: %w", err)
	}

	mgr := manager.New(bots, logs, reg, data)
	res, err := mgr.RunBacktest(botID, candles)
	if err != nil {
		return err
	}

	reporter.Print(res, finalPath)
	return nil
}

// resolveDataPath 决定回测用哪个数据文件:
// 给了 --symbol/--start/--end 就按需下载(带本地CSV缓存), 否则必须给 --data。
func resolveDataPath(dataPath, symbol, startDate, endDate string) (string, error) {
	if symbol != "" && startDate != "" && endDate != "" {
		start, err1 := time.Parse("2006-01-02", startDate)
		end, err2 := time.Parse("2006-01-02", endDate)
		if err1 != nil || err2 != nil {
			return "", fmt.Errorf("日期格式错误, 请使用 YYYY-MM-DD 格式。start: %v, end: %v", err1, err2)
		}

		native := strings.ToUpper(strings.ReplaceAll(symbol, "/", ""))
		filePath := downloader.CacheFilePath("data", native, "15m", start, end)
		if err := downloader.NewKlineDownloader().Download(native, "15m", filePath, start, end); err != nil {
			return "", fmt.Errorf("下载数据失败: %w", err)
		}
		return filePath, nil
	}

	if dataPath == "" {
		return "", fmt.Errorf("回测模式需要通过 --data 或 --symbol/start/end 参数指定数据源")
	}
	return dataPath, nil
}
