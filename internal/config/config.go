package config

import (
	"encoding/json"
	"os"

	"multi-strategy-bot-go/internal/models"
)

// LoadEngineConfig 从指定路径加载JSON配置文件并解析到EngineConfig结构体中,
// 缺省字段填入默认值
func LoadEngineConfig(path string) (*models.EngineConfig, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	cfg := &models.EngineConfig{}
	if err := json.NewDecoder(file).Decode(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *models.EngineConfig) {
	if cfg.DBPath == "" {
		cfg.DBPath = "data/bot_state_db"
	}
	if cfg.TradeLogDBPath == "" {
		cfg.TradeLogDBPath = "data/trade_logs.db"
	}
	if cfg.TickIntervalSec <= 0 {
		cfg.TickIntervalSec = 1.0
	}
	if cfg.IdleIntervalSec <= 0 {
		cfg.IdleIntervalSec = 2.0
	}
	if cfg.PipelineTimeoutSec <= 0 {
		cfg.PipelineTimeoutSec = 8.0
	}
	if cfg.BinanceAPIURL == "" {
		cfg.BinanceAPIURL = "https://fapi.binance.com"
	}
	if cfg.BinanceSpotAPIURL == "" {
		cfg.BinanceSpotAPIURL = "https://api.binance.com"
	}
	if cfg.BinanceWSURL == "" {
		cfg.BinanceWSURL = "wss://fstream.binance.com"
	}
	if cfg.PionexAPIURL == "" {
		cfg.PionexAPIURL = "https://api.pionex.com"
	}
	if cfg.LogConfig.Level == "" {
		cfg.LogConfig.Level = "info"
	}
	if cfg.LogConfig.Output == "" {
		cfg.LogConfig.Output = "console"
	}
}
