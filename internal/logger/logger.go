// Package logger 维护全局的zap日志实例, 文件输出经lumberjack切割。
package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"multi-strategy-bot-go/internal/models"
)

var sugaredLogger *zap.SugaredLogger

// InitLogger 按配置(重新)初始化全局logger, 可安全地多次调用
func InitLogger(cfg models.LogConfig) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level.SetLevel(zap.InfoLevel)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var cores []zapcore.Core
	output := strings.ToLower(cfg.Output)

	if output == "file" || output == "both" {
		// 文件里不要ANSI颜色码
		fileEnc := zapcore.NewConsoleEncoder(encCfg)
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
		cores = append(cores, zapcore.NewCore(fileEnc, zapcore.AddSync(rotator), level))
	}

	// 控制台输出带颜色; 配置无效时也兜底到控制台
	if output == "console" || output == "both" || len(cores) == 0 {
		consoleCfg := encCfg
		consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		consoleEnc := zapcore.NewConsoleEncoder(consoleCfg)
		cores = append(cores, zapcore.NewCore(consoleEnc, zapcore.AddSync(os.Stdout), level))
	}

	sugaredLogger = zap.New(zapcore.NewTee(cores...), zap.AddCaller()).Sugar()
}

// Sync 刷新缓冲中的日志, 进程退出前调用
func Sync() {
	if sugaredLogger != nil {
		_ = sugaredLogger.Sync()
	}
}

// S 返回全局的sugared logger, 未初始化时给一个应急的开发版logger
func S() *zap.SugaredLogger {
	if sugaredLogger == nil {
		fallback, _ := zap.NewDevelopment()
		return fallback.Sugar()
	}
	return sugaredLogger
}
