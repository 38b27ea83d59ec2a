// Package filter 实现首单入场过滤器。
// 过滤器只在空仓开首单前执行, 数据取不到时一律拦截而不是放行。
package filter

import (
	"fmt"
	"strings"
	"time"

	"multi-strategy-bot-go/internal/exchange"
	"multi-strategy-bot-go/internal/indicator"
	"multi-strategy-bot-go/internal/marketdata"
	"multi-strategy-bot-go/internal/models"
)

// ADX 达到该值视为单边趋势过强, 逆势网格/马丁不宜进场
const adxBlockThreshold = 25.0

// Filter 基于行情缓存执行入场检查
type Filter struct {
	provider *marketdata.Provider
}

// New 创建一个过滤器
func New(provider *marketdata.Provider) *Filter {
	return &Filter{provider: provider}
}

// cachedOHLCV 在指定命名空间下拉取带TTL的K线
func (f *Filter) cachedOHLCV(ns string, ex exchange.Exchange, symbol, tf string, limit int, ttl time.Duration) ([]models.Candle, error) {
	key := marketdata.Key(ns, ex.SourceName(), symbol, tf)
	v, err := f.provider.Cache().GetOrFetch(key, ttl, func() (interface{}, error) {
		return ex.FetchOHLCV(symbol, tf, limit)
	})
	if err != nil {
		return nil, err
	}
	candles, _ := v.([]models.Candle)
	return candles, nil
}

// CheckRSI 检查各周期的 RSI 入场条件。
// 做多要求 RSI 低于超卖线, 做空要求高于超买线; 返回 (是否通过, 诊断串)。
func (f *Filter) CheckRSI(ex exchange.Exchange, symbol string, cfg *models.FilterConfig, isLong bool) (bool, string) {
	if !cfg.UseRSI || len(cfg.RSITimeframes) == 0 {
		return true, ""
	}

	allPassed := true
	details := make([]string, 0, len(cfg.RSITimeframes))
	for _, tf := range cfg.RSITimeframes {
		bars, err := f.cachedOHLCV("rsi_data", ex, symbol, tf, 50, marketdata.OHLCVTTL)
		if err != nil {
			return false, fmt.Sprintf("RSI 数据拉取失败: %s", tf)
		}
		if len(bars) < cfg.RSIPeriod+1 {
			return false, "RSI 数据不足"
		}

		rsi := indicator.RSI(marketdata.Closes(bars), cfg.RSIPeriod)
		var passed bool
		var op string
		var threshold float64
		if isLong {
			op, threshold = "<", cfg.RSIOversold
			passed = rsi < threshold
		} else {
			op, threshold = ">", cfg.RSIOverbought
			passed = rsi > threshold
		}

		icon := "✅"
		if !passed {
			icon = "❌"
			allPassed = false
		}
		details = append(details, fmt.Sprintf("%s(%.1f%s%d)%s", tf, rsi, op, int(threshold), icon))
	}
	return allPassed, strings.Join(details, " ")
}

// CheckAdvanced 执行进阶过滤组合: MA 顺势、ADX 趋势强度、放量、StochRSI、布林带。
// 任何一项不满足或数据缺失都拦截, 返回 (是否通过, 诊断串)。
func (f *Filter) CheckAdvanced(ex exchange.Exchange, symbol string, cfg *models.FilterConfig, isLong bool, price float64) (bool, string) {
	if !cfg.UseAdvanced {
		return true, ""
	}
	if !cfg.CheckMA && !cfg.CheckADX && !cfg.CheckVolume && !cfg.CheckStoch && !cfg.CheckBB {
		return true, ""
	}

	pass := true
	var msgs []string
	block := func(msg string) {
		pass = false
		msgs = append(msgs, msg)
	}

	// 15m 数据供 MA / 放量 / StochRSI / 布林带共用
	var k15 []models.Candle
	if cfg.CheckMA || cfg.CheckVolume || cfg.CheckStoch || cfg.CheckBB {
		k15, _ = f.cachedOHLCV("adv_filter", ex, symbol, "15m", 200, marketdata.FilterTTL)
	}

	// 1. MA 顺势: 做多要求价格在均线上方, 做空相反
	if cfg.CheckMA {
		if len(k15) > 50 {
			ma := indicator.EMA(marketdata.Closes(k15), 50)
			if ma > 0 {
				if isLong && price < ma {
					block(fmt.Sprintf("等待均线: %.2f < MA %.2f (15m EMA50)", price, ma))
				} else if !isLong && price > ma {
					block(fmt.Sprintf("等待均线: %.2f > MA %.2f (15m EMA50)", price, ma))
				}
			}
		} else {
			block("MA 数据不足")
		}
	}

	// 2. ADX (4h): 趋势过强时拦截
	if cfg.CheckADX {
		k4h, _ := f.cachedOHLCV("adv_filter", ex, symbol, "4h", 200, marketdata.FilterTTL)
		if len(k4h) > 28 {
			highs, lows, closes := marketdata.HighsLowsCloses(k4h)
			adx := indicator.ADX(highs, lows, closes, 14)
			if adx >= adxBlockThreshold {
				block(fmt.Sprintf("等待趋势减弱: ADX %.1f", adx))
			}
		} else {
			block("ADX 数据不足")
		}
	}

	// 3. 放量确认 (15m)
	if cfg.CheckVolume {
		if len(k15) > 21 {
			spike, cur, target := indicator.VolumeSpike(marketdata.Volumes(k15), 20, 1.5)
			if !spike {
				block(fmt.Sprintf("等待放量: %.0f / %.0f", cur, target))
			}
		} else {
			block("成交量数据不足")
		}
	}

	// 4. StochRSI (15m): 做多要超卖区, 做空要超买区
	if cfg.CheckStoch {
		if len(k15) > 28 {
			k := indicator.StochRSIK(marketdata.Closes(k15), 14, 14, 3)
			if isLong && k >= 20 {
				block(fmt.Sprintf("等待 StochRSI 超卖: K=%.1f", k))
			} else if !isLong && k <= 80 {
				block(fmt.Sprintf("等待 StochRSI 超买: K=%.1f", k))
			}
		} else {
			block("StochRSI 数据不足")
		}
	}

	// 5. 布林带 (15m): 做多要求越下轨, 做空要求越上轨
	if cfg.CheckBB {
		if len(k15) > 20 {
			upper, _, lower := indicator.BollingerBands(marketdata.Closes(k15), 20, 2)
			if isLong && price >= lower {
				block(fmt.Sprintf("等待触及布林下轨: %.2f >= %.2f", price, lower))
			} else if !isLong && price <= upper {
				block(fmt.Sprintf("等待触及布林上轨: %.2f <= %.2f", price, upper))
			}
		} else {
			block("布林带数据不足")
		}
	}

	return pass, strings.Join(msgs, " ")
}

// ShouldBlockEntry 汇总所有过滤器, 只对空仓首单生效。
// 返回 (是否拦截, 拦截原因)。
func (f *Filter) ShouldBlockEntry(ex exchange.Exchange, bot *models.Bot, price float64) (bool, string) {
	cfg := &bot.Config.Filters
	isLong := bot.IsLong()

	if pass, detail := f.CheckRSI(ex, bot.Config.Symbol, cfg, isLong); !pass {
		return true, fmt.Sprintf("⏳ RSI 等待: %s", detail)
	}
	if pass, detail := f.CheckAdvanced(ex, bot.Config.Symbol, cfg, isLong, price); !pass {
		return true, fmt.Sprintf("⏳ 过滤器等待: %s", detail)
	}
	return false, ""
}
