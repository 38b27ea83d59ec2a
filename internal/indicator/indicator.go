// Package indicator 实现策略与过滤器依赖的技术指标。
// 所有平滑都采用指数加权, RSI/ADX 的平滑系数取 Wilder 的 1/period。
package indicator

import "math"

// ewma 返回指数加权均值序列, NaN 前缀会被跳过, 首个有效值作为初值
func ewma(values []float64, alpha float64) []float64 {
	out := make([]float64, len(values))
	started := false
	var prev float64
	for i, v := range values {
		if math.IsNaN(v) {
			out[i] = math.NaN()
			continue
		}
		if !started {
			prev = v
			started = true
		} else {
			prev = alpha*v + (1-alpha)*prev
		}
		out[i] = prev
	}
	return out
}

// EMA 返回周期为 period 的指数移动平均的最新值, 数据不足时返回 0
func EMA(prices []float64, period int) float64 {
	if len(prices) < period {
		return 0
	}
	s := ewma(prices, 2.0/float64(period+1))
	return s[len(s)-1]
}

// SMA 返回周期为 period 的简单移动平均的最新值, 数据不足时返回 0
func SMA(prices []float64, period int) float64 {
	if len(prices) < period {
		return 0
	}
	sum := 0.0
	for _, p := range prices[len(prices)-period:] {
		sum += p
	}
	return sum / float64(period)
}

// MA 按 maType ("ema" 或 "sma") 计算移动平均
func MA(prices []float64, period int, maType string) float64 {
	if maType == "sma" {
		return SMA(prices, period)
	}
	return EMA(prices, period)
}

// gains 把价格序列拆成上涨幅与下跌幅两个序列, 首位为 NaN
func gains(prices []float64) (up, down []float64) {
	up = make([]float64, len(prices))
	down = make([]float64, len(prices))
	up[0], down[0] = math.NaN(), math.NaN()
	for i := 1; i < len(prices); i++ {
		d := prices[i] - prices[i-1]
		if d > 0 {
			up[i], down[i] = d, 0
		} else {
			up[i], down[i] = 0, -d
		}
	}
	return up, down
}

// rsiSeries 返回完整的 RSI 序列, 平滑系数 1/period
func rsiSeries(prices []float64, period int) []float64 {
	up, down := gains(prices)
	alpha := 1.0 / float64(period)
	maUp := ewma(up, alpha)
	maDown := ewma(down, alpha)
	out := make([]float64, len(prices))
	for i := range out {
		if math.IsNaN(maUp[i]) || math.IsNaN(maDown[i]) {
			out[i] = math.NaN()
			continue
		}
		if maDown[i] == 0 {
			out[i] = 100
			continue
		}
		rs := maUp[i] / maDown[i]
		out[i] = 100 - 100/(1+rs)
	}
	return out
}

// RSI 返回最新的 RSI 值, 数据不足时返回中性的 50
func RSI(prices []float64, period int) float64 {
	if len(prices) < period+1 {
		return 50.0
	}
	s := rsiSeries(prices, period)
	return s[len(s)-1]
}

// BollingerBands 返回最新的 (上轨, 中轨, 下轨), 标准差取样本标准差。
// 数据不足时三者均为 0。
func BollingerBands(prices []float64, period int, stdDev float64) (upper, mid, lower float64) {
	if len(prices) < period {
		return 0, 0, 0
	}
	window := prices[len(prices)-period:]
	mean := 0.0
	for _, p := range window {
		mean += p
	}
	mean /= float64(period)
	variance := 0.0
	for _, p := range window {
		variance += (p - mean) * (p - mean)
	}
	variance /= float64(period - 1)
	sd := math.Sqrt(variance)
	return mean + sd*stdDev, mean, mean - sd*stdDev
}

// StochRSIK 返回 Stochastic RSI 的 %K 值 (3 周期平滑)。
// 数据不足时返回中性的 50。
func StochRSIK(prices []float64, rsiPeriod, stochPeriod, kWindow int) float64 {
	if len(prices) < rsiPeriod+stochPeriod {
		return 50
	}
	rsi := rsiSeries(prices, rsiPeriod)
	n := len(rsi)
	stoch := make([]float64, n)
	for i := 0; i < n; i++ {
		if i < stochPeriod-1 {
			stoch[i] = math.NaN()
			continue
		}
		minR, maxR := math.Inf(1), math.Inf(-1)
		hasNaN := false
		for j := i - stochPeriod + 1; j <= i; j++ {
			if math.IsNaN(rsi[j]) {
				hasNaN = true
				break
			}
			minR = math.Min(minR, rsi[j])
			maxR = math.Max(maxR, rsi[j])
		}
		if hasNaN {
			stoch[i] = math.NaN()
			continue
		}
		denom := maxR - minR
		if denom == 0 {
			denom = 0.000001
		}
		stoch[i] = (rsi[i] - minR) / denom * 100
	}
	// %K 取最后 kWindow 个随机值的均值
	sum, count := 0.0, 0
	for j := n - kWindow; j < n; j++ {
		if j < 0 || math.IsNaN(stoch[j]) {
			return 50
		}
		sum += stoch[j]
		count++
	}
	if count == 0 {
		return 50
	}
	return sum / float64(count)
}

// ADX 返回最新的平均趋向指数, 数据不足 (少于 2*period) 时返回 0
func ADX(highs, lows, closes []float64, period int) float64 {
	n := len(closes)
	if n < period*2 || len(highs) != n || len(lows) != n {
		return 0
	}
	alpha := 1.0 / float64(period)
	tr := make([]float64, n)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	tr[0] = highs[0] - lows[0]
	for i := 1; i < n; i++ {
		tr[i] = math.Max(highs[i]-lows[i],
			math.Max(math.Abs(highs[i]-closes[i-1]), math.Abs(lows[i]-closes[i-1])))
		upMove := highs[i] - highs[i-1]
		downMove := lows[i-1] - lows[i]
		if upMove > downMove && upMove > 0 {
			plusDM[i] = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM[i] = downMove
		}
	}
	trS := ewma(tr, alpha)
	plusS := ewma(plusDM, alpha)
	minusS := ewma(minusDM, alpha)
	dx := make([]float64, n)
	for i := 0; i < n; i++ {
		if trS[i] == 0 {
			dx[i] = 0
			continue
		}
		plusDI := 100 * plusS[i] / trS[i]
		minusDI := 100 * minusS[i] / trS[i]
		sumDI := plusDI + minusDI
		if sumDI == 0 {
			sumDI = 0.000001
		}
		dx[i] = 100 * math.Abs(plusDI-minusDI) / sumDI
	}
	adx := ewma(dx, alpha)
	return adx[n-1]
}

// VolumeSpike 判断最新一根成交量是否放大: 与之前 period 根的均量 *multiplier 比较。
// 返回 (是否放量, 当前量, 放量目标)。均量为 0 时视为放量成立。
func VolumeSpike(volumes []float64, period int, multiplier float64) (bool, float64, float64) {
	if len(volumes) < period+1 {
		return false, 0, 0
	}
	current := volumes[len(volumes)-1]
	prev := volumes[len(volumes)-1-period : len(volumes)-1]
	avg := 0.0
	for _, v := range prev {
		avg += v
	}
	avg /= float64(period)
	if avg == 0 {
		return true, current, 0
	}
	target := avg * multiplier
	return current > target, current, target
}
