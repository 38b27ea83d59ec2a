package indicator

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRSI_InsufficientData(t *testing.T) {
	assert.Equal(t, 50.0, RSI([]float64{1, 2, 3}, 14))
}

func TestRSI_AllGains(t *testing.T) {
	prices := make([]float64, 30)
	for i := range prices {
		prices[i] = 100 + float64(i)
	}
	// 单边上涨时 RSI 应接近 100
	assert.InDelta(t, 100.0, RSI(prices, 14), 0.01)
}

func TestRSI_AllLosses(t *testing.T) {
	prices := make([]float64, 30)
	for i := range prices {
		prices[i] = 100 - float64(i)
	}
	assert.InDelta(t, 0.0, RSI(prices, 14), 0.01)
}

func TestRSI_Neutral(t *testing.T) {
	// 涨跌交替且幅度相同, RSI 应在 50 附近
	prices := make([]float64, 40)
	for i := range prices {
		if i%2 == 0 {
			prices[i] = 100
		} else {
			prices[i] = 101
		}
	}
	v := RSI(prices, 14)
	assert.Greater(t, v, 40.0)
	assert.Less(t, v, 60.0)
}

func TestSMA(t *testing.T) {
	prices := []float64{1, 2, 3, 4, 5}
	assert.Equal(t, 4.0, SMA(prices, 3))
	assert.Equal(t, 0.0, SMA(prices, 10))
}

func TestEMA_ConstantSeries(t *testing.T) {
	prices := make([]float64, 60)
	for i := range prices {
		prices[i] = 42.0
	}
	assert.InDelta(t, 42.0, EMA(prices, 50), 1e-9)
}

func TestEMA_ConvergesToLevel(t *testing.T) {
	// 价格从 100 跳到 200 并保持, EMA 应逐渐逼近 200
	prices := make([]float64, 200)
	for i := range prices {
		if i < 50 {
			prices[i] = 100
		} else {
			prices[i] = 200
		}
	}
	v := EMA(prices, 20)
	assert.InDelta(t, 200.0, v, 0.1)
}

func TestBollingerBands(t *testing.T) {
	prices := make([]float64, 20)
	for i := range prices {
		prices[i] = 100
	}
	upper, mid, lower := BollingerBands(prices, 20, 2)
	assert.Equal(t, 100.0, mid)
	assert.Equal(t, 100.0, upper)
	assert.Equal(t, 100.0, lower)

	upper, _, _ = BollingerBands([]float64{1, 2}, 20, 2)
	assert.Equal(t, 0.0, upper)
}

func TestBollingerBands_Symmetric(t *testing.T) {
	prices := []float64{98, 99, 100, 101, 102, 98, 99, 100, 101, 102,
		98, 99, 100, 101, 102, 98, 99, 100, 101, 102}
	upper, mid, lower := BollingerBands(prices, 20, 2)
	assert.InDelta(t, 100.0, mid, 1e-9)
	assert.InDelta(t, upper-mid, mid-lower, 1e-9)
	assert.Greater(t, upper, mid)
}

func TestStochRSIK_Bounds(t *testing.T) {
	assert.Equal(t, 50.0, StochRSIK([]float64{1, 2, 3}, 14, 14, 3))

	prices := make([]float64, 60)
	for i := range prices {
		prices[i] = 100 + float64(i)
	}
	k := StochRSIK(prices, 14, 14, 3)
	assert.False(t, math.IsNaN(k))
	assert.GreaterOrEqual(t, k, 0.0)
	assert.LessOrEqual(t, k, 100.0)
}

func TestADX_InsufficientData(t *testing.T) {
	assert.Equal(t, 0.0, ADX([]float64{1}, []float64{1}, []float64{1}, 14))
}

func TestADX_TrendingStrongerThanFlat(t *testing.T) {
	n := 60
	trendH, trendL, trendC := make([]float64, n), make([]float64, n), make([]float64, n)
	flatH, flatL, flatC := make([]float64, n), make([]float64, n), make([]float64, n)
	for i := 0; i < n; i++ {
		base := 100 + float64(i)*2
		trendH[i], trendL[i], trendC[i] = base+1, base-1, base
		if i%2 == 0 {
			flatH[i], flatL[i], flatC[i] = 101, 99, 100
		} else {
			flatH[i], flatL[i], flatC[i] = 101.5, 99.5, 100.5
		}
	}
	assert.Greater(t, ADX(trendH, trendL, trendC, 14), ADX(flatH, flatL, flatC, 14))
}

func TestVolumeSpike(t *testing.T) {
	vols := make([]float64, 21)
	for i := range vols {
		vols[i] = 100
	}
	vols[20] = 200
	spike, cur, target := VolumeSpike(vols, 20, 1.5)
	assert.True(t, spike)
	assert.Equal(t, 200.0, cur)
	assert.Equal(t, 150.0, target)

	vols[20] = 120
	spike, _, _ = VolumeSpike(vols, 20, 1.5)
	assert.False(t, spike)
}
