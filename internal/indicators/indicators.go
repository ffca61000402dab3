// Package indicators computes technical indicators over closed candles.
package indicators

import (
	"strings"

	"github.com/pranavchavda/niftystrategist-v2-sub001/internal/candles"
)

// Func computes one indicator over a close-price series. ok is false when
// the series is too short for the period.
type Func func(values []float64, period int) (float64, bool)

var registry = map[string]Func{
	"sma": SMA,
	"ema": EMA,
	"rsi": RSI,
}

// Supported reports whether an indicator name is registered.
func Supported(name string) bool {
	_, ok := registry[strings.ToLower(name)]
	return ok
}

// Compute evaluates a named indicator over the candles' close prices.
func Compute(name string, period int, series []candles.Candle) (float64, bool) {
	fn, ok := registry[strings.ToLower(name)]
	if !ok {
		return 0, false
	}
	closes := make([]float64, len(series))
	for i, c := range series {
		closes[i] = c.Close
	}
	return fn(closes, period)
}

// SMA calculates the simple moving average of the last period values.
func SMA(values []float64, period int) (float64, bool) {
	if period <= 0 || len(values) < period {
		return 0, false
	}
	sum := 0.0
	for i := len(values) - period; i < len(values); i++ {
		sum += values[i]
	}
	return sum / float64(period), true
}

// EMA calculates an exponential moving average seeded with the SMA of the
// first period values.
func EMA(values []float64, period int) (float64, bool) {
	if period <= 0 || len(values) < period {
		return 0, false
	}
	seed, _ := SMA(values[:period], period)
	k := 2.0 / float64(period+1)
	ema := seed
	for _, v := range values[period:] {
		ema = v*k + ema*(1-k)
	}
	return ema, true
}

// RSI computes a basic Relative Strength Index without smoothing.
func RSI(values []float64, period int) (float64, bool) {
	if period <= 0 || len(values) < period+1 {
		return 0, false
	}

	gain := 0.0
	loss := 0.0
	for i := len(values) - period; i < len(values); i++ {
		change := values[i] - values[i-1]
		if change > 0 {
			gain += change
		} else {
			loss -= change
		}
	}

	if loss == 0 {
		return 100, true
	}
	rs := gain / loss
	return 100 - (100 / (1 + rs)), true
}
