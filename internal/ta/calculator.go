package ta

import (
	"fmt"
	"math"

	"forex-trading-bot/internal/store"
	"forex-trading-bot/internal/types"
)

// Calculator computes the indicator set from a bar window.
type Calculator struct {
	cfg store.IndicatorConfig
}

func NewCalculator(cfg store.IndicatorConfig) *Calculator {
	return &Calculator{cfg: cfg}
}

// MinBars is the shortest window for which every indicator is defined.
func (c *Calculator) MinBars() int {
	n := c.cfg.SMALong
	for _, v := range []int{c.cfg.SMAShort, c.cfg.RSIPeriod + 1, c.cfg.BBWindow, c.cfg.ATRPeriod + 1, c.cfg.MACDSlow + c.cfg.MACDSignal - 1} {
		if v > n {
			n = v
		}
	}
	return n
}

func (c *Calculator) Compute(bars []types.Bar) (types.IndicatorSet, error) {
	if len(bars) < c.MinBars() {
		return types.IndicatorSet{}, fmt.Errorf("need %d bars for indicators, have %d", c.MinBars(), len(bars))
	}
	closes := make([]float64, len(bars))
	highs := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	for i, b := range bars {
		closes[i], highs[i], lows[i] = b.Close, b.High, b.Low
	}

	var s types.IndicatorSet
	s.RSI = RSI(closes, c.cfg.RSIPeriod)
	s.SMAShort = SMA(closes, c.cfg.SMAShort)
	s.SMALong = SMA(closes, c.cfg.SMALong)
	s.MACD.Line, s.MACD.Signal, s.MACD.Histogram = MACD(closes, c.cfg.MACDFast, c.cfg.MACDSlow, c.cfg.MACDSignal)
	s.Bollinger.Middle, s.Bollinger.Upper, s.Bollinger.Lower = Bollinger(closes, c.cfg.BBWindow, c.cfg.BBStdDev)
	s.ATR = ATR(highs, lows, closes, c.cfg.ATRPeriod)

	for name, v := range map[string]float64{
		"rsi": s.RSI, "sma_short": s.SMAShort, "sma_long": s.SMALong,
		"macd": s.MACD.Histogram, "bollinger": s.Bollinger.Middle, "atr": s.ATR,
	} {
		if math.IsNaN(v) {
			return types.IndicatorSet{}, fmt.Errorf("indicator %s undefined for %d bars", name, len(bars))
		}
	}
	return s, nil
}

// TechnicalSignal votes the indicator set into a directional signal. Each of
// RSI, SMA cross, MACD histogram and Bollinger position casts one vote;
// confidence is the share of votes behind the winning side.
func TechnicalSignal(s types.IndicatorSet, price float64) types.Signal {
	const voters = 4.0
	buy, sell := 0, 0
	var reasons []string

	switch {
	case s.RSI < 30:
		buy++
		reasons = append(reasons, "rsi_oversold")
	case s.RSI > 70:
		sell++
		reasons = append(reasons, "rsi_overbought")
	}
	switch {
	case s.SMAShort > s.SMALong:
		buy++
		reasons = append(reasons, "sma_bullish")
	case s.SMAShort < s.SMALong:
		sell++
		reasons = append(reasons, "sma_bearish")
	}
	switch {
	case s.MACD.Histogram > 0:
		buy++
		reasons = append(reasons, "macd_positive")
	case s.MACD.Histogram < 0:
		sell++
		reasons = append(reasons, "macd_negative")
	}
	switch {
	case price < s.Bollinger.Lower:
		buy++
		reasons = append(reasons, "below_lower_band")
	case price > s.Bollinger.Upper:
		sell++
		reasons = append(reasons, "above_upper_band")
	}

	sig := types.Signal{Source: "technical", Reason: fmt.Sprint(reasons)}
	switch {
	case buy > sell:
		sig.Action = types.ActionBuy
		sig.Confidence = float64(buy) / voters
	case sell > buy:
		sig.Action = types.ActionSell
		sig.Confidence = float64(sell) / voters
	default:
		sig.Action = types.ActionHold
		sig.Confidence = float64(int(voters)-buy-sell) / voters
	}
	return sig
}
