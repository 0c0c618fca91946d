package engine

import (
	"math"
	"sort"

	"forex-trading-bot/internal/types"
)

// ComputePerformance derives the performance record from closed trades.
// Drawdown is measured on cumulative realized P&L from a peak starting at 0.
// Sharpe is the per-trade mean over the population standard deviation.
func ComputePerformance(closed []types.Trade) types.Performance {
	var perf types.Performance
	pnls := make([]float64, 0, len(closed))

	ordered := append([]types.Trade(nil), closed...)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i].CloseTime, ordered[j].CloseTime
		if a == nil || b == nil {
			return false
		}
		return a.Before(*b)
	})

	grossProfit, grossLoss := 0.0, 0.0
	for _, t := range ordered {
		if t.RealizedPnL == nil {
			continue
		}
		p := *t.RealizedPnL
		pnls = append(pnls, p)
		switch {
		case p > 0:
			perf.Wins++
			grossProfit += p
		case p < 0:
			perf.Losses++
			grossLoss -= p
		}
	}

	perf.TotalTrades = len(pnls)
	if perf.TotalTrades == 0 {
		return perf
	}
	perf.WinRate = float64(perf.Wins) / float64(perf.TotalTrades)
	if perf.Wins > 0 {
		perf.AvgWin = grossProfit / float64(perf.Wins)
	}
	if perf.Losses > 0 {
		perf.AvgLoss = grossLoss / float64(perf.Losses)
	}
	if grossLoss > 0 {
		perf.ProfitFactor = grossProfit / grossLoss
	}

	equity, peak := 0.0, 0.0
	for _, p := range pnls {
		equity += p
		if equity > peak {
			peak = equity
		}
		if dd := peak - equity; dd > perf.MaxDrawdown {
			perf.MaxDrawdown = dd
		}
	}
	perf.TotalPnL = equity

	mean := equity / float64(len(pnls))
	variance := 0.0
	for _, p := range pnls {
		variance += (p - mean) * (p - mean)
	}
	if sd := math.Sqrt(variance / float64(len(pnls))); sd > 0 {
		perf.SharpeRatio = mean / sd
	}
	return perf
}
