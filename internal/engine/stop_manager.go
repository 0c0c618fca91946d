package engine

import "forex-trading-bot/internal/types"

const (
	closeStopLoss   = "stop_loss"
	closeTakeProfit = "take_profit"
	closeReconciled = "closed_at_broker"
)

// stopHit reports whether price has crossed the stop-loss or take-profit of
// p. A zero level is not set and never triggers.
func stopHit(p types.Position, price float64) (string, bool) {
	switch p.Side {
	case types.SideBuy:
		if p.StopLoss > 0 && price <= p.StopLoss {
			return closeStopLoss, true
		}
		if p.TakeProfit > 0 && price >= p.TakeProfit {
			return closeTakeProfit, true
		}
	case types.SideSell:
		if p.StopLoss > 0 && price >= p.StopLoss {
			return closeStopLoss, true
		}
		if p.TakeProfit > 0 && price <= p.TakeProfit {
			return closeTakeProfit, true
		}
	}
	return "", false
}
