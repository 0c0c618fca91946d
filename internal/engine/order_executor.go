package engine

import (
	"context"
	"fmt"

	"forex-trading-bot/internal/events"
	"forex-trading-bot/internal/fusion"
	"forex-trading-bot/internal/logger"
	"forex-trading-bot/internal/risk"
	"forex-trading-bot/internal/store"
	"forex-trading-bot/internal/ta"
	"forex-trading-bot/internal/types"
)

const strategyName = "ta_predictor_fusion"

// evaluateAndExecute builds both signals, fuses them and, when the fused
// signal clears the confidence gate and every risk check, opens a trade.
func (o *Orchestrator) evaluateAndExecute(ctx context.Context, cfg *store.Config, inds types.IndicatorSet, price, balance float64, res *types.StepResult) {
	o.mu.Lock()
	bars := o.window.snapshot()
	o.mu.Unlock()

	technical := ta.TechnicalSignal(inds, price)
	predicted, err := o.pred.Predict(ctx, bars, inds)
	if err != nil {
		o.stepError(ctx, res, "predictor", err)
		return
	}
	for _, s := range []types.Signal{technical, predicted} {
		if err := s.Validate(); err != nil {
			o.stepError(ctx, res, "signal", err)
			return
		}
	}

	fused := fusion.Fuse(technical, predicted)
	o.mu.Lock()
	o.lastSignal = &fused
	o.mu.Unlock()
	res.Signal = &fused

	o.bus.Publish(ctx, events.SignalUpdated{Technical: technical, Predictor: predicted, Fused: fused})
	logger.Decision(ctx, cfg.Instrument, string(fused.Action), fused.Confidence, fused.Reason,
		"technical", technical.Action, "predictor", predicted.Action)

	decision := types.DecisionRecord{
		Time:       o.now(),
		Instrument: cfg.Instrument,
		Price:      price,
		Technical:  technical,
		Predictor:  predicted,
		Fused:      fused,
		Indicators: inds,
	}
	decision.Outcome = o.execute(ctx, cfg, fused, price, balance, res)
	res.Reason = decision.Outcome
	if err := o.journal.RecordDecision(ctx, decision); err != nil {
		logger.Warn(ctx, "Failed to journal decision", "error", err)
	}
}

// execute returns a short outcome label for the decision journal.
func (o *Orchestrator) execute(ctx context.Context, cfg *store.Config, fused types.Signal, price, balance float64, res *types.StepResult) string {
	side, ok := types.SideFor(fused.Action)
	if !ok {
		return "hold"
	}
	if fused.Confidence <= cfg.Signal.MinConfidence {
		logger.Debug(ctx, "Signal below confidence threshold",
			"confidence", fused.Confidence, "threshold", cfg.Signal.MinConfidence)
		return "below_threshold"
	}
	if o.halted.Load() {
		return "halted"
	}

	o.mu.Lock()
	sizing, perf := o.sizing, o.perf
	open := o.book.list()
	o.mu.Unlock()

	lots, err := sizing.Size(risk.SizingInput{Balance: balance, Performance: perf})
	if err != nil {
		o.stepError(ctx, res, "sizing", err)
		return "sizing_failed"
	}
	sl, tp := o.risk.ComputeStops(price, side, cfg.Risk.StopLossPips, cfg.Risk.TakeProfitPips)
	req := types.NewProposedTrade(cfg.Instrument, side, lots, price).
		WithStops(sl, tp).
		WithConfidence(fused.Confidence).
		WithStrategy(strategyName).
		Build()

	if v := o.risk.CanPlaceTrade(open, req, balance); !v.Allowed {
		logger.Risk(ctx, cfg.Instrument, "TRADE_BLOCKED", "reason", v.Reason, "size", lots)
		o.bus.Publish(ctx, events.RiskAlert{Severity: events.SeverityLow, Reason: "trade_blocked", Message: v.Reason})
		return "blocked: " + v.Reason
	}
	if err := o.risk.ValidateTrade(req); err != nil {
		o.stepError(ctx, res, "validation", err)
		return "invalid"
	}

	// a safety stop may have landed while the checks ran
	if o.halted.Load() {
		return "halted"
	}
	trade, err := o.brk.PlaceTrade(ctx, types.OrderReq{
		Instrument: req.Instrument(),
		Side:       req.Side(),
		Units:      req.Size() * cfg.Market.UnitsPerLot,
		StopLoss:   req.StopLoss(),
		TakeProfit: req.TakeProfit(),
		Tag:        strategyName,
	})
	if err != nil {
		o.brokerHealth(ctx, err)
		o.stepError(ctx, res, "place_trade", err)
		return "order_failed"
	}

	trade.Instrument = req.Instrument()
	trade.Side = req.Side()
	trade.Size = req.Size()
	trade.StopLoss = req.StopLoss()
	trade.TakeProfit = req.TakeProfit()
	trade.Confidence = req.Confidence()
	trade.Strategy = req.Strategy()
	trade.Status = types.TradeOpen
	if trade.OpenPrice <= 0 {
		trade.OpenPrice = req.Entry()
	}
	if trade.OpenTime.IsZero() {
		trade.OpenTime = o.now()
	}

	o.mu.Lock()
	o.book.add(trade)
	o.mu.Unlock()
	res.Opened = append(res.Opened, trade)

	logger.Trade(ctx, trade.Instrument, string(trade.Side), trade.Size, trade.OpenPrice, trade.ID,
		"stop_loss", trade.StopLoss, "take_profit", trade.TakeProfit, "confidence", trade.Confidence)
	if err := o.journal.RecordTrade(ctx, trade); err != nil {
		logger.Warn(ctx, "Failed to journal trade", "trade_id", trade.ID, "error", err)
	}
	o.bus.Publish(ctx, events.TradeExecuted{Trade: trade})
	return fmt.Sprintf("opened %s %.2f lots", trade.Side, trade.Size)
}
