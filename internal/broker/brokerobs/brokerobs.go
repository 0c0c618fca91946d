package brokerobs

import (
	"context"

	"forex-trading-bot/internal/interfaces"
	"forex-trading-bot/internal/logger"
	"forex-trading-bot/internal/trace"
	"forex-trading-bot/internal/types"
)

// observableBroker wraps a Broker with observability (logging & tracing)
type observableBroker struct {
	broker interfaces.Broker
}

// Compile-time interface check
var _ interfaces.Broker = (*observableBroker)(nil)

// Wrap wraps a broker with observability middleware
func Wrap(broker interfaces.Broker) interfaces.Broker {
	return &observableBroker{
		broker: broker,
	}
}

func (ob *observableBroker) CurrentPrice(ctx context.Context) (float64, error) {
	ctx, span := trace.StartSpan(ctx, "broker.CurrentPrice")
	defer span.End()

	price, err := ob.broker.CurrentPrice(ctx)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to fetch current price", err)
		return 0, err
	}

	logger.DebugSkip(ctx, 1, "Current price fetched", "price", price)
	return price, nil
}

func (ob *observableBroker) HistoricalData(ctx context.Context, count int, granularity string) ([]types.Bar, error) {
	ctx, span := trace.StartSpan(ctx, "broker.HistoricalData")
	defer span.End()

	logger.DebugSkip(ctx, 1, "Fetching historical bars", "count", count, "granularity", granularity)

	bars, err := ob.broker.HistoricalData(ctx, count, granularity)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to fetch bars", err, "count", count, "granularity", granularity)
		return nil, err
	}

	logger.DebugSkip(ctx, 1, "Bars fetched successfully", "count", len(bars))
	return bars, nil
}

func (ob *observableBroker) PlaceTrade(ctx context.Context, req types.OrderReq) (types.Trade, error) {
	ctx, span := trace.StartSpan(ctx, "broker.PlaceTrade")
	defer span.End()

	logger.InfoSkip(ctx, 1, "Placing order",
		"instrument", req.Instrument,
		"side", req.Side,
		"units", req.Units,
		"stop_loss", req.StopLoss,
		"take_profit", req.TakeProfit,
		"tag", req.Tag,
	)

	trade, err := ob.broker.PlaceTrade(ctx, req)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to place order", err,
			"instrument", req.Instrument,
			"side", req.Side,
			"units", req.Units,
		)
		return types.Trade{}, err
	}

	logger.InfoSkip(ctx, 1, "Order placed successfully",
		"instrument", req.Instrument,
		"trade_id", trade.ID,
		"price", trade.OpenPrice,
	)
	return trade, nil
}

func (ob *observableBroker) ClosePosition(ctx context.Context, id string) error {
	ctx, span := trace.StartSpan(ctx, "broker.ClosePosition")
	defer span.End()

	logger.InfoSkip(ctx, 1, "Closing position", "position_id", id)

	if err := ob.broker.ClosePosition(ctx, id); err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to close position", err, "position_id", id)
		return err
	}

	logger.InfoSkip(ctx, 1, "Position closed", "position_id", id)
	return nil
}

func (ob *observableBroker) AccountBalance(ctx context.Context) (float64, error) {
	ctx, span := trace.StartSpan(ctx, "broker.AccountBalance")
	defer span.End()

	balance, err := ob.broker.AccountBalance(ctx)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to fetch account balance", err)
		return 0, err
	}

	logger.DebugSkip(ctx, 1, "Account balance fetched", "balance", balance)
	return balance, nil
}

func (ob *observableBroker) OpenPositions(ctx context.Context) ([]types.Position, error) {
	ctx, span := trace.StartSpan(ctx, "broker.OpenPositions")
	defer span.End()

	positions, err := ob.broker.OpenPositions(ctx)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to fetch open positions", err)
		return nil, err
	}

	logger.DebugSkip(ctx, 1, "Open positions fetched", "count", len(positions))
	return positions, nil
}

func (ob *observableBroker) TestConnection(ctx context.Context) bool {
	ctx, span := trace.StartSpan(ctx, "broker.TestConnection")
	defer span.End()

	ok := ob.broker.TestConnection(ctx)
	if !ok {
		logger.WarnSkip(ctx, 1, "Broker connection test failed")
	} else {
		logger.DebugSkip(ctx, 1, "Broker connection test passed")
	}
	return ok
}
