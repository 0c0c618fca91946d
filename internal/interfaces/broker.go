package interfaces

import (
	"context"

	"forex-trading-bot/internal/types"
)

// Broker is the single instrument trading venue. Transport failures are
// returned as *types.ConnectionError.
type Broker interface {
	CurrentPrice(ctx context.Context) (float64, error)
	HistoricalData(ctx context.Context, count int, granularity string) ([]types.Bar, error)
	PlaceTrade(ctx context.Context, req types.OrderReq) (types.Trade, error)
	ClosePosition(ctx context.Context, id string) error
	AccountBalance(ctx context.Context) (float64, error)
	OpenPositions(ctx context.Context) ([]types.Position, error)
	TestConnection(ctx context.Context) bool
}
