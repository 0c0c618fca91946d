package interfaces

import (
	"context"

	"forex-trading-bot/internal/types"
)

type Engine interface {
	Step(ctx context.Context) (*types.StepResult, error)
}
