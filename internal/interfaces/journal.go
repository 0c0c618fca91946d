package interfaces

import (
	"context"

	"forex-trading-bot/internal/types"
)

// Journal persists the audit trail of decisions, trades and safety stops.
type Journal interface {
	RecordDecision(ctx context.Context, d types.DecisionRecord) error
	RecordTrade(ctx context.Context, t types.Trade) error
	RecordEmergencyStop(ctx context.Context, r types.EmergencyStopRecord) error
}

// Confirmer asks an operator to approve an action. A timeout counts as a no.
type Confirmer interface {
	Confirm(ctx context.Context, prompt string) (bool, error)
}
