package tradelog

import (
	"context"
	"errors"

	"forex-trading-bot/internal/interfaces"
	"forex-trading-bot/internal/types"
)

type multi []interfaces.Journal

// Multi records to every journal in order and joins their errors. A failing
// journal does not stop the others.
func Multi(journals ...interfaces.Journal) interfaces.Journal {
	return multi(journals)
}

func (m multi) RecordDecision(ctx context.Context, d types.DecisionRecord) error {
	var errs []error
	for _, j := range m {
		errs = append(errs, j.RecordDecision(ctx, d))
	}
	return errors.Join(errs...)
}

func (m multi) RecordTrade(ctx context.Context, t types.Trade) error {
	var errs []error
	for _, j := range m {
		errs = append(errs, j.RecordTrade(ctx, t))
	}
	return errors.Join(errs...)
}

func (m multi) RecordEmergencyStop(ctx context.Context, r types.EmergencyStopRecord) error {
	var errs []error
	for _, j := range m {
		errs = append(errs, j.RecordEmergencyStop(ctx, r))
	}
	return errors.Join(errs...)
}
