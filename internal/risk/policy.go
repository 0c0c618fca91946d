package risk

import (
	"fmt"

	"forex-trading-bot/internal/types"
)

// SizingInput is what a policy may use to size the next trade.
type SizingInput struct {
	Balance     float64
	Performance types.Performance
}

// SizingPolicy turns account state into a lot size.
type SizingPolicy interface {
	Name() string
	Size(in SizingInput) (float64, error)
}

type fixedRisk struct{ m *Manager }

func (p fixedRisk) Name() string { return "FIXED_RISK" }

func (p fixedRisk) Size(in SizingInput) (float64, error) {
	p.m.mu.Lock()
	cfg := p.m.cfg
	p.m.mu.Unlock()
	return p.m.SizePosition(in.Balance, cfg.StopLossPips, cfg.RiskPerTradePct)
}

type kelly struct{ m *Manager }

func (p kelly) Name() string { return "KELLY" }

// Size uses realized statistics. Until a winning trade exists the edge is
// unknown and the conservative half-default size is used.
func (p kelly) Size(in SizingInput) (float64, error) {
	perf := in.Performance
	if perf.Wins == 0 || perf.AvgWin <= 0 {
		p.m.mu.Lock()
		half := p.m.cfg.DefaultPositionSize / 2
		p.m.mu.Unlock()
		return half, nil
	}
	return p.m.SizePositionKelly(in.Balance, perf.WinRate, perf.AvgWin, perf.AvgLoss)
}

// Policy returns the sizing policy configured by name.
func Policy(name string, m *Manager) (SizingPolicy, error) {
	switch name {
	case "", "FIXED_RISK":
		return fixedRisk{m: m}, nil
	case "KELLY":
		return kelly{m: m}, nil
	}
	return nil, fmt.Errorf("unknown sizing policy %q", name)
}
