package engine

import (
	"sort"

	"forex-trading-bot/internal/types"
)

// positionManager is the orchestrator's book of open trades. It is not
// synchronized; the orchestrator guards it with its own mutex.
type positionManager struct {
	open    map[string]*openTrade
	closing map[string]bool
}

type openTrade struct {
	trade    types.Trade
	position types.Position
}

func newPositionManager() *positionManager {
	return &positionManager{
		open:    make(map[string]*openTrade),
		closing: make(map[string]bool),
	}
}

func (pm *positionManager) add(t types.Trade) {
	pm.open[t.ID] = &openTrade{trade: t, position: t.Position()}
}

// adopt registers a broker position this process did not open, e.g. after a
// restart.
func (pm *positionManager) adopt(p types.Position, instrument string) {
	t := types.Trade{
		ID:         p.ID,
		Instrument: instrument,
		Side:       p.Side,
		Size:       p.Size,
		OpenPrice:  p.OpenPrice,
		StopLoss:   p.StopLoss,
		TakeProfit: p.TakeProfit,
		OpenTime:   p.OpenTime,
		Status:     types.TradeOpen,
		Strategy:   "adopted",
	}
	pm.add(t)
}

func (pm *positionManager) has(id string) bool {
	_, ok := pm.open[id]
	return ok
}

// claim reserves a position for closing so two paths never close it twice.
func (pm *positionManager) claim(id string) (types.Trade, bool) {
	ot, ok := pm.open[id]
	if !ok || pm.closing[id] {
		return types.Trade{}, false
	}
	pm.closing[id] = true
	return ot.trade, true
}

func (pm *positionManager) release(id string) {
	delete(pm.closing, id)
}

func (pm *positionManager) remove(id string) {
	delete(pm.open, id)
	delete(pm.closing, id)
}

// revalue marks every position to price using pnl.
func (pm *positionManager) revalue(price float64, pnl func(side types.Side, size, open, price float64) float64) {
	for _, ot := range pm.open {
		ot.position.CurrentPrice = price
		ot.position.UnrealizedPnL = pnl(ot.position.Side, ot.position.Size, ot.position.OpenPrice, price)
	}
}

// list returns open positions oldest first.
func (pm *positionManager) list() []types.Position {
	out := make([]types.Position, 0, len(pm.open))
	for _, ot := range pm.open {
		out = append(out, ot.position)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenTime.Equal(out[j].OpenTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenTime.Before(out[j].OpenTime)
	})
	return out
}

func (pm *positionManager) ids() []string {
	ps := pm.list()
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.ID
	}
	return out
}
