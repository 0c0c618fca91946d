package engine

import "forex-trading-bot/internal/types"

// barWindow keeps the most recent bars in time order.
type barWindow struct {
	bars []types.Bar
	max  int
}

func newBarWindow(size int) *barWindow {
	return &barWindow{max: size}
}

// merge appends newer bars and replaces bars with a matching timestamp, which
// is how the still-forming last bar gets updated. Older unknown bars are
// ignored.
func (w *barWindow) merge(in []types.Bar) {
	for _, b := range in {
		n := len(w.bars)
		switch {
		case n == 0 || b.Time.After(w.bars[n-1].Time):
			w.bars = append(w.bars, b)
		default:
			for i := n - 1; i >= 0; i-- {
				if w.bars[i].Time.Equal(b.Time) {
					w.bars[i] = b
					break
				}
				if w.bars[i].Time.Before(b.Time) {
					break
				}
			}
		}
	}
	if len(w.bars) > w.max {
		w.bars = append([]types.Bar(nil), w.bars[len(w.bars)-w.max:]...)
	}
}

func (w *barWindow) resize(size int) {
	w.max = size
	w.merge(nil)
}

func (w *barWindow) len() int { return len(w.bars) }

func (w *barWindow) last() (types.Bar, bool) {
	if len(w.bars) == 0 {
		return types.Bar{}, false
	}
	return w.bars[len(w.bars)-1], true
}

func (w *barWindow) snapshot() []types.Bar {
	return append([]types.Bar(nil), w.bars...)
}
