package safety

import (
	"fmt"
	"strings"
	"time"

	"forex-trading-bot/internal/store"
)

// tradingWindow answers whether a moment falls inside the configured session.
type tradingWindow struct {
	enabled  bool
	start    time.Duration
	end      time.Duration
	weekdays map[time.Weekday]bool
	loc      *time.Location
}

var weekdayNames = map[string]time.Weekday{
	"SUN": time.Sunday, "MON": time.Monday, "TUE": time.Tuesday, "WED": time.Wednesday,
	"THU": time.Thursday, "FRI": time.Friday, "SAT": time.Saturday,
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q: want HH:MM", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func newTradingWindow(h store.TradingHours, loc *time.Location) (tradingWindow, error) {
	w := tradingWindow{enabled: h.Enabled, loc: loc}
	if !h.Enabled {
		return w, nil
	}
	var err error
	if w.start, err = parseClock(h.Start); err != nil {
		return w, err
	}
	if w.end, err = parseClock(h.End); err != nil {
		return w, err
	}
	if len(h.Weekdays) > 0 {
		w.weekdays = make(map[time.Weekday]bool, len(h.Weekdays))
		for _, d := range h.Weekdays {
			key := strings.ToUpper(strings.TrimSpace(d))
			if len(key) > 3 {
				key = key[:3]
			}
			wd, ok := weekdayNames[key]
			if !ok {
				return w, fmt.Errorf("invalid weekday %q", d)
			}
			w.weekdays[wd] = true
		}
	}
	return w, nil
}

// contains treats start > end as a session crossing midnight.
func (w tradingWindow) contains(t time.Time) bool {
	if !w.enabled {
		return true
	}
	t = t.In(w.loc)
	if w.weekdays != nil && !w.weekdays[t.Weekday()] {
		return false
	}
	y, m, d := t.Date()
	offset := t.Sub(time.Date(y, m, d, 0, 0, 0, 0, w.loc))
	if w.start <= w.end {
		return offset >= w.start && offset < w.end
	}
	return offset >= w.start || offset < w.end
}
