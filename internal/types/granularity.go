package types

import "time"

var granularities = map[string]time.Duration{
	"M1":  time.Minute,
	"M5":  5 * time.Minute,
	"M15": 15 * time.Minute,
	"M30": 30 * time.Minute,
	"H1":  time.Hour,
	"H4":  4 * time.Hour,
	"D":   24 * time.Hour,
}

// GranularityDuration maps a bar granularity code (M1, M5, M15, M30, H1, H4,
// D) to its length.
func GranularityDuration(g string) (time.Duration, bool) {
	d, ok := granularities[g]
	return d, ok
}
