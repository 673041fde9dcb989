package history

import (
	"sort"

	"fpf-engine/internal/candle"
	"fpf-engine/internal/events"
)

// Replay publishes candles on market.candle in close-time order, dropping
// exact duplicates. Storage normally returns sorted rows; the sort here is
// the last correction point before the pattern state machine sees the data.
func Replay(bus *events.Bus, symbol, tf string, cs []candle.Candle) int {
	if bus == nil || len(cs) == 0 {
		return 0
	}
	sorted := make([]candle.Candle, len(cs))
	copy(sorted, cs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CloseTime < sorted[j].CloseTime
	})

	n := 0
	var lastTS int64 = -1
	for _, c := range sorted {
		if c.CloseTime == lastTS {
			continue
		}
		lastTS = c.CloseTime
		bus.Publish(events.TopicMarketCandle, candle.Event{
			Symbol: symbol,
			TF:     tf,
			Candle: c,
		})
		n++
	}
	return n
}
