// Package candle defines the canonical OHLCV record consumed by all
// detection logic, plus the bounded per-key ring buffer the streaming
// detector keeps. All feed adapters convert their wire formats into this
// type at the ingestion boundary; internal code never sees raw payloads.
package candle

import (
	"fmt"

	"fpf-engine/internal/levels"
)

// Candle is one closed OHLCV bar. Timestamps are epoch milliseconds.
// Candles are immutable once created.
type Candle struct {
	OpenTime  int64   `json:"open_time"`
	CloseTime int64   `json:"close_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// Range is the candle's full price extent.
func (c Candle) Range() float64 { return c.High - c.Low }

// BodyTop is the higher of open and close.
func (c Candle) BodyTop() float64 {
	if c.Open > c.Close {
		return c.Open
	}
	return c.Close
}

// Validate checks the structural invariants of a bar.
func (c Candle) Validate() error {
	if c.CloseTime <= c.OpenTime {
		return fmt.Errorf("candle close time %d not after open time %d", c.CloseTime, c.OpenTime)
	}
	lo := c.Open
	if c.Close < lo {
		lo = c.Close
	}
	if c.Low > lo {
		return fmt.Errorf("candle low %.8f above body low %.8f", c.Low, lo)
	}
	if c.High < c.BodyTop() {
		return fmt.Errorf("candle high %.8f below body top %.8f", c.High, c.BodyTop())
	}
	return nil
}

// Event is a closed candle for a (symbol, timeframe) key, optionally carrying
// the external levels attached to that bar. This is the payload published on
// the market.candle topic.
type Event struct {
	Symbol string         `json:"symbol"`
	TF     string         `json:"tf"`
	Candle Candle         `json:"candle"`
	Levels []levels.Level `json:"levels,omitempty"`
}

// DefaultBarMS maps timeframe keys to bar duration in milliseconds.
func DefaultBarMS() map[string]int64 {
	return map[string]int64{
		"1m": 60_000, "3m": 180_000, "5m": 300_000, "15m": 900_000, "30m": 1_800_000,
		"1h": 3_600_000, "4h": 14_400_000, "1d": 86_400_000,
	}
}

// Ring is a fixed-capacity append-only buffer of candle events. Once full,
// appending evicts the oldest entry.
type Ring struct {
	buf   []Event
	head  int
	count int
}

// NewRing creates a ring with the given capacity (minimum 1).
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{buf: make([]Event, capacity)}
}

// Append adds an event, evicting the oldest when full.
func (r *Ring) Append(ev Event) {
	if r.count < len(r.buf) {
		r.buf[(r.head+r.count)%len(r.buf)] = ev
		r.count++
		return
	}
	r.buf[r.head] = ev
	r.head = (r.head + 1) % len(r.buf)
}

// Len returns the number of buffered events.
func (r *Ring) Len() int { return r.count }

// At returns the i-th oldest buffered event.
func (r *Ring) At(i int) Event {
	return r.buf[(r.head+i)%len(r.buf)]
}

// Last returns the most recently appended event.
func (r *Ring) Last() Event {
	return r.At(r.count - 1)
}

// Snapshot copies the buffered events oldest-first.
func (r *Ring) Snapshot() []Event {
	out := make([]Event, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.At(i)
	}
	return out
}
