// Package outcome measures what happens after a signal fires: each emitted
// long/short signal is tracked against subsequent candles until it hits its
// stop, its second target, or times out, and the result is published on
// signal.outcome with maximum favorable/adverse excursion in R units.
package outcome

import (
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog"

	"fpf-engine/internal/candle"
	"fpf-engine/internal/detector"
	"fpf-engine/internal/events"
	"fpf-engine/internal/levels"
)

// Outcome status values.
const (
	StatusSL      = "SL"
	StatusTP2     = "TP2"
	StatusTimeout = "timeout"
)

// ActiveSignal is one signal under observation.
type ActiveSignal struct {
	SignalID  string  `json:"signal_id"`
	Symbol    string  `json:"symbol"`
	TF        string  `json:"tf"`
	Direction string  `json:"direction"`
	Entry     float64 `json:"entry"`
	SL        float64 `json:"sl"`
	TP1       float64 `json:"tp1"`
	TP2       float64 `json:"tp2"`
	TSFix     int64   `json:"ts_fix"`
	TSEntry   int64   `json:"ts_entry"`

	LevelType  string      `json:"level_type,omitempty"`
	LevelPrice *float64    `json:"level_price,omitempty"`
	LevelMeta  levels.Meta `json:"level_meta,omitempty"`
	AIScore    int         `json:"ai_score"`

	MFER    float64 `json:"mfe_R"`
	MAER    float64 `json:"mae_R"`
	THitTP1 *int64  `json:"t_hit_tp1"`
	THitTP2 *int64  `json:"t_hit_tp2"`
	THitSL  *int64  `json:"t_hit_sl"`

	windowMinutes int
}

func (s *ActiveSignal) endTS() int64 {
	return s.TSEntry + int64(s.windowMinutes)*60_000
}

// r is the risk unit: entry-to-stop distance, floored to stay usable when the
// stop sits degenerately close to the entry.
func (s *ActiveSignal) r() float64 {
	r := s.Entry - s.SL
	if s.Direction == "short" {
		r = s.SL - s.Entry
	}
	if r > 0 {
		return r
	}
	return math.Max(math.Abs(s.Entry)*1e-4, 1e-6)
}

// Result is the payload published on signal.outcome.
type Result struct {
	SignalID   string      `json:"signal_id"`
	Symbol     string      `json:"symbol"`
	TF         string      `json:"tf"`
	Direction  string      `json:"direction"`
	Entry      float64     `json:"entry"`
	SL         float64     `json:"sl"`
	TP1        float64     `json:"tp1"`
	TP2        float64     `json:"tp2"`
	Status     string      `json:"status"`
	THitTP1    *int64      `json:"t_hit_tp1"`
	THitTP2    *int64      `json:"t_hit_tp2"`
	THitSL     *int64      `json:"t_hit_sl"`
	MFER       float64     `json:"mfe_R"`
	MAER       float64     `json:"mae_R"`
	TSEntry    int64       `json:"ts_entry"`
	EntryPrice float64     `json:"entry_price"`
	ElapsedMin int64       `json:"elapsed_min"`
	LevelType  string      `json:"level_type,omitempty"`
	LevelPrice *float64    `json:"level_price,omitempty"`
	LevelMeta  levels.Meta `json:"level_meta,omitempty"`
	AIScore    int         `json:"ai_score"`
	TSFix      int64       `json:"ts_fix"`
}

// Metrics is the sink for outcome counters; satisfied by metrics.Recorder.
type Metrics interface {
	RecordOutcome(symbol, outcome string)
}

// Tracker subscribes to signal.detected and market.candle and publishes
// signal.outcome.
type Tracker struct {
	mu sync.Mutex

	bus             *events.Bus
	logger          zerolog.Logger
	rec             Metrics
	windowMinutes   int
	stopOffsetTicks int
	active          map[string]*ActiveSignal
}

// New builds a tracker and wires it to the bus. The metrics sink may be nil.
func New(bus *events.Bus, logger zerolog.Logger, rec Metrics, windowMinutes, stopOffsetTicks int) *Tracker {
	if windowMinutes <= 0 {
		windowMinutes = 360
	}
	if stopOffsetTicks < 1 {
		stopOffsetTicks = 1
	}
	t := &Tracker{
		bus:             bus,
		logger:          logger.With().Str("component", "OutcomeTracker").Logger(),
		rec:             rec,
		windowMinutes:   windowMinutes,
		stopOffsetTicks: stopOffsetTicks,
		active:          make(map[string]*ActiveSignal),
	}
	if bus != nil {
		bus.Subscribe(events.TopicSignalDetected, func(payload interface{}) {
			switch sig := payload.(type) {
			case detector.Signal:
				t.OnSignal(sig)
			case *detector.Signal:
				if sig != nil {
					t.OnSignal(*sig)
				}
			}
		})
		bus.Subscribe(events.TopicMarketCandle, func(payload interface{}) {
			switch ev := payload.(type) {
			case candle.Event:
				t.OnCandle(ev)
			case *candle.Event:
				if ev != nil {
					t.OnCandle(*ev)
				}
			}
		})
	}
	return t
}

func tickFor(symbol string) float64 {
	switch symbol {
	case "BTCUSDT":
		return 0.5
	case "ETHUSDT":
		return 0.05
	}
	return 0.01
}

func signalID(sig detector.Signal) string {
	var ts int64
	if sig.TS != nil {
		ts = *sig.TS
	} else if sig.TSFix != nil {
		ts = *sig.TSFix
	}
	return fmt.Sprintf("%s|%s|%d|%s", sig.Symbol, sig.TF, ts, sig.Direction)
}

// OnSignal starts tracking a long/short signal. Setup events are ignored.
func (t *Tracker) OnSignal(sig detector.Signal) {
	if sig.Direction != "long" && sig.Direction != "short" {
		return
	}
	if sig.Symbol == "" {
		return
	}
	tf := sig.TF
	if tf == "" {
		tf = "1m"
	}

	var tsEntry int64
	if sig.TS != nil {
		tsEntry = *sig.TS
	} else if sig.TSFix != nil {
		tsEntry = *sig.TSFix
	}
	entry := sig.BreakPrice
	if entry == 0 && sig.FixClose != nil {
		entry = *sig.FixClose
	}
	if tsEntry <= 0 || entry == 0 || sig.PrefixLow == nil || sig.PrefixHigh == nil {
		t.logger.Warn().
			Str("symbol", sig.Symbol).
			Str("tf", tf).
			Float64("entry", entry).
			Int64("ts_entry", tsEntry).
			Msg("Skipping signal with missing tracking fields")
		return
	}

	tick := tickFor(sig.Symbol)
	off := float64(t.stopOffsetTicks) * tick
	var sl, r float64
	if sig.Direction == "long" {
		sl = *sig.PrefixLow - off
		r = entry - sl
	} else {
		sl = *sig.PrefixHigh + off
		r = sl - entry
	}
	tp1, tp2 := entry+r, entry+2*r
	if sig.Direction == "short" {
		tp1, tp2 = entry-r, entry-2*r
	}

	tsFix := tsEntry
	if sig.TSFix != nil {
		tsFix = *sig.TSFix
	}
	st := &ActiveSignal{
		SignalID:      signalID(sig),
		Symbol:        sig.Symbol,
		TF:            tf,
		Direction:     sig.Direction,
		Entry:         entry,
		SL:            sl,
		TP1:           tp1,
		TP2:           tp2,
		TSFix:         tsFix,
		TSEntry:       tsEntry,
		LevelType:     sig.LevelType,
		LevelPrice:    sig.LevelPrice,
		LevelMeta:     sig.LevelMeta,
		AIScore:       sig.AIScore,
		windowMinutes: t.windowMinutes,
	}

	t.mu.Lock()
	t.active[st.SignalID] = st
	t.mu.Unlock()

	t.logger.Info().
		Str("signal_id", st.SignalID).
		Str("direction", st.Direction).
		Float64("entry", st.Entry).
		Float64("sl", st.SL).
		Float64("tp1", st.TP1).
		Float64("tp2", st.TP2).
		Msg("Tracking signal")
}

// OnCandle advances every active signal on the matching (symbol, timeframe).
// Stop checks win over targets on the same candle.
func (t *Tracker) OnCandle(ev candle.Event) {
	ts := ev.Candle.CloseTime
	if ts <= 0 {
		ts = ev.Candle.OpenTime
	}
	if ev.Symbol == "" || ts <= 0 {
		return
	}
	high, low := ev.Candle.High, ev.Candle.Low

	t.mu.Lock()
	defer t.mu.Unlock()
	for id, st := range t.active {
		if st.Symbol != ev.Symbol || st.TF != ev.TF {
			continue
		}
		r := st.r()
		if st.Direction == "long" {
			st.MFER = math.Max(st.MFER, (high-st.Entry)/r)
			st.MAER = math.Min(st.MAER, (low-st.Entry)/r)
			if low <= st.SL {
				st.THitSL = &ts
				t.publish(st, StatusSL, ts)
				delete(t.active, id)
				continue
			}
			if high >= st.TP2 {
				st.THitTP2 = &ts
				if st.THitTP1 == nil {
					st.THitTP1 = &ts
				}
				t.publish(st, StatusTP2, ts)
				delete(t.active, id)
				continue
			}
			if high >= st.TP1 && st.THitTP1 == nil {
				st.THitTP1 = &ts
			}
		} else {
			st.MFER = math.Max(st.MFER, (st.Entry-low)/r)
			st.MAER = math.Min(st.MAER, (st.Entry-high)/r)
			if high >= st.SL {
				st.THitSL = &ts
				t.publish(st, StatusSL, ts)
				delete(t.active, id)
				continue
			}
			if low <= st.TP2 {
				st.THitTP2 = &ts
				if st.THitTP1 == nil {
					st.THitTP1 = &ts
				}
				t.publish(st, StatusTP2, ts)
				delete(t.active, id)
				continue
			}
			if low <= st.TP1 && st.THitTP1 == nil {
				st.THitTP1 = &ts
			}
		}
		if ts >= st.endTS() {
			t.publish(st, StatusTimeout, ts)
			delete(t.active, id)
		}
	}
}

// ActiveCount reports how many signals are currently tracked.
func (t *Tracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

func (t *Tracker) publish(st *ActiveSignal, status string, nowTS int64) {
	elapsed := (nowTS - st.TSEntry) / 60_000
	if elapsed < 0 {
		elapsed = 0
	}
	res := Result{
		SignalID:   st.SignalID,
		Symbol:     st.Symbol,
		TF:         st.TF,
		Direction:  st.Direction,
		Entry:      st.Entry,
		SL:         st.SL,
		TP1:        st.TP1,
		TP2:        st.TP2,
		Status:     status,
		THitTP1:    st.THitTP1,
		THitTP2:    st.THitTP2,
		THitSL:     st.THitSL,
		MFER:       round4(st.MFER),
		MAER:       round4(st.MAER),
		TSEntry:    st.TSEntry,
		EntryPrice: st.Entry,
		ElapsedMin: elapsed,
		LevelType:  st.LevelType,
		LevelPrice: st.LevelPrice,
		LevelMeta:  st.LevelMeta,
		AIScore:    st.AIScore,
		TSFix:      st.TSFix,
	}
	if t.rec != nil {
		t.rec.RecordOutcome(st.Symbol, status)
	}
	t.logger.Info().
		Str("signal_id", st.SignalID).
		Str("status", status).
		Float64("mfe_R", res.MFER).
		Float64("mae_R", res.MAER).
		Int64("elapsed_min", elapsed).
		Msg("Signal outcome")
	if t.bus != nil {
		t.bus.Publish(events.TopicSignalOutcome, res)
	}
}

func round4(x float64) float64 {
	return math.Round(x*10_000) / 10_000
}
