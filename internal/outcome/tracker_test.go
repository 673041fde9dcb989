package outcome

import (
	"testing"

	"github.com/rs/zerolog"

	"fpf-engine/internal/candle"
	"fpf-engine/internal/detector"
	"fpf-engine/internal/events"
)

func fp(v float64) *float64 { return &v }
func ip(v int64) *int64     { return &v }

func sig(direction string, entry float64, tsEntry int64, prefixLow, prefixHigh float64) detector.Signal {
	return detector.Signal{
		Symbol:     "TESTUSDT",
		TF:         "1m",
		Direction:  direction,
		BreakPrice: entry,
		TS:         ip(tsEntry),
		TSFix:      ip(tsEntry - 300_000),
		PrefixLow:  fp(prefixLow),
		PrefixHigh: fp(prefixHigh),
		AIScore:    60,
	}
}

func tick(symbol string, ts int64, high, low float64) candle.Event {
	return candle.Event{
		Symbol: symbol,
		TF:     "1m",
		Candle: candle.Candle{
			OpenTime: ts - 60_000, CloseTime: ts,
			Open: (high + low) / 2, High: high, Low: low, Close: (high + low) / 2,
		},
	}
}

func newTestTracker(t *testing.T) (*Tracker, *[]Result) {
	t.Helper()
	bus := events.NewBus(nil)
	var results []Result
	bus.Subscribe(events.TopicSignalOutcome, func(payload interface{}) {
		if r, ok := payload.(Result); ok {
			results = append(results, r)
		}
	})
	tr := New(bus, zerolog.Nop(), nil, 360, 3)
	return tr, &results
}

func TestLongSignalReachesSecondTarget(t *testing.T) {
	tr, results := newTestTracker(t)

	// Entry 100, prefix low 99, tick 0.01, offset 3: SL 98.97, R 1.03,
	// TP1 101.03, TP2 102.06.
	tr.OnSignal(sig("long", 100, 1_000_000, 99, 103))
	if tr.ActiveCount() != 1 {
		t.Fatalf("active = %d, want 1", tr.ActiveCount())
	}

	tr.OnCandle(tick("TESTUSDT", 1_060_000, 101.0, 99.8))
	if len(*results) != 0 {
		t.Fatal("outcome published too early")
	}
	tr.OnCandle(tick("TESTUSDT", 1_120_000, 101.5, 100.2))
	tr.OnCandle(tick("TESTUSDT", 1_180_000, 102.1, 100.9))

	if len(*results) != 1 {
		t.Fatalf("outcomes = %d, want 1", len(*results))
	}
	r := (*results)[0]
	if r.Status != StatusTP2 {
		t.Fatalf("status = %q, want TP2", r.Status)
	}
	if r.THitTP2 == nil || *r.THitTP2 != 1_180_000 {
		t.Fatalf("t_hit_tp2 = %v", r.THitTP2)
	}
	if r.THitTP1 == nil || *r.THitTP1 != 1_120_000 {
		t.Fatalf("t_hit_tp1 = %v, want the earlier touch", r.THitTP1)
	}
	if r.MFER != 2.0388 {
		t.Fatalf("mfe_R = %v, want 2.0388", r.MFER)
	}
	if r.MAER != -0.1942 {
		t.Fatalf("mae_R = %v, want -0.1942", r.MAER)
	}
	if r.ElapsedMin != 3 {
		t.Fatalf("elapsed_min = %v, want 3", r.ElapsedMin)
	}
	if tr.ActiveCount() != 0 {
		t.Fatalf("active after outcome = %d", tr.ActiveCount())
	}
}

func TestShortSignalStopsOut(t *testing.T) {
	tr, results := newTestTracker(t)

	// Entry 96.5, prefix high 103: SL 103.03.
	tr.OnSignal(sig("short", 96.5, 1_000_000, 97, 103))
	tr.OnCandle(tick("TESTUSDT", 1_060_000, 103.1, 96.0))

	if len(*results) != 1 {
		t.Fatalf("outcomes = %d, want 1", len(*results))
	}
	r := (*results)[0]
	if r.Status != StatusSL {
		t.Fatalf("status = %q, want SL", r.Status)
	}
	if r.THitSL == nil || *r.THitSL != 1_060_000 {
		t.Fatalf("t_hit_sl = %v", r.THitSL)
	}
}

func TestStopWinsOverTargetOnSameCandle(t *testing.T) {
	tr, results := newTestTracker(t)

	tr.OnSignal(sig("long", 100, 1_000_000, 99, 103))
	// One bar sweeps both the stop and the second target.
	tr.OnCandle(tick("TESTUSDT", 1_060_000, 105, 98))

	if len(*results) != 1 || (*results)[0].Status != StatusSL {
		t.Fatalf("results = %+v, want single SL", *results)
	}
}

func TestTimeoutAfterWindow(t *testing.T) {
	tr, results := newTestTracker(t)

	tr.OnSignal(sig("long", 100, 60_000, 99, 103))
	// Neutral bar inside the window.
	tr.OnCandle(tick("TESTUSDT", 120_000, 100.5, 99.9))
	if len(*results) != 0 {
		t.Fatal("outcome before window end")
	}
	// 360 minutes after entry.
	tr.OnCandle(tick("TESTUSDT", 60_000+360*60_000, 100.5, 99.9))
	if len(*results) != 1 || (*results)[0].Status != StatusTimeout {
		t.Fatalf("results = %+v, want timeout", *results)
	}
}

func TestIgnoresSetupsAndIncompleteSignals(t *testing.T) {
	tr, _ := newTestTracker(t)

	s := sig("setup", 100, 1_000_000, 99, 103)
	tr.OnSignal(s)
	if tr.ActiveCount() != 0 {
		t.Fatal("setup event tracked")
	}

	incomplete := sig("long", 100, 1_000_000, 99, 103)
	incomplete.PrefixLow = nil
	tr.OnSignal(incomplete)
	if tr.ActiveCount() != 0 {
		t.Fatal("signal without prefix bounds tracked")
	}
}

func TestCandlesForOtherKeysIgnored(t *testing.T) {
	tr, results := newTestTracker(t)

	tr.OnSignal(sig("long", 100, 1_000_000, 99, 103))
	tr.OnCandle(tick("OTHERUSDT", 1_060_000, 200, 50))
	ev := tick("TESTUSDT", 1_060_000, 105, 98)
	ev.TF = "5m"
	tr.OnCandle(ev)

	if len(*results) != 0 || tr.ActiveCount() != 1 {
		t.Fatalf("foreign candles affected tracking: results=%d active=%d", len(*results), tr.ActiveCount())
	}
}
