package detector

import (
	"math"
	"testing"

	"fpf-engine/internal/candle"
	"fpf-engine/internal/events"
	"fpf-engine/internal/levels"
	"fpf-engine/internal/logging"
)

func testLogger() *logging.Logger {
	return logging.New(&logging.Config{Level: "ERROR", Output: "stderr", Component: "test"})
}

type capture struct {
	setups  []Signal
	signals []Signal
}

func (c *capture) handler(payload interface{}) {
	sig, ok := payload.(Signal)
	if !ok {
		return
	}
	if sig.Direction == "setup" {
		c.setups = append(c.setups, sig)
		return
	}
	c.signals = append(c.signals, sig)
}

func bar(i int, o, h, l, c, v float64) candle.Event {
	ts := int64(i) * 60_000
	return candle.Event{
		Symbol: "TESTUSDT",
		TF:     "1m",
		Candle: candle.Candle{
			OpenTime: ts - 60_000, CloseTime: ts,
			Open: o, High: h, Low: l, Close: c, Volume: v,
		},
	}
}

func TestPivotFixHighSetupWithVolume(t *testing.T) {
	bus := events.NewBus(testLogger())
	cap := &capture{}
	bus.Subscribe(events.TopicSignalDetected, cap.handler)
	d := New(bus, DefaultConfig(), testLogger(), nil)

	// 20 bars with monotonically rising highs and lows so no pivot forms,
	// giving the volume SMA its full window.
	i := 1
	for k := 0; k < 20; k++ {
		o := 100 + 0.1*float64(k)
		d.OnCandle(bar(i, o, o+0.5, o-0.5, o, 100))
		i++
	}
	d.OnCandle(bar(i, 109.5, 115, 109, 114, 100))
	i++
	d.OnCandle(bar(i, 112, 118, 112, 116.5, 100))
	i++
	d.OnCandle(bar(i, 114, 120, 113, 119, 150))
	i++
	d.OnCandle(bar(i, 118, 119, 114, 118.5, 100))
	i++
	d.OnCandle(bar(i, 116, 117, 115, 116.5, 100))

	if len(cap.setups) != 1 {
		t.Fatalf("setups = %d, want 1", len(cap.setups))
	}
	s := cap.setups[0]
	if s.Note != "SETUP: FIX_HIGH" {
		t.Fatalf("note = %q", s.Note)
	}
	if s.BreakPrice != 120 {
		t.Fatalf("setup price = %v, want 120", s.BreakPrice)
	}
	st, ok := d.State("TESTUSDT", "1m")
	if !ok || st.Stage != StageGotFixHigh {
		t.Fatalf("stage = %q, want %q", st.Stage, StageGotFixHigh)
	}
	if st.FixHigh == nil || *st.FixHigh != 120 {
		t.Fatalf("fix high = %v, want 120", st.FixHigh)
	}
	// The high-volume pivot sits on no level, so one no_levels rejection.
	if got := d.Stats()[statNoLevels]; got != 1 {
		t.Fatalf("no_levels = %d, want 1", got)
	}
}

// feedShortFlow drives one full short sequence: fix high pivot at 103, fix
// low pivot at 97, return above the fix high, then a breakout bar closing
// under the fix low.
func feedShortFlow(d *Detector) {
	d.OnCandle(bar(1, 100, 100.5, 99.5, 100, 100))
	d.OnCandle(bar(2, 100, 100.5, 99.5, 100, 100))
	d.OnCandle(bar(3, 102.2, 103, 102, 102.8, 100))
	d.OnCandle(bar(4, 100, 100.5, 99.5, 100, 100))
	d.OnCandle(bar(5, 100, 100.5, 99.5, 100, 100))
	d.OnCandle(bar(6, 100, 100.5, 99.5, 100, 100))
	d.OnCandle(bar(7, 99, 99.5, 97, 98, 100))
	d.OnCandle(bar(8, 99, 99.6, 98.5, 99.3, 100))
	d.OnCandle(bar(9, 99, 99.6, 98.2, 99, 100))
	d.OnCandle(bar(10, 100, 103.2, 99.8, 102.8, 100))
	d.OnCandle(bar(11, 102, 102.5, 96.5, 96.7, 100))
}

func TestShortBreakFlowSequencing(t *testing.T) {
	bus := events.NewBus(testLogger())
	cap := &capture{}
	bus.Subscribe(events.TopicSignalDetected, cap.handler)
	d := New(bus, DefaultConfig(), testLogger(), nil)

	feedShortFlow(d)

	if len(cap.setups) != 3 {
		t.Fatalf("setups = %d, want 3 (fix high, fix low, return)", len(cap.setups))
	}
	if len(cap.signals) != 1 {
		t.Fatalf("signals = %d, want 1", len(cap.signals))
	}
	s := cap.signals[0]
	if s.Direction != "short" {
		t.Fatalf("direction = %q", s.Direction)
	}
	if s.BreakPrice != 96.5 {
		t.Fatalf("break price = %v, want 96.5", s.BreakPrice)
	}
	if s.TSFix == nil || *s.TSFix != 7*60_000 {
		t.Fatalf("ts_fix = %v, want 420000", s.TSFix)
	}
	if s.ReturnTS == nil || *s.ReturnTS != 10*60_000 {
		t.Fatalf("return_ts = %v, want 600000", s.ReturnTS)
	}
	if s.TS == nil || *s.TS != 11*60_000 {
		t.Fatalf("ts = %v, want 660000", s.TS)
	}
	if !(*s.TSFix < *s.ReturnTS && *s.ReturnTS < *s.TS) {
		t.Fatalf("timestamps out of order: fix=%d return=%d break=%d", *s.TSFix, *s.ReturnTS, *s.TS)
	}
	if s.FixClose == nil || *s.FixClose != 98 {
		t.Fatalf("fix_close = %v, want 98", s.FixClose)
	}
	if s.PrefixLow == nil || *s.PrefixLow != 97 {
		t.Fatalf("prefix_low = %v, want 97", s.PrefixLow)
	}
	if s.PrefixHigh == nil || *s.PrefixHigh != 103 {
		t.Fatalf("prefix_high = %v, want 103", s.PrefixHigh)
	}
	if !s.NoReentry {
		t.Fatal("no_reentry must be set")
	}
	if len(s.GroupID) != 16 {
		t.Fatalf("group id %q, want 16 hex chars", s.GroupID)
	}
	if s.AIScore != 50 || s.StrengthPct != 50 {
		t.Fatalf("ai=%d strength=%d, want 50/50 with no level", s.AIScore, s.StrengthPct)
	}

	stats := d.Stats()
	if stats[statCandidate] != 1 || stats[statOKShort] != 1 {
		t.Fatalf("stats = %v", stats)
	}
	st, _ := d.State("TESTUSDT", "1m")
	if st.Stage != StageIdle {
		t.Fatalf("stage after signal = %q, want idle", st.Stage)
	}
	if st.LastSignalFixTS == nil || *st.LastSignalFixTS != 11*60_000 {
		t.Fatalf("last signal ts = %v", st.LastSignalFixTS)
	}
}

func TestSignalDebounceWindow(t *testing.T) {
	bus := events.NewBus(testLogger())
	cap := &capture{}
	bus.Subscribe(events.TopicSignalDetected, cap.handler)
	d := New(bus, DefaultConfig(), testLogger(), nil)

	feedShortFlow(d)
	if len(cap.signals) != 1 {
		t.Fatalf("signals = %d, want 1", len(cap.signals))
	}
	key := levels.Key{Symbol: "TESTUSDT", TF: "1m"}
	st := d.states[key]

	// A second breakout 4 minutes after the first emission is suppressed.
	d.emitSignal(key, st, "short", 96.0, 11*60_000+4*60_000)
	if len(cap.signals) != 1 {
		t.Fatalf("signal within debounce window not suppressed: %d", len(cap.signals))
	}
	// At exactly 5 minutes the window has elapsed.
	d.emitSignal(key, st, "short", 96.0, 11*60_000+5*60_000)
	if len(cap.signals) != 2 {
		t.Fatalf("signal past debounce window suppressed: %d", len(cap.signals))
	}
}

func TestRoundLevelVolumeGate(t *testing.T) {
	bus := events.NewBus(testLogger())
	cap := &capture{}
	bus.Subscribe(events.TopicSignalDetected, cap.handler)
	d := New(bus, DefaultConfig(), testLogger(), nil)

	round := []levels.Level{{Type: levels.Round, Price: 103}}
	withLevels := func(ev candle.Event) candle.Event {
		ev.Levels = round
		return ev
	}

	for i := 1; i <= 22; i++ {
		d.OnCandle(withLevels(bar(i, 100, 100.5, 99.5, 100, 100)))
	}
	// Fix high pivot on the ROUND level, volume-confirmed (200 vs SMA 100).
	d.OnCandle(withLevels(bar(23, 100, 103, 99.8, 102, 200)))
	d.OnCandle(withLevels(bar(24, 100, 100.5, 99.5, 100, 100)))
	d.OnCandle(withLevels(bar(25, 100, 100.5, 99.5, 100, 100)))
	// Fix low pivot at 97.
	d.OnCandle(withLevels(bar(26, 100, 100.2, 97, 97.5, 100)))
	d.OnCandle(withLevels(bar(27, 99, 99.5, 98, 99, 100)))
	d.OnCandle(withLevels(bar(28, 99, 99.5, 98, 99, 100)))
	// Return above the fix high, into the ROUND band.
	d.OnCandle(withLevels(bar(29, 100, 103.1, 99.5, 102.9, 100)))
	// Breakout bar with a wide range but weak volume (100 vs SMA 105).
	d.OnCandle(withLevels(bar(30, 102.5, 102.6, 96.5, 96.6, 100)))

	stats := d.Stats()
	if stats[statRoundVolFail] != 1 {
		t.Fatalf("round_vol_fail = %d, want 1 (stats %v)", stats[statRoundVolFail], stats)
	}
	if stats[statImpulseFail] != 0 {
		t.Fatalf("impulse_fail = %d, want 0", stats[statImpulseFail])
	}
	if len(cap.signals) != 0 {
		t.Fatalf("signals = %d, want 0", len(cap.signals))
	}
	st, _ := d.State("TESTUSDT", "1m")
	if st.LevelType != levels.Round {
		t.Fatalf("level type = %q, want ROUND", st.LevelType)
	}
	if st.Stage != StageReturnedShort {
		t.Fatalf("stage = %q, want returned_short", st.Stage)
	}
}

func TestLevelsCacheBackfill(t *testing.T) {
	bus := events.NewBus(testLogger())
	d := New(bus, DefaultConfig(), testLogger(), nil)

	bus.Publish(events.TopicLevelsUpdate, levels.Update{
		Symbol: "TESTUSDT", TF: "1m",
		Levels: []levels.Level{{Type: levels.VWAPDaily, Price: 100.4}},
	})
	d.OnCandle(bar(1, 100, 100.5, 99.5, 100, 100))

	key := levels.Key{Symbol: "TESTUSDT", TF: "1m"}
	last := d.buffers[key].Last()
	if len(last.Levels) != 1 || last.Levels[0].Type != levels.VWAPDaily {
		t.Fatalf("cached levels not attached: %+v", last.Levels)
	}
}

func TestParamsForMergesProfile(t *testing.T) {
	cfg := DefaultConfig()

	p := cfg.paramsFor("BNBUSDT")
	if p.VolMult != 1.00 || p.EpsTouchPct != 0.0027 || p.RangeKBase != 0.98 ||
		p.VolRoundMult != 0.92 || p.StopOffsetTicks != 5 || p.AltImpNear != 0.85 || p.AltVolBoost != 1.04 {
		t.Fatalf("BNBUSDT params = %+v", p)
	}
	// Unknown symbol falls back to the global config.
	q := cfg.paramsFor("FOOUSDT")
	if q.VolMult != cfg.VolMult || q.EpsTouchPct != cfg.EpsTouchPct || q.StopOffsetTicks != cfg.StopOffsetTicks {
		t.Fatalf("default params = %+v", q)
	}
	// Merging is pure: repeated calls agree and the config is untouched.
	if cfg.paramsFor("BNBUSDT") != p {
		t.Fatal("paramsFor not deterministic")
	}
	if cfg.VolMult != 1.2 {
		t.Fatalf("config mutated: vol_mult = %v", cfg.VolMult)
	}
}

func TestTickAndBarResolution(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.tickFor("BTCUSDT"); got != 0.5 {
		t.Fatalf("BTCUSDT tick = %v", got)
	}
	if got := cfg.tickFor("ETHUSDT"); got != 0.05 {
		t.Fatalf("ETHUSDT tick = %v", got)
	}
	if got := cfg.tickFor("XYZUSDT"); got != 0.01 {
		t.Fatalf("fallback tick = %v", got)
	}
	cfg.TickSizeMap = map[string]float64{"BTCUSDT": 0.1}
	if got := cfg.tickFor("BTCUSDT"); got != 0.1 {
		t.Fatalf("mapped tick = %v", got)
	}
	if got := cfg.barMS("15m"); got != 900_000 {
		t.Fatalf("15m bar = %v", got)
	}
	if got := cfg.barMS("7m"); got != 60_000 {
		t.Fatalf("unknown tf bar = %v", got)
	}
}

func TestEntryModeOverride(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetestForShort = true
	cfg.RetestOnlyForLevels = []string{levels.VWAPDaily}
	d := New(nil, cfg, testLogger(), nil)

	st := &FixState{LevelType: levels.VWAPDaily, MatchedCount: 2}
	if mode := d.entryModeFor(st, "short"); mode != EntryRetest {
		t.Fatalf("short on VWAP_D conf 2 = %q, want retest1", mode)
	}
	if mode := d.entryModeFor(st, "long"); mode != EntryBreak {
		t.Fatalf("long (flag off) = %q, want break", mode)
	}
	st.MatchedCount = 1
	if mode := d.entryModeFor(st, "short"); mode != EntryBreak {
		t.Fatalf("conf below minimum = %q, want break", mode)
	}
	st.MatchedCount = 2
	st.LevelType = levels.Round
	if mode := d.entryModeFor(st, "short"); mode != EntryBreak {
		t.Fatalf("level outside filter = %q, want break", mode)
	}

	cfg2 := DefaultConfig()
	cfg2.EntryMode = EntryRetest
	d2 := New(nil, cfg2, testLogger(), nil)
	if mode := d2.entryModeFor(&FixState{}, "long"); mode != EntryRetest {
		t.Fatalf("global retest = %q, want retest1", mode)
	}
}

func TestImpulseMetricsRegimes(t *testing.T) {
	m := impulseMetrics(nil, 1.02)
	if m.K != 1.02 || m.Threshold != 0 {
		t.Fatalf("empty = %+v", m)
	}

	// Fewer than five ranges: short is the plain mean, long equals short.
	m = impulseMetrics([]float64{1, 2, 3}, 1.02)
	if m.Short != 2 || m.Long != 2 || m.K != 1.02 {
		t.Fatalf("small sample = %+v", m)
	}

	// Quiet regime: last-14 mean well below the long mean tightens k.
	quiet := append(repeat(10, 6), repeat(1, 14)...)
	m = impulseMetrics(quiet, 1.02)
	if m.Short != 1 || m.Long != 3.7 {
		t.Fatalf("quiet sample = %+v", m)
	}
	if math.Abs(m.K-1.04) > 1e-12 {
		t.Fatalf("quiet k = %v, want 1.04", m.K)
	}

	// Expanded regime: last-14 mean above 1.2x the long mean relaxes k.
	loud := append(repeat(1, 6), repeat(10, 14)...)
	m = impulseMetrics(loud, 1.02)
	if m.Short != 10 || m.Long != 7.3 {
		t.Fatalf("loud sample = %+v", m)
	}
	if m.K != 1.0 {
		t.Fatalf("loud k = %v, want floor 1.0", m.K)
	}
	if m.Threshold != 10 {
		t.Fatalf("loud threshold = %v, want 10", m.Threshold)
	}
}

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestGroupIDBuckets(t *testing.T) {
	lp := f(100.0)
	a := groupID("BTCUSDT", "1m", "short", lp, i64(600_000), 0.5, 60_000)
	b := groupID("BTCUSDT", "1m", "short", lp, i64(600_000), 0.5, 60_000)
	if a != b || len(a) != 16 {
		t.Fatalf("unstable id: %q vs %q", a, b)
	}
	// Same 3-bar time bucket collapses to the same id.
	c := groupID("BTCUSDT", "1m", "short", lp, i64(719_999), 0.5, 60_000)
	if a != c {
		t.Fatalf("same bucket differs: %q vs %q", a, c)
	}
	// Direction splits the bucket.
	if d := groupID("BTCUSDT", "1m", "long", lp, i64(600_000), 0.5, 60_000); d == a {
		t.Fatal("direction must split group ids")
	}
	if e := groupID("BTCUSDT", "1m", "short", nil, nil, 0.5, 60_000); len(e) != 16 {
		t.Fatalf("nil inputs id = %q", e)
	}
}

func TestBuildTVURL(t *testing.T) {
	u := buildTVURL("BTCUSDT", "1m", i64(1_700_000_000_000))
	want := "https://www.tradingview.com/chart/?symbol=BINANCE%3ABTCUSDT.P&interval=1&time=1700000000&range=300#time=1700000000"
	if u != want {
		t.Fatalf("url = %q, want %q", u, want)
	}
	// Second-resolution timestamps pass through unscaled.
	u = buildTVURL("BTCUSDT", "4h", i64(1_700_000_000))
	if u != "https://www.tradingview.com/chart/?symbol=BINANCE%3ABTCUSDT.P&interval=240&time=1700000000&range=300#time=1700000000" {
		t.Fatalf("url = %q", u)
	}
	u = buildTVURL("ETHUSDT", "1d", nil)
	if u != "https://www.tradingview.com/chart/?symbol=BINANCE%3AETHUSDT.P&interval=D" {
		t.Fatalf("nil ts url = %q", u)
	}
}

func TestAIScoreAndStrength(t *testing.T) {
	if got := aiScore("", nil); got != 50 {
		t.Fatalf("no level = %d, want 50", got)
	}
	if got := aiScore(levels.POCDaily, levels.Meta{"heat": 0.5}); got != 75 {
		t.Fatalf("POC_D heat 0.5 = %d, want 75", got)
	}
	if got := aiScore(levels.Round, levels.Meta{"heat": 0.1}); got != 42 {
		t.Fatalf("cold ROUND = %d, want 42", got)
	}
	got := aiScore(levels.DynMonthly, levels.Meta{"heat": 1.0, "poc_price": 101.5, "val": 100.0, "vah": 103.0})
	if got != 100 {
		t.Fatalf("hot DYN_M with zone = %d, want clamp to 100", got)
	}

	if s := strength(50, 0); s != 50 {
		t.Fatalf("strength conf 0 = %d", s)
	}
	if s := strength(50, 3); s != 58 {
		t.Fatalf("strength conf 3 = %d, want 58", s)
	}
	if s := strength(95, 10); s != 100 {
		t.Fatalf("strength clamp = %d, want 100", s)
	}
}
