// Package detector implements the streaming Fix-Prefix detector: a
// per-(symbol, timeframe) state machine fed closed candles, confirming fix
// pivots against volume and external levels, waiting for the return into the
// fix zone and the breakout, and emitting setup and signal events on the bus.
package detector

import (
	"math"
	"sync"
	"time"

	"fpf-engine/internal/candle"
	"fpf-engine/internal/events"
	"fpf-engine/internal/levels"
	"fpf-engine/internal/logging"
	"fpf-engine/internal/metrics"
)

// Stage names of the per-symbol streaming state machine.
const (
	StageIdle             = "idle"
	StageGotFixHigh       = "got_fix_high"
	StageGotFixLow        = "got_fix_low"
	StageBothHighLow      = "both_high_low"
	StageBothLowHigh      = "both_low_high"
	StageReturnedShort    = "returned_short"
	StageReturnedLong     = "returned_long"
	StageAwaitRetestShort = "await_retest_short"
	StageAwaitRetestLong  = "await_retest_long"
)

// Diagnostic counter names.
const (
	statNoLevels       = "no_levels"
	statImpulseFail    = "impulse_fail"
	statRoundVolFail   = "round_vol_fail"
	statStopTooSmall   = "stop_too_small"
	statSwingNoConf    = "swing_no_conf"
	statSessionBlocked = "session_blocked"
	statCandidate      = "candidate"
	statOKLong         = "ok_long"
	statOKShort        = "ok_short"
)

// Session-hour filtering is wired through config but currently disabled.
const sessionFilterEnabled = false

const debounceMS = 5 * 60 * 1000

// FixState is the mutable per-(symbol, timeframe) detection state.
type FixState struct {
	FixHigh      *float64
	FixLow       *float64
	FixHighTS    *int64
	FixLowTS     *int64
	FixHighClose *float64
	FixLowClose  *float64
	ReturnTS     *int64
	VolFix       *float64

	LevelType  string
	LevelPrice *float64
	LevelMeta  levels.Meta

	MatchedLevels []string
	MatchedCount  int

	Stage             string
	LastSignalFixTS   *int64
	PendingBreakTS    *int64
	PendingBreakPrice *float64
}

// NewFixState returns an idle state.
func NewFixState() *FixState { return &FixState{Stage: StageIdle} }

// Detector consumes market.candle events and publishes signal.detected
// payloads. All state is guarded by a single mutex; bus handlers invoked from
// Publish must not call back into the detector.
type Detector struct {
	mu sync.Mutex

	cfg    Config
	bus    *events.Bus
	log    *logging.Logger
	rec    *metrics.Recorder
	picker *levels.Picker

	buffers map[levels.Key]*candle.Ring
	states  map[levels.Key]*FixState
	cache   *levels.Cache
	stats   map[string]int
}

// New builds a detector and subscribes it to market.candle and levels.update.
// The metrics recorder may be nil.
func New(bus *events.Bus, cfg Config, log *logging.Logger, rec *metrics.Recorder) *Detector {
	if cfg.EntryMode != EntryBreak && cfg.EntryMode != EntryRetest {
		cfg.EntryMode = EntryBreak
	}
	if log == nil {
		log = logging.Default()
	}
	d := &Detector{
		cfg:     cfg,
		bus:     bus,
		log:     log.WithComponent("detector"),
		rec:     rec,
		picker:  cfg.newPicker(),
		buffers: make(map[levels.Key]*candle.Ring),
		states:  make(map[levels.Key]*FixState),
		cache:   levels.NewCache(),
		stats:   make(map[string]int),
	}
	if bus != nil {
		bus.Subscribe(events.TopicMarketCandle, func(payload interface{}) {
			switch ev := payload.(type) {
			case candle.Event:
				d.OnCandle(ev)
			case *candle.Event:
				if ev != nil {
					d.OnCandle(*ev)
				}
			}
		})
		bus.Subscribe(events.TopicLevelsUpdate, func(payload interface{}) {
			switch u := payload.(type) {
			case levels.Update:
				d.OnLevelsUpdate(u)
			case *levels.Update:
				if u != nil {
					d.OnLevelsUpdate(*u)
				}
			}
		})
	}
	return d
}

// OnLevelsUpdate caches the latest external level set for a key. Candles that
// arrive without their own levels fall back to this cache.
func (d *Detector) OnLevelsUpdate(u levels.Update) {
	if u.Symbol == "" || u.TF == "" {
		return
	}
	d.cache.Set(levels.Key{Symbol: u.Symbol, TF: u.TF}, u.Levels)
}

// OnCandle feeds one closed candle into the state machine for its key.
func (d *Detector) OnCandle(ev candle.Event) {
	if err := ev.Candle.Validate(); err != nil {
		d.log.Warn("dropping malformed candle", "symbol", ev.Symbol, "tf", ev.TF, "error", err)
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	key := levels.Key{Symbol: ev.Symbol, TF: ev.TF}
	buf, ok := d.buffers[key]
	if !ok {
		buf = candle.NewRing(d.cfg.bufferCap())
		d.buffers[key] = buf
	}
	st, ok := d.states[key]
	if !ok {
		st = NewFixState()
		d.states[key] = st
	}
	if len(ev.Levels) == 0 {
		ev.Levels = d.cache.Get(key)
	}
	buf.Append(ev)
	if d.rec != nil {
		d.rec.RecordCandle(ev.Symbol, ev.TF, ev.Candle.Close)
	}
	d.checkPivotAndState(key, buf, st)
}

// State returns a copy of the current state for a key, for diagnostics.
func (d *Detector) State(symbol, tf string) (FixState, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.states[levels.Key{Symbol: symbol, TF: tf}]
	if !ok {
		return FixState{}, false
	}
	return *st, true
}

// Candles returns a copy of the buffered candles for one key, oldest first.
func (d *Detector) Candles(symbol, tf string) []candle.Candle {
	d.mu.Lock()
	defer d.mu.Unlock()
	ring, ok := d.buffers[levels.Key{Symbol: symbol, TF: tf}]
	if !ok {
		return nil
	}
	evs := ring.Snapshot()
	out := make([]candle.Candle, len(evs))
	for i := range evs {
		out[i] = evs[i].Candle
	}
	return out
}

func (d *Detector) checkPivotAndState(key levels.Key, buf *candle.Ring, st *FixState) {
	p := d.cfg.paramsFor(key.Symbol)
	if buf.Len() < d.cfg.PivotLeft+d.cfg.PivotRight+1 {
		return
	}
	centerIdx := buf.Len() - d.cfg.PivotRight - 1
	if centerIdx <= d.cfg.PivotLeft-1 {
		return
	}
	seq := buf.Snapshot()
	center := seq[centerIdx]
	last := seq[len(seq)-1]

	isPivotHigh, isPivotLow := true, true
	for i := centerIdx - d.cfg.PivotLeft; i < centerIdx+1+d.cfg.PivotRight; i++ {
		if i == centerIdx {
			continue
		}
		if center.Candle.High <= seq[i].Candle.High {
			isPivotHigh = false
		}
		if center.Candle.Low >= seq[i].Candle.Low {
			isPivotLow = false
		}
	}

	// Volume SMA over the bars before the center.
	volOK := true
	if centerIdx >= d.cfg.VolSMAN {
		vols := make([]float64, 0, d.cfg.VolSMAN)
		for i := centerIdx - d.cfg.VolSMAN; i < centerIdx; i++ {
			vols = append(vols, seq[i].Candle.Volume)
		}
		if sma := mean(vols); sma > 0 {
			volOK = center.Candle.Volume >= p.VolMult*sma
		}
	}

	strongHigh := d.strongAt(center.Candle.High, center.Levels)
	strongLow := d.strongAt(center.Candle.Low, center.Levels)

	if st.Stage == StageIdle {
		switch {
		case isPivotHigh && (volOK || strongHigh):
			st.FixHigh = f(center.Candle.High)
			st.FixHighTS = i64(center.Candle.CloseTime)
			st.FixHighClose = f(center.Candle.Close)
			st.FixLow, st.FixLowTS, st.FixLowClose = nil, nil, nil
			st.ReturnTS = nil
			st.VolFix = f(center.Candle.Volume)
			d.attachLevel(key, st, center.Candle.High, center.Levels)
			st.Stage = StageGotFixHigh
			d.log.Info("fix high", "symbol", key.Symbol, "tf", key.TF, "price", center.Candle.High, "volume", center.Candle.Volume, "ts_close", center.Candle.CloseTime)
			d.emitSetup(key, "FIX_HIGH", st, center.Candle.High, center.Candle.CloseTime)
		case isPivotLow && (volOK || strongLow):
			st.FixLow = f(center.Candle.Low)
			st.FixLowTS = i64(center.Candle.CloseTime)
			st.FixLowClose = f(center.Candle.Close)
			st.FixHigh, st.FixHighTS, st.FixHighClose = nil, nil, nil
			st.ReturnTS = nil
			st.VolFix = f(center.Candle.Volume)
			d.attachLevel(key, st, center.Candle.Low, center.Levels)
			st.Stage = StageGotFixLow
			d.log.Info("fix low", "symbol", key.Symbol, "tf", key.TF, "price", center.Candle.Low, "volume", center.Candle.Volume, "ts_close", center.Candle.CloseTime)
			d.emitSetup(key, "FIX_LOW", st, center.Candle.Low, center.Candle.CloseTime)
		}
		return
	}

	minGap := int64(d.cfg.MinBarsBetween) * d.cfg.barMS(key.TF)
	if st.Stage == StageGotFixHigh {
		if isPivotLow && st.FixHighTS != nil && center.Candle.CloseTime > *st.FixHighTS && center.Candle.CloseTime-*st.FixHighTS >= minGap {
			st.FixLow = f(center.Candle.Low)
			st.FixLowTS = i64(center.Candle.CloseTime)
			st.FixLowClose = f(center.Candle.Close)
			st.Stage = StageBothHighLow
			d.log.Info("fix low after fix high", "symbol", key.Symbol, "tf", key.TF, "price", center.Candle.Low)
			d.emitSetup(key, "FIX_LOW", st, center.Candle.Low, center.Candle.CloseTime)
		}
	} else if st.Stage == StageGotFixLow {
		if isPivotHigh && st.FixLowTS != nil && center.Candle.CloseTime > *st.FixLowTS && center.Candle.CloseTime-*st.FixLowTS >= minGap {
			st.FixHigh = f(center.Candle.High)
			st.FixHighTS = i64(center.Candle.CloseTime)
			st.FixHighClose = f(center.Candle.Close)
			st.Stage = StageBothLowHigh
			d.log.Info("fix high after fix low", "symbol", key.Symbol, "tf", key.TF, "price", center.Candle.High)
			d.emitSetup(key, "FIX_HIGH", st, center.Candle.High, center.Candle.CloseTime)
		}
	}

	// Return into the fix zone. The epsilon here is the profile-effective
	// touch tolerance; level refresh and proximity use the global one.
	if st.Stage == StageBothHighLow {
		d.refreshLevel(st, last.Candle.High, last.Levels)
		epsAbs := d.zoneEpsAbs(st, p, last.Candle.High)
		if st.FixHigh != nil && last.Candle.High >= *st.FixHigh-epsAbs && d.picker.Near(last.Candle.High, st.LevelType, st.LevelPrice) {
			st.ReturnTS = i64(last.Candle.CloseTime)
			st.Stage = StageReturnedShort
			d.stat(statCandidate)
			d.log.Info("returned above fix high", "symbol", key.Symbol, "tf", key.TF, "fix_high", *st.FixHigh, "ts", last.Candle.CloseTime)
			d.emitSetup(key, "RETURN", st, last.Candle.Close, last.Candle.CloseTime)
		}
	} else if st.Stage == StageBothLowHigh {
		d.refreshLevel(st, last.Candle.Low, last.Levels)
		epsAbs := d.zoneEpsAbs(st, p, last.Candle.Low)
		if st.FixLow != nil && last.Candle.Low <= *st.FixLow+epsAbs && d.picker.Near(last.Candle.Low, st.LevelType, st.LevelPrice) {
			st.ReturnTS = i64(last.Candle.CloseTime)
			st.Stage = StageReturnedLong
			d.stat(statCandidate)
			d.log.Info("returned below fix low", "symbol", key.Symbol, "tf", key.TF, "fix_low", *st.FixLow, "ts", last.Candle.CloseTime)
			d.emitSetup(key, "RETURN", st, last.Candle.Close, last.Candle.CloseTime)
		}
	}

	switch st.Stage {
	case StageReturnedShort:
		d.evaluateBreak(key, st, seq, p, true)
	case StageReturnedLong:
		d.evaluateBreak(key, st, seq, p, false)
	case StageAwaitRetestShort:
		d.handleRetest(key, st, last.Candle, true)
	case StageAwaitRetestLong:
		d.handleRetest(key, st, last.Candle, false)
	}
}

// strongAt reports whether a pivot price sits on a level strong enough to
// bypass the volume gate: privileged level class, confluence of 2+, or heat.
func (d *Detector) strongAt(price float64, lvls []levels.Level) bool {
	m, matched := d.picker.Pick(price, lvls)
	if !m.Found() {
		return false
	}
	switch m.Type {
	case levels.DynMonthly, levels.DynWeekly,
		levels.POCDaily, levels.POCSess,
		levels.VWAPDaily, levels.VWAPSess,
		levels.VAHDaily, levels.VALDaily, levels.VAHSess, levels.VALSess:
		return true
	}
	return len(matched) >= 2 || m.Meta.Heat() >= 0.4
}

// attachLevel binds the best matching level to a freshly found fix pivot.
func (d *Detector) attachLevel(key levels.Key, st *FixState, price float64, lvls []levels.Level) {
	m, matched := d.picker.Pick(price, lvls)
	if !m.Found() {
		d.stat(statNoLevels)
		d.log.Debug("no level near pivot", "symbol", key.Symbol, "tf", key.TF, "price", price)
		st.LevelType, st.LevelPrice, st.LevelMeta = "", nil, nil
		st.MatchedLevels, st.MatchedCount = nil, 0
		return
	}
	st.LevelType = m.Type
	st.LevelPrice = f(m.Price)
	st.LevelMeta = m.Meta
	st.MatchedLevels = matched
	st.MatchedCount = len(matched)
}

// refreshLevel re-picks the level against the newest bar, upgrading the bound
// level only to a strictly higher-priority one when upgrades are allowed. The
// confluence set always follows the newest pick.
func (d *Detector) refreshLevel(st *FixState, price float64, lvls []levels.Level) {
	if d.cfg.LockLevelOnFix {
		return
	}
	m, matched := d.picker.Pick(price, lvls)
	if !m.Found() || m.Price == 0 {
		return
	}
	if st.LevelType == "" || (d.cfg.AllowLevelUpgrade && d.picker.PriorityIndex(m.Type) < d.picker.PriorityIndex(st.LevelType)) {
		st.LevelType = m.Type
		st.LevelPrice = f(m.Price)
		st.LevelMeta = m.Meta
	}
	st.MatchedLevels = matched
	st.MatchedCount = len(matched)
}

// zoneEpsAbs is the absolute return-zone tolerance: reference price times the
// profile-effective touch percentage times the level-class multiplier.
func (d *Detector) zoneEpsAbs(st *FixState, p params, fallback float64) float64 {
	ref := fallback
	if st.LevelPrice != nil {
		ref = *st.LevelPrice
	} else if st.Stage == StageBothHighLow && st.FixHigh != nil {
		ref = *st.FixHigh
	} else if st.Stage == StageBothLowHigh && st.FixLow != nil {
		ref = *st.FixLow
	}
	lt := st.LevelType
	if lt == "" {
		lt = levels.Round
	}
	return math.Abs(ref) * p.EpsTouchPct * d.picker.EpsMultFor(lt)
}

func (d *Detector) evaluateBreak(key levels.Key, st *FixState, seq []candle.Event, p params, short bool) {
	last := seq[len(seq)-1].Candle
	ranges := make([]float64, len(seq))
	for i, ev := range seq {
		ranges[i] = ev.Candle.Range()
	}

	kBase := p.RangeKBase
	if st.LevelType == levels.Round && d.cfg.RequireConfForRound && st.MatchedCount < 2 {
		kBase += d.cfg.RangeKRoundBonus
	}
	if st.MatchedCount >= 2 {
		kBase = math.Max(1.0, kBase-0.25)
	}
	if containsAny(st.MatchedLevels, levels.DynMonthly, levels.DynWeekly) {
		kBase = math.Max(1.0, kBase-0.08)
	}
	imp := impulseMetrics(ranges[:len(ranges)-1], kBase)
	rngOK := last.Range() >= imp.Threshold

	// Alternative pass: near-threshold range plus a volume boost or
	// confluence.
	volBoost := true
	var volSMALast float64
	if len(seq) > d.cfg.VolSMAN {
		volSMALast = d.volSMABefore(seq)
		if volSMALast > 0 {
			volBoost = last.Volume >= p.AltVolBoost*volSMALast
		}
	}
	confBoost := st.MatchedCount >= 2
	nearThreshold := last.Range() >= p.AltImpNear*imp.Threshold
	rngAltOK := nearThreshold && (volBoost || confBoost)

	// ROUND needs its own volume gate unless a dynamic level is in the
	// confluence set.
	volOKRound := true
	if st.LevelType == levels.Round && len(seq) > d.cfg.VolSMAN && !containsAny(st.MatchedLevels, levels.DynMonthly, levels.DynWeekly) {
		sma := d.volSMABefore(seq)
		mult := p.VolRoundMult
		if st.MatchedCount >= 2 {
			mult = math.Max(0.85, p.VolRoundMult-0.25)
		}
		if sma > 0 {
			volOKRound = last.Volume >= mult*sma
		}
	}

	if d.cfg.DisableSwingWithoutConf && (st.LevelType == levels.SwingHigh || st.LevelType == levels.SwingLow) && st.MatchedCount < 2 {
		d.stat(statSwingNoConf)
		d.reject(key, st, statSwingNoConf, "matched", st.MatchedCount)
		return
	}

	if sessionFilterEnabled && d.cfg.ActiveHours != nil {
		h := time.UnixMilli(last.CloseTime).UTC().Hour()
		if h < d.cfg.ActiveHours[0] || h > d.cfg.ActiveHours[1] {
			d.stat(statSessionBlocked)
			d.reject(key, st, statSessionBlocked, "hour", h)
			return
		}
	}

	// Minimum stop distance measured past the main extreme.
	tick := d.cfg.tickFor(key.Symbol)
	var estSL, stopTicks, breakPrice float64
	var breakCondition bool
	if short {
		refHi := last.High
		if st.FixHigh != nil {
			refHi = *st.FixHigh
		}
		estSL = refHi + float64(p.StopOffsetTicks)*tick
		stopTicks = math.Max(0, (estSL-last.Low)/tick)
		breakLow := st.FixLow != nil && last.Low <= *st.FixLow*(1-d.cfg.ZoneEps)
		breakClose := st.FixLow != nil && last.Close <= *st.FixLow*(1-d.cfg.ZoneEps*0.5)
		breakCondition = breakLow || breakClose
		breakPrice = last.Low
	} else {
		refLo := last.Low
		if st.FixLow != nil {
			refLo = *st.FixLow
		}
		estSL = refLo - float64(p.StopOffsetTicks)*tick
		stopTicks = math.Max(0, (last.High-estSL)/tick)
		breakUp := st.FixHigh != nil && last.High >= *st.FixHigh*(1+d.cfg.ZoneEps)
		breakClose := st.FixHigh != nil && last.Close >= *st.FixHigh*(1+d.cfg.ZoneEps*0.5)
		breakCondition = breakUp || breakClose
		breakPrice = last.High
	}
	minStopDyn := d.cfg.MinStopTicks
	if d.cfg.MinStopAlpha > 0 {
		dyn := int(math.Ceil(d.cfg.MinStopAlpha * math.Max(imp.Short, 0) / math.Max(tick, 1e-9)))
		if dyn > minStopDyn {
			minStopDyn = dyn
		}
	}
	thresholdTicks := int(float64(minStopDyn) * 0.5)
	if thresholdTicks < 1 {
		thresholdTicks = 1
	}
	hardStopFail := stopTicks < float64(thresholdTicks)
	impulseBlocked := !(rngOK || rngAltOK)
	roundVolBlocked := !volOKRound

	// Failures only count against an actual break attempt.
	if breakCondition {
		if impulseBlocked {
			d.stat(statImpulseFail)
			d.reject(key, st, statImpulseFail, "last_range", last.Range(), "short_sma", imp.Short, "long_sma", imp.Long, "k", imp.K, "threshold", imp.Threshold)
		}
		if roundVolBlocked {
			d.stat(statRoundVolFail)
			d.reject(key, st, statRoundVolFail, "last_volume", last.Volume, "vol_sma", volSMALast)
		}
		if hardStopFail {
			d.stat(statStopTooSmall)
			d.reject(key, st, statStopTooSmall, "stop_ticks", stopTicks, "min_ticks", thresholdTicks, "est_sl", estSL, "tick", tick)
		}
	}

	pass := breakCondition && (rngOK || rngAltOK) && volOKRound && !hardStopFail
	if !pass {
		return
	}
	direction := "long"
	okStat := statOKLong
	if short {
		direction = "short"
		okStat = statOKShort
	}
	switch d.entryModeFor(st, direction) {
	case EntryBreak:
		d.stat(okStat)
		d.log.Info("breakout confirmed", "symbol", key.Symbol, "tf", key.TF, "direction", direction, "price", breakPrice, "ts_close", last.CloseTime)
		d.emitSignal(key, st, direction, breakPrice, last.CloseTime)
		d.resetState(st, last.CloseTime)
	case EntryRetest:
		st.Stage = StageAwaitRetestShort
		if !short {
			st.Stage = StageAwaitRetestLong
		}
		st.PendingBreakTS = i64(last.CloseTime)
		st.PendingBreakPrice = f(breakPrice)
	}
}

// handleRetest waits for one candle that returns to the broken fix level and
// whose close still confirms the break direction.
func (d *Detector) handleRetest(key levels.Key, st *FixState, last candle.Candle, short bool) {
	lt := st.LevelType
	if lt == "" {
		lt = levels.Round
	}
	if short {
		ref := last.High
		if st.LevelPrice != nil {
			ref = *st.LevelPrice
		} else if st.FixHigh != nil {
			ref = *st.FixHigh
		}
		epsAbs := math.Abs(ref) * d.cfg.EpsTouchPct * d.picker.EpsMultFor(lt)
		if st.FixLow != nil && last.High >= *st.FixLow-epsAbs && last.Close <= *st.FixLow*(1-d.cfg.ZoneEps) {
			d.stat(statOKShort)
			d.log.Info("retest confirmed", "symbol", key.Symbol, "tf", key.TF, "direction", "short", "price", last.Low, "ts_close", last.CloseTime)
			d.emitSignal(key, st, "short", last.Low, last.CloseTime)
			d.resetState(st, last.CloseTime)
		}
		return
	}
	ref := last.Low
	if st.LevelPrice != nil {
		ref = *st.LevelPrice
	} else if st.FixLow != nil {
		ref = *st.FixLow
	}
	epsAbs := math.Abs(ref) * d.cfg.EpsTouchPct * d.picker.EpsMultFor(lt)
	if st.FixHigh != nil && last.Low <= *st.FixHigh+epsAbs && last.Close >= *st.FixHigh*(1+d.cfg.ZoneEps) {
		d.stat(statOKLong)
		d.log.Info("retest confirmed", "symbol", key.Symbol, "tf", key.TF, "direction", "long", "price", last.High, "ts_close", last.CloseTime)
		d.emitSignal(key, st, "long", last.High, last.CloseTime)
		d.resetState(st, last.CloseTime)
	}
}

// entryModeFor decides break vs retest entry per signal: a global retest mode
// always wins; otherwise break upgrades to retest only when the direction
// flag, level filter and minimum confluence all allow it.
func (d *Detector) entryModeFor(st *FixState, direction string) string {
	if d.cfg.EntryMode == EntryRetest {
		return EntryRetest
	}
	dirOK := (direction == "long" && d.cfg.RetestForLong) || (direction == "short" && d.cfg.RetestForShort)
	lvlOK := d.cfg.RetestOnlyForLevels == nil || contains(d.cfg.RetestOnlyForLevels, st.LevelType)
	confOK := st.MatchedCount >= d.cfg.RetestMinConf
	if dirOK && lvlOK && confOK {
		return EntryRetest
	}
	return EntryBreak
}

func (d *Detector) emitSetup(key levels.Key, stage string, st *FixState, price float64, ts int64) {
	ai := aiScore(st.LevelType, st.LevelMeta)
	u := buildTVURL(key.Symbol, key.TF, i64(ts))
	sig := Signal{
		Symbol:        key.Symbol,
		TF:            key.TF,
		Direction:     "setup",
		FixHigh:       st.FixHigh,
		FixLow:        st.FixLow,
		FixHighTS:     st.FixHighTS,
		FixLowTS:      st.FixLowTS,
		ReturnTS:      st.ReturnTS,
		TS:            i64(ts),
		BreakPrice:    price,
		AIScore:       ai,
		StrengthPct:   ai,
		Note:          "SETUP: " + stage,
		LevelType:     st.LevelType,
		LevelPrice:    st.LevelPrice,
		LevelMeta:     st.LevelMeta,
		MatchedLevels: st.MatchedLevels,
		ConfN:         st.MatchedCount,
		TVURL:         u,
	}
	switch stage {
	case "FIX_HIGH":
		sig.FixHighURL = u
	case "FIX_LOW":
		sig.FixLowURL = u
	case "RETURN":
		sig.ReturnURL = u
	}
	if d.rec != nil {
		d.rec.RecordSetup(key.Symbol, key.TF, stage)
	}
	d.bus.Publish(events.TopicSignalDetected, sig)
}

// emitSignal publishes the final long/short signal, suppressing duplicates
// for the same key within the debounce window of the previous emission.
func (d *Detector) emitSignal(key levels.Key, st *FixState, direction string, breakPrice float64, breakTS int64) {
	if st.LastSignalFixTS != nil {
		delta := breakTS - *st.LastSignalFixTS
		if delta < 0 {
			delta = -delta
		}
		if delta < debounceMS {
			d.log.Debug("signal debounced", "symbol", key.Symbol, "tf", key.TF, "direction", direction, "break_ts", breakTS, "last_ts", *st.LastSignalFixTS)
			return
		}
	}

	var tsFix *int64
	var fixClose, prefixLow, prefixHigh *float64
	if direction == "short" {
		tsFix = firstI64(st.FixLowTS, st.FixHighTS, st.ReturnTS, i64(breakTS))
		fixClose = firstF64(st.FixLowClose, st.FixHighClose, f(breakPrice))
	} else {
		tsFix = firstI64(st.FixHighTS, st.FixLowTS, st.ReturnTS, i64(breakTS))
		fixClose = firstF64(st.FixHighClose, st.FixLowClose, f(breakPrice))
	}
	prefixLow = firstF64(st.FixLow, f(breakPrice))
	prefixHigh = firstF64(st.FixHigh, f(breakPrice))

	ai := aiScore(st.LevelType, st.LevelMeta)
	grp := groupID(key.Symbol, key.TF, direction, st.LevelPrice, tsFix, d.cfg.tickFor(key.Symbol), d.cfg.barMS(key.TF))

	var zone *ZoneHint
	if st.LevelMeta.Has("val") && st.LevelMeta.Has("vah") {
		zone = &ZoneHint{Low: st.LevelMeta.Float("val"), High: st.LevelMeta.Float("vah")}
		if st.LevelMeta.Has("poc_price") {
			zone.POC = f(st.LevelMeta.Float("poc_price"))
		} else if st.LevelMeta.Has("poc") {
			zone.POC = f(st.LevelMeta.Float("poc"))
		}
	}

	sig := Signal{
		Symbol:        key.Symbol,
		TF:            key.TF,
		Direction:     direction,
		FixHigh:       st.FixHigh,
		FixLow:        st.FixLow,
		FixHighTS:     st.FixHighTS,
		FixLowTS:      st.FixLowTS,
		ReturnTS:      st.ReturnTS,
		TS:            i64(breakTS),
		BreakTS:       i64(breakTS),
		BreakPrice:    breakPrice,
		AIScore:       ai,
		StrengthPct:   strength(ai, st.MatchedCount),
		GroupID:       grp,
		Note:          "FPF v1",
		LevelType:     st.LevelType,
		LevelPrice:    st.LevelPrice,
		LevelMeta:     st.LevelMeta,
		MatchedLevels: st.MatchedLevels,
		ConfN:         st.MatchedCount,
		TVURL:         buildTVURL(key.Symbol, key.TF, i64(breakTS)),
		TSFix:         tsFix,
		FixClose:      fixClose,
		PrefixLow:     prefixLow,
		PrefixHigh:    prefixHigh,
		ZoneHint:      zone,
		NoReentry:     true,
	}
	if st.FixHighTS != nil {
		sig.FixHighURL = buildTVURL(key.Symbol, key.TF, st.FixHighTS)
	}
	if st.FixLowTS != nil {
		sig.FixLowURL = buildTVURL(key.Symbol, key.TF, st.FixLowTS)
	}
	if st.ReturnTS != nil {
		sig.ReturnURL = buildTVURL(key.Symbol, key.TF, st.ReturnTS)
	}
	if d.rec != nil {
		d.rec.RecordSignal(key.Symbol, key.TF, direction)
	}
	d.bus.Publish(events.TopicSignalDetected, sig)
}

func (d *Detector) resetState(st *FixState, lastSignalTS int64) {
	*st = FixState{Stage: StageIdle, LastSignalFixTS: i64(lastSignalTS)}
}

func (d *Detector) stat(name string) {
	d.stats[name]++
}

func (d *Detector) reject(key levels.Key, st *FixState, reason string, kv ...interface{}) {
	if d.rec != nil {
		d.rec.RecordRejection(key.Symbol, key.TF, reason)
	}
	args := append([]interface{}{"symbol", key.Symbol, "tf", key.TF, "stage", st.Stage, "level_type", st.LevelType, "conf", st.MatchedCount}, kv...)
	d.log.Debug("candidate rejected: "+reason, args...)
}

// volSMABefore averages volume over the VolSMAN bars preceding the last one.
func (d *Detector) volSMABefore(seq []candle.Event) float64 {
	n := d.cfg.VolSMAN
	vols := make([]float64, 0, n)
	for i := len(seq) - 1 - n; i < len(seq)-1; i++ {
		vols = append(vols, seq[i].Candle.Volume)
	}
	return mean(vols)
}

// Stats returns a copy of the diagnostic counters.
func (d *Detector) Stats() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]int, len(d.stats))
	for k, v := range d.stats {
		out[k] = v
	}
	return out
}

// StatsSummary reports signal counts and the candidate conversion rate.
type StatsSummary struct {
	Candidates int     `json:"candidates"`
	OKLong     int     `json:"ok_long"`
	OKShort    int     `json:"ok_short"`
	Conversion float64 `json:"conversion"`
}

// Summary computes the conversion summary from the counters.
func (d *Detector) Summary() StatsSummary {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := StatsSummary{
		Candidates: d.stats[statCandidate],
		OKLong:     d.stats[statOKLong],
		OKShort:    d.stats[statOKShort],
	}
	if s.Candidates > 0 {
		s.Conversion = float64(s.OKLong+s.OKShort) / float64(s.Candidates)
	}
	return s
}

func i64(v int64) *int64 { return &v }

func firstI64(ptrs ...*int64) *int64 {
	for _, p := range ptrs {
		if p != nil {
			return p
		}
	}
	return nil
}

func firstF64(ptrs ...*float64) *float64 {
	for _, p := range ptrs {
		if p != nil {
			return p
		}
	}
	return nil
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}

func containsAny(xs []string, wanted ...string) bool {
	for _, w := range wanted {
		if contains(xs, w) {
			return true
		}
	}
	return false
}
