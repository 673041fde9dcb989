package pattern

import (
	"math"

	"fpf-engine/internal/candle"
)

const (
	snapWindow       = 5
	lowLookahead     = 20
	rayLowLookahead  = 80
	defaultRectLabel = "FIX"
)

// StateMachine drives the short FIX→RAY→HI→PREFIX→BA25→TP progression over
// a chronological candle feed. It supports both automatic advancement via
// Feed and direct setters for external (UI) overrides at any stage; every
// mutation is recorded in the result history.
type StateMachine struct {
	result *Result
	cfg    Config

	candles []candle.Candle
	lastTS  int64

	fixEndTS           int64
	postFixLowIdx      int
	hiSearchActive     bool
	prevCandle         *candle.Candle
	prefixFirstTouchTS *int64
}

// NewStateMachine creates a machine in the INIT stage.
func NewStateMachine(meta Meta, cfg Config) *StateMachine {
	if cfg.TickSize == 0 && cfg.Epsilon == 0 {
		cfg = DefaultConfig()
	}
	if meta.Direction == "" {
		meta.Direction = "short"
	}
	return &StateMachine{
		result:        NewResult(meta),
		cfg:           cfg,
		postFixLowIdx: -1,
	}
}

// Result returns the live pattern result.
func (m *StateMachine) Result() *Result {
	return m.result
}

// Config returns the machine's tolerances.
func (m *StateMachine) Config() Config {
	return m.cfg
}

// Reset drops all state and candles, keeping meta and config.
func (m *StateMachine) Reset() {
	meta := m.result.Meta
	*m = *NewStateMachine(meta, m.cfg)
}

// ExportJSON serializes the current result.
func (m *StateMachine) ExportJSON() (string, error) {
	return m.result.ToJSON()
}

// SetFix stores the FIX rectangle and moves to the FIX stage.
func (m *StateMachine) SetFix(leftTS, rightTS int64, top, bottom float64, accept bool) {
	m.result.Fix = &Rect{LeftTS: leftTS, RightTS: rightTS, Top: top, Bottom: bottom, Label: defaultRectLabel, Accepted: accept}
	m.fixEndTS = rightTS
	m.result.Stage = StageFix
	m.result.AddHistory("set_fix", map[string]interface{}{
		"left_ts": leftTS, "right_ts": rightTS, "top": top, "bottom": bottom,
	})
}

// AcceptFix confirms the FIX rectangle and opens the RAY stage.
func (m *StateMachine) AcceptFix() {
	if m.result.Fix == nil {
		return
	}
	m.result.Fix.Accepted = true
	m.result.Stage = StageRay
	m.result.AddHistory("accept_fix", map[string]interface{}{})
}

// SetRayFromLow anchors a horizontal ray at a candle low. The hint is
// snapped to the lowest low within a ±5 bar window, ties broken by
// proximity to the hint timestamp.
func (m *StateMachine) SetRayFromLow(tsStart int64, price float64, accept bool) {
	snapped := false
	if ts, low, idx, ok := m.snapToCandleLow(tsStart); ok {
		tsStart, price = ts, low
		anchor := idx
		m.result.Ray = &Ray{TSStart: tsStart, Price: price, Label: "RAY", Accepted: accept, AnchorLowIdx: &anchor}
		m.postFixLowIdx = idx
		m.hiSearchActive = true
		snapped = true
	} else {
		m.result.Ray = &Ray{TSStart: tsStart, Price: price, Label: "RAY", Accepted: accept}
	}
	m.result.Stage = StageRay
	m.result.AddHistory("set_ray", map[string]interface{}{
		"ts_start": tsStart, "price": price, "snapped": snapped,
	})
}

// SetHiPattern places the HI-PATTERN apex mark. Accepting it advances to
// the PREFIX stage and stops the automatic apex search.
func (m *StateMachine) SetHiPattern(ts int64, price float64, accept bool) {
	m.result.HiPattern = &Mark{TS: ts, Price: price, Label: "HI_PATTERN"}
	if m.result.Fix != nil {
		gap := math.Max(0, price-m.result.Fix.Top)
		m.result.Meta.FixToHiGap = &gap
	}
	if accept {
		m.result.Stage = StagePrefix
		m.hiSearchActive = false
	}
	m.result.AddHistory("set_hi_pattern", map[string]interface{}{
		"ts": ts, "price": price, "accept": accept,
	})
}

// SetPrefix stores the PREFIX rectangle.
func (m *StateMachine) SetPrefix(leftTS, rightTS int64, top, bottom float64, accept bool) {
	m.result.Prefix = &Rect{LeftTS: leftTS, RightTS: rightTS, Top: top, Bottom: bottom, Label: "PREFIX", Accepted: accept}
	m.result.Stage = StagePrefix
	m.result.AddHistory("set_prefix", map[string]interface{}{
		"left_ts": leftTS, "right_ts": rightTS, "top": top, "bottom": bottom,
	})
}

// ProposePrefixFromTouch creates a PREFIX proposal vertically aligned with
// FIX, anchored at the touch timestamp. Fails when no FIX exists yet.
func (m *StateMachine) ProposePrefixFromTouch(touchTS int64) (*Rect, error) {
	fx := m.result.Fix
	if fx == nil {
		return nil, incompleteStagef("cannot propose PREFIX without FIX")
	}
	r := &Rect{LeftTS: touchTS, RightTS: touchTS, Top: fx.Top, Bottom: fx.Bottom, Label: "PREFIX"}
	m.result.Prefix = r
	m.result.Stage = StagePrefix
	m.result.AddHistory("propose_prefix", map[string]interface{}{"touch_ts": touchTS})
	return r, nil
}

// SetBA25 anchors the BA25 baseline at a candle low, snapped like SetRayFromLow.
func (m *StateMachine) SetBA25(tsStart int64, price float64, accept bool) {
	snapped := false
	if ts, low, idx, ok := m.snapToCandleLow(tsStart); ok {
		tsStart, price = ts, low
		anchor := idx
		m.result.BA25 = &Ray{TSStart: tsStart, Price: price, Label: "BA25", Accepted: accept, AnchorLowIdx: &anchor}
		snapped = true
	} else {
		m.result.BA25 = &Ray{TSStart: tsStart, Price: price, Label: "BA25", Accepted: accept}
	}
	m.result.Stage = StageBA25
	m.result.AddHistory("set_ba25", map[string]interface{}{
		"ts_start": tsStart, "price": price, "snapped": snapped,
	})
}

// SetTPMain stores the main take-profit box and moves to the TP stage.
func (m *StateMachine) SetTPMain(leftTS, rightTS int64, top, bottom float64, accept bool) {
	m.result.TPMain = &Rect{LeftTS: leftTS, RightTS: rightTS, Top: top, Bottom: bottom, Label: "TP_MAIN", Accepted: accept}
	m.result.Stage = StageTP
	m.result.AddHistory("set_tp_main", map[string]interface{}{
		"left_ts": leftTS, "right_ts": rightTS, "top": top, "bottom": bottom,
	})
}

// AddTPLow appends a lower take-profit box.
func (m *StateMachine) AddTPLow(leftTS, rightTS int64, top, bottom float64, label string) {
	if label == "" {
		label = "TP_LOW"
	}
	m.result.TPLow = append(m.result.TPLow, Rect{LeftTS: leftTS, RightTS: rightTS, Top: top, Bottom: bottom, Label: label})
	m.result.AddHistory("add_tp_low", map[string]interface{}{"left_ts": leftTS, "right_ts": rightTS})
}

// AddTPExtra appends an auxiliary take-profit box (TP1, TP2, ...).
func (m *StateMachine) AddTPExtra(leftTS, rightTS int64, top, bottom float64, label string) {
	if label == "" {
		label = "TP1"
	}
	m.result.TPExtra = append(m.result.TPExtra, Rect{LeftTS: leftTS, RightTS: rightTS, Top: top, Bottom: bottom, Label: label})
	m.result.AddHistory("add_tp_extra", map[string]interface{}{"left_ts": leftTS, "right_ts": rightTS, "label": label})
}

// AddTake25 appends a 25% scale-out region.
func (m *StateMachine) AddTake25(leftTS, rightTS int64, top, bottom float64, label string) {
	if label == "" {
		label = "TAKE25"
	}
	m.result.Take25 = append(m.result.Take25, Rect{LeftTS: leftTS, RightTS: rightTS, Top: top, Bottom: bottom, Label: label})
	m.result.AddHistory("add_take25", map[string]interface{}{"left_ts": leftTS, "right_ts": rightTS, "label": label})
}

// Feed consumes the next chronological candle and advances the pattern
// where possible: casting the RAY from the post-FIX low, tracking the
// provisional HI apex, validating the RAY break, proposing PREFIX, and
// placing BA25 on the first PREFIX touch.
func (m *StateMachine) Feed(c candle.Candle) {
	if n := len(m.candles); n > 0 {
		prev := m.candles[n-1]
		m.prevCandle = &prev
	}
	m.candles = append(m.candles, c)
	m.lastTS = c.CloseTime

	switch m.result.Stage {
	case StageInit:
		return
	case StageFix, StageRay, StageHi, StagePrefix:
		m.autoProgress(c)
		m.maybeHandlePrefixFirstTouch(c)
	}
}

func (m *StateMachine) autoProgress(c candle.Candle) {
	fx := m.result.Fix
	if fx == nil || !fx.Accepted {
		return
	}

	if m.result.Ray == nil {
		if idx, ok := m.findRayLowAfterFixWithHi(fx, rayLowLookahead); ok {
			lowC := m.candles[idx]
			m.SetRayFromLow(lowC.CloseTime, lowC.Low, false)
			m.postFixLowIdx = idx
			m.hiSearchActive = true
			m.result.AddHistory("auto_set_ray", map[string]interface{}{
				"ts_start": lowC.CloseTime, "price": lowC.Low,
			})
		}
	}

	ray := m.result.Ray
	if ray != nil && m.hiSearchActive {
		m.trackProvisionalHi()
	}

	if ray != nil && ray.Active() {
		eps := m.cfg.Epsilon
		brokeByTick := c.Low <= ray.Price-(m.cfg.TickSize-eps)
		fromAbove := true
		if m.cfg.RequireFromAbove {
			fromAbove = c.Open > ray.Price+eps && c.High > ray.Price+eps
		}
		if brokeByTick && fromAbove {
			ts := c.CloseTime
			touch := c.Low
			ray.TSEnd = &ts
			ray.TouchTS = &ts
			ray.TouchPrice = &touch
			m.result.AddHistory("ray_touched", map[string]interface{}{
				"ts": ts, "ray_price": ray.Price, "touch_price": touch,
			})
			m.hiSearchActive = false
			// BA25 is placed later, on the first PREFIX touch.
			if _, err := m.ProposePrefixFromTouch(ts); err == nil {
				m.result.Stage = StagePrefix
			}
		}
	}
}

// trackProvisionalHi keeps the HI mark at the running max high since the
// post-FIX low, preferring the rightmost bar on equal highs.
func (m *StateMachine) trackProvisionalHi() {
	start := 0
	if m.postFixLowIdx >= 0 {
		start = m.postFixLowIdx + 1
	}
	if start >= len(m.candles) {
		return
	}
	j, ok := m.highestHighBetween(start, len(m.candles)-1)
	if !ok {
		return
	}
	hiC := m.candles[j]
	cur := m.result.HiPattern
	if cur == nil {
		m.SetHiPattern(hiC.CloseTime, hiC.High, false)
		return
	}
	if hiC.High > cur.Price || (hiC.High == cur.Price && hiC.CloseTime > cur.TS) {
		cur.TS = hiC.CloseTime
		cur.Price = hiC.High
		if m.result.Fix != nil {
			gap := math.Max(0, hiC.High-m.result.Fix.Top)
			m.result.Meta.FixToHiGap = &gap
		}
		m.result.AddHistory("update_hi_pattern", map[string]interface{}{
			"ts": hiC.CloseTime, "price": hiC.High,
		})
	}
}

// maybeHandlePrefixFirstTouch detects the first touch of the PREFIX band
// from below and only then places BA25 at the latest pivot low between the
// HI apex and the touch candle.
func (m *StateMachine) maybeHandlePrefixFirstTouch(c candle.Candle) {
	if m.result.Prefix == nil || m.prefixFirstTouchTS != nil {
		return
	}
	fx := m.result.Fix
	pr := m.result.Prefix
	if fx == nil || !fx.Accepted {
		return
	}
	eps := m.cfg.Epsilon
	cameFromBelow := false
	if m.prevCandle != nil {
		cameFromBelow = m.prevCandle.Close < pr.Bottom-eps || m.prevCandle.Open < pr.Bottom-eps
	}
	if m.cfg.PrefixTouchFromBelow && !cameFromBelow {
		return
	}
	touchesBand := c.High >= pr.Bottom-eps && c.Low <= pr.Top+eps
	if !touchesBand {
		return
	}
	ts := c.CloseTime
	m.prefixFirstTouchTS = &ts
	m.result.AddHistory("prefix_touched", map[string]interface{}{"ts": ts})

	hi := m.result.HiPattern
	if hi == nil {
		return
	}
	if j, ok := m.findLastLocalLowBetween(hi.TS, ts); ok {
		lw := m.candles[j]
		m.SetBA25(lw.CloseTime, lw.Low, false)
		m.result.AddHistory("auto_set_ba25_on_prefix_touch", map[string]interface{}{
			"ts_start": lw.CloseTime, "price": lw.Low,
		})
	}
}

// ---- index helpers ----

func (m *StateMachine) indexClosestByTS(tsHint int64) (int, bool) {
	if len(m.candles) == 0 {
		return 0, false
	}
	best := 0
	bestDist := absInt64(m.candles[0].CloseTime - tsHint)
	for i := 1; i < len(m.candles); i++ {
		if d := absInt64(m.candles[i].CloseTime - tsHint); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best, true
}

// snapToCandleLow returns the lowest-low candle within ±snapWindow bars of
// the hint; ties resolved by proximity to the hint timestamp.
func (m *StateMachine) snapToCandleLow(tsHint int64) (int64, float64, int, bool) {
	ci, ok := m.indexClosestByTS(tsHint)
	if !ok {
		return 0, 0, 0, false
	}
	lo := ci - snapWindow
	if lo < 0 {
		lo = 0
	}
	hi := ci + snapWindow
	if hi > len(m.candles)-1 {
		hi = len(m.candles) - 1
	}
	minLow := m.candles[lo].Low
	for k := lo + 1; k <= hi; k++ {
		if m.candles[k].Low < minLow {
			minLow = m.candles[k].Low
		}
	}
	best := -1
	var bestDist int64
	for k := lo; k <= hi; k++ {
		if m.candles[k].Low != minLow {
			continue
		}
		d := absInt64(m.candles[k].CloseTime - tsHint)
		if best < 0 || d < bestDist {
			best, bestDist = k, d
		}
	}
	if best < 0 {
		return 0, 0, 0, false
	}
	c := m.candles[best]
	return c.CloseTime, c.Low, best, true
}

func (m *StateMachine) indexAfterTS(ts int64) (int, bool) {
	for i, c := range m.candles {
		if c.CloseTime > ts {
			return i, true
		}
	}
	return 0, false
}

// findLowAfterTS returns the nearest 3-candle pivot low after ts within a
// bounded lookahead, falling back to the minimum low in the window.
func (m *StateMachine) findLowAfterTS(ts int64) (int, bool) {
	idxAfter, ok := m.indexAfterTS(ts)
	if !ok {
		return 0, false
	}
	end := idxAfter + lowLookahead
	if end > len(m.candles) {
		end = len(m.candles)
	}
	for i := idxAfter + 1; i < end-1; i++ {
		a, b, d := m.candles[i-1], m.candles[i], m.candles[i+1]
		if b.Low <= a.Low && b.Low <= d.Low {
			return i, true
		}
	}
	if idxAfter >= end {
		return 0, false
	}
	minLow := m.candles[idxAfter].Low
	for i := idxAfter + 1; i < end; i++ {
		if m.candles[i].Low < minLow {
			minLow = m.candles[i].Low
		}
	}
	for i := idxAfter; i < end; i++ {
		if m.candles[i].Low == minLow {
			return i, true
		}
	}
	return 0, false
}

// findRayLowAfterFixWithHi finds the earliest pivot low after FIX whose
// forward window contains a high strictly above FIX top; falls back to the
// minimum low in the window with the same forward condition.
func (m *StateMachine) findRayLowAfterFixWithHi(fx *Rect, lookahead int) (int, bool) {
	startIdx, ok := m.indexAfterTS(fx.RightTS)
	if !ok {
		return 0, false
	}
	endIdx := startIdx + lookahead
	if endIdx > len(m.candles) {
		endIdx = len(m.candles)
	}
	exceedsAfter := func(i int) bool {
		for k := i + 1; k < endIdx; k++ {
			if m.candles[k].High > fx.Top {
				return true
			}
		}
		return false
	}
	for i := startIdx + 1; i < endIdx-1; i++ {
		a, b, d := m.candles[i-1], m.candles[i], m.candles[i+1]
		if b.Low <= a.Low && b.Low <= d.Low && exceedsAfter(i) {
			return i, true
		}
	}
	if startIdx < endIdx {
		minLow := m.candles[startIdx].Low
		for i := startIdx + 1; i < endIdx; i++ {
			if m.candles[i].Low < minLow {
				minLow = m.candles[i].Low
			}
		}
		for i := startIdx; i < endIdx; i++ {
			if m.candles[i].Low == minLow && exceedsAfter(i) {
				return i, true
			}
		}
	}
	return 0, false
}

// findLastLocalLowBetween returns the latest 3-candle pivot low with close
// time strictly inside (tsLeft, tsRight).
func (m *StateMachine) findLastLocalLowBetween(tsLeft, tsRight int64) (int, bool) {
	idx, found := 0, false
	for i := 1; i < len(m.candles)-1; i++ {
		c := m.candles[i]
		if !(tsLeft < c.CloseTime && c.CloseTime < tsRight) {
			continue
		}
		a, d := m.candles[i-1], m.candles[i+1]
		if c.Low <= a.Low && c.Low <= d.Low {
			idx, found = i, true
		}
	}
	return idx, found
}

// highestHighBetween returns the index of the max high in [i0, i1],
// preferring the rightmost bar on ties.
func (m *StateMachine) highestHighBetween(i0, i1 int) (int, bool) {
	n := len(m.candles)
	if n == 0 {
		return 0, false
	}
	i0 = clampIdx(i0, n)
	i1 = clampIdx(i1, n)
	if i1 < i0 {
		i0, i1 = i1, i0
	}
	best := i0
	for j := i0 + 1; j <= i1; j++ {
		if m.candles[j].High >= m.candles[best].High {
			best = j
		}
	}
	return best, true
}

func clampIdx(i, n int) int {
	if i < 0 {
		return 0
	}
	if i > n-1 {
		return n - 1
	}
	return i
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// Driver is a convenience wrapper: seed a FIX rectangle, then replay a
// candle slice through the machine.
type Driver struct {
	FSM *StateMachine
}

// NewDriver creates a short-direction driver for one symbol/timeframe.
func NewDriver(symbol string, tfMinutes int, cfg Config) *Driver {
	meta := Meta{Symbol: symbol, TFMinutes: tfMinutes, Direction: "short"}
	return &Driver{FSM: NewStateMachine(meta, cfg)}
}

// SeedFix sets (and optionally accepts) the FIX rectangle.
func (d *Driver) SeedFix(leftTS, rightTS int64, top, bottom float64, accept bool) {
	d.FSM.SetFix(leftTS, rightTS, top, bottom, accept)
	if accept {
		d.FSM.AcceptFix()
	}
}

// Run feeds all candles chronologically and returns the result.
func (d *Driver) Run(candles []candle.Candle) *Result {
	for _, c := range candles {
		d.FSM.Feed(c)
	}
	return d.FSM.Result()
}
