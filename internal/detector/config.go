package detector

import (
	"fpf-engine/internal/candle"
	"fpf-engine/internal/levels"
)

// Profile overrides a subset of the detector's numeric knobs for one symbol.
// Nil fields fall through to the global config.
type Profile struct {
	VolMult         *float64 `json:"vol_mult,omitempty"`
	EpsTouchPct     *float64 `json:"eps_touch_pct,omitempty"`
	RangeKBase      *float64 `json:"range_k_base,omitempty"`
	VolRoundMult    *float64 `json:"vol_round_mult,omitempty"`
	StopOffsetTicks *int     `json:"stop_offset_ticks,omitempty"`
	AltImpNear      *float64 `json:"alt_imp_near,omitempty"`
	AltVolBoost     *float64 `json:"alt_vol_boost,omitempty"`
}

// Config holds every tuning knob of the streaming detector.
type Config struct {
	PivotLeft      int     `json:"pivot_left"`
	PivotRight     int     `json:"pivot_right"`
	VolMult        float64 `json:"vol_mult"`
	VolSMAN        int     `json:"vol_sma_n"`
	MinBarsBetween int     `json:"min_bars_between"`
	ZoneEps        float64 `json:"zone_eps"`
	EpsTouchPct    float64 `json:"eps_touch_pct"`

	LevelPriority  []string           `json:"level_priority,omitempty"`
	EpsMultByLevel map[string]float64 `json:"eps_mult_by_level,omitempty"`

	RangeKBase              float64 `json:"range_k_base"`
	RangeKRoundBonus        float64 `json:"range_k_round_bonus"`
	VolRoundMult            float64 `json:"vol_round_mult"`
	RequireConfForRound     bool    `json:"require_conf_for_round"`
	DisableSwingWithoutConf bool    `json:"disable_swing_without_conf"`

	MinStopTicks    int     `json:"min_stop_ticks"`
	StopOffsetTicks int     `json:"stop_offset_ticks"`
	MinStopAlpha    float64 `json:"min_stop_alpha"`

	// UTC hour window; wired but currently never evaluated, see
	// sessionFilterEnabled.
	ActiveHours *[2]int `json:"active_hours,omitempty"`

	EntryMode           string   `json:"entry_mode"`
	RetestForLong       bool     `json:"retest_for_long"`
	RetestForShort      bool     `json:"retest_for_short"`
	RetestOnlyForLevels []string `json:"retest_only_for_levels,omitempty"`
	RetestMinConf       int      `json:"retest_min_conf"`

	TickSizeMap map[string]float64 `json:"tick_size_map,omitempty"`
	BarMSByTF   map[string]int64   `json:"bar_ms_by_tf,omitempty"`

	LockLevelOnFix    bool `json:"lock_level_on_fix"`
	AllowLevelUpgrade bool `json:"allow_level_upgrade"`

	SymbolProfiles map[string]Profile `json:"symbol_profiles,omitempty"`

	AltImpNear  float64 `json:"alt_imp_near"`
	AltVolBoost float64 `json:"alt_vol_boost"`
}

// DefaultConfig returns the production defaults, including the hand-tuned
// per-symbol profiles.
func DefaultConfig() Config {
	return Config{
		PivotLeft:        2,
		PivotRight:       2,
		VolMult:          1.2,
		VolSMAN:          20,
		MinBarsBetween:   1,
		ZoneEps:          0.00025,
		EpsTouchPct:      0.0020,
		RangeKBase:       1.02,
		RangeKRoundBonus: 0.15,
		VolRoundMult:     1.00,
		MinStopTicks:     1,
		StopOffsetTicks:  4,
		EntryMode:        EntryBreak,
		RetestMinConf:    2,
		AllowLevelUpgrade: true,
		SymbolProfiles:   DefaultSymbolProfiles(),
		AltImpNear:       0.90,
		AltVolBoost:      1.10,
	}
}

// DefaultSymbolProfiles returns the built-in per-symbol overrides.
func DefaultSymbolProfiles() map[string]Profile {
	return map[string]Profile{
		"SOLUSDT":  {VolMult: f(1.15), EpsTouchPct: f(0.0022), RangeKBase: f(1.00), VolRoundMult: f(1.00), StopOffsetTicks: n(4), AltImpNear: f(0.90), AltVolBoost: f(1.08)},
		"BNBUSDT":  {VolMult: f(1.00), EpsTouchPct: f(0.0027), RangeKBase: f(0.98), VolRoundMult: f(0.92), StopOffsetTicks: n(5), AltImpNear: f(0.85), AltVolBoost: f(1.04)},
		"DOGEUSDT": {VolMult: f(1.05), EpsTouchPct: f(0.0028), RangeKBase: f(1.00), VolRoundMult: f(0.92), StopOffsetTicks: n(5), AltImpNear: f(0.80), AltVolBoost: f(1.00)},
		"ADAUSDT":  {VolMult: f(1.12), EpsTouchPct: f(0.0025), RangeKBase: f(0.98), VolRoundMult: f(0.98), StopOffsetTicks: n(4), AltImpNear: f(0.88), AltVolBoost: f(1.08)},
		"LTCUSDT":  {VolMult: f(1.15), EpsTouchPct: f(0.0022), RangeKBase: f(1.00), VolRoundMult: f(1.00), StopOffsetTicks: n(4), AltImpNear: f(0.90), AltVolBoost: f(1.08)},
		"AVAXUSDT": {VolMult: f(1.10), EpsTouchPct: f(0.0025), RangeKBase: f(0.99), VolRoundMult: f(0.98), StopOffsetTicks: n(4), AltImpNear: f(0.88), AltVolBoost: f(1.08)},
		"XRPUSDT":  {VolMult: f(1.15), EpsTouchPct: f(0.0025), RangeKBase: f(1.00), VolRoundMult: f(0.98), StopOffsetTicks: n(4), AltImpNear: f(0.90), AltVolBoost: f(1.08)},
	}
}

func f(v float64) *float64 { return &v }
func n(v int) *int         { return &v }

// Entry modes.
const (
	EntryBreak  = "break"
	EntryRetest = "retest1"
)

// params is the effective per-symbol parameter set: the global config with
// the symbol profile merged over it.
type params struct {
	RangeKBase      float64
	VolMult         float64
	VolRoundMult    float64
	EpsTouchPct     float64
	StopOffsetTicks int
	AltImpNear      float64
	AltVolBoost     float64
}

// paramsFor merges the symbol's profile over the config defaults. Pure.
func (c Config) paramsFor(symbol string) params {
	p := params{
		RangeKBase:      c.RangeKBase,
		VolMult:         c.VolMult,
		VolRoundMult:    c.VolRoundMult,
		EpsTouchPct:     c.EpsTouchPct,
		StopOffsetTicks: c.StopOffsetTicks,
		AltImpNear:      c.AltImpNear,
		AltVolBoost:     c.AltVolBoost,
	}
	prof, ok := c.SymbolProfiles[symbol]
	if !ok {
		return p
	}
	if prof.RangeKBase != nil {
		p.RangeKBase = *prof.RangeKBase
	}
	if prof.VolMult != nil {
		p.VolMult = *prof.VolMult
	}
	if prof.VolRoundMult != nil {
		p.VolRoundMult = *prof.VolRoundMult
	}
	if prof.EpsTouchPct != nil {
		p.EpsTouchPct = *prof.EpsTouchPct
	}
	if prof.StopOffsetTicks != nil {
		p.StopOffsetTicks = *prof.StopOffsetTicks
	}
	if prof.AltImpNear != nil {
		p.AltImpNear = *prof.AltImpNear
	}
	if prof.AltVolBoost != nil {
		p.AltVolBoost = *prof.AltVolBoost
	}
	return p
}

// tickFor resolves the price increment for a symbol.
func (c Config) tickFor(symbol string) float64 {
	if t, ok := c.TickSizeMap[symbol]; ok {
		return t
	}
	switch symbol {
	case "BTCUSDT":
		return 0.5
	case "ETHUSDT":
		return 0.05
	}
	return 0.01
}

// barMS resolves the bar duration for a timeframe key, defaulting to one
// minute when unknown.
func (c Config) barMS(tf string) int64 {
	m := c.BarMSByTF
	if m == nil {
		m = candle.DefaultBarMS()
	}
	if v, ok := m[tf]; ok {
		return v
	}
	return 60_000
}

func (c Config) bufferCap() int {
	capn := 5*(c.PivotLeft+c.PivotRight) + c.VolSMAN + 100
	if capn < 200 {
		capn = 200
	}
	return capn
}

func (c Config) newPicker() *levels.Picker {
	return levels.NewPicker(c.EpsTouchPct, c.LevelPriority, c.EpsMultByLevel)
}
