package detector

import "fpf-engine/internal/levels"

// ZoneHint is a compact value-area hint attached to a signal when the matched
// level carries VAL/VAH metadata.
type ZoneHint struct {
	Low  float64  `json:"low"`
	High float64  `json:"high"`
	POC  *float64 `json:"poc"`
}

// Signal is the payload published on the signal.detected topic, for both
// intermediate setup events (direction "setup") and final long/short signals.
// The ts_fix, fix_close, prefix_low/high, zone_hint and no_reentry fields are
// consumed by the outcome tracker.
type Signal struct {
	Symbol    string   `json:"symbol"`
	TF        string   `json:"tf"`
	Direction string   `json:"direction"`
	FixHigh   *float64 `json:"fix_high"`
	FixLow    *float64 `json:"fix_low"`
	FixHighTS *int64   `json:"fix_high_ts"`
	FixLowTS  *int64   `json:"fix_low_ts"`
	ReturnTS  *int64   `json:"return_ts"`

	// TS is the breakout close time for long/short signals, the setup event
	// time for setups.
	TS         *int64  `json:"ts"`
	BreakTS    *int64  `json:"break_ts"`
	BreakPrice float64 `json:"break_price"`

	AIScore     int         `json:"ai_score"`
	StrengthPct int         `json:"strength_pct"`
	GroupID     string      `json:"group_id,omitempty"`
	Note        string      `json:"note"`
	LevelType   string      `json:"level_type,omitempty"`
	LevelPrice  *float64    `json:"level_price,omitempty"`
	LevelMeta   levels.Meta `json:"level_meta,omitempty"`

	MatchedLevels []string `json:"matched_levels,omitempty"`
	ConfN         int      `json:"conf_n"`

	TVURL      string `json:"tv_url"`
	FixHighURL string `json:"fix_high_url,omitempty"`
	FixLowURL  string `json:"fix_low_url,omitempty"`
	ReturnURL  string `json:"return_url,omitempty"`

	TSFix      *int64    `json:"ts_fix,omitempty"`
	FixClose   *float64  `json:"fix_close,omitempty"`
	PrefixLow  *float64  `json:"prefix_low,omitempty"`
	PrefixHigh *float64  `json:"prefix_high,omitempty"`
	ZoneHint   *ZoneHint `json:"zone_hint,omitempty"`
	NoReentry  bool      `json:"no_reentry"`
}

// aiScore rates the matched level context 1..100. Base 50, with bonuses for
// level class, heat and dynamic-level synergy, and a penalty for a cold ROUND.
func aiScore(levelType string, meta levels.Meta) int {
	score := 50
	lt := levelType
	heat := meta.Heat()
	switch {
	case hasPrefix(lt, "POC"):
		score += 15
	case hasPrefix(lt, "VWAP"):
		score += 10
	case hasPrefix(lt, "VAH"), hasPrefix(lt, "VAL"):
		score += 8
	}
	if hasPrefix(lt, "DYN_M") {
		score += 18
	} else if hasPrefix(lt, "DYN_W") {
		score += 12
	}
	h := heat
	if h < 0 {
		h = 0
	}
	if h > 1 {
		h = 1
	}
	score += int(roundHalfUp(h * 20))
	if hasPrefix(lt, "DYN_") {
		if meta.Has("poc") || meta.Has("poc_price") {
			score += 8
		}
		if meta.Has("val") || meta.Has("vah") {
			score += 5
		}
	}
	if lt == levels.Round && heat < 0.2 {
		score -= 10
	}
	if score < 1 {
		score = 1
	}
	if score > 100 {
		score = 100
	}
	return score
}

// strength combines the ai score with a confluence bonus capped at +12.
func strength(ai, confN int) int {
	bonus := 4 * (confN - 1)
	if bonus < 0 {
		bonus = 0
	}
	if bonus > 12 {
		bonus = 12
	}
	s := ai + bonus
	if s < 1 {
		s = 1
	}
	if s > 100 {
		s = 100
	}
	return s
}

func roundHalfUp(x float64) float64 {
	if x < 0 {
		return -roundHalfUp(-x)
	}
	return float64(int64(x + 0.5))
}

func hasPrefix(s, p string) bool {
	return len(s) >= len(p) && s[:len(p)] == p
}
