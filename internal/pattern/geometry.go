package pattern

import "encoding/json"

// Stage names the phases of the FIX→RAY→HI→PREFIX→BA25→TP progression.
type Stage string

const (
	StageInit   Stage = "INIT"
	StageFix    Stage = "FIX"
	StageRay    Stage = "RAY"
	StageHi     Stage = "HI"
	StagePrefix Stage = "PREFIX"
	StageBA25   Stage = "BA25"
	StageTP     Stage = "TP"
	StageDone   Stage = "DONE"
)

// Rect is a rectangular chart area such as FIX, PREFIX or a TP box.
type Rect struct {
	LeftTS   int64   `json:"left_ts"`
	RightTS  int64   `json:"right_ts"`
	Top      float64 `json:"top"`
	Bottom   float64 `json:"bottom"`
	Label    string  `json:"label"`
	Accepted bool    `json:"accepted"`
}

// Ray is a horizontal baseline such as RAY or BA25. TSEnd is set once the
// line is validated or touched; AnchorLowIdx points at the candle whose low
// the ray is anchored to.
type Ray struct {
	TSStart      int64    `json:"ts_start"`
	Price        float64  `json:"price"`
	TSEnd        *int64   `json:"ts_end"`
	Label        string   `json:"label"`
	Accepted     bool     `json:"accepted"`
	TouchTS      *int64   `json:"touch_ts"`
	TouchPrice   *float64 `json:"touch_price"`
	AnchorLowIdx *int     `json:"anchor_low_idx"`
}

// Active reports whether the ray has not been touched/ended yet.
func (r *Ray) Active() bool {
	return r.TSEnd == nil
}

// Mark is a single point marker such as the HI-PATTERN apex.
type Mark struct {
	TS    int64   `json:"ts"`
	Price float64 `json:"price"`
	Label string  `json:"label"`
}

// Meta holds pattern identity and derived metrics.
type Meta struct {
	Symbol     string                 `json:"symbol"`
	TFMinutes  int                    `json:"tf_minutes"`
	Direction  string                 `json:"direction"`
	FixToHiGap *float64               `json:"fix_to_hi_gap"`
	Notes      map[string]interface{} `json:"notes"`
}

// HistoryEntry is one audit-trail record of a state transition.
type HistoryEntry struct {
	Event string                 `json:"event"`
	Info  map[string]interface{} `json:"info"`
}

// Result is the full annotated pattern: all geometry elements, the current
// stage, and the complete transition history.
type Result struct {
	Meta      Meta           `json:"meta"`
	Fix       *Rect          `json:"fix"`
	Ray       *Ray           `json:"ray"`
	HiPattern *Mark          `json:"hi_pattern"`
	Prefix    *Rect          `json:"prefix"`
	BA25      *Ray           `json:"ba25"`
	Flat      *Rect          `json:"flat"`
	TPMain    *Rect          `json:"tp_main"`
	TPLow     []Rect         `json:"tp_low"`
	TPExtra   []Rect         `json:"tp_extra"`
	Take25    []Rect         `json:"take25"`
	Stage     Stage          `json:"stage"`
	History   []HistoryEntry `json:"history"`
}

// NewResult creates an empty result in the INIT stage.
func NewResult(meta Meta) *Result {
	return &Result{Meta: meta, Stage: StageInit}
}

// AddHistory appends one audit-trail entry.
func (r *Result) AddHistory(event string, info map[string]interface{}) {
	if info == nil {
		info = map[string]interface{}{}
	}
	r.History = append(r.History, HistoryEntry{Event: event, Info: info})
}

// ToJSON serializes the result, including stage name and history.
func (r *Result) ToJSON() (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ResultFromJSON reconstructs a Result produced by ToJSON.
func ResultFromJSON(s string) (*Result, error) {
	var r Result
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return nil, err
	}
	if r.Stage == "" {
		r.Stage = StageInit
	}
	return &r, nil
}

// Config holds the numeric tolerances of the state machine.
type Config struct {
	TickSize             float64 `json:"tick_size"`
	Epsilon              float64 `json:"epsilon"`
	RequireFromAbove     bool    `json:"require_from_above"`
	PrefixTouchFromBelow bool    `json:"prefix_touch_from_below"`
}

// DefaultConfig returns the standard tolerances.
func DefaultConfig() Config {
	return Config{
		TickSize:             0.01,
		Epsilon:              1e-9,
		RequireFromAbove:     true,
		PrefixTouchFromBelow: true,
	}
}
