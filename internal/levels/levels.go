// Package levels models externally supplied support/resistance price levels
// and the tolerance-banded matching ("confluence") used by the detector.
package levels

import (
	"sort"
	"sync"
)

// Known level types, in default priority order (highest first).
const (
	DynMonthly = "DYN_M"
	DynWeekly  = "DYN_W"
	VWAPDaily  = "VWAP_D"
	VWAPSess   = "VWAP_S"
	POCDaily   = "POC_D"
	POCSess    = "POC_S"
	VAHDaily   = "VAH_D"
	VALDaily   = "VAL_D"
	VAHSess    = "VAH_S"
	VALSess    = "VAL_S"
	HOD        = "HOD"
	LOD        = "LOD"
	SwingHigh  = "SWING_H"
	SwingLow   = "SWING_L"
	Round      = "ROUND"
)

// Meta carries free-form level metadata from the upstream level engine.
// Recognized keys: "heat" (0..1 significance), "poc"/"poc_price", "val", "vah".
type Meta map[string]interface{}

// Heat returns the level's significance score, 0 when absent or malformed.
func (m Meta) Heat() float64 {
	if m == nil {
		return 0
	}
	return m.Float("heat")
}

// Float reads a numeric metadata value, tolerating int/float payloads.
func (m Meta) Float(key string) float64 {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// Has reports whether a metadata key is present and non-nil.
func (m Meta) Has(key string) bool {
	if m == nil {
		return false
	}
	v, ok := m[key]
	return ok && v != nil
}

// Level is one named horizontal price level.
type Level struct {
	Type  string  `json:"type"`
	Price float64 `json:"price"`
	Meta  Meta    `json:"meta,omitempty"`
}

// Match is the level chosen for a query price. A zero Type means no match.
type Match struct {
	Type  string
	Price float64
	Meta  Meta
}

// Found reports whether the match is non-empty.
func (m Match) Found() bool { return m.Type != "" }

// DefaultPriority is the fixed selection order used when none is configured.
func DefaultPriority() []string {
	return []string{
		DynMonthly, DynWeekly,
		VWAPDaily, VWAPSess, POCDaily, POCSess, VAHDaily, VALDaily, VAHSess, VALSess,
		HOD, LOD, SwingHigh, SwingLow, Round,
	}
}

// DefaultEpsMult maps base level types to tolerance scaling factors.
func DefaultEpsMult() map[string]float64 {
	return map[string]float64{
		SwingHigh: 0.5, SwingLow: 0.5, Round: 1.0,
		"VWAP": 1.0, "POC": 1.0, "VA": 1.0, HOD: 1.0, LOD: 1.0,
		"DYN": 1.0,
	}
}

// BaseType collapses variant level types to the base used for tolerance lookup.
// VAH/VAL variants share the "VA" band.
func BaseType(lt string) string {
	switch {
	case hasPrefix(lt, "VWAP"):
		return "VWAP"
	case hasPrefix(lt, "POC"):
		return "POC"
	case hasPrefix(lt, "VAH"), hasPrefix(lt, "VAL"):
		return "VA"
	case hasPrefix(lt, "DYN_"):
		return "DYN"
	}
	return lt
}

func hasPrefix(s, p string) bool {
	return len(s) >= len(p) && s[:len(p)] == p
}

// Picker selects the best level for a price and computes the confluence set.
type Picker struct {
	Priority    []string
	EpsTouchPct float64
	EpsMult     map[string]float64
}

// NewPicker builds a picker with the given touch tolerance; nil priority or
// multiplier maps fall back to the defaults.
func NewPicker(epsTouchPct float64, priority []string, epsMult map[string]float64) *Picker {
	if priority == nil {
		priority = DefaultPriority()
	}
	if epsMult == nil {
		epsMult = DefaultEpsMult()
	}
	return &Picker{Priority: priority, EpsTouchPct: epsTouchPct, EpsMult: epsMult}
}

// EpsMultFor returns the tolerance multiplier for a level type.
func (p *Picker) EpsMultFor(lt string) float64 {
	if m, ok := p.EpsMult[BaseType(lt)]; ok {
		return m
	}
	return 1.0
}

// PriorityIndex returns the rank of a level type, or len(Priority) when unknown.
func (p *Picker) PriorityIndex(lt string) int {
	for i, t := range p.Priority {
		if t == lt {
			return i
		}
	}
	return len(p.Priority)
}

func (p *Picker) withinBand(price float64, lt string, levelPrice float64) bool {
	eps := abs(levelPrice) * p.EpsTouchPct * p.EpsMultFor(lt)
	return abs(price-levelPrice) <= eps
}

// Pick chooses the highest-priority level whose price is within its tolerance
// band of the query price, and returns the full confluence set: every level
// type (deduplicated to its highest-heat instance) within its own band.
// An empty Match means nothing qualified; the confluence set is then empty too.
func (p *Picker) Pick(price float64, lvls []Level) (Match, []string) {
	if len(lvls) == 0 {
		return Match{}, nil
	}
	// Dedup per type, keeping the hottest instance.
	best := make(map[string]Level)
	for _, it := range lvls {
		if it.Type == "" {
			continue
		}
		prev, ok := best[it.Type]
		if !ok || prev.Meta.Heat() < it.Meta.Heat() {
			best[it.Type] = it
		}
	}

	var chosen Match
	for _, lt := range p.Priority {
		it, ok := best[lt]
		if !ok {
			continue
		}
		if p.withinBand(price, lt, it.Price) {
			chosen = Match{Type: lt, Price: it.Price, Meta: it.Meta}
			break
		}
	}
	if !chosen.Found() {
		return Match{}, nil
	}

	var matched []string
	seen := make(map[string]bool)
	for _, lt := range p.Priority {
		if it, ok := best[lt]; ok && p.withinBand(price, lt, it.Price) {
			matched = append(matched, lt)
			seen[lt] = true
		}
	}
	var extra []string
	for lt, it := range best {
		if !seen[lt] && p.withinBand(price, lt, it.Price) {
			extra = append(extra, lt)
		}
	}
	sort.Strings(extra)
	return chosen, append(matched, extra...)
}

// Near reports whether a price sits inside the tolerance band of an already
// chosen level. With no level chosen it is vacuously true.
func (p *Picker) Near(price float64, levelType string, levelPrice *float64) bool {
	if levelType == "" || levelPrice == nil {
		return true
	}
	return p.withinBand(price, levelType, *levelPrice)
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

// Update replaces the level set for one (symbol, timeframe) context.
// This is the payload carried on the levels.update topic.
type Update struct {
	Symbol string  `json:"symbol"`
	TF     string  `json:"tf"`
	Levels []Level `json:"levels"`
}

// Key identifies a (symbol, timeframe) level context.
type Key struct {
	Symbol string
	TF     string
}

// Cache holds the last-known level set per (symbol, timeframe).
type Cache struct {
	mu sync.RWMutex
	m  map[Key][]Level
}

// NewCache creates an empty level cache.
func NewCache() *Cache {
	return &Cache{m: make(map[Key][]Level)}
}

// Set replaces the cached levels for a key. Empty sets are ignored so a
// malformed update never wipes a usable cache.
func (c *Cache) Set(k Key, lvls []Level) {
	if len(lvls) == 0 {
		return
	}
	c.mu.Lock()
	c.m[k] = lvls
	c.mu.Unlock()
}

// Get returns the cached levels for a key, nil when unknown.
func (c *Cache) Get(k Key) []Level {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.m[k]
}
