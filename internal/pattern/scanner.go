package pattern

import (
	"math"

	"fpf-engine/internal/candle"
)

const (
	scannerMinCandles   = 50
	apexSearchWindow    = 10
	plateauTolerancePct = 0.015
	maxPlateauVol       = 0.025
	maxPeakDistance     = 0.02
	hiSearchHorizon     = 50
	rayCheckHorizon     = 30
	baseConfidence      = 0.85
)

// ScanResult is one pattern instance found by the whole-series scanner:
// the FIX plateau, the LOY-FIX low, the HI apex, the RAY validation verdict
// and the derived PREFIX price band.
type ScanResult struct {
	FixStartIdx int     `json:"fix_start_idx"`
	FixEndIdx   int     `json:"fix_end_idx"`
	FixHigh     float64 `json:"fix_high"`
	FixLow      float64 `json:"fix_low"`

	LoyFixIdx   int     `json:"loy_fix_idx"`
	LoyFixPrice float64 `json:"loy_fix_price"`

	HiPatternIdx   int     `json:"hi_pattern_idx"`
	HiPatternPrice float64 `json:"hi_pattern_price"`

	RayPrice     float64 `json:"ray_price"`
	RayValidated bool    `json:"ray_validated"`

	PrefixStartPrice float64 `json:"prefix_start_price"`
	PrefixEndPrice   float64 `json:"prefix_end_price"`

	Confidence float64 `json:"confidence"`
	AnchorIdx  *int    `json:"anchor_idx"`
}

// Scanner locates complete pattern instances in a finished candle series.
// An optional anchor index marks the bar the caller believes is the FIX
// center; without one a backup sliding-window search runs instead.
type Scanner struct{}

// NewScanner creates a scanner.
func NewScanner() *Scanner {
	return &Scanner{}
}

// Detect runs the full search. anchorIdx < 0 means no anchor.
func (s *Scanner) Detect(candles []candle.Candle, anchorIdx int) (*ScanResult, bool) {
	if len(candles) < scannerMinCandles {
		return nil, false
	}

	var fix *fixArea
	if anchorIdx >= 0 {
		fix = s.findFixAroundAnchor(candles, anchorIdx)
	}
	if fix == nil {
		fix = s.findFixBackup(candles, anchorIdx)
		if fix == nil {
			return nil, false
		}
	}

	hiIdx, hiPrice, ok := s.findHiAfterFix(candles, fix.endIdx)
	if !ok {
		return nil, false
	}

	loyIdx, loyPrice, ok := s.findLoyFixBetween(candles, fix.endIdx, hiIdx)
	if !ok {
		return nil, false
	}

	rayPrice := loyPrice
	validated := s.validateRay(candles, hiIdx, rayPrice)

	res := &ScanResult{
		FixStartIdx:    fix.startIdx,
		FixEndIdx:      fix.endIdx,
		FixHigh:        fix.high,
		FixLow:         fix.low,
		LoyFixIdx:      loyIdx,
		LoyFixPrice:    loyPrice,
		HiPatternIdx:   hiIdx,
		HiPatternPrice: hiPrice,
		RayPrice:       rayPrice,
		RayValidated:   validated,
		Confidence:     baseConfidence,
	}
	if validated {
		res.PrefixStartPrice = fix.low
		res.PrefixEndPrice = fix.high
	}
	if anchorIdx >= 0 {
		a := anchorIdx
		res.AnchorIdx = &a
	}
	return res, true
}

type fixArea struct {
	startIdx, endIdx  int
	center, high, low float64
}

// findFixAroundAnchor looks for the flat top plateau with the anchor bar as
// its center: closes within a tolerance band under the local peak, low
// volatility, and the box near the peak price.
func (s *Scanner) findFixAroundAnchor(candles []candle.Candle, anchorIdx int) *fixArea {
	searchStart := anchorIdx - apexSearchWindow
	if searchStart < 0 {
		searchStart = 0
	}
	searchEnd := anchorIdx + apexSearchWindow
	if searchEnd > len(candles) {
		searchEnd = len(candles)
	}

	maxPrice := 0.0
	for i := searchStart; i < searchEnd; i++ {
		if candles[i].High > maxPrice {
			maxPrice = candles[i].High
		}
	}
	minPlateauPrice := maxPrice - maxPrice*plateauTolerancePct

	var best *fixArea
	bestScore := 0.0

	for halfWindow := 1; halfWindow <= 5; halfWindow++ {
		startIdx := anchorIdx - halfWindow
		if startIdx < 0 {
			startIdx = 0
		}
		endIdx := anchorIdx + halfWindow
		if endIdx > len(candles)-1 {
			endIdx = len(candles) - 1
		}
		if startIdx > anchorIdx || anchorIdx > endIdx {
			continue
		}
		window := candles[startIdx : endIdx+1]
		if len(window) < 2 {
			continue
		}

		inPlateau := 0
		for _, c := range window {
			if c.Close >= minPlateauPrice {
				inPlateau++
			}
		}
		if float64(inPlateau)/float64(len(window)) < 0.7 {
			continue
		}

		fixHigh, fixLow := window[0].High, window[0].Low
		for _, c := range window[1:] {
			if c.High > fixHigh {
				fixHigh = c.High
			}
			if c.Low < fixLow {
				fixLow = c.Low
			}
		}
		fixCenter := (fixHigh + fixLow) / 2
		volatility := 1.0
		if fixCenter > 0 {
			volatility = (fixHigh - fixLow) / fixCenter
		}
		if volatility > maxPlateauVol {
			continue
		}
		distFromPeak := math.Abs(fixCenter-maxPrice) / maxPrice
		if distFromPeak > maxPeakDistance {
			continue
		}

		score := 100 - volatility*5000
		score += 50 * (1 - distFromPeak*100)
		centerPos := float64(startIdx+endIdx) / 2
		centrality := 1 - math.Abs(centerPos-float64(anchorIdx))/math.Max(float64(halfWindow), 1)
		score += 30 * centrality
		windowSize := endIdx - startIdx + 1
		if windowSize >= 3 && windowSize <= 6 {
			score += 20
		} else if windowSize <= 4 {
			score += 15
		}

		if score > bestScore {
			bestScore = score
			best = &fixArea{startIdx: startIdx, endIdx: endIdx, center: fixCenter, high: fixHigh, low: fixLow}
		}
	}

	if best != nil && bestScore >= 50 {
		return best
	}
	return nil
}

// findFixBackup is the sliding-window fallback: score every 3..11 bar
// window by flatness and anchor proximity.
func (s *Scanner) findFixBackup(candles []candle.Candle, anchorIdx int) *fixArea {
	var searchStart, searchEnd int
	if anchorIdx < 0 {
		searchStart = len(candles) / 3
		searchEnd = int(float64(len(candles)) * 0.9)
	} else {
		searchStart = anchorIdx - 20
		if searchStart < 0 {
			searchStart = 0
		}
		searchEnd = anchorIdx + 20
		if searchEnd > len(candles) {
			searchEnd = len(candles)
		}
	}

	var best *fixArea
	bestScore := 0.0

	for windowSize := 3; windowSize < 12; windowSize++ {
		for startIdx := searchStart; startIdx < searchEnd-windowSize; startIdx++ {
			endIdx := startIdx + windowSize
			score := s.scoreFixWindow(candles, startIdx, endIdx, anchorIdx)
			if score <= bestScore {
				continue
			}
			bestScore = score
			window := candles[startIdx:endIdx]
			fixHigh, fixLow := window[0].High, window[0].Low
			for _, c := range window[1:] {
				if c.High > fixHigh {
					fixHigh = c.High
				}
				if c.Low < fixLow {
					fixLow = c.Low
				}
			}
			best = &fixArea{
				startIdx: startIdx,
				endIdx:   endIdx,
				center:   (fixHigh + fixLow) / 2,
				high:     fixHigh,
				low:      fixLow,
			}
		}
	}

	if best != nil && bestScore > 0.8 {
		return best
	}
	return nil
}

func (s *Scanner) scoreFixWindow(candles []candle.Candle, startIdx, endIdx, anchorIdx int) float64 {
	window := candles[startIdx:endIdx]
	if len(window) < 3 {
		return 0
	}
	fixHigh, fixLow := window[0].High, window[0].Low
	for _, c := range window[1:] {
		if c.High > fixHigh {
			fixHigh = c.High
		}
		if c.Low < fixLow {
			fixLow = c.Low
		}
	}
	fixCenter := (fixHigh + fixLow) / 2
	volatility := 1.0
	if fixCenter > 0 {
		volatility = (fixHigh - fixLow) / fixCenter
	}
	if volatility > maxPlateauVol {
		return 0
	}
	score := 1.0 - volatility*20
	if anchorIdx >= 0 {
		centerPos := float64(startIdx+endIdx) / 2
		distance := math.Abs(centerPos - float64(anchorIdx))
		if distance <= 5 {
			score += 0.3
		} else if distance <= 10 {
			score += 0.2
		}
	}
	return math.Max(0, score)
}

// findHiAfterFix returns the max high within a bounded horizon after FIX,
// keeping the first bar on equal highs.
func (s *Scanner) findHiAfterFix(candles []candle.Candle, fixEndIdx int) (int, float64, bool) {
	searchStart := fixEndIdx + 1
	searchEnd := fixEndIdx + hiSearchHorizon
	if searchEnd > len(candles) {
		searchEnd = len(candles)
	}
	maxPrice := 0.0
	hiIdx := -1
	for i := searchStart; i < searchEnd; i++ {
		if candles[i].High > maxPrice {
			maxPrice = candles[i].High
			hiIdx = i
		}
	}
	if hiIdx < 0 {
		return 0, 0, false
	}
	return hiIdx, maxPrice, true
}

// findLoyFixBetween returns the minimum low strictly between FIX end and HI.
func (s *Scanner) findLoyFixBetween(candles []candle.Candle, fixEndIdx, hiIdx int) (int, float64, bool) {
	minPrice := math.Inf(1)
	loyIdx := -1
	for i := fixEndIdx + 1; i < hiIdx; i++ {
		if candles[i].Low < minPrice {
			minPrice = candles[i].Low
			loyIdx = i
		}
	}
	if loyIdx < 0 {
		return 0, 0, false
	}
	return loyIdx, minPrice, true
}

// validateRay checks that price held above the LOY-FIX level for a bounded
// window after the HI apex.
func (s *Scanner) validateRay(candles []candle.Candle, hiIdx int, rayPrice float64) bool {
	checkEnd := hiIdx + rayCheckHorizon
	if checkEnd > len(candles) {
		checkEnd = len(candles)
	}
	for i := hiIdx + 1; i < checkEnd; i++ {
		if candles[i].Low < rayPrice {
			return false
		}
	}
	return true
}
