package pattern

import (
	"math"
	"sort"

	"fpf-engine/internal/candle"
)

// FixBounds describes the suggested FIX rectangle returned by
// SuggestFixBounds. Time bounds are candle close timestamps.
type FixBounds struct {
	LeftTS  int64
	RightTS int64
	Top     float64
	Bottom  float64
}

// percentile computes the q-th percentile (0..1) with linear interpolation
// between order statistics.
func percentile(vals []float64, q float64) (float64, bool) {
	if len(vals) == 0 {
		return 0, false
	}
	s := append([]float64(nil), vals...)
	sort.Float64s(s)
	k := float64(len(s)-1) * q
	f := math.Floor(k)
	c := math.Ceil(k)
	if f == c {
		return s[int(k)], true
	}
	return s[int(f)] + (s[int(c)]-s[int(f)])*(k-f), true
}

func median(vals []float64) (float64, bool) {
	if len(vals) == 0 {
		return 0, false
	}
	s := append([]float64(nil), vals...)
	sort.Float64s(s)
	m := len(s) / 2
	if len(s)%2 == 1 {
		return s[m], true
	}
	return (s[m-1] + s[m]) / 2.0, true
}

// SuggestFixBounds builds the FIX box as a tight plateau of highs centered
// on the segment's apex.
//
// Candles with close time inside [leftTS, rightTS] form the working range,
// expanded by sideBars on each side for context. A candle joins the plateau
// when its high sits within a small band below the apex, its range is not an
// impulse spike, and its body closes near its high. The longest contiguous
// block of such candles (tie-break toward the apex) is edge-trimmed and kept
// at least two bars wide. The box hugs the block: top a fraction above the
// block high, bottom at the block low.
func SuggestFixBounds(candles []candle.Candle, leftTS, rightTS int64, sideBars int) (FixBounds, error) {
	if len(candles) == 0 {
		return FixBounds{}, patternErrorf("no candles provided for FIX suggestion")
	}
	first, last := -1, -1
	for i, c := range candles {
		if c.CloseTime >= leftTS && c.CloseTime <= rightTS {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	if first < 0 {
		return FixBounds{}, patternErrorf("no candles in the requested FIX range")
	}
	i0 := first - sideBars
	if i0 < 0 {
		i0 = 0
	}
	i1 := last + sideBars
	if i1 > len(candles)-1 {
		i1 = len(candles) - 1
	}
	seg := candles[i0 : i1+1]
	if len(seg) == 0 {
		return FixBounds{}, patternErrorf("empty segment for FIX suggestion")
	}

	n := len(seg)
	highs := make([]float64, n)
	lows := make([]float64, n)
	ranges := make([]float64, n)
	bodyToHigh := make([]float64, n)
	for i, c := range seg {
		highs[i] = c.High
		lows[i] = c.Low
		r := c.High - c.Low
		if r < 1e-12 {
			r = 1e-12
		}
		ranges[i] = r
		bodyToHigh[i] = c.High - math.Max(c.Open, c.Close)
	}

	maxH, minL := highs[0], lows[0]
	for i := 1; i < n; i++ {
		if highs[i] > maxH {
			maxH = highs[i]
		}
		if lows[i] < minL {
			minL = lows[i]
		}
	}
	heightSeg := math.Max(1e-9, maxH-minL)

	medH, _ := median(highs)
	devs := make([]float64, n)
	for i, h := range highs {
		devs[i] = math.Abs(h - medH)
	}
	mad, _ := median(devs)

	apexIdx := 0
	for i := 1; i < n; i++ {
		if highs[i] > highs[apexIdx] {
			apexIdx = i
		}
	}
	apexHigh := highs[apexIdx]

	delta := math.Max(0.0075*heightSeg, 0.8*mad)
	p65, ok := percentile(ranges, 0.65)
	if !ok {
		p65 = heightSeg * 0.07
	}

	var okIdxs []int
	for j := 0; j < n; j++ {
		closeToApex := highs[j] >= apexHigh-delta
		notImpulse := ranges[j] <= p65*1.05
		bodyNearHi := ranges[j] <= 0 || bodyToHigh[j] <= 0.25*ranges[j]
		if closeToApex && notImpulse && bodyNearHi {
			okIdxs = append(okIdxs, j)
		}
	}
	if len(okIdxs) == 0 {
		okIdxs = []int{apexIdx}
	}

	type block struct{ li, ri int }
	var blocks []block
	start, prev := okIdxs[0], okIdxs[0]
	for _, j := range okIdxs[1:] {
		if j == prev+1 {
			prev = j
			continue
		}
		blocks = append(blocks, block{start, prev})
		start, prev = j, j
	}
	blocks = append(blocks, block{start, prev})

	// Longer blocks win; ties go to the one whose center is nearest the apex.
	best := blocks[0]
	bestLen := best.ri - best.li + 1
	bestDist := math.Abs(float64(best.li+best.ri)/2.0 - float64(apexIdx))
	for _, b := range blocks[1:] {
		length := b.ri - b.li + 1
		dist := math.Abs(float64(b.li+b.ri)/2.0 - float64(apexIdx))
		if length > bestLen || (length == bestLen && dist < bestDist) {
			best, bestLen, bestDist = b, length, dist
		}
	}
	li, ri := best.li, best.ri

	edgeBad := func(j int) bool {
		tooSpiky := ranges[j] > p65*1.05
		tooLow := highs[j] < apexHigh-0.6*delta
		bodyBad := ranges[j] > 0 && bodyToHigh[j] > 0.25*ranges[j]
		return tooSpiky || tooLow || bodyBad
	}
	for ri-li+1 > 2 && edgeBad(li) {
		li++
	}
	for ri-li+1 > 2 && edgeBad(ri) {
		ri--
	}

	if ri-li+1 < 2 {
		if ri+1 < n {
			ri++
		} else if li-1 >= 0 {
			li--
		}
	}

	blockHigh, blockLow := highs[li], lows[li]
	for j := li + 1; j <= ri; j++ {
		if highs[j] > blockHigh {
			blockHigh = highs[j]
		}
		if lows[j] < blockLow {
			blockLow = lows[j]
		}
	}
	blockHeight := math.Max(1e-9, blockHigh-blockLow)

	return FixBounds{
		LeftTS:  seg[li].CloseTime,
		RightTS: seg[ri].CloseTime,
		Top:     blockHigh + 0.008*blockHeight,
		Bottom:  blockLow,
	}, nil
}
