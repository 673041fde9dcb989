package detector

import "math"

// impulse holds the range-expansion diagnostics computed for a breakout
// candidate: adaptive short/long range SMAs, the regime-adjusted multiplier
// and the resulting threshold the breakout range must clear.
type impulse struct {
	Short     float64
	Long      float64
	K         float64
	Threshold float64
}

// impulseMetrics derives the breakout threshold from the ranges of the bars
// preceding the breakout candle. The multiplier tightens in quiet regimes
// (short SMA well below long SMA) and relaxes in expanded ones.
func impulseMetrics(ranges []float64, kBase float64) impulse {
	if len(ranges) == 0 {
		return impulse{K: kBase}
	}
	short := mean(ranges)
	if len(ranges) >= 5 {
		short = mean(tail(ranges, 14))
	}
	long := short
	if len(ranges) >= 20 {
		long = mean(tail(ranges, 100))
	}
	k := kBase
	switch {
	case short < 0.8*long:
		k += 0.02
	case short > 1.2*long:
		k = math.Max(1.0, k-0.25)
	}
	return impulse{Short: short, Long: long, K: k, Threshold: k * short}
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var s float64
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}

func tail(xs []float64, n int) []float64 {
	if len(xs) <= n {
		return xs
	}
	return xs[len(xs)-n:]
}
