package pattern

import (
	"errors"
	"math"
	"testing"

	"fpf-engine/internal/candle"
)

func tc(ts int64, o, h, l, c float64) candle.Candle {
	return candle.Candle{
		OpenTime:  ts - 1000,
		CloseTime: ts,
		Open:      o,
		High:      h,
		Low:       l,
		Close:     c,
		Volume:    1,
	}
}

func TestSuggestFixBoundsApexPlateau(t *testing.T) {
	// Four tight bars near the apex surrounded by spiky bars well below it.
	candles := []candle.Candle{
		tc(1000, 93.0, 94.0, 91.5, 92.0),
		tc(2000, 94.0, 95.0, 93.0, 93.5),
		tc(3000, 95.0, 96.0, 94.0, 94.5),
		tc(4000, 99.6, 100.0, 99.5, 99.95),
		tc(5000, 100.0, 100.5, 99.9, 100.45),
		tc(6000, 99.9, 100.3, 99.8, 100.25),
		tc(7000, 100.1, 100.6, 100.0, 100.55),
		tc(8000, 97.0, 97.9, 95.5, 95.8),
		tc(9000, 96.0, 96.5, 94.0, 94.3),
		tc(10000, 95.0, 95.5, 93.5, 93.8),
	}

	got, err := SuggestFixBounds(candles, 4000, 7000, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.LeftTS != 4000 || got.RightTS != 7000 {
		t.Fatalf("expected plateau 4000..7000, got %d..%d", got.LeftTS, got.RightTS)
	}
	if got.Bottom != 99.5 {
		t.Fatalf("bottom should be min low of the block, got %v", got.Bottom)
	}
	wantTop := 100.6 + 0.008*(100.6-99.5)
	if math.Abs(got.Top-wantTop) > 1e-9 {
		t.Fatalf("top = %v, want %v", got.Top, wantTop)
	}
}

func TestSuggestFixBoundsBoxCoversBlock(t *testing.T) {
	candles := []candle.Candle{
		tc(1000, 93.0, 94.0, 91.5, 92.0),
		tc(2000, 94.0, 95.0, 93.0, 93.5),
		tc(3000, 95.0, 96.0, 94.0, 94.5),
		tc(4000, 99.6, 100.0, 99.5, 99.95),
		tc(5000, 100.0, 100.5, 99.9, 100.45),
		tc(6000, 99.9, 100.3, 99.8, 100.25),
		tc(7000, 100.1, 100.6, 100.0, 100.55),
		tc(8000, 97.0, 97.9, 95.5, 95.8),
	}
	got, err := SuggestFixBounds(candles, 4000, 7000, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Top must dominate every high inside the returned range, bottom must
	// equal the min low.
	minLow := math.Inf(1)
	width := 0
	for _, c := range candles {
		if c.CloseTime < got.LeftTS || c.CloseTime > got.RightTS {
			continue
		}
		width++
		if c.High > got.Top {
			t.Fatalf("high %v above box top %v", c.High, got.Top)
		}
		if c.Low < minLow {
			minLow = c.Low
		}
	}
	if got.Bottom != minLow {
		t.Fatalf("bottom = %v, want %v", got.Bottom, minLow)
	}
	if width < 2 {
		t.Fatalf("plateau narrower than 2 bars: %d", width)
	}
}

func TestSuggestFixBoundsErrors(t *testing.T) {
	if _, err := SuggestFixBounds(nil, 0, 100, 3); !errors.Is(err, ErrPattern) {
		t.Fatalf("empty input should yield domain error, got %v", err)
	}

	candles := []candle.Candle{tc(1000, 1, 2, 0.5, 1.5)}
	if _, err := SuggestFixBounds(candles, 5000, 6000, 3); !errors.Is(err, ErrPattern) {
		t.Fatalf("empty range should yield domain error, got %v", err)
	}
}

func TestPercentileLinearInterpolation(t *testing.T) {
	vals := []float64{1, 2, 3, 4}
	got, ok := percentile(vals, 0.5)
	if !ok || got != 2.5 {
		t.Fatalf("percentile(0.5) = %v, want 2.5", got)
	}
	got, _ = percentile(vals, 0.65)
	want := 2.0 + (3.0-2.0)*0.95
	if math.Abs(got-want) > 1e-12 {
		t.Fatalf("percentile(0.65) = %v, want %v", got, want)
	}
}
