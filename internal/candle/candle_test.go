package candle

import "testing"

func TestCandleGeometry(t *testing.T) {
	c := Candle{OpenTime: 0, CloseTime: 60000, Open: 100, High: 103, Low: 98, Close: 101}
	if c.Range() != 5 {
		t.Errorf("range = %v", c.Range())
	}
	if c.BodyTop() != 101 {
		t.Errorf("body top = %v", c.BodyTop())
	}
	down := Candle{Open: 101, Close: 100}
	if down.BodyTop() != 101 {
		t.Errorf("down body top = %v", down.BodyTop())
	}
}

func TestValidate(t *testing.T) {
	ok := Candle{OpenTime: 0, CloseTime: 60000, Open: 100, High: 103, Low: 98, Close: 101}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid candle rejected: %v", err)
	}

	cases := map[string]Candle{
		"close before open time": {OpenTime: 60000, CloseTime: 60000, Open: 100, High: 101, Low: 99, Close: 100},
		"low above body":         {OpenTime: 0, CloseTime: 60000, Open: 100, High: 103, Low: 100.5, Close: 101},
		"high below body":        {OpenTime: 0, CloseTime: 60000, Open: 100, High: 100.5, Low: 98, Close: 101},
	}
	for name, c := range cases {
		if err := c.Validate(); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestRingEviction(t *testing.T) {
	r := NewRing(3)
	for i := 1; i <= 5; i++ {
		r.Append(Event{Candle: Candle{CloseTime: int64(i) * 60000}})
	}
	if r.Len() != 3 {
		t.Fatalf("len = %d", r.Len())
	}
	want := []int64{180000, 240000, 300000}
	for i, ts := range want {
		if got := r.At(i).Candle.CloseTime; got != ts {
			t.Errorf("At(%d) = %d, want %d", i, got, ts)
		}
	}
	if r.Last().Candle.CloseTime != 300000 {
		t.Errorf("last = %d", r.Last().Candle.CloseTime)
	}

	snap := r.Snapshot()
	if len(snap) != 3 || snap[0].Candle.CloseTime != 180000 || snap[2].Candle.CloseTime != 300000 {
		t.Errorf("snapshot = %v", snap)
	}
	// Snapshot is a copy; mutating it must not touch the ring.
	snap[0].Candle.CloseTime = 1
	if r.At(0).Candle.CloseTime != 180000 {
		t.Error("snapshot aliases ring storage")
	}
}

func TestRingMinimumCapacity(t *testing.T) {
	r := NewRing(0)
	r.Append(Event{Candle: Candle{CloseTime: 60000}})
	r.Append(Event{Candle: Candle{CloseTime: 120000}})
	if r.Len() != 1 || r.Last().Candle.CloseTime != 120000 {
		t.Errorf("len = %d, last = %d", r.Len(), r.Last().Candle.CloseTime)
	}
}
