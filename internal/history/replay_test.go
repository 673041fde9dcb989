package history

import (
	"testing"

	"fpf-engine/internal/candle"
	"fpf-engine/internal/events"
)

func mkCandle(closeTS int64, close float64) candle.Candle {
	return candle.Candle{
		OpenTime:  closeTS - 60000,
		CloseTime: closeTS,
		Open:      close,
		High:      close + 0.5,
		Low:       close - 0.5,
		Close:     close,
		Volume:    100,
	}
}

func TestReplaySortsOutOfOrderCandles(t *testing.T) {
	bus := events.NewBus(nil)
	var got []int64
	bus.Subscribe(events.TopicMarketCandle, func(payload interface{}) {
		ev := payload.(candle.Event)
		got = append(got, ev.Candle.CloseTime)
		if ev.Symbol != "BTCUSDT" || ev.TF != "1m" {
			t.Errorf("event key = %s/%s", ev.Symbol, ev.TF)
		}
	})

	in := []candle.Candle{
		mkCandle(180000, 101),
		mkCandle(60000, 100),
		mkCandle(300000, 103),
		mkCandle(240000, 102),
		mkCandle(120000, 100.5),
	}
	n := Replay(bus, "BTCUSDT", "1m", in)

	if n != 5 {
		t.Fatalf("replayed %d candles, want 5", n)
	}
	want := []int64{60000, 120000, 180000, 240000, 300000}
	for i, ts := range want {
		if got[i] != ts {
			t.Fatalf("position %d: close_time = %d, want %d", i, got[i], ts)
		}
	}
}

func TestReplayDropsDuplicateTimestamps(t *testing.T) {
	bus := events.NewBus(nil)
	count := 0
	bus.Subscribe(events.TopicMarketCandle, func(payload interface{}) { count++ })

	in := []candle.Candle{
		mkCandle(60000, 100),
		mkCandle(60000, 100.1),
		mkCandle(120000, 101),
	}
	if n := Replay(bus, "ETHUSDT", "5m", in); n != 2 {
		t.Fatalf("replayed %d, want 2", n)
	}
	if count != 2 {
		t.Fatalf("published %d events, want 2", count)
	}
}

func TestReplayEmptyInputs(t *testing.T) {
	if n := Replay(nil, "BTCUSDT", "1m", []candle.Candle{mkCandle(60000, 100)}); n != 0 {
		t.Fatalf("nil bus replayed %d", n)
	}
	bus := events.NewBus(nil)
	if n := Replay(bus, "BTCUSDT", "1m", nil); n != 0 {
		t.Fatalf("empty input replayed %d", n)
	}
}
