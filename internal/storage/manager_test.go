package storage

import (
	"bufio"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"fpf-engine/internal/detector"
	"fpf-engine/internal/events"
)

func i64p(v int64) *int64     { return &v }
func f64p(v float64) *float64 { return &v }

func finalSignal(breakTS int64) detector.Signal {
	return detector.Signal{
		Symbol:     "TESTUSDT",
		TF:         "1m",
		Direction:  "short",
		FixHigh:    f64p(103),
		FixLow:     f64p(97),
		FixHighTS:  i64p(180000),
		FixLowTS:   i64p(420000),
		ReturnTS:   i64p(600000),
		TS:         i64p(breakTS),
		BreakTS:    i64p(breakTS),
		BreakPrice: 96.5,
		AIScore:    60,
		Note:       "FPF v1",
		NoReentry:  true,
	}
}

func setupSignal() detector.Signal {
	return detector.Signal{
		Symbol:     "TESTUSDT",
		TF:         "1m",
		Direction:  "setup",
		FixHigh:    f64p(103),
		FixHighTS:  i64p(180000),
		TS:         i64p(180000),
		BreakPrice: 102.8,
		AIScore:    50,
		Note:       "SETUP: FIX_HIGH",
	}
}

func newTestManager(t *testing.T) (*SignalManager, *events.Bus, *[]UIRow, string) {
	t.Helper()
	bus := events.NewBus(nil)
	dir := t.TempDir()
	m := NewSignalManager(bus, nil, zerolog.Nop(), dir)
	var rows []UIRow
	bus.Subscribe(events.TopicUISignal, func(payload interface{}) {
		if row, ok := payload.(UIRow); ok {
			rows = append(rows, row)
		}
	})
	return m, bus, &rows, dir
}

func countLogLines(t *testing.T, dir string) int {
	t.Helper()
	f, err := os.Open(filepath.Join(dir, "signals.log"))
	if err != nil {
		return 0
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		n++
	}
	return n
}

func TestSignalFanOutAndLog(t *testing.T) {
	m, bus, rows, dir := newTestManager(t)

	bus.Publish(events.TopicSignalDetected, setupSignal())
	bus.Publish(events.TopicSignalDetected, finalSignal(660000))

	if len(*rows) != 2 {
		t.Fatalf("ui.signal fan-out: got %d rows, want 2", len(*rows))
	}
	if (*rows)[0].Direction != "setup" || (*rows)[1].Direction != "short" {
		t.Fatalf("fan-out order wrong: %q then %q", (*rows)[0].Direction, (*rows)[1].Direction)
	}
	if (*rows)[1].BreakPrice != 96.5 {
		t.Errorf("break_price = %v, want 96.5", (*rows)[1].BreakPrice)
	}
	if (*rows)[1].BreakTS == nil || *(*rows)[1].BreakTS != 660000 {
		t.Errorf("break_ts not carried through")
	}

	if n := countLogLines(t, dir); n != 2 {
		t.Errorf("signals.log lines = %d, want 2", n)
	}
	if got := m.Recent(0); len(got) != 1 {
		t.Fatalf("recent keeps finals only: got %d, want 1", len(got))
	}
}

func TestRecentNewestFirstWithLimit(t *testing.T) {
	m, bus, _, _ := newTestManager(t)

	for _, ts := range []int64{660000, 720000, 780000} {
		bus.Publish(events.TopicSignalDetected, finalSignal(ts))
	}

	got := m.Recent(2)
	if len(got) != 2 {
		t.Fatalf("Recent(2) returned %d rows", len(got))
	}
	if *got[0].BreakTS != 780000 || *got[1].BreakTS != 720000 {
		t.Errorf("order wrong: %d, %d", *got[0].BreakTS, *got[1].BreakTS)
	}

	all := m.Recent(0)
	if len(all) != 3 || *all[2].BreakTS != 660000 {
		t.Errorf("Recent(0) should return all newest first, got %d rows", len(all))
	}
}

func TestRecentCapBounded(t *testing.T) {
	m, bus, _, _ := newTestManager(t)

	for i := 0; i < recentCap+25; i++ {
		bus.Publish(events.TopicSignalDetected, finalSignal(int64(i)*60000))
	}
	all := m.Recent(0)
	if len(all) != recentCap {
		t.Fatalf("recent len = %d, want %d", len(all), recentCap)
	}
	wantNewest := int64(recentCap+24) * 60000
	if *all[0].BreakTS != wantNewest {
		t.Errorf("newest break_ts = %d, want %d", *all[0].BreakTS, wantNewest)
	}
}

func TestNoLogDirSkipsFileWrites(t *testing.T) {
	bus := events.NewBus(nil)
	m := NewSignalManager(bus, nil, zerolog.Nop(), "")

	bus.Publish(events.TopicSignalDetected, finalSignal(660000))
	if got := m.Recent(0); len(got) != 1 {
		t.Fatalf("signal not tracked without log dir: got %d", len(got))
	}
}
