package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"fpf-engine/internal/candle"
	"fpf-engine/internal/detector"
	"fpf-engine/internal/feed"
	"fpf-engine/internal/storage"
)

type fakeSignals struct {
	rows []storage.UIRow
}

func (f *fakeSignals) Recent(limit int) []storage.UIRow {
	if limit > len(f.rows) {
		limit = len(f.rows)
	}
	return f.rows[:limit]
}

type fakeDiag struct {
	candles []candle.Candle
}

func (fakeDiag) Stats() map[string]int {
	return map[string]int{"candidate": 4, "ok_short": 1}
}

func (fakeDiag) Summary() detector.StatsSummary {
	return detector.StatsSummary{Candidates: 4, OKShort: 1, Conversion: 0.25}
}

func (f fakeDiag) Candles(symbol, tf string) []candle.Candle {
	return f.candles
}

type fakeFeed struct{}

func (fakeFeed) Stats() feed.Stats { return feed.Stats{Connected: true, UpdatesTotal: 42} }

type fakeOutcomes struct{}

func (fakeOutcomes) ActiveCount() int { return 3 }

func newTestServer(signals SignalSource) *Server {
	return NewServer(
		ServerConfig{Host: "127.0.0.1", Port: 0, ProductionMode: true},
		zerolog.Nop(),
		signals,
		fakeDiag{},
		fakeFeed{},
		fakeOutcomes{},
		nil,
		nil,
	)
}

func doGet(t *testing.T, s *Server, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %s response: %v", path, err)
	}
	return w, body
}

func TestHealthWithoutDatabase(t *testing.T) {
	s := newTestServer(&fakeSignals{})
	w, body := doGet(t, s, "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v", body["status"])
	}
}

func TestStatusEndpoint(t *testing.T) {
	s := newTestServer(&fakeSignals{})
	w, body := doGet(t, s, "/api/status")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body["tracked_signals"] != float64(3) {
		t.Errorf("tracked_signals = %v", body["tracked_signals"])
	}
	feedMap, ok := body["feed"].(map[string]interface{})
	if !ok || feedMap["connected"] != true {
		t.Errorf("feed = %v", body["feed"])
	}
}

func TestDiagnosticsEndpoint(t *testing.T) {
	s := newTestServer(&fakeSignals{})
	w, body := doGet(t, s, "/api/diagnostics")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	counters := body["counters"].(map[string]interface{})
	if counters["candidate"] != float64(4) {
		t.Errorf("candidate counter = %v", counters["candidate"])
	}
	summary := body["summary"].(map[string]interface{})
	if summary["conversion"] != 0.25 {
		t.Errorf("conversion = %v", summary["conversion"])
	}
}

func TestSignalsEndpointRespectsLimit(t *testing.T) {
	src := &fakeSignals{rows: []storage.UIRow{
		{Symbol: "BTCUSDT", TF: "1m", Direction: "short"},
		{Symbol: "ETHUSDT", TF: "5m", Direction: "long"},
		{Symbol: "SOLUSDT", TF: "1m", Direction: "short"},
	}}
	s := newTestServer(src)

	w, body := doGet(t, s, "/api/signals?limit=2")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body["count"] != float64(2) {
		t.Errorf("count = %v", body["count"])
	}

	_, body = doGet(t, s, "/api/signals?limit=bogus")
	if body["count"] != float64(3) {
		t.Errorf("bad limit should fall back to default, count = %v", body["count"])
	}
}

func TestSignalsEndpointWithoutSource(t *testing.T) {
	s := newTestServer(nil)
	w, _ := doGet(t, s, "/api/signals")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
}

func TestScanRequiresSymbolAndTF(t *testing.T) {
	s := newTestServer(&fakeSignals{})
	w, _ := doGet(t, s, "/api/scan")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestScanWithEmptyBuffer(t *testing.T) {
	s := newTestServer(&fakeSignals{})
	w, _ := doGet(t, s, "/api/scan?symbol=BTCUSDT&tf=1m")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestScanWithFlatSeriesFindsNothing(t *testing.T) {
	cs := make([]candle.Candle, 60)
	for i := range cs {
		ts := int64(i+1) * 60000
		cs[i] = candle.Candle{
			OpenTime: ts - 60000, CloseTime: ts,
			Open: 100, High: 100.01, Low: 99.99, Close: 100, Volume: 1,
		}
	}
	s := NewServer(
		ServerConfig{ProductionMode: true},
		zerolog.Nop(),
		&fakeSignals{},
		fakeDiag{candles: cs},
		fakeFeed{},
		fakeOutcomes{},
		nil,
		nil,
	)
	w, body := doGet(t, s, "/api/scan?symbol=BTCUSDT&tf=1m")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body["found"] != false {
		t.Errorf("found = %v, want false", body["found"])
	}
	if body["candles"] != float64(60) {
		t.Errorf("candles = %v", body["candles"])
	}
}

func TestSignalHistoryWithoutDatabase(t *testing.T) {
	s := newTestServer(&fakeSignals{})
	w, _ := doGet(t, s, "/api/signals/history")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
}
