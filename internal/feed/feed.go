// Package feed streams closed klines from the exchange websocket and turns
// them into candle events on the bus.
package feed

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"fpf-engine/internal/candle"
	"fpf-engine/internal/events"
	"fpf-engine/internal/logging"
	"fpf-engine/internal/metrics"
)

// Config holds the websocket feed settings.
type Config struct {
	BaseURL    string   `json:"base_url"`
	Symbols    []string `json:"symbols"`
	Timeframes []string `json:"timeframes"`
	Enabled    bool     `json:"enabled"`
}

// Stats is a snapshot of feed health for diagnostics.
type Stats struct {
	Connected      bool      `json:"connected"`
	Reconnects     int       `json:"reconnects"`
	UpdatesTotal   int64     `json:"updates_total"`
	LastUpdateTime time.Time `json:"last_update_time"`
}

// Feed maintains one combined-stream websocket connection covering every
// symbol and timeframe pair, reconnecting with backoff when the connection
// drops.
type Feed struct {
	cfg Config
	bus *events.Bus
	log *logging.Logger
	rec *metrics.Recorder

	mu         sync.RWMutex
	conn       *websocket.Conn
	running    bool
	reconnects int
	updates    int64
	lastUpdate time.Time
}

// New creates a feed. Start must be called to begin streaming.
func New(cfg Config, bus *events.Bus, log *logging.Logger, rec *metrics.Recorder) *Feed {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "wss://fstream.binance.com"
	}
	if log == nil {
		log = logging.Default()
	}
	return &Feed{
		cfg: cfg,
		bus: bus,
		log: log.WithComponent("Feed"),
		rec: rec,
	}
}

// streamURL builds the combined-stream endpoint for all symbol/timeframe
// pairs, e.g. .../stream?streams=btcusdt@kline_1m/ethusdt@kline_5m.
func (f *Feed) streamURL() string {
	streams := make([]string, 0, len(f.cfg.Symbols)*len(f.cfg.Timeframes))
	for _, sym := range f.cfg.Symbols {
		lower := strings.ToLower(sym)
		for _, tf := range f.cfg.Timeframes {
			streams = append(streams, fmt.Sprintf("%s@kline_%s", lower, tf))
		}
	}
	return f.cfg.BaseURL + "/stream?streams=" + strings.Join(streams, "/")
}

// Start launches the connection loop.
func (f *Feed) Start() error {
	if len(f.cfg.Symbols) == 0 || len(f.cfg.Timeframes) == 0 {
		return fmt.Errorf("feed requires at least one symbol and one timeframe")
	}
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return nil
	}
	f.running = true
	f.mu.Unlock()

	go f.connectLoop()
	return nil
}

// Stop closes the connection and ends the loop.
func (f *Feed) Stop() {
	f.mu.Lock()
	f.running = false
	conn := f.conn
	f.conn = nil
	f.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (f *Feed) connectLoop() {
	url := f.streamURL()
	for {
		f.mu.RLock()
		running := f.running
		f.mu.RUnlock()
		if !running {
			return
		}

		f.log.Info("connecting to kline stream",
			"streams", len(f.cfg.Symbols)*len(f.cfg.Timeframes))

		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			f.log.Warn("connection failed, retrying in 5s", "error", err.Error())
			f.mu.Lock()
			f.reconnects++
			f.mu.Unlock()
			time.Sleep(5 * time.Second)
			continue
		}

		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()
		f.log.Info("kline stream connected")

		f.readLoop(conn)

		f.mu.RLock()
		running = f.running
		f.mu.RUnlock()
		if !running {
			return
		}
		f.log.Warn("connection lost, reconnecting in 3s")
		f.mu.Lock()
		f.reconnects++
		f.mu.Unlock()
		time.Sleep(3 * time.Second)
	}
}

func (f *Feed) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				f.log.Info("connection closed")
			} else {
				f.log.Warn("read error", "error", err.Error())
			}
			return
		}
		f.handleMessage(message)
	}
}

type combinedMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type klineEvent struct {
	EventType string  `json:"e"`
	Symbol    string  `json:"s"`
	Kline     rawLine `json:"k"`
}

type rawLine struct {
	OpenTime  int64  `json:"t"`
	CloseTime int64  `json:"T"`
	Interval  string `json:"i"`
	Open      string `json:"o"`
	High      string `json:"h"`
	Low       string `json:"l"`
	Close     string `json:"c"`
	Volume    string `json:"v"`
	Closed    bool   `json:"x"`
}

func (f *Feed) handleMessage(message []byte) {
	ev, err := parseKline(message)
	if err != nil {
		f.log.Warn("kline parse failed", "error", err.Error())
		return
	}
	if ev == nil {
		return
	}

	f.mu.Lock()
	f.updates++
	f.lastUpdate = time.Now()
	f.mu.Unlock()

	if f.rec != nil {
		lag := float64(time.Now().UnixMilli()-ev.Candle.CloseTime) / 1000.0
		if lag >= 0 {
			f.rec.RecordCandleLag(ev.TF, lag)
		}
	}
	f.bus.Publish(events.TopicMarketCandle, *ev)
}

// parseKline decodes a combined-stream message. Returns nil for messages
// that are not closed klines.
func parseKline(message []byte) (*candle.Event, error) {
	var outer combinedMessage
	if err := json.Unmarshal(message, &outer); err != nil {
		return nil, fmt.Errorf("decode stream envelope: %w", err)
	}
	data := outer.Data
	if len(data) == 0 {
		data = message
	}

	var ev klineEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode kline event: %w", err)
	}
	if ev.EventType != "kline" || !ev.Kline.Closed {
		return nil, nil
	}

	c := candle.Candle{
		OpenTime:  ev.Kline.OpenTime,
		CloseTime: ev.Kline.CloseTime,
	}
	fields := []struct {
		dst *float64
		src string
	}{
		{&c.Open, ev.Kline.Open},
		{&c.High, ev.Kline.High},
		{&c.Low, ev.Kline.Low},
		{&c.Close, ev.Kline.Close},
		{&c.Volume, ev.Kline.Volume},
	}
	for _, fl := range fields {
		v, err := strconv.ParseFloat(fl.src, 64)
		if err != nil {
			return nil, fmt.Errorf("parse kline field %q: %w", fl.src, err)
		}
		*fl.dst = v
	}

	return &candle.Event{
		Symbol: strings.ToUpper(ev.Symbol),
		TF:     ev.Kline.Interval,
		Candle: c,
	}, nil
}

// Stats returns a health snapshot.
func (f *Feed) Stats() Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return Stats{
		Connected:      f.conn != nil,
		Reconnects:     f.reconnects,
		UpdatesTotal:   f.updates,
		LastUpdateTime: f.lastUpdate,
	}
}
