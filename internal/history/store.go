// Package history persists candle streams to ClickHouse and replays stored
// ranges back through the event bus, so the detector can be warmed up or run
// against past data.
package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/rs/zerolog"

	"fpf-engine/internal/candle"
	"fpf-engine/internal/events"
)

// Config holds the ClickHouse connection settings.
type Config struct {
	Address  string `json:"address"`
	Database string `json:"database"`
	User     string `json:"user"`
	Password string `json:"password"`
	Table    string `json:"table"`
	Enabled  bool   `json:"enabled"`

	// BackfillMinutes > 0 replays that much stored history per key on
	// startup, warming the detector before live candles arrive.
	BackfillMinutes int `json:"backfill_minutes"`
}

const defaultFlushSize = 200

// Store wraps a ClickHouse connection holding the candle archive.
type Store struct {
	conn   clickhouse.Conn
	db     string
	table  string
	logger zerolog.Logger

	mu      sync.Mutex
	pending []pendingRow
}

type pendingRow struct {
	symbol string
	tf     string
	c      candle.Candle
}

// NewStore connects, pings and ensures the candle table exists.
func NewStore(ctx context.Context, cfg Config, logger zerolog.Logger) (*Store, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("clickhouse is not enabled in configuration")
	}
	table := cfg.Table
	if table == "" {
		table = "candles"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Address},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		DialTimeout: 5 * time.Second,
		Settings: clickhouse.Settings{
			"max_execution_time": uint64(60),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	s := &Store{
		conn:   conn,
		db:     cfg.Database,
		table:  table,
		logger: logger.With().Str("component", "History").Logger(),
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.%s (
			symbol LowCardinality(String),
			tf LowCardinality(String),
			open_time Int64,
			close_time Int64,
			open Float64,
			high Float64,
			low Float64,
			close Float64,
			volume Float64,
			ingested_at DateTime64(3) DEFAULT now64(3)
		)
		ENGINE = ReplacingMergeTree(ingested_at)
		ORDER BY (symbol, tf, open_time)
		SETTINGS index_granularity = 8192
	`, s.db, s.table)
	if err := s.conn.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create candle table: %w", err)
	}
	return nil
}

// StartRecorder subscribes the store to market.candle and batches incoming
// candles into ClickHouse. Call Flush on shutdown to drain the last batch.
func (s *Store) StartRecorder(bus *events.Bus) {
	bus.Subscribe(events.TopicMarketCandle, func(payload interface{}) {
		var ev candle.Event
		switch e := payload.(type) {
		case candle.Event:
			ev = e
		case *candle.Event:
			if e == nil {
				return
			}
			ev = *e
		default:
			return
		}
		s.record(ev)
	})
}

func (s *Store) record(ev candle.Event) {
	s.mu.Lock()
	s.pending = append(s.pending, pendingRow{symbol: ev.Symbol, tf: ev.TF, c: ev.Candle})
	flush := len(s.pending) >= defaultFlushSize
	s.mu.Unlock()
	if flush {
		if err := s.Flush(context.Background()); err != nil {
			s.logger.Error().Err(err).Msg("Candle batch flush failed")
		}
	}
}

// Flush writes the buffered candles in one batch.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	rows := s.pending
	s.pending = nil
	s.mu.Unlock()
	if len(rows) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, fmt.Sprintf(
		"INSERT INTO %s.%s (symbol, tf, open_time, close_time, open, high, low, close, volume)",
		s.db, s.table))
	if err != nil {
		return fmt.Errorf("prepare candle batch: %w", err)
	}
	for _, r := range rows {
		if err := batch.Append(
			r.symbol, r.tf,
			r.c.OpenTime, r.c.CloseTime,
			r.c.Open, r.c.High, r.c.Low, r.c.Close, r.c.Volume,
		); err != nil {
			return fmt.Errorf("append candle: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send candle batch: %w", err)
	}
	s.logger.Debug().Int("rows", len(rows)).Msg("Candle batch flushed")
	return nil
}

// LoadCandles reads the stored candles for a symbol and timeframe whose close
// time falls in [fromMS, toMS], oldest first.
func (s *Store) LoadCandles(ctx context.Context, symbol, tf string, fromMS, toMS int64) ([]candle.Candle, error) {
	query := fmt.Sprintf(`
		SELECT open_time, close_time, open, high, low, close, volume
		FROM %s.%s FINAL
		WHERE symbol = ? AND tf = ? AND close_time >= ? AND close_time <= ?
		ORDER BY close_time ASC
	`, s.db, s.table)
	rows, err := s.conn.Query(ctx, query, symbol, tf, fromMS, toMS)
	if err != nil {
		return nil, fmt.Errorf("query candles: %w", err)
	}
	defer rows.Close()

	var out []candle.Candle
	for rows.Next() {
		var c candle.Candle
		if err := rows.Scan(&c.OpenTime, &c.CloseTime, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ReplayRange loads a stored range and feeds it through the bus in close-time
// order. Returns the number of candles replayed.
func (s *Store) ReplayRange(ctx context.Context, bus *events.Bus, symbol, tf string, fromMS, toMS int64) (int, error) {
	cs, err := s.LoadCandles(ctx, symbol, tf, fromMS, toMS)
	if err != nil {
		return 0, err
	}
	n := Replay(bus, symbol, tf, cs)
	s.logger.Info().
		Str("symbol", symbol).
		Str("tf", tf).
		Int("candles", n).
		Msg("Replay complete")
	return n, nil
}

// Close flushes pending rows and releases the connection.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Flush(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Final flush failed")
	}
	return s.conn.Close()
}
