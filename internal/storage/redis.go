package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"fpf-engine/internal/events"
	"fpf-engine/internal/levels"
)

const (
	levelKeyPrefix  = "fpf:levels"
	defaultLevelTTL = 6 * time.Hour
)

// RedisConfig holds the connection settings for the level mirror.
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Enabled  bool   `json:"enabled"`
}

// LevelMirror keeps the latest level set per symbol and timeframe in Redis so
// a restarted process can resume level-aware detection before the next
// levels.update arrives.
type LevelMirror struct {
	client *redis.Client
	logger zerolog.Logger
	ttl    time.Duration
}

// NewLevelMirror connects the mirror and subscribes it to levels.update. A
// failed initial ping is logged but not fatal; writes will retry as updates
// flow.
func NewLevelMirror(cfg RedisConfig, bus *events.Bus, logger zerolog.Logger) (*LevelMirror, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("redis is not enabled in configuration")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	m := &LevelMirror{
		client: client,
		logger: logger.With().Str("component", "LevelMirror").Logger(),
		ttl:    defaultLevelTTL,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		m.logger.Warn().Err(err).Str("addr", cfg.Address).Msg("Initial Redis connection failed")
	} else {
		m.logger.Info().Str("addr", cfg.Address).Msg("Redis connected")
	}

	if bus != nil {
		bus.Subscribe(events.TopicLevelsUpdate, func(payload interface{}) {
			switch upd := payload.(type) {
			case levels.Update:
				m.Store(context.Background(), upd)
			case *levels.Update:
				if upd != nil {
					m.Store(context.Background(), *upd)
				}
			}
		})
	}
	return m, nil
}

func levelKey(symbol, tf string) string {
	return fmt.Sprintf("%s:%s:%s", levelKeyPrefix, strings.ToUpper(symbol), tf)
}

// Store writes one level set, replacing any previous value for the key.
func (m *LevelMirror) Store(ctx context.Context, upd levels.Update) {
	if upd.Symbol == "" || upd.TF == "" || len(upd.Levels) == 0 {
		return
	}
	data, err := json.Marshal(upd.Levels)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := m.client.Set(ctx, levelKey(upd.Symbol, upd.TF), data, m.ttl).Err(); err != nil {
		m.logger.Warn().Err(err).Str("symbol", upd.Symbol).Str("tf", upd.TF).Msg("Level mirror write failed")
	}
}

// Load returns the mirrored levels for a key, or nil when none are stored.
func (m *LevelMirror) Load(ctx context.Context, symbol, tf string) ([]levels.Level, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	data, err := m.client.Get(ctx, levelKey(symbol, tf)).Result()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to load levels: %w", err)
	}
	var lvls []levels.Level
	if err := json.Unmarshal([]byte(data), &lvls); err != nil {
		return nil, fmt.Errorf("corrupt level payload for %s %s: %w", symbol, tf, err)
	}
	return lvls, nil
}

// Close releases the Redis connection.
func (m *LevelMirror) Close() error {
	return m.client.Close()
}
