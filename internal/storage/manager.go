package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fpf-engine/internal/detector"
	"fpf-engine/internal/events"
	"fpf-engine/internal/outcome"
)

// UIRow is the flattened signal payload fanned out on ui.signal and appended
// to the JSONL signal log.
type UIRow struct {
	Symbol     string   `json:"symbol"`
	TF         string   `json:"tf"`
	Direction  string   `json:"direction"`
	FixHigh    *float64 `json:"fix_high"`
	FixLow     *float64 `json:"fix_low"`
	FixHighTS  *int64   `json:"fix_high_ts"`
	FixLowTS   *int64   `json:"fix_low_ts"`
	ReturnTS   *int64   `json:"return_ts"`
	TS         *int64   `json:"ts"`
	BreakTS    *int64   `json:"break_ts"`
	BreakPrice float64  `json:"break_price"`
	VolFix     float64  `json:"vol_fix"`
	AIScore    int      `json:"ai_score"`
	Note       string   `json:"note"`
	TVURL      string   `json:"tv_url"`
	FixHighURL string   `json:"fix_high_url,omitempty"`
	FixLowURL  string   `json:"fix_low_url,omitempty"`
	ReturnURL  string   `json:"return_url,omitempty"`
}

const recentCap = 200

// SignalManager is the fan-out hub behind signal.detected: it persists final
// signals (deduplicated by symbol, timeframe and breakout time), appends every
// event to a JSONL log, keeps an in-memory recent list for the API, and
// republishes the flattened row on ui.signal.
type SignalManager struct {
	mu sync.Mutex

	bus    *events.Bus
	repo   *Repository
	logger zerolog.Logger
	logDir string
	recent []UIRow
}

// NewSignalManager wires the manager to the bus. The repository may be nil;
// persistence is then skipped while the log and fan-out still run.
func NewSignalManager(bus *events.Bus, repo *Repository, logger zerolog.Logger, logDir string) *SignalManager {
	m := &SignalManager{
		bus:    bus,
		repo:   repo,
		logger: logger.With().Str("component", "SignalManager").Logger(),
		logDir: logDir,
	}
	if logDir != "" {
		if err := os.MkdirAll(logDir, 0755); err != nil {
			m.logger.Warn().Err(err).Str("dir", logDir).Msg("Cannot create signal log dir")
			m.logDir = ""
		}
	}
	if bus != nil {
		bus.Subscribe(events.TopicSignalDetected, func(payload interface{}) {
			switch sig := payload.(type) {
			case detector.Signal:
				m.OnSignal(sig)
			case *detector.Signal:
				if sig != nil {
					m.OnSignal(*sig)
				}
			}
		})
		bus.Subscribe(events.TopicSignalOutcome, func(payload interface{}) {
			switch res := payload.(type) {
			case outcome.Result:
				m.OnOutcome(res)
			case *outcome.Result:
				if res != nil {
					m.OnOutcome(*res)
				}
			}
		})
	}
	return m
}

// OnSignal stores, logs and fans out one signal event.
func (m *SignalManager) OnSignal(sig detector.Signal) {
	row := UIRow{
		Symbol:     sig.Symbol,
		TF:         sig.TF,
		Direction:  sig.Direction,
		FixHigh:    sig.FixHigh,
		FixLow:     sig.FixLow,
		FixHighTS:  sig.FixHighTS,
		FixLowTS:   sig.FixLowTS,
		ReturnTS:   sig.ReturnTS,
		TS:         sig.TS,
		BreakTS:    sig.BreakTS,
		BreakPrice: sig.BreakPrice,
		AIScore:    sig.AIScore,
		Note:       sig.Note,
		TVURL:      sig.TVURL,
		FixHighURL: sig.FixHighURL,
		FixLowURL:  sig.FixLowURL,
		ReturnURL:  sig.ReturnURL,
	}

	isSetup := sig.Direction == "setup"
	if !isSetup {
		m.persist(sig, row)
		m.mu.Lock()
		m.recent = append(m.recent, row)
		if len(m.recent) > recentCap {
			m.recent = m.recent[len(m.recent)-recentCap:]
		}
		m.mu.Unlock()
	}

	m.appendLog(row)
	if m.bus != nil {
		m.bus.Publish(events.TopicUISignal, row)
	}
}

// persist writes a final signal to the database unless the same breakout was
// already stored.
func (m *SignalManager) persist(sig detector.Signal, row UIRow) {
	if m.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if row.BreakTS != nil {
		exists, err := m.repo.SignalExists(ctx, row.Symbol, row.TF, *row.BreakTS)
		if err != nil {
			m.logger.Error().Err(err).Msg("Signal dedup lookup failed")
			return
		}
		if exists {
			m.logger.Debug().
				Str("symbol", row.Symbol).
				Str("tf", row.TF).
				Int64("break_ts", *row.BreakTS).
				Msg("Duplicate signal, skipping insert")
			return
		}
	}
	err := m.repo.InsertSignal(ctx, &SignalRow{
		Symbol:      row.Symbol,
		TF:          row.TF,
		Direction:   row.Direction,
		FixHigh:     row.FixHigh,
		FixLow:      row.FixLow,
		BreakTS:     row.BreakTS,
		BreakPrice:  row.BreakPrice,
		AIScore:     row.AIScore,
		StrengthPct: sig.StrengthPct,
		GroupID:     sig.GroupID,
		Note:        row.Note,
	})
	if err != nil {
		m.logger.Error().Err(err).Msg("Signal insert failed")
	}
}

// OnOutcome stores a measured outcome.
func (m *SignalManager) OnOutcome(res outcome.Result) {
	if m.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.repo.InsertOutcome(ctx, res); err != nil {
		m.logger.Error().Err(err).Str("signal_id", res.SignalID).Msg("Outcome insert failed")
	}
}

func (m *SignalManager) appendLog(row UIRow) {
	if m.logDir == "" {
		return
	}
	b, err := json.Marshal(row)
	if err != nil {
		return
	}
	path := filepath.Join(m.logDir, "signals.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		m.logger.Warn().Err(err).Str("path", path).Msg("Cannot open signal log")
		return
	}
	defer f.Close()
	if _, err := f.Write(append(b, '\n')); err != nil {
		m.logger.Warn().Err(err).Str("path", path).Msg("Signal log write failed")
	}
}

// Recent returns up to limit final signals, newest first.
func (m *SignalManager) Recent(limit int) []UIRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.recent) {
		limit = len(m.recent)
	}
	out := make([]UIRow, limit)
	for i := 0; i < limit; i++ {
		out[i] = m.recent[len(m.recent)-1-i]
	}
	return out
}
