package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"fpf-engine/internal/outcome"
)

// SignalRow is the persisted form of a final signal.
type SignalRow struct {
	ID          string   `json:"id"`
	InsertedTS  int64    `json:"inserted_ts"`
	Symbol      string   `json:"symbol"`
	TF          string   `json:"tf"`
	Direction   string   `json:"direction"`
	FixHigh     *float64 `json:"fix_high"`
	FixLow      *float64 `json:"fix_low"`
	BreakTS     *int64   `json:"break_ts"`
	BreakPrice  float64  `json:"break_price"`
	VolFix      float64  `json:"vol_fix"`
	AIScore     int      `json:"ai_score"`
	StrengthPct int      `json:"strength_pct"`
	GroupID     string   `json:"group_id"`
	Note        string   `json:"note"`
}

// Repository provides signal persistence.
type Repository struct {
	db *DB
}

// NewRepository wraps a DB.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck pings the database.
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// InsertSignal stores a final signal, assigning an id when absent.
func (r *Repository) InsertSignal(ctx context.Context, row *SignalRow) error {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.InsertedTS == 0 {
		row.InsertedTS = time.Now().UnixMilli()
	}
	query := `
		INSERT INTO signals (id, inserted_ts, symbol, tf, direction, fix_high, fix_low, break_ts, break_price, vol_fix, ai_score, strength_pct, group_id, note)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := r.db.Pool.Exec(
		ctx, query,
		row.ID, row.InsertedTS, row.Symbol, row.TF, row.Direction,
		row.FixHigh, row.FixLow, row.BreakTS, row.BreakPrice, row.VolFix,
		row.AIScore, row.StrengthPct, row.GroupID, row.Note,
	)
	if err != nil {
		return fmt.Errorf("insert signal: %w", err)
	}
	return nil
}

// SignalExists reports whether a signal with the same breakout identity was
// already stored.
func (r *Repository) SignalExists(ctx context.Context, symbol, tf string, breakTS int64) (bool, error) {
	var id string
	err := r.db.Pool.QueryRow(
		ctx,
		`SELECT id FROM signals WHERE symbol = $1 AND tf = $2 AND break_ts = $3 LIMIT 1`,
		symbol, tf, breakTS,
	).Scan(&id)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("fetch signal: %w", err)
	}
	return true, nil
}

// RecentSignals returns the newest stored signals, newest first.
func (r *Repository) RecentSignals(ctx context.Context, limit int) ([]SignalRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Pool.Query(
		ctx,
		`SELECT id, inserted_ts, symbol, tf, direction, fix_high, fix_low, break_ts, break_price, vol_fix, ai_score, strength_pct, group_id, note
		 FROM signals ORDER BY inserted_ts DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent signals: %w", err)
	}
	defer rows.Close()

	var out []SignalRow
	for rows.Next() {
		var s SignalRow
		if err := rows.Scan(
			&s.ID, &s.InsertedTS, &s.Symbol, &s.TF, &s.Direction,
			&s.FixHigh, &s.FixLow, &s.BreakTS, &s.BreakPrice, &s.VolFix,
			&s.AIScore, &s.StrengthPct, &s.GroupID, &s.Note,
		); err != nil {
			return nil, fmt.Errorf("scan signal row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// InsertOutcome stores a measured signal outcome.
func (r *Repository) InsertOutcome(ctx context.Context, res outcome.Result) error {
	query := `
		INSERT INTO signal_outcomes (id, signal_id, symbol, tf, direction, status, entry, sl, tp1, tp2, mfe_r, mae_r, ts_entry, elapsed_min)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := r.db.Pool.Exec(
		ctx, query,
		uuid.NewString(), res.SignalID, res.Symbol, res.TF, res.Direction, res.Status,
		res.Entry, res.SL, res.TP1, res.TP2, res.MFER, res.MAER, res.TSEntry, res.ElapsedMin,
	)
	if err != nil {
		return fmt.Errorf("insert outcome: %w", err)
	}
	return nil
}
