package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"tradecore/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ RunStore = (*SQLiteStore)(nil)

// SQLiteStore implements RunStore backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, creates the
// schema if needed and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating %s: %w", dbPath, err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			strategy TEXT NOT NULL,
			symbol TEXT NOT NULL,
			params_json TEXT NOT NULL,
			start_ts INTEGER NOT NULL,
			end_ts INTEGER NOT NULL,
			bars INTEGER NOT NULL,
			initial_cash REAL NOT NULL,
			final_equity REAL NOT NULL,
			total_return REAL NOT NULL,
			sharpe_ratio REAL NOT NULL,
			max_drawdown REAL NOT NULL,
			total_trades INTEGER NOT NULL,
			win_rate REAL NOT NULL,
			profit_factor REAL NOT NULL,
			stopped TEXT,
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS run_orders (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			size REAL NOT NULL,
			type TEXT NOT NULL,
			limit_price REAL NOT NULL,
			stop_price REAL NOT NULL,
			sl_price REAL NOT NULL,
			tp_price REAL NOT NULL,
			state TEXT NOT NULL,
			role TEXT NOT NULL,
			position_id TEXT,
			placed_at INTEGER,
			filled_at INTEGER,
			filled_price REAL NOT NULL,
			PRIMARY KEY (run_id, seq),
			FOREIGN KEY(run_id) REFERENCES runs(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS run_positions (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			size REAL NOT NULL,
			entry_price REAL NOT NULL,
			entry_fee REAL NOT NULL,
			entry_at INTEGER,
			exit_price REAL NOT NULL,
			exit_fee REAL NOT NULL,
			exit_at INTEGER,
			realized_pl REAL NOT NULL,
			PRIMARY KEY (run_id, seq),
			FOREIGN KEY(run_id) REFERENCES runs(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS run_equity (
			run_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			equity REAL NOT NULL,
			FOREIGN KEY(run_id) REFERENCES runs(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_run_equity_run ON run_equity(run_id, ts);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// RunStore implementation
// ---------------------------------------------------------------------------

// SaveRun inserts run and its rows in one transaction. Saving an id that
// already exists replaces the previous run.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *Run) (err error) {
	params, err := json.Marshal(run.Params)
	if err != nil {
		return fmt.Errorf("encoding params: %w", err)
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, run.ID); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs
			(id, strategy, symbol, params_json, start_ts, end_ts, bars, initial_cash, final_equity,
			total_return, sharpe_ratio, max_drawdown, total_trades, win_rate, profit_factor,
			stopped, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Strategy, run.Symbol, string(params), millis(run.Start), millis(run.End), run.Bars,
		run.InitialCash, run.FinalEquity, run.TotalReturn, run.SharpeRatio, run.MaxDrawdown,
		run.TotalTrades, run.WinRate, run.ProfitFactor, nullString(run.Stopped), millis(run.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting run %s: %w", run.ID, err)
	}

	for i, o := range run.Orders {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO run_orders
				(run_id, seq, id, symbol, size, type, limit_price, stop_price, sl_price, tp_price,
				state, role, position_id, placed_at, filled_at, filled_price)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, i, o.ID, o.Symbol, o.Size, string(o.Type), o.LimitPrice, o.StopPrice, o.SLPrice,
			o.TPPrice, string(o.State), o.Role, nullString(o.PositionID), nullTime(o.PlacedAt),
			nullTime(o.FilledAt), o.FilledPrice)
		if err != nil {
			return fmt.Errorf("inserting order %s: %w", o.ID, err)
		}
	}
	for i, p := range run.Positions {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO run_positions
				(run_id, seq, id, symbol, size, entry_price, entry_fee, entry_at, exit_price,
				exit_fee, exit_at, realized_pl)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, i, p.ID, p.Symbol, p.Size, p.EntryPrice, p.EntryFee, nullTime(p.EntryAt),
			p.ExitPrice, p.ExitFee, nullTime(p.ExitAt), p.RealizedPL)
		if err != nil {
			return fmt.Errorf("inserting position %s: %w", p.ID, err)
		}
	}
	for _, e := range run.Equity {
		_, err = tx.ExecContext(ctx, `INSERT INTO run_equity (run_id, ts, equity) VALUES (?, ?, ?)`,
			run.ID, millis(e.At), e.Equity)
		if err != nil {
			return fmt.Errorf("inserting equity point: %w", err)
		}
	}
	return tx.Commit()
}

const summaryColumns = `id, strategy, symbol, params_json, start_ts, end_ts, bars, initial_cash,
	final_equity, total_return, sharpe_ratio, max_drawdown, total_trades, win_rate, profit_factor,
	stopped, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSummary(row rowScanner) (RunSummary, error) {
	var (
		r                   RunSummary
		params              string
		start, end, created int64
		stopped             sql.NullString
	)
	err := row.Scan(&r.ID, &r.Strategy, &r.Symbol, &params, &start, &end, &r.Bars, &r.InitialCash,
		&r.FinalEquity, &r.TotalReturn, &r.SharpeRatio, &r.MaxDrawdown, &r.TotalTrades, &r.WinRate,
		&r.ProfitFactor, &stopped, &created)
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal([]byte(params), &r.Params); err != nil {
		return r, fmt.Errorf("decoding params of run %s: %w", r.ID, err)
	}
	r.Start, r.End, r.CreatedAt = fromMillis(start), fromMillis(end), fromMillis(created)
	r.Stopped = stopped.String
	return r, nil
}

// GetRun loads the run with the given id, or ErrNotFound.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	summary, err := scanSummary(s.db.QueryRowContext(ctx,
		`SELECT `+summaryColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	run := &Run{RunSummary: summary}

	if run.Orders, err = s.orders(ctx, id); err != nil {
		return nil, err
	}
	if run.Positions, err = s.positions(ctx, id); err != nil {
		return nil, err
	}
	if run.Equity, err = s.equity(ctx, id); err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns up to limit run summaries, newest first. A limit <= 0
// returns all runs.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+summaryColumns+` FROM runs ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		r, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) orders(ctx context.Context, runID string) ([]OrderRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, symbol, size, type, limit_price, stop_price, sl_price, tp_price, state, role,
			position_id, placed_at, filled_at, filled_price
		FROM run_orders WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OrderRow
	for rows.Next() {
		var (
			o              OrderRow
			typ, state     string
			positionID     sql.NullString
			placed, filled sql.NullInt64
		)
		if err := rows.Scan(&o.ID, &o.Symbol, &o.Size, &typ, &o.LimitPrice, &o.StopPrice, &o.SLPrice,
			&o.TPPrice, &state, &o.Role, &positionID, &placed, &filled, &o.FilledPrice); err != nil {
			return nil, err
		}
		o.Type, o.State = domain.OrderType(typ), domain.OrderState(state)
		o.PositionID = positionID.String
		o.PlacedAt, o.FilledAt = fromNullMillis(placed), fromNullMillis(filled)
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) positions(ctx context.Context, runID string) ([]PositionRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, symbol, size, entry_price, entry_fee, entry_at, exit_price, exit_fee, exit_at,
			realized_pl
		FROM run_positions WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PositionRow
	for rows.Next() {
		var (
			p               PositionRow
			entryAt, exitAt sql.NullInt64
		)
		if err := rows.Scan(&p.ID, &p.Symbol, &p.Size, &p.EntryPrice, &p.EntryFee, &entryAt,
			&p.ExitPrice, &p.ExitFee, &exitAt, &p.RealizedPL); err != nil {
			return nil, err
		}
		p.EntryAt, p.ExitAt = fromNullMillis(entryAt), fromNullMillis(exitAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) equity(ctx context.Context, runID string) ([]EquityRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, equity FROM run_equity WHERE run_id = ? ORDER BY ts, rowid`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EquityRow
	for rows.Next() {
		var (
			ts int64
			e  EquityRow
		)
		if err := rows.Scan(&ts, &e.Equity); err != nil {
			return nil, err
		}
		e.At = fromMillis(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Column helpers
// ---------------------------------------------------------------------------

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func fromNullMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64).UTC()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
