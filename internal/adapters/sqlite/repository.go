package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"fusionbot/internal/domain"
	"fusionbot/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Repository implements ports.PositionStore and ports.StateStore using SQLite.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
	now    func() time.Time
}

var (
	_ ports.PositionStore = (*Repository)(nil)
	_ ports.StateStore    = (*Repository)(nil)
)

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
	Now    func() time.Time // Optional clock, defaults to time.Now
}

// NewRepository opens (or creates) the ledger database and ensures the schema.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/fusionbot.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// Single writer: every close is one transaction on one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	repo := NewWithDB(db, cfg.Logger, cfg.Now)
	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "SQLite ledger ready", map[string]interface{}{"path": dbPath})
	return repo, nil
}

// NewWithDB wraps an already opened database without touching the schema.
func NewWithDB(db *sql.DB, logger ports.Logger, now func() time.Time) *Repository {
	if now == nil {
		now = time.Now
	}
	return &Repository{db: db, logger: logger, now: now}
}

func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS positions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		entry_price REAL NOT NULL,
		quantity REAL NOT NULL CHECK (quantity > 0),
		virtual_sl REAL NOT NULL,
		virtual_tp REAL NOT NULL,
		catastrophe_sl REAL NOT NULL,
		entry_order_id TEXT NOT NULL DEFAULT '',
		exchange_stop_order_id TEXT DEFAULT NULL,
		status TEXT NOT NULL,
		opened_at TIMESTAMP NOT NULL,
		exit_price REAL DEFAULT NULL,
		exit_reason TEXT DEFAULT NULL,
		exit_order_id TEXT DEFAULT NULL,
		closed_at TIMESTAMP DEFAULT NULL,
		pnl_amount REAL DEFAULT NULL,
		pnl_percent REAL DEFAULT NULL,
		unverified INTEGER NOT NULL DEFAULT 0,
		signal_id TEXT NOT NULL DEFAULT '',
		headline TEXT NOT NULL DEFAULT '',
		confidence INTEGER NOT NULL DEFAULT 0,
		reasoning TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS system_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_positions_symbol_status ON positions (symbol, status);
	CREATE INDEX IF NOT EXISTS idx_positions_status_opened ON positions (status, opened_at);
	CREATE INDEX IF NOT EXISTS idx_positions_closed_at ON positions (closed_at);
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

const positionColumns = `
	id, symbol, side, entry_price, quantity, virtual_sl, virtual_tp, catastrophe_sl,
	entry_order_id, exchange_stop_order_id, status, opened_at, exit_price, exit_reason,
	exit_order_id, closed_at, pnl_amount, pnl_percent, unverified, signal_id, headline,
	confidence, reasoning`

// --- PositionStore Implementation ---

// Create saves a new position and returns its assigned ID.
func (r *Repository) Create(ctx context.Context, pos *domain.Position) (int64, error) {
	if err := pos.Validate(); err != nil {
		return 0, fmt.Errorf("refusing to persist invalid position: %w: %w", ports.ErrInvalidRequest, err)
	}
	if pos.Status == 0 {
		pos.Status = domain.StatusOpen
	}
	if pos.OpenedAt.IsZero() {
		pos.OpenedAt = r.now()
	}
	pos.OpenedAt = pos.OpenedAt.UTC()

	const query = `
	INSERT INTO positions (symbol, side, entry_price, quantity, virtual_sl, virtual_tp, catastrophe_sl,
	                       entry_order_id, exchange_stop_order_id, status, opened_at,
	                       signal_id, headline, confidence, reasoning)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := r.db.ExecContext(ctx, query,
		pos.Symbol, pos.Side.String(), pos.EntryPrice, pos.Quantity, pos.VirtualSL, pos.VirtualTP, pos.CatastropheSL,
		pos.EntryOrderID, nullString(pos.ExchangeStopOrderID), pos.Status.String(), pos.OpenedAt,
		pos.SignalID, pos.Headline, pos.Confidence, pos.Reasoning)
	if err != nil {
		return 0, fmt.Errorf("failed to insert position for symbol %s: %w: %w", pos.Symbol, ports.ErrQueryFailed, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for position %s: %w", pos.Symbol, err)
	}
	pos.ID = id
	r.logger.Debug(ctx, "Position created", map[string]interface{}{"positionID": id, "symbol": pos.Symbol})
	return id, nil
}

// GetByID retrieves a position by its ID. Returns nil, nil if not found.
func (r *Repository) GetByID(ctx context.Context, id int64) (*domain.Position, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = ?`, id)
	pos, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query position by ID %d: %w", id, err)
	}
	return pos, nil
}

// GetOpen retrieves all open positions, oldest first.
func (r *Repository) GetOpen(ctx context.Context) ([]*domain.Position, error) {
	return r.queryPositions(ctx, "GetOpen",
		`SELECT `+positionColumns+` FROM positions WHERE status IN (?, ?) ORDER BY opened_at ASC, id ASC`,
		domain.StatusOpen.String(), domain.StatusClosing.String())
}

// GetOpenBySymbol retrieves the open positions of one symbol.
func (r *Repository) GetOpenBySymbol(ctx context.Context, symbol string) ([]*domain.Position, error) {
	return r.queryPositions(ctx, "GetOpenBySymbol",
		`SELECT `+positionColumns+` FROM positions WHERE symbol = ? AND status IN (?, ?) ORDER BY opened_at ASC, id ASC`,
		symbol, domain.StatusOpen.String(), domain.StatusClosing.String())
}

// CountOpen counts all open positions.
func (r *Repository) CountOpen(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM positions WHERE status IN (?, ?)`,
		domain.StatusOpen.String(), domain.StatusClosing.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count open positions: %w", err)
	}
	return count, nil
}

// CountOpenBySymbol counts the open positions of one symbol.
func (r *Repository) CountOpenBySymbol(ctx context.Context, symbol string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM positions WHERE symbol = ? AND status IN (?, ?)`,
		symbol, domain.StatusOpen.String(), domain.StatusClosing.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count open positions for %s: %w", symbol, err)
	}
	return count, nil
}

// CloseTrade marks a position closed in one transaction. The PnL is derived from
// the exit price; both stay NULL when the exit price is unknown.
func (r *Repository) CloseTrade(ctx context.Context, id int64, req ports.CloseRequest) (*domain.Position, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin close transaction for position %d: %w", id, err)
	}
	defer tx.Rollback() // No-op after commit

	row := tx.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = ?`, id)
	pos, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("position %d: %w", id, ports.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load position %d for close: %w", id, err)
	}
	if pos.Status == domain.StatusClosed {
		return pos, ports.ErrAlreadyClosed
	}
	if !pos.Status.CanTransition(domain.StatusClosed) {
		return nil, fmt.Errorf("position %d cannot close from status %s: %w", id, pos.Status, ports.ErrInvalidRequest)
	}

	closedAt := req.ClosedAt
	if closedAt.IsZero() {
		closedAt = r.now()
	}
	closedAt = closedAt.UTC()

	var pnlAmount, pnlPercent *float64
	if req.ExitPrice != nil {
		amt, pct := domain.ComputePnL(pos.Side, pos.EntryPrice, *req.ExitPrice, pos.Quantity)
		pnlAmount, pnlPercent = &amt, &pct
	}

	const update = `
	UPDATE positions
	SET status = ?, exit_price = ?, exit_reason = ?, exit_order_id = ?, closed_at = ?,
	    pnl_amount = ?, pnl_percent = ?, unverified = ?
	WHERE id = ? AND status <> ?`
	res, err := tx.ExecContext(ctx, update,
		domain.StatusClosed.String(), nullFloat(req.ExitPrice), req.Reason.String(), nullString(req.ExitOrderID), closedAt,
		nullFloat(pnlAmount), nullFloat(pnlPercent), req.Unverified,
		id, domain.StatusClosed.String())
	if err != nil {
		return nil, fmt.Errorf("failed to close position %d: %w: %w", id, ports.ErrUpdateFailed, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected closing position %d: %w", id, err)
	}
	if affected == 0 {
		return nil, fmt.Errorf("position %d not updated: %w", id, ports.ErrUpdateFailed)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit close of position %d: %w: %w", id, ports.ErrUpdateFailed, err)
	}

	pos.Status = domain.StatusClosed
	pos.ExitPrice = req.ExitPrice
	pos.ExitReason = req.Reason
	pos.ExitOrderID = req.ExitOrderID
	pos.ClosedAt = &closedAt
	pos.PnLAmount = pnlAmount
	pos.PnLPercent = pnlPercent
	pos.Unverified = req.Unverified

	r.logger.Debug(ctx, "Position closed in ledger", map[string]interface{}{"positionID": id, "reason": req.Reason.String()})
	return pos, nil
}

// UpdateStopOrderID replaces the protective order reference of a position.
func (r *Repository) UpdateStopOrderID(ctx context.Context, id int64, orderID *string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE positions SET exchange_stop_order_id = ? WHERE id = ?`, nullString(orderID), id)
	if err != nil {
		return fmt.Errorf("failed to update stop order of position %d: %w: %w", id, ports.ErrUpdateFailed, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for position %d: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("position %d not found for stop update: %w", id, ports.ErrNotFound)
	}
	return nil
}

// MarkClosing moves an OPEN position to CLOSING and records why it is being
// closed. It runs before any exit order is sent.
func (r *Repository) MarkClosing(ctx context.Context, id int64, reason domain.ExitReason) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE positions SET status = ?, exit_reason = ? WHERE id = ? AND status = ?`,
		domain.StatusClosing.String(), reason.String(), id, domain.StatusOpen.String())
	if err != nil {
		return fmt.Errorf("failed to mark position %d closing: %w: %w", id, ports.ErrUpdateFailed, err)
	}
	return r.expectOneRow(ctx, res, id, domain.StatusOpen)
}

// RecordExitFill stores the realized exit of a CLOSING position.
func (r *Repository) RecordExitFill(ctx context.Context, id int64, exitPrice float64, exitOrderID string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE positions SET exit_price = ?, exit_order_id = ? WHERE id = ? AND status = ?`,
		exitPrice, exitOrderID, id, domain.StatusClosing.String())
	if err != nil {
		return fmt.Errorf("failed to record exit fill of position %d: %w: %w", id, ports.ErrUpdateFailed, err)
	}
	return r.expectOneRow(ctx, res, id, domain.StatusClosing)
}

// expectOneRow tells a missing position apart from one in the wrong status.
func (r *Repository) expectOneRow(ctx context.Context, res sql.Result, id int64, want domain.PositionStatus) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for position %d: %w", id, err)
	}
	if affected == 1 {
		return nil
	}
	pos, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if pos == nil {
		return fmt.Errorf("position %d: %w", id, ports.ErrNotFound)
	}
	return fmt.Errorf("position %d is %s, expected %s: %w", id, pos.Status, want, ports.ErrInvalidRequest)
}

// GetZombie returns open positions older than maxAgeHours.
func (r *Repository) GetZombie(ctx context.Context, maxAgeHours float64) ([]*domain.Position, error) {
	cutoff := r.now().Add(-time.Duration(maxAgeHours * float64(time.Hour))).UTC()
	return r.queryPositions(ctx, "GetZombie",
		`SELECT `+positionColumns+` FROM positions WHERE status IN (?, ?) AND opened_at < ? ORDER BY opened_at ASC`,
		domain.StatusOpen.String(), domain.StatusClosing.String(), cutoff)
}

// GetClosedSince returns positions closed at or after since, oldest first.
func (r *Repository) GetClosedSince(ctx context.Context, since time.Time) ([]*domain.Position, error) {
	return r.queryPositions(ctx, "GetClosedSince",
		`SELECT `+positionColumns+` FROM positions WHERE status = ? AND closed_at >= ? ORDER BY closed_at ASC, id ASC`,
		domain.StatusClosed.String(), since.UTC())
}

// --- StateStore Implementation ---

// GetState reads a system state value.
func (r *Repository) GetState(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM system_state WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read state %s: %w", key, err)
	}
	return value, true, nil
}

// SetState upserts a system state value.
func (r *Repository) SetState(ctx context.Context, key, value string) error {
	const query = `
	INSERT INTO system_state (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	if _, err := r.db.ExecContext(ctx, query, key, value, r.now().UTC()); err != nil {
		return fmt.Errorf("failed to write state %s: %w", key, err)
	}
	return nil
}

// --- Helpers ---

func (r *Repository) queryPositions(ctx context.Context, op, query string, args ...interface{}) ([]*domain.Position, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s query failed: %w: %w", op, ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	positions := make([]*domain.Position, 0)
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position during %s: %w", op, err)
		}
		positions = append(positions, pos)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating position rows in %s: %w", op, err)
	}
	return positions, nil
}

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(s scanner) (*domain.Position, error) {
	p := &domain.Position{}
	var (
		side, status                 string
		stopOrderID, exitOrderID     sql.NullString
		exitReason                   sql.NullString
		exitPrice, pnlAmount, pnlPct sql.NullFloat64
		closedAt                     sql.NullTime
		unverified                   bool
	)
	err := s.Scan(
		&p.ID, &p.Symbol, &side, &p.EntryPrice, &p.Quantity, &p.VirtualSL, &p.VirtualTP, &p.CatastropheSL,
		&p.EntryOrderID, &stopOrderID, &status, &p.OpenedAt, &exitPrice, &exitReason,
		&exitOrderID, &closedAt, &pnlAmount, &pnlPct, &unverified, &p.SignalID, &p.Headline,
		&p.Confidence, &p.Reasoning)
	if err != nil {
		return nil, err // sql.ErrNoRows handled by callers
	}

	if p.Side, err = domain.ParseSide(side); err != nil {
		return nil, err
	}
	if p.Status, err = domain.ParsePositionStatus(status); err != nil {
		return nil, err
	}
	if exitReason.Valid {
		if p.ExitReason, err = domain.ParseExitReason(exitReason.String); err != nil {
			return nil, err
		}
	}
	p.ExchangeStopOrderID = fromNullString(stopOrderID)
	p.ExitOrderID = fromNullString(exitOrderID)
	p.ExitPrice = fromNullFloat(exitPrice)
	p.PnLAmount = fromNullFloat(pnlAmount)
	p.PnLPercent = fromNullFloat(pnlPct)
	if closedAt.Valid {
		t := closedAt.Time
		p.ClosedAt = &t
	}
	p.Unverified = unverified
	return p, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func fromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func fromNullFloat(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	f := nf.Float64
	return &f
}
