package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/ibrecon/internal/broker"
	"github.com/tathienbao/ibrecon/internal/types"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteStore implements OrderIDStore and ExecutionJournal using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and migrates it.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}

	if err := store.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS order_ids (
			client_id INTEGER PRIMARY KEY,
			last_order_id INTEGER NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS executions (
			exec_id TEXT PRIMARY KEY,
			order_id INTEGER NOT NULL,
			perm_id INTEGER NOT NULL DEFAULT 0,
			client_id INTEGER NOT NULL DEFAULT 0,
			symbol TEXT NOT NULL,
			sec_type TEXT NOT NULL,
			contract_symbol TEXT NOT NULL,
			expiry TEXT,
			strike TEXT,
			right_code TEXT,
			con_id INTEGER NOT NULL DEFAULT 0,
			account TEXT,
			exchange TEXT,
			side TEXT NOT NULL,
			shares INTEGER NOT NULL,
			price TEXT NOT NULL,
			cum_qty INTEGER NOT NULL DEFAULT 0,
			avg_price TEXT NOT NULL DEFAULT '0',
			exec_time DATETIME NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_order_id ON executions(order_id)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_exec_time ON executions(exec_time)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}

	return nil
}

// LoadLastOrderID implements OrderIDStore.
func (s *SQLiteStore) LoadLastOrderID(ctx context.Context, clientID int) (int64, bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_order_id FROM order_ids WHERE client_id = ?`, clientID,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("query last order id: %w", err)
	}
	return id, true, nil
}

// SaveLastOrderID implements OrderIDStore. The stored value only rises.
func (s *SQLiteStore) SaveLastOrderID(ctx context.Context, clientID int, id int64) error {
	query := `INSERT INTO order_ids (client_id, last_order_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET
			last_order_id = MAX(last_order_id, excluded.last_order_id),
			updated_at = excluded.updated_at`

	if _, err := s.db.ExecContext(ctx, query, clientID, id, time.Now()); err != nil {
		return fmt.Errorf("save last order id: %w", err)
	}
	return nil
}

// SaveExecution implements ExecutionJournal. Repeated exec ids are ignored.
func (s *SQLiteStore) SaveExecution(ctx context.Context, e broker.Execution) error {
	query := `INSERT OR IGNORE INTO executions (
			exec_id, order_id, perm_id, client_id, symbol, sec_type, contract_symbol, expiry,
			strike, right_code, con_id, account, exchange, side, shares, price, cum_qty,
			avg_price, exec_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		e.ExecID,
		e.OrderID,
		e.PermID,
		e.ClientID,
		e.Symbol,
		e.Contract.SecType,
		e.Contract.Symbol,
		e.Contract.Expiry,
		e.Contract.Strike.String(),
		e.Contract.Right,
		e.Contract.ConID,
		e.Account,
		e.Exchange,
		e.Side.Action(),
		e.Shares,
		e.Price.String(),
		e.CumQty,
		e.AvgPrice.String(),
		e.Time,
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// ListExecutions implements ExecutionJournal.
func (s *SQLiteStore) ListExecutions(ctx context.Context, from, to time.Time) ([]broker.Execution, error) {
	query := `SELECT exec_id, order_id, perm_id, client_id, symbol, sec_type, contract_symbol,
			expiry, strike, right_code, con_id, account, exchange, side, shares, price, cum_qty,
			avg_price, exec_time
		FROM executions WHERE exec_time BETWEEN ? AND ? ORDER BY exec_time, exec_id`

	rows, err := s.db.QueryContext(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []broker.Execution
	for rows.Next() {
		var (
			e                      broker.Execution
			strike, side           string
			price, avgPrice        string
			expiry, right, account sql.NullString
			exchange               sql.NullString
		)
		err := rows.Scan(
			&e.ExecID,
			&e.OrderID,
			&e.PermID,
			&e.ClientID,
			&e.Symbol,
			&e.Contract.SecType,
			&e.Contract.Symbol,
			&expiry,
			&strike,
			&right,
			&e.Contract.ConID,
			&account,
			&exchange,
			&side,
			&e.Shares,
			&price,
			&e.CumQty,
			&avgPrice,
			&e.Time,
		)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}

		e.Contract.Expiry = expiry.String
		e.Contract.Right = right.String
		e.Account = account.String
		e.Exchange = exchange.String
		e.Contract.Strike, _ = decimal.NewFromString(strike)
		e.Price, _ = decimal.NewFromString(price)
		e.AvgPrice, _ = decimal.NewFromString(avgPrice)
		e.Side = types.SideFromAction(side)
		out = append(out, e)
	}

	return out, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
