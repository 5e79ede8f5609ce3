// Package sqlite keeps the mutation journal: one row per place, modify or
// cancel attempt with its outcome, for audit.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"tws-bridge/internal/logger"
	"tws-bridge/internal/model"
)

// Journal persists mutation records to SQLite.
type Journal struct {
	db *sql.DB
}

// Open opens (or creates) the journal database at path.
func Open(path string, log *slog.Logger) (*Journal, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	logger.Or(log).With("component", "journal").Info("opened mutation journal", "path", path)
	return &Journal{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS mutations (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id   TEXT    NOT NULL,
			op         TEXT    NOT NULL,
			order_id   INTEGER NOT NULL,
			client_id  INTEGER NOT NULL,
			symbol     TEXT,
			action     TEXT,
			quantity   TEXT,
			result     TEXT    NOT NULL,
			reason     TEXT,
			at         TEXT    NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_mutations_order ON mutations(order_id);
		CREATE INDEX IF NOT EXISTS idx_mutations_trace ON mutations(trace_id);
	`)
	return err
}

// DB returns the underlying sql.DB for health checks.
func (j *Journal) DB() *sql.DB { return j.db }

// Ping checks the database; used by the liveness checker.
func (j *Journal) Ping(ctx context.Context) error { return j.db.PingContext(ctx) }

// Record appends one mutation record.
func (j *Journal) Record(ctx context.Context, r model.MutationRecord) error {
	at := r.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO mutations (trace_id, op, order_id, client_id, symbol, action, quantity, result, reason, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.TraceID, r.Op, r.OrderID, r.ClientID, r.Symbol, r.Action, r.Quantity, r.Result, r.Reason,
		at.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// Recent returns the last limit records, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]model.MutationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, trace_id, op, order_id, client_id, symbol, action, quantity, result, reason, at
		 FROM mutations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.MutationRecord
	for rows.Next() {
		var (
			r                           model.MutationRecord
			symbol, action, qty, reason sql.NullString
			at                          string
		)
		if err := rows.Scan(&r.ID, &r.TraceID, &r.Op, &r.OrderID, &r.ClientID,
			&symbol, &action, &qty, &r.Result, &reason, &at); err != nil {
			return nil, err
		}
		r.Symbol, r.Action, r.Quantity, r.Reason = symbol.String, action.String, qty.String, reason.String
		r.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the journal database.
func (j *Journal) Close() error {
	return j.db.Close()
}
