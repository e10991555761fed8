// Package storage persists terminal orders and trade cursor checkpoints in
// SQLite.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/GarethWright/magic8bot/internal/domain"
	_ "github.com/glebarez/go-sqlite"
)

// Journal is an append-mostly record of finished orders plus a small
// key/value table for cursors.
type Journal struct {
	db *sql.DB
}

// NewJournal opens (or creates) the journal at dbPath with WAL mode enabled.
func NewJournal(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA cache_size=-2000;", // 2MB cache
		"PRAGMA busy_timeout=5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS metadata (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS orders (
			exchange TEXT NOT NULL,
			id TEXT NOT NULL,
			product_id TEXT NOT NULL,
			status TEXT NOT NULL,
			done_at INTEGER NOT NULL,
			payload BLOB NOT NULL,
			PRIMARY KEY (exchange, id)
		);`,
		`CREATE INDEX IF NOT EXISTS orders_product ON orders (exchange, product_id, done_at);`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	return &Journal{db: db}, nil
}

// RecordOrder stores a terminal order. Only the first terminal report is
// kept, except that a cancel may later be restated as a rejection once the
// order is known to have been post-only.
func (j *Journal) RecordOrder(ctx context.Context, exchange string, o domain.Order) error {
	payload, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}

	doneAt := o.DoneAt
	if doneAt.IsZero() {
		doneAt = time.Now()
	}

	_, err = j.db.ExecContext(ctx,
		`INSERT INTO orders (exchange, id, product_id, status, done_at, payload) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(exchange, id) DO UPDATE SET status = excluded.status, payload = excluded.payload
		WHERE orders.status = ? AND excluded.status = ?`,
		exchange, o.ID, o.ProductID, string(o.Status), doneAt.UnixMilli(), payload,
		string(domain.StatusCancelled), string(domain.StatusRejected),
	)
	if err != nil {
		return fmt.Errorf("failed to insert order %s: %w", o.ID, err)
	}
	return nil
}

// Orders returns recorded orders for one product, oldest first.
func (j *Journal) Orders(ctx context.Context, exchange, productID string) ([]domain.Order, error) {
	rows, err := j.db.QueryContext(ctx,
		"SELECT id, payload FROM orders WHERE exchange = ? AND product_id = ? ORDER BY done_at ASC, id ASC",
		exchange, productID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		var id string
		var payload []byte
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}

		var o domain.Order
		if err := json.Unmarshal(payload, &o); err != nil {
			return nil, fmt.Errorf("failed to unmarshal order %s: %w", id, err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

func cursorKey(exchange, productID string) string {
	return "cursor:" + exchange + ":" + productID
}

// SaveCursor checkpoints the highest trade cursor served for a product.
// Lower values never overwrite a higher checkpoint.
func (j *Journal) SaveCursor(ctx context.Context, exchange, productID string, cursor int64) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO metadata (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at
		 WHERE CAST(excluded.value AS INTEGER) > CAST(metadata.value AS INTEGER)`,
		cursorKey(exchange, productID), strconv.FormatInt(cursor, 10), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

// Cursor returns the last checkpoint, or 0 if none was saved.
func (j *Journal) Cursor(ctx context.Context, exchange, productID string) (int64, error) {
	v, err := j.GetMetadata(ctx, cursorKey(exchange, productID))
	if err != nil || v == "" {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt cursor %q: %w", v, err)
	}
	return n, nil
}

// UpsertMetadata saves a key-value pair to the metadata table.
func (j *Journal) UpsertMetadata(ctx context.Context, key, value string) error {
	_, err := j.db.ExecContext(ctx,
		"INSERT INTO metadata (key, value, updated_at) VALUES (?, ?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at",
		key, value, time.Now().UnixMilli(),
	)
	return err
}

// GetMetadata retrieves a value from the metadata table.
func (j *Journal) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := j.db.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (j *Journal) Close() error {
	return j.db.Close()
}
