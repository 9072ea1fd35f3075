package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"ema-sentinel/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// Reader provides read-only access to the alert journal.
type Reader struct {
	db *sql.DB
}

// NewReader opens a SQLite connection for reading.
func NewReader(dbPath string) (*Reader, error) {
	db, err := sql.Open("sqlite3", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("sqlite open reader: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)

	log.Printf("[sqlite-reader] opened %s", dbPath)
	return &Reader{db: db}, nil
}

// Recent returns the latest alerts, newest first. An empty symbol returns
// alerts for every instrument.
func (r *Reader) Recent(ctx context.Context, symbol string, limit int) ([]model.Alert, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		rows *sql.Rows
		err  error
	)
	const cols = `SELECT id, symbol, direction, price, ema, deviation, ts FROM alerts`
	if symbol == "" {
		rows, err = r.db.QueryContext(ctx, cols+` ORDER BY ts DESC LIMIT ?`, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, cols+` WHERE symbol = ? ORDER BY ts DESC LIMIT ?`, symbol, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite query alerts: %w", err)
	}
	defer rows.Close()

	var out []model.Alert
	for rows.Next() {
		var (
			a   model.Alert
			dir string
			ms  int64
		)
		if err := rows.Scan(&a.ID, &a.Symbol, &dir, &a.Price, &a.EMA, &a.Deviation, &ms); err != nil {
			return nil, fmt.Errorf("sqlite scan alerts: %w", err)
		}
		a.Direction = model.Direction(dir)
		a.TS = time.UnixMilli(ms).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

// Close closes the database.
func (r *Reader) Close() error {
	return r.db.Close()
}
