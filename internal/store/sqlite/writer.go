// Package sqlite keeps a local journal of every crossing alert. It is an
// audit trail and the source of the "alerts today" counter; indicator state
// is never stored here.
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

const (
	defaultBatchSize  = 50
	defaultFlushDelay = 200 * time.Millisecond
)

// WriterConfig configures the SQLite writer.
type WriterConfig struct {
	DBPath string // path to SQLite database file, e.g. "data/alerts.db"
}

// Writer is a single-goroutine SQLite writer with transaction batching.
type Writer struct {
	db *sql.DB
}

// DB returns the underlying sql.DB for health checks.
func (w *Writer) DB() *sql.DB { return w.db }

func dsn(path string) string {
	return path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
}

// New creates a new SQLite Writer, initializes the database with WAL mode and schema.
func New(cfg WriterConfig) (*Writer, error) {
	db, err := sql.Open("sqlite3", dsn(cfg.DBPath))
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Set connection pool for single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", cfg.DBPath)
	return &Writer{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS alerts (
			id        TEXT    PRIMARY KEY,
			symbol    TEXT    NOT NULL,
			direction TEXT    NOT NULL,
			price     REAL    NOT NULL,
			ema       REAL    NOT NULL,
			deviation REAL    NOT NULL,
			ts        INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_alerts_ts ON alerts (ts);
		CREATE INDEX IF NOT EXISTS idx_alerts_symbol_ts ON alerts (symbol, ts);
	`)
	return err
}

// Run reads alerts from alertCh and inserts them in batched transactions.
// Flushes every batchSize alerts OR every flushDelay, whichever first.
// Blocks until ctx is cancelled or alertCh is closed.
func (w *Writer) Run(ctx context.Context, alertCh <-chan model.Alert) {
	batch := make([]model.Alert, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := w.InsertBatch(batch); err != nil {
			log.Printf("[sqlite] batch insert error (%d alerts): %v", len(batch), err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case a, ok := <-alertCh:
			if !ok {
				flush()
				return
			}
			batch = append(batch, a)
			if len(batch) >= defaultBatchSize {
				flush()
				timer.Reset(defaultFlushDelay)
			}

		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}

// InsertBatch inserts alerts in a single transaction. Re-inserting an
// alert with a known ID is a no-op.
func (w *Writer) InsertBatch(alerts []model.Alert) error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO alerts (id, symbol, direction, price, ema, deviation, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, a := range alerts {
		_, err := stmt.Exec(a.ID, a.Symbol, string(a.Direction), a.Price, a.EMA, a.Deviation, a.TS.UnixMilli())
		if err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

// CountSince returns the number of alerts at or after since.
func (w *Writer) CountSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := w.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM alerts WHERE ts >= ?`, since.UnixMilli()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite count alerts: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (w *Writer) Close() error {
	return w.db.Close()
}
