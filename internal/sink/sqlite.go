package sink

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const createSQLiteReadings = `
CREATE TABLE IF NOT EXISTS g3_readings (
	time   TEXT NOT NULL,
	device TEXT NOT NULL,
	metric TEXT NOT NULL,
	value  REAL NOT NULL,
	unit   TEXT NOT NULL
)`

// timeLayout is fixed width so rows sort by time as text
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const createSQLiteIndex = `CREATE INDEX IF NOT EXISTS idx_g3_readings_device_time ON g3_readings(device, time DESC)`

// SQLiteSink keeps readings in a local database file, useful when the
// glasses are monitored from a laptop without a central store.
type SQLiteSink struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteSink opens (or creates) the database at path
func NewSQLiteSink(ctx context.Context, path string, logger *slog.Logger) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, query := range []string{createSQLiteReadings, createSQLiteIndex} {
		if _, err := db.ExecContext(ctx, query); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
	}
	return &SQLiteSink{db: db, logger: logger}, nil
}

// Write inserts all readings in one transaction
func (s *SQLiteSink) Write(ctx context.Context, readings ...Reading) error {
	if len(readings) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO g3_readings (time, device, metric, value, unit) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range readings {
		if _, err := stmt.ExecContext(ctx, r.Timestamp.UTC().Format(timeLayout), r.Device, r.Metric, r.Value, r.Unit); err != nil {
			return fmt.Errorf("failed to insert reading: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit readings: %w", err)
	}
	s.logger.Debug("Stored readings", "rows", len(readings))
	return nil
}

// Latest returns the newest reading of metric for device
func (s *SQLiteSink) Latest(ctx context.Context, device, metric string) (Reading, error) {
	var (
		r  = Reading{Device: device, Metric: metric}
		ts string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT time, value, unit FROM g3_readings WHERE device = ? AND metric = ? ORDER BY time DESC LIMIT 1`,
		device, metric,
	).Scan(&ts, &r.Value, &r.Unit)
	if err != nil {
		return Reading{}, fmt.Errorf("failed to query latest reading: %w", err)
	}
	if r.Timestamp, err = parseTime(ts); err != nil {
		return Reading{}, err
	}
	return r, nil
}

// Close closes the database file
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored time %q: %w", s, err)
	}
	return t, nil
}
