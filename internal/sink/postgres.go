package sink

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
)

const createReadingsTable = `
CREATE TABLE IF NOT EXISTS g3_readings (
	time   TIMESTAMPTZ      NOT NULL,
	device TEXT             NOT NULL,
	metric TEXT             NOT NULL,
	value  DOUBLE PRECISION NOT NULL,
	unit   TEXT             NOT NULL
)`

const insertReading = `INSERT INTO g3_readings (time, device, metric, value, unit) VALUES ($1, $2, $3, $4, $5)`

// PostgresSink stores readings in the g3_readings table
type PostgresSink struct {
	mu     sync.Mutex
	conn   *pgx.Conn
	logger *slog.Logger
}

// NewPostgresSink connects and makes sure the readings table exists
func NewPostgresSink(ctx context.Context, connectionString string, logger *slog.Logger) (*PostgresSink, error) {
	conn, err := pgx.Connect(ctx, convertNpgsqlToLibpq(connectionString))
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if _, err := conn.Exec(ctx, createReadingsTable); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to create readings table: %w", err)
	}
	return &PostgresSink{conn: conn, logger: logger}, nil
}

// Write inserts all readings in a single batch
func (p *PostgresSink) Write(ctx context.Context, readings ...Reading) error {
	if len(readings) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range readings {
		batch.Queue(insertReading, r.Timestamp, r.Device, r.Metric, r.Value, r.Unit)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.conn.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert readings: %w", err)
	}
	p.logger.Debug("Stored readings", "rows", len(readings))
	return nil
}

// Close closes the database connection
func (p *PostgresSink) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.Close(context.Background())
}

// convertNpgsqlToLibpq rewrites .NET style keys (Server=, User ID=) into
// libpq keyword/value form. URLs and libpq strings pass through.
func convertNpgsqlToLibpq(connStr string) string {
	if strings.HasPrefix(connStr, "postgres://") || strings.HasPrefix(connStr, "postgresql://") {
		return connStr
	}

	replacements := []struct{ from, to string }{
		{"User ID=", "user="},
		{"UserID=", "user="},
		{"Username=", "user="},
		{"Server=", "host="},
		{"Host=", "host="},
		{"Database=", "dbname="},
		{"Port=", "port="},
		{"Password=", "password="},
	}
	for _, r := range replacements {
		connStr = strings.ReplaceAll(connStr, r.from, r.to)
	}
	return strings.Join(strings.FieldsFunc(connStr, func(r rune) bool { return r == ';' }), " ")
}
