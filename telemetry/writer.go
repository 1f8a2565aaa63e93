package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite/sqlitex"

	"iot-anomaly-pipeline/models"
	"iot-anomaly-pipeline/sqlitedb"
)

// GeneratorSchema is the table the telemetry generator writes.
const GeneratorSchema = `
CREATE TABLE IF NOT EXISTS telemetry (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	brick_uri   TEXT,
	device_id   TEXT,
	temperature REAL,
	humidity    REAL,
	timestamp   TEXT,
	room        TEXT
);
`

const generatorTimeLayout = "2006-01-02T15:04:05Z"

// Writer appends readings to a database laid out like the generator's.
// It exists for local seeding and tests; the pipeline itself only reads.
type Writer struct {
	pool   *sqlitedb.Pool
	logger *slog.Logger
}

func OpenWriter(path string, logger *slog.Logger) (*Writer, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	pool, err := sqlitedb.Open(sqlitedb.Config{Path: path, PoolSize: 1, Logger: logger})
	if err != nil {
		return nil, err
	}

	conn, err := pool.Take(context.Background())
	if err != nil {
		pool.Close()
		return nil, err
	}
	err = sqlitex.ExecuteScript(conn, GeneratorSchema, nil)
	pool.Put(conn)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("telemetry: creating schema: %w", err)
	}

	return &Writer{pool: pool, logger: logger}, nil
}

func (w *Writer) Close() error {
	return w.pool.Close()
}

// Write inserts readings in one transaction; an invalid reading rolls
// the whole batch back. Temperature or humidity missing from Values is
// stored as NULL.
func (w *Writer) Write(ctx context.Context, readings []models.Reading) (err error) {
	conn, err := w.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer w.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("telemetry: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	for i := range readings {
		r := &readings[i]
		if err = r.Validate(); err != nil {
			return fmt.Errorf("telemetry: reading %d: %w", i, err)
		}
		err = sqlitex.Execute(conn, `INSERT INTO telemetry
			(brick_uri, device_id, temperature, humidity, timestamp, room)
			VALUES (?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{
				Args: []any{
					"urn:building#" + r.Room,
					r.Room + "-sensor",
					nullable(r, "temperature"),
					nullable(r, "humidity"),
					r.Timestamp.UTC().Format(generatorTimeLayout),
					r.Room,
				},
			})
		if err != nil {
			return fmt.Errorf("telemetry: insert reading for room %s: %w", r.Room, err)
		}
	}

	w.logger.Debug("readings written", "count", len(readings))
	return nil
}

func nullable(r *models.Reading, column string) any {
	v, ok := r.Value(column)
	if !ok {
		return nil
	}
	return v
}

// Exec runs raw SQL against the writer's database.
func (w *Writer) Exec(ctx context.Context, query string, args ...any) error {
	conn, err := w.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer w.pool.Put(conn)
	return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args})
}
