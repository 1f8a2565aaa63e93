// Package ledger is the append-only SQLite store of anomaly verdicts.
//
// Every inference run appends one batch per room in a single IMMEDIATE
// transaction. Rows are never updated or deleted: triggers on the
// anomalies table abort any UPDATE or DELETE, so the table is a log
// even for clients that bypass this package. Re-running inference on
// the same readings appends new rows rather than replacing old ones.
//
// Read access serves the two downstream patterns: newest-first listing
// (optionally only anomalies, optionally for one room) and correlating
// a live reading with the nearest anomaly in the same room within a
// small time window. Both are backed by indexes on ts_epoch.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"iot-anomaly-pipeline/models"
	"iot-anomaly-pipeline/sqlitedb"
)

const (
	DefaultLimit  = 500
	MaxLimit      = 5000
	DefaultWithin = 60 * time.Second
)

const schema = `
CREATE TABLE IF NOT EXISTS anomalies (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp  TEXT    NOT NULL,
	room       TEXT    NOT NULL,
	score      REAL    NOT NULL,
	is_anomaly INTEGER NOT NULL CHECK (is_anomaly IN (0, 1)),
	ts_epoch   INTEGER NOT NULL,
	run_id     TEXT    NOT NULL DEFAULT '',
	details    TEXT    NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_anomalies_room_ts ON anomalies (room, ts_epoch);
CREATE INDEX IF NOT EXISTS idx_anomalies_ts ON anomalies (ts_epoch);
CREATE INDEX IF NOT EXISTS idx_anomalies_flag_ts ON anomalies (is_anomaly, ts_epoch);

CREATE TRIGGER IF NOT EXISTS anomalies_no_update
BEFORE UPDATE ON anomalies
BEGIN
	SELECT RAISE(ABORT, 'anomalies is append-only');
END;

CREATE TRIGGER IF NOT EXISTS anomalies_no_delete
BEFORE DELETE ON anomalies
BEGIN
	SELECT RAISE(ABORT, 'anomalies is append-only');
END;
`

const selectColumns = "id, timestamp, room, score, is_anomaly, run_id, details"

// Entry is a stored verdict.
type Entry struct {
	ID int64 `json:"id"`
	models.Verdict
}

// Filter selects entries for Query. Zero values mean no restriction,
// except Limit which defaults to DefaultLimit.
type Filter struct {
	Room          string
	Since         time.Time
	OnlyAnomalies bool
	Limit         int
}

type Config struct {
	// Path is the ledger database file. The parent directory must
	// exist; the file is created on first open.
	Path     string
	PoolSize int
	Logger   *slog.Logger
}

type Ledger struct {
	pool   *sqlitedb.Pool
	logger *slog.Logger
}

// Open opens the ledger and creates the schema if needed.
func Open(cfg Config) (*Ledger, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitedb.Open(sqlitedb.Config{
		Path:     cfg.Path,
		PoolSize: poolSize,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}

	ledger := &Ledger{pool: pool, logger: logger}
	if err := ledger.migrate(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ledger: creating schema: %w", err)
	}
	return ledger, nil
}

func (l *Ledger) migrate() error {
	conn, err := l.pool.Take(context.Background())
	if err != nil {
		return err
	}
	defer l.pool.Put(conn)

	return sqlitex.ExecuteScript(conn, schema, nil)
}

func (l *Ledger) Close() error {
	return l.pool.Close()
}

// Ping checks that the ledger is readable.
func (l *Ledger) Ping(ctx context.Context) error {
	_, err := l.Count(ctx, "")
	return err
}

// Append writes verdicts in one transaction: either every row becomes
// visible or none does. runID is stamped on every row.
func (l *Ledger) Append(ctx context.Context, runID string, verdicts []models.Verdict) (err error) {
	if len(verdicts) == 0 {
		return nil
	}

	conn, err := l.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("ledger: append: %w", err)
	}
	defer l.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("ledger: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	stmt, err := conn.Prepare(`INSERT INTO anomalies
		(timestamp, room, score, is_anomaly, ts_epoch, run_id, details)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("ledger: prepare insert: %w", err)
	}

	for i := range verdicts {
		v := &verdicts[i]
		ts := v.Timestamp.UTC()

		stmt.BindText(1, ts.Format(time.RFC3339Nano))
		stmt.BindText(2, v.Room)
		stmt.BindFloat(3, v.Score)
		stmt.BindInt64(4, int64(v.AnomalyFlag()))
		stmt.BindInt64(5, ts.Unix())
		stmt.BindText(6, runID)
		stmt.BindText(7, v.Details)

		if _, err = stmt.Step(); err != nil {
			return fmt.Errorf("ledger: insert verdict for room %s: %w", v.Room, err)
		}
		if err = stmt.Reset(); err != nil {
			return fmt.Errorf("ledger: reset insert: %w", err)
		}
	}
	return nil
}

// Query returns matching entries newest first.
func (l *Ledger) Query(ctx context.Context, filter Filter) ([]Entry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	query := "SELECT " + selectColumns + " FROM anomalies WHERE 1=1"
	var args []any
	if filter.Room != "" {
		query += " AND room = ?"
		args = append(args, filter.Room)
	}
	if !filter.Since.IsZero() {
		query += " AND ts_epoch >= ?"
		args = append(args, filter.Since.Unix())
	}
	if filter.OnlyAnomalies {
		query += " AND is_anomaly = 1"
	}
	query += " ORDER BY ts_epoch DESC, id DESC LIMIT ?"
	args = append(args, limit)

	conn, err := l.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: query: %w", err)
	}
	defer l.pool.Put(conn)

	var entries []Entry
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			entry, err := scanEntry(stmt)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: query: %w", err)
	}
	return entries, nil
}

// Nearest returns the anomaly in room closest in time to at, within
// the given distance (DefaultWithin when zero), or nil when there is
// none.
func (l *Ledger) Nearest(ctx context.Context, room string, at time.Time, within time.Duration) (*Entry, error) {
	if room == "" {
		return nil, errors.New("ledger: nearest: room is required")
	}
	if within <= 0 {
		within = DefaultWithin
	}
	epoch := at.Unix()
	seconds := int64(within / time.Second)

	conn, err := l.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: nearest: %w", err)
	}
	defer l.pool.Put(conn)

	var found *Entry
	err = sqlitex.Execute(conn,
		"SELECT "+selectColumns+` FROM anomalies
		WHERE room = ? AND is_anomaly = 1 AND ts_epoch BETWEEN ? AND ?
		ORDER BY ABS(ts_epoch - ?) ASC, id DESC
		LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: []any{room, epoch - seconds, epoch + seconds, epoch},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				entry, err := scanEntry(stmt)
				if err != nil {
					return err
				}
				found = &entry
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("ledger: nearest: %w", err)
	}
	return found, nil
}

// Count returns the number of rows, for one room or all rooms when room
// is empty.
func (l *Ledger) Count(ctx context.Context, room string) (int64, error) {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("ledger: count: %w", err)
	}
	defer l.pool.Put(conn)

	query := "SELECT COUNT(*) FROM anomalies"
	var args []any
	if room != "" {
		query += " WHERE room = ?"
		args = append(args, room)
	}

	var count int64
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			count = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("ledger: count: %w", err)
	}
	return count, nil
}

func scanEntry(stmt *sqlite.Stmt) (Entry, error) {
	ts, err := time.Parse(time.RFC3339Nano, stmt.ColumnText(1))
	if err != nil {
		return Entry{}, fmt.Errorf("ledger: row %d: parsing timestamp: %w", stmt.ColumnInt64(0), err)
	}
	return Entry{
		ID: stmt.ColumnInt64(0),
		Verdict: models.Verdict{
			Timestamp: ts,
			Room:      stmt.ColumnText(2),
			Score:     stmt.ColumnFloat(3),
			IsAnomaly: stmt.ColumnInt64(4) == 1,
			RunID:     stmt.ColumnText(5),
			Details:   stmt.ColumnText(6),
		},
	}, nil
}
