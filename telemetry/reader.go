// Package telemetry reads per-room sensor readings from the producer's
// SQLite database. The database is opened read-only; the reader never
// writes to it.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"iot-anomaly-pipeline/models"
	"iot-anomaly-pipeline/sqlitedb"
)

var (
	ErrSourceMissing = errors.New("telemetry source store not found")
	ErrTableMissing  = errors.New("telemetry table not found")
)

// MissingColumnsError lists every required column absent from the table.
type MissingColumnsError struct {
	Table   string
	Columns []string
}

func (e *MissingColumnsError) Error() string {
	return fmt.Sprintf("table %s is missing columns: %s", e.Table, strings.Join(e.Columns, ", "))
}

type SourceConfig struct {
	Path           string
	Table          string
	RoomColumn     string
	TimeColumn     string
	NumericColumns []string
	Logger         *slog.Logger
}

// ReadStats describes one ReadRoom call.
type ReadStats struct {
	Rows              int
	Readings          int
	BadTimestamps     int
	BeforeSince       int
	NonNumericColumns int
}

type Reader struct {
	config SourceConfig
	pool   *sqlitedb.Pool
	logger *slog.Logger
}

// Open opens the source store read-only. A path that does not exist
// fails with ErrSourceMissing.
func Open(cfg SourceConfig) (*Reader, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	info, err := os.Stat(cfg.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrSourceMissing, cfg.Path)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSourceMissing, cfg.Path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrSourceMissing, cfg.Path)
	}

	pool, err := sqlitedb.Open(sqlitedb.Config{
		Path:     cfg.Path,
		PoolSize: 4,
		ReadOnly: true,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceMissing, err)
	}

	return &Reader{config: cfg, pool: pool, logger: logger}, nil
}

func (r *Reader) Close() error {
	return r.pool.Close()
}

// Validate checks that the table exists and carries the room, time and
// numeric columns. Additional columns are ignored.
func (r *Reader) Validate(ctx context.Context) error {
	conn, err := r.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer r.pool.Put(conn)

	exists := false
	err = sqlitex.Execute(conn,
		"SELECT 1 FROM sqlite_master WHERE type IN ('table', 'view') AND name = ?",
		&sqlitex.ExecOptions{
			Args: []any{r.config.Table},
			ResultFunc: func(*sqlite.Stmt) error {
				exists = true
				return nil
			},
		})
	if err != nil {
		// A file that is not a SQLite database fails here first.
		return fmt.Errorf("%w: %s: %v", ErrSourceMissing, r.config.Path, err)
	}
	if !exists {
		return fmt.Errorf("%w: %s in %s", ErrTableMissing, r.config.Table, r.config.Path)
	}

	present := map[string]bool{}
	err = sqlitex.Execute(conn, "SELECT name FROM pragma_table_info(?)", &sqlitex.ExecOptions{
		Args: []any{r.config.Table},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			present[strings.ToLower(stmt.ColumnText(0))] = true
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("telemetry: reading columns of %s: %w", r.config.Table, err)
	}

	required := append([]string{r.config.RoomColumn, r.config.TimeColumn}, r.config.NumericColumns...)
	var missing []string
	for _, col := range required {
		if !present[strings.ToLower(col)] {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return &MissingColumnsError{Table: r.config.Table, Columns: missing}
	}
	return nil
}

// Rooms returns the distinct non-null room identifiers, sorted.
func (r *Reader) Rooms(ctx context.Context) ([]string, error) {
	conn, err := r.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer r.pool.Put(conn)

	room := sqlitedb.QuoteIdent(r.config.RoomColumn)
	query := fmt.Sprintf("SELECT DISTINCT %s FROM %s WHERE %s IS NOT NULL",
		room, sqlitedb.QuoteIdent(r.config.Table), room)

	var rooms []string
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			rooms = append(rooms, stmt.ColumnText(0))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: listing rooms: %w", err)
	}
	sort.Strings(rooms)
	return rooms, nil
}

// ReadRoom returns a room's readings in storage order. Rows whose
// timestamp cannot be parsed are dropped; with a non-zero since, rows
// older than since are dropped. A numeric cell that is NULL or not a
// number is left out of Reading.Values.
func (r *Reader) ReadRoom(ctx context.Context, room string, since time.Time) ([]models.Reading, ReadStats, error) {
	var stats ReadStats

	conn, err := r.pool.Take(ctx)
	if err != nil {
		return nil, stats, err
	}
	defer r.pool.Put(conn)

	columns := make([]string, 0, len(r.config.NumericColumns)+1)
	columns = append(columns, sqlitedb.QuoteIdent(r.config.TimeColumn))
	for _, col := range r.config.NumericColumns {
		columns = append(columns, sqlitedb.QuoteIdent(col))
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?",
		strings.Join(columns, ", "),
		sqlitedb.QuoteIdent(r.config.Table),
		sqlitedb.QuoteIdent(r.config.RoomColumn))

	var readings []models.Reading
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: []any{room},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			stats.Rows++

			ts, ok := columnTime(stmt, 0)
			if !ok {
				stats.BadTimestamps++
				return nil
			}
			if !since.IsZero() && ts.Before(since) {
				stats.BeforeSince++
				return nil
			}

			values := make(map[string]float64, len(r.config.NumericColumns))
			for i, col := range r.config.NumericColumns {
				if v, ok := columnFloat(stmt, i+1); ok {
					values[col] = v
				} else {
					stats.NonNumericColumns++
				}
			}
			readings = append(readings, models.Reading{Room: room, Timestamp: ts, Values: values})
			return nil
		},
	})
	if err != nil {
		return nil, stats, fmt.Errorf("telemetry: reading room %s: %w", room, err)
	}
	stats.Readings = len(readings)

	if stats.BadTimestamps > 0 {
		r.logger.Warn("dropped rows with unparseable timestamps",
			"room", room,
			"dropped", stats.BadTimestamps,
			"rows", stats.Rows,
		)
	}
	return readings, stats, nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

// ParseTimestamp accepts ISO-8601 text with or without zone, fractional
// seconds or the T separator, and numeric Unix seconds. Text without a
// zone is UTC.
func ParseTimestamp(text string) (time.Time, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, text); err == nil {
			return ts.UTC(), true
		}
	}
	if seconds, err := strconv.ParseFloat(text, 64); err == nil {
		return epochTime(seconds)
	}
	return time.Time{}, false
}

func epochTime(seconds float64) (time.Time, bool) {
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return time.Time{}, false
	}
	whole, frac := math.Modf(seconds)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC(), true
}

func columnTime(stmt *sqlite.Stmt, col int) (time.Time, bool) {
	switch stmt.ColumnType(col) {
	case sqlite.TypeInteger:
		return time.Unix(stmt.ColumnInt64(col), 0).UTC(), true
	case sqlite.TypeFloat:
		return epochTime(stmt.ColumnFloat(col))
	case sqlite.TypeText:
		return ParseTimestamp(stmt.ColumnText(col))
	}
	return time.Time{}, false
}

func columnFloat(stmt *sqlite.Stmt, col int) (float64, bool) {
	switch stmt.ColumnType(col) {
	case sqlite.TypeInteger, sqlite.TypeFloat:
		return stmt.ColumnFloat(col), true
	case sqlite.TypeText:
		v, err := strconv.ParseFloat(strings.TrimSpace(stmt.ColumnText(col)), 64)
		if err != nil {
			return 0, false
		}
		return v, true
	}
	return 0, false
}
