// Package config builds the single configuration object for the
// anomaly pipeline.
//
// Values are layered, later layers winning:
//   - built-in defaults (Default)
//   - environment variables, after an optional .env file
//   - a YAML file named by --config
//   - command-line flags
//
// Components never read the environment themselves; main turns the
// loaded Config into the pipeline's Config.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"iot-anomaly-pipeline/analytics"
	"iot-anomaly-pipeline/pipeline"
	"iot-anomaly-pipeline/retry"
	"iot-anomaly-pipeline/telemetry"
)

type Config struct {
	Source         string   `yaml:"source"`
	Table          string   `yaml:"table"`
	RoomColumn     string   `yaml:"room_column"`
	TimeColumn     string   `yaml:"time_column"`
	NumericColumns []string `yaml:"numeric_columns"`

	ModelsDir     string  `yaml:"models_dir"`
	Contamination float64 `yaml:"contamination"`
	LedgerPath    string  `yaml:"ledger"`
	MinSamples    int     `yaml:"min_samples"`

	Workers       int           `yaml:"workers"`
	InferWindow   time.Duration `yaml:"window"`
	RollingWindow int           `yaml:"rolling_window"`
	ZClip         float64       `yaml:"z_clip"`
	Rooms         []string      `yaml:"rooms"`

	Trees      int    `yaml:"trees"`
	MaxSamples int    `yaml:"max_samples"`
	Seed       uint64 `yaml:"seed"`

	RetryAttempts int           `yaml:"retry_attempts"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`

	RedisAddr    string        `yaml:"redis"`
	RedisLockTTL time.Duration `yaml:"redis_lock_ttl"`
	MetricsFile  string        `yaml:"metrics_file"`
	Listen       string        `yaml:"listen"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// ConfigFile is the YAML file the config was read from, if any.
	ConfigFile string `yaml:"-"`
}

func Default() *Config {
	workers := runtime.NumCPU()
	if workers > 8 {
		workers = 8
	}
	if workers < 1 {
		workers = 1
	}

	return &Config{
		Source:         "/data/telemetry.db",
		Table:          "telemetry",
		RoomColumn:     "room",
		TimeColumn:     "timestamp",
		NumericColumns: []string{"temperature", "humidity"},
		ModelsDir:      "models",
		Contamination:  0.02,
		LedgerPath:     "/data/anomalies.db",
		MinSamples:     10,
		Workers:        workers,
		ZClip:          3.0,
		Trees:          100,
		MaxSamples:     256,
		Seed:           42,
		RetryAttempts:  3,
		RetryBackoff:   200 * time.Millisecond,
		RedisLockTTL:   30 * time.Second,
		Listen:         ":5000",
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

// LoadEnvFile loads KEY=VALUE pairs from path into the process
// environment without overriding variables already set. A missing file
// is not an error.
func LoadEnvFile(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Load builds a Config from defaults, getenv, the --config YAML file
// and args, in that order of precedence. It returns pflag.ErrHelp when
// --help is given.
func Load(name string, args []string, getenv func(string) string, usage io.Writer) (*Config, error) {
	cfg := Default()
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}

	// First pass only finds --config; flags are applied again on top of
	// the file below.
	parsed := cfg.flagSet(name, io.Discard)
	if err := parsed.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			fmt.Fprintf(usage, "Usage of %s:\n", name)
			cfg.flagSet(name, usage).PrintDefaults()
		}
		return nil, err
	}

	if cfg.ConfigFile != "" {
		if err := cfg.applyFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
		flags := cfg.flagSet(name, usage)
		if err := flags.Parse(args); err != nil {
			return nil, err
		}
		parsed = flags
	}

	if rest := parsed.Args(); len(rest) > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	return cfg, nil
}

func (c *Config) flagSet(name string, output io.Writer) *pflag.FlagSet {
	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flags.SetOutput(output)

	flags.StringVar(&c.ConfigFile, "config", c.ConfigFile, "YAML configuration file")
	flags.StringVar(&c.Source, "source", c.Source, "telemetry SQLite database")
	flags.StringVar(&c.Table, "table", c.Table, "telemetry table")
	flags.StringVar(&c.RoomColumn, "room-col", c.RoomColumn, "room identifier column")
	flags.StringVar(&c.TimeColumn, "time-col", c.TimeColumn, "timestamp column")
	flags.StringSliceVar(&c.NumericColumns, "numeric-cols", c.NumericColumns, "numeric feature columns, in order")
	flags.StringVar(&c.ModelsDir, "models-dir", c.ModelsDir, "directory holding one model per room")
	flags.Float64Var(&c.Contamination, "contamination", c.Contamination, "expected anomaly fraction, in [0, 0.5)")
	flags.StringVar(&c.LedgerPath, "ledger", c.LedgerPath, "anomaly ledger SQLite database")
	flags.IntVar(&c.MinSamples, "min-samples", c.MinSamples, "minimum feature vectors to train a room")
	flags.IntVar(&c.Workers, "workers", c.Workers, "rooms processed in parallel")
	flags.DurationVar(&c.InferWindow, "window", c.InferWindow, "score only readings newer than this (0 scores all)")
	flags.IntVar(&c.RollingWindow, "rolling-window", c.RollingWindow, "rolling statistics window in readings (0 disables)")
	flags.Float64Var(&c.ZClip, "z-clip", c.ZClip, "clip for the rolling z-score feature")
	flags.IntVar(&c.Trees, "trees", c.Trees, "isolation trees per model")
	flags.IntVar(&c.MaxSamples, "max-samples", c.MaxSamples, "training points per tree")
	flags.Uint64Var(&c.Seed, "seed", c.Seed, "random seed for training")
	flags.IntVar(&c.RetryAttempts, "retry-attempts", c.RetryAttempts, "attempts for model and ledger writes")
	flags.DurationVar(&c.RetryBackoff, "retry-backoff", c.RetryBackoff, "initial backoff between write attempts")
	flags.StringSliceVar(&c.Rooms, "rooms", c.Rooms, "only process these rooms")
	flags.StringVar(&c.RedisAddr, "redis", c.RedisAddr, "Redis address for room locks and status (empty disables)")
	flags.DurationVar(&c.RedisLockTTL, "redis-lock-ttl", c.RedisLockTTL, "expiry of a Redis room lock; renewed while held")
	flags.StringVar(&c.MetricsFile, "metrics-file", c.MetricsFile, "write Prometheus metrics here after a run")
	flags.StringVar(&c.Listen, "listen", c.Listen, "listen address for serve")
	flags.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")
	flags.StringVar(&c.LogFormat, "log-format", c.LogFormat, "text or json")
	return flags
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if getenv == nil {
		return nil
	}
	env := envReader{getenv: getenv}

	c.Source = env.str(c.Source, "ANOMALY_SOURCE_DB", "TELEMETRY_DB")
	c.Table = env.str(c.Table, "ANOMALY_TABLE")
	c.RoomColumn = env.str(c.RoomColumn, "ANOMALY_ROOM_COLUMN")
	c.TimeColumn = env.str(c.TimeColumn, "ANOMALY_TIME_COLUMN")
	c.NumericColumns = env.list(c.NumericColumns, "ANOMALY_NUMERIC_COLUMNS")
	c.ModelsDir = env.str(c.ModelsDir, "ANOMALY_MODEL_DIR")
	c.Contamination = env.float(c.Contamination, "ANOMALY_CONTAMINATION")
	c.LedgerPath = env.str(c.LedgerPath, "ANOMALY_LEDGER_DB", "ANOMALY_DB")
	c.MinSamples = env.int(c.MinSamples, "ANOMALY_MIN_SAMPLES")
	c.Workers = env.int(c.Workers, "ANOMALY_WORKERS")
	c.InferWindow = env.duration(c.InferWindow, "ANOMALY_INFER_WINDOW")
	c.RollingWindow = env.int(c.RollingWindow, "ANOMALY_ROLLING_WINDOW")
	c.ZClip = env.float(c.ZClip, "ANOMALY_Z_CLIP")
	c.Trees = env.int(c.Trees, "ANOMALY_TREES")
	c.MaxSamples = env.int(c.MaxSamples, "ANOMALY_MAX_SAMPLES")
	c.Seed = env.uint64(c.Seed, "ANOMALY_SEED")
	c.RetryAttempts = env.int(c.RetryAttempts, "ANOMALY_RETRY_ATTEMPTS")
	c.RetryBackoff = env.duration(c.RetryBackoff, "ANOMALY_RETRY_BACKOFF")
	c.Rooms = env.list(c.Rooms, "ANOMALY_ROOMS")
	c.RedisAddr = env.str(c.RedisAddr, "REDIS_ADDR")
	c.RedisLockTTL = env.duration(c.RedisLockTTL, "ANOMALY_REDIS_LOCK_TTL")
	c.MetricsFile = env.str(c.MetricsFile, "ANOMALY_METRICS_FILE")
	c.Listen = env.str(c.Listen, "ANOMALY_LISTEN")
	c.LogLevel = env.str(c.LogLevel, "ANOMALY_LOG_LEVEL")
	c.LogFormat = env.str(c.LogFormat, "ANOMALY_LOG_FORMAT")
	c.ConfigFile = env.str(c.ConfigFile, "ANOMALY_CONFIG")

	return env.err
}

// envReader reads typed values, keeping the first parse error.
type envReader struct {
	getenv func(string) string
	err    error
}

func (e *envReader) lookup(keys ...string) (string, string, bool) {
	for _, key := range keys {
		if value := strings.TrimSpace(e.getenv(key)); value != "" {
			return key, value, true
		}
	}
	return "", "", false
}

func (e *envReader) fail(key, value string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("environment %s=%q: %w", key, value, err)
	}
}

func (e *envReader) str(fallback string, keys ...string) string {
	if _, value, ok := e.lookup(keys...); ok {
		return value
	}
	return fallback
}

func (e *envReader) list(fallback []string, keys ...string) []string {
	_, value, ok := e.lookup(keys...)
	if !ok {
		return fallback
	}
	return splitList(value)
}

func (e *envReader) int(fallback int, keys ...string) int {
	key, value, ok := e.lookup(keys...)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		e.fail(key, value, err)
		return fallback
	}
	return n
}

func (e *envReader) uint64(fallback uint64, keys ...string) uint64 {
	key, value, ok := e.lookup(keys...)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		e.fail(key, value, err)
		return fallback
	}
	return n
}

func (e *envReader) float(fallback float64, keys ...string) float64 {
	key, value, ok := e.lookup(keys...)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		e.fail(key, value, err)
		return fallback
	}
	return f
}

// duration accepts Go durations ("90s") or a bare number of seconds.
func (e *envReader) duration(fallback time.Duration, keys ...string) time.Duration {
	key, value, ok := e.lookup(keys...)
	if !ok {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	seconds, err := strconv.ParseFloat(value, 64)
	if err != nil {
		e.fail(key, value, err)
		return fallback
	}
	return time.Duration(seconds * float64(time.Second))
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.Source == "":
		return errors.New("source path is required")
	case c.Table == "":
		return errors.New("table is required")
	case c.RoomColumn == "":
		return errors.New("room column is required")
	case c.TimeColumn == "":
		return errors.New("time column is required")
	case len(c.NumericColumns) == 0:
		return errors.New("at least one numeric column is required")
	case c.Contamination < 0 || c.Contamination >= 0.5:
		return fmt.Errorf("contamination must be in [0, 0.5), got %g", c.Contamination)
	case c.MinSamples < 2:
		return fmt.Errorf("min samples must be at least 2, got %d", c.MinSamples)
	case c.Trees < 1:
		return fmt.Errorf("trees must be at least 1, got %d", c.Trees)
	case c.MaxSamples < 2:
		return fmt.Errorf("max samples must be at least 2, got %d", c.MaxSamples)
	case c.InferWindow < 0:
		return fmt.Errorf("window must not be negative, got %v", c.InferWindow)
	case c.RollingWindow < 0:
		return fmt.Errorf("rolling window must not be negative, got %d", c.RollingWindow)
	case c.RetryAttempts < 1:
		return fmt.Errorf("retry attempts must be at least 1, got %d", c.RetryAttempts)
	case c.RedisLockTTL < time.Second:
		return fmt.Errorf("redis lock ttl must be at least 1s, got %v", c.RedisLockTTL)
	}

	seen := make(map[string]bool, len(c.NumericColumns))
	for _, col := range c.NumericColumns {
		if col == "" {
			return errors.New("numeric columns must not be empty")
		}
		if seen[col] {
			return fmt.Errorf("numeric column %q listed twice", col)
		}
		seen[col] = true
	}

	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log format must be text or json, got %q", c.LogFormat)
	}
	return nil
}

// Pipeline converts the config into the orchestrator's explicit
// configuration for one mode.
func (c *Config) Pipeline(mode pipeline.Mode) pipeline.Config {
	return pipeline.Config{
		Mode: mode,
		Source: telemetry.SourceConfig{
			Path:           c.Source,
			Table:          c.Table,
			RoomColumn:     c.RoomColumn,
			TimeColumn:     c.TimeColumn,
			NumericColumns: c.NumericColumns,
		},
		ModelsDir:     c.ModelsDir,
		LedgerPath:    c.LedgerPath,
		Contamination: c.Contamination,
		MinSamples:    c.MinSamples,
		Workers:       c.Workers,
		InferWindow:   c.InferWindow,
		Rooms:         c.Rooms,
		RollingWindow: c.RollingWindow,
		ZClip:         c.ZClip,
		Forest: analytics.ForestConfig{
			Trees:         c.Trees,
			MaxSamples:    c.MaxSamples,
			Seed:          c.Seed,
			Contamination: c.Contamination,
		},
		Retry: retry.Policy{
			Attempts: c.RetryAttempts,
			Initial:  c.RetryBackoff,
			Max:      5 * time.Second,
		},
		RedisAddr:    c.RedisAddr,
		RedisLockTTL: c.RedisLockTTL,
		MetricsFile:  c.MetricsFile,
	}
}

func parseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", level)
}

// NewLogger returns the slog logger the config asks for, writing to w.
func (c *Config) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	options := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, options)), nil
	}
	return slog.New(slog.NewTextHandler(w, options)), nil
}
