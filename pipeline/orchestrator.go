// Package pipeline sequences the anomaly-detection run: it checks the
// run's preconditions in order, then trains and/or scores every room
// through a bounded worker pool and reports per-room outcomes.
//
// Precondition failures end the run with a distinct exit code before
// any room is touched. After that, failures are per room: a room with
// too little data, no model or a mismatched model is skipped and the
// others carry on.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"iot-anomaly-pipeline/analytics"
	"iot-anomaly-pipeline/cache"
	"iot-anomaly-pipeline/ledger"
	"iot-anomaly-pipeline/models"
	"iot-anomaly-pipeline/modelstore"
	"iot-anomaly-pipeline/retry"
	"iot-anomaly-pipeline/telemetry"
)

type Mode string

const (
	ModeTrain Mode = "train"
	ModeInfer Mode = "infer"
	ModeRun   Mode = "run"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeTrain, ModeInfer, ModeRun:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown mode %q (want train, infer or run)", s)
}

func (m Mode) trains() bool { return m == ModeTrain || m == ModeRun }
func (m Mode) infers() bool { return m == ModeInfer || m == ModeRun }

// StatusPublisher receives each room's outcome after a run.
type StatusPublisher interface {
	SaveRoomStatus(ctx context.Context, status models.RoomStatus) error
}

// Config is everything a run needs. The orchestrator reads nothing
// from the environment.
type Config struct {
	Mode   Mode
	Source telemetry.SourceConfig

	ModelsDir     string
	LedgerPath    string
	Contamination float64
	MinSamples    int

	// Workers defaults to NumCPU clamped to [1, 8].
	Workers int

	// InferWindow, when positive, limits scoring to readings newer
	// than now minus the window. Training always uses every reading.
	InferWindow time.Duration

	// Rooms restricts the run to these rooms. Empty means every room
	// in the source.
	Rooms []string

	RollingWindow int
	ZClip         float64
	Forest        analytics.ForestConfig
	Retry         retry.Policy

	// MetricsFile, when set, receives the Prometheus text exposition
	// after the run.
	MetricsFile string

	// RedisAddr, when set, is checked with the other components and
	// backs Locker and Status unless those are given.
	RedisAddr    string
	RedisLockTTL time.Duration

	Locker modelstore.Locker
	Status StatusPublisher

	RunID  string
	Clock  func() time.Time
	Output io.Writer
	Logger *slog.Logger
}

type Orchestrator struct {
	config Config
	logger *slog.Logger
	clock  func() time.Time

	reader  *telemetry.Reader
	redis   *cache.RedisClient
	store   *modelstore.Store
	ledger  *ledger.Ledger
	builder *analytics.FeatureBuilder
	engine  *analytics.Engine
}

func New(cfg Config) (*Orchestrator, error) {
	if _, err := ParseMode(string(cfg.Mode)); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Output == nil {
		cfg.Output = io.Discard
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	cfg.Workers = clampWorkers(cfg.Workers)

	return &Orchestrator{
		config: cfg,
		logger: cfg.Logger.With("run_id", cfg.RunID, "mode", string(cfg.Mode)),
		clock:  cfg.Clock,
	}, nil
}

func clampWorkers(workers int) int {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers < 1 {
		workers = 1
	}
	if workers > 8 {
		workers = 8
	}
	return workers
}

// Run executes one invocation and prints its summary. The returned
// error is a *Error for precondition failures and for runs where not
// every room was processed; the summary is nil only when no room work
// started.
func (o *Orchestrator) Run(ctx context.Context) (*Summary, error) {
	started := o.clock()
	defer o.closeComponents()

	if err := o.prepare(ctx); err != nil {
		o.logger.Error("run aborted", "stage", err.Stage, "error", err.Err, "exit_code", err.Code)
		lastRunExitCode.Set(float64(err.Code))
		o.writeMetrics()
		return nil, err
	}

	rooms, err := o.selectRooms(ctx)
	if err != nil {
		return nil, fatal(StageResolveTable, ExitTableMissing, err)
	}

	o.logger.Info("processing rooms", "rooms", len(rooms), "workers", o.config.Workers)
	outcomes := o.processRooms(ctx, rooms)

	summary := &Summary{
		RunID:    o.config.RunID,
		Mode:     o.config.Mode,
		Started:  started,
		Finished: o.clock(),
		Rooms:    outcomes,
	}
	return summary, o.report(ctx, summary)
}

// prepare runs the precondition stages in order.
func (o *Orchestrator) prepare(ctx context.Context) *Error {
	cfg := o.config

	source := cfg.Source
	source.Logger = o.logger
	reader, err := telemetry.Open(source)
	if err != nil {
		return fatal(StageLocateSource, ExitSourceMissing, err)
	}
	o.reader = reader

	if err := reader.Validate(ctx); err != nil {
		if errors.Is(err, telemetry.ErrSourceMissing) {
			return fatal(StageLocateSource, ExitSourceMissing, err)
		}
		return fatal(StageResolveTable, ExitTableMissing, err)
	}

	if err := o.checkComponents(); err != nil {
		return fatal(StageComponents, ExitComponentsMissing, err)
	}
	if err := o.connectRedis(); err != nil {
		return fatal(StageComponents, ExitComponentsMissing, err)
	}
	cfg = o.config

	features := analytics.FeatureConfig{
		Columns:       cfg.Source.NumericColumns,
		RollingWindow: cfg.RollingWindow,
		ZClip:         cfg.ZClip,
	}
	o.builder = analytics.NewFeatureBuilder(features, o.logger)

	store, err := modelstore.Open(modelstore.Config{
		Dir:        cfg.ModelsDir,
		MinSamples: cfg.MinSamples,
		Forest:     cfg.Forest,
		Locker:     cfg.Locker,
		Retry:      cfg.Retry,
		Logger:     o.logger,
		Clock:      o.clock,
	})
	if err != nil {
		return fatal(StageComponents, ExitComponentsMissing, err)
	}
	o.store = store
	o.engine = analytics.NewEngine(store, o.builder, o.logger)

	if cfg.Mode.infers() {
		l, err := ledger.Open(ledger.Config{
			Path:     cfg.LedgerPath,
			PoolSize: cfg.Workers,
			Logger:   o.logger,
		})
		if err != nil {
			return fatal(StageLedger, ExitLedgerUnreachable, err)
		}
		o.ledger = l
		if err := l.Ping(ctx); err != nil {
			return fatal(StageLedger, ExitLedgerUnreachable, err)
		}
	}
	return nil
}

// checkComponents verifies the model directory (creatable and writable
// for training, present for inference) and the ledger's directory.
func (o *Orchestrator) checkComponents() error {
	cfg := o.config
	if cfg.ModelsDir == "" {
		return errors.New("model directory is not configured")
	}

	if cfg.Mode.trains() {
		if err := os.MkdirAll(cfg.ModelsDir, 0o755); err != nil {
			return fmt.Errorf("model directory %s: %w", cfg.ModelsDir, err)
		}
		scratch, err := os.CreateTemp(cfg.ModelsDir, ".scratch-*")
		if err != nil {
			return fmt.Errorf("model directory %s is not writable: %w", cfg.ModelsDir, err)
		}
		scratch.Close()
		os.Remove(scratch.Name())
	} else {
		info, err := os.Stat(cfg.ModelsDir)
		if err != nil {
			return fmt.Errorf("model directory %s: %w", cfg.ModelsDir, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("model directory %s is not a directory", cfg.ModelsDir)
		}
	}

	if cfg.Mode.infers() {
		if cfg.LedgerPath == "" {
			return errors.New("ledger path is not configured")
		}
		dir := filepath.Dir(cfg.LedgerPath)
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("ledger directory %s: %w", dir, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("ledger directory %s is not a directory", dir)
		}
	}
	return nil
}

func (o *Orchestrator) connectRedis() error {
	if o.config.RedisAddr == "" {
		return nil
	}
	client, err := cache.NewRedisClient(o.config.RedisAddr)
	if err != nil {
		return err
	}
	client.SetLockTTL(o.config.RedisLockTTL)
	o.redis = client
	o.logger.Info("using redis for room locks and status", "addr", o.config.RedisAddr)

	if o.config.Locker == nil {
		o.config.Locker = client
	}
	if o.config.Status == nil {
		o.config.Status = client
	}
	return nil
}

// reportUnmatchedModels warns about stored models whose room has no
// readings in the source; inference never reaches them.
func (o *Orchestrator) reportUnmatchedModels(sourceRooms []string) {
	modeled, err := o.store.Rooms()
	if err != nil {
		o.logger.Warn("listing models failed", "models_dir", o.store.Dir(), "error", err)
		return
	}
	inSource := make(map[string]bool, len(sourceRooms))
	for _, room := range sourceRooms {
		inSource[room] = true
	}
	var unmatched []string
	for _, room := range modeled {
		if !inSource[room] {
			unmatched = append(unmatched, room)
		}
	}
	if len(unmatched) > 0 {
		o.logger.Warn("models without readings in source",
			"models_dir", o.store.Dir(),
			"rooms", unmatched,
		)
	}
}

// selectRooms returns the source's rooms, narrowed to Config.Rooms when
// set. Requested rooms missing from the source are kept so they show
// up as skipped.
func (o *Orchestrator) selectRooms(ctx context.Context) ([]string, error) {
	rooms, err := o.reader.Rooms(ctx)
	if err != nil {
		return nil, err
	}
	if !o.config.Mode.trains() {
		o.reportUnmatchedModels(rooms)
	}
	if len(o.config.Rooms) == 0 {
		return rooms, nil
	}

	selected := make([]string, 0, len(o.config.Rooms))
	seen := map[string]bool{}
	for _, room := range o.config.Rooms {
		if !seen[room] {
			seen[room] = true
			selected = append(selected, room)
		}
	}
	sort.Strings(selected)
	return selected, nil
}

func (o *Orchestrator) processRooms(ctx context.Context, rooms []string) []RoomOutcome {
	jobs := make(chan string, len(rooms))
	results := make(chan RoomOutcome, len(rooms))

	var wg sync.WaitGroup
	for i := 0; i < o.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for room := range jobs {
				results <- o.processRoom(ctx, room)
			}
		}()
	}

	for _, room := range rooms {
		jobs <- room
	}
	close(jobs)
	wg.Wait()
	close(results)

	outcomes := make([]RoomOutcome, 0, len(rooms))
	for outcome := range results {
		outcomes = append(outcomes, outcome)
	}
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].Room < outcomes[j].Room })
	return outcomes
}

// processRoom takes one room through read, featurize, train and
// infer. Nothing it does reaches another room.
func (o *Orchestrator) processRoom(ctx context.Context, room string) RoomOutcome {
	outcome := RoomOutcome{Room: room, Status: StatusOK}
	logger := o.logger.With("room", room)
	mode := o.config.Mode

	defer func() {
		roomsTotal.WithLabelValues(string(mode), outcome.Status).Inc()
		switch outcome.Status {
		case StatusSkipped:
			logger.Warn("room skipped", "cause", outcome.Cause())
		case StatusFailed:
			logger.Error("room failed", "cause", outcome.Cause())
		default:
			logger.Info("room processed",
				"readings", outcome.Readings,
				"verdicts", outcome.Verdicts,
				"anomalies", outcome.Anomalies,
			)
		}
	}()

	// Training needs every reading; an infer-only run can leave rows
	// outside the window in the source.
	var since time.Time
	if !mode.trains() && o.config.InferWindow > 0 {
		since = o.clock().Add(-o.config.InferWindow)
	}

	start := time.Now()
	readings, stats, err := o.reader.ReadRoom(ctx, room, since)
	stageDurationSeconds.WithLabelValues(StageRead).Observe(time.Since(start).Seconds())
	if err != nil {
		outcome.fail(StageRead, err)
		return outcome
	}
	outcome.Readings = len(readings)
	if stats.Rows == 0 {
		outcome.skip(StageRead, errors.New("no readings in source"))
		return outcome
	}
	if stats.BadTimestamps > 0 {
		readingsExcludedTotal.WithLabelValues("bad_timestamp").Add(float64(stats.BadTimestamps))
	}

	if mode.trains() {
		o.trainRoom(ctx, room, readings, &outcome)
	}
	if mode.infers() {
		o.inferRoom(ctx, room, readings, &outcome)
	}
	return outcome
}

func (o *Orchestrator) trainRoom(ctx context.Context, room string, readings []models.Reading, outcome *RoomOutcome) {
	start := time.Now()
	defer func() {
		stageDurationSeconds.WithLabelValues(StageTrain).Observe(time.Since(start).Seconds())
	}()

	set := o.builder.Build(room, readings)
	outcome.Excluded = set.Excluded()
	readingsExcludedTotal.WithLabelValues("missing").Add(float64(set.ExcludedMissing))
	readingsExcludedTotal.WithLabelValues("non_finite").Add(float64(set.ExcludedNonFinite))

	_, err := o.store.Train(ctx, room, set, o.config.Contamination)
	var insufficient *models.InsufficientDataError
	switch {
	case errors.As(err, &insufficient):
		outcome.skip(StageTrain, err)
	case err != nil:
		outcome.fail(StageTrain, err)
	default:
		outcome.Trained = true
		modelsTrainedTotal.Inc()
	}
}

func (o *Orchestrator) inferRoom(ctx context.Context, room string, readings []models.Reading, outcome *RoomOutcome) {
	start := time.Now()
	defer func() {
		stageDurationSeconds.WithLabelValues(StageInfer).Observe(time.Since(start).Seconds())
	}()

	if o.config.InferWindow > 0 {
		since := o.clock().Add(-o.config.InferWindow)
		recent := readings[:0:0]
		for _, r := range readings {
			if !r.Timestamp.Before(since) {
				recent = append(recent, r)
			}
		}
		readings = recent
	}

	result, err := o.engine.Infer(ctx, o.config.RunID, room, readings)
	var notFound *models.ModelNotFoundError
	var mismatch *models.SchemaMismatchError
	switch {
	case errors.As(err, &notFound):
		outcome.skip(StageInfer, errors.New("no model"))
		return
	case errors.As(err, &mismatch):
		outcome.skip(StageInfer, err)
		return
	case err != nil:
		outcome.fail(StageInfer, err)
		return
	}

	if !o.config.Mode.trains() {
		outcome.Excluded = result.Excluded
		readingsExcludedTotal.WithLabelValues("missing").Add(float64(result.ExcludedMissing))
		readingsExcludedTotal.WithLabelValues("non_finite").Add(float64(result.ExcludedNonFinite))
	}

	err = retry.Do(ctx, o.config.Retry, o.logger, "append verdicts "+room, func(ctx context.Context) error {
		return o.ledger.Append(ctx, o.config.RunID, result.Verdicts)
	})
	if err != nil {
		outcome.fail(StageAppend, err)
		return
	}

	outcome.Inferred = true
	outcome.Verdicts = len(result.Verdicts)
	outcome.Anomalies = result.Anomalies
	verdictsWrittenTotal.Add(float64(outcome.Verdicts))
	anomaliesDetectedTotal.WithLabelValues(room).Add(float64(outcome.Anomalies))
}

// report prints the summary, exports metrics and publishes room status.
// It returns a *Error unless every room was processed.
func (o *Orchestrator) report(ctx context.Context, summary *Summary) error {
	summary.Print(o.config.Output)

	code := summary.ExitCode()
	if o.ledger != nil {
		if err := o.ledger.Ping(ctx); err != nil {
			o.logger.Error("ledger unreachable at report", "error", err)
			code = ExitLedgerUnreachable
		}
	}

	lastRunTimestamp.Set(float64(summary.Finished.Unix()))
	lastRunExitCode.Set(float64(code))
	o.writeMetrics()

	if o.config.Status != nil {
		for i := range summary.Rooms {
			status := summary.Rooms[i].status(summary.RunID, summary.Mode, summary.Finished)
			if err := o.config.Status.SaveRoomStatus(ctx, status); err != nil {
				o.logger.Warn("publishing room status failed", "room", status.Room, "error", err)
			}
		}
	}

	verdicts, anomalies, excluded := summary.Totals()
	o.logger.Info("run finished",
		"processed", summary.Processed(),
		"skipped", summary.Skipped(),
		"failed", summary.Failed(),
		"verdicts", verdicts,
		"anomalies", anomalies,
		"excluded", excluded,
		"exit_code", code,
	)

	switch code {
	case ExitOK:
		return nil
	case ExitLedgerUnreachable:
		return fatal(StageReport, code, errors.New("ledger unreachable"))
	case ExitPartial:
		return fatal(StageReport, code, fmt.Errorf("%d of %d rooms not processed",
			len(summary.Rooms)-summary.Processed(), len(summary.Rooms)))
	default:
		return fatal(StageReport, code, errors.New("no rooms processed"))
	}
}

func (o *Orchestrator) writeMetrics() {
	if o.config.MetricsFile == "" {
		return
	}
	if err := prometheus.WriteToTextfile(o.config.MetricsFile, prometheus.DefaultGatherer); err != nil {
		o.logger.Warn("writing metrics file failed", "path", o.config.MetricsFile, "error", err)
	}
}

func (o *Orchestrator) closeComponents() {
	if o.reader != nil {
		o.reader.Close()
	}
	if o.ledger != nil {
		o.ledger.Close()
	}
	if o.redis != nil {
		o.redis.Close()
	}
}
