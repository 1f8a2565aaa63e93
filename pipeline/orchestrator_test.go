package pipeline

import (
	"bytes"
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"iot-anomaly-pipeline/analytics"
	"iot-anomaly-pipeline/ledger"
	"iot-anomaly-pipeline/models"
	"iot-anomaly-pipeline/retry"
	"iot-anomaly-pipeline/telemetry"
)

var base = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

type workspace struct {
	dir    string
	source string
	models string
	ledger string
}

func newWorkspace(t *testing.T, readings []models.Reading) workspace {
	t.Helper()
	dir := t.TempDir()
	ws := workspace{
		dir:    dir,
		source: filepath.Join(dir, "telemetry.db"),
		models: filepath.Join(dir, "models"),
		ledger: filepath.Join(dir, "anomalies.db"),
	}

	writer, err := telemetry.OpenWriter(ws.source, nil)
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	defer writer.Close()
	if err := writer.Write(context.Background(), readings); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return ws
}

func (ws workspace) config(mode Mode) Config {
	return Config{
		Mode: mode,
		Source: telemetry.SourceConfig{
			Path:           ws.source,
			Table:          "telemetry",
			RoomColumn:     "room",
			TimeColumn:     "timestamp",
			NumericColumns: []string{"temperature", "humidity"},
		},
		ModelsDir:     ws.models,
		LedgerPath:    ws.ledger,
		Contamination: 0.02,
		MinSamples:    10,
		Workers:       3,
		Forest:        analytics.DefaultForestConfig(),
		Retry:         retry.Policy{Attempts: 2, Initial: time.Millisecond},
		RunID:         "run-" + string(mode),
		Clock:         func() time.Time { return base.Add(24 * time.Hour) },
	}
}

func inRange(room string, n int, seed uint64) []models.Reading {
	rng := rand.New(rand.NewPCG(seed, seed))
	out := make([]models.Reading, n)
	for i := range out {
		out[i] = models.Reading{
			Room:      room,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Values: map[string]float64{
				"temperature": 18 + 6*rng.Float64(),
				"humidity":    40 + 20*rng.Float64(),
			},
		}
	}
	return out
}

// scenario builds R1 (200 normal readings and one at 40 degrees), R2
// (5 readings) and R3 (humidity always NaN).
func scenario() []models.Reading {
	readings := inRange("R1", 200, 1)
	readings = append(readings, models.Reading{
		Room:      "R1",
		Timestamp: base.Add(200 * time.Minute),
		Values:    map[string]float64{"temperature": 40, "humidity": 50},
	})
	readings = append(readings, inRange("R2", 5, 2)...)
	for _, r := range inRange("R3", 30, 3) {
		r.Values["humidity"] = math.NaN()
		readings = append(readings, r)
	}
	return readings
}

func runOrchestrator(t *testing.T, cfg Config) (*Summary, error) {
	t.Helper()
	orchestrator, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return orchestrator.Run(context.Background())
}

func exitCode(err error) int {
	var coded interface{ ExitCode() int }
	if errors.As(err, &coded) {
		return coded.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

func outcomeFor(t *testing.T, summary *Summary, room string) RoomOutcome {
	t.Helper()
	for _, o := range summary.Rooms {
		if o.Room == room {
			return o
		}
	}
	t.Fatalf("no outcome for room %s", room)
	return RoomOutcome{}
}

func openLedger(t *testing.T, path string) *ledger.Ledger {
	t.Helper()
	l, err := ledger.Open(ledger.Config{Path: path})
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRunIsolatesSkippedRooms(t *testing.T) {
	ws := newWorkspace(t, scenario())
	var out bytes.Buffer
	cfg := ws.config(ModeRun)
	cfg.Output = &out

	summary, err := runOrchestrator(t, cfg)
	if code := exitCode(err); code != ExitPartial {
		t.Fatalf("exit code = %d (%v), want %d", code, err, ExitPartial)
	}
	if summary == nil || len(summary.Rooms) != 3 {
		t.Fatalf("summary = %+v", summary)
	}

	r1 := outcomeFor(t, summary, "R1")
	if r1.Status != StatusOK || !r1.Trained || !r1.Inferred || r1.Verdicts != 201 {
		t.Errorf("R1 outcome = %+v", r1)
	}

	r2 := outcomeFor(t, summary, "R2")
	if r2.Status != StatusSkipped || r2.Trained || r2.Inferred {
		t.Errorf("R2 outcome = %+v", r2)
	}
	if cause := r2.Cause(); !strings.Contains(cause, "insufficient data") || !strings.Contains(cause, "infer: no model") {
		t.Errorf("R2 cause = %q", cause)
	}

	r3 := outcomeFor(t, summary, "R3")
	if r3.Status != StatusSkipped || r3.Excluded != 30 {
		t.Errorf("R3 outcome = %+v", r3)
	}

	l := openLedger(t, ws.ledger)
	outlier, err := l.Nearest(context.Background(), "R1", base.Add(200*time.Minute), time.Second)
	if err != nil {
		t.Fatalf("Nearest: %v", err)
	}
	if outlier == nil || !outlier.IsAnomaly {
		t.Fatal("40 degree reading not flagged in the ledger")
	}
	if outlier.RunID != "run-run" {
		t.Errorf("RunID = %q", outlier.RunID)
	}

	flagged, err := l.Query(context.Background(), ledger.Filter{Room: "R1", OnlyAnomalies: true})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(flagged) > 10 {
		t.Errorf("%d of 200 in-range readings flagged", len(flagged)-1)
	}
	if count, _ := l.Count(context.Background(), "R2"); count != 0 {
		t.Errorf("R2 has %d ledger rows, want 0", count)
	}

	for _, want := range []string{"R1", "R2", "R3", "Verdicts written: 201", "cause:"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("summary output missing %q:\n%s", want, out.String())
		}
	}
}

func TestEmptyRoomDoesNotAffectOthers(t *testing.T) {
	alone := newWorkspace(t, scenario()[:201])
	together := newWorkspace(t, scenario())

	cfg := alone.config(ModeRun)
	if _, err := runOrchestrator(t, cfg); err != nil {
		t.Fatalf("R1 alone: %v", err)
	}
	cfg = together.config(ModeRun)
	if _, err := runOrchestrator(t, cfg); exitCode(err) != ExitPartial {
		t.Fatalf("all rooms: %v", err)
	}

	a, err := openLedger(t, alone.ledger).Query(context.Background(), ledger.Filter{Room: "R1", Limit: 1000})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	b, err := openLedger(t, together.ledger).Query(context.Background(), ledger.Filter{Room: "R1", Limit: 1000})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(a) != len(b) {
		t.Fatalf("R1 verdicts: %d alone, %d with other rooms", len(a), len(b))
	}
	for i := range a {
		if a[i].Score != b[i].Score || a[i].IsAnomaly != b[i].IsAnomaly || !a[i].Timestamp.Equal(b[i].Timestamp) {
			t.Fatalf("verdict %d differs: %+v vs %+v", i, a[i].Verdict, b[i].Verdict)
		}
	}
}

func TestTrainThenInferAppends(t *testing.T) {
	ws := newWorkspace(t, inRange("R1", 50, 4))

	summary, err := runOrchestrator(t, ws.config(ModeTrain))
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if r1 := outcomeFor(t, summary, "R1"); !r1.Trained || r1.Inferred {
		t.Fatalf("train outcome = %+v", r1)
	}
	if _, err := os.Stat(ws.ledger); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("train-only run touched the ledger: %v", err)
	}

	for i := 0; i < 2; i++ {
		summary, err := runOrchestrator(t, ws.config(ModeInfer))
		if err != nil {
			t.Fatalf("infer %d: %v", i, err)
		}
		if r1 := outcomeFor(t, summary, "R1"); r1.Trained || !r1.Inferred || r1.Verdicts != 50 {
			t.Fatalf("infer outcome = %+v", r1)
		}
	}

	count, err := openLedger(t, ws.ledger).Count(context.Background(), "R1")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 100 {
		t.Errorf("ledger rows = %d, want 100 after two inference runs", count)
	}
}

func TestInferWindowLimitsScoring(t *testing.T) {
	ws := newWorkspace(t, inRange("R1", 60, 5))
	cfg := ws.config(ModeRun)
	cfg.Clock = func() time.Time { return base.Add(60 * time.Minute) }
	cfg.InferWindow = 10 * time.Minute

	summary, err := runOrchestrator(t, cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if r1 := outcomeFor(t, summary, "R1"); r1.Verdicts != 10 {
		t.Errorf("verdicts = %d, want 10 inside the window", r1.Verdicts)
	}
}

func TestInferSchemaMismatchSkipsRoom(t *testing.T) {
	ws := newWorkspace(t, inRange("R1", 30, 6))
	if _, err := runOrchestrator(t, ws.config(ModeTrain)); err != nil {
		t.Fatalf("train: %v", err)
	}

	cfg := ws.config(ModeInfer)
	cfg.Source.NumericColumns = []string{"humidity", "temperature"}
	summary, err := runOrchestrator(t, cfg)
	if code := exitCode(err); code != ExitFailure {
		t.Fatalf("exit code = %d (%v), want %d", code, err, ExitFailure)
	}
	r1 := outcomeFor(t, summary, "R1")
	if r1.Status != StatusSkipped || !strings.Contains(r1.Cause(), "schema mismatch") {
		t.Errorf("outcome = %+v", r1)
	}
}

func TestPreconditionExitCodes(t *testing.T) {
	tests := []struct {
		name  string
		mode  Mode
		setup func(t *testing.T, ws workspace, cfg *Config)
		stage string
		code  int
	}{
		{
			name:  "source missing",
			mode:  ModeRun,
			setup: func(_ *testing.T, ws workspace, cfg *Config) { cfg.Source.Path = filepath.Join(ws.dir, "absent.db") },
			stage: StageLocateSource,
			code:  ExitSourceMissing,
		},
		{
			name:  "table missing",
			mode:  ModeRun,
			setup: func(_ *testing.T, _ workspace, cfg *Config) { cfg.Source.Table = "readings" },
			stage: StageResolveTable,
			code:  ExitTableMissing,
		},
		{
			name: "column missing",
			mode: ModeRun,
			setup: func(_ *testing.T, _ workspace, cfg *Config) {
				cfg.Source.NumericColumns = []string{"temperature", "co2"}
			},
			stage: StageResolveTable,
			code:  ExitTableMissing,
		},
		{
			name:  "model directory missing for inference",
			mode:  ModeInfer,
			setup: func(*testing.T, workspace, *Config) {},
			stage: StageComponents,
			code:  ExitComponentsMissing,
		},
		{
			name: "ledger directory missing",
			mode: ModeRun,
			setup: func(_ *testing.T, ws workspace, cfg *Config) {
				cfg.LedgerPath = filepath.Join(ws.dir, "nowhere", "anomalies.db")
			},
			stage: StageComponents,
			code:  ExitComponentsMissing,
		},
		{
			name: "ledger unreachable",
			mode: ModeRun,
			setup: func(t *testing.T, ws workspace, cfg *Config) {
				if err := os.Mkdir(cfg.LedgerPath, 0o755); err != nil {
					t.Fatal(err)
				}
			},
			stage: StageLedger,
			code:  ExitLedgerUnreachable,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ws := newWorkspace(t, inRange("R1", 20, 7))
			cfg := ws.config(tc.mode)
			tc.setup(t, ws, &cfg)

			summary, err := runOrchestrator(t, cfg)
			var pipelineErr *Error
			if !errors.As(err, &pipelineErr) {
				t.Fatalf("err = %v, want *Error", err)
			}
			if pipelineErr.Stage != tc.stage || pipelineErr.ExitCode() != tc.code {
				t.Errorf("got stage %s code %d, want %s %d", pipelineErr.Stage, pipelineErr.Code, tc.stage, tc.code)
			}
			if summary != nil {
				t.Errorf("precondition failure returned a summary: %+v", summary)
			}
		})
	}
}

func TestRequestedRoomMissingFromSource(t *testing.T) {
	ws := newWorkspace(t, inRange("R1", 20, 8))
	cfg := ws.config(ModeRun)
	cfg.Rooms = []string{"R1", "R9"}

	summary, err := runOrchestrator(t, cfg)
	if exitCode(err) != ExitPartial {
		t.Fatalf("err = %v, want partial", err)
	}
	if r9 := outcomeFor(t, summary, "R9"); r9.Status != StatusSkipped || !strings.Contains(r9.Cause(), "no readings") {
		t.Errorf("R9 outcome = %+v", r9)
	}
}

type recordingPublisher struct {
	mu       sync.Mutex
	statuses map[string]models.RoomStatus
}

func (p *recordingPublisher) SaveRoomStatus(_ context.Context, status models.RoomStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses[status.Room] = status
	return nil
}

func TestReportPublishesStatusAndMetrics(t *testing.T) {
	ws := newWorkspace(t, inRange("R1", 20, 9))
	publisher := &recordingPublisher{statuses: map[string]models.RoomStatus{}}
	cfg := ws.config(ModeRun)
	cfg.Status = publisher
	cfg.MetricsFile = filepath.Join(ws.dir, "pipeline.prom")

	if _, err := runOrchestrator(t, cfg); err != nil {
		t.Fatalf("Run: %v", err)
	}

	status, ok := publisher.statuses["R1"]
	if !ok || status.RunID != "run-run" || status.Verdicts != 20 || !status.Trained {
		t.Errorf("published status = %+v", status)
	}

	data, err := os.ReadFile(cfg.MetricsFile)
	if err != nil {
		t.Fatalf("metrics file: %v", err)
	}
	for _, name := range []string{"anomaly_pipeline_rooms_total", "anomaly_pipeline_last_run_exit_code"} {
		if !strings.Contains(string(data), name) {
			t.Errorf("metrics file missing %s", name)
		}
	}
}

func TestParseMode(t *testing.T) {
	for _, s := range []string{"train", "infer", "run"} {
		if _, err := ParseMode(s); err != nil {
			t.Errorf("ParseMode(%q): %v", s, err)
		}
	}
	if _, err := ParseMode("serve"); err == nil {
		t.Error("ParseMode(serve) succeeded")
	}
}

func TestSummaryExitCode(t *testing.T) {
	tests := []struct {
		statuses []string
		want     int
	}{
		{[]string{StatusOK, StatusOK}, ExitOK},
		{[]string{StatusOK, StatusSkipped}, ExitPartial},
		{[]string{StatusOK, StatusFailed}, ExitPartial},
		{[]string{StatusSkipped, StatusFailed}, ExitFailure},
		{nil, ExitFailure},
	}
	for _, tc := range tests {
		summary := &Summary{}
		for i, status := range tc.statuses {
			summary.Rooms = append(summary.Rooms, RoomOutcome{Room: string(rune('A' + i)), Status: status})
		}
		if got := summary.ExitCode(); got != tc.want {
			t.Errorf("ExitCode(%v) = %d, want %d", tc.statuses, got, tc.want)
		}
	}
}

func TestModelWriteFailureFailsOnlyThatRoom(t *testing.T) {
	readings := append(inRange("R1", 60, 10), inRange("R2", 50, 11)...)
	ws := newWorkspace(t, readings)

	// A non-empty directory where R1's artifact goes makes every rename fail.
	squatter := filepath.Join(ws.models, "iforest_R1.model")
	if err := os.MkdirAll(squatter, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(squatter, "keep"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	summary, err := runOrchestrator(t, ws.config(ModeRun))
	if code := exitCode(err); code != ExitPartial {
		t.Fatalf("exit code = %d (%v), want %d", code, err, ExitPartial)
	}

	r1 := outcomeFor(t, summary, "R1")
	if r1.Status != StatusFailed || r1.Trained || r1.Inferred {
		t.Errorf("R1 outcome = %+v", r1)
	}
	if cause := r1.Cause(); !strings.Contains(cause, "train:") || !strings.Contains(cause, "giving up after 2 attempts") {
		t.Errorf("R1 cause = %q", cause)
	}

	r2 := outcomeFor(t, summary, "R2")
	if r2.Status != StatusOK || !r2.Trained || r2.Verdicts != 50 {
		t.Errorf("R2 outcome = %+v", r2)
	}

	l := openLedger(t, ws.ledger)
	if count, _ := l.Count(context.Background(), "R1"); count != 0 {
		t.Errorf("R1 has %d ledger rows, want 0", count)
	}
	if count, _ := l.Count(context.Background(), "R2"); count != 50 {
		t.Errorf("R2 has %d ledger rows, want 50", count)
	}
}

func TestRedisCheckedAfterSource(t *testing.T) {
	const unreachable = "127.0.0.1:1"

	t.Run("source missing wins", func(t *testing.T) {
		ws := newWorkspace(t, inRange("R1", 20, 12))
		cfg := ws.config(ModeRun)
		cfg.Source.Path = filepath.Join(ws.dir, "absent.db")
		cfg.RedisAddr = unreachable

		_, err := runOrchestrator(t, cfg)
		if code := exitCode(err); code != ExitSourceMissing {
			t.Fatalf("exit code = %d (%v), want %d", code, err, ExitSourceMissing)
		}
	})

	t.Run("unreachable redis is a missing component", func(t *testing.T) {
		ws := newWorkspace(t, inRange("R1", 20, 12))
		cfg := ws.config(ModeRun)
		cfg.RedisAddr = unreachable

		_, err := runOrchestrator(t, cfg)
		var pipelineErr *Error
		if !errors.As(err, &pipelineErr) || pipelineErr.Stage != StageComponents || pipelineErr.Code != ExitComponentsMissing {
			t.Fatalf("err = %v, want components failure", err)
		}
	})
}

func TestRedisBacksLocksAndStatus(t *testing.T) {
	server := miniredis.RunT(t)
	ws := newWorkspace(t, inRange("R1", 20, 13))
	cfg := ws.config(ModeRun)
	cfg.RedisAddr = server.Addr()

	summary, err := runOrchestrator(t, cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if r1 := outcomeFor(t, summary, "R1"); r1.Status != StatusOK || r1.Verdicts != 20 {
		t.Errorf("R1 outcome = %+v", r1)
	}
	if !server.Exists("anomaly:status:R1") {
		t.Error("room status not published to redis")
	}
	if server.Exists("anomaly:lock:R1") {
		t.Error("room lock left behind after the run")
	}
}

func TestInferOnlyReadsWindowFromSource(t *testing.T) {
	ws := newWorkspace(t, inRange("R1", 60, 14))
	if _, err := runOrchestrator(t, ws.config(ModeTrain)); err != nil {
		t.Fatalf("train: %v", err)
	}

	cfg := ws.config(ModeInfer)
	cfg.Clock = func() time.Time { return base.Add(60 * time.Minute) }
	cfg.InferWindow = 10 * time.Minute
	summary, err := runOrchestrator(t, cfg)
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	if r1 := outcomeFor(t, summary, "R1"); r1.Readings != 10 || r1.Verdicts != 10 {
		t.Errorf("R1 outcome = %+v, want 10 readings read and scored", r1)
	}
}
