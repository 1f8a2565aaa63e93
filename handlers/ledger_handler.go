package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	ghandlers "github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"iot-anomaly-pipeline/ledger"
	"iot-anomaly-pipeline/models"
)

const (
	defaultWindow = time.Hour
	minWindow     = time.Minute
	maxWindow     = 7 * 24 * time.Hour
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	requestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

// LedgerReader is the read side of the anomaly ledger.
type LedgerReader interface {
	Ping(ctx context.Context) error
	Query(ctx context.Context, filter ledger.Filter) ([]ledger.Entry, error)
	Nearest(ctx context.Context, room string, at time.Time, within time.Duration) (*ledger.Entry, error)
}

type StatusReader interface {
	GetRoomStatus(ctx context.Context, room string) (*models.RoomStatus, error)
}

type LedgerHandler struct {
	ledger LedgerReader
	status StatusReader
	logger *slog.Logger
	now    func() time.Time
}

// NewLedgerHandler serves the ledger. status may be nil, in which case
// the room status endpoint answers 503.
func NewLedgerHandler(l LedgerReader, status StatusReader, logger *slog.Logger) *LedgerHandler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &LedgerHandler{ledger: l, status: status, logger: logger, now: time.Now}
}

// NewRouter wires the API routes and /metrics.
func NewRouter(h *LedgerHandler) *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", h.instrument("health", h.HandleHealth)).Methods(http.MethodGet)
	api.HandleFunc("/anomalies", h.instrument("anomalies", h.HandleAnomalies)).Methods(http.MethodGet)
	api.HandleFunc("/anomalies/nearest", h.instrument("nearest", h.HandleNearest)).Methods(http.MethodGet)
	api.HandleFunc("/rooms/{room}/status", h.instrument("room_status", h.HandleRoomStatus)).Methods(http.MethodGet)
	r.Path("/metrics").Handler(promhttp.Handler())
	return r
}

// Wrap adds CORS for GET from any origin and an access log.
func Wrap(router http.Handler, accessLog io.Writer) http.Handler {
	cors := ghandlers.CORS(
		ghandlers.AllowedOrigins([]string{"*"}),
		ghandlers.AllowedMethods([]string{http.MethodGet, http.MethodOptions}),
	)
	return ghandlers.LoggingHandler(accessLog, cors(router))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *LedgerHandler) instrument(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(recorder, r)
		requestDurationSeconds.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(recorder.status)).Inc()
	}
}

// anomalyRow is the wire shape downstream consumers read.
type anomalyRow struct {
	Timestamp string  `json:"timestamp"`
	Room      string  `json:"room"`
	Score     float64 `json:"score"`
	IsAnomaly int     `json:"is_anomaly"`
	RunID     string  `json:"run_id,omitempty"`
}

func toRow(e *ledger.Entry) anomalyRow {
	return anomalyRow{
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339),
		Room:      e.Room,
		Score:     e.Score,
		IsAnomaly: e.AnomalyFlag(),
		RunID:     e.RunID,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (h *LedgerHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.ledger.Ping(r.Context()); err != nil {
		h.logger.Error("health check failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleAnomalies lists ledger rows newest first. Query parameters:
// window (seconds, clamped to [60, 604800]), limit, room and
// only_anomalies.
func (h *LedgerHandler) HandleAnomalies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	window := defaultWindow
	if raw := q.Get("window"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "window must be an integer number of seconds")
			return
		}
		window = time.Duration(seconds) * time.Second
	}
	window = min(max(window, minWindow), maxWindow)

	limit := ledger.DefaultLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = min(max(n, 1), ledger.MaxLimit)
	}

	onlyAnomalies := false
	switch q.Get("only_anomalies") {
	case "1", "true", "yes":
		onlyAnomalies = true
	}

	entries, err := h.ledger.Query(r.Context(), ledger.Filter{
		Room:          q.Get("room"),
		Since:         h.now().Add(-window),
		OnlyAnomalies: onlyAnomalies,
		Limit:         limit,
	})
	if err != nil {
		h.logger.Error("ledger query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "ledger query failed")
		return
	}

	rows := make([]anomalyRow, len(entries))
	for i := range entries {
		rows[i] = toRow(&entries[i])
	}
	writeJSON(w, http.StatusOK, rows)
}

// HandleNearest correlates a reading (room, at) with the closest
// anomaly within the given number of seconds (default 60).
func (h *LedgerHandler) HandleNearest(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	room := q.Get("room")
	if room == "" {
		writeError(w, http.StatusBadRequest, "room parameter is required")
		return
	}

	at := h.now()
	if raw := q.Get("at"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "at must be an RFC 3339 timestamp")
			return
		}
		at = parsed
	}

	within := ledger.DefaultWithin
	if raw := q.Get("within"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			writeError(w, http.StatusBadRequest, "within must be a positive number of seconds")
			return
		}
		within = time.Duration(seconds) * time.Second
	}

	entry, err := h.ledger.Nearest(r.Context(), room, at, within)
	if err != nil {
		h.logger.Error("ledger nearest failed", "room", room, "error", err)
		writeError(w, http.StatusInternalServerError, "ledger query failed")
		return
	}
	if entry == nil {
		writeError(w, http.StatusNotFound, "no anomaly near that time")
		return
	}
	writeJSON(w, http.StatusOK, toRow(entry))
}

func (h *LedgerHandler) HandleRoomStatus(w http.ResponseWriter, r *http.Request) {
	if h.status == nil {
		writeError(w, http.StatusServiceUnavailable, "room status store not configured")
		return
	}

	room := mux.Vars(r)["room"]
	status, err := h.status.GetRoomStatus(r.Context(), room)
	if err != nil {
		h.logger.Error("room status lookup failed", "room", room, "error", err)
		writeError(w, http.StatusInternalServerError, "room status lookup failed")
		return
	}
	if status == nil {
		writeError(w, http.StatusNotFound, "no status for room")
		return
	}
	writeJSON(w, http.StatusOK, status)
}
