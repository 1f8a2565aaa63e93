package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"iot-anomaly-pipeline/cache"
	"iot-anomaly-pipeline/ledger"
	"iot-anomaly-pipeline/models"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, withStatus bool) (http.Handler, *ledger.Ledger, *cache.RedisClient) {
	t.Helper()
	l, err := ledger.Open(ledger.Config{Path: filepath.Join(t.TempDir(), "anomalies.db")})
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	verdicts := []models.Verdict{
		{Timestamp: now.Add(-3 * time.Hour), Room: "R1", Score: -0.2, IsAnomaly: true},
		{Timestamp: now.Add(-30 * time.Minute), Room: "R1", Score: 0.1},
		{Timestamp: now.Add(-20 * time.Minute), Room: "R1", Score: -0.1, IsAnomaly: true},
		{Timestamp: now.Add(-10 * time.Minute), Room: "R2", Score: 0.05},
	}
	if err := l.Append(context.Background(), "run-1", verdicts); err != nil {
		t.Fatalf("Append: %v", err)
	}

	var status StatusReader
	var client *cache.RedisClient
	if withStatus {
		server := miniredis.RunT(t)
		client, err = cache.NewRedisClient(server.Addr())
		if err != nil {
			t.Fatalf("NewRedisClient: %v", err)
		}
		t.Cleanup(func() { client.Close() })
		status = client
	}

	h := NewLedgerHandler(l, status, nil)
	h.now = func() time.Time { return now }
	return Wrap(NewRouter(h), &bytes.Buffer{}), l, client
}

func get(t *testing.T, handler http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeRows(t *testing.T, rec *httptest.ResponseRecorder) []anomalyRow {
	t.Helper()
	var rows []anomalyRow
	if err := json.NewDecoder(rec.Body).Decode(&rows); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return rows
}

func TestHealth(t *testing.T) {
	handler, _, _ := newTestServer(t, false)
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "health", "200"))

	rec := get(t, handler, "/api/health")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("health = %d %s", rec.Code, rec.Body.String())
	}

	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "health", "200"))
	if after != before+1 {
		t.Errorf("request counter went from %v to %v", before, after)
	}
}

func TestAnomaliesWindowAndFilters(t *testing.T) {
	handler, _, _ := newTestServer(t, false)

	tests := []struct {
		target string
		want   int
	}{
		{"/api/anomalies", 3},
		{"/api/anomalies?window=86400", 4},
		{"/api/anomalies?window=1", 0},
		{"/api/anomalies?window=86400&only_anomalies=1", 2},
		{"/api/anomalies?window=86400&room=R2", 1},
		{"/api/anomalies?window=86400&limit=2", 2},
	}
	for _, tc := range tests {
		t.Run(tc.target, func(t *testing.T) {
			rec := get(t, handler, tc.target)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
			}
			if rows := decodeRows(t, rec); len(rows) != tc.want {
				t.Errorf("got %d rows, want %d", len(rows), tc.want)
			}
		})
	}

	rows := decodeRows(t, get(t, handler, "/api/anomalies"))
	if rows[0].Room != "R2" || rows[1].IsAnomaly != 1 || rows[1].Timestamp != "2026-03-01T11:40:00Z" {
		t.Errorf("rows = %+v", rows)
	}

	if rec := get(t, handler, "/api/anomalies?limit=lots"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", rec.Code)
	}
}

func TestNearest(t *testing.T) {
	handler, _, _ := newTestServer(t, false)

	rec := get(t, handler, "/api/anomalies/nearest?room=R1&at=2026-03-01T11:40:30Z")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var row anomalyRow
	if err := json.NewDecoder(rec.Body).Decode(&row); err != nil {
		t.Fatal(err)
	}
	if row.Room != "R1" || row.IsAnomaly != 1 || row.Score != -0.1 {
		t.Errorf("row = %+v", row)
	}

	if rec := get(t, handler, "/api/anomalies/nearest?room=R1&at=2026-03-01T11:45:00Z"); rec.Code != http.StatusNotFound {
		t.Errorf("far reading status = %d, want 404", rec.Code)
	}
	if rec := get(t, handler, "/api/anomalies/nearest?room=R1&at=2026-03-01T11:45:00Z&within=600"); rec.Code != http.StatusOK {
		t.Errorf("wide window status = %d, want 200", rec.Code)
	}
	if rec := get(t, handler, "/api/anomalies/nearest?at=2026-03-01T11:45:00Z"); rec.Code != http.StatusBadRequest {
		t.Errorf("missing room status = %d, want 400", rec.Code)
	}
}

func TestRoomStatus(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		handler, _, _ := newTestServer(t, false)
		if rec := get(t, handler, "/api/rooms/R1/status"); rec.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", rec.Code)
		}
	})

	t.Run("redis", func(t *testing.T) {
		handler, _, client := newTestServer(t, true)

		if rec := get(t, handler, "/api/rooms/R1/status"); rec.Code != http.StatusNotFound {
			t.Errorf("missing status = %d, want 404", rec.Code)
		}

		err := client.SaveRoomStatus(context.Background(), models.RoomStatus{Room: "R1", RunID: "run-1", Verdicts: 3})
		if err != nil {
			t.Fatalf("SaveRoomStatus: %v", err)
		}
		rec := get(t, handler, "/api/rooms/R1/status")
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"run_id":"run-1"`) {
			t.Errorf("status = %d %s", rec.Code, rec.Body.String())
		}
	})
}

func TestCORSHeader(t *testing.T) {
	handler, _, _ := newTestServer(t, false)
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("Origin", "http://viewer.local")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got == "" {
		t.Error("missing Access-Control-Allow-Origin")
	}
}
