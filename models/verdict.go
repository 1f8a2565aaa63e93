package models

import "time"

// Verdict is one scored reading. Score is the model's raw decision value
// (lower is more anomalous); IsAnomaly comes from the model's own
// decision boundary.
type Verdict struct {
	Timestamp time.Time `json:"timestamp"`
	Room      string    `json:"room"`
	Score     float64   `json:"score"`
	IsAnomaly bool      `json:"is_anomaly"`
	RunID     string    `json:"run_id,omitempty"`
	Details   string    `json:"details,omitempty"`
}

// AnomalyFlag is the 0|1 form stored in the ledger and served to clients.
func (v *Verdict) AnomalyFlag() int {
	if v.IsAnomaly {
		return 1
	}
	return 0
}

// RoomStatus is the last known pipeline outcome for a room, published
// after each run for dashboards.
type RoomStatus struct {
	Room       string    `json:"room"`
	RunID      string    `json:"run_id"`
	Mode       string    `json:"mode"`
	Trained    bool      `json:"trained"`
	Inferred   bool      `json:"inferred"`
	Readings   int       `json:"readings"`
	Excluded   int       `json:"excluded"`
	Verdicts   int       `json:"verdicts"`
	Anomalies  int       `json:"anomalies"`
	Skipped    string    `json:"skipped,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}
