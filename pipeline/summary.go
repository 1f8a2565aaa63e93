package pipeline

import (
	"fmt"
	"io"
	"strings"
	"time"

	"iot-anomaly-pipeline/models"
)

// Room outcome statuses.
const (
	StatusOK      = "ok"
	StatusSkipped = "skipped"
	StatusFailed  = "failed"
)

// RoomOutcome is what happened to one room in a run.
type RoomOutcome struct {
	Room      string
	Status    string
	Trained   bool
	Inferred  bool
	Readings  int
	Excluded  int
	Verdicts  int
	Anomalies int

	// Causes holds "stage: reason" for every skipped or failed stage.
	Causes []string
}

func (o *RoomOutcome) skip(stage string, err error) {
	o.Causes = append(o.Causes, stage+": "+err.Error())
	if o.Status != StatusFailed {
		o.Status = StatusSkipped
	}
}

func (o *RoomOutcome) fail(stage string, err error) {
	o.Causes = append(o.Causes, stage+": "+err.Error())
	o.Status = StatusFailed
}

func (o *RoomOutcome) Cause() string {
	return strings.Join(o.Causes, "; ")
}

func (o *RoomOutcome) status(runID string, mode Mode, finished time.Time) models.RoomStatus {
	return models.RoomStatus{
		Room:       o.Room,
		RunID:      runID,
		Mode:       string(mode),
		Trained:    o.Trained,
		Inferred:   o.Inferred,
		Readings:   o.Readings,
		Excluded:   o.Excluded,
		Verdicts:   o.Verdicts,
		Anomalies:  o.Anomalies,
		Skipped:    o.Cause(),
		FinishedAt: finished,
	}
}

type Summary struct {
	RunID    string
	Mode     Mode
	Started  time.Time
	Finished time.Time
	Rooms    []RoomOutcome
}

func (s *Summary) count(status string) int {
	n := 0
	for i := range s.Rooms {
		if s.Rooms[i].Status == status {
			n++
		}
	}
	return n
}

func (s *Summary) Processed() int { return s.count(StatusOK) }
func (s *Summary) Skipped() int   { return s.count(StatusSkipped) }
func (s *Summary) Failed() int    { return s.count(StatusFailed) }

func (s *Summary) Totals() (verdicts, anomalies, excluded int) {
	for i := range s.Rooms {
		verdicts += s.Rooms[i].Verdicts
		anomalies += s.Rooms[i].Anomalies
		excluded += s.Rooms[i].Excluded
	}
	return verdicts, anomalies, excluded
}

// ExitCode is 0 when every room was processed, 3 when only some were,
// and 1 when none were.
func (s *Summary) ExitCode() int {
	processed := s.Processed()
	switch {
	case processed > 0 && processed == len(s.Rooms):
		return ExitOK
	case processed > 0:
		return ExitPartial
	default:
		return ExitFailure
	}
}

// Print writes the human-readable run report.
func (s *Summary) Print(w io.Writer) {
	fmt.Fprintf(w, "Run %s (%s) finished in %v\n", s.RunID, s.Mode, s.Finished.Sub(s.Started).Round(time.Millisecond))
	fmt.Fprintf(w, "  Rooms: %d processed, %d skipped, %d failed\n", s.Processed(), s.Skipped(), s.Failed())

	for i := range s.Rooms {
		o := &s.Rooms[i]
		fmt.Fprintf(w, "  %-20s %-8s trained=%-5t readings=%d excluded=%d verdicts=%d anomalies=%d\n",
			o.Room, o.Status, o.Trained, o.Readings, o.Excluded, o.Verdicts, o.Anomalies)
		if len(o.Causes) > 0 {
			fmt.Fprintf(w, "  %-20s cause: %s\n", "", o.Cause())
		}
	}

	verdicts, anomalies, excluded := s.Totals()
	fmt.Fprintf(w, "  Verdicts written: %d\n", verdicts)
	fmt.Fprintf(w, "  Anomalies flagged: %d\n", anomalies)
	fmt.Fprintf(w, "  Readings excluded: %d\n", excluded)
	if len(s.Rooms) == 0 {
		fmt.Fprintln(w, "  No rooms found in the source store")
	}
}
