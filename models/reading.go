package models

import (
	"errors"
	"time"
)

// Reading is one telemetry row for a room. Values holds the numeric
// columns that were present and numeric in the source row; a column
// that was NULL or unparseable is absent from the map.
type Reading struct {
	Room      string             `json:"room"`
	Timestamp time.Time          `json:"timestamp"`
	Values    map[string]float64 `json:"values"`
}

func (r *Reading) Validate() error {
	if r.Room == "" {
		return errors.New("room is required")
	}

	if r.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}

	return nil
}

// Value returns the reading's value for column and whether it was present.
func (r *Reading) Value(column string) (float64, bool) {
	v, ok := r.Values[column]
	return v, ok
}

type FeatureVector struct {
	Timestamp time.Time `json:"timestamp"`
	Values    []float64 `json:"values"`
}

// FeatureSet is the Feature Builder's output for one room. Columns is
// the ordered feature-column list every vector in Vectors follows.
type FeatureSet struct {
	Room    string          `json:"room"`
	Columns []string        `json:"columns"`
	Vectors []FeatureVector `json:"vectors"`

	ExcludedMissing   int `json:"excluded_missing"`
	ExcludedNonFinite int `json:"excluded_non_finite"`
}

func (fs FeatureSet) Excluded() int {
	return fs.ExcludedMissing + fs.ExcludedNonFinite
}

// Matrix returns the vectors' values as rows, in order.
func (fs FeatureSet) Matrix() [][]float64 {
	rows := make([][]float64, len(fs.Vectors))
	for i, v := range fs.Vectors {
		rows[i] = v.Values
	}
	return rows
}
