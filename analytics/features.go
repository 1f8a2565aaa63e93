package analytics

import (
	"log/slog"
	"math"
	"sort"

	"iot-anomaly-pipeline/models"
)

const zEpsilon = 1e-9

// Derived feature suffixes, appended after each raw column when the
// rolling window is enabled.
var derivedSuffixes = []string{"_roll_mean", "_roll_std", "_diff", "_z"}

type FeatureConfig struct {
	// Columns are the numeric reading columns, in feature order.
	Columns []string

	// RollingWindow enables derived statistics when > 0.
	RollingWindow int

	// ZClip bounds the derived z-score. Zero means 3.
	ZClip float64
}

// FeatureColumns returns the full ordered feature-column list a vector
// built with this config follows.
func (c FeatureConfig) FeatureColumns() []string {
	if c.RollingWindow <= 0 {
		out := make([]string, len(c.Columns))
		copy(out, c.Columns)
		return out
	}

	out := make([]string, 0, len(c.Columns)*(1+len(derivedSuffixes)))
	for _, col := range c.Columns {
		out = append(out, col)
		for _, suffix := range derivedSuffixes {
			out = append(out, col+suffix)
		}
	}
	return out
}

// FeatureBuilder turns a room's readings into feature vectors. It holds
// no state between calls.
type FeatureBuilder struct {
	config FeatureConfig
	logger *slog.Logger
}

func NewFeatureBuilder(config FeatureConfig, logger *slog.Logger) *FeatureBuilder {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if config.ZClip <= 0 {
		config.ZClip = 3.0
	}
	return &FeatureBuilder{config: config, logger: logger}
}

func (fb *FeatureBuilder) Config() FeatureConfig {
	return fb.config
}

// Build sorts readings by timestamp (stable, so ties keep input order),
// drops readings with a missing or non-finite column, and returns one
// vector per remaining reading. The input slice is not modified.
func (fb *FeatureBuilder) Build(room string, readings []models.Reading) models.FeatureSet {
	set := models.FeatureSet{
		Room:    room,
		Columns: fb.config.FeatureColumns(),
	}

	sorted := make([]models.Reading, len(readings))
	copy(sorted, readings)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	columns := fb.config.Columns
	raw := make([][]float64, 0, len(sorted))
	kept := make([]models.Reading, 0, len(sorted))

	for i := range sorted {
		row, missing, nonFinite := extractRow(&sorted[i], columns)
		switch {
		case missing != "":
			set.ExcludedMissing++
			fb.logger.Debug("reading excluded",
				"room", room,
				"timestamp", sorted[i].Timestamp,
				"cause", "missing column",
				"column", missing,
			)
			continue
		case nonFinite != "":
			set.ExcludedNonFinite++
			fb.logger.Debug("reading excluded",
				"room", room,
				"timestamp", sorted[i].Timestamp,
				"cause", "non-finite value",
				"column", nonFinite,
			)
			continue
		}
		raw = append(raw, row)
		kept = append(kept, sorted[i])
	}

	if excluded := set.Excluded(); excluded > 0 {
		fb.logger.Info("readings excluded from featurization",
			"room", room,
			"missing", set.ExcludedMissing,
			"non_finite", set.ExcludedNonFinite,
			"kept", len(kept),
		)
	}

	set.Vectors = make([]models.FeatureVector, len(kept))
	for i := range kept {
		set.Vectors[i] = models.FeatureVector{Timestamp: kept[i].Timestamp}
	}

	if fb.config.RollingWindow <= 0 {
		for i, row := range raw {
			set.Vectors[i].Values = row
		}
		return set
	}

	width := len(set.Columns)
	for i := range set.Vectors {
		set.Vectors[i].Values = make([]float64, 0, width)
	}
	for c := range columns {
		window := NewRollingWindow(fb.config.RollingWindow)
		for i, row := range raw {
			v := row[c]
			window.Add(v)

			mean, std := v, 0.0
			if window.Count() >= 2 {
				mean = window.Average()
				std = window.StdDev()
			}

			diff := 0.0
			if i > 0 {
				diff = v - raw[i-1][c]
			}

			z := (v - mean) / (std + zEpsilon)
			z = math.Max(-fb.config.ZClip, math.Min(fb.config.ZClip, z))

			set.Vectors[i].Values = append(set.Vectors[i].Values, v, mean, std, diff, z)
		}
	}

	return set
}

func extractRow(r *models.Reading, columns []string) (row []float64, missing, nonFinite string) {
	row = make([]float64, len(columns))
	for i, col := range columns {
		v, ok := r.Value(col)
		if !ok {
			return nil, col, ""
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, "", col
		}
		row[i] = v
	}
	return row, "", ""
}
