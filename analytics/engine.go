package analytics

import (
	"context"
	"log/slog"

	"iot-anomaly-pipeline/models"
)

// ModelLoader returns the current model for a room, or a
// *models.ModelNotFoundError.
type ModelLoader interface {
	Load(ctx context.Context, room string) (*Model, error)
}

type InferResult struct {
	Room      string
	Model     *Model
	Verdicts  []models.Verdict
	Readings  int
	Anomalies int

	Excluded          int
	ExcludedMissing   int
	ExcludedNonFinite int
}

// Engine scores readings against each room's current model.
type Engine struct {
	loader  ModelLoader
	builder *FeatureBuilder
	logger  *slog.Logger
}

func NewEngine(loader ModelLoader, builder *FeatureBuilder, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		loader:  loader,
		builder: builder,
		logger:  logger,
	}
}

// Infer loads the room's model once and scores every featurizable
// reading against it. A model trained on a different feature-column
// list fails with *models.SchemaMismatchError before any scoring.
func (e *Engine) Infer(ctx context.Context, runID, room string, readings []models.Reading) (*InferResult, error) {
	model, err := e.loader.Load(ctx, room)
	if err != nil {
		return nil, err
	}

	expected := e.builder.Config().FeatureColumns()
	if !models.SameColumns(model.FeatureColumns, expected) {
		return nil, &models.SchemaMismatchError{
			Room:     room,
			Model:    model.FeatureColumns,
			Expected: expected,
		}
	}

	set := e.builder.Build(room, readings)
	result := Score(model, set, runID)
	result.Readings = len(readings)

	e.logger.Debug("room scored",
		"room", room,
		"verdicts", len(result.Verdicts),
		"anomalies", result.Anomalies,
		"excluded", result.Excluded,
	)
	return result, nil
}

// Score applies model to an already built feature set. The caller is
// responsible for the feature columns matching the model's.
func Score(model *Model, set models.FeatureSet, runID string) *InferResult {
	result := &InferResult{
		Room:     set.Room,
		Model:    model,
		Readings: len(set.Vectors) + set.Excluded(),

		Excluded:          set.Excluded(),
		ExcludedMissing:   set.ExcludedMissing,
		ExcludedNonFinite: set.ExcludedNonFinite,
	}
	if len(set.Vectors) == 0 {
		return result
	}

	details := model.Details()
	decisions := model.Forest.Decision(set.Matrix())
	result.Verdicts = make([]models.Verdict, len(decisions))
	for i, d := range decisions {
		anomalous := model.Forest.IsAnomaly(d)
		if anomalous {
			result.Anomalies++
		}
		result.Verdicts[i] = models.Verdict{
			Timestamp: set.Vectors[i].Timestamp,
			Room:      set.Room,
			Score:     d,
			IsAnomaly: anomalous,
			RunID:     runID,
			Details:   details,
		}
	}
	return result
}
