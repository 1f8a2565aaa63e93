package analytics

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Model is a trained per-room estimator with the metadata that
// identifies it. A Model is never mutated after training.
type Model struct {
	Room           string
	FeatureColumns []string
	Contamination  float64
	TrainedAt      time.Time
	Samples        int
	Forest         *IsolationForest
}

// Details is the provenance string stamped on every verdict the model
// produces.
func (m *Model) Details() string {
	return "contamination=" + strconv.FormatFloat(m.Contamination, 'g', -1, 64) +
		";columns=" + strings.Join(m.FeatureColumns, ",")
}

// Check reports whether the forest agrees with the recorded metadata.
func (m *Model) Check() error {
	if m.Forest == nil {
		return fmt.Errorf("model %s: no forest", m.Room)
	}
	if err := m.Forest.Validate(); err != nil {
		return fmt.Errorf("model %s: %w", m.Room, err)
	}
	if m.Forest.NumFeatures != len(m.FeatureColumns) {
		return fmt.Errorf("model %s: forest has %d features, metadata lists %d columns",
			m.Room, m.Forest.NumFeatures, len(m.FeatureColumns))
	}
	if m.Forest.Contamination != m.Contamination {
		return fmt.Errorf("model %s: forest contamination %g, metadata %g",
			m.Room, m.Forest.Contamination, m.Contamination)
	}
	return nil
}
