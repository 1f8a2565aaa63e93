package analytics

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
)

const eulerGamma = 0.5772156649

// ForestConfig parameterizes FitForest.
type ForestConfig struct {
	Trees         int
	MaxSamples    int
	Seed          uint64
	Contamination float64
}

func DefaultForestConfig() ForestConfig {
	return ForestConfig{
		Trees:         100,
		MaxSamples:    256,
		Seed:          42,
		Contamination: 0.02,
	}
}

// IsolationForest is a fitted isolation forest. Scores follow the usual
// convention: ScoreSamples is in [-1, 0), Decision is negative for
// outliers at the configured contamination.
type IsolationForest struct {
	Trees         []isolationTree `cbor:"trees"`
	SampleSize    int             `cbor:"sample_size"`
	NumFeatures   int             `cbor:"num_features"`
	Offset        float64         `cbor:"offset"`
	Contamination float64         `cbor:"contamination"`
}

// Nodes are stored flat; a node with Left < 0 is a leaf and Size is the
// number of training points that reached it.
type isolationTree struct {
	Nodes []treeNode `cbor:"nodes"`
}

type treeNode struct {
	Feature int     `cbor:"f"`
	Split   float64 `cbor:"s"`
	Left    int     `cbor:"l"`
	Right   int     `cbor:"r"`
	Size    int     `cbor:"n"`
}

// FitForest fits a forest on the rows of x. Every row must have the same
// length and only finite values.
func FitForest(x [][]float64, cfg ForestConfig) (*IsolationForest, error) {
	if len(x) == 0 {
		return nil, errors.New("iforest: no samples")
	}
	if cfg.Trees < 1 {
		return nil, fmt.Errorf("iforest: trees must be >= 1, got %d", cfg.Trees)
	}
	if cfg.MaxSamples < 1 {
		return nil, fmt.Errorf("iforest: max samples must be >= 1, got %d", cfg.MaxSamples)
	}
	if cfg.Contamination < 0 || cfg.Contamination >= 0.5 {
		return nil, fmt.Errorf("iforest: contamination must be in [0, 0.5), got %g", cfg.Contamination)
	}

	numFeatures := len(x[0])
	if numFeatures == 0 {
		return nil, errors.New("iforest: samples have no features")
	}
	for i, row := range x {
		if len(row) != numFeatures {
			return nil, fmt.Errorf("iforest: row %d has %d features, want %d", i, len(row), numFeatures)
		}
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("iforest: row %d feature %d is not finite", i, j)
			}
		}
	}

	sampleSize := min(cfg.MaxSamples, len(x))
	heightLimit := int(math.Ceil(math.Log2(float64(max(sampleSize, 2)))))

	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))

	forest := &IsolationForest{
		Trees:         make([]isolationTree, cfg.Trees),
		SampleSize:    sampleSize,
		NumFeatures:   numFeatures,
		Contamination: cfg.Contamination,
	}

	for t := range forest.Trees {
		indices := rng.Perm(len(x))[:sampleSize]
		builder := treeBuilder{x: x, rng: rng, heightLimit: heightLimit, numFeatures: numFeatures}
		builder.grow(indices, 0)
		forest.Trees[t] = isolationTree{Nodes: builder.nodes}
	}

	if cfg.Contamination == 0 {
		forest.Offset = -0.5
		return forest, nil
	}

	scores := forest.ScoreSamples(x)
	forest.Offset = percentile(scores, cfg.Contamination)
	return forest, nil
}

type treeBuilder struct {
	x           [][]float64
	rng         *rand.Rand
	heightLimit int
	numFeatures int
	nodes       []treeNode
	candidates  []int
	lows        []float64
	highs       []float64
}

// grow appends the subtree for indices and returns its node index.
// indices is partitioned in place.
func (b *treeBuilder) grow(indices []int, depth int) int {
	id := len(b.nodes)
	b.nodes = append(b.nodes, treeNode{Left: -1, Right: -1, Size: len(indices)})

	if depth >= b.heightLimit || len(indices) <= 1 {
		return id
	}

	if b.lows == nil {
		b.lows = make([]float64, b.numFeatures)
		b.highs = make([]float64, b.numFeatures)
	}
	for f := 0; f < b.numFeatures; f++ {
		b.lows[f] = math.Inf(1)
		b.highs[f] = math.Inf(-1)
	}
	for _, i := range indices {
		for f, v := range b.x[i] {
			b.lows[f] = math.Min(b.lows[f], v)
			b.highs[f] = math.Max(b.highs[f], v)
		}
	}

	b.candidates = b.candidates[:0]
	for f := 0; f < b.numFeatures; f++ {
		if b.highs[f] > b.lows[f] {
			b.candidates = append(b.candidates, f)
		}
	}
	if len(b.candidates) == 0 {
		return id
	}

	feature := b.candidates[b.rng.IntN(len(b.candidates))]
	low, high := b.lows[feature], b.highs[feature]
	split := low + b.rng.Float64()*(high-low)

	// Partition: values below split go left.
	mid := 0
	for k, i := range indices {
		if b.x[i][feature] < split {
			indices[k], indices[mid] = indices[mid], indices[k]
			mid++
		}
	}

	left := b.grow(indices[:mid], depth+1)
	right := b.grow(indices[mid:], depth+1)

	b.nodes[id].Feature = feature
	b.nodes[id].Split = split
	b.nodes[id].Left = left
	b.nodes[id].Right = right
	return id
}

func (t *isolationTree) pathLength(row []float64) float64 {
	node := 0
	depth := 0
	for t.Nodes[node].Left >= 0 {
		n := t.Nodes[node]
		if row[n.Feature] < n.Split {
			node = n.Left
		} else {
			node = n.Right
		}
		depth++
	}
	return float64(depth) + averagePathLength(t.Nodes[node].Size)
}

// averagePathLength is c(n), the mean path length of an unsuccessful
// search in a binary search tree of n points.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}

// ScoreSamples returns the opposite of the anomaly score of each row:
// values near -1 are outliers, values near -0.5 or above are inliers.
func (f *IsolationForest) ScoreSamples(x [][]float64) []float64 {
	norm := averagePathLength(f.SampleSize)
	if norm == 0 {
		norm = 1
	}

	scores := make([]float64, len(x))
	for i, row := range x {
		var total float64
		for t := range f.Trees {
			total += f.Trees[t].pathLength(row)
		}
		mean := total / float64(len(f.Trees))
		scores[i] = -math.Pow(2, -mean/norm)
	}
	return scores
}

// Decision shifts ScoreSamples by the fitted offset so the contamination
// boundary sits at zero.
func (f *IsolationForest) Decision(x [][]float64) []float64 {
	scores := f.ScoreSamples(x)
	for i := range scores {
		scores[i] -= f.Offset
	}
	return scores
}

// IsAnomaly is the forest's own outlier predicate for a decision value.
func (f *IsolationForest) IsAnomaly(decision float64) bool {
	return decision < 0
}

// Validate checks the structural invariants of a decoded forest.
func (f *IsolationForest) Validate() error {
	if len(f.Trees) == 0 {
		return errors.New("iforest: no trees")
	}
	if f.NumFeatures < 1 {
		return errors.New("iforest: no features")
	}
	for t, tree := range f.Trees {
		if len(tree.Nodes) == 0 {
			return fmt.Errorf("iforest: tree %d is empty", t)
		}
		for i, n := range tree.Nodes {
			if n.Left < 0 {
				continue
			}
			if n.Feature < 0 || n.Feature >= f.NumFeatures {
				return fmt.Errorf("iforest: tree %d node %d splits on feature %d of %d", t, i, n.Feature, f.NumFeatures)
			}
			if n.Left <= i || n.Left >= len(tree.Nodes) || n.Right <= i || n.Right >= len(tree.Nodes) {
				return fmt.Errorf("iforest: tree %d node %d has invalid children", t, i)
			}
		}
	}
	return nil
}

// percentile is the q-quantile (0..1) of values with linear
// interpolation between closest ranks.
func percentile(values []float64, q float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := min(lo+1, len(sorted)-1)
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}
