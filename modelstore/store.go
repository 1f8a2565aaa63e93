// Package modelstore trains, persists and loads one isolation-forest
// model per room. Each room's model is a single artifact file under the
// store directory, replaced atomically on retrain.
package modelstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"iot-anomaly-pipeline/analytics"
	"iot-anomaly-pipeline/models"
	"iot-anomaly-pipeline/retry"
)

const (
	artifactPrefix = "iforest_"
	artifactSuffix = ".model"
)

type Config struct {
	Dir string

	// MinSamples is the training floor. Zero means 10.
	MinSamples int

	// Forest carries trees, sample size and seed. Contamination is
	// taken from each Train call.
	Forest analytics.ForestConfig

	// Locker defaults to a MemoryLocker.
	Locker Locker

	// Retry bounds artifact writes.
	Retry retry.Policy

	Logger *slog.Logger

	// Clock stamps TrainedAt. Defaults to time.Now.
	Clock func() time.Time
}

type Store struct {
	dir        string
	minSamples int
	forest     analytics.ForestConfig
	locker     Locker
	retry      retry.Policy
	logger     *slog.Logger
	clock      func() time.Time
}

func Open(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errors.New("modelstore: Dir is required")
	}

	store := &Store{
		dir:        cfg.Dir,
		minSamples: cfg.MinSamples,
		forest:     cfg.Forest,
		locker:     cfg.Locker,
		retry:      cfg.Retry,
		logger:     cfg.Logger,
		clock:      cfg.Clock,
	}
	if store.minSamples <= 0 {
		store.minSamples = 10
	}
	if store.forest.Trees == 0 && store.forest.MaxSamples == 0 {
		store.forest = analytics.DefaultForestConfig()
	}
	if store.locker == nil {
		store.locker = NewMemoryLocker()
	}
	if store.retry.Attempts == 0 {
		store.retry = retry.DefaultPolicy()
	}
	if store.logger == nil {
		store.logger = slog.New(slog.DiscardHandler)
	}
	if store.clock == nil {
		store.clock = time.Now
	}
	return store, nil
}

func (s *Store) Dir() string {
	return s.dir
}

// Path returns the artifact path for room.
func (s *Store) Path(room string) string {
	return filepath.Join(s.dir, artifactPrefix+url.PathEscape(room)+artifactSuffix)
}

// Train fits a model on set and replaces the room's artifact. Below the
// sample floor it returns *models.InsufficientDataError and leaves the
// store untouched.
func (s *Store) Train(ctx context.Context, room string, set models.FeatureSet, contamination float64) (*analytics.Model, error) {
	if room == "" {
		return nil, errors.New("modelstore: room is required")
	}
	if len(set.Vectors) < s.minSamples {
		return nil, &models.InsufficientDataError{Room: room, Count: len(set.Vectors), Floor: s.minSamples}
	}

	forestConfig := s.forest
	forestConfig.Contamination = contamination

	unlock, err := s.locker.Lock(ctx, room)
	if err != nil {
		return nil, fmt.Errorf("modelstore: locking room %s: %w", room, err)
	}
	defer unlock()

	started := time.Now()
	forest, err := analytics.FitForest(set.Matrix(), forestConfig)
	if err != nil {
		return nil, fmt.Errorf("modelstore: training room %s: %w", room, err)
	}

	columns := make([]string, len(set.Columns))
	copy(columns, set.Columns)
	model := &analytics.Model{
		Room:           room,
		FeatureColumns: columns,
		Contamination:  contamination,
		TrainedAt:      s.clock().UTC(),
		Samples:        len(set.Vectors),
		Forest:         forest,
	}

	data, err := encodeModel(model)
	if err != nil {
		return nil, fmt.Errorf("modelstore: room %s: %w", room, err)
	}

	path := s.Path(room)
	err = retry.Do(ctx, s.retry, s.logger, "persist model "+room, func(context.Context) error {
		return writeAtomic(path, data)
	})
	if err != nil {
		return nil, fmt.Errorf("modelstore: persisting room %s: %w", room, err)
	}

	s.logger.Info("model trained",
		"room", room,
		"samples", model.Samples,
		"columns", strings.Join(columns, ","),
		"contamination", contamination,
		"bytes", len(data),
		"duration", time.Since(started).String(),
	)
	return model, nil
}

// Load returns the room's current model, or *models.ModelNotFoundError
// when none has been trained. Artifacts that fail verification wrap
// ErrCorrupt.
func (s *Store) Load(ctx context.Context, room string) (*analytics.Model, error) {
	unlock, err := s.locker.RLock(ctx, room)
	if err != nil {
		return nil, fmt.Errorf("modelstore: locking room %s: %w", room, err)
	}
	defer unlock()

	data, err := os.ReadFile(s.Path(room))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &models.ModelNotFoundError{Room: room}
	}
	if err != nil {
		return nil, fmt.Errorf("modelstore: reading room %s: %w", room, err)
	}

	model, err := decodeModel(data)
	if err != nil {
		return nil, fmt.Errorf("modelstore: room %s: %w", room, err)
	}
	if model.Room != room {
		return nil, fmt.Errorf("modelstore: room %s: %w: artifact belongs to room %s", room, ErrCorrupt, model.Room)
	}
	return model, nil
}

// Rooms lists the rooms that have a model, sorted.
func (s *Store) Rooms() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("modelstore: listing %s: %w", s.dir, err)
	}

	var rooms []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, artifactPrefix) || !strings.HasSuffix(name, artifactSuffix) {
			continue
		}
		escaped := strings.TrimSuffix(strings.TrimPrefix(name, artifactPrefix), artifactSuffix)
		room, err := url.PathUnescape(escaped)
		if err != nil {
			s.logger.Warn("skipping artifact with undecodable name", "file", name, "error", err)
			continue
		}
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms, nil
}

// writeAtomic writes data to a temporary file in the target directory,
// fsyncs it and renames it into place, so readers see either the old
// artifact or the new one.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating model directory: %w", err)
	}

	file, err := os.CreateTemp(dir, ".iforest-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temporary model file: %w", err)
	}
	temporaryPath := file.Name()

	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary model file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary model file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary model file: %w", err)
	}

	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming model file into place: %w", err)
	}

	parentDirectory, err := os.Open(dir)
	if err == nil {
		parentDirectory.Sync()
		parentDirectory.Close()
	}
	return nil
}
