package models

import (
	"fmt"
	"strings"
)

// InsufficientDataError is returned when a room has fewer feature
// vectors than the training floor.
type InsufficientDataError struct {
	Room  string
	Count int
	Floor int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("room %s: insufficient data: %d samples, need at least %d", e.Room, e.Count, e.Floor)
}

// ModelNotFoundError is returned when no model has been trained for a room.
type ModelNotFoundError struct {
	Room string
}

func (e *ModelNotFoundError) Error() string {
	return fmt.Sprintf("room %s: no model", e.Room)
}

// SchemaMismatchError is returned when the requested feature columns do
// not match, in content and order, the columns a model was trained on.
type SchemaMismatchError struct {
	Room     string
	Model    []string
	Expected []string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("room %s: schema mismatch: model columns [%s], requested [%s]",
		e.Room, strings.Join(e.Model, ","), strings.Join(e.Expected, ","))
}

// SameColumns reports whether a and b name the same columns in the same order.
func SameColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
