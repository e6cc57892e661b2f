package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrVersionConflict is returned when a checkpoint put lost the race for its
// thread's next version. The caller must reload the latest checkpoint and
// recompute its successor — divergent successors are never merged.
var ErrVersionConflict = errors.New("storage: checkpoint version conflict")
