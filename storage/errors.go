package storage

import (
	"errors"

	"github.com/lib/pq"
)

// Common storage errors.
var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrDuplicatePath is returned when a project insert loses the
	// unique-path race. Callers re-read and treat the winner as the
	// existing project.
	ErrDuplicatePath = errors.New("project path already exists")

	// ErrConflict is returned when an optimistic update finds the row
	// changed underneath it.
	ErrConflict = errors.New("concurrent modification")
)

// uniqueViolation is the PostgreSQL error code for unique constraint hits.
const uniqueViolation = "23505"

// isUniqueViolation reports whether err is a unique-constraint failure.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
