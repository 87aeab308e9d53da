package progress

import (
	"errors"

	"github.com/mattn/go-sqlite3"
)

var (
	// ErrAlreadyActive is returned by CreateJob when a non-terminal row
	// already exists for the (source, dataset) pair.
	ErrAlreadyActive = errors.New("an active extraction already exists for this source/dataset")

	// ErrNotFound is returned when no row matches the query.
	ErrNotFound = errors.New("no extraction job found")

	// ErrConflict is returned by Transition when the row is not in any of
	// the expected from-statuses.
	ErrConflict = errors.New("job status conflict")
)

// IsTransient reports whether a store error is worth retrying in-process,
// such as sqlite lock contention.
func IsTransient(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}
