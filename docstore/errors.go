package docstore

import (
	"errors"
	"fmt"

	"github.com/warp/academy-ledger/apperr"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned by Get for a missing document and by OpUpdate
	// when the target does not exist.
	ErrNotFound = fmt.Errorf("document %w", apperr.ErrNotFound)

	// ErrAlreadyExists is returned by OpCreate when the document exists.
	ErrAlreadyExists = fmt.Errorf("document %w", apperr.ErrAlreadyExists)

	// ErrConflict is returned when an OpUpdate version precondition fails.
	// The caller re-reads and retries; see sequence.Counter.
	ErrConflict = errors.New("document version conflict")

	ErrInvalidPath = fmt.Errorf("%w: invalid path", apperr.ErrInvalidArgument)
)

// IsConflict reports a failed optimistic-concurrency precondition, including
// a create that lost the race.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrAlreadyExists)
}
