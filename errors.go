package flease

import "github.com/pkg/errors"

var (
	// Recoverable, handled inside the stage by retrying.
	ErrProtocolConflict = errors.New("Proposal was overruled by a higher ballot")
	ErrTimeout          = errors.New("Did not receive responses from a majority in time")
	ErrViewMismatch     = errors.New("View id is outdated")

	// Terminal for the current operation.
	ErrPersistence      = errors.New("Couldn't persist acceptor state")
	ErrExhaustedRetries = errors.New("Lease negotiation failed, retries exhausted")
	ErrClockDrift       = errors.New("System is not in sync, clock drift exceeded")
	ErrNotOwner         = errors.New("Not the lease owner")
	ErrCellNotOpen      = errors.New("Cell is not open")
	ErrStageStopped     = errors.New("Stage is not running")
)

// IsRecoverable reports whether err is handled by retrying with a higher ballot.
func IsRecoverable(err error) bool {
	switch errors.Cause(err) {
	case ErrProtocolConflict, ErrTimeout, ErrViewMismatch:
		return true
	}
	return false
}
