package flease

import (
	"fmt"
	"time"
)

// Flease is an immutable snapshot of a lease as handed to listeners.
type Flease struct {
	CellID            string `json:"cell_id"`
	LeaseHolder       string `json:"lease_holder"`
	LeaseTimeout      int64  `json:"lease_timeout_ms"`
	MasterEpochNumber int64  `json:"master_epoch"`
}

// EmptyLease means "no holder known".
var EmptyLease = Flease{MasterEpochNumber: IgnoreMasterEpoch}

func (f Flease) IsEmpty() bool {
	return f.LeaseHolder == "" && f.LeaseTimeout == 0
}

func (f Flease) IsValid(now time.Time) bool {
	return f.LeaseHolder != "" && f.LeaseTimeout > Millis(now)
}

func (f Flease) IsSameHolder(other Flease) bool {
	return f.LeaseHolder == other.LeaseHolder
}

// Equal ignores the cell id, an empty lease is equal for every cell.
func (f Flease) Equal(other Flease) bool {
	return f.LeaseHolder == other.LeaseHolder &&
		f.LeaseTimeout == other.LeaseTimeout &&
		f.MasterEpochNumber == other.MasterEpochNumber
}

func (f Flease) String() string {
	if f.IsEmpty() {
		return fmt.Sprintf("%s: <empty>", f.CellID)
	}
	return fmt.Sprintf("%s: %s until %d (epoch %d)", f.CellID, f.LeaseHolder, f.LeaseTimeout, f.MasterEpochNumber)
}
