package acceptor

import (
	"fmt"
	"time"

	"github.com/xtreemfs/flease"
)

// cell is the acceptor state of one cell. The messages it points to are
// private copies and never modified, updates replace the pointer.
type cell struct {
	prepared    *flease.Message
	accepted    *flease.Message
	latestLearn *flease.Message

	viewID          int
	viewInvalidated bool

	lastAccess time.Time
}

func newCellFromRecord(record flease.CellRecord, now time.Time) *cell {
	return &cell{
		prepared:        record.Prepared,
		accepted:        record.Accepted,
		viewID:          record.ViewID,
		viewInvalidated: record.ViewInvalidated,
		lastAccess:      now,
	}
}

func (c *cell) record() flease.CellRecord {
	return flease.CellRecord{
		Prepared:        c.prepared,
		Accepted:        c.accepted,
		ViewID:          c.viewID,
		ViewInvalidated: c.viewInvalidated,
	}
}

func (c *cell) touch(now time.Time) {
	c.lastAccess = now
}

func (c *cell) isIdle(now time.Time, timeout time.Duration) bool {
	return c.lastAccess.Add(timeout).Before(now)
}

func (c *cell) highestRound() int64 {
	var round int64
	if c.prepared != nil && c.prepared.ProposalNo.Round > round {
		round = c.prepared.ProposalNo.Round
	}
	if c.accepted != nil && c.accepted.ProposalNo.Round > round {
		round = c.accepted.ProposalNo.Round
	}
	return round
}

func stored(msg flease.Message) *flease.Message {
	msg.Sender = ""
	return &msg
}

func sameValue(a, b *flease.Message) bool {
	return a != nil && b != nil &&
		a.ProposalNo == b.ProposalNo &&
		a.LeaseHolder == b.LeaseHolder &&
		a.LeaseTimeout == b.LeaseTimeout &&
		a.MasterEpochNumber == b.MasterEpochNumber
}

func describe(msg *flease.Message) string {
	if msg == nil {
		return flease.EmptyProposalNumber.String()
	}
	return fmt.Sprintf("%s=%s/%d", msg.ProposalNo, msg.LeaseHolder, msg.LeaseTimeout)
}

func (c *cell) String() string {
	return fmt.Sprintf("prepared=%s accepted=%s learned=%s view=%d invalidated=%v",
		describe(c.prepared), describe(c.accepted), describe(c.latestLearn), c.viewID, c.viewInvalidated)
}
