package proposer

import (
	"fmt"
	"time"

	"github.com/xtreemfs/flease"
)

type State int

const (
	Idle State = iota
	WaitForPrepareAck
	WaitForAcceptAck
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case WaitForPrepareAck:
		return "WAIT_FOR_PREP_ACK"
	case WaitForAcceptAck:
		return "WAIT_FOR_ACCEPT_ACK"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// cell is the proposer state of one open cell.
type cell struct {
	cellID    string
	acceptors []string

	state   State
	ballot  flease.ProposalNumber
	learned bool
	// stopped is set once the retries are exhausted, only OpenCell restarts the cell.
	stopped bool

	// messageSent is the PREPARE or ACCEPT of the running round.
	messageSent *flease.Message
	responses   map[string]flease.Message
	lastPrepare time.Time
	numFailures int

	requestMasterEpoch bool
	// roundMasterEpoch is set when the running round asks for a new epoch.
	roundMasterEpoch   bool
	masterEpochNumber  int64

	viewID          int
	viewInvalidated bool

	surrendering bool

	prevLease  flease.Flease
	generation uint64
	actions    *ActionList
}

func newCell(cellID string, acceptors []string, requestMasterEpoch bool, viewID int, generation uint64) *cell {
	return &cell{
		cellID:             cellID,
		acceptors:          acceptors,
		state:              Idle,
		responses:          make(map[string]flease.Message),
		requestMasterEpoch: requestMasterEpoch,
		masterEpochNumber:  flease.IgnoreMasterEpoch,
		viewID:             viewID,
		prevLease:          flease.EmptyLease,
		generation:         generation,
		actions:            NewActionList(),
	}
}

// majority of the remote acceptors plus the local one.
func (c *cell) majority() int {
	return (len(c.acceptors)+1)/2 + 1
}

func (c *cell) majorityAvailable() bool {
	return len(c.responses) >= c.majority()
}

func (c *cell) resetRound() {
	c.state = Idle
	c.messageSent = nil
	c.responses = make(map[string]flease.Message)
}

func (c *cell) nextBallot() {
	c.ballot = flease.ProposalNumber{Round: c.ballot.Round + 1, SenderID: c.ballot.SenderID}
}

func (c *cell) String() string {
	return fmt.Sprintf("cell %s state=%s ballot=%s failures=%d view=%d epoch=%d prev=%s",
		c.cellID, c.state, c.ballot, c.numFailures, c.viewID, c.masterEpochNumber, c.prevLease)
}
