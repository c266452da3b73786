package acceptor

import (
	"io/ioutil"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/satori/go.uuid"
	"github.com/xtreemfs/flease"
)

const LockfilePrefix = "flease_lock."

// LearnListener is told about every value the acceptor learns.
type LearnListener interface {
	Learned(lease flease.Flease)
}

type LearnFunc func(lease flease.Flease)

func (f LearnFunc) Learned(lease flease.Flease) {
	f(lease)
}

// Acceptor implements the Paxos acceptor role for any number of cells. It is
// not safe for concurrent use, the stage owns it.
type Acceptor struct {
	config flease.Config
	clock  flease.Clock
	store  flease.CellStore

	viewListener  flease.ViewChangeListener
	learnListener LearnListener

	cells map[string]*cell

	lockDir     string
	lockfile    string
	incarnation string
	waitUntil   time.Time
}

func WithViewChangeListener(listener flease.ViewChangeListener) func(*Acceptor) {
	return func(a *Acceptor) {
		a.viewListener = listener
	}
}

func WithLearnListener(listener LearnListener) func(*Acceptor) {
	return func(a *Acceptor) {
		a.learnListener = listener
	}
}

// WithLockDir makes the acceptor keep a lock file in dir, which is used to
// detect restarts after a crash.
func WithLockDir(dir string) func(*Acceptor) {
	return func(a *Acceptor) {
		a.lockDir = dir
	}
}

// New loads the state of all cells from store before returning, so promises
// made before a crash are honored by the first message served.
func New(config flease.Config, clock flease.Clock, store flease.CellStore, opts ...func(*Acceptor)) (*Acceptor, error) {
	a := &Acceptor{
		config:      config,
		clock:       clock,
		store:       store,
		cells:       make(map[string]*cell),
		incarnation: uuid.NewV4().String(),
	}
	for _, opt := range opts {
		opt(a)
	}

	records, err := store.LoadAll()
	if err != nil {
		return nil, errors.Wrap(err, "Couldn't load acceptor state")
	}
	now := clock.Now()
	for cellID, record := range records {
		a.cells[cellID] = newCellFromRecord(record, now)
	}

	if a.lockDir != "" {
		if err := a.acquireLock(now); err != nil {
			return nil, err
		}
	}

	return a, nil
}

func (a *Acceptor) acquireLock(now time.Time) error {
	a.lockfile = filepath.Join(a.lockDir, LockfilePrefix+a.config.Identity)

	previous, err := ioutil.ReadFile(a.lockfile)
	switch {
	case err == nil:
		if a.config.RestartWait > 0 {
			a.waitUntil = now.Add(a.config.RestartWait)
		}
		log.Printf("Acceptor restarted after crash (lock file %s of incarnation %s exists), ignoring messages until %v",
			a.lockfile, previous, a.waitUntil)
	case !os.IsNotExist(err):
		return errors.Wrap(err, "Couldn't read acceptor lock file")
	}

	if err := ioutil.WriteFile(a.lockfile, []byte(a.incarnation), 0644); err != nil {
		return errors.Wrap(err, "Couldn't write acceptor lock file")
	}
	return nil
}

func (a *Acceptor) Incarnation() string {
	return a.incarnation
}

// Close removes the lock file, marking a clean shutdown.
func (a *Acceptor) Close() error {
	if a.lockfile == "" {
		return nil
	}
	if err := os.Remove(a.lockfile); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "Couldn't remove acceptor lock file")
	}
	return nil
}

func (a *Acceptor) debugf(format string, args ...interface{}) {
	if a.config.Debug {
		log.Printf("A "+format, args...)
	}
}

func (a *Acceptor) getCell(cellID string) *cell {
	now := a.clock.Now()
	c, ok := a.cells[cellID]
	if !ok {
		c = &cell{}
		a.cells[cellID] = c
	} else if c.isIdle(now, a.config.CellTimeout) {
		a.debugf("GCed cell %s", cellID)
		c = a.resetCell(cellID, c)
	}
	c.touch(now)
	return c
}

// resetCell replaces an outdated cell by an empty one which keeps the view.
func (a *Acceptor) resetCell(cellID string, old *cell) *cell {
	c := &cell{
		viewID:          old.viewID,
		viewInvalidated: old.viewInvalidated,
	}
	a.cells[cellID] = c
	if err := a.store.Store(cellID, c.record()); err != nil {
		log.Printf("Couldn't persist collected cell %s: %v", cellID, err)
	}
	return c
}

func (a *Acceptor) persist(cellID string, c *cell) error {
	if err := a.store.Store(cellID, c.record()); err != nil {
		return errors.Wrapf(flease.ErrPersistence, "cell %s: %v", cellID, err)
	}
	return nil
}

func (a *Acceptor) now() int64 {
	return flease.Millis(a.clock.Now())
}

// ProcessMessage handles a PREPARE, ACCEPT or LEARN message. ok is false when
// there is nothing to send back. An error means the state change couldn't be
// made durable and no acknowledgement may be sent.
func (a *Acceptor) ProcessMessage(msg flease.Message) (response flease.Message, ok bool, err error) {
	now := a.clock.Now()
	if msg.SendTimestamp+a.config.MessageTimeout.Milliseconds() < flease.Millis(now) {
		a.debugf("outdated message discarded: %v", msg)
		return flease.Message{}, false, nil
	}
	if !a.waitUntil.IsZero() && !now.After(a.waitUntil) {
		a.debugf("message discarded, acceptor is still in recovery period: %v", msg)
		return flease.Message{}, false, nil
	}

	c := a.getCell(msg.CellID)
	if c.viewID < msg.ViewID {
		// The request can still be answered, the embedder has to update the local view.
		if a.viewListener != nil {
			a.viewListener.ViewIDChangeEvent(msg.CellID, msg.ViewID, false)
		}
	} else if c.viewID > msg.ViewID || (c.viewID == msg.ViewID && c.viewInvalidated) {
		wrongView := msg.Derive(flease.MsgWrongView)
		wrongView.ViewID = c.viewID
		wrongView.SendTimestamp = a.now()
		return wrongView, true, nil
	}

	switch msg.Type {
	case flease.MsgPrepare:
		return a.HandlePrepare(msg)
	case flease.MsgAccept:
		return a.HandleAccept(msg)
	case flease.MsgLearn:
		a.HandleLearn(msg)
		return flease.Message{}, false, nil
	}
	log.Printf("Acceptor received invalid message type: %v", msg)
	return flease.Message{}, false, nil
}

func (a *Acceptor) HandlePrepare(msg flease.Message) (flease.Message, bool, error) {
	c := a.getCell(msg.CellID)

	if c.prepared != nil && c.prepared.After(msg) {
		a.debugf("prepare NACK p:%s is after %s", c.prepared.ProposalNo, msg.ProposalNo)
		nack := msg.Derive(flease.MsgPrepareNack)
		nack.PrevProposalNo = c.prepared.ProposalNo
		nack.LeaseHolder = ""
		nack.LeaseTimeout = 0
		nack.SendTimestamp = a.now()
		return nack, true, nil
	}

	a.debugf("prepare ACK p:%s -> %s a:%s", describe(c.prepared), msg.ProposalNo, describe(c.accepted))
	previous := c.prepared
	c.prepared = stored(msg)
	if err := a.persist(msg.CellID, c); err != nil {
		c.prepared = previous
		return flease.Message{}, false, err
	}

	ack := msg.Derive(flease.MsgPrepareAck)
	if c.accepted != nil {
		ack.PrevProposalNo = c.accepted.ProposalNo
		ack.LeaseHolder = c.accepted.LeaseHolder
		ack.LeaseTimeout = c.accepted.LeaseTimeout
	} else {
		ack.PrevProposalNo = flease.EmptyProposalNumber
		ack.LeaseHolder = ""
		ack.LeaseTimeout = 0
	}
	ack.SendTimestamp = a.now()
	return ack, true, nil
}

func (a *Acceptor) HandleAccept(msg flease.Message) (flease.Message, bool, error) {
	c := a.getCell(msg.CellID)

	if c.prepared != nil && c.prepared.After(msg) {
		a.debugf("accept NACK p:%s is after %s", c.prepared.ProposalNo, msg.ProposalNo)
		nack := msg.Derive(flease.MsgAcceptNack)
		nack.PrevProposalNo = c.prepared.ProposalNo
		nack.LeaseHolder = ""
		nack.LeaseTimeout = 0
		nack.SendTimestamp = a.now()
		return nack, true, nil
	}

	a.debugf("accept ACK p:%s a:%s -> %s=%s/%d", describe(c.prepared), describe(c.accepted), msg.ProposalNo, msg.LeaseHolder, msg.LeaseTimeout)
	previousPrepared, previousAccepted := c.prepared, c.accepted
	c.prepared = stored(msg)
	c.accepted = c.prepared
	if err := a.persist(msg.CellID, c); err != nil {
		c.prepared, c.accepted = previousPrepared, previousAccepted
		return flease.Message{}, false, err
	}

	ack := msg.Derive(flease.MsgAcceptAck)
	ack.SendTimestamp = a.now()
	return ack, true, nil
}

// HandleLearn records a decided value. Learning the same value twice is a
// no-op, values from older ballots are ignored.
func (a *Acceptor) HandleLearn(msg flease.Message) {
	c := a.getCell(msg.CellID)

	if (c.prepared != nil && c.prepared.After(msg)) || (c.accepted != nil && c.accepted.After(msg)) {
		a.debugf("ignore outdated LEARN message %s", msg.ProposalNo)
		return
	}
	learned := stored(msg)
	learned.Type = flease.MsgLearn
	if sameValue(c.latestLearn, learned) {
		return
	}

	a.debugf("learn p:%s a:%s -> %s=%s/%d", describe(c.prepared), describe(c.accepted), msg.ProposalNo, msg.LeaseHolder, msg.LeaseTimeout)
	if !sameValue(c.accepted, learned) || !sameValue(c.prepared, learned) {
		c.prepared = learned
		c.accepted = learned
		if err := a.persist(msg.CellID, c); err != nil {
			// Nothing is acknowledged on learn, the next ack persists the cell again.
			log.Printf("Couldn't persist learned value for cell %s: %v", msg.CellID, err)
		}
	}
	c.latestLearn = learned

	if a.learnListener != nil {
		a.learnListener.Learned(learned.Lease())
	}
}

// LocalLeaseInformation returns the latest learned value of the cell.
func (a *Acceptor) LocalLeaseInformation(cellID string) (flease.Message, bool) {
	c := a.getCell(cellID)
	if c.latestLearn == nil {
		return flease.Message{}, false
	}
	return *c.latestLearn, true
}

// LocalState returns the learned values of all cells.
func (a *Acceptor) LocalState() map[string]flease.Message {
	state := make(map[string]flease.Message, len(a.cells))
	for cellID, c := range a.cells {
		if c.latestLearn != nil {
			state[cellID] = *c.latestLearn
		}
	}
	return state
}

// HighestRound returns the highest ballot round this acceptor has seen for
// the cell, 0 if none.
func (a *Acceptor) HighestRound(cellID string) int64 {
	c, ok := a.cells[cellID]
	if !ok {
		return 0
	}
	return c.highestRound()
}

// SetViewID sets the view of the cell, flease.ViewIDInvalidated invalidates
// the current view.
func (a *Acceptor) SetViewID(cellID string, viewID int) error {
	c := a.getCell(cellID)
	previousID, previousInvalidated := c.viewID, c.viewInvalidated
	if viewID == flease.ViewIDInvalidated {
		c.viewInvalidated = true
	} else {
		c.viewID = viewID
		c.viewInvalidated = false
	}
	if c.viewID == previousID && c.viewInvalidated == previousInvalidated {
		return nil
	}
	if err := a.persist(cellID, c); err != nil {
		c.viewID, c.viewInvalidated = previousID, previousInvalidated
		return err
	}
	return nil
}

// CollectGarbage removes cells which have been idle longer than the cell
// timeout. Cells with a view are kept without their ballots.
func (a *Acceptor) CollectGarbage() int {
	now := a.clock.Now()
	collected := 0
	for cellID, c := range a.cells {
		if !c.isIdle(now, a.config.CellTimeout) {
			continue
		}
		if c.viewID == 0 && !c.viewInvalidated {
			if err := a.store.Delete(cellID); err != nil {
				log.Printf("Couldn't delete collected cell %s: %v", cellID, err)
				continue
			}
			delete(a.cells, cellID)
		} else {
			a.resetCell(cellID, c).touch(now)
		}
		collected++
	}
	return collected
}

// Dump describes the state of a cell for debugging.
func (a *Acceptor) Dump(cellID string) string {
	c, ok := a.cells[cellID]
	if !ok {
		return cellID + ": does not exist"
	}
	return cellID + ": " + c.String()
}
