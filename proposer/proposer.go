package proposer

import (
	"log"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"github.com/xtreemfs/flease"
)

// LocalAcceptor is the part of the local acceptor the proposer uses directly.
// PREPARE and ACCEPT reach the local acceptor through the Sender like any
// other acceptor.
type LocalAcceptor interface {
	LocalLeaseInformation(cellID string) (flease.Message, bool)
	HighestRound(cellID string) int64
	HandleLearn(msg flease.Message)
}

// Scheduler hands event back to HandleEvent after delay.
type Scheduler interface {
	Schedule(event flease.Message, generation uint64, delay time.Duration)
}

// Events receives the outcomes which don't pass through the local acceptor.
type Events interface {
	// LocalLease is called when a cell is served from a learned value which is
	// still valid.
	LocalLease(lease flease.Flease)
	LeaseFailed(cellID string, err error)
	Surrendered(cellID string, err error)
}

// Proposer runs the Paxos proposer role for all open cells. It is not safe for
// concurrent use, the stage goroutine owns it.
type Proposer struct {
	config flease.Config
	clock  flease.Clock
	local  LocalAcceptor
	sender flease.Sender
	timers Scheduler
	events Events

	viewListener flease.ViewChangeListener
	random       *rand.Rand

	cells      map[string]*cell
	generation uint64
}

func WithViewChangeListener(listener flease.ViewChangeListener) func(*Proposer) {
	return func(p *Proposer) {
		p.viewListener = listener
	}
}

// WithRandSeed makes ballot increments and retry jitter reproducible.
func WithRandSeed(seed int64) func(*Proposer) {
	return func(p *Proposer) {
		p.random = rand.New(rand.NewSource(seed))
	}
}

func New(config flease.Config, clock flease.Clock, local LocalAcceptor, sender flease.Sender, timers Scheduler, events Events, opts ...func(*Proposer)) *Proposer {
	p := &Proposer{
		config: config,
		clock:  clock,
		local:  local,
		sender: sender,
		timers: timers,
		events: events,
		random: rand.New(rand.NewSource(time.Now().UnixNano())),
		cells:  make(map[string]*cell),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Proposer) debugf(format string, args ...interface{}) {
	if p.config.Debug {
		log.Printf("P "+format, args...)
	}
}

func (p *Proposer) addAction(c *cell, name ActionName, detail string, msg *flease.Message) {
	action := Action{
		Time:   p.clock.Now(),
		Name:   name,
		Detail: detail,
	}
	if msg != nil {
		copied := *msg
		action.Message = &copied
	}
	c.actions.Add(action)
}

// OpenCell opens a cell and starts acquiring its lease. Opening a cell which
// gave up after exhausting its retries starts over, opening a cell which is
// still negotiating does nothing. The returned generation tags the timers of
// this incarnation of the cell.
func (p *Proposer) OpenCell(cellID string, acceptors []string, requestMasterEpoch bool, viewID int) uint64 {
	if c, ok := p.cells[cellID]; ok {
		if c.state == Idle && c.stopped {
			c.stopped = false
			c.requestMasterEpoch = requestMasterEpoch
			p.acquireLease(c)
		} else {
			p.addAction(c, ActionAcquireLease, "already open", nil)
		}
		return c.generation
	}

	p.generation++
	c := newCell(cellID, p.remoteAcceptors(acceptors), requestMasterEpoch, viewID, p.generation)
	p.cells[cellID] = c
	p.addAction(c, ActionCellOpened, "", nil)
	p.debugf("created new cell %s with acceptors %v", cellID, c.acceptors)
	p.acquireLease(c)
	return c.generation
}

func (p *Proposer) remoteAcceptors(acceptors []string) []string {
	seen := make(map[string]bool, len(acceptors))
	remote := make([]string, 0, len(acceptors))
	for _, acceptor := range acceptors {
		if acceptor == p.config.Identity || seen[acceptor] {
			continue
		}
		seen[acceptor] = true
		remote = append(remote, acceptor)
	}
	return remote
}

// CloseCell forgets the cell. It returns the generation of the closed cell so
// its pending timers can be dropped.
func (p *Proposer) CloseCell(cellID string) (uint64, bool) {
	c, ok := p.cells[cellID]
	if !ok {
		return 0, false
	}
	p.addAction(c, ActionCellClosed, "", nil)
	delete(p.cells, cellID)
	return c.generation, true
}

func (p *Proposer) IsOpen(cellID string) bool {
	_, ok := p.cells[cellID]
	return ok
}

func (p *Proposer) Generation(cellID string) (uint64, bool) {
	c, ok := p.cells[cellID]
	if !ok {
		return 0, false
	}
	return c.generation, true
}

func (p *Proposer) CurrentBallot(cellID string) flease.ProposalNumber {
	c, ok := p.cells[cellID]
	if !ok {
		return flease.EmptyProposalNumber
	}
	return c.ballot
}

func (p *Proposer) State(cellID string) (State, bool) {
	c, ok := p.cells[cellID]
	if !ok {
		return Idle, false
	}
	return c.state, true
}

func (p *Proposer) Actions(cellID string) ([]Action, bool) {
	c, ok := p.cells[cellID]
	if !ok {
		return nil, false
	}
	return c.actions.Entries(), true
}

// SetViewID changes the view of an open cell, flease.ViewIDInvalidated
// invalidates it.
func (p *Proposer) SetViewID(cellID string, viewID int) {
	c, ok := p.cells[cellID]
	if !ok {
		return
	}
	if viewID == flease.ViewIDInvalidated {
		c.viewInvalidated = true
	} else {
		c.viewID = viewID
		c.viewInvalidated = false
	}
	p.addAction(c, ActionSetViewID, "", nil)
}

// UpdatePrevLease records lease as the latest lease reported for the cell. It
// returns the previous lease if it differs.
func (p *Proposer) UpdatePrevLease(cellID string, lease flease.Flease) (flease.Flease, bool) {
	c, ok := p.cells[cellID]
	if !ok {
		return flease.Flease{}, false
	}
	if c.prevLease.Equal(lease) {
		return flease.Flease{}, false
	}
	previous := c.prevLease
	c.prevLease = lease
	return previous, true
}

// PrevLease returns the latest lease reported for the cell.
func (p *Proposer) PrevLease(cellID string) (flease.Flease, bool) {
	c, ok := p.cells[cellID]
	if !ok {
		return flease.Flease{}, false
	}
	return c.prevLease, true
}

// Surrender gives up the lease of the cell by running a round which proposes
// the empty holder. started is false when this node doesn't hold the lease.
func (p *Proposer) Surrender(cellID string) (started bool, err error) {
	c, ok := p.cells[cellID]
	if !ok {
		return false, errors.Wrapf(flease.ErrCellNotOpen, "cell %s", cellID)
	}
	info, ok := p.local.LocalLeaseInformation(cellID)
	if !ok || info.LeaseHolder != p.config.Identity || info.HasTimedOut(p.config.DMax, p.clock.Now()) {
		return false, nil
	}

	p.addAction(c, ActionSurrender, "", nil)
	if c.state != Idle {
		c.resetRound()
		c.nextBallot()
	}
	c.surrendering = true
	c.stopped = true
	p.startPrepare(c, "", 0, false)
	return true, nil
}

func (p *Proposer) acquireLease(c *cell) {
	p.addAction(c, ActionAcquireLease, "", nil)
	now := p.clock.Now()

	if info, ok := p.local.LocalLeaseInformation(c.cellID); ok && info.HasNotTimedOut(p.config.DMax, now) {
		p.debugf("request for cell %s served from local state", c.cellID)
		p.addAction(c, ActionReturnedLocalLease, "", &info)
		if info.LeaseHolder == p.config.Identity {
			c.masterEpochNumber = info.MasterEpochNumber
			p.scheduleRenew(c, info.LeaseTimeout)
		}
		p.events.LocalLease(info.Lease())
		return
	}

	if c.state != Idle {
		p.addAction(c, ActionAcquireLease, "not idle", nil)
		return
	}
	c.numFailures = 0
	p.startPrepare(c, p.config.Identity, p.newLeaseTimeout(now), c.requestMasterEpoch)
}

func (p *Proposer) newLeaseTimeout(now time.Time) int64 {
	return flease.Millis(now.Add(p.config.LeaseTimeout))
}

// HandleEvent processes a timer event. Events of an earlier incarnation of the
// cell are dropped.
func (p *Proposer) HandleEvent(event flease.Message, generation uint64) {
	c, ok := p.cells[event.CellID]
	if !ok || c.generation != generation {
		p.debugf("drop event of closed cell: %v", event)
		return
	}
	p.process(c, event)
}

// ProcessMessage processes a response from an acceptor.
func (p *Proposer) ProcessMessage(msg flease.Message) {
	c, ok := p.cells[msg.CellID]
	if !ok {
		p.debugf("drop message for unknown cell %s from %s", msg.CellID, msg.Sender)
		return
	}
	if msg.IsInternalEvent() {
		log.Printf("Proposer received internal event from the network: %v", msg)
		return
	}
	if c.viewInvalidated {
		p.debugf("drop message because of invalidated local view for cell %s", c.cellID)
		return
	}
	if c.viewID > msg.ViewID {
		p.debugf("drop message because of outdated remote view for cell %s: local %d, remote %d", c.cellID, c.viewID, msg.ViewID)
		return
	}
	p.process(c, msg)
}

func (p *Proposer) process(c *cell, msg flease.Message) {
	switch c.state {
	case Idle:
		if msg.ProposalNo != c.ballot || c.stopped {
			p.debugf("dropped message in state IDLE: %v", msg)
			return
		}
		switch msg.Type {
		case flease.EventRestart:
			p.addAction(c, ActionRestartEvent, "", nil)
			p.startPrepare(c, p.config.Identity, p.newLeaseTimeout(p.clock.Now()), c.requestMasterEpoch)
		case flease.EventRenew:
			p.addAction(c, ActionRenewEvent, "", nil)
			p.renewLease(c)
		default:
			p.debugf("dropped message in state IDLE: %v", msg)
		}
	case WaitForPrepareAck:
		p.processPrepareResponse(c, msg)
	case WaitForAcceptAck:
		p.processAcceptResponse(c, msg)
	}
}

func (p *Proposer) renewLease(c *cell) {
	p.addAction(c, ActionRenewLease, "", nil)
	now := p.clock.Now()
	nowMs := flease.Millis(now)

	info, ok := p.local.LocalLeaseInformation(c.cellID)
	var err error
	switch {
	case !ok:
		err = errors.Wrap(flease.ErrNotOwner, "no local lease information")
	case info.LeaseHolder != p.config.Identity:
		err = errors.Wrapf(flease.ErrNotOwner, "owner is %s", info.LeaseHolder)
	case info.HasTimedOut(p.config.DMax, now):
		err = errors.Errorf("lease already timed out at %d", info.LeaseTimeout)
	case info.LeaseTimeout-p.config.DMax.Milliseconds() < nowMs+2*p.config.RoundTimeout.Milliseconds():
		err = errors.Errorf("not enough time left to renew lease ending at %d", info.LeaseTimeout)
	}
	if err != nil {
		p.addAction(c, ActionRenewFailed, err.Error(), nil)
		log.Printf("Renew failed for cell %s: %v", c.cellID, err)
		c.resetRound()
		c.nextBallot()
		c.numFailures = 0
		p.scheduleRestart(c, p.config.DMax+p.config.LeaseTimeout)
		return
	}

	// Renewals keep the current master epoch.
	p.startPrepare(c, p.config.Identity, p.newLeaseTimeout(now), false)
}

func (p *Proposer) startPrepare(c *cell, holder string, leaseTimeout int64, requestMasterEpoch bool) {
	p.addAction(c, ActionPrepareStart, "", nil)
	now := p.clock.Now()

	if c.lastPrepare.Add(p.config.LeaseTimeout).Before(now) {
		round := flease.Millis(now)
		if highest := p.local.HighestRound(c.cellID) + 1; highest > round {
			round = highest
		}
		if c.ballot.Round > round {
			round = c.ballot.Round
		}
		c.ballot = flease.ProposalNumber{Round: round, SenderID: p.config.SenderID}
		p.addAction(c, ActionSetBallot, c.ballot.String(), nil)
	}
	c.lastPrepare = now
	c.responses = make(map[string]flease.Message)
	c.roundMasterEpoch = requestMasterEpoch

	msg := flease.NewMessage(flease.MsgPrepare, c.cellID)
	msg.ProposalNo = c.ballot
	msg.LeaseHolder = holder
	msg.LeaseTimeout = leaseTimeout
	msg.SendTimestamp = flease.Millis(now)
	msg.ViewID = c.viewID
	if requestMasterEpoch {
		msg.MasterEpochNumber = flease.RequestMasterEpoch
		p.addAction(c, ActionMasterEpoch, "requested", nil)
	}
	c.messageSent = &msg
	c.state = WaitForPrepareAck

	p.debugf("start PREPARE: %v", msg)
	p.broadcast(c, msg)

	timeout := flease.NewMessage(flease.EventTimeoutPrepare, c.cellID)
	timeout.ProposalNo = c.ballot
	p.timers.Schedule(timeout, c.generation, p.config.RoundTimeout)
}

// broadcast sends msg to the remote acceptors and the local one.
func (p *Proposer) broadcast(c *cell, msg flease.Message) {
	for _, acceptor := range c.acceptors {
		p.sender.Send(msg, acceptor)
	}
	p.sender.Send(msg, p.config.Identity)
}

// checkResponse drops outdated responses and cancels the round on messages
// from too far in the future.
func (p *Proposer) checkResponse(c *cell, msg flease.Message, now time.Time) bool {
	nowMs := flease.Millis(now)
	if msg.SendTimestamp+p.config.MessageTimeout.Milliseconds() < nowMs {
		p.debugf("ignore message (too old): %v", msg)
		return false
	}
	if msg.SendTimestamp > nowMs+p.config.DMax.Milliseconds() {
		p.addAction(c, ActionOutOfSync, "", &msg)
		log.Printf("Received message with timestamp too far in the future, clocks are not in sync: %d > %d + %v: %v",
			msg.SendTimestamp, nowMs, p.config.DMax, msg)
		p.cancel(c, errors.Wrapf(flease.ErrClockDrift, "message from %s", msg.Sender), 0)
		return false
	}
	if msg.ProposalNo != c.ballot {
		p.debugf("ignore message (not for my ballot %s): %v", c.ballot, msg)
		return false
	}
	return true
}

func (p *Proposer) processPrepareResponse(c *cell, msg flease.Message) {
	switch msg.Type {
	case flease.MsgPrepareAck, flease.MsgPrepareNack, flease.MsgWrongView, flease.EventTimeoutPrepare:
	default:
		p.debugf("ignore message (unexpected message type %s): %v", msg.Type, msg)
		return
	}
	p.addAction(c, ActionPrepareResponse, "", &msg)

	now := p.clock.Now()
	if !p.checkResponse(c, msg, now) {
		return
	}
	if msg.Type == flease.EventTimeoutPrepare {
		p.addAction(c, ActionPrepareTimeout, "", nil)
		p.cancel(c, errors.Wrap(flease.ErrTimeout, "PREPARE"), 0)
		return
	}

	c.responses[msg.Sender] = msg
	if !c.majorityAvailable() {
		return
	}
	p.debugf("majority responded for prepare %s: %d", c.ballot, len(c.responses))

	maxBallot := flease.EmptyProposalNumber
	maxViewID := 0
	wrongView := false
	maxEpoch := flease.IgnoreMasterEpoch
	var prevAccepted *flease.Message
	for _, resp := range c.responses {
		switch resp.Type {
		case flease.MsgWrongView:
			wrongView = true
			if resp.ViewID > maxViewID {
				maxViewID = resp.ViewID
			}
		case flease.MsgPrepareAck:
			if !resp.PrevProposalNo.IsEmpty() && (prevAccepted == nil || resp.PrevProposalNo.After(prevAccepted.PrevProposalNo)) {
				accepted := resp
				prevAccepted = &accepted
			}
			if resp.MasterEpochNumber > maxEpoch {
				maxEpoch = resp.MasterEpochNumber
			}
		case flease.MsgPrepareNack:
			if resp.PrevProposalNo.After(maxBallot) {
				maxBallot = resp.PrevProposalNo
			}
		}
	}

	if wrongView {
		p.viewMismatch(c, maxViewID)
		return
	}
	if !maxBallot.IsEmpty() {
		p.overruled(c, ActionPrepareOverruled, maxBallot)
		return
	}

	sent := c.messageSent
	if prevAccepted != nil {
		switch {
		case prevAccepted.HasNotTimedOut(p.config.DMax, now):
			if prevAccepted.LeaseHolder == p.config.Identity {
				p.addAction(c, ActionPrepareRenew, "", prevAccepted)
			} else {
				p.addAction(c, ActionPreparePriorValue, "still valid", prevAccepted)
				sent.LeaseHolder = prevAccepted.LeaseHolder
				sent.LeaseTimeout = prevAccepted.LeaseTimeout
			}
		case prevAccepted.HasTimedOut(p.config.DMax, now):
			p.addAction(c, ActionPrepareLeaseTO, "", prevAccepted)
		default:
			// Inside the grace period nobody knows whether the lease is still in use.
			p.addAction(c, ActionPreparePriorValue, "grace period", prevAccepted)
			sent.LeaseHolder = prevAccepted.LeaseHolder
			sent.LeaseTimeout = prevAccepted.LeaseTimeout
		}
	} else {
		p.addAction(c, ActionPrepareEmpty, "", nil)
	}

	if c.roundMasterEpoch {
		if maxEpoch < 0 {
			maxEpoch = 0
		}
		// The epoch only moves with the owner. Confirming the lease of
		// another holder keeps its epoch, or its renewals would be refused.
		if sent.LeaseHolder == p.config.Identity {
			c.masterEpochNumber = maxEpoch + 1
		} else {
			c.masterEpochNumber = maxEpoch
		}
		p.addAction(c, ActionMasterEpoch, "using", nil)
		p.debugf("using master epoch %d for cell %s", c.masterEpochNumber, c.cellID)
	}

	p.startAccept(c)
}

func (p *Proposer) startAccept(c *cell) {
	p.addAction(c, ActionAcceptStart, "", nil)
	now := p.clock.Now()

	msg := flease.NewMessage(flease.MsgAccept, c.cellID)
	msg.ProposalNo = c.ballot
	msg.LeaseHolder = c.messageSent.LeaseHolder
	msg.LeaseTimeout = c.messageSent.LeaseTimeout
	msg.SendTimestamp = flease.Millis(now)
	msg.ViewID = c.viewID
	if c.roundMasterEpoch || (c.requestMasterEpoch && c.masterEpochNumber > 0) {
		msg.MasterEpochNumber = c.masterEpochNumber
	}
	c.messageSent = &msg
	c.responses = make(map[string]flease.Message)
	c.state = WaitForAcceptAck

	p.debugf("start ACCEPT: %v", msg)
	p.broadcast(c, msg)

	timeout := flease.NewMessage(flease.EventTimeoutAccept, c.cellID)
	timeout.ProposalNo = c.ballot
	p.timers.Schedule(timeout, c.generation, p.config.RoundTimeout)
}

func (p *Proposer) processAcceptResponse(c *cell, msg flease.Message) {
	switch msg.Type {
	case flease.MsgAcceptAck, flease.MsgAcceptNack, flease.MsgWrongView, flease.EventTimeoutAccept:
	default:
		p.debugf("ignore message (unexpected message type %s): %v", msg.Type, msg)
		return
	}
	p.addAction(c, ActionAcceptResponse, "", &msg)

	if !p.checkResponse(c, msg, p.clock.Now()) {
		return
	}
	if msg.Type == flease.EventTimeoutAccept {
		p.addAction(c, ActionAcceptTimeout, "", nil)
		p.cancel(c, errors.Wrap(flease.ErrTimeout, "ACCEPT"), 0)
		return
	}

	c.responses[msg.Sender] = msg
	if !c.majorityAvailable() {
		return
	}
	p.debugf("majority responded for accept %s: %d", c.ballot, len(c.responses))

	maxBallot := flease.EmptyProposalNumber
	maxViewID := 0
	wrongView := false
	for _, resp := range c.responses {
		switch resp.Type {
		case flease.MsgWrongView:
			wrongView = true
			if resp.ViewID > maxViewID {
				maxViewID = resp.ViewID
			}
		case flease.MsgAcceptNack:
			if resp.PrevProposalNo.After(maxBallot) {
				maxBallot = resp.PrevProposalNo
			}
		}
	}

	if wrongView {
		p.viewMismatch(c, maxViewID)
		return
	}
	if !maxBallot.IsEmpty() {
		p.overruled(c, ActionAcceptOverruled, maxBallot)
		return
	}

	p.learn(c)
}

func (p *Proposer) viewMismatch(c *cell, maxViewID int) {
	p.addAction(c, ActionViewOutdated, "", nil)
	if maxViewID > c.viewID && p.viewListener != nil {
		p.viewListener.ViewIDChangeEvent(c.cellID, maxViewID, true)
	}
	p.cancel(c, errors.Wrapf(flease.ErrViewMismatch, "local view %d, remote view %d", c.viewID, maxViewID), 0)
}

// overruled continues with a ballot above the promise which rejected ours.
func (p *Proposer) overruled(c *cell, action ActionName, maxBallot flease.ProposalNumber) {
	c.ballot = flease.ProposalNumber{
		Round:    maxBallot.Round + int64(p.random.Intn(10)) + 1,
		SenderID: c.ballot.SenderID,
	}
	p.addAction(c, action, maxBallot.String(), nil)
	p.debugf("proposal for cell %s overruled by %s, restart with ballot %s", c.cellID, maxBallot, c.ballot)
	p.cancel(c, errors.Wrapf(flease.ErrProtocolConflict, "overruled by %s", maxBallot), 0)
}

func (p *Proposer) learn(c *cell) {
	p.addAction(c, ActionLearnStart, "", nil)
	now := p.clock.Now()
	nowMs := flease.Millis(now)

	msg := flease.NewMessage(flease.MsgLearn, c.cellID)
	msg.ProposalNo = c.ballot
	msg.LeaseHolder = c.messageSent.LeaseHolder
	msg.LeaseTimeout = c.messageSent.LeaseTimeout
	msg.SendTimestamp = nowMs
	msg.ViewID = c.viewID
	msg.MasterEpochNumber = c.messageSent.MasterEpochNumber
	c.resetRound()

	if c.surrendering {
		c.surrendering = false
		c.nextBallot()
		for _, acceptor := range c.acceptors {
			p.sender.Send(msg, acceptor)
		}
		p.local.HandleLearn(msg)
		p.events.Surrendered(c.cellID, nil)
		return
	}

	switch {
	case msg.HasTimedOut(p.config.DMax, now):
		p.addAction(c, ActionLearnTimedOut, "", &msg)
		p.debugf("finished round, lease has timed out, restart prepare: %v", msg)
		c.nextBallot()
		p.startPrepare(c, p.config.Identity, p.newLeaseTimeout(now), c.requestMasterEpoch)

	case msg.HasNotTimedOut(p.config.DMax, now):
		p.debugf("finished round, lease is valid: %v", msg)
		c.nextBallot()
		c.numFailures = 0
		c.learned = true
		if p.config.SendLearnMessages {
			for _, acceptor := range c.acceptors {
				p.sender.Send(msg, acceptor)
			}
		}
		p.local.HandleLearn(msg)
		if msg.LeaseHolder == p.config.Identity {
			p.scheduleRenew(c, msg.LeaseTimeout)
		}

	default:
		wait := time.Duration(msg.LeaseTimeout-nowMs)*time.Millisecond + p.config.DMax
		p.addAction(c, ActionLearnGracePeriod, "", &msg)
		p.debugf("finished round, lease is in grace period, restart in %v: %v", wait, msg)
		p.cancel(c, errors.Wrap(flease.ErrProtocolConflict, "current lease not yet timed out"), wait)
	}
}

func (p *Proposer) scheduleRenew(c *cell, leaseTimeout int64) {
	nowMs := flease.Millis(p.clock.Now())
	renewAt := leaseTimeout - 4*p.config.RoundTimeout.Milliseconds()
	if nowMs < renewAt {
		p.addAction(c, ActionScheduledRenew, "", nil)
		renew := flease.NewMessage(flease.EventRenew, c.cellID)
		renew.ProposalNo = c.ballot
		p.timers.Schedule(renew, c.generation, time.Duration(renewAt-nowMs)*time.Millisecond)
		return
	}

	wait := time.Duration(leaseTimeout-nowMs)*time.Millisecond + p.config.DMax
	log.Printf("Too late to schedule renew for cell %s, restart in %v", c.cellID, wait)
	p.cancel(c, errors.Errorf("too late for renew, restart after lease has timed out in %v", wait), wait)
}

func (p *Proposer) scheduleRestart(c *cell, after time.Duration) {
	p.addAction(c, ActionScheduledRestart, after.String(), nil)
	restart := flease.NewMessage(flease.EventRestart, c.cellID)
	restart.ProposalNo = c.ballot
	p.timers.Schedule(restart, c.generation, after)
}

// cancel aborts the running round. It retries after retryAfter, or after the
// configured backoff when retryAfter is zero, until the retries are exhausted.
func (p *Proposer) cancel(c *cell, reason error, retryAfter time.Duration) {
	p.addAction(c, ActionCancelled, reason.Error(), nil)
	p.debugf("proposal failed for cell %s: %v", c.cellID, reason)
	c.numFailures++
	c.resetRound()
	c.nextBallot()

	if c.surrendering {
		c.surrendering = false
		p.events.Surrendered(c.cellID, reason)
		return
	}

	if c.numFailures > p.config.MaxRetries {
		p.addAction(c, ActionLeaseFailed, "", nil)
		c.numFailures = 0
		c.stopped = true
		p.events.LeaseFailed(c.cellID, errors.Wrapf(flease.ErrExhaustedRetries, "cell %s: %v", c.cellID, reason))
		return
	}

	if retryAfter <= 0 {
		retryAfter = p.config.RetryDelay
		if p.config.RetryJitter > 0 {
			retryAfter += time.Duration(p.random.Int63n(int64(p.config.RetryJitter)))
		}
	}
	p.scheduleRestart(c, retryAfter)
}

// Restart schedules a new round for the cell after delay, used when the
// learned lease of the cell has expired.
func (p *Proposer) Restart(cellID string, delay time.Duration) {
	c, ok := p.cells[cellID]
	if !ok || c.stopped {
		return
	}
	p.scheduleRestart(c, delay)
}
