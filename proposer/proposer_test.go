package proposer

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/xtreemfs/flease"
	"github.com/xtreemfs/flease/acceptor"
	"github.com/xtreemfs/flease/inmemory"
)

type envelope struct {
	msg flease.Message
	to  string
}

type timer struct {
	event      flease.Message
	generation uint64
	delay      time.Duration
}

// harness wires a proposer to a real local acceptor. Messages to remote
// acceptors are only recorded, tests answer them by hand.
type harness struct {
	t        *testing.T
	config   flease.Config
	clock    *flease.ManualClock
	acceptor *acceptor.Acceptor
	proposer *Proposer

	outbox      []envelope
	timers      []timer
	learned     []flease.Flease
	local       []flease.Flease
	failed      []error
	surrendered []error
}

func newHarness(t *testing.T, configure func(*flease.Config)) *harness {
	config := flease.DefaultConfig("me")
	if configure != nil {
		configure(&config)
	}
	h := &harness{
		t:      t,
		config: config,
		clock:  flease.NewManualClock(time.Date(2020, 1, 1, 12, 0, 0, 0, time.UTC)),
	}
	a, err := acceptor.New(config, h.clock, inmemory.NewCellStore(), acceptor.WithLearnListener(acceptor.LearnFunc(func(lease flease.Flease) {
		h.learned = append(h.learned, lease)
	})))
	if err != nil {
		t.Fatal(err)
	}
	h.acceptor = a
	h.proposer = New(config, h.clock, a, flease.SenderFunc(func(msg flease.Message, to string) {
		h.outbox = append(h.outbox, envelope{msg: msg, to: to})
	}), h, h, WithRandSeed(1))
	return h
}

func (h *harness) Schedule(event flease.Message, generation uint64, delay time.Duration) {
	h.timers = append(h.timers, timer{event: event, generation: generation, delay: delay})
}

func (h *harness) LocalLease(lease flease.Flease) {
	h.local = append(h.local, lease)
}

func (h *harness) LeaseFailed(cellID string, err error) {
	h.failed = append(h.failed, err)
}

func (h *harness) Surrendered(cellID string, err error) {
	h.surrendered = append(h.surrendered, err)
}

// deliverLocal runs all messages addressed to the local acceptor and feeds
// the responses back to the proposer.
func (h *harness) deliverLocal() {
	for i := 0; i < len(h.outbox); i++ {
		envelope := h.outbox[i]
		if envelope.to != h.config.Identity {
			continue
		}
		h.outbox = append(h.outbox[:i], h.outbox[i+1:]...)
		i--
		response, ok, err := h.acceptor.ProcessMessage(envelope.msg)
		if err != nil {
			h.t.Fatalf("Local acceptor failed: %v", err)
		}
		if ok {
			response.Sender = h.config.Identity
			h.proposer.ProcessMessage(response)
		}
	}
}

func (h *harness) lastSent(msgType flease.MsgType, to string) (flease.Message, bool) {
	for i := len(h.outbox) - 1; i >= 0; i-- {
		if h.outbox[i].msg.Type == msgType && h.outbox[i].to == to {
			return h.outbox[i].msg, true
		}
	}
	return flease.Message{}, false
}

// fire delivers the latest timer of the given type.
func (h *harness) fire(eventType flease.MsgType) {
	for i := len(h.timers) - 1; i >= 0; i-- {
		if h.timers[i].event.Type == eventType {
			timer := h.timers[i]
			h.timers = append(h.timers[:i], h.timers[i+1:]...)
			timer.event.SendTimestamp = flease.Millis(h.clock.Now())
			h.proposer.HandleEvent(timer.event, timer.generation)
			return
		}
	}
	h.t.Fatalf("No %s timer scheduled", eventType)
}

func (h *harness) hasTimer(eventType flease.MsgType) bool {
	for _, timer := range h.timers {
		if timer.event.Type == eventType {
			return true
		}
	}
	return false
}

func (h *harness) respond(request flease.Message, msgType flease.MsgType, from string) flease.Message {
	response := request.Derive(msgType)
	response.SendTimestamp = flease.Millis(h.clock.Now())
	response.Sender = from
	return response
}

func TestSingleNodeAcquiresLease(t *testing.T) {
	h := newHarness(t, nil)
	h.proposer.OpenCell("cell", nil, false, 0)
	h.deliverLocal()

	if len(h.learned) != 1 {
		t.Fatalf("Expected one learned lease, got %v", h.learned)
	}
	if h.learned[0].LeaseHolder != "me" {
		t.Errorf("Expected holder me, got %v", h.learned[0])
	}
	if state, _ := h.proposer.State("cell"); state != Idle {
		t.Errorf("Expected IDLE after learn, got %v", state)
	}

	var renew *timer
	for i := range h.timers {
		if h.timers[i].event.Type == flease.EventRenew {
			renew = &h.timers[i]
		}
	}
	if renew == nil {
		t.Fatal("No renewal scheduled")
	}
	if expected := h.config.LeaseTimeout - 4*h.config.RoundTimeout; renew.delay != expected {
		t.Errorf("Expected renewal after %v, got %v", expected, renew.delay)
	}
}

func TestRenewalExtendsLease(t *testing.T) {
	h := newHarness(t, nil)
	h.proposer.OpenCell("cell", nil, false, 0)
	h.deliverLocal()
	first := h.learned[0]

	h.clock.Advance(10 * time.Second)
	h.fire(flease.EventRenew)
	h.deliverLocal()

	if len(h.learned) != 2 {
		t.Fatalf("Expected a renewed lease, got %v", h.learned)
	}
	if h.learned[1].LeaseTimeout <= first.LeaseTimeout || h.learned[1].LeaseHolder != "me" {
		t.Errorf("Renewal didn't extend the lease: %v -> %v", first, h.learned[1])
	}
}

func TestPrepareOverruledByNack(t *testing.T) {
	h := newHarness(t, nil)
	h.proposer.OpenCell("cell", []string{"b", "c"}, false, 0)
	h.deliverLocal()

	prepare, ok := h.lastSent(flease.MsgPrepare, "b")
	if !ok {
		t.Fatal("No PREPARE sent to b")
	}
	promise := flease.ProposalNumber{Round: prepare.ProposalNo.Round + 100, SenderID: 99}
	nack := h.respond(prepare, flease.MsgPrepareNack, "b")
	nack.PrevProposalNo = promise
	h.proposer.ProcessMessage(nack)

	if state, _ := h.proposer.State("cell"); state != Idle {
		t.Fatalf("Expected IDLE after being overruled, got %v", state)
	}
	if !h.proposer.CurrentBallot("cell").After(promise) {
		t.Errorf("New ballot %v must be above the promise %v", h.proposer.CurrentBallot("cell"), promise)
	}

	h.outbox = nil
	h.fire(flease.EventRestart)
	retry, ok := h.lastSent(flease.MsgPrepare, "c")
	if !ok {
		t.Fatal("No PREPARE sent after restart")
	}
	if !retry.ProposalNo.After(promise) {
		t.Errorf("Retried with ballot %v, not above %v", retry.ProposalNo, promise)
	}
}

func TestPriorValueAdopted(t *testing.T) {
	h := newHarness(t, nil)
	h.proposer.OpenCell("cell", []string{"b", "c"}, false, 0)
	h.deliverLocal()

	prepare, _ := h.lastSent(flease.MsgPrepare, "b")
	ack := h.respond(prepare, flease.MsgPrepareAck, "b")
	ack.PrevProposalNo = flease.ProposalNumber{Round: 1, SenderID: 5}
	ack.LeaseHolder = "other"
	ack.LeaseTimeout = flease.Millis(h.clock.Now().Add(10 * time.Second))
	h.proposer.ProcessMessage(ack)

	accept, ok := h.lastSent(flease.MsgAccept, "c")
	if !ok {
		t.Fatal("No ACCEPT sent")
	}
	if accept.LeaseHolder != "other" || accept.LeaseTimeout != ack.LeaseTimeout {
		t.Errorf("Expected the still valid value of other to be proposed, got %v", accept)
	}
}

func TestMasterEpochOnlyMovesWithOwner(t *testing.T) {
	for _, c := range []struct {
		remaining time.Duration
		holder    string
		epoch     int64
	}{
		{remaining: 10 * time.Second, holder: "other", epoch: 4},
		{remaining: -10 * time.Second, holder: "me", epoch: 5},
	} {
		h := newHarness(t, nil)
		h.proposer.OpenCell("cell", []string{"b", "c"}, true, 0)
		h.deliverLocal()

		prepare, _ := h.lastSent(flease.MsgPrepare, "b")
		if prepare.MasterEpochNumber != flease.RequestMasterEpoch {
			t.Fatalf("Expected the PREPARE to request the master epoch, got %v", prepare)
		}
		ack := h.respond(prepare, flease.MsgPrepareAck, "b")
		ack.PrevProposalNo = flease.ProposalNumber{Round: 1, SenderID: 5}
		ack.LeaseHolder = "other"
		ack.LeaseTimeout = flease.Millis(h.clock.Now().Add(c.remaining))
		ack.MasterEpochNumber = 4
		h.proposer.ProcessMessage(ack)

		accept, ok := h.lastSent(flease.MsgAccept, "c")
		if !ok {
			t.Fatal("No ACCEPT sent")
		}
		if accept.LeaseHolder != c.holder || accept.MasterEpochNumber != c.epoch {
			t.Errorf("Expected %s with epoch %d, got %v", c.holder, c.epoch, accept)
		}
	}
}

func TestExpiredPriorValueReplaced(t *testing.T) {
	h := newHarness(t, nil)
	h.proposer.OpenCell("cell", []string{"b", "c"}, false, 0)
	h.deliverLocal()

	prepare, _ := h.lastSent(flease.MsgPrepare, "b")
	ack := h.respond(prepare, flease.MsgPrepareAck, "b")
	ack.PrevProposalNo = flease.ProposalNumber{Round: 1, SenderID: 5}
	ack.LeaseHolder = "other"
	ack.LeaseTimeout = flease.Millis(h.clock.Now().Add(-2 * h.config.DMax))
	h.proposer.ProcessMessage(ack)

	accept, _ := h.lastSent(flease.MsgAccept, "c")
	if accept.LeaseHolder != "me" {
		t.Errorf("Expected own value after the prior lease timed out, got %v", accept)
	}
}

func TestRetriesExhausted(t *testing.T) {
	h := newHarness(t, func(config *flease.Config) {
		config.MaxRetries = 1
	})
	h.proposer.OpenCell("cell", []string{"b", "c"}, false, 0)
	h.deliverLocal()

	h.fire(flease.EventTimeoutPrepare)
	if len(h.failed) != 0 {
		t.Fatal("Lease failed before retries were exhausted")
	}
	h.fire(flease.EventRestart)
	h.deliverLocal()
	h.fire(flease.EventTimeoutPrepare)

	if len(h.failed) != 1 {
		t.Fatalf("Expected one lease failure, got %v", h.failed)
	}
	if errors.Cause(h.failed[0]) != flease.ErrExhaustedRetries {
		t.Errorf("Expected ErrExhaustedRetries, got %v", h.failed[0])
	}
	if h.hasTimer(flease.EventRestart) {
		t.Error("A failed cell must not restart by itself")
	}

	// Re-opening starts over.
	h.outbox = nil
	h.proposer.OpenCell("cell", []string{"b", "c"}, false, 0)
	if _, ok := h.lastSent(flease.MsgPrepare, "b"); !ok {
		t.Error("Re-opening a failed cell didn't start a new round")
	}
}

func TestMessageFromTheFutureCancelsRound(t *testing.T) {
	h := newHarness(t, nil)
	h.proposer.OpenCell("cell", []string{"b", "c"}, false, 0)

	prepare, _ := h.lastSent(flease.MsgPrepare, "b")
	ack := h.respond(prepare, flease.MsgPrepareAck, "b")
	ack.SendTimestamp = flease.Millis(h.clock.Now().Add(5 * time.Second))
	h.proposer.ProcessMessage(ack)

	if state, _ := h.proposer.State("cell"); state != Idle {
		t.Errorf("Expected the round to be cancelled, state is %v", state)
	}
	actions, _ := h.proposer.Actions("cell")
	found := false
	for _, action := range actions {
		if action.Name == ActionOutOfSync {
			found = true
		}
	}
	if !found {
		t.Error("Out of sync message wasn't recorded")
	}
}

func TestDuplicateResponsesCountOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.proposer.OpenCell("cell", []string{"b", "c", "d", "e"}, false, 0)
	h.deliverLocal()

	prepare, _ := h.lastSent(flease.MsgPrepare, "b")
	ack := h.respond(prepare, flease.MsgPrepareAck, "b")
	h.proposer.ProcessMessage(ack)
	h.proposer.ProcessMessage(ack)

	if state, _ := h.proposer.State("cell"); state != WaitForPrepareAck {
		t.Errorf("Duplicate acks reached a majority of 3, state is %v", state)
	}
}

func TestWrongViewNotifiesListener(t *testing.T) {
	h := newHarness(t, nil)
	var views []int
	h.proposer.viewListener = flease.ViewChangeFunc(func(cellID string, viewID int, onProposal bool) {
		if !onProposal {
			t.Error("Expected a proposer side view change")
		}
		views = append(views, viewID)
	})
	h.proposer.OpenCell("cell", []string{"b", "c"}, false, 1)
	h.deliverLocal()

	prepare, _ := h.lastSent(flease.MsgPrepare, "b")
	wrongView := h.respond(prepare, flease.MsgWrongView, "b")
	wrongView.ViewID = 4
	h.proposer.ProcessMessage(wrongView)

	if len(views) != 1 || views[0] != 4 {
		t.Errorf("Expected view change to 4, got %v", views)
	}
	if state, _ := h.proposer.State("cell"); state != Idle {
		t.Errorf("Expected the round to be cancelled, state is %v", state)
	}
}

func TestStaleGenerationIgnored(t *testing.T) {
	h := newHarness(t, nil)
	first := h.proposer.OpenCell("cell", []string{"b", "c"}, false, 0)
	h.proposer.CloseCell("cell")
	second := h.proposer.OpenCell("cell", []string{"b", "c"}, false, 0)
	if first == second {
		t.Fatal("Re-opened cell reused its generation")
	}

	timeout := flease.NewMessage(flease.EventTimeoutPrepare, "cell")
	timeout.ProposalNo = h.proposer.CurrentBallot("cell")
	timeout.SendTimestamp = flease.Millis(h.clock.Now())
	h.proposer.HandleEvent(timeout, first)

	if state, _ := h.proposer.State("cell"); state != WaitForPrepareAck {
		t.Errorf("Timer of the closed incarnation cancelled the round, state is %v", state)
	}
}

func TestSurrender(t *testing.T) {
	h := newHarness(t, nil)
	h.proposer.OpenCell("cell", nil, false, 0)
	h.deliverLocal()

	started, err := h.proposer.Surrender("cell")
	if err != nil || !started {
		t.Fatalf("Expected surrender to start, got %v %v", started, err)
	}
	h.deliverLocal()

	if len(h.surrendered) != 1 || h.surrendered[0] != nil {
		t.Fatalf("Expected a successful surrender, got %v", h.surrendered)
	}
	info, _ := h.acceptor.LocalLeaseInformation("cell")
	if info.LeaseHolder != "" {
		t.Errorf("Expected the empty holder to be learned, got %v", info)
	}

	if started, _ := h.proposer.Surrender("cell"); started {
		t.Error("Surrendering a lease not held must not start a round")
	}
	if _, err := h.proposer.Surrender("unknown"); errors.Cause(err) != flease.ErrCellNotOpen {
		t.Errorf("Expected ErrCellNotOpen, got %v", err)
	}
}

func TestOpenServedFromLocalState(t *testing.T) {
	h := newHarness(t, nil)
	learn := flease.NewMessage(flease.MsgLearn, "cell")
	learn.ProposalNo = flease.ProposalNumber{Round: 1, SenderID: 5}
	learn.LeaseHolder = "other"
	learn.LeaseTimeout = flease.Millis(h.clock.Now().Add(10 * time.Second))
	h.acceptor.HandleLearn(learn)

	h.proposer.OpenCell("cell", []string{"b", "c"}, false, 0)
	if len(h.local) != 1 || h.local[0].LeaseHolder != "other" {
		t.Fatalf("Expected the learned lease to be served locally, got %v", h.local)
	}
	if len(h.outbox) != 0 {
		t.Errorf("No round should be started, sent %v", h.outbox)
	}
}

func TestActionListEvictsOldest(t *testing.T) {
	list := NewActionList()
	for i := 0; i < maxActions+10; i++ {
		list.Add(Action{Detail: string(rune('a' + i%26)), Time: time.Unix(int64(i), 0)})
	}
	entries := list.Entries()
	if len(entries) != maxActions {
		t.Fatalf("Expected %d entries, got %d", maxActions, len(entries))
	}
	if entries[0].Time.Unix() != 10 {
		t.Errorf("Expected the oldest kept entry to be #10, got #%d", entries[0].Time.Unix())
	}
	for i := 1; i < len(entries); i++ {
		if !entries[i].Time.After(entries[i-1].Time) {
			t.Fatalf("Entries out of order at %d", i)
		}
	}
}
