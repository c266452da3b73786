package stage

import (
	"container/heap"
	"context"
	"log"
	"time"

	"github.com/pkg/errors"
	"github.com/xtreemfs/flease"
	"github.com/xtreemfs/flease/acceptor"
	"github.com/xtreemfs/flease/inmemory"
	"github.com/xtreemfs/flease/masterepoch"
	"github.com/xtreemfs/flease/proposer"
	"go.uber.org/atomic"
)

const DefaultTimerInterval = 50 * time.Millisecond

// Stage runs the acceptor and the proposer of one node on a single goroutine.
// Every input, whether a network message, an API request or a completed master
// epoch operation, is funneled through one ordered queue.
type Stage struct {
	config flease.Config
	clock  flease.Clock
	sender flease.Sender
	store  flease.CellStore

	lockDir        string
	randSeed       int64
	statusListener flease.StatusListener
	viewListener   flease.ViewChangeListener
	meHandler      flease.MasterEpochHandler
	timerInterval  time.Duration

	acceptor *acceptor.Acceptor
	proposer *proposer.Proposer

	queue         *queue
	timers        timerHeap
	timerSeq      uint64
	leaseTimeouts leaseHeap
	leaseExpiry   map[string]int64
	lastGC        time.Time

	openFutures  map[string][]*LeaseFuture
	closeFutures map[string][]*Future

	stats    *statistics
	running  *atomic.Bool
	stopping bool

	ctx     context.Context
	cancel  context.CancelFunc
	started chan struct{}
	stopped chan struct{}
}

func WithClock(clock flease.Clock) func(*Stage) {
	return func(s *Stage) {
		s.clock = clock
	}
}

// WithStore sets the durable acceptor state. Without it the state is kept in
// memory and promises don't survive a restart.
func WithStore(store flease.CellStore) func(*Stage) {
	return func(s *Stage) {
		s.store = store
	}
}

// WithLockDir enables crash detection of the acceptor, see acceptor.WithLockDir.
func WithLockDir(dir string) func(*Stage) {
	return func(s *Stage) {
		s.lockDir = dir
	}
}

func WithStatusListener(listener flease.StatusListener) func(*Stage) {
	return func(s *Stage) {
		s.statusListener = listener
	}
}

func WithViewChangeListener(listener flease.ViewChangeListener) func(*Stage) {
	return func(s *Stage) {
		s.viewListener = listener
	}
}

func WithMasterEpochHandler(handler flease.MasterEpochHandler) func(*Stage) {
	return func(s *Stage) {
		s.meHandler = handler
	}
}

func WithTimerInterval(interval time.Duration) func(*Stage) {
	return func(s *Stage) {
		s.timerInterval = interval
	}
}

func WithRandSeed(seed int64) func(*Stage) {
	return func(s *Stage) {
		s.randSeed = seed
	}
}

func New(config flease.Config, sender flease.Sender, opts ...func(*Stage)) (*Stage, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "Invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Stage{
		config:         config,
		clock:          flease.SystemClock{},
		sender:         sender,
		statusListener: flease.StatusFuncs{},
		timerInterval:  DefaultTimerInterval,
		queue:          newQueue(),
		leaseExpiry:    make(map[string]int64),
		openFutures:    make(map[string][]*LeaseFuture),
		closeFutures:   make(map[string][]*Future),
		stats:          newStatistics(),
		running:        atomic.NewBool(false),
		ctx:            ctx,
		cancel:         cancel,
		started:        make(chan struct{}),
		stopped:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.store == nil {
		log.Printf("No cell store configured for %s, acceptor state is kept in memory only", config.Identity)
		s.store = inmemory.NewCellStore()
	}
	if s.meHandler == nil {
		log.Printf("No master epoch handler configured for %s, master epochs are kept in memory only", config.Identity)
		s.meHandler = masterepoch.NewHandler(ctx, inmemory.NewEpochStore())
	}

	acceptorOpts := []func(*acceptor.Acceptor){
		acceptor.WithLearnListener(acceptor.LearnFunc(s.learnedEvent)),
	}
	proposerOpts := []func(*proposer.Proposer){}
	if s.viewListener != nil {
		acceptorOpts = append(acceptorOpts, acceptor.WithViewChangeListener(s.viewListener))
		proposerOpts = append(proposerOpts, proposer.WithViewChangeListener(s.viewListener))
	}
	if s.lockDir != "" {
		acceptorOpts = append(acceptorOpts, acceptor.WithLockDir(s.lockDir))
	}
	if s.randSeed != 0 {
		proposerOpts = append(proposerOpts, proposer.WithRandSeed(s.randSeed))
	}

	a, err := acceptor.New(config, s.clock, s.store, acceptorOpts...)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "Couldn't create acceptor")
	}
	s.acceptor = a
	s.proposer = proposer.New(config, s.clock, a, flease.SenderFunc(s.send), stageTimers{s}, proposerEvents{s}, proposerOpts...)

	return s, nil
}

func (s *Stage) Identity() string {
	return s.config.Identity
}

// Start runs the stage goroutine. A stage can't be restarted after Shutdown.
func (s *Stage) Start() {
	if s.ctx.Err() != nil || !s.running.CAS(false, true) {
		return
	}
	go s.run()
}

func (s *Stage) WaitForStartup(ctx context.Context) error {
	select {
	case <-s.started:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops the stage goroutine. Pending requests fail with
// flease.ErrStageStopped.
func (s *Stage) Shutdown() {
	s.cancel()
}

func (s *Stage) WaitForShutdown(ctx context.Context) error {
	select {
	case <-s.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Stage) debugf(format string, args ...interface{}) {
	if s.config.Debug {
		log.Printf("S "+format, args...)
	}
}

func (s *Stage) run() {
	defer close(s.stopped)
	defer s.shutdownLoop()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Flease stage %s crashed: %v", s.config.Identity, r)
		}
	}()

	ticker := time.NewTicker(s.timerInterval)
	defer ticker.Stop()

	s.lastGC = s.clock.Now()
	log.Printf("Flease stage %s ready", s.config.Identity)
	close(s.started)

	for {
		select {
		case <-s.queue.signal:
			for _, task := range s.queue.drain() {
				task()
			}
		case <-ticker.C:
		case <-s.ctx.Done():
			return
		}
		s.checkTimers()
		s.checkLeaseTimeouts()
		s.collectGarbage()
	}
}

func (s *Stage) shutdownLoop() {
	s.cancel()
	s.stopping = true
	s.running.Store(false)

	// Requests which are still queued fail, messages are dropped.
	for _, task := range s.queue.close() {
		task()
	}
	for cellID, futures := range s.openFutures {
		for _, future := range futures {
			future.resolve(flease.Flease{}, flease.ErrStageStopped)
		}
		delete(s.openFutures, cellID)
	}
	for cellID, futures := range s.closeFutures {
		for _, future := range futures {
			future.resolve(flease.ErrStageStopped)
		}
		delete(s.closeFutures, cellID)
	}
	if err := s.acceptor.Close(); err != nil {
		log.Printf("Couldn't close acceptor: %v", err)
	}
	log.Printf("Flease stage %s stopped", s.config.Identity)
}

// enqueue runs task on the stage goroutine. It returns false if the stage
// isn't running.
func (s *Stage) enqueue(task func()) bool {
	if !s.running.Load() {
		return false
	}
	return s.queue.push(task)
}

// Receive delivers a message from the network. msg.Sender must be set.
func (s *Stage) Receive(msg flease.Message) {
	s.stats.inMessages.Inc()
	if !s.enqueue(func() { s.handleMessage(msg) }) {
		s.stats.droppedMessages.Inc()
	}
}

// send routes messages for the local node back into the queue.
func (s *Stage) send(msg flease.Message, destination string) {
	s.stats.outMessages.Inc()
	if destination == s.config.Identity {
		msg.Sender = s.config.Identity
		s.queue.push(func() { s.handleMessage(msg) })
		return
	}
	s.sender.Send(msg, destination)
}

func (s *Stage) handleMessage(msg flease.Message) {
	if s.stopping {
		return
	}
	switch {
	case msg.IsInternalEvent():
		log.Printf("Received internal event from the network: %v", msg)
	case msg.IsAcceptorMessage():
		s.handleAcceptorMessage(msg)
	default:
		s.proposer.ProcessMessage(msg)
	}
}

func (s *Stage) handleAcceptorMessage(msg flease.Message) {
	response, ok, err := s.acceptor.ProcessMessage(msg)
	if err != nil {
		log.Printf("Acceptor couldn't process %v: %v", msg, err)
		return
	}
	if !ok {
		return
	}

	destination := msg.Sender
	switch {
	case msg.MasterEpochNumber == flease.RequestMasterEpoch && response.Type == flease.MsgPrepareAck:
		s.meHandler.SendMasterEpoch(response, s.epochContinuation(destination))
	case msg.MasterEpochNumber != flease.IgnoreMasterEpoch && response.Type == flease.MsgAcceptAck:
		// The ack must not leave before the epoch is durable.
		s.meHandler.StoreMasterEpoch(response, s.epochContinuation(destination))
	default:
		s.send(response, destination)
	}
}

// epochContinuation runs on the master epoch handler goroutine.
func (s *Stage) epochContinuation(destination string) func(flease.Message, error) {
	return func(response flease.Message, err error) {
		if err != nil {
			log.Printf("Master epoch operation failed for cell %s, dropping %s: %v", response.CellID, response.Type, err)
			return
		}
		if !s.running.Load() {
			return
		}
		s.send(response, destination)
	}
}

// learnedEvent is called by the local acceptor whenever it learns a value.
func (s *Stage) learnedEvent(lease flease.Flease) {
	s.debugf("learned event: %v", lease)
	previous, changed := s.proposer.UpdatePrevLease(lease.CellID, lease)
	if changed {
		now := s.clock.Now()
		if previous.IsValid(now) && !previous.IsSameHolder(lease) && !lease.IsEmpty() {
			log.Printf("New lease replaced old lease which is still valid according to the local clock, make sure all clocks are synchronized. New lease: %v Old lease: %v",
				lease, previous)
		}
		s.stats.leaseChanges.Inc()
		s.statusListener.StatusChanged(lease.CellID, lease)
		s.trackLeaseTimeout(lease)
	}

	if !lease.IsEmpty() && s.proposer.IsOpen(lease.CellID) {
		s.resolveOpen(lease.CellID, lease, nil)
	}
}

func (s *Stage) trackLeaseTimeout(lease flease.Flease) {
	if lease.IsEmpty() || lease.LeaseHolder == "" {
		delete(s.leaseExpiry, lease.CellID)
		return
	}
	s.leaseExpiry[lease.CellID] = lease.LeaseTimeout
	heap.Push(&s.leaseTimeouts, leaseEntry{cellID: lease.CellID, timeout: lease.LeaseTimeout})
}

func (s *Stage) resolveOpen(cellID string, lease flease.Flease, err error) {
	for _, future := range s.openFutures[cellID] {
		future.resolve(lease, err)
	}
	delete(s.openFutures, cellID)
}

// schedule is called by the proposer on the stage goroutine.
func (s *Stage) schedule(event flease.Message, generation uint64, delay time.Duration) {
	s.timerSeq++
	heap.Push(&s.timers, &timerEntry{
		at:         s.clock.Now().Add(delay),
		seq:        s.timerSeq,
		event:      event,
		generation: generation,
	})
}

func (s *Stage) checkTimers() {
	now := s.clock.Now()
	for len(s.timers) > 0 && !s.timers[0].at.After(now) {
		entry := heap.Pop(&s.timers).(*timerEntry)
		s.stats.timersFired.Inc()
		entry.event.SendTimestamp = flease.Millis(now)
		s.proposer.HandleEvent(entry.event, entry.generation)
	}
}

// checkLeaseTimeouts reports expired leases as empty and lets the cell compete
// for the lease again once the grace period is over.
func (s *Stage) checkLeaseTimeouts() {
	deadline := flease.Millis(s.clock.Now().Add(s.config.ToNotification))
	for len(s.leaseTimeouts) > 0 && s.leaseTimeouts[0].timeout <= deadline {
		entry := heap.Pop(&s.leaseTimeouts).(leaseEntry)
		if expiry, ok := s.leaseExpiry[entry.cellID]; !ok || expiry != entry.timeout {
			continue
		}
		delete(s.leaseExpiry, entry.cellID)

		s.debugf("lease of cell %s timed out", entry.cellID)
		empty := flease.EmptyLease
		empty.CellID = entry.cellID
		if _, changed := s.proposer.UpdatePrevLease(entry.cellID, empty); changed {
			s.stats.leaseChanges.Inc()
			s.statusListener.StatusChanged(entry.cellID, empty)
		}
		s.proposer.Restart(entry.cellID, s.config.DMax)
	}
}

func (s *Stage) collectGarbage() {
	now := s.clock.Now()
	if now.Sub(s.lastGC) < s.config.CellTimeout/2 {
		return
	}
	s.lastGC = now
	if collected := s.acceptor.CollectGarbage(); collected > 0 {
		s.debugf("collected %d idle acceptor cells", collected)
	}
}

// OpenCell opens a cell and starts acquiring its lease. acceptors lists the
// remote acceptors, the local node is always part of the acceptor set. The
// future resolves with the first lease known for the cell, whoever holds it.
func (s *Stage) OpenCell(cellID string, acceptors []string, requestMasterEpoch bool, viewID int) *LeaseFuture {
	future := newLeaseFuture()
	s.stats.inRequests.Inc()
	remote := append([]string(nil), acceptors...)
	ok := s.enqueue(func() {
		if s.stopping {
			future.resolve(flease.Flease{}, flease.ErrStageStopped)
			return
		}
		s.openFutures[cellID] = append(s.openFutures[cellID], future)
		if err := s.acceptor.SetViewID(cellID, viewID); err != nil {
			log.Printf("Couldn't set view of cell %s: %v", cellID, err)
		}
		s.proposer.OpenCell(cellID, remote, requestMasterEpoch, viewID)

		if lease, ok := s.proposer.PrevLease(cellID); ok && lease.IsValid(s.clock.Now()) {
			s.resolveOpen(cellID, lease, nil)
		}
	})
	if !ok {
		future.resolve(flease.Flease{}, flease.ErrStageStopped)
	}
	return future
}

// CloseCell closes a cell. With surrender the lease is given up first if this
// node holds it.
func (s *Stage) CloseCell(cellID string, surrender bool) *Future {
	future := newFuture()
	s.stats.inRequests.Inc()
	ok := s.enqueue(func() {
		if s.stopping {
			future.resolve(flease.ErrStageStopped)
			return
		}
		if !s.proposer.IsOpen(cellID) {
			future.resolve(errors.Wrapf(flease.ErrCellNotOpen, "cell %s", cellID))
			return
		}
		if surrender {
			if pending, ok := s.closeFutures[cellID]; ok {
				s.closeFutures[cellID] = append(pending, future)
				return
			}
			started, err := s.proposer.Surrender(cellID)
			if err != nil {
				future.resolve(err)
				return
			}
			if started {
				s.closeFutures[cellID] = []*Future{future}
				return
			}
		}
		s.closeCell(cellID)
		future.resolve(nil)
	})
	if !ok {
		future.resolve(flease.ErrStageStopped)
	}
	return future
}

func (s *Stage) closeCell(cellID string) {
	if generation, ok := s.proposer.CloseCell(cellID); ok {
		removed := s.timers.removeGeneration(generation)
		s.debugf("closed cell %s, dropped %d timers", cellID, removed)
	}
	delete(s.leaseExpiry, cellID)
	s.resolveOpen(cellID, flease.Flease{}, errors.Wrapf(flease.ErrCellNotOpen, "cell %s was closed", cellID))
}

// SetViewID sets the view of the cell for the local acceptor and proposer.
// flease.ViewIDInvalidated invalidates the current view.
func (s *Stage) SetViewID(cellID string, viewID int) *Future {
	future := newFuture()
	s.stats.inRequests.Inc()
	ok := s.enqueue(func() {
		if s.stopping {
			future.resolve(flease.ErrStageStopped)
			return
		}
		s.proposer.SetViewID(cellID, viewID)
		future.resolve(s.acceptor.SetViewID(cellID, viewID))
	})
	if !ok {
		future.resolve(flease.ErrStageStopped)
	}
	return future
}

// call runs fn on the stage goroutine and waits for it.
func (s *Stage) call(ctx context.Context, fn func()) error {
	done := make(chan error, 1)
	ok := s.enqueue(func() {
		if s.stopping {
			done <- flease.ErrStageStopped
			return
		}
		fn()
		done <- nil
	})
	if !ok {
		return flease.ErrStageStopped
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LocalState returns the values learned by the local acceptor.
func (s *Stage) LocalState(ctx context.Context) (map[string]flease.Message, error) {
	var state map[string]flease.Message
	err := s.call(ctx, func() {
		state = s.acceptor.LocalState()
	})
	return state, err
}

// CellActions returns the latest proposer actions of an open cell, oldest first.
func (s *Stage) CellActions(ctx context.Context, cellID string) ([]proposer.Action, error) {
	var actions []proposer.Action
	var open bool
	err := s.call(ctx, func() {
		actions, open = s.proposer.Actions(cellID)
	})
	if err != nil {
		return nil, err
	}
	if !open {
		return nil, errors.Wrapf(flease.ErrCellNotOpen, "cell %s", cellID)
	}
	return actions, nil
}

// DumpCell describes the acceptor state of a cell.
func (s *Stage) DumpCell(ctx context.Context, cellID string) (string, error) {
	var dump string
	err := s.call(ctx, func() {
		dump = s.acceptor.Dump(cellID)
	})
	return dump, err
}

// stageTimers and proposerEvents keep the proposer callbacks off the public
// API of Stage.
type stageTimers struct {
	s *Stage
}

func (t stageTimers) Schedule(event flease.Message, generation uint64, delay time.Duration) {
	t.s.schedule(event, generation, delay)
}

type proposerEvents struct {
	s *Stage
}

func (e proposerEvents) LocalLease(lease flease.Flease) {
	e.s.learnedEvent(lease)
}

func (e proposerEvents) LeaseFailed(cellID string, err error) {
	log.Printf("Lease negotiation failed for cell %s: %v", cellID, err)
	e.s.statusListener.LeaseFailed(cellID, err)
	e.s.resolveOpen(cellID, flease.Flease{}, err)
}

func (e proposerEvents) Surrendered(cellID string, err error) {
	if err != nil {
		log.Printf("Couldn't surrender lease of cell %s, closing anyway: %v", cellID, err)
	}
	e.s.closeCell(cellID)
	for _, future := range e.s.closeFutures[cellID] {
		future.resolve(err)
	}
	delete(e.s.closeFutures, cellID)
}
