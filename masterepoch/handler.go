package masterepoch

import (
	"context"

	"github.com/pkg/errors"
	"github.com/xtreemfs/flease"
)

// ErrEpochDecrease is returned when a stored epoch would go backwards.
var ErrEpochDecrease = errors.New("Master epoch must not decrease")

// Handler keeps master epochs in an EpochStore. All requests are served in
// order by a single worker goroutine, completions run on that goroutine.
type Handler struct {
	store    flease.EpochStore
	requests chan *epochRequest
	ctx      context.Context
}

type epochRequest struct {
	store bool
	msg   flease.Message
	done  func(flease.Message, error)
}

const queueSize = 256

func NewHandler(ctx context.Context, store flease.EpochStore) *Handler {
	handler := &Handler{
		store:    store,
		requests: make(chan *epochRequest, queueSize),
		ctx:      ctx,
	}
	go handler.loop()

	return handler
}

func (h *Handler) SendMasterEpoch(msg flease.Message, done func(flease.Message, error)) {
	h.enqueue(&epochRequest{msg: msg, done: done})
}

func (h *Handler) StoreMasterEpoch(msg flease.Message, done func(flease.Message, error)) {
	h.enqueue(&epochRequest{store: true, msg: msg, done: done})
}

func (h *Handler) enqueue(req *epochRequest) {
	select {
	case h.requests <- req:
	case <-h.ctx.Done():
		req.done(req.msg, errors.Wrap(flease.ErrStageStopped, "Master epoch handler stopped"))
	}
}

func (h *Handler) loop() {
	for {
		select {
		case req := <-h.requests:
			if req.store {
				req.done(h.storeEpoch(req.msg))
			} else {
				req.done(h.loadEpoch(req.msg))
			}
		case <-h.ctx.Done():
			return
		}
	}
}

func (h *Handler) loadEpoch(msg flease.Message) (flease.Message, error) {
	epoch, err := h.store.Load(msg.CellID)
	if err != nil {
		return msg, errors.Wrapf(err, "Couldn't load master epoch of cell %s", msg.CellID)
	}
	msg.MasterEpochNumber = epoch
	return msg, nil
}

func (h *Handler) storeEpoch(msg flease.Message) (flease.Message, error) {
	current, err := h.store.Load(msg.CellID)
	if err != nil {
		return msg, errors.Wrapf(err, "Couldn't load master epoch of cell %s", msg.CellID)
	}
	if msg.MasterEpochNumber < current {
		return msg, errors.Wrapf(ErrEpochDecrease, "cell %s: stored %d, got %d", msg.CellID, current, msg.MasterEpochNumber)
	}
	if msg.MasterEpochNumber == current {
		return msg, nil
	}
	if err := h.store.Store(msg.CellID, msg.MasterEpochNumber); err != nil {
		return msg, errors.Wrapf(flease.ErrPersistence, "master epoch of cell %s: %v", msg.CellID, err)
	}
	return msg, nil
}
