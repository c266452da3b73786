package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/xtreemfs/flease"
	"github.com/xtreemfs/flease/proposer"
	"github.com/xtreemfs/flease/stage"
)

// Node is the part of stage.Stage served over HTTP.
type Node interface {
	OpenCell(cellID string, acceptors []string, requestMasterEpoch bool, viewID int) *stage.LeaseFuture
	CloseCell(cellID string, surrender bool) *stage.Future
	SetViewID(cellID string, viewID int) *stage.Future
	LocalState(ctx context.Context) (map[string]flease.Message, error)
	CellActions(ctx context.Context, cellID string) ([]proposer.Action, error)
	DumpCell(ctx context.Context, cellID string) (string, error)
	Stats() stage.Stats
}

type handler struct {
	node Node
}

func HTTPHandler(node Node) http.Handler {
	h := &handler{node: node}
	m := mux.NewRouter()
	m.HandleFunc("/cells", h.listCells).Methods(http.MethodGet)
	m.HandleFunc("/cells", h.applyOperation).Methods(http.MethodPut)
	m.HandleFunc("/cells/{cell}", h.dumpCell).Methods(http.MethodGet)
	m.HandleFunc("/cells/{cell}/actions", h.cellActions).Methods(http.MethodGet)
	m.HandleFunc("/debug/stats", h.stats).Methods(http.MethodGet)
	return m
}

func writeError(w http.ResponseWriter, err error) {
	switch errors.Cause(err) {
	case flease.ErrCellNotOpen:
		w.WriteHeader(http.StatusNotFound)
	case flease.ErrStageStopped:
		w.WriteHeader(http.StatusServiceUnavailable)
	case flease.ErrExhaustedRetries, flease.ErrClockDrift:
		w.WriteHeader(http.StatusConflict)
	default:
		w.WriteHeader(http.StatusInternalServerError)
	}
	fmt.Fprintf(w, "%v", err)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error when encoding response: %v", err)
	}
}

func (h *handler) listCells(w http.ResponseWriter, r *http.Request) {
	state, err := h.node.LocalState(r.Context())
	if err != nil {
		writeError(w, errors.Wrap(err, "Couldn't get local state"))
		return
	}
	leases := make(map[string]flease.Flease, len(state))
	for cellID, msg := range state {
		leases[cellID] = msg.Lease()
	}
	writeJSON(w, leases)
}

func (h *handler) dumpCell(w http.ResponseWriter, r *http.Request) {
	dump, err := h.node.DumpCell(r.Context(), mux.Vars(r)["cell"])
	if err != nil {
		writeError(w, err)
		return
	}
	fmt.Fprintln(w, dump)
}

func (h *handler) cellActions(w http.ResponseWriter, r *http.Request) {
	actions, err := h.node.CellActions(r.Context(), mux.Vars(r)["cell"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, actions)
}

func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.node.Stats())
}

func (h *handler) applyOperation(w http.ResponseWriter, r *http.Request) {
	var operation Operation
	if err := json.NewDecoder(r.Body).Decode(&operation); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "Couldn't decode operation: %v", err)
		return
	}

	switch operation.Type {
	case OpenOperation:
		var open Open
		if err := decode(operation.Operation, &open); err != nil {
			badRequest(w, err)
			return
		}
		lease, err := h.node.OpenCell(open.Cell, open.Acceptors, open.RequestMasterEpoch, open.ViewID).Wait(r.Context())
		if err != nil {
			writeError(w, errors.Wrapf(err, "Couldn't open cell %s", open.Cell))
			return
		}
		writeJSON(w, lease)

	case CloseOperation:
		var closeOp Close
		if err := decode(operation.Operation, &closeOp); err != nil {
			badRequest(w, err)
			return
		}
		if err := h.node.CloseCell(closeOp.Cell, closeOp.Surrender).Wait(r.Context()); err != nil {
			writeError(w, errors.Wrapf(err, "Couldn't close cell %s", closeOp.Cell))
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case ViewOperation:
		var view View
		if err := decode(operation.Operation, &view); err != nil {
			badRequest(w, err)
			return
		}
		if err := h.node.SetViewID(view.Cell, view.ViewID).Wait(r.Context()); err != nil {
			writeError(w, errors.Wrapf(err, "Couldn't set view of cell %s", view.Cell))
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "Unknown operation type: %s", operation.Type)
	}
}

func decode(input interface{}, output interface{}) error {
	if err := mapstructure.Decode(input, output); err != nil {
		return errors.Wrap(err, "Couldn't decode operation")
	}
	return nil
}

func badRequest(w http.ResponseWriter, err error) {
	w.WriteHeader(http.StatusBadRequest)
	fmt.Fprintf(w, "%v", err)
}
