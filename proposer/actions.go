package proposer

import (
	"time"

	"github.com/xtreemfs/flease"
)

// ActionName identifies a proposer step recorded for debugging.
type ActionName string

const (
	ActionCellOpened         ActionName = "cell opened"
	ActionCellClosed         ActionName = "cell closed"
	ActionAcquireLease       ActionName = "acquire lease"
	ActionReturnedLocalLease ActionName = "returned local lease"
	ActionRenewLease         ActionName = "renew lease"
	ActionRenewFailed        ActionName = "renew failed"
	ActionSurrender          ActionName = "surrender"
	ActionSetViewID          ActionName = "set view id"
	ActionRestartEvent       ActionName = "restart event"
	ActionRenewEvent         ActionName = "renew event"
	ActionSetBallot          ActionName = "set ballot"
	ActionPrepareStart       ActionName = "prepare start"
	ActionPrepareResponse    ActionName = "prepare response"
	ActionPrepareTimeout     ActionName = "prepare timeout"
	ActionPrepareOverruled   ActionName = "prepare overruled"
	ActionPreparePriorValue  ActionName = "prepare prior value"
	ActionPrepareRenew       ActionName = "prepare implicit renew"
	ActionPrepareLeaseTO     ActionName = "prepare lease timed out"
	ActionPrepareEmpty       ActionName = "prepare empty"
	ActionMasterEpoch        ActionName = "master epoch"
	ActionAcceptStart        ActionName = "accept start"
	ActionAcceptResponse     ActionName = "accept response"
	ActionAcceptTimeout      ActionName = "accept timeout"
	ActionAcceptOverruled    ActionName = "accept overruled"
	ActionViewOutdated       ActionName = "view outdated"
	ActionOutOfSync          ActionName = "message out of sync"
	ActionLearnStart         ActionName = "learn start"
	ActionLearnTimedOut      ActionName = "learn lease timed out"
	ActionLearnGracePeriod   ActionName = "learn lease in grace period"
	ActionScheduledRenew     ActionName = "scheduled renew"
	ActionScheduledRestart   ActionName = "scheduled restart"
	ActionCancelled          ActionName = "cancelled"
	ActionLeaseFailed        ActionName = "lease failed"
)

const maxActions = 50

type Action struct {
	Time    time.Time       `json:"time"`
	Name    ActionName      `json:"action"`
	Detail  string          `json:"detail,omitempty"`
	Message *flease.Message `json:"message,omitempty"`
}

// ActionList is a ring buffer of the latest actions of a cell. The oldest
// entry is evicted first.
type ActionList struct {
	entries []Action
	next    int
}

func NewActionList() *ActionList {
	return &ActionList{
		entries: make([]Action, 0, maxActions),
	}
}

func (l *ActionList) Add(action Action) {
	if len(l.entries) < maxActions {
		l.entries = append(l.entries, action)
		return
	}
	l.entries[l.next] = action
	l.next = (l.next + 1) % maxActions
}

// Entries returns a copy of the recorded actions, oldest first.
func (l *ActionList) Entries() []Action {
	out := make([]Action, 0, len(l.entries))
	out = append(out, l.entries[l.next:]...)
	out = append(out, l.entries[:l.next]...)
	return out
}

func (l *ActionList) Len() int {
	return len(l.entries)
}
