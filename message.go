package flease

import (
	"fmt"
	"time"
)

type MsgType int

const (
	MsgPrepare MsgType = iota
	MsgPrepareAck
	MsgPrepareNack
	MsgAccept
	MsgAcceptAck
	MsgAcceptNack
	MsgLearn
	MsgLeaseReturn
	MsgWrongView

	// Internal events, these never leave the stage.
	EventTimeoutPrepare
	EventTimeoutAccept
	EventRestart
	EventRenew
)

var msgTypeNames = map[MsgType]string{
	MsgPrepare:          "PREPARE",
	MsgPrepareAck:       "PREPARE_ACK",
	MsgPrepareNack:      "PREPARE_NACK",
	MsgAccept:           "ACCEPT",
	MsgAcceptAck:        "ACCEPT_ACK",
	MsgAcceptNack:       "ACCEPT_NACK",
	MsgLearn:            "LEARN",
	MsgLeaseReturn:      "LEASE_RETURN",
	MsgWrongView:        "WRONG_VIEW",
	EventTimeoutPrepare: "EVENT_TIMEOUT_PREPARE",
	EventTimeoutAccept:  "EVENT_TIMEOUT_ACCEPT",
	EventRestart:        "EVENT_RESTART",
	EventRenew:          "EVENT_RENEW",
}

func (t MsgType) String() string {
	if name, ok := msgTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MsgType(%d)", int(t))
}

const (
	// ViewIDInvalidated marks a cell whose acceptor set must be reconciled
	// before it takes part in negotiations again.
	ViewIDInvalidated = -1

	IgnoreMasterEpoch  int64 = -1
	RequestMasterEpoch int64 = 0
)

// Message is a protocol message or an internal event. It is passed around by
// value, handlers derive new messages instead of mutating received ones.
type Message struct {
	Type   MsgType `json:"type"`
	CellID string  `json:"cell_id"`

	ProposalNo     ProposalNumber `json:"proposal_no"`
	PrevProposalNo ProposalNumber `json:"prev_proposal_no"`

	LeaseHolder  string `json:"lease_holder"`
	LeaseTimeout int64  `json:"lease_timeout_ms"`

	SendTimestamp     int64 `json:"send_timestamp_ms"`
	ViewID            int   `json:"view_id"`
	MasterEpochNumber int64 `json:"master_epoch"`

	// Set by the transport on delivery. Responses are sent back to it.
	Sender string `json:"sender,omitempty"`
}

func NewMessage(msgType MsgType, cellID string) Message {
	return Message{
		Type:              msgType,
		CellID:            cellID,
		MasterEpochNumber: IgnoreMasterEpoch,
	}
}

// Derive creates a message of another type which keeps the cell, ballot,
// lease value, view and master epoch of m. Send timestamp and sender are reset.
func (m Message) Derive(msgType MsgType) Message {
	return Message{
		Type:              msgType,
		CellID:            m.CellID,
		ProposalNo:        m.ProposalNo,
		PrevProposalNo:    m.PrevProposalNo,
		LeaseHolder:       m.LeaseHolder,
		LeaseTimeout:      m.LeaseTimeout,
		ViewID:            m.ViewID,
		MasterEpochNumber: m.MasterEpochNumber,
	}
}

func (m Message) Before(other Message) bool {
	return m.ProposalNo.Before(other.ProposalNo)
}

func (m Message) After(other Message) bool {
	return m.ProposalNo.After(other.ProposalNo)
}

func (m Message) IsInternalEvent() bool {
	switch m.Type {
	case EventRestart, EventTimeoutAccept, EventTimeoutPrepare, EventRenew:
		return true
	}
	return false
}

func (m Message) IsAcceptorMessage() bool {
	switch m.Type {
	case MsgPrepare, MsgAccept, MsgLearn, MsgLeaseReturn:
		return true
	}
	return false
}

func (m Message) IsProposerMessage() bool {
	switch m.Type {
	case MsgPrepareAck, MsgPrepareNack, MsgAcceptAck, MsgAcceptNack, MsgWrongView:
		return true
	}
	return false
}

// HasTimedOut reports whether the lease carried by m is over, including the
// maximum clock drift dMax.
func (m Message) HasTimedOut(dMax time.Duration, now time.Time) bool {
	return m.LeaseTimeout+dMax.Milliseconds() < Millis(now)
}

// HasNotTimedOut reports whether the lease carried by m is valid on every
// node whose clock is at most dMax off.
func (m Message) HasNotTimedOut(dMax time.Duration, now time.Time) bool {
	return m.LeaseTimeout-dMax.Milliseconds() > Millis(now)
}

// Lease returns the lease value carried by m.
func (m Message) Lease() Flease {
	return Flease{
		CellID:            m.CellID,
		LeaseHolder:       m.LeaseHolder,
		LeaseTimeout:      m.LeaseTimeout,
		MasterEpochNumber: m.MasterEpochNumber,
	}
}

func (m Message) String() string {
	return fmt.Sprintf("%s(cell=%s v=%d b=%s lease=%s/%d prevb=%s ts=%d from=%s mepoch=%d)",
		m.Type, m.CellID, m.ViewID, m.ProposalNo, m.LeaseHolder, m.LeaseTimeout,
		m.PrevProposalNo, m.SendTimestamp, m.Sender, m.MasterEpochNumber)
}
