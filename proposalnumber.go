package flease

import "fmt"

// ProposalNumber is a Paxos ballot. Ballots are ordered by Round first,
// SenderID breaks ties so two proposers never produce equal ballots.
type ProposalNumber struct {
	Round    int64 `json:"round"`
	SenderID int64 `json:"sender_id"`
}

var EmptyProposalNumber = ProposalNumber{}

func (p ProposalNumber) IsEmpty() bool {
	return p == EmptyProposalNumber
}

// Compare returns -1, 0 or 1.
func (p ProposalNumber) Compare(other ProposalNumber) int {
	switch {
	case p.Round < other.Round:
		return -1
	case p.Round > other.Round:
		return 1
	case p.SenderID < other.SenderID:
		return -1
	case p.SenderID > other.SenderID:
		return 1
	}
	return 0
}

func (p ProposalNumber) Before(other ProposalNumber) bool {
	return p.Compare(other) < 0
}

func (p ProposalNumber) After(other ProposalNumber) bool {
	return p.Compare(other) > 0
}

// Next returns the ballot with the following round for the same sender.
func (p ProposalNumber) Next() ProposalNumber {
	return ProposalNumber{Round: p.Round + 1, SenderID: p.SenderID}
}

func (p ProposalNumber) String() string {
	return fmt.Sprintf("%d/%d", p.Round, p.SenderID)
}
