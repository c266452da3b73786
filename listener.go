package flease

// StatusListener is notified by the stage goroutine. Implementations must not
// block.
type StatusListener interface {
	StatusChanged(cellID string, lease Flease)
	LeaseFailed(cellID string, err error)
}

type ViewChangeListener interface {
	// onProposal is true when the change was detected by the local proposer,
	// false when an acceptor received a message from a newer view.
	ViewIDChangeEvent(cellID string, viewID int, onProposal bool)
}

// MasterEpochHandler keeps the per cell master epoch on stable storage.
// Both methods return immediately and invoke done once the result is ready.
type MasterEpochHandler interface {
	// SendMasterEpoch sets MasterEpochNumber of msg to the stored epoch.
	SendMasterEpoch(msg Message, done func(Message, error))
	// StoreMasterEpoch durably stores MasterEpochNumber of msg. done is only
	// invoked after the write is durable.
	StoreMasterEpoch(msg Message, done func(Message, error))
}

// Sender is the outbound half of the transport. Send must not block and must
// be safe for concurrent use.
type Sender interface {
	Send(msg Message, destination string)
}

type SenderFunc func(msg Message, destination string)

func (f SenderFunc) Send(msg Message, destination string) {
	f(msg, destination)
}

// StatusFuncs adapts plain functions to StatusListener. Nil fields are ignored.
type StatusFuncs struct {
	OnStatusChanged func(cellID string, lease Flease)
	OnLeaseFailed   func(cellID string, err error)
}

func (s StatusFuncs) StatusChanged(cellID string, lease Flease) {
	if s.OnStatusChanged != nil {
		s.OnStatusChanged(cellID, lease)
	}
}

func (s StatusFuncs) LeaseFailed(cellID string, err error) {
	if s.OnLeaseFailed != nil {
		s.OnLeaseFailed(cellID, err)
	}
}

type ViewChangeFunc func(cellID string, viewID int, onProposal bool)

func (f ViewChangeFunc) ViewIDChangeEvent(cellID string, viewID int, onProposal bool) {
	f(cellID, viewID, onProposal)
}
