package flease

// CellRecord is the durable part of an acceptor cell.
type CellRecord struct {
	Prepared        *Message `json:"prepared,omitempty"`
	Accepted        *Message `json:"accepted,omitempty"`
	ViewID          int      `json:"view_id"`
	ViewInvalidated bool     `json:"view_invalidated"`
}

// CellStore persists acceptor cells. Store must be durable when it returns.
type CellStore interface {
	LoadAll() (map[string]CellRecord, error)
	Store(cellID string, record CellRecord) error
	Delete(cellID string) error
}

// EpochStore persists the master epoch of each cell.
type EpochStore interface {
	// Load returns 0 for cells without a stored epoch.
	Load(cellID string) (int64, error)
	Store(cellID string, epoch int64) error
}
