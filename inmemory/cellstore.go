package inmemory

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/xtreemfs/flease"
)

// CellStore keeps acceptor cells in memory. It survives re-creating an
// acceptor, which is enough to simulate restarts in tests.
type CellStore struct {
	records map[string]flease.CellRecord
	failing bool

	mutex sync.RWMutex
}

func NewCellStore() *CellStore {
	return &CellStore{
		records: make(map[string]flease.CellRecord),
	}
}

// SetFailing makes every following Store and Delete fail.
func (s *CellStore) SetFailing(failing bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.failing = failing
}

func (s *CellStore) LoadAll() (map[string]flease.CellRecord, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	out := make(map[string]flease.CellRecord, len(s.records))
	for cellID, record := range s.records {
		out[cellID] = copyRecord(record)
	}
	return out, nil
}

func (s *CellStore) Store(cellID string, record flease.CellRecord) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.failing {
		return errors.New("Simulated disk failure")
	}
	s.records[cellID] = copyRecord(record)
	return nil
}

func (s *CellStore) Delete(cellID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.failing {
		return errors.New("Simulated disk failure")
	}
	delete(s.records, cellID)
	return nil
}

func (s *CellStore) Get(cellID string) (flease.CellRecord, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	record, ok := s.records[cellID]
	return copyRecord(record), ok
}

func copyRecord(record flease.CellRecord) flease.CellRecord {
	if record.Prepared != nil {
		prepared := *record.Prepared
		record.Prepared = &prepared
	}
	if record.Accepted != nil {
		accepted := *record.Accepted
		record.Accepted = &accepted
	}
	return record
}
