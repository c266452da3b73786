package inmemory

import (
	"sync"

	"github.com/pkg/errors"
)

type EpochStore struct {
	epochs  map[string]int64
	failing bool

	mutex sync.RWMutex
}

func NewEpochStore() *EpochStore {
	return &EpochStore{
		epochs: make(map[string]int64),
	}
}

func (s *EpochStore) SetFailing(failing bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.failing = failing
}

func (s *EpochStore) Load(cellID string) (int64, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.epochs[cellID], nil
}

func (s *EpochStore) Store(cellID string, epoch int64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.failing {
		return errors.New("Simulated disk failure")
	}
	s.epochs[cellID] = epoch
	return nil
}
