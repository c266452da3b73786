package masterepoch

import (
	"encoding/hex"
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/xtreemfs/flease/acceptor/filestore"
)

const epochFileSuffix = ".epoch"

// FileStore keeps the master epoch of every cell in its own file.
type FileStore struct {
	dir string
}

type epochFile struct {
	MasterEpoch int64 `json:"master_epoch"`
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "Couldn't create master epoch directory %s", dir)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(cellID string) string {
	return filepath.Join(s.dir, hex.EncodeToString([]byte(cellID))+epochFileSuffix)
}

// Load returns 0 for cells which never stored an epoch.
func (s *FileStore) Load(cellID string) (int64, error) {
	data, err := ioutil.ReadFile(s.path(cellID))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "Couldn't read master epoch file")
	}

	var file epochFile
	if err := json.Unmarshal(data, &file); err != nil {
		return 0, errors.Wrapf(err, "Couldn't decode master epoch of cell %s, file corrupted", cellID)
	}
	return file.MasterEpoch, nil
}

func (s *FileStore) Store(cellID string, epoch int64) error {
	data, err := json.Marshal(&epochFile{MasterEpoch: epoch})
	if err != nil {
		return errors.Wrap(err, "Couldn't encode master epoch")
	}
	return filestore.WriteFileAtomic(s.path(cellID), data)
}
