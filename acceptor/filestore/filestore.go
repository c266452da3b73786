package filestore

import (
	"encoding/hex"
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/xtreemfs/flease"
)

const cellFileSuffix = ".cell"

// FileStore keeps one JSON file per acceptor cell. Files are replaced
// atomically by writing a temporary file and renaming it.
type FileStore struct {
	dir string
}

func New(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "Couldn't create acceptor state directory %s", dir)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) path(cellID string) string {
	return filepath.Join(s.dir, hex.EncodeToString([]byte(cellID))+cellFileSuffix)
}

func (s *FileStore) LoadAll() (map[string]flease.CellRecord, error) {
	records := make(map[string]flease.CellRecord)

	files, err := ioutil.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrap(err, "Couldn't list acceptor state directory")
	}
	for _, info := range files {
		name := info.Name()
		if info.IsDir() || !strings.HasSuffix(name, cellFileSuffix) {
			continue
		}
		cellID, err := hex.DecodeString(strings.TrimSuffix(name, cellFileSuffix))
		if err != nil {
			return nil, errors.Wrapf(err, "Invalid cell file name %s", name)
		}
		record, err := loadRecord(filepath.Join(s.dir, name))
		if err != nil {
			return nil, err
		}
		records[string(cellID)] = *record
	}

	return records, nil
}

func loadRecord(path string) (*flease.CellRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "Couldn't open persisted cell")
	}
	defer file.Close()

	var record flease.CellRecord
	if err := json.NewDecoder(file).Decode(&record); err != nil {
		return nil, errors.Wrapf(err, "Couldn't decode cell file %s, file corrupted", path)
	}
	return &record, nil
}

func (s *FileStore) Store(cellID string, record flease.CellRecord) error {
	data, err := json.Marshal(&record)
	if err != nil {
		return errors.Wrap(err, "Couldn't encode cell")
	}
	return WriteFileAtomic(s.path(cellID), data)
}

func (s *FileStore) Delete(cellID string) error {
	if err := os.Remove(s.path(cellID)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "Couldn't delete persisted cell")
	}
	return nil
}

// WriteFileAtomic replaces path with data. The data is synced before the
// rename and the directory after it, so either the old or the new content
// survives a crash.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := ioutil.TempFile(dir, filepath.Base(path)+".tmp")
	if err != nil {
		return errors.Wrap(err, "Couldn't create temporary file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "Couldn't write temporary file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "Couldn't sync temporary file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "Couldn't close temporary file")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrap(err, "Couldn't replace file")
	}

	d, err := os.Open(dir)
	if err != nil {
		return errors.Wrap(err, "Couldn't open directory for syncing")
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return errors.Wrap(err, "Couldn't sync directory")
	}
	return nil
}
