package filestore

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/xtreemfs/flease"
)

func TestStoreAndLoad(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}

	prepared := flease.NewMessage(flease.MsgPrepare, "volume/1")
	prepared.ProposalNo = flease.ProposalNumber{Round: 7, SenderID: 1}
	record := flease.CellRecord{Prepared: &prepared, ViewID: 3}
	if err := store.Store("volume/1", record); err != nil {
		t.Fatal(err)
	}
	if err := store.Store("other", flease.CellRecord{ViewInvalidated: true}); err != nil {
		t.Fatal(err)
	}

	reopened, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	records, err := reopened.LoadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(records))
	}
	loaded := records["volume/1"]
	if loaded.ViewID != 3 || loaded.Prepared == nil || loaded.Prepared.ProposalNo != prepared.ProposalNo {
		t.Errorf("Unexpected record %+v", loaded)
	}
	if !records["other"].ViewInvalidated {
		t.Error("Lost invalidated view")
	}

	if err := reopened.Delete("other"); err != nil {
		t.Fatal(err)
	}
	if err := reopened.Delete("other"); err != nil {
		t.Errorf("Deleting a missing cell failed: %v", err)
	}
	records, err = reopened.LoadAll()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := records["other"]; ok {
		t.Error("Deleted cell was loaded")
	}
}

func TestCorruptedFile(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := ioutil.WriteFile(store.path("cell"), []byte("{\"prepared\":"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := store.LoadAll(); err == nil {
		t.Error("Expected corrupted file to be reported")
	}
}

func TestWriteFileAtomicLeavesNoTemporaryFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data")
	for _, content := range []string{"first", "second"} {
		if err := WriteFileAtomic(path, []byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	data, err := ioutil.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "second" {
		t.Errorf("Expected second, got %s", data)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("Expected only the data file, got %d entries", len(entries))
	}
}
