package statestore

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func uint16Ptr(v uint16) *uint16 { return &v }

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state", "state.json")

	refresh := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	want := Document{
		Version:             1,
		LastPort:            uint16Ptr(51413),
		LastRefresh:         &refresh,
		ConsecutiveFailures: 2,
	}

	if err := Save(path, want); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got := Load(path)
	if got.LastPort == nil || *got.LastPort != *want.LastPort {
		t.Errorf("LastPort = %v, want %v", got.LastPort, want.LastPort)
	}
	if got.LastRefresh == nil || !got.LastRefresh.Equal(*want.LastRefresh) {
		t.Errorf("LastRefresh = %v, want %v", got.LastRefresh, want.LastRefresh)
	}
	if got.ConsecutiveFailures != want.ConsecutiveFailures {
		t.Errorf("ConsecutiveFailures = %d, want %d", got.ConsecutiveFailures, want.ConsecutiveFailures)
	}
}

func TestSaveSetsFileAndDirModes(t *testing.T) {
	dir := t.TempDir()
	stateDir := filepath.Join(dir, "nested", "state")
	path := filepath.Join(stateDir, "state.json")

	if err := Save(path, Document{Version: 1}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	dirInfo, err := os.Stat(stateDir)
	if err != nil {
		t.Fatal(err)
	}
	if dirInfo.Mode().Perm() != dirMode {
		t.Errorf("directory mode = %o, want %o", dirInfo.Mode().Perm(), dirMode)
	}

	fileInfo, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if fileInfo.Mode().Perm() != fileMode {
		t.Errorf("file mode = %o, want %o", fileInfo.Mode().Perm(), fileMode)
	}
}

func TestLoadToleratesMissingFile(t *testing.T) {
	dir := t.TempDir()
	doc := Load(filepath.Join(dir, "does-not-exist.json"))
	if doc.LastPort != nil {
		t.Errorf("LastPort = %v, want nil for a missing file", doc.LastPort)
	}
}

func TestLoadToleratesCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	if err := os.WriteFile(path, []byte("{not valid json"), 0o600); err != nil {
		t.Fatal(err)
	}

	doc := Load(path)
	if doc.LastPort != nil {
		t.Errorf("LastPort = %v, want nil for a corrupt file", doc.LastPort)
	}
}
