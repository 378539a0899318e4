package state_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/resolvix/collector/internal/classify"
	"github.com/resolvix/collector/internal/state"
)

func tempStore(t *testing.T) *state.Store {
	t.Helper()
	return state.NewStore(filepath.Join(t.TempDir(), "config.json"))
}

// TestLoadMissingFileIsEmptySet verifies a fresh install needs no document.
func TestLoadMissingFileIsEmptySet(t *testing.T) {
	t.Parallel()

	files, err := tempStore(t).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(files) != 0 {
		t.Errorf("files = %v, want empty", files)
	}
}

// TestSaveLoadRoundTrip verifies entries survive a save and reload.
func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	st := tempStore(t)
	in := []state.MonitoredFile{
		{
			ID:          "f-1",
			Path:        "/var/log/syslog",
			Label:       "system",
			Priority:    classify.PriorityMedium,
			Enabled:     true,
			CreatedAt:   time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC),
			AutoMonitor: false,
		},
		{
			ID:          "f-2",
			Path:        "/var/log/resolvix.log",
			Label:       "resolvix_daemon",
			Priority:    classify.PriorityMedium,
			Enabled:     true,
			AutoMonitor: true,
		},
	}
	if err := st.Save(in); err != nil {
		t.Fatalf("Save: %v", err)
	}

	out, err := st.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("loaded %d files, want 2", len(out))
	}
	if out[0].Label != "system" || out[1].AutoMonitor != true {
		t.Errorf("loaded = %+v", out)
	}
}

// TestSavePreservesForeignKeys verifies top-level keys written by other
// tooling survive a rewrite of monitoring.log_files.
func TestSavePreservesForeignKeys(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	doc := `{
  "monitoring": {"log_files": [], "retention_days": 30},
  "dashboard": {"theme": "dark"}
}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("seeding document: %v", err)
	}

	st := state.NewStore(path)
	if err := st.Save([]state.MonitoredFile{{ID: "f-1", Path: "/var/log/syslog", Label: "system"}}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	raw, err := st.Raw()
	if err != nil {
		t.Fatalf("Raw: %v", err)
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		t.Fatalf("parsing document: %v", err)
	}
	if _, ok := top["dashboard"]; !ok {
		t.Errorf("foreign top-level key dropped: %s", raw)
	}
	var mon map[string]json.RawMessage
	if err := json.Unmarshal(top["monitoring"], &mon); err != nil {
		t.Fatalf("parsing monitoring: %v", err)
	}
	if _, ok := mon["retention_days"]; !ok {
		t.Errorf("foreign monitoring key dropped: %s", top["monitoring"])
	}
}

// TestSaveNilSerialisesEmptyArray verifies log_files is [] rather than null.
func TestSaveNilSerialisesEmptyArray(t *testing.T) {
	t.Parallel()

	st := tempStore(t)
	if err := st.Save(nil); err != nil {
		t.Fatalf("Save: %v", err)
	}
	raw, err := st.Raw()
	if err != nil {
		t.Fatalf("Raw: %v", err)
	}
	var doc struct {
		Monitoring struct {
			LogFiles json.RawMessage `json:"log_files"`
		} `json:"monitoring"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("parsing: %v", err)
	}
	if string(doc.Monitoring.LogFiles) == "null" {
		t.Error("log_files serialised as null, want []")
	}
}

// TestSaveLeavesNoTempFile verifies the atomic write cleans up after itself.
func TestSaveLeavesNoTempFile(t *testing.T) {
	t.Parallel()

	st := tempStore(t)
	if err := st.Save([]state.MonitoredFile{}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(st.Path() + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file left behind: %v", err)
	}
}

// TestRawMissingFile verifies GET /api/config has a canonical empty document
// before the first save.
func TestRawMissingFile(t *testing.T) {
	t.Parallel()

	raw, err := tempStore(t).Raw()
	if err != nil {
		t.Fatalf("Raw: %v", err)
	}
	if string(raw) != `{"monitoring":{"log_files":[]}}` {
		t.Errorf("Raw = %s", raw)
	}
}

// TestLoadCorruptDocumentErrors verifies a malformed file surfaces as an
// error instead of an empty set.
func TestLoadCorruptDocumentErrors(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("seeding: %v", err)
	}
	if _, err := state.NewStore(path).Load(); err == nil {
		t.Error("Load succeeded on corrupt document")
	}
}
