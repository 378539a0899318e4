// Package state persists the monitored-file set as a JSON document on disk.
// The document shape is {"monitoring":{"log_files":[…]}}; foreign top-level
// keys written by other tooling are preserved across saves. Writes go
// through a temp file, fsync, and rename so a crash never leaves a torn
// document behind.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/resolvix/collector/internal/classify"
)

// MonitoredFile is one entry of the persisted monitoring set.
//
// ID is an opaque string stable across restarts. Labels and paths are unique
// across the live set; entries with AutoMonitor true were injected by the
// daemon itself and cannot be removed through the control plane.
type MonitoredFile struct {
	ID           string            `json:"id"`
	Path         string            `json:"path"`
	Label        string            `json:"label"`
	Priority     classify.Priority `json:"priority"`
	Enabled      bool              `json:"enabled"`
	CreatedAt    time.Time         `json:"created_at"`
	LastModified time.Time         `json:"last_modified"`
	AutoMonitor  bool              `json:"auto_monitor"`
}

// document mirrors the typed portion of the JSON file.
type document struct {
	Monitoring struct {
		LogFiles []MonitoredFile `json:"log_files"`
	} `json:"monitoring"`
}

// Store reads and writes the state document at a fixed path. It is safe for
// concurrent use.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore returns a Store for the document at path. The file does not have
// to exist yet.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the document location.
func (s *Store) Path() string { return s.path }

// Load returns the persisted monitored files. A missing file is an empty
// set, not an error.
func (s *Store) Load() ([]MonitoredFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("state: reading %q: %w", s.path, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("state: parsing %q: %w", s.path, err)
	}
	return doc.Monitoring.LogFiles, nil
}

// Save replaces monitoring.log_files with files and rewrites the document
// atomically. Top-level keys other than "monitoring" already present in the
// file survive the rewrite.
func (s *Store) Save(files []MonitoredFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Read-modify-write of the full document so foreign keys survive.
	top := map[string]json.RawMessage{}
	if data, err := os.ReadFile(s.path); err == nil {
		// A corrupt existing document is replaced rather than propagated.
		_ = json.Unmarshal(data, &top)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("state: reading %q: %w", s.path, err)
	}

	monitoring := map[string]json.RawMessage{}
	if raw, ok := top["monitoring"]; ok {
		_ = json.Unmarshal(raw, &monitoring)
	}

	if files == nil {
		files = []MonitoredFile{} // serialise as [], not null
	}
	filesJSON, err := json.Marshal(files)
	if err != nil {
		return fmt.Errorf("state: encoding log_files: %w", err)
	}
	monitoring["log_files"] = filesJSON

	monJSON, err := json.Marshal(monitoring)
	if err != nil {
		return fmt.Errorf("state: encoding monitoring: %w", err)
	}
	top["monitoring"] = monJSON

	out, err := json.MarshalIndent(top, "", "  ")
	if err != nil {
		return fmt.Errorf("state: encoding document: %w", err)
	}
	out = append(out, '\n')

	return s.writeAtomic(out)
}

// Raw returns the current document bytes for the control plane's GET
// /api/config. A missing file yields the canonical empty document.
func (s *Store) Raw() (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return json.RawMessage(`{"monitoring":{"log_files":[]}}`), nil
		}
		return nil, fmt.Errorf("state: reading %q: %w", s.path, err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("state: %q does not contain valid JSON", s.path)
	}
	return json.RawMessage(data), nil
}

// writeAtomic writes out to "<path>.tmp", fsyncs, and renames over path.
func (s *Store) writeAtomic(out []byte) error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("state: opening %q: %w", tmp, err)
	}
	if _, err := f.Write(out); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("state: writing %q: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("state: syncing %q: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("state: closing %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("state: renaming %q: %w", tmp, err)
	}
	return nil
}
