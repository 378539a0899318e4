// Package monitor owns the live set of monitored log files: the
// label → MonitoredFile map, one tailer per enabled entry, and the
// persistence of that set to the on-disk config.
//
// Add and Remove are the control-plane mutations; Reload reconciles the
// live set against the persisted file. Tailers are stopped cooperatively:
// removal deletes the entry and cancels the tailer's context, and the
// tailer additionally re-checks its own registration every poll.
package monitor

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/resolvix/collector/internal/classify"
	"github.com/resolvix/collector/internal/state"
	"github.com/resolvix/collector/internal/tailer"
)

// Validation failure reasons returned by Add. The wording is part of the
// control-plane API contract.
const (
	reasonPathRequired     = "Path is required"
	reasonPathNotAbsolute  = "Path must be absolute"
	reasonFileNotFound     = "File not found"
	reasonNotRegularFile   = "Not a regular file"
	reasonPermissionDenied = "Permission denied"
	reasonAlreadyMonitored = "File already being monitored"
)

// AddSpec is one requested file in an Add call. Label and Priority are
// optional: an empty label is derived from the path, an empty priority
// defaults to medium.
type AddSpec struct {
	Path     string
	Label    string
	Priority string
}

// AddFailure reports why one spec was rejected.
type AddFailure struct {
	Path   string
	Reason string
}

// AddResult is the outcome of an Add call. Partial success is normal: each
// spec is validated and registered independently.
type AddResult struct {
	Added  []state.MonitoredFile
	Failed []AddFailure
}

// RemoveResult is the outcome of a Remove call.
type RemoveResult struct {
	Removed      []string
	NotFound     []string
	CannotRemove []string
}

// FileStatus pairs a monitored file with its tailer's current state.
type FileStatus struct {
	state.MonitoredFile
	State tailer.State `json:"state"`
}

// LineHandler receives every line a tailer emits, together with the entry
// it was read from. It is called from per-file goroutines and must be safe
// for concurrent use.
type LineHandler func(file state.MonitoredFile, line tailer.Line)

// Config carries the supervisor's dependencies.
type Config struct {
	// Store persists the live set. Required.
	Store *state.Store

	// PollInterval is handed to every tailer. 0 uses the tailer default.
	PollInterval time.Duration

	// OnLine receives tailed lines. May be nil; lines are then discarded.
	OnLine LineHandler

	// Logger receives supervisor and tailer diagnostics. Nil uses
	// slog.Default().
	Logger *slog.Logger
}

// entry is one registered file plus its running tailer, if any.
type entry struct {
	file   state.MonitoredFile
	tl     *tailer.Tailer
	cancel context.CancelFunc
}

// Supervisor owns the live set. All exported methods are safe for
// concurrent use.
type Supervisor struct {
	store    *state.Store
	interval time.Duration
	onLine   LineHandler
	logger   *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
	order   []string // labels in registration order
	runCtx  context.Context

	wg sync.WaitGroup
}

// New constructs a Supervisor. No tailers run until Start is called.
func New(cfg Config) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		store:    cfg.Store,
		interval: cfg.PollInterval,
		onLine:   cfg.OnLine,
		logger:   logger,
		entries:  make(map[string]*entry),
	}
}

// Start launches tailers for every enabled entry registered so far and for
// everything added later, until ctx is cancelled.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runCtx = ctx
	for _, label := range s.order {
		s.spawnLocked(s.entries[label])
	}
}

// Wait blocks until every tailer goroutine has exited. Callers cancel the
// Start context first.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// List returns the monitored files in registration order.
func (s *Supervisor) List() []state.MonitoredFile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	files := make([]state.MonitoredFile, 0, len(s.order))
	for _, label := range s.order {
		files = append(files, s.entries[label].file)
	}
	return files
}

// Statuses returns the monitored files with their tailer states, for status
// reporting.
func (s *Supervisor) Statuses() []FileStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]FileStatus, 0, len(s.order))
	for _, label := range s.order {
		e := s.entries[label]
		st := tailer.StateStopped
		if e.tl != nil {
			st = e.tl.State()
		}
		out = append(out, FileStatus{MonitoredFile: e.file, State: st})
	}
	return out
}

// Has reports whether label is currently registered. Tailers use it (via
// their Alive hook) to notice their own removal.
func (s *Supervisor) Has(label string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[label]
	return ok
}

// Add validates and registers each spec independently; one bad spec never
// blocks the others. The updated set is persisted afterwards; a persistence
// failure is logged but does not roll back the in-memory registrations.
func (s *Supervisor) Add(specs []AddSpec) AddResult {
	var res AddResult

	s.mu.Lock()
	for _, spec := range specs {
		mf, reason := s.validateLocked(spec)
		if reason != "" {
			res.Failed = append(res.Failed, AddFailure{Path: spec.Path, Reason: reason})
			continue
		}
		s.registerLocked(mf)
		res.Added = append(res.Added, mf)
		s.logger.Info("monitoring file",
			slog.String("label", mf.Label),
			slog.String("path", mf.Path),
			slog.String("priority", string(mf.Priority)))
	}
	changed := len(res.Added) > 0
	s.mu.Unlock()

	if changed {
		s.persist()
	}
	return res
}

// Remove deregisters each label, refusing auto-monitored entries. Tailers
// observe their removal on their next poll; their contexts are cancelled
// here to make that prompt.
func (s *Supervisor) Remove(labels []string) RemoveResult {
	var res RemoveResult

	s.mu.Lock()
	for _, label := range labels {
		e, ok := s.entries[label]
		switch {
		case !ok:
			res.NotFound = append(res.NotFound, label)
		case e.file.AutoMonitor:
			res.CannotRemove = append(res.CannotRemove, label)
		default:
			s.removeLocked(label)
			res.Removed = append(res.Removed, label)
			s.logger.Info("stopped monitoring file", slog.String("label", label))
		}
	}
	changed := len(res.Removed) > 0
	s.mu.Unlock()

	if changed {
		s.persist()
	}
	return res
}

// Reload re-reads the persisted config and reconciles the live set: new
// entries are added, vanished entries are stopped, and entries whose path,
// priority, or enabled flag changed are restarted so their tailers carry
// the new metadata. Untouched entries keep their running tailers.
func (s *Supervisor) Reload() error {
	files, err := s.store.Load()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	desired := make(map[string]state.MonitoredFile, len(files))
	for _, f := range files {
		desired[f.Label] = f
	}

	for _, label := range append([]string(nil), s.order...) {
		e := s.entries[label]
		d, ok := desired[label]
		if ok && d.Path == e.file.Path && d.Priority == e.file.Priority && d.Enabled == e.file.Enabled {
			e.file = d
			continue
		}
		s.removeLocked(label)
		s.logger.Info("reload: stopped monitoring file", slog.String("label", label))
	}

	for _, f := range files {
		if _, ok := s.entries[f.Label]; ok {
			continue
		}
		s.registerLocked(f)
		s.logger.Info("reload: monitoring file",
			slog.String("label", f.Label), slog.String("path", f.Path))
	}
	return nil
}

// LoadPersisted registers every entry from the persisted config that is not
// already present. Paths are not re-validated: a file that disappeared
// since the last run is tailed in paused mode until it returns.
func (s *Supervisor) LoadPersisted() error {
	files, err := s.store.Load()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range files {
		if _, ok := s.entries[f.Label]; !ok {
			s.registerLocked(f)
		}
	}
	return nil
}

// EnsureAuto registers an auto-monitored entry (typically the daemon's own
// log file) under label if that label is absent, and persists the set. The
// path is not validated: the file may not exist until the logger first
// writes to it.
func (s *Supervisor) EnsureAuto(label, path string, priority classify.Priority) {
	s.mu.Lock()
	if _, ok := s.entries[label]; ok {
		s.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	s.registerLocked(state.MonitoredFile{
		ID:           uuid.NewString(),
		Path:         path,
		Label:        label,
		Priority:     priority,
		Enabled:      true,
		CreatedAt:    now,
		LastModified: now,
		AutoMonitor:  true,
	})
	s.mu.Unlock()

	s.persist()
}

// ── validation & registration ──────────────────────────────────────────────

// validateLocked runs the per-spec validation chain in order, first failure
// wins. On success it returns the fully-populated MonitoredFile ready to
// register. Caller holds the write lock.
func (s *Supervisor) validateLocked(spec AddSpec) (state.MonitoredFile, string) {
	path := spec.Path
	if path == "" {
		return state.MonitoredFile{}, reasonPathRequired
	}
	if !filepath.IsAbs(path) {
		return state.MonitoredFile{}, reasonPathNotAbsolute
	}

	st, err := os.Stat(path)
	switch {
	case err != nil && os.IsPermission(err):
		return state.MonitoredFile{}, reasonPermissionDenied
	case err != nil:
		return state.MonitoredFile{}, reasonFileNotFound
	case !st.Mode().IsRegular():
		return state.MonitoredFile{}, reasonNotRegularFile
	}

	f, err := os.Open(path)
	if err != nil {
		return state.MonitoredFile{}, reasonPermissionDenied
	}
	f.Close()

	label := spec.Label
	if label != "" {
		if _, exists := s.entries[label]; exists {
			return state.MonitoredFile{}, "Label already exists: " + label
		}
	} else {
		label = s.uniqueLabelLocked(DeriveLabel(path))
	}

	for _, e := range s.entries {
		if e.file.Path == path {
			return state.MonitoredFile{}, reasonAlreadyMonitored
		}
	}

	// Priority is tolerant: missing or unrecognised values fall back to
	// medium rather than rejecting the spec.
	priority, ok := classify.ParsePriority(spec.Priority)
	if !ok {
		priority = classify.PriorityMedium
	}

	now := time.Now().UTC()
	return state.MonitoredFile{
		ID:           uuid.NewString(),
		Path:         path,
		Label:        label,
		Priority:     priority,
		Enabled:      true,
		CreatedAt:    now,
		LastModified: now,
	}, ""
}

// registerLocked installs the entry and spawns its tailer when the
// supervisor is running and the entry is enabled. Caller holds the write
// lock.
func (s *Supervisor) registerLocked(mf state.MonitoredFile) {
	e := &entry{file: mf}
	s.entries[mf.Label] = e
	s.order = append(s.order, mf.Label)
	s.spawnLocked(e)
}

// removeLocked deletes the entry and cancels its tailer. Caller holds the
// write lock.
func (s *Supervisor) removeLocked(label string) {
	e := s.entries[label]
	delete(s.entries, label)
	for i, l := range s.order {
		if l == label {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if e.cancel != nil {
		e.cancel()
	}
}

// spawnLocked starts the tailer and line-consumer goroutines for e. It is a
// no-op before Start, for disabled entries, and for entries already running.
// Caller holds the write lock.
func (s *Supervisor) spawnLocked(e *entry) {
	if s.runCtx == nil || e.tl != nil || !e.file.Enabled {
		return
	}

	ctx, cancel := context.WithCancel(s.runCtx)
	e.cancel = cancel

	file := e.file
	tl := tailer.New(tailer.Config{
		Path:         file.Path,
		Label:        file.Label,
		PollInterval: s.interval,
		// The hook compares entry identity, not just the label: a removed
		// and re-added label must not keep the old tailer alive.
		Alive:  func() bool { return s.owns(file.Label, e) },
		Logger: s.logger,
	})
	e.tl = tl

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		tl.Run(ctx)
	}()
	go func() {
		defer s.wg.Done()
		for line := range tl.Lines() {
			if s.onLine != nil {
				s.onLine(file, line)
			}
		}
	}()
}

// owns reports whether e is still the registered entry for label.
func (s *Supervisor) owns(label string, e *entry) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur, ok := s.entries[label]
	return ok && cur == e
}

// uniqueLabelLocked suffixes base with _2, _3, … until it is free. Caller
// holds the write lock.
func (s *Supervisor) uniqueLabelLocked(base string) string {
	if _, exists := s.entries[base]; !exists {
		return base
	}
	for i := 2; ; i++ {
		candidate := base + "_" + strconv.Itoa(i)
		if _, exists := s.entries[candidate]; !exists {
			return candidate
		}
	}
}

// persist writes the current set through the state store. Failure is logged
// and the in-memory set stands: the next successful mutation re-writes the
// whole file.
func (s *Supervisor) persist() {
	if err := s.store.Save(s.List()); err != nil {
		s.logger.Error("failed to persist monitored files", "error", err)
	}
}

// ── label derivation ────────────────────────────────────────────────────────

// wellKnownLabels maps exact base names of standard system logs to their
// conventional labels.
var wellKnownLabels = map[string]string{
	"syslog":   "system",
	"kern.log": "kernel",
	"auth.log": "authentication",
}

// DeriveLabel maps a log path to a stable monitor label: well-known system
// logs get conventional names, a service's error.log is named after the
// service ("/var/log/apache2/error.log" → "apache_errors"), and anything
// else uses the file name without its .log suffix, sanitized.
func DeriveLabel(path string) string {
	base := filepath.Base(path)
	if label, ok := wellKnownLabels[base]; ok {
		return label
	}
	if base == "error.log" {
		if svc := serviceName(filepath.Base(filepath.Dir(path))); svc != "" {
			return svc + "_errors"
		}
	}
	label := sanitizeLabel(strings.TrimSuffix(base, ".log"))
	if label == "" {
		return "unnamed"
	}
	return label
}

// serviceName normalizes a service directory name for label use, dropping a
// version suffix ("apache2" → "apache"). It returns "" for directories that
// do not identify a service.
func serviceName(dir string) string {
	dir = sanitizeLabel(strings.TrimRight(dir, "0123456789"))
	switch dir {
	case "", "log", "logs":
		return ""
	}
	return dir
}

// sanitizeLabel lowercases s and replaces anything outside [a-z0-9._-] with
// an underscore.
func sanitizeLabel(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return strings.Trim(b.String(), "_")
}
