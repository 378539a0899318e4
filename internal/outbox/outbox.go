// Package outbox is the durable queue between the telemetry collector and
// the remote ingestion endpoint. Entries live in a single newline-delimited
// JSON file: a {"version":1} header line followed by one entry per line. The
// file is guarded by an in-process mutex and a flock-held sidecar lock so
// two daemon instances cannot interleave writes.
//
// The queue is small (at most MaxQueue entries), so every mutation rewrites
// the whole file through a temp file and rename. That keeps the format free
// of compaction logic and means a crash can at worst lose the mutation in
// flight, never corrupt the committed file.
package outbox

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// DefaultMaxQueue caps the number of persisted entries.
	DefaultMaxQueue = 1000

	// formatVersion is the value of the header line's "version" field.
	formatVersion = 1

	// maxLineSize bounds one persisted entry line.
	maxLineSize = 10 * 1024 * 1024
)

// ErrClosed is returned by mutations after Close.
var ErrClosed = errors.New("outbox: closed")

// ErrLocked is returned by Open when another process holds the queue lock.
var ErrLocked = errors.New("outbox: queue file locked by another process")

// Entry is one persisted outbox record. Seq is strictly increasing across
// the lifetime of the file; Attempts and NextAttemptTS carry retry state
// across restarts.
type Entry struct {
	Seq           uint64          `json:"seq"`
	CreatedTS     time.Time       `json:"created_ts"`
	Payload       json.RawMessage `json:"payload"`
	Attempts      int             `json:"attempts"`
	NextAttemptTS time.Time       `json:"next_attempt_ts"`
}

// header is the first line of the queue file.
type header struct {
	Version int `json:"version"`
}

// Stats is a point-in-time summary of queue activity for /api/status.
type Stats struct {
	Queued          int       `json:"queued"`
	LastSeq         uint64    `json:"last_seq"`
	Delivered       int64     `json:"delivered"`
	DroppedOverflow int64     `json:"dropped_overflow"`
	DroppedAttempts int64     `json:"dropped_attempts"`
	LastError       string    `json:"last_error,omitempty"`
	LastDeliveredAt time.Time `json:"last_delivered_at"`
}

// Queue is the durable outbox. Create with Open; all methods are safe for
// concurrent use.
type Queue struct {
	path     string
	maxQueue int
	logger   *slog.Logger

	mu       sync.Mutex
	closed   bool
	lockFile *os.File
	entries  []Entry
	lastSeq  uint64

	delivered       int64
	droppedOverflow int64
	droppedAttempts int64
	lastError       string
	lastDeliveredAt time.Time
}

// Options tunes Open. The zero value uses production defaults.
type Options struct {
	// MaxQueue caps the entry count; 0 uses DefaultMaxQueue.
	MaxQueue int
	// Logger receives queue diagnostics. Nil uses slog.Default().
	Logger *slog.Logger
}

// Open loads (or creates) the queue file at path and takes the cross-process
// lock on "<path>.lock". A corrupt header fails Open; corrupt trailing entry
// lines are dropped with a warning, because a crash mid-rewrite legitimately
// leaves a torn last line.
func Open(path string, opts Options) (*Queue, error) {
	if opts.MaxQueue <= 0 {
		opts.MaxQueue = DefaultMaxQueue
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	lockFile, err := acquireLock(path + ".lock")
	if err != nil {
		return nil, err
	}

	q := &Queue{
		path:     path,
		maxQueue: opts.MaxQueue,
		logger:   logger,
		lockFile: lockFile,
	}
	if err := q.load(); err != nil {
		releaseLock(lockFile)
		return nil, err
	}
	return q, nil
}

// acquireLock opens lockPath and takes an exclusive, non-blocking flock on
// it. The lock is advisory: it coordinates cooperating daemon instances, not
// arbitrary writers.
func acquireLock(lockPath string) (*os.File, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("outbox: opening lock %q: %w", lockPath, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("outbox: locking %q: %w", lockPath, err)
	}
	return f, nil
}

func releaseLock(f *os.File) {
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	f.Close()
}

// load reads the queue file into memory. A missing file is an empty queue.
func (q *Queue) load() error {
	f, err := os.Open(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("outbox: opening %q: %w", q.path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("outbox: reading %q: %w", q.path, err)
		}
		return nil // empty file, treat as empty queue
	}
	var h header
	if err := json.Unmarshal(scanner.Bytes(), &h); err != nil || h.Version != formatVersion {
		return fmt.Errorf("outbox: %q has an unrecognised header %q", q.path, scanner.Text())
	}

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			q.logger.Warn("outbox: dropping corrupt entry line", "error", err)
			continue
		}
		q.entries = append(q.entries, e)
		if e.Seq > q.lastSeq {
			q.lastSeq = e.Seq
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("outbox: scanning %q: %w", q.path, err)
	}

	if len(q.entries) > q.maxQueue {
		dropped := len(q.entries) - q.maxQueue
		q.entries = append([]Entry(nil), q.entries[dropped:]...)
		q.droppedOverflow += int64(dropped)
		q.logger.Warn("outbox: queue file exceeded capacity, dropped oldest entries",
			slog.Int("dropped", dropped))
	}
	return nil
}

// Enqueue appends payload as a new entry and persists the queue. When the
// queue is full the oldest entry is dropped first. Enqueue does no network
// I/O and never blocks on the sender.
func (q *Queue) Enqueue(payload json.RawMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}

	for len(q.entries) >= q.maxQueue {
		q.entries = q.entries[1:]
		q.droppedOverflow++
		q.logger.Warn("outbox: queue full, dropped oldest entry",
			slog.Int("max_queue", q.maxQueue))
	}

	q.lastSeq++
	q.entries = append(q.entries, Entry{
		Seq:       q.lastSeq,
		CreatedTS: time.Now().UTC(),
		Payload:   payload,
	})
	return q.persistLocked()
}

// Head returns a copy of the oldest entry, if any.
func (q *Queue) Head() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return Entry{}, false
	}
	return q.entries[0], true
}

// Ack removes the head entry if its sequence number is seq, recording a
// successful delivery. A stale seq is a no-op.
func (q *Queue) Ack(seq uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if len(q.entries) == 0 || q.entries[0].Seq != seq {
		return nil
	}
	q.entries = q.entries[1:]
	q.delivered++
	q.lastDeliveredAt = time.Now().UTC()
	q.lastError = ""
	return q.persistLocked()
}

// Fail records a delivery failure on the head entry: attempts is
// incremented and the next attempt scheduled at nextAttempt. When attempts
// reaches maxAttempts the entry is dropped instead. The verdict — whether
// the entry was dropped — is returned for logging.
func (q *Queue) Fail(seq uint64, nextAttempt time.Time, maxAttempts int, cause error) (dropped bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, ErrClosed
	}
	if cause != nil {
		q.lastError = cause.Error()
	}
	if len(q.entries) == 0 || q.entries[0].Seq != seq {
		return false, nil
	}

	head := &q.entries[0]
	head.Attempts++
	head.NextAttemptTS = nextAttempt.UTC()

	if head.Attempts >= maxAttempts {
		q.logger.Warn("outbox: entry exceeded delivery attempts, dropping",
			slog.Uint64("seq", head.Seq),
			slog.Int("attempts", head.Attempts))
		q.entries = q.entries[1:]
		q.droppedAttempts++
		return true, q.persistLocked()
	}
	return false, q.persistLocked()
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Stats returns counters accumulated since Open.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Queued:          len(q.entries),
		LastSeq:         q.lastSeq,
		Delivered:       q.delivered,
		DroppedOverflow: q.droppedOverflow,
		DroppedAttempts: q.droppedAttempts,
		LastError:       q.lastError,
		LastDeliveredAt: q.lastDeliveredAt,
	}
}

// Close persists the queue one final time and releases the cross-process
// lock. Mutations after Close return ErrClosed.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	err := q.persistLocked()
	releaseLock(q.lockFile)
	return err
}

// persistLocked rewrites the queue file atomically. Caller holds q.mu.
func (q *Queue) persistLocked() error {
	var buf []byte
	h, _ := json.Marshal(header{Version: formatVersion})
	buf = append(buf, h...)
	buf = append(buf, '\n')
	for _, e := range q.entries {
		line, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("outbox: encoding entry %d: %w", e.Seq, err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}

	tmp := q.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("outbox: opening %q: %w", tmp, err)
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("outbox: writing %q: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("outbox: syncing %q: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("outbox: closing %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, q.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("outbox: renaming %q: %w", tmp, err)
	}
	return nil
}
