// Package tailer follows a single log file and emits every line appended
// after the tailer started. It never replays history: the file is opened at
// EOF, and offset 0 is only ever read after a rotation has been detected.
//
// Rotation is detected by polling the path and comparing file identity
// (os.SameFile) and size against the last read offset; a shrunken file is
// treated as truncation. A path that disappears is retried a bounded number
// of times and then polled at a slower cadence until it returns.
package tailer

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

const (
	// DefaultPollInterval is how often the tailer re-checks the file for new
	// bytes once it has reached EOF.
	DefaultPollInterval = 250 * time.Millisecond

	// defaultBufferSize is the capacity of the Lines channel. It absorbs
	// short consumer stalls without blocking the read loop.
	defaultBufferSize = 64

	// maxReopenAttempts is how many poll cycles a vanished file is retried
	// before the tailer drops into the paused cadence.
	maxReopenAttempts = 5

	// pausedIntervalFactor stretches the poll interval while the file is
	// missing, so a deleted log does not burn CPU on stat calls.
	pausedIntervalFactor = 8

	// readChunkSize is the size of a single read from the file.
	readChunkSize = 64 * 1024

	// maxLineBytes caps a single emitted line. A longer line is truncated
	// to this prefix and the remainder is discarded up to the next newline,
	// so a newline-free writer can never grow the pending buffer unbounded.
	maxLineBytes = 1 << 20
)

// State describes what the tailer is currently doing with its file.
type State string

const (
	// StateRunning means the file is open and being followed.
	StateRunning State = "running"
	// StatePaused means the path has been missing for longer than the
	// reopen budget; the tailer polls slowly until it returns.
	StatePaused State = "paused"
	// StateStopped means Run has returned and no more lines will be emitted.
	StateStopped State = "stopped"
)

// Line is one complete log line read from the file. Offset is the absolute
// file offset of the byte immediately after the line's newline; DetectedAt
// is when the tailer read it, not when the writer produced it.
type Line struct {
	Text       string
	Offset     int64
	DetectedAt time.Time
}

// AliveFn reports whether the tailer's label is still registered with its
// supervisor. When it returns false the tailer exits on its next poll.
type AliveFn func() bool

// StateFn receives state transitions. Calls are made from the tailer's own
// goroutine and must not block.
type StateFn func(State)

// Config carries everything a Tailer needs. Path is required; all other
// fields have working zero values.
type Config struct {
	// Path is the file to follow.
	Path string

	// Label is the monitor label the file is registered under; it appears
	// in log output only.
	Label string

	// PollInterval is the EOF re-check cadence. 0 or negative uses
	// DefaultPollInterval.
	PollInterval time.Duration

	// BufferSize is the capacity of the Lines channel. 0 or negative uses
	// defaultBufferSize.
	BufferSize int

	// Alive, when non-nil, is consulted every poll; a false return stops
	// the tailer cleanly.
	Alive AliveFn

	// OnState, when non-nil, observes state transitions.
	OnState StateFn

	// Logger receives tailer diagnostics. Nil uses slog.Default().
	Logger *slog.Logger
}

// Tailer follows one file. Create with New, drive with Run, consume Lines.
type Tailer struct {
	path     string
	interval time.Duration
	alive    AliveFn
	onState  StateFn
	logger   *slog.Logger
	lines    chan Line

	stateMu sync.Mutex
	state   State

	// read-loop state, owned by the Run goroutine
	file       *os.File
	info       os.FileInfo
	readPos    int64
	pending    []byte
	discarding bool
}

// New constructs a Tailer from cfg. The returned tailer does nothing until
// Run is called.
func New(cfg Config) *Tailer {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tailer{
		path:     cfg.Path,
		interval: cfg.PollInterval,
		alive:    cfg.Alive,
		onState:  cfg.OnState,
		logger:   logger.With(slog.String("label", cfg.Label), slog.String("path", cfg.Path)),
		lines:    make(chan Line, cfg.BufferSize),
	}
}

// Lines returns the channel on which complete lines are delivered. It is
// closed when Run returns.
func (t *Tailer) Lines() <-chan Line {
	return t.lines
}

// State returns the last state the tailer transitioned to. It is intended
// for status snapshots; the OnState hook is the ordered view.
func (t *Tailer) State() State {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	if t.state == "" {
		return StateStopped
	}
	return t.state
}

// Run follows the file until ctx is cancelled or the Alive hook reports the
// label deregistered. It closes the Lines channel on return.
func (t *Tailer) Run(ctx context.Context) {
	defer close(t.lines)
	defer t.setState(StateStopped)

	if err := t.openAtEnd(); err != nil {
		t.logger.Warn("tail target missing at start, waiting for it to appear", "error", err)
		if !t.awaitFile(ctx) {
			return
		}
	}
	t.setState(StateRunning)
	defer t.closeFile()

	buf := make([]byte, readChunkSize)
	for {
		n, err := t.file.Read(buf)
		if n > 0 {
			if !t.consume(ctx, buf[:n]) {
				return
			}
		}
		if err == nil {
			continue
		}
		if err != io.EOF {
			t.logger.Warn("read failed", "error", err)
		}

		// At EOF (or unreadable): time to look at the path again.
		if !t.deregisteredOrSleep(ctx, t.interval) {
			return
		}
		if !t.checkRotation(ctx) {
			return
		}
	}
}

// consume appends b to the pending buffer, cuts complete lines, and emits
// them. A line longer than maxLineBytes is emitted as its truncated prefix
// and the rest is discarded through the next newline. It reports false when
// ctx is cancelled mid-emit.
func (t *Tailer) consume(ctx context.Context, b []byte) bool {
	start := t.readPos - int64(len(t.pending))
	t.readPos += int64(len(b))
	t.pending = append(t.pending, b...)

	for {
		i := bytes.IndexByte(t.pending, '\n')
		if i < 0 {
			if t.discarding || len(t.pending) <= maxLineBytes {
				if t.discarding {
					start += int64(len(t.pending))
					t.pending = t.pending[:0]
				}
				return true
			}
			// Oversized line still growing: emit the capped prefix now and
			// discard everything until its newline finally arrives.
			t.logger.Warn("line exceeds cap, truncating",
				slog.Int("cap", maxLineBytes))
			line := Line{
				Text:       string(t.pending[:maxLineBytes]),
				Offset:     start + int64(len(t.pending)),
				DetectedAt: time.Now().UTC(),
			}
			t.discarding = true
			start += int64(len(t.pending))
			t.pending = t.pending[:0]
			select {
			case t.lines <- line:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if t.discarding {
			// Tail end of a line whose prefix was already emitted.
			start += int64(i) + 1
			t.pending = t.pending[i+1:]
			t.discarding = false
			continue
		}

		text := t.pending[:i]
		if len(text) > maxLineBytes {
			t.logger.Warn("line exceeds cap, truncating",
				slog.Int("bytes", len(text)), slog.Int("cap", maxLineBytes))
			text = text[:maxLineBytes]
		}
		line := Line{
			Text:       string(text),
			Offset:     start + int64(i) + 1,
			DetectedAt: time.Now().UTC(),
		}
		t.pending = t.pending[i+1:]
		start = line.Offset

		select {
		case t.lines <- line:
		case <-ctx.Done():
			return false
		}
	}
}

// checkRotation stats the path and reopens from offset 0 when the file has
// been rotated (identity changed) or truncated (size < read offset). A
// missing path shifts into the reopen/paused flow. Returns false when the
// tailer should exit.
func (t *Tailer) checkRotation(ctx context.Context) bool {
	st, err := os.Stat(t.path)
	if err != nil {
		t.logger.Info("tail target disappeared")
		t.closeFile()
		return t.awaitFile(ctx)
	}

	if !os.SameFile(st, t.info) {
		t.logger.Info("rotation detected, reopening from start")
		t.reopenAtStart()
		return true
	}
	if st.Size() < t.readPos {
		t.logger.Info("truncation detected, reopening from start",
			slog.Int64("size", st.Size()), slog.Int64("offset", t.readPos))
		t.reopenAtStart()
		return true
	}
	return true
}

// awaitFile retries the open for maxReopenAttempts polls and then drops to
// the paused cadence until the path returns or the tailer is stopped. On
// success the file is read from offset 0: everything in a fresh file is new.
func (t *Tailer) awaitFile(ctx context.Context) bool {
	attempts := 0
	interval := t.interval
	for {
		if !t.deregisteredOrSleep(ctx, interval) {
			return false
		}
		if t.reopenAtStart() {
			t.setState(StateRunning)
			return true
		}
		attempts++
		if attempts == maxReopenAttempts {
			t.logger.Warn("tail target still missing, pausing",
				slog.Int("attempts", attempts))
			t.setState(StatePaused)
			interval = t.interval * pausedIntervalFactor
		}
	}
}

// reopenAtStart opens the path at offset 0, replacing any previous handle
// and dropping a partial line carried from the old file. It reports whether
// a new handle was installed; a still-missing path is not an error, the
// caller simply retries on its next poll.
func (t *Tailer) reopenAtStart() bool {
	f, err := os.Open(t.path)
	if err != nil {
		if !os.IsNotExist(err) {
			t.logger.Warn("reopen failed", "error", err)
		}
		return false
	}
	info, err := f.Stat()
	if err != nil {
		t.logger.Warn("stat after reopen failed", "error", err)
		f.Close()
		return false
	}

	t.closeFile()
	if len(t.pending) > 0 {
		t.logger.Debug("dropping partial line from rotated file",
			slog.Int("bytes", len(t.pending)))
	}
	t.file = f
	t.info = info
	t.readPos = 0
	t.pending = nil
	t.discarding = false
	return true
}

// openAtEnd opens the path and seeks to EOF, establishing the no-replay
// guarantee for lines written before start.
func (t *Tailer) openAtEnd() error {
	f, err := os.Open(t.path)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	end, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return err
	}
	t.file = f
	t.info = info
	t.readPos = end
	t.pending = nil
	t.discarding = false
	return nil
}

// deregisteredOrSleep checks the Alive hook, then sleeps for d. It reports
// false when the tailer should exit (deregistered or ctx cancelled).
func (t *Tailer) deregisteredOrSleep(ctx context.Context, d time.Duration) bool {
	if t.alive != nil && !t.alive() {
		t.logger.Info("label deregistered, stopping tail")
		return false
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (t *Tailer) setState(s State) {
	t.stateMu.Lock()
	changed := t.state != s
	t.state = s
	t.stateMu.Unlock()
	if changed && t.onState != nil {
		t.onState(s)
	}
}

func (t *Tailer) closeFile() {
	if t.file != nil {
		t.file.Close()
		t.file = nil
	}
}
