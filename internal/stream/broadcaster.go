package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/resolvix/collector/internal/classify"
)

const (
	// DefaultSubscriberBuffer is the per-subscriber outbound queue depth.
	DefaultSubscriberBuffer = 256
	// DefaultReplayDepth is how many recent events a new log subscriber
	// receives on connect.
	DefaultReplayDepth = 100
	// DefaultHeartbeatPeriod is the cadence of heartbeat frames.
	DefaultHeartbeatPeriod = 15 * time.Second
)

// Event is one classified, suppression-surviving log line as broadcast to
// /logs subscribers.
type Event struct {
	TS       time.Time         `json:"ts"`
	Label    string            `json:"label"`
	Priority classify.Priority `json:"priority"`
	Severity classify.Severity `json:"severity"`
	Line     string            `json:"line"`
}

// eventFrame is the wire envelope for one event.
type eventFrame struct {
	Kind     string            `json:"kind"`
	TS       time.Time         `json:"ts"`
	Label    string            `json:"label"`
	Priority classify.Priority `json:"priority"`
	Severity classify.Severity `json:"severity"`
	Line     string            `json:"line"`
}

// heartbeatFrame is the keepalive envelope.
type heartbeatFrame struct {
	Kind string    `json:"kind"`
	TS   time.Time `json:"ts"`
}

// Filter restricts which events one subscriber receives. A nil Filter (or a
// zero one) passes everything.
type Filter struct {
	Labels      []string          `json:"labels"`
	MinPriority classify.Priority `json:"min_priority"`
}

// allows reports whether ev passes f.
func (f *Filter) allows(ev Event) bool {
	if f == nil {
		return true
	}
	if len(f.Labels) > 0 {
		found := false
		for _, l := range f.Labels {
			if l == ev.Label {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.MinPriority != "" && classify.Rank(ev.Priority) < classify.Rank(f.MinPriority) {
		return false
	}
	return true
}

// Subscriber is one connected stream client as seen by the broadcaster.
type Subscriber struct {
	id     string
	ch     chan []byte
	filter *Filter
	closed bool // guarded by the broadcaster mutex
}

// ID returns the subscriber's identifier.
func (s *Subscriber) ID() string { return s.id }

// Frames returns the channel of marshalled frames to pump to the client.
// The channel closes when the subscriber is dropped or unsubscribed.
func (s *Subscriber) Frames() <-chan []byte { return s.ch }

// Broadcaster fans frames out to stream subscribers. A subscriber whose
// buffer is full when a frame arrives is disconnected — the drop-subscriber
// policy: one stuck reader must never starve the rest, and a reconnect with
// ring replay is cheaper than unbounded buffering.
type Broadcaster struct {
	bufSize     int
	replayDepth int
	logger      *slog.Logger

	mu   sync.Mutex
	subs map[string]*Subscriber
	ring []Event // last replayDepth events, oldest first

	dropped atomic.Int64
}

// NewBroadcaster builds a Broadcaster. bufSize ≤ 0 uses
// DefaultSubscriberBuffer; replayDepth < 0 uses DefaultReplayDepth, 0
// disables replay (the telemetry stream runs with 0).
func NewBroadcaster(bufSize, replayDepth int, logger *slog.Logger) *Broadcaster {
	if bufSize <= 0 {
		bufSize = DefaultSubscriberBuffer
	}
	if replayDepth < 0 {
		replayDepth = DefaultReplayDepth
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		bufSize:     bufSize,
		replayDepth: replayDepth,
		logger:      logger,
		subs:        make(map[string]*Subscriber),
	}
}

// Subscribe registers a client and flushes the filtered replay ring into its
// buffer so a reconnecting viewer is not empty.
func (b *Broadcaster) Subscribe(id string, filter *Filter) *Subscriber {
	sub := &Subscriber{
		id:     id,
		ch:     make(chan []byte, b.bufSize),
		filter: filter,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[id] = sub
	for _, ev := range b.ring {
		if !filter.allows(ev) {
			continue
		}
		select {
		case sub.ch <- marshalEvent(ev):
		default:
			// Ring larger than buffer; the newest events win on connect.
		}
	}
	return sub
}

// Unsubscribe removes the subscriber and closes its frame channel. Unknown
// or already-dropped ids are a no-op.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropLocked(id)
}

// Count returns the number of connected subscribers.
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped returns how many subscribers have been disconnected for falling
// behind.
func (b *Broadcaster) Dropped() int64 { return b.dropped.Load() }

// PublishEvent records ev in the replay ring and delivers it to every
// subscriber whose filter passes it.
func (b *Broadcaster) PublishEvent(ev Event) {
	frame := marshalEvent(ev)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.replayDepth > 0 {
		b.ring = append(b.ring, ev)
		if len(b.ring) > b.replayDepth {
			b.ring = b.ring[len(b.ring)-b.replayDepth:]
		}
	}

	for id, sub := range b.subs {
		if !sub.filter.allows(ev) {
			continue
		}
		b.sendLocked(id, sub, frame)
	}
}

// PublishRaw delivers an already-marshalled frame to every subscriber,
// bypassing filters and the ring. Telemetry and heartbeat frames use it.
func (b *Broadcaster) PublishRaw(frame []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		b.sendLocked(id, sub, frame)
	}
}

// RunHeartbeat emits a heartbeat frame to every subscriber each period until
// ctx is cancelled.
func (b *Broadcaster) RunHeartbeat(ctx context.Context, period time.Duration) {
	if period <= 0 {
		period = DefaultHeartbeatPeriod
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame, _ := json.Marshal(heartbeatFrame{Kind: "heartbeat", TS: time.Now().UTC()})
			b.PublishRaw(frame)
		}
	}
}

// Close disconnects every subscriber.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id := range b.subs {
		b.dropLocked(id)
	}
}

// sendLocked delivers frame to sub, disconnecting it when its buffer is
// full. Caller holds b.mu.
func (b *Broadcaster) sendLocked(id string, sub *Subscriber, frame []byte) {
	select {
	case sub.ch <- frame:
	default:
		b.logger.Warn("stream: subscriber too slow, disconnecting",
			slog.String("subscriber_id", id))
		b.dropped.Add(1)
		b.dropLocked(id)
	}
}

// dropLocked removes and closes a subscriber. Caller holds b.mu.
func (b *Broadcaster) dropLocked(id string) {
	sub, ok := b.subs[id]
	if !ok || sub.closed {
		return
	}
	sub.closed = true
	delete(b.subs, id)
	close(sub.ch)
}

func marshalEvent(ev Event) []byte {
	frame, _ := json.Marshal(eventFrame{
		Kind:     "event",
		TS:       ev.TS,
		Label:    ev.Label,
		Priority: ev.Priority,
		Severity: ev.Severity,
		Line:     ev.Line,
	})
	return frame
}
