package stream

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// filterWindow is how long the handler waits for the optional first client
// frame carrying a subscription filter before subscribing unfiltered. The
// replay ring is flushed at subscribe time, so the filter has to be known
// before subscription, not after.
const filterWindow = 250 * time.Millisecond

// writeTimeout bounds one frame write to a subscriber.
const writeTimeout = 10 * time.Second

// LogHandler upgrades /logs connections and pumps broadcast log events to
// them.
type LogHandler struct {
	bc     *Broadcaster
	logger *slog.Logger
}

// NewLogHandler builds the /logs endpoint handler over bc.
func NewLogHandler(bc *Broadcaster, logger *slog.Logger) *LogHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogHandler{bc: bc, logger: logger}
}

// ServeHTTP upgrades the connection, reads the optional filter frame,
// subscribes, and pumps frames until either side goes away.
func (h *LogHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := Upgrade(w, r)
	if err != nil {
		return
	}
	defer conn.Close()

	filter := readFilter(conn)

	id := uuid.NewString()
	sub := h.bc.Subscribe(id, filter)
	defer h.bc.Unsubscribe(id)

	h.logger.Info("stream: log subscriber connected",
		slog.String("subscriber_id", id),
		slog.String("remote_addr", conn.RemoteAddr()))
	defer h.logger.Info("stream: log subscriber disconnected",
		slog.String("subscriber_id", id))

	done := make(chan struct{})
	go func() {
		defer close(done)
		discardUntilClose(conn)
	}()

	pumpFrames(conn, sub, done)
}

// readFilter reads the optional first text frame as a Filter. An absent,
// late, or malformed frame yields a nil filter: an unparseable filter must
// widen the stream, never hide events.
func readFilter(conn *Conn) *Filter {
	_ = conn.SetReadDeadline(time.Now().Add(filterWindow))
	defer conn.SetReadDeadline(time.Time{})

	opcode, payload, err := conn.ReadMessage()
	if err != nil || opcode != opText {
		return nil
	}
	var f Filter
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil
	}
	if len(f.Labels) == 0 && f.MinPriority == "" {
		return nil
	}
	return &f
}

// discardUntilClose consumes client frames, answering pings, until the
// connection drops or the client sends a close frame.
func discardUntilClose(conn *Conn) {
	for {
		opcode, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		switch opcode {
		case opClose:
			return
		case opPing:
			_ = conn.WritePong(payload, time.Now().Add(writeTimeout))
		}
	}
}

// pumpFrames writes subscriber frames to the connection until the frame
// channel closes (dropped or unsubscribed) or the reader goroutine reports
// the connection gone.
func pumpFrames(conn *Conn, sub *Subscriber, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case frame, ok := <-sub.Frames():
			if !ok {
				_ = conn.WriteClose(time.Now().Add(time.Second))
				return
			}
			if err := conn.WriteText(frame, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}
