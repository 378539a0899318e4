package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/resolvix/collector/internal/telemetry"
)

// telemetryFrame is the wire envelope for one snapshot.
type telemetryFrame struct {
	Kind     string             `json:"kind"`
	TS       time.Time          `json:"ts"`
	Snapshot telemetry.Snapshot `json:"snapshot"`
}

// welcomeFrame confirms the connection to a new telemetry subscriber.
type welcomeFrame struct {
	Kind   string    `json:"kind"`
	Status string    `json:"status"`
	NodeID string    `json:"node_id"`
	TS     time.Time `json:"ts"`
}

// pongFrame answers a {"command":"ping"} client message.
type pongFrame struct {
	Kind string    `json:"kind"`
	TS   time.Time `json:"ts"`
}

// clientCommand is a parsed client text frame on the telemetry socket.
type clientCommand struct {
	Command string `json:"command"`
}

// SnapshotFn produces an on-demand snapshot for the get_metrics command.
type SnapshotFn func(ctx context.Context) telemetry.Snapshot

// MarshalSnapshot wraps snap in its stream envelope. The daemon uses it to
// broadcast each periodic snapshot.
func MarshalSnapshot(snap telemetry.Snapshot) []byte {
	frame, _ := json.Marshal(telemetryFrame{Kind: "telemetry", TS: time.Now().UTC(), Snapshot: snap})
	return frame
}

// TelemetryHandler upgrades /telemetry connections, greets them, answers
// ping and get_metrics commands, and pumps broadcast snapshots.
type TelemetryHandler struct {
	bc       *Broadcaster
	snapshot SnapshotFn
	nodeID   string
	logger   *slog.Logger
}

// NewTelemetryHandler builds the /telemetry endpoint handler. snapshot may
// be nil, in which case get_metrics is ignored.
func NewTelemetryHandler(bc *Broadcaster, snapshot SnapshotFn, nodeID string, logger *slog.Logger) *TelemetryHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TelemetryHandler{bc: bc, snapshot: snapshot, nodeID: nodeID, logger: logger}
}

// ServeHTTP upgrades the connection and drives it until either side goes
// away.
func (h *TelemetryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := Upgrade(w, r)
	if err != nil {
		return
	}
	defer conn.Close()

	welcome, _ := json.Marshal(welcomeFrame{
		Kind:   "connection",
		Status: "connected",
		NodeID: h.nodeID,
		TS:     time.Now().UTC(),
	})
	if err := conn.WriteText(welcome, time.Now().Add(writeTimeout)); err != nil {
		return
	}

	id := uuid.NewString()
	sub := h.bc.Subscribe(id, nil)
	defer h.bc.Unsubscribe(id)

	h.logger.Info("stream: telemetry subscriber connected",
		slog.String("subscriber_id", id),
		slog.String("remote_addr", conn.RemoteAddr()))
	defer h.logger.Info("stream: telemetry subscriber disconnected",
		slog.String("subscriber_id", id))

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.commandLoop(r.Context(), conn)
	}()

	pumpFrames(conn, sub, done)
}

// commandLoop reads client frames and answers the two supported commands.
// Unknown commands are ignored; a bad client gets silence, not a
// disconnect.
func (h *TelemetryHandler) commandLoop(ctx context.Context, conn *Conn) {
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
		case opText:
			var cmd clientCommand
			if err := json.Unmarshal(payload, &cmd); err != nil {
				continue
			}
			switch cmd.Command {
			case "ping":
				frame, _ := json.Marshal(pongFrame{Kind: "pong", TS: time.Now().UTC()})
				_ = conn.WriteText(frame, time.Now().Add(writeTimeout))
			case "get_metrics":
				if h.snapshot == nil {
					continue
				}
				snap := h.snapshot(ctx)
				_ = conn.WriteText(MarshalSnapshot(snap), time.Now().Add(writeTimeout))
			}
		}
	}
}
