// Package stream serves the two live sockets: log events on /logs and
// telemetry snapshots on /telemetry. The WebSocket layer is hand-rolled on
// http.Hijacker — the protocol surface the collector needs (text frames,
// close, ping/pong) is small enough that RFC 6455 framing is less code than
// a dependency.
package stream

import (
	"bufio"
	"crypto/sha1" //nolint:gosec // SHA-1 is mandated by RFC 6455 §4.1; not used for security
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// maxFrameSize is the largest client frame accepted. Filter and command
// messages are tiny; anything bigger is a misbehaving client.
const maxFrameSize = 64 * 1024

// wsGUID is the fixed GUID from RFC 6455 §4.1 for the accept key.
const wsGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// WebSocket opcodes.
const (
	opText  = 0x1
	opClose = 0x8
	opPing  = 0x9
	opPong  = 0xA
)

// errFrameTooLarge aborts connections sending oversized frames.
var errFrameTooLarge = errors.New("stream: client frame exceeds limit")

// Conn is one upgraded WebSocket connection. Reads belong to a single
// goroutine; writes are mutex-serialised so the read loop can answer
// commands while the pump goroutine streams broadcasts.
type Conn struct {
	netConn net.Conn
	br      *bufio.Reader

	writeMu sync.Mutex
}

// Upgrade performs the HTTP → WebSocket handshake and hands back the raw
// connection. On failure an HTTP error has already been written.
func Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	if !isWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusUpgradeRequired)
		return nil, errors.New("stream: not a websocket upgrade request")
	}
	key := r.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		http.Error(w, "missing Sec-WebSocket-Key", http.StatusBadRequest)
		return nil, errors.New("stream: missing Sec-WebSocket-Key")
	}
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "server does not support hijacking", http.StatusInternalServerError)
		return nil, errors.New("stream: response writer does not support hijacking")
	}

	netConn, bufrw, err := hj.Hijack()
	if err != nil {
		return nil, fmt.Errorf("stream: hijack: %w", err)
	}

	resp := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + computeAcceptKey(key) + "\r\n\r\n"
	if _, err := bufrw.WriteString(resp); err != nil {
		netConn.Close()
		return nil, fmt.Errorf("stream: handshake write: %w", err)
	}
	if err := bufrw.Flush(); err != nil {
		netConn.Close()
		return nil, fmt.Errorf("stream: handshake flush: %w", err)
	}

	return &Conn{netConn: netConn, br: bufrw.Reader}, nil
}

// RemoteAddr returns the peer address for log lines.
func (c *Conn) RemoteAddr() string { return c.netConn.RemoteAddr().String() }

// SetReadDeadline bounds the next ReadMessage. The zero time clears it.
func (c *Conn) SetReadDeadline(t time.Time) error { return c.netConn.SetReadDeadline(t) }

// Close tears down the underlying connection. Safe to call more than once.
func (c *Conn) Close() { c.netConn.Close() }

// ReadMessage reads one frame, unmasking the payload. Client frames must be
// masked per RFC 6455 §5.1; unmasked frames are rejected.
func (c *Conn) ReadMessage() (opcode byte, payload []byte, err error) {
	b0, err := c.br.ReadByte()
	if err != nil {
		return 0, nil, err
	}
	b1, err := c.br.ReadByte()
	if err != nil {
		return 0, nil, err
	}

	opcode = b0 & 0x0F
	masked := b1&0x80 != 0
	length := uint64(b1 & 0x7F)

	switch length {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(c.br, ext[:]); err != nil {
			return 0, nil, err
		}
		length = uint64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(c.br, ext[:]); err != nil {
			return 0, nil, err
		}
		length = binary.BigEndian.Uint64(ext[:])
	}
	if length > maxFrameSize {
		return 0, nil, errFrameTooLarge
	}
	if !masked {
		return 0, nil, errors.New("stream: client frame is not masked")
	}

	var maskKey [4]byte
	if _, err := io.ReadFull(c.br, maskKey[:]); err != nil {
		return 0, nil, err
	}

	payload = make([]byte, length)
	if _, err := io.ReadFull(c.br, payload); err != nil {
		return 0, nil, err
	}
	for i := range payload {
		payload[i] ^= maskKey[i%4]
	}
	return opcode, payload, nil
}

// WriteText sends payload as an unfragmented, unmasked text frame with
// deadline as the write deadline.
func (c *Conn) WriteText(payload []byte, deadline time.Time) error {
	return c.writeFrame(opText, payload, deadline)
}

// WritePong answers a ping, echoing its payload.
func (c *Conn) WritePong(payload []byte, deadline time.Time) error {
	return c.writeFrame(opPong, payload, deadline)
}

// WriteClose sends an empty close frame. Best effort on shutdown.
func (c *Conn) WriteClose(deadline time.Time) error {
	return c.writeFrame(opClose, nil, deadline)
}

func (c *Conn) writeFrame(opcode byte, payload []byte, deadline time.Time) error {
	n := len(payload)
	var header []byte
	fin := byte(0x80 | opcode)
	switch {
	case n < 126:
		header = []byte{fin, byte(n)}
	case n < 65536:
		header = []byte{fin, 126, 0, 0}
		binary.BigEndian.PutUint16(header[2:], uint16(n))
	default:
		header = make([]byte, 10)
		header[0] = fin
		header[1] = 127
		binary.BigEndian.PutUint64(header[2:], uint64(n))
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.netConn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("stream: set write deadline: %w", err)
	}
	if _, err := c.netConn.Write(header); err != nil {
		return fmt.Errorf("stream: write header: %w", err)
	}
	if _, err := c.netConn.Write(payload); err != nil {
		return fmt.Errorf("stream: write payload: %w", err)
	}
	return nil
}

// isWebSocketUpgrade reports whether r carries the upgrade headers of
// RFC 6455 §4.1.
func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// computeAcceptKey derives Sec-WebSocket-Accept from the client key.
func computeAcceptKey(key string) string {
	//nolint:gosec // SHA-1 is mandated by RFC 6455; not used for security
	h := sha1.New()
	h.Write([]byte(key + wsGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
