package frame

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// Conn wraps a gorilla/websocket connection with JSON frame read/write and
// payload-size enforcement (spec.md §6.2: "Payload frames exceeding
// max_payload_bytes are rejected at the framing layer").
//
// Writes are serialized under a mutex: gorilla/websocket forbids concurrent
// writers on the same connection, and spec.md §4.1.4 requires sequence
// numbers to be assigned under the same lock that appends to a connection's
// outbound queue — this mutex is that lock.
type Conn struct {
	ws              *websocket.Conn
	maxPayloadBytes int

	writeMu sync.Mutex
}

// NewConn wraps ws, enforcing maxPayloadBytes on both directions.
func NewConn(ws *websocket.Conn, maxPayloadBytes int) *Conn {
	ws.SetReadLimit(int64(maxPayloadBytes))
	return &Conn{ws: ws, maxPayloadBytes: maxPayloadBytes}
}

// ErrPayloadTooLarge is returned by WriteJSON when the encoded message
// exceeds maxPayloadBytes.
var ErrPayloadTooLarge = fmt.Errorf("payload exceeds max_payload_bytes")

// ReadRaw reads one message frame as raw bytes. gorilla/websocket already
// enforces the read limit set in NewConn, surfacing an error for oversized
// frames instead of delivering a truncated message.
func (c *Conn) ReadRaw() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

// WriteJSON marshals v and writes it as a single text message, rejecting
// payloads that exceed maxPayloadBytes before attempting the write.
func (c *Conn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if len(data) > c.maxPayloadBytes {
		return ErrPayloadTooLarge
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Lock/Unlock expose the write mutex so callers that need to assign a
// sequence number and write atomically (spec.md §4.1.4) can do so without a
// second round-trip through WriteJSON's own locking.
func (c *Conn) Lock()   { c.writeMu.Lock() }
func (c *Conn) Unlock() { c.writeMu.Unlock() }

// WriteJSONLocked is WriteJSON without acquiring writeMu; the caller must
// hold it (see Lock/Unlock).
func (c *Conn) WriteJSONLocked(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if len(data) > c.maxPayloadBytes {
		return ErrPayloadTooLarge
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close closes the underlying websocket connection with the given close
// code and reason (spec.md §4.1.2 "close with code = policy-violation").
func (c *Conn) Close(code int, reason string) error {
	c.writeMu.Lock()
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	c.writeMu.Unlock()
	return c.ws.Close()
}
