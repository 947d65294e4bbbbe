// Package ws terminates the client side of a relay session: it completes the
// websocket opening handshake over a hijacked HTTP connection and wraps the
// raw transport in a Listener that writes whole frames.
package ws

import (
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"

	"voxrelay.dev/frame"
)

// Listener is the client transport of one relay session. Writes are
// serialized by a mutex so frames from the bridge and the pinger never
// interleave on the wire; Close is idempotent.
type Listener struct {
	mutex  sync.Mutex
	conn   net.Conn
	rd     io.Reader
	remote atomic.String
	once   sync.Once
}

// NewListener wraps a hijacked connection. rd is the reader to consume
// client bytes from, normally the buffered reader left over from the
// hijack so bytes the client sent on the heels of its handshake are not
// lost; pass nil to read from conn directly.
func NewListener(conn net.Conn, rd io.Reader, remote string) (ws *Listener) {
	if rd == nil {
		rd = conn
	}
	ws = &Listener{conn: conn, rd: rd}
	ws.remote.Store(remote)
	return
}

// Read reads raw bytes from the client transport.
func (ws *Listener) Read(p []byte) (n int, err error) { return ws.rd.Read(p) }

// WriteFrame encodes and writes one unmasked frame to the client.
func (ws *Listener) WriteFrame(op frame.Opcode, payload []byte) (err error) {
	ws.mutex.Lock()
	defer ws.mutex.Unlock()
	_, err = ws.conn.Write(frame.Encode(op, payload))
	return
}

// WriteText sends a text frame to the client.
func (ws *Listener) WriteText(payload []byte) (err error) {
	return ws.WriteFrame(frame.Text, payload)
}

// WriteBinary sends a binary frame to the client.
func (ws *Listener) WriteBinary(payload []byte) (err error) {
	return ws.WriteFrame(frame.Binary, payload)
}

// WritePong answers a ping, echoing its payload.
func (ws *Listener) WritePong(payload []byte) (err error) {
	return ws.WriteFrame(frame.Pong, payload)
}

// WriteClose sends an empty close frame.
func (ws *Listener) WriteClose() (err error) {
	return ws.WriteFrame(frame.Close, nil)
}

// SetReadDeadline sets the read deadline on the underlying connection.
func (ws *Listener) SetReadDeadline(t time.Time) (err error) {
	return ws.conn.SetReadDeadline(t)
}

// Remote returns the stored remote address of the client.
func (ws *Listener) Remote() string { return ws.remote.Load() }

// Close closes the underlying connection. Calling it again, or on a
// connection that already failed, is safe and does nothing.
func (ws *Listener) Close() (err error) {
	ws.once.Do(func() { err = ws.conn.Close() })
	return
}
