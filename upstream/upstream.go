// Package upstream opens and wraps the outbound websocket connection to the
// configured realtime endpoint.
package upstream

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"voxrelay.dev/config"
	"voxrelay.dev/utils/chk"
	"voxrelay.dev/utils/context"
	"voxrelay.dev/utils/errorf"
)

// Kind tags the payload variant of an upstream message.
type Kind int

const (
	KindText Kind = iota
	KindBinary
)

// Message is one whole message received from the upstream endpoint, tagged
// with its payload variant.
type Message struct {
	Kind Kind
	Data []byte
}

// Conn is an established upstream connection as the bridge sees it.
type Conn interface {
	ReadMessage(c context.T) (msg Message, err error)
	WriteText(c context.T, p []byte) (err error)
	WriteBinary(c context.T, p []byte) (err error)
	Close() (err error)
}

// Dialer opens upstream connections. The bridge holds this as an interface
// so tests can substitute a stub.
type Dialer interface {
	Dial(c context.T, cfg *config.C) (conn Conn, err error)
}

// Headers builds the upstream handshake headers from process configuration:
// the bearer credential plus any configured extra headers. Only string
// values of the extra header map are honored; anything else is dropped.
func Headers(cfg *config.C) (h http.Header) {
	h = http.Header{}
	h.Set("Authorization", "Bearer "+cfg.UpstreamKey)
	if cfg.UpstreamHeaders == "" {
		return
	}
	var extra map[string]any
	if err := json.Unmarshal(
		[]byte(cfg.UpstreamHeaders), &extra,
	); chk.D(err) {
		return
	}
	for k, v := range extra {
		if s, ok := v.(string); ok {
			h.Set(k, s)
		}
	}
	return
}

// WS is the production Dialer, dialing with gobwas/ws.
type WS struct{}

// Dial opens the outbound websocket connection with authentication headers.
// No retry is attempted; a failure here is surfaced once to the client by
// the bridge.
func (WS) Dial(c context.T, cfg *config.C) (conn Conn, err error) {
	d := ws.Dialer{Header: ws.HandshakeHeaderHTTP(Headers(cfg))}
	var raw net.Conn
	if raw, _, _, err = d.Dial(c, cfg.UpstreamURL); err != nil {
		err = errorf.E(
			"error opening websocket to %s: %w", cfg.UpstreamURL, err,
		)
		return
	}
	conn = &Connection{conn: raw}
	return
}

// Connection is a live client-side websocket connection. Reads and writes
// are each serialized; Close is idempotent.
type Connection struct {
	conn    net.Conn
	readMx  sync.Mutex
	writeMx sync.Mutex
	once    sync.Once
}

// ReadMessage blocks for the next whole data message from the upstream,
// answering control frames along the way.
func (cn *Connection) ReadMessage(c context.T) (msg Message, err error) {
	select {
	case <-c.Done():
		err = c.Err()
		return
	default:
	}
	cn.readMx.Lock()
	defer cn.readMx.Unlock()
	var data []byte
	var op ws.OpCode
	if data, op, err = wsutil.ReadServerData(cn.conn); err != nil {
		return
	}
	if op == ws.OpBinary {
		msg = Message{Kind: KindBinary, Data: data}
	} else {
		msg = Message{Kind: KindText, Data: data}
	}
	return
}

// WriteText sends a masked text message upstream.
func (cn *Connection) WriteText(c context.T, p []byte) (err error) {
	select {
	case <-c.Done():
		return c.Err()
	default:
	}
	cn.writeMx.Lock()
	defer cn.writeMx.Unlock()
	return wsutil.WriteClientText(cn.conn, p)
}

// WriteBinary sends a masked binary message upstream.
func (cn *Connection) WriteBinary(c context.T, p []byte) (err error) {
	select {
	case <-c.Done():
		return c.Err()
	default:
	}
	cn.writeMx.Lock()
	defer cn.writeMx.Unlock()
	return wsutil.WriteClientBinary(cn.conn, p)
}

// Close closes the underlying connection; safe to call more than once.
func (cn *Connection) Close() (err error) {
	cn.once.Do(func() { err = cn.conn.Close() })
	return
}

// IsClosed reports whether err signals the upstream peer closed the
// connection rather than a runtime failure.
func IsClosed(err error) bool {
	var ce wsutil.ClosedError
	return errors.As(err, &ce) || errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed)
}
