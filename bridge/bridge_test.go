package bridge

import (
	"encoding/json"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"voxrelay.dev/config"
	"voxrelay.dev/frame"
	"voxrelay.dev/upstream"
	"voxrelay.dev/utils/context"
	"voxrelay.dev/ws"
)

// stubConn is an in-memory upstream connection the tests can script.
type stubConn struct {
	in         chan upstream.Message
	mx         sync.Mutex
	sent       []upstream.Message
	done       chan struct{}
	once       sync.Once
	closeCount *atomic.Int32
}

func newStubConn() *stubConn {
	return &stubConn{
		in:         make(chan upstream.Message, 8),
		done:       make(chan struct{}),
		closeCount: atomic.NewInt32(0),
	}
}

func (s *stubConn) ReadMessage(c context.T) (upstream.Message, error) {
	select {
	case m := <-s.in:
		return m, nil
	case <-s.done:
		return upstream.Message{}, net.ErrClosed
	case <-c.Done():
		return upstream.Message{}, c.Err()
	}
}

func (s *stubConn) WriteText(c context.T, p []byte) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.sent = append(
		s.sent, upstream.Message{Kind: upstream.KindText, Data: append([]byte{}, p...)},
	)
	return nil
}

func (s *stubConn) WriteBinary(c context.T, p []byte) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.sent = append(
		s.sent, upstream.Message{Kind: upstream.KindBinary, Data: append([]byte{}, p...)},
	)
	return nil
}

func (s *stubConn) Close() error {
	s.closeCount.Add(1)
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *stubConn) sentMessages() []upstream.Message {
	s.mx.Lock()
	defer s.mx.Unlock()
	out := make([]upstream.Message, len(s.sent))
	copy(out, s.sent)
	return out
}

type stubDialer struct {
	conn  *stubConn
	err   error
	calls *atomic.Int32
}

func (d *stubDialer) Dial(c context.T, cfg *config.C) (upstream.Conn, error) {
	d.calls.Add(1)
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

func testConfig() *config.C {
	return &config.C{
		UpstreamURL: "wss://realtime.example/v1",
		UpstreamKey: "sk-test",
		// the heartbeat pinger would interleave frames with the ones the
		// tests assert on
		Heartbeat: false,
	}
}

// harness wires a bridge to one end of a pipe and hands the test the other.
type harness struct {
	client net.Conn
	bridge *Bridge
	dialer *stubDialer
	dec    frame.Decoder
}

func newHarness(t *testing.T, cfg *config.C, d *stubDialer) *harness {
	t.Helper()
	client, srv := net.Pipe()
	l := ws.NewListener(srv, nil, "test")
	b := New(context.Bg(), cfg, l, d, nil)
	go b.Run()
	t.Cleanup(func() {
		b.Close()
		client.Close()
	})
	return &harness{client: client, bridge: b, dialer: d}
}

// readFrame reads until one complete frame arrives from the bridge.
func (h *harness) readFrame(t *testing.T) frame.Frame {
	t.Helper()
	require.NoError(
		t, h.client.SetReadDeadline(time.Now().Add(2*time.Second)),
	)
	buf := make([]byte, 4096)
	for {
		if f, ok, err := h.dec.Next(); ok || err != nil {
			require.NoError(t, err)
			return f
		}
		n, err := h.client.Read(buf)
		require.NoError(t, err)
		h.dec.Feed(buf[:n])
	}
}

// readControl reads one frame and decodes it as a structured message.
func (h *harness) readControl(t *testing.T) control {
	t.Helper()
	f := h.readFrame(t)
	require.Equal(t, frame.Text, f.Op)
	var m control
	require.NoError(t, json.Unmarshal(f.Payload, &m))
	return m
}

// maskedFrame builds a client-to-server frame the way a browser would.
func maskedFrame(op frame.Opcode, payload []byte) (out []byte) {
	key := []byte{0x0f, 0x1e, 0x2d, 0x3c}
	out = []byte{0x80 | byte(op)}
	switch {
	case len(payload) < 126:
		out = append(out, 0x80|byte(len(payload)))
	case len(payload) < 65536:
		out = append(out, 0x80|126, byte(len(payload)>>8), byte(len(payload)))
	}
	out = append(out, key...)
	for i, b := range payload {
		out = append(out, b^key[i%4])
	}
	return
}

func (h *harness) send(t *testing.T, p []byte) {
	t.Helper()
	require.NoError(
		t, h.client.SetWriteDeadline(time.Now().Add(2*time.Second)),
	)
	_, err := h.client.Write(p)
	require.NoError(t, err)
}

func waitClosed(t *testing.T, b *Bridge) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for b.State() != Closed {
		require.Less(t, time.Now().UnixNano(), deadline.UnixNano(),
			"bridge did not close")
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMissingCredentialNeverDials(t *testing.T) {
	cfg := testConfig()
	cfg.UpstreamKey = ""
	d := &stubDialer{conn: newStubConn(), calls: atomic.NewInt32(0)}
	h := newHarness(t, cfg, d)

	m := h.readControl(t)
	require.Equal(t, "error", m.Type)
	require.Equal(t, "Missing upstream credential configuration.", m.Error)

	waitClosed(t, h.bridge)
	require.EqualValues(t, 0, d.calls.Load())
	// the transport is down: the next read fails rather than delivering
	// further frames
	_ = h.client.SetReadDeadline(time.Now().Add(time.Second))
	_, err := h.client.Read(make([]byte, 1))
	require.Error(t, err)
}

func TestMissingURLNeverDials(t *testing.T) {
	cfg := testConfig()
	cfg.UpstreamURL = ""
	d := &stubDialer{conn: newStubConn(), calls: atomic.NewInt32(0)}
	h := newHarness(t, cfg, d)

	m := h.readControl(t)
	require.Equal(t, "error", m.Type)
	require.Equal(t, "Missing upstream URL configuration.", m.Error)
	waitClosed(t, h.bridge)
	require.EqualValues(t, 0, d.calls.Load())
}

func TestReadyBeforeRelayedPayload(t *testing.T) {
	stub := newStubConn()
	stub.in <- upstream.Message{Kind: upstream.KindText, Data: []byte(`{"n":1}`)}
	d := &stubDialer{conn: stub, calls: atomic.NewInt32(0)}
	h := newHarness(t, testConfig(), d)

	m := h.readControl(t)
	require.Equal(t, "proxy.ready", m.Type)
	f := h.readFrame(t)
	require.Equal(t, frame.Text, f.Op)
	require.Equal(t, []byte(`{"n":1}`), f.Payload)
}

func TestUpstreamBinaryRelayedAsBinaryFrame(t *testing.T) {
	stub := newStubConn()
	audio := []byte{0x00, 0x01, 0x02, 0xff}
	stub.in <- upstream.Message{Kind: upstream.KindBinary, Data: audio}
	d := &stubDialer{conn: stub, calls: atomic.NewInt32(0)}
	h := newHarness(t, testConfig(), d)

	require.Equal(t, "proxy.ready", h.readControl(t).Type)
	f := h.readFrame(t)
	require.Equal(t, frame.Binary, f.Op)
	require.Equal(t, audio, f.Payload)
}

func TestPingGetsPongAndNoForwarding(t *testing.T) {
	stub := newStubConn()
	d := &stubDialer{conn: stub, calls: atomic.NewInt32(0)}
	h := newHarness(t, testConfig(), d)
	require.Equal(t, "proxy.ready", h.readControl(t).Type)

	payload := []byte("keepalive")
	h.send(t, maskedFrame(frame.Ping, payload))
	f := h.readFrame(t)
	require.Equal(t, frame.Pong, f.Op)
	require.Equal(t, payload, f.Payload)
	require.Empty(t, stub.sentMessages())
}

func TestClientTextForwardedWhenActive(t *testing.T) {
	stub := newStubConn()
	d := &stubDialer{conn: stub, calls: atomic.NewInt32(0)}
	h := newHarness(t, testConfig(), d)
	require.Equal(t, "proxy.ready", h.readControl(t).Type)

	h.send(t, maskedFrame(frame.Text, []byte(`{"type":"say"}`)))
	require.Eventually(t, func() bool {
		return len(stub.sentMessages()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	sent := stub.sentMessages()
	require.Equal(t, upstream.KindText, sent[0].Kind)
	require.Equal(t, []byte(`{"type":"say"}`), sent[0].Data)
}

func TestClientCloseClosesBothOnce(t *testing.T) {
	stub := newStubConn()
	d := &stubDialer{conn: stub, calls: atomic.NewInt32(0)}
	h := newHarness(t, testConfig(), d)
	require.Equal(t, "proxy.ready", h.readControl(t).Type)

	h.send(t, maskedFrame(frame.Close, nil))
	waitClosed(t, h.bridge)
	require.EqualValues(t, 1, stub.closeCount.Load())
	// closing again is safe and not observable
	h.bridge.Close()
	require.EqualValues(t, 1, stub.closeCount.Load())
}

func TestFragmentedFrameTerminatesWithOneError(t *testing.T) {
	stub := newStubConn()
	d := &stubDialer{conn: stub, calls: atomic.NewInt32(0)}
	h := newHarness(t, testConfig(), d)
	require.Equal(t, "proxy.ready", h.readControl(t).Type)

	h.send(t, []byte{0x01, 0x00}) // FIN clear
	m := h.readControl(t)
	require.Equal(t, "error", m.Type)
	require.Equal(t, "Fragmented frames are not supported.", m.Error)
	waitClosed(t, h.bridge)
}

// errConn errors on the first upstream read after connecting.
type errConn struct {
	*stubConn
	failed *atomic.Bool
}

func newErrConn() *errConn {
	return &errConn{
		stubConn: newStubConn(),
		failed:   atomic.NewBool(false),
	}
}

func (e *errConn) ReadMessage(c context.T) (upstream.Message, error) {
	if e.failed.CompareAndSwap(false, true) {
		return upstream.Message{}, io.ErrUnexpectedEOF
	}
	return e.stubConn.ReadMessage(c)
}

func TestUpstreamRuntimeErrorMessage(t *testing.T) {
	ec := newErrConn()
	d := &stubDialer{calls: atomic.NewInt32(0)}
	client, srv := net.Pipe()
	l := ws.NewListener(srv, nil, "test")
	b := New(context.Bg(), testConfig(), l, dialerFunc(func() (upstream.Conn, error) {
		d.calls.Add(1)
		return ec, nil
	}), nil)
	go b.Run()
	t.Cleanup(func() {
		b.Close()
		client.Close()
	})
	h := &harness{client: client, bridge: b}
	require.Equal(t, "proxy.ready", h.readControl(t).Type)
	m := h.readControl(t)
	require.Equal(t, "error", m.Type)
	require.Equal(t, "Upstream websocket error.", m.Error)
	waitClosed(t, b)
}

// dialerFunc adapts a closure to the upstream.Dialer interface.
type dialerFunc func() (upstream.Conn, error)

func (f dialerFunc) Dial(c context.T, cfg *config.C) (upstream.Conn, error) {
	return f()
}

func TestDialFailureSurfaced(t *testing.T) {
	d := &stubDialer{err: io.ErrUnexpectedEOF, calls: atomic.NewInt32(0)}
	h := newHarness(t, testConfig(), d)
	m := h.readControl(t)
	require.Equal(t, "error", m.Type)
	require.Contains(t, m.Error, "Upstream connection failed")
	waitClosed(t, h.bridge)
	require.EqualValues(t, 1, d.calls.Load())
}

func TestPreOpenFramesDropped(t *testing.T) {
	stub := newStubConn()
	gate := make(chan struct{})
	d := dialerFunc(func() (upstream.Conn, error) {
		<-gate
		return stub, nil
	})
	client, srv := net.Pipe()
	l := ws.NewListener(srv, nil, "test")
	b := New(context.Bg(), testConfig(), l, d, nil)
	go b.Run()
	t.Cleanup(func() {
		b.Close()
		client.Close()
	})
	h := &harness{client: client, bridge: b}

	// traffic before the upstream link is ready is discarded, not queued
	h.send(t, maskedFrame(frame.Text, []byte("too early")))
	require.Eventually(t, func() bool {
		return b.State() == Connecting
	}, time.Second, 5*time.Millisecond)
	close(gate)

	require.Equal(t, "proxy.ready", h.readControl(t).Type)
	h.send(t, maskedFrame(frame.Text, []byte("on time")))
	require.Eventually(t, func() bool {
		return len(stub.sentMessages()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []byte("on time"), stub.sentMessages()[0].Data)
}
