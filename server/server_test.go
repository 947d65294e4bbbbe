package server

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"voxrelay.dev/config"
	"voxrelay.dev/upstream"
	"voxrelay.dev/utils/context"
)

// stubConn feeds one scripted message and then blocks until closed.
type stubConn struct {
	in     chan upstream.Message
	done   chan struct{}
	closed chan struct{}
}

func newStubConn() *stubConn {
	return &stubConn{
		in:     make(chan upstream.Message, 4),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
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

func (s *stubConn) WriteText(c context.T, p []byte) error   { return nil }
func (s *stubConn) WriteBinary(c context.T, p []byte) error { return nil }

func (s *stubConn) Close() error {
	select {
	case <-s.done:
	default:
		close(s.done)
		close(s.closed)
	}
	return nil
}

type stubDialer struct{ conn *stubConn }

func (d *stubDialer) Dial(c context.T, cfg *config.C) (upstream.Conn, error) {
	return d.conn, nil
}

func testConfig() *config.C {
	return &config.C{
		VoicePath:   "/voice",
		UpstreamURL: "wss://realtime.example/v1",
		UpstreamKey: "sk",
		Heartbeat:   false,
	}
}

func newTestServer(t *testing.T, cfg *config.C, d upstream.Dialer) *httptest.Server {
	t.Helper()
	c, cancel := context.Cancel(context.Bg())
	s, err := New(c, cancel, cfg, d)
	require.NoError(t, err)
	srv := httptest.NewServer(s)
	t.Cleanup(func() {
		s.Shutdown()
		srv.Close()
	})
	return srv
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func TestVoiceSessionEndToEnd(t *testing.T) {
	stub := newStubConn()
	stub.in <- upstream.Message{
		Kind: upstream.KindText, Data: []byte(`{"type":"greeting"}`),
	}
	srv := newTestServer(t, testConfig(), &stubDialer{conn: stub})

	c, cancel := context.Timeout(context.Bg(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(c, wsURL(srv, "/voice"), nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	// first message is the readiness signal, before any relayed payload
	typ, p, err := conn.Read(c)
	require.NoError(t, err)
	require.Equal(t, websocket.MessageText, typ)
	var m struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(p, &m))
	require.Equal(t, "proxy.ready", m.Type)

	typ, p, err = conn.Read(c)
	require.NoError(t, err)
	require.Equal(t, websocket.MessageText, typ)
	require.Equal(t, []byte(`{"type":"greeting"}`), p)

	// the bridge tears the transport down on a close frame rather than
	// completing the closing handshake, so the client side close errs
	_ = conn.Close(websocket.StatusNormalClosure, "")
	select {
	case <-stub.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream connection was not closed")
	}
}

func TestUnknownPathUpgradeGetsZeroBytes(t *testing.T) {
	srv := newTestServer(
		t, testConfig(), &stubDialer{conn: newStubConn()},
	)
	addr := strings.TrimPrefix(srv.URL, "http://")
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = fmt.Fprintf(
		conn, "GET /nowhere HTTP/1.1\r\nHost: %s\r\n"+
			"Upgrade: websocket\r\nConnection: Upgrade\r\n"+
			"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n"+
			"Sec-WebSocket-Version: 13\r\n\r\n", addr,
	)
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := conn.Read(make([]byte, 1))
	require.Error(t, err, "connection must close without a response")
	require.Zero(t, n)
}

func TestUnknownPathPlainRequestGets404(t *testing.T) {
	srv := newTestServer(
		t, testConfig(), &stubDialer{conn: newStubConn()},
	)
	resp, err := http.Get(srv.URL + "/nowhere")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestVoiceBadVersionGets400(t *testing.T) {
	srv := newTestServer(
		t, testConfig(), &stubDialer{conn: newStubConn()},
	)
	addr := strings.TrimPrefix(srv.URL, "http://")
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = fmt.Fprintf(
		conn, "GET /voice HTTP/1.1\r\nHost: %s\r\n"+
			"Upgrade: websocket\r\nConnection: Upgrade\r\n"+
			"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n"+
			"Sec-WebSocket-Version: 8\r\n\r\n", addr,
	)
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPIWithoutSessionLayerIsOpen(t *testing.T) {
	cfg := testConfig()
	srv := newTestServer(t, cfg, &stubDialer{conn: newStubConn()})
	// no cookie key configured: the facade answers directly, here with the
	// unconfigured tasks response
	resp, err := http.Get(srv.URL + "/api/tasks")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestAPIBehindSessionLayerRequiresLogin(t *testing.T) {
	cfg := testConfig()
	cfg.CookieKey = strings.Repeat("ab", 32)
	srv := newTestServer(t, cfg, &stubDialer{conn: newStubConn()})
	resp, err := http.Get(srv.URL + "/api/tasks")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestOAuthRoutesOnlyWithCookieKey(t *testing.T) {
	cfg := testConfig()
	srv := newTestServer(t, cfg, &stubDialer{conn: newStubConn()})
	resp, err := http.Get(srv.URL + "/oauth/login")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	cfg2 := testConfig()
	cfg2.CookieKey = strings.Repeat("cd", 32)
	cfg2.OAuthAuthURL = "https://auth.example/authorize"
	srv2 := newTestServer(t, cfg2, &stubDialer{conn: newStubConn()})
	client := &http.Client{CheckRedirect: func(
		req *http.Request, via []*http.Request,
	) error {
		return http.ErrUseLastResponse
	}}
	resp, err = client.Get(srv2.URL + "/oauth/login")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	require.Contains(
		t, resp.Header.Get("Location"), "https://auth.example/authorize",
	)
}
