package ws

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"io"
	"net"
	"net/http"

	"voxrelay.dev/utils/chk"
	"voxrelay.dev/utils/errorf"
)

const (
	// GUID is the fixed value appended to the client key when computing
	// Sec-WebSocket-Accept, per RFC 6455.
	GUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	// Version is the only websocket protocol version accepted.
	Version = "13"
)

// AcceptKey computes base64(sha1(key + GUID)) for the handshake response.
func AcceptKey(key string) string {
	h := sha1.New()
	io.WriteString(h, key)
	io.WriteString(h, GUID)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// Upgrade validates a websocket upgrade request and completes the opening
// handshake by hand over the hijacked connection. A missing key or a
// version other than "13" gets a bare 400 status line and the transport is
// closed. On success the 101 response is written, Nagle batching is
// disabled since voice audio depends on timely delivery of small frames,
// and the raw connection is returned along with the hijack's buffered
// reader (which may already hold client frame bytes).
func Upgrade(w http.ResponseWriter, r *http.Request) (
	conn net.Conn, rd *bufio.Reader, err error,
) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(
			w, "websocket unsupported", http.StatusInternalServerError,
		)
		err = errorf.E("response writer cannot be hijacked")
		return
	}
	var rw *bufio.ReadWriter
	if conn, rw, err = hj.Hijack(); chk.E(err) {
		conn = nil
		return
	}
	key := r.Header.Get("Sec-WebSocket-Key")
	ver := r.Header.Get("Sec-WebSocket-Version")
	if key == "" || ver != Version {
		_, _ = conn.Write([]byte("HTTP/1.1 400 Bad Request\r\n\r\n"))
		_ = conn.Close()
		err = errorf.D(
			"rejected upgrade from %s: key=%q version=%q",
			r.RemoteAddr, key, ver,
		)
		conn = nil
		return
	}
	var b bytes.Buffer
	b.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	b.WriteString("Sec-WebSocket-Accept: " + AcceptKey(key) + "\r\n\r\n")
	if _, err = conn.Write(b.Bytes()); chk.E(err) {
		_ = conn.Close()
		conn = nil
		return
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		chk.T(tc.SetNoDelay(true))
	}
	rd = rw.Reader
	return
}
