// Package bridge couples one client websocket with one upstream websocket
// and relays frames between them until either side goes away. Each session
// is driven by an explicit three state machine so ordering and idempotent
// teardown hold by construction rather than by callback discipline.
package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"

	"voxrelay.dev/config"
	"voxrelay.dev/frame"
	"voxrelay.dev/upstream"
	"voxrelay.dev/utils/chk"
	"voxrelay.dev/utils/context"
	"voxrelay.dev/utils/log"
	"voxrelay.dev/ws"
)

// State is the lifecycle state of a session.
type State int32

const (
	// Connecting means the client handshake is done but the upstream link
	// is not yet open.
	Connecting State = iota
	// Active means both sides are open and relaying.
	Active
	// Closed is terminal, reachable from either state.
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

const (
	// DefaultDialTimeout bounds the upstream connection attempt.
	DefaultDialTimeout = 7 * time.Second
	// DefaultPongWait is how long a client may stay silent before it is
	// considered dead, when heartbeat is enabled.
	DefaultPongWait = 60 * time.Second
	// DefaultPingWait is the interval between client pings.
	DefaultPingWait = DefaultPongWait / 2

	readChunk = 4096
)

// control is the JSON shape of the structured messages the relay itself
// sends to the client.
type control struct {
	Type  string `json:"type"`
	Error string `json:"error,omitempty"`
}

// Bridge owns the two transports of one session. It is created after a
// successful client handshake and destroyed when both transports are
// closed.
type Bridge struct {
	cfg    *config.C
	client *ws.Listener
	dialer upstream.Dialer

	mx     sync.Mutex
	up     upstream.Conn // nil until connected
	closed bool

	state    *atomic.Int32
	dec      frame.Decoder
	ctx      context.T
	cancel   context.F
	teardown sync.Once
	onClose  func()
}

// New creates a session in the Connecting state. onClose, if non-nil, runs
// exactly once when the session is torn down.
func New(
	c context.T, cfg *config.C, client *ws.Listener,
	dialer upstream.Dialer, onClose func(),
) (b *Bridge) {
	ctx, cancel := context.Cancel(c)
	b = &Bridge{
		cfg:     cfg,
		client:  client,
		dialer:  dialer,
		state:   atomic.NewInt32(int32(Connecting)),
		ctx:     ctx,
		cancel:  cancel,
		onClose: onClose,
	}
	return
}

// State returns the current lifecycle state.
func (b *Bridge) State() State { return State(b.state.Load()) }

// Run drives the session until both transports are down. It blocks, so the
// HTTP handler that accepted the upgrade calls it directly.
func (b *Bridge) Run() {
	defer b.Close()
	// A configuration gap is reported once, by name, and the upstream is
	// never dialed.
	if b.cfg.UpstreamURL == "" {
		b.sendError("Missing upstream URL configuration.")
		return
	}
	if b.cfg.UpstreamKey == "" {
		b.sendError("Missing upstream credential configuration.")
		return
	}
	// Client frames are consumed from the start so pings get answered and
	// pre-open traffic is dropped rather than queued.
	go b.readClient()
	dialCtx, cancelDial := context.Timeout(b.ctx, DefaultDialTimeout)
	defer cancelDial()
	up, err := b.dialer.Dial(dialCtx, b.cfg)
	if err != nil {
		if b.State() != Closed {
			b.sendError(fmt.Sprintf("Upstream connection failed: %v", err))
		}
		return
	}
	b.mx.Lock()
	if b.closed {
		b.mx.Unlock()
		chk.D(up.Close())
		return
	}
	b.up = up
	b.mx.Unlock()
	// Active is stored before the ready signal goes out: a client that
	// reacts to the signal instantly must not race the state change. The
	// signal still precedes every relayed payload because the upstream
	// read pump starts after it, on this goroutine, and client-bound
	// writes are serialized.
	b.state.Store(int32(Active))
	if err = b.writeControl(control{Type: "proxy.ready"}); err != nil {
		return
	}
	log.D.F("session %s active against %s",
		b.client.Remote(), b.cfg.UpstreamURL)
	if b.cfg.Heartbeat {
		go b.pinger()
	}
	b.readUpstream()
}

// readClient pumps raw client bytes through the frame decoder and handles
// each complete frame in arrival order.
func (b *Bridge) readClient() {
	defer b.Close()
	buf := make([]byte, readChunk)
	for {
		if b.cfg.Heartbeat {
			_ = b.client.SetReadDeadline(time.Now().Add(DefaultPongWait))
		}
		n, err := b.client.Read(buf)
		if err != nil {
			log.T.F(
				"client read from %s ended: %v", b.client.Remote(), err,
			)
			return
		}
		b.dec.Feed(buf[:n])
		for {
			f, ok, ferr := b.dec.Next()
			if ferr != nil {
				b.sendError(decodeErrorMessage(ferr))
				return
			}
			if !ok {
				break
			}
			if b.handleFrame(f) {
				return
			}
		}
	}
}

// handleFrame applies one decoded client frame; done reports that the
// session must end.
func (b *Bridge) handleFrame(f frame.Frame) (done bool) {
	switch f.Op {
	case frame.Ping:
		// echo the payload back; pings never reach the upstream side
		chk.D(b.client.WritePong(f.Payload))
	case frame.Pong:
		// any client traffic already reset the read deadline
	case frame.Close:
		done = true
	case frame.Text:
		if b.State() != Active {
			log.D.F(
				"dropping text frame from %s before upstream open",
				b.client.Remote(),
			)
			return
		}
		chk.D(b.up.WriteText(b.ctx, f.Payload))
	case frame.Binary:
		if b.State() != Active {
			log.D.F(
				"dropping binary frame from %s before upstream open",
				b.client.Remote(),
			)
			return
		}
		chk.D(b.up.WriteBinary(b.ctx, f.Payload))
	}
	return
}

// readUpstream relays upstream messages to the client until the upstream
// side closes or errors.
func (b *Bridge) readUpstream() {
	for {
		msg, err := b.up.ReadMessage(b.ctx)
		if err != nil {
			if b.State() == Closed || upstream.IsClosed(err) ||
				errors.Is(err, context.Canceled) {
				return
			}
			b.sendError("Upstream websocket error.")
			return
		}
		switch msg.Kind {
		case upstream.KindBinary:
			err = b.client.WriteBinary(msg.Data)
		default:
			err = b.client.WriteText(msg.Data)
		}
		if err != nil {
			return
		}
	}
}

// pinger keeps the client honest with periodic pings; a failed write means
// the peer is gone and the session ends.
func (b *Bridge) pinger() {
	ticker := time.NewTicker(DefaultPingWait)
	defer func() {
		ticker.Stop()
		b.Close()
	}()
	for {
		select {
		case <-ticker.C:
			if err := b.client.WriteFrame(frame.Ping, nil); err != nil {
				log.D.F(
					"error writing ping to %s: %v; closing session",
					b.client.Remote(), err,
				)
				return
			}
		case <-b.ctx.Done():
			return
		}
	}
}

// Close tears down both transports. It is idempotent: closing an already
// closed or never opened transport is not observable as an error.
func (b *Bridge) Close() {
	b.teardown.Do(func() {
		b.mx.Lock()
		b.closed = true
		up := b.up
		b.mx.Unlock()
		b.state.Store(int32(Closed))
		b.cancel()
		chk.D(b.client.Close())
		if up != nil {
			chk.D(up.Close())
		}
		if b.onClose != nil {
			b.onClose()
		}
		log.T.F("session %s closed", b.client.Remote())
	})
}

func (b *Bridge) sendError(msg string) {
	log.D.F("session %s error: %s", b.client.Remote(), msg)
	chk.D(b.writeControl(control{Type: "error", Error: msg}))
}

func (b *Bridge) writeControl(m control) (err error) {
	var p []byte
	if p, err = json.Marshal(m); chk.E(err) {
		return
	}
	return b.client.WriteText(p)
}

func decodeErrorMessage(err error) string {
	switch {
	case errors.Is(err, frame.ErrFragmented):
		return "Fragmented frames are not supported."
	case errors.Is(err, frame.ErrLengthOverflow):
		return "Malformed frame length."
	}
	return "Malformed websocket frame."
}
