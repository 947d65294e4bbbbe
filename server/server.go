// Package server wires the HTTP surface of the relay: the voice websocket
// path, the REST facade, the oauth routes, and the lifecycle of every live
// session.
package server

import (
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/cors"
	"go.uber.org/atomic"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"voxrelay.dev/bridge"
	"voxrelay.dev/config"
	"voxrelay.dev/facade"
	"voxrelay.dev/helpers"
	"voxrelay.dev/session"
	"voxrelay.dev/upstream"
	"voxrelay.dev/utils/chk"
	"voxrelay.dev/utils/context"
	"voxrelay.dev/utils/log"
	"voxrelay.dev/ws"
)

// S is the relay server.
type S struct {
	Ctx        context.T
	Cancel     context.F
	C          *config.C
	dialer     upstream.Dialer
	mux        *chi.Mux
	httpServer *http.Server
	sessions   *xsync.MapOf[uint64, *bridge.Bridge]
	seq        *atomic.Uint64
}

// New builds the server and its routes. dialer opens upstream connections
// for voice sessions; pass upstream.WS{} in production.
func New(
	c context.T, cancel context.F, cfg *config.C, dialer upstream.Dialer,
) (s *S, err error) {
	s = &S{
		Ctx:      c,
		Cancel:   cancel,
		C:        cfg,
		dialer:   dialer,
		sessions: xsync.NewMapOf[uint64, *bridge.Bridge](),
		seq:      atomic.NewUint64(0),
	}
	var sess *session.S
	if cfg.CookieKey != "" {
		if sess, err = session.New(cfg); chk.E(err) {
			return
		}
	}
	r := chi.NewRouter()
	r.Get(cfg.VoicePath, s.handleVoice)
	fc := facade.New(cfg)
	r.Route("/api", func(r chi.Router) {
		if sess != nil {
			r.Use(sess.Middleware)
		}
		fc.Mount(r)
	})
	if sess != nil {
		r.Get("/oauth/login", sess.Login)
		r.Get("/oauth/callback", sess.Callback)
	}
	r.NotFound(s.handleUnknown)
	s.mux = r
	return
}

// handleVoice accepts the websocket upgrade and runs a bridge session for
// the life of the connection.
func (s *S) handleVoice(w http.ResponseWriter, r *http.Request) {
	conn, rd, err := ws.Upgrade(w, r)
	if err != nil {
		return
	}
	l := ws.NewListener(conn, rd, helpers.GetRemoteFromReq(r))
	id := s.seq.Add(1)
	b := bridge.New(
		s.Ctx, s.C, l, s.dialer, func() { s.sessions.Delete(id) },
	)
	s.sessions.Store(id, b)
	log.I.F("voice session %d from %s", id, l.Remote())
	b.Run()
}

// handleUnknown terminates upgrade attempts on any path other than the
// voice path with zero response bytes; plain HTTP requests get a 404.
func (s *S) handleUnknown(w http.ResponseWriter, r *http.Request) {
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				log.D.F(
					"terminating upgrade to unknown path %s from %s",
					r.URL.Path, r.RemoteAddr,
				)
				chk.D(conn.Close())
				return
			}
		}
	}
	http.NotFound(w, r)
}

// ServeHTTP is the server http.Handler.
func (s *S) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Start listens and serves until Shutdown or a listener error.
func (s *S) Start(listen string, port int) (err error) {
	addr := net.JoinHostPort(listen, strconv.Itoa(port))
	var lis net.Listener
	if lis, err = net.Listen("tcp", addr); chk.E(err) {
		return
	}
	if s.C.MaxConns > 0 {
		lis = netutil.LimitListener(lis, s.C.MaxConns)
	}
	s.httpServer = &http.Server{
		Handler:           cors.Default().Handler(s),
		Addr:              addr,
		ReadHeaderTimeout: 7 * time.Second,
		IdleTimeout:       28 * time.Second,
	}
	log.I.F("listening on %s", addr)
	eg, c := errgroup.WithContext(s.Ctx)
	eg.Go(func() error {
		if e := s.httpServer.Serve(lis); !errors.Is(
			e, http.ErrServerClosed,
		) {
			return e
		}
		return nil
	})
	eg.Go(func() error {
		<-c.Done()
		sc, cancel := context.Timeout(context.Bg(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(sc)
	})
	err = eg.Wait()
	chk.E(err)
	return
}

// Shutdown cancels the server context and tears down every live session.
// Hijacked voice connections are not covered by http.Server's graceful
// shutdown, so each bridge is closed explicitly.
func (s *S) Shutdown() {
	log.W.Ln("shutting down relay")
	s.Cancel()
	s.sessions.Range(func(id uint64, b *bridge.Bridge) bool {
		b.Close()
		return true
	})
}
