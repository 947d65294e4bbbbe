// Package main is a realtime voice relay: it terminates client websockets
// on a fixed voice path and bridges them to an upstream realtime endpoint,
// alongside a small REST facade and an oauth login flow. Configuration is
// via environment variables or an optional .env file.
package main

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"

	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/profile"

	"voxrelay.dev/config"
	"voxrelay.dev/server"
	"voxrelay.dev/upstream"
	"voxrelay.dev/utils/chk"
	"voxrelay.dev/utils/context"
	"voxrelay.dev/utils/interrupt"
	"voxrelay.dev/utils/log"
	"voxrelay.dev/utils/lol"
	"voxrelay.dev/version"
)

func main() {
	var err error
	var cfg *config.C
	if cfg, err = config.New(); chk.T(err) {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n\n", err)
		config.PrintHelp(cfg, os.Stderr)
		os.Exit(0)
	}
	if config.GetEnv() {
		config.PrintEnv(cfg, os.Stdout)
		os.Exit(0)
	}
	if config.HelpRequested() {
		config.PrintHelp(cfg, os.Stderr)
		os.Exit(0)
	}
	lol.SetLogLevel(cfg.LogLevel)
	log.I.F("starting %s %s", cfg.AppName, version.V)
	log.T.C(func() string { return spew.Sdump(cfg) })
	if cfg.Pprof {
		defer profile.Start(profile.MemProfile).Stop()
		go func() {
			chk.E(http.ListenAndServe("127.0.0.1:6060", nil))
		}()
	}
	c, cancel := context.Cancel(context.Bg())
	var s *server.S
	if s, err = server.New(c, cancel, cfg, upstream.WS{}); chk.E(err) {
		os.Exit(1)
	}
	interrupt.AddHandler(func() { s.Shutdown() })
	if err = s.Start(cfg.Listen, cfg.Port); chk.E(err) {
		log.F.F("server terminated: %v", err)
	}
}
