// Package interrupt runs registered shutdown handlers when the process
// receives an interrupt or termination signal.
package interrupt

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"voxrelay.dev/utils/log"
)

var (
	mx       sync.Mutex
	handlers []func()
	started  sync.Once
)

// AddHandler registers fn to run when the process is signalled to stop.
// Handlers run in reverse registration order, once.
func AddHandler(fn func()) {
	mx.Lock()
	handlers = append(handlers, fn)
	mx.Unlock()
	started.Do(listen)
}

func listen() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-ch
		log.W.F("received %v, shutting down", sig)
		mx.Lock()
		hs := make([]func(), len(handlers))
		copy(hs, handlers)
		mx.Unlock()
		for i := len(hs) - 1; i >= 0; i-- {
			hs[i]()
		}
	}()
}
