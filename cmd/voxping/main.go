// voxping dials a running relay's voice path and reports how long the
// upstream link takes to become ready. Useful as a quick liveness and
// latency probe against a deployment.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/coder/websocket"

	"voxrelay.dev/utils/chk"
	"voxrelay.dev/utils/context"
	"voxrelay.dev/utils/log"
)

type args struct {
	Addr    string        `arg:"positional,required" help:"host:port of the relay"`
	Path    string        `arg:"-p,--path" default:"/voice" help:"voice websocket path"`
	Timeout time.Duration `arg:"-t,--timeout" default:"10s" help:"overall probe timeout"`
}

func (args) Description() string {
	return "probe a voxrelay voice endpoint and report readiness latency"
}

func main() {
	var a args
	arg.MustParse(&a)
	c, cancel := context.Timeout(context.Bg(), a.Timeout)
	defer cancel()
	u := "ws://" + a.Addr + a.Path
	start := time.Now()
	conn, _, err := websocket.Dial(c, u, nil)
	if chk.E(err) {
		os.Exit(1)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	connected := time.Since(start)
	_, data, err := conn.Read(c)
	if chk.E(err) {
		os.Exit(1)
	}
	var msg struct {
		Type  string `json:"type"`
		Error string `json:"error"`
	}
	if err = json.Unmarshal(data, &msg); chk.E(err) {
		os.Exit(1)
	}
	switch msg.Type {
	case "proxy.ready":
		fmt.Printf(
			"connected in %s, upstream ready in %s\n",
			connected, time.Since(start),
		)
	case "error":
		log.E.F("relay reported: %s", msg.Error)
		os.Exit(1)
	default:
		log.W.F("unexpected first message: %s", data)
		os.Exit(1)
	}
	// round trip a ping through the client socket as well
	start = time.Now()
	if err = conn.Ping(c); chk.E(err) {
		os.Exit(1)
	}
	fmt.Printf("ping round trip %s\n", time.Since(start))
}
