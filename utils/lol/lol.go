// Package lol (log of location) is a leveled logger that prints a colored
// level tag and the code location of the call site on every line, so a log
// line can be jumped to directly from terminal output.
package lol

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/fatih/color"
	"go.uber.org/atomic"
)

// Log levels, lowest to highest verbosity. A printer emits only when the
// configured level is at or above its own.
const (
	Off int32 = iota
	Fatal
	Error
	Warn
	Info
	Debug
	Trace
)

// LevelNames are the recognised names for SetLogLevel, indexed by level.
var LevelNames = []string{
	"off", "fatal", "error", "warn", "info", "debug", "trace",
}

var level = atomic.NewInt32(Info)

// Writer is the destination for all log output.
var Writer io.Writer = os.Stderr

// SetLogLevel sets the active log level by name. Unrecognised names fall
// back to info.
func SetLogLevel(name string) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range LevelNames {
		if n == name {
			level.Store(int32(i))
			return
		}
	}
	level.Store(Info)
}

// GetLogLevel returns the currently active log level.
func GetLogLevel() (l int32) { return level.Load() }

// P is the printer for one log level.
type P struct {
	level int32
	tag   string
}

var (
	// F is the fatal level printer; printing through it exits the process.
	F = &P{Fatal, color.New(color.FgRed, color.Bold).Sprint("FTL")}
	// E is the error level printer.
	E = &P{Error, color.New(color.FgRed).Sprint("ERR")}
	// W is the warning level printer.
	W = &P{Warn, color.New(color.FgYellow).Sprint("WRN")}
	// I is the info level printer.
	I = &P{Info, color.New(color.FgGreen).Sprint("INF")}
	// D is the debug level printer.
	D = &P{Debug, color.New(color.FgBlue).Sprint("DBG")}
	// T is the trace level printer.
	T = &P{Trace, color.New(color.FgMagenta).Sprint("TRC")}
)

func (p *P) enabled() bool { return level.Load() >= p.level }

// F prints a printf formatted log line.
func (p *P) F(format string, a ...any) { p.S(3, fmt.Sprintf(format, a...)) }

// Ln prints a Println style log line.
func (p *P) Ln(a ...any) { p.S(3, fmt.Sprintln(a...)) }

// C evaluates the closure and prints its result, but only if the printer's
// level is enabled, so expensive log text is not rendered just to be
// discarded.
func (p *P) C(fn func() string) {
	if p.enabled() {
		p.S(3, fn())
	}
}

// S prints text attributed to the caller skip frames up the stack. It is the
// escape hatch used by the chk and errorf packages so their own frames do
// not appear as the log site.
func (p *P) S(skip int, text string) {
	if !p.enabled() {
		return
	}
	fmt.Fprintf(
		Writer, "%s %s %s %s\n",
		time.Now().Format("15:04:05.000000"),
		p.tag, strings.TrimSpace(text), location(skip),
	)
	if p.level == Fatal {
		os.Exit(1)
	}
}

// location renders the file:line of the frame skip levels above, trimmed to
// the last two path elements.
func location(skip int) (loc string) {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return
	}
	split := strings.Split(file, "/")
	if len(split) > 2 {
		file = strings.Join(split[len(split)-2:], "/")
	}
	return fmt.Sprintf("%s:%d", file, line)
}
