// Package log exposes the default lol printers as package level variables so
// call sites read as log.I.F(...), log.E.Ln(...) and so on.
package log

import (
	"voxrelay.dev/utils/lol"
)

var (
	F = lol.F
	E = lol.E
	W = lol.W
	I = lol.I
	D = lol.D
	T = lol.T
)
