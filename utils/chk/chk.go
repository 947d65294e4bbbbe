// Package chk provides error check helpers that log a non-nil error at a
// given level, attributed to the caller, and report whether it was non-nil.
// The intended form is:
//
//	if chk.E(err) {
//		return
//	}
package chk

import (
	"voxrelay.dev/utils/lol"
)

// E logs a non-nil error at error level and returns true if err != nil.
func E(err error) bool {
	if err != nil {
		lol.E.S(3, err.Error())
		return true
	}
	return false
}

// W logs a non-nil error at warn level and returns true if err != nil.
func W(err error) bool {
	if err != nil {
		lol.W.S(3, err.Error())
		return true
	}
	return false
}

// D logs a non-nil error at debug level and returns true if err != nil.
func D(err error) bool {
	if err != nil {
		lol.D.S(3, err.Error())
		return true
	}
	return false
}

// T logs a non-nil error at trace level and returns true if err != nil.
func T(err error) bool {
	if err != nil {
		lol.T.S(3, err.Error())
		return true
	}
	return false
}

// F logs a non-nil error at fatal level, which exits the process.
func F(err error) bool {
	if err != nil {
		lol.F.S(3, err.Error())
		return true
	}
	return false
}
