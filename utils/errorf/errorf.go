// Package errorf builds errors that are simultaneously logged at the call
// site, so a constructed error is never silently swallowed further up.
package errorf

import (
	"fmt"

	"voxrelay.dev/utils/lol"
)

// E formats an error, logs it at error level and returns it.
func E(format string, a ...any) (err error) {
	err = fmt.Errorf(format, a...)
	lol.E.S(3, err.Error())
	return
}

// W formats an error, logs it at warn level and returns it.
func W(format string, a ...any) (err error) {
	err = fmt.Errorf(format, a...)
	lol.W.S(3, err.Error())
	return
}

// D formats an error, logs it at debug level and returns it.
func D(format string, a ...any) (err error) {
	err = fmt.Errorf(format, a...)
	lol.D.S(3, err.Error())
	return
}
