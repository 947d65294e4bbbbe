// Package context shortens the names of the standard library context types
// and constructors used throughout the codebase.
package context

import (
	base "context"
	"time"
)

type (
	// T is a context.Context.
	T = base.Context
	// F is a context.CancelFunc.
	F = base.CancelFunc
)

// Bg returns a background context.
func Bg() T { return base.Background() }

// TODO returns a TODO context.
func TODO() T { return base.TODO() }

// Cancel returns a cancelable child of c.
func Cancel(c T) (T, F) { return base.WithCancel(c) }

// Timeout returns a child of c that is canceled after d.
func Timeout(c T, d time.Duration) (T, F) { return base.WithTimeout(c, d) }

// Canceled is the error returned by a canceled context.
var Canceled = base.Canceled
