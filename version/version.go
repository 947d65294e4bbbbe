// Package version carries the release version string.
package version

// V is the current release version.
var V = "v0.2.1"
