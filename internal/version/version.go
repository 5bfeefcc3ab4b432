// Package version carries the build-time version string printed by
// --version and at the top of the --help output.
package version

// Version is overridden at build time via -ldflags "-X ...Version=...".
var Version = "devel"

// Read returns the version string.
func Read() string { return Version }
