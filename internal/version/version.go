// Package version carries the build version shared by the service and the
// client. The two sides compare it over the bus, so both binaries must be
// built from the same tree.
package version

// Version is the compiled-in build version.
// Overridden at build time via -ldflags "-X .../internal/version.Version=...".
var Version = "0.5.0"
