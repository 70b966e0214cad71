// Package appversion reports the binary's version: an -ldflags override
// when the release build sets one, the module version Go stamped into
// the binary otherwise.
package appversion

import "runtime/debug"

// version is overridden at release time via -ldflags.
var version string //nolint:gochecknoglobals // ldflags requires package-level var

// String returns the version to print for --version.
func String() string {
	if version != "" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}
