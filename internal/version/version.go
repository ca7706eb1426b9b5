// Package version reports the deskvm build version.
//
// Release builds set it with:
//
//	go build -ldflags "-X github.com/xfeldman/deskvm/internal/version.version=v0.1.0"
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

var version = "dev"

// Version returns the release version, or "dev".
func Version() string {
	return version
}

// Revision returns the VCS revision embedded by the Go toolchain, shortened,
// with a "+dirty" suffix for modified trees. It is empty when unknown.
func Revision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	var rev string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	if rev != "" && dirty {
		rev += "+dirty"
	}
	return rev
}

// String renders version, revision and platform on one line.
func String() string {
	s := Version()
	if rev := Revision(); rev != "" {
		s += " (" + rev + ")"
	}
	return fmt.Sprintf("%s %s %s/%s", s, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
