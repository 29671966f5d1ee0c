package version

import "fmt"

var (
	// Version is overridden at build time via -ldflags.
	Version = "dev"
	Commit  = "unknown"
	// BuildDate is an RFC 3339 timestamp stamped by the release build.
	BuildDate = "unknown"
)

// String renders the build information on one line.
func String() string {
	return fmt.Sprintf("bmswatch %s (commit %s, built %s)", Version, Commit, BuildDate)
}
