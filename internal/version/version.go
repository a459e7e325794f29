// Package version holds build information stamped in by the linker.
package version

import "fmt"

// Set with -ldflags "-X github.com/dkoosis/testseq/internal/version.Version=..." at build time.
var (
	Version    = "dev"
	CommitHash = "unknown"
	BuildDate  = "unknown"
)

// String formats the build information for the version command.
func String() string {
	return fmt.Sprintf("testseq %s (commit %s, built %s)", Version, CommitHash, BuildDate)
}
