// Package version carries build metadata stamped in with -ldflags.
package version

import "fmt"

var (
	Version   = "dev"
	GitSHA    = "unknown"
	BuildTime = "unknown"
)

// String formats the build metadata for -version output and startup logs.
func String() string {
	return fmt.Sprintf("droptimize-tracker %s (%s, built %s)", Version, GitSHA, BuildTime)
}
