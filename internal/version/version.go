// Package version holds build-time version metadata, set via ldflags.
package version

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)
