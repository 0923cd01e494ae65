// Package version holds build information set via -ldflags at compile time.
package version

var (
	// Version is the released version string, overridden at build time.
	Version = "dev"
	// Commit is the git commit hash, overridden at build time.
	Commit = "unknown"
)
