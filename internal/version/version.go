// Package version provides the dlsnode version string.
// The version is set at build time via -ldflags.
package version

// Version is the current dlsnode version.
// Override at build time: go build -ldflags "-X github.com/sociomantic-tsunami/dlsnode/internal/version.Version=2.0.0"
var Version = "1.0.0"

// BuildTime is the build timestamp.
// Override at build time: go build -ldflags "-X github.com/sociomantic-tsunami/dlsnode/internal/version.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var BuildTime = "unknown"
