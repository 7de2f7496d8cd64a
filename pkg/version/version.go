// Package version holds the build version of the stagecoord binaries.
package version

// Version is overridden at build time with
// -ldflags "-X github.com/getpup/stagecoord/pkg/version.Version=<version>".
var Version = "dev"
