// Package version holds the instrumentation version reported by the
// tracers and meters of this module.
package version

// Version is overridden at link time by release builds:
//
//	go build -ldflags "-X github.com/namansharma28/gravitas/internal/version.Version=1.2.3"
var Version = "0.1.0-dev"
