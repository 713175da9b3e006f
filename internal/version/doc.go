// Package version exposes build metadata of the update daemon.
//
// Version, Commit and BuildTime are injected through Go ldflags and fall back
// to placeholder values for local builds.
package version
