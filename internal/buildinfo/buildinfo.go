// Package buildinfo holds version metadata set at link time with
// -ldflags "-X github.com/modoterra/unitwatch/internal/buildinfo.Version=...".
package buildinfo

import "fmt"

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String renders "v1.2.3 (abc123) built 2026-01-01".
func String() string {
	return fmt.Sprintf("%s (%s) built %s", Version, Commit, Date)
}
