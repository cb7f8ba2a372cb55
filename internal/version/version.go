// Package version holds build metadata stamped in via -ldflags, in the
// usual pattern for a small Go CLI that doesn't want a full build-info
// dependency.
package version

import "fmt"

// Set at build time via:
//
//	go build -ldflags "-X github.com/cargoferry/cargoferry/internal/version.Version=1.2.3 ..."
var (
	Version   = "dev"
	Revision  = "unknown"
	BuildDate = "unknown"
)

// Print returns a one-line banner for app's --version flag.
func Print(app string) string {
	return fmt.Sprintf("%s, version %s (revision %s, built %s)", app, Version, Revision, BuildDate)
}
