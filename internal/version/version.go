// Package version exposes the baton release version read from the
// embedded VERSION file.
package version

import (
	_ "embed"
	"strings"
)

//go:embed VERSION
var raw string

// Get returns the release version string.
func Get() string {
	return strings.TrimSpace(raw)
}
