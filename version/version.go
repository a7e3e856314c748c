// Package version holds the build-time version string for flowmux
// binaries.
package version

import "fmt"

// mainpkg is the canonical import path this package was built under.
var mainpkg = "github.com/flowmux/flowmux"

// version is replaced at link time with the actual release tag.
var version = "v0.1.0+unknown"

// revision is filled with the VCS revision at link time.
var revision = ""

// PrintVersion prints the canonical version string to stdout.
func PrintVersion() {
	fmt.Println(mainpkg, version, revision)
}

// String returns the canonical version string.
func String() string {
	if revision == "" {
		return fmt.Sprintf("%s %s", mainpkg, version)
	}
	return fmt.Sprintf("%s %s (%s)", mainpkg, version, revision)
}
