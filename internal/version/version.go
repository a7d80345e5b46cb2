// Package version holds the release version of the qualifier.
package version

// Current is the release version, without a "v" prefix.
const Current = "0.1.0"

// Commit is set at build time with -ldflags "-X ...version.Commit=<sha>".
var Commit = ""

// String is Current plus the build commit when known.
func String() string {
	if Commit == "" {
		return Current
	}
	return Current + " (" + Commit + ")"
}
