// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package version carries the build stamp set via -ldflags.
package version

import (
	"fmt"
	"runtime"
)

var (
	// Version is the release tag of the build.
	Version = "v0.1.0-dev"

	// Commit is the git short hash of the build.
	Commit = "unknown"

	// Date is the build timestamp.
	Date = "unknown"
)

// Info is the build stamp in a serializable form.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"goVersion"`
}

// Current returns the build stamp of the running binary.
func Current() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: runtime.Version(),
	}
}

// String formats the stamp for CLI output.
func (i Info) String() string {
	return fmt.Sprintf("%s (commit: %s, built: %s, %s)", i.Version, i.Commit, i.Date, i.GoVersion)
}
