// Copyright 2026 The Msgfleet Authors
// SPDX-License-Identifier: Apache-2.0

// Package version exposes the build version stamp for msgfleet
// binaries. The variables are set at build time via -ldflags; a
// development build reports "dev".
package version

import "fmt"

var (
	// Version is the release version (e.g. "0.4.1"), set via
	// -ldflags "-X github.com/msgfleet/msgfleet/lib/version.Version=...".
	Version = "dev"

	// Commit is the git commit the binary was built from.
	Commit = "unknown"
)

// Info returns a one-line version description.
func Info() string {
	return fmt.Sprintf("%s (%s)", Version, Commit)
}

// Print writes the version line for the named binary to stdout.
func Print(binary string) {
	fmt.Printf("%s %s\n", binary, Info())
}
