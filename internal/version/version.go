/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package version carries build identification.
package version

import "fmt"

// Set at build time via ldflags:
//
//	-X github.com/friendsincode/muninn_playout/internal/version.Version=X.Y.Z
//	-X github.com/friendsincode/muninn_playout/internal/version.Commit=abcdef
var (
	Version = "0.3.0"
	Commit  = "unknown"
)

// String returns the full version line used by the CLI and status endpoint.
func String() string {
	return fmt.Sprintf("muninn-playout %s (%s)", Version, Commit)
}
