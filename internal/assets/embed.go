// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package assets embeds the built-in source configuration set. Community
// directories layer on top of these at registry load.
package assets

import (
	"embed"
	"io/fs"
)

//go:embed sources/*.json
var sourceFiles embed.FS

// SourcesFS returns the filesystem holding the built-in source entries.
func SourcesFS() fs.FS {
	sub, _ := fs.Sub(sourceFiles, "sources")
	return sub
}
