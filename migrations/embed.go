// Package migrations embeds the goose SQL migrations for the metadata store.
package migrations

import "embed"

// FS holds every migration file.
//
//go:embed *.sql
var FS embed.FS
