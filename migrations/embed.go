// Package migrations embeds the SQL migrations of the SQLite state backend
// so the binary does not need them on disk.
package migrations

import "embed"

// FS holds the migration files at its root.
//
//go:embed *.sql
var FS embed.FS
