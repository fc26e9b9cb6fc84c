// Package migrations contains embedded SQL migrations for the SQLite store.
package migrations

import "embed"

//go:embed forge/*.sql
var FS embed.FS
