// Package migrations embeds the schema migration files so they ship
// inside the binary and run at startup.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
