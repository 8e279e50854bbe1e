// Package migrations embeds the goose migrations of the Postgres family store.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
