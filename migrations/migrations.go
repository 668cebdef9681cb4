// Package migrations embeds the goose SQL migrations of the catalog and the
// import pipeline.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
