// Package migrations embeds the billing schema's SQL migration files.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
