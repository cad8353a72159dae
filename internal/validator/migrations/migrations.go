// Package migrations embeds the validator schema's SQL migration files.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
