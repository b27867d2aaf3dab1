// Package migrations embeds the SQL migration files so the worker binary can
// manage its own schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
