// Package migrations embeds the schema files goose applies.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
