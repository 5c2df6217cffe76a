// Package migrations embeds the SQL schema for the audit ledger.
package migrations

import "embed"

// FS holds the migration files, applied in lexical order.
//
//go:embed *.sql
var FS embed.FS
