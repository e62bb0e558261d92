package migrations

import "embed"

// FS contains the embedded SQLite schema for the ledger store.
//
//go:embed *.sql
var FS embed.FS
