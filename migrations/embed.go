// Package migrations carries the schema as embedded SQL, applied at startup
// by storage.RunMigrations. Files are named NNN_description.sql and run in
// name order.
package migrations

import "embed"

// FS holds every .sql file in this directory.
//
//go:embed *.sql
var FS embed.FS
