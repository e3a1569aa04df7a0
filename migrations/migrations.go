// Package migrations embeds the SQL schema applied by pgstore at
// startup, grounded on the teacher's internal/db/db.go applyMigrations:
// a schema_migrations tracking table and plain numbered .sql files
// applied in filename order, each exactly once.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
