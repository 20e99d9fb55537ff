// Package migrations bundles the schema for the rule catalog, run history
// and glosa tables, one directory per SQL dialect.
package migrations

import "embed"

// Files are applied in name order by db.MigrateUp and must never be edited
// once released: the runner refuses to start when a checksum changes.
//
//go:embed sqlite/*.sql
var SqliteMigrations embed.FS

//go:embed postgres/*.sql
var PostgresMigrations embed.FS
