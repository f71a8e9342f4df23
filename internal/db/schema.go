package db

import _ "embed"

// Schemas are embedded so EnsureSchema and manual provisioning share one source.
var (
	//go:embed schema_postgres.sql
	schemaPostgres string

	//go:embed schema_sqlite.sql
	schemaSQLite string
)
