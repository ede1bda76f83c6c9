// Package migrations embeds the analytical tier's SQL schema so it ships
// inside the binary, following the teacher's cmd/server/main.go reference
// to an embedded migrations.FS.
package migrations

import "embed"

//go:embed 001_initial_schema.sql 002_shard_schema.sql
var FS embed.FS

// InitialSchemaFile is the full DDL for a fresh analytical-tier database.
const InitialSchemaFile = "001_initial_schema.sql"

// ShardSchemaFile is the full DDL for a fresh hot-tier shard database
// (spec §4.E).
const ShardSchemaFile = "002_shard_schema.sql"
