// Package postgres stores duops operations in PostgreSQL (or Citus) through pgx.
//
// Each operation is one row of the operations table. Checkpoints live in a
// jsonb document on that row, so a poll loads everything it needs in a single
// read.
package postgres

import (
	"unicode"

	"github.com/jackc/pgx/v5"
)

// DefaultSchema is the schema used when none is configured.
const DefaultSchema = "duops"

// Config configures where the store keeps its tables.
type Config struct {
	// Schema is the Postgres schema containing the duops tables.
	// If empty or not a plain identifier, DefaultSchema is used.
	Schema string

	// ShardCount controls how many shards an operation kind spreads across
	// when its ids carry no shard key.
	//
	// On Citus the tables are distributed by the `shard` column, derived as
	// `<discriminator>_<n>` with n in [0, ShardCount). Changing it after data
	// was written makes existing rows unreachable.
	//
	// If ShardCount is <= 0, it defaults to 1.
	ShardCount int
}

func (c Config) schema() string {
	if c.Schema == "" {
		return DefaultSchema
	}
	// Keep identifiers conservative to avoid SQL injection. If invalid, fall back.
	for i, r := range c.Schema {
		if !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_') {
			return DefaultSchema
		}
		if i == 0 && unicode.IsDigit(r) {
			return DefaultSchema
		}
	}
	return c.Schema
}

// SchemaName returns the sanitized schema the store will use.
func (c Config) SchemaName() string { return c.schema() }

func (c Config) shardCount() int {
	if c.ShardCount <= 0 {
		return 1
	}
	return c.ShardCount
}

// Tables holds the schema-qualified, quoted table names.
type Tables struct {
	Operations string
	Schedules  string
}

// TablesFor returns the table names for cfg.
func TablesFor(cfg Config) Tables {
	schema := cfg.schema()
	return Tables{
		Operations: pgx.Identifier{schema, "operations"}.Sanitize(),
		Schedules:  pgx.Identifier{schema, "schedules"}.Sanitize(),
	}
}
