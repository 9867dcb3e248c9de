package postgres

import (
	"fmt"

	"github.com/jackc/pgx/v5"
)

// SchemaSQL is the schema for DefaultSchema.
//
// Notes:
//   - args and result are stored as text: the engine never interprets them and
//     definitions may use any codec.
//   - checkpoints is a jsonb document mapping a checkpoint discriminator to a
//     value, or to an object of key -> value for keyed checkpoints.
var SchemaSQL = SchemaSQLFor(DefaultSchema)

// SchemaSQLFor returns the DDL for the given Postgres schema name.
//
// The schema name is validated conservatively and falls back to DefaultSchema if invalid.
func SchemaSQLFor(schema string) string {
	cfg := Config{Schema: schema}
	schemaIdent := pgx.Identifier{cfg.schema()}.Sanitize()
	t := TablesFor(cfg)

	return fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
	shard         text NOT NULL,
	discriminator text NOT NULL,
	id            text NOT NULL,
	schedule_id   text,
	started_at    timestamptz NOT NULL,
	args          text NOT NULL,
	state         int NOT NULL DEFAULT 0,
	waiting_until timestamptz,
	retrying_at   timestamptz,
	retry_count   int,
	result        text,
	fail_reason   text,
	checkpoints   jsonb NOT NULL DEFAULT '{}'::jsonb,
	created_at    timestamptz NOT NULL DEFAULT now(),
	updated_at    timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (shard, discriminator, id)
);

CREATE INDEX IF NOT EXISTS operations_state_idx
	ON %s (shard, state);

-- Pending polls of the pgqueue scheduler. Kept local (not distributed) so
-- workers can claim rows with FOR UPDATE SKIP LOCKED.
CREATE TABLE IF NOT EXISTS %s (
	schedule_id   text PRIMARY KEY,
	discriminator text NOT NULL,
	operation_id  text NOT NULL,
	due_at        timestamptz NOT NULL,
	locked_until  timestamptz,
	attempts      int NOT NULL DEFAULT 0,
	created_at    timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS schedules_due_idx
	ON %s (due_at);
`,
		schemaIdent,
		t.Operations,
		t.Operations,
		t.Schedules,
		t.Schedules,
	)
}

// CitusSchemaSQLFor returns the Citus distribution SQL for the given schema.
//
// Run it AFTER SchemaSQLFor created the tables. Only the operations table is
// distributed, by the `shard` column.
func CitusSchemaSQLFor(schema string) string {
	cfg := Config{Schema: schema}
	// create_distributed_table takes the table name as a string literal.
	operations := cfg.schema() + ".operations"

	return fmt.Sprintf(`
-- Distribute the operations table by shard
SELECT create_distributed_table('%s', 'shard');
`, operations)
}

// CitusSchemaSQL is the Citus distribution SQL for DefaultSchema.
var CitusSchemaSQL = CitusSchemaSQLFor(DefaultSchema)
