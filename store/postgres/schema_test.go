package postgres

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigSchemaFallsBack(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", DefaultSchema},
		{"tenant_a", "tenant_a"},
		{"1abc", DefaultSchema},
		{"bad;drop", DefaultSchema},
		{"with space", DefaultSchema},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Config{Schema: tt.in}.SchemaName(), "schema %q", tt.in)
	}
}

func TestSchemaSQLFor(t *testing.T) {
	sql := SchemaSQLFor("custom")
	assert.Contains(t, sql, `CREATE SCHEMA IF NOT EXISTS "custom"`)
	assert.Contains(t, sql, `"custom"."operations"`)
	assert.Contains(t, sql, `"custom"."schedules"`)
	assert.Contains(t, CitusSchemaSQLFor("custom"), `create_distributed_table('custom.operations', 'shard')`)
	assert.True(t, strings.Contains(SchemaSQL, `"duops"."operations"`))
}

func TestMigrateURL(t *testing.T) {
	got, err := migrateURL("postgres://u:p@localhost:5432/db?sslmode=disable", "tenant")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got, "pgx5://u:p@localhost:5432/db?"))
	assert.Contains(t, got, "search_path=tenant")
	assert.Contains(t, got, "x-migrations-table="+MigrationsTable)
	assert.Contains(t, got, "sslmode=disable")

	_, err = migrateURL("mysql://localhost/db", "tenant")
	assert.Error(t, err)
}

func TestEmbeddedMigrations(t *testing.T) {
	entries, err := migrationsFS.ReadDir("migrations")
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{
		"000001_create_operations.down.sql",
		"000001_create_operations.up.sql",
		"000002_create_schedules.down.sql",
		"000002_create_schedules.up.sql",
	}, names)
}
