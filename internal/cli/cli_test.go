package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nvcnvn/duops"
	"github.com/nvcnvn/duops/config"
	"github.com/nvcnvn/duops/examples/sample"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()
	assert.Equal(t, "duops", cmd.Use)

	names := map[string]bool{}
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"migrate", "schema", "worker", "start", "status", "purge"} {
		assert.True(t, names[want], "missing %s command", want)
	}
	assert.NotNil(t, cmd.PersistentFlags().Lookup("config"))
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "duops.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := BuildCLI()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSchemaCommand(t *testing.T) {
	path := writeConfig(t, "log:\n  level: error\nstore:\n  postgres:\n    schema: tenant_a\n")

	out, err := execute(t, "--config", path, "schema")
	require.NoError(t, err)
	assert.Contains(t, out, `"tenant_a"."operations"`)
	assert.NotContains(t, out, "create_distributed_table")

	out, err = execute(t, "--config", path, "schema", "--citus")
	require.NoError(t, err)
	assert.Contains(t, out, "create_distributed_table")
}

func TestMigrateRequiresPostgres(t *testing.T) {
	path := writeConfig(t, "log:\n  level: error\n")
	_, err := execute(t, "--config", path, "migrate", "up")
	assert.ErrorContains(t, err, "requires the postgres driver")
}

func TestStatusAndPurgeOnSQLite(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, "log:\n  level: error\nstore:\n  driver: sqlite\n  sqlite:\n    path: "+filepath.Join(dir, "duops.db")+"\n")

	cfg, err := config.NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	ctx := context.Background()
	e, err := newEngine(ctx, cfg, zap.NewNop(), engineOptions{})
	require.NoError(t, err)
	id := duops.MustOperationID("tenant|cli-1")
	_, err = duops.Start(ctx, e.manager, sample.Definition, id, sample.Args{Name: "cli"})
	require.NoError(t, err)
	require.NoError(t, e.Close(ctx))

	out, err := execute(t, "--config", path, "status", "Sample", "tenant|cli-1")
	require.NoError(t, err)
	var got status
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "Sample", got.Discriminator)
	assert.Equal(t, "tenant|cli-1", got.ID)
	assert.Equal(t, "Created", got.State)
	assert.Contains(t, got.Args, "cli")
	assert.NotEmpty(t, got.ScheduleID)
	assert.Empty(t, got.Checkpoints)

	out, err = execute(t, "--config", path, "purge", "Sample", "tenant|cli-1")
	require.NoError(t, err)
	assert.Contains(t, out, "purged Sample(tenant|cli-1)")

	_, err = execute(t, "--config", path, "status", "Sample", "tenant|cli-1")
	assert.ErrorIs(t, err, duops.ErrNotFound)

	// Purging twice is fine.
	_, err = execute(t, "--config", path, "purge", "Sample", "tenant|cli-1")
	assert.NoError(t, err)
}

func TestStatusRejectsBadDiscriminator(t *testing.T) {
	path := writeConfig(t, "log:\n  level: error\n")
	_, err := execute(t, "--config", path, "status", "not valid!", "x")
	assert.ErrorIs(t, err, duops.ErrConfiguration)
}

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		logger, err := newLogger(config.LogConfig{Level: "debug", Format: format})
		require.NoError(t, err, format)
		assert.True(t, logger.Core().Enabled(zap.DebugLevel))
	}

	logger, err := newLogger(config.LogConfig{Level: "nonsense", Format: "json"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zap.DebugLevel))
}
