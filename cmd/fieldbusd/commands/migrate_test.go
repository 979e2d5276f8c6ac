package commands

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunMigrateAgainstSQLite(t *testing.T) {
	t.Setenv("AFS_SQLITE_URL", "file::memory:?cache=shared")
	t.Setenv("AFS_DATABASE_URL", "")

	var out bytes.Buffer
	cmd := migrateCmd
	cmd.SetOut(&out)

	require.NoError(t, runMigrate(cmd, nil))
	assert.Contains(t, out.String(), "Migrations completed successfully (dialect: sqlite)")
}

func TestRunMigrateFailsWithoutAnyDatabaseURL(t *testing.T) {
	t.Setenv("AFS_SQLITE_URL", "")
	t.Setenv("AFS_DATABASE_URL", "")

	var out bytes.Buffer
	cmd := migrateCmd
	cmd.SetOut(&out)

	err := runMigrate(cmd, nil)
	assert.Error(t, err)
}
