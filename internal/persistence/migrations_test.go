package persistence

import (
	"context"
	"os"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestLoadMigrationsOrdersSQLFiles(t *testing.T) {
	fsys := fstest.MapFS{
		"0002_refresh.sql":    {Data: []byte("CREATE TABLE b ();")},
		"0001_principals.sql": {Data: []byte("CREATE TABLE a ();")},
		"README.md":           {Data: []byte("notes")},
		"old/0000_x.sql":      {Data: []byte("CREATE TABLE z ();")},
	}

	migrations, err := LoadMigrations(fsys)
	require.NoError(t, err)
	require.Len(t, migrations, 2)
	assert.Equal(t, "0001_principals", migrations[0].Version)
	assert.Equal(t, "0002_refresh", migrations[1].Version)
	assert.Equal(t, "CREATE TABLE a ();", migrations[0].SQL)
}

func TestLoadMigrationsRejectsEmptyFile(t *testing.T) {
	_, err := LoadMigrations(fstest.MapFS{"0001_empty.sql": {Data: []byte("  \n")}})
	require.Error(t, err)
}

func TestShippedMigrationsLoad(t *testing.T) {
	migrations, err := LoadMigrations(os.DirFS("../../migrations"))
	require.NoError(t, err)
	require.NotEmpty(t, migrations)
	assert.Equal(t, "0001_principals", migrations[0].Version)
}

func TestRunMigrationsWithoutPostgres(t *testing.T) {
	n, err := RunMigrations(context.Background(), &Postgres{}, fstest.MapFS{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Zero(t, n)
}
