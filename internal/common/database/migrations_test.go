package database

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadMigrations(t *testing.T) {
	mockFS := fstest.MapFS{
		"migrations/002_items.sql":   {Data: []byte("CREATE TABLE items();")},
		"migrations/001_batches.sql": {Data: []byte("CREATE TABLE batches();")},
		"migrations/README.md":       {Data: []byte("ignored")},
	}

	migrations, err := ReadMigrations(mockFS, "migrations")
	require.NoError(t, err)
	require.Len(t, migrations, 2)

	assert.Equal(t, 1, migrations[0].Id())
	assert.Equal(t, "001_batches.sql", migrations[0].Name())
	assert.Equal(t, "CREATE TABLE batches();", migrations[0].Statements())
	assert.Equal(t, 2, migrations[1].Id())
}

func TestReadMigrations_BadName(t *testing.T) {
	mockFS := fstest.MapFS{
		"migrations/first.sql": {Data: []byte("SELECT 1;")},
	}
	_, err := ReadMigrations(mockFS, "migrations")
	assert.Error(t, err)
}

func TestCreateConnectionString(t *testing.T) {
	s := CreateConnectionString(map[string]string{
		"host":     "localhost",
		"password": `it's`,
		"port":     "5432",
	})
	assert.Equal(t, `host='localhost' password='it\'s' port='5432'`, s)
}
