package sqlite

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDB_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "path")
	path := filepath.Join(dir, "workflows.db")

	db, err := NewDB(path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), info.Mode().Perm())
}

func TestNewDB_CreatesDatabaseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflows.db")

	db, err := NewDB(path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	_, err = os.Stat(path)
	require.NoError(t, err)
}

func TestNewDB_RunsMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflows.db")

	db, err := NewDB(path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	var name string
	err = db.Connection().QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name='workflows'`).Scan(&name)
	require.NoError(t, err)
	assert.Equal(t, "workflows", name)
}

func TestNewDB_PreMigrationBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflows.db")

	db, err := NewDB(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db2, err := NewDB(path)
	require.NoError(t, err)
	defer func() { _ = db2.Close() }()

	info, err := os.Stat(path + ".bak")
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestNewDB_WALMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflows.db")

	db, err := NewDB(path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	var mode string
	require.NoError(t, db.Connection().QueryRow(`PRAGMA journal_mode`).Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestNewDB_ForeignKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflows.db")

	db, err := NewDB(path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	var enabled int
	require.NoError(t, db.Connection().QueryRow(`PRAGMA foreign_keys`).Scan(&enabled))
	assert.Equal(t, 1, enabled)
}

func TestNewDB_BusyTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflows.db")

	db, err := NewDB(path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	var timeout int
	require.NoError(t, db.Connection().QueryRow(`PRAGMA busy_timeout`).Scan(&timeout))
	assert.Equal(t, 5000, timeout)
}

func TestDB_Close(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflows.db")

	db, err := NewDB(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())
}

func TestDB_Repository(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflows.db")

	db, err := NewDB(path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	assert.NotNil(t, db.Repository())
}

func TestNewDB_MultipleCalls(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflows.db")

	db1, err := NewDB(path)
	require.NoError(t, err)
	require.NoError(t, db1.Close())

	db2, err := NewDB(path)
	require.NoError(t, err)
	defer func() { _ = db2.Close() }()
}

func TestNewDB_InvalidPath(t *testing.T) {
	_, err := NewDB("/nonexistent-root-dir-surely/workflows.db")
	assert.Error(t, err)
}
