package db

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeMigration(t *testing.T, dir, name, sql string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(sql), 0o644))
}

func TestDiscoverMigrationsOrdersByVersion(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "003_add_tasks.sql", "CREATE TABLE tasks ();")
	writeMigration(t, dir, "001_initial.sql", "CREATE TABLE use_cases ();")
	writeMigration(t, dir, "002_add_models.sql", "CREATE TABLE model_evaluations ();")

	files, err := DiscoverMigrations(dir)
	require.NoError(t, err)
	require.Len(t, files, 3)

	assert.Equal(t, 1, files[0].Version)
	assert.Equal(t, "initial", files[0].Name)
	assert.Equal(t, 2, files[1].Version)
	assert.Equal(t, 3, files[2].Version)
	assert.Equal(t, "CREATE TABLE use_cases ();", files[0].SQL)
	assert.Len(t, files[0].Checksum, 64)
}

func TestDiscoverMigrationsIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "001_initial.sql", "SELECT 1;")
	writeMigration(t, dir, "README.md", "notes")
	writeMigration(t, dir, "backup.sql", "SELECT 2;")
	writeMigration(t, dir, "01_short_version.sql", "SELECT 3;")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "002_a_directory.sql"), 0o755))

	files, err := DiscoverMigrations(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "initial", files[0].Name)
}

func TestDiscoverMigrationsRejectsDuplicateVersions(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "001_initial.sql", "SELECT 1;")
	writeMigration(t, dir, "001_also_initial.sql", "SELECT 2;")

	_, err := DiscoverMigrations(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate migration version 001")
}

func TestDiscoverMigrationsMissingDirectory(t *testing.T) {
	_, err := DiscoverMigrations(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestDiscoverMigrationsChecksumTracksContent(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "001_initial.sql", "SELECT 1;")

	before, err := DiscoverMigrations(dir)
	require.NoError(t, err)

	writeMigration(t, dir, "001_initial.sql", "SELECT 1; -- edited")
	after, err := DiscoverMigrations(dir)
	require.NoError(t, err)

	assert.NotEqual(t, before[0].Checksum, after[0].Checksum)
}

func TestShippedMigrationsAreWellFormed(t *testing.T) {
	files, err := DiscoverMigrations("../migrations")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for i, f := range files {
		assert.Equal(t, i+1, f.Version, "migration versions must be contiguous from 001")
		assert.NotEmpty(t, f.SQL)
	}
}
