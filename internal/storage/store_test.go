package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMigrationFilesOrdered(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"002_b.sql", "001_a.sql", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "003_dir.sql"), 0o755))

	files, err := MigrationFiles(dir)
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(dir, "001_a.sql"), filepath.Join(dir, "002_b.sql")}, files)
}

func TestMigrationFilesMissingDir(t *testing.T) {
	files, err := MigrationFiles(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	require.Empty(t, files)

	files, err = MigrationFiles("")
	require.NoError(t, err)
	require.Empty(t, files)
}

func TestMigrateRequiresPool(t *testing.T) {
	_, err := Migrate(context.Background(), nil, t.TempDir())
	require.ErrorIs(t, err, ErrNotConfigured)
}
