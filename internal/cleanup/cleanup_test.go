package cleanup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAged(t *testing.T, path string, age time.Duration) {
	t.Helper()

	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o644))

	mtime := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestDeleteExpiredLogs(t *testing.T) {
	dir := t.TempDir()

	old := filepath.Join(dir, "EBIDownload_20240101_000000.log")
	oldBackup := filepath.Join(dir, "EBIDownload_20240101_000000-2024-01-02T00-00-00.000.log.gz")
	recent := filepath.Join(dir, "EBIDownload_20240301_000000.log")
	foreign := filepath.Join(dir, "notes.txt")

	writeAged(t, old, 48*time.Hour)
	writeAged(t, oldBackup, 48*time.Hour)
	writeAged(t, recent, time.Hour)
	writeAged(t, foreign, 48*time.Hour)

	n, err := DeleteExpiredLogs(context.Background(), dir, "EBIDownload_", 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.NoFileExists(t, old)
	assert.NoFileExists(t, oldBackup)
	assert.FileExists(t, recent)
	assert.FileExists(t, foreign)
}

func TestDeleteExpiredLogs_MissingDir(t *testing.T) {
	n, err := DeleteExpiredLogs(context.Background(), filepath.Join(t.TempDir(), "absent"), "EBIDownload_", time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)
}

type fakePruner struct {
	calls int
	err   error
}

func (p *fakePruner) Prune() (int, error) {
	p.calls++
	return 3, p.err
}

func TestRun(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "EBIDownload_old.log")
	writeAged(t, old, 48*time.Hour)

	p := &fakePruner{}
	Run(context.Background(), dir, "EBIDownload_", 24*time.Hour, p)

	assert.NoFileExists(t, old)
	assert.Equal(t, 1, p.calls)

	// Zero retention keeps logs; a failing prune is only logged.
	writeAged(t, old, 48*time.Hour)
	p.err = errors.New("bolt: database not open")
	Run(context.Background(), dir, "EBIDownload_", 0, p)

	assert.FileExists(t, old)
	assert.Equal(t, 2, p.calls)
}
