package downloader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResumeState_PersistAndLoad(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "SRR1.sra")

	rs, err := LoadResumeState(dest)
	require.NoError(t, err)
	assert.Nil(t, rs, "no sidecar yet")

	rs = NewResumeState(dest, 1000, 300)
	require.NoError(t, rs.MarkDone(Range{Start: 600, End: 900}))
	require.NoError(t, rs.MarkDone(Range{Start: 0, End: 300}))
	require.NoError(t, rs.MarkDone(Range{Start: 0, End: 300}))

	loaded, err := LoadResumeState(dest)
	require.NoError(t, err)
	require.NotNil(t, loaded)

	assert.Equal(t, int64(1000), loaded.TotalSize)
	assert.Equal(t, int64(300), loaded.ChunkSize)
	assert.Equal(t, []Range{{Start: 0, End: 300}, {Start: 600, End: 900}}, loaded.Done)
	assert.True(t, loaded.IsDone(Range{Start: 600, End: 900}))
	assert.False(t, loaded.IsDone(Range{Start: 300, End: 600}))
	assert.Equal(t, int64(600), loaded.DoneBytes())

	entries, err := os.ReadDir(filepath.Dir(dest))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not be left behind")

	require.NoError(t, RemoveResumeState(dest))
	require.NoError(t, RemoveResumeState(dest), "removing a missing sidecar is not an error")

	_, err = os.Stat(ResumePath(dest))
	assert.True(t, os.IsNotExist(err))
}

func TestLoadResumeState_Corrupt(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "SRR1.sra")
	require.NoError(t, os.WriteFile(ResumePath(dest), []byte("{not json"), 0644))

	_, err := LoadResumeState(dest)
	require.Error(t, err)
}
