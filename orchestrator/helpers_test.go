package orchestrator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path string, size int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
}

func TestEnumerate(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "a.wav"), 1)
	touch(t, filepath.Join(dir, "b.MP3"), 1)
	touch(t, filepath.Join(dir, "notes.txt"), 1)
	touch(t, filepath.Join(dir, "sub", "c.wav"), 1)
	exts := []string{".wav", ".mp3"}

	got, err := enumerate([]string{dir, filepath.Join(dir, "a.wav")}, true, exts)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "a.wav"),
		filepath.Join(dir, "b.MP3"),
		filepath.Join(dir, "sub", "c.wav"),
	}, got)

	got, err = enumerate([]string{dir}, false, exts)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	_, err = enumerate([]string{filepath.Join(dir, "missing")}, true, exts)
	assert.Error(t, err)
}

func TestPartition(t *testing.T) {
	files := make([]string, 2050)
	batches := partition(files, 1024)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 1024)
	assert.Len(t, batches[1], 1024)
	assert.Len(t, batches[2], 2)

	assert.Empty(t, partition(nil, 4))
}

func TestSortBySize(t *testing.T) {
	sizes := map[string]int64{"a": 10, "b": 30, "c": 20, "d": 30}
	size := func(p string) (int64, error) {
		if n, ok := sizes[p]; ok {
			return n, nil
		}
		return 0, os.ErrNotExist
	}
	got := sortBySize([]string{"a", "x", "b", "c", "d"}, size)
	assert.Equal(t, []string{"b", "d", "c", "a", "x"}, got)
}

func TestIsPowerOfTwo(t *testing.T) {
	for _, n := range []int{1, 2, 1024} {
		assert.True(t, isPowerOfTwo(n), n)
	}
	for _, n := range []int{0, -2, 3, 1000} {
		assert.False(t, isPowerOfTwo(n), n)
	}
}
