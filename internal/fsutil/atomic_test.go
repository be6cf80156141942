package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSONRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "state.json")

	in := map[string]int{"a": 1, "b": 2}
	require.NoError(t, WriteJSON(path, in))
	require.NoError(t, WriteJSON(path, map[string]int{"a": 3}))

	var out map[string]int
	require.NoError(t, ReadJSON(path, &out))
	assert.Equal(t, map[string]int{"a": 3}, out)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), info.Mode().Perm())
}

func TestReadJSONMissing(t *testing.T) {
	var out map[string]int
	err := ReadJSON(filepath.Join(t.TempDir(), "nope.json"), &out)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
