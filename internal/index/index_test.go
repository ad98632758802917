package index

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_CreatesEmptyIndexFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Init(dir))

	_, err := os.Stat(PathFor(dir))
	require.NoError(t, err)
}

func TestOpen_MissingFileYieldsEmptyIndex(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(dir)
	require.NoError(t, err)
	assert.Empty(t, idx.Paths())
}

func TestSetGetRemove(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Init(dir))
	idx, err := Open(dir)
	require.NoError(t, err)

	idx.Set("a/b.txt", 100)
	ts, ok := idx.Get("a/b.txt")
	require.True(t, ok)
	assert.Equal(t, int64(100), ts)

	idx.Remove("a/b.txt")
	_, ok = idx.Get("a/b.txt")
	assert.False(t, ok)
}

func TestFlushAndReopenRoundTrips(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Init(dir))
	idx, err := Open(dir)
	require.NoError(t, err)

	idx.Set("x.txt", 1)
	idx.Set("y/z.txt", 2)
	require.NoError(t, idx.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"x.txt", "y/z.txt"}, reopened.Paths())
	ts, ok := reopened.Get("y/z.txt")
	require.True(t, ok)
	assert.Equal(t, int64(2), ts)
}

func TestPaths_SortedDeterministic(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Init(dir))
	idx, err := Open(dir)
	require.NoError(t, err)

	idx.Set("zeta", 1)
	idx.Set("alpha", 2)
	idx.Set("mid", 3)

	assert.Equal(t, []string{"alpha", "mid", "zeta"}, idx.Paths())
}
