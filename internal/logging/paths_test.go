package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogSource(t *testing.T) {
	assert.Equal(t, LogSourceWatcher, ParseLogSource("watcher"))
	assert.Equal(t, LogSourceDaemon, ParseLogSource("daemon"))
	assert.Equal(t, LogSourceAll, ParseLogSource("all"))
	assert.Equal(t, LogSourceWatcher, ParseLogSource("nonsense"))
}

func TestFindLogFileBySource_ExplicitPathWins(t *testing.T) {
	dir := t.TempDir()
	explicit := filepath.Join(dir, "explicit.log")
	require.NoError(t, os.WriteFile(explicit, []byte("x"), 0o644))

	paths, err := FindLogFileBySource(LogSourceDaemon, explicit)
	require.NoError(t, err)
	assert.Equal(t, []string{explicit}, paths)
}

func TestFindLogFileBySource_ExplicitMissingErrors(t *testing.T) {
	_, err := FindLogFileBySource(LogSourceWatcher, "/nonexistent/path.log")
	assert.Error(t, err)
}

func TestFindLogFileBySource_UnknownSourceFallsBackToWatcher(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	watcherLog := filepath.Join(home, ".baboon", "logs", "baboon.log")
	require.NoError(t, os.MkdirAll(filepath.Dir(watcherLog), 0o755))
	require.NoError(t, os.WriteFile(watcherLog, []byte("x"), 0o644))

	paths, err := FindLogFileBySource(ParseLogSource("nonsense"), "")
	require.NoError(t, err)
	assert.Equal(t, []string{watcherLog}, paths)
}
