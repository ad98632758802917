package mirror

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockUnlock_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	m := Open(dir, "proj", "alice@example.com")

	require.NoError(t, m.Lock())
	require.NoError(t, m.Unlock())
}

func TestTryLock_FailsWhileHeld(t *testing.T) {
	dir := t.TempDir()
	m1 := Open(dir, "proj", "alice@example.com")
	m2 := Open(dir, "proj", "alice@example.com")

	require.NoError(t, m1.Lock())
	defer func() { _ = m1.Unlock() }()

	ok, err := m2.TryLock()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQuarantine_MarksAndClears(t *testing.T) {
	dir := t.TempDir()
	m := Open(dir, "proj", "alice@example.com")

	assert.False(t, m.IsQuarantined())

	require.NoError(t, m.Quarantine(errors.New("corrupt checkout")))
	assert.True(t, m.IsQuarantined())

	require.NoError(t, m.ClearQuarantine())
	assert.False(t, m.IsQuarantined())
}

func TestClearQuarantine_NoSentinelIsNoop(t *testing.T) {
	dir := t.TempDir()
	m := Open(dir, "proj", "alice@example.com")
	require.NoError(t, m.ClearQuarantine())
}

func TestResolvePath_RejectsEscapingPath(t *testing.T) {
	dir := t.TempDir()
	m := Open(dir, "proj", "alice@example.com")
	require.NoError(t, os.MkdirAll(m.Root, 0o755))

	_, err := m.ResolvePath("../../etc/passwd")
	assert.Error(t, err)
}

func TestResolvePath_AcceptsPathWithinRoot(t *testing.T) {
	dir := t.TempDir()
	m := Open(dir, "proj", "alice@example.com")
	require.NoError(t, os.MkdirAll(m.Root, 0o755))

	resolved, err := m.ResolvePath("src/main.go")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(m.Root, "src", "main.go"), resolved)
}
