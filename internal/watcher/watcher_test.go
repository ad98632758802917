package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/baboon-sync/baboon/internal/event"
	"github.com/baboon-sync/baboon/internal/ignore"
	"github.com/baboon-sync/baboon/internal/index"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconcile_MissingIndexEntryIsCreate(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644))
	require.NoError(t, index.Init(dir))
	idx, err := index.Open(dir)
	require.NoError(t, err)

	events, err := Reconcile(dir, idx, ignore.New())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "a.txt", events[0].SrcPath)
}

func TestReconcile_NewerMtimeIsModify(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	require.NoError(t, index.Init(dir))
	idx, err := index.Open(dir)
	require.NoError(t, err)

	idx.Set("a.txt", time.Now().Add(-time.Hour).Unix())

	events, err := Reconcile(dir, idx, ignore.New())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "a.txt", events[0].SrcPath)
}

func TestReconcile_IndexEntryWithNoFileIsDelete(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, index.Init(dir))
	idx, err := index.Open(dir)
	require.NoError(t, err)
	idx.Set("gone.txt", time.Now().Unix())

	events, err := Reconcile(dir, idx, ignore.New())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "gone.txt", events[0].SrcPath)
}

func TestReconcile_IgnoredFilesAreSkipped(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "skip.log"), []byte("x"), 0o644))
	require.NoError(t, index.Init(dir))
	idx, err := index.Open(dir)
	require.NoError(t, err)

	rules := ignore.Build([]string{"*.log"})
	events, err := Reconcile(dir, idx, rules)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestAddProject_SkipsIgnoredSubdirectories(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "build"), 0o755))

	m, err := NewMonitor(10*time.Millisecond, nil)
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	rules := ignore.Build([]string{"build/"})
	require.NoError(t, m.AddProject("demo", dir, rules))

	watched := m.fsw.WatchList()
	assert.Contains(t, watched, dir)
	assert.NotContains(t, watched, filepath.Join(dir, "build"))
}

func TestMonitor_PairsRenameIntoMoveEvent(t *testing.T) {
	dir := t.TempDir()

	m, err := NewMonitor(20*time.Millisecond, nil)
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	require.NoError(t, m.AddProject("demo", dir, ignore.New()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	oldPath := filepath.Join(dir, "old.txt")
	require.NoError(t, os.WriteFile(oldPath, []byte("hi"), 0o644))

	select {
	case <-m.Batches(): // the Create batch, drained so it doesn't leak into the assertion below
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for create batch")
	}

	newPath := filepath.Join(dir, "new.txt")
	require.NoError(t, os.Rename(oldPath, newPath))

	var got []event.FileEvent
	select {
	case b := <-m.Batches():
		got = b.Events
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for move batch")
	}

	require.Len(t, got, 1)
	assert.Equal(t, event.Move, got[0].Kind)
	assert.Equal(t, "old.txt", got[0].SrcPath)
	assert.Equal(t, "new.txt", got[0].DestPath)
}

func TestMonitor_RenameWithNoKnownInodeIsDelete(t *testing.T) {
	m, err := NewMonitor(time.Hour, nil)
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	m.handleRename(&project{name: "demo"}, "ghost.txt")

	batches := m.pending.Drain()
	events := batches["demo"]
	require.Len(t, events, 1)
	assert.Equal(t, event.Delete, events[0].Kind)
	assert.Equal(t, "ghost.txt", events[0].SrcPath)
}

func TestPairRename_SourceEqualsDestinationIsModify(t *testing.T) {
	m, err := NewMonitor(time.Hour, nil)
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	m.pendingRenames[42] = pendingRename{project: "demo", srcPath: "a.txt"}

	ok := m.pairRename(&project{name: "demo"}, "a.txt", 42)
	assert.True(t, ok)

	batches := m.pending.Drain()
	events := batches["demo"]
	require.Len(t, events, 1)
	assert.Equal(t, event.Modify, events[0].Kind)
	assert.Equal(t, "a.txt", events[0].SrcPath)
}

func TestPairRename_NoMatchingPendingRenameReturnsFalse(t *testing.T) {
	m, err := NewMonitor(time.Hour, nil)
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	assert.False(t, m.pairRename(&project{name: "demo"}, "a.txt", 99))
}
