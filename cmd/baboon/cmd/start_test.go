package cmd

import (
	"testing"

	"github.com/baboon-sync/baboon/internal/event"
	"github.com/baboon-sync/baboon/internal/index"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIndex(t *testing.T) *index.Index {
	t.Helper()
	idx, err := index.Open(t.TempDir())
	require.NoError(t, err)
	return idx
}

func TestApplyIndexEvent_CreateAndModifySetTimestamp(t *testing.T) {
	idx := newTestIndex(t)

	applyIndexEvent(idx, event.FileEvent{Kind: event.Create, SrcPath: "a.txt"}, 100)
	ts, ok := idx.Get("a.txt")
	require.True(t, ok)
	assert.Equal(t, int64(100), ts)

	applyIndexEvent(idx, event.FileEvent{Kind: event.Modify, SrcPath: "a.txt"}, 200)
	ts, ok = idx.Get("a.txt")
	require.True(t, ok)
	assert.Equal(t, int64(200), ts)
}

func TestApplyIndexEvent_MoveSetsDestAndDropsSrc(t *testing.T) {
	idx := newTestIndex(t)
	applyIndexEvent(idx, event.FileEvent{Kind: event.Create, SrcPath: "old.txt"}, 100)

	applyIndexEvent(idx, event.FileEvent{Kind: event.Move, SrcPath: "old.txt", DestPath: "new.txt"}, 150)

	_, ok := idx.Get("old.txt")
	assert.False(t, ok)
	ts, ok := idx.Get("new.txt")
	require.True(t, ok)
	assert.Equal(t, int64(150), ts)
}

func TestApplyIndexEvent_DeleteDropsPath(t *testing.T) {
	idx := newTestIndex(t)
	applyIndexEvent(idx, event.FileEvent{Kind: event.Create, SrcPath: "a.txt"}, 100)

	applyIndexEvent(idx, event.FileEvent{Kind: event.Delete, SrcPath: "a.txt"}, 200)

	_, ok := idx.Get("a.txt")
	assert.False(t, ok)
}

func TestPendingSyncTracker_AppliesOnlyOnSuccess(t *testing.T) {
	idx := newTestIndex(t)
	projects := map[string]*watchedProject{"proj": {idx: idx}}
	tracker := newPendingSyncTracker(projects)

	events := []event.FileEvent{{Kind: event.Create, SrcPath: "a.txt"}}
	tracker.track("rid1", "proj", events)

	tracker.onFinished("proj", "rid1", false)
	_, ok := idx.Get("a.txt")
	assert.False(t, ok, "a failed batch must never write its index entries")

	tracker.track("rid2", "proj", events)
	tracker.onFinished("proj", "rid2", true)
	_, ok = idx.Get("a.txt")
	assert.True(t, ok, "a successful batch must apply its index entries")
}

func TestPendingSyncTracker_UnknownRIDIsIgnored(t *testing.T) {
	idx := newTestIndex(t)
	projects := map[string]*watchedProject{"proj": {idx: idx}}
	tracker := newPendingSyncTracker(projects)

	assert.NotPanics(t, func() { tracker.onFinished("proj", "never-tracked", true) })
}

func TestPendingSyncTracker_ConsumesEntryOnce(t *testing.T) {
	idx := newTestIndex(t)
	projects := map[string]*watchedProject{"proj": {idx: idx}}
	tracker := newPendingSyncTracker(projects)

	tracker.track("rid1", "proj", []event.FileEvent{{Kind: event.Create, SrcPath: "a.txt"}})
	tracker.onFinished("proj", "rid1", true)

	tracker.mu.Lock()
	_, stillPending := tracker.pending["rid1"]
	tracker.mu.Unlock()
	assert.False(t, stillPending, "a finished RID must not be replayable")
}
