package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingSet_DedupesStructurallyEqualEvents(t *testing.T) {
	p := NewPendingSet()

	e := FileEvent{Project: "proj", Kind: Modify, SrcPath: "a.txt"}
	p.Add(e)
	p.Add(e)

	drained := p.Drain()
	require.Len(t, drained, 1)
	assert.Len(t, drained["proj"], 1)
}

func TestPendingSet_PreservesInsertionOrder(t *testing.T) {
	p := NewPendingSet()

	events := []FileEvent{
		{Project: "proj", Kind: Create, SrcPath: "a.txt"},
		{Project: "proj", Kind: Modify, SrcPath: "b.txt"},
		{Project: "proj", Kind: Delete, SrcPath: "c.txt"},
	}
	for _, e := range events {
		p.Add(e)
	}

	drained := p.Drain()
	assert.Equal(t, events, drained["proj"])
}

func TestPendingSet_DrainIsAtomicAndClears(t *testing.T) {
	p := NewPendingSet()
	p.Add(FileEvent{Project: "proj", Kind: Create, SrcPath: "a.txt"})

	first := p.Drain()
	require.Len(t, first["proj"], 1)

	second := p.Drain()
	assert.Nil(t, second)
}

func TestPendingSet_EmptyDrainEmitsNothing(t *testing.T) {
	p := NewPendingSet()
	assert.Nil(t, p.Drain())
}

func TestPendingSet_SeparatesProjects(t *testing.T) {
	p := NewPendingSet()
	p.Add(FileEvent{Project: "p1", Kind: Create, SrcPath: "a.txt"})
	p.Add(FileEvent{Project: "p2", Kind: Create, SrcPath: "b.txt"})

	drained := p.Drain()
	require.Len(t, drained, 2)
	assert.Len(t, drained["p1"], 1)
	assert.Len(t, drained["p2"], 1)
}

func TestPendingSet_DrainProjectLeavesOthersIntact(t *testing.T) {
	p := NewPendingSet()
	p.Add(FileEvent{Project: "p1", Kind: Create, SrcPath: "a.txt"})
	p.Add(FileEvent{Project: "p2", Kind: Create, SrcPath: "b.txt"})

	got := p.DrainProject("p1")
	assert.Len(t, got, 1)

	rest := p.Drain()
	require.Len(t, rest, 1)
	assert.Len(t, rest["p2"], 1)
}

func TestKind_String(t *testing.T) {
	cases := map[Kind]string{
		Create:   "CREATE",
		Modify:   "MODIFY",
		Move:     "MOVE",
		Delete:   "DELETE",
		Kind(99): "UNKNOWN",
	}
	for k, want := range cases {
		assert.Equal(t, want, k.String())
	}
}
