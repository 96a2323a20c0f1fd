package oplog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javanhut/vbranch/internal/store"
	"github.com/javanhut/vbranch/internal/vberr"
	"github.com/javanhut/vbranch/internal/vbranch"
)

func newLog(t *testing.T) *Log {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	l := New(db)
	clock := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	l.Now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return l
}

func seqs(entries []Entry) []uint64 {
	out := make([]uint64, len(entries))
	for i, e := range entries {
		out[i] = e.Seq
	}
	return out
}

func TestAppendAssignsSequence(t *testing.T) {
	l := newLog(t)
	first, err := l.Append(Entry{Kind: KindCreate, Branch: "b1", Summary: "create feature"})
	require.NoError(t, err)
	second, err := l.Append(Entry{Kind: KindApply, Branch: "b1"})
	require.NoError(t, err)

	assert.Equal(t, first.Seq+1, second.Seq)
	assert.True(t, second.At.After(first.At))

	entries, err := l.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "create feature", entries[0].Summary)
	assert.Equal(t, KindApply, entries[1].Kind)
}

func TestUndoRedoStacks(t *testing.T) {
	l := newLog(t)
	_, err := l.UndoCandidate()
	assert.ErrorIs(t, err, vberr.ErrNothingToUndo)

	a, _ := l.Append(Entry{Kind: KindCreate, Branch: "b1"})
	b, _ := l.Append(Entry{Kind: KindApply, Branch: "b1"})

	cand, err := l.UndoCandidate()
	require.NoError(t, err)
	assert.Equal(t, b.Seq, cand.Seq)

	_, err = l.Append(Entry{Kind: KindUndo, Target: b.Seq})
	require.NoError(t, err)
	cand, err = l.UndoCandidate()
	require.NoError(t, err)
	assert.Equal(t, a.Seq, cand.Seq)
	redo, err := l.RedoCandidate()
	require.NoError(t, err)
	assert.Equal(t, b.Seq, redo.Seq)

	_, err = l.Append(Entry{Kind: KindRedo, Target: b.Seq})
	require.NoError(t, err)
	undo, redoStack, err := l.Stacks()
	require.NoError(t, err)
	assert.Equal(t, []uint64{a.Seq, b.Seq}, seqs(undo))
	assert.Empty(t, redoStack)
}

func TestNewOperationClearsRedo(t *testing.T) {
	l := newLog(t)
	a, _ := l.Append(Entry{Kind: KindCreate, Branch: "b1"})
	_, _ = l.Append(Entry{Kind: KindUndo, Target: a.Seq})
	_, err := l.RedoCandidate()
	require.NoError(t, err)

	_, _ = l.Append(Entry{Kind: KindCreate, Branch: "b2"})
	_, err = l.RedoCandidate()
	assert.ErrorIs(t, err, vberr.ErrNothingToRedo)
}

func TestChangedAndRestore(t *testing.T) {
	before := vbranch.NewState("c1")
	before.Branches["b1"] = &vbranch.Branch{ID: "b1", Name: "one"}
	before.Branches["b2"] = &vbranch.Branch{ID: "b2", Name: "two"}

	after := before.Clone()
	after.Branches["b1"].Name = "uno"
	delete(after.Branches, "b2")
	after.Branches["b3"] = &vbranch.Branch{ID: "b3", Name: "three"}

	ids := Changed(before, after)
	assert.ElementsMatch(t, []vbranch.BranchID{"b1", "b2", "b3"}, ids)

	prev, next := Diff(before, after, ids...)
	assert.Nil(t, prev["b3"])
	assert.Nil(t, next["b2"])

	assert.False(t, Holds(after, prev))
	Restore(after, prev)
	assert.True(t, Holds(after, prev))
	assert.Equal(t, "one", after.Branches["b1"].Name)
	assert.Contains(t, after.Branches, vbranch.BranchID("b2"))
	assert.NotContains(t, after.Branches, vbranch.BranchID("b3"))
}
