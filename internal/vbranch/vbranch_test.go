package vbranch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javanhut/vbranch/internal/diffmerge"
	"github.com/javanhut/vbranch/internal/vberr"
)

func ref(start, end int, status diffmerge.Status) HunkRef {
	return HunkRef{Range: diffmerge.Range{Start: start, End: end}, Status: status}
}

func sampleState() *State {
	s := NewState("base")
	s.Branches["a1b2c3d4"] = &Branch{ID: "a1b2c3d4", Name: "feature", Applied: true, Order: 0}
	s.Branches["e5f6a7b8"] = &Branch{ID: "e5f6a7b8", Name: "bugfix", Applied: true, Order: 1}
	s.Branches["c9d0e1f2"] = &Branch{ID: "c9d0e1f2", Name: "parked", Order: 2}
	return s
}

func TestLookup(t *testing.T) {
	s := sampleState()

	b, err := s.Lookup("bugfix")
	require.NoError(t, err)
	assert.Equal(t, BranchID("e5f6a7b8"), b.ID)

	b, err = s.Lookup("a1b2")
	require.NoError(t, err)
	assert.Equal(t, "feature", b.Name)

	_, err = s.Lookup("missing")
	assert.ErrorIs(t, err, vberr.ErrBranchNotFound)
}

func TestOrderedAndApplied(t *testing.T) {
	s := sampleState()
	names := []string{}
	for _, b := range s.Applied() {
		names = append(names, b.Name)
	}
	assert.Equal(t, []string{"feature", "bugfix"}, names)
	assert.Equal(t, 3, s.NextOrder())
	assert.True(t, s.NameTaken("parked", ""))
	assert.False(t, s.NameTaken("parked", "c9d0e1f2"))
}

func TestSetRefsKeepsClaimsSorted(t *testing.T) {
	b := &Branch{ID: "x"}
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	later := ref(1, 2, diffmerge.StatusClean)
	later.UpdatedAt = now

	b.SetRefs("z.txt", []HunkRef{ref(9, 9, diffmerge.StatusClean)})
	b.SetRefs("a.txt", []HunkRef{ref(5, 6, diffmerge.StatusClean), later})
	assert.Equal(t, []string{"a.txt", "z.txt"}, b.Paths())

	claim := b.Claim("a.txt")
	require.NotNil(t, claim)
	assert.Equal(t, 1, claim.Hunks[0].Range.Start)
	assert.Equal(t, now, claim.UpdatedAt)

	b.SetRefs("z.txt", nil)
	assert.Equal(t, []string{"a.txt"}, b.Paths())
}

func TestCheckDisjoint(t *testing.T) {
	s := sampleState()
	s.Branches["a1b2c3d4"].SetRefs("f", []HunkRef{ref(5, 10, diffmerge.StatusClean)})
	s.Branches["e5f6a7b8"].SetRefs("f", []HunkRef{ref(8, 10, diffmerge.StatusConflicted), ref(11, 12, diffmerge.StatusClean)})
	// Unapplied branches never participate.
	s.Branches["c9d0e1f2"].SetRefs("f", []HunkRef{ref(1, 20, diffmerge.StatusClean)})
	require.NoError(t, s.CheckDisjoint())

	s.Branches["e5f6a7b8"].SetRefs("f", []HunkRef{ref(9, 12, diffmerge.StatusClean)})
	err := s.CheckDisjoint()
	require.Error(t, err)
	assert.True(t, vberr.IsInvariant(err))
}

func TestBlockedRefs(t *testing.T) {
	s := sampleState()
	feature := s.Branches["a1b2c3d4"]
	feature.SetRefs("f", []HunkRef{ref(1, 3, diffmerge.StatusClean)})
	assert.Empty(t, s.BlockedRefs(feature))

	s.Markers = []ConflictMarker{{Path: "f", Range: diffmerge.Range{Start: 2, End: 8}}}
	blocked := s.BlockedRefs(feature)
	require.Len(t, blocked, 1)
	assert.Equal(t, "f", blocked[0].Path)

	s.Markers = nil
	feature.SetRefs("f", []HunkRef{ref(1, 3, diffmerge.StatusConflicted)})
	assert.Len(t, s.BlockedRefs(feature), 1)
	assert.True(t, feature.HasConflicts())
}

func TestCloneIsDeep(t *testing.T) {
	s := sampleState()
	s.Branches["a1b2c3d4"].SetRefs("f", []HunkRef{ref(1, 1, diffmerge.StatusClean)})
	c := s.Clone()
	c.Branches["a1b2c3d4"].Claims[0].Hunks[0].Status = diffmerge.StatusConflicted
	c.Branches["a1b2c3d4"].Name = "renamed"

	assert.Equal(t, diffmerge.StatusClean, s.Branches["a1b2c3d4"].Claims[0].Hunks[0].Status)
	assert.Equal(t, "feature", s.Branches["a1b2c3d4"].Name)
}

func TestRecordRoundTripAndVersion(t *testing.T) {
	s := sampleState()
	s.Branches["a1b2c3d4"].SetRefs("f", []HunkRef{ref(2, 4, diffmerge.StatusClean)})
	data, err := EncodeRecord(s)
	require.NoError(t, err)

	got, err := DecodeRecord(data)
	require.NoError(t, err)
	assert.Equal(t, s.Branches["a1b2c3d4"].Claims, got.Branches["a1b2c3d4"].Claims)

	_, err = DecodeRecord([]byte(`{"version":99,"state":{}}`))
	assert.ErrorContains(t, err, "unsupported state record version")
}
