package conflict

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javanhut/vbranch/internal/diffmerge"
	"github.com/javanhut/vbranch/internal/vbranch"
)

var (
	t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Hour)
)

func contenders() []Contender {
	return []Contender{
		{Branch: "bbb", Name: "B", Order: 1, UpdatedAt: t1},
		{Branch: "aaa", Name: "A", Order: 0, UpdatedAt: t0},
	}
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]Policy{"": PriorityOrder, "priority": PriorityOrder, "Recent": MostRecentWins, "manual": ManualOnly} {
		got, err := ParsePolicy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParsePolicy("coin-flip")
	assert.Error(t, err)
	assert.Equal(t, "recent", MostRecentWins.String())
}

func TestDecide(t *testing.T) {
	tests := []struct {
		policy Policy
		winner vbranch.BranchID
		losers []vbranch.BranchID
	}{
		{PriorityOrder, "aaa", []vbranch.BranchID{"bbb"}},
		{MostRecentWins, "bbb", []vbranch.BranchID{"aaa"}},
		{ManualOnly, "", []vbranch.BranchID{"aaa", "bbb"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.policy.String(), func(t *testing.T) {
			d := Resolver{Policy: tt.policy}.Decide(contenders())
			assert.Equal(t, tt.winner, d.Winner)
			assert.Equal(t, tt.losers, d.Losers)
			assert.Equal(t, tt.winner != "", d.Resolved())
		})
	}
}

func TestRecentTiesFallBackToPriority(t *testing.T) {
	cs := contenders()
	cs[0].UpdatedAt = t0
	d := Resolver{Policy: MostRecentWins}.Decide(cs)
	assert.Equal(t, vbranch.BranchID("aaa"), d.Winner)
}

func TestRenderMarkers(t *testing.T) {
	sides := []vbranch.MarkerSide{
		{Branch: "aaa", Label: "A", Lines: []string{"mine\n"}},
		{Branch: "bbb", Label: "B", Lines: []string{"theirs"}},
	}
	block := RenderMarkers(sides)
	assert.Equal(t, []string{
		"<<<<<<< A\n",
		"mine\n",
		"=======\n",
		"theirs\n",
		">>>>>>> B\n",
	}, block)
	assert.True(t, HasMarkers(block))

	content := append([]string{"before\n"}, block...)
	m := vbranch.ConflictMarker{Path: "f", Range: diffmerge.Range{Start: 2, End: 6}, Sides: sides}
	assert.True(t, BlockIntact(content, m))

	content[3] = "edited by hand\n"
	assert.False(t, BlockIntact(content, m))
}
