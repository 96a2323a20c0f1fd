package diffmerge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mapSource is an in-memory Source.
type mapSource struct {
	files  map[string]string
	broken map[string]bool
}

func (m mapSource) List() ([]string, error) {
	paths := make([]string, 0, len(m.files))
	for p := range m.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}

func (m mapSource) Read(path string) ([]byte, error) {
	if m.broken[path] {
		return nil, errors.New("permission denied")
	}
	content, ok := m.files[path]
	if !ok {
		return nil, fmt.Errorf("%s: no such file", path)
	}
	return []byte(content), nil
}

func numbered(n int) string {
	var b strings.Builder
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}
	return b.String()
}

func replaceLines(content string, from, to int, with ...string) string {
	lines := splitLines(content)
	out := append([]string(nil), lines[:from-1]...)
	for _, w := range with {
		out = append(out, w+"\n")
	}
	out = append(out, lines[to:]...)
	return strings.Join(out, "")
}

func TestDiffFileZeroContextHunks(t *testing.T) {
	base := numbered(20)
	cur := replaceLines(base, 3, 4, "three", "four")
	cur = replaceLines(cur, 10, 10, "ten", "ten and a half")

	hunks := DiffFile("a.txt", []byte(base), true, []byte(cur), true, DefaultOptions())
	require.Len(t, hunks, 2)

	assert.Equal(t, Range{Start: 3, End: 4}, hunks[0].Range())
	assert.Equal(t, []string{"line 3\n", "line 4\n"}, hunks[0].Removed)
	assert.Equal(t, []string{"three\n", "four\n"}, hunks[0].Added)
	assert.Equal(t, "a.txt:10-11", hunks[1].ID())
	assert.Equal(t, Modified, hunks[1].Change)
	assert.Equal(t, StatusClean, hunks[1].Status)
}

func TestDiffFilePureDeletionIsPoint(t *testing.T) {
	base := numbered(10)
	cur := replaceLines(base, 4, 6)

	hunks := DiffFile("a.txt", []byte(base), true, []byte(cur), true, DefaultOptions())
	require.Len(t, hunks, 1)
	assert.Equal(t, 0, hunks[0].NewLines)
	assert.Equal(t, Range{Start: 4, End: 4}, hunks[0].Range())
}

func TestHashIsPositionIndependent(t *testing.T) {
	base := numbered(30)
	a := DiffFile("a.txt", []byte(base), true, []byte(replaceLines(base, 2, 1, "moved")), true, DefaultOptions())
	b := DiffFile("b.txt", []byte(base), true, []byte(replaceLines(base, 20, 19, "moved")), true, DefaultOptions())
	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.Equal(t, a[0].Hash, b[0].Hash)
	assert.NotEqual(t, a[0].ID(), b[0].ID())
}

func TestBinaryAndLargeAreOpaque(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxFileSize = 64

	bin := DiffFile("img.png", []byte("\x89PNG\x00\x01"), true, []byte("\x89PNG\x00\x02"), true, opts)
	require.Len(t, bin, 1)
	assert.Equal(t, Binary, bin[0].Kind)
	assert.True(t, bin[0].Opaque())

	large := DiffFile("big.txt", []byte(numbered(3)), true, []byte(numbered(30)), true, opts)
	require.Len(t, large, 1)
	assert.Equal(t, Large, large[0].Kind)
	assert.Equal(t, []byte(numbered(30)), large[0].NewData)
}

func TestComputeOrdersAndReportsUnreadable(t *testing.T) {
	base := mapSource{files: map[string]string{
		"b.txt": numbered(5),
		"a.txt": numbered(5),
		"c.txt": numbered(5),
	}}
	work := mapSource{
		files: map[string]string{
			"b.txt": replaceLines(numbered(5), 2, 2, "two"),
			"a.txt": replaceLines(numbered(5), 4, 5, "four"),
			"c.txt": "garbage\n",
		},
		broken: map[string]bool{"c.txt": true},
	}

	res, err := Compute(context.Background(), base, work, DefaultOptions())
	require.NoError(t, err)
	require.Len(t, res.Hunks, 2)
	assert.Equal(t, "a.txt", res.Hunks[0].Path)
	assert.Equal(t, "b.txt", res.Hunks[1].Path)

	require.Len(t, res.Errors, 1)
	assert.Equal(t, "c.txt", res.Errors[0].Path)
	assert.Contains(t, res.Digests, "c.txt")
	assert.True(t, res.Digests["c.txt"].IsZero())
}

func TestComputeIsDeterministic(t *testing.T) {
	base := mapSource{files: map[string]string{}}
	work := mapSource{files: map[string]string{}}
	for i := 0; i < 40; i++ {
		p := fmt.Sprintf("dir/f%02d.txt", i)
		base.files[p] = numbered(50)
		work.files[p] = replaceLines(numbered(50), i+1, i+1, "changed")
	}

	first, err := Compute(context.Background(), base, work, Options{Workers: 4})
	require.NoError(t, err)
	second, err := Compute(context.Background(), base, work, Options{Workers: 1})
	require.NoError(t, err)
	assert.Equal(t, first.Hunks, second.Hunks)
	assert.Equal(t, first.Snapshot(), second.Snapshot())
}

func TestComputeHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := mapSource{files: map[string]string{"a": "x\n"}}
	_, err := Compute(ctx, mapSource{files: map[string]string{}}, src, DefaultOptions())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestComputeDetectsRenames(t *testing.T) {
	content := numbered(20)
	base := mapSource{files: map[string]string{"old/name.txt": content}}
	work := mapSource{files: map[string]string{"new/name.txt": replaceLines(content, 5, 5, "edited")}}

	res, err := Compute(context.Background(), base, work, DefaultOptions())
	require.NoError(t, err)
	require.Len(t, res.Hunks, 1)
	h := res.Hunks[0]
	assert.Equal(t, Renamed, h.Change)
	assert.Equal(t, "old/name.txt", h.OldPath)
	assert.Equal(t, "new/name.txt", h.Path)

	disabled := DefaultOptions()
	disabled.RenameThreshold = 0
	res, err = Compute(context.Background(), base, work, disabled)
	require.NoError(t, err)
	assert.Len(t, res.Hunks, 2)
}

func TestComposeAndReverseRoundTrip(t *testing.T) {
	base := numbered(20)
	cur := replaceLines(base, 3, 4, "x")
	cur = replaceLines(cur, 12, 11, "inserted")
	hunks := DiffFile("f", []byte(base), true, []byte(cur), true, DefaultOptions())
	require.Len(t, hunks, 2)

	lines, starts, err := Compose(Lines([]byte(base)), hunks)
	require.NoError(t, err)
	assert.Equal(t, cur, string(Join(lines)))
	assert.Equal(t, []int{hunks[0].NewStart, hunks[1].NewStart}, starts)

	// Reverse in descending order restores the base.
	out := Lines([]byte(cur))
	for i := len(hunks) - 1; i >= 0; i-- {
		out, _, err = Reverse(out, hunks[i])
		require.NoError(t, err)
	}
	assert.Equal(t, base, string(Join(out)))
}

func TestReverseFindsShiftedHunk(t *testing.T) {
	base := numbered(20)
	cur := replaceLines(base, 10, 10, "mine")
	h := DiffFile("f", []byte(base), true, []byte(cur), true, DefaultOptions())[0]

	shifted := "header 1\nheader 2\n" + cur
	out, at, err := Reverse(Lines([]byte(shifted)), h)
	require.NoError(t, err)
	assert.Equal(t, h.NewStart+2, at)
	assert.Equal(t, "header 1\nheader 2\n"+base, string(Join(out)))

	_, _, err = Reverse(Lines([]byte(base)), h)
	assert.ErrorIs(t, err, ErrMismatch)
}

func TestComposeRejectsOverlap(t *testing.T) {
	base := numbered(10)
	a := DiffFile("f", []byte(base), true, []byte(replaceLines(base, 3, 5, "a")), true, DefaultOptions())[0]
	b := DiffFile("f", []byte(base), true, []byte(replaceLines(base, 5, 6, "b")), true, DefaultOptions())[0]
	require.True(t, Conflicts(a, b))

	_, _, err := Compose(Lines([]byte(base)), []Hunk{a, b})
	assert.ErrorIs(t, err, ErrOverlap)

	c := DiffFile("f", []byte(base), true, []byte(replaceLines(base, 8, 8, "c")), true, DefaultOptions())[0]
	assert.False(t, Conflicts(a, c))
}

func TestSplitPreservesContent(t *testing.T) {
	base := numbered(30)
	cur := replaceLines(base, 10, 20, "n10", "n11", "n12", "n13", "n14", "n15", "n16", "n17", "n18", "n19", "n20")
	h := DiffFile("file.txt", []byte(base), true, []byte(cur), true, DefaultOptions())[0]
	require.Equal(t, Range{Start: 10, End: 20}, h.Range())

	segs := Split(h, []int{11, 14})
	require.Len(t, segs, 3)
	assert.Equal(t, Range{Start: 10, End: 11}, segs[0].Range())
	assert.Equal(t, Range{Start: 12, End: 14}, segs[1].Range())
	assert.Equal(t, Range{Start: 15, End: 20}, segs[2].Range())

	lines, _, err := Compose(Lines([]byte(base)), segs)
	require.NoError(t, err)
	assert.Equal(t, cur, string(Join(lines)))
}

func TestApplyFileCreatesAndRemoves(t *testing.T) {
	added := DiffFile("n.txt", nil, false, []byte("hello\n"), true, DefaultOptions())
	content, exists, _, err := ApplyFile(nil, false, added)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, "hello\n", string(content))

	removed := DiffFile("n.txt", []byte("hello\n"), true, nil, false, DefaultOptions())
	_, exists, _, err = ApplyFile([]byte("hello\n"), true, removed)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestParseID(t *testing.T) {
	path, r, err := ParseID("dir/a:b.txt:3-7")
	require.NoError(t, err)
	assert.Equal(t, "dir/a:b.txt", path)
	assert.Equal(t, Range{Start: 3, End: 7}, r)

	_, _, err = ParseID("nope")
	assert.Error(t, err)
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("a\nb\n", "a\nb\n"))
	assert.InDelta(t, 0.75, Similarity("a\nb\nc\nd\n", "a\nb\nc\nx\n"), 0.001)
	assert.Equal(t, 0.0, Similarity("a\n", "b\n"))
}

func TestEditOffsets(t *testing.T) {
	prev := Lines([]byte("a\nb\nc\nd\ne\nf\n"))
	cur := Lines([]byte("a\nb\nX\nY\ne\nf\n"))
	assert.Equal(t, []int{2, 4}, EditOffsets(prev, cur))

	// A trimmed tail is not an edit inside cur.
	assert.Empty(t, EditOffsets(prev, prev[:3]))
}
