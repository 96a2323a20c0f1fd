package commit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/javanhut/vbranch/internal/cas"
	"github.com/javanhut/vbranch/internal/diffmerge"
	"github.com/javanhut/vbranch/internal/repostore"
	"github.com/javanhut/vbranch/internal/vberr"
	"github.com/javanhut/vbranch/internal/vbranch"
)

type mapRefs map[string]string

func (m mapRefs) GetRef(name string) (string, error) { return m[name], nil }
func (m mapRefs) SetRef(name, value string) error    { m[name] = value; return nil }

var author = repostore.Signature{Name: "Test User", Email: "test@example.com"}

// fixture creates a store holding one base commit with files.
func fixture(t *testing.T, files map[string]string) (*repostore.CASStore, repostore.ObjectID) {
	t.Helper()
	store := repostore.NewCASStore(cas.NewMemoryCAS(), mapRefs{})
	entries := map[string]repostore.Entry{}
	for path, content := range files {
		id, err := store.WriteBlob([]byte(content))
		require.NoError(t, err)
		entries[path] = repostore.Entry{ID: id}
	}
	tree, err := store.WriteTree(entries)
	require.NoError(t, err)
	base, err := store.WriteCommit(repostore.CommitRequest{Tree: tree, Author: author, Message: "base"})
	require.NoError(t, err)
	return store, base
}

func newBuilder(t *testing.T, store repostore.Store) *Builder {
	b := NewBuilder(store, zaptest.NewLogger(t))
	b.Now = func() time.Time { return time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC) }
	return b
}

func treeDiff(t *testing.T, store repostore.Store, from, to repostore.ObjectID) []diffmerge.Hunk {
	t.Helper()
	a, err := repostore.CommitTree(store, from)
	require.NoError(t, err)
	b, err := repostore.CommitTree(store, to)
	require.NoError(t, err)
	res, err := diffmerge.Compute(context.Background(),
		repostore.TreeReader{Store: store, Tree: a},
		repostore.TreeReader{Store: store, Tree: b},
		diffmerge.DefaultOptions())
	require.NoError(t, err)
	return res.Hunks
}

const mainGo = "package main\n\nfunc main() {\n\tprintln(\"hello\")\n}\n"

func TestCommitFidelity(t *testing.T) {
	store, base := fixture(t, map[string]string{
		"src/main.go": mainGo,
		"README.md":   "# Test Repository\n",
		"old.txt":     "remove me\n",
	})

	var hunks []diffmerge.Hunk
	hunks = append(hunks, diffmerge.DiffFile("src/main.go", []byte(mainGo), true,
		[]byte("package main\n\nfunc main() {\n\tprintln(\"hello, world\")\n}\n"), true, diffmerge.DefaultOptions())...)
	hunks = append(hunks, diffmerge.DiffFile("docs/guide.md", nil, false, []byte("# Guide\n"), true, diffmerge.DefaultOptions())...)
	hunks = append(hunks, diffmerge.DiffFile("old.txt", []byte("remove me\n"), true, nil, false, diffmerge.DefaultOptions())...)

	state := vbranch.NewState(base)
	branch := &vbranch.Branch{ID: "b1", Name: "feature", Base: base, Applied: true}
	state.Branches[branch.ID] = branch

	res, err := newBuilder(t, store).Commit(state, branch, hunks, "add guide", author, Options{})
	require.NoError(t, err)
	assert.Equal(t, res.Commit, branch.Head)
	assert.Equal(t, base, res.Parent)

	diffmerge.SortHunks(hunks)
	assert.Equal(t, hunks, treeDiff(t, store, base, branch.Head))

	c, err := store.ReadCommit(branch.Head)
	require.NoError(t, err)
	assert.Equal(t, "add guide", c.Message)
	assert.Equal(t, "Test User", c.Author.Name)
}

func TestEmptyCommitRequiresForce(t *testing.T) {
	store, base := fixture(t, map[string]string{"a.txt": "one\n"})
	hunks := diffmerge.DiffFile("a.txt", []byte("one\n"), true, []byte("two\n"), true, diffmerge.DefaultOptions())

	state := vbranch.NewState(base)
	branch := &vbranch.Branch{ID: "b1", Name: "feature", Base: base, Applied: true}
	state.Branches[branch.ID] = branch
	builder := newBuilder(t, store)

	first, err := builder.Commit(state, branch, hunks, "first", author, Options{})
	require.NoError(t, err)

	_, err = builder.Commit(state, branch, hunks, "again", author, Options{})
	var empty *vberr.EmptyCommitError
	require.ErrorAs(t, err, &empty)
	assert.True(t, vberr.IsWarning(err))
	assert.Equal(t, first.Commit, branch.Head, "a refused commit leaves the head alone")

	forced, err := builder.Commit(state, branch, hunks, "forced", author, Options{Force: true})
	require.NoError(t, err)
	assert.True(t, forced.Empty)
	assert.Equal(t, first.Tree, forced.Tree)
	assert.Equal(t, first.Commit, forced.Parent)
}

func TestPrepareWritesTreeBeforeFinish(t *testing.T) {
	store, base := fixture(t, map[string]string{"a.txt": "one\n"})
	hunks := diffmerge.DiffFile("a.txt", []byte("one\n"), true, []byte("two\n"), true, diffmerge.DefaultOptions())
	state := vbranch.NewState(base)
	branch := &vbranch.Branch{ID: "b1", Name: "feature", Base: base, Applied: true}
	state.Branches[branch.ID] = branch
	builder := newBuilder(t, store)

	draft, err := builder.Prepare(state, branch, hunks, Options{})
	require.NoError(t, err)
	assert.True(t, branch.Head.IsZero(), "prepare leaves the branch alone")
	assert.Equal(t, []repostore.ObjectID{base}, draft.Parents)
	tree, err := store.ReadTree(draft.Tree)
	require.NoError(t, err)
	got, err := repostore.TreeReader{Store: store, Tree: tree}.Read("a.txt")
	require.NoError(t, err)
	assert.Equal(t, "two\n", string(got))

	// Another commit lands first: the draft no longer fits the branch.
	other, err := builder.Prepare(state, branch, hunks, Options{})
	require.NoError(t, err)
	first, err := builder.Finish(other, branch, "first", author)
	require.NoError(t, err)
	_, err = builder.Finish(draft, branch, "late", author)
	require.ErrorIs(t, err, vberr.ErrStale)
	assert.Equal(t, first.Commit, branch.Head)
}

func TestEmptyBranchWithoutCommits(t *testing.T) {
	store, base := fixture(t, map[string]string{"a.txt": "one\n"})
	state := vbranch.NewState(base)
	branch := &vbranch.Branch{ID: "b1", Name: "idle", Base: base, Applied: true}
	state.Branches[branch.ID] = branch

	_, err := newBuilder(t, store).Commit(state, branch, nil, "nothing", author, Options{})
	assert.True(t, vberr.IsWarning(err))
}

func TestAmendKeepsAncestors(t *testing.T) {
	store, base := fixture(t, map[string]string{"a.txt": "one\n"})
	state := vbranch.NewState(base)
	branch := &vbranch.Branch{ID: "b1", Name: "feature", Base: base, Applied: true}
	state.Branches[branch.ID] = branch
	builder := newBuilder(t, store)

	_, err := builder.Commit(state, branch, nil, "amend nothing", author, Options{Amend: true})
	require.ErrorIs(t, err, ErrNothingToAmend)

	v1 := diffmerge.DiffFile("a.txt", []byte("one\n"), true, []byte("two\n"), true, diffmerge.DefaultOptions())
	first, err := builder.Commit(state, branch, v1, "v1", author, Options{})
	require.NoError(t, err)

	v2 := diffmerge.DiffFile("a.txt", []byte("one\n"), true, []byte("two\nthree\n"), true, diffmerge.DefaultOptions())
	amended, err := builder.Commit(state, branch, v2, "v1 amended", author, Options{Amend: true})
	require.NoError(t, err)
	assert.NotEqual(t, first.Commit, amended.Commit)
	assert.Equal(t, base, amended.Parent)

	history, err := History(store, branch.Head, base, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "v1 amended", history[0].Message)
}

func TestConflictedBranchCannotCommit(t *testing.T) {
	store, base := fixture(t, map[string]string{"a.txt": "one\n"})
	state := vbranch.NewState(base)
	branch := &vbranch.Branch{ID: "b1", Name: "feature", Base: base, Applied: true}
	branch.SetRefs("a.txt", []vbranch.HunkRef{{Range: diffmerge.Range{Start: 1, End: 1}, Status: diffmerge.StatusConflicted}})
	state.Branches[branch.ID] = branch

	_, err := newBuilder(t, store).Commit(state, branch, nil, "blocked", author, Options{Force: true})
	require.Error(t, err)
	assert.True(t, vberr.IsConflict(err))
	assert.True(t, branch.Head.IsZero())
}

func TestBuildTreeRename(t *testing.T) {
	content := "a\nb\nc\nd\ne\nf\n"
	store, base := fixture(t, map[string]string{"old.txt": content})
	res, err := diffmerge.Compute(context.Background(),
		mapSource{"old.txt": content},
		mapSource{"new.txt": "a\nb\nc\nd\ne\nF\n"},
		diffmerge.DefaultOptions())
	require.NoError(t, err)
	require.Len(t, res.Hunks, 1)
	require.Equal(t, diffmerge.Renamed, res.Hunks[0].Change)

	baseTree, err := repostore.CommitTree(store, base)
	require.NoError(t, err)
	treeID, err := BuildTree(store, baseTree, res.Hunks)
	require.NoError(t, err)

	tree, err := store.ReadTree(treeID)
	require.NoError(t, err)
	assert.Equal(t, []string{"new.txt"}, tree.Paths())
	got, err := repostore.TreeReader{Store: store, Tree: tree}.Read("new.txt")
	require.NoError(t, err)
	assert.Equal(t, "a\nb\nc\nd\ne\nF\n", string(got))
}

type mapSource map[string]string

func (m mapSource) List() ([]string, error) {
	var out []string
	for p := range m {
		out = append(out, p)
	}
	return out, nil
}

func (m mapSource) Read(path string) ([]byte, error) { return []byte(m[path]), nil }
