package repostore

import (
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javanhut/vbranch/internal/cas"
)

type mapRefs map[string]string

func (m mapRefs) GetRef(name string) (string, error) { return m[name], nil }
func (m mapRefs) SetRef(name, value string) error    { m[name] = value; return nil }

func stores(t *testing.T) map[string]Store {
	t.Helper()
	repo, err := git.Init(memory.NewStorage(), nil)
	require.NoError(t, err)
	return map[string]Store{
		"native": NewCASStore(cas.NewMemoryCAS(), mapRefs{}),
		"git":    NewGitStore(repo),
	}
}

func TestStoreRoundTrip(t *testing.T) {
	for name, s := range stores(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			_, err := s.Head()
			assert.ErrorIs(t, err, ErrNoHead)

			readme, err := s.WriteBlob([]byte("# readme\n"))
			require.NoError(t, err)
			script, err := s.WriteBlob([]byte("#!/bin/sh\necho hi\n"))
			require.NoError(t, err)

			treeID, err := s.WriteTree(map[string]Entry{
				"README.md":      {Mode: 0100644, ID: readme},
				"bin/run.sh":     {Mode: 0100755, ID: script},
				"docs/a/deep.md": {ID: readme},
			})
			require.NoError(t, err)

			tree, err := s.ReadTree(treeID)
			require.NoError(t, err)
			assert.Equal(t, []string{"README.md", "bin/run.sh", "docs/a/deep.md"}, tree.Paths())
			assert.Equal(t, uint32(0100755), tree.Entries["bin/run.sh"].Mode)
			assert.Equal(t, uint32(0100644), tree.Entries["docs/a/deep.md"].Mode)

			content, err := TreeReader{Store: s, Tree: tree}.Read("bin/run.sh")
			require.NoError(t, err)
			assert.Equal(t, "#!/bin/sh\necho hi\n", string(content))

			when := time.Unix(1700000000, 0).UTC()
			commitID, err := s.WriteCommit(CommitRequest{
				Tree:    treeID,
				Message: "initial\n",
				Author:  Signature{Name: "Ada", Email: "ada@example.com", When: when},
			})
			require.NoError(t, err)

			child, err := s.WriteCommit(CommitRequest{
				Tree:    treeID,
				Parents: []ObjectID{commitID},
				Message: "second\n",
				Author:  Signature{Name: "Ada", Email: "ada@example.com", When: when},
			})
			require.NoError(t, err)

			c, err := s.ReadCommit(child)
			require.NoError(t, err)
			assert.Equal(t, treeID, c.Tree)
			assert.Equal(t, []ObjectID{commitID}, c.Parents)
			assert.Equal(t, "second\n", c.Message)
			assert.Equal(t, "Ada", c.Author.Name)
			assert.True(t, c.Author.When.Equal(when))

			viaCommit, err := CommitTree(s, child)
			require.NoError(t, err)
			assert.Equal(t, tree.Entries, viaCommit.Entries)
		})
	}
}

func TestEmptyTree(t *testing.T) {
	for name, s := range stores(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			tree, err := s.ReadTree("")
			require.NoError(t, err)
			assert.Empty(t, tree.Entries)

			id, err := s.WriteTree(map[string]Entry{})
			require.NoError(t, err)
			written, err := s.ReadTree(id)
			require.NoError(t, err)
			assert.Empty(t, written.Entries)
		})
	}
}

func TestHead(t *testing.T) {
	native := NewCASStore(cas.NewMemoryCAS(), mapRefs{})
	require.NoError(t, native.SetHead("abc"))
	head, err := native.Head()
	require.NoError(t, err)
	assert.Equal(t, ObjectID("abc"), head)

	repo, err := git.Init(memory.NewStorage(), nil)
	require.NoError(t, err)
	gs := NewGitStore(repo)
	treeID, err := gs.WriteTree(map[string]Entry{})
	require.NoError(t, err)
	commitID, err := gs.WriteCommit(CommitRequest{Tree: treeID, Message: "root\n", Author: Signature{Name: "A", Email: "a@example.com", When: time.Now()}})
	require.NoError(t, err)
	require.NoError(t, repo.Storer.SetReference(plumbing.NewHashReference(plumbing.Master, plumbing.NewHash(string(commitID)))))

	head, err = gs.Head()
	require.NoError(t, err)
	assert.Equal(t, commitID, head)
}

func TestResolve(t *testing.T) {
	for name, s := range stores(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			treeID, err := s.WriteTree(map[string]Entry{})
			require.NoError(t, err)
			commitID, err := s.WriteCommit(CommitRequest{Tree: treeID, Message: "root\n", Author: Signature{Name: "A", Email: "a@example.com", When: time.Now()}})
			require.NoError(t, err)

			got, err := Resolve(s, string(commitID))
			require.NoError(t, err)
			assert.Equal(t, commitID, got)

			_, err = Resolve(s, string(treeID))
			assert.ErrorIs(t, err, ErrUnknownRevision, "a tree is not a commit")
			_, err = Resolve(s, "no-such-revision")
			assert.ErrorIs(t, err, ErrUnknownRevision)
			_, err = Resolve(s, "HEAD")
			assert.ErrorIs(t, err, ErrNoHead)
		})
	}

	repo, err := git.Init(memory.NewStorage(), nil)
	require.NoError(t, err)
	gs := NewGitStore(repo)
	treeID, err := gs.WriteTree(map[string]Entry{})
	require.NoError(t, err)
	commitID, err := gs.WriteCommit(CommitRequest{Tree: treeID, Message: "root\n", Author: Signature{Name: "A", Email: "a@example.com", When: time.Now()}})
	require.NoError(t, err)
	require.NoError(t, repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("topic"), plumbing.NewHash(string(commitID)))))

	got, err := Resolve(gs, "topic")
	require.NoError(t, err)
	assert.Equal(t, commitID, got)
}
