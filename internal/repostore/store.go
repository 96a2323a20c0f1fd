// Package repostore adapts repository object stores to the virtual branch
// engine. The engine only reads existing objects and creates new ones; it
// never mutates stored objects.
package repostore

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ObjectID identifies a stored object. Its encoding depends on the backend:
// BLAKE3 hex for the native store, SHA-1 hex for Git.
type ObjectID string

// IsZero reports whether id is empty.
func (id ObjectID) IsZero() bool { return id == "" }

// Short returns an abbreviated id for display.
func (id ObjectID) Short() string {
	if len(id) > 10 {
		return string(id[:10])
	}
	return string(id)
}

// Entry is a file in a flattened tree.
type Entry struct {
	Mode uint32
	ID   ObjectID
}

// Tree is a flattened tree keyed by slash-separated path.
type Tree struct {
	ID      ObjectID
	Entries map[string]Entry
}

// EmptyTree returns a tree with no entries.
func EmptyTree() *Tree {
	return &Tree{Entries: map[string]Entry{}}
}

// Paths returns the tree paths in sorted order.
func (t *Tree) Paths() []string {
	paths := make([]string, 0, len(t.Entries))
	for p := range t.Entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Clone returns a copy of the entry map that can be modified freely.
func (t *Tree) Clone() map[string]Entry {
	out := make(map[string]Entry, len(t.Entries))
	for p, e := range t.Entries {
		out[p] = e
	}
	return out
}

// Signature identifies an author or committer.
type Signature struct {
	Name  string
	Email string
	When  time.Time
}

// Commit is a commit as seen by the engine.
type Commit struct {
	ID        ObjectID
	Tree      ObjectID
	Parents   []ObjectID
	Author    Signature
	Committer Signature
	Message   string
}

// CommitRequest describes a commit to create.
type CommitRequest struct {
	Tree    ObjectID
	Parents []ObjectID
	Author  Signature
	Message string
}

// Store is the repository object store the engine consumes.
type Store interface {
	ReadTree(id ObjectID) (*Tree, error)
	ReadBlob(id ObjectID) ([]byte, error)
	WriteBlob(data []byte) (ObjectID, error)
	WriteTree(entries map[string]Entry) (ObjectID, error)
	WriteCommit(req CommitRequest) (ObjectID, error)
	ReadCommit(id ObjectID) (*Commit, error)
	// Head returns the commit the working directory is based on.
	Head() (ObjectID, error)
}

// ErrNoHead is returned by Head when the repository has no commits yet.
var ErrNoHead = errors.New("repository has no head commit")

// ErrUnknownRevision is returned by Resolve when a revision names no commit.
var ErrUnknownRevision = errors.New("unknown revision")

// Resolve turns a revision into the id of a stored commit. An empty
// revision or HEAD names the store head. Git stores also accept branch and
// tag names and abbreviated hashes.
func Resolve(s Store, rev string) (ObjectID, error) {
	rev = strings.TrimSpace(rev)
	if rev == "" || rev == "HEAD" {
		return s.Head()
	}
	id := ObjectID(rev)
	if gs, ok := s.(*GitStore); ok {
		resolved, err := gs.resolve(rev)
		if err != nil {
			return "", fmt.Errorf("%s: %w", rev, ErrUnknownRevision)
		}
		id = resolved
	}
	if _, err := s.ReadCommit(id); err != nil {
		return "", fmt.Errorf("%s: %w", rev, ErrUnknownRevision)
	}
	return id, nil
}

// CommitTree reads the tree of a commit. A zero commit id yields an empty tree.
func CommitTree(s Store, commit ObjectID) (*Tree, error) {
	if commit.IsZero() {
		return EmptyTree(), nil
	}
	c, err := s.ReadCommit(commit)
	if err != nil {
		return nil, fmt.Errorf("failed to read commit %s: %w", commit.Short(), err)
	}
	return s.ReadTree(c.Tree)
}

// TreeReader exposes a tree as a list of readable files.
type TreeReader struct {
	Store Store
	Tree  *Tree
}

// List returns the tree paths.
func (r TreeReader) List() ([]string, error) {
	return r.Tree.Paths(), nil
}

// Read returns a file's content.
func (r TreeReader) Read(path string) ([]byte, error) {
	entry, ok := r.Tree.Entries[path]
	if !ok {
		return nil, fmt.Errorf("%s: not in tree", path)
	}
	return r.Store.ReadBlob(entry.ID)
}

// Has reports whether path is in the tree.
func (r TreeReader) Has(path string) bool {
	_, ok := r.Tree.Entries[path]
	return ok
}
