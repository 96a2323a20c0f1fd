package repostore

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// GitStore reads and writes objects in a Git repository through go-git.
type GitStore struct {
	repo *git.Repository
}

// NewGitStore wraps an open repository.
func NewGitStore(repo *git.Repository) *GitStore {
	return &GitStore{repo: repo}
}

// OpenGitStore opens the repository containing path.
func OpenGitStore(path string) (*GitStore, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open git repository: %w", err)
	}
	return NewGitStore(repo), nil
}

// Repository returns the underlying repository.
func (s *GitStore) Repository() *git.Repository { return s.repo }

// ReadBlob implements Store.
func (s *GitStore) ReadBlob(id ObjectID) ([]byte, error) {
	blob, err := s.repo.BlobObject(plumbing.NewHash(string(id)))
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", id.Short(), err)
	}
	reader, err := blob.Reader()
	if err != nil {
		return nil, fmt.Errorf("failed to open blob %s: %w", id.Short(), err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", id.Short(), err)
	}
	return data, nil
}

// WriteBlob implements Store.
func (s *GitStore) WriteBlob(data []byte) (ObjectID, error) {
	obj := s.repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	obj.SetSize(int64(len(data)))

	writer, err := obj.Writer()
	if err != nil {
		return "", fmt.Errorf("failed to get object writer: %w", err)
	}
	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return "", fmt.Errorf("failed to write blob content: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to close blob writer: %w", err)
	}

	hash, err := s.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return "", fmt.Errorf("failed to store blob: %w", err)
	}
	return ObjectID(hash.String()), nil
}

// ReadTree implements Store.
func (s *GitStore) ReadTree(id ObjectID) (*Tree, error) {
	if id.IsZero() {
		return EmptyTree(), nil
	}
	tree, err := s.repo.TreeObject(plumbing.NewHash(string(id)))
	if err != nil {
		return nil, fmt.Errorf("failed to read tree %s: %w", id.Short(), err)
	}
	out := &Tree{ID: id, Entries: map[string]Entry{}}
	if err := s.flatten(tree, "", out.Entries); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *GitStore) flatten(tree *object.Tree, prefix string, entries map[string]Entry) error {
	for _, entry := range tree.Entries {
		fullPath := entry.Name
		if prefix != "" {
			fullPath = prefix + "/" + entry.Name
		}

		switch entry.Mode {
		case filemode.Dir:
			subtree, err := s.repo.TreeObject(entry.Hash)
			if err != nil {
				return fmt.Errorf("failed to get subtree %s: %w", fullPath, err)
			}
			if err := s.flatten(subtree, fullPath, entries); err != nil {
				return err
			}
		case filemode.Submodule:
			// Submodule commits are not files in this working directory.
		default:
			entries[fullPath] = Entry{Mode: uint32(entry.Mode), ID: ObjectID(entry.Hash.String())}
		}
	}
	return nil
}

type treeNode struct {
	dirs  map[string]*treeNode
	files []object.TreeEntry
}

func newTreeNode() *treeNode {
	return &treeNode{dirs: map[string]*treeNode{}}
}

func (n *treeNode) insert(parts []string, entry object.TreeEntry) {
	if len(parts) == 1 {
		entry.Name = parts[0]
		n.files = append(n.files, entry)
		return
	}
	child := n.dirs[parts[0]]
	if child == nil {
		child = newTreeNode()
		n.dirs[parts[0]] = child
	}
	child.insert(parts[1:], entry)
}

// WriteTree implements Store. Nested tree objects are built bottom up.
func (s *GitStore) WriteTree(entries map[string]Entry) (ObjectID, error) {
	root := newTreeNode()
	for path, e := range entries {
		mode := filemode.FileMode(e.Mode)
		if e.Mode == 0 {
			mode = filemode.Regular
		}
		root.insert(strings.Split(path, "/"), object.TreeEntry{
			Mode: mode,
			Hash: plumbing.NewHash(string(e.ID)),
		})
	}
	hash, err := s.buildTree(root)
	if err != nil {
		return "", err
	}
	return ObjectID(hash.String()), nil
}

func (s *GitStore) buildTree(node *treeNode) (plumbing.Hash, error) {
	treeEntries := append([]object.TreeEntry(nil), node.files...)
	for name, child := range node.dirs {
		hash, err := s.buildTree(child)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		treeEntries = append(treeEntries, object.TreeEntry{Name: name, Mode: filemode.Dir, Hash: hash})
	}
	sortTreeEntries(treeEntries)

	tree := &object.Tree{Entries: treeEntries}
	obj := s.repo.Storer.NewEncodedObject()
	if err := tree.Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to encode tree: %w", err)
	}
	hash, err := s.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to store tree: %w", err)
	}
	return hash, nil
}

// sortTreeEntries sorts entries in Git order: directories compare as if they
// had a trailing slash.
func sortTreeEntries(entries []object.TreeEntry) {
	sort.Slice(entries, func(i, j int) bool {
		nameI, nameJ := entries[i].Name, entries[j].Name
		if entries[i].Mode == filemode.Dir {
			nameI += "/"
		}
		if entries[j].Mode == filemode.Dir {
			nameJ += "/"
		}
		return nameI < nameJ
	})
}

// WriteCommit implements Store.
func (s *GitStore) WriteCommit(req CommitRequest) (ObjectID, error) {
	sig := object.Signature{Name: req.Author.Name, Email: req.Author.Email, When: req.Author.When}
	commit := &object.Commit{
		TreeHash:  plumbing.NewHash(string(req.Tree)),
		Author:    sig,
		Committer: sig,
		Message:   req.Message,
	}
	for _, p := range req.Parents {
		commit.ParentHashes = append(commit.ParentHashes, plumbing.NewHash(string(p)))
	}

	obj := s.repo.Storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return "", fmt.Errorf("failed to encode commit: %w", err)
	}
	hash, err := s.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return "", fmt.Errorf("failed to store commit: %w", err)
	}
	return ObjectID(hash.String()), nil
}

// ReadCommit implements Store.
func (s *GitStore) ReadCommit(id ObjectID) (*Commit, error) {
	c, err := s.repo.CommitObject(plumbing.NewHash(string(id)))
	if err != nil {
		return nil, fmt.Errorf("failed to read commit %s: %w", id.Short(), err)
	}
	out := &Commit{
		ID:        id,
		Tree:      ObjectID(c.TreeHash.String()),
		Author:    Signature{Name: c.Author.Name, Email: c.Author.Email, When: c.Author.When},
		Committer: Signature{Name: c.Committer.Name, Email: c.Committer.Email, When: c.Committer.When},
		Message:   c.Message,
	}
	for _, p := range c.ParentHashes {
		out.Parents = append(out.Parents, ObjectID(p.String()))
	}
	return out, nil
}

// Head implements Store.
func (s *GitStore) Head() (ObjectID, error) {
	ref, err := s.repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return "", ErrNoHead
		}
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	return ObjectID(ref.Hash().String()), nil
}

func (s *GitStore) resolve(rev string) (ObjectID, error) {
	h, err := s.repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return "", err
	}
	return ObjectID(h.String()), nil
}
