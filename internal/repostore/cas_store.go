package repostore

import (
	"fmt"

	"github.com/javanhut/vbranch/internal/cas"
	"github.com/javanhut/vbranch/internal/objects"
)

// RefStore persists named references such as HEAD.
type RefStore interface {
	GetRef(name string) (string, error)
	SetRef(name, value string) error
}

// HeadRef is the reference the native store treats as the target commit.
const HeadRef = "HEAD"

// CASStore is the native store: framed objects kept in a CAS.
type CASStore struct {
	CAS  cas.CAS
	Refs RefStore
}

// NewCASStore creates a store over c, keeping HEAD in refs.
func NewCASStore(c cas.CAS, refs RefStore) *CASStore {
	return &CASStore{CAS: c, Refs: refs}
}

func parseID(id ObjectID) (cas.Hash, error) {
	return cas.ParseHash(string(id))
}

// ReadBlob implements Store.
func (s *CASStore) ReadBlob(id ObjectID) ([]byte, error) {
	h, err := parseID(id)
	if err != nil {
		return nil, err
	}
	return objects.Get(s.CAS, h, objects.KindBlob)
}

// WriteBlob implements Store.
func (s *CASStore) WriteBlob(data []byte) (ObjectID, error) {
	h, err := objects.Put(s.CAS, objects.KindBlob, data)
	if err != nil {
		return "", err
	}
	return ObjectID(h.String()), nil
}

// ReadTree implements Store.
func (s *CASStore) ReadTree(id ObjectID) (*Tree, error) {
	if id.IsZero() {
		return EmptyTree(), nil
	}
	h, err := parseID(id)
	if err != nil {
		return nil, err
	}
	payload, err := objects.Get(s.CAS, h, objects.KindTree)
	if err != nil {
		return nil, err
	}
	entries, err := objects.DecodeTree(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode tree %s: %w", id.Short(), err)
	}

	tree := &Tree{ID: id, Entries: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		tree.Entries[e.Path] = Entry{Mode: e.Mode, ID: ObjectID(e.Hash.String())}
	}
	return tree, nil
}

// WriteTree implements Store.
func (s *CASStore) WriteTree(entries map[string]Entry) (ObjectID, error) {
	list := make([]objects.TreeEntry, 0, len(entries))
	for path, e := range entries {
		h, err := parseID(e.ID)
		if err != nil {
			return "", fmt.Errorf("entry %s: %w", path, err)
		}
		mode := e.Mode
		if mode == 0 {
			mode = objects.ModeRegular
		}
		list = append(list, objects.TreeEntry{Path: path, Mode: mode, Hash: h})
	}
	h, err := objects.Put(s.CAS, objects.KindTree, objects.EncodeTree(list))
	if err != nil {
		return "", err
	}
	return ObjectID(h.String()), nil
}

// WriteCommit implements Store.
func (s *CASStore) WriteCommit(req CommitRequest) (ObjectID, error) {
	tree, err := parseID(req.Tree)
	if err != nil {
		return "", fmt.Errorf("invalid tree id: %w", err)
	}
	c := &objects.Commit{
		Tree:      tree,
		Author:    objects.Signature(req.Author),
		Committer: objects.Signature(req.Author),
		Message:   req.Message,
	}
	for _, p := range req.Parents {
		ph, err := parseID(p)
		if err != nil {
			return "", fmt.Errorf("invalid parent id: %w", err)
		}
		c.Parents = append(c.Parents, ph)
	}

	h, err := objects.Put(s.CAS, objects.KindCommit, objects.EncodeCommit(c))
	if err != nil {
		return "", err
	}
	return ObjectID(h.String()), nil
}

// ReadCommit implements Store.
func (s *CASStore) ReadCommit(id ObjectID) (*Commit, error) {
	h, err := parseID(id)
	if err != nil {
		return nil, err
	}
	payload, err := objects.Get(s.CAS, h, objects.KindCommit)
	if err != nil {
		return nil, err
	}
	c, err := objects.DecodeCommit(payload)
	if err != nil {
		return nil, err
	}

	out := &Commit{
		ID:        id,
		Tree:      ObjectID(c.Tree.String()),
		Author:    Signature(c.Author),
		Committer: Signature(c.Committer),
		Message:   c.Message,
	}
	for _, p := range c.Parents {
		out.Parents = append(out.Parents, ObjectID(p.String()))
	}
	return out, nil
}

// Head implements Store.
func (s *CASStore) Head() (ObjectID, error) {
	value, err := s.Refs.GetRef(HeadRef)
	if err != nil {
		return "", err
	}
	if value == "" {
		return "", ErrNoHead
	}
	return ObjectID(value), nil
}

// SetHead moves HEAD to commit.
func (s *CASStore) SetHead(commit ObjectID) error {
	return s.Refs.SetRef(HeadRef, string(commit))
}
