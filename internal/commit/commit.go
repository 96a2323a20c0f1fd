// Package commit turns a virtual branch's owned hunks into real commits.
//
// This package provides:
// - Tree construction: base tree plus a set of hunks
// - Commit creation with independent per-branch history and amend
// - History traversal for a branch head
package commit

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/javanhut/vbranch/internal/diffmerge"
	"github.com/javanhut/vbranch/internal/objects"
	"github.com/javanhut/vbranch/internal/repostore"
	"github.com/javanhut/vbranch/internal/vberr"
	"github.com/javanhut/vbranch/internal/vbranch"
)

// ErrNothingToAmend is returned when amending a branch without commits.
var ErrNothingToAmend = errors.New("branch has no commit to amend")

// Options control commit creation.
type Options struct {
	// Amend replaces the branch's latest commit, keeping its parents.
	Amend bool
	// Force creates a commit even when the tree did not change.
	Force bool
}

// Result describes a created commit.
type Result struct {
	Commit repostore.ObjectID
	Tree   repostore.ObjectID
	Parent repostore.ObjectID
	// Empty is set for forced commits whose tree equals the parent's.
	Empty bool
}

// Builder creates commits for virtual branches.
type Builder struct {
	Store  repostore.Store
	Now    func() time.Time
	Logger *zap.Logger
}

// NewBuilder creates a new Builder.
func NewBuilder(store repostore.Store, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{Store: store, Now: time.Now, Logger: logger}
}

// Draft is a commit whose tree is written but which no branch records yet.
type Draft struct {
	Branch  vbranch.BranchID
	Tree    repostore.ObjectID
	Parents []repostore.ObjectID
	Empty   bool
	Amend   bool

	// head and base the draft was built on.
	head  repostore.ObjectID
	base  repostore.ObjectID
	hunks int
}

// Prepare checks that the branch may commit and writes the blobs and tree of
// its clean owned hunks applied to the branch base. The branch is left
// untouched; Finish records the draft.
func (cb *Builder) Prepare(state *vbranch.State, branch *vbranch.Branch, hunks []diffmerge.Hunk, opts Options) (*Draft, error) {
	if blocked := state.BlockedRefs(branch); len(blocked) > 0 {
		return nil, blocked[0]
	}
	for _, h := range hunks {
		if h.Status == diffmerge.StatusConflicted {
			r := h.Range()
			return nil, &vberr.ConflictError{Path: h.Path, Start: r.Start, End: r.End, Branches: []string{branch.Name}, Reason: "hunk is conflicted"}
		}
	}
	if opts.Amend && branch.Head.IsZero() {
		return nil, fmt.Errorf("%s: %w", branch.Name, ErrNothingToAmend)
	}

	base, err := repostore.CommitTree(cb.Store, branch.Base)
	if err != nil {
		return nil, fmt.Errorf("failed to read base tree: %w", err)
	}
	treeID, err := BuildTree(cb.Store, base, hunks)
	if err != nil {
		return nil, err
	}

	parents := []repostore.ObjectID{}
	parentTree := base.ID
	switch {
	case opts.Amend:
		head, err := cb.Store.ReadCommit(branch.Head)
		if err != nil {
			return nil, fmt.Errorf("failed to read head commit: %w", err)
		}
		parents = head.Parents
	case !branch.Head.IsZero():
		head, err := cb.Store.ReadCommit(branch.Head)
		if err != nil {
			return nil, fmt.Errorf("failed to read head commit: %w", err)
		}
		parents = []repostore.ObjectID{branch.Head}
		parentTree = head.Tree
	case !branch.Base.IsZero():
		parents = []repostore.ObjectID{branch.Base}
	}

	if parentTree.IsZero() {
		if parentTree, err = cb.Store.WriteTree(map[string]repostore.Entry{}); err != nil {
			return nil, fmt.Errorf("failed to write empty tree: %w", err)
		}
	}
	empty := !opts.Amend && treeID == parentTree
	if empty && !opts.Force {
		return nil, &vberr.EmptyCommitError{Branch: branch.Name}
	}
	return &Draft{
		Branch:  branch.ID,
		Tree:    treeID,
		Parents: parents,
		Empty:   empty,
		Amend:   opts.Amend,
		head:    branch.Head,
		base:    branch.Base,
		hunks:   len(hunks),
	}, nil
}

// Finish writes the draft's commit and moves branch.Head to it. The branch
// must still have the head and base the draft was prepared on.
func (cb *Builder) Finish(d *Draft, branch *vbranch.Branch, message string, author repostore.Signature) (*Result, error) {
	if branch.ID != d.Branch || branch.Head != d.head || branch.Base != d.base {
		return nil, fmt.Errorf("%s moved since the commit was prepared: %w", branch.Name, vberr.ErrStale)
	}
	when := time.Now()
	if cb.Now != nil {
		when = cb.Now()
	}
	author.When = when
	id, err := cb.Store.WriteCommit(repostore.CommitRequest{
		Tree:    d.Tree,
		Parents: d.Parents,
		Author:  author,
		Message: message,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to write commit: %w", err)
	}

	res := &Result{Commit: id, Tree: d.Tree, Empty: d.Empty}
	if len(d.Parents) > 0 {
		res.Parent = d.Parents[0]
	}
	branch.Head = id
	branch.UpdatedAt = when

	cb.Logger.Info("created commit",
		zap.String("branch", branch.Name),
		zap.String("commit", id.Short()),
		zap.Int("hunks", d.hunks),
		zap.Bool("amend", d.Amend),
		zap.Bool("empty", d.Empty))
	return res, nil
}

// Commit records the branch's clean owned hunks as a commit on top of the
// branch head, or the branch base when it has no commits yet, and moves
// branch.Head. The state is consulted for conflicts blocking the branch.
func (cb *Builder) Commit(state *vbranch.State, branch *vbranch.Branch, hunks []diffmerge.Hunk, message string, author repostore.Signature, opts Options) (*Result, error) {
	d, err := cb.Prepare(state, branch, hunks, opts)
	if err != nil {
		return nil, err
	}
	return cb.Finish(d, branch, message, author)
}

// BuildTree writes the tree obtained by applying hunks to base.
func BuildTree(store repostore.Store, base *repostore.Tree, hunks []diffmerge.Hunk) (repostore.ObjectID, error) {
	entries, err := BuildEntries(store, base, hunks)
	if err != nil {
		return "", err
	}
	return store.WriteTree(entries)
}

// BuildEntries applies hunks to base and writes the resulting blobs. Per-file
// failures are collected so one bad file reports alongside the others.
func BuildEntries(store repostore.Store, base *repostore.Tree, hunks []diffmerge.Hunk) (map[string]repostore.Entry, error) {
	entries := base.Clone()
	reader := repostore.TreeReader{Store: store, Tree: base}

	byPath := lo.GroupBy(hunks, func(h diffmerge.Hunk) string { return h.Path })
	paths := lo.Keys(byPath)
	sort.Strings(paths)

	var errs *multierror.Error
	for _, path := range paths {
		fileHunks := byPath[path]
		var baseContent []byte
		baseExists := reader.Has(path)
		mode := uint32(objects.ModeRegular)
		if baseExists {
			mode = entries[path].Mode
		}

		if rename, ok := lo.Find(fileHunks, func(h diffmerge.Hunk) bool { return h.Change == diffmerge.Renamed }); ok {
			if old, ok := entries[rename.OldPath]; ok {
				mode = old.Mode
			}
			delete(entries, rename.OldPath)
			fileHunks = []diffmerge.Hunk{renameToAdd(rename)}
			baseExists = false
		} else if baseExists {
			var err error
			if baseContent, err = reader.Read(path); err != nil {
				errs = multierror.Append(errs, vberr.NewIOError("read base", path, err))
				continue
			}
		}

		content, exists, _, err := diffmerge.ApplyFile(baseContent, baseExists, fileHunks)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("failed to apply hunks to %s: %w", path, err))
			continue
		}
		if !exists {
			delete(entries, path)
			continue
		}
		id, err := store.WriteBlob(content)
		if err != nil {
			errs = multierror.Append(errs, vberr.NewIOError("write blob", path, err))
			continue
		}
		entries[path] = repostore.Entry{Mode: mode, ID: id}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return entries, nil
}

// renameToAdd turns a rename into the creation of its new path.
func renameToAdd(h diffmerge.Hunk) diffmerge.Hunk {
	add := h
	add.Change = diffmerge.Added
	add.OldPath = ""
	add.OldStart, add.OldLines, add.Removed = 0, 0, nil
	add.NewStart = 0
	add.OldData = nil
	return add
}

// History walks first parents from head, newest first, stopping before
// stop. A limit of zero walks the whole history.
func History(store repostore.Store, head, stop repostore.ObjectID, limit int) ([]*repostore.Commit, error) {
	var out []*repostore.Commit
	for id := head; !id.IsZero() && id != stop; {
		if limit > 0 && len(out) >= limit {
			break
		}
		c, err := store.ReadCommit(id)
		if err != nil {
			return out, fmt.Errorf("failed to read commit %s: %w", id.Short(), err)
		}
		out = append(out, c)
		if len(c.Parents) == 0 {
			break
		}
		id = c.Parents[0]
	}
	return out, nil
}
