package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/javanhut/vbranch/internal/commit"
	"github.com/javanhut/vbranch/internal/diffmerge"
	"github.com/javanhut/vbranch/internal/oplog"
	"github.com/javanhut/vbranch/internal/ownership"
	"github.com/javanhut/vbranch/internal/repostore"
	"github.com/javanhut/vbranch/internal/vberr"
	"github.com/javanhut/vbranch/internal/vbranch"
)

// BranchInfo summarizes a branch for listing.
type BranchInfo struct {
	Branch     *vbranch.Branch
	Files      []string
	Hunks      int
	Conflicted int
}

// ListVirtualBranches returns every branch in priority order. Applied
// branches are summarized from the current view; unapplied ones from their
// saved content.
func (s *Session) ListVirtualBranches(ctx context.Context) ([]BranchInfo, error) {
	view, err := s.current(ctx)
	if err != nil {
		return nil, err
	}
	var out []BranchInfo
	for _, b := range view.State.Ordered() {
		hunks, err := s.branchHunks(ctx, view, b)
		if err != nil {
			return nil, err
		}
		info := BranchInfo{Branch: b.Clone(), Hunks: len(hunks)}
		info.Files = lo.Uniq(lo.Map(hunks, func(h diffmerge.Hunk, _ int) string { return h.Path }))
		info.Conflicted = lo.CountBy(hunks, func(h diffmerge.Hunk) bool { return h.Status == diffmerge.StatusConflicted })
		out = append(out, info)
	}
	return out, nil
}

// GetBranchDiff returns the hunks of a branch. For an applied branch these
// are the working directory hunks it owns, conflicted stakes included; for
// an unapplied branch, the changes held in its saved tree.
func (s *Session) GetBranchDiff(ctx context.Context, ref string) ([]diffmerge.Hunk, error) {
	view, err := s.current(ctx)
	if err != nil {
		return nil, err
	}
	b, err := view.State.Lookup(ref)
	if err != nil {
		return nil, err
	}
	return s.branchHunks(ctx, view, b)
}

func (s *Session) branchHunks(ctx context.Context, view *View, b *vbranch.Branch) ([]diffmerge.Hunk, error) {
	if !b.Applied {
		return s.savedHunks(ctx, b)
	}
	var out []diffmerge.Hunk
	for _, a := range view.Assignments {
		o, ok := a.OwnedBy(b.ID)
		if !ok {
			continue
		}
		h := a.Hunk
		h.Status = o.Status
		out = append(out, h)
	}
	return out, nil
}

// savedHunks diffs an unapplied branch's saved tree against its base.
func (s *Session) savedHunks(ctx context.Context, b *vbranch.Branch) ([]diffmerge.Hunk, error) {
	if b.Tree.IsZero() {
		return nil, nil
	}
	base, err := repostore.CommitTree(s.store, b.Base)
	if err != nil {
		return nil, err
	}
	tree, err := s.store.ReadTree(b.Tree)
	if err != nil {
		return nil, fmt.Errorf("failed to read saved tree of %s: %w", b.Name, err)
	}
	res, err := diffmerge.Compute(ctx,
		repostore.TreeReader{Store: s.store, Tree: base},
		repostore.TreeReader{Store: s.store, Tree: tree},
		s.diffOpts)
	if err != nil {
		return nil, err
	}
	return res.Hunks, nil
}

// CreateBranch adds an applied branch with the lowest priority.
func (s *Session) CreateBranch(ctx context.Context, name, notes string) (*vbranch.Branch, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("branch name cannot be empty")
	}
	var created *vbranch.Branch
	err := s.mutate(ctx, nil, func(_, next *vbranch.State) (*oplog.Entry, error) {
		if next.NameTaken(name, "") {
			return nil, fmt.Errorf("virtual branch %q already exists", name)
		}
		now := s.now()
		b := &vbranch.Branch{
			ID:        vbranch.BranchID(uuid.NewString()),
			Name:      name,
			Notes:     notes,
			Base:      next.Target,
			Applied:   true,
			Order:     next.NextOrder(),
			CreatedAt: now,
			UpdatedAt: now,
		}
		next.Branches[b.ID] = b
		created = b.Clone()
		return &oplog.Entry{Kind: oplog.KindCreate, Branch: b.ID, Summary: "create " + name}, nil
	})
	if err != nil {
		return nil, err
	}
	_, err = s.Refresh(ctx)
	return created, err
}

// CreateBranchFrom adds a branch whose history ends at the commit rev names,
// either a commit or another virtual branch. Its changes are relative to
// base, which defaults to the target and must be the commit or a first-parent
// ancestor of it. A branch based on the target is applied; one based
// elsewhere stays unapplied until the target moves to its base.
func (s *Session) CreateBranchFrom(ctx context.Context, name, notes, rev, base string) (*vbranch.Branch, *ApplyResult, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil, fmt.Errorf("branch name cannot be empty")
	}
	created, err := retry(ctx, s.logger, func() (*vbranch.Branch, error) {
		return s.createFrom(ctx, name, notes, rev, base)
	})
	if err != nil {
		return nil, nil, err
	}
	view, err := s.Refresh(ctx)
	if err != nil {
		return created, nil, err
	}
	if created.Applied || created.Base != view.State.Target {
		return created, nil, nil
	}
	// Applying writes the commit's changes into the working directory.
	res, err := s.ApplyBranch(ctx, string(created.ID))
	if err != nil {
		return created, nil, err
	}
	return res.Branch, res, nil
}

func (s *Session) createFrom(ctx context.Context, name, notes, rev, base string) (*vbranch.Branch, error) {
	view, err := s.Refresh(ctx)
	if err != nil {
		return nil, err
	}
	var head repostore.ObjectID
	if from, err := view.State.Lookup(rev); err == nil && !from.Head.IsZero() {
		head = from.Head
	} else if head, err = repostore.Resolve(s.store, rev); err != nil {
		return nil, err
	}
	baseID := view.State.Target
	if base != "" {
		if baseID, err = repostore.Resolve(s.store, base); err != nil {
			return nil, err
		}
	}
	ok, err := descends(s.store, head, baseID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("commit %s does not descend from %s", head.Short(), baseID.Short())
	}
	var tree repostore.ObjectID
	if head != baseID {
		c, err := s.store.ReadCommit(head)
		if err != nil {
			return nil, err
		}
		tree = c.Tree
	}
	// An empty branch on the target needs no apply.
	applied := tree.IsZero() && baseID == view.State.Target

	var created *vbranch.Branch
	err = s.mutate(ctx, view, func(_, next *vbranch.State) (*oplog.Entry, error) {
		if next.NameTaken(name, "") {
			return nil, fmt.Errorf("virtual branch %q already exists", name)
		}
		now := s.now()
		b := &vbranch.Branch{
			ID:        vbranch.BranchID(uuid.NewString()),
			Name:      name,
			Notes:     notes,
			Base:      baseID,
			Head:      head,
			Tree:      tree,
			Applied:   applied,
			Order:     next.NextOrder(),
			CreatedAt: now,
			UpdatedAt: now,
		}
		next.Branches[b.ID] = b
		created = b.Clone()
		return &oplog.Entry{Kind: oplog.KindCreate, Branch: b.ID, Summary: "create " + name + " from " + head.Short()}, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("created branch from commit",
		zap.String("branch", name),
		zap.String("head", head.Short()),
		zap.String("base", baseID.Short()))
	return created, nil
}

// BranchUpdate lists the fields UpdateBranch changes. Nil fields are kept.
type BranchUpdate struct {
	Name  *string
	Notes *string
	Order *int
}

// UpdateBranch renames, annotates or reorders a branch.
func (s *Session) UpdateBranch(ctx context.Context, ref string, upd BranchUpdate) (*vbranch.Branch, error) {
	var updated *vbranch.Branch
	err := s.mutate(ctx, nil, func(_, next *vbranch.State) (*oplog.Entry, error) {
		b, err := next.Lookup(ref)
		if err != nil {
			return nil, err
		}
		var changes []string
		if upd.Name != nil {
			name := strings.TrimSpace(*upd.Name)
			if name == "" {
				return nil, fmt.Errorf("branch name cannot be empty")
			}
			if next.NameTaken(name, b.ID) {
				return nil, fmt.Errorf("virtual branch %q already exists", name)
			}
			changes = append(changes, fmt.Sprintf("rename %s to %s", b.Name, name))
			b.Name = name
		}
		if upd.Notes != nil {
			b.Notes = *upd.Notes
			changes = append(changes, "notes")
		}
		if upd.Order != nil {
			b.Order = *upd.Order
			changes = append(changes, fmt.Sprintf("order %d", b.Order))
		}
		updated = b.Clone()
		return &oplog.Entry{Kind: oplog.KindUpdate, Branch: b.ID, Summary: "update " + b.Name + ": " + strings.Join(changes, ", ")}, nil
	})
	if err != nil {
		return nil, err
	}
	_, err = s.Refresh(ctx)
	return updated, err
}

// DeleteBranch removes a branch. An applied branch is unapplied first so
// its changes leave the working directory.
func (s *Session) DeleteBranch(ctx context.Context, ref string) error {
	_, err := retry(ctx, s.logger, func() (struct{}, error) {
		return struct{}{}, s.deleteBranch(ctx, ref, oplog.Entry{Kind: oplog.KindDelete})
	})
	return err
}

func (s *Session) deleteBranch(ctx context.Context, ref string, entry oplog.Entry) error {
	view, err := s.Refresh(ctx)
	if err != nil {
		return err
	}
	b, err := view.State.Lookup(ref)
	if err != nil {
		if replaying(entry) {
			return s.note(ctx, entry)
		}
		return err
	}
	entry.Branch = b.ID
	if entry.Summary == "" {
		entry.Summary = "delete " + b.Name
	}

	if b.Applied {
		err = s.unapplyAndDelete(ctx, view, b, entry)
	} else {
		err = s.mutate(ctx, view, func(_, next *vbranch.State) (*oplog.Entry, error) {
			delete(next.Branches, b.ID)
			next.DropMarkers(func(mk vbranch.ConflictMarker) bool { return mk.Involves(b.ID) })
			return &entry, nil
		})
	}
	if err != nil {
		return err
	}
	_, err = s.Refresh(ctx)
	return err
}

// unapplyAndDelete removes an applied branch's changes from the working
// directory and deletes it in one recorded operation. The log keeps the
// unapplied record so the delete can be undone.
func (s *Session) unapplyAndDelete(ctx context.Context, view *View, b *vbranch.Branch, entry oplog.Entry) error {
	plan, err := s.mat.PlanUnapply(ctx, view.snapshot(), b.ID)
	if err != nil {
		return err
	}
	entry.Unapplied = true
	return s.commitPlan(ctx, view, plan, false, entry, func(next *vbranch.State, e *oplog.Entry) {
		saved := next.Branches[b.ID].Clone()
		delete(next.Branches, b.ID)
		e.Before = map[vbranch.BranchID]*vbranch.Branch{b.ID: saved}
		e.After = map[vbranch.BranchID]*vbranch.Branch{b.ID: nil}
	})
}

// ReassignHunk moves the hunk identified by hunkID (path:start-end) to the
// applied branch to. Any other stake in the hunk is dropped, which also
// settles a conflict over it.
func (s *Session) ReassignHunk(ctx context.Context, hunkID, to string) error {
	path, r, err := diffmerge.ParseID(hunkID)
	if err != nil {
		return err
	}
	_, err = retry(ctx, s.logger, func() (struct{}, error) {
		return struct{}{}, s.reassign(ctx, path, r, to)
	})
	return err
}

func (s *Session) reassign(ctx context.Context, path string, r diffmerge.Range, to string) error {
	view, err := s.Refresh(ctx)
	if err != nil {
		return err
	}
	a, ok := findAssignment(view.Assignments, path, r)
	if !ok {
		return fmt.Errorf("%s: %w", diffmerge.FormatID(path, r), vberr.ErrHunkNotFound)
	}
	target, err := view.State.Lookup(to)
	if err != nil {
		return err
	}
	if !target.Applied {
		return fmt.Errorf("%s: %w", target.Name, vberr.ErrNotApplied)
	}

	hr := a.Hunk.Range()
	err = s.mutate(ctx, view, func(_, next *vbranch.State) (*oplog.Entry, error) {
		now := s.now()
		for _, b := range next.Applied() {
			c := b.Claim(path)
			if c == nil {
				continue
			}
			kept := lo.Reject(c.Hunks, func(ref vbranch.HunkRef, _ int) bool {
				return ref.Range == hr && ref.Hash == a.Hunk.Hash
			})
			if len(kept) != len(c.Hunks) {
				b.SetRefs(path, kept)
			}
		}
		nb := next.Branches[target.ID]
		var refs []vbranch.HunkRef
		if c := nb.Claim(path); c != nil {
			refs = append(refs, c.Hunks...)
		}
		nb.SetRefs(path, append(refs, vbranch.RefFor(a.Hunk, diffmerge.StatusClean, now)))
		nb.UpdatedAt = now
		return &oplog.Entry{
			Kind:    oplog.KindReassign,
			Branch:  nb.ID,
			Summary: fmt.Sprintf("move %s to %s", a.Hunk.ID(), nb.Name),
		}, nil
	})
	if err != nil {
		return err
	}
	_, err = s.Refresh(ctx)
	return err
}

// findAssignment returns the assignment at exactly r, or the only one on
// path whose range contains r's first line.
func findAssignment(assigns []ownership.Assignment, path string, r diffmerge.Range) (ownership.Assignment, bool) {
	onPath := lo.Filter(assigns, func(a ownership.Assignment, _ int) bool { return a.Hunk.Path == path })
	if a, ok := lo.Find(onPath, func(a ownership.Assignment) bool { return a.Hunk.Range() == r }); ok {
		return a, true
	}
	containing := lo.Filter(onPath, func(a ownership.Assignment, _ int) bool { return a.Hunk.Range().Contains(r.Start) })
	if len(containing) == 1 {
		return containing[0], true
	}
	return ownership.Assignment{}, false
}

// CommitBranch records the branch's clean hunks as a commit on the branch.
// An applied branch commits what it owns in the working directory; an
// unapplied one commits its saved content.
func (s *Session) CommitBranch(ctx context.Context, ref, message string, opts commit.Options) (*commit.Result, error) {
	if strings.TrimSpace(message) == "" {
		return nil, fmt.Errorf("commit message cannot be empty")
	}
	name, email, err := s.Config.Author()
	if err != nil {
		return nil, err
	}
	return retry(ctx, s.logger, func() (*commit.Result, error) {
		view, err := s.Refresh(ctx)
		if err != nil {
			return nil, err
		}
		b, err := view.State.Lookup(ref)
		if err != nil {
			return nil, err
		}
		hunks, err := s.branchHunks(ctx, view, b)
		if err != nil {
			return nil, err
		}

		draft, err := s.builder.Prepare(view.State, b, hunks, opts)
		if err != nil {
			return nil, err
		}

		var res *commit.Result
		err = s.mutate(ctx, view, func(_, next *vbranch.State) (*oplog.Entry, error) {
			nb := next.Branches[b.ID]
			author := repostore.Signature{Name: name, Email: email, When: s.now()}
			r, err := s.builder.Finish(draft, nb, message, author)
			if err != nil {
				return nil, err
			}
			res = r
			summary := "commit " + nb.Name + ": " + firstLine(message)
			if opts.Amend {
				summary = "amend " + nb.Name + ": " + firstLine(message)
			}
			return &oplog.Entry{Kind: oplog.KindCommit, Branch: nb.ID, Summary: summary}, nil
		})
		if err != nil {
			return nil, err
		}
		s.logger.Info("committed branch",
			zap.String("branch", b.Name),
			zap.String("commit", res.Commit.Short()),
			zap.Int("hunks", len(hunks)))
		_, err = s.Refresh(ctx)
		return res, err
	})
}

func firstLine(msg string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(msg), "\n")
	return line
}

// History returns a branch's commits, newest first.
func (s *Session) History(ctx context.Context, ref string, limit int) ([]*repostore.Commit, error) {
	view, err := s.current(ctx)
	if err != nil {
		return nil, err
	}
	b, err := view.State.Lookup(ref)
	if err != nil {
		return nil, err
	}
	return commit.History(s.store, b.Head, b.Base, limit)
}
