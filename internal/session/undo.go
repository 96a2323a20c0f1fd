package session

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/javanhut/vbranch/internal/cas"
	"github.com/javanhut/vbranch/internal/objects"
	"github.com/javanhut/vbranch/internal/oplog"
	"github.com/javanhut/vbranch/internal/repostore"
	"github.com/javanhut/vbranch/internal/vberr"
	"github.com/javanhut/vbranch/internal/vbranch"
	"github.com/javanhut/vbranch/internal/workspace"
)

// Undo reverts the most recent operation that is not undone yet and returns
// it. Undoing an operation whose effect is already gone only records the
// undo.
func (s *Session) Undo(ctx context.Context) (oplog.Entry, error) {
	e, err := s.log.UndoCandidate()
	if err != nil {
		return oplog.Entry{}, err
	}
	entry := oplog.Entry{Kind: oplog.KindUndo, Target: e.Seq, Branch: e.Branch, Summary: "undo " + e.Summary}
	_, err = retry(ctx, s.logger, func() (struct{}, error) {
		return struct{}{}, s.invert(ctx, e, entry, true)
	})
	return e, err
}

// Redo re-applies the most recently undone operation and returns it.
func (s *Session) Redo(ctx context.Context) (oplog.Entry, error) {
	e, err := s.log.RedoCandidate()
	if err != nil {
		return oplog.Entry{}, err
	}
	entry := oplog.Entry{Kind: oplog.KindRedo, Target: e.Seq, Branch: e.Branch, Summary: "redo " + e.Summary}
	_, err = retry(ctx, s.logger, func() (struct{}, error) {
		return struct{}{}, s.invert(ctx, e, entry, false)
	})
	return e, err
}

// invert moves the state to the side of e selected by undo: before e when
// undoing, after e when redoing. entry is the undo or redo record to log.
func (s *Session) invert(ctx context.Context, e, entry oplog.Entry, undo bool) error {
	s.logger.Debug("replaying operation",
		zap.String("kind", string(e.Kind)),
		zap.Uint64("seq", e.Seq),
		zap.Bool("undo", undo))

	switch e.Kind {
	case oplog.KindApply, oplog.KindUnapply:
		if (e.Kind == oplog.KindApply) != undo {
			_, err := s.apply(ctx, string(e.Branch), entry)
			return err
		}
		_, err := s.unapply(ctx, string(e.Branch), entry)
		return err
	case oplog.KindDelete:
		if undo {
			return s.undelete(ctx, e, entry)
		}
		return s.deleteBranch(ctx, string(e.Branch), entry)
	case oplog.KindCreate:
		if undo {
			return s.uncreate(ctx, e, entry)
		}
	case oplog.KindTarget:
		if undo {
			return s.setTarget(ctx, e.TargetBefore, entry)
		}
		return s.setTarget(ctx, e.TargetAfter, entry)
	}
	return s.restore(ctx, e, entry, undo)
}

// uncreate removes a created branch, provided nothing was attributed to it
// since.
func (s *Session) uncreate(ctx context.Context, e, entry oplog.Entry) error {
	view, err := s.Refresh(ctx)
	if err != nil {
		return err
	}
	b, ok := view.State.Branches[e.Branch]
	if !ok {
		return s.note(ctx, entry)
	}
	created := &vbranch.Branch{}
	if rec := e.After[e.Branch]; rec != nil {
		created = rec
	}
	if holdsChanges(b) || b.Head != created.Head || b.Tree != created.Tree {
		return fmt.Errorf("virtual branch %s has changes; delete it instead", b.Name)
	}
	if err := s.mutate(ctx, view, func(_, next *vbranch.State) (*oplog.Entry, error) {
		delete(next.Branches, e.Branch)
		return &entry, nil
	}); err != nil {
		return err
	}
	_, err = s.Refresh(ctx)
	return err
}

// undelete restores a deleted branch. A branch that was applied when it was
// deleted is applied again.
func (s *Session) undelete(ctx context.Context, e, entry oplog.Entry) error {
	rec := e.Before[e.Branch]
	if rec == nil {
		return vberr.Invariantf("log entry %d has no record of deleted branch %s", e.Seq, e.Branch.Short())
	}
	view, err := s.Refresh(ctx)
	if err != nil {
		return err
	}
	if _, ok := view.State.Branches[e.Branch]; !ok {
		err := s.mutate(ctx, view, func(_, next *vbranch.State) (*oplog.Entry, error) {
			if next.NameTaken(rec.Name, rec.ID) {
				return nil, fmt.Errorf("cannot restore %s: another virtual branch has that name", rec.Name)
			}
			next.Branches[rec.ID] = rec.Clone()
			if e.Unapplied {
				return nil, nil
			}
			return &entry, nil
		})
		if err != nil {
			return err
		}
	} else if !e.Unapplied {
		return s.note(ctx, entry)
	}
	if e.Unapplied {
		_, err := s.apply(ctx, string(e.Branch), entry)
		return err
	}
	_, err = s.Refresh(ctx)
	return err
}

// restore puts back the branch records, conflict blocks and files of one
// side of e. Files are only rewritten when they still hold the content of
// the other side.
func (s *Session) restore(ctx context.Context, e, entry oplog.Entry, undo bool) error {
	records, markers := e.After, e.MarkersAfter
	if undo {
		records, markers = e.Before, e.MarkersBefore
	}

	view, err := s.Refresh(ctx)
	if err != nil {
		return err
	}

	var writes []workspace.FileWrite
	expect := map[string]cas.Hash{}
	for _, fc := range e.Files {
		want, have := fc.After, fc.Before
		if undo {
			want, have = fc.Before, fc.After
		}
		wantSum, wantData, err := s.blobDigest(want)
		if err != nil {
			return err
		}
		if view.Digests[fc.Path] == wantSum {
			continue
		}
		haveSum, _, err := s.blobDigest(have)
		if err != nil {
			return err
		}
		expect[fc.Path] = haveSum
		if want.IsZero() {
			writes = append(writes, workspace.FileWrite{Path: fc.Path, Remove: true})
			continue
		}
		mode := s.ws.Mode(fc.Path)
		if mode == 0 {
			mode = objects.ModeRegular
		}
		writes = append(writes, workspace.FileWrite{Path: fc.Path, Content: wantData, Mode: mode})
	}

	staged, err := s.ws.Stage(ctx, writes)
	if err != nil {
		return err
	}
	moved := false
	err = s.mutate(ctx, view, func(_, next *vbranch.State) (*oplog.Entry, error) {
		for path, sum := range expect {
			got, err := s.ws.Digest(path)
			if err != nil {
				return nil, vberr.NewIOError("read", path, err)
			}
			if got != sum {
				return nil, fmt.Errorf("%s was modified after %s: %w", path, e.Kind, vberr.ErrStale)
			}
		}
		moved = true
		if err := staged.Commit(); err != nil {
			return nil, err
		}
		restoreRecords(next, records, e.Kind)
		if e.Kind == oplog.KindResolve {
			next.Markers = append([]vbranch.ConflictMarker(nil), markers...)
		}
		return &entry, nil
	})
	if !moved {
		staged.Discard()
	}
	if err != nil {
		return err
	}
	_, err = s.Refresh(ctx)
	return err
}

// blobDigest reads a blob and hashes it. The zero id is an absent file.
func (s *Session) blobDigest(id repostore.ObjectID) (cas.Hash, []byte, error) {
	if id.IsZero() {
		return cas.Hash{}, nil, nil
	}
	data, err := s.store.ReadBlob(id)
	if err != nil {
		return cas.Hash{}, nil, fmt.Errorf("failed to read saved content %s: %w", id.Short(), err)
	}
	return cas.SumB3(data), data, nil
}

// restoreRecords puts records into st. Commits and updates only touch the
// fields they changed, so ownership gained since is kept.
func restoreRecords(st *vbranch.State, records map[vbranch.BranchID]*vbranch.Branch, kind oplog.Kind) {
	if kind != oplog.KindCommit && kind != oplog.KindUpdate {
		oplog.Restore(st, records)
		return
	}
	for id, rec := range records {
		cur, ok := st.Branches[id]
		if rec == nil || !ok {
			oplog.Restore(st, map[vbranch.BranchID]*vbranch.Branch{id: rec})
			continue
		}
		switch kind {
		case oplog.KindCommit:
			cur.Head = rec.Head
			cur.UpdatedAt = rec.UpdatedAt
		case oplog.KindUpdate:
			cur.Name = rec.Name
			cur.Notes = rec.Notes
			cur.Order = rec.Order
		}
	}
}
