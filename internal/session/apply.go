package session

import (
	"context"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/javanhut/vbranch/internal/oplog"
	"github.com/javanhut/vbranch/internal/vbranch"
	"github.com/javanhut/vbranch/internal/workspace"
)

// ApplyResult reports an apply.
type ApplyResult struct {
	Branch  *vbranch.Branch
	Written []string
	Markers []vbranch.ConflictMarker
	// Skipped lists files that could not be written. They stay pending on
	// the branch and Err holds the per-file failures.
	Skipped []string
	Err     error
}

// ApplyBranch writes an unapplied branch's saved changes into the working
// directory. Lines also edited in the working directory become inline
// conflict blocks. Applying an applied branch changes nothing.
func (s *Session) ApplyBranch(ctx context.Context, ref string) (*ApplyResult, error) {
	return retry(ctx, s.logger, func() (*ApplyResult, error) {
		return s.apply(ctx, ref, oplog.Entry{Kind: oplog.KindApply})
	})
}

// UnapplyBranch removes a branch's changes from the working directory and
// saves them so the branch can be applied again. Unapplying an unapplied
// branch changes nothing.
func (s *Session) UnapplyBranch(ctx context.Context, ref string) (*vbranch.Branch, error) {
	return retry(ctx, s.logger, func() (*vbranch.Branch, error) {
		return s.unapply(ctx, ref, oplog.Entry{Kind: oplog.KindUnapply})
	})
}

func (s *Session) apply(ctx context.Context, ref string, entry oplog.Entry) (*ApplyResult, error) {
	view, err := s.Refresh(ctx)
	if err != nil {
		return nil, err
	}
	b, err := view.State.Lookup(ref)
	if err != nil {
		return nil, err
	}
	if b.Applied {
		return &ApplyResult{Branch: b.Clone()}, s.note(ctx, entry)
	}
	if entry.Summary == "" {
		entry.Summary = "apply " + b.Name
	}

	plan, err := s.mat.PlanApply(ctx, view.snapshot(), b.ID)
	if err != nil {
		return nil, err
	}
	if err := s.commitPlan(ctx, view, plan, true, entry, nil); err != nil {
		return nil, err
	}
	if plan.Err != nil {
		s.logger.Warn("branch applied partially",
			zap.String("branch", b.Name),
			zap.Strings("skipped", plan.Skipped),
			zap.Error(plan.Err))
	}

	next, err := s.Refresh(ctx)
	if err != nil {
		return nil, err
	}
	return &ApplyResult{
		Branch:  next.State.Branches[b.ID].Clone(),
		Written: lo.Map(plan.Writes, func(w workspace.FileWrite, _ int) string { return w.Path }),
		Markers: plan.Markers,
		Skipped: plan.Skipped,
		Err:     plan.Err,
	}, nil
}

func (s *Session) unapply(ctx context.Context, ref string, entry oplog.Entry) (*vbranch.Branch, error) {
	view, err := s.Refresh(ctx)
	if err != nil {
		return nil, err
	}
	b, err := view.State.Lookup(ref)
	if err != nil {
		return nil, err
	}
	if !b.Applied {
		return b.Clone(), s.note(ctx, entry)
	}
	if entry.Summary == "" {
		entry.Summary = "unapply " + b.Name
	}

	plan, err := s.mat.PlanUnapply(ctx, view.snapshot(), b.ID)
	if err != nil {
		return nil, err
	}
	if err := s.commitPlan(ctx, view, plan, false, entry, nil); err != nil {
		return nil, err
	}
	next, err := s.Refresh(ctx)
	if err != nil {
		return nil, err
	}
	return next.State.Branches[b.ID].Clone(), nil
}

// commitPlan stages the plan's files, then under the write lock verifies
// that the touched files are unchanged, moves the staged files into place
// and records the plan. finish may adjust the state and the log entry
// before they are stored.
func (s *Session) commitPlan(ctx context.Context, view *View, plan *workspace.Plan, applied bool, entry oplog.Entry, finish func(*vbranch.State, *oplog.Entry)) error {
	staged, err := s.mat.Stage(ctx, plan)
	if err != nil {
		return err
	}
	moved := false
	err = s.mutate(ctx, view, func(_, next *vbranch.State) (*oplog.Entry, error) {
		if err := s.mat.Verify(plan); err != nil {
			return nil, err
		}
		moved = true
		if err := staged.Commit(); err != nil {
			s.logger.Error("working directory partially updated", zap.String("branch", plan.Branch.Short()), zap.Error(err))
			return nil, err
		}
		plan.Record(next, applied)
		entry.Branch = plan.Branch
		if finish != nil {
			finish(next, &entry)
		}
		return &entry, nil
	})
	if !moved {
		staged.Discard()
	}
	return err
}

func replaying(e oplog.Entry) bool {
	return e.Kind == oplog.KindUndo || e.Kind == oplog.KindRedo
}

// note logs an undo or redo whose effect is already in place. Other
// operations that change nothing are not logged.
func (s *Session) note(ctx context.Context, entry oplog.Entry) error {
	if !replaying(entry) {
		return nil
	}
	return s.mutate(ctx, nil, func(_, _ *vbranch.State) (*oplog.Entry, error) {
		return &entry, nil
	})
}
