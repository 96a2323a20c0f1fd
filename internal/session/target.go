package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/javanhut/vbranch/internal/oplog"
	"github.com/javanhut/vbranch/internal/repostore"
	"github.com/javanhut/vbranch/internal/vbranch"
)

// TargetInfo describes the commit applied branches are diffed against.
type TargetInfo struct {
	ID     repostore.ObjectID
	Commit *repostore.Commit
	// Head is the store head. It differs from ID once the repository moves
	// on or the target is set elsewhere.
	Head repostore.ObjectID
	// Stale names branches based on another commit.
	Stale []string
}

// Target reports the current target commit.
func (s *Session) Target(ctx context.Context) (*TargetInfo, error) {
	view, err := s.current(ctx)
	if err != nil {
		return nil, err
	}
	return s.targetInfo(view.State)
}

func (s *Session) targetInfo(st *vbranch.State) (*TargetInfo, error) {
	info := &TargetInfo{ID: st.Target}
	if !st.Target.IsZero() {
		c, err := s.store.ReadCommit(st.Target)
		if err != nil {
			return nil, err
		}
		info.Commit = c
	}
	head, err := s.store.Head()
	if err != nil && !errors.Is(err, repostore.ErrNoHead) {
		return nil, err
	}
	info.Head = head
	for _, b := range st.Ordered() {
		if b.Base != st.Target {
			info.Stale = append(info.Stale, b.Name)
		}
	}
	return info, nil
}

// SetTarget moves the target to the commit rev names. The working directory
// is left as it is and is diffed against the new target from then on.
// Applied branches must hold no changes or commits; they move to the new
// target with it. Unapplied branches keep their base.
func (s *Session) SetTarget(ctx context.Context, rev string) (*TargetInfo, error) {
	id, err := repostore.Resolve(s.store, rev)
	if err != nil {
		return nil, err
	}
	_, err = retry(ctx, s.logger, func() (struct{}, error) {
		return struct{}{}, s.setTarget(ctx, id, oplog.Entry{Kind: oplog.KindTarget})
	})
	if err != nil {
		return nil, err
	}
	return s.Target(ctx)
}

func (s *Session) setTarget(ctx context.Context, id repostore.ObjectID, entry oplog.Entry) error {
	view, err := s.Refresh(ctx)
	if err != nil {
		return err
	}
	from := view.State.Target
	if from == id {
		return s.note(ctx, entry)
	}
	if len(view.State.Markers) > 0 {
		return fmt.Errorf("resolve the conflict markers in %s before moving the target", view.State.Markers[0].Path)
	}
	for _, b := range view.State.Applied() {
		if holdsChanges(b) || !b.Head.IsZero() {
			return fmt.Errorf("virtual branch %s has work based on %s; unapply it first", b.Name, from.Short())
		}
	}
	if entry.Summary == "" {
		entry.Summary = "target " + id.Short()
	}
	entry.TargetBefore, entry.TargetAfter = from, id

	err = s.mutate(ctx, view, func(_, next *vbranch.State) (*oplog.Entry, error) {
		next.Target = id
		for _, b := range next.Applied() {
			b.Base = id
		}
		return &entry, nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("moved target", zap.String("from", from.Short()), zap.String("to", id.Short()))
	_, err = s.Refresh(ctx)
	return err
}

func holdsChanges(b *vbranch.Branch) bool {
	return lo.SomeBy(b.Claims, func(c vbranch.OwnershipClaim) bool { return len(c.Hunks) > 0 })
}

// descends reports whether base is head or a first-parent ancestor of it.
// A zero base is the start of history.
func descends(store repostore.Store, head, base repostore.ObjectID) (bool, error) {
	for id := head; !id.IsZero(); {
		if id == base {
			return true, nil
		}
		c, err := store.ReadCommit(id)
		if err != nil {
			return false, err
		}
		if len(c.Parents) == 0 {
			return base.IsZero(), nil
		}
		id = c.Parents[0]
	}
	return base.IsZero(), nil
}
