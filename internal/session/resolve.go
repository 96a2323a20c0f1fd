package session

import (
	"context"
	"fmt"
	"sort"

	"github.com/samber/lo"

	"github.com/javanhut/vbranch/internal/cas"
	"github.com/javanhut/vbranch/internal/conflict"
	"github.com/javanhut/vbranch/internal/diffmerge"
	"github.com/javanhut/vbranch/internal/objects"
	"github.com/javanhut/vbranch/internal/oplog"
	"github.com/javanhut/vbranch/internal/vberr"
	"github.com/javanhut/vbranch/internal/vbranch"
	"github.com/javanhut/vbranch/internal/workspace"
)

// ResolveConflict settles the conflict on path overlapping r in favor of
// winner. Conflict blocks are replaced with the winner's side; an empty
// winner keeps the working copy side. Without blocks, the winner's
// conflicted stake becomes clean and the other stakes are dropped; an empty
// winner leaves the lines unassigned.
func (s *Session) ResolveConflict(ctx context.Context, path string, r diffmerge.Range, winner string) error {
	_, err := retry(ctx, s.logger, func() (struct{}, error) {
		return struct{}{}, s.resolve(ctx, path, r, winner)
	})
	return err
}

func (s *Session) resolve(ctx context.Context, path string, r diffmerge.Range, winner string) error {
	view, err := s.Refresh(ctx)
	if err != nil {
		return err
	}
	var win vbranch.BranchID
	winName := "working copy"
	if winner != "" {
		b, err := view.State.Lookup(winner)
		if err != nil {
			return err
		}
		if !b.Applied {
			return fmt.Errorf("%s: %w", b.Name, vberr.ErrNotApplied)
		}
		win, winName = b.ID, b.Name
	}

	markers := view.State.MarkersAt(path, r)
	if len(markers) > 0 {
		err = s.resolveMarkers(ctx, view, path, markers, win, winName)
	} else {
		err = s.resolveStakes(ctx, view, path, r, win, winName)
	}
	if err != nil {
		return err
	}
	_, err = s.Refresh(ctx)
	return err
}

func (s *Session) resolveStakes(ctx context.Context, view *View, path string, r diffmerge.Range, win vbranch.BranchID, winName string) error {
	stakes := map[vbranch.BranchID]bool{}
	conflicted := false
	for _, b := range view.State.Applied() {
		c := b.Claim(path)
		if c == nil {
			continue
		}
		for _, ref := range c.Hunks {
			if ref.Range.Overlaps(r) {
				stakes[b.ID] = true
				conflicted = conflicted || ref.Conflicted()
			}
		}
	}
	if !conflicted {
		return fmt.Errorf("no conflict at %s: %w", diffmerge.FormatID(path, r), vberr.ErrHunkNotFound)
	}
	if win != "" && !stakes[win] {
		return fmt.Errorf("%s has no stake in %s", winName, diffmerge.FormatID(path, r))
	}

	return s.mutate(ctx, view, func(_, next *vbranch.State) (*oplog.Entry, error) {
		now := s.now()
		for _, b := range next.Applied() {
			c := b.Claim(path)
			if c == nil {
				continue
			}
			var refs []vbranch.HunkRef
			for _, ref := range c.Hunks {
				switch {
				case !ref.Range.Overlaps(r):
					refs = append(refs, ref)
				case b.ID == win:
					ref.Status = diffmerge.StatusClean
					ref.UpdatedAt = now
					refs = append(refs, ref)
				}
			}
			b.SetRefs(path, refs)
		}
		return &oplog.Entry{
			Kind:    oplog.KindResolve,
			Branch:  win,
			Summary: fmt.Sprintf("resolve %s for %s", diffmerge.FormatID(path, r), winName),
		}, nil
	})
}

// resolved is one conflict block replaced by its chosen side.
type resolved struct {
	marker vbranch.ConflictMarker
	side   vbranch.MarkerSide
	// at is the first line of the side after earlier blocks were replaced.
	at    int
	delta int
}

func (s *Session) resolveMarkers(ctx context.Context, view *View, path string, markers []vbranch.ConflictMarker, win vbranch.BranchID, winName string) error {
	data, err := s.ws.Read(path)
	if err != nil {
		return vberr.NewIOError("read", path, err)
	}
	lines := diffmerge.Lines(data)

	sort.Slice(markers, func(i, j int) bool { return markers[i].Range.Start < markers[j].Range.Start })
	plan := make([]resolved, len(markers))
	shift := 0
	for i, mk := range markers {
		side := mk.Sides[0]
		if win != "" {
			var ok bool
			if side, ok = mk.Side(win); !ok {
				return fmt.Errorf("%s is not part of the conflict at %s", winName, diffmerge.FormatID(path, mk.Range))
			}
		}
		block := conflict.RenderMarkers(mk.Sides)
		plan[i] = resolved{marker: mk, side: side, at: mk.Range.Start + shift, delta: len(side.Lines) - len(block)}
		shift += plan[i].delta
	}
	for i := len(plan) - 1; i >= 0; i-- {
		mk := plan[i].marker
		block := conflict.RenderMarkers(mk.Sides)
		h := diffmerge.Hunk{
			Path:     path,
			Change:   diffmerge.Modified,
			OldLines: len(plan[i].side.Lines),
			NewStart: mk.Range.Start - 1,
			NewLines: len(block),
			Removed:  plan[i].side.Lines,
			Added:    block,
		}
		if lines, _, err = diffmerge.Reverse(lines, h); err != nil {
			return fmt.Errorf("conflict block at %s was edited: %w", diffmerge.FormatID(path, mk.Range), err)
		}
	}

	content := diffmerge.Join(lines)
	mode := s.ws.Mode(path)
	if mode == 0 {
		mode = objects.ModeRegular
	}
	before, err := s.store.WriteBlob(data)
	if err != nil {
		return err
	}
	after, err := s.store.WriteBlob(content)
	if err != nil {
		return err
	}
	staged, err := s.ws.Stage(ctx, []workspace.FileWrite{{Path: path, Content: content, Mode: mode}})
	if err != nil {
		return err
	}

	moved := false
	err = s.mutate(ctx, view, func(prev, next *vbranch.State) (*oplog.Entry, error) {
		got, err := s.ws.Digest(path)
		if err != nil {
			return nil, vberr.NewIOError("read", path, err)
		}
		if got != cas.SumB3(data) {
			return nil, fmt.Errorf("%s: %w", path, vberr.ErrStale)
		}
		moved = true
		if err := staged.Commit(); err != nil {
			return nil, err
		}

		now := s.now()
		for _, b := range next.Applied() {
			c := b.Claim(path)
			if c == nil {
				continue
			}
			var refs []vbranch.HunkRef
			for _, ref := range c.Hunks {
				ref := ref
				if lo.SomeBy(plan, func(p resolved) bool { return p.marker.Range.Overlaps(ref.Range) }) {
					continue
				}
				ref.Range = ref.Range.Shift(shiftBefore(plan, ref.Range.Start))
				refs = append(refs, ref)
			}
			for _, p := range plan {
				if p.side.Branch != b.ID {
					continue
				}
				h := p.marker.SideHunk(p.side)
				h.NewStart = p.at - 1
				refs = append(refs, vbranch.RefFor(h, diffmerge.StatusClean, now))
			}
			b.SetRefs(path, refs)
		}

		next.DropMarkers(func(mk vbranch.ConflictMarker) bool {
			return mk.Path == path && lo.SomeBy(plan, func(p resolved) bool { return p.marker.Range == mk.Range })
		})
		for i := range next.Markers {
			if mk := &next.Markers[i]; mk.Path == path {
				mk.Range = mk.Range.Shift(shiftBefore(plan, mk.Range.Start))
			}
		}
		return &oplog.Entry{
			Kind:          oplog.KindResolve,
			Branch:        win,
			Summary:       fmt.Sprintf("resolve %d conflict block(s) in %s for %s", len(plan), path, winName),
			MarkersBefore: prev.Markers,
			MarkersAfter:  next.Markers,
			Files:         []oplog.FileChange{{Path: path, Before: before, After: after}},
		}, nil
	})
	if !moved {
		staged.Discard()
	}
	return err
}

// shiftBefore sums the line count changes of the blocks above line.
func shiftBefore(plan []resolved, line int) int {
	delta := 0
	for _, p := range plan {
		if p.marker.Range.End < line {
			delta += p.delta
		}
	}
	return delta
}
