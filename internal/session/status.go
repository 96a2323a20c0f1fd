package session

import (
	"context"
	"slices"

	"github.com/samber/lo"

	"github.com/javanhut/vbranch/internal/cas"
	"github.com/javanhut/vbranch/internal/diffmerge"
	"github.com/javanhut/vbranch/internal/oplog"
	"github.com/javanhut/vbranch/internal/ownership"
	"github.com/javanhut/vbranch/internal/repostore"
	"github.com/javanhut/vbranch/internal/vberr"
	"github.com/javanhut/vbranch/internal/vbranch"
)

// Status describes the working directory as the session sees it.
type Status struct {
	Target   repostore.ObjectID
	Snapshot cas.Hash
	Branches []BranchInfo
	// Unassigned holds changed hunks no applied branch owns.
	Unassigned []diffmerge.Hunk
	Conflicts  []*vberr.ConflictError
	Markers    []vbranch.ConflictMarker
	// Errors lists files the diff could not read.
	Errors []*vberr.IOError
}

// Clean reports whether nothing needs attention.
func (st *Status) Clean() bool {
	return len(st.Unassigned) == 0 && len(st.Conflicts) == 0 && len(st.Markers) == 0 && len(st.Errors) == 0
}

// Status refreshes the view and reports it.
func (s *Session) Status(ctx context.Context) (*Status, error) {
	view, err := s.Refresh(ctx)
	if err != nil {
		return nil, err
	}
	branches, err := s.ListVirtualBranches(ctx)
	if err != nil {
		return nil, err
	}

	conflicts := slices.Clone(view.Conflicts)
	for _, mk := range view.State.Markers {
		conflicts = append(conflicts, &vberr.ConflictError{
			Path:     mk.Path,
			Start:    mk.Range.Start,
			End:      mk.Range.End,
			Branches: lo.Map(mk.Sides, func(side vbranch.MarkerSide, _ int) string { return side.Label }),
			Reason:   "unresolved conflict markers",
		})
	}

	return &Status{
		Target:   view.State.Target,
		Snapshot: view.State.Snapshot,
		Branches: branches,
		Unassigned: lo.FilterMap(view.Assignments, func(a ownership.Assignment, _ int) (diffmerge.Hunk, bool) {
			return a.Hunk, a.Unassigned()
		}),
		Conflicts: conflicts,
		Markers:   slices.Clone(view.State.Markers),
		Errors:    view.Errors,
	}, nil
}

// Log returns the recorded operations, newest first. A limit of zero
// returns all of them.
func (s *Session) Log(limit int) ([]oplog.Entry, error) {
	entries, err := s.log.Entries()
	if err != nil {
		return nil, err
	}
	slices.Reverse(entries)
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}
