// Package ownership attributes freshly computed hunks to virtual branches.
//
// Reconcile folds a diff pass into the claims of the applied branches:
//
//  1. A hunk overlapping a previously owned range inherits that owner.
//     Edits inside an owned region split it, and every piece keeps the owner.
//  2. A hunk with no positional owner inherits from a ref with the same
//     content hash anywhere in the repository, or from the most similar
//     unmatched ref when the similarity reaches the move threshold.
//  3. Anything else goes to the default branch, if one is configured, or
//     stays unassigned.
//
// A hunk that bridges regions of different owners is segmented by owner and
// the contested part is handed to the conflict resolver.
package ownership

import (
	"sort"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/javanhut/vbranch/internal/conflict"
	"github.com/javanhut/vbranch/internal/diffmerge"
	"github.com/javanhut/vbranch/internal/vberr"
	"github.com/javanhut/vbranch/internal/vbranch"
)

// Options tune hunk matching.
type Options struct {
	// MoveThreshold is the minimum similarity for treating an unmatched hunk
	// as a moved version of an orphaned ref. Zero disables fuzzy matching.
	MoveThreshold float64
	// DefaultBranch receives hunks no rule attributes. Empty leaves them unassigned.
	DefaultBranch vbranch.BranchID
}

// Owner is one branch's stake in an assigned hunk.
type Owner struct {
	Branch vbranch.BranchID
	Status diffmerge.Status
}

// Assignment pairs a reconciled hunk with its owners. The clean owner, if
// any, comes first.
type Assignment struct {
	Hunk   diffmerge.Hunk
	Owners []Owner
}

// Owner returns the branch that materializes the hunk, or "".
func (a Assignment) Owner() vbranch.BranchID {
	if len(a.Owners) > 0 && a.Owners[0].Status == diffmerge.StatusClean {
		return a.Owners[0].Branch
	}
	return ""
}

// Unassigned reports whether no branch owns the hunk.
func (a Assignment) Unassigned() bool { return len(a.Owners) == 0 }

// Contested reports whether more than one branch claims the hunk.
func (a Assignment) Contested() bool { return len(a.Owners) > 1 }

// OwnedBy reports whether id holds a stake in the hunk.
func (a Assignment) OwnedBy(id vbranch.BranchID) (Owner, bool) {
	return lo.Find(a.Owners, func(o Owner) bool { return o.Branch == id })
}

// Outcome of a reconciliation pass.
type Outcome struct {
	State       *vbranch.State
	Assignments []Assignment
	Conflicts   []*vberr.ConflictError
}

// Tracker reconciles hunks against claims.
type Tracker struct {
	Resolver conflict.Resolver
	Options  Options
	// Now stamps refs whose content changed.
	Now    func() time.Time
	Logger *zap.Logger
}

// NewTracker returns a tracker using the real clock.
func NewTracker(resolver conflict.Resolver, opts Options, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{Resolver: resolver, Options: opts, Now: time.Now, Logger: logger}
}

// slot is one ref of an applied branch in the previous state.
type slot struct {
	branch *vbranch.Branch
	path   string
	index  int
	ref    vbranch.HunkRef
}

type slotKey struct {
	branch vbranch.BranchID
	path   string
	index  int
}

func (s *slot) key() slotKey { return slotKey{s.branch.ID, s.path, s.index} }

// segment is a piece of a hunk together with the previous refs covering it.
type segment struct {
	hunk  diffmerge.Hunk
	slots []*slot
	// spill is one plus the index of the uncovered edge segment that
	// continues this segment's rewrite, or zero.
	spill int
	// rivals contest the segment without holding a previous ref in it.
	rivals []*vbranch.Branch
}

func (s segment) branches() []*vbranch.Branch {
	all := lo.Map(s.slots, func(sl *slot, _ int) *vbranch.Branch { return sl.branch })
	bs := lo.UniqBy(append(all, s.rivals...), func(b *vbranch.Branch) vbranch.BranchID { return b.ID })
	sort.Slice(bs, func(i, j int) bool {
		if bs[i].Order != bs[j].Order {
			return bs[i].Order < bs[j].Order
		}
		return bs[i].ID < bs[j].ID
	})
	return bs
}

// Reconcile attributes hunks to the applied branches of prev and returns
// the updated state. prev is not modified. Reconciling the same hunks
// against the returned state yields the same claims.
func (t *Tracker) Reconcile(hunks []diffmerge.Hunk, prev *vbranch.State) (*Outcome, error) {
	now := time.Now()
	if t.Now != nil {
		now = t.Now()
	}
	logger := t.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	index := buildIndex(prev)
	consumed := map[slotKey]bool{}

	var segs []segment
	for _, h := range hunks {
		base := len(segs)
		for _, seg := range segmentHunk(h, index[h.Path]) {
			for _, s := range seg.slots {
				consumed[s.key()] = true
			}
			if seg.spill > 0 {
				seg.spill += base
			}
			segs = append(segs, seg)
		}
	}

	// Orphans: match by content across the whole repository.
	for i := range segs {
		if len(segs[i].slots) > 0 {
			continue
		}
		if s := t.matchMoved(segs[i].hunk, index, consumed); s != nil {
			consumed[s.key()] = true
			segs[i].slots = []*slot{s}
		}
	}

	state := prev.Clone()

	// A rewrite that runs past an owned region into lines no branch held
	// is an edit by whoever receives those lines. The rewritten owned lines
	// are contested between the two.
	for i := range segs {
		if segs[i].spill == 0 {
			continue
		}
		editor := t.ownerOf(segs[segs[i].spill-1], state)
		if editor != nil && editor.ID != segs[i].branches()[0].ID {
			segs[i].rivals = append(segs[i].rivals, editor)
		}
	}

	refs := map[vbranch.BranchID]map[string][]vbranch.HunkRef{}
	emit := func(id vbranch.BranchID, path string, r vbranch.HunkRef) {
		if refs[id] == nil {
			refs[id] = map[string][]vbranch.HunkRef{}
		}
		refs[id][path] = append(refs[id][path], r)
	}

	out := &Outcome{State: state}
	for _, seg := range segs {
		seg := seg
		h := seg.hunk
		a := Assignment{Hunk: h}
		owners := seg.branches()

		switch len(owners) {
		case 0:
			if def, ok := state.Branches[t.Options.DefaultBranch]; ok && def.Applied {
				emit(def.ID, h.Path, vbranch.RefFor(h, diffmerge.StatusClean, now))
				a.Owners = []Owner{{Branch: def.ID, Status: diffmerge.StatusClean}}
			}
		case 1:
			b := owners[0]
			emit(b.ID, h.Path, stamp(h, diffmerge.StatusClean, seg.slotsOf(b.ID), now))
			a.Owners = []Owner{{Branch: b.ID, Status: diffmerge.StatusClean}}
		default:
			contenders := lo.Map(owners, func(b *vbranch.Branch, _ int) conflict.Contender {
				edited := lastEdit(seg.slotsOf(b.ID))
				if edited.IsZero() {
					edited = now
				}
				return conflict.ContenderFor(b, edited)
			})
			d := t.Resolver.Decide(contenders)
			if d.Resolved() {
				emit(d.Winner, h.Path, stamp(h, diffmerge.StatusClean, seg.slotsOf(d.Winner), now))
				a.Owners = append(a.Owners, Owner{Branch: d.Winner, Status: diffmerge.StatusClean})
			}
			for _, id := range d.Losers {
				emit(id, h.Path, stampLoser(h, seg.slotsOf(id), now))
				a.Owners = append(a.Owners, Owner{Branch: id, Status: diffmerge.StatusConflicted})
			}
			reason := "edit bridges regions owned by different branches"
			if len(seg.rivals) > 0 {
				reason = "edit rewrote lines owned by another branch"
			}
			r := h.Range()
			out.Conflicts = append(out.Conflicts, &vberr.ConflictError{
				Path:     h.Path,
				Start:    r.Start,
				End:      r.End,
				Branches: lo.Map(owners, func(b *vbranch.Branch, _ int) string { return b.Name }),
				Reason:   reason,
			})
		}
		out.Assignments = append(out.Assignments, a)
	}

	for _, b := range state.Applied() {
		b.Claims = nil
		paths := lo.Keys(refs[b.ID])
		sort.Strings(paths)
		for _, p := range paths {
			b.SetRefs(p, refs[b.ID][p])
		}
	}

	if err := state.CheckDisjoint(); err != nil {
		logger.Error("ownership invariant broken after reconcile", zap.Error(err))
		return nil, err
	}

	logger.Debug("reconciled hunks",
		zap.Int("hunks", len(hunks)),
		zap.Int("segments", len(segs)),
		zap.Int("conflicts", len(out.Conflicts)))
	return out, nil
}

// ownerOf returns the branch an uncovered segment is attributed to: the
// owner of its moved ref, or the applied default branch.
func (t *Tracker) ownerOf(seg segment, state *vbranch.State) *vbranch.Branch {
	if len(seg.slots) > 0 {
		return state.Branches[seg.slots[0].branch.ID]
	}
	if def, ok := state.Branches[t.Options.DefaultBranch]; ok && def.Applied {
		return def
	}
	return nil
}

func (s segment) slotsOf(id vbranch.BranchID) []*slot {
	return lo.Filter(s.slots, func(sl *slot, _ int) bool { return sl.branch.ID == id })
}

func buildIndex(prev *vbranch.State) map[string][]*slot {
	index := map[string][]*slot{}
	for _, b := range prev.Applied() {
		for _, c := range b.Claims {
			for i, r := range c.Hunks {
				index[c.Path] = append(index[c.Path], &slot{branch: b, path: c.Path, index: i, ref: r})
			}
		}
	}
	return index
}

// stamp builds the ref for an owner, keeping the previous timestamp when
// neither content nor status changed.
func stamp(h diffmerge.Hunk, status diffmerge.Status, prev []*slot, now time.Time) vbranch.HunkRef {
	r := vbranch.RefFor(h, status, now)
	for _, s := range prev {
		if s.ref.Hash == h.Hash && s.ref.Status == status {
			r.UpdatedAt = s.ref.UpdatedAt
			break
		}
	}
	return r
}

// stampLoser builds a conflicted ref. A losing branch did not edit the
// region, so its last edit time is carried over.
func stampLoser(h diffmerge.Hunk, prev []*slot, now time.Time) vbranch.HunkRef {
	r := vbranch.RefFor(h, diffmerge.StatusConflicted, now)
	if last := lastEdit(prev); !last.IsZero() {
		r.UpdatedAt = last
	}
	return r
}

func lastEdit(slots []*slot) time.Time {
	var last time.Time
	for _, s := range slots {
		if s.ref.UpdatedAt.After(last) {
			last = s.ref.UpdatedAt
		}
	}
	return last
}

// matchMoved finds the owner of a hunk that has no positional match.
func (t *Tracker) matchMoved(h diffmerge.Hunk, index map[string][]*slot, consumed map[slotKey]bool) *slot {
	var all []*slot
	for _, slots := range index {
		all = append(all, slots...)
	}
	sort.Slice(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if (a.path == h.Path) != (b.path == h.Path) {
			return a.path == h.Path
		}
		if consumed[a.key()] != consumed[b.key()] {
			return !consumed[a.key()]
		}
		if a.branch.Order != b.branch.Order {
			return a.branch.Order < b.branch.Order
		}
		if a.path != b.path {
			return a.path < b.path
		}
		return a.index < b.index
	})

	for _, s := range all {
		if s.ref.Hash == h.Hash {
			return s
		}
	}

	if t.Options.MoveThreshold <= 0 || h.Opaque() {
		return nil
	}
	text := vbranch.RefFor(h, "", time.Time{}).Text()
	var best *slot
	bestScore := 0.0
	for _, s := range all {
		if consumed[s.key()] || len(s.ref.Added)+len(s.ref.Removed) == 0 {
			continue
		}
		score := diffmerge.Similarity(s.ref.Text(), text)
		if score >= t.Options.MoveThreshold && score > bestScore {
			best, bestScore = s, score
		}
	}
	return best
}
