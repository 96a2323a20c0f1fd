// Package vbranch holds the virtual branch data model: branches, their
// per-file ownership claims and the session state that owns them.
//
// The State is the single owning map for a session. Claims reference hunks
// by range and content hash, never by pointer, so a State can be cloned and
// handed to concurrent readers.
package vbranch

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/javanhut/vbranch/internal/cas"
	"github.com/javanhut/vbranch/internal/diffmerge"
	"github.com/javanhut/vbranch/internal/repostore"
	"github.com/javanhut/vbranch/internal/vberr"
)

// BranchID identifies a virtual branch.
type BranchID string

// Short returns an abbreviated id for display.
func (id BranchID) Short() string {
	if len(id) > 8 {
		return string(id[:8])
	}
	return string(id)
}

// HunkRef is a branch's claim on one hunk of a file.
type HunkRef struct {
	Range     diffmerge.Range  `json:"range"`
	Hash      cas.Hash         `json:"hash"`
	Status    diffmerge.Status `json:"status"`
	UpdatedAt time.Time        `json:"updated_at"`
	// Lines of the hunk when it was last seen, used to locate edits inside
	// an owned region and to recognise moved hunks.
	Removed []string `json:"removed,omitempty"`
	Added   []string `json:"added,omitempty"`
}

// Conflicted reports whether the ref is excluded from materialization and commit.
func (r HunkRef) Conflicted() bool { return r.Status == diffmerge.StatusConflicted }

// Text renders the ref body for similarity comparison.
func (r HunkRef) Text() string {
	var b strings.Builder
	for _, l := range r.Removed {
		b.WriteString("-" + l)
	}
	for _, l := range r.Added {
		b.WriteString("+" + l)
	}
	return b.String()
}

// RefFor builds a ref for h.
func RefFor(h diffmerge.Hunk, status diffmerge.Status, at time.Time) HunkRef {
	return HunkRef{
		Range:     h.Range(),
		Hash:      h.Hash,
		Status:    status,
		UpdatedAt: at,
		Removed:   h.Removed,
		Added:     h.Added,
	}
}

// OwnershipClaim is the ordered set of hunks a branch owns in one file.
type OwnershipClaim struct {
	Path      string    `json:"path"`
	Hunks     []HunkRef `json:"hunks"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Branch is a virtual branch.
type Branch struct {
	ID    BranchID `json:"id"`
	Name  string   `json:"name"`
	Notes string   `json:"notes,omitempty"`
	// Base is the target commit the branch's changes are relative to.
	Base repostore.ObjectID `json:"base"`
	// Head is the branch's latest commit, if any.
	Head repostore.ObjectID `json:"head,omitempty"`
	// Tree holds the branch's content while it is not applied.
	Tree    repostore.ObjectID `json:"tree,omitempty"`
	Applied bool               `json:"applied"`
	Order   int                `json:"order"`
	Claims  []OwnershipClaim   `json:"claims,omitempty"`
	// Pending lists files of Tree that could not be written when the branch
	// was applied. They stay in Tree until a later unapply saves it again.
	Pending   []string  `json:"pending,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of b.
func (b *Branch) Clone() *Branch {
	out := *b
	out.Claims = make([]OwnershipClaim, len(b.Claims))
	for i, c := range b.Claims {
		out.Claims[i] = c
		out.Claims[i].Hunks = append([]HunkRef(nil), c.Hunks...)
	}
	out.Pending = append([]string(nil), b.Pending...)
	return &out
}

// Claim returns the branch's claim on path, or nil.
func (b *Branch) Claim(path string) *OwnershipClaim {
	for i := range b.Claims {
		if b.Claims[i].Path == path {
			return &b.Claims[i]
		}
	}
	return nil
}

// SetRefs replaces the branch's refs on path. An empty set drops the claim.
func (b *Branch) SetRefs(path string, refs []HunkRef) {
	sort.SliceStable(refs, func(i, j int) bool { return refs[i].Range.Start < refs[j].Range.Start })
	var updated time.Time
	for _, r := range refs {
		if r.UpdatedAt.After(updated) {
			updated = r.UpdatedAt
		}
	}

	claims := b.Claims[:0:0]
	placed := false
	for _, c := range b.Claims {
		if c.Path != path {
			claims = append(claims, c)
			continue
		}
		placed = true
		if len(refs) > 0 {
			claims = append(claims, OwnershipClaim{Path: path, Hunks: refs, UpdatedAt: updated})
		}
	}
	if !placed && len(refs) > 0 {
		claims = append(claims, OwnershipClaim{Path: path, Hunks: refs, UpdatedAt: updated})
	}
	sort.Slice(claims, func(i, j int) bool { return claims[i].Path < claims[j].Path })
	b.Claims = claims
}

// Paths returns the files the branch claims.
func (b *Branch) Paths() []string {
	return lo.Map(b.Claims, func(c OwnershipClaim, _ int) string { return c.Path })
}

// HasConflicts reports whether any owned ref is conflicted.
func (b *Branch) HasConflicts() bool {
	for _, c := range b.Claims {
		for _, r := range c.Hunks {
			if r.Conflicted() {
				return true
			}
		}
	}
	return false
}

// MarkerSide is one version inside a conflict marker block.
type MarkerSide struct {
	// Branch is empty for working directory edits no branch owns.
	Branch BranchID `json:"branch,omitempty"`
	Label  string   `json:"label"`
	Lines  []string `json:"lines"`
}

// ConflictMarker records an inline conflict block written into a file.
// The block replaces the base lines Base starting at offset BaseStart.
type ConflictMarker struct {
	Path      string          `json:"path"`
	Range     diffmerge.Range `json:"range"`
	Sides     []MarkerSide    `json:"sides"`
	BaseStart int             `json:"base_start"`
	Base      []string        `json:"base,omitempty"`
}

// SideHunk returns the change a side makes to the base lines of the block.
func (m ConflictMarker) SideHunk(side MarkerSide) diffmerge.Hunk {
	h := diffmerge.Hunk{
		Path:     m.Path,
		Change:   diffmerge.Modified,
		OldStart: m.BaseStart,
		OldLines: len(m.Base),
		NewStart: m.Range.Start - 1,
		NewLines: len(side.Lines),
		Removed:  m.Base,
		Added:    side.Lines,
		Status:   diffmerge.StatusClean,
	}
	h.Rehash()
	return h
}

// Involves reports whether id contributed a side.
func (m ConflictMarker) Involves(id BranchID) bool {
	return lo.ContainsBy(m.Sides, func(s MarkerSide) bool { return s.Branch == id })
}

// Side returns the side contributed by id.
func (m ConflictMarker) Side(id BranchID) (MarkerSide, bool) {
	return lo.Find(m.Sides, func(s MarkerSide) bool { return s.Branch == id })
}

// State is the ownership map of one session.
type State struct {
	// Snapshot is the working directory state the claims were reconciled against.
	Snapshot cas.Hash `json:"snapshot"`
	// Target is the commit the working directory is diffed against.
	Target   repostore.ObjectID   `json:"target"`
	Branches map[BranchID]*Branch `json:"branches"`
	Markers  []ConflictMarker     `json:"markers,omitempty"`
	// Generation increases with every recorded mutation.
	Generation uint64 `json:"generation"`
}

// NewState returns an empty state for target.
func NewState(target repostore.ObjectID) *State {
	return &State{Target: target, Branches: map[BranchID]*Branch{}}
}

// Clone returns a deep copy of s.
func (s *State) Clone() *State {
	out := *s
	out.Branches = make(map[BranchID]*Branch, len(s.Branches))
	for id, b := range s.Branches {
		out.Branches[id] = b.Clone()
	}
	out.Markers = make([]ConflictMarker, len(s.Markers))
	for i, m := range s.Markers {
		out.Markers[i] = m
		out.Markers[i].Sides = append([]MarkerSide(nil), m.Sides...)
	}
	return &out
}

// Branch returns the branch with id.
func (s *State) Branch(id BranchID) (*Branch, error) {
	b, ok := s.Branches[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, vberr.ErrBranchNotFound)
	}
	return b, nil
}

// Lookup finds a branch by exact id, name, or unique id prefix.
func (s *State) Lookup(ref string) (*Branch, error) {
	if b, ok := s.Branches[BranchID(ref)]; ok {
		return b, nil
	}
	for _, b := range s.Ordered() {
		if b.Name == ref {
			return b, nil
		}
	}
	matches := lo.Filter(s.Ordered(), func(b *Branch, _ int) bool {
		return len(ref) >= 4 && strings.HasPrefix(string(b.ID), ref)
	})
	if len(matches) == 1 {
		return matches[0], nil
	}
	return nil, fmt.Errorf("%q: %w", ref, vberr.ErrBranchNotFound)
}

// Ordered returns all branches by priority order, then name.
func (s *State) Ordered() []*Branch {
	out := lo.Values(s.Branches)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Applied returns the applied branches in priority order.
func (s *State) Applied() []*Branch {
	return lo.Filter(s.Ordered(), func(b *Branch, _ int) bool { return b.Applied })
}

// NameTaken reports whether another branch already uses name.
func (s *State) NameTaken(name string, except BranchID) bool {
	return lo.SomeBy(lo.Values(s.Branches), func(b *Branch) bool { return b.Name == name && b.ID != except })
}

// NextOrder returns the order for a new lowest-priority branch.
func (s *State) NextOrder() int {
	next := 0
	for _, b := range s.Branches {
		if b.Order >= next {
			next = b.Order + 1
		}
	}
	return next
}

// MarkersAt returns the markers on path overlapping r.
func (s *State) MarkersAt(path string, r diffmerge.Range) []ConflictMarker {
	return lo.Filter(s.Markers, func(m ConflictMarker, _ int) bool {
		return m.Path == path && m.Range.Overlaps(r)
	})
}

// DropMarkers removes markers matching fn.
func (s *State) DropMarkers(fn func(ConflictMarker) bool) {
	s.Markers = lo.Reject(s.Markers, func(m ConflictMarker, _ int) bool { return fn(m) })
}

// BlockedRefs returns the refs of b that prevent a commit: conflicted refs
// and refs overlapping an unresolved marker block.
func (s *State) BlockedRefs(b *Branch) []*vberr.ConflictError {
	var out []*vberr.ConflictError
	for _, c := range b.Claims {
		for _, r := range c.Hunks {
			switch {
			case r.Conflicted():
				out = append(out, &vberr.ConflictError{
					Path: c.Path, Start: r.Range.Start, End: r.Range.End,
					Branches: []string{b.Name}, Reason: "hunk is conflicted",
				})
			case len(s.MarkersAt(c.Path, r.Range)) > 0:
				out = append(out, &vberr.ConflictError{
					Path: c.Path, Start: r.Range.Start, End: r.Range.End,
					Branches: []string{b.Name}, Reason: "file contains unresolved conflict markers",
				})
			}
		}
	}
	return out
}

// CheckDisjoint verifies that clean refs of applied branches never overlap
// within a file.
func (s *State) CheckDisjoint() error {
	type owned struct {
		branch *Branch
		ref    HunkRef
	}
	byPath := map[string][]owned{}
	for _, b := range s.Applied() {
		for _, c := range b.Claims {
			for _, r := range c.Hunks {
				if !r.Conflicted() {
					byPath[c.Path] = append(byPath[c.Path], owned{b, r})
				}
			}
		}
	}
	for path, refs := range byPath {
		refs := refs
		sort.Slice(refs, func(i, j int) bool { return refs[i].ref.Range.Start < refs[j].ref.Range.Start })
		for i := 1; i < len(refs); i++ {
			prev, cur := refs[i-1], refs[i]
			if prev.ref.Range.Overlaps(cur.ref.Range) {
				return vberr.Invariantf("%s: %s (%s) and %s (%s) both own lines %s",
					path, prev.branch.Name, prev.ref.Range, cur.branch.Name, cur.ref.Range,
					diffmerge.Range{Start: cur.ref.Range.Start, End: min(prev.ref.Range.End, cur.ref.Range.End)})
			}
		}
	}
	return nil
}
