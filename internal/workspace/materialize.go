package workspace

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/javanhut/vbranch/internal/cas"
	"github.com/javanhut/vbranch/internal/commit"
	"github.com/javanhut/vbranch/internal/conflict"
	"github.com/javanhut/vbranch/internal/diffmerge"
	"github.com/javanhut/vbranch/internal/objects"
	"github.com/javanhut/vbranch/internal/ownership"
	"github.com/javanhut/vbranch/internal/repostore"
	"github.com/javanhut/vbranch/internal/vberr"
	"github.com/javanhut/vbranch/internal/vbranch"
)

// workingLabel names the side of a conflict block no branch owns.
const workingLabel = "working copy"

var errUnreadable = errors.New("file could not be read when the working directory was scanned")

// Snapshot is a reconciled view of the working directory. Plans are computed
// against a snapshot and verified against the workspace before they are
// committed.
type Snapshot struct {
	State       *vbranch.State
	Assignments []ownership.Assignment
	Base        *repostore.Tree
	// Digests holds the content hash of every working file.
	Digests map[string]cas.Hash
	// Unreadable lists working files the diff could not read.
	Unreadable map[string]bool
}

func (s *Snapshot) exists(path string) bool {
	_, ok := s.Digests[path]
	return ok
}

// Plan holds the writes that apply or unapply one branch.
type Plan struct {
	Branch vbranch.BranchID
	Writes []FileWrite
	// Expect is the digest each touched file must still have when the plan
	// is committed. The zero hash means the file must not exist.
	Expect map[string]cas.Hash
	// Refs holds the complete claims of every branch on each touched path.
	Refs map[string]map[vbranch.BranchID][]vbranch.HunkRef
	// Markers holds the conflict blocks on touched paths after the plan.
	Markers []vbranch.ConflictMarker
	// Tree saves the branch content when unapplying.
	Tree repostore.ObjectID
	// Skipped lists files left untouched because of per-file errors.
	Skipped []string
	Err     error
}

func newPlan(id vbranch.BranchID) *Plan {
	return &Plan{
		Branch: id,
		Expect: map[string]cas.Hash{},
		Refs:   map[string]map[vbranch.BranchID][]vbranch.HunkRef{},
	}
}

// Paths returns the touched paths, sorted.
func (p *Plan) Paths() []string {
	paths := lo.Keys(p.Refs)
	sort.Strings(paths)
	return paths
}

// Digests returns the digest each written file has once the plan is
// committed. Removed files map to the zero hash.
func (p *Plan) Digests() map[string]cas.Hash {
	out := make(map[string]cas.Hash, len(p.Writes))
	for _, w := range p.Writes {
		if w.Remove {
			out[w.Path] = cas.Hash{}
			continue
		}
		out[w.Path] = cas.SumB3(w.Content)
	}
	return out
}

// Record updates state after the plan was committed to the workspace.
// applied is the branch's new applied flag.
func (p *Plan) Record(state *vbranch.State, applied bool) {
	paths := p.Paths()
	for _, path := range paths {
		for _, b := range state.Branches {
			if b.Applied || b.ID == p.Branch {
				b.SetRefs(path, p.Refs[path][b.ID])
			}
		}
	}
	state.DropMarkers(func(mk vbranch.ConflictMarker) bool {
		return mk.Involves(p.Branch) || lo.Contains(paths, mk.Path)
	})
	state.Markers = append(state.Markers, p.Markers...)

	b := state.Branches[p.Branch]
	b.Applied = applied
	if applied {
		b.Pending = lo.Uniq(p.Skipped)
		return
	}
	b.Tree = p.Tree
	b.Claims = nil
	b.Pending = nil
}

// filePlan is the part of a plan covering one file, or two for renames.
type filePlan struct {
	writes  []FileWrite
	refs    map[string]map[vbranch.BranchID][]vbranch.HunkRef
	markers []vbranch.ConflictMarker
}

func newFilePlan(paths ...string) *filePlan {
	fp := &filePlan{refs: map[string]map[vbranch.BranchID][]vbranch.HunkRef{}}
	for _, p := range paths {
		fp.refs[p] = map[vbranch.BranchID][]vbranch.HunkRef{}
	}
	return fp
}

func (fp *filePlan) emit(path string, id vbranch.BranchID, r vbranch.HunkRef) {
	fp.refs[path][id] = append(fp.refs[path][id], r)
}

func (p *Plan) add(snap *Snapshot, fp *filePlan) {
	p.Writes = append(p.Writes, fp.writes...)
	for path, refs := range fp.refs {
		p.Refs[path] = refs
		p.Expect[path] = snap.Digests[path]
	}
	p.Markers = append(p.Markers, fp.markers...)
}

// Materializer plans workspace changes for applying and unapplying branches.
type Materializer struct {
	WS       *Workspace
	Store    repostore.Store
	Resolver conflict.Resolver
	Options  diffmerge.Options
	Now      func() time.Time
	Logger   *zap.Logger
}

// NewMaterializer creates a Materializer.
func NewMaterializer(ws *Workspace, store repostore.Store, resolver conflict.Resolver, opts diffmerge.Options, logger *zap.Logger) *Materializer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Materializer{WS: ws, Store: store, Resolver: resolver, Options: opts, Now: time.Now, Logger: logger}
}

func (m *Materializer) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// PlanApply plans writing the saved content of an unapplied branch into the
// workspace. Lines edited both by the branch and in the working directory
// become inline conflict blocks, arbitrated by the resolver. A binary file
// changed on both sides aborts the plan with a ConflictError. Files that
// cannot be read are skipped and reported in Plan.Err.
func (m *Materializer) PlanApply(ctx context.Context, snap *Snapshot, id vbranch.BranchID) (*Plan, error) {
	b, err := snap.State.Branch(id)
	if err != nil {
		return nil, err
	}
	plan := newPlan(id)
	if b.Tree.IsZero() {
		return plan, nil
	}

	tree, err := m.Store.ReadTree(b.Tree)
	if err != nil {
		return nil, fmt.Errorf("failed to read saved tree of %s: %w", b.Name, err)
	}
	res, err := diffmerge.Compute(ctx,
		repostore.TreeReader{Store: m.Store, Tree: snap.Base},
		repostore.TreeReader{Store: m.Store, Tree: tree},
		m.Options)
	if err != nil {
		return nil, err
	}

	var errs *multierror.Error
	byPath := res.ByPath()
	for _, e := range res.Errors {
		errs = multierror.Append(errs, e)
		plan.Skipped = append(plan.Skipped, e.Path)
		delete(byPath, e.Path)
	}
	current := lo.GroupBy(snap.Assignments, func(a ownership.Assignment) string { return a.Hunk.Path })

	paths := lo.Keys(byPath)
	sort.Strings(paths)
	now := m.now()
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hunks := byPath[path]
		rename := hunks[0].Change == diffmerge.Renamed
		touched := []string{path}
		if rename {
			touched = append(touched, hunks[0].OldPath)
		}
		if bad, ok := lo.Find(touched, func(p string) bool { return snap.Unreadable[p] }); ok {
			errs = multierror.Append(errs, vberr.NewIOError("read", bad, errUnreadable))
			plan.Skipped = append(plan.Skipped, path)
			continue
		}

		var fp *filePlan
		if rename {
			fp, err = m.applyRename(snap, b, hunks[0], current, now)
		} else {
			fp, err = m.applyFile(snap, b, tree, path, current[path], hunks, now)
		}
		if err != nil {
			if vberr.IsConflict(err) {
				return nil, err
			}
			errs = multierror.Append(errs, err)
			plan.Skipped = append(plan.Skipped, path)
			continue
		}
		plan.add(snap, fp)
	}
	plan.Err = errs.ErrorOrNil()

	m.Logger.Debug("planned apply",
		zap.String("branch", b.Name),
		zap.Int("writes", len(plan.Writes)),
		zap.Int("markers", len(plan.Markers)),
		zap.Int("skipped", len(plan.Skipped)))
	return plan, nil
}

// item is one hunk taking part in an apply: either a working directory
// assignment or a hunk of the branch being applied.
type item struct {
	hunk   diffmerge.Hunk
	assign *ownership.Assignment
}

// cluster is a set of items that cannot be applied side by side.
type cluster struct {
	members  []int
	from, to int
}

func (m *Materializer) applyFile(snap *Snapshot, b *vbranch.Branch, tree *repostore.Tree, path string, cur []ownership.Assignment, bh []diffmerge.Hunk, now time.Time) (*filePlan, error) {
	reader := repostore.TreeReader{Store: m.Store, Tree: snap.Base}
	baseExists := reader.Has(path)
	var base []byte
	if baseExists {
		var err error
		if base, err = reader.Read(path); err != nil {
			return nil, vberr.NewIOError("read base", path, err)
		}
	}
	mode := uint32(objects.ModeRegular)
	switch {
	case snap.exists(path):
		mode = m.WS.Mode(path)
	case tree.Entries[path].Mode != 0:
		mode = tree.Entries[path].Mode
	case baseExists:
		mode = snap.Base.Entries[path].Mode
	}

	fp := newFilePlan(path)
	anyOpaque := lo.SomeBy(bh, func(h diffmerge.Hunk) bool { return h.Opaque() }) ||
		lo.SomeBy(cur, func(a ownership.Assignment) bool { return a.Hunk.Opaque() })
	if anyOpaque {
		if len(cur) > 0 {
			return nil, &vberr.ConflictError{
				Path:     path,
				Start:    1,
				End:      1,
				Branches: append(ownerNames(snap.State, cur), b.Name),
				Reason:   "binary file changed both in the working directory and on the branch",
			}
		}
		content, exists, _, err := diffmerge.ApplyFile(base, baseExists, bh)
		if err != nil {
			return nil, fmt.Errorf("failed to apply %s: %w", path, err)
		}
		fp.writes = append(fp.writes, FileWrite{Path: path, Content: content, Mode: mode, Remove: !exists})
		for _, h := range bh {
			fp.emit(path, b.ID, vbranch.RefFor(h, diffmerge.StatusClean, now))
		}
		return fp, nil
	}

	items := make([]item, 0, len(cur)+len(bh))
	for i := range cur {
		items = append(items, item{hunk: cur[i].Hunk, assign: &cur[i]})
	}
	for _, h := range bh {
		items = append(items, item{hunk: h})
	}
	clusters, direct := clusterItems(items, len(cur))

	baseLines := diffmerge.Lines(base)
	var composed []diffmerge.Hunk
	for _, i := range direct {
		composed = append(composed, items[i].hunk)
	}
	type block struct {
		marker vbranch.ConflictMarker
		refs   map[vbranch.BranchID]vbranch.HunkRef
		hunk   diffmerge.Hunk
	}
	blocks := make([]block, 0, len(clusters))
	for _, c := range clusters {
		marker, refs, synth, err := m.conflictBlock(snap.State, b, path, baseLines, items, c, now)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, block{marker: marker, refs: refs, hunk: synth})
		composed = append(composed, synth)
	}

	lines, starts, err := diffmerge.Compose(baseLines, composed)
	if err != nil {
		return nil, fmt.Errorf("failed to apply %s: %w", path, err)
	}

	for k, i := range direct {
		it := items[i]
		landed := it.hunk
		landed.NewStart = starts[k]
		if it.assign == nil {
			fp.emit(path, b.ID, vbranch.RefFor(landed, diffmerge.StatusClean, now))
			continue
		}
		for _, o := range it.assign.Owners {
			at := refTime(snap.State, o.Branch, path, it.hunk.Hash, now)
			fp.emit(path, o.Branch, vbranch.RefFor(landed, o.Status, at))
		}
	}
	for k, bl := range blocks {
		start := starts[len(direct)+k]
		landed := bl.hunk
		landed.NewStart = start
		for id, r := range bl.refs {
			r.Range = landed.Range()
			fp.emit(path, id, r)
		}
		bl.marker.Range = landed.Range()
		fp.markers = append(fp.markers, bl.marker)
	}
	fp.markers = append(fp.markers, relocate(lines, snap.State.Markers, path)...)

	exists := len(lines) > 0
	if !exists {
		switch {
		case lo.SomeBy(bh, func(h diffmerge.Hunk) bool { return h.Change == diffmerge.Removed }):
		case lo.SomeBy(bh, func(h diffmerge.Hunk) bool { return h.Change == diffmerge.Added }):
			exists = true
		default:
			exists = snap.exists(path)
		}
	}
	fp.writes = append(fp.writes, FileWrite{Path: path, Content: diffmerge.Join(lines), Mode: mode, Remove: !exists})
	return fp, nil
}

// clusterItems groups the working items (the first nCur) with the branch
// items they conflict with. An item falling inside the base span of a group
// joins it. Everything else is returned as direct.
func clusterItems(items []item, nCur int) ([]cluster, []int) {
	parent := make([]int, len(items))
	for i := range parent {
		parent[i] = i
	}
	find := func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}
	union := func(a, b int) bool {
		ra, rb := find(a), find(b)
		if ra == rb {
			return false
		}
		if rb < ra {
			ra, rb = rb, ra
		}
		parent[rb] = ra
		return true
	}

	for i := 0; i < nCur; i++ {
		for j := nCur; j < len(items); j++ {
			if diffmerge.Conflicts(items[i].hunk, items[j].hunk) {
				union(i, j)
			}
		}
	}

	spans := func() map[int]*cluster {
		groups := map[int]*cluster{}
		for i, it := range items {
			r := find(i)
			c, ok := groups[r]
			if !ok {
				c = &cluster{from: it.hunk.OldStart, to: it.hunk.OldEnd()}
				groups[r] = c
			}
			c.members = append(c.members, i)
			c.from = min(c.from, it.hunk.OldStart)
			c.to = max(c.to, it.hunk.OldEnd())
		}
		return groups
	}

	for changed := true; changed; {
		changed = false
		groups := spans()
		roots := lo.Keys(groups)
		sort.Ints(roots)
		for _, r := range roots {
			c := groups[r]
			if len(c.members) < 2 {
				continue
			}
			for i, it := range items {
				if find(i) != r && within(it.hunk, c.from, c.to) && union(r, i) {
					changed = true
				}
			}
			if changed {
				break
			}
		}
	}

	var clusters []cluster
	var direct []int
	groups := spans()
	roots := lo.Keys(groups)
	sort.Ints(roots)
	for _, r := range roots {
		c := groups[r]
		if len(c.members) < 2 {
			direct = append(direct, c.members...)
			continue
		}
		clusters = append(clusters, *c)
	}
	sort.Ints(direct)
	sort.Slice(clusters, func(i, j int) bool { return clusters[i].from < clusters[j].from })
	return clusters, direct
}

// within reports whether h touches base lines strictly inside [from, to).
func within(h diffmerge.Hunk, from, to int) bool {
	if h.OldLines == 0 {
		return from < h.OldStart && h.OldStart < to
	}
	return h.OldStart < to && from < h.OldEnd()
}

// conflictBlock renders a cluster as an inline conflict block replacing its
// base span, and arbitrates ownership of the block between the working side
// and the applied branch.
func (m *Materializer) conflictBlock(state *vbranch.State, b *vbranch.Branch, path string, baseLines []string, items []item, c cluster, now time.Time) (vbranch.ConflictMarker, map[vbranch.BranchID]vbranch.HunkRef, diffmerge.Hunk, error) {
	var marker vbranch.ConflictMarker
	if c.to > len(baseLines) {
		return marker, nil, diffmerge.Hunk{}, fmt.Errorf("%s at line %d: %w", path, c.to, diffmerge.ErrMismatch)
	}
	sub := baseLines[c.from:c.to]

	var curHunks, branchHunks []diffmerge.Hunk
	var owners, stale []vbranch.BranchID
	edited := map[vbranch.BranchID]time.Time{}
	for _, i := range c.members {
		it := items[i]
		h := it.hunk
		h.OldStart -= c.from
		if it.assign == nil {
			branchHunks = append(branchHunks, h)
			continue
		}
		curHunks = append(curHunks, h)
		for _, o := range it.assign.Owners {
			if at := refTime(state, o.Branch, path, it.hunk.Hash, now); at.After(edited[o.Branch]) {
				edited[o.Branch] = at
			}
			if o.Status == diffmerge.StatusClean {
				if !lo.Contains(owners, o.Branch) {
					owners = append(owners, o.Branch)
				}
			} else if !lo.Contains(stale, o.Branch) {
				stale = append(stale, o.Branch)
			}
		}
	}

	curSide, _, err := diffmerge.Compose(sub, curHunks)
	if err != nil {
		return marker, nil, diffmerge.Hunk{}, err
	}
	branchSide, _, err := diffmerge.Compose(sub, branchHunks)
	if err != nil {
		return marker, nil, diffmerge.Hunk{}, err
	}

	working := vbranch.MarkerSide{Label: workingLabel, Lines: curSide}
	var contenders []conflict.Contender
	if len(owners) > 0 {
		working.Branch = owners[0]
		var names []string
		for _, id := range owners {
			ob := state.Branches[id]
			names = append(names, ob.Name)
			contenders = append(contenders, conflict.ContenderFor(ob, edited[id]))
		}
		working.Label = strings.Join(names, ", ")
	}
	branchEdited := b.UpdatedAt
	if branchEdited.IsZero() {
		branchEdited = now
	}
	edited[b.ID] = branchEdited
	contenders = append(contenders, conflict.ContenderFor(b, branchEdited))

	marker = vbranch.ConflictMarker{
		Path:      path,
		Sides:     []vbranch.MarkerSide{working, {Branch: b.ID, Label: b.Name, Lines: branchSide}},
		BaseStart: c.from,
		Base:      sub,
	}
	block := conflict.RenderMarkers(marker.Sides)
	synth := diffmerge.Hunk{
		Path:     path,
		Change:   diffmerge.Modified,
		OldStart: c.from,
		OldLines: c.to - c.from,
		NewLines: len(block),
		Removed:  sub,
		Added:    block,
		Status:   diffmerge.StatusClean,
	}
	synth.Rehash()

	refs := map[vbranch.BranchID]vbranch.HunkRef{}
	d := m.Resolver.Decide(contenders)
	if d.Resolved() {
		refs[d.Winner] = vbranch.RefFor(synth, diffmerge.StatusClean, edited[d.Winner])
	}
	for _, id := range append(d.Losers, stale...) {
		if _, ok := refs[id]; !ok {
			refs[id] = vbranch.RefFor(synth, diffmerge.StatusConflicted, edited[id])
		}
	}
	return marker, refs, synth, nil
}

func (m *Materializer) applyRename(snap *Snapshot, b *vbranch.Branch, h diffmerge.Hunk, current map[string][]ownership.Assignment, now time.Time) (*filePlan, error) {
	if snap.exists(h.Path) {
		return nil, &vberr.ConflictError{Path: h.Path, Start: 1, End: 1, Branches: []string{b.Name},
			Reason: "rename target already exists in the working directory"}
	}
	if len(current[h.OldPath]) > 0 {
		return nil, &vberr.ConflictError{Path: h.OldPath, Start: 1, End: 1,
			Branches: append(ownerNames(snap.State, current[h.OldPath]), b.Name),
			Reason:   "renamed file was changed in the working directory"}
	}

	content := diffmerge.Join(h.Added)
	if h.Opaque() {
		content = h.NewData
	}
	mode := snap.Base.Entries[h.OldPath].Mode
	if mode == 0 {
		mode = objects.ModeRegular
	}
	fp := newFilePlan(h.Path, h.OldPath)
	fp.writes = append(fp.writes,
		FileWrite{Path: h.OldPath, Remove: true},
		FileWrite{Path: h.Path, Content: content, Mode: mode})
	fp.emit(h.Path, b.ID, vbranch.RefFor(h, diffmerge.StatusClean, now))
	return fp, nil
}

// PlanUnapply plans removing an applied branch's content from the workspace.
// The branch's owned hunks are reversed; conflict blocks it took part in are
// replaced with the other side. The content removed is saved as a tree so
// the branch can be applied again. Any per-file failure fails the plan.
func (m *Materializer) PlanUnapply(ctx context.Context, snap *Snapshot, id vbranch.BranchID) (*Plan, error) {
	b, err := snap.State.Branch(id)
	if err != nil {
		return nil, err
	}
	if !b.Applied {
		return nil, fmt.Errorf("%s: %w", b.Name, vberr.ErrNotApplied)
	}

	involved := lo.Filter(snap.State.Markers, func(mk vbranch.ConflictMarker, _ int) bool { return mk.Involves(id) })
	owned := lo.Filter(snap.Assignments, func(a ownership.Assignment, _ int) bool {
		return a.Owner() == id && !inMarker(involved, a.Hunk)
	})

	plan := newPlan(id)
	if plan.Tree, err = m.saveTree(snap, b, owned, involved); err != nil {
		return nil, fmt.Errorf("failed to save content of %s: %w", b.Name, err)
	}

	paths := lo.Uniq(append(
		lo.Map(owned, func(a ownership.Assignment, _ int) string { return a.Hunk.Path }),
		lo.Map(involved, func(mk vbranch.ConflictMarker, _ int) string { return mk.Path })...))
	sort.Strings(paths)
	current := lo.GroupBy(snap.Assignments, func(a ownership.Assignment) string { return a.Hunk.Path })

	var errs *multierror.Error
	now := m.now()
	for _, path := range paths {
		path := path
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if snap.Unreadable[path] {
			errs = multierror.Append(errs, vberr.NewIOError("read", path, errUnreadable))
			continue
		}
		markers := lo.Filter(involved, func(mk vbranch.ConflictMarker, _ int) bool { return mk.Path == path })
		fp, err := m.unapplyFile(snap, b, path, current[path], markers, now)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		plan.add(snap, fp)
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}

	m.Logger.Debug("planned unapply",
		zap.String("branch", b.Name),
		zap.Int("writes", len(plan.Writes)),
		zap.Int("markers", len(involved)))
	return plan, nil
}

// inMarker reports whether h lies inside one of the conflict blocks.
func inMarker(markers []vbranch.ConflictMarker, h diffmerge.Hunk) bool {
	r := h.Range()
	return lo.SomeBy(markers, func(mk vbranch.ConflictMarker) bool {
		return mk.Path == h.Path && mk.Range.Start <= r.Start && r.End <= mk.Range.End
	})
}

// saveTree writes the base tree with the branch's content applied: its owned
// hunks, its sides of conflict blocks, and the pending files of its previous
// tree.
func (m *Materializer) saveTree(snap *Snapshot, b *vbranch.Branch, owned []ownership.Assignment, involved []vbranch.ConflictMarker) (repostore.ObjectID, error) {
	hunks := lo.Map(owned, func(a ownership.Assignment, _ int) diffmerge.Hunk { return a.Hunk })
	for _, mk := range involved {
		if side, ok := mk.Side(b.ID); ok {
			hunks = append(hunks, mk.SideHunk(side))
		}
	}
	entries, err := commit.BuildEntries(m.Store, snap.Base, hunks)
	if err != nil {
		return "", err
	}
	if len(b.Pending) > 0 && !b.Tree.IsZero() {
		prev, err := m.Store.ReadTree(b.Tree)
		if err != nil {
			return "", err
		}
		for _, p := range b.Pending {
			if e, ok := prev.Entries[p]; ok {
				entries[p] = e
			} else {
				delete(entries, p)
			}
		}
	}
	return m.Store.WriteTree(entries)
}

// reversal is one region removed from a file during unapply.
type reversal struct {
	hunk   diffmerge.Hunk
	marker *vbranch.ConflictMarker
	keep   vbranch.MarkerSide
}

func (m *Materializer) unapplyFile(snap *Snapshot, b *vbranch.Branch, path string, assigns []ownership.Assignment, markers []vbranch.ConflictMarker, now time.Time) (*filePlan, error) {
	var owned []diffmerge.Hunk
	for _, a := range assigns {
		if a.Owner() == b.ID && !inMarker(markers, a.Hunk) {
			owned = append(owned, a.Hunk)
		}
	}
	if h, ok := lo.Find(owned, func(h diffmerge.Hunk) bool { return h.Change == diffmerge.Renamed }); ok {
		return m.unapplyRename(snap, h), nil
	}

	baseEntry, baseExists := snap.Base.Entries[path]
	mode := uint32(objects.ModeRegular)
	switch {
	case snap.exists(path):
		mode = m.WS.Mode(path)
	case baseExists:
		mode = baseEntry.Mode
	}

	fp := newFilePlan(path)
	if h, ok := lo.Find(owned, func(h diffmerge.Hunk) bool { return h.Opaque() }); ok {
		fw := FileWrite{Path: path, Content: h.OldData, Mode: mode}
		fw.Remove = h.Change == diffmerge.Added
		fp.writes = append(fp.writes, fw)
		return fp, nil
	}

	var content []byte
	if snap.exists(path) {
		var err error
		if content, err = m.WS.Read(path); err != nil {
			return nil, vberr.NewIOError("read", path, err)
		}
	}
	lines := diffmerge.Lines(content)

	revs := make([]reversal, 0, len(owned)+len(markers))
	for _, h := range owned {
		revs = append(revs, reversal{hunk: h})
	}
	for i := range markers {
		mk := &markers[i]
		keep, _ := lo.Find(mk.Sides, func(s vbranch.MarkerSide) bool { return s.Branch != b.ID })
		block := conflict.RenderMarkers(mk.Sides)
		h := diffmerge.Hunk{
			Path:     path,
			Change:   diffmerge.Modified,
			OldLines: len(keep.Lines),
			NewStart: mk.Range.Start - 1,
			NewLines: len(block),
			Removed:  keep.Lines,
			Added:    block,
		}
		revs = append(revs, reversal{hunk: h, marker: mk, keep: keep})
	}
	sort.SliceStable(revs, func(i, j int) bool { return revs[i].hunk.NewStart > revs[j].hunk.NewStart })

	for _, r := range revs {
		var err error
		if lines, _, err = diffmerge.Reverse(lines, r.hunk); err != nil {
			return nil, fmt.Errorf("failed to unapply %s: %w", path, err)
		}
	}

	shift := func(pos int) int {
		out := pos
		for _, r := range revs {
			if r.hunk.NewStart < pos || (r.hunk.NewStart == pos && r.hunk.NewLines == 0) {
				out += r.hunk.OldLines - r.hunk.NewLines
			}
		}
		return out
	}

	for _, a := range assigns {
		if a.Owner() == b.ID || inMarker(markers, a.Hunk) {
			continue
		}
		landed := a.Hunk
		landed.NewStart = shift(a.Hunk.NewStart)
		for _, o := range a.Owners {
			if o.Branch == b.ID {
				continue
			}
			at := refTime(snap.State, o.Branch, path, a.Hunk.Hash, now)
			fp.emit(path, o.Branch, vbranch.RefFor(landed, o.Status, at))
		}
	}
	for _, r := range revs {
		if r.marker == nil || r.keep.Branch == "" {
			continue
		}
		kept := r.marker.SideHunk(r.keep)
		kept.NewStart = shift(r.hunk.NewStart)
		at := refTime(snap.State, r.keep.Branch, path, kept.Hash, now)
		fp.emit(path, r.keep.Branch, vbranch.RefFor(kept, diffmerge.StatusClean, at))
	}

	others := lo.Reject(snap.State.Markers, func(mk vbranch.ConflictMarker, _ int) bool { return mk.Involves(b.ID) })
	fp.markers = relocate(lines, others, path)

	exists := len(lines) > 0
	if !exists {
		exists = baseExists && (snap.exists(path) || lo.SomeBy(owned, func(h diffmerge.Hunk) bool { return h.Change == diffmerge.Removed }))
	}
	fp.writes = append(fp.writes, FileWrite{Path: path, Content: diffmerge.Join(lines), Mode: mode, Remove: !exists})
	return fp, nil
}

func (m *Materializer) unapplyRename(snap *Snapshot, h diffmerge.Hunk) *filePlan {
	content := diffmerge.Join(h.Removed)
	if h.Opaque() {
		content = h.OldData
	}
	mode := snap.Base.Entries[h.OldPath].Mode
	if mode == 0 {
		mode = objects.ModeRegular
	}
	fp := newFilePlan(h.Path, h.OldPath)
	fp.writes = append(fp.writes,
		FileWrite{Path: h.Path, Remove: true},
		FileWrite{Path: h.OldPath, Content: content, Mode: mode})
	return fp
}

// relocate finds the blocks of markers on path in lines, searching outward
// from their recorded position. Blocks that are no longer present are
// dropped.
func relocate(lines []string, markers []vbranch.ConflictMarker, path string) []vbranch.ConflictMarker {
	var out []vbranch.ConflictMarker
	for _, mk := range markers {
		if mk.Path != path {
			continue
		}
		size := mk.Range.End - mk.Range.Start + 1
		hint := mk.Range.Start - 1
		for d := 0; d <= len(lines); d++ {
			moved := mk
			moved.Range = diffmerge.Range{Start: hint - d + 1, End: hint - d + size}
			if conflict.BlockIntact(lines, moved) {
				out = append(out, moved)
				break
			}
			moved.Range = diffmerge.Range{Start: hint + d + 1, End: hint + d + size}
			if d > 0 && conflict.BlockIntact(lines, moved) {
				out = append(out, moved)
				break
			}
		}
	}
	return out
}

// refTime returns when id last changed the hunk with hash on path, falling
// back to the branch's last change of the file.
func refTime(state *vbranch.State, id vbranch.BranchID, path string, hash cas.Hash, now time.Time) time.Time {
	b, ok := state.Branches[id]
	if !ok {
		return now
	}
	c := b.Claim(path)
	if c == nil {
		return now
	}
	for _, r := range c.Hunks {
		if r.Hash == hash {
			return r.UpdatedAt
		}
	}
	if !c.UpdatedAt.IsZero() {
		return c.UpdatedAt
	}
	return now
}

func ownerNames(state *vbranch.State, assigns []ownership.Assignment) []string {
	var names []string
	for _, a := range assigns {
		for _, o := range a.Owners {
			if b, ok := state.Branches[o.Branch]; ok && !lo.Contains(names, b.Name) {
				names = append(names, b.Name)
			}
		}
	}
	if len(names) == 0 {
		names = append(names, workingLabel)
	}
	return names
}

// Verify checks that no touched file changed since the plan's snapshot.
func (m *Materializer) Verify(plan *Plan) error {
	paths := lo.Keys(plan.Expect)
	sort.Strings(paths)
	for _, path := range paths {
		got, err := m.WS.Digest(path)
		if err != nil {
			return vberr.NewIOError("read", path, err)
		}
		if got != plan.Expect[path] {
			return fmt.Errorf("%s: %w", path, vberr.ErrStale)
		}
	}
	return nil
}

// Stage writes the plan's files to temporary files.
func (m *Materializer) Stage(ctx context.Context, plan *Plan) (*Staged, error) {
	return m.WS.Stage(ctx, plan.Writes)
}
