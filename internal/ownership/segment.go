package ownership

import (
	"slices"

	"github.com/javanhut/vbranch/internal/diffmerge"
)

// run is a stretch of a hunk's lines covered by the same refs.
type run struct {
	from, to int // offsets into the hunk's added lines
	label    []int
}

// segmentHunk cuts h wherever the set of covering refs changes. Uncovered
// lines between two runs of the same owner join them and uncovered lines
// between differently owned runs are contested by both. Uncovered lines at
// either edge become a segment of their own; when the owned lines next to
// them were rewritten too, that piece is linked to the edge segment so its
// owner can contest it.
func segmentHunk(h diffmerge.Hunk, candidates []*slot) []segment {
	r := h.Range()
	var overlapping []*slot
	for _, s := range candidates {
		if s.ref.Range.Overlaps(r) {
			overlapping = append(overlapping, s)
		}
	}
	if len(overlapping) == 0 {
		return []segment{{hunk: h}}
	}
	if h.Opaque() || h.NewLines < 2 || h.Change == diffmerge.Renamed {
		return refine(segment{hunk: h, slots: overlapping})
	}

	runs := coverage(h, overlapping)
	runs = fillGaps(runs, overlapping)

	cuts := make([]int, 0, len(runs))
	for _, rn := range runs[1:] {
		cuts = append(cuts, h.NewStart+rn.from)
	}
	pieces := diffmerge.Split(h, cuts)

	var out []segment
	for i, piece := range pieces {
		seg := segment{hunk: piece}
		if len(runs[i].label) == 0 {
			out = append(out, seg)
			continue
		}
		for _, k := range runs[i].label {
			seg.slots = append(seg.slots, overlapping[k])
		}
		refined := refine(seg)
		if i > 0 && len(runs[i-1].label) == 0 && rewritten(refined[0]) {
			refined[0].spill = len(out)
		}
		if i+1 < len(runs) && len(runs[i+1].label) == 0 && rewritten(refined[len(refined)-1]) {
			refined[len(refined)-1].spill = len(out) + len(refined) + 1
		}
		out = append(out, refined...)
	}
	return out
}

// rewritten reports whether a segment held by a single branch no longer
// shows the lines its previous refs recorded at the same positions.
func rewritten(seg segment) bool {
	if len(seg.slots) == 0 || len(seg.branches()) != 1 {
		return false
	}
	h := seg.hunk
	for off, line := range h.Added {
		n := h.NewStart + off + 1
		var prev *slot
		for _, s := range seg.slots {
			if s.ref.Range.Contains(n) {
				prev = s
				break
			}
		}
		if prev == nil {
			return true
		}
		i := n - prev.ref.Range.Start
		if i < 0 || i >= len(prev.ref.Added) || prev.ref.Added[i] != line {
			return true
		}
	}
	return false
}

// coverage groups the hunk's lines into runs of identical covering refs.
func coverage(h diffmerge.Hunk, slots []*slot) []run {
	var runs []run
	for off := 0; off < h.NewLines; off++ {
		line := h.NewStart + off + 1
		var label []int
		for k, s := range slots {
			if s.ref.Range.Contains(line) {
				label = append(label, k)
			}
		}
		if n := len(runs); n > 0 && slices.Equal(runs[n-1].label, label) {
			runs[n-1].to = off + 1
			continue
		}
		runs = append(runs, run{from: off, to: off + 1, label: label})
	}
	return runs
}

// fillGaps labels the uncovered runs between two covered ones and merges
// equal neighbours. Uncovered runs at either edge keep an empty label.
func fillGaps(runs []run, slots []*slot) []run {
	owners := func(label []int) []string {
		var ids []string
		for _, k := range label {
			id := string(slots[k].branch.ID)
			if !slices.Contains(ids, id) {
				ids = append(ids, id)
			}
		}
		slices.Sort(ids)
		return ids
	}

	for i := range runs {
		if len(runs[i].label) > 0 || i == 0 || i == len(runs)-1 {
			continue
		}
		if slices.Equal(owners(runs[i-1].label), owners(runs[i+1].label)) {
			runs[i].label = runs[i-1].label
			continue
		}
		merged := append(append([]int(nil), runs[i-1].label...), runs[i+1].label...)
		slices.Sort(merged)
		runs[i].label = slices.Compact(merged)
	}

	out := runs[:0]
	for _, rn := range runs {
		if n := len(out); n > 0 && slices.Equal(out[n-1].label, rn.label) {
			out[n-1].to = rn.to
			continue
		}
		out = append(out, rn)
	}
	return out
}

// refine splits a segment covered by exactly one ref whose content changed,
// so that the edited lines and the untouched lines around them become
// separate hunks of the same owner.
func refine(seg segment) []segment {
	if len(seg.slots) != 1 {
		return []segment{seg}
	}
	prev := seg.slots[0].ref
	h := seg.hunk
	if prev.Hash == h.Hash || len(prev.Added) == 0 || h.Opaque() {
		return []segment{seg}
	}
	offsets := diffmerge.EditOffsets(prev.Added, h.Added)
	if len(offsets) == 0 {
		return []segment{seg}
	}
	cuts := make([]int, len(offsets))
	for i, off := range offsets {
		cuts[i] = h.NewStart + off
	}
	pieces := diffmerge.Split(h, cuts)
	out := make([]segment, len(pieces))
	for i, p := range pieces {
		out[i] = segment{hunk: p, slots: seg.slots}
	}
	return out
}
