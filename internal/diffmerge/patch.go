package diffmerge

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrOverlap is returned when two hunks replace the same base lines.
	ErrOverlap = errors.New("hunks overlap")
	// ErrMismatch is returned when a hunk does not match the content it is applied to.
	ErrMismatch = errors.New("hunk does not match content")
)

// Conflicts reports whether a and b cannot both be applied to the same base:
// their replaced line ranges overlap, both insert at the same point, or one
// inserts strictly inside the other's replaced range.
func Conflicts(a, b Hunk) bool {
	if a.Opaque() || b.Opaque() {
		return true
	}
	switch {
	case a.OldLines == 0 && b.OldLines == 0:
		return a.OldStart == b.OldStart
	case a.OldLines == 0:
		return a.OldStart > b.OldStart && a.OldStart < b.OldEnd()
	case b.OldLines == 0:
		return b.OldStart > a.OldStart && b.OldStart < a.OldEnd()
	default:
		return a.OldStart < b.OldEnd() && b.OldStart < a.OldEnd()
	}
}

// Compose applies text hunks to base lines. Hunks may be given in any order;
// they are applied in base order. The returned starts holds, for each input
// hunk, the 0-based offset of its added lines in the result.
func Compose(base []string, hunks []Hunk) ([]string, []int, error) {
	order := make([]int, len(hunks))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		a, b := hunks[order[i]], hunks[order[j]]
		if a.OldStart != b.OldStart {
			return a.OldStart < b.OldStart
		}
		if (a.OldLines == 0) != (b.OldLines == 0) {
			return a.OldLines == 0
		}
		return a.NewStart < b.NewStart
	})

	out := make([]string, 0, len(base))
	starts := make([]int, len(hunks))
	cursor := 0
	for _, i := range order {
		h := hunks[i]
		if h.Opaque() {
			return nil, nil, fmt.Errorf("%s: cannot compose %s hunk", h.Path, h.Kind)
		}
		if h.OldStart < cursor {
			return nil, nil, fmt.Errorf("%s at line %d: %w", h.Path, h.OldStart+1, ErrOverlap)
		}
		if h.OldEnd() > len(base) {
			return nil, nil, fmt.Errorf("%s at line %d: %w", h.Path, h.OldStart+1, ErrMismatch)
		}
		for k, line := range h.Removed {
			if base[h.OldStart+k] != line {
				return nil, nil, fmt.Errorf("%s at line %d: %w", h.Path, h.OldStart+k+1, ErrMismatch)
			}
		}
		out = append(out, base[cursor:h.OldStart]...)
		starts[i] = len(out)
		out = append(out, h.Added...)
		cursor = h.OldEnd()
	}
	out = append(out, base[cursor:]...)
	return out, starts, nil
}

// ApplyFile applies the hunks of one file to its base content. An empty
// result for a file that did not exist in the base, or whose removal hunk
// is applied, reports exists=false.
func ApplyFile(base []byte, baseExists bool, hunks []Hunk) (content []byte, exists bool, starts []int, err error) {
	starts = make([]int, len(hunks))
	for _, h := range hunks {
		if !h.Opaque() {
			continue
		}
		if len(hunks) > 1 {
			return nil, false, nil, fmt.Errorf("%s: %w", h.Path, ErrOverlap)
		}
		return h.NewData, h.Change != Removed, starts, nil
	}

	lines, starts, err := Compose(Lines(base), hunks)
	if err != nil {
		return nil, false, nil, err
	}
	exists = baseExists
	for _, h := range hunks {
		switch h.Change {
		case Added, Renamed:
			exists = true
		case Removed:
			exists = false
		}
	}
	if len(lines) > 0 {
		exists = true
	}
	return Join(lines), exists, starts, nil
}

// fuzz bounds how far Reverse searches for a hunk that has moved.
const fuzz = 200

// Reverse removes one hunk from current content, restoring the base lines
// it replaced. The hunk's added lines are expected at NewStart; when other
// edits have shifted them, the nearest matching position is used.
func Reverse(cur []string, h Hunk) ([]string, int, error) {
	if h.Opaque() {
		return nil, 0, fmt.Errorf("%s: cannot reverse %s hunk", h.Path, h.Kind)
	}

	at := -1
	if h.NewLines == 0 {
		if h.NewStart <= len(cur) {
			at = h.NewStart
		}
	} else {
		for d := 0; d <= fuzz && at < 0; d++ {
			if matchAt(cur, h.Added, h.NewStart-d) {
				at = h.NewStart - d
			} else if d > 0 && matchAt(cur, h.Added, h.NewStart+d) {
				at = h.NewStart + d
			}
		}
	}
	if at < 0 {
		return nil, 0, fmt.Errorf("%s at line %d: %w", h.Path, h.NewStart+1, ErrMismatch)
	}

	out := make([]string, 0, len(cur)-h.NewLines+h.OldLines)
	out = append(out, cur[:at]...)
	out = append(out, h.Removed...)
	out = append(out, cur[at+h.NewLines:]...)
	return out, at, nil
}

func matchAt(cur, lines []string, at int) bool {
	if at < 0 || at+len(lines) > len(cur) {
		return false
	}
	for i, line := range lines {
		if cur[at+i] != line {
			return false
		}
	}
	return true
}

// Split cuts h at the given new-side offsets (absolute 0-based line
// indexes). Removed lines are paired positionally with added lines; the
// last segment takes any removed lines left over. Opaque hunks and hunks
// with fewer than two added lines are returned unchanged.
func Split(h Hunk, cuts []int) []Hunk {
	if h.Opaque() || h.NewLines < 2 || h.Change == Renamed {
		return []Hunk{h}
	}

	var rel []int
	for _, c := range cuts {
		if off := c - h.NewStart; off > 0 && off < h.NewLines {
			rel = append(rel, off)
		}
	}
	sort.Ints(rel)
	rel = uniqueInts(rel)
	if len(rel) == 0 {
		return []Hunk{h}
	}

	bounds := append(append([]int{0}, rel...), h.NewLines)
	out := make([]Hunk, 0, len(bounds)-1)
	for i := 0; i+1 < len(bounds); i++ {
		from, to := bounds[i], bounds[i+1]
		rFrom := min(from, h.OldLines)
		rTo := min(to, h.OldLines)
		if i+2 == len(bounds) {
			rTo = h.OldLines
		}
		seg := Hunk{
			Path:     h.Path,
			Change:   h.Change,
			Kind:     h.Kind,
			OldStart: h.OldStart + rFrom,
			OldLines: rTo - rFrom,
			NewStart: h.NewStart + from,
			NewLines: to - from,
			Removed:  h.Removed[rFrom:rTo],
			Added:    h.Added[from:to],
			Status:   h.Status,
		}
		seg.computeHash()
		out = append(out, seg)
	}
	return out
}

func uniqueInts(sorted []int) []int {
	out := sorted[:0]
	for i, v := range sorted {
		if i == 0 || v != sorted[i-1] {
			out = append(out, v)
		}
	}
	return out
}

// Rehash recomputes the content hash after a caller edits a hunk's lines.
func (h *Hunk) Rehash() { h.computeHash() }
