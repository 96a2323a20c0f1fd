// Package diffmerge computes hunk-level differences between a base tree and
// the working directory, and applies, reverses and splits hunks.
//
// Hunks are zero-context: two hunks of the same file are always separated by
// at least one unchanged line. Offsets are 0-based line indexes; ranges shown
// to users are 1-based and inclusive on the working (new) side.
package diffmerge

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/javanhut/vbranch/internal/cas"
)

// ChangeType represents the type of change a hunk makes to its file.
type ChangeType uint8

const (
	Added ChangeType = iota + 1
	Modified
	Removed
	Renamed
)

func (c ChangeType) String() string {
	switch c {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	case Renamed:
		return "renamed"
	default:
		return "unknown"
	}
}

// ContentKind classifies file content.
type ContentKind uint8

const (
	Text ContentKind = iota
	Binary
	Large
)

func (k ContentKind) String() string {
	switch k {
	case Binary:
		return "binary"
	case Large:
		return "large"
	default:
		return "text"
	}
}

// Status of a hunk or claim.
type Status string

const (
	StatusClean      Status = "clean"
	StatusConflicted Status = "conflicted"
)

// Range is a 1-based inclusive line range on the working side of a file.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Overlaps reports whether r and o share a line.
func (r Range) Overlaps(o Range) bool {
	return r.Start <= o.End && o.Start <= r.End
}

// Contains reports whether line falls inside r.
func (r Range) Contains(line int) bool {
	return line >= r.Start && line <= r.End
}

// Shift moves r by delta lines.
func (r Range) Shift(delta int) Range {
	return Range{Start: r.Start + delta, End: r.End + delta}
}

func (r Range) String() string {
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// ParseRange parses "start-end" or a single line number.
func ParseRange(s string) (Range, error) {
	startStr, endStr, found := strings.Cut(s, "-")
	start, err := strconv.Atoi(startStr)
	if err != nil {
		return Range{}, fmt.Errorf("invalid range %q: %w", s, err)
	}
	end := start
	if found {
		end, err = strconv.Atoi(endStr)
		if err != nil {
			return Range{}, fmt.Errorf("invalid range %q: %w", s, err)
		}
	}
	if start < 1 || end < start {
		return Range{}, fmt.Errorf("invalid range %q", s)
	}
	return Range{Start: start, End: end}, nil
}

// Hunk is one contiguous change to a file.
type Hunk struct {
	Path    string
	OldPath string // set for renames
	Change  ChangeType
	Kind    ContentKind

	// OldStart/OldLines select the replaced lines of the base file,
	// NewStart/NewLines the replacing lines of the working file.
	OldStart int
	OldLines int
	NewStart int
	NewLines int

	Removed []string
	Added   []string

	// Opaque (binary or large) hunks carry whole file contents instead of lines.
	OldData []byte
	NewData []byte

	Hash   cas.Hash
	Status Status
}

// Opaque reports whether the hunk covers a whole binary or large file.
func (h Hunk) Opaque() bool { return h.Kind != Text }

// OldEnd is the offset just past the replaced base lines.
func (h Hunk) OldEnd() int { return h.OldStart + h.OldLines }

// NewEnd is the offset just past the replacing working lines.
func (h Hunk) NewEnd() int { return h.NewStart + h.NewLines }

// Range returns the working-side range. A pure deletion occupies the single
// line position right after the removed text.
func (h Hunk) Range() Range {
	if h.Opaque() || h.NewLines == 0 {
		return Range{Start: h.NewStart + 1, End: h.NewStart + 1}
	}
	return Range{Start: h.NewStart + 1, End: h.NewStart + h.NewLines}
}

// ID identifies the hunk within one working directory state.
func (h Hunk) ID() string {
	return FormatID(h.Path, h.Range())
}

// FormatID renders a hunk identifier.
func FormatID(path string, r Range) string {
	return path + ":" + r.String()
}

// ParseID splits a hunk identifier into path and range.
func ParseID(id string) (string, Range, error) {
	i := strings.LastIndex(id, ":")
	if i <= 0 {
		return "", Range{}, fmt.Errorf("invalid hunk id %q (expected path:start-end)", id)
	}
	r, err := ParseRange(id[i+1:])
	if err != nil {
		return "", Range{}, fmt.Errorf("invalid hunk id %q: %w", id, err)
	}
	return id[:i], r, nil
}

// Body returns the hunk's removed and added lines in diff notation.
func (h Hunk) Body() string {
	if h.Opaque() {
		return fmt.Sprintf("%s file %s (%d -> %d bytes)\n", h.Kind, h.Change, len(h.OldData), len(h.NewData))
	}
	var b strings.Builder
	writeLines(&b, "-", h.Removed)
	writeLines(&b, "+", h.Added)
	return b.String()
}

func writeLines(b *strings.Builder, prefix string, lines []string) {
	for _, line := range lines {
		b.WriteString(prefix)
		b.WriteString(line)
		if !strings.HasSuffix(line, "\n") {
			b.WriteString("\n\\ No newline at end of file\n")
		}
	}
}

// Unified renders the hunk with a unified diff header.
func (h Hunk) Unified() string {
	oldStart, newStart := h.OldStart, h.NewStart
	if h.OldLines > 0 {
		oldStart++
	}
	if h.NewLines > 0 {
		newStart++
	}
	return fmt.Sprintf("@@ -%d,%d +%d,%d @@\n%s", oldStart, h.OldLines, newStart, h.NewLines, h.Body())
}

// computeHash sets the position-independent content hash.
func (h *Hunk) computeHash() {
	var b strings.Builder
	if h.Change == Renamed {
		b.WriteString("rename\x00" + h.OldPath + "\x00" + h.Path + "\x00")
	}
	if h.Opaque() {
		oldSum, newSum := cas.SumB3(h.OldData), cas.SumB3(h.NewData)
		b.WriteString("opaque\x00" + oldSum.String() + newSum.String())
		h.Hash = cas.SumB3([]byte(b.String()))
		return
	}
	for _, line := range h.Removed {
		b.WriteString("-" + line + "\x00")
	}
	for _, line := range h.Added {
		b.WriteString("+" + line + "\x00")
	}
	h.Hash = cas.SumB3([]byte(b.String()))
}
