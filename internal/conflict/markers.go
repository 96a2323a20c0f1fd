package conflict

import (
	"strings"

	"github.com/javanhut/vbranch/internal/vbranch"
)

const (
	markerStart = "<<<<<<<"
	markerSep   = "======="
	markerEnd   = ">>>>>>>"
)

// RenderMarkers builds an inline conflict block from sides. The first side
// opens the block, the last closes it, and further sides are separated with
// their own labelled separators.
func RenderMarkers(sides []vbranch.MarkerSide) []string {
	var out []string
	for i, side := range sides {
		switch {
		case i == 0:
			out = append(out, markerStart+" "+side.Label+"\n")
		case i == len(sides)-1:
			out = append(out, markerSep+"\n")
		default:
			out = append(out, markerSep+" "+side.Label+"\n")
		}
		out = append(out, terminated(side.Lines)...)
	}
	if len(sides) > 0 {
		out = append(out, markerEnd+" "+sides[len(sides)-1].Label+"\n")
	}
	return out
}

// terminated makes sure the last line ends with a newline so the following
// marker starts on its own line.
func terminated(lines []string) []string {
	if len(lines) == 0 || strings.HasSuffix(lines[len(lines)-1], "\n") {
		return lines
	}
	out := append([]string(nil), lines...)
	out[len(out)-1] += "\n"
	return out
}

// BlockIntact reports whether content still holds the block recorded for m
// at its range. It turns false once the user edits or removes the block.
func BlockIntact(content []string, m vbranch.ConflictMarker) bool {
	block := RenderMarkers(m.Sides)
	start := m.Range.Start - 1
	if start < 0 || start+len(block) > len(content) || m.Range.End-m.Range.Start+1 != len(block) {
		return false
	}
	for i, line := range block {
		if content[start+i] != line {
			return false
		}
	}
	return true
}

// HasMarkers reports whether content contains any conflict marker line.
func HasMarkers(content []string) bool {
	for _, line := range content {
		if strings.HasPrefix(line, markerStart+" ") || strings.HasPrefix(line, markerEnd+" ") {
			return true
		}
	}
	return false
}
