package diffmerge

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/samber/lo"
	"github.com/sergi/go-diff/diffmatchpatch"
	"golang.org/x/sync/errgroup"

	"github.com/javanhut/vbranch/internal/cas"
	"github.com/javanhut/vbranch/internal/vberr"
)

// Source is a readable set of files: the base tree or the working directory.
type Source interface {
	List() ([]string, error)
	Read(path string) ([]byte, error)
}

// Options tune the diff engine.
type Options struct {
	// RenameThreshold is the minimum similarity for pairing a removed file
	// with an added file. Zero disables rename detection.
	RenameThreshold float64
	// MaxFileSize is the size above which a file is diffed as one opaque hunk.
	MaxFileSize int64
	// Workers bounds per-file parallelism.
	Workers int
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{RenameThreshold: 0.5, MaxFileSize: 10 * 1024 * 1024, Workers: 8}
}

// Result of a diff pass.
type Result struct {
	Hunks  []Hunk
	Errors []*vberr.IOError
	// Digests holds the content hash of every working file. Unreadable files
	// map to the zero hash.
	Digests map[string]cas.Hash
}

// Snapshot identifies the working directory state the result was computed against.
func (r *Result) Snapshot() cas.Hash {
	return cas.Digest(r.Digests)
}

// ByPath groups hunks by file path.
func (r *Result) ByPath() map[string][]Hunk {
	return lo.GroupBy(r.Hunks, func(h Hunk) string { return h.Path })
}

// Classify determines how content is diffed.
func Classify(data []byte, maxSize int64) ContentKind {
	if maxSize > 0 && int64(len(data)) > maxSize {
		return Large
	}
	sample := data
	if len(sample) > 8000 {
		sample = sample[:8000]
	}
	if bytes.IndexByte(sample, 0) >= 0 || !utf8.Valid(data) {
		return Binary
	}
	return Text
}

// Lines splits content into lines that keep their terminators.
func Lines(content []byte) []string {
	return splitLines(string(content))
}

// Join concatenates lines produced by Lines.
func Join(lines []string) []byte {
	return []byte(strings.Join(lines, ""))
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func newDMP() *diffmatchpatch.DiffMatchPatch {
	dmp := diffmatchpatch.New()
	// No deadline: the same inputs must always produce the same hunks.
	dmp.DiffTimeout = 0
	return dmp
}

// diffLines returns zero-context hunks turning oldText into newText.
func diffLines(oldText, newText string) []Hunk {
	dmp := newDMP()
	a, b, lineArray := dmp.DiffLinesToChars(oldText, newText)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lineArray)

	var hunks []Hunk
	var cur *Hunk
	oldIdx, newIdx := 0, 0
	flush := func() {
		if cur != nil {
			hunks = append(hunks, *cur)
			cur = nil
		}
	}
	for _, d := range diffs {
		lines := splitLines(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			flush()
			oldIdx += len(lines)
			newIdx += len(lines)
		case diffmatchpatch.DiffDelete:
			if cur == nil {
				cur = &Hunk{OldStart: oldIdx, NewStart: newIdx, Kind: Text}
			}
			cur.Removed = append(cur.Removed, lines...)
			cur.OldLines += len(lines)
			oldIdx += len(lines)
		case diffmatchpatch.DiffInsert:
			if cur == nil {
				cur = &Hunk{OldStart: oldIdx, NewStart: newIdx, Kind: Text}
			}
			cur.Added = append(cur.Added, lines...)
			cur.NewLines += len(lines)
			newIdx += len(lines)
		}
	}
	flush()
	return hunks
}

// DiffFile computes the hunks for one file. A missing side is passed as nil
// with its exists flag false.
func DiffFile(path string, old []byte, oldExists bool, cur []byte, curExists bool, opts Options) []Hunk {
	if !oldExists && !curExists {
		return nil
	}
	if oldExists && curExists && bytes.Equal(old, cur) {
		return nil
	}

	change := Modified
	switch {
	case !oldExists:
		change = Added
	case !curExists:
		change = Removed
	}

	kind := Classify(old, opts.MaxFileSize)
	if k := Classify(cur, opts.MaxFileSize); k > kind {
		kind = k
	}
	if kind != Text {
		h := Hunk{
			Path:    path,
			Change:  change,
			Kind:    kind,
			OldData: old,
			NewData: cur,
			Status:  StatusClean,
		}
		h.computeHash()
		return []Hunk{h}
	}

	hunks := diffLines(string(old), string(cur))
	for i := range hunks {
		hunks[i].Path = path
		hunks[i].Change = change
		hunks[i].Status = StatusClean
		hunks[i].computeHash()
	}
	return hunks
}

type fileResult struct {
	hunks     []Hunk
	err       *vberr.IOError
	digest    cas.Hash
	hasDigest bool
	// Contents are kept only for whole-file additions and removals, which
	// are rename candidates.
	old, cur []byte
}

// Compute diffs every file of working against base. Files are processed in
// parallel; an unreadable file is treated as unchanged and reported in
// Result.Errors. The returned error is non-nil only when a listing fails or
// ctx is cancelled.
func Compute(ctx context.Context, base, working Source, opts Options) (*Result, error) {
	if opts.Workers <= 0 {
		opts.Workers = DefaultOptions().Workers
	}

	basePaths, err := base.List()
	if err != nil {
		return nil, vberr.NewIOError("list", "base tree", err)
	}
	workPaths, err := working.List()
	if err != nil {
		return nil, vberr.NewIOError("list", "working directory", err)
	}

	inBase := lo.SliceToMap(basePaths, func(p string) (string, bool) { return p, true })
	inWork := lo.SliceToMap(workPaths, func(p string) (string, bool) { return p, true })
	paths := lo.Uniq(append(append([]string(nil), basePaths...), workPaths...))
	sort.Strings(paths)

	results := make([]fileResult, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = diffPath(base, working, path, inBase[path], inWork[path], opts)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Result{Digests: map[string]cas.Hash{}}
	var added, removed []int
	for i, fr := range results {
		if fr.err != nil {
			res.Errors = append(res.Errors, fr.err)
		}
		if fr.hasDigest {
			res.Digests[paths[i]] = fr.digest
		}
		if len(fr.hunks) == 1 {
			switch fr.hunks[0].Change {
			case Added:
				added = append(added, i)
			case Removed:
				removed = append(removed, i)
			}
		}
	}

	detectRenames(results, paths, added, removed, opts)

	for _, fr := range results {
		res.Hunks = append(res.Hunks, fr.hunks...)
	}
	SortHunks(res.Hunks)
	return res, nil
}

func diffPath(base, working Source, path string, oldExists, curExists bool, opts Options) fileResult {
	var fr fileResult
	var old, cur []byte
	var err error

	if curExists {
		cur, err = working.Read(path)
		if err != nil {
			fr.err = vberr.NewIOError("read", path, err)
			fr.hasDigest = true
			return fr
		}
		fr.digest = cas.SumB3(cur)
		fr.hasDigest = true
	}
	if oldExists {
		old, err = base.Read(path)
		if err != nil {
			fr.err = vberr.NewIOError("read base", path, err)
			return fr
		}
	}

	fr.hunks = DiffFile(path, old, oldExists, cur, curExists, opts)
	if len(fr.hunks) == 1 && fr.hunks[0].Change != Modified {
		fr.old, fr.cur = old, cur
	}
	return fr
}

// detectRenames pairs removed files with the most similar added file. Pairs
// are chosen greedily in path order so the outcome is deterministic.
func detectRenames(results []fileResult, paths []string, added, removed []int, opts Options) {
	if opts.RenameThreshold <= 0 || len(added) == 0 || len(removed) == 0 {
		return
	}
	taken := map[int]bool{}
	for _, ri := range removed {
		oldHunk := results[ri].hunks[0]
		best, bestScore := -1, 0.0
		for _, ai := range added {
			if taken[ai] {
				continue
			}
			newHunk := results[ai].hunks[0]
			var score float64
			if oldHunk.Opaque() || newHunk.Opaque() {
				if bytes.Equal(results[ri].old, results[ai].cur) {
					score = 1
				}
			} else {
				score = Similarity(string(results[ri].old), string(results[ai].cur))
			}
			if score >= opts.RenameThreshold && score > bestScore {
				best, bestScore = ai, score
			}
		}
		if best < 0 {
			continue
		}
		taken[best] = true

		newHunk := results[best].hunks[0]
		renamed := Hunk{
			Path:     paths[best],
			OldPath:  paths[ri],
			Change:   Renamed,
			Kind:     oldHunk.Kind,
			OldLines: oldHunk.OldLines,
			NewLines: newHunk.NewLines,
			Removed:  oldHunk.Removed,
			Added:    newHunk.Added,
			OldData:  oldHunk.OldData,
			NewData:  newHunk.NewData,
			Status:   StatusClean,
		}
		if newHunk.Kind > renamed.Kind {
			renamed.Kind = newHunk.Kind
		}
		renamed.computeHash()
		results[best].hunks = []Hunk{renamed}
		results[ri].hunks = nil
	}
}

// SortHunks orders hunks by path, then by working-side position.
func SortHunks(hunks []Hunk) {
	sort.SliceStable(hunks, func(i, j int) bool {
		if hunks[i].Path != hunks[j].Path {
			return hunks[i].Path < hunks[j].Path
		}
		return hunks[i].NewStart < hunks[j].NewStart
	})
}

// Similarity returns a line-level similarity ratio in [0,1].
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	dmp := newDMP()
	ca, cb, _ := dmp.DiffLinesToChars(a, b)
	total := utf8.RuneCountInString(ca)
	if n := utf8.RuneCountInString(cb); n > total {
		total = n
	}
	if total == 0 {
		return 1
	}
	distance := dmp.DiffLevenshtein(dmp.DiffMain(ca, cb, false))
	return 1 - float64(distance)/float64(total)
}

// EditOffsets compares two versions of the same lines and returns the
// offsets into cur where a changed run starts or ends. Offsets at the very
// start or end of cur are omitted.
func EditOffsets(prev, cur []string) []int {
	dmp := newDMP()
	a, b, lineArray := dmp.DiffLinesToChars(strings.Join(prev, ""), strings.Join(cur, ""))
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lineArray)

	var offsets []int
	idx := 0
	add := func(off int) {
		if off > 0 && off < len(cur) && (len(offsets) == 0 || offsets[len(offsets)-1] != off) {
			offsets = append(offsets, off)
		}
	}
	for _, d := range diffs {
		n := len(splitLines(d.Text))
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			idx += n
		case diffmatchpatch.DiffDelete:
			add(idx)
		case diffmatchpatch.DiffInsert:
			add(idx)
			idx += n
			add(idx)
		}
	}
	return offsets
}
