// Package oplog records mutating virtual branch operations so they can be
// undone and redone.
//
// The log is append-only. Undo and redo are themselves appended as entries
// pointing at the entry they invert, so the undo and redo stacks are derived
// by replaying the log from the start.
package oplog

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/javanhut/vbranch/internal/repostore"
	"github.com/javanhut/vbranch/internal/vberr"
	"github.com/javanhut/vbranch/internal/vbranch"
)

// Kind names an operation.
type Kind string

const (
	KindCreate   Kind = "create"
	KindUpdate   Kind = "update"
	KindDelete   Kind = "delete"
	KindReassign Kind = "reassign"
	KindApply    Kind = "apply"
	KindUnapply  Kind = "unapply"
	KindCommit   Kind = "commit"
	KindResolve  Kind = "resolve"
	KindTarget   Kind = "target"
	KindUndo     Kind = "undo"
	KindRedo     Kind = "redo"
)

// FileChange records a workspace file rewritten by an operation. Contents
// are blobs in the repository store; an empty id means the file was absent.
type FileChange struct {
	Path   string             `json:"path"`
	Before repostore.ObjectID `json:"before,omitempty"`
	After  repostore.ObjectID `json:"after,omitempty"`
}

// Entry is one logged operation with the branch records it changed. A nil
// record means the branch did not exist on that side of the operation.
type Entry struct {
	Seq     uint64           `json:"seq"`
	Kind    Kind             `json:"kind"`
	Branch  vbranch.BranchID `json:"branch,omitempty"`
	Summary string           `json:"summary"`
	At      time.Time        `json:"at"`

	Before map[vbranch.BranchID]*vbranch.Branch `json:"before,omitempty"`
	After  map[vbranch.BranchID]*vbranch.Branch `json:"after,omitempty"`

	MarkersBefore []vbranch.ConflictMarker `json:"markers_before,omitempty"`
	MarkersAfter  []vbranch.ConflictMarker `json:"markers_after,omitempty"`
	Files         []FileChange             `json:"files,omitempty"`

	// Unapplied is set when a delete first removed the branch's changes
	// from the working directory.
	Unapplied bool `json:"unapplied,omitempty"`

	// Target is the entry an undo or redo inverts.
	Target uint64 `json:"target,omitempty"`

	// TargetBefore and TargetAfter record a move of the target commit.
	TargetBefore repostore.ObjectID `json:"target_before,omitempty"`
	TargetAfter  repostore.ObjectID `json:"target_after,omitempty"`
}

// Backend persists log entries in sequence order.
type Backend interface {
	AppendLog(encode func(seq uint64) ([]byte, error)) (uint64, error)
	ForEachLog(fn func(seq uint64, value []byte) error) error
}

// Log is the session log.
type Log struct {
	backend Backend
	Now     func() time.Time
}

// New creates a log stored in backend.
func New(backend Backend) *Log {
	return &Log{backend: backend, Now: time.Now}
}

// Append stores e under the next sequence number and returns it as stored.
func (l *Log) Append(e Entry) (Entry, error) {
	if e.At.IsZero() {
		e.At = l.Now()
	}
	seq, err := l.backend.AppendLog(func(seq uint64) ([]byte, error) {
		e.Seq = seq
		return json.Marshal(e)
	})
	if err != nil {
		return Entry{}, fmt.Errorf("failed to append %s to session log: %w", e.Kind, err)
	}
	e.Seq = seq
	return e, nil
}

// Entries returns every entry, oldest first.
func (l *Log) Entries() ([]Entry, error) {
	var out []Entry
	err := l.backend.ForEachLog(func(seq uint64, value []byte) error {
		var e Entry
		if err := json.Unmarshal(value, &e); err != nil {
			return fmt.Errorf("failed to decode log entry %d: %w", seq, err)
		}
		out = append(out, e)
		return nil
	})
	return out, err
}

// Stacks replays the log and returns the undoable and redoable entries,
// most recent last.
func (l *Log) Stacks() (undo, redo []Entry, err error) {
	entries, err := l.Entries()
	if err != nil {
		return nil, nil, err
	}
	bySeq := make(map[uint64]Entry, len(entries))
	for _, e := range entries {
		bySeq[e.Seq] = e
		switch e.Kind {
		case KindUndo:
			undo = remove(undo, e.Target)
			redo = append(redo, bySeq[e.Target])
		case KindRedo:
			redo = remove(redo, e.Target)
			undo = append(undo, bySeq[e.Target])
		default:
			undo = append(undo, e)
			redo = nil
		}
	}
	return undo, redo, nil
}

func remove(stack []Entry, seq uint64) []Entry {
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i].Seq == seq {
			return append(stack[:i:i], stack[i+1:]...)
		}
	}
	return stack
}

// UndoCandidate returns the entry the next undo inverts.
func (l *Log) UndoCandidate() (Entry, error) {
	undo, _, err := l.Stacks()
	if err != nil {
		return Entry{}, err
	}
	if len(undo) == 0 {
		return Entry{}, vberr.ErrNothingToUndo
	}
	return undo[len(undo)-1], nil
}

// RedoCandidate returns the entry the next redo re-applies.
func (l *Log) RedoCandidate() (Entry, error) {
	_, redo, err := l.Stacks()
	if err != nil {
		return Entry{}, err
	}
	if len(redo) == 0 {
		return Entry{}, vberr.ErrNothingToRedo
	}
	return redo[len(redo)-1], nil
}

// Diff captures the records of the given branches in before and after.
func Diff(before, after *vbranch.State, ids ...vbranch.BranchID) (map[vbranch.BranchID]*vbranch.Branch, map[vbranch.BranchID]*vbranch.Branch) {
	b := map[vbranch.BranchID]*vbranch.Branch{}
	a := map[vbranch.BranchID]*vbranch.Branch{}
	for _, id := range ids {
		if br, ok := before.Branches[id]; ok {
			b[id] = br.Clone()
		} else {
			b[id] = nil
		}
		if br, ok := after.Branches[id]; ok {
			a[id] = br.Clone()
		} else {
			a[id] = nil
		}
	}
	return b, a
}

// Changed returns the ids of branches whose records differ between before
// and after, including created and deleted ones.
func Changed(before, after *vbranch.State) []vbranch.BranchID {
	var ids []vbranch.BranchID
	for id, b := range before.Branches {
		a, ok := after.Branches[id]
		if !ok || !sameRecord(a, b) {
			ids = append(ids, id)
		}
	}
	for id := range after.Branches {
		if _, ok := before.Branches[id]; !ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func sameRecord(a, b *vbranch.Branch) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}

// Holds reports whether every record in want is already in effect in s:
// present with the same content, or absent for nil records.
func Holds(s *vbranch.State, want map[vbranch.BranchID]*vbranch.Branch) bool {
	for id, rec := range want {
		cur, ok := s.Branches[id]
		switch {
		case rec == nil && ok:
			return false
		case rec != nil && (!ok || !sameRecord(cur, rec)):
			return false
		}
	}
	return true
}

// Restore puts the records of want into s. Nil records delete the branch.
func Restore(s *vbranch.State, want map[vbranch.BranchID]*vbranch.Branch) {
	for id, rec := range want {
		if rec == nil {
			delete(s.Branches, id)
			continue
		}
		s.Branches[id] = rec.Clone()
	}
}
