// Package vberr defines the error taxonomy shared by the virtual branch engine.
//
// IOError is per file and never aborts sibling files. ConflictError aborts
// the whole operation without mutating ownership. InvariantViolation marks an
// internal bug and is never repaired automatically. EmptyCommitError is a
// warning that callers may surface without failing.
package vberr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrBranchNotFound = errors.New("virtual branch not found")
	ErrHunkNotFound   = errors.New("hunk not found")
	ErrNotApplied     = errors.New("virtual branch is not applied")
	ErrStale          = errors.New("working directory changed while the operation was planned")
	ErrNothingToUndo  = errors.New("nothing to undo")
	ErrNothingToRedo  = errors.New("nothing to redo")
	ErrNotInitialized = errors.New("not a vbranch repository (run 'vbranch init')")
)

// IOError reports a failure reading or writing one file.
type IOError struct {
	Path string
	Op   string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// NewIOError wraps err for path.
func NewIOError(op, path string, err error) *IOError {
	return &IOError{Op: op, Path: path, Err: err}
}

// ConflictError reports overlapping ownership that blocks an operation.
type ConflictError struct {
	Path     string
	Start    int
	End      int
	Branches []string
	Reason   string
}

func (e *ConflictError) Error() string {
	msg := fmt.Sprintf("conflict in %s:%d-%d", e.Path, e.Start, e.End)
	if len(e.Branches) > 0 {
		msg += " between " + strings.Join(e.Branches, ", ")
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// InvariantViolation reports broken internal state. It always indicates a bug.
type InvariantViolation struct {
	Detail string
}

func (e *InvariantViolation) Error() string {
	return "invariant violation: " + e.Detail
}

// Invariantf builds an InvariantViolation.
func Invariantf(format string, args ...any) *InvariantViolation {
	return &InvariantViolation{Detail: fmt.Sprintf(format, args...)}
}

// EmptyCommitError reports a commit with no changes since the branch head.
type EmptyCommitError struct {
	Branch string
}

func (e *EmptyCommitError) Error() string {
	return fmt.Sprintf("nothing to commit on %q (use --force to create an empty commit)", e.Branch)
}

// IsWarning reports whether err should be surfaced as a warning rather than a failure.
func IsWarning(err error) bool {
	var empty *EmptyCommitError
	return errors.As(err, &empty)
}

// IsConflict reports whether err is, or wraps, a ConflictError.
func IsConflict(err error) bool {
	var conflict *ConflictError
	return errors.As(err, &conflict)
}

// IsInvariant reports whether err is, or wraps, an InvariantViolation.
func IsInvariant(err error) bool {
	var inv *InvariantViolation
	return errors.As(err, &inv)
}
