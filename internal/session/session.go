// Package session runs virtual branch operations against one working
// directory.
//
// A Session owns the branch state. Mutations take a single write lock for
// their short record phase; diffing and planning happen outside it. Readers
// get an immutable View published through an atomic pointer and never wait
// for the lock.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/javanhut/vbranch/internal/cas"
	"github.com/javanhut/vbranch/internal/commit"
	"github.com/javanhut/vbranch/internal/config"
	"github.com/javanhut/vbranch/internal/conflict"
	"github.com/javanhut/vbranch/internal/diffmerge"
	"github.com/javanhut/vbranch/internal/oplog"
	"github.com/javanhut/vbranch/internal/ownership"
	"github.com/javanhut/vbranch/internal/repostore"
	"github.com/javanhut/vbranch/internal/store"
	"github.com/javanhut/vbranch/internal/vberr"
	"github.com/javanhut/vbranch/internal/vbranch"
	"github.com/javanhut/vbranch/internal/workspace"
)

const (
	metaStoreKind = "store"
	storeGit      = "git"
	storeNative   = "native"

	// keepStates bounds the state records kept in the database.
	keepStates = 64
	// maxAttempts bounds retries of an operation invalidated by a concurrent writer.
	maxAttempts = 3
)

// Options configure a session.
type Options struct {
	Logger *zap.Logger
	// Now replaces the clock, for tests.
	Now func() time.Time
}

// View is an immutable reconciled view of the working directory. Views are
// shared between readers and must not be modified.
type View struct {
	State       *vbranch.State
	Assignments []ownership.Assignment
	Conflicts   []*vberr.ConflictError
	Errors      []*vberr.IOError
	Base        *repostore.Tree
	Digests     map[string]cas.Hash
}

func (v *View) snapshot() *workspace.Snapshot {
	unreadable := map[string]bool{}
	for _, e := range v.Errors {
		unreadable[e.Path] = true
	}
	return &workspace.Snapshot{
		State:       v.State,
		Assignments: v.Assignments,
		Base:        v.Base,
		Digests:     v.Digests,
		Unreadable:  unreadable,
	}
}

// Session is an open virtual branch session.
type Session struct {
	Root    string
	MetaDir string
	Config  *config.Config

	db       *store.SharedDB
	store    repostore.Store
	ws       *workspace.Workspace
	tracker  *ownership.Tracker
	mat      *workspace.Materializer
	builder  *commit.Builder
	log      *oplog.Log
	diffOpts diffmerge.Options
	logger   *zap.Logger
	now      func() time.Time

	// mu serializes writers. state is replaced, never modified in place, so
	// a published pointer stays valid for readers.
	mu    sync.Mutex
	state *vbranch.State
	view  atomic.Pointer[View]
}

// Init creates the metadata directory in root and opens a session on it.
// Without a Git repository the native store is used and the current working
// directory is recorded as the initial target commit.
func Init(ctx context.Context, root string, opts Options) (*Session, error) {
	metaDir := filepath.Join(root, config.MetaDirName)
	if _, err := os.Stat(metaDir); err == nil {
		return nil, fmt.Errorf("%s already exists", metaDir)
	}
	if err := os.MkdirAll(metaDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", metaDir, err)
	}

	db, err := store.GetSharedDB(metaDir)
	if err != nil {
		return nil, err
	}
	kind := storeNative
	if _, err := os.Stat(filepath.Join(root, ".git")); err == nil {
		kind = storeGit
	}
	if err := db.PutMeta(metaStoreKind, kind); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to record store kind: %w", err)
	}
	db.Close()

	s, err := Open(root, opts)
	if err != nil {
		return nil, err
	}
	if kind == storeNative {
		if err := s.recordInitialTarget(ctx); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

// recordInitialTarget commits the working directory as the first target of
// a native store.
func (s *Session) recordInitialTarget(ctx context.Context) error {
	native, ok := s.store.(*repostore.CASStore)
	if !ok {
		return nil
	}
	if _, err := native.Head(); err == nil {
		return nil
	}
	res, err := diffmerge.Compute(ctx,
		repostore.TreeReader{Store: s.store, Tree: repostore.EmptyTree()},
		s.ws, s.diffOpts)
	if err != nil {
		return err
	}
	if len(res.Errors) > 0 {
		return res.Errors[0]
	}
	tree, err := commit.BuildTree(s.store, repostore.EmptyTree(), res.Hunks)
	if err != nil {
		return err
	}
	name, email, err := s.Config.Author()
	if err != nil {
		name, email = "vbranch", "vbranch@localhost"
	}
	id, err := s.store.WriteCommit(repostore.CommitRequest{
		Tree:    tree,
		Author:  repostore.Signature{Name: name, Email: email, When: s.now()},
		Message: "Initial snapshot",
	})
	if err != nil {
		return fmt.Errorf("failed to write initial commit: %w", err)
	}
	if err := native.SetHead(id); err != nil {
		return err
	}
	s.logger.Info("recorded initial snapshot", zap.String("commit", id.Short()), zap.Int("files", len(res.Digests)))
	return nil
}

// Open opens the session of the repository rooted at root.
func Open(root string, opts Options) (*Session, error) {
	metaDir := filepath.Join(root, config.MetaDirName)
	if info, err := os.Stat(metaDir); err != nil || !info.IsDir() {
		return nil, vberr.ErrNotInitialized
	}
	cfg, err := config.Load(metaDir)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	db, err := store.GetSharedDB(metaDir)
	if err != nil {
		return nil, err
	}
	repo, err := openStore(root, metaDir, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	policy, err := conflict.ParsePolicy(cfg.Conflict.Policy)
	if err != nil {
		db.Close()
		return nil, err
	}
	resolver := conflict.Resolver{Policy: policy}
	diffOpts := diffmerge.Options{
		RenameThreshold: cfg.Diff.RenameThreshold,
		MaxFileSize:     cfg.Diff.MaxFileSize,
		Workers:         cfg.Diff.Workers,
	}

	ws := workspace.New(root)
	s := &Session{
		Root:     root,
		MetaDir:  metaDir,
		Config:   cfg,
		db:       db,
		store:    repo,
		ws:       ws,
		tracker:  ownership.NewTracker(resolver, ownership.Options{MoveThreshold: cfg.Ownership.MoveThreshold}, logger.Named("ownership")),
		mat:      workspace.NewMaterializer(ws, repo, resolver, diffOpts, logger.Named("materialize")),
		builder:  commit.NewBuilder(repo, logger.Named("commit")),
		log:      oplog.New(db),
		diffOpts: diffOpts,
		logger:   logger,
		now:      now,
	}
	s.tracker.Now = now
	s.mat.Now = now
	s.builder.Now = now
	s.log.Now = now
	return s, nil
}

func openStore(root, metaDir string, db *store.SharedDB) (repostore.Store, error) {
	kind, err := db.GetMeta(metaStoreKind)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if kind == storeGit {
		return repostore.OpenGitStore(root)
	}
	objectsDir := filepath.Join(metaDir, "objects")
	fc, err := cas.NewFileCAS(objectsDir)
	if err != nil {
		return nil, err
	}
	return repostore.NewCASStore(fc, db), nil
}

// Find walks up from dir to the nearest directory holding a metadata directory.
func Find(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		if info, err := os.Stat(filepath.Join(dir, config.MetaDirName)); err == nil && info.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", vberr.ErrNotInitialized
		}
		dir = parent
	}
}

// Close releases the database.
func (s *Session) Close() error {
	return s.db.Close()
}

// Store returns the repository store.
func (s *Session) Store() repostore.Store { return s.store }

// loadLocked reads the latest state record on first use. Callers hold mu.
func (s *Session) loadLocked() error {
	if s.state != nil {
		return nil
	}
	_, rec, err := s.db.LatestState()
	switch {
	case err == nil:
		st, err := vbranch.DecodeRecord(rec)
		if err != nil {
			return err
		}
		s.state = st
		return nil
	case errors.Is(err, store.ErrNotFound):
		head, err := s.store.Head()
		if err != nil && !errors.Is(err, repostore.ErrNoHead) {
			return err
		}
		s.state = vbranch.NewState(head)
		return nil
	default:
		return fmt.Errorf("failed to load state: %w", err)
	}
}

// persistLocked stores next as the latest state record.
func (s *Session) persistLocked(next *vbranch.State) error {
	rec, err := vbranch.EncodeRecord(next)
	if err != nil {
		return err
	}
	if err := s.db.PutState(next.Snapshot.String(), rec); err != nil {
		return fmt.Errorf("failed to persist state: %w", err)
	}
	if pruned, err := s.db.PruneStates(keepStates); err != nil {
		s.logger.Warn("failed to prune state records", zap.Error(err))
	} else if pruned > 0 {
		s.logger.Debug("pruned state records", zap.Int("count", pruned))
	}
	return nil
}

// View returns the last published view without touching the lock. It is
// nil until the first Refresh.
func (s *Session) View() *View {
	return s.view.Load()
}

func (s *Session) current(ctx context.Context) (*View, error) {
	if v := s.view.Load(); v != nil {
		return v, nil
	}
	return s.Refresh(ctx)
}

// Refresh diffs the working directory against the target and reconciles
// branch ownership with the result. The diff runs without the lock; when a
// writer records a new state meanwhile the diff is taken again, and the last
// attempt diffs under the lock.
func (s *Session) Refresh(ctx context.Context) (*View, error) {
	for attempt := 1; ; attempt++ {
		s.mu.Lock()
		if err := s.loadLocked(); err != nil {
			s.mu.Unlock()
			return nil, err
		}
		seen := s.state
		if attempt >= maxAttempts {
			v, err := s.refreshLocked(ctx, seen.Target)
			s.mu.Unlock()
			return v, err
		}
		s.mu.Unlock()

		base, res, err := s.diff(ctx, seen.Target)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		if s.state == seen {
			v, err := s.reconcileLocked(base, res)
			s.mu.Unlock()
			return v, err
		}
		s.mu.Unlock()
		s.logger.Debug("state changed during diff, diffing again", zap.Int("attempt", attempt))
	}
}

func (s *Session) refreshLocked(ctx context.Context, target repostore.ObjectID) (*View, error) {
	base, res, err := s.diff(ctx, target)
	if err != nil {
		return nil, err
	}
	return s.reconcileLocked(base, res)
}

// diff compares the working directory with the tree of target.
func (s *Session) diff(ctx context.Context, target repostore.ObjectID) (*repostore.Tree, *diffmerge.Result, error) {
	base, err := repostore.CommitTree(s.store, target)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read target %s: %w", target.Short(), err)
	}
	res, err := diffmerge.Compute(ctx, repostore.TreeReader{Store: s.store, Tree: base}, s.ws, s.diffOpts)
	if err != nil {
		return nil, nil, err
	}
	return base, res, nil
}

func (s *Session) reconcileLocked(base *repostore.Tree, res *diffmerge.Result) (*View, error) {
	prev := s.state
	s.tracker.Options.DefaultBranch = s.defaultBranch(prev)
	out, err := s.tracker.Reconcile(res.Hunks, prev)
	if err != nil {
		s.logger.Error("reconcile failed", zap.Error(err))
		return nil, err
	}
	next := out.State
	next.Snapshot = res.Snapshot()
	s.dropBrokenMarkers(next)

	changed := len(oplog.Changed(prev, next)) > 0 || len(next.Markers) != len(prev.Markers)
	if changed {
		next.Generation++
	}
	if changed || next.Snapshot != prev.Snapshot {
		if err := s.persistLocked(next); err != nil {
			return nil, err
		}
	}
	s.state = next

	v := &View{
		State:       next,
		Assignments: out.Assignments,
		Conflicts:   out.Conflicts,
		Errors:      res.Errors,
		Base:        base,
		Digests:     res.Digests,
	}
	s.view.Store(v)
	s.logger.Debug("reconciled",
		zap.String("snapshot", next.Snapshot.Short()),
		zap.Int("hunks", len(res.Hunks)),
		zap.Int("conflicts", len(out.Conflicts)),
		zap.Uint64("generation", next.Generation))
	return v, nil
}

// defaultBranch resolves ownership.default_branch to an applied branch.
func (s *Session) defaultBranch(st *vbranch.State) vbranch.BranchID {
	name := s.Config.Ownership.DefaultBranch
	if name == "" {
		return ""
	}
	b, err := st.Lookup(name)
	if err != nil || !b.Applied {
		return ""
	}
	return b.ID
}

// dropBrokenMarkers forgets conflict blocks the user edited away.
func (s *Session) dropBrokenMarkers(st *vbranch.State) {
	if len(st.Markers) == 0 {
		return
	}
	lines := map[string][]string{}
	st.DropMarkers(func(mk vbranch.ConflictMarker) bool {
		content, ok := lines[mk.Path]
		if !ok {
			data, err := s.ws.Read(mk.Path)
			if err == nil {
				content = diffmerge.Lines(data)
			}
			lines[mk.Path] = content
		}
		if conflict.BlockIntact(content, mk) {
			return false
		}
		s.logger.Info("conflict block no longer present", zap.String("path", mk.Path), zap.Stringer("range", mk.Range))
		return true
	})
}

// mutate runs fn on a copy of the current state under the write lock and
// records the result. The view the caller planned against must still be
// current. fn returns the log entry for the change, or nil to record the
// state without logging.
func (s *Session) mutate(ctx context.Context, planned *View, fn func(prev, next *vbranch.State) (*oplog.Entry, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return err
	}
	if planned != nil && planned.State != s.state {
		return fmt.Errorf("state changed: %w", vberr.ErrStale)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	prev := s.state
	next := prev.Clone()
	entry, err := fn(prev, next)
	if err != nil {
		return err
	}
	if err := next.CheckDisjoint(); err != nil {
		s.logger.Error("refusing to record overlapping ownership", zap.Error(err))
		return err
	}
	next.Generation++
	if err := s.persistLocked(next); err != nil {
		return err
	}
	s.state = next
	// Ownership is unchanged until the next reconcile; readers see the new
	// branch records against the last diff.
	if v := s.view.Load(); v != nil {
		s.view.Store(&View{
			State:       next,
			Assignments: v.Assignments,
			Conflicts:   v.Conflicts,
			Errors:      v.Errors,
			Base:        v.Base,
			Digests:     v.Digests,
		})
	}

	if entry != nil {
		if entry.Before == nil && entry.After == nil {
			entry.Before, entry.After = oplog.Diff(prev, next, oplog.Changed(prev, next)...)
		}
		stored, err := s.log.Append(*entry)
		if err != nil {
			return err
		}
		s.logger.Info("recorded operation",
			zap.String("kind", string(stored.Kind)),
			zap.Uint64("seq", stored.Seq),
			zap.String("branch", stored.Branch.Short()))
	}
	return nil
}

// retry reruns op while it fails because another writer got in first.
func retry[T any](ctx context.Context, logger *zap.Logger, op func() (T, error)) (T, error) {
	var (
		out T
		err error
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		out, err = op()
		if !errors.Is(err, vberr.ErrStale) || ctx.Err() != nil {
			return out, err
		}
		logger.Debug("operation invalidated, retrying", zap.Int("attempt", attempt), zap.Error(err))
	}
	return out, err
}
