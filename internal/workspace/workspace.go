// Package workspace implements working directory access for virtual branches.
//
// This package provides the core functionality to:
// - Scan and read working directory files, skipping repository metadata
// - Stage file writes to temporary files and rename them into place
// - Plan and materialize applying and unapplying virtual branches
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/javanhut/vbranch/internal/cas"
	"github.com/javanhut/vbranch/internal/config"
	"github.com/javanhut/vbranch/internal/objects"
)

// skipDirs are never scanned or written.
var skipDirs = map[string]bool{
	config.MetaDirName: true,
	".git":             true,
}

// Workspace is a working directory rooted at Root.
type Workspace struct {
	Root string
}

// New creates a Workspace for root.
func New(root string) *Workspace {
	return &Workspace{Root: root}
}

// Abs returns the filesystem path of a slash-separated workspace path.
func (w *Workspace) Abs(path string) string {
	return filepath.Join(w.Root, filepath.FromSlash(path))
}

// List returns every regular file in the workspace as slash-separated
// paths, sorted.
func (w *Workspace) List() ([]string, error) {
	var files []string
	err := filepath.WalkDir(w.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != w.Root && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		relPath, err := filepath.Rel(w.Root, path)
		if err != nil {
			return err
		}
		if strings.HasPrefix(filepath.Base(relPath), tempPrefix) {
			return nil
		}
		files = append(files, filepath.ToSlash(relPath))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan workspace: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

// Read returns the content of path.
func (w *Workspace) Read(path string) ([]byte, error) {
	return os.ReadFile(w.Abs(path))
}

// Exists reports whether path is a file in the workspace.
func (w *Workspace) Exists(path string) bool {
	info, err := os.Stat(w.Abs(path))
	return err == nil && info.Mode().IsRegular()
}

// Mode returns the object mode of path: executable or regular.
func (w *Workspace) Mode(path string) uint32 {
	info, err := os.Stat(w.Abs(path))
	if err == nil && info.Mode()&0111 != 0 {
		return objects.ModeExecutable
	}
	return objects.ModeRegular
}

// Digest hashes the current content of path. A missing file has the zero hash.
func (w *Workspace) Digest(path string) (cas.Hash, error) {
	data, err := w.Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cas.Hash{}, nil
	}
	if err != nil {
		return cas.Hash{}, err
	}
	return cas.SumB3(data), nil
}

// removeEmptyDirectories removes dir and its parents while they are empty.
func (w *Workspace) removeEmptyDirectories(dir string) {
	// Don't remove the working directory itself
	if dir == w.Root || dir == "." || !strings.HasPrefix(dir, w.Root) {
		return
	}

	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) > 0 {
		return
	}
	if err := os.Remove(dir); err != nil {
		return
	}

	parent := filepath.Dir(dir)
	if parent != dir {
		w.removeEmptyDirectories(parent)
	}
}

// FileWrite is one file change of a write plan. Content is ignored when
// Remove is set.
type FileWrite struct {
	Path    string
	Content []byte
	Mode    uint32
	Remove  bool
}

const tempPrefix = ".vbranch-tmp-"

type stagedFile struct {
	write FileWrite
	temp  string
}

// Staged holds writes prepared in temporary files next to their targets.
// Nothing is visible in the workspace until Commit.
type Staged struct {
	ws    *Workspace
	files []stagedFile
}

// Stage writes every non-removal to a temporary file. Cancellation is
// checked between files; on any failure all temporary files are removed.
func (w *Workspace) Stage(ctx context.Context, writes []FileWrite) (*Staged, error) {
	st := &Staged{ws: w}
	for _, fw := range writes {
		if err := ctx.Err(); err != nil {
			st.Discard()
			return nil, err
		}
		if fw.Remove {
			st.files = append(st.files, stagedFile{write: fw})
			continue
		}
		temp, err := w.writeTemp(fw)
		if err != nil {
			st.Discard()
			return nil, err
		}
		st.files = append(st.files, stagedFile{write: fw, temp: temp})
	}
	return st, nil
}

func (w *Workspace) writeTemp(fw FileWrite) (string, error) {
	target := w.Abs(fw.Path)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return "", fmt.Errorf("failed to create directory for %s: %w", fw.Path, err)
	}
	f, err := os.CreateTemp(filepath.Dir(target), tempPrefix+"*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file for %s: %w", fw.Path, err)
	}
	temp := f.Name()

	perm := os.FileMode(0644)
	if fw.Mode == objects.ModeExecutable {
		perm = 0755
	}
	if _, err := f.Write(fw.Content); err != nil {
		f.Close()
		os.Remove(temp)
		return "", fmt.Errorf("failed to write %s: %w", fw.Path, err)
	}
	if err := f.Chmod(perm); err != nil {
		f.Close()
		os.Remove(temp)
		return "", fmt.Errorf("failed to set mode of %s: %w", fw.Path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(temp)
		return "", fmt.Errorf("failed to close %s: %w", fw.Path, err)
	}
	return temp, nil
}

// Paths returns the staged target paths.
func (s *Staged) Paths() []string {
	out := make([]string, len(s.files))
	for i, f := range s.files {
		out[i] = f.write.Path
	}
	return out
}

// Commit renames staged files into place and performs removals. Each file
// switches atomically; a failure stops at that file and reports it.
func (s *Staged) Commit() error {
	for i, f := range s.files {
		target := s.ws.Abs(f.write.Path)
		if f.write.Remove {
			if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
				s.discardFrom(i)
				return fmt.Errorf("failed to remove file %s: %w", f.write.Path, err)
			}
			s.ws.removeEmptyDirectories(filepath.Dir(target))
			continue
		}
		if err := os.Rename(f.temp, target); err != nil {
			s.discardFrom(i)
			return fmt.Errorf("failed to move %s into place: %w", f.write.Path, err)
		}
	}
	s.files = nil
	return nil
}

// Discard removes all temporary files.
func (s *Staged) Discard() { s.discardFrom(0) }

func (s *Staged) discardFrom(i int) {
	for _, f := range s.files[i:] {
		if f.temp != "" {
			os.Remove(f.temp)
			s.ws.removeEmptyDirectories(filepath.Dir(f.temp))
		}
	}
	s.files = nil
}
