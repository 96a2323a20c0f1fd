package workspace

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/javanhut/vbranch/internal/cas"
	"github.com/javanhut/vbranch/internal/objects"
)

func setupTestWorkspace(t *testing.T, files map[string]string) *Workspace {
	t.Helper()
	root := t.TempDir()
	for path, content := range files {
		full := filepath.Join(root, filepath.FromSlash(path))
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			t.Fatalf("Failed to create directory: %v", err)
		}
		if err := os.WriteFile(full, []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write %s: %v", path, err)
		}
	}
	return New(root)
}

func TestListSkipsMetadata(t *testing.T) {
	ws := setupTestWorkspace(t, map[string]string{
		"README.md":             "# Test\n",
		"src/main.go":           "package main\n",
		".vbranch/state":        "{}",
		".git/HEAD":             "ref: refs/heads/main\n",
		"src/.vbranch-tmp-1234": "partial",
	})

	files, err := ws.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	expected := []string{"README.md", "src/main.go"}
	if !reflect.DeepEqual(files, expected) {
		t.Errorf("Expected %v, got %v", expected, files)
	}
}

func TestDigestMissingFile(t *testing.T) {
	ws := setupTestWorkspace(t, map[string]string{"a.txt": "hello\n"})

	got, err := ws.Digest("a.txt")
	if err != nil {
		t.Fatalf("Digest failed: %v", err)
	}
	if got != cas.SumB3([]byte("hello\n")) {
		t.Errorf("Unexpected digest %s", got.Short())
	}

	missing, err := ws.Digest("nope.txt")
	if err != nil {
		t.Fatalf("Digest of missing file failed: %v", err)
	}
	if !missing.IsZero() {
		t.Errorf("Expected zero digest for missing file, got %s", missing.Short())
	}
}

func TestStageAndCommit(t *testing.T) {
	ws := setupTestWorkspace(t, map[string]string{
		"keep.txt":     "keep\n",
		"old/gone.txt": "bye\n",
		"change.txt":   "before\n",
	})

	staged, err := ws.Stage(context.Background(), []FileWrite{
		{Path: "change.txt", Content: []byte("after\n"), Mode: objects.ModeRegular},
		{Path: "new/dir/tool.sh", Content: []byte("#!/bin/sh\n"), Mode: objects.ModeExecutable},
		{Path: "old/gone.txt", Remove: true},
	})
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}

	// Nothing is visible before commit.
	data, _ := ws.Read("change.txt")
	if string(data) != "before\n" {
		t.Errorf("Staging changed the file: %q", data)
	}
	if ws.Exists("new/dir/tool.sh") {
		t.Error("Staged file visible before commit")
	}

	if err := staged.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	data, _ = ws.Read("change.txt")
	if string(data) != "after\n" {
		t.Errorf("Expected updated content, got %q", data)
	}
	if ws.Mode("new/dir/tool.sh") != objects.ModeExecutable {
		t.Error("Expected executable mode for tool.sh")
	}
	if ws.Exists("old/gone.txt") {
		t.Error("Removed file still exists")
	}
	if _, err := os.Stat(ws.Abs("old")); !os.IsNotExist(err) {
		t.Error("Empty directory was not removed")
	}

	files, err := ws.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	for _, f := range files {
		if strings.Contains(f, tempPrefix) {
			t.Errorf("Temporary file left behind: %s", f)
		}
	}
}

func TestStageDiscard(t *testing.T) {
	ws := setupTestWorkspace(t, map[string]string{"a.txt": "a\n"})

	staged, err := ws.Stage(context.Background(), []FileWrite{
		{Path: "a.txt", Content: []byte("changed\n")},
		{Path: "b/c.txt", Content: []byte("new\n")},
	})
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	staged.Discard()

	data, _ := ws.Read("a.txt")
	if string(data) != "a\n" {
		t.Errorf("Discard changed the file: %q", data)
	}
	entries, err := os.ReadDir(ws.Root)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("Expected only a.txt after discard, found %d entries", len(entries))
	}
}

func TestStageCancelled(t *testing.T) {
	ws := setupTestWorkspace(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ws.Stage(ctx, []FileWrite{{Path: "a.txt", Content: []byte("a\n")}})
	if err == nil {
		t.Fatal("Expected cancellation error")
	}
	if ws.Exists("a.txt") {
		t.Error("Cancelled stage wrote a file")
	}
}

func TestRemoveEmptyDirectories(t *testing.T) {
	ws := setupTestWorkspace(t, map[string]string{"keep/file.txt": "x"})

	nested := filepath.Join(ws.Root, "a", "b", "c")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatalf("Failed to create nested dirs: %v", err)
	}

	ws.removeEmptyDirectories(nested)

	if _, err := os.Stat(filepath.Join(ws.Root, "a")); !os.IsNotExist(err) {
		t.Error("Expected empty parents to be removed")
	}
	if _, err := os.Stat(filepath.Join(ws.Root, "keep")); err != nil {
		t.Error("Non-empty directory was removed")
	}
	if _, err := os.Stat(ws.Root); err != nil {
		t.Error("Workspace root was removed")
	}
}
