package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
)

func openTemp(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), DBFileName))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestStateRecords(t *testing.T) {
	db := openTemp(t)

	if _, _, err := db.LatestState(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on empty db, got %v", err)
	}

	if err := db.PutState("snap-a", []byte(`{"v":1}`)); err != nil {
		t.Fatalf("PutState failed: %v", err)
	}
	if err := db.PutState("snap-b", []byte(`{"v":2}`)); err != nil {
		t.Fatalf("PutState failed: %v", err)
	}

	snap, record, err := db.LatestState()
	if err != nil {
		t.Fatalf("LatestState failed: %v", err)
	}
	if snap != "snap-b" || string(record) != `{"v":2}` {
		t.Errorf("unexpected latest %s %s", snap, record)
	}

	old, err := db.GetState("snap-a")
	if err != nil || string(old) != `{"v":1}` {
		t.Errorf("GetState returned %s, %v", old, err)
	}
}

func TestPruneStatesKeepsLatest(t *testing.T) {
	db := openTemp(t)
	for i := 0; i < 5; i++ {
		if err := db.PutState(fmt.Sprintf("snap-%d", i), []byte("{}")); err != nil {
			t.Fatalf("PutState failed: %v", err)
		}
	}
	// Re-saving an old snapshot makes it latest without duplicating its order entry.
	if err := db.PutState("snap-0", []byte(`{"again":true}`)); err != nil {
		t.Fatalf("PutState failed: %v", err)
	}

	removed, err := db.PruneStates(2)
	if err != nil {
		t.Fatalf("PruneStates failed: %v", err)
	}
	if removed != 3 {
		t.Errorf("expected 3 records removed, got %d", removed)
	}

	if _, err := db.GetState("snap-0"); err != nil {
		t.Errorf("latest record must survive pruning: %v", err)
	}
	if _, err := db.GetState("snap-4"); err != nil {
		t.Errorf("newest record must survive pruning: %v", err)
	}
	if _, err := db.GetState("snap-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("old record should be pruned, got %v", err)
	}
}

func TestOpLogSequence(t *testing.T) {
	db := openTemp(t)
	for i := 0; i < 3; i++ {
		seq, err := db.AppendLog(func(seq uint64) ([]byte, error) {
			return []byte(fmt.Sprintf("entry-%d", seq)), nil
		})
		if err != nil {
			t.Fatalf("AppendLog failed: %v", err)
		}
		if seq != uint64(i+1) {
			t.Errorf("expected sequence %d, got %d", i+1, seq)
		}
	}

	var seen []string
	err := db.ForEachLog(func(seq uint64, value []byte) error {
		seen = append(seen, string(value))
		return nil
	})
	if err != nil {
		t.Fatalf("ForEachLog failed: %v", err)
	}
	if len(seen) != 3 || seen[0] != "entry-1" || seen[2] != "entry-3" {
		t.Errorf("unexpected log contents %v", seen)
	}
}

func TestRefsAndMeta(t *testing.T) {
	db := openTemp(t)

	if v, err := db.GetRef("HEAD"); err != nil || v != "" {
		t.Errorf("unset ref should be empty, got %q %v", v, err)
	}
	if err := db.SetRef("HEAD", "abc"); err != nil {
		t.Fatalf("SetRef failed: %v", err)
	}
	if v, _ := db.GetRef("HEAD"); v != "abc" {
		t.Errorf("expected abc, got %q", v)
	}

	if _, err := db.GetMeta("store"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := db.PutMeta("store", "git"); err != nil {
		t.Fatalf("PutMeta failed: %v", err)
	}
	if v, _ := db.GetMeta("store"); v != "git" {
		t.Errorf("expected git, got %q", v)
	}
}

func TestSharedDB(t *testing.T) {
	dir := t.TempDir()
	a, err := GetSharedDB(dir)
	if err != nil {
		t.Fatalf("GetSharedDB failed: %v", err)
	}
	b, err := GetSharedDB(dir)
	if err != nil {
		t.Fatalf("second GetSharedDB failed: %v", err)
	}
	if a.DB != b.DB {
		t.Error("same directory should share one connection")
	}

	if err := a.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := b.PutMeta("k", "v"); err != nil {
		t.Errorf("connection should stay open while referenced: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	c, err := GetSharedDB(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer c.Close()
	if v, err := c.GetMeta("k"); err != nil || v != "v" {
		t.Errorf("data should persist across reopen, got %q %v", v, err)
	}
}
