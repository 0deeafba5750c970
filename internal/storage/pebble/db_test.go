package pebblestore

import (
	"context"
	"testing"

	"github.com/cockroachdb/pebble"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(Options{DataDir: t.TempDir(), Fsync: FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSetGetDelete(t *testing.T) {
	db := openTestDB(t)
	if err := db.Set([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := db.Get([]byte("k"))
	if err != nil || string(got) != "v" {
		t.Fatalf("get: %q %v", got, err)
	}
	if err := db.Delete([]byte("k")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := db.Get([]byte("k")); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestBatchCommitIsAtomic(t *testing.T) {
	db := openTestDB(t)
	b := db.NewBatch()
	if err := b.Set([]byte("a"), []byte("1"), nil); err != nil {
		t.Fatalf("batch set: %v", err)
	}
	if err := b.Set([]byte("b"), []byte("2"), nil); err != nil {
		t.Fatalf("batch set: %v", err)
	}
	if err := db.CommitBatch(context.Background(), b); err != nil {
		t.Fatalf("commit: %v", err)
	}
	for _, k := range []string{"a", "b"} {
		if _, err := db.Get([]byte(k)); err != nil {
			t.Fatalf("missing %q after commit: %v", k, err)
		}
	}
}

func TestIterScansRange(t *testing.T) {
	db := openTestDB(t)
	for _, k := range []string{"p/1", "p/2", "q/1"} {
		if err := db.Set([]byte(k), nil); err != nil {
			t.Fatalf("set: %v", err)
		}
	}
	iter, err := db.NewIter(&pebble.IterOptions{LowerBound: []byte("p/"), UpperBound: []byte("p/\xff")})
	if err != nil {
		t.Fatalf("iter: %v", err)
	}
	defer iter.Close()
	count := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		count++
	}
	if count != 2 {
		t.Fatalf("want 2 keys under p/, got %d", count)
	}
}
