package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	pebblestore "github.com/rzbill/harvest/internal/storage/pebble"
)

func openTestStore(t *testing.T) *PebbleStore {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return OpenPebbleStore(db)
}

func sampleRows(n int) []Row {
	rows := make([]Row, n)
	for i := range rows {
		rows[i] = Row{
			ItemID:      "item-1",
			MessageID:   "m-1",
			Service:     "compute",
			Resource:    "/subscriptions/s/vms",
			APIVersion:  "2023-07-01",
			Status:      "success",
			Payload:     json.RawMessage(`{"value":[]}`),
			CollectedAt: time.Unix(1700000000, 0).UTC(),
		}
	}
	return rows
}

func TestWriteReadBatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.WriteBatch(ctx, "b-1", sampleRows(3)); err != nil {
		t.Fatalf("write: %v", err)
	}
	rows, err := s.ReadBatch(ctx, "b-1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("want 3 rows, got %d", len(rows))
	}
	if rows[0].Service != "compute" || string(rows[0].Payload) != `{"value":[]}` {
		t.Fatalf("row content: %+v", rows[0])
	}
}

func TestReadUnknownBatch(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.ReadBatch(context.Background(), "nope"); err == nil {
		t.Fatal("expected error for unknown batch")
	}
}

func TestListBatches(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"b-1", "b-2", "b-3"} {
		if err := s.WriteBatch(ctx, id, sampleRows(1)); err != nil {
			t.Fatalf("write %s: %v", id, err)
		}
	}
	ids, err := s.ListBatches(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 3 || ids[0] != "b-1" || ids[2] != "b-3" {
		t.Fatalf("batches: %v", ids)
	}
}

func TestEmptyBatchIsNoop(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.WriteBatch(ctx, "b-0", nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	ids, _ := s.ListBatches(ctx, 10)
	if len(ids) != 0 {
		t.Fatalf("empty batch committed: %v", ids)
	}
}

func TestMemoryStoreFailureInjection(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.FailNext(2)
	if err := s.WriteBatch(ctx, "b-1", sampleRows(1)); err == nil {
		t.Fatal("expected injected failure")
	}
	if err := s.WriteBatch(ctx, "b-1", sampleRows(1)); err == nil {
		t.Fatal("expected second injected failure")
	}
	if err := s.WriteBatch(ctx, "b-1", sampleRows(1)); err != nil {
		t.Fatalf("third write: %v", err)
	}
	if s.Writes() != 3 {
		t.Fatalf("writes = %d, want 3", s.Writes())
	}
	rows, err := s.ReadBatch(ctx, "b-1")
	if err != nil || len(rows) != 1 {
		t.Fatalf("read after recovery: %v %d", err, len(rows))
	}
}
