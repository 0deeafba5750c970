package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/rzbill/harvest/internal/storage/pebble"
)

// PebbleStore spools batches to a local Pebble keyspace. It is the default
// sink: a downstream loader drains committed batches into the warehouse.
//
// Key layout:
//
//	spool/meta/<batchID>     manifest (JSON: row count, committed at)
//	spool/row/<batchID>/<n>  row n of the batch (JSON)
//
// The manifest and all rows land in a single synced batch commit, so a
// manifest's presence implies every row is present.
type PebbleStore struct {
	db *pebblestore.DB

	nowMs func() int64
}

type batchManifest struct {
	Rows        int   `json:"rows"`
	CommittedMs int64 `json:"committed_ms"`
}

// OpenPebbleStore returns a PebbleStore over db.
func OpenPebbleStore(db *pebblestore.DB) *PebbleStore {
	return &PebbleStore{db: db, nowMs: func() int64 { return time.Now().UnixMilli() }}
}

// WriteBatch implements Writer.
func (s *PebbleStore) WriteBatch(ctx context.Context, batchID string, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	b := s.db.NewBatch()
	defer b.Close()

	for i, row := range rows {
		val, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("marshal row %d: %w", i, err)
		}
		if err := b.Set(rowKey(batchID, i), val, nil); err != nil {
			return fmt.Errorf("stage row %d: %w", i, err)
		}
	}
	manifest, err := json.Marshal(batchManifest{Rows: len(rows), CommittedMs: s.nowMs()})
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := b.Set(metaKey(batchID), manifest, nil); err != nil {
		return fmt.Errorf("stage manifest: %w", err)
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return fmt.Errorf("commit batch %s: %w", batchID, err)
	}
	return nil
}

// ReadBatch implements Reader.
func (s *PebbleStore) ReadBatch(ctx context.Context, batchID string) ([]Row, error) {
	raw, err := s.db.Get(metaKey(batchID))
	if err != nil {
		return nil, fmt.Errorf("batch %s not found", batchID)
	}
	var manifest batchManifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}

	rows := make([]Row, 0, manifest.Rows)
	for i := 0; i < manifest.Rows; i++ {
		val, err := s.db.Get(rowKey(batchID, i))
		if err != nil {
			return nil, fmt.Errorf("row %d of batch %s missing", i, batchID)
		}
		var row Row
		if err := json.Unmarshal(val, &row); err != nil {
			return nil, fmt.Errorf("unmarshal row %d: %w", i, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// ListBatches implements Reader, in commit order.
func (s *PebbleStore) ListBatches(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	prefix := []byte("spool/meta/")
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: append(append([]byte(nil), prefix...), 0xFF),
	})
	if err != nil {
		return nil, fmt.Errorf("manifest iterator: %w", err)
	}
	defer iter.Close()

	var out []string
	for ok := iter.First(); ok && len(out) < limit; ok = iter.Next() {
		out = append(out, string(iter.Key()[len(prefix):]))
	}
	return out, nil
}

func metaKey(batchID string) []byte {
	return append([]byte("spool/meta/"), batchID...)
}

func rowKey(batchID string, n int) []byte {
	k := append([]byte("spool/row/"), batchID...)
	k = append(k, '/')
	var nb [4]byte
	binary.BigEndian.PutUint32(nb[:], uint32(n))
	return append(k, nb[:]...)
}
