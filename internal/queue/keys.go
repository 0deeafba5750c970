package queue

import (
	"encoding/binary"

	"github.com/rzbill/harvest/pkg/id"
)

// Key layout, all prefixed by the queue name:
//
//	wq/<name>/msg/<id16>              message record
//	wq/<name>/avail/<id16>            available index (lease scan order)
//	wq/<name>/lease/<id16>            lease record (JSON)
//	wq/<name>/lease_idx/<exp8><id16>  lease expiry index (reclaim scan order)
//	wq/<name>/attempts/<id16>         delivery counter (4B BE)
//	wq/<name>/dlq/<id16>              dead-letter record (JSON)
//
// IDs sort by enqueue time, so avail scans yield FIFO order and lease_idx
// scans yield expiry order.

func queuePrefix(name string) []byte {
	return append(append([]byte("wq/"), name...), '/')
}

func keyWith(name, kind string, itemID id.ID) []byte {
	k := append(queuePrefix(name), kind...)
	k = append(k, '/')
	return append(k, itemID[:]...)
}

func msgKey(name string, itemID id.ID) []byte      { return keyWith(name, "msg", itemID) }
func availKey(name string, itemID id.ID) []byte    { return keyWith(name, "avail", itemID) }
func leaseKey(name string, itemID id.ID) []byte    { return keyWith(name, "lease", itemID) }
func attemptsKey(name string, itemID id.ID) []byte { return keyWith(name, "attempts", itemID) }
func dlqKey(name string, itemID id.ID) []byte      { return keyWith(name, "dlq", itemID) }

func kindPrefix(name, kind string) []byte {
	k := append(queuePrefix(name), kind...)
	return append(k, '/')
}

func leaseIdxKey(name string, expiresAtMs int64, itemID id.ID) []byte {
	k := kindPrefix(name, "lease_idx")
	var exp [8]byte
	binary.BigEndian.PutUint64(exp[:], uint64(expiresAtMs))
	k = append(k, exp[:]...)
	return append(k, itemID[:]...)
}

func upperBound(prefix []byte) []byte {
	return append(append([]byte(nil), prefix...), 0xFF)
}
