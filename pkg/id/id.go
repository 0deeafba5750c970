package id

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"sync"
	"time"
)

// ID is a 128-bit, lexicographically sortable identifier encoded as 16 bytes
// big-endian: [8 bytes ms_timestamp][8 bytes sequence].
type ID [16]byte

// Bytes returns the raw 16-byte representation.
func (i ID) Bytes() []byte { b := make([]byte, 16); copy(b, i[:]); return b }

// String returns the lowercase hex encoding.
func (i ID) String() string { return hex.EncodeToString(i[:]) }

// Time returns the embedded timestamp.
func (i ID) Time() time.Time {
	ms := int64(binary.BigEndian.Uint64(i[0:8]))
	return time.UnixMilli(ms)
}

// IsZero reports whether the ID is the zero value.
func (i ID) IsZero() bool { return i == ID{} }

// Compare returns -1, 0, 1 based on lexical comparison.
func (i ID) Compare(other ID) int {
	for idx := 0; idx < 16; idx++ {
		if i[idx] < other[idx] {
			return -1
		}
		if i[idx] > other[idx] {
			return 1
		}
	}
	return 0
}

// Parse decodes the hex form produced by String.
func Parse(s string) (ID, error) {
	var out ID
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("parse id: %w", err)
	}
	if len(b) != 16 {
		return out, fmt.Errorf("parse id: want 16 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

// FromBytes copies a raw 16-byte representation into an ID.
func FromBytes(b []byte) (ID, error) {
	var out ID
	if len(b) != 16 {
		return out, fmt.Errorf("id from bytes: want 16 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

// Generator produces monotonically increasing IDs per process.
type Generator struct {
	mu       sync.Mutex
	lastMs   int64
	sequence uint64
}

// NewGenerator creates a new Generator.
func NewGenerator() *Generator { return &Generator{} }

// NowMs returns current time in milliseconds since the Unix epoch. Tests
// override it to pin the clock.
var NowMs = func() int64 { return time.Now().UnixMilli() }

// Next returns a new ID. If the clock goes backwards it reuses lastMs and
// increments the sequence. If the sequence overflows within the same
// millisecond it waits for the next one.
func (g *Generator) Next() ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := NowMs()
	if ms < g.lastMs {
		ms = g.lastMs
	}

	if ms == g.lastMs {
		if g.sequence == math.MaxUint64 {
			for {
				ms = NowMs()
				if ms > g.lastMs {
					break
				}
				time.Sleep(time.Millisecond / 8)
			}
			g.sequence = 0
		} else {
			g.sequence++
		}
	} else {
		g.sequence = 0
	}

	g.lastMs = ms

	var out ID
	binary.BigEndian.PutUint64(out[0:8], uint64(ms))
	binary.BigEndian.PutUint64(out[8:16], g.sequence)
	return out
}
