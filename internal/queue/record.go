package queue

import (
	"encoding/binary"
	"hash/crc32"
)

// Message record layout: enqueuedAtMs(8B BE) | payload | crc32c(payload).
// The checksum guards against torn or corrupted records surviving a crash;
// a record that fails verification is treated as absent.

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func encodeRecord(enqueuedAtMs int64, payload []byte) []byte {
	out := make([]byte, 0, 8+len(payload)+4)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(enqueuedAtMs))
	out = append(out, ts[:]...)
	out = append(out, payload...)
	var cb [4]byte
	binary.BigEndian.PutUint32(cb[:], crc32.Checksum(payload, castagnoli))
	return append(out, cb[:]...)
}

func decodeRecord(b []byte) (enqueuedAtMs int64, payload []byte, ok bool) {
	if len(b) < 12 {
		return 0, nil, false
	}
	enqueuedAtMs = int64(binary.BigEndian.Uint64(b[:8]))
	payload = b[8 : len(b)-4]
	expect := binary.BigEndian.Uint32(b[len(b)-4:])
	if crc32.Checksum(payload, castagnoli) != expect {
		return 0, nil, false
	}
	return enqueuedAtMs, append([]byte(nil), payload...), true
}
