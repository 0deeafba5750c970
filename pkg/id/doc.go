// Package id provides 128-bit, lexicographically sortable item identifiers.
//
// # Format
//
// An ID is 16 bytes big-endian: [8 bytes ms_timestamp][8 bytes sequence].
// Byte-wise comparison preserves chronological order, and IDs generated
// within the same millisecond remain strictly increasing by sequence. The
// queue uses IDs directly as key components, so availability and
// dead-letter scans come back in enqueue order for free.
//
// # Monotonicity
//
// The Generator ensures per-process monotonicity:
//   - If the system clock regresses, it pins to the last seen millisecond
//     and keeps incrementing the sequence.
//   - If the sequence would overflow within a millisecond, it waits for the
//     next millisecond before emitting the next ID.
package id
