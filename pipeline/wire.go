package pipeline

import (
	"encoding/binary"
	"errors"
)

// errTruncatedHeader indicates an inbound payload too short to carry the
// stage's header.
var errTruncatedHeader = errors.New("truncated stage header")

// seqNewer reports whether a is ahead of b in 16-bit wraparound sequence
// space. Equal sequences are not newer.
func seqNewer(a, b uint16) bool {
	return int16(a-b) > 0
}

func u16(b []byte) uint16     { return binary.LittleEndian.Uint16(b) }
func pu16(b []byte, v uint16) { binary.LittleEndian.PutUint16(b, v) }
func u32(b []byte) uint32     { return binary.LittleEndian.Uint32(b) }
func pu32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }
func u64(b []byte) uint64     { return binary.LittleEndian.Uint64(b) }
func pu64(b []byte, v uint64) { binary.LittleEndian.PutUint64(b, v) }
func i64(b []byte) int64      { return int64(binary.LittleEndian.Uint64(b)) }
func pi64(b []byte, v int64)  { binary.LittleEndian.PutUint64(b, uint64(v)) }
