package spool

import (
	"encoding/binary"
)

// Keyspace helpers for Pebble keys.
//
// Layout (byte-wise, lexicographically sortable):
// - tok/{token}/spool/{stream}/m
// - tok/{token}/spool/{stream}/e/{row_be8}

var (
	tokPrefix  = []byte("tok/")
	spoolSeg   = []byte("/spool/")
	metaSuffix = []byte("/m")
	entrySeg   = []byte("/e/")
)

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

// keyMeta builds the stream metadata key.
func keyMeta(token string, stream Stream) []byte {
	k := make([]byte, 0, len(token)+len(stream)+16)
	k = append(k, tokPrefix...)
	k = append(k, token...)
	k = append(k, spoolSeg...)
	k = append(k, stream...)
	k = append(k, metaSuffix...)
	return k
}

// keyEntry builds the entry key with a big-endian row id for proper ordering.
func keyEntry(token string, stream Stream, row uint64) []byte {
	k := make([]byte, 0, len(token)+len(stream)+24)
	k = append(k, tokPrefix...)
	k = append(k, token...)
	k = append(k, spoolSeg...)
	k = append(k, stream...)
	k = append(k, entrySeg...)
	k = appendBE8(k, row)
	return k
}

// entryBounds returns the inclusive-low/exclusive-high iterator bounds
// covering every entry of a stream.
func entryBounds(token string, stream Stream) (lo, hi []byte) {
	lo = keyEntry(token, stream, 0)
	hi = append(keyEntry(token, stream, ^uint64(0)), 0x00)
	return lo, hi
}

// rowFromEntryKey extracts the row id from an entry key.
func rowFromEntryKey(k []byte) uint64 {
	if len(k) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(k[len(k)-8:])
}
