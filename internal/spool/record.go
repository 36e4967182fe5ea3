package spool

import (
	"encoding/binary"
	"hash/crc32"
)

// Entry value encoding: varint metaLen | meta | payload | crc32c(meta|payload)
//
// Meta carries per-record bookkeeping (the 16-byte insert id on events,
// empty for profile updates); payload is the serialized wire JSON object.
// The trailing checksum lets reads detect torn or corrupted values after an
// unclean shutdown.

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// EncodeEntry serializes meta and payload into one storage value.
func EncodeEntry(meta, payload []byte) []byte {
	out := make([]byte, 0, 10+len(meta)+len(payload)+4)
	var tmp [10]byte
	n := binary.PutUvarint(tmp[:], uint64(len(meta)))
	out = append(out, tmp[:n]...)
	out = append(out, meta...)
	out = append(out, payload...)

	crc := crc32.Update(0, castagnoli, meta)
	crc = crc32.Update(crc, castagnoli, payload)
	var crcb [4]byte
	binary.BigEndian.PutUint32(crcb[:], crc)
	out = append(out, crcb[:]...)
	return out
}

// DecodeEntry parses a storage value. It returns ok=false when the value is
// truncated or fails its checksum.
func DecodeEntry(b []byte) (meta, payload []byte, ok bool) {
	if len(b) < 1+4 {
		return nil, nil, false
	}
	mlen, n := binary.Uvarint(b)
	if n <= 0 {
		return nil, nil, false
	}
	// compare in uint64 space: a corrupted huge mlen must not overflow an
	// int expression and slip past the bounds check
	if n+4 > len(b) || mlen > uint64(len(b)-n-4) {
		return nil, nil, false
	}
	m := b[n : n+int(mlen)]
	p := b[n+int(mlen) : len(b)-4]
	expect := binary.BigEndian.Uint32(b[len(b)-4:])
	crc := crc32.Update(0, castagnoli, m)
	crc = crc32.Update(crc, castagnoli, p)
	if crc != expect {
		return nil, nil, false
	}
	return append([]byte(nil), m...), append([]byte(nil), p...), true
}
