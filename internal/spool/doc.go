// Package spool implements the SDK's durable local store: one append-only
// queue per stream (events, people, groups), persisted in Pebble per token.
//
// # Overview
//
// Keys are lexicographically ordered for efficient range scans:
//   - tok/{token}/spool/{stream}/m           (stream metadata: lastRow | count)
//   - tok/{token}/spool/{stream}/e/{row_be8} (entries)
//
// Entry values are stored as: varint metaLen | meta | payload |
// crc32c(meta|payload). Every append commits the entry together with updated
// metadata in one atomic batch, so unclean shutdowns never leave a partial
// append; a value that fails its checksum on read is skipped, and a stream
// whose metadata is unreadable at open is reset to empty.
//
// API surface (internal)
//
//	s, _ := spool.Open(db, token, logger)
//	row, _ := s.Append(ctx, spool.StreamEvents, meta, payload)
//
//	// Batch formation: ordered, read-only
//	entries, _ := s.Oldest(spool.StreamEvents, 50, 1<<20)
//
//	// After confirmed delivery (idempotent)
//	_, _ = s.RemoveUpTo(ctx, spool.StreamEvents, entries[len(entries)-1].Row)
//
//	// Bounded data loss when the endpoint cannot keep up
//	evicted, _ := s.EvictOverCeiling(ctx, spool.StreamEvents, 10_000)
//
// Rows within a stream are strictly increasing, so delivery in Oldest order
// preserves submission order. Cross-stream ordering is not provided.
package spool
