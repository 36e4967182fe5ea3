package spool

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/discohead/mixpanel-go/internal/obs"
	pebblestore "github.com/discohead/mixpanel-go/internal/storage/pebble"
	logpkg "github.com/discohead/mixpanel-go/pkg/log"
)

// Stream identifies one durable queue: events, user-profile updates, or
// group-profile updates. Ordering is guaranteed within a stream only.
type Stream string

// Known streams.
const (
	StreamEvents Stream = "events"
	StreamPeople Stream = "people"
	StreamGroups Stream = "groups"
)

// Streams returns all known streams in a stable order.
func Streams() []Stream {
	return []Stream{StreamEvents, StreamPeople, StreamGroups}
}

// Entry is one pending record read back from the spool.
type Entry struct {
	Row     uint64
	Meta    []byte
	Payload []byte
}

// compactThreshold is the number of deletions in one operation after which a
// compaction of the stream's entry range is requested.
const compactThreshold = 4096

type streamState struct {
	lastRow uint64
	count   uint64
}

// Spool is the durable store for one token: an append-only queue per stream,
// persisted in Pebble. Rows are assigned strictly increasing ids per stream
// and survive process restarts. The dispatcher is the sole writer; the
// internal mutex only guards against concurrent inspection (CLI, tests).
type Spool struct {
	db     *pebblestore.DB
	token  string
	logger logpkg.Logger

	mu      sync.Mutex
	streams map[Stream]*streamState
}

// Open initializes a Spool for a token and loads per-stream metadata.
// A stream whose persisted metadata is unreadable is reset to empty; prior
// entries for that stream are dropped and the reset is logged at error level.
func Open(db *pebblestore.DB, token string, logger logpkg.Logger) (*Spool, error) {
	if logger == nil {
		logger = logpkg.NewLogger()
	}
	s := &Spool{
		db:      db,
		token:   token,
		logger:  logger.WithComponent("spool"),
		streams: make(map[Stream]*streamState, 3),
	}
	for _, stream := range Streams() {
		st := &streamState{}
		meta, err := db.Get(keyMeta(token, stream))
		switch {
		case err == nil && len(meta) >= 16:
			st.lastRow = binary.BigEndian.Uint64(meta[0:8])
			st.count = binary.BigEndian.Uint64(meta[8:16])
		case errors.Is(err, pebblestore.ErrNotFound):
			// fresh stream
		case err != nil:
			return nil, err
		default:
			// Metadata present but unreadable: reset the stream rather than
			// leave it unusable. Prior data for this stream is lost.
			if rerr := s.resetStream(context.Background(), stream); rerr != nil {
				return nil, rerr
			}
			s.logger.Error("unreadable stream state, reset to empty",
				logpkg.Str("stream", string(stream)))
			obs.SpoolResets.WithLabelValues(string(stream)).Inc()
		}
		s.streams[stream] = st
	}
	return s, nil
}

// Append persists one record and returns its assigned row id. The entry and
// the updated stream metadata commit in a single atomic batch, so a crash
// never leaves a partially applied append.
func (s *Spool) Append(ctx context.Context, stream Stream, meta, payload []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.streams[stream]
	if st == nil {
		return 0, errors.New("spool: unknown stream " + string(stream))
	}

	b := s.db.NewBatch()
	defer b.Close()

	row := st.lastRow + 1
	if err := b.Set(keyEntry(s.token, stream, row), EncodeEntry(meta, payload), nil); err != nil {
		return 0, err
	}
	if err := b.Set(keyMeta(s.token, stream), encodeMeta(row, st.count+1), nil); err != nil {
		return 0, err
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return 0, err
	}
	st.lastRow = row
	st.count++
	return row, nil
}

// Oldest returns up to maxCount entries in row order, stopping early once
// adding another payload would exceed maxBytes (the first entry is always
// included). It does not mutate the spool. Values that fail their checksum
// are skipped and logged.
func (s *Spool) Oldest(stream Stream, maxCount, maxBytes int) ([]Entry, error) {
	lo, hi := entryBounds(s.token, stream)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var entries []Entry
	bytes := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		if maxCount > 0 && len(entries) >= maxCount {
			break
		}
		row := rowFromEntryKey(iter.Key())
		meta, payload, okDec := DecodeEntry(iter.Value())
		if !okDec {
			obs.CorruptEntries.WithLabelValues(string(stream)).Inc()
			s.logger.Warn("skipping corrupt spool entry",
				logpkg.Str("stream", string(stream)), logpkg.Uint64("row", row))
			continue
		}
		if maxBytes > 0 && len(entries) > 0 && bytes+len(payload) > maxBytes {
			break
		}
		entries = append(entries, Entry{Row: row, Meta: meta, Payload: payload})
		bytes += len(payload)
	}
	return entries, nil
}

// RemoveUpTo deletes all entries with row <= row for the stream. It is
// idempotent: repeated calls with the same or a lower bound are no-ops.
// Returns the number of keys removed (corrupt values in range included).
func (s *Spool) RemoveUpTo(ctx context.Context, stream Stream, row uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lo, _ := entryBounds(s.token, stream)
	hi := append(keyEntry(s.token, stream, row), 0x00)
	return s.deleteRange(ctx, stream, lo, hi, 0)
}

// EvictOverCeiling drops the oldest entries when the stream's pending count
// exceeds ceiling, deleting exactly the excess. This is the pipeline's sole
// data-loss path; each eviction is logged and counted so sustained loss is
// visible to operators.
func (s *Spool) EvictOverCeiling(ctx context.Context, stream Stream, ceiling int) (int, error) {
	if ceiling <= 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.streams[stream]
	if st == nil || st.count <= uint64(ceiling) {
		return 0, nil
	}
	excess := int(st.count - uint64(ceiling))

	lo, hi := entryBounds(s.token, stream)
	evicted, err := s.deleteRange(ctx, stream, lo, hi, excess)
	if err != nil {
		return evicted, err
	}
	if evicted > 0 {
		s.logger.Warn("spool ceiling eviction",
			logpkg.Str("stream", string(stream)),
			logpkg.Int("evicted", evicted),
			logpkg.Int("ceiling", ceiling))
		obs.EntriesEvicted.WithLabelValues(string(stream)).Add(float64(evicted))
	}
	return evicted, nil
}

// Count returns the number of pending entries for a stream.
func (s *Spool) Count(stream Stream) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st := s.streams[stream]; st != nil {
		return st.count
	}
	return 0
}

// LastRow returns the highest row id ever assigned for a stream.
func (s *Spool) LastRow(stream Stream) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st := s.streams[stream]; st != nil {
		return st.lastRow
	}
	return 0
}

// deleteRange deletes entries in [lo, hi), oldest first, up to max keys
// (0 = unbounded), committing the deletions and updated metadata atomically.
// Caller must hold s.mu.
func (s *Spool) deleteRange(ctx context.Context, stream Stream, lo, hi []byte, max int) (int, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	st := s.streams[stream]
	b := s.db.NewBatch()
	defer b.Close()

	deleted := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		if max > 0 && deleted >= max {
			break
		}
		if err := b.Delete(iter.Key(), nil); err != nil {
			return 0, err
		}
		deleted++
	}
	if deleted == 0 {
		return 0, nil
	}

	count := st.count
	if uint64(deleted) > count {
		count = 0
	} else {
		count -= uint64(deleted)
	}
	if err := b.Set(keyMeta(s.token, stream), encodeMeta(st.lastRow, count), nil); err != nil {
		return 0, err
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return 0, err
	}
	st.count = count
	if deleted >= compactThreshold {
		_ = s.db.CompactRange(lo, hi)
	}
	return deleted, nil
}

// resetStream drops every key belonging to a stream, metadata included.
func (s *Spool) resetStream(ctx context.Context, stream Stream) error {
	lo, hi := entryBounds(s.token, stream)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return err
	}
	defer iter.Close()

	b := s.db.NewBatch()
	defer b.Close()
	for ok := iter.First(); ok; ok = iter.Next() {
		if err := b.Delete(iter.Key(), nil); err != nil {
			return err
		}
	}
	if err := b.Delete(keyMeta(s.token, stream), nil); err != nil {
		return err
	}
	return s.db.CommitBatch(ctx, b)
}

func encodeMeta(lastRow, count uint64) []byte {
	var m [16]byte
	binary.BigEndian.PutUint64(m[0:8], lastRow)
	binary.BigEndian.PutUint64(m[8:16], count)
	return m[:]
}
