package logstore

import (
	"os"
	"time"

	"kvs/storage"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

type movedEntry struct {
	key string
	loc storage.Location
}

// compact copies every live record into segment current+1, repoints the index
// at the copies and only then deletes the older segments. It must be called
// with the writer lock held.
//
// Readers racing with compaction either still find the old segment on disk or
// re-resolve the key through the index, which already points at the copy.
func (s *Store) compact() error {
	start := time.Now()
	current := s.current.Load()
	next := current + 1

	w, err := newWriter(s.dir, next, s.opts.SyncWrites, s.buffers, s.metrics)

	if err != nil {
		return err
	}

	moved := make([]movedEntry, 0, s.index.Len())

	rollback := func(cause error) error {
		for _, m := range moved {
			s.index.Upsert(m.key, m.loc)
		}

		w.close()

		if err := os.Remove(w.segment.Name()); err != nil {
			level.Error(s.logger).Log("msg", "error removing abandoned compaction segment", "err", err, "segmentId", next)
		}

		s.readers.evict(next)

		return cause
	}

	for _, key := range s.index.Keys() {
		loc, ok := s.index.Lookup(key)

		if !ok {
			continue
		}

		rec, err := s.read(loc)

		if err != nil {
			return rollback(errors.Wrapf(err, "read %q", key))
		}

		if rec.Kind != storage.RecordSet || rec.Key != key {
			return rollback(errors.Wrapf(storage.ErrUnexpectedRecordKind, "compacting %q", key))
		}

		newLoc, err := w.append(rec)

		if err != nil {
			return rollback(err)
		}

		s.index.Upsert(key, newLoc)
		moved = append(moved, movedEntry{key: key, loc: loc})
	}

	if err := w.fsync(); err != nil {
		return rollback(err)
	}

	prev := s.writer
	s.writer = w
	s.current.Store(next)

	if err := prev.close(); err != nil {
		level.Warn(s.logger).Log("msg", "error closing previous segment", "err", err, "segmentId", current)
	}

	reclaimed := s.reclaimable.Swap(0)

	if err := s.retireBelow(next); err != nil {
		return err
	}

	s.metrics.compactions.Inc()
	s.metrics.reclaimedBytes.Add(float64(reclaimed))
	s.metrics.compactionDuration.Observe(time.Since(start).Seconds())

	level.Info(s.logger).Log(
		"msg", "compaction completed",
		"segment", next,
		"keys", len(moved),
		"reclaimed", reclaimed,
		"duration", time.Since(start),
	)

	return nil
}

// retireBelow deletes segments older than i in ascending order and stops at
// the first failure. What remains is then a contiguous tail of the history,
// which still replays to the same state.
func (s *Store) retireBelow(i uint64) error {
	defer s.readers.evictBelow(i)

	refs, err := Segments(s.dir)

	if err != nil {
		return err
	}

	for _, ref := range refs {
		if ref.index >= i {
			break
		}

		if err := os.Remove(SegmentName(s.dir, ref.index)); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "delete segment %d", ref.index)
		}
	}

	return nil
}
