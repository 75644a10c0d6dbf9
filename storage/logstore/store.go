// Package logstore is the log-structured storage engine.
//
// Every Set and Remove is appended as a JSON record to the current segment
// file ({id}.log). An in-memory index maps each live key to the byte range of
// its latest Set record. Overwritten and removed records are counted as
// reclaimable bytes; once the count passes the compaction threshold all live
// records are copied into a fresh segment and the older segments are deleted.
//
// Writes are serialised by a single writer lock. Reads take no writer lock:
// they consult the index and read the immutable byte range directly.
package logstore

import (
	"os"
	"sync"

	"kvs/storage"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

const DefaultCompactionThreshold = 1024 * 1024

type Options struct {
	// CompactionThreshold is the number of reclaimable bytes above which a
	// write triggers compaction.
	CompactionThreshold uint64
	// SyncWrites fsyncs the segment after every append.
	SyncWrites bool
}

func DefaultOptions() Options {
	return Options{
		CompactionThreshold: DefaultCompactionThreshold,
		SyncWrites:          true,
	}
}

type Store struct {
	logger  log.Logger
	dir     string
	opts    Options
	metrics *Metrics

	index   *storage.Index
	readers *readerCache
	buffers *storage.BufferPool

	// mutex is the writer lock. It covers append, index update and
	// compaction as one critical section.
	mutex  sync.Mutex
	writer *writer
	closed bool

	current     *atomic.Uint64
	reclaimable *atomic.Uint64
}

var _ storage.Engine = (*Store)(nil)

// Open replays every segment in dir, oldest first, and starts a new empty
// segment one past the highest id found.
func Open(logger log.Logger, registerer prometheus.Registerer, dir string, opts Options) (*Store, error) {
	if opts.CompactionThreshold == 0 {
		opts.CompactionThreshold = DefaultCompactionThreshold
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create data directory")
	}

	registerer = prometheus.WrapRegistererWithPrefix("kvs_logstore_", registerer)

	s := &Store{
		logger:      logger,
		dir:         dir,
		opts:        opts,
		metrics:     NewMetrics(registerer),
		index:       storage.NewIndex(),
		readers:     newReaderCache(dir),
		buffers:     storage.NewBufferPool(),
		current:     atomic.NewUint64(0),
		reclaimable: atomic.NewUint64(0),
	}

	refs, err := Segments(dir)

	if err != nil {
		return nil, err
	}

	for _, ref := range refs {
		if err := s.replay(ref); err != nil {
			s.readers.close()
			return nil, errors.Wrapf(err, "replay segment %s", ref.name)
		}
	}

	current := uint64(1)

	if len(refs) > 0 {
		current = refs[len(refs)-1].index + 1
	}

	w, err := newWriter(dir, current, opts.SyncWrites, s.buffers, s.metrics)

	if err != nil {
		s.readers.close()
		return nil, err
	}

	s.writer = w
	s.current.Store(current)

	registerGauges(registerer, s)

	level.Info(logger).Log(
		"msg", "store opened",
		"dir", dir,
		"segments", len(refs),
		"keys", s.index.Len(),
		"reclaimable", s.reclaimable.Load(),
		"currentSegment", current,
	)

	return s, nil
}

func (s *Store) replay(ref SegmentRef) error {
	segment, err := OpenReadSegment(s.dir, ref.index)

	if err != nil {
		return err
	}

	defer segment.Close()

	reader := NewReader(segment, s.dir, ref.index)
	records := 0

	for reader.Next() {
		rec, loc := reader.Record(), reader.Location()

		switch rec.Kind {
		case storage.RecordSet:
			if prev, ok := s.index.Upsert(rec.Key, loc); ok {
				s.reclaimable.Add(prev.Length)
			}
		case storage.RecordRemove:
			if prev, ok := s.index.Delete(rec.Key); ok {
				s.reclaimable.Add(prev.Length)
			}
			s.reclaimable.Add(loc.Length)
		}

		records++
	}

	if reader.Torn() {
		level.Warn(s.logger).Log(
			"msg", "ignoring torn record at end of segment",
			"segment", ref.index,
			"offset", reader.Location().Offset,
		)
	}

	level.Debug(s.logger).Log("msg", "segment replayed", "segment", ref.index, "records", records)

	return reader.Err()
}

func (s *Store) Set(key, value string) error {
	rec := storage.SetRecord(key, value)

	if err := rec.Validate(); err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return ErrClosed
	}

	loc, err := s.writer.append(rec)

	if err != nil {
		return err
	}

	if prev, ok := s.index.Upsert(key, loc); ok {
		s.reclaimable.Add(prev.Length)
	}

	s.maybeCompact()

	return nil
}

func (s *Store) Get(key string) (string, bool, error) {
	loc, ok := s.index.Lookup(key)

	for ok {
		rec, err := s.read(loc)

		if errors.Is(err, errSegmentRetired) {
			// Compaction moved the key after we looked it up.
			next, found := s.index.Lookup(key)

			if found && next == loc {
				return "", false, errors.Wrapf(storage.ErrCorruptRecord, "index points at retired segment %d", loc.Segment)
			}

			loc, ok = next, found
			continue
		}

		if err != nil {
			return "", false, err
		}

		if rec.Kind != storage.RecordSet {
			level.Error(s.logger).Log("msg", "index points at a non-Set record", "key", key, "kind", rec.Kind, "segment", loc.Segment, "offset", loc.Offset)
			return "", false, storage.ErrUnexpectedRecordKind
		}

		if rec.Key != key {
			level.Error(s.logger).Log("msg", "index points at a record for another key", "key", key, "recordKey", rec.Key, "segment", loc.Segment, "offset", loc.Offset)
			return "", false, storage.ErrCorruptRecord
		}

		return rec.Value, true, nil
	}

	return "", false, nil
}

func (s *Store) Remove(key string) error {
	rec := storage.RemoveRecord(key)

	if err := rec.Validate(); err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return ErrClosed
	}

	// The index only changes under the writer lock, so the entry seen here is
	// the one deleted below.
	if _, ok := s.index.Lookup(key); !ok {
		return storage.ErrKeyNotFound
	}

	loc, err := s.writer.append(rec)

	if err != nil {
		return err
	}

	if prev, ok := s.index.Delete(key); ok {
		s.reclaimable.Add(prev.Length)
	}

	s.reclaimable.Add(loc.Length)

	s.maybeCompact()

	return nil
}

func (s *Store) read(loc storage.Location) (storage.Record, error) {
	b, err := s.readers.readAt(loc)

	if err != nil {
		return storage.Record{}, err
	}

	return storage.DecodeRecord(b)
}

// maybeCompact runs compaction once reclaimable bytes pass the threshold. The
// write that triggered it is already durable, so a failed compaction is
// logged rather than reported to the writer.
func (s *Store) maybeCompact() {
	if s.reclaimable.Load() <= s.opts.CompactionThreshold {
		return
	}

	if err := s.compact(); err != nil {
		s.metrics.compactionsFailed.Inc()
		level.Error(s.logger).Log("msg", "compaction failed", "err", err)
	}
}

type Stats struct {
	CurrentSegment   uint64
	Segments         int
	Keys             int
	ReclaimableBytes uint64
}

func (s *Store) Stats() (Stats, error) {
	refs, err := Segments(s.dir)

	if err != nil {
		return Stats{}, err
	}

	return Stats{
		CurrentSegment:   s.current.Load(),
		Segments:         len(refs),
		Keys:             s.index.Len(),
		ReclaimableBytes: s.reclaimable.Load(),
	}, nil
}

func (s *Store) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true

	werr := s.writer.close()
	rerr := s.readers.close()

	if werr != nil {
		return werr
	}

	return rerr
}
