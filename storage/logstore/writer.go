package logstore

import (
	"time"

	"kvs/storage"

	"github.com/pkg/errors"
)

// writer appends records to the tail of one segment. It is only used while
// holding the store's writer lock.
type writer struct {
	segment *Segment
	pos     uint64
	sync    bool
	buffers *storage.BufferPool
	metrics *Metrics

	// A failed write may leave a partial record at the tail. Appending after
	// it would turn a torn tail into mid-segment corruption, so the writer
	// refuses further appends.
	err error
}

func newWriter(dir string, i uint64, sync bool, buffers *storage.BufferPool, metrics *Metrics) (*writer, error) {
	segment, err := CreateSegment(dir, i)

	if err != nil {
		return nil, err
	}

	stat, err := segment.Stat()

	if err != nil {
		segment.Close()
		return nil, errors.Wrapf(err, "stat segment %d", i)
	}

	return &writer{
		segment: segment,
		pos:     uint64(stat.Size()),
		sync:    sync,
		buffers: buffers,
		metrics: metrics,
	}, nil
}

// append writes rec and reports exactly where it landed. The record has been
// handed to the OS (and fsynced when sync is set) before append returns.
func (w *writer) append(rec storage.Record) (storage.Location, error) {
	if w.err != nil {
		return storage.Location{}, w.err
	}

	buf := w.buffers.Get()
	defer w.buffers.Put(buf)

	b, err := storage.AppendRecord((*buf)[:0], rec)

	if err != nil {
		return storage.Location{}, err
	}

	*buf = b

	n, err := w.segment.Write(b)

	if err != nil {
		w.metrics.writesFailed.Inc()
		w.err = errors.Wrapf(err, "append to segment %d", w.segment.i)
		w.pos += uint64(n)
		return storage.Location{}, w.err
	}

	loc := storage.Location{
		Segment: w.segment.i,
		Offset:  w.pos,
		Length:  uint64(n),
	}

	w.pos += uint64(n)

	if w.sync {
		if err := w.fsync(); err != nil {
			w.metrics.writesFailed.Inc()
			return storage.Location{}, err
		}
	}

	return loc, nil
}

func (w *writer) fsync() error {
	now := time.Now()
	err := w.segment.Sync()

	w.metrics.fsyncDuration.Observe(time.Since(now).Seconds())

	return errors.Wrapf(err, "sync segment %d", w.segment.i)
}

func (w *writer) close() error {
	return errors.Wrapf(w.segment.Close(), "close segment %d", w.segment.i)
}
