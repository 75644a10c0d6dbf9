package logstore

import (
	"io"

	"kvs/storage"

	"github.com/pkg/errors"
	"github.com/prometheus/prometheus/tsdb/wlog"
)

// Reader iterates over the records of one segment in write order.
type Reader struct {
	dec     *storage.RecordDecoder
	dir     string
	segment uint64

	rec  storage.Record
	loc  storage.Location
	err  error
	torn bool
}

func NewReader(reader io.Reader, dir string, segment uint64) *Reader {
	return &Reader{
		dec:     storage.NewRecordDecoder(reader),
		dir:     dir,
		segment: segment,
	}
}

// Next advances to the next record. It returns false at the end of the
// segment, after a torn trailing record, or on corruption; Err tells them apart.
func (r *Reader) Next() bool {
	rec, offset, length, err := r.dec.Decode()

	switch {
	case err == nil:
		r.rec = rec
		r.loc = storage.Location{Segment: r.segment, Offset: offset, Length: length}
		return true
	case errors.Is(err, io.EOF):
		return false
	case errors.Is(err, io.ErrUnexpectedEOF):
		r.torn = true
		r.loc = storage.Location{Segment: r.segment, Offset: offset}
		return false
	default:
		r.err = &wlog.CorruptionErr{
			Dir:     r.dir,
			Segment: int(r.segment),
			Offset:  int64(offset),
			Err:     err,
		}
		return false
	}
}

func (r *Reader) Record() storage.Record {
	return r.rec
}

// Location is where the current record sits. After a torn record it holds the
// offset at which the partial record starts.
func (r *Reader) Location() storage.Location {
	return r.loc
}

// Torn reports whether the segment ends in a partially written record.
func (r *Reader) Torn() bool {
	return r.torn
}

func (r *Reader) Err() error {
	return r.err
}
