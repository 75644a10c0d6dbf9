package logstore

import (
	"io"
	"os"
	"sync"

	"kvs/storage"

	"github.com/pkg/errors"
)

var (
	ErrClosed = errors.New("store closed")

	// errSegmentRetired means the segment was deleted by compaction after the
	// caller resolved its location. The caller should consult the index again.
	errSegmentRetired = errors.New("segment retired")
)

// readerCache keeps one read handle per segment. Any goroutine may open a
// handle; compaction evicts the handles of the segments it deletes while
// holding the write lock, so an in-flight ReadAt never sees a closed file.
type readerCache struct {
	dir   string
	mutex sync.RWMutex
	files map[uint64]*os.File

	// Segments below floor have been retired and must not be reopened.
	floor  uint64
	closed bool
}

func newReaderCache(dir string) *readerCache {
	return &readerCache{
		dir:   dir,
		files: make(map[uint64]*os.File),
	}
}

func (c *readerCache) readAt(loc storage.Location) ([]byte, error) {
	c.mutex.RLock()
	f, ok := c.files[loc.Segment]

	if !ok {
		closed := c.closed
		c.mutex.RUnlock()

		if closed {
			return nil, ErrClosed
		}

		if err := c.open(loc.Segment); err != nil {
			return nil, err
		}

		c.mutex.RLock()

		if f, ok = c.files[loc.Segment]; !ok {
			c.mutex.RUnlock()
			return nil, errSegmentRetired
		}
	}
	defer c.mutex.RUnlock()

	buf := make([]byte, loc.Length)

	if _, err := f.ReadAt(buf, int64(loc.Offset)); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.Wrapf(storage.ErrCorruptRecord, "segment %d ends before offset %d", loc.Segment, loc.End())
		}
		return nil, errors.Wrapf(err, "read segment %d", loc.Segment)
	}

	return buf, nil
}

func (c *readerCache) open(i uint64) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return ErrClosed
	}

	if _, ok := c.files[i]; ok {
		return nil
	}

	if i < c.floor {
		return errSegmentRetired
	}

	f, err := os.Open(SegmentName(c.dir, i))

	if os.IsNotExist(err) {
		return errSegmentRetired
	}

	if err != nil {
		return errors.Wrapf(err, "open segment %d", i)
	}

	c.files[i] = f

	return nil
}

// evict closes and forgets the handle for segment i.
func (c *readerCache) evict(i uint64) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if f, ok := c.files[i]; ok {
		f.Close()
		delete(c.files, i)
	}
}

// evictBelow closes and forgets every handle for segments older than i.
func (c *readerCache) evictBelow(i uint64) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.floor = i

	for k, f := range c.files {
		if k < i {
			f.Close()
			delete(c.files, k)
		}
	}
}

func (c *readerCache) close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	var firstErr error

	for k, f := range c.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.files, k)
	}

	c.closed = true

	return firstErr
}
